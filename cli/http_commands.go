package cli

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// httpRetries is the number of retries after a failed request.
const httpRetries = 3

// alias bodies carry this attribution footer.
const attributionFooter = "Message created by Resoto"

// httpSpec is the compiled target of the http sink and its aliases.
type httpSpec struct {
	method      string
	url         string
	headers     map[string]string
	params      map[string]string
	compress    bool
	timeout     time.Duration
	backoffBase time.Duration
	username    string
	password    string
}

var httpMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {}, "DELETE": {}, "HEAD": {},
}

func parseHTTPSpec(cctx *Context, tokens []string) (*httpSpec, error) {
	spec := &httpSpec{
		method:      "POST",
		headers:     map[string]string{},
		params:      map[string]string{},
		timeout:     cctx.Deps.Config.CLI.HTTPTimeout,
		backoffBase: cctx.Deps.Config.Workers.BackoffBase,
	}
	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		switch {
		case token == "--compress":
			spec.compress = true
		case token == "--timeout" || token == "--backoff-base":
			if i+1 >= len(tokens) {
				return nil, NewParseError("http: %s requires seconds", token)
			}
			d, err := time.ParseDuration(tokens[i+1] + "s")
			if err != nil {
				return nil, NewParseError("http: invalid %s value %q", token, tokens[i+1])
			}
			if token == "--timeout" {
				spec.timeout = d
			} else {
				spec.backoffBase = d
			}
			i++
		case spec.url == "":
			if _, ok := httpMethods[token]; ok {
				spec.method = token
				continue
			}
			spec.url = token
		case strings.Contains(token, ":") && !strings.Contains(token, "="):
			key, value, _ := strings.Cut(token, ":")
			spec.headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
		case strings.Contains(token, "="):
			key, value, _ := strings.Cut(token, "=")
			spec.params[key] = value
		default:
			return nil, NewParseError("http: unexpected argument %q", token)
		}
	}
	if spec.url == "" {
		return nil, NewParseError("http: url required")
	}
	return spec, nil
}

// send posts one JSON body with retries and returns the final status.
func (s *httpSpec) send(ctx context.Context, client *http.Client, body []byte) (int, error) {
	target := s.url
	if len(s.params) > 0 {
		values := url.Values{}
		for k, v := range s.params {
			values.Set(k, v)
		}
		separator := "?"
		if strings.Contains(target, "?") {
			separator = "&"
		}
		target += separator + values.Encode()
	}

	status := 0
	attempt := func() error {
		payload := body
		if s.compress {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(body); err != nil {
				return backoff.Permanent(err)
			}
			if err := zw.Close(); err != nil {
				return backoff.Permanent(err)
			}
			payload = buf.Bytes()
		}
		reqCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(reqCtx, s.method, target, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.compress {
			req.Header.Set("Content-Encoding", "gzip")
		}
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}
		if s.username != "" {
			req.SetBasicAuth(s.username, s.password)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		status = resp.StatusCode
		if status >= 500 || status == http.StatusTooManyRequests {
			return fmt.Errorf("request to %s failed with status %d", s.url, status)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.backoffBase
	policy.RandomizationFactor = 0
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, httpRetries), ctx))
	if err != nil && status == 0 {
		return 0, err
	}
	return status, nil
}

// emitStatusSummary renders the per-status request counts.
func emitStatusSummary(ctx context.Context, out chan<- any, counts map[int]int) error {
	statuses := make([]int, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)
	for _, status := range statuses {
		line := fmt.Sprintf("%d requests with status %d sent.", counts[status], status)
		if err := emit(ctx, out, line); err != nil {
			return err
		}
	}
	return nil
}

func httpCommand() Command {
	return &command{
		name: "http",
		pos:  PositionSink,
		info: "Send each input as a JSON request to the given url.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			spec, err := parseHTTPSpec(cctx, tokens)
			if err != nil {
				return nil, err
			}
			client := cctx.Deps.HTTPClient
			return &CompiledStage{Name: "http", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				counts := map[int]int{}
				for {
					select {
					case v, ok := <-in:
						if !ok {
							return emitStatusSummary(ctx, out, counts)
						}
						body, err := json.Marshal(v)
						if err != nil {
							return err
						}
						status, err := spec.send(ctx, client, body)
						if err != nil {
							return err
						}
						counts[status]++
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}}, nil
		},
	}
}

// aliasPageSize is the number of fields per message page of the
// discord and slack aliases.
const aliasPageSize = 25

// pageValues splits the input into pages of the alias page size.
func pageValues(values []any) [][]any {
	var pages [][]any
	for start := 0; start < len(values); start += aliasPageSize {
		end := start + aliasPageSize
		if end > len(values) {
			end = len(values)
		}
		pages = append(pages, values[start:end])
	}
	if pages == nil {
		pages = [][]any{{}}
	}
	return pages
}

// aliasSink drains the input, builds one request body per page and
// reports the status summary.
func aliasSink(name string, cctx *Context, spec *httpSpec,
	buildBody func(page []any) any) *CompiledStage {
	client := cctx.Deps.HTTPClient
	return &CompiledStage{Name: name, Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
		values, err := drain(ctx, in)
		if err != nil {
			return err
		}
		counts := map[int]int{}
		for _, page := range pageValues(values) {
			body, err := json.Marshal(buildBody(page))
			if err != nil {
				return err
			}
			status, err := spec.send(ctx, client, body)
			if err != nil {
				return err
			}
			counts[status]++
		}
		return emitStatusSummary(ctx, out, counts)
	}}
}

func discordCommand() Command {
	return &command{
		name: "discord",
		pos:  PositionSink,
		info: "Send the input to a discord webhook as rich embeds.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			args, err := parseKeyValues(tokens)
			if err != nil {
				return nil, err
			}
			webhook, ok := args["webhook"]
			if !ok {
				return nil, NewParseError("discord: webhook is required")
			}
			title := args["title"]
			message := args["message"]
			if title == "" && message == "" {
				return nil, NewParseError("discord: title or message is required")
			}
			section := cctx.Section()
			spec, err := parseHTTPSpec(cctx, []string{webhook})
			if err != nil {
				return nil, err
			}
			build := func(page []any) any {
				fields := make([]map[string]any, 0, len(page))
				for _, value := range page {
					fields = append(fields, map[string]any{
						"name":  nodeLabel(value, section),
						"value": nodeDetail(value, section),
					})
				}
				embed := map[string]any{
					"type":   "rich",
					"title":  title,
					"fields": fields,
					"footer": map[string]any{"text": attributionFooter},
				}
				if message != "" {
					embed["description"] = message
				}
				return map[string]any{"embeds": []any{embed}}
			}
			return aliasSink("discord", cctx, spec, build), nil
		},
	}
}

func slackCommand() Command {
	return &command{
		name: "slack",
		pos:  PositionSink,
		info: "Send the input to a slack webhook as block sections.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			args, err := parseKeyValues(tokens)
			if err != nil {
				return nil, err
			}
			webhook, ok := args["webhook"]
			if !ok {
				return nil, NewParseError("slack: webhook is required")
			}
			title := args["title"]
			if title == "" {
				title = args["message"]
			}
			if title == "" {
				return nil, NewParseError("slack: title or message is required")
			}
			section := cctx.Section()
			spec, err := parseHTTPSpec(cctx, []string{webhook})
			if err != nil {
				return nil, err
			}
			build := func(page []any) any {
				fields := make([]map[string]any, 0, len(page))
				for _, value := range page {
					fields = append(fields, map[string]any{
						"type": "mrkdwn",
						"text": fmt.Sprintf("*%s*\n%s", nodeLabel(value, section), nodeDetail(value, section)),
					})
				}
				blocks := []any{
					map[string]any{
						"type": "header",
						"text": map[string]any{"type": "plain_text", "text": title},
					},
				}
				if len(fields) > 0 {
					blocks = append(blocks, map[string]any{"type": "section", "fields": fields})
				}
				blocks = append(blocks, map[string]any{
					"type": "context",
					"elements": []any{
						map[string]any{"type": "mrkdwn", "text": attributionFooter},
					},
				})
				return map[string]any{"blocks": blocks}
			}
			return aliasSink("slack", cctx, spec, build), nil
		},
	}
}

func jiraCommand() Command {
	return &command{
		name: "jira",
		pos:  PositionSink,
		info: "Create a jira issue from the input.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			tokens, err := tokenize(arg)
			if err != nil {
				return nil, err
			}
			args, err := parseKeyValues(tokens)
			if err != nil {
				return nil, err
			}
			for _, required := range []string{"title", "url", "username", "token", "project_id", "reporter_id"} {
				if args[required] == "" {
					return nil, NewParseError("jira: %s is required", required)
				}
			}
			section := cctx.Section()
			spec, err := parseHTTPSpec(cctx, []string{strings.TrimSuffix(args["url"], "/") + "/rest/api/2/issue"})
			if err != nil {
				return nil, err
			}
			spec.username = args["username"]
			spec.password = args["token"]
			title := args["title"]
			projectID := args["project_id"]
			reporterID := args["reporter_id"]
			client := cctx.Deps.HTTPClient
			return &CompiledStage{Name: "jira", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				values, err := drain(ctx, in)
				if err != nil {
					return err
				}
				lines := make([]string, 0, len(values))
				truncated := false
				for _, value := range values {
					if len(lines) == aliasPageSize {
						truncated = true
						break
					}
					lines = append(lines, nodeLabel(value, section))
				}
				description := strings.Join(lines, "\n")
				if truncated {
					description += "\n... (results truncated)"
				}
				description += "\n\nIssue created by Resoto"
				body, err := json.Marshal(map[string]any{
					"fields": map[string]any{
						"summary":     title,
						"issuetype":   map[string]any{"id": "10001"},
						"project":     map[string]any{"id": projectID},
						"description": description,
						"reporter":    map[string]any{"id": reporterID},
						"labels":      []any{"created-by-resoto"},
					},
				})
				if err != nil {
					return err
				}
				status, err := spec.send(ctx, client, body)
				if err != nil {
					return err
				}
				return emitStatusSummary(ctx, out, map[int]int{status: 1})
			}}, nil
		},
	}
}

func writeCommand() Command {
	return &command{
		name: "write",
		pos:  PositionSink,
		info: "Write the textual input to a temp file and emit its path.",
		compile: func(cctx *Context, arg string) (*CompiledStage, error) {
			name := strings.TrimSpace(stripQuotes(arg))
			if name == "" || strings.Contains(name, string(os.PathSeparator)) {
				return nil, NewParseError("write: a plain file name is required")
			}
			tempDir := cctx.Deps.Config.CLI.TempDir
			return &CompiledStage{Name: "write", Run: func(ctx context.Context, in <-chan any, out chan<- any) error {
				values, err := drain(ctx, in)
				if err != nil {
					return err
				}
				dir, err := os.MkdirTemp(tempDir, "write")
				if err != nil {
					return err
				}
				path := filepath.Join(dir, name)
				file, err := os.Create(path)
				if err != nil {
					return err
				}
				for _, value := range values {
					if _, err := file.WriteString(formatValue(value) + "\n"); err != nil {
						file.Close()
						return err
					}
				}
				if err := file.Sync(); err != nil {
					file.Close()
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
				return emit(ctx, out, path)
			}}, nil
		},
	}
}
