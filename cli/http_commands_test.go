package cli

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingServer captures every request body and answers with a
// configurable status sequence.
type recordingServer struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
	statuses []int
	server   *httptest.Server
}

func newRecordingServer(t *testing.T, statuses ...int) *recordingServer {
	t.Helper()
	rs := &recordingServer{statuses: statuses}
	rs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, r)
		rs.bodies = append(rs.bodies, body)
		status := http.StatusOK
		if len(rs.statuses) > 0 {
			status = rs.statuses[0]
			rs.statuses = rs.statuses[1:]
		}
		rs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(rs.server.Close)
	return rs
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func (rs *recordingServer) body(t *testing.T, i int) map[string]any {
	t.Helper()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rs.bodies[i], &out))
	return out
}

func TestHTTPSinkSendsOneRequestPerInput(t *testing.T) {
	f := newFixture(t)
	rs := newRecordingServer(t)

	values := f.run(t, "json [1,2,3] | http POST "+rs.server.URL)
	assert.Equal(t, []any{"3 requests with status 200 sent."}, values)
	assert.Equal(t, 3, rs.count())

	rs.mu.Lock()
	assert.Equal(t, "application/json", rs.requests[0].Header.Get("Content-Type"))
	assert.Equal(t, []byte("1"), rs.bodies[0])
	rs.mu.Unlock()
}

func TestHTTPSinkRetriesServerErrors(t *testing.T) {
	f := newFixture(t)
	// two failures, then success: the single input counts once with 200
	rs := newRecordingServer(t, http.StatusInternalServerError, http.StatusBadGateway, http.StatusOK)

	values := f.run(t, `json [1] | http --backoff-base 0.001 `+rs.server.URL)
	assert.Equal(t, []any{"1 requests with status 200 sent."}, values)
	assert.Equal(t, 3, rs.count())
}

func TestHTTPSinkHeadersAndParams(t *testing.T) {
	f := newFixture(t)
	rs := newRecordingServer(t)

	f.run(t, `json [1] | http PUT `+rs.server.URL+` Authorization:secret mode=fast`)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.requests, 1)
	assert.Equal(t, "PUT", rs.requests[0].Method)
	assert.Equal(t, "secret", rs.requests[0].Header.Get("Authorization"))
	assert.Equal(t, "fast", rs.requests[0].URL.Query().Get("mode"))
}

func TestHTTPSinkCompress(t *testing.T) {
	f := newFixture(t)
	rs := newRecordingServer(t)

	f.run(t, `json ["payload"] | http --compress `+rs.server.URL)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.Len(t, rs.requests, 1)
	assert.Equal(t, "gzip", rs.requests[0].Header.Get("Content-Encoding"))
	zr, err := gzip.NewReader(strings.NewReader(string(rs.bodies[0])))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, `"payload"`, string(raw))
}

func TestDiscordPaginatesInPagesOf25(t *testing.T) {
	f := newFixture(t)
	rs := newRecordingServer(t)

	values := f.run(t, `search is(bla) | discord title="hello resoto" webhook=`+rs.server.URL)
	assert.Equal(t, []any{"4 requests with status 200 sent."}, values)
	require.Equal(t, 4, rs.count())

	for i := 0; i < 4; i++ {
		body := rs.body(t, i)
		embeds := body["embeds"].([]any)
		require.Len(t, embeds, 1)
		embed := embeds[0].(map[string]any)
		assert.Equal(t, "rich", embed["type"])
		assert.Equal(t, "hello resoto", embed["title"])
		assert.Len(t, embed["fields"].([]any), 25)
		footer := embed["footer"].(map[string]any)
		assert.Equal(t, "Message created by Resoto", footer["text"])
	}

	first := rs.body(t, 0)["embeds"].([]any)[0].(map[string]any)["fields"].([]any)[0].(map[string]any)
	assert.Equal(t, "0_0", first["name"])
	assert.Equal(t, "bla", first["value"])
}

func TestSlackBlocksShape(t *testing.T) {
	f := newFixture(t)
	rs := newRecordingServer(t)

	values := f.run(t, `search id(0_0) | slack title=alert webhook=`+rs.server.URL)
	assert.Equal(t, []any{"1 requests with status 200 sent."}, values)
	require.Equal(t, 1, rs.count())

	blocks := rs.body(t, 0)["blocks"].([]any)
	require.Len(t, blocks, 3)
	header := blocks[0].(map[string]any)
	assert.Equal(t, "header", header["type"])
	assert.Equal(t, "alert", header["text"].(map[string]any)["text"])
	section := blocks[1].(map[string]any)
	fields := section["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Equal(t, "*0_0*\nbla", fields[0].(map[string]any)["text"])
	footer := blocks[2].(map[string]any)
	assert.Equal(t, "context", footer["type"])
}

func TestJiraIssueBody(t *testing.T) {
	f := newFixture(t)
	rs := newRecordingServer(t)

	line := `search is(bla) sort identifier | head 30 | jira title="too many blas" url=` + rs.server.URL +
		` username=bot token=secret project_id=10020 reporter_id=u1`
	values := f.run(t, line)
	assert.Equal(t, []any{"1 requests with status 200 sent."}, values)
	require.Equal(t, 1, rs.count())

	rs.mu.Lock()
	request := rs.requests[0]
	rs.mu.Unlock()
	assert.Equal(t, "/rest/api/2/issue", request.URL.Path)
	username, password, ok := request.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "bot", username)
	assert.Equal(t, "secret", password)

	fields := rs.body(t, 0)["fields"].(map[string]any)
	assert.Equal(t, "too many blas", fields["summary"])
	assert.Equal(t, map[string]any{"id": "10001"}, fields["issuetype"])
	assert.Equal(t, map[string]any{"id": "10020"}, fields["project"])
	assert.Equal(t, map[string]any{"id": "u1"}, fields["reporter"])
	assert.Equal(t, []any{"created-by-resoto"}, fields["labels"])

	description := fields["description"].(string)
	assert.True(t, strings.HasPrefix(description, "0_0\n0_1\n"), "got %q", description)
	assert.Contains(t, description, "... (results truncated)")
	assert.True(t, strings.HasSuffix(description, "\n\nIssue created by Resoto"), "got %q", description)
	// 25 lines of content at most
	assert.Len(t, strings.Split(strings.SplitN(description, "\n...", 2)[0], "\n"), 25)
}

func TestWriteSink(t *testing.T) {
	f := newFixture(t)

	values := f.run(t, `json [{"n":1},{"n":2},{"n":3}] | format "line {n}" | write out.txt`)
	require.Len(t, values, 1)
	path := values[0].(string)
	assert.True(t, strings.HasSuffix(path, "out.txt"), "got %q", path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line 1\nline 2\nline 3\n", string(content))
}
