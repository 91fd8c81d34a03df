package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BRLink/resoto/bus"
	"github.com/BRLink/resoto/cfgstore"
	"github.com/BRLink/resoto/cli"
	"github.com/BRLink/resoto/config"
	"github.com/BRLink/resoto/db"
	"github.com/BRLink/resoto/graph"
	"github.com/BRLink/resoto/metrics"
	"github.com/BRLink/resoto/query"
	"github.com/BRLink/resoto/subscription"
	"github.com/BRLink/resoto/task"
	"github.com/BRLink/resoto/workerq"
)

// stores bundles every entity store of the core. With a database path
// configured they are SQLite backed, otherwise in-memory.
type stores struct {
	conn        *sql.DB
	subscribers subscription.SubscriberDb
	running     *db.RunningTaskDb
	history     *db.TaskHistoryDb
	jobs        task.JobDb
	templates   query.TemplateDb
	configs     cfgstore.EntryDb
}

func openStores(path string) (*stores, error) {
	if path == "" {
		return &stores{
			subscribers: db.NewInMemoryDb[subscription.Subscriber](func(s subscription.Subscriber) string { return string(s.ID) }),
			running:     db.NewRunningTaskDb(db.NewInMemoryDb[db.RunningTaskData](func(d db.RunningTaskData) string { return string(d.ID) })),
			history:     db.NewTaskHistoryDb(db.NewInMemoryDb[db.TaskHistoryRecord](func(r db.TaskHistoryRecord) string { return string(r.ID) })),
			jobs:        db.NewInMemoryDb[task.Job](func(j task.Job) string { return string(j.DescriptorID) }),
			templates:   db.NewInMemoryDb[query.Template](func(t query.Template) string { return t.Name }),
			configs:     db.NewInMemoryDb[cfgstore.Entry](func(e cfgstore.Entry) string { return e.ID }),
		}, nil
	}

	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	s := &stores{conn: conn}

	s.subscribers, err = db.NewSQLiteDb[subscription.Subscriber](conn, "subscribers", func(sub subscription.Subscriber) string { return string(sub.ID) })
	if err == nil {
		var runningStore *db.SQLiteDb[db.RunningTaskData]
		runningStore, err = db.NewSQLiteDb[db.RunningTaskData](conn, "running_tasks", func(d db.RunningTaskData) string { return string(d.ID) })
		if err == nil {
			s.running = db.NewRunningTaskDb(runningStore)
		}
	}
	if err == nil {
		var historyStore *db.SQLiteDb[db.TaskHistoryRecord]
		historyStore, err = db.NewSQLiteDb[db.TaskHistoryRecord](conn, "task_history", func(r db.TaskHistoryRecord) string { return string(r.ID) })
		if err == nil {
			s.history = db.NewTaskHistoryDb(historyStore)
		}
	}
	if err == nil {
		s.jobs, err = db.NewSQLiteDb[task.Job](conn, "jobs", func(j task.Job) string { return string(j.DescriptorID) })
	}
	if err == nil {
		s.templates, err = db.NewSQLiteDb[query.Template](conn, "templates", func(t query.Template) string { return t.Name })
	}
	if err == nil {
		s.configs, err = db.NewSQLiteDb[cfgstore.Entry](conn, "configs", func(e cfgstore.Entry) string { return e.ID })
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *stores) close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// App wires the message bus, the subscription handler, the worker
// queue, the task handler and the CLI together around one config.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	stores   *stores
	msgBus   *bus.MessageBus
	subs     *subscription.Handler
	workers  *workerq.Queue
	graphs   *graph.Store
	handler  *task.Handler
	observer *metrics.Observer
	cli      *cli.CLI
	deps     *cli.Dependencies
	watcher  *config.Watcher

	cancel context.CancelFunc
}

// NewApp assembles all components. Start must be called before the
// application processes anything.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := openStores(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}

	msgBus := bus.NewMessageBus(logger, bus.WithQueueSize(cfg.Runtime.BusQueueSize))
	subs, err := subscription.NewHandler(ctx, s.subscribers, msgBus, logger)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("create subscription handler: %w", err)
	}

	workers := workerq.NewQueue(logger,
		workerq.WithRetryAttempts(cfg.Workers.RetryAttempts),
		workerq.WithBackoffBase(cfg.Workers.BackoffBase),
	)

	graphs := graph.NewStore()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	deps := &cli.Dependencies{
		Logger:        logger,
		Config:        cfg,
		Bus:           msgBus,
		Subscriptions: subs,
		Workers:       workers,
		Graphs:        graphs,
		Templates:     query.NewExpander(s.templates),
		Configs:       cfgstore.NewStore(s.configs),
		Backup:        &graph.FileBackup{Store: graphs, Dir: cfg.CLI.TempDir},
		Certificates:  &cli.SelfSignedCertificates{Dir: cfg.CLI.TempDir},
		HTTPClient:    &http.Client{Timeout: cfg.CLI.HTTPTimeout},
		Metrics:       m,
	}

	handler, err := task.NewHandler(ctx, s.running, s.history, s.jobs, msgBus, subs, logger)
	if err != nil {
		workers.Close()
		s.close()
		return nil, fmt.Errorf("create task handler: %w", err)
	}
	deps.SetTaskHandler(handler)

	c := cli.New(deps)
	handler.SetCommandRunner(c)

	return &App{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		stores:   s,
		msgBus:   msgBus,
		subs:     subs,
		workers:  workers,
		graphs:   graphs,
		handler:  handler,
		observer: metrics.NewObserver(m, msgBus, logger),
		cli:      c,
		deps:     deps,
	}, nil
}

// Start recovers persisted state and begins processing.
func (a *App) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.observer.Start(loopCtx)
	a.workers.Start(loopCtx)
	if err := a.handler.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("start task handler: %w", err)
	}

	a.logger.Info("core started",
		"graph", a.cfg.CLI.DefaultGraph,
		"database", databaseLabel(a.cfg.Database.Path))
	return nil
}

// WatchConfig reloads the given config file on change. Only runtime
// settings take effect without a restart.
func (a *App) WatchConfig(ctx context.Context, path string) error {
	watcher, err := config.NewWatcher(path, a.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		return err
	}
	a.watcher = watcher
	go func() {
		for cfg := range watcher.Reloads() {
			a.applyRuntimeConfig(cfg)
		}
	}()
	return nil
}

func (a *App) applyRuntimeConfig(cfg *config.Config) {
	if a.level != nil {
		a.level.Set(parseLogLevel(cfg.Runtime.LogLevel))
	}
	a.cfg.CLI.DefaultGraph = cfg.CLI.DefaultGraph
	a.cfg.CLI.DefaultSection = cfg.CLI.DefaultSection
	a.cfg.CLI.HTTPTimeout = cfg.CLI.HTTPTimeout
	a.logger.Info("runtime config applied", "log_level", cfg.Runtime.LogLevel)
}

// Shutdown stops all components in reverse start order.
func (a *App) Shutdown() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.handler.Stop()
	a.observer.Stop()
	a.waitForIdleWorkers(5 * time.Second)
	a.workers.Close()
	if a.cancel != nil {
		a.cancel()
	}
	a.stores.close()
	a.logger.Info("core stopped")
}

// RunREPL reads command lines from stdin and prints the results until
// EOF, quit or the context ends.
func (a *App) RunREPL(ctx context.Context) error {
	cctx := cli.NewContext(a.deps)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("> ")
		var input string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case input, ok = <-lines:
			if !ok {
				fmt.Println()
				return scanner.Err()
			}
		}

		a.cli.Reap()
		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "help":
			fmt.Println(a.cli.Info())
			continue
		}

		results, err := a.cli.Execute(ctx, cctx, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		for _, values := range results {
			for _, v := range values {
				fmt.Println(renderValue(v))
			}
		}
	}
}

// RunCommand executes one command line and prints the results. Used by
// the non-interactive serve --command path.
func (a *App) RunCommand(ctx context.Context, line string) error {
	cctx := cli.NewContext(a.deps)
	results, err := a.cli.Execute(ctx, cctx, line)
	if err != nil {
		return err
	}
	for _, values := range results {
		for _, v := range values {
			fmt.Println(renderValue(v))
		}
	}
	return nil
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

func databaseLabel(path string) string {
	if path == "" {
		return "in-memory"
	}
	return path
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// waitForIdleWorkers gives in-flight worker tasks a grace period on
// shutdown before the queue is torn down.
func (a *App) waitForIdleWorkers(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for a.workers.Outstanding() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
