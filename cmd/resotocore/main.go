// Package main provides the resotocore binary entry point.
// Resotocore hosts the graph store, the task orchestration engine and
// the command pipeline behind an interactive shell.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BRLink/resoto/cli"
	"github.com/BRLink/resoto/config"
)

const appName = "resotocore"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		graphName  string
		command    string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Task orchestration core",
		Long: `Resotocore hosts the graph store, the task orchestration engine
(workflows, jobs, worker queue) and the command pipeline.

The serve command starts all components and drops into an interactive
shell. Command lines are pipelines of commands separated by | and
independent pipelines separated by ;.`,
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the core and run the interactive shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, graphName, command)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	serve.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serve.Flags().StringVar(&graphName, "graph", "", "Default graph to operate on")
	serve.Flags().StringVar(&command, "command", "", "Execute one command line and exit")
	cmd.AddCommand(serve)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, cli.Version)
		},
	})

	return cmd
}

func run(configPath, logLevel, graphName, command string) error {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Runtime.LogLevel = logLevel
	}
	if graphName != "" {
		cfg.CLI.DefaultGraph = graphName
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level.Set(parseLogLevel(cfg.Runtime.LogLevel))

	ctx := context.Background()
	app, err := NewApp(ctx, cfg, logger, level)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Shutdown()
		return err
	}
	defer app.Shutdown()

	if configPath != "" {
		if err := app.WatchConfig(signalCtx, configPath); err != nil {
			logger.Warn("config watching disabled", "path", configPath, "error", err)
		}
	}

	if command != "" {
		return app.RunCommand(signalCtx, command)
	}

	fmt.Printf("%s %s ready. Type help for the command list, quit to exit.\n", appName, cli.Version)
	return app.RunREPL(signalCtx)
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}

	loader := config.NewLoader(logger)
	if err := loader.EnsureUserConfig(); err != nil {
		logger.Warn("could not create user config", "error", err)
	}
	return loader.Load()
}
