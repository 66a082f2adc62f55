package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/pressly/cli"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/config"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/lsp"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = ""

func main() {
	root := &cli.Command{
		Name:      "sqlfluff-lsp",
		ShortHelp: "A language server for SQL, backed by sqlfluff",
		SubCommands: []*cli.Command{
			{
				Name:      "serve",
				ShortHelp: "Start the language server (communicates over stdin/stdout)",
				Usage:     "sqlfluff-lsp serve [flags]",
				Flags: cli.FlagsFunc(func(f *flag.FlagSet) {
					f.String("dialect", "", "SQL dialect passed to sqlfluff when no project configuration sets one")
					f.String("templater", "", "sqlfluff templater to use")
					f.String("sqlfluff-path", analyzer.DefaultBinary, "sqlfluff executable to run")
					f.String("config", "", "extra sqlfluff configuration file passed to every run")
					f.String("format-command", analyzer.DefaultFormatCommand, "sqlfluff command used for formatting: fix or format")
					f.String("filter", "", "CEL expression selecting which diagnostics to publish")
					f.String("severity", "", "CEL expression computing the severity of each diagnostic")
					f.Duration("debounce", lsp.DefaultDebounce, "how long edits must settle before linting")
					f.Duration("timeout", analyzer.DefaultTimeout, "maximum duration of a single sqlfluff run")
					f.Int("max-workers", analyzer.DefaultWorkers, "maximum number of concurrent sqlfluff runs")
					f.Bool("watch-config", true, "relint open documents when sqlfluff configuration files change")
					f.String("log-level", "info", "log level: debug, info, warn or error")
					f.String("log-file", "", "write logs to this file instead of stderr")
				}),
				Exec: serve,
			},
		},
	}
	if err := cli.ParseAndRun(context.Background(), root, os.Args[1:], nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, s *cli.State) error {
	logger, err := newLogger(cli.GetFlag[string](s, "log-level"), cli.GetFlag[string](s, "log-file"))
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	settings := config.Settings{
		Dialect:       cli.GetFlag[string](s, "dialect"),
		Templater:     cli.GetFlag[string](s, "templater"),
		SQLFluffPath:  cli.GetFlag[string](s, "sqlfluff-path"),
		FormatCommand: cli.GetFlag[string](s, "format-command"),
		ConfigPath:    cli.GetFlag[string](s, "config"),
		Filter:        cli.GetFlag[string](s, "filter"),
		Severity:      cli.GetFlag[string](s, "severity"),
	}
	logger.Info("starting",
		zap.String("version", buildVersion()),
		zap.String("dialect", settings.Dialect),
		zap.String("sqlfluff_path", settings.SQLFluffPath),
	)

	err = lsp.Serve(ctx, lsp.Options{
		Settings:    settings,
		Timeout:     cli.GetFlag[time.Duration](s, "timeout"),
		MaxWorkers:  cli.GetFlag[int](s, "max-workers"),
		Debounce:    cli.GetFlag[time.Duration](s, "debounce"),
		WatchConfig: cli.GetFlag[bool](s, "watch-config"),
		Logger:      logger,
		Version:     buildVersion(),
	})
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
	return err
}

// newLogger logs to stderr, or to a file, since stdout carries the protocol.
func newLogger(level, file string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = lvl
	cfg.Development = false
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if file != "" {
		cfg.OutputPaths = []string{file}
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Named("sqlfluff-lsp"), nil
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}
