package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	audithook "github.com/xraph/taskhost/audit_hook"
	"github.com/xraph/taskhost/cmd/taskhost/config"
	"github.com/xraph/taskhost/engine"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/store"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd constructs the root command and registers every subcommand.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "taskhost",
		Short:         "Background task host: work queues, scheduled jobs and leases",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("TASKHOST_CONFIG"), "Path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")

	root.AddCommand(
		newMigrateCmd(opts),
		newRunCmd(opts),
		newEnqueueCmd(opts),
		newStatsCmd(opts),
		newSweepCmd(opts),
		newLockCmd(opts),
	)
	return root
}

// app bundles what every subcommand needs: config, logger and the opened
// backends.
type app struct {
	cfg     config.File
	logger  *slog.Logger
	store   store.Store
	leases  lease.Store
	closers []func() error
}

func openApp(ctx context.Context, cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Host.LogLevel = opts.logLevel
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Host.LogLevel, cfg.Host.LogFormat)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, closeStore)

	leases, err := openLeaseStore(cfg.Lease, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.leases = leases
	return a, nil
}

// orchestrator builds an Orchestrator over the app's backends.
func (a *app) orchestrator() (*engine.Orchestrator, error) {
	opts := []engine.Option{
		engine.WithStore(a.store),
		engine.WithLogger(a.logger),
		engine.WithConfig(a.cfg.HostConfig()),
	}
	if a.leases != nil {
		opts = append(opts, engine.WithLeaseStore(a.leases))
	}
	if a.cfg.Host.Audit {
		opts = append(opts, engine.WithExtension(audithook.New(audithook.SlogRecorder(a.logger))))
	}
	return engine.New(opts...)
}

// Close releases backends in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q; use text|json", format)
	}
}
