package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/agos/internal/config"
	"github.com/roach88/agos/internal/cooldown"
	"github.com/roach88/agos/internal/engine"
	"github.com/roach88/agos/internal/keycodec"
	"github.com/roach88/agos/internal/metrics"
	"github.com/roach88/agos/internal/notify"
	"github.com/roach88/agos/internal/retry"
	"github.com/roach88/agos/internal/store"
)

// runtime is everything one command invocation works with: resolved
// config, the open store and an engine wired to both.
type runtime struct {
	cfg     config.Config
	store   *store.Store
	engine  *engine.Engine
	codec   *keycodec.Codec
	metrics *metrics.Recorder
	logger  *slog.Logger
	out     *OutputFormatter

	metricsFile string
}

// engineOption derives a command-specific engine option from the resolved
// config.
type engineOption func(config.Config) engine.Option

// openRuntime loads config, applies flag overrides and opens the store.
// extra options are applied last.
func openRuntime(cmd *cobra.Command, opts *RootOptions, extra ...engineOption) (*runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	loaded, err := config.LoadWithEnv(opts.ConfigPath, getenv)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	for _, w := range loaded.Warnings {
		logger.Warn(w, "path", loaded.Path)
	}
	cfg := loaded.Config
	if opts.Database != "" {
		cfg.StateDB = opts.Database
	}
	if opts.MetricsFile != "" {
		cfg.MetricsFile = opts.MetricsFile
	}
	if opts.LockTTL > 0 {
		cfg.Lock.TTL = config.Duration(opts.LockTTL)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StateDB), 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create state directory", err)
	}
	logger.Debug("opening state store", "path", cfg.StateDB)
	st, err := store.Open(cfg.StateDB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open state store", err)
	}

	rec := metrics.New()
	engineOpts := []engine.Option{
		engine.WithPolicy(cooldown.Policy{Cooldown: cfg.Alerts.Cooldown.Std()}),
		engine.WithSender(newSender(opts, cfg, logger)),
		engine.WithRetrier(retry.Retrier{
			MaxRetries:  cfg.Delivery.MaxRetries,
			BackoffBase: cfg.Delivery.BackoffBase.Std(),
			MaxBackoff:  cfg.Delivery.MaxBackoff.Std(),
		}),
		engine.WithLogger(logger),
		engine.WithMetrics(rec),
		engine.WithConflictRetries(cfg.ConflictRetries),
		engine.WithLock("", cfg.Lock.TTL.Std()),
	}
	if opts.Clock != nil {
		engineOpts = append(engineOpts, engine.WithClock(opts.Clock))
	}
	if opts.TraceIDs != nil {
		engineOpts = append(engineOpts, engine.WithTraceIDGenerator(opts.TraceIDs))
	}
	for _, fn := range extra {
		engineOpts = append(engineOpts, fn(cfg))
	}

	return &runtime{
		cfg:         cfg,
		store:       st,
		engine:      engine.New(st, engineOpts...),
		codec:       keycodec.New(cfg.Ingest.DropQueryKeys, cfg.Ingest.DropQueryPrefixes),
		metrics:     rec,
		logger:      logger,
		out:         &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()},
		metricsFile: cfg.MetricsFile,
	}, nil
}

func newSender(opts *RootOptions, cfg config.Config, logger *slog.Logger) notify.Sender {
	switch {
	case opts.Sender != nil:
		return opts.Sender
	case opts.DryRun || cfg.Delivery.WebhookURL == "":
		return notify.LogSender{Logger: logger}
	default:
		return notify.NewWebhookSender(cfg.Delivery.WebhookURL,
			notify.WithSecret(cfg.Delivery.WebhookSecret),
			notify.WithFormat(notify.Format(cfg.Delivery.Format)),
		)
	}
}

// Close flushes metrics and closes the store.
func (rt *runtime) Close() {
	if err := rt.metrics.WriteTextfile(rt.metricsFile); err != nil {
		rt.logger.Warn("failed to write metrics textfile", "path", rt.metricsFile, "error", err)
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("error closing state store", "error", err)
	}
}

// guarded runs fn under the run lock. A run skipped because another run
// holds the lock is reported and is not an error.
func (rt *runtime) guarded(cmd *cobra.Command, opts *RootOptions, fn engine.RunFunc) error {
	resource := opts.Resource
	if resource == "" {
		resource = "agos:" + cmd.Name()
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ran, err := rt.engine.RunGuarded(ctx, resource, fn)
	if err != nil {
		return err
	}
	if !ran {
		return rt.out.Success(skipResult{Status: "skipped", Resource: resource, Reason: "lock_busy"})
	}
	return nil
}

type skipResult struct {
	Status   string `json:"status"`
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

func (r skipResult) String() string {
	return fmt.Sprintf("[skip] resource=%s reason=%s", r.Resource, r.Reason)
}
