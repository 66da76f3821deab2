package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agos/internal/engine"
	"github.com/roach88/agos/internal/notify"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	ConfigPath  string
	Database    string
	Resource    string
	LockTTL     time.Duration
	DryRun      bool
	MetricsFile string

	// Logger is built in PersistentPreRunE from --verbose.
	Logger *slog.Logger

	// Sender, Clock, TraceIDs and Getenv override the production defaults
	// (for testing).
	Sender   notify.Sender
	Clock    engine.Clock
	TraceIDs engine.TraceIDGenerator
	Getenv   func(string) string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the agos CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agos",
		Short: "agos - idempotent event governance",
		Long: `Deduplicated ingestion of content items and cooldown-governed alerting,
backed by a durable SQLite state store.

Every decision is recorded in an audit log. Mutating commands hold a
run-level lock so overlapping scheduled runs never act twice.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.Logger)
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigPath, "config", "", "config file, .yaml or .toml (default ~/.config/agos/config.yaml)")
	pf.StringVar(&opts.Database, "db", "", "state database path (overrides state_db)")
	pf.StringVar(&opts.Resource, "resource", "", "run lock resource name (default agos:<command>)")
	pf.DurationVar(&opts.LockTTL, "lock-ttl", 0, "run lock TTL (overrides lock.ttl)")
	pf.BoolVar(&opts.DryRun, "dry-run", false, "log alerts instead of sending them")
	pf.StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")

	cmd.AddCommand(NewAlertCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code. Errors
// are reported on stderr in text mode and on stdout in JSON mode.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	return execute(ctx, opts, args, stdout, stderr)
}

func execute(ctx context.Context, opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	out := &OutputFormatter{Format: opts.Format, Writer: stderr}
	if opts.Format == "json" {
		out.Writer = stdout
	}
	_ = out.Error(err)
	return GetExitCode(err)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
