package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agos/internal/config"
	"github.com/roach88/agos/internal/cooldown"
	"github.com/roach88/agos/internal/engine"
	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/keycodec"
)

// AlertOptions holds flags for the alert command.
type AlertOptions struct {
	*RootOptions
	Clear     bool
	Title     string
	Text      string
	Meta      []string
	StartedAt string
}

// AlertResult is the outcome of one alert observation.
type AlertResult struct {
	Key      ir.DedupKey `json:"key"`
	Decision ir.Action   `json:"decision"`
	Reason   ir.Reason   `json:"reason"`
	Status   ir.Status   `json:"status,omitempty"`
	TraceID  string      `json:"trace_id"`
	Attempts int         `json:"attempts,omitempty"`
}

func (r AlertResult) String() string {
	s := fmt.Sprintf("%s %s key=%s trace_id=%s", r.Decision, r.Reason, r.Key, r.TraceID)
	if r.Status != "" {
		s += " status=" + string(r.Status)
	}
	return s
}

// NewAlertCommand creates the alert command.
func NewAlertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AlertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "alert <component> <signature> [dimension...]",
		Short: "Record one observation of an alert condition",
		Long: `Record one observation of an alert condition and send, suppress or
recover it according to the cooldown policy.

The condition is failing unless --clear is given. The first failure is
sent; repeats inside alerts.cooldown are suppressed; a repeat after the
window is sent again; a clear observation after a sent alert sends a
recovery regardless of the window.

With --started-at, failures observed within alerts.startup_silence of that
instant are recorded but not sent.

Examples:
  agos alert bouncer disk_full host-a --title "disk full" --text "/var at 99%"
  agos alert bouncer disk_full host-a --clear
  agos alert scheduler job_failed digest --started-at 2026-03-01T09:00:00Z`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlert(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "the condition is no longer failing")
	cmd.Flags().StringVar(&opts.Title, "title", "", "alert title")
	cmd.Flags().StringVar(&opts.Text, "text", "", "alert body")
	cmd.Flags().StringArrayVar(&opts.Meta, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&opts.StartedAt, "started-at", "", "scheduler start time (RFC3339) for startup silence")

	return cmd
}

func runAlert(cmd *cobra.Command, opts *AlertOptions, args []string) error {
	key, err := keycodec.AlertKey(args[0], args[1], args[2:]...)
	if err != nil {
		return exitFor("invalid alert key", err)
	}
	meta, err := parseMeta(opts.Meta)
	if err != nil {
		return exitFor("invalid --meta", err)
	}
	var startedAt time.Time
	if opts.StartedAt != "" {
		startedAt, err = time.Parse(time.RFC3339, opts.StartedAt)
		if err != nil {
			return exitFor("invalid --started-at", ir.NewValidationError("started_at", "%v", err))
		}
	}

	rt, err := openRuntime(cmd, opts.RootOptions, func(cfg config.Config) engine.Option {
		policy := cooldown.Policy{Cooldown: cfg.Alerts.Cooldown.Std()}
		if !startedAt.IsZero() {
			policy.StartupSilenceUntil = startedAt.Add(cfg.Alerts.StartupSilence.Std())
		}
		return engine.WithPolicy(policy)
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.guarded(cmd, opts.RootOptions, func(ctx context.Context) error {
		out, err := rt.engine.DecideAndRecord(ctx, engine.Condition{
			Key:      key,
			Failing:  !opts.Clear,
			Title:    opts.Title,
			Text:     opts.Text,
			Metadata: meta,
		})
		if err != nil {
			return exitFor("alert not recorded", err)
		}
		return rt.out.Success(AlertResult{
			Key:      out.Key,
			Decision: out.Action,
			Reason:   out.Reason,
			Status:   out.Record.Status,
			TraceID:  out.TraceID,
			Attempts: out.Attempts,
		})
	})
}

// parseMeta turns key=value pairs into a map. It returns nil for no pairs.
func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, ir.NewValidationError("meta", "want key=value, got %q", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
