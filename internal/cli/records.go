package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agos/internal/ir"
	"github.com/roach88/agos/internal/store"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the decision audit log",
	}
	cmd.AddCommand(newAuditListCommand(rootOpts))
	return cmd
}

// AuditTable renders audit entries as an aligned table in text mode.
type AuditTable []ir.AuditEntry

func (t AuditTable) String() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTRACE_ID\tKEY\tDECISION\tREASON\tDETAIL")
	for _, e := range t {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.TraceID, e.Key, e.Decision, e.Reason, e.Detail)
	}
	w.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter store.AuditFilter
	var key string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, oldest first",
		Long: `List audit entries in the order they were written.

Examples:
  agos audit list --key alert:bouncer:disk_full:host-a
  agos audit list --trace 0191e0c4-7b9a-7c1e-9d2f-4a5b6c7d8e9f --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Key = ir.DedupKey(key)
			rt, err := openRuntime(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.store.ListAudit(cmd.Context(), filter)
			if err != nil {
				return exitFor("failed to list audit entries", err)
			}
			if rt.out.Format == "json" {
				return rt.out.Success(nonNilSlice(entries))
			}
			return rt.out.Success(AuditTable(entries))
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "only entries for this dedup key")
	cmd.Flags().StringVar(&filter.TraceID, "trace", "", "only entries for this trace id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of entries (0 = all)")

	return cmd
}

// NewRecordsCommand creates the records command group.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and purge state records",
	}
	cmd.AddCommand(newRecordsListCommand(rootOpts))
	cmd.AddCommand(newRecordsShowCommand(rootOpts))
	cmd.AddCommand(newRecordsPurgeCommand(rootOpts))
	return cmd
}

// RecordTable renders state records as an aligned table in text mode.
type RecordTable []ir.StateRecord

func (t RecordTable) String() string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tKIND\tSTATUS\tREV\tSEEN\tLAST_SEEN\tLAST_SENT")
	for _, r := range t {
		lastSent := "-"
		if !r.LastSentAt.IsZero() {
			lastSent = r.LastSentAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.Key, r.Kind, r.Status, r.Revision, r.OccurrenceCount, r.LastSeenAt.Format(time.RFC3339), lastSent)
	}
	w.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

func newRecordsListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter store.RecordFilter
	var kind, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List state records ordered by key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Kind = ir.Kind(kind)
			filter.Status = ir.Status(status)
			if filter.Kind != "" && !filter.Kind.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid --kind %q: must be alert or content", kind))
			}

			rt, err := openRuntime(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			recs, err := rt.store.ListRecords(cmd.Context(), filter)
			if err != nil {
				return exitFor("failed to list records", err)
			}
			if rt.out.Format == "json" {
				return rt.out.Success(nonNilSlice(recs))
			}
			return rt.out.Success(RecordTable(recs))
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only records of this kind (alert|content)")
	cmd.Flags().StringVar(&status, "status", "", "only records with this status")
	cmd.Flags().StringVar(&filter.KeyPrefix, "prefix", "", "only keys starting with this prefix")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

// RecordDetail is one record with its archived revisions.
type RecordDetail struct {
	Record    ir.StateRecord   `json:"record"`
	Revisions []ir.StateRecord `json:"revisions"`
}

func (d RecordDetail) String() string {
	s := RecordTable{d.Record}.String()
	for _, r := range d.Revisions {
		s += fmt.Sprintf("\nrevision %d: first_seen=%s trace_id=%s",
			r.Revision, r.FirstSeenAt.Format(time.RFC3339), r.TraceID)
	}
	return s
}

func newRecordsShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show one record and its revision history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			key := ir.DedupKey(args[0])
			rec, err := rt.store.Get(cmd.Context(), key)
			if err != nil {
				return WrapExitError(ExitFailure, "record not found", err)
			}
			revs, err := rt.store.Revisions(cmd.Context(), key)
			if err != nil {
				return exitFor("failed to read revisions", err)
			}
			return rt.out.Success(RecordDetail{Record: rec, Revisions: nonNilSlice(revs)})
		},
	}
}

// PurgeResult reports how many records were deleted.
type PurgeResult struct {
	Deleted int64 `json:"deleted"`
}

func (r PurgeResult) String() string {
	return fmt.Sprintf("[done] deleted=%d", r.Deleted)
}

func newRecordsPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var key string
	var olderThan time.Duration
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete state records",
		Long: `Delete state records and their revision history. This is the only way a
record is ever removed; a purged content key is no longer a duplicate.

Exactly one of --key or --older-than is required, and nothing is deleted
without --yes.

Examples:
  agos records purge --key src:https://example.com/post --yes
  agos records purge --older-than 2160h --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to purge without --yes")
			}

			rt, err := openRuntime(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := store.PurgeOptions{Key: ir.DedupKey(key)}
			if olderThan > 0 {
				opts.OlderThan = rt.engine.Now().Add(-olderThan)
			}

			return rt.guarded(cmd, rootOpts, func(ctx context.Context) error {
				n, err := rt.store.Purge(ctx, opts)
				if err != nil {
					return exitFor("purge failed", err)
				}
				rt.logger.Info("records purged", "deleted", n, "key", key, "older_than", olderThan.String())
				return rt.out.Success(PurgeResult{Deleted: n})
			})
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "delete the record with this key")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete records last seen longer ago than this")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	return cmd
}

// nonNilSlice makes empty results encode as [] rather than null.
func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
