package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/agos/internal/archive"
	"github.com/roach88/agos/internal/ir"
)

// ArchiveOptions holds flags for the archive command.
type ArchiveOptions struct {
	*RootOptions
	SourceRoot  string
	ArchiveRoot string
	OperationID string
	Manifest    string
}

// ArchiveResult summarizes an archive run.
type ArchiveResult struct {
	OperationID string             `json:"operation_id"`
	Manifest    string             `json:"manifest"`
	Moved       int                `json:"moved"`
	Entries     []ir.ManifestEntry `json:"entries"`
}

func (r ArchiveResult) String() string {
	return fmt.Sprintf("[done] op=%s moved=%d manifest=%s", r.OperationID, r.Moved, r.Manifest)
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive <file>...",
		Short: "Move files under the archive root, recording a manifest",
		Long: `Move files from the source root to the archive root. Each file keeps its
relative directory and gains a content hash suffix, so files with the same
name never collide.

Every move is appended to the operation's manifest (one JSON object per
line) before the file is moved, so a crash never leaves a moved file that
the manifest does not know about. Undo a run with "agos rollback".

Relative file arguments are resolved against the source root.

Examples:
  agos archive --source-root ~/vault/inbox --archive-root ~/vault/archive a.md sub/b.md
  agos archive --operation-id dedup-2026-03-01 --format json ~/vault/inbox/*.md`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.SourceRoot, "source-root", "", "root the files are moved from (overrides source_root)")
	cmd.Flags().StringVar(&opts.ArchiveRoot, "archive-root", "", "root the files are moved to (overrides archive_root)")
	cmd.Flags().StringVar(&opts.OperationID, "operation-id", "", "operation id (default: new UUIDv7)")
	cmd.Flags().StringVar(&opts.Manifest, "manifest", "", "manifest path (default: <archive-root>/manifests/<operation-id>.jsonl)")

	return cmd
}

func runArchive(cmd *cobra.Command, opts *ArchiveOptions, files []string) error {
	rt, err := openRuntime(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	sourceRoot := firstNonEmpty(opts.SourceRoot, rt.cfg.SourceRoot)
	archiveRoot := firstNonEmpty(opts.ArchiveRoot, rt.cfg.ArchiveRoot)
	if sourceRoot == "" || archiveRoot == "" {
		return NewExitError(ExitCommandError, "archive needs --source-root and --archive-root (or source_root and archive_root in config)")
	}

	aopts := []archive.Option{archive.WithLogger(rt.logger)}
	if opts.OperationID != "" {
		aopts = append(aopts, archive.WithOperationID(opts.OperationID))
	}
	if opts.Manifest != "" {
		aopts = append(aopts, archive.WithManifestPath(opts.Manifest))
	}
	a, err := archive.New(sourceRoot, archiveRoot, aopts...)
	if err != nil {
		return exitFor("invalid archive roots", err)
	}

	return rt.guarded(cmd, opts.RootOptions, func(ctx context.Context) error {
		res := ArchiveResult{OperationID: a.OperationID(), Manifest: a.ManifestPath()}
		for _, f := range files {
			entry, err := a.Archive(ctx, f)
			if err != nil {
				rt.logger.Error("archive stopped", "moved", res.Moved, "manifest", res.Manifest)
				return exitFor(fmt.Sprintf("archive %s", f), err)
			}
			res.Moved++
			res.Entries = append(res.Entries, entry)
		}
		return rt.out.Success(res)
	})
}

// RollbackOptions holds flags for the rollback command.
type RollbackOptions struct {
	*RootOptions
	Apply bool
}

// RollbackResult summarizes a rollback pass.
type RollbackResult struct {
	Mode              string `json:"mode"`
	Manifest          string `json:"manifest"`
	Entries           int    `json:"entries"`
	Restored          int    `json:"restored"`
	Planned           int    `json:"planned"`
	AlreadyReverted   int    `json:"already_reverted"`
	Conflicts         int    `json:"conflicts"`
	IntegrityFailures int    `json:"integrity_failures"`

	Results []RollbackEntry `json:"results"`
}

// RollbackEntry is one manifest entry's outcome.
type RollbackEntry struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func (r RollbackResult) String() string {
	var sb strings.Builder
	for _, e := range r.Results {
		fmt.Fprintf(&sb, "[%s] %s -> %s\n", e.Outcome, e.To, e.From)
	}
	fmt.Fprintf(&sb, "[done] mode=%s entries=%d restored=%d planned=%d already_reverted=%d conflicts=%d integrity_failures=%d",
		r.Mode, r.Entries, r.Restored, r.Planned, r.AlreadyReverted, r.Conflicts, r.IntegrityFailures)
	return sb.String()
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RollbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rollback <manifest>",
		Short: "Move archived files back to where they came from",
		Long: `Replay an archive manifest in reverse, newest entry first.

Without --apply nothing moves: each entry is reported as planned,
already_reverted, conflict or integrity_failure. With --apply the planned
entries are restored. A file whose original path is occupied is skipped;
a file whose content no longer matches the recorded hash is never moved
and makes the command exit 1. Running rollback again after a partial pass
is safe.

Examples:
  agos rollback ~/vault/archive/manifests/0191e0c4.jsonl
  agos rollback --apply ~/vault/archive/manifests/0191e0c4.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "perform the moves (default is a dry run)")

	return cmd
}

func runRollback(cmd *cobra.Command, opts *RollbackOptions, manifest string) error {
	rt, err := openRuntime(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.guarded(cmd, opts.RootOptions, func(ctx context.Context) error {
		report, err := archive.Rollback(ctx, manifest, archive.RollbackOptions{
			Apply:  opts.Apply,
			Logger: rt.logger,
		})
		if errors.Is(err, fs.ErrNotExist) {
			return WrapExitError(ExitCommandError, "manifest not found", err)
		}
		if err != nil {
			return exitFor("rollback failed", err)
		}

		res := RollbackResult{
			Mode:              "dry-run",
			Manifest:          manifest,
			Entries:           len(report.Results),
			Restored:          report.Restored,
			Planned:           report.Planned,
			AlreadyReverted:   report.AlreadyReverted,
			Conflicts:         report.Conflicts,
			IntegrityFailures: report.IntegrityFailures,
		}
		if report.Applied {
			res.Mode = "apply"
		}
		for _, r := range report.Results {
			e := RollbackEntry{From: r.Entry.From, To: r.Entry.To, Outcome: string(r.Outcome)}
			if r.Err != nil {
				e.Error = r.Err.Error()
			}
			res.Results = append(res.Results, e)
		}

		if err := rt.out.Success(res); err != nil {
			return err
		}
		if ierr := report.Err(); ierr != nil {
			return WrapExitError(ExitFailure, "rollback integrity check failed", ierr)
		}
		return nil
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
