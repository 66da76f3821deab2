package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/agos/internal/ir"
)

// ReadManifest parses a JSONL manifest.
//
// A final line without a trailing newline is a torn append from a crashed
// run and is ignored. Any other malformed line is a ValidationError.
func ReadManifest(path string) ([]ir.ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	lines := bytes.Split(data, []byte("\n"))
	torn := len(data) > 0 && data[len(data)-1] != '\n'

	var entries []ir.ManifestEntry
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e ir.ManifestEntry
		if err := json.Unmarshal(line, &e); err != nil {
			if torn && i == len(lines)-1 {
				break
			}
			return nil, ir.NewValidationError("manifest", "%s line %d: %v", path, i+1, err)
		}
		if e.From == "" || e.To == "" || e.ContentHash == "" {
			return nil, ir.NewValidationError("manifest", "%s line %d: missing from, to or content_hash", path, i+1)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Outcome is what rollback did, or would do, with one manifest entry.
type Outcome string

const (
	OutcomeRestored        Outcome = "restored"
	OutcomePlanned         Outcome = "planned"
	OutcomeAlreadyReverted Outcome = "already_reverted"
	OutcomeConflict        Outcome = "conflict"
	OutcomeIntegrity       Outcome = "integrity_failure"
)

// EntryResult pairs a manifest entry with its rollback outcome.
type EntryResult struct {
	Entry   ir.ManifestEntry
	Outcome Outcome

	// Err is set for OutcomeIntegrity (*ir.IntegrityError).
	Err error
}

// RollbackReport summarizes a rollback pass.
type RollbackReport struct {
	Applied bool
	Results []EntryResult

	Restored          int
	Planned           int
	AlreadyReverted   int
	Conflicts         int
	IntegrityFailures int
}

// Err joins every integrity error in the report, or returns nil.
func (r RollbackReport) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// RollbackOptions controls Rollback.
type RollbackOptions struct {
	// Apply performs the moves. Without it Rollback only reports.
	Apply bool

	Mover  FileMover
	Logger *slog.Logger
}

// Rollback moves archived files back to their original paths, newest entry
// first. Conflicts and hash mismatches are reported and skipped, never
// overwritten. Entries whose archived file is gone count as already
// reverted, so a rollback can be run again after a partial pass.
func Rollback(ctx context.Context, manifestPath string, opts RollbackOptions) (RollbackReport, error) {
	mover := opts.Mover
	if mover == nil {
		mover = OSFileMover{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := ReadManifest(manifestPath)
	if err != nil {
		return RollbackReport{}, err
	}

	report := RollbackReport{Applied: opts.Apply}
	for i := len(entries) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := rollbackEntry(mover, entries[i], opts.Apply)
		if err != nil {
			return report, fmt.Errorf("rollback %s: %w", entries[i].To, err)
		}
		report.add(res)

		switch res.Outcome {
		case OutcomeConflict:
			logger.WarnContext(ctx, "rollback conflict, source exists", "from", res.Entry.From, "to", res.Entry.To)
		case OutcomeIntegrity:
			logger.ErrorContext(ctx, "rollback integrity failure", "to", res.Entry.To, "error", res.Err)
		case OutcomeRestored:
			logger.InfoContext(ctx, "restored", "from", res.Entry.To, "to", res.Entry.From)
		default:
			logger.DebugContext(ctx, "rollback entry", "to", res.Entry.To, "outcome", string(res.Outcome))
		}
	}
	return report, nil
}

func rollbackEntry(mover FileMover, e ir.ManifestEntry, apply bool) (EntryResult, error) {
	res := EntryResult{Entry: e}

	archived, err := mover.Exists(e.To)
	if err != nil {
		return res, err
	}
	if !archived {
		res.Outcome = OutcomeAlreadyReverted
		return res, nil
	}

	actual, err := mover.Hash(e.To)
	if err != nil {
		return res, err
	}
	if actual != e.ContentHash {
		res.Outcome = OutcomeIntegrity
		res.Err = &ir.IntegrityError{Path: e.To, Expected: e.ContentHash, Actual: actual}
		return res, nil
	}

	occupied, err := mover.Exists(e.From)
	if err != nil {
		return res, err
	}
	if occupied {
		res.Outcome = OutcomeConflict
		return res, nil
	}

	if !apply {
		res.Outcome = OutcomePlanned
		return res, nil
	}
	if err := mover.Move(e.To, e.From); err != nil {
		return res, err
	}
	res.Outcome = OutcomeRestored
	return res, nil
}

func (r *RollbackReport) add(res EntryResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeRestored:
		r.Restored++
	case OutcomePlanned:
		r.Planned++
	case OutcomeAlreadyReverted:
		r.AlreadyReverted++
	case OutcomeConflict:
		r.Conflicts++
	case OutcomeIntegrity:
		r.IntegrityFailures++
	}
}
