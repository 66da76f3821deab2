// Package archive relocates files into an archive tree and records every
// move in an append-only JSONL manifest so the moves can be rolled back.
//
// The manifest line for a move is written and fsynced before the move
// happens. A crash between the two leaves an entry whose destination does
// not exist, which rollback treats as already reverted.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/agos/internal/ir"
)

// HashSuffixLen is the number of content-hash hex digits inserted before
// the extension of an archived file.
const HashSuffixLen = 12

// PlanEntry builds the manifest entry for moving source out of sourceRoot
// into archiveRoot. It touches no files.
//
// The destination keeps the path relative to sourceRoot and inserts the
// first HashSuffixLen digits of contentHash before the extension:
// notes/a.md becomes <archiveRoot>/notes/a.<hash12>.md.
func PlanEntry(sourceRoot, archiveRoot, source, contentHash string, now time.Time, opID string) (ir.ManifestEntry, error) {
	if len(contentHash) < HashSuffixLen {
		return ir.ManifestEntry{}, ir.NewValidationError("content_hash", "need at least %d hex digits, got %q", HashSuffixLen, contentHash)
	}
	if opID == "" {
		return ir.ManifestEntry{}, ir.NewValidationError("operation_id", "empty")
	}
	if sourceRoot == "" || archiveRoot == "" {
		return ir.ManifestEntry{}, ir.NewValidationError("root", "source and archive roots are required")
	}

	source = filepath.Clean(source)
	rel, err := filepath.Rel(filepath.Clean(sourceRoot), source)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return ir.ManifestEntry{}, ir.NewValidationError("source", "%s is not inside %s", source, sourceRoot)
	}

	base := filepath.Base(rel)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// Dotfiles such as ".env" have no stem; treat the whole name as one.
		stem, ext = base, ""
	}
	name := stem + "." + contentHash[:HashSuffixLen] + ext

	return ir.ManifestEntry{
		From:        source,
		To:          filepath.Join(filepath.Clean(archiveRoot), filepath.Dir(rel), name),
		ContentHash: contentHash,
		Timestamp:   now.UTC(),
		OperationID: opID,
	}, nil
}

// Clock supplies manifest timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Archiver moves files for one operation. All moves share the operation ID
// and the manifest file.
type Archiver struct {
	sourceRoot   string
	archiveRoot  string
	manifestPath string
	operationID  string
	mover        FileMover
	clock        Clock
	logger       *slog.Logger

	mu sync.Mutex
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithMover replaces OSFileMover.
func WithMover(m FileMover) Option {
	return func(a *Archiver) { a.mover = m }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(a *Archiver) { a.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Archiver) { a.logger = l }
}

// WithManifestPath overrides <archiveRoot>/manifests/<operationID>.jsonl.
func WithManifestPath(path string) Option {
	return func(a *Archiver) { a.manifestPath = path }
}

// WithOperationID overrides the generated UUIDv7 operation ID.
func WithOperationID(id string) Option {
	return func(a *Archiver) { a.operationID = id }
}

// New creates an Archiver for files under sourceRoot.
func New(sourceRoot, archiveRoot string, opts ...Option) (*Archiver, error) {
	if sourceRoot == "" || archiveRoot == "" {
		return nil, ir.NewValidationError("root", "source and archive roots are required")
	}
	a := &Archiver{
		sourceRoot:  filepath.Clean(sourceRoot),
		archiveRoot: filepath.Clean(archiveRoot),
		mover:       OSFileMover{},
		clock:       wallClock{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.operationID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("archive: operation id: %w", err)
		}
		a.operationID = id.String()
	}
	if a.manifestPath == "" {
		a.manifestPath = filepath.Join(a.archiveRoot, "manifests", a.operationID+".jsonl")
	}
	return a, nil
}

// OperationID returns the ID stamped on every entry of this run.
func (a *Archiver) OperationID() string { return a.operationID }

// ManifestPath returns the manifest file this Archiver appends to.
func (a *Archiver) ManifestPath() string { return a.manifestPath }

// Archive moves source into the archive tree and returns its manifest entry.
// An existing destination is an error; nothing is overwritten.
func (a *Archiver) Archive(ctx context.Context, source string) (ir.ManifestEntry, error) {
	if err := ctx.Err(); err != nil {
		return ir.ManifestEntry{}, err
	}
	if !filepath.IsAbs(source) {
		source = filepath.Join(a.sourceRoot, source)
	}

	hash, err := a.mover.Hash(source)
	if err != nil {
		return ir.ManifestEntry{}, fmt.Errorf("archive: %w", err)
	}
	entry, err := PlanEntry(a.sourceRoot, a.archiveRoot, source, hash, a.clock.Now(), a.operationID)
	if err != nil {
		return ir.ManifestEntry{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	exists, err := a.mover.Exists(entry.To)
	if err != nil {
		return ir.ManifestEntry{}, fmt.Errorf("archive: %w", err)
	}
	if exists {
		return ir.ManifestEntry{}, fmt.Errorf("archive: destination %s: %w", entry.To, os.ErrExist)
	}

	if err := appendManifest(a.manifestPath, entry); err != nil {
		return ir.ManifestEntry{}, fmt.Errorf("archive: manifest: %w", err)
	}
	if err := a.mover.Move(entry.From, entry.To); err != nil {
		return ir.ManifestEntry{}, fmt.Errorf("archive: %w", err)
	}

	a.logger.InfoContext(ctx, "archived",
		"from", entry.From,
		"to", entry.To,
		"content_hash", entry.ContentHash,
		"operation_id", entry.OperationID,
	)
	return entry, nil
}

// appendManifest writes entry as one JSON line and fsyncs the file.
func appendManifest(path string, entry ir.ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
