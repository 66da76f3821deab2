package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/agos/internal/engine"
	"github.com/roach88/agos/internal/ir"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	URL        string
	SourceHost string
	Title      string
	Force      bool
	Meta       []string
	Batch      string
	Exec       string
}

// IngestItem is one line of a --batch file.
type IngestItem struct {
	URL        string            `json:"url"`
	SourceHost string            `json:"source_host,omitempty"`
	Title      string            `json:"title,omitempty"`
	Force      bool              `json:"force,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IngestStats summarizes an ingest run.
type IngestStats struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Deduped  int `json:"deduped"`
	Invalid  int `json:"invalid"`
	Failed   int `json:"failed"`

	// Keys lists the keys inserted by this run, in input order.
	Keys []ir.DedupKey `json:"keys,omitempty"`
}

// DedupRate is the percentage of fetched items that were duplicates.
func (s IngestStats) DedupRate() float64 {
	if s.Fetched <= 0 {
		return 0
	}
	return float64(s.Deduped) / float64(s.Fetched) * 100
}

func (s IngestStats) String() string {
	return fmt.Sprintf("[done] fetched=%d inserted=%d deduped=%d invalid=%d failed=%d dedup_rate=%.2f%%",
		s.Fetched, s.Inserted, s.Deduped, s.Invalid, s.Failed, s.DedupRate())
}

func (s IngestStats) MarshalJSON() ([]byte, error) {
	type alias IngestStats
	return json.Marshal(struct {
		alias
		DedupRate float64 `json:"dedup_rate"`
	}{alias(s), s.DedupRate()})
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record content items, skipping ones already seen",
		Long: `Record content items by dedup key. A key that is already stored is a
duplicate no matter how old it is.

Items come from flags (one item) or from --batch, a JSON Lines file with
one {"url", "source_host", "title", "force", "metadata"} object per line
("-" reads stdin). The key is the normalized URL, or source host plus
normalized title when the URL is unusable.

With --exec, the shell command runs for every new item before it is
recorded, with AGOS_KEY, AGOS_URL and AGOS_TITLE set. An item whose
command fails is not recorded and is retried on the next run.

Examples:
  agos ingest --url "https://example.com/post?utm_source=rss" --title "Post"
  agos ingest --batch items.jsonl --exec 'write-note "$AGOS_URL"'
  fetch-feed | agos ingest --batch - --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "item URL")
	cmd.Flags().StringVar(&opts.SourceHost, "source-host", "", "source host, used when the URL is unusable")
	cmd.Flags().StringVar(&opts.Title, "title", "", "item title")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "record a new revision even if the key exists")
	cmd.Flags().StringArrayVar(&opts.Meta, "meta", nil, "metadata key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "JSON Lines file of items (- for stdin)")
	cmd.Flags().StringVar(&opts.Exec, "exec", "", "shell command that delivers each new item")

	cmd.AddCommand(newImportLegacyCommand(rootOpts))
	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions) error {
	var items []IngestItem
	switch {
	case opts.Batch != "" && (opts.URL != "" || opts.Title != ""):
		return NewExitError(ExitCommandError, "--batch cannot be combined with --url or --title")
	case opts.Batch != "":
		var err error
		items, err = readBatch(cmd, opts.Batch)
		if err != nil {
			return err
		}
	default:
		meta, err := parseMeta(opts.Meta)
		if err != nil {
			return exitFor("invalid --meta", err)
		}
		items = []IngestItem{{URL: opts.URL, SourceHost: opts.SourceHost, Title: opts.Title, Force: opts.Force, Metadata: meta}}
	}

	rt, err := openRuntime(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()

	return rt.guarded(cmd, opts.RootOptions, func(ctx context.Context) error {
		stats := IngestStats{Fetched: len(items)}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := rt.codec.ContentKey(item.URL, item.SourceHost, item.Title)
			if err != nil && opts.Batch == "" {
				return exitFor("invalid item", err)
			}
			if err != nil {
				rt.logger.Warn("skipping item", "url", item.URL, "title", item.Title, "error", err)
				stats.Invalid++
				continue
			}

			out, err := rt.engine.InsertIfNew(ctx, engine.ContentItem{
				Key:      key,
				Metadata: itemMetadata(item),
				Force:    item.Force,
			}, opts.deliver(cmd, key, item))
			switch {
			case ir.IsDelivery(err):
				stats.Failed++
				continue
			case err != nil:
				return exitFor("ingest aborted", err)
			}

			if out.Action == ir.ActionDuplicate {
				stats.Deduped++
			} else {
				stats.Inserted++
				stats.Keys = append(stats.Keys, key)
			}
		}

		if err := rt.out.Success(stats); err != nil {
			return err
		}
		if stats.Failed > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) not delivered", stats.Failed))
		}
		return nil
	})
}

// deliver returns the --exec delivery for one item, or nil without --exec.
func (o *IngestOptions) deliver(cmd *cobra.Command, key ir.DedupKey, item IngestItem) engine.DeliverFunc {
	if o.Exec == "" {
		return nil
	}
	return func(ctx context.Context) error {
		c := exec.CommandContext(ctx, "sh", "-c", o.Exec)
		c.Env = append(os.Environ(),
			"AGOS_KEY="+string(key),
			"AGOS_URL="+item.URL,
			"AGOS_TITLE="+item.Title,
		)
		// stdout carries the command's own output format.
		c.Stdout = cmd.ErrOrStderr()
		c.Stderr = cmd.ErrOrStderr()
		if err := c.Run(); err != nil {
			return fmt.Errorf("exec %q: %w", o.Exec, err)
		}
		return nil
	}
}

func itemMetadata(item IngestItem) map[string]string {
	if item.Metadata == nil && item.URL == "" && item.Title == "" {
		return nil
	}
	meta := make(map[string]string, len(item.Metadata)+2)
	for k, v := range item.Metadata {
		meta[k] = v
	}
	if item.URL != "" {
		meta["url"] = item.URL
	}
	if item.Title != "" {
		meta["title"] = item.Title
	}
	return meta
}

func readBatch(cmd *cobra.Command, path string) ([]IngestItem, error) {
	r, err := openInput(cmd, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var items []IngestItem
	err = scanLines(r, func(n int, line string) error {
		var item IngestItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("batch line %d", n), err)
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// openInput opens path for reading; "-" is the command's stdin.
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open input", err)
	}
	return f, nil
}

// scanLines calls fn for every non-blank line of r that is not a # comment.
// n is the 1-based line number.
func scanLines(r io.Reader, fn func(n int, line string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return WrapExitError(ExitCommandError, "failed to read input", err)
	}
	return nil
}

// ImportStats summarizes import-legacy.
type ImportStats struct {
	Read       int `json:"read"`
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

func (s ImportStats) String() string {
	return fmt.Sprintf("[done] read=%d imported=%d duplicates=%d skipped=%d",
		s.Read, s.Imported, s.Duplicates, s.Skipped)
}

func newImportLegacyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-legacy <file>",
		Short: "Seed keys from a list of already-handled URLs",
		Long: `Seed the store from an older dedup list: one URL per line, blank lines
and # comments ignored ("-" reads stdin). Nothing is delivered; the
imported keys are duplicates from then on. Lines that are not usable URLs
are skipped.

Example:
  agos ingest import-legacy seen_urls.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImportLegacy(cmd, rootOpts, args[0])
		},
	}
}

func runImportLegacy(cmd *cobra.Command, opts *RootOptions, path string) error {
	r, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer r.Close()

	rt, err := openRuntime(cmd, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	var stats ImportStats
	var items []engine.ContentItem
	err = scanLines(r, func(_ int, line string) error {
		stats.Read++
		key, err := rt.codec.Canonicalize(line, ir.KindContent)
		if err != nil {
			rt.logger.Debug("skipping legacy line", "line", line, "error", err)
			stats.Skipped++
			return nil
		}
		items = append(items, engine.ContentItem{Key: key})
		return nil
	})
	if err != nil {
		return err
	}

	return rt.guarded(cmd, opts, func(ctx context.Context) error {
		res, err := rt.engine.ImportLegacy(ctx, items)
		stats.Imported, stats.Duplicates = res.Imported, res.Duplicates
		if err != nil {
			return exitFor("import aborted", err)
		}
		return rt.out.Success(stats)
	})
}
