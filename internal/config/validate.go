package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/agos/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// schemaView is the JSON shape checked by schema.cue. Secrets are left out.
type schemaView struct {
	StateDB         string `json:"state_db"`
	SourceRoot      string `json:"source_root,omitempty"`
	ArchiveRoot     string `json:"archive_root,omitempty"`
	MetricsFile     string `json:"metrics_file,omitempty"`
	ConflictRetries int    `json:"conflict_retries"`

	Alerts struct {
		CooldownMS       int64 `json:"cooldown_ms"`
		StartupSilenceMS int64 `json:"startup_silence_ms"`
	} `json:"alerts"`

	Ingest struct {
		DropQueryKeys     []string `json:"drop_query_keys"`
		DropQueryPrefixes []string `json:"drop_query_prefixes"`
	} `json:"ingest"`

	Delivery struct {
		MaxRetries    int    `json:"max_retries"`
		BackoffBaseMS int64  `json:"backoff_base_ms"`
		MaxBackoffMS  int64  `json:"max_backoff_ms"`
		WebhookURL    string `json:"webhook_url,omitempty"`
		Format        string `json:"format"`
	} `json:"delivery"`

	Lock struct {
		TTLMS int64 `json:"ttl_ms"`
	} `json:"lock"`
}

func (c Config) view() schemaView {
	var v schemaView
	v.StateDB = c.StateDB
	v.SourceRoot = c.SourceRoot
	v.ArchiveRoot = c.ArchiveRoot
	v.MetricsFile = c.MetricsFile
	v.ConflictRetries = c.ConflictRetries
	v.Alerts.CooldownMS = c.Alerts.Cooldown.Std().Milliseconds()
	v.Alerts.StartupSilenceMS = c.Alerts.StartupSilence.Std().Milliseconds()
	v.Ingest.DropQueryKeys = nonNil(c.Ingest.DropQueryKeys)
	v.Ingest.DropQueryPrefixes = nonNil(c.Ingest.DropQueryPrefixes)
	v.Delivery.MaxRetries = c.Delivery.MaxRetries
	v.Delivery.BackoffBaseMS = c.Delivery.BackoffBase.Std().Milliseconds()
	v.Delivery.MaxBackoffMS = c.Delivery.MaxBackoff.Std().Milliseconds()
	v.Delivery.WebhookURL = c.Delivery.WebhookURL
	v.Delivery.Format = c.Delivery.Format
	v.Lock.TTLMS = c.Lock.TTL.Std().Milliseconds()
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Validate checks c against the embedded CUE schema. All violations are
// reported in one *ir.ValidationError.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	val := ctx.Encode(c.view())
	if err := val.Err(); err != nil {
		return fmt.Errorf("config encode: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return ir.NewValidationError("config", "%s", strings.Join(msgs, "; "))
	}
	return nil
}
