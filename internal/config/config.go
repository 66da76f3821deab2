// Package config loads agos settings from a YAML or TOML file, applies
// environment overrides and validates the result against an embedded CUE
// schema.
//
// Precedence, lowest first: built-in defaults, config file, environment.
// Command-line flags are applied by the CLI on top of the returned Config.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/agos/internal/keycodec"
)

// Defaults.
const (
	DefaultCooldown        = 60 * time.Minute
	DefaultStartupSilence  = 10 * time.Minute
	DefaultMaxRetries      = 3
	DefaultBackoffBase     = 2 * time.Second
	DefaultMaxBackoff      = time.Minute
	DefaultLockTTL         = 30 * time.Minute
	DefaultConflictRetries = 3
)

// Config is the resolved configuration for one run.
type Config struct {
	StateDB         string `yaml:"state_db" toml:"state_db"`
	SourceRoot      string `yaml:"source_root" toml:"source_root"`
	ArchiveRoot     string `yaml:"archive_root" toml:"archive_root"`
	MetricsFile     string `yaml:"metrics_file" toml:"metrics_file"`
	ConflictRetries int    `yaml:"conflict_retries" toml:"conflict_retries"`

	Alerts   AlertsConfig   `yaml:"alerts" toml:"alerts"`
	Ingest   IngestConfig   `yaml:"ingest" toml:"ingest"`
	Delivery DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Lock     LockConfig     `yaml:"lock" toml:"lock"`
}

type AlertsConfig struct {
	Cooldown       Duration `yaml:"cooldown" toml:"cooldown"`
	StartupSilence Duration `yaml:"startup_silence" toml:"startup_silence"`
}

type IngestConfig struct {
	DropQueryKeys     []string `yaml:"drop_query_keys" toml:"drop_query_keys"`
	DropQueryPrefixes []string `yaml:"drop_query_prefixes" toml:"drop_query_prefixes"`
}

type DeliveryConfig struct {
	MaxRetries    int      `yaml:"max_retries" toml:"max_retries"`
	BackoffBase   Duration `yaml:"backoff_base" toml:"backoff_base"`
	MaxBackoff    Duration `yaml:"max_backoff" toml:"max_backoff"`
	WebhookURL    string   `yaml:"webhook_url" toml:"webhook_url"`
	WebhookSecret string   `yaml:"webhook_secret" toml:"webhook_secret"`
	Format        string   `yaml:"format" toml:"format"`
}

type LockConfig struct {
	TTL Duration `yaml:"ttl" toml:"ttl"`
}

// LoadResult is a loaded Config plus non-fatal findings such as unknown keys.
type LoadResult struct {
	Config   Config
	Path     string
	Warnings []string
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		StateDB:         defaultStateDB(),
		ConflictRetries: DefaultConflictRetries,
		Alerts: AlertsConfig{
			Cooldown:       Duration(DefaultCooldown),
			StartupSilence: Duration(DefaultStartupSilence),
		},
		Ingest: IngestConfig{
			DropQueryKeys:     slices.Clone(keycodec.DefaultDropKeys),
			DropQueryPrefixes: slices.Clone(keycodec.DefaultDropPrefixes),
		},
		Delivery: DeliveryConfig{
			MaxRetries:  DefaultMaxRetries,
			BackoffBase: Duration(DefaultBackoffBase),
			MaxBackoff:  Duration(DefaultMaxBackoff),
			Format:      "generic",
		},
		Lock: LockConfig{TTL: Duration(DefaultLockTTL)},
	}
}

func defaultStateDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agos.sqlite3"
	}
	return filepath.Join(home, ".local", "state", "agos", "agos.sqlite3")
}

// DefaultPath returns ~/.config/agos/config.yaml, or "" when there is no home.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agos", "config.yaml")
}

// Load reads path (DefaultPath when empty), applies the process environment
// and validates. A missing file yields the defaults.
func Load(path string) (*LoadResult, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*LoadResult, error) {
	if path == "" {
		path = DefaultPath()
	}
	result := &LoadResult{Config: Defaults(), Path: path}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			warnings, err := decode(path, data, &result.Config)
			if err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
			result.Warnings = append(result.Warnings, warnings...)
		}
	}

	if err := applyEnv(&result.Config, getenv); err != nil {
		return nil, err
	}
	if err := result.Config.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

// decode parses data into cfg according to the file extension and returns
// warnings for keys the Config does not know.
func decode(path string, data []byte, cfg *Config) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, err
		}
		var warnings []string
		for _, key := range md.Undecoded() {
			warnings = append(warnings, fmt.Sprintf("unknown config key: %q", key.String()))
		}
		return warnings, nil
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return unknownKeys(raw), nil
	}
}

var knownKeys = map[string][]string{
	"state_db":         nil,
	"source_root":      nil,
	"archive_root":     nil,
	"metrics_file":     nil,
	"conflict_retries": nil,
	"alerts":           {"cooldown", "startup_silence"},
	"ingest":           {"drop_query_keys", "drop_query_prefixes"},
	"delivery":         {"max_retries", "backoff_base", "max_backoff", "webhook_url", "webhook_secret", "format"},
	"lock":             {"ttl"},
}

func unknownKeys(raw map[string]any) []string {
	var warnings []string
	for key, val := range raw {
		children, ok := knownKeys[key]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unknown config key: %q", key))
			continue
		}
		section, ok := val.(map[string]any)
		if !ok || children == nil {
			continue
		}
		for child := range section {
			if !slices.Contains(children, child) {
				warnings = append(warnings, fmt.Sprintf("unknown config key: %q", key+"."+child))
			}
		}
	}
	slices.Sort(warnings)
	return warnings
}
