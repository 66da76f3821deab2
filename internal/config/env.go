package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables honored by Load. Names match the scheduler scripts
// that used to own these settings.
const (
	EnvStartupSilenceMinutes = "NOTIFY_STARTUP_SILENCE_MINUTES"
	EnvCooldownMinutes       = "NOTIFY_DEFAULT_COOLDOWN_MINUTES"
	EnvStateDB               = "NOTIFY_DEDUP_DB_FILE"
	EnvDropQueryKeys         = "BOUNCER_DEDUP_QUERY_DROP_KEYS"
	EnvDropQueryPrefixes     = "BOUNCER_DEDUP_QUERY_DROP_PREFIXES"
	EnvWebhookURL            = "FEISHU_BOT_WEBHOOK"
	EnvWebhookSecret         = "FEISHU_BOT_SECRET"
	EnvMaxRetries            = "DELIVERY_MAX_RETRIES"
	EnvBackoffSeconds        = "DELIVERY_BACKOFF_SEC"
)

func applyEnv(cfg *Config, getenv func(string) string) error {
	lookup := func(name string) (string, bool) {
		v := strings.TrimSpace(getenv(name))
		return v, v != ""
	}

	if v, ok := lookup(EnvStartupSilenceMinutes); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envErr(EnvStartupSilenceMinutes, v, err)
		}
		cfg.Alerts.StartupSilence = Duration(time.Duration(max(n, 0)) * time.Minute)
	}
	if v, ok := lookup(EnvCooldownMinutes); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envErr(EnvCooldownMinutes, v, err)
		}
		cfg.Alerts.Cooldown = Duration(time.Duration(max(n, 0)) * time.Minute)
	}
	if v, ok := lookup(EnvStateDB); ok {
		cfg.StateDB = v
	}
	if v, ok := lookup(EnvDropQueryKeys); ok {
		cfg.Ingest.DropQueryKeys = splitList(v)
	}
	if v, ok := lookup(EnvDropQueryPrefixes); ok {
		cfg.Ingest.DropQueryPrefixes = splitList(v)
	}
	if v, ok := lookup(EnvWebhookURL); ok {
		cfg.Delivery.WebhookURL = v
		// The variable names a Feishu bot, so its wire format follows.
		cfg.Delivery.Format = "feishu"
	}
	if v, ok := lookup(EnvWebhookSecret); ok {
		cfg.Delivery.WebhookSecret = v
	}
	if v, ok := lookup(EnvMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envErr(EnvMaxRetries, v, err)
		}
		cfg.Delivery.MaxRetries = n
	}
	if v, ok := lookup(EnvBackoffSeconds); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envErr(EnvBackoffSeconds, v, err)
		}
		cfg.Delivery.BackoffBase = Duration(time.Duration(secs * float64(time.Second)))
	}
	return nil
}

func envErr(name, value string, err error) error {
	return fmt.Errorf("environment %s=%q: %w", name, value, err)
}

// splitList parses a comma-separated, case-insensitive list.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
