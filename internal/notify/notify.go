// Package notify delivers alert and recovery messages to an external channel.
//
// Senders are best-effort: a nil error means the channel accepted the
// message, nothing more. Errors are *SendError so that ClassifyHTTP can sort
// them into retryable and fatal for the retrier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/roach88/agos/internal/ir"
)

// Payload is one message to deliver.
type Payload struct {
	Key      ir.DedupKey       `json:"key"`
	Kind     ir.Kind           `json:"kind"`
	Action   ir.Action         `json:"action"`
	TraceID  string            `json:"trace_id"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Render returns the human-readable message body.
func (p Payload) Render() string {
	var sb strings.Builder
	switch p.Action {
	case ir.ActionSendRecovery:
		sb.WriteString("[RECOVERED] ")
	case ir.ActionSendAlert:
		sb.WriteString("[ALERT] ")
	}
	if p.Title != "" {
		sb.WriteString(p.Title)
	} else {
		sb.WriteString(string(p.Key))
	}
	if p.Text != "" {
		sb.WriteString("\n")
		sb.WriteString(p.Text)
	}
	fmt.Fprintf(&sb, "\nkey: %s\ntrace_id: %s", p.Key, p.TraceID)
	return sb.String()
}

// Sender delivers one payload.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

// SendError describes a failed delivery. URL is always redacted.
type SendError struct {
	URL        string
	StatusCode int

	// Code and Msg are the channel's application-level error, if any.
	Code int
	Msg  string

	Err error
}

func (e *SendError) Error() string {
	switch {
	case e.StatusCode != 0 && (e.StatusCode < 200 || e.StatusCode >= 300):
		return fmt.Sprintf("webhook %s: HTTP %d", e.URL, e.StatusCode)
	case e.Code != 0:
		return fmt.Sprintf("webhook %s: code=%d msg=%s", e.URL, e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("webhook %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("webhook %s: failed", e.URL)
	}
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Feishu application codes that mean "slow down" rather than "bad request".
var retryableFeishuCodes = map[int]bool{
	9499:  true, // too many requests
	11232: true, // frequency limited
}

// ClassifyHTTP sorts a send error. Timeouts, rate limits and 5xx are
// retryable. Unfollowed redirects, other 4xx, non-zero channel codes,
// encoding failures and cancellation are fatal.
func ClassifyHTTP(err error) ir.DeliveryClass {
	if err == nil {
		return ir.DeliveryRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ir.DeliveryFatal
	}
	if ir.IsValidation(err) {
		return ir.DeliveryFatal
	}

	var se *SendError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests, se.StatusCode == http.StatusRequestTimeout:
			return ir.DeliveryRetryable
		case se.StatusCode >= 500:
			return ir.DeliveryRetryable
		case se.StatusCode >= 300:
			return ir.DeliveryFatal
		case se.Code != 0:
			if retryableFeishuCodes[se.Code] {
				return ir.DeliveryRetryable
			}
			return ir.DeliveryFatal
		}
	}

	// Timeouts, refused connections and resets.
	return ir.DeliveryRetryable
}

// Redact hides the secret token at the end of a webhook URL.
func Redact(webhook string) string {
	prefix, tail, ok := strings.Cut(webhook, "/hook/")
	if !ok {
		if i := strings.LastIndex(webhook, "/"); i > len("https://") {
			return webhook[:i] + "/***"
		}
		return "<invalid-webhook>"
	}
	masked := "*"
	if len(tail) > 3 {
		masked = "***"
	}
	return prefix + "/hook/" + masked
}

// LogSender writes payloads to a logger instead of a channel. Used for
// dry runs.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs p and always succeeds.
func (s LogSender) Send(ctx context.Context, p Payload) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "dry-run send",
		"key", string(p.Key),
		"action", string(p.Action),
		"trace_id", p.TraceID,
		"text", p.Render(),
	)
	return nil
}
