package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/roach88/agos/internal/ir"
)

// Format selects the webhook body layout.
type Format string

const (
	// FormatGeneric posts {"text": ..., "key": ..., "action": ..., "trace_id": ...}.
	FormatGeneric Format = "generic"

	// FormatFeishu posts a Feishu custom-bot text message, signed when a
	// secret is configured.
	FormatFeishu Format = "feishu"
)

// WebhookSender posts payloads as JSON to a single webhook URL.
type WebhookSender struct {
	url    string
	secret string
	format Format
	client *http.Client
	now    func() time.Time
}

// WebhookOption configures a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithSecret enables Feishu request signing.
func WithSecret(secret string) WebhookOption {
	return func(s *WebhookSender) { s.secret = secret }
}

// WithFormat selects the body layout. Defaults to FormatGeneric.
func WithFormat(f Format) WebhookOption {
	return func(s *WebhookSender) { s.format = f }
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSender) { s.client = c }
}

// WithNow overrides the signing timestamp source.
func WithNow(now func() time.Time) WebhookOption {
	return func(s *WebhookSender) { s.now = now }
}

// NewWebhookSender creates a sender for url.
func NewWebhookSender(url string, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		url:    url,
		format: FormatGeneric,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type genericBody struct {
	Text    string `json:"text"`
	Key     string `json:"key"`
	Action  string `json:"action"`
	TraceID string `json:"trace_id"`
}

type feishuBody struct {
	MsgType   string        `json:"msg_type"`
	Content   feishuContent `json:"content"`
	Timestamp string        `json:"timestamp,omitempty"`
	Sign      string        `json:"sign,omitempty"`
}

type feishuContent struct {
	Text string `json:"text"`
}

type feishuResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Send posts p. Any 2xx status is accepted; other statuses and, for Feishu,
// non-zero response codes are returned as *SendError.
func (s *WebhookSender) Send(ctx context.Context, p Payload) error {
	if s.url == "" {
		return ir.NewValidationError("webhook_url", "not configured")
	}

	body, err := s.encode(p)
	if err != nil {
		return ir.NewValidationError("payload", "%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &SendError{URL: Redact(s.url), Err: errors.New("invalid webhook url")}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// *url.Error embeds the full URL; keep only the cause.
		return &SendError{URL: Redact(s.url), Err: unwrapURLError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &SendError{URL: Redact(s.url), StatusCode: resp.StatusCode}
	}

	// Only Feishu reports failures inside a successful response.
	if s.format != FormatFeishu || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var fr feishuResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&fr); err != nil {
		return &SendError{URL: Redact(s.url), StatusCode: resp.StatusCode, Code: -1, Msg: "malformed response"}
	}
	if fr.Code != 0 {
		return &SendError{URL: Redact(s.url), StatusCode: resp.StatusCode, Code: fr.Code, Msg: fr.Msg}
	}
	return nil
}

func (s *WebhookSender) encode(p Payload) ([]byte, error) {
	switch s.format {
	case FormatFeishu:
		b := feishuBody{MsgType: "text", Content: feishuContent{Text: p.Render()}}
		if s.secret != "" {
			b.Timestamp = strconv.FormatInt(s.now().Unix(), 10)
			b.Sign = FeishuSignature(s.secret, b.Timestamp)
		}
		return json.Marshal(b)
	case FormatGeneric, "":
		return json.Marshal(genericBody{
			Text:    p.Render(),
			Key:     string(p.Key),
			Action:  string(p.Action),
			TraceID: p.TraceID,
		})
	default:
		return nil, fmt.Errorf("unknown webhook format %q", s.format)
	}
}

// FeishuSignature is base64(HMAC-SHA256(key = timestamp + "\n" + secret, message = "")).
func FeishuSignature(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}
