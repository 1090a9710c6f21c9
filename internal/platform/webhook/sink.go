// Package webhook delivers task notifications to an HTTP endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/mediagen/internal/config"
	"github.com/phrazzld/mediagen/internal/events"
	"resty.dev/v3"
)

// Headers set on every delivery
const (
	HeaderEventID   = "X-Mediagen-Event-Id"
	HeaderEventType = "X-Mediagen-Event-Type"
	HeaderSignature = "X-Mediagen-Signature"
)

// ErrDeliveryFailed is returned when the endpoint never accepted the event.
var ErrDeliveryFailed = errors.New("webhook delivery failed")

const (
	defaultTimeout   = 10 * time.Second
	defaultRetryWait = 500 * time.Millisecond
)

// Sink implements events.EventHandler by POSTing each event as JSON. Network
// errors, 408, 429 and 5xx responses are retried with exponential backoff;
// other client errors are final.
//
// HandleEvent blocks for the whole retry schedule. The application registers
// the sink behind an events.AsyncHandler.
type Sink struct {
	client *resty.Client
	url    string
	secret []byte
	logger *slog.Logger
}

var _ events.EventHandler = (*Sink)(nil)

// NewSink creates a Sink for cfg.WebhookURL.
func NewSink(cfg config.NotifyConfig, logger *slog.Logger) (*Sink, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.New("webhook url cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retryWait := cfg.RetryWait
	if retryWait <= 0 {
		retryWait = defaultRetryWait
	}

	s := &Sink{
		url:    cfg.WebhookURL,
		secret: []byte(cfg.Secret),
		logger: logger.With(slog.String("component", "webhook_sink")),
	}

	s.client = resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "mediagen-webhook/1").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryWait << cfg.RetryCount).
		SetAllowNonIdempotentRetry(true).
		AddRetryConditions(retryable).
		AddRetryHooks(s.logRetry)

	return s, nil
}

// HandleEvent implements events.EventHandler.
func (s *Sink) HandleEvent(ctx context.Context, event *events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader(HeaderEventID, event.ID.String()).
		SetHeader(HeaderEventType, event.Type).
		SetBody(body)
	if len(s.secret) > 0 {
		req.SetHeader(HeaderSignature, Sign(s.secret, body))
	}

	resp, err := req.Post(s.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("%w: endpoint returned %d", ErrDeliveryFailed, code)
	}

	s.logger.DebugContext(ctx, "webhook delivered",
		"event_id", event.ID,
		"event_type", event.Type,
		"attempts", resp.Request.Attempt)
	return nil
}

// retryable reports whether a delivery attempt may be repeated.
func retryable(resp *resty.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return false
	}
	code := resp.StatusCode()
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func (s *Sink) logRetry(resp *resty.Response, err error) {
	attrs := []any{"url", s.url}
	if resp != nil {
		attrs = append(attrs, "status", resp.StatusCode())
		if resp.Request != nil {
			attrs = append(attrs,
				"event_id", resp.Request.Header.Get(HeaderEventID),
				"attempt", resp.Request.Attempt)
		}
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	s.logger.Warn("retrying webhook delivery", attrs...)
}

// Close releases the HTTP client.
func (s *Sink) Close() error {
	return s.client.Close()
}

// Sign returns the hex HMAC-SHA256 of body, prefixed with the scheme.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
