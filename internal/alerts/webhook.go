package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/verigate/internal/circuitbreaker"
	"github.com/mbd888/verigate/internal/retry"
)

const breakerKey = "alert_webhook"

// WebhookSink POSTs alerts as JSON, signed with HMAC-SHA256 when a secret
// is configured. 5xx responses and transport errors are retried. Once
// deliveries keep failing the breaker opens and alerts are dropped until
// a trial delivery succeeds.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 5 * time.Second},
		policy:  retry.DefaultPolicy(),
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithBreaker replaces the delivery circuit breaker.
func (s *WebhookSink) WithBreaker(b *circuitbreaker.Breaker) *WebhookSink {
	s.breaker = b
	return s
}

// WithPolicy overrides the retry policy.
func (s *WebhookSink) WithPolicy(p retry.Policy) *WebhookSink {
	s.policy = p
	return s
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	if !s.breaker.Allow(breakerKey) {
		return fmt.Errorf("alert webhook: %w", circuitbreaker.ErrOpen)
	}

	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build alert request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Verigate-Event", string(a.Kind))
		req.Header.Set("X-Verigate-Timestamp", strconv.FormatInt(a.Timestamp.Unix(), 10))
		if s.secret != "" {
			req.Header.Set("X-Verigate-Signature", Sign(payload, s.secret))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("alert webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("alert webhook: status %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("alert webhook: status %d", resp.StatusCode))
		}
	})
	// A receiver that outlives the delivery deadline counts against the
	// breaker. Caller cancellation does not.
	switch {
	case err == nil:
		s.breaker.RecordSuccess(breakerKey)
	case !errors.Is(ctx.Err(), context.Canceled):
		s.breaker.RecordFailure(breakerKey)
	}
	return err
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
