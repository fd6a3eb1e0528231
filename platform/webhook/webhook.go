// Package webhook forwards analytics record batches to an HTTP endpoint.
//
// Batches POST as JSON. Transient failures (5xx, network errors) retry
// with exponential backoff; 4xx responses fail immediately. A circuit
// breaker shields a struggling endpoint: once it opens, writes fail
// fast until the cooldown passes, and the emitter keeps the records
// buffered for the next flush.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pithecene-io/kilnbox/iox"
	"github.com/pithecene-io/kilnbox/platform"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// DefaultBreakerCooldown is how long the breaker stays open.
const DefaultBreakerCooldown = 30 * time.Second

// defaultBreakerFailures is the consecutive-failure threshold that
// opens the breaker.
const defaultBreakerFailures = 5

// Config configures the webhook sink.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts per batch (default 3).
	Retries int
	// BreakerFailures is the consecutive-failure count that opens the
	// circuit (default 5).
	BreakerFailures uint32
	// BreakerCooldown is the open interval before a trial request
	// (default 30s).
	BreakerCooldown time.Duration
}

// Sink posts analytics batches over HTTP.
type Sink struct {
	config  Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a webhook sink from the given config.
// Returns an error if the URL is empty.
func New(cfg Config) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook sink requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analytics-webhook",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	})

	return &Sink{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}, nil
}

// batchPayload is the POST body shape.
type batchPayload struct {
	Records []*platform.Record `json:"records"`
}

// WriteRecords posts the batch. The breaker wraps the whole retry
// sequence: one exhausted batch counts as one failure.
func (s *Sink) WriteRecords(ctx context.Context, records []*platform.Record) error {
	if len(records) == 0 {
		return nil
	}
	body, err := json.Marshal(batchPayload{Records: records})
	if err != nil {
		return fmt.Errorf("webhook: marshal batch: %w", err)
	}

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("webhook: circuit open, batch of %d deferred: %w", len(records), err)
	}
	return err
}

// post performs the retry loop for one batch.
func (s *Sink) post(ctx context.Context, body []byte) error {
	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + s.config.Retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("webhook: context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = s.doRequest(ctx, body)
		if lastErr == nil {
			return nil
		}

		// 4xx errors are non-retriable — stop immediately
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("webhook: non-retriable error: %w", lastErr)
		}
	}

	return fmt.Errorf("webhook: failed after %d attempts: %w", attempts, lastErr)
}

// StatusError is returned for non-2xx HTTP responses.
// Wrapping the status code allows callers to distinguish retriable (5xx)
// from non-retriable (4xx) failures.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (s *Sink) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Close releases sink resources.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

var _ platform.Sink = (*Sink)(nil)
