// Package delivery submits batch envelopes to OIC REST endpoints and
// classifies the outcome of each submission.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"targetoic/internal/buffer"
	"targetoic/internal/config"
	"targetoic/internal/logger"
	"targetoic/internal/metrics"
)

// Kind classifies a delivery failure.
type Kind int

const (
	// KindTransient covers network errors, timeouts, 5xx and 429. Retried
	// with backoff until the budget is exhausted.
	KindTransient Kind = iota
	// KindPermanent covers non-auth 4xx responses. Never retried.
	KindPermanent
	// KindAuth covers 401/403 and token acquisition failures. Grants one
	// forced token refresh before becoming fatal.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is one failed submission attempt. Code and Description carry the
// OAuth2-style error body OIC returns on both token and data endpoints.
type Error struct {
	Kind        Kind
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		msg := fmt.Sprintf("delivery failed with HTTP %d (%s)", e.Status, e.Kind)
		if e.Code != "" {
			msg += ": " + e.Code
			if e.Description != "" {
				msg += ": " + e.Description
			}
		}
		return msg
	}
	return fmt.Sprintf("delivery failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may clear on a later attempt.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Outcome is the result of delivering one batch, after all retries.
type Outcome struct {
	Batch     *buffer.BatchEnvelope
	Delivered int
	Attempts  int
	Err       error
	Retryable bool
}

// Success reports whether the batch was accepted by OIC.
func (o Outcome) Success() bool { return o.Err == nil }

// TokenProvider yields Authorization header values and supports forced
// invalidation after an auth failure.
type TokenProvider interface {
	Acquire(ctx context.Context) (string, error)
	Invalidate()
}

// Client executes authenticated batch submissions with retry and backoff.
type Client struct {
	httpClient *http.Client
	settings   *config.Settings
	tokens     TokenProvider
}

// New creates a delivery client.
func New(settings *config.Settings, tokens TokenProvider) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: settings.RequestTimeout},
		settings:   settings,
		tokens:     tokens,
	}
}

// Backoff computes the delay before retry number attempt (0-based) as a
// pure function: base doubled per attempt, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Deliver submits one batch. Transient failures are retried up to
// max_retries times; a 401/403 triggers exactly one token invalidation and
// immediate retry before being treated as fatal. The batch identifier is
// stable across every attempt so the endpoint can deduplicate.
func (c *Client) Deliver(ctx context.Context, batch *buffer.BatchEnvelope) Outcome {
	log := logger.WithBatch(batch.Stream, batch.BatchID)
	start := time.Now()

	payload, err := json.Marshal(batch)
	if err != nil {
		return Outcome{Batch: batch, Attempts: 0, Err: fmt.Errorf("serialize batch: %w", err)}
	}

	var (
		attempts    int
		authRetried bool
		lastErr     *Error
	)

	for attempt := 0; attempt <= c.settings.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(c.settings.RetryDelay, c.settings.MaxRetryDelay, attempt-1)
			log.Warn().Int("attempt", attempt).Dur("backoff", delay).Msg("retrying batch delivery")
			metrics.DeliveryRetries.Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Outcome{Batch: batch, Attempts: attempts, Err: ctx.Err(), Retryable: true}
			}
		}

		delivered, derr := c.attempt(ctx, batch, payload)
		attempts++

		if derr == nil {
			duration := time.Since(start)
			metrics.DeliveryDuration.Observe(duration.Seconds())
			metrics.BatchesTotal.WithLabelValues(batch.Stream, "success").Inc()
			metrics.BatchSize.Observe(float64(batch.Len()))
			log.Info().
				Int("records", delivered).
				Int("attempts", attempts).
				Dur("duration", duration).
				Msg("batch delivered")
			return Outcome{Batch: batch, Delivered: delivered, Attempts: attempts}
		}

		lastErr = derr
		log.Warn().Err(derr).Int("attempt", attempts).Msg("batch delivery attempt failed")

		switch derr.Kind {
		case KindAuth:
			if !authRetried {
				// One forced refresh, retried immediately without backoff
				// and without consuming the transient retry budget.
				c.tokens.Invalidate()
				authRetried = true
				attempt--
				continue
			}
			return c.fail(batch, attempts, lastErr, start)
		case KindPermanent:
			return c.fail(batch, attempts, lastErr, start)
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return Outcome{Batch: batch, Attempts: attempts, Err: ctx.Err(), Retryable: true}
		}
	}

	return c.fail(batch, attempts, lastErr, start)
}

func (c *Client) fail(batch *buffer.BatchEnvelope, attempts int, derr *Error, start time.Time) Outcome {
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	metrics.BatchesTotal.WithLabelValues(batch.Stream, "failed").Inc()
	log := logger.WithBatch(batch.Stream, batch.BatchID)
	log.Error().
		Err(derr).
		Int("attempts", attempts).
		Int("records", batch.Len()).
		Msg("batch delivery failed")
	return Outcome{Batch: batch, Attempts: attempts, Err: derr, Retryable: derr.Retryable()}
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, batch *buffer.BatchEnvelope, payload []byte) (int, *Error) {
	header, err := c.tokens.Acquire(ctx)
	if err != nil {
		return 0, &Error{Kind: KindAuth, Err: err}
	}

	url := c.settings.BaseURL + c.settings.EndpointFor(batch.Stream)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, &Error{Kind: KindPermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Batch-Id", batch.BatchID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are transient.
		return 0, &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return processedCount(body, batch.Len()), nil
	}

	derr := &Error{Status: resp.StatusCode}
	derr.Code, derr.Description = parseErrorBody(body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		derr.Kind = KindAuth
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		derr.Kind = KindTransient
	default:
		derr.Kind = KindPermanent
	}
	return 0, derr
}

// processedCount extracts the record count from a success body when the
// endpoint reports one, falling back to the batch size.
func processedCount(body []byte, fallback int) int {
	var parsed struct {
		Processed int `json:"processed"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Processed > 0 {
		return parsed.Processed
	}
	return fallback
}

// parseErrorBody extracts the OAuth2-style error pair OIC uses on both
// token and data endpoints.
func parseErrorBody(body []byte) (code, description string) {
	var parsed struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed.Error, parsed.ErrorDescription
	}
	return "", ""
}
