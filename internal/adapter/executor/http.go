// Package executor implements capability executors: an HTTP client for remote
// providers, the in-process local fallback and HTTP liveness probes.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
	"github.com/fairyhunter13/capability-orchestrator/internal/observability"
)

// Endpoint is the remote address of one provider capability.
type Endpoint struct {
	Provider  domain.ProviderID `json:"provider" yaml:"provider" validate:"required"`
	URL       string            `json:"url" yaml:"url" validate:"required,url"`
	HealthURL string            `json:"health_url" yaml:"health_url" validate:"omitempty,url"`
	APIKeyEnv string            `json:"api_key_env" yaml:"api_key_env"`
}

// RetryPolicy bounds transport retries of one call.
type RetryPolicy struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the production policy. It stays well inside the
// candidate timeouts so a retry never outlives the fallback race.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxElapsedTime:  3 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
}

// Client builds executors over one traced HTTP client.
type Client struct {
	hc    *http.Client
	retry RetryPolicy
}

// NewClient returns a client. A nil hc gets a client with an otelhttp
// transport.
func NewClient(hc *http.Client, retry RetryPolicy) *Client {
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	d := DefaultRetryPolicy()
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = d.MaxElapsedTime
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = d.InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = d.MaxInterval
	}
	return &Client{hc: hc, retry: retry}
}

// Executor returns the executor of ep. The payload is posted as JSON; the
// response is decoded as domain.MediaOutput when it carries a media reference
// and returned as generic JSON otherwise. 429 and 5xx responses are retried,
// other 4xx responses are not.
func (c *Client) Executor(ep Endpoint, apiKey string) domain.Executor {
	return func(ctx context.Context, payload any) (any, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("op=executor.marshal provider=%s: %w", ep.Provider, err)
		}

		var raw []byte
		attempts := 0
		op := func() error {
			attempts++
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
			if err != nil {
				return backoff.Permanent(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			}
			if rid := observability.CallFrom(ctx).RequestID; rid != "" {
				req.Header.Set("X-Request-Id", rid)
			}
			resp, err := c.hc.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
			if err != nil {
				return err
			}
			observability.Logger(ctx).Debug("provider call",
				slog.String("provider", string(ep.Provider)),
				slog.Int("status", resp.StatusCode),
				slog.Duration("latency", time.Since(start)))

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				raw = b
				return nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return &StatusError{StatusCode: resp.StatusCode, Body: snippet(b)}
			default:
				return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: snippet(b)})
			}
		}

		expo := backoff.NewExponentialBackOff()
		expo.InitialInterval = c.retry.InitialInterval
		expo.MaxInterval = c.retry.MaxInterval
		expo.MaxElapsedTime = c.retry.MaxElapsedTime
		if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
			observability.Logger(ctx).Warn("provider call failed",
				slog.String("provider", string(ep.Provider)),
				slog.Int("attempts", attempts),
				slog.Any("error", err))
			if IsStatus(err, http.StatusTooManyRequests) {
				return nil, fmt.Errorf("op=executor.call provider=%s: %w: %w", ep.Provider, domain.ErrRateLimited, err)
			}
			return nil, fmt.Errorf("op=executor.call provider=%s: %w", ep.Provider, err)
		}
		return decode(raw)
	}
}

func decode(raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out domain.MediaOutput
	if err := json.Unmarshal(raw, &out); err == nil && (out.VideoRef != "" || out.AudioRef != "") {
		return out, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("op=executor.decode: %w", err)
	}
	return v, nil
}

func snippet(b []byte) string {
	if len(b) > 256 {
		return string(b[:256])
	}
	return string(b)
}

// Probe returns a liveness check against ep.HealthURL (ep.URL when unset).
// Any 2xx or 405 answer counts as alive.
func (c *Client) Probe(ep Endpoint) domain.Prober {
	target := ep.HealthURL
	method := http.MethodGet
	if target == "" {
		target = ep.URL
		method = http.MethodHead
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return fmt.Errorf("op=executor.Probe provider=%s: %w", ep.Provider, err)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("op=executor.Probe provider=%s: %w", ep.Provider, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusMethodNotAllowed {
			return nil
		}
		return fmt.Errorf("op=executor.Probe provider=%s: %w", ep.Provider, &StatusError{StatusCode: resp.StatusCode})
	}
}

// IsStatus reports whether err carries a provider response with code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
