package captcha

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/checkoutguard/internal/circuitbreaker"
	"github.com/mbd888/checkoutguard/internal/metrics"
	"github.com/mbd888/checkoutguard/internal/retry"
)

const (
	retryAttempts = 2
	retryDelay    = 100 * time.Millisecond
	maxBodyBytes  = 1 << 20
)

// remote is the shared HTTP plumbing for provider-backed verifiers: a
// request-scoped timeout, one fast retry on transport errors or 5xx, and a
// per-provider circuit breaker.
type remote struct {
	provider string
	timeout  time.Duration
	http     *http.Client
	breaker  *circuitbreaker.Breaker
}

type statusError struct {
	provider string
	code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.provider, e.code)
}

// do sends the request built by newReq and hands a 2xx body to decode.
// newReq is called once per attempt so request bodies are fresh.
func (r *remote) do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error), decode func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := r.breaker.Call(ctx, r.provider, nil, func(ctx context.Context) error {
		return retry.Do(ctx, retryAttempts, retryDelay, func(ctx context.Context) error {
			return r.attempt(ctx, newReq, decode)
		})
	})
	metrics.ObserveProvider(r.provider, start, err)
	return err
}

func (r *remote) attempt(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error), decode func(io.Reader) error) error {
	req, err := newReq(ctx)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := r.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return retry.Permanent(fmt.Errorf("%s request: %w", r.provider, err))
		}
		return fmt.Errorf("%s request: %w", r.provider, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return &statusError{provider: r.provider, code: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.Permanent(&statusError{provider: r.provider, code: resp.StatusCode})
	}

	if err := decode(io.LimitReader(resp.Body, maxBodyBytes)); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", r.provider, err))
	}
	return nil
}
