package polos

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// retryPolicy bounds a retry loop: total attempts, first delay, delay cap.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// defaultAPIRetry is the policy for orchestrator calls.
var defaultAPIRetry = retryPolicy{maxAttempts: 4, baseDelay: 500 * time.Millisecond, maxDelay: 10 * time.Second}

// isTransient reports whether err is a retryable failure (transport error,
// 429, or 5xx) from either the orchestrator or a model backend.
func isTransient(err error) bool {
	var api *ErrAPI
	if errors.As(err, &api) {
		return api.Retryable()
	}
	var llm *ErrLLM
	if errors.As(err, &llm) {
		return llm.Retryable()
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrAPI or ErrLLM, or 0.
func statusOf(err error) int {
	var api *ErrAPI
	if errors.As(err, &api) {
		return api.Status
	}
	var llm *ErrLLM
	if errors.As(err, &llm) {
		return llm.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrAPI or ErrLLM,
// or 0.
func retryAfterOf(err error) time.Duration {
	var api *ErrAPI
	if errors.As(err, &api) {
		return api.RetryAfter
	}
	var llm *ErrLLM
	if errors.As(err, &llm) {
		return llm.RetryAfter
	}
	return 0
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter, capped at max.
func retryBackoff(base, max time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	if max > 0 && exp > max {
		exp = max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	delay := exp + jitter
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(p retryPolicy, i int, err error) time.Duration {
	backoff := retryBackoff(p.baseDelay, p.maxDelay, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to p.maxAttempts times, sleeping between transient
// failures. Non-transient errors return immediately.
func retryCall[T any](ctx context.Context, p retryPolicy, op string, logger *Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < p.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"op", op,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", p.maxAttempts)
		if i < p.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(p, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"op", op,
		"attempts", p.maxAttempts,
		"error", last)
	return zero, last
}

// --- LLM retry wrapper ---

// retryLLM wraps an LLM and automatically retries transient HTTP errors
// (status 429 and 5xx) with exponential backoff.
type retryLLM struct {
	inner  LLM
	policy retryPolicy
	logger *Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryLLM)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryLLM) { r.policy.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryLLM) { r.policy.baseDelay = d }
}

// RetryMaxDelay caps the backoff delay (default: 10s).
func RetryMaxDelay(d time.Duration) RetryOption {
	return func(r *retryLLM) { r.policy.maxDelay = d }
}

// RetryLogger sets the logger for retry events. When set, retries log at
// WARN level and final failures log at ERROR.
func RetryLogger(l *Logger) RetryOption {
	return func(r *retryLLM) { r.logger = l }
}

// WithRetry wraps llm with automatic retry on transient HTTP errors.
// Retries use exponential backoff with jitter. When the error includes a
// Retry-After duration, the retry delay is at least that long. Compose with
// any LLM:
//
//	llm := polos.WithRetry(openaicompat.New(apiKey, model))
//	llm := polos.WithRetry(openaicompat.New(apiKey, model), polos.RetryMaxAttempts(5))
func WithRetry(llm LLM, opts ...RetryOption) LLM {
	r := &retryLLM{
		inner:  llm,
		policy: retryPolicy{maxAttempts: 3, baseDelay: time.Second, maxDelay: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = NopLogger()
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryLLM) Name() string { return r.inner.Name() }

// Generate implements LLM with retry.
func (r *retryLLM) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	return retryCall(ctx, r.policy, r.inner.Name(), r.logger, func() (GenerateResponse, error) {
		return r.inner.Generate(ctx, req)
	})
}

// GenerateStream implements LLM with retry. Retries are only performed if no
// deltas have been written to ch yet; once streaming has started, errors
// pass through immediately to avoid sending duplicate content.
func (r *retryLLM) GenerateStream(ctx context.Context, req GenerateRequest, ch chan<- string) (GenerateResponse, error) {
	var last error
	for i := 0; i < r.policy.maxAttempts; i++ {
		mid := make(chan string, 64)
		var (
			resp      GenerateResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer close(mid)
			resp, streamErr = r.inner.GenerateStream(ctx, req, mid)
		}()

		var deltasSent bool
		for delta := range mid {
			deltasSent = true
			ch <- delta
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || deltasSent {
			return resp, streamErr
		}

		last = streamErr
		r.logger.Warn("retrying transient error",
			"op", r.inner.Name(),
			"status", statusOf(streamErr),
			"attempt", i+1,
			"max_attempts", r.policy.maxAttempts)
		if i < r.policy.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.policy, i, streamErr))
			select {
			case <-ctx.Done():
				timer.Stop()
				return GenerateResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"op", r.inner.Name(),
		"attempts", r.policy.maxAttempts,
		"error", last)
	return GenerateResponse{}, last
}

var _ LLM = (*retryLLM)(nil)
