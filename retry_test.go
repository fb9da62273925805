package polos

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) retryPolicy {
	return retryPolicy{maxAttempts: attempts, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
}

func TestRetryBackoffBounds(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	for i := 0; i < 8; i++ {
		d := retryBackoff(base, max, i)
		if d < base {
			t.Errorf("retry %d: delay %v below base", i, d)
		}
		if d > max {
			t.Errorf("retry %d: delay %v above cap", i, d)
		}
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	p := retryPolicy{baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}

	err := &ErrAPI{Status: 429, RetryAfter: 3 * time.Second}
	if d := retryDelay(p, 0, err); d != 3*time.Second {
		t.Errorf("delay = %v, want the server's Retry-After", d)
	}

	// Without Retry-After, the backoff applies.
	if d := retryDelay(p, 0, &ErrAPI{Status: 500}); d > 10*time.Millisecond {
		t.Errorf("delay = %v, want capped backoff", d)
	}
}

func TestRetryCallTransient(t *testing.T) {
	calls := 0
	got, err := retryCall(context.Background(), fastRetry(4), "op", NopLogger(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &ErrAPI{Status: 503, Body: "unavailable"}
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryCallNonTransient(t *testing.T) {
	calls := 0
	_, err := retryCall(context.Background(), fastRetry(4), "op", NopLogger(), func() (string, error) {
		calls++
		return "", &ErrAPI{Status: 400, Body: "bad request"}
	})
	if err == nil || calls != 1 {
		t.Errorf("non-transient should fail immediately: calls = %d, err = %v", calls, err)
	}
}

func TestRetryCallExhausted(t *testing.T) {
	calls := 0
	_, err := retryCall(context.Background(), fastRetry(3), "op", NopLogger(), func() (string, error) {
		calls++
		return "", &ErrLLM{Provider: "openai", Status: 500, Message: "boom"}
	})
	var lerr *ErrLLM
	if !errors.As(err, &lerr) {
		t.Fatalf("expected the last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryCallContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := retryCall(ctx, retryPolicy{maxAttempts: 3, baseDelay: time.Minute, maxDelay: time.Minute}, "op", NopLogger(), func() (string, error) {
		return "", &ErrAPI{Status: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// flakyLLM fails n times, then succeeds.
type flakyLLM struct {
	failures int
	calls    int
	status   int
	deltas   []string
}

func (f *flakyLLM) Name() string { return "flaky" }

func (f *flakyLLM) Generate(_ context.Context, _ GenerateRequest) (GenerateResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return GenerateResponse{}, &ErrLLM{Provider: "flaky", Status: f.status, Message: "try again"}
	}
	return GenerateResponse{Content: "recovered"}, nil
}

func (f *flakyLLM) GenerateStream(_ context.Context, _ GenerateRequest, ch chan<- string) (GenerateResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return GenerateResponse{}, &ErrLLM{Provider: "flaky", Status: f.status, Message: "try again"}
	}
	var all string
	for _, d := range f.deltas {
		ch <- d
		all += d
	}
	return GenerateResponse{Content: all}, nil
}

func TestWithRetryGenerate(t *testing.T) {
	inner := &flakyLLM{failures: 2, status: 429}
	llm := WithRetry(inner, RetryMaxAttempts(4), RetryBaseDelay(time.Millisecond), RetryMaxDelay(2*time.Millisecond))

	resp, err := llm.Generate(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" || inner.calls != 3 {
		t.Errorf("content = %q, calls = %d", resp.Content, inner.calls)
	}
	if llm.Name() != "flaky" {
		t.Errorf("Name = %q", llm.Name())
	}
}

func TestWithRetryGenerateNonTransient(t *testing.T) {
	inner := &flakyLLM{failures: 5, status: 401}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := llm.Generate(context.Background(), GenerateRequest{})
	if err == nil || inner.calls != 1 {
		t.Errorf("auth errors must not retry: calls = %d, err = %v", inner.calls, err)
	}
}

func TestWithRetryStreamBeforeFirstDelta(t *testing.T) {
	inner := &flakyLLM{failures: 1, status: 503, deltas: []string{"he", "llo"}}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond), RetryMaxDelay(2*time.Millisecond))

	ch := make(chan string, 16)
	resp, err := llm.GenerateStream(context.Background(), GenerateRequest{}, ch)
	if err != nil {
		t.Fatal(err)
	}
	close(ch)
	var got string
	for d := range ch {
		got += d
	}
	if got != "hello" || resp.Content != "hello" {
		t.Errorf("streamed %q, final %q", got, resp.Content)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
}

// midStreamFailLLM emits one delta, then fails.
type midStreamFailLLM struct{ calls int }

func (m *midStreamFailLLM) Name() string { return "midfail" }
func (m *midStreamFailLLM) Generate(_ context.Context, _ GenerateRequest) (GenerateResponse, error) {
	return GenerateResponse{}, nil
}
func (m *midStreamFailLLM) GenerateStream(_ context.Context, _ GenerateRequest, ch chan<- string) (GenerateResponse, error) {
	m.calls++
	ch <- "partial"
	return GenerateResponse{}, &ErrLLM{Provider: "midfail", Status: 500, Message: "died mid-stream"}
}

func TestWithRetryStreamAfterDeltaFailsThrough(t *testing.T) {
	inner := &midStreamFailLLM{}
	llm := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	ch := make(chan string, 16)
	_, err := llm.GenerateStream(context.Background(), GenerateRequest{}, ch)
	if err == nil {
		t.Fatal("expected the mid-stream error to pass through")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d; retrying after deltas would duplicate content", inner.calls)
	}
}
