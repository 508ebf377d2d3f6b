package atoll

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Requests are blocked until the rate budget allows them to proceed.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	rpm       int
	rpmWindow window[struct{}]

	tpm       int
	tpmWindow window[int]
}

// window is a sliding one-minute record of stamped values.
type window[T any] struct {
	entries []windowEntry[T]
}

type windowEntry[T any] struct {
	at time.Time
	v  T
}

func (w *window[T]) add(at time.Time, v T) {
	w.entries = append(w.entries, windowEntry[T]{at: at, v: v})
}

// prune drops entries older than cutoff. Entries are appended in time
// order, so a prefix scan suffices.
func (w *window[T]) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]
}

// oldest returns the timestamp of the oldest entry and whether one exists.
func (w *window[T]) oldest() (time.Time, bool) {
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0].at, true
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from ChatResponse.Usage after each request.
// This is a soft limit: the request that exceeds the budget completes,
// but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose with other wrappers:
//
//	chatLLM = atoll.WithRateLimit(provider, atoll.RPM(60))
//	chatLLM = atoll.WithRateLimit(provider, atoll.RPM(60), atoll.TPM(100000))
//	chatLLM = atoll.WithRateLimit(atoll.WithRetry(provider), atoll.RPM(60))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

// Healthy delegates to the inner provider's probe when it has one; probes
// do not consume request budget.
func (r *rateLimitProvider) Healthy(ctx context.Context) error {
	if hc, ok := r.inner.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return nil
}

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		wait, ok := r.tryAcquire()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records a request slot when both budgets permit one, or
// returns the duration until the blocking window next slides.
func (r *rateLimitProvider) tryAcquire() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	r.rpmWindow.prune(cutoff)
	r.tpmWindow.prune(cutoff)

	rpmOK := r.rpm <= 0 || len(r.rpmWindow.entries) < r.rpm

	tpmOK := true
	if r.tpm > 0 {
		var total int
		for _, e := range r.tpmWindow.entries {
			total += e.v
		}
		tpmOK = total < r.tpm
	}

	if rpmOK && tpmOK {
		if r.rpm > 0 {
			r.rpmWindow.add(now, struct{}{})
		}
		return 0, true
	}

	var wait time.Duration
	if !rpmOK {
		if at, ok := r.rpmWindow.oldest(); ok {
			wait = at.Add(time.Minute).Sub(now)
		}
	}
	if !tpmOK {
		if at, ok := r.tpmWindow.oldest(); ok {
			if w := at.Add(time.Minute).Sub(now); wait == 0 || w < wait {
				wait = w
			}
		}
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return wait, false
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow.add(time.Now(), total)
	r.mu.Unlock()
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
