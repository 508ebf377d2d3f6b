package atoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Lane identifies which provider produced a model response.
type Lane string

const (
	LanePrimary  Lane = "primary"
	LaneFallback Lane = "fallback"
)

// Primary lane health states.
const (
	StateHealthy   = "healthy"
	StateCooldown  = "cooldown"
	StateUnhealthy = "unhealthy"
)

// DefaultQuotaCooldown applies when a quota error carries no parseable
// reset hint and no Retry-After header.
const DefaultQuotaCooldown = 5 * time.Minute

// defaultProbeTTL bounds how often health checkers are consulted.
const defaultProbeTTL = 30 * time.Second

// GenerateResult is one routed model call. Lane reflects the provider that
// produced Response. PrimaryErr is set when the primary lane was tried and
// failed, or skipped while unhealthy or cooling down.
type GenerateResult struct {
	Response   ChatResponse
	Lane       Lane
	PrimaryErr error
}

// RouterHealth is the cached probe outcome plus cooldown metadata. The step
// engine uses Primary to pick its token budget.
type RouterHealth struct {
	Primary        bool   `json:"primary"`
	Fallback       bool   `json:"fallback"`
	PrimaryState   string `json:"primary_state"`
	CooldownUntil  int64  `json:"cooldown_until,omitempty"` // unix milliseconds
	CooldownReason string `json:"cooldown_reason,omitempty"`
}

// Router presents a uniform generate contract over a primary and a fallback
// provider. The primary lane carries a small health state machine:
//
//	HEALTHY   → chosen by default
//	COOLDOWN  → entered on a quota or capacity error, left when the window
//	            expires; parsed from reset hints like "reset after 1h30m"
//	UNHEALTHY → health probe failed; skipped without retry
//
// The cooldown window is mirrored into the system state row when a
// SystemStore is attached, so a process restart does not forget it.
type Router struct {
	primary       Provider
	fallback      Provider
	primaryProbe  HealthChecker
	fallbackProbe HealthChecker

	quotaCooldown time.Duration
	probeTTL      time.Duration
	system        SystemStore
	logger        *slog.Logger
	now           func() time.Time

	mu             sync.Mutex
	restored       bool
	cooldownUntil  time.Time
	cooldownReason string
	probeAt        time.Time
	probePrimary   bool
	probeFallback  bool
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallback sets the fallback provider.
func WithFallback(p Provider) RouterOption {
	return func(r *Router) { r.fallback = p }
}

// WithPrimaryProbe sets the health checker for the primary lane. Without one
// the primary is assumed reachable.
func WithPrimaryProbe(hc HealthChecker) RouterOption {
	return func(r *Router) { r.primaryProbe = hc }
}

// WithFallbackProbe sets the health checker for the fallback lane.
func WithFallbackProbe(hc HealthChecker) RouterOption {
	return func(r *Router) { r.fallbackProbe = hc }
}

// WithQuotaCooldown sets the cooldown applied when a quota error carries no
// usable reset hint (default: 5m).
func WithQuotaCooldown(d time.Duration) RouterOption {
	return func(r *Router) { r.quotaCooldown = d }
}

// WithProbeTTL sets how long probe results are cached (default: 30s).
func WithProbeTTL(d time.Duration) RouterOption {
	return func(r *Router) { r.probeTTL = d }
}

// WithCooldownStore mirrors the primary cooldown window into the system
// state row so it survives restarts.
func WithCooldownStore(s SystemStore) RouterOption {
	return func(r *Router) { r.system = s }
}

// WithRouterLogger sets the structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a Router over the given primary provider.
func NewRouter(primary Provider, opts ...RouterOption) *Router {
	r := &Router{
		primary:       primary,
		quotaCooldown: DefaultQuotaCooldown,
		probeTTL:      defaultProbeTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Generate routes one chat call. It tries the primary lane unless it is
// cooling down or unhealthy, falls back on any primary error, and enters
// cooldown when the primary error is quota-shaped. priority is advisory and
// recorded for tracing; queue-level priority belongs to the dispatcher.
func (r *Router) Generate(ctx context.Context, req ChatRequest, priority string) (GenerateResult, error) {
	r.restoreCooldown(ctx)

	var primaryErr error
	if reason, ok := r.primaryUsable(ctx); ok {
		resp, err := r.primary.Chat(ctx, req)
		if err == nil {
			r.logger.Debug("routed to primary", "provider", r.primary.Name(), "priority", priority)
			return GenerateResult{Response: resp, Lane: LanePrimary}, nil
		}
		primaryErr = err
		if isQuotaErr(err) {
			r.enterCooldown(ctx, err)
		}
		r.logger.Warn("primary lane failed",
			"provider", r.primary.Name(),
			"quota", isQuotaErr(err),
			"error", err)
	} else {
		primaryErr = fmt.Errorf("primary skipped: %s", reason)
		r.logger.Debug("primary lane skipped", "reason", reason)
	}

	if r.fallback == nil {
		return GenerateResult{}, primaryErr
	}

	resp, err := r.fallback.Chat(ctx, req)
	if err != nil {
		return GenerateResult{}, &ErrLanesExhausted{PrimaryErr: primaryErr, FallbackErr: err}
	}
	r.logger.Debug("routed to fallback", "provider", r.fallback.Name(), "priority", priority)
	return GenerateResult{Response: resp, Lane: LaneFallback, PrimaryErr: primaryErr}, nil
}

// Health reports lane availability and cooldown metadata. Probe results are
// cached for probeTTL.
func (r *Router) Health(ctx context.Context) RouterHealth {
	r.restoreCooldown(ctx)
	r.refreshProbe(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	h := RouterHealth{
		Primary:      r.probePrimary,
		Fallback:     r.fallback != nil && r.probeFallback,
		PrimaryState: StateHealthy,
	}
	if !r.probePrimary {
		h.PrimaryState = StateUnhealthy
	}
	if r.now().Before(r.cooldownUntil) {
		h.Primary = false
		h.PrimaryState = StateCooldown
		h.CooldownUntil = r.cooldownUntil.UnixMilli()
		h.CooldownReason = r.cooldownReason
	}
	return h
}

// CooldownRemaining returns how long the primary lane stays skipped, or zero.
func (r *Router) CooldownRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.cooldownUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// primaryUsable decides whether the primary lane should be tried.
func (r *Router) primaryUsable(ctx context.Context) (reason string, ok bool) {
	r.mu.Lock()
	inCooldown := r.now().Before(r.cooldownUntil)
	r.mu.Unlock()
	if inCooldown {
		return StateCooldown, false
	}
	r.refreshProbe(ctx)
	r.mu.Lock()
	healthy := r.probePrimary
	r.mu.Unlock()
	if !healthy {
		return StateUnhealthy, false
	}
	return "", true
}

// refreshProbe re-runs health checkers when the cached result is stale.
// Lanes without a checker are assumed reachable.
func (r *Router) refreshProbe(ctx context.Context) {
	r.mu.Lock()
	stale := r.probeAt.IsZero() || r.now().Sub(r.probeAt) >= r.probeTTL
	r.mu.Unlock()
	if !stale {
		return
	}

	primaryOK := true
	if r.primaryProbe != nil {
		if err := r.primaryProbe.Healthy(ctx); err != nil {
			primaryOK = false
			r.logger.Warn("primary health probe failed", "error", err)
		}
	}
	fallbackOK := true
	if r.fallbackProbe != nil {
		if err := r.fallbackProbe.Healthy(ctx); err != nil {
			fallbackOK = false
			r.logger.Warn("fallback health probe failed", "error", err)
		}
	}

	r.mu.Lock()
	r.probeAt = r.now()
	r.probePrimary = primaryOK
	r.probeFallback = fallbackOK
	r.mu.Unlock()
}

// enterCooldown opens a cooldown window sized from the error's reset hint,
// Retry-After, or the configured default, and mirrors it to the store.
func (r *Router) enterCooldown(ctx context.Context, err error) {
	d := quotaResetDelay(err)
	if d <= 0 {
		d = r.quotaCooldown
	}
	reason := err.Error()
	if len(reason) > 200 {
		reason = reason[:200]
	}

	r.mu.Lock()
	r.cooldownUntil = r.now().Add(d)
	r.cooldownReason = reason
	until := r.cooldownUntil
	r.mu.Unlock()

	r.logger.Warn("primary lane cooling down",
		"provider", r.primary.Name(),
		"until", until,
		"cooldown", d,
		"reason", reason)
	r.persistCooldown(ctx, until.UnixMilli(), reason)
}

// restoreCooldown loads a persisted cooldown window once per process.
func (r *Router) restoreCooldown(ctx context.Context) {
	if r.system == nil {
		return
	}
	r.mu.Lock()
	if r.restored {
		r.mu.Unlock()
		return
	}
	r.restored = true
	r.mu.Unlock()

	st, err := r.system.GetSystemState(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("cooldown restore failed", "error", err)
		}
		return
	}
	if st.CooldownUntil <= r.now().UnixMilli() {
		return
	}
	r.mu.Lock()
	r.cooldownUntil = time.UnixMilli(st.CooldownUntil)
	r.cooldownReason = st.CooldownReason
	r.mu.Unlock()
	r.logger.Info("restored provider cooldown",
		"until", time.UnixMilli(st.CooldownUntil),
		"reason", st.CooldownReason)
}

// persistCooldown is best-effort; a storage error never fails the call.
func (r *Router) persistCooldown(ctx context.Context, untilMilli int64, reason string) {
	if r.system == nil {
		return
	}
	st, err := r.system.GetSystemState(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("cooldown persist failed", "error", err)
		return
	}
	st.CooldownUntil = untilMilli
	st.CooldownReason = reason
	st.UpdatedAt = r.now().UnixMilli()
	if err := r.system.PutSystemState(ctx, st); err != nil {
		r.logger.Warn("cooldown persist failed", "error", err)
	}
}

// quotaKeywords classify provider errors that should open a cooldown.
var quotaKeywords = []string{
	"quota",
	"rate limit",
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
	"capacity",
	"overloaded",
}

// isQuotaErr reports whether err is a quota or capacity signal: HTTP 429 or
// quota-indicative text anywhere in the chain.
func isQuotaErr(err error) bool {
	if err == nil {
		return false
	}
	var he *ErrHTTP
	if errors.As(err, &he) && he.Status == 429 {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, kw := range quotaKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// quotaResetRe matches reset hints like "reset after 1h30m", "resets in 5m",
// "retry in 90s", or a bare seconds count.
var quotaResetRe = regexp.MustCompile(`(?i)(?:reset|retry|try\s+again)s?\s+(?:after|in)\s+([0-9][0-9hms\. ]*)`)

// parseQuotaReset extracts a cooldown duration from quota error text.
func parseQuotaReset(text string) (time.Duration, bool) {
	m := quotaResetRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	tok := strings.ToLower(strings.ReplaceAll(m[1], " ", ""))
	tok = strings.Trim(tok, ".")
	if tok == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(tok); err == nil {
		// Bare number: treat as seconds.
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(tok)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// quotaResetDelay picks the cooldown for a quota error: Retry-After when the
// transport supplied one, else the parsed reset hint, else zero.
func quotaResetDelay(err error) time.Duration {
	if ra := retryAfterOf(err); ra > 0 {
		return ra
	}
	if d, ok := parseQuotaReset(err.Error()); ok {
		return d
	}
	return 0
}
