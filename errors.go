package atoll

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sentinel errors shared across the core. Callers branch with errors.Is.
var (
	// ErrNotFound is returned by store lookups for missing rows.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when a caller lacks the required role or
	// does not own the thread it is touching.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLockdown is returned when an admin-governed action is attempted
	// while the system is locked down. Normal conversation still proceeds.
	ErrLockdown = errors.New("lockdown active")

	// ErrConflict is returned by stores on unique-key collisions that the
	// caller is expected to treat as "someone else won" (schedule slots).
	ErrConflict = errors.New("conflict")

	// ErrThreadClosed is returned when appending to a closed thread.
	ErrThreadClosed = errors.New("thread closed")
)

// ErrLLM wraps a provider-level failure that is not plain HTTP transport.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a non-2xx response from a provider endpoint. RetryAfter is
// the parsed Retry-After header when the server sent one, else zero.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses an HTTP Retry-After header value, which is either a
// delay in integer seconds or an HTTP-date. Returns 0 when absent or invalid.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrApprovalRequired is returned by the tool runtime when a privileged
// operation has no matching unconsumed approval. Action names the entry in
// the approval namespace that would unblock it.
type ErrApprovalRequired struct {
	Action string
}

func (e *ErrApprovalRequired) Error() string {
	return "approval required: " + e.Action
}

// ErrLanesExhausted is returned by the router when both provider lanes
// failed within a single generate call. The step engine aborts without
// persisting assistant output.
type ErrLanesExhausted struct {
	PrimaryErr  error
	FallbackErr error
}

func (e *ErrLanesExhausted) Error() string {
	return fmt.Sprintf("all provider lanes failed: primary: %v; fallback: %v", e.PrimaryErr, e.FallbackErr)
}

func (e *ErrLanesExhausted) Unwrap() error { return e.FallbackErr }
