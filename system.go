package atoll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Lockdown trips automatically when health counters cross these thresholds.
// Conversation keeps working under lockdown; only privileged surfaces
// (host exec, self-update, /restart) are refused until /unlock.
const (
	readyzLockdownStreak   = 3
	rollbackLockdownCount  = 2
	rollbackWindow         = 24 * time.Hour
	hostExecLockdownStreak = 5
)

// System owns the system_state singleton: lockdown transitions, the restart
// flag, and the failure counters reported by the health probe, the
// self-update flow, and the host tool. Counter updates are read-modify-write
// under a process-local mutex; the row itself is last-writer-wins.
type System struct {
	store  SystemStore
	events *EventWriter
	logger *slog.Logger
	now    func() int64

	mu sync.Mutex
}

type SystemOption func(*System)

func WithSystemEvents(w *EventWriter) SystemOption {
	return func(s *System) { s.events = w }
}

func WithSystemLogger(l *slog.Logger) SystemOption {
	return func(s *System) { s.logger = l }
}

func withSystemClock(now func() int64) SystemOption {
	return func(s *System) { s.now = now }
}

func NewSystem(store SystemStore, opts ...SystemOption) *System {
	s := &System{
		store:  store,
		logger: nopLogger,
		now:    NowMilli,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current singleton. A missing row reads as the zero state.
func (s *System) State(ctx context.Context) (SystemState, error) {
	return s.store.GetSystemState(ctx)
}

// Guard returns ErrLockdown (with the recorded reason) when lockdown is
// active. Privileged operations call this before doing anything.
func (s *System) Guard(ctx context.Context) error {
	state, err := s.store.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	if !state.Lockdown {
		return nil
	}
	if state.LockdownReason != "" {
		return fmt.Errorf("%w: %s", ErrLockdown, state.LockdownReason)
	}
	return ErrLockdown
}

// ReportReadyz records one readiness probe result. A passing probe resets
// the streak; three consecutive failures trip lockdown.
func (s *System) ReportReadyz(ctx context.Context, ok bool) (SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetSystemState(ctx)
	if err != nil {
		return SystemState{}, fmt.Errorf("read system state: %w", err)
	}
	if ok {
		state.ReadyzFailStreak = 0
	} else {
		state.ReadyzFailStreak++
		if state.ReadyzFailStreak >= readyzLockdownStreak {
			s.trip(ctx, &state, fmt.Sprintf("readiness probe failed %d times", state.ReadyzFailStreak))
		}
	}
	return state, s.put(ctx, state)
}

// ReportRollback records one self-update rollback. Two rollbacks inside the
// window trip lockdown; a rollback outside the window starts a new count.
func (s *System) ReportRollback(ctx context.Context) (SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetSystemState(ctx)
	if err != nil {
		return SystemState{}, fmt.Errorf("read system state: %w", err)
	}
	now := s.now()
	if state.LastRollbackAt == 0 || now-state.LastRollbackAt > rollbackWindow.Milliseconds() {
		state.RollbackCount = 1
	} else {
		state.RollbackCount++
	}
	state.LastRollbackAt = now
	state.Restarting = false
	if state.RollbackCount >= rollbackLockdownCount {
		s.trip(ctx, &state, fmt.Sprintf("%d self-update rollbacks within %s", state.RollbackCount, rollbackWindow))
	}
	return state, s.put(ctx, state)
}

// ReportHostExec records one host command outcome. Five consecutive failures
// trip lockdown; any success resets the streak.
func (s *System) ReportHostExec(ctx context.Context, ok bool) (SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetSystemState(ctx)
	if err != nil {
		return SystemState{}, fmt.Errorf("read system state: %w", err)
	}
	if ok {
		state.HostExecFailStreak = 0
	} else {
		state.HostExecFailStreak++
		state.LastHostExecFailAt = s.now()
		if state.HostExecFailStreak >= hostExecLockdownStreak {
			s.trip(ctx, &state, fmt.Sprintf("host exec failed %d times in a row", state.HostExecFailStreak))
		}
	}
	return state, s.put(ctx, state)
}

// BeginRestart sets the restarting flag for the self-update flow. Refused
// under lockdown.
func (s *System) BeginRestart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	if state.Lockdown {
		if state.LockdownReason != "" {
			return fmt.Errorf("%w: %s", ErrLockdown, state.LockdownReason)
		}
		return ErrLockdown
	}
	state.Restarting = true
	return s.put(ctx, state)
}

// MarkStarted is called once the process is serving again after a restart:
// it clears the restarting flag and the readiness streak. Lockdown and the
// rollback history survive restarts.
func (s *System) MarkStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.store.GetSystemState(ctx)
	if err != nil {
		return fmt.Errorf("read system state: %w", err)
	}
	state.Restarting = false
	state.ReadyzFailStreak = 0
	return s.put(ctx, state)
}

func (s *System) trip(ctx context.Context, state *SystemState, reason string) {
	if state.Lockdown {
		return
	}
	state.Lockdown = true
	state.LockdownReason = reason
	s.logger.Warn("entering lockdown", "reason", reason)
	if s.events != nil {
		s.events.Emit(ctx, Event{
			Type:      EventSystemLockdown,
			Component: "system",
			ActorType: "system",
			ActorID:   "system",
			PayloadRaw: Payload(map[string]any{
				"reason":                reason,
				"readyz_fail_streak":    state.ReadyzFailStreak,
				"rollback_count":        state.RollbackCount,
				"host_exec_fail_streak": state.HostExecFailStreak,
			}),
		})
	}
}

func (s *System) put(ctx context.Context, state SystemState) error {
	state.UpdatedAt = s.now()
	if err := s.store.PutSystemState(ctx, state); err != nil {
		return fmt.Errorf("write system state: %w", err)
	}
	return nil
}
