package atoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Approval action namespace. The set is closed: granting an unknown action
// is rejected outright so a typo can never mint a usable approval.
const (
	ApprovalHostExecSudo          = "host.exec.sudo"
	ApprovalHostExecSystemctl     = "host.exec.systemctl"
	ApprovalHostExecProtectedPath = "host.exec.protected_path"
	ApprovalSelfUpdateApply       = "selfupdate.apply"
)

var approvalActions = map[string]bool{
	ApprovalHostExecSudo:          true,
	ApprovalHostExecSystemctl:     true,
	ApprovalHostExecProtectedPath: true,
	ApprovalSelfUpdateApply:       true,
}

// KnownApprovalAction reports whether action is part of the namespace.
func KnownApprovalAction(action string) bool {
	return approvalActions[action]
}

// DefaultApprovalTTL is how long a granted approval stays usable.
const DefaultApprovalTTL = 10 * time.Minute

// Approvals grants and consumes single-use approvals for privileged
// operations. Consumption is atomic at the store layer: of two racing
// consumers, exactly one gets the approval.
type Approvals struct {
	store  ApprovalStore
	events *EventWriter
	logger *slog.Logger
	now    func() int64
	ttl    time.Duration
}

// ApprovalsOption configures an Approvals service.
type ApprovalsOption func(*Approvals)

// WithApprovalTTL overrides the expiry window for new grants. Zero disables
// expiry.
func WithApprovalTTL(d time.Duration) ApprovalsOption {
	return func(a *Approvals) { a.ttl = d }
}

// WithApprovalEvents wires the audit event writer. Policy decisions (both
// allowed and denied) are recorded there.
func WithApprovalEvents(w *EventWriter) ApprovalsOption {
	return func(a *Approvals) { a.events = w }
}

// WithApprovalLogger sets the structured logger.
func WithApprovalLogger(l *slog.Logger) ApprovalsOption {
	return func(a *Approvals) { a.logger = l }
}

// NewApprovals creates the approval service.
func NewApprovals(store ApprovalStore, opts ...ApprovalsOption) *Approvals {
	a := &Approvals{store: store, now: NowMilli, ttl: DefaultApprovalTTL}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// Grant creates a single-use approval for an actor to perform action.
// TargetRef optionally pins the approval to one object (a file path, a unit
// name). Unknown actions are rejected.
func (a *Approvals) Grant(ctx context.Context, action, actorID, targetRef string) (Approval, error) {
	if !KnownApprovalAction(action) {
		return Approval{}, fmt.Errorf("unknown approval action %q", action)
	}
	if actorID == "" {
		return Approval{}, fmt.Errorf("grant approval: empty actor")
	}
	now := a.now()
	rec := Approval{
		ID:        NewID(KindApproval),
		Action:    action,
		ActorID:   actorID,
		Status:    ApprovalApproved,
		TargetRef: targetRef,
		CreatedAt: now,
	}
	if a.ttl > 0 {
		rec.ExpiresAt = now + a.ttl.Milliseconds()
	}
	if err := a.store.CreateApproval(ctx, rec); err != nil {
		return Approval{}, fmt.Errorf("create approval: %w", err)
	}
	a.logger.Info("approval granted", "action", action, "actor_id", actorID, "approval_id", rec.ID)
	return rec, nil
}

// Consume spends the oldest usable approval for (action, actorID) and
// returns it. When none exists the denial is written to the audit log and
// ErrApprovalRequired comes back; the caller refuses the operation.
func (a *Approvals) Consume(ctx context.Context, action, actorID string) (Approval, error) {
	rec, err := a.store.ConsumeApproval(ctx, action, actorID, a.now())
	if errors.Is(err, ErrNotFound) {
		a.emit(ctx, actorID, map[string]any{
			"allowed":         false,
			"reason":          "missing approval",
			"required_action": action,
		})
		return Approval{}, &ErrApprovalRequired{Action: action}
	}
	if err != nil {
		return Approval{}, fmt.Errorf("consume approval: %w", err)
	}
	a.emit(ctx, actorID, map[string]any{
		"allowed":     true,
		"action":      action,
		"approval_id": rec.ID,
	})
	return rec, nil
}

// ExpireDue flips approvals past their expiry to expired. The maintenance
// pass calls this periodically. Returns how many records changed.
func (a *Approvals) ExpireDue(ctx context.Context) (int, error) {
	n, err := a.store.ExpireApprovals(ctx, a.now())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	if n > 0 {
		a.logger.Info("approvals expired", "count", n)
	}
	return n, nil
}

func (a *Approvals) emit(ctx context.Context, actorID string, payload map[string]any) {
	if a.events == nil {
		return
	}
	a.events.Emit(ctx, Event{
		Type:       EventPolicyDecision,
		Component:  "approvals",
		ActorType:  "agent",
		ActorID:    actorID,
		PayloadRaw: Payload(payload),
	})
}
