package atoll

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestApprovalGrantAndConsume(t *testing.T) {
	st := newMemStore()
	svc := NewApprovals(st)
	ctx := context.Background()

	granted, err := svc.Grant(ctx, ApprovalHostExecSudo, "main", "")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !IDIs(granted.ID, KindApproval) {
		t.Errorf("id = %q, want apr_ prefix", granted.ID)
	}
	if granted.Status != ApprovalApproved {
		t.Errorf("status = %q, want approved", granted.Status)
	}
	if granted.ExpiresAt <= granted.CreatedAt {
		t.Errorf("expires_at = %d, want after created_at %d", granted.ExpiresAt, granted.CreatedAt)
	}

	consumed, err := svc.Consume(ctx, ApprovalHostExecSudo, "main")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if consumed.ID != granted.ID {
		t.Errorf("consumed = %q, want %q", consumed.ID, granted.ID)
	}
	if consumed.Status != ApprovalConsumed {
		t.Errorf("status = %q, want consumed", consumed.Status)
	}
}

func TestApprovalSingleUse(t *testing.T) {
	st := newMemStore()
	svc := NewApprovals(st)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, ApprovalSelfUpdateApply, "main", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := svc.Consume(ctx, ApprovalSelfUpdateApply, "main"); err != nil {
		t.Fatalf("first consume: %v", err)
	}

	_, err := svc.Consume(ctx, ApprovalSelfUpdateApply, "main")
	var required *ErrApprovalRequired
	if !errors.As(err, &required) {
		t.Fatalf("second consume error = %v, want ErrApprovalRequired", err)
	}
	if required.Action != ApprovalSelfUpdateApply {
		t.Errorf("action = %q", required.Action)
	}
}

func TestApprovalUnknownActionRejected(t *testing.T) {
	st := newMemStore()
	svc := NewApprovals(st)

	if _, err := svc.Grant(context.Background(), "host.exec.rm_rf", "main", ""); err == nil {
		t.Error("unknown action should be rejected at creation")
	}
}

func TestApprovalScopedToActor(t *testing.T) {
	st := newMemStore()
	svc := NewApprovals(st)
	ctx := context.Background()

	if _, err := svc.Grant(ctx, ApprovalHostExecSystemctl, "main", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := svc.Consume(ctx, ApprovalHostExecSystemctl, "researcher"); err == nil {
		t.Error("another actor must not consume the approval")
	}
	if _, err := svc.Consume(ctx, ApprovalHostExecSystemctl, "main"); err != nil {
		t.Errorf("owner consume failed: %v", err)
	}
}

func TestApprovalExpiry(t *testing.T) {
	st := newMemStore()
	clock := int64(1_000_000)
	svc := NewApprovals(st, WithApprovalTTL(time.Minute))
	svc.now = func() int64 { return clock }
	ctx := context.Background()

	if _, err := svc.Grant(ctx, ApprovalHostExecSudo, "main", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	clock += 2 * time.Minute.Milliseconds()
	if _, err := svc.Consume(ctx, ApprovalHostExecSudo, "main"); err == nil {
		t.Error("expired approval must not be consumable")
	}

	n, err := svc.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
}

func TestApprovalConsumesOldestFirst(t *testing.T) {
	st := newMemStore()
	clock := int64(1_000_000)
	svc := NewApprovals(st, WithApprovalTTL(0))
	svc.now = func() int64 { return clock }
	ctx := context.Background()

	first, err := svc.Grant(ctx, ApprovalHostExecSudo, "main", "ref-1")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	clock += 1000
	if _, err := svc.Grant(ctx, ApprovalHostExecSudo, "main", "ref-2"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	got, err := svc.Consume(ctx, ApprovalHostExecSudo, "main")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("consumed %q, want the oldest %q", got.ID, first.ID)
	}
}

func TestApprovalDenialWritesPolicyEvent(t *testing.T) {
	st := newMemStore()
	events := NewEventWriter(st)
	svc := NewApprovals(st, WithApprovalEvents(events))

	_, err := svc.Consume(context.Background(), ApprovalHostExecSudo, "main")
	if err == nil {
		t.Fatal("expected denial")
	}

	evt := findEvent(t, st, EventPolicyDecision)
	var payload struct {
		Allowed        bool   `json:"allowed"`
		Reason         string `json:"reason"`
		RequiredAction string `json:"required_action"`
	}
	mustUnmarshal(t, evt.PayloadRaw, &payload)
	if payload.Allowed {
		t.Error("payload.allowed = true, want false")
	}
	if payload.Reason != "missing approval" {
		t.Errorf("payload.reason = %q", payload.Reason)
	}
	if payload.RequiredAction != ApprovalHostExecSudo {
		t.Errorf("payload.required_action = %q", payload.RequiredAction)
	}
}
