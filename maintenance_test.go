package atoll

import (
	"context"
	"testing"
	"time"
)

func seedMemory(t *testing.T, st *memStore, threadID, text string, createdAt int64) MemoryItem {
	t.Helper()
	item := MemoryItem{
		ID:        NewID(KindMemory),
		ThreadID:  threadID,
		Text:      text,
		CreatedAt: createdAt,
	}
	if err := st.InsertMemory(context.Background(), item); err != nil {
		t.Fatalf("insert memory: %v", err)
	}
	return item
}

func TestMaintenancePrunesOldMemories(t *testing.T) {
	st := newMemStore()
	clock := int64(200 * 24 * time.Hour / time.Millisecond)
	old := seedMemory(t, st, "thr_1", "ancient fact", clock-(DefaultRetentionDays+1)*24*time.Hour.Milliseconds())
	fresh := seedMemory(t, st, "thr_1", "recent fact", clock-time.Hour.Milliseconds())

	m := NewMaintainer(st, withMaintainerClock(func() int64 { return clock }))
	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.PrunedMemories != 1 {
		t.Errorf("pruned = %d, want 1", report.PrunedMemories)
	}

	got, err := st.MemoriesByIDs(context.Background(), []string{old.ID, fresh.ID})
	if err != nil {
		t.Fatalf("MemoriesByIDs: %v", err)
	}
	if len(got) != 1 || got[0].ID != fresh.ID {
		t.Errorf("surviving memories = %+v", got)
	}
}

func TestMaintenanceRetentionDisabled(t *testing.T) {
	st := newMemStore()
	clock := int64(200 * 24 * time.Hour / time.Millisecond)
	seedMemory(t, st, "thr_1", "ancient fact", 1)

	m := NewMaintainer(st,
		WithRetention(0),
		withMaintainerClock(func() int64 { return clock }))
	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.PrunedMemories != 0 {
		t.Errorf("pruned = %d, want 0", report.PrunedMemories)
	}
}

func TestMaintenanceDedupesMemories(t *testing.T) {
	st := newMemStore()
	now := NowMilli()
	seedMemory(t, st, "thr_1", "the deploy target is fly.io", now)
	seedMemory(t, st, "thr_1", "the deploy target is fly.io", now+5)
	seedMemory(t, st, "thr_2", "the deploy target is fly.io", now+10)

	m := NewMaintainer(st)
	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.DedupedMemories != 1 {
		t.Errorf("deduped = %d, want 1 (different threads are distinct)", report.DedupedMemories)
	}
}

func TestMaintenanceExpiresApprovals(t *testing.T) {
	st := newMemStore()
	clock := int64(1_000_000)
	approvals := NewApprovals(st, WithApprovalTTL(time.Minute))
	approvals.now = func() int64 { return clock }
	ctx := context.Background()
	if _, err := approvals.Grant(ctx, ApprovalHostExecSudo, "main", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	clock += 2 * time.Minute.Milliseconds()

	m := NewMaintainer(st,
		WithMaintainerApprovals(approvals),
		withMaintainerClock(func() int64 { return clock }))
	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ExpiredApprovals != 1 {
		t.Errorf("expired = %d, want 1", report.ExpiredApprovals)
	}
}

func TestMaintenanceDemotesStaleActiveItems(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	clock := int64(100 * 24 * time.Hour / time.Millisecond)
	staleAt := clock - (staleActiveAfter + 24*time.Hour).Milliseconds()

	put := func(uid string, item StateItem) {
		item.UID = uid
		item.ThreadID = "thr_1"
		item.Type = StateDecision
		if item.Status == "" {
			item.Status = StatusActive
		}
		if err := st.PutStateItem(ctx, item); err != nil {
			t.Fatalf("put %s: %v", uid, err)
		}
	}
	put("stale1", StateItem{Text: "use postgres", Confidence: ConfidenceHigh, LastSeenAt: staleAt, CreatedAt: staleAt, Tier: TierWorking})
	put("pinned1", StateItem{Text: "never push to main", Confidence: ConfidenceHigh, Pinned: true, LastSeenAt: staleAt, CreatedAt: staleAt, Tier: TierProcedural})
	put("fresh1", StateItem{Text: "ship on friday", Confidence: ConfidenceMedium, LastSeenAt: clock - 1000, CreatedAt: clock - 1000, Tier: TierWorking})

	m := NewMaintainer(st, withMaintainerClock(func() int64 { return clock }))
	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.DemotedItems != 1 {
		t.Errorf("demoted = %d, want 1", report.DemotedItems)
	}

	stale, err := st.GetStateItem(ctx, "stale1", "thr_1")
	if err != nil || stale.Confidence != ConfidenceLow {
		t.Errorf("stale item confidence = %q err=%v", stale.Confidence, err)
	}
	if stale.Status != StatusActive {
		t.Errorf("demotion changed status to %q", stale.Status)
	}
	pinned, _ := st.GetStateItem(ctx, "pinned1", "thr_1")
	if pinned.Confidence != ConfidenceHigh {
		t.Errorf("pinned item demoted to %q", pinned.Confidence)
	}
	fresh, _ := st.GetStateItem(ctx, "fresh1", "thr_1")
	if fresh.Confidence != ConfidenceMedium {
		t.Errorf("fresh item demoted to %q", fresh.Confidence)
	}
}

func TestMaintenanceRetiersAcrossThreads(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	now := NowMilli()
	for _, threadID := range []string{"thr_1", "thr_2"} {
		item := StateItem{
			UID:         "hot-" + threadID,
			ThreadID:    threadID,
			Text:        "frequently used decision",
			Type:        StateDecision,
			Status:      StatusActive,
			Confidence:  ConfidenceHigh,
			Tier:        TierWorking,
			AccessCount: 25,
			LastSeenAt:  now,
			CreatedAt:   now,
		}
		if err := st.PutStateItem(ctx, item); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	state := NewStateService(st, nil)
	m := NewMaintainer(st, WithMaintainerState(state))
	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RetieredItems != 2 {
		t.Errorf("retiered = %d, want 2", report.RetieredItems)
	}
	for _, threadID := range []string{"thr_1", "thr_2"} {
		item, err := st.GetStateItem(ctx, "hot-"+threadID, threadID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item.Tier != TierSemantic {
			t.Errorf("%s tier = %q, want semantic_longterm", threadID, item.Tier)
		}
	}
}

func TestMaintenanceBackfillsEventEmbeddings(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	ev := NewEventWriter(st)
	for i := 0; i < 3; i++ {
		ev.Emit(ctx, Event{Type: EventToolCallEnd, Component: "tools", ActorType: "agent", ActorID: "main",
			PayloadRaw: Payload(map[string]any{"tool": "echo", "ok": true})})
	}

	emb := &countingEmbedder{name: "test-embed", dims: 4}
	m := NewMaintainer(st, WithMaintainerEmbedder(emb))
	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.BackfilledEvents != 3 {
		t.Errorf("backfilled = %d, want 3", report.BackfilledEvents)
	}

	left, err := st.EventsWithoutEmbedding(ctx, 10)
	if err != nil {
		t.Fatalf("EventsWithoutEmbedding: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d events still missing embeddings", len(left))
	}

	// A second pass finds nothing to do.
	report, err = m.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.BackfilledEvents != 0 {
		t.Errorf("second pass backfilled = %d", report.BackfilledEvents)
	}
}

func TestMaintenanceBackfillHonorsLimit(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	ev := NewEventWriter(st)
	for i := 0; i < 5; i++ {
		ev.Emit(ctx, Event{Type: EventStepStart, Component: "engine", ActorType: "agent", ActorID: "main"})
	}

	emb := &countingEmbedder{name: "test-embed", dims: 4}
	m := NewMaintainer(st,
		WithMaintainerEmbedder(emb),
		WithBackfillLimit(2))
	report, err := m.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.BackfilledEvents != 2 {
		t.Errorf("backfilled = %d, want 2", report.BackfilledEvents)
	}
	left, _ := st.EventsWithoutEmbedding(ctx, 10)
	if len(left) != 3 {
		t.Errorf("remaining = %d, want 3", len(left))
	}
}

func TestMaintenanceContinuesPastFailures(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	ev := NewEventWriter(st)
	ev.Emit(ctx, Event{Type: EventStepStart, Component: "engine", ActorType: "agent", ActorID: "main"})
	now := NowMilli()
	seedMemory(t, st, "thr_1", "dupe", now)
	seedMemory(t, st, "thr_1", "dupe", now+1)

	emb := &countingEmbedder{name: "down", dims: 4, err: errProviderDown}
	m := NewMaintainer(st, WithMaintainerEmbedder(emb))
	report, err := m.Run(ctx)
	if err == nil {
		t.Fatal("want joined error from failing backfill")
	}
	if report.DedupedMemories != 1 {
		t.Errorf("dedupe did not run before the failure: %+v", report)
	}
}
