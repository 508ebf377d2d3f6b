package atoll

import (
	"context"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, st *memStore, rec *taskRecorder, now int64) *Scheduler {
	t.Helper()
	s := NewScheduler(st, rec, WithSchedulerEvents(NewEventWriter(st)))
	s.now = func() int64 { return now }
	return s
}

// Two back-to-back ticks over the same due window dispatch each slot exactly
// once.
func TestSchedulerTickIdempotent(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	seedThread(t, st, "thr_origin", "usr_1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	sch := Schedule{
		ID:         "sch_1",
		ThreadID:   "thr_origin",
		CronExpr:   "@every:60",
		Payload:    "compile the daily report",
		Enabled:    true,
		CreatedAt:  now - 400_000,
		LastRunAt:  now - 180_000,
		MaxCatchup: 3,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	rec := &taskRecorder{}
	s := newTestScheduler(t, st, rec, now)

	n, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if n != 3 {
		t.Fatalf("first tick dispatched %d, want 3", n)
	}

	// A racing process that missed the watermark update recomputes the same
	// slots; the unique dispatch rows turn it into a no-op.
	if err := st.UpdateScheduleRun(ctx, "sch_1", now-180_000); err != nil {
		t.Fatalf("rewind watermark: %v", err)
	}
	n, err = s.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n != 0 {
		t.Errorf("second tick dispatched %d, want 0", n)
	}

	rows, err := st.ListDispatches(ctx, "sch_1")
	if err != nil {
		t.Fatalf("dispatches: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("dispatch rows = %d, want 3", len(rows))
	}
	want := []int64{now - 120_000, now - 60_000, now}
	for i, due := range rows {
		if due != want[i] {
			t.Errorf("row[%d] = %d, want %d", i, due, want[i])
		}
	}
}

func TestSchedulerDispatchCreatesIsolatedThread(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	seedThread(t, st, "thr_origin", "usr_1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	sch := Schedule{
		ID:        "sch_1",
		ThreadID:  "thr_origin",
		CronExpr:  "@every:60",
		Payload:   "water the plants",
		Enabled:   true,
		CreatedAt: now - 400_000,
		LastRunAt: now - 60_000,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	rec := &taskRecorder{}
	s := newTestScheduler(t, st, rec, now)
	if _, err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	tasks := rec.sent()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Name != TaskAgentStep || task.Queue != QueueAgentDefault {
		t.Errorf("task = %s on %s, want agent_step on agent_default", task.Name, task.Queue)
	}
	threadID := StringKwarg(task.Kwargs, "thread_id")
	if threadID == "" || threadID == "thr_origin" {
		t.Fatalf("thread_id = %q, want a fresh isolated thread", threadID)
	}
	if StringKwarg(task.Kwargs, "actor_id") != "main" {
		t.Errorf("actor_id = %q, want main", StringKwarg(task.Kwargs, "actor_id"))
	}

	spawned, err := st.GetThread(ctx, threadID)
	if err != nil {
		t.Fatalf("spawned thread: %v", err)
	}
	if spawned.UserID != "usr_1" {
		t.Errorf("spawned thread owner = %q, want the origin owner", spawned.UserID)
	}

	msgs, err := st.TailMessages(ctx, threadID, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "water the plants" {
		t.Errorf("seed message = %+v, want the payload as a user message", msgs)
	}
	if msgs[0].ID != StringKwarg(task.Kwargs, "message_id") {
		t.Errorf("task message_id = %q, want %q", StringKwarg(task.Kwargs, "message_id"), msgs[0].ID)
	}

	// The watermark advanced to the dispatched slot.
	got, err := st.GetSchedule(ctx, "sch_1")
	if err != nil {
		t.Fatalf("reload schedule: %v", err)
	}
	if got.LastRunAt != now {
		t.Errorf("last_run_at = %d, want %d", got.LastRunAt, now)
	}

	evt := findEvent(t, st, EventScheduleDue)
	if evt.ThreadID != threadID {
		t.Errorf("event thread_id = %q, want %q", evt.ThreadID, threadID)
	}
}

func TestSchedulerNoThreadEmitsError(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	sch := Schedule{
		ID:        "sch_1",
		CronExpr:  "@every:60",
		Payload:   "orphan",
		Enabled:   true,
		CreatedAt: now - 400_000,
		LastRunAt: now - 60_000,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	rec := &taskRecorder{}
	s := newTestScheduler(t, st, rec, now)
	n, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 0 {
		t.Errorf("dispatched = %d, want 0", n)
	}
	if len(rec.sent()) != 0 {
		t.Errorf("tasks sent = %d, want 0", len(rec.sent()))
	}
	findEvent(t, st, EventScheduleError)

	rows, _ := st.ListDispatches(ctx, "sch_1")
	if len(rows) != 0 {
		t.Errorf("dispatch rows = %d, want 0", len(rows))
	}
}

func TestSchedulerUnparseableExprEmitsError(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	seedThread(t, st, "thr_origin", "usr_1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	sch := Schedule{
		ID:        "sch_1",
		ThreadID:  "thr_origin",
		CronExpr:  "whenever",
		Enabled:   true,
		CreatedAt: now,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	s := newTestScheduler(t, st, &taskRecorder{}, now)
	if n, err := s.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("tick = (%d, %v), want (0, nil)", n, err)
	}
	findEvent(t, st, EventScheduleError)
}

func TestSchedulerSkipsPreclaimedSlot(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	seedThread(t, st, "thr_origin", "usr_1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	sch := Schedule{
		ID:         "sch_1",
		ThreadID:   "thr_origin",
		CronExpr:   "@every:60",
		Payload:    "ping",
		Enabled:    true,
		CreatedAt:  now - 400_000,
		LastRunAt:  now - 180_000,
		MaxCatchup: 3,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	// Another process already owns the first slot.
	if ok, err := st.TryClaimDispatch(ctx, "sch_1", now-120_000); err != nil || !ok {
		t.Fatalf("preclaim: ok=%v err=%v", ok, err)
	}

	rec := &taskRecorder{}
	s := newTestScheduler(t, st, rec, now)
	n, err := s.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 2 {
		t.Errorf("dispatched = %d, want 2", n)
	}
	rows, _ := st.ListDispatches(ctx, "sch_1")
	if len(rows) != 3 {
		t.Errorf("dispatch rows = %d, want 3", len(rows))
	}
}

func TestSchedulerBacklog(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	seedThread(t, st, "thr_origin", "usr_1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	sch := Schedule{
		ID:         "sch_1",
		ThreadID:   "thr_origin",
		CronExpr:   "@every:60",
		Enabled:    true,
		CreatedAt:  now - 700_000,
		LastRunAt:  now - 600_000, // 10 slots behind
		MaxCatchup: 3,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	s := newTestScheduler(t, st, &taskRecorder{}, now)
	report, err := s.Backlog(ctx)
	if err != nil {
		t.Fatalf("Backlog: %v", err)
	}
	if report.DispatchableTotal != 3 || report.DeferredTotal != 7 {
		t.Errorf("report = %+v, want {3 7}", report)
	}
}

func TestSchedulerDisabledSchedulesIgnored(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	seedThread(t, st, "thr_origin", "usr_1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	sch := Schedule{
		ID:        "sch_1",
		ThreadID:  "thr_origin",
		CronExpr:  "@every:60",
		Enabled:   false,
		CreatedAt: now - 400_000,
		LastRunAt: now - 180_000,
	}
	if err := st.CreateSchedule(ctx, sch); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	s := newTestScheduler(t, st, &taskRecorder{}, now)
	if n, err := s.Tick(ctx); err != nil || n != 0 {
		t.Errorf("tick = (%d, %v), want (0, nil)", n, err)
	}
}
