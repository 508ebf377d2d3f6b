package atoll

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SchedulerBackend is the store surface the scheduler needs.
type SchedulerBackend interface {
	ScheduleStore
	ThreadStore
	MessageStore
}

// Scheduler fires time-triggered schedules with bounded catch-up and
// at-most-once dispatch per (schedule, slot). Each due slot spawns an
// isolated thread seeded with the schedule's payload as a user message and
// enqueues an agent_step task for it. Multiple scheduler processes may run
// concurrently; the schedule_dispatches unique key arbitrates so exactly one
// wins each slot.
type Scheduler struct {
	store      SchedulerBackend
	tasks      TaskSender
	events     *EventWriter
	logger     *slog.Logger
	interval   time.Duration
	maxCatchup int
	actorID    string
	now        func() int64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerInterval sets the polling interval. Default: 1 minute.
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithSchedulerCatchup sets the default per-schedule catch-up cap.
func WithSchedulerCatchup(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxCatchup = n }
}

// WithSchedulerEvents wires the audit event writer.
func WithSchedulerEvents(w *EventWriter) SchedulerOption {
	return func(s *Scheduler) { s.events = w }
}

// WithSchedulerActor sets the actor dispatched steps run as. Default "main".
func WithSchedulerActor(actorID string) SchedulerOption {
	return func(s *Scheduler) { s.actorID = actorID }
}

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler. tasks may be nil, in which case due
// slots still create their thread and seed message but no step is enqueued.
func NewScheduler(store SchedulerBackend, tasks TaskSender, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:      store,
		tasks:      tasks,
		interval:   time.Minute,
		maxCatchup: DefaultMaxCatchup,
		actorID:    "main",
		now:        NowMilli,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Start begins the polling loop. Blocks until ctx is cancelled. Returns nil
// on clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// Tick performs one poll cycle over all enabled schedules. Returns how many
// slots this tick dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}
	now := s.now()
	dispatched := 0
	for _, sch := range schedules {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		dispatched += s.runSchedule(ctx, sch, now)
	}
	return dispatched, nil
}

// runSchedule claims and dispatches the due slots of one schedule.
func (s *Scheduler) runSchedule(ctx context.Context, sch Schedule, now int64) int {
	if sch.ThreadID == "" {
		s.emitError(ctx, sch, "schedule has no thread")
		return 0
	}
	slots, _, err := DueSlots(sch, now, s.maxCatchup)
	if err != nil {
		s.emitError(ctx, sch, err.Error())
		return 0
	}
	if len(slots) == 0 {
		return 0
	}
	origin, err := s.store.GetThread(ctx, sch.ThreadID)
	if err != nil {
		s.emitError(ctx, sch, "origin thread: "+err.Error())
		return 0
	}

	count := 0
	var advance int64
	for _, slot := range slots {
		claimed, err := s.store.TryClaimDispatch(ctx, sch.ID, slot)
		if err != nil {
			s.emitError(ctx, sch, "claim slot: "+err.Error())
			break
		}
		// Losing the claim means a prior tick owns the slot; either way it
		// is handled and the watermark may move past it.
		advance = slot
		if !claimed {
			continue
		}
		if err := s.dispatch(ctx, sch, origin, slot); err != nil {
			s.emitError(ctx, sch, err.Error())
			continue
		}
		count++
	}

	if advance > sch.LastRunAt {
		if err := s.store.UpdateScheduleRun(ctx, sch.ID, advance); err != nil {
			s.logger.Warn("schedule watermark update failed", "schedule_id", sch.ID, "error", err)
		}
	}
	return count
}

// dispatch creates the isolated thread for one slot, seeds it with the
// schedule payload, and enqueues the agent step.
func (s *Scheduler) dispatch(ctx context.Context, sch Schedule, origin Thread, slot int64) error {
	now := s.now()
	thread := Thread{
		ID:        NewID(KindThread),
		UserID:    origin.UserID,
		ChannelID: origin.ChannelID,
		Status:    ThreadOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	msg := Message{
		ID:        NewID(KindMessage),
		ThreadID:  thread.ID,
		Role:      "user",
		Content:   sch.Payload,
		CreatedAt: now,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("seed message: %w", err)
	}

	if s.events != nil {
		s.events.Emit(ctx, Event{
			Type:      EventScheduleDue,
			ThreadID:  thread.ID,
			Component: "scheduler",
			ActorType: "system",
			ActorID:   s.actorID,
			PayloadRaw: Payload(map[string]any{
				"schedule_id": sch.ID,
				"due_at":      slot,
				"thread_id":   thread.ID,
				"message_id":  msg.ID,
			}),
		})
	}
	if s.tasks != nil {
		kwargs := map[string]any{
			"thread_id":  thread.ID,
			"message_id": msg.ID,
			"actor_id":   s.actorID,
		}
		if err := s.tasks.SendTask(ctx, TaskAgentStep, kwargs, QueueAgentDefault); err != nil {
			return fmt.Errorf("enqueue step: %w", err)
		}
	}
	s.logger.Info("schedule dispatched",
		"schedule_id", sch.ID,
		"due_at", slot,
		"thread_id", thread.ID)
	return nil
}

// BacklogReport summarizes pending scheduler work: slots the next tick
// would dispatch and slots beyond per-schedule catch-up caps.
type BacklogReport struct {
	DispatchableTotal int `json:"dispatchable_total"`
	DeferredTotal     int `json:"deferred_total"`
}

// Backlog computes the dispatchable and deferred slot counts across all
// enabled schedules at the current time.
func (s *Scheduler) Backlog(ctx context.Context) (BacklogReport, error) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return BacklogReport{}, fmt.Errorf("list schedules: %w", err)
	}
	now := s.now()
	var report BacklogReport
	for _, sch := range schedules {
		slots, deferred, err := DueSlots(sch, now, s.maxCatchup)
		if err != nil {
			s.logger.Warn("unparseable schedule", "schedule_id", sch.ID, "error", err)
			continue
		}
		report.DispatchableTotal += len(slots)
		report.DeferredTotal += deferred
	}
	return report, nil
}

func (s *Scheduler) emitError(ctx context.Context, sch Schedule, reason string) {
	s.logger.Warn("schedule error", "schedule_id", sch.ID, "reason", reason)
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, Event{
		Type:      EventScheduleError,
		ThreadID:  sch.ThreadID,
		Component: "scheduler",
		ActorType: "system",
		ActorID:   s.actorID,
		PayloadRaw: Payload(map[string]any{
			"schedule_id": sch.ID,
			"error":       reason,
		}),
	})
}
