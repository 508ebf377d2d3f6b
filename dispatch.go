package atoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Task names the dispatcher recognizes.
const (
	TaskAgentStep     = "agent_step"
	TaskCompactThread = "memory.compact_thread"
	TaskIndexEvent    = "memory.index_event"
	TaskSchedulerTick = "scheduler_tick"
)

// Queue names. Steps triggered by a live user go to agent_priority,
// scheduler-spawned steps to agent_default, and background I/O (compaction,
// event indexing) to tools_io.
const (
	QueueAgentPriority = "agent_priority"
	QueueAgentDefault  = "agent_default"
	QueueToolsIO       = "tools_io"
)

// ErrQueueFull is returned by SendTask when the target queue's buffer is
// exhausted. Callers treat it as backpressure: the step engine records
// degradation but never blocks on it.
var ErrQueueFull = errors.New("queue full")

// Task is one unit of queued work.
type Task struct {
	Name   string
	Kwargs map[string]any
	Queue  string
}

// TaskSender enqueues named tasks. The Dispatcher implements it; tests
// substitute recorders.
type TaskSender interface {
	SendTask(ctx context.Context, name string, kwargs map[string]any, queue string) error
}

// TaskHandler executes one task.
type TaskHandler func(ctx context.Context, task Task) error

// Dispatcher is the in-process task queue: three named queues, each drained
// by a fixed worker pool. Duplicate enqueues are safe because every handler
// is idempotent at the storage level (dispatch slots, watermarks, message
// ids), so the queue itself does no deduplication.
type Dispatcher struct {
	queues   map[string]chan Task
	workers  map[string]int
	handlers map[string]TaskHandler
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	inFlight atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueWorkers sets the worker count for one queue.
func WithQueueWorkers(queue string, n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers[queue] = n
		}
	}
}

// WithQueueBuffer sets the buffered capacity of every queue.
func WithQueueBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			for name := range d.queues {
				d.queues[name] = make(chan Task, n)
			}
		}
	}
}

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

const defaultQueueBuffer = 256

// NewDispatcher creates a dispatcher with the three standard queues.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queues: map[string]chan Task{
			QueueAgentPriority: make(chan Task, defaultQueueBuffer),
			QueueAgentDefault:  make(chan Task, defaultQueueBuffer),
			QueueToolsIO:       make(chan Task, defaultQueueBuffer),
		},
		workers: map[string]int{
			QueueAgentPriority: 2,
			QueueAgentDefault:  4,
			QueueToolsIO:       4,
		},
		handlers: make(map[string]TaskHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = nopLogger
	}
	return d
}

// Handle registers the handler for a task name. Must be called before
// Start.
func (d *Dispatcher) Handle(name string, h TaskHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// SendTask enqueues a task without blocking. Unknown queues are rejected;
// a full queue returns ErrQueueFull.
func (d *Dispatcher) SendTask(_ context.Context, name string, kwargs map[string]any, queue string) error {
	ch, ok := d.queues[queue]
	if !ok {
		return fmt.Errorf("unknown queue %q", queue)
	}
	task := Task{Name: name, Kwargs: kwargs, Queue: queue}
	select {
	case ch <- task:
		return nil
	default:
		return fmt.Errorf("enqueue %s on %s: %w", name, queue, ErrQueueFull)
	}
}

// Start spawns the worker pools and blocks until ctx is cancelled. Queued
// tasks not yet picked up when ctx ends are dropped; handlers are
// idempotent against re-enqueue so nothing is lost permanently.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true
	d.mu.Unlock()

	var wg sync.WaitGroup
	for queue, ch := range d.queues {
		n := d.workers[queue]
		if n <= 0 {
			n = 1
		}
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(queue string, ch chan Task) {
				defer wg.Done()
				d.work(ctx, queue, ch)
			}(queue, ch)
		}
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context, queue string, ch chan Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-ch:
			d.runTask(ctx, queue, task)
		}
	}
}

func (d *Dispatcher) runTask(ctx context.Context, queue string, task Task) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task panicked", "task", task.Name, "queue", queue, "panic", r)
		}
	}()

	d.mu.Lock()
	handler := d.handlers[task.Name]
	d.mu.Unlock()
	if handler == nil {
		d.logger.Error("no handler for task", "task", task.Name, "queue", queue)
		return
	}
	if err := handler(ctx, task); err != nil {
		d.logger.Error("task failed", "task", task.Name, "queue", queue, "error", err)
	}
}

// DispatcherStats is a point-in-time snapshot of queue load.
type DispatcherStats struct {
	InFlight      int            `json:"in_flight"`
	MaxConcurrent int            `json:"max_concurrent"`
	Queued        map[string]int `json:"queued"`
}

// Stats reports in-flight task count, total worker capacity, and per-queue
// backlog.
func (d *Dispatcher) Stats() DispatcherStats {
	stats := DispatcherStats{
		InFlight: int(d.inFlight.Load()),
		Queued:   make(map[string]int, len(d.queues)),
	}
	for name, ch := range d.queues {
		stats.Queued[name] = len(ch)
	}
	for _, n := range d.workers {
		stats.MaxConcurrent += n
	}
	return stats
}

// StringKwarg reads a string value from task kwargs, or "".
func StringKwarg(kwargs map[string]any, key string) string {
	if v, ok := kwargs[key].(string); ok {
		return v
	}
	return ""
}
