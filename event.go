package atoll

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// EventWriter appends structured audit events. It fills IDs and timestamps,
// derives the redacted payload variant at write time, and hands every stored
// event to an optional indexer (the app wires this to the memory.index_event
// task so the audit log becomes searchable).
//
// Emission is best-effort: a failed append is logged and swallowed so audit
// trouble never aborts a step.
type EventWriter struct {
	store   EventStore
	logger  *slog.Logger
	now     func() int64
	indexer func(Event)
}

// EventWriterOption configures an EventWriter.
type EventWriterOption func(*EventWriter)

// WithEventLogger sets the structured logger.
func WithEventLogger(l *slog.Logger) EventWriterOption {
	return func(w *EventWriter) { w.logger = l }
}

// WithEventIndexer sets the post-write hook invoked for every stored event.
func WithEventIndexer(fn func(Event)) EventWriterOption {
	return func(w *EventWriter) { w.indexer = fn }
}

// withEventClock overrides the timestamp source. Tests only.
func withEventClock(now func() int64) EventWriterOption {
	return func(w *EventWriter) { w.now = now }
}

// NewEventWriter creates an EventWriter backed by store.
func NewEventWriter(store EventStore, opts ...EventWriterOption) *EventWriter {
	w := &EventWriter{store: store, now: NowMilli}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = nopLogger
	}
	return w
}

// Emit stores one event. The caller supplies Type, TraceID, Component,
// ActorType, ActorID, optional ThreadID/ParentSpanID, and PayloadRaw; Emit
// fills ID, SpanID, CreatedAt, and PayloadRedacted. Returns the stored event.
func (w *EventWriter) Emit(ctx context.Context, e Event) Event {
	if e.ID == "" {
		e.ID = NewID(KindEvent)
	}
	if e.SpanID == "" {
		e.SpanID = NewSpanID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = w.now()
	}
	if e.TraceID == "" {
		e.TraceID = TraceIDFrom(ctx)
	}
	e.PayloadRedacted = Redact(e.PayloadRaw)

	if err := w.store.AppendEvent(ctx, e); err != nil {
		w.logger.Warn("event append failed", "event_type", e.Type, "trace_id", e.TraceID, "error", err)
		return e
	}
	if w.indexer != nil {
		w.indexer(e)
	}
	return e
}

// NewSpanID returns a fresh span identifier for event correlation.
func NewSpanID() string {
	return uuid.Must(uuid.NewV7()).String()[:13]
}

type traceKey struct{}

// WithTraceID returns a child context carrying the trace identifier. The
// step engine sets this once per step; emitters below it (tools, approvals,
// memory) stamp their events from the context instead of threading the ID
// through every signature.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFrom returns the trace identifier carried by ctx, or "".
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// NewTraceID returns a typed trace identifier for one end-to-end request.
func NewTraceID() string {
	return NewID(KindTrace)
}

// Payload marshals v for use as Event.PayloadRaw. Marshal failures produce
// an error payload instead of propagating (audit must not break callers).
func Payload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"payload_error":"marshal failed"}`)
	}
	return raw
}

// EventSearcher answers /logs queries over the audit log. Search walks the
// lanes in order, vector first when an embedder is attached, then FTS, then
// LIKE; the first lane that yields rows wins. Lane failures degrade to the
// next lane instead of erroring.
type EventSearcher struct {
	store    EventStore
	embedder EmbeddingProvider
	logger   *slog.Logger
}

// EventSearcherOption configures an EventSearcher.
type EventSearcherOption func(*EventSearcher)

// WithSearchEmbedder enables the semantic lane.
func WithSearchEmbedder(p EmbeddingProvider) EventSearcherOption {
	return func(s *EventSearcher) { s.embedder = p }
}

// WithSearcherLogger sets the structured logger.
func WithSearcherLogger(l *slog.Logger) EventSearcherOption {
	return func(s *EventSearcher) { s.logger = l }
}

// NewEventSearcher creates a searcher over the event store.
func NewEventSearcher(store EventStore, opts ...EventSearcherOption) *EventSearcher {
	s := &EventSearcher{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Search returns up to limit events matching the query.
func (s *EventSearcher) Search(ctx context.Context, query string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{query})
		if err != nil {
			s.logger.Warn("event search embed failed", "error", err)
		} else if len(vecs) == 1 {
			events, err := s.store.SearchEventsVector(ctx, vecs[0], limit)
			if err != nil {
				s.logger.Warn("event vector search failed", "error", err)
			} else if len(events) > 0 {
				return events, nil
			}
		}
	}
	events, err := s.store.SearchEventsFTS(ctx, query, limit)
	if err != nil {
		s.logger.Warn("event fts search failed", "error", err)
	} else if len(events) > 0 {
		return events, nil
	}
	return s.store.SearchEventsLike(ctx, query, limit)
}

// Trace returns a trace's events in order.
func (s *EventSearcher) Trace(ctx context.Context, traceID string) ([]Event, error) {
	return s.store.EventsByTrace(ctx, traceID)
}
