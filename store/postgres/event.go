package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/atoll"
)

const eventColumns = `id, trace_id, span_id, parent_span_id, thread_id, event_type,
	component, actor_type, actor_id, payload_raw, payload_redacted, created_at`

// --- EventStore ---

func (s *Store) AppendEvent(ctx context.Context, e atoll.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.TraceID, e.SpanID, e.ParentSpanID, e.ThreadID, e.Type,
		e.Component, e.ActorType, e.ActorID,
		string(e.PayloadRaw), string(e.PayloadRedacted), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

func (s *Store) EventsByTrace(ctx context.Context, traceID string) ([]atoll.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE trace_id = $1 ORDER BY created_at, id`,
		traceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: events by trace: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) SearchEventsFTS(ctx context.Context, query string, limit int) ([]atoll.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events
		 WHERE to_tsvector('english', event_type || ' ' || payload_redacted)
		       @@ plainto_tsquery('english', $1)
		 ORDER BY created_at DESC, id DESC`
	args := []any{query}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search events fts: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) SearchEventsLike(ctx context.Context, query string, limit int) ([]atoll.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events
		 WHERE (event_type || ' ' || payload_redacted) ILIKE $1
		 ORDER BY created_at DESC, id DESC`
	args := []any{"%" + query + "%"}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search events like: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) SearchEventsVector(ctx context.Context, embedding []float32, k int) ([]atoll.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.trace_id, e.span_id, e.parent_span_id, e.thread_id, e.event_type,
			e.component, e.actor_type, e.actor_id, e.payload_raw, e.payload_redacted, e.created_at
		 FROM event_embeddings em
		 JOIN events e ON e.id = em.event_id
		 WHERE em.embedding IS NOT NULL
		 ORDER BY em.embedding <=> $1::vector, e.id
		 LIMIT $2`,
		serializeEmbedding(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search events vector: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) InsertEventEmbedding(ctx context.Context, eventID, model string, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_embeddings (event_id, model, embedding) VALUES ($1, $2, $3::vector)
		 ON CONFLICT (event_id) DO UPDATE SET
		   model = EXCLUDED.model,
		   embedding = EXCLUDED.embedding`,
		eventID, model, serializeEmbedding(embedding))
	if err != nil {
		return fmt.Errorf("postgres: insert event embedding: %w", err)
	}
	return nil
}

func (s *Store) EventsWithoutEmbedding(ctx context.Context, limit int) ([]atoll.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.trace_id, e.span_id, e.parent_span_id, e.thread_id, e.event_type,
			e.component, e.actor_type, e.actor_id, e.payload_raw, e.payload_redacted, e.created_at
		 FROM events e
		 LEFT JOIN event_embeddings em ON em.event_id = e.id
		 WHERE em.event_id IS NULL
		 ORDER BY e.created_at, e.id
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: events without embedding: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]atoll.Event, error) {
	var events []atoll.Event
	for rows.Next() {
		var (
			e             atoll.Event
			raw, redacted string
		)
		err := rows.Scan(&e.ID, &e.TraceID, &e.SpanID, &e.ParentSpanID, &e.ThreadID, &e.Type,
			&e.Component, &e.ActorType, &e.ActorID, &raw, &redacted, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		if raw != "" {
			e.PayloadRaw = json.RawMessage(raw)
		}
		if redacted != "" {
			e.PayloadRedacted = json.RawMessage(redacted)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}
