package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nevindra/atoll"
)

// --- EventStore ---

// AppendEvent inserts an audit event and indexes its redacted payload in
// the FTS table within the same transaction.
func (s *Store) AppendEvent(ctx context.Context, e atoll.Event) error {
	start := time.Now()
	s.logger.Debug("sqlite: append event", "id", e.ID, "type", e.Type, "trace_id", e.TraceID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, trace_id, span_id, parent_span_id, thread_id, event_type,
			component, actor_type, actor_id, payload_raw, payload_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TraceID, e.SpanID, e.ParentSpanID, e.ThreadID, e.Type,
		e.Component, e.ActorType, e.ActorID, string(e.PayloadRaw), string(e.PayloadRedacted), e.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append event failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events_fts (event_id, content) VALUES (?, ?)`,
		e.ID, string(e.Type)+" "+string(e.PayloadRedacted),
	)
	if err != nil {
		return fmt.Errorf("index event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append event ok", "id", e.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) EventsByTrace(ctx context.Context, traceID string) ([]atoll.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, span_id, parent_span_id, thread_id, event_type,
			component, actor_type, actor_id, payload_raw, payload_redacted, created_at
		 FROM events WHERE trace_id = ?
		 ORDER BY created_at, id`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("events by trace: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SearchEventsFTS runs an all-terms keyword match over the event index,
// newest first.
func (s *Store) SearchEventsFTS(ctx context.Context, query string, limit int) ([]atoll.Event, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: search events fts", "query", query, "limit", limit)

	q := `SELECT e.id, e.trace_id, e.span_id, e.parent_span_id, e.thread_id, e.event_type,
			e.component, e.actor_type, e.actor_id, e.payload_raw, e.payload_redacted, e.created_at
		  FROM events_fts f
		  JOIN events e ON e.id = f.event_id
		  WHERE events_fts MATCH ?
		  ORDER BY e.created_at DESC`
	args := []any{match}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logger.Error("sqlite: search events fts failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search events fts: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: search events fts ok", "count", len(events), "duration", time.Since(start))
	return events, nil
}

// SearchEventsLike is the substring fallback for queries FTS tokenization
// handles poorly (ids, punctuation-heavy payload fragments).
func (s *Store) SearchEventsLike(ctx context.Context, query string, limit int) ([]atoll.Event, error) {
	q := `SELECT id, trace_id, span_id, parent_span_id, thread_id, event_type,
			component, actor_type, actor_id, payload_raw, payload_redacted, created_at
		  FROM events
		  WHERE (event_type || ' ' || payload_redacted) LIKE ?
		  ORDER BY created_at DESC`
	args := []any{"%" + query + "%"}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search events like: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SearchEventsVector scans all event embeddings and ranks by cosine
// similarity, ties broken by event id.
func (s *Store) SearchEventsVector(ctx context.Context, vec []float32, limit int) ([]atoll.Event, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, embedding FROM event_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("load event embeddings: %w", err)
	}
	defer rows.Close()

	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan event embedding: %w", err)
		}
		v, err := deserializeEmbedding(raw)
		if err != nil {
			continue
		}
		hits = append(hits, scored{id: id, score: cosineSimilarity(vec, v)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event embeddings: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	events, err := s.eventsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: search events vector ok", "count", len(events), "duration", time.Since(start))
	return events, nil
}

func (s *Store) InsertEventEmbedding(ctx context.Context, eventID, model string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO event_embeddings (event_id, model, embedding) VALUES (?, ?, ?)`,
		eventID, model, serializeEmbedding(vec),
	)
	if err != nil {
		return fmt.Errorf("insert event embedding: %w", err)
	}
	return nil
}

// EventsWithoutEmbedding returns events lacking an embedding row, oldest
// first, so the backfill pass works forward through history.
func (s *Store) EventsWithoutEmbedding(ctx context.Context, limit int) ([]atoll.Event, error) {
	q := `SELECT e.id, e.trace_id, e.span_id, e.parent_span_id, e.thread_id, e.event_type,
			e.component, e.actor_type, e.actor_id, e.payload_raw, e.payload_redacted, e.created_at
		  FROM events e
		  LEFT JOIN event_embeddings em ON em.event_id = e.id
		  WHERE em.event_id IS NULL
		  ORDER BY e.created_at, e.id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("events without embedding: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) eventsByIDs(ctx context.Context, ids []string) ([]atoll.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT id, trace_id, span_id, parent_span_id, thread_id, event_type,
			component, actor_type, actor_id, payload_raw, payload_redacted, created_at
		 FROM events WHERE id IN (%s)`,
		placeholders(len(ids)),
	)
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("events by ids: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]atoll.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	var out []atoll.Event
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func scanEvents(rows *sql.Rows) ([]atoll.Event, error) {
	var events []atoll.Event
	for rows.Next() {
		var e atoll.Event
		var raw, redacted string
		err := rows.Scan(&e.ID, &e.TraceID, &e.SpanID, &e.ParentSpanID, &e.ThreadID, &e.Type,
			&e.Component, &e.ActorType, &e.ActorID, &raw, &redacted, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
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
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
