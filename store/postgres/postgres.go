// Package postgres implements atoll.Store using PostgreSQL with pgvector
// for native vector similarity search and tsvector for full-text keyword
// search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/atoll"
)

// Store implements atoll.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Default: pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ atoll.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_type TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			component TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			payload_raw TEXT NOT NULL DEFAULT '',
			payload_redacted TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_trace_idx ON events(trace_id)`,
		`CREATE INDEX IF NOT EXISTS events_created_idx ON events(created_at)`,
		`CREATE INDEX IF NOT EXISTS events_fts_idx ON events
		 USING gin(to_tsvector('english', event_type || ' ' || payload_redacted))`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS event_embeddings (
			event_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			embedding %s
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS event_embeddings_idx ON event_embeddings USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS memories_thread_idx ON memories(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS memories_fts_idx ON memories USING gin(to_tsvector('english', text))`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_embeddings (
			memory_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			embedding %s
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memory_embeddings_idx ON memory_embeddings USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS embed_cache (
			key TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			hits INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS summaries (
			thread_id TEXT PRIMARY KEY,
			short TEXT NOT NULL,
			long TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS state_items (
			uid TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			topic_tags JSONB,
			refs JSONB,
			confidence TEXT NOT NULL DEFAULT '',
			replaced_by TEXT NOT NULL DEFAULT '',
			supersession_evidence JSONB,
			conflict BOOLEAN NOT NULL DEFAULT FALSE,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			tier TEXT NOT NULL,
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_seen_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			search_text TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (uid, thread_id)
		)`,
		`CREATE INDEX IF NOT EXISTS state_items_thread_idx ON state_items(thread_id)`,
		`CREATE INDEX IF NOT EXISTS state_items_fts_idx ON state_items USING gin(to_tsvector('english', search_text))`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS state_embeddings (
			uid TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding %s,
			PRIMARY KEY (uid, thread_id)
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS state_embeddings_idx ON state_embeddings USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS state_relations (
			source_uid TEXT NOT NULL,
			target_uid TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			PRIMARY KEY (source_uid, target_uid, relation_type)
		)`,

		`CREATE TABLE IF NOT EXISTS watermarks (
			thread_id TEXT PRIMARY KEY,
			last_message_created_at BIGINT NOT NULL,
			last_message_id TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL DEFAULT '',
			cron_expr TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			last_run_at BIGINT NOT NULL DEFAULT 0,
			max_catchup INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS schedule_dispatches (
			schedule_id TEXT NOT NULL,
			due_at BIGINT NOT NULL,
			claimed_at BIGINT NOT NULL,
			PRIMARY KEY (schedule_id, due_at)
		)`,

		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			status TEXT NOT NULL,
			target_ref TEXT NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS approvals_claim_idx ON approvals(action, actor_id, status)`,

		`CREATE TABLE IF NOT EXISTS system_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state JSONB NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (scope, key)
		)`,

		`CREATE TABLE IF NOT EXISTS skills (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			content TEXT NOT NULL,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS skills_fts_idx ON skills
		 USING gin(to_tsvector('english', name || ' ' || description || ' ' || content))`,

		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			mime TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			embedding %s
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks(document_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS chunks_fts_idx ON chunks USING gin(to_tsvector('english', content))`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error {
	return nil
}

// --- UserStore ---

func (s *Store) CreateUser(ctx context.Context, u atoll.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, external_id, role, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.ExternalID, u.Role, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (atoll.User, error) {
	var u atoll.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, external_id, role, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.ExternalID, &u.Role, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return atoll.User{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.User{}, fmt.Errorf("postgres: get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (atoll.User, error) {
	var u atoll.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, external_id, role, created_at FROM users WHERE external_id = $1`, externalID,
	).Scan(&u.ID, &u.ExternalID, &u.Role, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return atoll.User{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.User{}, fmt.Errorf("postgres: get user by external id: %w", err)
	}
	return u, nil
}

func (s *Store) CreateChannel(ctx context.Context, c atoll.Channel) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channels (id, user_id, channel_type) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   channel_type = EXCLUDED.channel_type`,
		c.ID, c.UserID, c.ChannelType)
	if err != nil {
		return fmt.Errorf("postgres: create channel: %w", err)
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (atoll.Channel, error) {
	var c atoll.Channel
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, channel_type FROM channels WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.ChannelType)
	if err == pgx.ErrNoRows {
		return atoll.Channel{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Channel{}, fmt.Errorf("postgres: get channel: %w", err)
	}
	return c, nil
}

// --- ThreadStore ---

func (s *Store) CreateThread(ctx context.Context, t atoll.Thread) error {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, user_id, channel_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UserID, t.ChannelID, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return atoll.ErrConflict
	}
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (atoll.Thread, error) {
	var t atoll.Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, channel_id, status, created_at, updated_at FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.UserID, &t.ChannelID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return atoll.Thread{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	return t, nil
}

func (s *Store) CloseThread(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE threads SET status = $1, updated_at = $2 WHERE id = $3`,
		atoll.ThreadClosed, atoll.NowMilli(), id)
	if err != nil {
		return fmt.Errorf("postgres: close thread: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return atoll.ErrNotFound
	}
	return nil
}

// --- MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, m atoll.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE threads SET updated_at = $1 WHERE id = $2`, m.CreatedAt, m.ThreadID)
	if err != nil {
		return fmt.Errorf("postgres: bump thread: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) TailMessages(ctx context.Context, threadID string, n int) ([]atoll.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, role, content, created_at
		 FROM messages
		 WHERE thread_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		threadID, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: tail messages: %w", err)
	}
	defer rows.Close()

	var messages []atoll.Message
	for rows.Next() {
		var m atoll.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) CountMessagesAfter(ctx context.Context, threadID string, after int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = $1 AND created_at > $2`,
		threadID, after).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count messages: %w", err)
	}
	return n, nil
}

func (s *Store) MessagesByIDs(ctx context.Context, ids []string) ([]atoll.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, role, content, created_at FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: messages by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]atoll.Message, len(ids))
	for rows.Next() {
		var m atoll.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	var out []atoll.Message
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- SettingStore ---

func (s *Store) GetSetting(ctx context.Context, scope, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE scope = $1 AND key = $2`, scope, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", atoll.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get setting: %w", err)
	}
	return value, nil
}

func (s *Store) PutSetting(ctx context.Context, scope, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (scope, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (scope, key) DO UPDATE SET value = EXCLUDED.value`,
		scope, key, value)
	if err != nil {
		return fmt.Errorf("postgres: put setting: %w", err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, scope, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM settings WHERE scope = $1 AND key = $2`, scope, key)
	if err != nil {
		return fmt.Errorf("postgres: delete setting: %w", err)
	}
	return nil
}

// --- SystemStore ---

func (s *Store) GetSystemState(ctx context.Context) (atoll.SystemState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM system_state WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return atoll.SystemState{}, nil
	}
	if err != nil {
		return atoll.SystemState{}, fmt.Errorf("postgres: get system state: %w", err)
	}
	var state atoll.SystemState
	if err := json.Unmarshal(raw, &state); err != nil {
		return atoll.SystemState{}, fmt.Errorf("postgres: decode system state: %w", err)
	}
	return state, nil
}

func (s *Store) PutSystemState(ctx context.Context, state atoll.SystemState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: encode system state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO system_state (id, state) VALUES (1, $1::jsonb)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`,
		string(raw))
	if err != nil {
		return fmt.Errorf("postgres: put system state: %w", err)
	}
	return nil
}

// --- Embedding text format ---

// serializeEmbedding renders a vector in pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseEmbedding parses pgvector's text output format back to []float32.
func parseEmbedding(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse embedding component %d: %w", i, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}
