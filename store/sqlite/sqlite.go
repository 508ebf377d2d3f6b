// Package sqlite implements atoll.Store using pure-Go SQLite with FTS5
// keyword search and in-process brute-force vector search. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nevindra/atoll"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for operations including timing and row counts.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements atoll.Store backed by a local SQLite file. Embeddings
// are stored as JSON text; vector search scans them in-process with
// brute-force cosine similarity, which is fine at single-host scale.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ atoll.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			created_at INTEGER NOT NULL
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
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT,
			thread_id TEXT,
			event_type TEXT NOT NULL,
			component TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			payload_raw TEXT,
			payload_redacted TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_embeddings (
			event_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			embedding TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			memory_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			embedding TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS embed_cache (
			key TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			hits INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			thread_id TEXT PRIMARY KEY,
			short TEXT NOT NULL,
			long TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state_items (
			uid TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			agent_id TEXT,
			text TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			topic_tags TEXT,
			refs TEXT,
			confidence TEXT,
			replaced_by TEXT,
			supersession_evidence TEXT,
			conflict INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			tier TEXT NOT NULL,
			importance_score REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_seen_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (uid, thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS state_embeddings (
			uid TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			model TEXT NOT NULL,
			embedding TEXT NOT NULL,
			PRIMARY KEY (uid, thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS state_relations (
			source_uid TEXT NOT NULL,
			target_uid TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			PRIMARY KEY (source_uid, target_uid, relation_type)
		)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			thread_id TEXT PRIMARY KEY,
			last_message_created_at INTEGER NOT NULL,
			last_message_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			thread_id TEXT,
			cron_expr TEXT NOT NULL,
			payload TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			last_run_at INTEGER NOT NULL DEFAULT 0,
			max_catchup INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_dispatches (
			schedule_id TEXT NOT NULL,
			due_at INTEGER NOT NULL,
			claimed_at INTEGER NOT NULL,
			PRIMARY KEY (schedule_id, due_at)
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			status TEXT NOT NULL,
			target_ref TEXT,
			expires_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL
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
			pinned INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			mime TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			embedding TEXT
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_thread ON memories(thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_state_thread ON state_items(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_claim ON approvals(action, actor_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
	}
	for _, ddl := range indexes {
		_, _ = s.db.ExecContext(ctx, ddl)
	}

	// FTS5 full-text indexes for keyword search.
	ftsTables := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(event_id UNINDEXED, content)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, thread_id UNINDEXED, text)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS state_fts USING fts5(uid UNINDEXED, thread_id UNINDEXED, content)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS skills_fts USING fts5(name UNINDEXED, content)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(chunk_id UNINDEXED, content)`,
	}
	for _, ddl := range ftsTables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create fts table: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- UserStore ---

func (s *Store) CreateUser(ctx context.Context, u atoll.User) error {
	start := time.Now()
	s.logger.Debug("sqlite: create user", "id", u.ID, "role", u.Role)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.ExternalID, u.Role, u.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create user failed", "id", u.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create user: %w", err)
	}
	s.logger.Debug("sqlite: create user ok", "id", u.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (atoll.User, error) {
	var u atoll.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, role, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.ExternalID, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return atoll.User{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (atoll.User, error) {
	var u atoll.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, role, created_at FROM users WHERE external_id = ?`, externalID,
	).Scan(&u.ID, &u.ExternalID, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return atoll.User{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.User{}, fmt.Errorf("get user by external id: %w", err)
	}
	return u, nil
}

func (s *Store) CreateChannel(ctx context.Context, c atoll.Channel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO channels (id, user_id, channel_type) VALUES (?, ?, ?)`,
		c.ID, c.UserID, c.ChannelType,
	)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (atoll.Channel, error) {
	var c atoll.Channel
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_type FROM channels WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.ChannelType)
	if err == sql.ErrNoRows {
		return atoll.Channel{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

// --- ThreadStore ---

func (s *Store) CreateThread(ctx context.Context, t atoll.Thread) error {
	start := time.Now()
	s.logger.Debug("sqlite: create thread", "id", t.ID, "user_id", t.UserID)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (id, user_id, channel_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.ChannelID, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create thread failed", "id", t.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return atoll.ErrConflict
	}
	s.logger.Debug("sqlite: create thread ok", "id", t.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetThread(ctx context.Context, id string) (atoll.Thread, error) {
	var t atoll.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_id, status, created_at, updated_at FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.ChannelID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return atoll.Thread{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

func (s *Store) CloseThread(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: close thread", "id", id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`,
		atoll.ThreadClosed, time.Now().UnixMilli(), id,
	)
	if err != nil {
		s.logger.Error("sqlite: close thread failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("close thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return atoll.ErrNotFound
	}
	s.logger.Debug("sqlite: close thread ok", "id", id, "duration", time.Since(start))
	return nil
}

// --- MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, m atoll.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "id", m.ID, "thread_id", m.ThreadID, "role", m.Role)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "id", m.ID, "error", err)
		return fmt.Errorf("append message: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`, m.CreatedAt, m.ThreadID,
	)
	if err != nil {
		return fmt.Errorf("bump thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: append message commit failed", "id", m.ID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) TailMessages(ctx context.Context, threadID string, n int) ([]atoll.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: tail messages", "thread_id", threadID, "n", n)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, created_at
		 FROM messages WHERE thread_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		threadID, n,
	)
	if err != nil {
		s.logger.Error("sqlite: tail messages failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("tail messages: %w", err)
	}
	defer rows.Close()

	var messages []atoll.Message
	for rows.Next() {
		var m atoll.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	s.logger.Debug("sqlite: tail messages ok", "thread_id", threadID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

func (s *Store) CountMessagesAfter(ctx context.Context, threadID string, after int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = ? AND created_at > ?`,
		threadID, after,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) MessagesByIDs(ctx context.Context, ids []string) ([]atoll.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT id, thread_id, role, content, created_at FROM messages WHERE id IN (%s)`,
		placeholders(len(ids)),
	)
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("messages by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]atoll.Message, len(ids))
	for rows.Next() {
		var m atoll.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Preserve request order; missing ids are skipped.
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
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE scope = ? AND key = ?`, scope, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", atoll.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *Store) PutSetting(ctx context.Context, scope, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (scope, key, value) VALUES (?, ?, ?)`,
		scope, key, value,
	)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, scope, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM settings WHERE scope = ? AND key = ?`, scope, key,
	)
	if err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}

// --- SystemStore ---

// GetSystemState returns the singleton row; a missing row reads as the zero
// state so fresh databases behave like a healthy system.
func (s *Store) GetSystemState(ctx context.Context) (atoll.SystemState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM system_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return atoll.SystemState{}, nil
	}
	if err != nil {
		return atoll.SystemState{}, fmt.Errorf("get system state: %w", err)
	}
	var state atoll.SystemState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return atoll.SystemState{}, fmt.Errorf("decode system state: %w", err)
	}
	return state, nil
}

func (s *Store) PutSystemState(ctx context.Context, state atoll.SystemState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode system state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO system_state (id, state) VALUES (1, ?)`, string(raw),
	)
	if err != nil {
		return fmt.Errorf("put system state: %w", err)
	}
	return nil
}

// --- Shared helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ftsQuery turns free text into an FTS5 match expression: each term quoted,
// all terms required. Avoids syntax errors from user-typed operators.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// --- Vector math ---

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
