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

// --- MemoryStore ---

// InsertMemory inserts an episodic memory item and indexes its text in the
// FTS table within the same transaction.
func (s *Store) InsertMemory(ctx context.Context, item atoll.MemoryItem) error {
	start := time.Now()
	s.logger.Debug("sqlite: insert memory", "id", item.ID, "thread_id", item.ThreadID)

	var metadata string
	if item.Metadata != nil {
		raw, err := json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, thread_id, text, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.ThreadID, item.Text, metadata, item.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert memory failed", "id", item.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("insert memory: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories_fts (memory_id, thread_id, text) VALUES (?, ?, ?)`,
		item.ID, item.ThreadID, item.Text,
	)
	if err != nil {
		return fmt.Errorf("index memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: insert memory ok", "id", item.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) InsertMemoryEmbedding(ctx context.Context, memoryID, model string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_embeddings (memory_id, model, embedding) VALUES (?, ?, ?)`,
		memoryID, model, serializeEmbedding(vec),
	)
	if err != nil {
		return fmt.Errorf("insert memory embedding: %w", err)
	}
	return nil
}

func (s *Store) MemoriesByIDs(ctx context.Context, ids []string) ([]atoll.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT id, thread_id, text, metadata, created_at FROM memories WHERE id IN (%s)`,
		placeholders(len(ids)),
	)
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("memories by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]atoll.MemoryItem, len(ids))
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	var out []atoll.MemoryItem
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

// SearchMemoryVector scans a thread's memory embeddings and ranks by cosine
// similarity, ties broken by memory id.
func (s *Store) SearchMemoryVector(ctx context.Context, threadID string, vec []float32, k int) ([]string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search memory vector", "thread_id", threadID, "k", k)

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, me.embedding
		 FROM memories m
		 JOIN memory_embeddings me ON me.memory_id = m.id
		 WHERE m.thread_id = ?`,
		threadID,
	)
	if err != nil {
		s.logger.Error("sqlite: search memory vector failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search memory vector: %w", err)
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
			return nil, fmt.Errorf("scan memory embedding: %w", err)
		}
		v, err := deserializeEmbedding(raw)
		if err != nil {
			continue
		}
		hits = append(hits, scored{id: id, score: cosineSimilarity(vec, v)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory embeddings: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	s.logger.Debug("sqlite: search memory vector ok", "thread_id", threadID, "count", len(ids), "duration", time.Since(start))
	return ids, nil
}

// SearchMemoryKeyword ranks a thread's memories by BM25 over the FTS index.
func (s *Store) SearchMemoryKeyword(ctx context.Context, threadID, query string, k int) ([]string, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	q := `SELECT memory_id FROM memories_fts
	      WHERE memories_fts MATCH ? AND thread_id = ?
	      ORDER BY rank`
	args := []any{match, threadID}
	if k > 0 {
		q += ` LIMIT ?`
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory keyword: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan memory id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory ids: %w", err)
	}
	return ids, nil
}

func (s *Store) RecentMemoryIDs(ctx context.Context, threadID string, k int) ([]string, error) {
	q := `SELECT id FROM memories WHERE thread_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{threadID}
	if k > 0 {
		q += ` LIMIT ?`
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent memory ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan memory id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory ids: %w", err)
	}
	return ids, nil
}

// MemoryGroup returns the items of a chunk group ordered by chunk index.
// Rows are narrowed in SQL by the group id and validated in Go so malformed
// metadata never surfaces as a group member.
func (s *Store) MemoryGroup(ctx context.Context, threadID, groupID string) ([]atoll.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, text, metadata, created_at
		 FROM memories
		 WHERE thread_id = ? AND json_extract(metadata, '$.chunk_group_id') = ?`,
		threadID, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("memory group: %w", err)
	}
	defer rows.Close()

	type member struct {
		item  atoll.MemoryItem
		index int
	}
	var members []member
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		cm, ok := atoll.ChunkMetaOf(item.Metadata)
		if !ok || cm.GroupID != groupID {
			continue
		}
		members = append(members, member{item: item, index: cm.Index})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory group: %w", err)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].index < members[j].index })
	out := make([]atoll.MemoryItem, len(members))
	for i, m := range members {
		out[i] = m.item
	}
	return out, nil
}

// PruneMemories deletes items created before the cutoff along with their
// embeddings and FTS rows. Returns the number of items removed.
func (s *Store) PruneMemories(ctx context.Context, before int64) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: prune memories", "before", before)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`DELETE FROM memory_embeddings WHERE memory_id IN (SELECT id FROM memories WHERE created_at < ?)`, before)
	if err != nil {
		return 0, fmt.Errorf("prune memory embeddings: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM memories_fts WHERE memory_id IN (SELECT id FROM memories WHERE created_at < ?)`, before)
	if err != nil {
		return 0, fmt.Errorf("prune memory fts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE created_at < ?`, before)
	if err != nil {
		s.logger.Error("sqlite: prune memories failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("prune memories: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: prune memories ok", "count", n, "duration", time.Since(start))
	return int(n), nil
}

// DedupeMemories removes duplicate (thread_id, text) rows keeping the
// earliest by (created_at, id). Returns the number removed.
func (s *Store) DedupeMemories(ctx context.Context) (int, error) {
	start := time.Now()
	s.logger.Debug("sqlite: dedupe memories")

	const dupes = `SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY thread_id, text ORDER BY created_at, id) AS rn
		FROM memories
	) WHERE rn > 1`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id IN (`+dupes+`)`); err != nil {
		return 0, fmt.Errorf("dedupe memory embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id IN (`+dupes+`)`); err != nil {
		return 0, fmt.Errorf("dedupe memory fts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id IN (`+dupes+`)`)
	if err != nil {
		s.logger.Error("sqlite: dedupe memories failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("dedupe memories: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: dedupe memories ok", "count", n, "duration", time.Since(start))
	return int(n), nil
}

// CachedEmbedding returns a cached vector and bumps its hit count.
func (s *Store) CachedEmbedding(ctx context.Context, key string) ([]float32, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM embed_cache WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, atoll.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cached embedding: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE embed_cache SET hits = hits + 1 WHERE key = ?`, key)
	return deserializeEmbedding(raw)
}

func (s *Store) PutCachedEmbedding(ctx context.Context, key string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embed_cache (key, embedding, hits) VALUES (?, ?, 0)`,
		key, serializeEmbedding(vec),
	)
	if err != nil {
		return fmt.Errorf("put cached embedding: %w", err)
	}
	return nil
}

func scanMemory(rows *sql.Rows) (atoll.MemoryItem, error) {
	var item atoll.MemoryItem
	var metadata string
	if err := rows.Scan(&item.ID, &item.ThreadID, &item.Text, &metadata, &item.CreatedAt); err != nil {
		return atoll.MemoryItem{}, fmt.Errorf("scan memory: %w", err)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return atoll.MemoryItem{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return item, nil
}

// --- SummaryStore ---

func (s *Store) GetSummary(ctx context.Context, threadID string) (atoll.ThreadSummary, error) {
	var sum atoll.ThreadSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, short, long, updated_at FROM summaries WHERE thread_id = ?`, threadID,
	).Scan(&sum.ThreadID, &sum.Short, &sum.Long, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		return atoll.ThreadSummary{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.ThreadSummary{}, fmt.Errorf("get summary: %w", err)
	}
	return sum, nil
}

func (s *Store) PutSummary(ctx context.Context, sum atoll.ThreadSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO summaries (thread_id, short, long, updated_at) VALUES (?, ?, ?, ?)`,
		sum.ThreadID, sum.Short, sum.Long, sum.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}
