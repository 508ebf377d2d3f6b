package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/atoll"
)

// --- MemoryStore ---

func (s *Store) InsertMemory(ctx context.Context, item atoll.MemoryItem) error {
	var metadata any
	if item.Metadata != nil {
		raw, err := json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: encode memory metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, thread_id, text, metadata, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		item.ID, item.ThreadID, item.Text, metadata, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert memory: %w", err)
	}
	return nil
}

func (s *Store) InsertMemoryEmbedding(ctx context.Context, memoryID, model string, vec []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_embeddings (memory_id, model, embedding) VALUES ($1, $2, $3::vector)
		 ON CONFLICT (memory_id) DO UPDATE SET
		   model = EXCLUDED.model,
		   embedding = EXCLUDED.embedding`,
		memoryID, model, serializeEmbedding(vec))
	if err != nil {
		return fmt.Errorf("postgres: insert memory embedding: %w", err)
	}
	return nil
}

func (s *Store) MemoriesByIDs(ctx context.Context, ids []string) ([]atoll.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, text, metadata, created_at FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: memories by ids: %w", err)
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
		return nil, fmt.Errorf("postgres: iterate memories: %w", err)
	}

	var out []atoll.MemoryItem
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) SearchMemoryVector(ctx context.Context, threadID string, vec []float32, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id
		 FROM memory_embeddings me
		 JOIN memories m ON m.id = me.memory_id
		 WHERE m.thread_id = $1 AND me.embedding IS NOT NULL
		 ORDER BY me.embedding <=> $2::vector, m.id
		 LIMIT $3`,
		threadID, serializeEmbedding(vec), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memory vector: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) SearchMemoryKeyword(ctx context.Context, threadID, query string, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id
		 FROM memories
		 WHERE thread_id = $1
		   AND to_tsvector('english', text) @@ plainto_tsquery('english', $2)
		 ORDER BY ts_rank(to_tsvector('english', text), plainto_tsquery('english', $2)) DESC, id
		 LIMIT $3`,
		threadID, query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memory keyword: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) RecentMemoryIDs(ctx context.Context, threadID string, k int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM memories WHERE thread_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		threadID, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent memory ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) MemoryGroup(ctx context.Context, threadID, groupID string) ([]atoll.MemoryItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, text, metadata, created_at
		 FROM memories
		 WHERE thread_id = $1 AND metadata->>'chunk_group_id' = $2`,
		threadID, groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: memory group: %w", err)
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
		if !ok {
			continue
		}
		members = append(members, member{item: item, index: cm.Index})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate memory group: %w", err)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].index < members[j].index })
	items := make([]atoll.MemoryItem, 0, len(members))
	for _, m := range members {
		items = append(items, m.item)
	}
	return items, nil
}

func (s *Store) PruneMemories(ctx context.Context, before int64) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`DELETE FROM memory_embeddings WHERE memory_id IN
		   (SELECT id FROM memories WHERE created_at < $1)`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune memory embeddings: %w", err)
	}
	ct, err := tx.Exec(ctx, `DELETE FROM memories WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune memories: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) DedupeMemories(ctx context.Context) (int, error) {
	const dupes = `SELECT id FROM (
		SELECT id, ROW_NUMBER() OVER (PARTITION BY thread_id, text ORDER BY created_at, id) AS rn
		FROM memories
	) ranked WHERE rn > 1`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `DELETE FROM memory_embeddings WHERE memory_id IN (`+dupes+`)`)
	if err != nil {
		return 0, fmt.Errorf("postgres: dedupe memory embeddings: %w", err)
	}
	ct, err := tx.Exec(ctx, `DELETE FROM memories WHERE id IN (`+dupes+`)`)
	if err != nil {
		return 0, fmt.Errorf("postgres: dedupe memories: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit tx: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) CachedEmbedding(ctx context.Context, key string) ([]float32, error) {
	var text string
	err := s.pool.QueryRow(ctx, `SELECT embedding FROM embed_cache WHERE key = $1`, key).Scan(&text)
	if err == pgx.ErrNoRows {
		return nil, atoll.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: cached embedding: %w", err)
	}
	vec, err := parseEmbedding(text)
	if err != nil {
		return nil, fmt.Errorf("postgres: decode cached embedding: %w", err)
	}
	_, _ = s.pool.Exec(ctx, `UPDATE embed_cache SET hits = hits + 1 WHERE key = $1`, key)
	return vec, nil
}

func (s *Store) PutCachedEmbedding(ctx context.Context, key string, vec []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO embed_cache (key, embedding, hits) VALUES ($1, $2, 0)
		 ON CONFLICT (key) DO UPDATE SET embedding = EXCLUDED.embedding, hits = 0`,
		key, serializeEmbedding(vec))
	if err != nil {
		return fmt.Errorf("postgres: put cached embedding: %w", err)
	}
	return nil
}

// --- SummaryStore ---

func (s *Store) GetSummary(ctx context.Context, threadID string) (atoll.ThreadSummary, error) {
	var sum atoll.ThreadSummary
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, short, long, updated_at FROM summaries WHERE thread_id = $1`, threadID,
	).Scan(&sum.ThreadID, &sum.Short, &sum.Long, &sum.UpdatedAt)
	if err == pgx.ErrNoRows {
		return atoll.ThreadSummary{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.ThreadSummary{}, fmt.Errorf("postgres: get summary: %w", err)
	}
	return sum, nil
}

func (s *Store) PutSummary(ctx context.Context, sum atoll.ThreadSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO summaries (thread_id, short, long, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   short = EXCLUDED.short,
		   long = EXCLUDED.long,
		   updated_at = EXCLUDED.updated_at`,
		sum.ThreadID, sum.Short, sum.Long, sum.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put summary: %w", err)
	}
	return nil
}

// --- shared scan helpers ---

func scanMemory(rows pgx.Rows) (atoll.MemoryItem, error) {
	var (
		item atoll.MemoryItem
		raw  []byte
	)
	if err := rows.Scan(&item.ID, &item.ThreadID, &item.Text, &raw, &item.CreatedAt); err != nil {
		return atoll.MemoryItem{}, fmt.Errorf("postgres: scan memory: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &item.Metadata); err != nil {
			return atoll.MemoryItem{}, fmt.Errorf("postgres: decode memory metadata: %w", err)
		}
	}
	return item, nil
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate ids: %w", err)
	}
	return ids, nil
}
