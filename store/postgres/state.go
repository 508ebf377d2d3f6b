package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/atoll"
)

const stateColumns = `uid, thread_id, agent_id, text, type, status, topic_tags, refs,
	confidence, replaced_by, supersession_evidence, conflict, pinned, tier,
	importance_score, access_count, last_seen_at, created_at, updated_at`

// --- StateStore ---

func (s *Store) GetStateItem(ctx context.Context, uid, threadID string) (atoll.StateItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM state_items WHERE uid = $1 AND thread_id = $2`,
		uid, threadID)
	item, err := scanStateRow(row.Scan)
	if err == pgx.ErrNoRows {
		return atoll.StateItem{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.StateItem{}, fmt.Errorf("postgres: get state item: %w", err)
	}
	return item, nil
}

func (s *Store) PutStateItem(ctx context.Context, item atoll.StateItem) error {
	tags, err := encodeStrings(item.TopicTags)
	if err != nil {
		return fmt.Errorf("postgres: encode topic tags: %w", err)
	}
	refs, err := encodeStrings(item.Refs)
	if err != nil {
		return fmt.Errorf("postgres: encode refs: %w", err)
	}
	var evidence any
	if item.SupersessionEvidence != nil {
		raw, err := json.Marshal(item.SupersessionEvidence)
		if err != nil {
			return fmt.Errorf("postgres: encode supersession evidence: %w", err)
		}
		evidence = string(raw)
	}

	searchText := item.Text
	if len(item.TopicTags) > 0 {
		searchText += " " + strings.Join(item.TopicTags, " ")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO state_items (`+stateColumns+`, search_text)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11::jsonb,
		         $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (uid, thread_id) DO UPDATE SET
		   agent_id = EXCLUDED.agent_id,
		   text = EXCLUDED.text,
		   type = EXCLUDED.type,
		   status = EXCLUDED.status,
		   topic_tags = EXCLUDED.topic_tags,
		   refs = EXCLUDED.refs,
		   confidence = EXCLUDED.confidence,
		   replaced_by = EXCLUDED.replaced_by,
		   supersession_evidence = EXCLUDED.supersession_evidence,
		   conflict = EXCLUDED.conflict,
		   pinned = EXCLUDED.pinned,
		   tier = EXCLUDED.tier,
		   importance_score = EXCLUDED.importance_score,
		   access_count = EXCLUDED.access_count,
		   last_seen_at = EXCLUDED.last_seen_at,
		   created_at = EXCLUDED.created_at,
		   updated_at = EXCLUDED.updated_at,
		   search_text = EXCLUDED.search_text`,
		item.UID, item.ThreadID, item.AgentID, item.Text, item.Type, item.Status,
		tags, refs, item.Confidence, item.ReplacedBy, evidence,
		item.Conflict, item.Pinned, item.Tier, item.ImportanceScore, item.AccessCount,
		item.LastSeenAt, item.CreatedAt, item.UpdatedAt, searchText)
	if err != nil {
		return fmt.Errorf("postgres: put state item: %w", err)
	}
	return nil
}

func (s *Store) ListStateItems(ctx context.Context, threadID string, f atoll.StateFilter) ([]atoll.StateItem, error) {
	q := `SELECT ` + stateColumns + ` FROM state_items WHERE thread_id = $1`
	args := []any{threadID}
	clause, args := stateFilterClauses(f, "", args)
	q += clause
	q += ` ORDER BY updated_at DESC, uid`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list state items: %w", err)
	}
	defer rows.Close()
	return scanStateItems(rows)
}

func (s *Store) StateThreads(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT thread_id FROM state_items ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: state threads: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) StateItemsByUIDs(ctx context.Context, threadID string, uids []string) ([]atoll.StateItem, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+stateColumns+` FROM state_items WHERE thread_id = $1 AND uid = ANY($2)`,
		threadID, uids)
	if err != nil {
		return nil, fmt.Errorf("postgres: state items by uids: %w", err)
	}
	defer rows.Close()

	items, err := scanStateItems(rows)
	if err != nil {
		return nil, err
	}
	byUID := make(map[string]atoll.StateItem, len(items))
	for _, item := range items {
		byUID[item.UID] = item
	}
	var out []atoll.StateItem
	for _, uid := range uids {
		if item, ok := byUID[uid]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) SearchStateKeyword(ctx context.Context, threadID, query string, f atoll.StateFilter, k int) ([]string, error) {
	q := `SELECT uid FROM state_items
	      WHERE thread_id = $1
	        AND to_tsvector('english', search_text) @@ plainto_tsquery('english', $2)`
	args := []any{threadID, query}
	clause, args := stateFilterClauses(f, "", args)
	q += clause
	q += ` ORDER BY ts_rank(to_tsvector('english', search_text), plainto_tsquery('english', $2)) DESC, uid`
	if k > 0 {
		args = append(args, k)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search state keyword: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) SearchStateVector(ctx context.Context, threadID string, vec []float32, f atoll.StateFilter, k int) ([]string, error) {
	q := `SELECT si.uid
	      FROM state_embeddings se
	      JOIN state_items si ON si.uid = se.uid AND si.thread_id = se.thread_id
	      WHERE se.thread_id = $1 AND se.embedding IS NOT NULL`
	args := []any{threadID}
	clause, args := stateFilterClauses(f, "si.", args)
	q += clause
	args = append(args, serializeEmbedding(vec))
	q += fmt.Sprintf(` ORDER BY se.embedding <=> $%d::vector, si.uid`, len(args))
	if k > 0 {
		args = append(args, k)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search state vector: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) RecentStateUIDs(ctx context.Context, threadID string, f atoll.StateFilter, k int) ([]string, error) {
	q := `SELECT uid FROM state_items WHERE thread_id = $1`
	args := []any{threadID}
	clause, args := stateFilterClauses(f, "", args)
	q += clause
	q += ` ORDER BY last_seen_at DESC, uid`
	if k > 0 {
		args = append(args, k)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent state uids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *Store) InsertStateEmbedding(ctx context.Context, uid, threadID, model string, vec []float32) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state_embeddings (uid, thread_id, model, embedding)
		 VALUES ($1, $2, $3, $4::vector)
		 ON CONFLICT (uid, thread_id) DO UPDATE SET
		   model = EXCLUDED.model,
		   embedding = EXCLUDED.embedding`,
		uid, threadID, model, serializeEmbedding(vec))
	if err != nil {
		return fmt.Errorf("postgres: insert state embedding: %w", err)
	}
	return nil
}

func (s *Store) BumpStateAccess(ctx context.Context, threadID string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE state_items SET access_count = access_count + 1
		 WHERE thread_id = $1 AND uid = ANY($2)`,
		threadID, uids)
	if err != nil {
		return fmt.Errorf("postgres: bump state access: %w", err)
	}
	return nil
}

func (s *Store) PutStateRelation(ctx context.Context, r atoll.StateRelation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state_relations (source_uid, target_uid, relation_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (source_uid, target_uid, relation_type) DO NOTHING`,
		r.SourceUID, r.TargetUID, r.RelationType)
	if err != nil {
		return fmt.Errorf("postgres: put state relation: %w", err)
	}
	return nil
}

func (s *Store) RelationsFrom(ctx context.Context, sourceUIDs []string, relationTypes []string) ([]atoll.StateRelation, error) {
	if len(sourceUIDs) == 0 {
		return nil, nil
	}
	q := `SELECT source_uid, target_uid, relation_type FROM state_relations WHERE source_uid = ANY($1)`
	args := []any{sourceUIDs}
	if len(relationTypes) > 0 {
		args = append(args, relationTypes)
		q += fmt.Sprintf(` AND relation_type = ANY($%d)`, len(args))
	}
	q += ` ORDER BY source_uid, target_uid`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: relations from: %w", err)
	}
	defer rows.Close()

	var relations []atoll.StateRelation
	for rows.Next() {
		var r atoll.StateRelation
		if err := rows.Scan(&r.SourceUID, &r.TargetUID, &r.RelationType); err != nil {
			return nil, fmt.Errorf("postgres: scan relation: %w", err)
		}
		relations = append(relations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate relations: %w", err)
	}
	return relations, nil
}

func (s *Store) GetWatermark(ctx context.Context, threadID string) (atoll.ExtractionWatermark, error) {
	var w atoll.ExtractionWatermark
	err := s.pool.QueryRow(ctx,
		`SELECT thread_id, last_message_created_at, last_message_id FROM watermarks WHERE thread_id = $1`,
		threadID).Scan(&w.ThreadID, &w.LastMessageCreatedAt, &w.LastMessageID)
	if err == pgx.ErrNoRows {
		return atoll.ExtractionWatermark{}, nil
	}
	if err != nil {
		return atoll.ExtractionWatermark{}, fmt.Errorf("postgres: get watermark: %w", err)
	}
	return w, nil
}

func (s *Store) PutWatermark(ctx context.Context, w atoll.ExtractionWatermark) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watermarks (thread_id, last_message_created_at, last_message_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   last_message_created_at = EXCLUDED.last_message_created_at,
		   last_message_id = EXCLUDED.last_message_id`,
		w.ThreadID, w.LastMessageCreatedAt, w.LastMessageID)
	if err != nil {
		return fmt.Errorf("postgres: put watermark: %w", err)
	}
	return nil
}

// --- filter and scan helpers ---

// stateFilterClauses renders StateFilter as AND conditions appended to an
// existing query. Placeholder numbering continues from len(args).
func stateFilterClauses(f atoll.StateFilter, prefix string, args []any) (string, []any) {
	var b strings.Builder
	if len(f.Types) > 0 {
		args = append(args, asStrings(f.Types))
		fmt.Fprintf(&b, " AND %stype = ANY($%d)", prefix, len(args))
	}
	if len(f.Statuses) > 0 {
		args = append(args, asStrings(f.Statuses))
		fmt.Fprintf(&b, " AND %sstatus = ANY($%d)", prefix, len(args))
	}
	if len(f.Tiers) > 0 {
		args = append(args, asStrings(f.Tiers))
		fmt.Fprintf(&b, " AND %stier = ANY($%d)", prefix, len(args))
	}
	if f.UpdatedBefore > 0 {
		args = append(args, f.UpdatedBefore)
		fmt.Fprintf(&b, " AND %supdated_at < $%d", prefix, len(args))
	}
	return b.String(), args
}

func asStrings[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func scanStateItems(rows pgx.Rows) ([]atoll.StateItem, error) {
	var items []atoll.StateItem
	for rows.Next() {
		item, err := scanStateRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan state item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate state items: %w", err)
	}
	return items, nil
}

func scanStateRow(scan func(dest ...any) error) (atoll.StateItem, error) {
	var (
		item                 atoll.StateItem
		tags, refs, evidence []byte
	)
	err := scan(&item.UID, &item.ThreadID, &item.AgentID, &item.Text, &item.Type, &item.Status,
		&tags, &refs, &item.Confidence, &item.ReplacedBy, &evidence,
		&item.Conflict, &item.Pinned, &item.Tier, &item.ImportanceScore, &item.AccessCount,
		&item.LastSeenAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return atoll.StateItem{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.TopicTags); err != nil {
			return atoll.StateItem{}, fmt.Errorf("decode topic tags: %w", err)
		}
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &item.Refs); err != nil {
			return atoll.StateItem{}, fmt.Errorf("decode refs: %w", err)
		}
	}
	if len(evidence) > 0 {
		var ev atoll.SupersessionEvidence
		if err := json.Unmarshal(evidence, &ev); err != nil {
			return atoll.StateItem{}, fmt.Errorf("decode supersession evidence: %w", err)
		}
		item.SupersessionEvidence = &ev
	}
	return item, nil
}

func encodeStrings(vals []string) (any, error) {
	if len(vals) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
