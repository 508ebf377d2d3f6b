package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/atoll"
)

// --- StateStore ---

func (s *Store) GetStateItem(ctx context.Context, uid, threadID string) (atoll.StateItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM state_items WHERE uid = ? AND thread_id = ?`,
		uid, threadID,
	)
	item, err := scanStateRow(row.Scan)
	if err == sql.ErrNoRows {
		return atoll.StateItem{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.StateItem{}, fmt.Errorf("get state item: %w", err)
	}
	return item, nil
}

// PutStateItem upserts the item and rewrites its FTS row in the same
// transaction so keyword search always sees current text and tags.
func (s *Store) PutStateItem(ctx context.Context, item atoll.StateItem) error {
	start := time.Now()
	s.logger.Debug("sqlite: put state item", "uid", item.UID, "thread_id", item.ThreadID, "type", item.Type)

	tags, err := encodeStrings(item.TopicTags)
	if err != nil {
		return fmt.Errorf("encode topic tags: %w", err)
	}
	refs, err := encodeStrings(item.Refs)
	if err != nil {
		return fmt.Errorf("encode refs: %w", err)
	}
	var evidence string
	if item.SupersessionEvidence != nil {
		raw, err := json.Marshal(item.SupersessionEvidence)
		if err != nil {
			return fmt.Errorf("encode supersession evidence: %w", err)
		}
		evidence = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO state_items
		 (uid, thread_id, agent_id, text, type, status, topic_tags, refs, confidence,
		  replaced_by, supersession_evidence, conflict, pinned, tier, importance_score,
		  access_count, last_seen_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.UID, item.ThreadID, item.AgentID, item.Text, item.Type, item.Status, tags, refs, item.Confidence,
		item.ReplacedBy, evidence, boolToInt(item.Conflict), boolToInt(item.Pinned), item.Tier, item.ImportanceScore,
		item.AccessCount, item.LastSeenAt, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: put state item failed", "uid", item.UID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("put state item: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM state_fts WHERE uid = ? AND thread_id = ?`, item.UID, item.ThreadID)
	if err != nil {
		return fmt.Errorf("clear state fts: %w", err)
	}
	content := item.Text
	if len(item.TopicTags) > 0 {
		content += " " + strings.Join(item.TopicTags, " ")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO state_fts (uid, thread_id, content) VALUES (?, ?, ?)`,
		item.UID, item.ThreadID, content)
	if err != nil {
		return fmt.Errorf("index state item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: put state item ok", "uid", item.UID, "duration", time.Since(start))
	return nil
}

func (s *Store) ListStateItems(ctx context.Context, threadID string, f atoll.StateFilter) ([]atoll.StateItem, error) {
	q := `SELECT ` + stateColumns + ` FROM state_items WHERE thread_id = ?`
	args := []any{threadID}
	clause, filterArgs := stateFilterClauses(f)
	q += clause
	args = append(args, filterArgs...)
	q += ` ORDER BY updated_at DESC, uid`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list state items: %w", err)
	}
	defer rows.Close()
	return scanStateItems(rows)
}

func (s *Store) StateThreads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT thread_id FROM state_items ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("state threads: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread ids: %w", err)
	}
	return out, nil
}

func (s *Store) StateItemsByUIDs(ctx context.Context, threadID string, uids []string) ([]atoll.StateItem, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT `+stateColumns+` FROM state_items WHERE thread_id = ? AND uid IN (%s)`,
		placeholders(len(uids)),
	)
	args := append([]any{threadID}, stringArgs(uids)...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state items by uids: %w", err)
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

// SearchStateKeyword ranks items by BM25 over text and topic tags, with the
// structured filter applied against the source rows.
func (s *Store) SearchStateKeyword(ctx context.Context, threadID, query string, f atoll.StateFilter, k int) ([]string, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	q := `SELECT f.uid
	      FROM state_fts f
	      JOIN state_items si ON si.uid = f.uid AND si.thread_id = f.thread_id
	      WHERE state_fts MATCH ? AND f.thread_id = ?`
	args := []any{match, threadID}
	clause, filterArgs := stateFilterClausesPrefixed(f, "si.")
	q += clause
	args = append(args, filterArgs...)
	q += ` ORDER BY rank`
	if k > 0 {
		q += ` LIMIT ?`
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search state keyword: %w", err)
	}
	defer rows.Close()
	return scanUIDs(rows)
}

// SearchStateVector scans a thread's state embeddings and ranks by cosine
// similarity, ties broken by uid.
func (s *Store) SearchStateVector(ctx context.Context, threadID string, vec []float32, f atoll.StateFilter, k int) ([]string, error) {
	q := `SELECT si.uid, se.embedding
	      FROM state_items si
	      JOIN state_embeddings se ON se.uid = si.uid AND se.thread_id = si.thread_id
	      WHERE si.thread_id = ?`
	args := []any{threadID}
	clause, filterArgs := stateFilterClausesPrefixed(f, "si.")
	q += clause
	args = append(args, filterArgs...)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search state vector: %w", err)
	}
	defer rows.Close()

	type scored struct {
		uid   string
		score float64
	}
	var hits []scored
	for rows.Next() {
		var uid, raw string
		if err := rows.Scan(&uid, &raw); err != nil {
			return nil, fmt.Errorf("scan state embedding: %w", err)
		}
		v, err := deserializeEmbedding(raw)
		if err != nil {
			continue
		}
		hits = append(hits, scored{uid: uid, score: cosineSimilarity(vec, v)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state embeddings: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].uid < hits[j].uid
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	uids := make([]string, len(hits))
	for i, h := range hits {
		uids[i] = h.uid
	}
	return uids, nil
}

func (s *Store) RecentStateUIDs(ctx context.Context, threadID string, f atoll.StateFilter, k int) ([]string, error) {
	q := `SELECT uid FROM state_items WHERE thread_id = ?`
	args := []any{threadID}
	clause, filterArgs := stateFilterClauses(f)
	q += clause
	args = append(args, filterArgs...)
	q += ` ORDER BY last_seen_at DESC, uid`
	if k > 0 {
		q += ` LIMIT ?`
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent state uids: %w", err)
	}
	defer rows.Close()
	return scanUIDs(rows)
}

func (s *Store) InsertStateEmbedding(ctx context.Context, uid, threadID, model string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state_embeddings (uid, thread_id, model, embedding) VALUES (?, ?, ?, ?)`,
		uid, threadID, model, serializeEmbedding(vec),
	)
	if err != nil {
		return fmt.Errorf("insert state embedding: %w", err)
	}
	return nil
}

func (s *Store) BumpStateAccess(ctx context.Context, threadID string, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE state_items SET access_count = access_count + 1 WHERE thread_id = ? AND uid IN (%s)`,
		placeholders(len(uids)),
	)
	args := append([]any{threadID}, stringArgs(uids)...)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bump state access: %w", err)
	}
	return nil
}

func (s *Store) PutStateRelation(ctx context.Context, r atoll.StateRelation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO state_relations (source_uid, target_uid, relation_type) VALUES (?, ?, ?)`,
		r.SourceUID, r.TargetUID, r.RelationType,
	)
	if err != nil {
		return fmt.Errorf("put state relation: %w", err)
	}
	return nil
}

func (s *Store) RelationsFrom(ctx context.Context, sourceUIDs []string, relationTypes []string) ([]atoll.StateRelation, error) {
	if len(sourceUIDs) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf(
		`SELECT source_uid, target_uid, relation_type FROM state_relations WHERE source_uid IN (%s)`,
		placeholders(len(sourceUIDs)),
	)
	args := stringArgs(sourceUIDs)
	if len(relationTypes) > 0 {
		q += fmt.Sprintf(` AND relation_type IN (%s)`, placeholders(len(relationTypes)))
		args = append(args, stringArgs(relationTypes)...)
	}
	q += ` ORDER BY source_uid, target_uid`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("relations from: %w", err)
	}
	defer rows.Close()

	var out []atoll.StateRelation
	for rows.Next() {
		var r atoll.StateRelation
		if err := rows.Scan(&r.SourceUID, &r.TargetUID, &r.RelationType); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return out, nil
}

// GetWatermark returns the extraction watermark; a missing row reads as the
// zero watermark so new threads extract from the beginning.
func (s *Store) GetWatermark(ctx context.Context, threadID string) (atoll.ExtractionWatermark, error) {
	var w atoll.ExtractionWatermark
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, last_message_created_at, last_message_id FROM watermarks WHERE thread_id = ?`,
		threadID,
	).Scan(&w.ThreadID, &w.LastMessageCreatedAt, &w.LastMessageID)
	if err == sql.ErrNoRows {
		return atoll.ExtractionWatermark{}, nil
	}
	if err != nil {
		return atoll.ExtractionWatermark{}, fmt.Errorf("get watermark: %w", err)
	}
	return w, nil
}

func (s *Store) PutWatermark(ctx context.Context, w atoll.ExtractionWatermark) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO watermarks (thread_id, last_message_created_at, last_message_id) VALUES (?, ?, ?)`,
		w.ThreadID, w.LastMessageCreatedAt, w.LastMessageID,
	)
	if err != nil {
		return fmt.Errorf("put watermark: %w", err)
	}
	return nil
}

// --- State helpers ---

const stateColumns = `uid, thread_id, agent_id, text, type, status, topic_tags, refs, confidence,
	replaced_by, supersession_evidence, conflict, pinned, tier, importance_score,
	access_count, last_seen_at, created_at, updated_at`

// stateFilterClauses renders a StateFilter as " AND ..." SQL conditions.
// Limit is handled by callers since its position in the query varies.
func stateFilterClauses(f atoll.StateFilter) (string, []any) {
	return stateFilterClausesPrefixed(f, "")
}

func stateFilterClausesPrefixed(f atoll.StateFilter, prefix string) (string, []any) {
	var b strings.Builder
	var args []any
	if len(f.Types) > 0 {
		fmt.Fprintf(&b, " AND %stype IN (%s)", prefix, placeholders(len(f.Types)))
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Statuses) > 0 {
		fmt.Fprintf(&b, " AND %sstatus IN (%s)", prefix, placeholders(len(f.Statuses)))
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Tiers) > 0 {
		fmt.Fprintf(&b, " AND %stier IN (%s)", prefix, placeholders(len(f.Tiers)))
		for _, tier := range f.Tiers {
			args = append(args, string(tier))
		}
	}
	if f.UpdatedBefore > 0 {
		fmt.Fprintf(&b, " AND %supdated_at < ?", prefix)
		args = append(args, f.UpdatedBefore)
	}
	return b.String(), args
}

func scanStateItems(rows *sql.Rows) ([]atoll.StateItem, error) {
	var items []atoll.StateItem
	for rows.Next() {
		item, err := scanStateRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan state item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state items: %w", err)
	}
	return items, nil
}

func scanStateRow(scan func(...any) error) (atoll.StateItem, error) {
	var item atoll.StateItem
	var tags, refs, evidence string
	var conflict, pinned int
	err := scan(&item.UID, &item.ThreadID, &item.AgentID, &item.Text, &item.Type, &item.Status,
		&tags, &refs, &item.Confidence, &item.ReplacedBy, &evidence, &conflict, &pinned,
		&item.Tier, &item.ImportanceScore, &item.AccessCount, &item.LastSeenAt,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return atoll.StateItem{}, err
	}
	item.Conflict = conflict != 0
	item.Pinned = pinned != 0
	if item.TopicTags, err = decodeStrings(tags); err != nil {
		return atoll.StateItem{}, fmt.Errorf("decode topic tags: %w", err)
	}
	if item.Refs, err = decodeStrings(refs); err != nil {
		return atoll.StateItem{}, fmt.Errorf("decode refs: %w", err)
	}
	if evidence != "" {
		var ev atoll.SupersessionEvidence
		if err := json.Unmarshal([]byte(evidence), &ev); err != nil {
			return atoll.StateItem{}, fmt.Errorf("decode supersession evidence: %w", err)
		}
		item.SupersessionEvidence = &ev
	}
	return item, nil
}

func scanUIDs(rows *sql.Rows) ([]string, error) {
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan uid: %w", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uids: %w", err)
	}
	return uids, nil
}

func encodeStrings(vals []string) (string, error) {
	if len(vals) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil, err
	}
	return vals, nil
}
