package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/nevindra/atoll"
)

// --- SkillStore ---

// PutSkill upserts a skill and rewrites its FTS row so search covers the
// name, description, and content together.
func (s *Store) PutSkill(ctx context.Context, sk atoll.Skill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO skills (name, description, content, pinned, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sk.Name, sk.Description, sk.Content, boolToInt(sk.Pinned), sk.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put skill: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM skills_fts WHERE name = ?`, sk.Name); err != nil {
		return fmt.Errorf("clear skill fts: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO skills_fts (name, content) VALUES (?, ?)`,
		sk.Name, sk.Name+" "+sk.Description+" "+sk.Content,
	)
	if err != nil {
		return fmt.Errorf("index skill: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetSkill(ctx context.Context, name string) (atoll.Skill, error) {
	var sk atoll.Skill
	var pinned int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, description, content, pinned, updated_at FROM skills WHERE name = ?`, name,
	).Scan(&sk.Name, &sk.Description, &sk.Content, &pinned, &sk.UpdatedAt)
	if err == sql.ErrNoRows {
		return atoll.Skill{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Skill{}, fmt.Errorf("get skill: %w", err)
	}
	sk.Pinned = pinned != 0
	return sk, nil
}

func (s *Store) ListSkills(ctx context.Context) ([]atoll.Skill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, content, pinned, updated_at FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()
	return scanSkills(rows)
}

func (s *Store) SearchSkills(ctx context.Context, query string, k int) ([]atoll.Skill, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	q := `SELECT sk.name, sk.description, sk.content, sk.pinned, sk.updated_at
	      FROM skills_fts f
	      JOIN skills sk ON sk.name = f.name
	      WHERE skills_fts MATCH ?
	      ORDER BY rank`
	args := []any{match}
	if k > 0 {
		q += ` LIMIT ?`
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search skills: %w", err)
	}
	defer rows.Close()
	return scanSkills(rows)
}

func scanSkills(rows *sql.Rows) ([]atoll.Skill, error) {
	var out []atoll.Skill
	for rows.Next() {
		var sk atoll.Skill
		var pinned int
		if err := rows.Scan(&sk.Name, &sk.Description, &sk.Content, &pinned, &sk.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		sk.Pinned = pinned != 0
		out = append(out, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skills: %w", err)
	}
	return out, nil
}

// --- KnowledgeStore ---

// PutDocument stores a document and replaces its chunk index atomically.
// Re-ingesting a document drops the old chunks first so stale content never
// lingers in search results.
func (s *Store) PutDocument(ctx context.Context, doc atoll.Document, chunks []atoll.Chunk) error {
	start := time.Now()
	s.logger.Debug("sqlite: put document", "id", doc.ID, "title", doc.Title, "chunks", len(chunks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, title, source, mime, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Source, doc.Mime, doc.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: put document failed", "id", doc.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("put document: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, doc.ID)
	if err != nil {
		return fmt.Errorf("clear chunk fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}

	for _, c := range chunks {
		var embedding string
		if len(c.Embedding) > 0 {
			embedding = serializeEmbedding(c.Embedding)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, content, chunk_index, embedding) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.DocumentID, c.Content, c.ChunkIndex, embedding,
		)
		if err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`, c.ID, c.Content)
		if err != nil {
			return fmt.Errorf("index chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: put document ok", "id", doc.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (atoll.Document, error) {
	var doc atoll.Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, source, mime, created_at FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Title, &doc.Source, &doc.Mime, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return atoll.Document{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetDocumentChunks(ctx context.Context, docID string) ([]atoll.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, content, chunk_index, embedding FROM chunks
		 WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("get document chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *Store) ListDocuments(ctx context.Context, limit int) ([]atoll.Document, error) {
	q := `SELECT id, title, source, mime, created_at FROM documents ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []atoll.Document
	for rows.Next() {
		var doc atoll.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Source, &doc.Mime, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *Store) SearchChunksKeyword(ctx context.Context, query string, k int) ([]atoll.Chunk, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	q := `SELECT c.id, c.document_id, c.content, c.chunk_index, c.embedding
	      FROM chunks_fts f
	      JOIN chunks c ON c.id = f.chunk_id
	      WHERE chunks_fts MATCH ?
	      ORDER BY rank`
	args := []any{match}
	if k > 0 {
		q += ` LIMIT ?`
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks keyword: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SearchChunksVector scans all chunk embeddings and ranks by cosine
// similarity, ties broken by chunk id.
func (s *Store) SearchChunksVector(ctx context.Context, vec []float32, k int) ([]atoll.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, content, chunk_index, embedding FROM chunks WHERE embedding != ''`)
	if err != nil {
		return nil, fmt.Errorf("search chunks vector: %w", err)
	}
	defer rows.Close()

	type scored struct {
		c     atoll.Chunk
		score float64
	}
	var hits []scored
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if len(c.Embedding) == 0 {
			continue
		}
		hits = append(hits, scored{c: c, score: cosineSimilarity(vec, c.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].c.ID < hits[j].c.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	out := make([]atoll.Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out, nil
}

func scanChunk(rows *sql.Rows) (atoll.Chunk, error) {
	var c atoll.Chunk
	var embedding string
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &embedding); err != nil {
		return atoll.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	if embedding != "" {
		vec, err := deserializeEmbedding(embedding)
		if err == nil {
			c.Embedding = vec
		}
	}
	return c, nil
}

func scanChunks(rows *sql.Rows) ([]atoll.Chunk, error) {
	var out []atoll.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}
