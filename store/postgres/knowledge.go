package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/atoll"
)

// --- SkillStore ---

func (s *Store) PutSkill(ctx context.Context, sk atoll.Skill) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO skills (name, description, content, pinned, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		   description = EXCLUDED.description,
		   content = EXCLUDED.content,
		   pinned = EXCLUDED.pinned,
		   updated_at = EXCLUDED.updated_at`,
		sk.Name, sk.Description, sk.Content, sk.Pinned, sk.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put skill: %w", err)
	}
	return nil
}

func (s *Store) GetSkill(ctx context.Context, name string) (atoll.Skill, error) {
	var sk atoll.Skill
	err := s.pool.QueryRow(ctx,
		`SELECT name, description, content, pinned, updated_at FROM skills WHERE name = $1`, name,
	).Scan(&sk.Name, &sk.Description, &sk.Content, &sk.Pinned, &sk.UpdatedAt)
	if err == pgx.ErrNoRows {
		return atoll.Skill{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Skill{}, fmt.Errorf("postgres: get skill: %w", err)
	}
	return sk, nil
}

func (s *Store) ListSkills(ctx context.Context) ([]atoll.Skill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, description, content, pinned, updated_at FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list skills: %w", err)
	}
	defer rows.Close()
	return scanSkills(rows)
}

func (s *Store) SearchSkills(ctx context.Context, query string, k int) ([]atoll.Skill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, description, content, pinned, updated_at
		 FROM skills
		 WHERE to_tsvector('english', name || ' ' || description || ' ' || content)
		       @@ plainto_tsquery('english', $1)
		 ORDER BY ts_rank(to_tsvector('english', name || ' ' || description || ' ' || content),
		                  plainto_tsquery('english', $1)) DESC, name
		 LIMIT $2`,
		query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search skills: %w", err)
	}
	defer rows.Close()
	return scanSkills(rows)
}

func scanSkills(rows pgx.Rows) ([]atoll.Skill, error) {
	var skills []atoll.Skill
	for rows.Next() {
		var sk atoll.Skill
		if err := rows.Scan(&sk.Name, &sk.Description, &sk.Content, &sk.Pinned, &sk.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan skill: %w", err)
		}
		skills = append(skills, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate skills: %w", err)
	}
	return skills, nil
}

// --- KnowledgeStore ---

func (s *Store) PutDocument(ctx context.Context, doc atoll.Document, chunks []atoll.Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, title, source, mime, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   title = EXCLUDED.title,
		   source = EXCLUDED.source,
		   mime = EXCLUDED.mime,
		   created_at = EXCLUDED.created_at`,
		doc.ID, doc.Title, doc.Source, doc.Mime, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put document: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("postgres: clear chunks: %w", err)
	}

	for _, c := range chunks {
		var embedding any
		if len(c.Embedding) > 0 {
			embedding = serializeEmbedding(c.Embedding)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, content, chunk_index, embedding)
			 VALUES ($1, $2, $3, $4, $5::vector)`,
			c.ID, c.DocumentID, c.Content, c.ChunkIndex, embedding)
		if err != nil {
			return fmt.Errorf("postgres: insert chunk: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (atoll.Document, error) {
	var doc atoll.Document
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, source, mime, created_at FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Title, &doc.Source, &doc.Mime, &doc.CreatedAt)
	if err == pgx.ErrNoRows {
		return atoll.Document{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Document{}, fmt.Errorf("postgres: get document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetDocumentChunks(ctx context.Context, docID string) ([]atoll.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, content, chunk_index, embedding::text
		 FROM chunks WHERE document_id = $1 ORDER BY chunk_index`,
		docID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get document chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *Store) ListDocuments(ctx context.Context, limit int) ([]atoll.Document, error) {
	q := `SELECT id, title, source, mime, created_at FROM documents ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list documents: %w", err)
	}
	defer rows.Close()

	var docs []atoll.Document
	for rows.Next() {
		var doc atoll.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Source, &doc.Mime, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate documents: %w", err)
	}
	return docs, nil
}

func (s *Store) SearchChunksKeyword(ctx context.Context, query string, k int) ([]atoll.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, content, chunk_index, embedding::text
		 FROM chunks
		 WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		 ORDER BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) DESC, id
		 LIMIT $2`,
		query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks keyword: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *Store) SearchChunksVector(ctx context.Context, vec []float32, k int) ([]atoll.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, content, chunk_index, embedding::text
		 FROM chunks
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector, id
		 LIMIT $2`,
		serializeEmbedding(vec), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks vector: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]atoll.Chunk, error) {
	var chunks []atoll.Chunk
	for rows.Next() {
		var (
			c   atoll.Chunk
			emb *string
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &c.ChunkIndex, &emb); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if emb != nil {
			vec, err := parseEmbedding(*emb)
			if err == nil {
				c.Embedding = vec
			}
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate chunks: %w", err)
	}
	return chunks, nil
}
