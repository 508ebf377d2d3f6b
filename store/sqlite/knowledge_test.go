package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/nevindra/atoll"
)

func TestSkillRoundTripAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetSkill(ctx, "missing"); !errors.Is(err, atoll.ErrNotFound) {
		t.Fatalf("missing skill: want ErrNotFound, got %v", err)
	}

	for _, sk := range []atoll.Skill{
		{Name: "weekly-report", Description: "assemble the weekly report", Content: "1. gather\n2. write", Pinned: true, UpdatedAt: 1000},
		{Name: "deploy", Description: "deploy the service", Content: "run the pipeline", UpdatedAt: 2000},
	} {
		if err := s.PutSkill(ctx, sk); err != nil {
			t.Fatalf("PutSkill %s: %v", sk.Name, err)
		}
	}

	got, err := s.GetSkill(ctx, "weekly-report")
	if err != nil {
		t.Fatalf("GetSkill: %v", err)
	}
	if !got.Pinned || got.Content != "1. gather\n2. write" {
		t.Errorf("unexpected skill: %+v", got)
	}

	list, err := s.ListSkills(ctx)
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	if len(list) != 2 || list[0].Name != "deploy" || list[1].Name != "weekly-report" {
		t.Fatalf("expected name order, got %+v", list)
	}

	// Upsert replaces content and refreshes search.
	if err := s.PutSkill(ctx, atoll.Skill{Name: "deploy", Description: "deploy via canary", Content: "canary first", UpdatedAt: 3000}); err != nil {
		t.Fatalf("PutSkill upsert: %v", err)
	}
	hits, err := s.SearchSkills(ctx, "canary", 5)
	if err != nil {
		t.Fatalf("SearchSkills: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "deploy" {
		t.Fatalf("expected [deploy], got %+v", hits)
	}
	if stale, _ := s.SearchSkills(ctx, "pipeline", 5); len(stale) != 0 {
		t.Errorf("stale content still searchable: %+v", stale)
	}
}

func TestPutDocumentReplacesChunks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := atoll.Document{ID: "doc_1", Title: "Handbook", Source: "file:handbook.md", Mime: "text/markdown", CreatedAt: 1000}
	chunks := []atoll.Chunk{
		{ID: "chk_b", DocumentID: "doc_1", Content: "second section about onboarding", ChunkIndex: 1},
		{ID: "chk_a", DocumentID: "doc_1", Content: "first section about payroll", ChunkIndex: 0, Embedding: []float32{1, 0}},
	}
	if err := s.PutDocument(ctx, doc, chunks); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc_1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got != doc {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if _, err := s.GetDocument(ctx, "doc_missing"); !errors.Is(err, atoll.ErrNotFound) {
		t.Fatalf("missing document: want ErrNotFound, got %v", err)
	}

	ordered, err := s.GetDocumentChunks(ctx, "doc_1")
	if err != nil {
		t.Fatalf("GetDocumentChunks: %v", err)
	}
	if len(ordered) != 2 || ordered[0].ID != "chk_a" || ordered[1].ID != "chk_b" {
		t.Fatalf("expected chunk_index order, got %+v", ordered)
	}
	if len(ordered[0].Embedding) != 2 {
		t.Errorf("embedding lost in round trip: %+v", ordered[0])
	}

	// Re-ingest with different chunks; the old ones must vanish everywhere.
	if err := s.PutDocument(ctx, doc, []atoll.Chunk{
		{ID: "chk_c", DocumentID: "doc_1", Content: "rewritten handbook", ChunkIndex: 0},
	}); err != nil {
		t.Fatalf("PutDocument re-ingest: %v", err)
	}
	ordered, _ = s.GetDocumentChunks(ctx, "doc_1")
	if len(ordered) != 1 || ordered[0].ID != "chk_c" {
		t.Fatalf("expected only chk_c after re-ingest, got %+v", ordered)
	}
	if stale, _ := s.SearchChunksKeyword(ctx, "payroll", 5); len(stale) != 0 {
		t.Errorf("stale chunk still searchable: %+v", stale)
	}
}

func TestListDocumentsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, doc := range []atoll.Document{
		{ID: "doc_a", Title: "older", Source: "a", CreatedAt: 1000},
		{ID: "doc_b", Title: "newer", Source: "b", CreatedAt: 2000},
		{ID: "doc_c", Title: "newest", Source: "c", CreatedAt: 3000},
	} {
		if err := s.PutDocument(ctx, doc, nil); err != nil {
			t.Fatalf("PutDocument %s: %v", doc.ID, err)
		}
	}

	got, err := s.ListDocuments(ctx, 2)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(got) != 2 || got[0].ID != "doc_c" || got[1].ID != "doc_b" {
		t.Fatalf("expected [doc_c, doc_b], got %+v", got)
	}
}

func TestSearchChunksKeyword(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := atoll.Document{ID: "doc_1", Title: "KB", Source: "kb", CreatedAt: 1000}
	err := s.PutDocument(ctx, doc, []atoll.Chunk{
		{ID: "chk_a", DocumentID: "doc_1", Content: "the vacation policy allows twenty days", ChunkIndex: 0},
		{ID: "chk_b", DocumentID: "doc_1", Content: "the expense policy requires receipts", ChunkIndex: 1},
	})
	if err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	hits, err := s.SearchChunksKeyword(ctx, "vacation policy", 5)
	if err != nil {
		t.Fatalf("SearchChunksKeyword: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "chk_a" {
		t.Fatalf("expected [chk_a], got %+v", hits)
	}
}

func TestSearchChunksVectorRanking(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	doc := atoll.Document{ID: "doc_1", Title: "KB", Source: "kb", CreatedAt: 1000}
	err := s.PutDocument(ctx, doc, []atoll.Chunk{
		{ID: "chk_a", DocumentID: "doc_1", Content: "a", ChunkIndex: 0, Embedding: []float32{1, 0}},
		{ID: "chk_b", DocumentID: "doc_1", Content: "b", ChunkIndex: 1, Embedding: []float32{0, 1}},
		{ID: "chk_c", DocumentID: "doc_1", Content: "c", ChunkIndex: 2}, // no embedding, never matches
	})
	if err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	hits, err := s.SearchChunksVector(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("SearchChunksVector: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "chk_a" {
		t.Fatalf("expected chk_a first, got %+v", hits)
	}
}
