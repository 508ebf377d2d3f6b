// Package kb is the knowledge base: document ingestion (extract, chunk,
// embed, index) and hybrid chunk retrieval for grounding answers in
// user-provided material.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nevindra/atoll"
)

// DefaultSearchLimit is the hit count when the caller passes k <= 0.
const DefaultSearchLimit = 8

// Hybrid retrieval tuning. Both lanes feed reciprocal rank fusion with a
// slight vector preference; the candidate pool is oversized so fusion has
// room to reorder.
const (
	vectorWeight  = 0.55
	keywordWeight = 0.45
	rrfK          = 60
	minSearchPool = 15
)

const maxTitleChars = 80

// Service implements atoll.Knowledge on top of a KnowledgeStore. Ingestion
// extracts text by mime type, chunks it, embeds each chunk best-effort and
// indexes the result; retrieval fuses the vector and keyword lanes.
type Service struct {
	store    atoll.KnowledgeStore
	embedder atoll.EmbeddingProvider
	chunker  *Chunker
	logger   *slog.Logger
	now      func() int64
}

var _ atoll.Knowledge = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithEmbedder enables vector indexing and the vector search lane. Without
// one, retrieval is keyword-only.
func WithEmbedder(e atoll.EmbeddingProvider) Option {
	return func(s *Service) { s.embedder = e }
}

// WithChunker overrides the default chunking geometry.
func WithChunker(c *Chunker) Option {
	return func(s *Service) { s.chunker = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() int64) Option {
	return func(s *Service) { s.now = now }
}

// New creates a knowledge base service over store.
func New(store atoll.KnowledgeStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		chunker: NewChunker(DefaultChunkChars, DefaultOverlapChars),
		logger:  nopLogger,
		now:     atoll.NowMilli,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add ingests one document. An empty title is derived from the first line
// of the extracted text. Embedding failures are logged and swallowed; the
// keyword index still covers every chunk.
func (s *Service) Add(ctx context.Context, title, source, mimeType string, data []byte) (atoll.Document, error) {
	text, err := ExtractText(mimeType, source, data)
	if err != nil {
		return atoll.Document{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return atoll.Document{}, fmt.Errorf("kb: no extractable text (mime %q)", mimeType)
	}
	if strings.TrimSpace(title) == "" {
		title = deriveTitle(text, source)
	}
	doc := atoll.Document{
		ID:        atoll.NewID(atoll.KindDocument),
		Title:     title,
		Source:    source,
		Mime:      mimeType,
		CreatedAt: s.now(),
	}
	pieces := s.chunker.Chunk(text, mimeType)
	chunks := make([]atoll.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = atoll.Chunk{
			ID:         atoll.NewID(atoll.KindChunk),
			DocumentID: doc.ID,
			Content:    p,
			ChunkIndex: i,
		}
	}
	s.embedChunks(ctx, chunks)
	if err := s.store.PutDocument(ctx, doc, chunks); err != nil {
		return atoll.Document{}, fmt.Errorf("put document: %w", err)
	}
	s.logger.Info("kb document indexed",
		"doc_id", doc.ID, "title", doc.Title, "mime", doc.Mime, "chunks", len(chunks))
	return doc, nil
}

// List returns the newest documents, up to limit.
func (s *Service) List(ctx context.Context, limit int) ([]atoll.Document, error) {
	return s.store.ListDocuments(ctx, limit)
}

// Get returns one document and its chunks in index order.
func (s *Service) Get(ctx context.Context, id string) (atoll.Document, []atoll.Chunk, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return atoll.Document{}, nil, err
	}
	chunks, err := s.store.GetDocumentChunks(ctx, id)
	if err != nil {
		return atoll.Document{}, nil, err
	}
	return doc, chunks, nil
}

// Search fans out to the vector and keyword lanes and fuses both rankings
// with reciprocal rank fusion. Each hit carries its document title so
// callers can cite the source.
func (s *Service) Search(ctx context.Context, query string, k int) ([]atoll.KnowledgeHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultSearchLimit
	}
	pool := 3 * k
	if pool < minSearchPool {
		pool = minSearchPool
	}

	byID := make(map[string]atoll.Chunk)
	var lanes []chunkRanking

	if s.embedder != nil {
		if vecs, err := s.embedder.Embed(ctx, []string{query}); err != nil {
			s.logger.Warn("kb query embedding failed", "error", err)
		} else if len(vecs) == 1 {
			hits, err := s.store.SearchChunksVector(ctx, vecs[0], pool)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
			lanes = append(lanes, chunkRanking{ids: collectChunks(byID, hits), weight: vectorWeight})
		}
	}
	hits, err := s.store.SearchChunksKeyword(ctx, query, pool)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	lanes = append(lanes, chunkRanking{ids: collectChunks(byID, hits), weight: keywordWeight})

	fused := fuseChunkRankings(lanes)
	if len(fused) > k {
		fused = fused[:k]
	}

	titles := make(map[string]string)
	out := make([]atoll.KnowledgeHit, 0, len(fused))
	for _, f := range fused {
		ch := byID[f.id]
		title, ok := titles[ch.DocumentID]
		if !ok {
			if doc, err := s.store.GetDocument(ctx, ch.DocumentID); err == nil {
				title = doc.Title
			}
			titles[ch.DocumentID] = title
		}
		out = append(out, atoll.KnowledgeHit{Chunk: ch, Title: title, Score: f.score})
	}
	return out, nil
}

// embedChunks fills chunk embeddings in place, best-effort.
func (s *Service) embedChunks(ctx context.Context, chunks []atoll.Chunk) {
	if s.embedder == nil || len(chunks) == 0 {
		return
	}
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		s.logger.Warn("kb chunk embedding failed", "error", err, "chunks", len(chunks))
		return
	}
	if len(vecs) != len(chunks) {
		s.logger.Warn("kb embedder vector count mismatch", "want", len(chunks), "got", len(vecs))
		return
	}
	for i := range chunks {
		chunks[i].Embedding = vecs[i]
	}
}

type chunkRanking struct {
	ids    []string
	weight float64
}

type scoredChunk struct {
	id    string
	score float64
}

// fuseChunkRankings merges lane rankings with reciprocal rank fusion: each
// lane contributes weight/(rrfK+rank) per id, ranks 1-based. Descending
// score, chunk id breaks ties.
func fuseChunkRankings(lanes []chunkRanking) []scoredChunk {
	scores := make(map[string]float64)
	for _, lane := range lanes {
		for rank, id := range lane.ids {
			scores[id] += lane.weight / float64(rrfK+rank+1)
		}
	}
	out := make([]scoredChunk, 0, len(scores))
	for id, score := range scores {
		out = append(out, scoredChunk{id: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func collectChunks(byID map[string]atoll.Chunk, hits []atoll.Chunk) []string {
	ids := make([]string, 0, len(hits))
	for _, ch := range hits {
		byID[ch.ID] = ch
		ids = append(ids, ch.ID)
	}
	return ids
}

// deriveTitle takes the first non-empty line of the extracted text, shorn
// of heading markers, falling back to the source.
func deriveTitle(text, source string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "# "))
	if line == "" {
		line = strings.TrimSpace(source)
	}
	if len(line) > maxTitleChars {
		cut := maxTitleChars
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = strings.TrimSpace(line[:cut])
	}
	if line == "" {
		line = "untitled"
	}
	return line
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
