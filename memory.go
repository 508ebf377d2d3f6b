package atoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the per-chunk byte cap for chunked memory writes.
const DefaultChunkSize = 2000

// compactWindow is how many recent messages one compaction pass covers.
const compactWindow = 50

// Fallback truncation lengths when compaction runs without a model.
const (
	shortSummaryChars = 280
	longSummaryChars  = 1200
)

// MemoryBackend is the store slice the memory service needs.
type MemoryBackend interface {
	MemoryStore
	SummaryStore
	MessageStore
}

// MemoryService is durable per-thread episodic memory: chunked writes with
// best-effort embeddings, hybrid retrieval, and rolling thread summaries.
type MemoryService struct {
	store      MemoryBackend
	embedder   EmbeddingProvider
	summarizer Provider // fallback-lane model for compaction
	events     *EventWriter
	logger     *slog.Logger

	vectorWeight  float64
	keywordWeight float64
	recencyWeight float64
}

// MemoryOption configures a MemoryService.
type MemoryOption func(*MemoryService)

// WithSummarizer sets the model used by LLM-assisted compaction. Without one,
// compaction falls back to truncation.
func WithSummarizer(p Provider) MemoryOption {
	return func(m *MemoryService) { m.summarizer = p }
}

// WithMemoryEvents sets the audit event writer.
func WithMemoryEvents(w *EventWriter) MemoryOption {
	return func(m *MemoryService) { m.events = w }
}

// WithMemoryLogger sets the structured logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *MemoryService) { m.logger = l }
}

// WithFusionWeights overrides the RRF source weights for hybrid search
// (defaults: vector 0.40, keyword 0.35, recency 0.25).
func WithFusionWeights(vector, keyword, recency float64) MemoryOption {
	return func(m *MemoryService) {
		m.vectorWeight = vector
		m.keywordWeight = keyword
		m.recencyWeight = recency
	}
}

// NewMemoryService creates a MemoryService. embedder may be nil, in which
// case items are stored without vectors and retrieval degrades to keyword
// plus recency.
func NewMemoryService(store MemoryBackend, embedder EmbeddingProvider, opts ...MemoryOption) *MemoryService {
	m := &MemoryService{
		store:         store,
		embedder:      embedder,
		vectorWeight:  DefaultVectorWeight,
		keywordWeight: DefaultKeywordWeight,
		recencyWeight: DefaultRecencyWeight,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Write persists one memory item with a best-effort embedding. Embedding
// failures are logged and swallowed so the write path never blocks on a
// remote endpoint.
func (m *MemoryService) Write(ctx context.Context, threadID, text string, metadata map[string]any) (MemoryItem, error) {
	item := MemoryItem{
		ID:        NewID(KindMemory),
		ThreadID:  threadID,
		Text:      text,
		Metadata:  metadata,
		CreatedAt: NowMilli(),
	}
	if err := m.store.InsertMemory(ctx, item); err != nil {
		return MemoryItem{}, fmt.Errorf("insert memory: %w", err)
	}
	m.embed(ctx, item)
	return item, nil
}

// WriteChunked splits text when it exceeds chunkSize bytes and writes each
// piece as its own item tagged with the chunk group. Retrieval stitches the
// group back into the original text. chunkSize <= 0 uses DefaultChunkSize.
func (m *MemoryService) WriteChunked(ctx context.Context, threadID, text string, metadata map[string]any, chunkSize int) ([]MemoryItem, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(text) <= chunkSize {
		item, err := m.Write(ctx, threadID, text, metadata)
		if err != nil {
			return nil, err
		}
		return []MemoryItem{item}, nil
	}

	groupID := "mcg_" + hashHex(text)[:24]
	parts := splitLossless(text, chunkSize)
	items := make([]MemoryItem, 0, len(parts))
	for i, part := range parts {
		md := make(map[string]any, len(metadata)+4)
		for k, v := range metadata {
			md[k] = v
		}
		md["chunk_group_id"] = groupID
		md["chunk_index"] = i
		md["chunk_total"] = len(parts)
		md["continued"] = i > 0

		item := MemoryItem{
			ID:        NewID(KindMemory),
			ThreadID:  threadID,
			Text:      part,
			Metadata:  md,
			CreatedAt: NowMilli(),
		}
		if err := m.store.InsertMemory(ctx, item); err != nil {
			return items, fmt.Errorf("insert memory chunk %d/%d: %w", i+1, len(parts), err)
		}
		m.embed(ctx, item)
		items = append(items, item)
	}
	m.logger.Debug("chunked memory write",
		"thread_id", threadID,
		"group_id", groupID,
		"chunks", len(parts))
	return items, nil
}

// embed attaches a vector to item, best-effort.
func (m *MemoryService) embed(ctx context.Context, item MemoryItem) {
	if m.embedder == nil {
		return
	}
	vecs, err := m.embedder.Embed(ctx, []string{item.Text})
	if err != nil || len(vecs) == 0 {
		m.logger.Warn("memory embedding failed", "memory_id", item.ID, "error", err)
		return
	}
	if err := m.store.InsertMemoryEmbedding(ctx, item.ID, m.embedder.Name(), vecs[0]); err != nil {
		m.logger.Warn("memory embedding insert failed", "memory_id", item.ID, "error", err)
	}
}

// compactPrompt asks for the two summary lengths in one call.
const compactPrompt = `Summarize the conversation below for an assistant's rolling memory.

Rules:
- "short": at most 3 sentences covering who the user is and what they currently want.
- "long": at most 10 sentences, keeping decisions, constraints, open questions, and unfinished tasks.
- Plain prose, no headings or bullet lists.
- Return ONLY a JSON object: {"short": "...", "long": "..."}`

// CompactThread rewrites the thread's rolling summary from its most recent
// messages. With llmSummarize and a configured summarizer the model produces
// the short and long variants; otherwise (or when the model call fails) the
// transcript is truncated.
func (m *MemoryService) CompactThread(ctx context.Context, threadID string, llmSummarize bool) (ThreadSummary, error) {
	msgs, err := m.store.TailMessages(ctx, threadID, compactWindow)
	if err != nil {
		return ThreadSummary{}, fmt.Errorf("load tail: %w", err)
	}
	if len(msgs) == 0 {
		cur, err := m.store.GetSummary(ctx, threadID)
		if errors.Is(err, ErrNotFound) {
			return ThreadSummary{ThreadID: threadID}, nil
		}
		return cur, err
	}

	var transcript strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	var short, long string
	usedLLM := false
	if llmSummarize && m.summarizer != nil {
		short, long = m.summarize(ctx, transcript.String())
		usedLLM = short != ""
	}
	if short == "" {
		short = truncateText(transcript.String(), shortSummaryChars)
		long = truncateText(transcript.String(), longSummaryChars)
	}

	s := ThreadSummary{
		ThreadID:  threadID,
		Short:     short,
		Long:      long,
		UpdatedAt: NowMilli(),
	}
	if err := m.store.PutSummary(ctx, s); err != nil {
		return ThreadSummary{}, fmt.Errorf("put summary: %w", err)
	}

	if m.events != nil {
		m.events.Emit(ctx, Event{
			Type:     EventMemoryCompact,
			ThreadID: threadID,
			PayloadRaw: Payload(map[string]any{
				"message_count": len(msgs),
				"llm":           usedLLM,
			}),
		})
	}
	m.logger.Debug("thread compacted", "thread_id", threadID, "messages", len(msgs), "llm", usedLLM)
	return s, nil
}

// summarize asks the model for both summary lengths. Returns empty strings
// on any failure; the caller falls back to truncation.
func (m *MemoryService) summarize(ctx context.Context, transcript string) (short, long string) {
	resp, err := m.summarizer.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(compactPrompt),
			UserMessage(transcript),
		},
	})
	if err != nil {
		m.logger.Warn("compaction model call failed", "error", err)
		return "", ""
	}

	var parsed struct {
		Short string `json:"short"`
		Long  string `json:"long"`
	}
	content := strings.TrimSpace(resp.Content)
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		// The model sometimes wraps the object in markdown fences; scan for it.
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start >= 0 && end > start {
			_ = json.Unmarshal([]byte(content[start:end+1]), &parsed)
		}
	}
	return strings.TrimSpace(parsed.Short), strings.TrimSpace(parsed.Long)
}

// truncateText hard-cuts s at limit bytes on a rune boundary with an
// ellipsis.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// splitLossless cuts text into pieces of at most size bytes whose
// concatenation reproduces text exactly. Cuts prefer the last whitespace in
// the window so words stay intact; the whitespace stays with the head piece.
func splitLossless(text string, size int) []string {
	if size <= 0 || text == "" {
		return []string{text}
	}
	var parts []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if ws := strings.LastIndexAny(text[:cut], " \t\n"); ws > size/2 {
			cut = ws + 1
		}
		if cut == 0 {
			cut = size
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
