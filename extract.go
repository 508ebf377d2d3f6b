package atoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// extractStatePrompt is the system prompt for structured state extraction.
const extractStatePrompt = `You are a state extraction system. Given one message from a conversation, extract durable structured statements worth tracking across the conversation.

Each statement has a type:
- decision: a choice that was made ("use PostgreSQL", "deploy on Fridays")
- constraint: a hard requirement or limit ("budget is $500", "must be offline-capable")
- action: a task someone committed to ("send the draft by Tuesday")
- question: an open question that needs an answer
- risk: a stated danger or concern
- failure: something that went wrong

Rules:
- Only extract statements clearly made or strongly implied by the message
- Each statement is a single concise sentence in neutral wording
- Include 0-3 topic_tags (single lowercase words)
- Rate confidence as low, medium, or high
- Return [] if the message contains nothing durable

Return ONLY a JSON array:
[{"type": "decision", "text": "use MySQL", "topic_tags": ["database"], "confidence": "high"}]`

// extractedState is the wire shape of one extracted statement.
type extractedState struct {
	Type       string   `json:"type"`
	Text       string   `json:"text"`
	TopicTags  []string `json:"topic_tags"`
	Confidence string   `json:"confidence"`
}

// extractWindow is how many recent messages a watermark-driven pass scans.
const extractWindow = 50

// Extractor turns conversation messages into state items through the model,
// then classifies each against the thread's incumbents.
type Extractor struct {
	state  *StateService
	store  StateBackend
	model  Provider
	logger *slog.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithExtractorLogger sets the structured logger.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor creates an Extractor. model is typically the fallback lane so
// extraction never competes with user-facing traffic for primary quota.
func NewExtractor(state *StateService, store StateBackend, model Provider, opts ...ExtractorOption) *Extractor {
	e := &Extractor{state: state, store: store, model: model}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// shouldExtract reports whether a message is worth an extraction call.
// Skips trivial acknowledgements to avoid wasted model calls.
func shouldExtract(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return false
	}
	if strings.HasPrefix(trimmed, "/") {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, s := range trivialReplies {
		if lower == s {
			return false
		}
	}
	return true
}

var trivialReplies = []string{
	"thanks", "thank you", "thanks a lot", "thx",
	"sounds good", "makes sense", "understood",
	"yes please", "no thanks", "all good",
}

// ExtractMessage runs extraction on one message and ingests every statement
// the model returns. Returns the resulting items in ingest order.
func (e *Extractor) ExtractMessage(ctx context.Context, threadID, actorID string, msg Message) ([]StateItem, error) {
	if !shouldExtract(msg.Content) {
		return nil, nil
	}
	resp, err := e.model.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(extractStatePrompt),
			UserMessage(msg.Content),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction model call: %w", err)
	}

	extracted := parseExtractedState(resp.Content)
	items := make([]StateItem, 0, len(extracted))
	for _, ex := range extracted {
		typ, ok := stateTypeOf(ex.Type)
		if !ok || strings.TrimSpace(ex.Text) == "" {
			continue
		}
		item := StateItem{
			ThreadID:   threadID,
			AgentID:    actorID,
			Text:       strings.TrimSpace(ex.Text),
			Type:       typ,
			TopicTags:  ex.TopicTags,
			Confidence: confidenceOf(ex.Confidence),
			Refs:       []string{msg.ID},
		}
		stored, outcome, err := e.state.Ingest(ctx, item, msg)
		if err != nil {
			e.logger.Warn("state ingest failed", "thread_id", threadID, "error", err)
			continue
		}
		e.logger.Debug("state extracted",
			"thread_id", threadID,
			"uid", stored.UID,
			"type", stored.Type,
			"outcome", string(outcome))
		items = append(items, stored)
	}
	return items, nil
}

// ExtractThread runs a watermark-driven pass over the thread's recent user
// messages, extracting from everything newer than the watermark. Returns how
// many messages were processed.
func (e *Extractor) ExtractThread(ctx context.Context, threadID, actorID string) (int, error) {
	w, err := e.store.GetWatermark(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("get watermark: %w", err)
	}
	msgs, err := e.store.TailMessages(ctx, threadID, extractWindow)
	if err != nil {
		return 0, fmt.Errorf("load tail: %w", err)
	}

	processed := 0
	last := w
	for _, msg := range msgs {
		if !afterWatermark(msg, w) {
			continue
		}
		if msg.Role == "user" {
			if _, err := e.ExtractMessage(ctx, threadID, actorID, msg); err != nil {
				e.logger.Warn("extraction pass item failed", "message_id", msg.ID, "error", err)
			} else {
				processed++
			}
		}
		last = ExtractionWatermark{
			ThreadID:             threadID,
			LastMessageCreatedAt: msg.CreatedAt,
			LastMessageID:        msg.ID,
		}
	}
	if last != w {
		if err := e.store.PutWatermark(ctx, last); err != nil {
			return processed, fmt.Errorf("put watermark: %w", err)
		}
	}
	return processed, nil
}

// afterWatermark reports whether msg is strictly newer than the watermark.
func afterWatermark(msg Message, w ExtractionWatermark) bool {
	if msg.CreatedAt != w.LastMessageCreatedAt {
		return msg.CreatedAt > w.LastMessageCreatedAt
	}
	return msg.ID > w.LastMessageID
}

// parseExtractedState parses the model's extraction response. Handles both
// raw JSON arrays and markdown-fenced responses.
func parseExtractedState(response string) []extractedState {
	content := strings.TrimSpace(response)
	var items []extractedState
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		// The model sometimes wraps the array in markdown fences; scan for it.
		start := strings.Index(content, "[")
		end := strings.LastIndex(content, "]")
		if start >= 0 && end > start {
			_ = json.Unmarshal([]byte(content[start:end+1]), &items)
		}
	}
	return items
}

// stateTypeOf maps a wire type tag to its StateType.
func stateTypeOf(s string) (StateType, bool) {
	switch StateType(strings.ToLower(strings.TrimSpace(s))) {
	case StateDecision:
		return StateDecision, true
	case StateConstraint:
		return StateConstraint, true
	case StateAction:
		return StateAction, true
	case StateQuestion:
		return StateQuestion, true
	case StateRisk:
		return StateRisk, true
	case StateFailure:
		return StateFailure, true
	}
	return "", false
}

// confidenceOf maps a wire confidence to a level, defaulting to medium.
func confidenceOf(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceLow:
		return ConfidenceLow
	case ConfidenceHigh:
		return ConfidenceHigh
	}
	return ConfidenceMedium
}
