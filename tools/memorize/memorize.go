// Package memorize lets the model write durable notes: free-form memory
// items and typed state notes for the current thread. The caller identity on
// the context decides which thread the notes land in.
package memorize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	atoll "github.com/nevindra/atoll"
)

// Tool records memory items and state notes on behalf of the model.
type Tool struct {
	memory *atoll.MemoryService
	state  *atoll.StateService
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// New creates the memorize tool. Either service may be nil; the matching
// operation then reports itself unavailable.
func New(memory *atoll.MemoryService, state *atoll.StateService) *Tool {
	return &Tool{memory: memory, state: state}
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{
		{
			Name:        "remember",
			Description: "Save a note to long-term memory for this conversation. Use when the user asks to remember something, or when a fact will matter beyond this exchange.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"content":{"type":"string","description":"The fact or note to save"}},"required":["content"]}`),
		},
		{
			Name:        "state_note",
			Description: "Record a typed working-state note for this conversation: a decision made, a constraint, an action item, an open question, a risk, or a failure. Notes deduplicate against existing ones.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"text":{"type":"string","description":"The note, one sentence"},
				"type":{"type":"string","enum":["decision","constraint","action","question","risk","failure"],"description":"Kind of note"},
				"confidence":{"type":"string","enum":["low","medium","high"],"description":"How certain this is (default medium)"}
			},"required":["text","type"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (atoll.ToolResult, error) {
	inv, ok := atoll.InvocationFrom(ctx)
	if !ok || inv.ThreadID == "" {
		return atoll.ToolResult{Error: "caller thread unavailable"}, nil
	}

	var result string
	var err error
	switch name {
	case "remember":
		result, err = t.remember(ctx, inv, args)
	case "state_note":
		result, err = t.stateNote(ctx, inv, args)
	default:
		return atoll.ToolResult{Error: "unknown memorize tool: " + name}, nil
	}
	if err != nil {
		return atoll.ToolResult{Error: err.Error()}, nil
	}
	return atoll.ToolResult{Content: result}, nil
}

func (t *Tool) remember(ctx context.Context, inv atoll.Invocation, args json.RawMessage) (string, error) {
	if t.memory == nil {
		return "", fmt.Errorf("memory is not available")
	}
	var p struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return "", fmt.Errorf("content is required")
	}

	items, err := t.memory.WriteChunked(ctx, inv.ThreadID, p.Content, map[string]any{
		"source":   "agent",
		"actor_id": inv.ActorID,
	}, 0)
	if err != nil {
		return "", err
	}
	if len(items) == 1 {
		return "saved to memory", nil
	}
	return fmt.Sprintf("saved to memory in %d parts", len(items)), nil
}

func (t *Tool) stateNote(ctx context.Context, inv atoll.Invocation, args json.RawMessage) (string, error) {
	if t.state == nil {
		return "", fmt.Errorf("state tracking is not available")
	}
	var p struct {
		Text       string `json:"text"`
		Type       string `json:"type"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return "", fmt.Errorf("text is required")
	}
	typ, err := parseStateType(p.Type)
	if err != nil {
		return "", err
	}
	conf := atoll.Confidence(p.Confidence)
	if conf == "" {
		conf = atoll.ConfidenceMedium
	}

	item := atoll.StateItem{
		ThreadID:   inv.ThreadID,
		AgentID:    inv.ActorID,
		Text:       p.Text,
		Type:       typ,
		Confidence: conf,
	}
	_, outcome, err := t.state.Ingest(ctx, item, atoll.Message{})
	if err != nil {
		return "", err
	}
	switch outcome {
	case atoll.OutcomeMerged:
		return "noted (matched an existing entry)", nil
	case atoll.OutcomeConflict:
		return "noted, but it contradicts an existing entry; both are flagged", nil
	default:
		return "noted", nil
	}
}

func parseStateType(s string) (atoll.StateType, error) {
	switch t := atoll.StateType(s); t {
	case atoll.StateDecision, atoll.StateConstraint, atoll.StateAction,
		atoll.StateQuestion, atoll.StateRisk, atoll.StateFailure:
		return t, nil
	default:
		return "", fmt.Errorf("unknown state type %q", s)
	}
}
