package observer

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	atoll "github.com/nevindra/atoll"
)

func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := NewInstruments(nil)
	if err != nil {
		t.Fatalf("NewInstruments: %v", err)
	}
	return inst
}

func TestCostCalculator(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"custom-model": {1.00, 2.00},
		// Override a default.
		"gemini-2.5-pro": {2.00, 20.00},
	})

	tests := []struct {
		model   string
		in, out int
		want    float64
	}{
		{"custom-model", 1_000_000, 500_000, 2.00},
		{"gemini-2.5-pro", 1_000_000, 0, 2.00},
		{"gemini-2.5-flash", 1_000_000, 1_000_000, 0.75},
		{"never-heard-of-it", 1_000_000, 1_000_000, 0.0},
	}
	for _, tt := range tests {
		got := c.Calculate(tt.model, tt.in, tt.out)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Calculate(%s, %d, %d) = %v, want %v", tt.model, tt.in, tt.out, got, tt.want)
		}
	}
}

type fakeProvider struct {
	resp atoll.ChatResponse
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Chat(context.Context, atoll.ChatRequest) (atoll.ChatResponse, error) {
	return f.resp, f.err
}
func (f *fakeProvider) Healthy(context.Context) error { return nil }

func TestObservedProviderPassesThrough(t *testing.T) {
	inner := &fakeProvider{resp: atoll.ChatResponse{
		Content: "hello",
		Usage:   atoll.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	p := WrapProvider(inner, "gemini-2.5-flash", testInstruments(t))

	if p.Name() != "fake" {
		t.Errorf("Name = %q", p.Name())
	}
	if err := p.Healthy(context.Background()); err != nil {
		t.Errorf("Healthy: %v", err)
	}
	resp, err := p.Chat(context.Background(), atoll.ChatRequest{
		Messages: []atoll.ChatMessage{atoll.UserMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}

	inner.err = errors.New("boom")
	if _, err := p.Chat(context.Background(), atoll.ChatRequest{}); err == nil {
		t.Fatal("error must pass through")
	}
}

type fakeTool struct{ result atoll.ToolResult }

func (f *fakeTool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{{Name: "echo", Description: "echoes"}}
}
func (f *fakeTool) Execute(context.Context, string, json.RawMessage) (atoll.ToolResult, error) {
	return f.result, nil
}

func TestObservedToolPassesThrough(t *testing.T) {
	wrapped := WrapTool(&fakeTool{result: atoll.ToolResult{Content: "ok"}}, testInstruments(t))

	defs := wrapped.Definitions()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("definitions = %+v", defs)
	}
	res, err := wrapped.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil || res.Content != "ok" {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
}

func TestWrapTaskHandler(t *testing.T) {
	var ran bool
	h := WrapTaskHandler(atoll.TaskAgentStep, func(ctx context.Context, task atoll.Task) error {
		ran = true
		return nil
	}, testInstruments(t))

	if err := h(context.Background(), atoll.Task{Queue: atoll.QueueAgentPriority}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !ran {
		t.Error("inner handler did not run")
	}
}
