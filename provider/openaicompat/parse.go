package openaicompat

import (
	"encoding/json"

	atoll "github.com/nevindra/atoll"
)

// ParseResponse converts an OpenAI-format ChatResponse to an atoll
// ChatResponse. Content, tool calls, and usage come from choices[0].
func ParseResponse(resp ChatResponse) (atoll.ChatResponse, error) {
	var out atoll.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = atoll.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to atoll ToolCalls.
// function.arguments arrives as a JSON string; invalid JSON degrades to an
// empty object instead of poisoning the tool loop.
func ParseToolCalls(tcs []ToolCallRequest) []atoll.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]atoll.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, atoll.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
