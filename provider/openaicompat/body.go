package openaicompat

import (
	"encoding/json"

	atoll "github.com/nevindra/atoll"
)

// BuildBody converts an atoll.ChatRequest into the OpenAI wire format.
// System messages stay in the messages array as role:"system". Request-level
// temperature and max_tokens win over provider-level options because options
// run first.
func BuildBody(req atoll.ChatRequest, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	out := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(req.Tools) > 0 {
		out.Tools = BuildToolDefs(req.Tools)
	}

	for _, opt := range opts {
		opt(&out)
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

// BuildToolDefs converts atoll ToolDefinitions to the OpenAI tool format.
func BuildToolDefs(tools []atoll.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
