// Package delegate lets the main agent hand work to a specialist. The
// instruction is appended to the thread as a user turn addressed to the
// specialist, and a step for that actor is enqueued on the default queue.
// The specialist answers asynchronously in the same thread.
package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	atoll "github.com/nevindra/atoll"
)

// Tool enqueues specialist steps on behalf of the main agent.
type Tool struct {
	tasks  atoll.TaskSender
	roster *atoll.Roster
	store  atoll.MessageStore
	now    func() int64
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// New creates the delegate tool.
func New(tasks atoll.TaskSender, roster *atoll.Roster, store atoll.MessageStore) *Tool {
	return &Tool{tasks: tasks, roster: roster, store: store, now: func() int64 { return time.Now().UnixMilli() }}
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{{
		Name:        "delegate",
		Description: "Hand a task to a specialist agent from the roster. The specialist works asynchronously in this conversation; tell the user you have passed it on rather than waiting for the result.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"agent":{"type":"string","description":"Specialist agent id, as listed in the roster"},
			"instruction":{"type":"string","description":"What the specialist should do, self-contained"}
		},"required":["agent","instruction"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (atoll.ToolResult, error) {
	if name != "delegate" {
		return atoll.ToolResult{Error: "unknown delegate tool: " + name}, nil
	}
	if t.tasks == nil {
		return atoll.ToolResult{Error: "delegation is not available"}, nil
	}
	inv, ok := atoll.InvocationFrom(ctx)
	if !ok || inv.ThreadID == "" {
		return atoll.ToolResult{Error: "caller thread unavailable"}, nil
	}

	var p struct {
		Agent       string `json:"agent"`
		Instruction string `json:"instruction"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	p.Agent = strings.TrimSpace(p.Agent)
	p.Instruction = strings.TrimSpace(p.Instruction)
	if p.Agent == "" || p.Instruction == "" {
		return atoll.ToolResult{Error: "agent and instruction are required"}, nil
	}
	if p.Agent == inv.ActorID {
		return atoll.ToolResult{Error: "cannot delegate to yourself"}, nil
	}

	if t.roster != nil {
		active, err := t.roster.IsActive(ctx, inv.ThreadID, p.Agent)
		if err != nil {
			return atoll.ToolResult{Error: "roster check failed: " + err.Error()}, nil
		}
		if !active {
			return atoll.ToolResult{Error: fmt.Sprintf("agent %q is not on the active roster", p.Agent)}, nil
		}
	}

	if t.store != nil {
		msg := atoll.Message{
			ID:        atoll.NewID(atoll.KindMessage),
			ThreadID:  inv.ThreadID,
			Role:      "user",
			Content:   fmt.Sprintf("[to:%s] %s", p.Agent, p.Instruction),
			CreatedAt: t.now(),
		}
		if err := t.store.AppendMessage(ctx, msg); err != nil {
			return atoll.ToolResult{Error: "record instruction: " + err.Error()}, nil
		}
	}

	err := t.tasks.SendTask(ctx, atoll.TaskAgentStep, map[string]any{
		"thread_id": inv.ThreadID,
		"actor_id":  p.Agent,
	}, atoll.QueueAgentDefault)
	if err != nil {
		return atoll.ToolResult{Error: "enqueue specialist step: " + err.Error()}, nil
	}
	return atoll.ToolResult{Content: fmt.Sprintf("delegated to %s", p.Agent)}, nil
}
