// Package skillfetch lets the model pull skill documents on demand. Prompts
// advertise skills by name and description only; the full procedure text is
// fetched through this tool when the model decides it needs it.
package skillfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	atoll "github.com/nevindra/atoll"
)

// Tool fetches and saves skills on behalf of the model.
type Tool struct {
	skills *atoll.Skills
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// New creates the skill tool.
func New(skills *atoll.Skills) *Tool {
	return &Tool{skills: skills}
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{
		{
			Name:        "skill",
			Description: "Fetch the full text of a named skill. The available skill names are listed in your instructions; fetch one before following its procedure.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Skill name exactly as advertised"}},"required":["name"]}`),
		},
		{
			Name:        "skill_save",
			Description: "Save or update a skill: a named, reusable procedure worth keeping. Use when the user teaches you a workflow or when you refine one through experience.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"name":{"type":"string","description":"Short kebab-case name"},
				"description":{"type":"string","description":"One line: when to use this skill"},
				"content":{"type":"string","description":"The full procedure, markdown"}
			},"required":["name","content"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (atoll.ToolResult, error) {
	if t.skills == nil {
		return atoll.ToolResult{Error: "skills are not available"}, nil
	}
	switch name {
	case "skill":
		return t.fetch(ctx, args)
	case "skill_save":
		return t.save(ctx, args)
	default:
		return atoll.ToolResult{Error: "unknown skill tool: " + name}, nil
	}
}

func (t *Tool) fetch(ctx context.Context, args json.RawMessage) (atoll.ToolResult, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return atoll.ToolResult{Error: "name is required"}, nil
	}

	sk, err := t.skills.Get(ctx, p.Name)
	if errors.Is(err, atoll.ErrNotFound) {
		return atoll.ToolResult{Error: fmt.Sprintf("no skill named %q", p.Name)}, nil
	}
	if err != nil {
		return atoll.ToolResult{Error: err.Error()}, nil
	}
	return atoll.ToolResult{Content: sk.Content}, nil
}

func (t *Tool) save(ctx context.Context, args json.RawMessage) (atoll.ToolResult, error) {
	var p struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return atoll.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || strings.TrimSpace(p.Content) == "" {
		return atoll.ToolResult{Error: "name and content are required"}, nil
	}

	_, err := t.skills.Save(ctx, atoll.Skill{
		Name:        p.Name,
		Description: strings.TrimSpace(p.Description),
		Content:     p.Content,
	})
	if err != nil {
		return atoll.ToolResult{Error: err.Error()}, nil
	}
	return atoll.ToolResult{Content: "skill " + p.Name + " saved"}, nil
}
