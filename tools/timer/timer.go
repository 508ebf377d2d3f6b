// Package timer gives the model control over recurring schedules: create,
// list, pause, resume, and delete. Schedules fire as agent steps in their own
// thread, so a timer created here produces a fresh conversation per run.
package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	atoll "github.com/nevindra/atoll"
)

// Tool manages schedules on behalf of the model.
type Tool struct {
	store atoll.ScheduleStore
	now   func() int64
}

// Compile-time interface check.
var _ atoll.Tool = (*Tool)(nil)

// New creates the timer tool.
func New(store atoll.ScheduleStore) *Tool {
	return &Tool{store: store, now: func() int64 { return time.Now().UnixMilli() }}
}

func (t *Tool) Definitions() []atoll.ToolDefinition {
	return []atoll.ToolDefinition{
		{
			Name:        "timer_create",
			Description: "Create a recurring timer. When it fires, the payload is delivered to you as a new task in its own thread. Use for reminders, periodic check-ins, and recurring briefings.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"cron":{"type":"string","description":"Either a 5-field cron expression (minute hour day month weekday) or '@every:N' for every N seconds"},
				"payload":{"type":"string","description":"The instruction to deliver when the timer fires"}
			},"required":["cron","payload"]}`),
		},
		{
			Name:        "timer_list",
			Description: "List timers with their schedule, payload, status, and next fire time.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "timer_set_enabled",
			Description: "Pause or resume a timer by id.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"Timer id, as shown by timer_list"},
				"enabled":{"type":"boolean","description":"true to resume, false to pause"}
			},"required":["id","enabled"]}`),
		},
		{
			Name:        "timer_delete",
			Description: "Delete a timer by id.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"id":{"type":"string","description":"Timer id, as shown by timer_list"}
			},"required":["id"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (atoll.ToolResult, error) {
	var result string
	var err error
	switch name {
	case "timer_create":
		result, err = t.create(ctx, args)
	case "timer_list":
		result, err = t.list(ctx)
	case "timer_set_enabled":
		result, err = t.setEnabled(ctx, args)
	case "timer_delete":
		result, err = t.delete(ctx, args)
	default:
		return atoll.ToolResult{Error: "unknown timer tool: " + name}, nil
	}
	if err != nil {
		return atoll.ToolResult{Error: err.Error()}, nil
	}
	return atoll.ToolResult{Content: result}, nil
}

func (t *Tool) create(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		Cron    string `json:"cron"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	p.Cron = strings.TrimSpace(p.Cron)
	p.Payload = strings.TrimSpace(p.Payload)
	if p.Cron == "" || p.Payload == "" {
		return "", fmt.Errorf("cron and payload are required")
	}
	spec, err := atoll.ParseCronSpec(p.Cron)
	if err != nil {
		return "", err
	}

	s := atoll.Schedule{
		ID:        atoll.NewID(atoll.KindSchedule),
		CronExpr:  p.Cron,
		Payload:   p.Payload,
		Enabled:   true,
		CreatedAt: t.now(),
	}
	if err := t.store.CreateSchedule(ctx, s); err != nil {
		return "", err
	}
	next := spec.Next(time.UnixMilli(t.now()))
	return fmt.Sprintf("timer %s created, next fire %s", s.ID, next.UTC().Format(time.RFC3339)), nil
}

func (t *Tool) list(ctx context.Context) (string, error) {
	schedules, err := t.store.ListSchedules(ctx, false)
	if err != nil {
		return "", err
	}
	if len(schedules) == 0 {
		return "no timers", nil
	}
	var b strings.Builder
	for _, s := range schedules {
		status := "active"
		if !s.Enabled {
			status = "paused"
		}
		fmt.Fprintf(&b, "%s [%s] %s: %s", s.ID, status, s.CronExpr, s.Payload)
		if spec, err := atoll.ParseCronSpec(s.CronExpr); err == nil && s.Enabled {
			next := spec.Next(time.UnixMilli(t.now()))
			fmt.Fprintf(&b, " (next %s)", next.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (t *Tool) setEnabled(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.ID == "" {
		return "", fmt.Errorf("id is required")
	}
	if err := t.store.SetScheduleEnabled(ctx, p.ID, p.Enabled); err != nil {
		return "", err
	}
	if p.Enabled {
		return "timer " + p.ID + " resumed", nil
	}
	return "timer " + p.ID + " paused", nil
}

func (t *Tool) delete(ctx context.Context, args json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	if p.ID == "" {
		return "", fmt.Errorf("id is required")
	}
	if err := t.store.DeleteSchedule(ctx, p.ID); err != nil {
		return "", err
	}
	return "timer " + p.ID + " deleted", nil
}
