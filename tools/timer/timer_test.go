package timer

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	atoll "github.com/nevindra/atoll"
)

type fakeScheduleStore struct {
	schedules map[string]atoll.Schedule
}

func newFakeStore() *fakeScheduleStore {
	return &fakeScheduleStore{schedules: map[string]atoll.Schedule{}}
}

func (f *fakeScheduleStore) CreateSchedule(_ context.Context, s atoll.Schedule) error {
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeScheduleStore) GetSchedule(_ context.Context, id string) (atoll.Schedule, error) {
	s, ok := f.schedules[id]
	if !ok {
		return atoll.Schedule{}, atoll.ErrNotFound
	}
	return s, nil
}

func (f *fakeScheduleStore) ListSchedules(_ context.Context, enabledOnly bool) ([]atoll.Schedule, error) {
	var out []atoll.Schedule
	for _, s := range f.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeScheduleStore) UpdateScheduleRun(_ context.Context, id string, lastRunAt int64) error {
	s, ok := f.schedules[id]
	if !ok {
		return atoll.ErrNotFound
	}
	s.LastRunAt = lastRunAt
	f.schedules[id] = s
	return nil
}

func (f *fakeScheduleStore) SetScheduleEnabled(_ context.Context, id string, enabled bool) error {
	s, ok := f.schedules[id]
	if !ok {
		return atoll.ErrNotFound
	}
	s.Enabled = enabled
	f.schedules[id] = s
	return nil
}

func (f *fakeScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	if _, ok := f.schedules[id]; !ok {
		return atoll.ErrNotFound
	}
	delete(f.schedules, id)
	return nil
}

func (f *fakeScheduleStore) TryClaimDispatch(context.Context, string, int64) (bool, error) {
	return true, nil
}

func (f *fakeScheduleStore) ListDispatches(context.Context, string) ([]int64, error) {
	return nil, nil
}

func run(t *testing.T, tool *Tool, name string, params map[string]any) atoll.ToolResult {
	t.Helper()
	args, _ := json.Marshal(params)
	res, err := tool.Execute(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Execute(%s): %v", name, err)
	}
	return res
}

func TestCreateAndList(t *testing.T) {
	store := newFakeStore()
	tool := New(store)

	res := run(t, tool, "timer_create", map[string]any{
		"cron":    "@every:3600",
		"payload": "hourly check-in",
	})
	if res.Error != "" {
		t.Fatalf("create: %s", res.Error)
	}
	if !strings.Contains(res.Content, "next fire") {
		t.Errorf("content = %q", res.Content)
	}
	if len(store.schedules) != 1 {
		t.Fatalf("stored %d schedules", len(store.schedules))
	}
	for _, s := range store.schedules {
		if !s.Enabled || s.CronExpr != "@every:3600" || s.Payload != "hourly check-in" {
			t.Errorf("schedule = %+v", s)
		}
		if !atoll.IDIs(s.ID, atoll.KindSchedule) {
			t.Errorf("id %q has wrong prefix", s.ID)
		}
	}

	res = run(t, tool, "timer_list", nil)
	if !strings.Contains(res.Content, "hourly check-in") || !strings.Contains(res.Content, "active") {
		t.Errorf("list = %q", res.Content)
	}
}

func TestCreateRejectsBadCron(t *testing.T) {
	tool := New(newFakeStore())

	for _, expr := range []string{"@every:0", "@every:nope", "not a cron", ""} {
		res := run(t, tool, "timer_create", map[string]any{"cron": expr, "payload": "x"})
		if res.Error == "" {
			t.Errorf("cron %q: expected error", expr)
		}
	}
}

func TestPauseResumeDelete(t *testing.T) {
	store := newFakeStore()
	tool := New(store)

	run(t, tool, "timer_create", map[string]any{"cron": "0 9 * * *", "payload": "morning brief"})
	var id string
	for k := range store.schedules {
		id = k
	}

	res := run(t, tool, "timer_set_enabled", map[string]any{"id": id, "enabled": false})
	if res.Error != "" || !strings.Contains(res.Content, "paused") {
		t.Fatalf("pause: %+v", res)
	}
	if store.schedules[id].Enabled {
		t.Error("schedule still enabled")
	}

	res = run(t, tool, "timer_list", nil)
	if !strings.Contains(res.Content, "paused") {
		t.Errorf("list after pause = %q", res.Content)
	}

	res = run(t, tool, "timer_set_enabled", map[string]any{"id": id, "enabled": true})
	if res.Error != "" || !strings.Contains(res.Content, "resumed") {
		t.Fatalf("resume: %+v", res)
	}

	res = run(t, tool, "timer_delete", map[string]any{"id": id})
	if res.Error != "" {
		t.Fatalf("delete: %s", res.Error)
	}
	if len(store.schedules) != 0 {
		t.Error("schedule not deleted")
	}

	res = run(t, tool, "timer_delete", map[string]any{"id": id})
	if res.Error == "" {
		t.Error("deleting a missing timer must report an error")
	}
}

func TestListEmpty(t *testing.T) {
	res := run(t, New(newFakeStore()), "timer_list", nil)
	if res.Content != "no timers" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestUnknownName(t *testing.T) {
	res := run(t, New(newFakeStore()), "timer_explode", nil)
	if res.Error == "" {
		t.Error("expected error for unknown tool name")
	}
}

func TestDefinitionsHaveSchemas(t *testing.T) {
	for _, def := range New(newFakeStore()).Definitions() {
		var schema map[string]any
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			t.Errorf("%s: bad schema: %v", def.Name, err)
		}
		if def.Description == "" {
			t.Errorf("%s: empty description", def.Name)
		}
	}
}
