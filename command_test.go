package atoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func seedAdminThread(t *testing.T, st *memStore, threadID, userID string) Thread {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateUser(ctx, User{ID: userID, ExternalID: "ext-" + userID, Role: RoleAdmin, CreatedAt: NowMilli()}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	_ = st.CreateChannel(ctx, Channel{ID: "ch-" + userID, UserID: userID, ChannelType: "cli"})
	th := Thread{
		ID:        threadID,
		UserID:    userID,
		ChannelID: "ch-" + userID,
		Status:    ThreadOpen,
		CreatedAt: NowMilli(),
		UpdatedAt: NowMilli(),
	}
	if err := st.CreateThread(ctx, th); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	return th
}

func mustGetThread(t *testing.T, st *memStore, id string) Thread {
	t.Helper()
	th, err := st.GetThread(context.Background(), id)
	if err != nil {
		t.Fatalf("get thread %s: %v", id, err)
	}
	return th
}

func userMsg(threadID, text string) Message {
	return Message{
		ID:        NewID(KindMessage),
		ThreadID:  threadID,
		Role:      "user",
		Content:   text,
		CreatedAt: NowMilli(),
	}
}

func TestCommandsPassThroughPlainText(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	c := NewCommands(st)
	th := mustGetThread(t, st, "thr_1")

	for _, text := range []string{"hello there", "what is /status about?", "/shrug"} {
		if reply, handled := c.Execute(context.Background(), th, userMsg("thr_1", text)); handled {
			t.Errorf("%q should not be handled, got reply %q", text, reply)
		}
	}
}

func TestVerboseCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	c := NewCommands(st)
	th := mustGetThread(t, st, "thr_1")
	ctx := context.Background()

	reply, handled := c.Execute(ctx, th, userMsg("thr_1", "/verbose on"))
	if !handled || reply != "verbose on" {
		t.Fatalf("reply = %q handled=%v", reply, handled)
	}
	v, err := st.GetSetting(ctx, ThreadScope("thr_1"), settingVerbose)
	if err != nil || v != "on" {
		t.Errorf("setting = %q err=%v", v, err)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/verbose off"))
	if reply != "verbose off" {
		t.Errorf("reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/verbose maybe"))
	if !strings.HasPrefix(reply, "usage:") {
		t.Errorf("bad argument reply = %q", reply)
	}
}

func TestGroupCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	roster := newTestRoster(t, st, "main", "researcher")
	c := NewCommands(st, WithCommandRoster(roster))
	th := mustGetThread(t, st, "thr_1")
	ctx := context.Background()

	reply, handled := c.Execute(ctx, th, userMsg("thr_1", "/group off researcher"))
	if !handled || reply != "researcher disabled for this thread" {
		t.Fatalf("reply = %q handled=%v", reply, handled)
	}
	if on, _ := roster.IsActive(ctx, "thr_1", "researcher"); on {
		t.Error("researcher still active")
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/group on researcher"))
	if reply != "researcher enabled for this thread" {
		t.Errorf("reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/group off main"))
	if reply != "main cannot be disabled" {
		t.Errorf("reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/group off ghost"))
	if !strings.Contains(reply, "unknown agent") {
		t.Errorf("reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/group sideways researcher"))
	if !strings.HasPrefix(reply, "usage:") {
		t.Errorf("reply = %q", reply)
	}
}

func TestNewCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	c := NewCommands(st)
	th := mustGetThread(t, st, "thr_1")

	reply, handled := c.Execute(context.Background(), th, userMsg("thr_1", "/new"))
	if !handled || !strings.HasPrefix(reply, "started a fresh thread: thr_") {
		t.Fatalf("reply = %q handled=%v", reply, handled)
	}

	if got := mustGetThread(t, st, "thr_1"); got.Status != ThreadClosed {
		t.Errorf("old thread status = %q, want closed", got.Status)
	}

	freshID := strings.TrimPrefix(reply, "started a fresh thread: ")
	fresh := mustGetThread(t, st, freshID)
	if fresh.Status != ThreadOpen || fresh.UserID != "usr_1" || fresh.ChannelID != th.ChannelID {
		t.Errorf("fresh thread = %+v", fresh)
	}
}

func TestCompactCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	rec := &taskRecorder{}
	c := NewCommands(st, WithCommandTasks(rec))
	th := mustGetThread(t, st, "thr_1")

	reply, _ := c.Execute(context.Background(), th, userMsg("thr_1", "/compact"))
	if reply != "compaction scheduled" {
		t.Fatalf("reply = %q", reply)
	}
	sent := rec.sent()
	if len(sent) != 1 || sent[0].Name != TaskCompactThread || sent[0].Queue != QueueToolsIO {
		t.Fatalf("sent = %+v", sent)
	}
	if StringKwarg(sent[0].Kwargs, "thread_id") != "thr_1" {
		t.Errorf("kwargs = %v", sent[0].Kwargs)
	}
}

func TestOnboardingResetCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	c := NewCommands(st)
	th := mustGetThread(t, st, "thr_1")
	ctx := context.Background()

	if err := st.PutSetting(ctx, UserScope("usr_1"), settingOnboarding, "step2"); err != nil {
		t.Fatalf("seed setting: %v", err)
	}

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/onboarding reset"))
	if reply != "onboarding reset" {
		t.Fatalf("reply = %q", reply)
	}
	if _, err := st.GetSetting(ctx, UserScope("usr_1"), settingOnboarding); !errors.Is(err, ErrNotFound) {
		t.Errorf("onboarding setting survived, err=%v", err)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/onboarding"))
	if !strings.HasPrefix(reply, "usage:") {
		t.Errorf("reply = %q", reply)
	}
}

func TestStatusCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	roster := newTestRoster(t, st, "main", "researcher")
	router := NewRouter(&scriptProvider{name: "primary"})
	sched := NewScheduler(st, nil)
	disp := NewDispatcher()
	c := NewCommands(st,
		WithCommandRoster(roster),
		WithCommandRouter(router),
		WithCommandScheduler(sched),
		WithCommandDispatcher(disp),
	)
	th := mustGetThread(t, st, "thr_1")

	reply, handled := c.Execute(context.Background(), th, userMsg("thr_1", "/status"))
	if !handled {
		t.Fatal("not handled")
	}

	var status map[string]json.RawMessage
	if err := json.Unmarshal([]byte(reply), &status); err != nil {
		t.Fatalf("reply is not JSON: %q: %v", reply, err)
	}
	for _, key := range []string{"providers", "scheduler", "active_agents", "queues", "workers", "lockdown"} {
		if _, ok := status[key]; !ok {
			t.Errorf("status missing %q: %s", key, reply)
		}
	}
	var agents []string
	mustUnmarshal(t, status["active_agents"], &agents)
	if len(agents) != 2 || agents[0] != "main" {
		t.Errorf("active_agents = %v", agents)
	}
	var health RouterHealth
	mustUnmarshal(t, status["providers"], &health)
	if !health.Primary {
		t.Errorf("providers = %+v", health)
	}
}

func TestStatusCommandBareServices(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	c := NewCommands(st)
	th := mustGetThread(t, st, "thr_1")

	reply, _ := c.Execute(context.Background(), th, userMsg("thr_1", "/status"))
	var status map[string]json.RawMessage
	if err := json.Unmarshal([]byte(reply), &status); err != nil {
		t.Fatalf("reply is not JSON: %q", reply)
	}
	for _, key := range []string{"providers", "scheduler", "active_agents"} {
		if _, ok := status[key]; !ok {
			t.Errorf("status missing %q", key)
		}
	}
	var agents []string
	mustUnmarshal(t, status["active_agents"], &agents)
	if len(agents) != 1 || agents[0] != "main" {
		t.Errorf("active_agents = %v", agents)
	}
}

func TestAdminOnlyCommands(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	c := NewCommands(st, WithCommandApprovals(NewApprovals(st)))
	th := mustGetThread(t, st, "thr_1")

	for _, text := range []string{"/restart", "/approve host.exec.sudo", "/unlock 1234"} {
		reply, handled := c.Execute(context.Background(), th, userMsg("thr_1", text))
		if !handled || reply != AdminRequired {
			t.Errorf("%q reply = %q handled=%v, want %q", text, reply, handled, AdminRequired)
		}
	}
}

func TestRestartCommand(t *testing.T) {
	st := newMemStore()
	th := seedAdminThread(t, st, "thr_1", "usr_adm")
	c := NewCommands(st)
	ctx := context.Background()

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/restart"))
	if reply != "restarting" {
		t.Fatalf("reply = %q", reply)
	}
	sys, err := st.GetSystemState(ctx)
	if err != nil || !sys.Restarting {
		t.Errorf("restarting flag not set: %+v err=%v", sys, err)
	}
}

func TestRestartBlockedByLockdown(t *testing.T) {
	st := newMemStore()
	th := seedAdminThread(t, st, "thr_1", "usr_adm")
	ctx := context.Background()
	if err := st.PutSystemState(ctx, SystemState{Lockdown: true, LockdownReason: "rollback storm"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	c := NewCommands(st)

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/restart"))
	if reply != "lockdown active: rollback storm" {
		t.Fatalf("reply = %q", reply)
	}
	sys, _ := st.GetSystemState(ctx)
	if sys.Restarting {
		t.Error("restart flag must not be set during lockdown")
	}
}

func TestUnlockCommand(t *testing.T) {
	st := newMemStore()
	th := seedAdminThread(t, st, "thr_1", "usr_adm")
	ctx := context.Background()
	if err := st.PutSystemState(ctx, SystemState{
		Lockdown:         true,
		LockdownReason:   "readyz failures",
		ReadyzFailStreak: 4,
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	codePath := filepath.Join(t.TempDir(), "unlock_code")
	if err := os.WriteFile(codePath, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write code: %v", err)
	}
	c := NewCommands(st, WithUnlockCode(codePath, 10*time.Minute))

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/unlock wrong"))
	if reply != "invalid unlock code" {
		t.Fatalf("wrong code reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/unlock s3cret"))
	if reply != "lockdown cleared" {
		t.Fatalf("reply = %q", reply)
	}
	sys, _ := st.GetSystemState(ctx)
	if sys.Lockdown || sys.LockdownReason != "" || sys.ReadyzFailStreak != 0 {
		t.Errorf("state after unlock = %+v", sys)
	}
}

func TestUnlockExpiredCode(t *testing.T) {
	st := newMemStore()
	th := seedAdminThread(t, st, "thr_1", "usr_adm")
	ctx := context.Background()

	codePath := filepath.Join(t.TempDir(), "unlock_code")
	if err := os.WriteFile(codePath, []byte("s3cret"), 0o600); err != nil {
		t.Fatalf("write code: %v", err)
	}
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(codePath, stale, stale); err != nil {
		t.Fatalf("backdate code: %v", err)
	}
	c := NewCommands(st, WithUnlockCode(codePath, 10*time.Minute))

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/unlock s3cret"))
	if reply != "unlock code expired" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestApproveCommand(t *testing.T) {
	st := newMemStore()
	th := seedAdminThread(t, st, "thr_1", "usr_adm")
	c := NewCommands(st, WithCommandApprovals(NewApprovals(st)))
	ctx := context.Background()

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/approve host.exec.sudo"))
	if !strings.Contains(reply, "approved host.exec.sudo once: apr_") {
		t.Fatalf("reply = %q", reply)
	}

	// The grant is real and single-use.
	if _, err := st.ConsumeApproval(ctx, ApprovalHostExecSudo, DefaultActorID, NowMilli()); err != nil {
		t.Errorf("consume granted approval: %v", err)
	}
	if _, err := st.ConsumeApproval(ctx, ApprovalHostExecSudo, DefaultActorID, NowMilli()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second consume err = %v, want ErrNotFound", err)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/approve host.exec.rm_rf"))
	if !strings.Contains(reply, "unknown approval action") {
		t.Errorf("reply = %q", reply)
	}
}

func TestLogsTraceCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	seedSearchEvents(t, st)
	c := NewCommands(st, WithCommandSearcher(NewEventSearcher(st)))
	th := mustGetThread(t, st, "thr_1")
	ctx := context.Background()

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/logs trace trc_s"))
	if !strings.Contains(reply, "tool.call.end") || !strings.Contains(reply, "model.run.end") {
		t.Fatalf("reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/logs trace trc_nope"))
	if reply != "no events for trace trc_nope" {
		t.Errorf("reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/logs"))
	if !strings.HasPrefix(reply, "usage:") {
		t.Errorf("reply = %q", reply)
	}
}

func TestLogsSearchCommand(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	seedSearchEvents(t, st)
	c := NewCommands(st, WithCommandSearcher(NewEventSearcher(st)))
	th := mustGetThread(t, st, "thr_1")

	reply, _ := c.Execute(context.Background(), th, userMsg("thr_1", "/logs search quota exceeded"))
	if !strings.Contains(reply, "tool.call.end") {
		t.Fatalf("reply = %q", reply)
	}

	reply, _ = c.Execute(context.Background(), th, userMsg("thr_1", "/logs search zebra"))
	if reply != "no events matched" {
		t.Errorf("reply = %q", reply)
	}
}

// kbFake is a minimal Knowledge implementation for command tests.
type kbFake struct {
	docs   []Document
	chunks map[string][]Chunk
}

func (k *kbFake) Add(_ context.Context, title, source, mime string, data []byte) (Document, error) {
	doc := Document{ID: fmt.Sprintf("doc_%d", len(k.docs)+1), Title: title, Source: source, Mime: mime}
	k.docs = append(k.docs, doc)
	if k.chunks == nil {
		k.chunks = make(map[string][]Chunk)
	}
	k.chunks[doc.ID] = []Chunk{{ID: doc.ID + "#0", DocumentID: doc.ID, Content: string(data)}}
	return doc, nil
}

func (k *kbFake) List(context.Context, int) ([]Document, error) { return k.docs, nil }

func (k *kbFake) Search(_ context.Context, query string, _ int) ([]KnowledgeHit, error) {
	var hits []KnowledgeHit
	for _, doc := range k.docs {
		for _, ch := range k.chunks[doc.ID] {
			if strings.Contains(ch.Content, query) {
				hits = append(hits, KnowledgeHit{Chunk: ch, Title: doc.Title, Score: 0.5})
			}
		}
	}
	return hits, nil
}

func (k *kbFake) Get(_ context.Context, id string) (Document, []Chunk, error) {
	for _, doc := range k.docs {
		if doc.ID == id {
			return doc, k.chunks[id], nil
		}
	}
	return Document{}, nil, ErrNotFound
}

func TestKBCommands(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	kb := &kbFake{}
	c := NewCommands(st, WithCommandKnowledge(kb))
	th := mustGetThread(t, st, "thr_1")
	ctx := context.Background()

	reply, _ := c.Execute(ctx, th, userMsg("thr_1", "/kb add runbook restart the router twice"))
	if !strings.HasPrefix(reply, "added doc_1: runbook") {
		t.Fatalf("add reply = %q", reply)
	}
	if kb.chunks["doc_1"][0].Content != "restart the router twice" {
		t.Errorf("stored content = %q", kb.chunks["doc_1"][0].Content)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/kb list"))
	if !strings.Contains(reply, "doc_1") || !strings.Contains(reply, "runbook") {
		t.Errorf("list reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/kb search router"))
	if !strings.Contains(reply, "runbook") {
		t.Errorf("search reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/kb get doc_1"))
	if !strings.Contains(reply, "restart the router twice") {
		t.Errorf("get reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/kb get doc_404"))
	if reply != "no such document" {
		t.Errorf("missing doc reply = %q", reply)
	}

	reply, _ = c.Execute(ctx, th, userMsg("thr_1", "/kb add onlytitle"))
	if !strings.HasPrefix(reply, "usage:") {
		t.Errorf("short add reply = %q", reply)
	}
}

func TestKBCommandUnavailable(t *testing.T) {
	st := newMemStore()
	seedThread(t, st, "thr_1", "usr_1")
	c := NewCommands(st)
	th := mustGetThread(t, st, "thr_1")

	reply, _ := c.Execute(context.Background(), th, userMsg("thr_1", "/kb list"))
	if reply != "knowledge base is not available" {
		t.Errorf("reply = %q", reply)
	}
}
