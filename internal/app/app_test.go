package app

import (
	"context"
	"log/slog"
	"testing"

	atoll "github.com/nevindra/atoll"
	"github.com/nevindra/atoll/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = ":memory:"
	cfg.Embedding.Provider = "pseudo"
	cfg.Engine.StateDir = t.TempDir()
	cfg.Engine.WorkspacePath = t.TempDir()
	cfg.Agents.BundleDir = t.TempDir()
	cfg.Observer.Enabled = false
	return cfg
}

func TestNewWiresEverything(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(context.Background())

	if a.router == nil || a.engine == nil || a.dispatcher == nil || a.scheduler == nil {
		t.Fatal("core components missing")
	}
	if a.memory == nil || a.state == nil || a.skills == nil || a.knowledge == nil {
		t.Fatal("services missing")
	}

	// The standard tool set must be registered.
	names := map[string]bool{}
	for _, def := range a.registry.AllDefinitions() {
		names[def.Name] = true
	}
	for _, want := range []string{"fs_read", "fs_write", "remember", "timer_create", "kb_search", "skill", "delegate"} {
		if !names[want] {
			t.Errorf("tool %q not registered (have %v)", want, names)
		}
	}
}

func TestUnknownProviderFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.Provider = "carrier-pigeon"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected provider resolution error")
	}
}

func TestInboundCreatesUserThreadAndTask(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(context.Background())

	ctx := context.Background()
	if err := a.store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	threadID, err := a.Inbound(ctx, "web:alice", "web", "hello there")
	if err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	if !atoll.IDIs(threadID, atoll.KindThread) {
		t.Errorf("thread id %q", threadID)
	}

	// Same sender lands in the same thread.
	again, err := a.Inbound(ctx, "web:alice", "web", "second message")
	if err != nil {
		t.Fatalf("Inbound again: %v", err)
	}
	if again != threadID {
		t.Errorf("thread changed: %s -> %s", threadID, again)
	}

	tail, err := a.store.TailMessages(ctx, threadID, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "hello there" {
		t.Errorf("tail = %+v", tail)
	}

	// Both turns queued a priority step.
	stats := a.dispatcher.Stats()
	if stats.Queued[atoll.QueueAgentPriority] != 2 {
		t.Errorf("queued = %+v", stats.Queued)
	}
}

func TestInboundRejectsOversizedExternalID(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(context.Background())
	if err := a.store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	long := make([]byte, maxExternalIDLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := a.Inbound(context.Background(), string(long), "web", "hi"); err == nil {
		t.Fatal("expected external id rejection")
	}
}
