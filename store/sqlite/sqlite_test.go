package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nevindra/atoll"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestThreadLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	thread := atoll.Thread{
		ID: "thr_1", UserID: "usr_1", ChannelID: "ch_1",
		Status: atoll.ThreadOpen, CreatedAt: 1000, UpdatedAt: 1000,
	}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := s.CreateThread(ctx, thread); !errors.Is(err, atoll.ErrConflict) {
		t.Fatalf("duplicate CreateThread: want ErrConflict, got %v", err)
	}

	got, err := s.GetThread(ctx, "thr_1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.UserID != "usr_1" || got.Status != atoll.ThreadOpen {
		t.Errorf("unexpected thread: %+v", got)
	}

	if err := s.CloseThread(ctx, "thr_1"); err != nil {
		t.Fatalf("CloseThread: %v", err)
	}
	got, _ = s.GetThread(ctx, "thr_1")
	if got.Status != atoll.ThreadClosed {
		t.Errorf("expected closed status, got %q", got.Status)
	}

	if err := s.CloseThread(ctx, "thr_missing"); !errors.Is(err, atoll.ErrNotFound) {
		t.Fatalf("CloseThread missing: want ErrNotFound, got %v", err)
	}
	if _, err := s.GetThread(ctx, "thr_missing"); !errors.Is(err, atoll.ErrNotFound) {
		t.Fatalf("GetThread missing: want ErrNotFound, got %v", err)
	}
}

func TestAppendMessageBumpsThread(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	thread := atoll.Thread{ID: "thr_1", UserID: "usr_1", ChannelID: "ch_1", Status: atoll.ThreadOpen, CreatedAt: 1000, UpdatedAt: 1000}
	if err := s.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	m := atoll.Message{ID: "msg_1", ThreadID: "thr_1", Role: "user", Content: "hello", CreatedAt: 2000}
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, _ := s.GetThread(ctx, "thr_1")
	if got.UpdatedAt != 2000 {
		t.Errorf("thread updated_at = %d, want 2000", got.UpdatedAt)
	}
}

func TestTailMessagesOrderAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msgs := []atoll.Message{
		{ID: "msg_a", ThreadID: "thr_1", Role: "user", Content: "first", CreatedAt: 1000},
		{ID: "msg_b", ThreadID: "thr_1", Role: "assistant", Content: "second", CreatedAt: 1001},
		{ID: "msg_c", ThreadID: "thr_1", Role: "user", Content: "third", CreatedAt: 1002},
		{ID: "msg_d", ThreadID: "thr_2", Role: "user", Content: "other thread", CreatedAt: 1003},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage %s: %v", m.ID, err)
		}
	}

	got, err := s.TailMessages(ctx, "thr_1", 10)
	if err != nil {
		t.Fatalf("TailMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "first" || got[2].Content != "third" {
		t.Error("messages not in chronological order")
	}

	// A limit keeps the most recent, still oldest first.
	got2, _ := s.TailMessages(ctx, "thr_1", 2)
	if len(got2) != 2 || got2[0].Content != "second" || got2[1].Content != "third" {
		t.Errorf("limit 2: expected [second, third], got %+v", got2)
	}

	if got3, _ := s.TailMessages(ctx, "thr_1", 0); got3 != nil {
		t.Errorf("n=0: expected nil, got %+v", got3)
	}
}

func TestCountMessagesAfter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, at := range []int64{1000, 2000, 3000} {
		m := atoll.Message{ID: atoll.NewID(atoll.KindMessage), ThreadID: "thr_1", Role: "user", Content: "m", CreatedAt: at}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	n, err := s.CountMessagesAfter(ctx, "thr_1", 1000)
	if err != nil {
		t.Fatalf("CountMessagesAfter: %v", err)
	}
	if n != 2 {
		t.Errorf("count after 1000 = %d, want 2 (bound is exclusive)", n)
	}
}

func TestMessagesByIDsPreservesOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, m := range []atoll.Message{
		{ID: "msg_a", ThreadID: "thr_1", Role: "user", Content: "a", CreatedAt: 1},
		{ID: "msg_b", ThreadID: "thr_1", Role: "user", Content: "b", CreatedAt: 2},
	} {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.MessagesByIDs(ctx, []string{"msg_b", "msg_missing", "msg_a"})
	if err != nil {
		t.Fatalf("MessagesByIDs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "msg_b" || got[1].ID != "msg_a" {
		t.Errorf("expected request order [msg_b, msg_a], got %+v", got)
	}
}

func TestUserAndChannelRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u := atoll.User{ID: "usr_1", ExternalID: "tg:42", Role: atoll.RoleAdmin, CreatedAt: 1000}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUser(ctx, "usr_1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.ExternalID != "tg:42" || got.Role != atoll.RoleAdmin {
		t.Errorf("unexpected user: %+v", got)
	}

	byExt, err := s.GetUserByExternalID(ctx, "tg:42")
	if err != nil {
		t.Fatalf("GetUserByExternalID: %v", err)
	}
	if byExt.ID != "usr_1" {
		t.Errorf("expected usr_1, got %q", byExt.ID)
	}
	if _, err := s.GetUserByExternalID(ctx, "tg:99"); !errors.Is(err, atoll.ErrNotFound) {
		t.Fatalf("unknown external id: want ErrNotFound, got %v", err)
	}

	ch := atoll.Channel{ID: "ch_1", UserID: "usr_1", ChannelType: "cli"}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	gotCh, err := s.GetChannel(ctx, "ch_1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if gotCh.UserID != "usr_1" || gotCh.ChannelType != "cli" {
		t.Errorf("unexpected channel: %+v", gotCh)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "thread:thr_1", "compact_at"); !errors.Is(err, atoll.ErrNotFound) {
		t.Fatalf("missing setting: want ErrNotFound, got %v", err)
	}

	if err := s.PutSetting(ctx, "thread:thr_1", "compact_at", "50"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	v, err := s.GetSetting(ctx, "thread:thr_1", "compact_at")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "50" {
		t.Errorf("value = %q, want 50", v)
	}

	// Overwrite wins.
	if err := s.PutSetting(ctx, "thread:thr_1", "compact_at", "75"); err != nil {
		t.Fatalf("PutSetting overwrite: %v", err)
	}
	if v, _ := s.GetSetting(ctx, "thread:thr_1", "compact_at"); v != "75" {
		t.Errorf("value after overwrite = %q, want 75", v)
	}

	if err := s.DeleteSetting(ctx, "thread:thr_1", "compact_at"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := s.GetSetting(ctx, "thread:thr_1", "compact_at"); !errors.Is(err, atoll.ErrNotFound) {
		t.Fatalf("deleted setting: want ErrNotFound, got %v", err)
	}
}

func TestSystemStateRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// A fresh database reads as the zero state, not an error.
	state, err := s.GetSystemState(ctx)
	if err != nil {
		t.Fatalf("GetSystemState: %v", err)
	}
	if state.Lockdown || state.ReadyzFailStreak != 0 {
		t.Errorf("expected zero state, got %+v", state)
	}

	state = atoll.SystemState{
		Lockdown:         true,
		LockdownReason:   "rollback storm",
		ReadyzFailStreak: 2,
		RollbackCount:    3,
		CooldownUntil:    9000,
		CooldownReason:   "quota",
		UpdatedAt:        5000,
	}
	if err := s.PutSystemState(ctx, state); err != nil {
		t.Fatalf("PutSystemState: %v", err)
	}

	got, err := s.GetSystemState(ctx)
	if err != nil {
		t.Fatalf("GetSystemState: %v", err)
	}
	if got != state {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, state)
	}
}
