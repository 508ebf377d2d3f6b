package atoll

import "testing"

func TestNewID(t *testing.T) {
	id1 := NewID(KindThread)
	id2 := NewID(KindThread)
	// "thr_" prefix plus a 36-char UUIDv7.
	if len(id1) != 40 {
		t.Errorf("expected 40 chars, got %d: %s", len(id1), id1)
	}
	if id1 == id2 {
		t.Error("two IDs should be unique")
	}
	if id1 >= id2 {
		t.Error("sequential UUIDv7s should be time-ordered")
	}
}

func TestIDIs(t *testing.T) {
	tests := []struct {
		id   string
		kind IDKind
		want bool
	}{
		{NewID(KindMessage), KindMessage, true},
		{NewID(KindMessage), KindThread, false},
		{"msg_", KindMessage, true},
		{"msgx", KindMessage, false},
		{"", KindEvent, false},
	}
	for _, tt := range tests {
		if got := IDIs(tt.id, tt.kind); got != tt.want {
			t.Errorf("IDIs(%q, %q) = %v, want %v", tt.id, tt.kind, got, tt.want)
		}
	}
}

func TestHashHexSeparatesParts(t *testing.T) {
	// The NUL separator keeps ("ab","c") distinct from ("a","bc").
	if hashHex("ab", "c") == hashHex("a", "bc") {
		t.Error("joined parts must not collide")
	}
	if hashHex("x") != hashHex("x") {
		t.Error("hash must be deterministic")
	}
	if len(hashHex("x")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(hashHex("x")))
	}
}
