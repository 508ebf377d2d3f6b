package atoll

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDKind selects the typed prefix for an opaque entity ID.
type IDKind string

// Entity prefixes. Every persisted row carries one of these so an ID is
// self-describing in logs and event payloads.
const (
	KindThread   IDKind = "thr"
	KindMessage  IDKind = "msg"
	KindMemory   IDKind = "mem"
	KindEvent    IDKind = "evt"
	KindTrace    IDKind = "trc"
	KindSchedule IDKind = "sch"
	KindApproval IDKind = "apr"
	KindUser     IDKind = "usr"
	KindChannel  IDKind = "chn"
	KindDocument IDKind = "doc"
	KindChunk    IDKind = "chk"
)

// NewID generates a typed, time-sortable ID: "<prefix>_<uuidv7>" (RFC 9562).
func NewID(kind IDKind) string {
	return string(kind) + "_" + uuid.Must(uuid.NewV7()).String()
}

// IDIs reports whether id carries the typed prefix for kind.
func IDIs(id string, kind IDKind) bool {
	return strings.HasPrefix(id, string(kind)+"_")
}

// hashHex returns the hex sha256 over parts joined with a NUL separator.
// Content-derived identifiers (state uids, chunk groups, embedding cache
// keys) are prefixes of this digest.
func hashHex(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowMilli returns current time as Unix milliseconds. Record timestamps
// (created_at, updated_at) use this resolution throughout the store.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}
