package atoll

import "context"

// Store is the full persistence contract, composed from the narrow
// per-concern interfaces below. Components declare the slice they need;
// store/sqlite and store/postgres implement the whole thing.
type Store interface {
	UserStore
	ThreadStore
	MessageStore
	EventStore
	MemoryStore
	SummaryStore
	StateStore
	ScheduleStore
	ApprovalStore
	SystemStore
	SettingStore
	SkillStore
	KnowledgeStore

	// Init creates or migrates the schema. Idempotent.
	Init(ctx context.Context) error
	Close() error
}

// UserStore persists users and their ingress channels.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (User, error)
	CreateChannel(ctx context.Context, c Channel) error
	GetChannel(ctx context.Context, id string) (Channel, error)
}

// ThreadStore persists conversation threads. Ownership is immutable after
// creation.
type ThreadStore interface {
	CreateThread(ctx context.Context, t Thread) error
	GetThread(ctx context.Context, id string) (Thread, error)
	CloseThread(ctx context.Context, id string) error
}

// MessageStore persists immutable conversation turns.
type MessageStore interface {
	// AppendMessage inserts a message and bumps the thread's updated_at in
	// the same transaction.
	AppendMessage(ctx context.Context, m Message) error
	// TailMessages returns the most recent n messages, oldest first.
	// Ordering is created_at with ties broken by id.
	TailMessages(ctx context.Context, threadID string, n int) ([]Message, error)
	// CountMessagesAfter counts messages created strictly after the given
	// unix-millisecond timestamp.
	CountMessagesAfter(ctx context.Context, threadID string, after int64) (int, error)
	// MessagesByIDs fetches messages by id; missing ids are skipped.
	MessagesByIDs(ctx context.Context, ids []string) ([]Message, error)
}

// EventStore persists the append-only audit log and its search indexes.
type EventStore interface {
	AppendEvent(ctx context.Context, e Event) error
	// EventsByTrace returns a trace's events ordered by (created_at, id).
	EventsByTrace(ctx context.Context, traceID string) ([]Event, error)
	SearchEventsFTS(ctx context.Context, query string, limit int) ([]Event, error)
	SearchEventsLike(ctx context.Context, query string, limit int) ([]Event, error)
	// SearchEventsVector ranks events by cosine similarity to vec.
	SearchEventsVector(ctx context.Context, vec []float32, limit int) ([]Event, error)
	InsertEventEmbedding(ctx context.Context, eventID, model string, vec []float32) error
	// EventsWithoutEmbedding feeds the lazy backfill pass.
	EventsWithoutEmbedding(ctx context.Context, limit int) ([]Event, error)
}

// MemoryStore persists episodic memory items, their embeddings, and the
// embedding cache.
type MemoryStore interface {
	InsertMemory(ctx context.Context, item MemoryItem) error
	InsertMemoryEmbedding(ctx context.Context, memoryID, model string, vec []float32) error
	MemoriesByIDs(ctx context.Context, ids []string) ([]MemoryItem, error)
	// SearchMemoryVector returns up to k memory ids ranked by cosine
	// similarity to vec, ties broken by id ascending.
	SearchMemoryVector(ctx context.Context, threadID string, vec []float32, k int) ([]string, error)
	// SearchMemoryKeyword returns up to k memory ids ranked by BM25.
	SearchMemoryKeyword(ctx context.Context, threadID, query string, k int) ([]string, error)
	// RecentMemoryIDs returns up to k memory ids by created_at descending.
	RecentMemoryIDs(ctx context.Context, threadID string, k int) ([]string, error)
	// MemoryGroup returns all items of a chunk group in chunk_index order.
	MemoryGroup(ctx context.Context, threadID, groupID string) ([]MemoryItem, error)
	// PruneMemories deletes items created before the cutoff. Returns count.
	PruneMemories(ctx context.Context, before int64) (int, error)
	// DedupeMemories removes duplicate (thread_id, text) rows keeping the
	// earliest. Returns count removed.
	DedupeMemories(ctx context.Context) (int, error)
	// CachedEmbedding returns a cached vector by key and bumps its hit
	// count. ErrNotFound on miss.
	CachedEmbedding(ctx context.Context, key string) ([]float32, error)
	PutCachedEmbedding(ctx context.Context, key string, vec []float32) error
}

// SummaryStore persists rolling thread summaries.
type SummaryStore interface {
	GetSummary(ctx context.Context, threadID string) (ThreadSummary, error)
	PutSummary(ctx context.Context, s ThreadSummary) error
}

// StateFilter narrows state item listings and searches.
type StateFilter struct {
	Types         []StateType
	Statuses      []StateStatus
	Tiers         []Tier
	UpdatedBefore int64 // unix milliseconds, 0 = no bound
	Limit         int   // 0 = no limit
}

// StateStore persists structured state items, their relations, embeddings,
// and the extraction watermark. Merge semantics live above this interface in
// StateService; the store does plain reads and writes.
type StateStore interface {
	GetStateItem(ctx context.Context, uid, threadID string) (StateItem, error)
	PutStateItem(ctx context.Context, item StateItem) error
	ListStateItems(ctx context.Context, threadID string, f StateFilter) ([]StateItem, error)
	// StateThreads returns the ids of threads holding at least one state
	// item, ascending. Feeds the maintenance sweep.
	StateThreads(ctx context.Context) ([]string, error)
	StateItemsByUIDs(ctx context.Context, threadID string, uids []string) ([]StateItem, error)
	SearchStateKeyword(ctx context.Context, threadID, query string, f StateFilter, k int) ([]string, error)
	SearchStateVector(ctx context.Context, threadID string, vec []float32, f StateFilter, k int) ([]string, error)
	// RecentStateUIDs ranks by last_seen_at descending, ties by uid.
	RecentStateUIDs(ctx context.Context, threadID string, f StateFilter, k int) ([]string, error)
	InsertStateEmbedding(ctx context.Context, uid, threadID, model string, vec []float32) error
	// BumpStateAccess increments access_count for the given uids.
	BumpStateAccess(ctx context.Context, threadID string, uids []string) error
	PutStateRelation(ctx context.Context, r StateRelation) error
	// RelationsFrom returns outgoing edges for the given source uids,
	// optionally restricted to relation types.
	RelationsFrom(ctx context.Context, sourceUIDs []string, relationTypes []string) ([]StateRelation, error)
	GetWatermark(ctx context.Context, threadID string) (ExtractionWatermark, error)
	PutWatermark(ctx context.Context, w ExtractionWatermark) error
}

// ScheduleStore persists schedules and the dispatch idempotency log.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRunAt int64) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	DeleteSchedule(ctx context.Context, id string) error
	// TryClaimDispatch inserts the (schedule_id, due_at) slot. Returns true
	// when this caller won the slot, false when a prior tick already owns it.
	TryClaimDispatch(ctx context.Context, scheduleID string, dueAt int64) (bool, error)
	// ListDispatches returns claimed due_at values for a schedule, ascending.
	ListDispatches(ctx context.Context, scheduleID string) ([]int64, error)
}

// ApprovalStore persists single-use approvals.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a Approval) error
	// ConsumeApproval atomically flips the oldest matching approved,
	// unexpired approval to consumed and returns it. ErrNotFound when no
	// usable approval exists.
	ConsumeApproval(ctx context.Context, action, actorID string, now int64) (Approval, error)
	// ExpireApprovals marks approved records past their expiry. Returns count.
	ExpireApprovals(ctx context.Context, now int64) (int, error)
}

// SystemStore persists the SystemState singleton. Last writer wins.
type SystemStore interface {
	GetSystemState(ctx context.Context) (SystemState, error)
	PutSystemState(ctx context.Context, s SystemState) error
}

// SettingStore is scoped key-value storage for thread settings
// ("thread:<id>") and per-user flags ("user:<id>").
type SettingStore interface {
	GetSetting(ctx context.Context, scope, key string) (string, error)
	PutSetting(ctx context.Context, scope, key, value string) error
	DeleteSetting(ctx context.Context, scope, key string) error
}

// SkillStore persists skill documents.
type SkillStore interface {
	PutSkill(ctx context.Context, s Skill) error
	GetSkill(ctx context.Context, name string) (Skill, error)
	ListSkills(ctx context.Context) ([]Skill, error)
	SearchSkills(ctx context.Context, query string, k int) ([]Skill, error)
}

// KnowledgeStore persists knowledge-base documents and their chunk index.
type KnowledgeStore interface {
	PutDocument(ctx context.Context, doc Document, chunks []Chunk) error
	GetDocument(ctx context.Context, id string) (Document, error)
	GetDocumentChunks(ctx context.Context, docID string) ([]Chunk, error)
	ListDocuments(ctx context.Context, limit int) ([]Document, error)
	SearchChunksKeyword(ctx context.Context, query string, k int) ([]Chunk, error)
	SearchChunksVector(ctx context.Context, vec []float32, k int) ([]Chunk, error)
}
