package atoll

import "encoding/json"

// --- Domain records ---

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Role       string `json:"role"` // "user" or "admin"
	CreatedAt  int64  `json:"created_at"`
}

// Channel identifies an ingress surface for a user (web, whatsapp, cli).
type Channel struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	ChannelType string `json:"channel_type"`
}

// Thread statuses.
const (
	ThreadOpen   = "open"
	ThreadClosed = "closed"
)

// Thread is a conversation owned by exactly one user. Ownership is immutable.
type Thread struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is one turn in a thread. Immutable after insert. Ordering is by
// CreatedAt with ties broken by ID (UUIDv7 suffixes sort by creation time).
type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Role      string `json:"role"` // "user", "assistant", "tool"
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix milliseconds
}

// EventType is a dotted event path. The set is closed; writers use the
// constants below so audit readers can rely on exact matches.
type EventType string

const (
	EventStepStart       EventType = "agent.step.start"
	EventStepEnd         EventType = "agent.step.end"
	EventPromptBuild     EventType = "prompt.build"
	EventModelRunStart   EventType = "model.run.start"
	EventModelRunEnd     EventType = "model.run.end"
	EventModelFallback   EventType = "model.fallback"
	EventToolCallStart   EventType = "tool.call.start"
	EventToolCallEnd     EventType = "tool.call.end"
	EventMemoryRetrieve  EventType = "memory.retrieve"
	EventMemoryCompact   EventType = "memory.compact"
	EventCommandExecuted EventType = "command.executed"
	EventScheduleDue     EventType = "schedule.due"
	EventScheduleError   EventType = "schedule.error"
	EventPolicyDecision  EventType = "policy.decision"
	EventSystemLockdown  EventType = "system.lockdown"
)

// Event is one append-only audit record. Payload exists in two variants:
// PayloadRaw as emitted, PayloadRedacted with secret-bearing values masked.
// Readers of audit surfaces must pick one explicitly.
type Event struct {
	ID              string          `json:"id"`
	TraceID         string          `json:"trace_id"`
	SpanID          string          `json:"span_id"`
	ParentSpanID    string          `json:"parent_span_id,omitempty"`
	ThreadID        string          `json:"thread_id,omitempty"`
	Type            EventType       `json:"event_type"`
	Component       string          `json:"component"`
	ActorType       string          `json:"actor_type"`
	ActorID         string          `json:"actor_id"`
	PayloadRaw      json.RawMessage `json:"payload_raw,omitempty"`
	PayloadRedacted json.RawMessage `json:"payload_redacted,omitempty"`
	CreatedAt       int64           `json:"created_at"` // unix milliseconds
}

// MemoryItem is one episodic memory row. Metadata may carry chunk-group info
// (see ChunkMeta) when the item is a slice of a larger logical payload.
type MemoryItem struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"` // unix milliseconds
}

// ChunkMeta is the validated shape of chunk-group metadata on a MemoryItem.
type ChunkMeta struct {
	GroupID   string `json:"chunk_group_id"`
	Index     int    `json:"chunk_index"`
	Total     int    `json:"chunk_total"`
	Continued bool   `json:"continued"`
}

// ChunkMetaOf extracts and validates chunk metadata from an item's metadata
// map. The second return is false when the item is not part of a chunk group.
func ChunkMetaOf(metadata map[string]any) (ChunkMeta, bool) {
	if metadata == nil {
		return ChunkMeta{}, false
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ChunkMeta{}, false
	}
	var cm ChunkMeta
	if err := json.Unmarshal(raw, &cm); err != nil {
		return ChunkMeta{}, false
	}
	if cm.GroupID == "" || cm.Total <= 0 || cm.Index < 0 || cm.Index >= cm.Total {
		return ChunkMeta{}, false
	}
	return cm, true
}

// ThreadSummary holds the rolling short and long summaries for a thread.
type ThreadSummary struct {
	ThreadID  string `json:"thread_id"`
	Short     string `json:"short"`
	Long      string `json:"long"`
	UpdatedAt int64  `json:"updated_at"`
}

// StateType classifies a structured state item.
type StateType string

const (
	StateDecision   StateType = "decision"
	StateConstraint StateType = "constraint"
	StateAction     StateType = "action"
	StateQuestion   StateType = "question"
	StateRisk       StateType = "risk"
	StateFailure    StateType = "failure"
)

// StateStatus is the lifecycle status of a state item.
type StateStatus string

const (
	StatusActive     StateStatus = "active"
	StatusOpen       StateStatus = "open"
	StatusSuperseded StateStatus = "superseded"
	StatusClosed     StateStatus = "closed"
)

// Confidence levels, ordered low < medium < high.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank returns the ordering position of a confidence level. Unknown values
// rank below low.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// Tier is the retention stage of a state item.
type Tier string

const (
	TierWorking    Tier = "working"
	TierEpisodic   Tier = "episodic"
	TierSemantic   Tier = "semantic_longterm"
	TierProcedural Tier = "procedural"
)

// SupersessionEvidence records why an item was superseded.
type SupersessionEvidence struct {
	Trigger      string `json:"trigger"`
	RefMsgID     string `json:"ref_msg_id"`
	CandidateUID string `json:"candidate_uid"`
}

// StateItem is one structured knowledge row, uniquely addressed by
// (UID, ThreadID). Conflicting writes merge rather than duplicate.
type StateItem struct {
	UID                  string                `json:"uid"`
	ThreadID             string                `json:"thread_id"`
	AgentID              string                `json:"agent_id"`
	Text                 string                `json:"text"`
	Type                 StateType             `json:"type"`
	Status               StateStatus           `json:"status"`
	TopicTags            []string              `json:"topic_tags,omitempty"`
	Refs                 []string              `json:"refs,omitempty"` // message IDs
	Confidence           Confidence            `json:"confidence"`
	ReplacedBy           string                `json:"replaced_by,omitempty"`
	SupersessionEvidence *SupersessionEvidence `json:"supersession_evidence,omitempty"`
	Conflict             bool                  `json:"conflict"`
	Pinned               bool                  `json:"pinned"`
	Tier                 Tier                  `json:"tier"`
	ImportanceScore      float64               `json:"importance_score"`
	AccessCount          int                   `json:"access_count"`
	LastSeenAt           int64                 `json:"last_seen_at"`
	CreatedAt            int64                 `json:"created_at"`
	UpdatedAt            int64                 `json:"updated_at"`
}

// StateRelation is a typed edge between two state items.
type StateRelation struct {
	SourceUID    string `json:"source_uid"`
	TargetUID    string `json:"target_uid"`
	RelationType string `json:"relation_type"`
}

// ExtractionWatermark marks how far state extraction has read a thread.
type ExtractionWatermark struct {
	ThreadID             string `json:"thread_id"`
	LastMessageCreatedAt int64  `json:"last_message_created_at"`
	LastMessageID        string `json:"last_message_id"`
}

// Schedule is a time-triggered task. CronExpr is either a 5-field cron line
// or "@every:N" (N positive integer seconds). A zero LastRunAt means the
// schedule has never fired; catch-up then starts from CreatedAt.
type Schedule struct {
	ID         string `json:"id"`
	ThreadID   string `json:"thread_id,omitempty"`
	CronExpr   string `json:"cron_expr"`
	Payload    string `json:"payload"`
	Enabled    bool   `json:"enabled"`
	CreatedAt  int64  `json:"created_at"`
	LastRunAt  int64  `json:"last_run_at,omitempty"` // unix milliseconds, 0 = never
	MaxCatchup int    `json:"max_catchup,omitempty"` // 0 = use the global default
}

// Approval statuses.
const (
	ApprovalApproved = "approved"
	ApprovalConsumed = "consumed"
	ApprovalExpired  = "expired"
)

// Approval is a single-use grant for a privileged action. Consumption flips
// approved → consumed atomically with the gated operation's permission check.
type Approval struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	Status    string `json:"status"`
	TargetRef string `json:"target_ref,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix milliseconds, 0 = no expiry
	CreatedAt int64  `json:"created_at"`
}

// SystemState is the singleton operational record. Last writer wins; the
// thresholded counters trip lockdown transitions (see SystemService).
type SystemState struct {
	Lockdown           bool   `json:"lockdown"`
	Restarting         bool   `json:"restarting"`
	ReadyzFailStreak   int    `json:"readyz_fail_streak"`
	RollbackCount      int    `json:"rollback_count"`
	LastRollbackAt     int64  `json:"last_rollback_at,omitempty"`
	HostExecFailStreak int    `json:"host_exec_fail_streak"`
	LastHostExecFailAt int64  `json:"last_host_exec_fail_at,omitempty"`
	LockdownReason     string `json:"lockdown_reason,omitempty"`
	CooldownUntil      int64  `json:"cooldown_until,omitempty"` // primary lane quota cooldown
	CooldownReason     string `json:"cooldown_reason,omitempty"`
	UpdatedAt          int64  `json:"updated_at"`
}

// Skill is a named procedure document advertised to the model by name;
// content is fetched on demand through the skill tool.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Pinned      bool   `json:"pinned"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Document is a knowledge-base source document.
type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Mime      string `json:"mime"`
	CreatedAt int64  `json:"created_at"`
}

// Chunk is one indexed slice of a knowledge-base document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	ChunkIndex int       `json:"chunk_index"`
	Embedding  []float32 `json:"-"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific (e.g. Gemini thoughtSignature)
}

type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type ChatRequest struct {
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"` // 0 = provider default
	MaxTokens   int              `json:"max_tokens,omitempty"`  // 0 = provider default
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
