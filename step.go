package atoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MaxToolIterations bounds the tool-calling loop. The model gets one final
// call after the last tool round, so a step makes at most
// MaxToolIterations+1 provider calls.
const MaxToolIterations = 3

// StepTailLength is how many recent messages ride in the prompt tail.
const StepTailLength = 8

// DefaultCompactThreshold is the message count since the last summary that
// triggers async compaction. Threads can override it via settings.
const DefaultCompactThreshold = 25

// Token budgets by lane. The fallback lane is assumed cheaper and smaller,
// so prompts shrink and sections switch to minimal allocations.
const (
	DefaultPrimaryBudget  = 12000
	DefaultFallbackBudget = 6000
)

// compactRebuildFraction: an assembled prompt past this share of the budget
// compacts the thread synchronously and rebuilds once.
const compactRebuildFraction = 0.8

const identityPolicy = "Never identify as an AI, a language model, or software. " +
	"Speak as yourself, in your own voice. If asked what you are, deflect " +
	"naturally and stay in character."

const onboardingPreface = "This person is new. Introduce yourself briefly, " +
	"learn their name and what they need help with, and keep the first " +
	"exchanges short."

// onboardingDone marks a user's onboarding setting as complete; any other
// value keeps the preface in their prompts. The engine advances a counter
// after each main-agent reply and flips it to done after onboardingGrace
// exchanges. /onboarding reset deletes the setting and starts over.
const (
	onboardingDone  = "done"
	onboardingGrace = 3
)

// StepBackend is the storage slice the engine needs.
type StepBackend interface {
	ThreadStore
	MessageStore
	SummaryStore
	SettingStore
	SystemStore
	SkillStore
}

// StepRequest identifies one engine invocation.
type StepRequest struct {
	TraceID  string
	ThreadID string
	ActorID  string
	Priority string
	// Notify, when set, receives the persisted assistant message after the
	// step completes. Delivery to external channels hangs off this hook.
	Notify func(Message)
}

// Engine turns one inbound turn into exactly one persisted assistant
// message: command first-chance, budgeted prompt assembly, a bounded
// tool-calling loop over the router, identity enforcement, and the
// post-step compaction trigger.
type Engine struct {
	store     StepBackend
	router    *Router
	tools     *ToolRegistry
	assembler *Assembler

	commands *Commands
	memory   *MemoryService
	state    *StateService
	bundles  *Bundles
	roster   *Roster
	kb       Knowledge
	events   *EventWriter
	tasks    TaskSender

	logger *slog.Logger
	now    func() int64

	heartbeatDir     string
	hostname         string
	primaryBudget    int
	fallbackBudget   int
	compactThreshold int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithEngineCommands(c *Commands) EngineOption {
	return func(e *Engine) { e.commands = c }
}

func WithEngineMemory(m *MemoryService) EngineOption {
	return func(e *Engine) { e.memory = m }
}

func WithEngineState(s *StateService) EngineOption {
	return func(e *Engine) { e.state = s }
}

func WithEngineBundles(b *Bundles) EngineOption {
	return func(e *Engine) { e.bundles = b }
}

func WithEngineRoster(r *Roster) EngineOption {
	return func(e *Engine) { e.roster = r }
}

func WithEngineKnowledge(kb Knowledge) EngineOption {
	return func(e *Engine) { e.kb = kb }
}

func WithEngineEvents(w *EventWriter) EngineOption {
	return func(e *Engine) { e.events = w }
}

func WithEngineTasks(t TaskSender) EngineOption {
	return func(e *Engine) { e.tasks = t }
}

// WithHeartbeatDir enables per-agent heartbeat files under dir/heartbeat/.
func WithHeartbeatDir(dir string) EngineOption {
	return func(e *Engine) { e.heartbeatDir = dir }
}

// WithTokenBudgets overrides the per-lane prompt budgets.
func WithTokenBudgets(primary, fallback int) EngineOption {
	return func(e *Engine) {
		if primary > 0 {
			e.primaryBudget = primary
		}
		if fallback > 0 {
			e.fallbackBudget = fallback
		}
	}
}

// WithCompactThreshold overrides the default post-step compaction trigger.
func WithCompactThreshold(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.compactThreshold = n
		}
	}
}

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func withEngineClock(now func() int64) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates the step engine. store, router, and assembler are
// required; everything else degrades gracefully when absent.
func NewEngine(store StepBackend, router *Router, tools *ToolRegistry, assembler *Assembler, opts ...EngineOption) *Engine {
	e := &Engine{
		store:            store,
		router:           router,
		tools:            tools,
		assembler:        assembler,
		now:              NowMilli,
		primaryBudget:    DefaultPrimaryBudget,
		fallbackBudget:   DefaultFallbackBudget,
		compactThreshold: DefaultCompactThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.assembler == nil {
		e.assembler = NewAssembler(nil)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	if e.hostname == "" {
		e.hostname, _ = os.Hostname()
	}
	return e
}

// Run executes one agent step. Postcondition on success: exactly one new
// assistant message exists in the thread, and the returned Message is it.
func (e *Engine) Run(ctx context.Context, req StepRequest) (Message, error) {
	if req.TraceID == "" {
		req.TraceID = NewTraceID()
	}
	ctx = WithTraceID(ctx, req.TraceID)
	actor := req.ActorID
	if actor == "" {
		actor = DefaultActorID
	}
	if req.Priority == "" {
		req.Priority = "default"
	}

	thread, err := e.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return Message{}, fmt.Errorf("load thread: %w", err)
	}
	if thread.Status == ThreadClosed {
		return Message{}, ErrThreadClosed
	}

	e.emit(ctx, EventStepStart, thread.ID, actor, map[string]any{"priority": req.Priority})

	tail, err := e.store.TailMessages(ctx, thread.ID, StepTailLength)
	if err != nil {
		return Message{}, fmt.Errorf("load tail: %w", err)
	}
	lastUser := lastUserMessage(tail)

	// Meta-operations never reach the model.
	if actor == DefaultActorID && lastUser != nil && e.commands != nil {
		if reply, handled := e.commands.Execute(ctx, thread, *lastUser); handled {
			msg, err := e.persistAssistant(ctx, thread.ID, reply)
			if err != nil {
				return Message{}, err
			}
			e.emit(ctx, EventCommandExecuted, thread.ID, actor, map[string]any{
				"command":    firstToken(lastUser.Content),
				"message_id": msg.ID,
			})
			e.writeHeartbeat(actor, thread.ID, "ran "+firstToken(lastUser.Content))
			e.emit(ctx, EventStepEnd, thread.ID, actor, map[string]any{
				"message_id": msg.ID,
				"lane":       "command",
			})
			if req.Notify != nil {
				req.Notify(msg)
			}
			return msg, nil
		}
	}

	query := ""
	if lastUser != nil {
		query = lastUser.Content
	}

	health := e.router.Health(ctx)
	budget := e.primaryBudget
	minimal := false
	if !health.Primary {
		budget = e.fallbackBudget
		minimal = true
	}

	inputs := PromptInputs{
		Identity:     e.identityBlock(ctx, thread, actor),
		Tools:        e.toolDefs(actor),
		Skills:       e.advertisedSkills(ctx, query),
		StateBlock:   e.stateBlock(ctx, thread.ID),
		ContextBlock: e.contextBlock(ctx, thread.ID, actor, query),
		Tail:         tail,
		TokenBudget:  budget,
		Minimal:      minimal,
	}
	e.loadSummaries(ctx, thread.ID, &inputs)
	prompt := e.assembler.Assemble(inputs)

	// An oversized prompt compacts synchronously and rebuilds once with the
	// fresh summaries.
	if e.memory != nil && float64(prompt.Report.TotalTokens) >= compactRebuildFraction*float64(budget) {
		if _, err := e.memory.CompactThread(ctx, thread.ID, true); err != nil {
			e.logger.Warn("sync compaction failed", "thread_id", thread.ID, "error", err)
		} else {
			e.loadSummaries(ctx, thread.ID, &inputs)
			prompt = e.assembler.Assemble(inputs)
		}
	}
	e.emit(ctx, EventPromptBuild, thread.ID, actor, prompt.Report)

	msg, lane, err := e.modelLoop(ctx, thread, actor, req.Priority, prompt, inputs.Tools)
	if err != nil {
		return Message{}, err
	}

	e.writeHeartbeat(actor, thread.ID, truncateText(msg.Content, 120))
	if actor == DefaultActorID {
		e.advanceOnboarding(ctx, thread.UserID)
	}
	e.maybeEnqueueCompaction(ctx, thread.ID)

	e.emit(ctx, EventStepEnd, thread.ID, actor, map[string]any{
		"message_id": msg.ID,
		"lane":       string(lane),
	})
	if req.Notify != nil {
		req.Notify(msg)
	}
	return msg, nil
}

// modelLoop drives the bounded tool-calling loop and persists the final
// text. Tool failures become result turns; only provider exhaustion aborts.
func (e *Engine) modelLoop(ctx context.Context, thread Thread, actor, priority string, prompt AssembledPrompt, defs []ToolDefinition) (Message, Lane, error) {
	convo := []ChatMessage{
		{Role: "system", Content: prompt.System},
		{Role: "user", Content: prompt.User},
	}

	var finalText string
	var lane Lane
	fellBack := false

	for iteration := 0; ; iteration++ {
		e.emit(ctx, EventModelRunStart, thread.ID, actor, map[string]any{"iteration": iteration})
		res, err := e.router.Generate(ctx, ChatRequest{Messages: convo, Tools: defs}, priority)
		if err != nil {
			e.emit(ctx, EventModelRunEnd, thread.ID, actor, map[string]any{
				"iteration": iteration,
				"error":     err.Error(),
			})
			return Message{}, "", fmt.Errorf("generate: %w", err)
		}
		lane = res.Lane
		e.emit(ctx, EventModelRunEnd, thread.ID, actor, map[string]any{
			"iteration":     iteration,
			"lane":          string(res.Lane),
			"input_tokens":  res.Response.Usage.InputTokens,
			"output_tokens": res.Response.Usage.OutputTokens,
		})
		if res.Lane == LaneFallback && res.PrimaryErr != nil && !fellBack {
			fellBack = true
			e.emit(ctx, EventModelFallback, thread.ID, actor, map[string]any{
				"reason": res.PrimaryErr.Error(),
			})
		}

		text := EnforceIdentity(res.Response.Content)
		if len(res.Response.ToolCalls) == 0 || iteration >= MaxToolIterations {
			finalText = text
			break
		}

		convo = append(convo, ChatMessage{
			Role:      "assistant",
			Content:   res.Response.Content,
			ToolCalls: res.Response.ToolCalls,
		})
		for _, call := range res.Response.ToolCalls {
			convo = append(convo, e.runTool(ctx, thread.ID, actor, iteration, call))
		}
	}

	msg, err := e.persistAssistant(ctx, thread.ID, finalText)
	if err != nil {
		return Message{}, "", err
	}
	return msg, lane, nil
}

// runTool executes one tool call and returns the synthetic result turn.
func (e *Engine) runTool(ctx context.Context, threadID, actor string, iteration int, call ToolCall) ChatMessage {
	e.emit(ctx, EventToolCallStart, threadID, actor, map[string]any{
		"tool":      call.Name,
		"iteration": iteration,
	})

	var result ToolResult
	if e.tools == nil {
		result = ToolResult{Error: "no tools registered"}
	} else {
		callCtx := WithInvocation(ctx, Invocation{ActorID: actor, ThreadID: threadID})
		result = e.tools.Invoke(callCtx, actor, call.Name, call.Args)
	}

	turn := map[string]any{"tool": call.Name}
	endPayload := map[string]any{"tool": call.Name, "iteration": iteration}
	if result.Error != "" {
		turn["error"] = result.Error
		endPayload["error"] = result.Error
	} else {
		turn["result"] = result.Content
		endPayload["ok"] = true
	}
	e.emit(ctx, EventToolCallEnd, threadID, actor, endPayload)

	return ChatMessage{
		Role:       "user",
		Content:    "[tool_result] " + string(Payload(turn)),
		ToolCallID: call.ID,
	}
}

func (e *Engine) persistAssistant(ctx context.Context, threadID, text string) (Message, error) {
	msg := Message{
		ID:        NewID(KindMessage),
		ThreadID:  threadID,
		Role:      "assistant",
		Content:   text,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("persist assistant message: %w", err)
	}
	return msg, nil
}

// identityBlock composes identity and soul markdown with the identity
// policy, the onboarding preface for new users, and the environment block.
func (e *Engine) identityBlock(ctx context.Context, thread Thread, actor string) string {
	var parts []string
	if e.bundles != nil {
		if b, ok := e.bundles.Get(actor); ok {
			if s := strings.TrimSpace(b.Identity); s != "" {
				parts = append(parts, s)
			}
			if s := strings.TrimSpace(b.Soul); s != "" {
				parts = append(parts, s)
			}
		}
	}
	parts = append(parts, identityPolicy)
	if actor == DefaultActorID && e.userIsOnboarding(ctx, thread.UserID) {
		parts = append(parts, onboardingPreface)
	}
	parts = append(parts, e.environmentBlock(ctx, thread))
	return strings.Join(parts, "\n\n")
}

func (e *Engine) userIsOnboarding(ctx context.Context, userID string) bool {
	v, err := e.store.GetSetting(ctx, UserScope(userID), settingOnboarding)
	if errors.Is(err, ErrNotFound) {
		return true
	}
	return err == nil && v != onboardingDone
}

func (e *Engine) advanceOnboarding(ctx context.Context, userID string) {
	v, err := e.store.GetSetting(ctx, UserScope(userID), settingOnboarding)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return
	}
	if v == onboardingDone {
		return
	}
	n, _ := strconv.Atoi(v)
	n++
	next := strconv.Itoa(n)
	if n >= onboardingGrace {
		next = onboardingDone
	}
	if err := e.store.PutSetting(ctx, UserScope(userID), settingOnboarding, next); err != nil {
		e.logger.Warn("advance onboarding failed", "user", userID, "error", err)
	}
}

func (e *Engine) environmentBlock(ctx context.Context, thread Thread) string {
	var b strings.Builder
	b.WriteString("## Environment\n")
	fmt.Fprintf(&b, "- time: %s\n", time.UnixMilli(e.now()).UTC().Format(time.RFC3339))
	if e.hostname != "" {
		fmt.Fprintf(&b, "- host: %s\n", e.hostname)
	}
	if sys, err := e.store.GetSystemState(ctx); err == nil && sys.Lockdown {
		b.WriteString("- lockdown: active, privileged operations disabled\n")
	}
	if e.roster != nil {
		if agents, err := e.roster.Active(ctx, thread.ID); err == nil {
			fmt.Fprintf(&b, "- roster: %s\n", strings.Join(agents, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) toolDefs(actor string) []ToolDefinition {
	if e.tools == nil {
		return nil
	}
	return e.tools.DefinitionsFor(actor)
}

// advertisedSkills gathers pinned skills plus query matches, pinned first,
// capped so the catalog cannot crowd the prompt.
func (e *Engine) advertisedSkills(ctx context.Context, query string) []SkillAd {
	const maxAds = 8

	var ads []SkillAd
	seen := map[string]bool{}
	add := func(s Skill) {
		if seen[s.Name] || len(ads) >= maxAds {
			return
		}
		seen[s.Name] = true
		ads = append(ads, SkillAd{Name: s.Name, Description: s.Description})
	}

	all, err := e.store.ListSkills(ctx)
	if err != nil {
		e.logger.Warn("list skills failed", "error", err)
		return nil
	}
	for _, s := range all {
		if s.Pinned {
			add(s)
		}
	}
	if query != "" {
		matched, err := e.store.SearchSkills(ctx, query, 5)
		if err != nil {
			e.logger.Warn("search skills failed", "error", err)
		}
		for _, s := range matched {
			add(s)
		}
	}
	return ads
}

func (e *Engine) stateBlock(ctx context.Context, threadID string) string {
	if e.state == nil {
		return ""
	}
	block, err := e.state.RenderBlock(ctx, threadID, 20)
	if err != nil {
		e.logger.Warn("render state block failed", "thread_id", threadID, "error", err)
		return ""
	}
	return block
}

// contextBlock folds retrieved memory, and for main the knowledge base,
// into one section body.
func (e *Engine) contextBlock(ctx context.Context, threadID, actor, query string) string {
	if query == "" {
		return ""
	}
	var b strings.Builder
	if e.memory != nil {
		hits, err := e.memory.Search(ctx, threadID, 8, query)
		if err != nil {
			e.logger.Warn("memory search failed", "thread_id", threadID, "error", err)
		}
		for _, h := range hits {
			fmt.Fprintf(&b, "- %s\n", truncateText(h.Text, 240))
		}
	}
	if actor == DefaultActorID && e.kb != nil {
		hits, err := e.kb.Search(ctx, query, 3)
		if err != nil {
			e.logger.Warn("kb search failed", "error", err)
		}
		for _, h := range hits {
			fmt.Fprintf(&b, "- [kb:%s] %s\n", h.Title, truncateText(h.Chunk.Content, 240))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) loadSummaries(ctx context.Context, threadID string, in *PromptInputs) {
	summary, err := e.store.GetSummary(ctx, threadID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Warn("load summary failed", "thread_id", threadID, "error", err)
		return
	}
	in.SummaryShort = summary.Short
	in.SummaryLong = summary.Long
}

// maybeEnqueueCompaction fires the async compaction task when enough
// messages piled up since the last summary.
func (e *Engine) maybeEnqueueCompaction(ctx context.Context, threadID string) {
	if e.tasks == nil {
		return
	}
	threshold := e.compactThreshold
	if raw, err := e.store.GetSetting(ctx, ThreadScope(threadID), settingCompactAt); err == nil {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			threshold = n
		}
	}

	var since int64
	if summary, err := e.store.GetSummary(ctx, threadID); err == nil {
		since = summary.UpdatedAt
	}
	count, err := e.store.CountMessagesAfter(ctx, threadID, since)
	if err != nil {
		e.logger.Warn("count messages failed", "thread_id", threadID, "error", err)
		return
	}
	if count < threshold {
		return
	}
	err = e.tasks.SendTask(ctx, TaskCompactThread, map[string]any{"thread_id": threadID}, QueueToolsIO)
	if err != nil {
		e.logger.Warn("enqueue compaction failed", "thread_id", threadID, "error", err)
	}
}

// writeHeartbeat records the agent's last action. Best-effort.
func (e *Engine) writeHeartbeat(actor, threadID, summary string) {
	if e.heartbeatDir == "" {
		return
	}
	dir := filepath.Join(e.heartbeatDir, "heartbeat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("heartbeat dir failed", "error", err)
		return
	}
	record := map[string]any{
		"at":        e.now(),
		"thread_id": threadID,
		"summary":   summary,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	path := filepath.Join(dir, actor+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		e.logger.Warn("heartbeat write failed", "path", path, "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, typ EventType, threadID, actor string, payload any) {
	if e.events == nil {
		return
	}
	e.events.Emit(ctx, Event{
		Type:       typ,
		ThreadID:   threadID,
		Component:  "engine",
		ActorType:  "agent",
		ActorID:    actor,
		PayloadRaw: Payload(payload),
	})
}

// lastUserMessage returns the most recent user-role message in the tail.
func lastUserMessage(tail []Message) *Message {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Role == "user" {
			return &tail[i]
		}
	}
	return nil
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
