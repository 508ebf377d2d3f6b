package atoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// AdminRequired is the fixed reply for admin-only commands invoked by a
// regular user.
const AdminRequired = "admin required"

const defaultUnlockWindow = 10 * time.Minute

// Knowledge is the command and tool surface of the knowledge base.
// kb.Service implements it.
type Knowledge interface {
	// Add ingests one document: extract, chunk, embed, index.
	Add(ctx context.Context, title, source, mime string, data []byte) (Document, error)
	List(ctx context.Context, limit int) ([]Document, error)
	Search(ctx context.Context, query string, k int) ([]KnowledgeHit, error)
	Get(ctx context.Context, id string) (Document, []Chunk, error)
}

// KnowledgeHit is one scored knowledge-base chunk.
type KnowledgeHit struct {
	Chunk Chunk   `json:"chunk"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// CommandBackend is the storage slice the interpreter needs.
type CommandBackend interface {
	UserStore
	ThreadStore
	SettingStore
	SystemStore
}

// Commands interprets slash messages and runs meta-operations without a
// model round trip. Execute returns the reply to persist verbatim as the
// assistant message; collaborating services are optional and degrade to
// "unavailable" replies when absent.
type Commands struct {
	store      CommandBackend
	tasks      TaskSender
	roster     *Roster
	router     *Router
	scheduler  *Scheduler
	dispatcher *Dispatcher
	approvals  *Approvals
	kb         Knowledge
	searcher   *EventSearcher
	logger     *slog.Logger
	now        func() int64

	unlockCodePath string
	unlockWindow   time.Duration
}

// CommandOption configures the interpreter.
type CommandOption func(*Commands)

func WithCommandTasks(t TaskSender) CommandOption {
	return func(c *Commands) { c.tasks = t }
}

func WithCommandRoster(r *Roster) CommandOption {
	return func(c *Commands) { c.roster = r }
}

func WithCommandRouter(r *Router) CommandOption {
	return func(c *Commands) { c.router = r }
}

func WithCommandScheduler(s *Scheduler) CommandOption {
	return func(c *Commands) { c.scheduler = s }
}

func WithCommandDispatcher(d *Dispatcher) CommandOption {
	return func(c *Commands) { c.dispatcher = d }
}

func WithCommandApprovals(a *Approvals) CommandOption {
	return func(c *Commands) { c.approvals = a }
}

func WithCommandKnowledge(kb Knowledge) CommandOption {
	return func(c *Commands) { c.kb = kb }
}

func WithCommandSearcher(s *EventSearcher) CommandOption {
	return func(c *Commands) { c.searcher = s }
}

// WithUnlockCode points /unlock at the code file. The file must have been
// modified within window and hold the presented code.
func WithUnlockCode(path string, window time.Duration) CommandOption {
	return func(c *Commands) {
		c.unlockCodePath = path
		if window > 0 {
			c.unlockWindow = window
		}
	}
}

func WithCommandLogger(l *slog.Logger) CommandOption {
	return func(c *Commands) { c.logger = l }
}

func withCommandClock(now func() int64) CommandOption {
	return func(c *Commands) { c.now = now }
}

// NewCommands creates the interpreter.
func NewCommands(store CommandBackend, opts ...CommandOption) *Commands {
	c := &Commands{
		store:        store,
		now:          NowMilli,
		unlockWindow: defaultUnlockWindow,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// Execute runs the slash command carried by msg, if any. handled=false
// means the message is not a recognized command and the step proceeds to
// the model. When handled, reply is persisted verbatim as the assistant
// message.
func (c *Commands) Execute(ctx context.Context, thread Thread, msg Message) (reply string, handled bool) {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	fields := strings.Fields(text)
	args := fields[1:]

	switch fields[0] {
	case "/verbose":
		return c.cmdVerbose(ctx, thread, args), true
	case "/group":
		return c.cmdGroup(ctx, thread, args), true
	case "/new":
		return c.cmdNew(ctx, thread), true
	case "/compact":
		return c.cmdCompact(ctx, thread), true
	case "/onboarding":
		return c.cmdOnboarding(ctx, thread, args), true
	case "/status":
		return c.cmdStatus(ctx, thread), true
	case "/logs":
		return c.cmdLogs(ctx, args), true
	case "/kb":
		return c.cmdKB(ctx, args), true
	case "/unlock":
		return c.cmdUnlock(ctx, thread, args), true
	case "/restart":
		return c.cmdRestart(ctx, thread), true
	case "/approve":
		return c.cmdApprove(ctx, thread, args), true
	}
	// Unrecognized slash tokens fall through to the model; people type
	// "/shrug" in chat.
	return "", false
}

func (c *Commands) cmdVerbose(ctx context.Context, thread Thread, args []string) string {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return "usage: /verbose on|off"
	}
	if err := c.store.PutSetting(ctx, ThreadScope(thread.ID), settingVerbose, args[0]); err != nil {
		c.logger.Error("set verbose failed", "thread", thread.ID, "error", err)
		return "could not update verbose setting"
	}
	return "verbose " + args[0]
}

func (c *Commands) cmdGroup(ctx context.Context, thread Thread, args []string) string {
	if len(args) != 2 || (args[0] != "on" && args[0] != "off") {
		return "usage: /group on|off <agent>"
	}
	if c.roster == nil {
		return "no agent roster configured"
	}
	on := args[0] == "on"
	if err := c.roster.SetEnabled(ctx, thread.ID, args[1], on); err != nil {
		return err.Error()
	}
	if on {
		return args[1] + " enabled for this thread"
	}
	return args[1] + " disabled for this thread"
}

func (c *Commands) cmdNew(ctx context.Context, thread Thread) string {
	if err := c.store.CloseThread(ctx, thread.ID); err != nil {
		c.logger.Error("close thread failed", "thread", thread.ID, "error", err)
		return "could not close the current thread"
	}
	now := c.now()
	fresh := Thread{
		ID:        NewID(KindThread),
		UserID:    thread.UserID,
		ChannelID: thread.ChannelID,
		Status:    ThreadOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateThread(ctx, fresh); err != nil {
		c.logger.Error("create thread failed", "error", err)
		return "could not start a fresh thread"
	}
	return "started a fresh thread: " + fresh.ID
}

func (c *Commands) cmdCompact(ctx context.Context, thread Thread) string {
	if c.tasks == nil {
		return "compaction is not available"
	}
	err := c.tasks.SendTask(ctx, TaskCompactThread, map[string]any{"thread_id": thread.ID}, QueueToolsIO)
	if err != nil {
		c.logger.Error("enqueue compaction failed", "thread", thread.ID, "error", err)
		return "could not schedule compaction"
	}
	return "compaction scheduled"
}

func (c *Commands) cmdOnboarding(ctx context.Context, thread Thread, args []string) string {
	if len(args) != 1 || args[0] != "reset" {
		return "usage: /onboarding reset"
	}
	if err := c.store.DeleteSetting(ctx, UserScope(thread.UserID), settingOnboarding); err != nil {
		c.logger.Error("onboarding reset failed", "user", thread.UserID, "error", err)
		return "could not reset onboarding"
	}
	return "onboarding reset"
}

func (c *Commands) cmdStatus(ctx context.Context, thread Thread) string {
	status := map[string]any{
		"providers":     c.providerStatus(ctx),
		"scheduler":     c.schedulerStatus(ctx),
		"active_agents": c.activeAgents(ctx, thread.ID),
	}
	if c.dispatcher != nil {
		stats := c.dispatcher.Stats()
		status["queues"] = stats.Queued
		status["workers"] = map[string]int{
			"in_flight":      stats.InFlight,
			"max_concurrent": stats.MaxConcurrent,
		}
	}
	if sys, err := c.store.GetSystemState(ctx); err == nil {
		status["lockdown"] = sys.Lockdown
		status["restarting"] = sys.Restarting
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return "could not assemble status"
	}
	return string(raw)
}

func (c *Commands) providerStatus(ctx context.Context) any {
	if c.router == nil {
		return map[string]bool{"primary": false, "fallback": false}
	}
	return c.router.Health(ctx)
}

func (c *Commands) schedulerStatus(ctx context.Context) any {
	if c.scheduler == nil {
		return BacklogReport{}
	}
	report, err := c.scheduler.Backlog(ctx)
	if err != nil {
		c.logger.Warn("scheduler backlog failed", "error", err)
		return BacklogReport{}
	}
	return report
}

func (c *Commands) activeAgents(ctx context.Context, threadID string) []string {
	if c.roster == nil {
		return []string{DefaultActorID}
	}
	agents, err := c.roster.Active(ctx, threadID)
	if err != nil {
		c.logger.Warn("roster lookup failed", "thread", threadID, "error", err)
		return []string{DefaultActorID}
	}
	return agents
}

func (c *Commands) cmdLogs(ctx context.Context, args []string) string {
	if c.searcher == nil {
		return "log search is not available"
	}
	if len(args) >= 2 && args[0] == "trace" {
		events, err := c.searcher.Trace(ctx, args[1])
		if err != nil {
			c.logger.Error("trace lookup failed", "trace", args[1], "error", err)
			return "could not load trace"
		}
		if len(events) == 0 {
			return "no events for trace " + args[1]
		}
		return renderEvents(events)
	}
	if len(args) >= 2 && args[0] == "search" {
		query := strings.Join(args[1:], " ")
		events, err := c.searcher.Search(ctx, query, 20)
		if err != nil {
			c.logger.Error("log search failed", "query", query, "error", err)
			return "could not search logs"
		}
		if len(events) == 0 {
			return "no events matched"
		}
		return renderEvents(events)
	}
	return "usage: /logs trace <id> | /logs search <query>"
}

// renderEvents formats audit rows for chat. Redacted payloads only on this
// surface.
func renderEvents(events []Event) string {
	var b strings.Builder
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		ts := time.UnixMilli(e.CreatedAt).UTC().Format(time.RFC3339)
		b.WriteString(ts)
		b.WriteByte(' ')
		b.WriteString(string(e.Type))
		b.WriteString(" [")
		b.WriteString(e.Component)
		b.WriteByte(']')
		if len(e.PayloadRedacted) > 0 {
			b.WriteByte(' ')
			b.WriteString(clipPayload(string(e.PayloadRedacted), 120))
		}
	}
	return b.String()
}

func clipPayload(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (c *Commands) cmdKB(ctx context.Context, args []string) string {
	if c.kb == nil {
		return "knowledge base is not available"
	}
	if len(args) == 0 {
		return "usage: /kb add <title> <text> | /kb list | /kb search <query> | /kb get <id>"
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return "usage: /kb add <title> <text>"
		}
		title := args[1]
		content := strings.Join(args[2:], " ")
		doc, err := c.kb.Add(ctx, title, "chat", "text/plain", []byte(content))
		if err != nil {
			c.logger.Error("kb add failed", "title", title, "error", err)
			return "could not add the document"
		}
		return "added " + doc.ID + ": " + doc.Title
	case "list":
		docs, err := c.kb.List(ctx, 20)
		if err != nil {
			c.logger.Error("kb list failed", "error", err)
			return "could not list documents"
		}
		if len(docs) == 0 {
			return "knowledge base is empty"
		}
		var b strings.Builder
		for i, d := range docs {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s  %s", d.ID, d.Title)
		}
		return b.String()
	case "search":
		if len(args) < 2 {
			return "usage: /kb search <query>"
		}
		hits, err := c.kb.Search(ctx, strings.Join(args[1:], " "), 5)
		if err != nil {
			c.logger.Error("kb search failed", "error", err)
			return "could not search the knowledge base"
		}
		if len(hits) == 0 {
			return "no matches"
		}
		var b strings.Builder
		for i, h := range hits {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s#%d %.3f %s: %s",
				h.Chunk.DocumentID, h.Chunk.ChunkIndex, h.Score, h.Title,
				clipPayload(h.Chunk.Content, 160))
		}
		return b.String()
	case "get":
		if len(args) != 2 {
			return "usage: /kb get <id>"
		}
		doc, chunks, err := c.kb.Get(ctx, args[1])
		if errors.Is(err, ErrNotFound) {
			return "no such document"
		}
		if err != nil {
			c.logger.Error("kb get failed", "doc", args[1], "error", err)
			return "could not load the document"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s (%s, %d chunks)\n", doc.Title, doc.Mime, len(chunks))
		for _, ch := range chunks {
			b.WriteString(ch.Content)
			b.WriteByte('\n')
		}
		return strings.TrimRight(b.String(), "\n")
	}
	return "usage: /kb add <title> <text> | /kb list | /kb search <query> | /kb get <id>"
}

func (c *Commands) cmdUnlock(ctx context.Context, thread Thread, args []string) string {
	if !c.isAdmin(ctx, thread.UserID) {
		return AdminRequired
	}
	if len(args) != 1 {
		return "usage: /unlock <code>"
	}
	if c.unlockCodePath == "" {
		return "unlock is not configured"
	}
	info, err := os.Stat(c.unlockCodePath)
	if err != nil {
		return "unlock code unavailable"
	}
	if time.UnixMilli(c.now()).Sub(info.ModTime()) > c.unlockWindow {
		return "unlock code expired"
	}
	data, err := os.ReadFile(c.unlockCodePath)
	if err != nil {
		return "unlock code unavailable"
	}
	if strings.TrimSpace(string(data)) != args[0] {
		return "invalid unlock code"
	}

	sys, err := c.store.GetSystemState(ctx)
	if err != nil {
		c.logger.Error("load system state failed", "error", err)
		return "could not clear lockdown"
	}
	sys.Lockdown = false
	sys.LockdownReason = ""
	sys.ReadyzFailStreak = 0
	sys.RollbackCount = 0
	sys.HostExecFailStreak = 0
	sys.UpdatedAt = c.now()
	if err := c.store.PutSystemState(ctx, sys); err != nil {
		c.logger.Error("clear lockdown failed", "error", err)
		return "could not clear lockdown"
	}
	return "lockdown cleared"
}

func (c *Commands) cmdRestart(ctx context.Context, thread Thread) string {
	if !c.isAdmin(ctx, thread.UserID) {
		return AdminRequired
	}
	sys, err := c.store.GetSystemState(ctx)
	if err != nil {
		c.logger.Error("load system state failed", "error", err)
		return "could not set the restart flag"
	}
	if sys.Lockdown {
		reason := sys.LockdownReason
		if reason == "" {
			reason = "unspecified"
		}
		return "lockdown active: " + reason
	}
	sys.Restarting = true
	sys.UpdatedAt = c.now()
	if err := c.store.PutSystemState(ctx, sys); err != nil {
		c.logger.Error("set restart flag failed", "error", err)
		return "could not set the restart flag"
	}
	return "restarting"
}

func (c *Commands) cmdApprove(ctx context.Context, thread Thread, args []string) string {
	if !c.isAdmin(ctx, thread.UserID) {
		return AdminRequired
	}
	if len(args) != 1 {
		return "usage: /approve <action>"
	}
	if c.approvals == nil {
		return "approvals are not available"
	}
	a, err := c.approvals.Grant(ctx, args[0], DefaultActorID, "")
	if err != nil {
		return err.Error()
	}
	return "approved " + a.Action + " once: " + a.ID
}

func (c *Commands) isAdmin(ctx context.Context, userID string) bool {
	u, err := c.store.GetUser(ctx, userID)
	if err != nil {
		c.logger.Warn("user lookup failed", "user", userID, "error", err)
		return false
	}
	return u.Role == RoleAdmin
}
