// Package app composes the runtime: configuration, store, observability,
// providers, router, services, tools, dispatcher, and scheduler. cmd/atoll is
// a thin shell over this package.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	atoll "github.com/nevindra/atoll"
	"github.com/nevindra/atoll/internal/config"
	"github.com/nevindra/atoll/kb"
	"github.com/nevindra/atoll/observer"
	"github.com/nevindra/atoll/provider/resolve"
	"github.com/nevindra/atoll/store/postgres"
	"github.com/nevindra/atoll/store/sqlite"
	"github.com/nevindra/atoll/tools/delegate"
	"github.com/nevindra/atoll/tools/fsops"
	"github.com/nevindra/atoll/tools/host"
	"github.com/nevindra/atoll/tools/kbsearch"
	"github.com/nevindra/atoll/tools/memorize"
	"github.com/nevindra/atoll/tools/skillfetch"
	"github.com/nevindra/atoll/tools/timer"
	"github.com/nevindra/atoll/tools/webfetch"
)

// App is the assembled runtime.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      atoll.Store
	pool       *pgxpool.Pool
	events     *atoll.EventWriter
	embedder   atoll.EmbeddingProvider
	router     *atoll.Router
	memory     *atoll.MemoryService
	state      *atoll.StateService
	skills     *atoll.Skills
	knowledge  atoll.Knowledge
	approvals  *atoll.Approvals
	system     *atoll.System
	bundles    *atoll.Bundles
	roster     *atoll.Roster
	registry   *atoll.ToolRegistry
	commands   *atoll.Commands
	engine     *atoll.Engine
	dispatcher *atoll.Dispatcher
	scheduler  *atoll.Scheduler
	maintainer *atoll.Maintainer

	inst        *observer.Instruments
	obsShutdown func(context.Context) error
}

// New builds the full runtime from configuration. Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}

	if err := a.buildObserver(ctx); err != nil {
		return nil, err
	}
	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildProviders(); err != nil {
		return nil, err
	}
	a.buildServices()
	if err := a.buildTools(); err != nil {
		return nil, err
	}
	a.buildEngine()
	a.buildWorkers()
	return a, nil
}

func (a *App) buildObserver(ctx context.Context) error {
	if !a.cfg.Observer.Enabled {
		return nil
	}
	pricing := make(map[string]observer.ModelPricing, len(a.cfg.Observer.Pricing))
	for model, p := range a.cfg.Observer.Pricing {
		pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	inst, shutdown, err := observer.Init(ctx, pricing)
	if err != nil {
		return fmt.Errorf("observer init: %w", err)
	}
	a.inst = inst
	a.obsShutdown = shutdown
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, a.cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		a.pool = pool
		a.store = postgres.New(pool,
			postgres.WithEmbeddingDimension(a.cfg.Embedding.Dimensions))
	case "sqlite", "":
		a.store = sqlite.New(a.cfg.Database.Path, sqlite.WithLogger(a.logger))
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
	return nil
}

func (a *App) buildProviders() error {
	primary, err := resolve.Provider(resolve.Config{
		Provider:    a.cfg.Model.Provider,
		APIKey:      a.cfg.Model.APIKey,
		Model:       a.cfg.Model.Model,
		BaseURL:     a.cfg.Model.BaseURL,
		Temperature: a.cfg.Model.Temperature,
		TopP:        a.cfg.Model.TopP,
		Thinking:    a.cfg.Model.Thinking,
	})
	if err != nil {
		return fmt.Errorf("primary provider: %w", err)
	}
	primary = atoll.WithRateLimit(atoll.WithRetry(primary, atoll.RetryLogger(a.logger)))
	if a.inst != nil {
		primary = observer.WrapProvider(primary, a.cfg.Model.Model, a.inst)
	}

	routerOpts := []atoll.RouterOption{
		atoll.WithPrimaryProbe(resolve.HealthChecker(primary)),
		atoll.WithCooldownStore(a.store),
		atoll.WithRouterLogger(a.logger),
	}
	if a.cfg.Router.CooldownSeconds > 0 {
		routerOpts = append(routerOpts,
			atoll.WithQuotaCooldown(time.Duration(a.cfg.Router.CooldownSeconds)*time.Second))
	}
	if a.cfg.Router.ProbeTTLSeconds > 0 {
		routerOpts = append(routerOpts,
			atoll.WithProbeTTL(time.Duration(a.cfg.Router.ProbeTTLSeconds)*time.Second))
	}

	if a.cfg.Fallback.Provider != "" {
		fallback, err := resolve.Provider(resolve.Config{
			Provider:    a.cfg.Fallback.Provider,
			APIKey:      a.cfg.Fallback.APIKey,
			Model:       a.cfg.Fallback.Model,
			BaseURL:     a.cfg.Fallback.BaseURL,
			Temperature: a.cfg.Fallback.Temperature,
			TopP:        a.cfg.Fallback.TopP,
		})
		if err != nil {
			return fmt.Errorf("fallback provider: %w", err)
		}
		fallback = atoll.WithRateLimit(atoll.WithRetry(fallback, atoll.RetryLogger(a.logger)))
		if a.inst != nil {
			fallback = observer.WrapProvider(fallback, a.cfg.Fallback.Model, a.inst)
		}
		routerOpts = append(routerOpts,
			atoll.WithFallback(fallback),
			atoll.WithFallbackProbe(resolve.HealthChecker(fallback)))
	}
	a.router = atoll.NewRouter(primary, routerOpts...)

	embedder, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   a.cfg.Embedding.Provider,
		APIKey:     a.cfg.Embedding.APIKey,
		Model:      a.cfg.Embedding.Model,
		Dimensions: a.cfg.Embedding.Dimensions,
	})
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}
	// Real embedder first, deterministic hash fallback last, store-backed
	// cache around the chain.
	chain := atoll.NewChainEmbedder(a.logger,
		embedder,
		atoll.NewPseudoEmbedder(a.cfg.Embedding.Dimensions))
	a.embedder = atoll.WithEmbeddingCache(chain, a.store, a.logger)
	if a.inst != nil {
		a.embedder = observer.WrapEmbedder(a.embedder, a.inst)
	}
	return nil
}

func (a *App) buildServices() {
	a.events = atoll.NewEventWriter(a.store,
		atoll.WithEventLogger(a.logger),
		atoll.WithEventIndexer(a.indexEvent))

	a.memory = atoll.NewMemoryService(a.store, a.embedder,
		atoll.WithSummarizer(routerProvider{a.router}),
		atoll.WithMemoryEvents(a.events),
		atoll.WithMemoryLogger(a.logger),
		atoll.WithFusionWeights(
			a.cfg.Retrieval.VectorWeight,
			a.cfg.Retrieval.KeywordWeight,
			a.cfg.Retrieval.RecencyWeight))

	a.state = atoll.NewStateService(a.store, a.embedder,
		atoll.WithStateLogger(a.logger))

	a.skills = atoll.NewSkills(a.store, atoll.WithSkillsLogger(a.logger))

	knowledge := atoll.Knowledge(kb.New(a.store,
		kb.WithEmbedder(a.embedder),
		kb.WithLogger(a.logger)))
	if a.inst != nil {
		knowledge = observer.WrapKnowledge(knowledge, a.inst)
	}
	a.knowledge = knowledge

	a.approvals = atoll.NewApprovals(a.store,
		atoll.WithApprovalEvents(a.events),
		atoll.WithApprovalLogger(a.logger))

	a.system = atoll.NewSystem(a.store,
		atoll.WithSystemEvents(a.events),
		atoll.WithSystemLogger(a.logger))

	a.bundles = atoll.NewBundles(a.cfg.Agents.BundleDir,
		atoll.WithBundleLogger(a.logger))
	a.roster = atoll.NewRoster(a.bundles, a.store)
}

func (a *App) buildTools() error {
	a.registry = atoll.NewToolRegistry(atoll.WithToolLogger(a.logger))

	var runner host.Runner = &host.SubprocessRunner{}
	if img := a.cfg.Host.SandboxImage; img != "" {
		dr, err := host.NewDockerRunner(img, a.cfg.Host.ContainerName, a.cfg.Engine.WorkspacePath)
		if err != nil {
			a.logger.Warn("docker sandbox unavailable, using subprocess runner", "error", err)
		} else {
			runner = dr
		}
	}

	tools := []atoll.Tool{
		host.New(runner,
			host.WithApprovals(a.approvals),
			host.WithSystem(a.system),
			host.WithLogger(a.logger)),
		fsops.New(a.cfg.Engine.WorkspacePath),
		webfetch.New(),
		memorize.New(a.memory, a.state),
		timer.New(a.store),
		kbsearch.New(a.knowledge),
		skillfetch.New(a.skills),
		delegate.New(a.taskSender(), a.roster, a.store),
	}
	for _, t := range tools {
		if a.inst != nil {
			t = observer.WrapTool(t, a.inst)
		}
		if err := a.registry.Add(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	for actor, patterns := range a.bundles.Allowlists() {
		a.registry.Allow(actor, patterns...)
	}
	return nil
}

func (a *App) buildEngine() {
	counter := atoll.NewTokenCounter(a.cfg.Engine.TokenEncoding)
	assembler := atoll.NewAssembler(counter,
		atoll.WithSectionBudgets(sectionBudgets(a.cfg.Prompt.Full), sectionBudgets(a.cfg.Prompt.Minimal)),
		atoll.WithAssemblerLogger(a.logger))

	searcher := atoll.NewEventSearcher(a.store,
		atoll.WithSearchEmbedder(a.embedder),
		atoll.WithSearcherLogger(a.logger))

	a.commands = atoll.NewCommands(a.store,
		atoll.WithCommandTasks(a.taskSender()),
		atoll.WithCommandRoster(a.roster),
		atoll.WithCommandRouter(a.router),
		atoll.WithCommandApprovals(a.approvals),
		atoll.WithCommandKnowledge(a.knowledge),
		atoll.WithCommandSearcher(searcher),
		atoll.WithUnlockCode(a.cfg.Agents.UnlockCodePath, 0),
		atoll.WithCommandLogger(a.logger))

	a.engine = atoll.NewEngine(a.store, a.router, a.registry, assembler,
		atoll.WithEngineCommands(a.commands),
		atoll.WithEngineMemory(a.memory),
		atoll.WithEngineState(a.state),
		atoll.WithEngineBundles(a.bundles),
		atoll.WithEngineRoster(a.roster),
		atoll.WithEngineKnowledge(a.knowledge),
		atoll.WithEngineEvents(a.events),
		atoll.WithEngineTasks(a.taskSender()),
		atoll.WithHeartbeatDir(a.cfg.Engine.StateDir),
		atoll.WithTokenBudgets(a.cfg.Engine.PrimaryBudget, a.cfg.Engine.FallbackBudget),
		atoll.WithCompactThreshold(a.cfg.Engine.CompactThreshold),
		atoll.WithEngineLogger(a.logger))
}

func (a *App) buildWorkers() {
	d := a.cfg.Dispatcher
	a.dispatcher = atoll.NewDispatcher(
		atoll.WithQueueBuffer(d.QueueBuffer),
		atoll.WithQueueWorkers(atoll.QueueAgentPriority, d.PriorityWorkers),
		atoll.WithQueueWorkers(atoll.QueueAgentDefault, d.DefaultWorkers),
		atoll.WithQueueWorkers(atoll.QueueToolsIO, d.IOWorkers),
		atoll.WithDispatcherLogger(a.logger))

	a.handle(atoll.TaskAgentStep, a.handleAgentStep)
	a.handle(atoll.TaskCompactThread, a.handleCompactThread)
	a.handle(atoll.TaskIndexEvent, a.handleIndexEvent)
	a.handle(atoll.TaskSchedulerTick, a.handleSchedulerTick)

	a.scheduler = atoll.NewScheduler(a.store, a.schedulerSender(),
		atoll.WithSchedulerInterval(time.Duration(a.cfg.Scheduler.TickSeconds)*time.Second),
		atoll.WithSchedulerCatchup(a.cfg.Scheduler.MaxCatchup),
		atoll.WithSchedulerEvents(a.events),
		atoll.WithSchedulerLogger(a.logger))

	a.maintainer = atoll.NewMaintainer(a.store,
		atoll.WithMaintainerState(a.state),
		atoll.WithMaintainerApprovals(a.approvals),
		atoll.WithMaintainerEmbedder(a.embedder),
		atoll.WithMaintainerLogger(a.logger))
}

// handle registers a task handler, observer-wrapped when enabled.
func (a *App) handle(name string, h atoll.TaskHandler) {
	if a.inst != nil {
		h = observer.WrapTaskHandler(name, h, a.inst)
	}
	a.dispatcher.Handle(name, h)
}

// taskSender returns the dispatcher as seen by services.
func (a *App) taskSender() atoll.TaskSender {
	return senderFunc(func(ctx context.Context, name string, kwargs map[string]any, queue string) error {
		return a.dispatcher.SendTask(ctx, name, kwargs, queue)
	})
}

// schedulerSender counts dispatched slots when the observer is on.
func (a *App) schedulerSender() atoll.TaskSender {
	s := a.taskSender()
	if a.inst != nil {
		return observer.WrapTaskSender(s, a.inst)
	}
	return s
}

// senderFunc adapts a closure to TaskSender. The indirection exists because
// the dispatcher is built after the services that need to enqueue into it.
type senderFunc func(ctx context.Context, name string, kwargs map[string]any, queue string) error

func (f senderFunc) SendTask(ctx context.Context, name string, kwargs map[string]any, queue string) error {
	return f(ctx, name, kwargs, queue)
}

func sectionBudgets(p config.SectionPercents) atoll.SectionBudgets {
	return atoll.SectionBudgets{
		SummaryShort: p.SummaryShort,
		State:        p.State,
		Skills:       p.Skills,
		Context:      p.Context,
		Tail:         p.Tail,
	}
}

// --- task handlers ---

func (a *App) handleAgentStep(ctx context.Context, task atoll.Task) error {
	req := atoll.StepRequest{
		TraceID:  atoll.StringKwarg(task.Kwargs, "trace_id"),
		ThreadID: atoll.StringKwarg(task.Kwargs, "thread_id"),
		ActorID:  atoll.StringKwarg(task.Kwargs, "actor_id"),
	}
	if task.Queue == atoll.QueueAgentPriority {
		req.Priority = "priority"
	}
	_, err := a.engine.Run(ctx, req)
	if errors.Is(err, atoll.ErrThreadClosed) {
		a.logger.Info("step on closed thread skipped", "thread_id", req.ThreadID)
		return nil
	}
	return err
}

func (a *App) handleCompactThread(ctx context.Context, task atoll.Task) error {
	threadID := atoll.StringKwarg(task.Kwargs, "thread_id")
	if threadID == "" {
		return errors.New("compact: missing thread_id")
	}
	_, err := a.memory.CompactThread(ctx, threadID, true)
	return err
}

func (a *App) handleIndexEvent(ctx context.Context, task atoll.Task) error {
	eventID := atoll.StringKwarg(task.Kwargs, "event_id")
	text := atoll.StringKwarg(task.Kwargs, "text")
	if eventID == "" || text == "" {
		return nil
	}
	vecs, err := a.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		return err
	}
	return a.store.InsertEventEmbedding(ctx, eventID, a.embedder.Name(), vecs[0])
}

func (a *App) handleSchedulerTick(ctx context.Context, _ atoll.Task) error {
	_, err := a.scheduler.Tick(ctx)
	return err
}

// indexEvent is the event writer's async index hook: it enqueues embedding
// work instead of blocking the emitting caller.
func (a *App) indexEvent(e atoll.Event) {
	text := indexableText(e)
	if text == "" {
		return
	}
	err := a.dispatcher.SendTask(context.Background(), atoll.TaskIndexEvent, map[string]any{
		"event_id": e.ID,
		"text":     text,
	}, atoll.QueueToolsIO)
	if err != nil {
		a.logger.Debug("event index enqueue failed", "event_id", e.ID, "error", err)
	}
}

func indexableText(e atoll.Event) string {
	if len(e.PayloadRedacted) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(e.PayloadRedacted, &payload); err != nil {
		return ""
	}
	var text string
	for _, key := range []string{"content", "text", "result", "reply"} {
		if v, ok := payload[key].(string); ok && v != "" {
			text = v
			break
		}
	}
	return text
}
