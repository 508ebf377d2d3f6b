package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	atoll "github.com/nevindra/atoll"
)

// settingActiveThread keys the per-user active thread in the settings store.
const settingActiveThread = "active_thread"

// maxExternalIDLen bounds ingress identifiers.
const maxExternalIDLen = 256

// routerProvider lets services that want a plain Provider (the memory
// summarizer) ride the router's lane selection.
type routerProvider struct {
	r *atoll.Router
}

func (p routerProvider) Chat(ctx context.Context, req atoll.ChatRequest) (atoll.ChatResponse, error) {
	res, err := p.r.Generate(ctx, req, "default")
	if err != nil {
		return atoll.ChatResponse{}, err
	}
	return res.Response, nil
}

func (p routerProvider) Name() string { return "router" }

// Run initializes storage and agent bundles, then starts the dispatcher,
// the scheduler, and the bundle watcher. Blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	if err := a.bundles.Load(); err != nil {
		return fmt.Errorf("load bundles: %w", err)
	}

	go func() {
		if err := a.bundles.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("bundle watcher stopped", "error", err)
		}
	}()
	go func() {
		if err := a.scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("scheduler stopped", "error", err)
		}
	}()

	a.logger.Info("atoll running",
		"database", a.cfg.Database.Driver,
		"model", a.cfg.Model.Model,
		"observer", a.cfg.Observer.Enabled)

	return a.dispatcher.Start(ctx)
}

// Close releases storage and exporter resources.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.obsShutdown != nil {
		errs = append(errs, a.obsShutdown(ctx))
	}
	return errors.Join(errs...)
}

// Inbound accepts one user turn from an ingress channel: it resolves the
// user and their active thread (creating both on first contact), persists the
// message, and enqueues a priority step. Returns the thread id.
func (a *App) Inbound(ctx context.Context, externalID, channelType, text string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" || len(externalID) > maxExternalIDLen {
		return "", fmt.Errorf("invalid external id")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty message")
	}

	user, err := a.store.GetUserByExternalID(ctx, externalID)
	if errors.Is(err, atoll.ErrNotFound) {
		user = atoll.User{
			ID:         atoll.NewID(atoll.KindUser),
			ExternalID: externalID,
			Role:       "user",
			CreatedAt:  atoll.NowMilli(),
		}
		if err := a.store.CreateUser(ctx, user); err != nil {
			return "", fmt.Errorf("create user: %w", err)
		}
		ch := atoll.Channel{
			ID:          atoll.NewID(atoll.KindChannel),
			UserID:      user.ID,
			ChannelType: channelType,
		}
		if err := a.store.CreateChannel(ctx, ch); err != nil {
			return "", fmt.Errorf("create channel: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}

	threadID, err := a.activeThread(ctx, user.ID)
	if err != nil {
		return "", err
	}

	msg := atoll.Message{
		ID:        atoll.NewID(atoll.KindMessage),
		ThreadID:  threadID,
		Role:      "user",
		Content:   text,
		CreatedAt: atoll.NowMilli(),
	}
	if err := a.store.AppendMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	err = a.dispatcher.SendTask(ctx, atoll.TaskAgentStep, map[string]any{
		"thread_id": threadID,
		"actor_id":  atoll.DefaultActorID,
	}, atoll.QueueAgentPriority)
	if err != nil {
		return "", fmt.Errorf("enqueue step: %w", err)
	}
	return threadID, nil
}

// activeThread returns the user's open thread, creating one when absent or
// closed.
func (a *App) activeThread(ctx context.Context, userID string) (string, error) {
	id, err := a.store.GetSetting(ctx, atoll.UserScope(userID), settingActiveThread)
	if err == nil && id != "" {
		if t, err := a.store.GetThread(ctx, id); err == nil && t.Status == atoll.ThreadOpen {
			return id, nil
		}
	} else if err != nil && !errors.Is(err, atoll.ErrNotFound) {
		return "", fmt.Errorf("load active thread: %w", err)
	}

	t := atoll.Thread{
		ID:        atoll.NewID(atoll.KindThread),
		UserID:    userID,
		Status:    atoll.ThreadOpen,
		CreatedAt: atoll.NowMilli(),
		UpdatedAt: atoll.NowMilli(),
	}
	if err := a.store.CreateThread(ctx, t); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if err := a.store.PutSetting(ctx, atoll.UserScope(userID), settingActiveThread, t.ID); err != nil {
		return "", fmt.Errorf("save active thread: %w", err)
	}
	return t.ID, nil
}

// Status is a point-in-time snapshot for the status subcommand.
type Status struct {
	Router     atoll.RouterHealth    `json:"router"`
	Dispatcher atoll.DispatcherStats `json:"dispatcher"`
	System     atoll.SystemState     `json:"system"`
}

// Status reports router health, queue load, and system flags.
func (a *App) Status(ctx context.Context) (Status, error) {
	if err := a.store.Init(ctx); err != nil {
		return Status{}, fmt.Errorf("store init: %w", err)
	}
	sys, err := a.store.GetSystemState(ctx)
	if err != nil && !errors.Is(err, atoll.ErrNotFound) {
		return Status{}, fmt.Errorf("system state: %w", err)
	}
	return Status{
		Router:     a.router.Health(ctx),
		Dispatcher: a.dispatcher.Stats(),
		System:     sys,
	}, nil
}

// Maintain runs one maintenance pass and returns its report.
func (a *App) Maintain(ctx context.Context) (atoll.MaintenanceReport, error) {
	if err := a.store.Init(ctx); err != nil {
		return atoll.MaintenanceReport{}, fmt.Errorf("store init: %w", err)
	}
	return a.maintainer.Run(ctx)
}
