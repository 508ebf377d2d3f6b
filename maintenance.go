package atoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetentionDays bounds how long unpinned episodic memory lives.
	DefaultRetentionDays = 90

	// staleActiveAfter is how long an active state item may go unseen
	// before its confidence drops to low. Status is never touched here;
	// supersession stays an extraction-time decision.
	staleActiveAfter = 30 * 24 * time.Hour

	backfillBatchSize    = 200
	defaultBackfillLimit = 1000
)

// MaintenanceBackend is the store slice the housekeeping pass touches.
type MaintenanceBackend interface {
	MemoryStore
	StateStore
	EventStore
}

// MaintenanceReport summarizes one housekeeping pass.
type MaintenanceReport struct {
	PrunedMemories   int `json:"pruned_memories"`
	DedupedMemories  int `json:"deduped_memories"`
	ExpiredApprovals int `json:"expired_approvals"`
	RetieredItems    int `json:"retiered_items"`
	DemotedItems     int `json:"demoted_items"`
	BackfilledEvents int `json:"backfilled_events"`
}

// Maintainer runs the periodic housekeeping pass: memory retention and
// dedupe, approval expiry, state retiering with stale-active demotion, and
// the lazy event-embedding backfill. Sub-passes are independent; a failing
// one is logged and the rest still run.
type Maintainer struct {
	store     MaintenanceBackend
	state     *StateService
	approvals *Approvals
	embedder  EmbeddingProvider
	logger    *slog.Logger
	now       func() int64

	retention     time.Duration
	backfillLimit int
}

type MaintainerOption func(*Maintainer)

func WithMaintainerState(s *StateService) MaintainerOption {
	return func(m *Maintainer) { m.state = s }
}

func WithMaintainerApprovals(a *Approvals) MaintainerOption {
	return func(m *Maintainer) { m.approvals = a }
}

func WithMaintainerEmbedder(e EmbeddingProvider) MaintainerOption {
	return func(m *Maintainer) { m.embedder = e }
}

// WithRetention overrides the memory retention window. Zero or negative
// disables pruning.
func WithRetention(d time.Duration) MaintainerOption {
	return func(m *Maintainer) { m.retention = d }
}

// WithBackfillLimit caps how many events one pass may embed. Zero disables
// the backfill.
func WithBackfillLimit(n int) MaintainerOption {
	return func(m *Maintainer) { m.backfillLimit = n }
}

func WithMaintainerLogger(l *slog.Logger) MaintainerOption {
	return func(m *Maintainer) { m.logger = l }
}

func withMaintainerClock(now func() int64) MaintainerOption {
	return func(m *Maintainer) { m.now = now }
}

func NewMaintainer(store MaintenanceBackend, opts ...MaintainerOption) *Maintainer {
	m := &Maintainer{
		store:         store,
		logger:        nopLogger,
		now:           NowMilli,
		retention:     DefaultRetentionDays * 24 * time.Hour,
		backfillLimit: defaultBackfillLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes one full pass and reports what it touched. The returned
// error joins the sub-pass failures; the report counts what succeeded.
func (m *Maintainer) Run(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var errs []error

	if m.retention > 0 {
		cutoff := m.now() - m.retention.Milliseconds()
		n, err := m.store.PruneMemories(ctx, cutoff)
		if err != nil {
			m.logger.Warn("memory prune failed", "error", err)
			errs = append(errs, fmt.Errorf("prune memories: %w", err))
		}
		report.PrunedMemories = n
	}

	n, err := m.store.DedupeMemories(ctx)
	if err != nil {
		m.logger.Warn("memory dedupe failed", "error", err)
		errs = append(errs, fmt.Errorf("dedupe memories: %w", err))
	}
	report.DedupedMemories = n

	if m.approvals != nil {
		n, err := m.approvals.ExpireDue(ctx)
		if err != nil {
			m.logger.Warn("approval expiry failed", "error", err)
			errs = append(errs, fmt.Errorf("expire approvals: %w", err))
		}
		report.ExpiredApprovals = n
	}

	if err := m.sweepState(ctx, &report); err != nil {
		errs = append(errs, err)
	}

	if m.embedder != nil && m.backfillLimit > 0 {
		n, err := m.backfillEventEmbeddings(ctx)
		if err != nil {
			m.logger.Warn("event embedding backfill failed", "error", err)
			errs = append(errs, fmt.Errorf("backfill events: %w", err))
		}
		report.BackfilledEvents = n
	}

	m.logger.Info("maintenance pass complete",
		"pruned", report.PrunedMemories,
		"deduped", report.DedupedMemories,
		"expired_approvals", report.ExpiredApprovals,
		"retiered", report.RetieredItems,
		"demoted", report.DemotedItems,
		"backfilled", report.BackfilledEvents,
	)
	return report, errors.Join(errs...)
}

func (m *Maintainer) sweepState(ctx context.Context, report *MaintenanceReport) error {
	threads, err := m.store.StateThreads(ctx)
	if err != nil {
		return fmt.Errorf("list state threads: %w", err)
	}
	var errs []error
	for _, threadID := range threads {
		if m.state != nil {
			n, err := m.state.Retier(ctx, threadID)
			if err != nil {
				m.logger.Warn("retier failed", "thread_id", threadID, "error", err)
				errs = append(errs, fmt.Errorf("retier %s: %w", threadID, err))
			}
			report.RetieredItems += n
		}
		n, err := m.demoteStale(ctx, threadID)
		if err != nil {
			m.logger.Warn("stale demotion failed", "thread_id", threadID, "error", err)
			errs = append(errs, fmt.Errorf("demote %s: %w", threadID, err))
		}
		report.DemotedItems += n
	}
	return errors.Join(errs...)
}

// demoteStale drops confidence to low on active items that have not been
// seen within the staleness window. Pinned items keep their confidence.
func (m *Maintainer) demoteStale(ctx context.Context, threadID string) (int, error) {
	items, err := m.store.ListStateItems(ctx, threadID, StateFilter{
		Statuses: []StateStatus{StatusActive},
	})
	if err != nil {
		return 0, fmt.Errorf("list active items: %w", err)
	}
	now := m.now()
	cutoff := now - staleActiveAfter.Milliseconds()
	demoted := 0
	for _, item := range items {
		if item.Pinned || item.Confidence == ConfidenceLow {
			continue
		}
		seen := item.LastSeenAt
		if seen == 0 {
			seen = item.UpdatedAt
		}
		if seen >= cutoff {
			continue
		}
		item.Confidence = ConfidenceLow
		item.UpdatedAt = now
		if err := m.store.PutStateItem(ctx, item); err != nil {
			return demoted, fmt.Errorf("demote %s: %w", item.UID, err)
		}
		demoted++
	}
	return demoted, nil
}

func (m *Maintainer) backfillEventEmbeddings(ctx context.Context) (int, error) {
	done := 0
	for done < m.backfillLimit {
		batch := backfillBatchSize
		if remaining := m.backfillLimit - done; remaining < batch {
			batch = remaining
		}
		events, err := m.store.EventsWithoutEmbedding(ctx, batch)
		if err != nil {
			return done, fmt.Errorf("list events: %w", err)
		}
		if len(events) == 0 {
			return done, nil
		}
		texts := make([]string, len(events))
		for i, e := range events {
			texts[i] = string(e.Type) + " " + string(e.PayloadRedacted)
		}
		vecs, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("embed batch: %w", err)
		}
		if len(vecs) != len(events) {
			return done, fmt.Errorf("embed batch: %d texts, %d vectors", len(texts), len(vecs))
		}
		for i, e := range events {
			if err := m.store.InsertEventEmbedding(ctx, e.ID, m.embedder.Name(), vecs[i]); err != nil {
				return done, fmt.Errorf("store embedding %s: %w", e.ID, err)
			}
			done++
		}
		if len(events) < batch {
			return done, nil
		}
	}
	return done, nil
}
