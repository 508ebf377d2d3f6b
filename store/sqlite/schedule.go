package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nevindra/atoll"
)

// --- ScheduleStore ---

func (s *Store) CreateSchedule(ctx context.Context, sc atoll.Schedule) error {
	start := time.Now()
	s.logger.Debug("sqlite: create schedule", "id", sc.ID, "cron", sc.CronExpr)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schedules (id, thread_id, cron_expr, payload, enabled, created_at, last_run_at, max_catchup)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.ThreadID, sc.CronExpr, sc.Payload, boolToInt(sc.Enabled), sc.CreatedAt, sc.LastRunAt, sc.MaxCatchup,
	)
	if err != nil {
		s.logger.Error("sqlite: create schedule failed", "id", sc.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return atoll.ErrConflict
	}
	s.logger.Debug("sqlite: create schedule ok", "id", sc.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (atoll.Schedule, error) {
	var sc atoll.Schedule
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, cron_expr, payload, enabled, created_at, last_run_at, max_catchup
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sc.ID, &sc.ThreadID, &sc.CronExpr, &sc.Payload, &enabled, &sc.CreatedAt, &sc.LastRunAt, &sc.MaxCatchup)
	if err == sql.ErrNoRows {
		return atoll.Schedule{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	sc.Enabled = enabled != 0
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]atoll.Schedule, error) {
	q := `SELECT id, thread_id, cron_expr, payload, enabled, created_at, last_run_at, max_catchup FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []atoll.Schedule
	for rows.Next() {
		var sc atoll.Schedule
		var enabled int
		err := rows.Scan(&sc.ID, &sc.ThreadID, &sc.CronExpr, &sc.Payload, &enabled, &sc.CreatedAt, &sc.LastRunAt, &sc.MaxCatchup)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRunAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ? WHERE id = ?`, lastRunAt, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return atoll.ErrNotFound
	}
	return nil
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return atoll.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_dispatches WHERE schedule_id = ?`, id); err != nil {
		return fmt.Errorf("delete dispatches: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return tx.Commit()
}

// TryClaimDispatch claims the (schedule_id, due_at) slot via the primary
// key. A zero RowsAffected means another tick already owns the slot.
func (s *Store) TryClaimDispatch(ctx context.Context, scheduleID string, dueAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schedule_dispatches (schedule_id, due_at, claimed_at) VALUES (?, ?, ?)`,
		scheduleID, dueAt, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("claim dispatch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListDispatches(ctx context.Context, scheduleID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT due_at FROM schedule_dispatches WHERE schedule_id = ? ORDER BY due_at`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var dueAt int64
		if err := rows.Scan(&dueAt); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, dueAt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatches: %w", err)
	}
	return out, nil
}

// --- ApprovalStore ---

func (s *Store) CreateApproval(ctx context.Context, a atoll.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO approvals (id, action, actor_id, status, target_ref, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Action, a.ActorID, a.Status, a.TargetRef, a.ExpiresAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// ConsumeApproval flips the oldest matching approved record to consumed and
// returns it. The select and update run in one transaction; with the single
// serialized connection no two callers can consume the same grant.
func (s *Store) ConsumeApproval(ctx context.Context, action, actorID string, now int64) (atoll.Approval, error) {
	start := time.Now()
	s.logger.Debug("sqlite: consume approval", "action", action, "actor_id", actorID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return atoll.Approval{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var a atoll.Approval
	err = tx.QueryRowContext(ctx,
		`SELECT id, action, actor_id, status, target_ref, expires_at, created_at
		 FROM approvals
		 WHERE action = ? AND actor_id = ? AND status = ?
		   AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY created_at, id
		 LIMIT 1`,
		action, actorID, atoll.ApprovalApproved, now,
	).Scan(&a.ID, &a.Action, &a.ActorID, &a.Status, &a.TargetRef, &a.ExpiresAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return atoll.Approval{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Approval{}, fmt.Errorf("find approval: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE approvals SET status = ? WHERE id = ?`, atoll.ApprovalConsumed, a.ID); err != nil {
		return atoll.Approval{}, fmt.Errorf("consume approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return atoll.Approval{}, fmt.Errorf("commit tx: %w", err)
	}
	a.Status = atoll.ApprovalConsumed
	s.logger.Debug("sqlite: consume approval ok", "id", a.ID, "duration", time.Since(start))
	return a, nil
}

func (s *Store) ExpireApprovals(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ? WHERE status = ? AND expires_at > 0 AND expires_at <= ?`,
		atoll.ApprovalExpired, atoll.ApprovalApproved, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
