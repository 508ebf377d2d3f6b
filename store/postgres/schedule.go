package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/atoll"
)

// --- ScheduleStore ---

func (s *Store) CreateSchedule(ctx context.Context, sch atoll.Schedule) error {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO schedules (id, thread_id, cron_expr, payload, enabled, created_at, last_run_at, max_catchup)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		sch.ID, sch.ThreadID, sch.CronExpr, sch.Payload, sch.Enabled,
		sch.CreatedAt, sch.LastRunAt, sch.MaxCatchup)
	if err != nil {
		return fmt.Errorf("postgres: create schedule: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return atoll.ErrConflict
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (atoll.Schedule, error) {
	var sch atoll.Schedule
	err := s.pool.QueryRow(ctx,
		`SELECT id, thread_id, cron_expr, payload, enabled, created_at, last_run_at, max_catchup
		 FROM schedules WHERE id = $1`, id,
	).Scan(&sch.ID, &sch.ThreadID, &sch.CronExpr, &sch.Payload, &sch.Enabled,
		&sch.CreatedAt, &sch.LastRunAt, &sch.MaxCatchup)
	if err == pgx.ErrNoRows {
		return atoll.Schedule{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Schedule{}, fmt.Errorf("postgres: get schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]atoll.Schedule, error) {
	q := `SELECT id, thread_id, cron_expr, payload, enabled, created_at, last_run_at, max_catchup
	      FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []atoll.Schedule
	for rows.Next() {
		var sch atoll.Schedule
		err := rows.Scan(&sch.ID, &sch.ThreadID, &sch.CronExpr, &sch.Payload, &sch.Enabled,
			&sch.CreatedAt, &sch.LastRunAt, &sch.MaxCatchup)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan schedule: %w", err)
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate schedules: %w", err)
	}
	return schedules, nil
}

func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRunAt int64) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE schedules SET last_run_at = $1 WHERE id = $2`, lastRunAt, id)
	if err != nil {
		return fmt.Errorf("postgres: update schedule run: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return atoll.ErrNotFound
	}
	return nil
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("postgres: set schedule enabled: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return atoll.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM schedule_dispatches WHERE schedule_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete dispatches: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete schedule: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// TryClaimDispatch claims the (schedule_id, due_at) slot via the primary
// key. A zero RowsAffected means another tick already owns the slot.
func (s *Store) TryClaimDispatch(ctx context.Context, scheduleID string, dueAt int64) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO schedule_dispatches (schedule_id, due_at, claimed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (schedule_id, due_at) DO NOTHING`,
		scheduleID, dueAt, atoll.NowMilli())
	if err != nil {
		return false, fmt.Errorf("postgres: claim dispatch: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ListDispatches(ctx context.Context, scheduleID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT due_at FROM schedule_dispatches WHERE schedule_id = $1 ORDER BY due_at`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dispatches: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var dueAt int64
		if err := rows.Scan(&dueAt); err != nil {
			return nil, fmt.Errorf("postgres: scan dispatch: %w", err)
		}
		out = append(out, dueAt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate dispatches: %w", err)
	}
	return out, nil
}

// --- ApprovalStore ---

func (s *Store) CreateApproval(ctx context.Context, a atoll.Approval) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approvals (id, action, actor_id, status, target_ref, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   action = EXCLUDED.action,
		   actor_id = EXCLUDED.actor_id,
		   status = EXCLUDED.status,
		   target_ref = EXCLUDED.target_ref,
		   expires_at = EXCLUDED.expires_at,
		   created_at = EXCLUDED.created_at`,
		a.ID, a.Action, a.ActorID, a.Status, a.TargetRef, a.ExpiresAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create approval: %w", err)
	}
	return nil
}

// ConsumeApproval flips the oldest matching approved record to consumed in a
// single statement. SKIP LOCKED keeps concurrent consumers from blocking on
// the same grant; the loser simply sees no row.
func (s *Store) ConsumeApproval(ctx context.Context, action, actorID string, now int64) (atoll.Approval, error) {
	var a atoll.Approval
	err := s.pool.QueryRow(ctx,
		`UPDATE approvals SET status = $1
		 WHERE id = (
		   SELECT id FROM approvals
		   WHERE action = $2 AND actor_id = $3 AND status = $4
		     AND (expires_at = 0 OR expires_at > $5)
		   ORDER BY created_at, id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, action, actor_id, status, target_ref, expires_at, created_at`,
		atoll.ApprovalConsumed, action, actorID, atoll.ApprovalApproved, now,
	).Scan(&a.ID, &a.Action, &a.ActorID, &a.Status, &a.TargetRef, &a.ExpiresAt, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return atoll.Approval{}, atoll.ErrNotFound
	}
	if err != nil {
		return atoll.Approval{}, fmt.Errorf("postgres: consume approval: %w", err)
	}
	return a, nil
}

func (s *Store) ExpireApprovals(ctx context.Context, now int64) (int, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE approvals SET status = $1
		 WHERE status = $2 AND expires_at > 0 AND expires_at <= $3`,
		atoll.ApprovalExpired, atoll.ApprovalApproved, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire approvals: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
