package atoll

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules use one of two expression forms:
//
//   - "@every:N"  fixed steps of N seconds from the previous run
//   - 5-field cron "minute hour dom month dow" with standard wildcards
//     and step expressions
//
// Slot times are computed in UTC.

// DefaultMaxCatchup bounds how many missed slots one tick will dispatch for
// a single schedule. A schedule's own max_catchup lowers this, never raises
// it.
const DefaultMaxCatchup = 10

// backlogScanLimit stops candidate enumeration for schedules that have been
// disabled-and-forgotten for months.
const backlogScanLimit = 1000

// CronSpec is a parsed schedule expression.
type CronSpec struct {
	every time.Duration
	cron  cron.Schedule
}

// ParseCronSpec parses a schedule expression. Unknown forms and
// non-positive @every intervals are rejected.
func ParseCronSpec(expr string) (CronSpec, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "@every:"); ok {
		secs, err := strconv.Atoi(rest)
		if err != nil || secs <= 0 {
			return CronSpec{}, fmt.Errorf("invalid @every interval %q", rest)
		}
		return CronSpec{every: time.Duration(secs) * time.Second}, nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return CronSpec{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return CronSpec{cron: sched}, nil
}

// Next returns the first fire time after t. For @every schedules this is a
// fixed step from t; for cron schedules it follows the field spec.
func (c CronSpec) Next(t time.Time) time.Time {
	if c.every > 0 {
		return t.Add(c.every)
	}
	return c.cron.Next(t)
}

// Interval returns the fixed step for @every schedules, zero for cron.
func (c CronSpec) Interval() time.Duration {
	return c.every
}

// DueSlots returns the run slots for a schedule that are due at now, oldest
// first, capped by the schedule's catch-up limit. The anchor is last_run_at,
// falling back to created_at for schedules that never ran. The second return
// is how many further candidates exist beyond the cap (deferred backlog).
func DueSlots(s Schedule, nowMilli int64, defaultMaxCatchup int) ([]int64, int, error) {
	spec, err := ParseCronSpec(s.CronExpr)
	if err != nil {
		return nil, 0, err
	}
	limit := catchupCap(s, defaultMaxCatchup)

	anchor := s.LastRunAt
	if anchor == 0 {
		anchor = s.CreatedAt
	}

	var slots []int64
	deferred := 0
	t := time.UnixMilli(anchor).UTC()
	now := time.UnixMilli(nowMilli).UTC()
	for i := 0; i < backlogScanLimit; i++ {
		t = spec.Next(t)
		if t.After(now) {
			break
		}
		if len(slots) < limit {
			slots = append(slots, t.UnixMilli())
		} else {
			deferred++
		}
	}
	return slots, deferred, nil
}

func catchupCap(s Schedule, defaultMaxCatchup int) int {
	limit := defaultMaxCatchup
	if limit <= 0 {
		limit = DefaultMaxCatchup
	}
	if s.MaxCatchup > 0 && s.MaxCatchup < limit {
		limit = s.MaxCatchup
	}
	return limit
}
