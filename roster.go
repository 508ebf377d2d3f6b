package atoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Setting scopes. Thread settings hold per-conversation flags (verbose,
// roster); user settings hold per-person flags (onboarding).
func ThreadScope(threadID string) string { return "thread:" + threadID }
func UserScope(userID string) string     { return "user:" + userID }

const (
	settingVerbose    = "verbose"
	settingRosterOff  = "roster_off"
	settingOnboarding = "onboarding"
	settingCompactAt  = "compact_threshold"
)

// Roster resolves the per-thread set of active agents. Every loaded bundle
// is active by default; /group off removes a specialist from one thread,
// /group on restores it. main cannot be disabled.
type Roster struct {
	bundles  *Bundles
	settings SettingStore
}

// NewRoster creates a roster over the loaded bundles and thread settings.
func NewRoster(bundles *Bundles, settings SettingStore) *Roster {
	return &Roster{bundles: bundles, settings: settings}
}

// Active returns the thread's enabled agents, main first.
func (r *Roster) Active(ctx context.Context, threadID string) ([]string, error) {
	off, err := r.disabled(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var active []string
	for _, id := range r.bundles.Agents() {
		if id != DefaultActorID && off[id] {
			continue
		}
		active = append(active, id)
	}
	return active, nil
}

// IsActive reports whether an agent is enabled for the thread.
func (r *Roster) IsActive(ctx context.Context, threadID, actorID string) (bool, error) {
	if !r.bundles.Has(actorID) {
		return false, nil
	}
	if actorID == DefaultActorID {
		return true, nil
	}
	off, err := r.disabled(ctx, threadID)
	if err != nil {
		return false, err
	}
	return !off[actorID], nil
}

// SetEnabled toggles one specialist for the thread.
func (r *Roster) SetEnabled(ctx context.Context, threadID, actorID string, on bool) error {
	if actorID == DefaultActorID && !on {
		return errors.New("main cannot be disabled")
	}
	if !r.bundles.Has(actorID) {
		return fmt.Errorf("unknown agent %q", actorID)
	}
	off, err := r.disabled(ctx, threadID)
	if err != nil {
		return err
	}
	if on {
		delete(off, actorID)
	} else {
		off[actorID] = true
	}
	return r.saveDisabled(ctx, threadID, off)
}

func (r *Roster) disabled(ctx context.Context, threadID string) (map[string]bool, error) {
	raw, err := r.settings.GetSetting(ctx, ThreadScope(threadID), settingRosterOff)
	if errors.Is(err, ErrNotFound) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	off := make(map[string]bool, len(names))
	for _, n := range names {
		off[n] = true
	}
	return off, nil
}

func (r *Roster) saveDisabled(ctx context.Context, threadID string, off map[string]bool) error {
	if len(off) == 0 {
		return r.settings.DeleteSetting(ctx, ThreadScope(threadID), settingRosterOff)
	}
	names := make([]string, 0, len(off))
	for n := range off {
		names = append(names, n)
	}
	sort.Strings(names)
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return r.settings.PutSetting(ctx, ThreadScope(threadID), settingRosterOff, string(raw))
}
