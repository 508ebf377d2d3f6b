package atoll

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// DefaultSkillSearchLimit bounds skill search results when the caller does
// not ask for a specific count.
const DefaultSkillSearchLimit = 5

// maxSkillNameLen caps the slug length so advertised catalogs stay readable.
const maxSkillNameLen = 64

var skillNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Skills manages the skill library: named procedure documents keyed by slug,
// advertised to the model by name and fetched in full on demand. Saving an
// existing name overwrites content but keeps the stored pinned flag; pinning
// is a separate, deliberate act.
type Skills struct {
	store  SkillStore
	logger *slog.Logger
	now    func() int64
}

// SkillsOption configures a Skills service.
type SkillsOption func(*Skills)

// WithSkillsLogger sets the structured logger.
func WithSkillsLogger(l *slog.Logger) SkillsOption {
	return func(s *Skills) { s.logger = l }
}

func withSkillsClock(now func() int64) SkillsOption {
	return func(s *Skills) { s.now = now }
}

// NewSkills creates the skill service.
func NewSkills(store SkillStore, opts ...SkillsOption) *Skills {
	s := &Skills{store: store, now: NowMilli}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Save creates or overwrites the skill named sk.Name. The name must be a
// lowercase slug. An empty description is derived from the first content
// line. Overwrites keep the previously stored pinned flag.
func (s *Skills) Save(ctx context.Context, sk Skill) (Skill, error) {
	sk.Name = strings.TrimSpace(sk.Name)
	if err := ValidateSkillName(sk.Name); err != nil {
		return Skill{}, err
	}
	sk.Content = strings.TrimSpace(sk.Content)
	if sk.Content == "" {
		return Skill{}, fmt.Errorf("skill %q: empty content", sk.Name)
	}
	sk.Description = strings.TrimSpace(sk.Description)
	if sk.Description == "" {
		sk.Description = deriveSkillDescription(sk.Content)
	}
	if prev, err := s.store.GetSkill(ctx, sk.Name); err == nil {
		sk.Pinned = prev.Pinned
	}
	sk.UpdatedAt = s.now()
	if err := s.store.PutSkill(ctx, sk); err != nil {
		return Skill{}, fmt.Errorf("save skill %q: %w", sk.Name, err)
	}
	s.logger.Info("skill saved", "name", sk.Name, "pinned", sk.Pinned)
	return sk, nil
}

// Get returns the full skill document, ErrNotFound when absent.
func (s *Skills) Get(ctx context.Context, name string) (Skill, error) {
	return s.store.GetSkill(ctx, strings.TrimSpace(name))
}

// List returns every stored skill ordered by name.
func (s *Skills) List(ctx context.Context) ([]Skill, error) {
	return s.store.ListSkills(ctx)
}

// Search returns up to k skills matching query by name and description.
func (s *Skills) Search(ctx context.Context, query string, k int) ([]Skill, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultSkillSearchLimit
	}
	return s.store.SearchSkills(ctx, query, k)
}

// SetPinned flips the pinned flag. Pinned skills are always advertised in
// prompts regardless of query relevance.
func (s *Skills) SetPinned(ctx context.Context, name string, pinned bool) (Skill, error) {
	sk, err := s.store.GetSkill(ctx, strings.TrimSpace(name))
	if err != nil {
		return Skill{}, err
	}
	if sk.Pinned == pinned {
		return sk, nil
	}
	sk.Pinned = pinned
	sk.UpdatedAt = s.now()
	if err := s.store.PutSkill(ctx, sk); err != nil {
		return Skill{}, fmt.Errorf("pin skill %q: %w", name, err)
	}
	s.logger.Info("skill pin changed", "name", sk.Name, "pinned", pinned)
	return sk, nil
}

// ValidateSkillName reports whether name is a usable skill slug: lowercase
// letters, digits, hyphen and underscore, starting alphanumeric.
func ValidateSkillName(name string) error {
	if name == "" {
		return fmt.Errorf("empty skill name")
	}
	if len(name) > maxSkillNameLen {
		return fmt.Errorf("skill name too long (%d > %d)", len(name), maxSkillNameLen)
	}
	if !skillNameRe.MatchString(name) {
		return fmt.Errorf("skill name %q: must be a lowercase slug", name)
	}
	return nil
}

func deriveSkillDescription(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "# "))
	if line == "" {
		return "(no description)"
	}
	runes := []rune(line)
	if len(runes) > 120 {
		line = strings.TrimSpace(string(runes[:120]))
	}
	return line
}
