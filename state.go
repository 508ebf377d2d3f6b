package atoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Similarity thresholds for classifying an extracted item against an
// incumbent of the same type. At or above the merge threshold the two are
// the same statement and fold into one row; inside [conflict, merge) they
// contradict and either supersede or flag a conflict.
const (
	StateMergeThreshold    = 0.75
	StateConflictThreshold = 0.35
)

// RRF source weights for state-aware search.
const (
	stateVectorWeight  = 0.50
	stateKeywordWeight = 0.30
	stateRecencyWeight = 0.20
)

// maxTraverseDepth bounds graph traversal.
const maxTraverseDepth = 5

// Tier age bounds for the maintenance pass.
const (
	workingMaxAge  = 14 * 24 * time.Hour
	episodicMaxAge = 60 * 24 * time.Hour
)

// tierPrior is the additive search bonus per tier.
var tierPrior = map[Tier]float64{
	TierWorking:    0.040,
	TierEpisodic:   0.025,
	TierSemantic:   0.010,
	TierProcedural: 0.010,
}

// tierRankOf orders tiers for deterministic tie-breaks, higher = longer-lived.
func tierRankOf(t Tier) int {
	switch t {
	case TierWorking:
		return 1
	case TierEpisodic:
		return 2
	case TierSemantic:
		return 3
	case TierProcedural:
		return 4
	}
	return 0
}

// replacementVerbs signal that a new statement replaces an old one.
var replacementVerbs = []string{"instead", "replaced", "switched", "changed to", "no longer"}

// StateBackend is the store slice the state service needs. Messages are read
// to resolve ref timestamps and roles.
type StateBackend interface {
	StateStore
	MessageStore
}

// StateService owns structured, supersession-aware knowledge derived from
// conversations: merge-on-upsert, conflict and supersession classification,
// hybrid search with tier priors, graph traversal, and tier maintenance.
type StateService struct {
	store    StateBackend
	embedder EmbeddingProvider
	logger   *slog.Logger
	now      func() int64

	// Demotions require two consecutive maintenance passes below the
	// boundary; armed marks the first.
	mu    sync.Mutex
	armed map[string]bool
}

// StateOption configures a StateService.
type StateOption func(*StateService)

// WithStateLogger sets the structured logger.
func WithStateLogger(l *slog.Logger) StateOption {
	return func(s *StateService) { s.logger = l }
}

// NewStateService creates a StateService. embedder may be nil; similarity
// then falls back to lexical overlap and search runs without the vector
// source.
func NewStateService(store StateBackend, embedder EmbeddingProvider, opts ...StateOption) *StateService {
	s := &StateService{
		store:    store,
		embedder: embedder,
		now:      NowMilli,
		armed:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// normalizeStateText canonicalizes text for uid hashing and lexical
// similarity: NFKC fold, lowercase, strip punctuation, collapse whitespace.
func normalizeStateText(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// StateUID derives the stable item address from type and normalized text, so
// semantically-equal items collide into one row.
func StateUID(typ StateType, text string) string {
	return hashHex(string(typ), normalizeStateText(text))[:16]
}

// defaultStatus is the lifecycle start per item type.
func defaultStatus(typ StateType) StateStatus {
	switch typ {
	case StateQuestion, StateAction:
		return StatusOpen
	}
	return StatusActive
}

// statusRank orders lifecycle statuses; merges resolve to the further-along
// status.
func statusRank(st StateStatus) int {
	switch st {
	case StatusOpen:
		return 1
	case StatusActive:
		return 2
	case StatusSuperseded:
		return 3
	case StatusClosed:
		return 4
	}
	return 0
}

func resolveStatus(existing, incoming StateStatus) StateStatus {
	if statusRank(incoming) > statusRank(existing) {
		return incoming
	}
	return existing
}

// unionStrings appends items of b not already in a, preserving insertion
// order.
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// maxConfidence picks the higher of two confidence levels.
func maxConfidence(a, b Confidence) Confidence {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// importanceScore is the monotone importance function used by maintenance:
// grows with access, dips on conflict, jumps when pinned.
func importanceScore(accessCount int, conflict, pinned bool) float64 {
	v := 0.2 + 0.08*math.Log1p(float64(accessCount))
	if conflict {
		v -= 0.15
	}
	if pinned {
		v += 0.25
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Upsert inserts or merges one state item addressed by (uid, thread_id).
// On merge: status resolves through the lattice, topic_tags and refs union
// preserving order, confidence takes the max, pinned and conflict are
// sticky-or, replaced_by keeps the existing value, last_seen_at advances to
// the newest ref timestamp.
func (s *StateService) Upsert(ctx context.Context, item StateItem) (StateItem, error) {
	if item.UID == "" {
		item.UID = StateUID(item.Type, item.Text)
	}
	now := s.now()

	existing, err := s.store.GetStateItem(ctx, item.UID, item.ThreadID)
	if errors.Is(err, ErrNotFound) {
		fresh := s.applyInsertDefaults(ctx, item, now)
		if err := s.store.PutStateItem(ctx, fresh); err != nil {
			return StateItem{}, fmt.Errorf("put state item: %w", err)
		}
		s.embedState(ctx, fresh)
		return fresh, nil
	}
	if err != nil {
		return StateItem{}, fmt.Errorf("get state item: %w", err)
	}

	merged := existing
	merged.Status = resolveStatus(existing.Status, item.Status)
	merged.TopicTags = unionStrings(existing.TopicTags, item.TopicTags)
	merged.Refs = unionStrings(existing.Refs, item.Refs)
	merged.Confidence = maxConfidence(existing.Confidence, item.Confidence)
	merged.Pinned = existing.Pinned || item.Pinned
	merged.Conflict = existing.Conflict || item.Conflict
	if merged.ReplacedBy == "" {
		merged.ReplacedBy = item.ReplacedBy
	}
	if merged.SupersessionEvidence == nil {
		merged.SupersessionEvidence = item.SupersessionEvidence
	}
	if ts := s.refTimestamp(ctx, item.Refs); ts > merged.LastSeenAt {
		merged.LastSeenAt = ts
	}
	merged.UpdatedAt = now

	if err := s.store.PutStateItem(ctx, merged); err != nil {
		return StateItem{}, fmt.Errorf("put state item: %w", err)
	}
	return merged, nil
}

// applyInsertDefaults fills the zero fields of a brand-new item.
func (s *StateService) applyInsertDefaults(ctx context.Context, item StateItem, now int64) StateItem {
	if item.Status == "" {
		item.Status = defaultStatus(item.Type)
	}
	if item.Confidence == "" {
		item.Confidence = ConfidenceMedium
	}
	if item.Tier == "" {
		item.Tier = TierWorking
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.LastSeenAt == 0 {
		if ts := s.refTimestamp(ctx, item.Refs); ts > 0 {
			item.LastSeenAt = ts
		} else {
			item.LastSeenAt = now
		}
	}
	if item.ImportanceScore == 0 {
		item.ImportanceScore = importanceScore(item.AccessCount, item.Conflict, item.Pinned)
	}
	return item
}

// refTimestamp returns the newest created_at among the referenced messages,
// 0 when none resolve.
func (s *StateService) refTimestamp(ctx context.Context, refs []string) int64 {
	if len(refs) == 0 {
		return 0
	}
	msgs, err := s.store.MessagesByIDs(ctx, refs)
	if err != nil {
		s.logger.Warn("ref timestamp lookup failed", "error", err)
		return 0
	}
	var max int64
	for _, m := range msgs {
		if m.CreatedAt > max {
			max = m.CreatedAt
		}
	}
	return max
}

// embedState attaches a vector to the item, best-effort.
func (s *StateService) embedState(ctx context.Context, item StateItem) {
	if s.embedder == nil {
		return
	}
	vecs, err := s.embedder.Embed(ctx, []string{item.Text})
	if err != nil || len(vecs) == 0 {
		s.logger.Warn("state embedding failed", "uid", item.UID, "error", err)
		return
	}
	if err := s.store.InsertStateEmbedding(ctx, item.UID, item.ThreadID, s.embedder.Name(), vecs[0]); err != nil {
		s.logger.Warn("state embedding insert failed", "uid", item.UID, "error", err)
	}
}

// IngestOutcome says what Ingest did with an extracted item.
type IngestOutcome string

const (
	OutcomeInserted   IngestOutcome = "inserted"
	OutcomeMerged     IngestOutcome = "merged"
	OutcomeSuperseded IngestOutcome = "superseded"
	OutcomeConflict   IngestOutcome = "conflict"
)

// Ingest classifies one extracted item against the thread's incumbents of
// the same type and applies the outcome:
//   - exact uid match or similarity >= merge threshold: merge into the
//     incumbent row;
//   - similarity in the conflict band with a replacement verb and a
//     user-role ref: incumbent becomes superseded, the new item inserts
//     clean;
//   - conflict band without supersession evidence: both sides get the
//     conflict flag;
//   - otherwise: plain insert.
//
// source is the message the item was extracted from.
func (s *StateService) Ingest(ctx context.Context, item StateItem, source Message) (StateItem, IngestOutcome, error) {
	if item.UID == "" {
		item.UID = StateUID(item.Type, item.Text)
	}
	if source.ID != "" {
		item.Refs = unionStrings(item.Refs, []string{source.ID})
	}

	if _, err := s.store.GetStateItem(ctx, item.UID, item.ThreadID); err == nil {
		merged, err := s.Upsert(ctx, item)
		return merged, OutcomeMerged, err
	} else if !errors.Is(err, ErrNotFound) {
		return StateItem{}, "", fmt.Errorf("get state item: %w", err)
	}

	incumbent, score, err := s.bestCandidate(ctx, item)
	if err != nil {
		return StateItem{}, "", err
	}

	switch {
	case incumbent != nil && score >= StateMergeThreshold:
		// Same statement in different words; fold into the incumbent row.
		fold := item
		fold.UID = incumbent.UID
		fold.Text = incumbent.Text
		merged, err := s.Upsert(ctx, fold)
		return merged, OutcomeMerged, err

	case incumbent != nil && score >= StateConflictThreshold:
		trigger := replacementTrigger(item.Text + " " + source.Content)
		refMsgID := s.userRef(ctx, item.Refs, source)
		if trigger != "" && refMsgID != "" {
			now := s.now()
			old := *incumbent
			old.Status = StatusSuperseded
			old.ReplacedBy = item.UID
			old.SupersessionEvidence = &SupersessionEvidence{
				Trigger:      trigger,
				RefMsgID:     refMsgID,
				CandidateUID: item.UID,
			}
			old.UpdatedAt = now
			if err := s.store.PutStateItem(ctx, old); err != nil {
				return StateItem{}, "", fmt.Errorf("supersede incumbent: %w", err)
			}
			item.Conflict = false
			fresh, err := s.Upsert(ctx, item)
			if err != nil {
				return StateItem{}, "", err
			}
			if err := s.Relate(ctx, fresh.UID, old.UID, "supersedes"); err != nil {
				s.logger.Warn("supersession edge failed", "error", err)
			}
			s.logger.Debug("state item superseded",
				"thread_id", item.ThreadID,
				"old_uid", old.UID,
				"new_uid", fresh.UID,
				"trigger", trigger)
			return fresh, OutcomeSuperseded, nil
		}

		// Contradiction without supersession evidence: flag both sides.
		old := *incumbent
		old.Conflict = true
		old.UpdatedAt = s.now()
		if err := s.store.PutStateItem(ctx, old); err != nil {
			return StateItem{}, "", fmt.Errorf("flag conflict: %w", err)
		}
		item.Conflict = true
		fresh, err := s.Upsert(ctx, item)
		return fresh, OutcomeConflict, err

	default:
		fresh, err := s.Upsert(ctx, item)
		return fresh, OutcomeInserted, err
	}
}

// bestCandidate finds the most similar active or open incumbent of the same
// type. Returns nil when the thread has none.
func (s *StateService) bestCandidate(ctx context.Context, item StateItem) (*StateItem, float64, error) {
	candidates, err := s.store.ListStateItems(ctx, item.ThreadID, StateFilter{
		Types:    []StateType{item.Type},
		Statuses: []StateStatus{StatusActive, StatusOpen},
		Limit:    20,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list candidates: %w", err)
	}
	var best *StateItem
	bestScore := 0.0
	for i := range candidates {
		if candidates[i].UID == item.UID {
			continue
		}
		score := s.similarity(ctx, item.Text, candidates[i].Text)
		if best == nil || score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	return best, bestScore, nil
}

// similarity scores two statements in [0,1]: embedding cosine when an
// embedder is configured, lexical overlap otherwise.
func (s *StateService) similarity(ctx context.Context, a, b string) float64 {
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{a, b})
		if err == nil && len(vecs) == 2 {
			sim := cosineSimilarity(vecs[0], vecs[1])
			if sim < 0 {
				sim = 0
			}
			return sim
		}
		s.logger.Warn("similarity embedding failed", "error", err)
	}
	return overlapCoefficient(a, b)
}

// overlapCoefficient is |tokens(a) ∩ tokens(b)| / min(|a|, |b|) over
// normalized tokens.
func overlapCoefficient(a, b string) float64 {
	ta := strings.Fields(normalizeStateText(a))
	tb := strings.Fields(normalizeStateText(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	inter := 0
	seen := make(map[string]bool, len(tb))
	for _, t := range tb {
		if set[t] && !seen[t] {
			seen[t] = true
			inter++
		}
	}
	min := len(set)
	if d := distinctCount(tb); d < min {
		min = d
	}
	return float64(inter) / float64(min)
}

func distinctCount(tokens []string) int {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return len(set)
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// replacementTrigger returns the first replacement verb found in text, or
// "".
func replacementTrigger(text string) string {
	lower := strings.ToLower(text)
	for _, verb := range replacementVerbs {
		if strings.Contains(lower, verb) {
			return verb
		}
	}
	return ""
}

// userRef returns the id of a referenced user-role message, preferring the
// extraction source, or "" when none exists.
func (s *StateService) userRef(ctx context.Context, refs []string, source Message) string {
	if source.Role == "user" && source.ID != "" {
		return source.ID
	}
	msgs, err := s.store.MessagesByIDs(ctx, refs)
	if err != nil {
		s.logger.Warn("ref role lookup failed", "error", err)
		return ""
	}
	for _, m := range msgs {
		if m.Role == "user" {
			return m.ID
		}
	}
	return ""
}

// cosineSimilarity is the cosine of two vectors, 0 for mismatched or zero
// inputs.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// StateHit is one state search result.
type StateHit struct {
	Item  StateItem `json:"item"`
	Score float64   `json:"score"`
}

// Search runs hybrid retrieval over the thread's state items: vector,
// keyword, and recency rankings fused by RRF with weights 0.50/0.30/0.20,
// plus a small additive prior per tier. Hits scoring below minScore * 0.05
// are dropped. Ordering is score desc, then tier rank desc, then recency
// desc, then uid. Returned items get their access count bumped.
func (s *StateService) Search(ctx context.Context, threadID, query string, f StateFilter, k int, minScore float64, actorID string) ([]StateHit, error) {
	if k <= 0 {
		k = 8
	}
	pool := 3 * k
	if pool < minSearchPool {
		pool = minSearchPool
	}
	query = strings.TrimSpace(query)

	var rankings []ranking

	if query != "" && s.embedder != nil {
		if vecs, err := s.embedder.Embed(ctx, []string{query}); err != nil {
			s.logger.Warn("state query embedding failed", "error", err)
		} else if len(vecs) > 0 {
			uids, err := s.store.SearchStateVector(ctx, threadID, vecs[0], f, pool)
			if err != nil {
				return nil, fmt.Errorf("state vector search: %w", err)
			}
			rankings = append(rankings, ranking{ids: uids, weight: stateVectorWeight})
		}
	}

	if query != "" {
		uids, err := s.store.SearchStateKeyword(ctx, threadID, query, f, pool)
		if err != nil {
			s.logger.Warn("state keyword search failed", "error", err)
		} else {
			rankings = append(rankings, ranking{ids: uids, weight: stateKeywordWeight})
		}
	}

	recentUIDs, err := s.store.RecentStateUIDs(ctx, threadID, f, pool)
	if err != nil {
		return nil, fmt.Errorf("state recency scan: %w", err)
	}
	rankings = append(rankings, ranking{ids: recentUIDs, weight: stateRecencyWeight})

	fused := fuseRankings(rankings)
	if len(fused) == 0 {
		return nil, nil
	}
	uids := make([]string, len(fused))
	scoreOf := make(map[string]float64, len(fused))
	for i, fh := range fused {
		uids[i] = fh.id
		scoreOf[fh.id] = fh.score
	}
	items, err := s.store.StateItemsByUIDs(ctx, threadID, uids)
	if err != nil {
		return nil, fmt.Errorf("load state items: %w", err)
	}

	floor := minScore * 0.05
	hits := make([]StateHit, 0, len(items))
	for _, item := range items {
		score := scoreOf[item.UID] + tierPrior[item.Tier]
		if score < floor {
			continue
		}
		hits = append(hits, StateHit{Item: item, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := tierRankOf(a.Item.Tier), tierRankOf(b.Item.Tier); ra != rb {
			return ra > rb
		}
		if ta, tb := recencyOf(a.Item), recencyOf(b.Item); ta != tb {
			return ta > tb
		}
		return a.Item.UID < b.Item.UID
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	if len(hits) > 0 {
		accessed := make([]string, len(hits))
		for i, h := range hits {
			accessed[i] = h.Item.UID
		}
		if err := s.store.BumpStateAccess(ctx, threadID, accessed); err != nil {
			s.logger.Warn("state access bump failed", "error", err)
		}
	}
	s.logger.Debug("state search",
		"thread_id", threadID,
		"actor_id", actorID,
		"results", len(hits),
		"query_present", query != "")
	return hits, nil
}

// recencyOf is the item's recency timestamp for ordering: last_seen_at,
// falling back to updated_at.
func recencyOf(item StateItem) int64 {
	if item.LastSeenAt > 0 {
		return item.LastSeenAt
	}
	return item.UpdatedAt
}

// StateGraph is the result of a traversal: visited nodes and walked edges.
type StateGraph struct {
	Nodes []StateItem     `json:"nodes"`
	Edges []StateRelation `json:"edges"`
}

// Traverse walks the relation graph outward from rootUID, breadth-first, up
// to depth levels (capped at 5), optionally restricted to relation types.
func (s *StateService) Traverse(ctx context.Context, threadID, rootUID string, depth int, relationTypes []string) (StateGraph, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > maxTraverseDepth {
		depth = maxTraverseDepth
	}

	visited := map[string]bool{rootUID: true}
	frontier := []string{rootUID}
	var edges []StateRelation
	for level := 0; level < depth && len(frontier) > 0; level++ {
		rels, err := s.store.RelationsFrom(ctx, frontier, relationTypes)
		if err != nil {
			return StateGraph{}, fmt.Errorf("relations from: %w", err)
		}
		var next []string
		for _, r := range rels {
			edges = append(edges, r)
			if !visited[r.TargetUID] {
				visited[r.TargetUID] = true
				next = append(next, r.TargetUID)
			}
		}
		frontier = next
	}

	uids := setKeys(visited)
	sort.Strings(uids)
	nodes, err := s.store.StateItemsByUIDs(ctx, threadID, uids)
	if err != nil {
		return StateGraph{}, fmt.Errorf("load nodes: %w", err)
	}
	return StateGraph{Nodes: nodes, Edges: edges}, nil
}

// Relate records a typed edge between two state items.
func (s *StateService) Relate(ctx context.Context, sourceUID, targetUID, relationType string) error {
	if sourceUID == "" || targetUID == "" || relationType == "" {
		return fmt.Errorf("relate: empty field")
	}
	return s.store.PutStateRelation(ctx, StateRelation{
		SourceUID:    sourceUID,
		TargetUID:    targetUID,
		RelationType: relationType,
	})
}

// ConsistencyReport summarizes conflict density over a recent sample.
type ConsistencyReport struct {
	ThreadID   string  `json:"thread_id"`
	Sampled    int     `json:"sampled"`
	Conflicted int     `json:"conflicted"`
	Score      float64 `json:"score"`
}

// Evaluate computes 1 - conflicted/total over the sampleSize most recent
// items. An empty thread scores 1.
func (s *StateService) Evaluate(ctx context.Context, threadID string, sampleSize int) (ConsistencyReport, error) {
	if sampleSize <= 0 {
		sampleSize = 50
	}
	uids, err := s.store.RecentStateUIDs(ctx, threadID, StateFilter{}, sampleSize)
	if err != nil {
		return ConsistencyReport{}, fmt.Errorf("sample: %w", err)
	}
	items, err := s.store.StateItemsByUIDs(ctx, threadID, uids)
	if err != nil {
		return ConsistencyReport{}, fmt.Errorf("load sample: %w", err)
	}
	report := ConsistencyReport{ThreadID: threadID, Sampled: len(items), Score: 1}
	for _, item := range items {
		if item.Conflict {
			report.Conflicted++
		}
	}
	if report.Sampled > 0 {
		report.Score = 1 - float64(report.Conflicted)/float64(report.Sampled)
	}
	return report, nil
}

// Retier recomputes importance and retention tiers for the thread's items.
// Promotions apply immediately; demotions wait for two consecutive passes
// below the boundary. Returns how many rows changed.
func (s *StateService) Retier(ctx context.Context, threadID string) (int, error) {
	items, err := s.store.ListStateItems(ctx, threadID, StateFilter{})
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}
	now := s.now()
	changed := 0
	for _, item := range items {
		orig := item
		item.ImportanceScore = importanceScore(item.AccessCount, item.Conflict, item.Pinned)
		item.Tier = s.resolveTier(item, now)
		if item.Tier != orig.Tier || item.ImportanceScore != orig.ImportanceScore {
			item.UpdatedAt = now
			if err := s.store.PutStateItem(ctx, item); err != nil {
				return changed, fmt.Errorf("retier %s: %w", item.UID, err)
			}
			changed++
		}
	}
	return changed, nil
}

// resolveTier applies the tier rules with demotion hysteresis.
func (s *StateService) resolveTier(item StateItem, now int64) Tier {
	want := targetTier(item, now)
	if want == item.Tier {
		s.disarm(item)
		return item.Tier
	}
	if tierRankOf(want) > tierRankOf(item.Tier) {
		s.disarm(item)
		return want
	}
	// Demotion: first pass arms, second applies.
	key := item.ThreadID + "\x00" + item.UID + "\x00" + string(want)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed[key] {
		delete(s.armed, key)
		return want
	}
	s.armed[key] = true
	return item.Tier
}

func (s *StateService) disarm(item StateItem) {
	prefix := item.ThreadID + "\x00" + item.UID + "\x00"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.armed {
		if strings.HasPrefix(key, prefix) {
			delete(s.armed, key)
		}
	}
}

// targetTier is the rule set from the retention policy: pinned items are
// procedural, high-importance or hot items are semantic long-term, the rest
// age from working through episodic to semantic long-term.
func targetTier(item StateItem, now int64) Tier {
	if item.Pinned {
		return TierProcedural
	}
	if item.ImportanceScore >= 0.75 || item.AccessCount >= 10 {
		return TierSemantic
	}
	age := time.Duration(now-item.CreatedAt) * time.Millisecond
	switch {
	case age <= workingMaxAge:
		return TierWorking
	case age <= episodicMaxAge:
		return TierEpisodic
	}
	return TierSemantic
}

// RenderBlock renders the thread's live state for prompt inclusion: one line
// per active or open item, newest first.
func (s *StateService) RenderBlock(ctx context.Context, threadID string, limit int) (string, error) {
	if limit <= 0 {
		limit = 20
	}
	items, err := s.store.ListStateItems(ctx, threadID, StateFilter{
		Statuses: []StateStatus{StatusActive, StatusOpen},
		Limit:    limit,
	})
	if err != nil {
		return "", fmt.Errorf("list state: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s", item.Type, item.Text)
		if item.Conflict {
			b.WriteString(" (conflicted)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
