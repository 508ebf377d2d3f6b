package atoll

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
)

// memStore is a complete in-memory Store for tests. Orderings and miss
// behavior mirror store/sqlite: vector searches rank by cosine similarity
// with ties broken by id ascending, keyword searches rank by term-occurrence
// count, recency orderings follow the interface contracts.
type memStore struct {
	mu sync.Mutex

	users      map[string]User
	channels   map[string]Channel
	threads    map[string]Thread
	messages   map[string][]Message
	events     []Event
	eventVecs  map[string][]float32
	memories   map[string]MemoryItem
	memoryVecs map[string][]float32
	embedCache map[string][]float32
	summaries  map[string]ThreadSummary
	states     map[string]StateItem
	stateVecs  map[string][]float32
	relations  []StateRelation
	watermarks map[string]ExtractionWatermark
	schedules  map[string]Schedule
	dispatches map[string]map[int64]bool
	approvals  map[string]Approval
	system     SystemState
	settings   map[string]string
	skills     map[string]Skill
	documents  map[string]Document
	chunks     map[string][]Chunk
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[string]User),
		channels:   make(map[string]Channel),
		threads:    make(map[string]Thread),
		messages:   make(map[string][]Message),
		eventVecs:  make(map[string][]float32),
		memories:   make(map[string]MemoryItem),
		memoryVecs: make(map[string][]float32),
		embedCache: make(map[string][]float32),
		summaries:  make(map[string]ThreadSummary),
		states:     make(map[string]StateItem),
		stateVecs:  make(map[string][]float32),
		watermarks: make(map[string]ExtractionWatermark),
		schedules:  make(map[string]Schedule),
		dispatches: make(map[string]map[int64]bool),
		approvals:  make(map[string]Approval),
		settings:   make(map[string]string),
		skills:     make(map[string]Skill),
		documents:  make(map[string]Document),
		chunks:     make(map[string][]Chunk),
	}
}

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

// --- UserStore ---

func (s *memStore) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrConflict
	}
	for _, existing := range s.users {
		if existing.ExternalID == u.ExternalID {
			return ErrConflict
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *memStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *memStore) GetUserByExternalID(_ context.Context, externalID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalID == externalID {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *memStore) CreateChannel(_ context.Context, c Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.ID] = c
	return nil
}

func (s *memStore) GetChannel(_ context.Context, id string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return c, nil
}

// --- ThreadStore ---

func (s *memStore) CreateThread(_ context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return ErrConflict
	}
	s.threads[t.ID] = t
	return nil
}

func (s *memStore) GetThread(_ context.Context, id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *memStore) CloseThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = ThreadClosed
	t.UpdatedAt = NowMilli()
	s.threads[id] = t
	return nil
}

// --- MessageStore ---

func (s *memStore) AppendMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], m)
	if t, ok := s.threads[m.ThreadID]; ok {
		t.UpdatedAt = m.CreatedAt
		s.threads[m.ThreadID] = t
	}
	return nil
}

func (s *memStore) TailMessages(_ context.Context, threadID string, n int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil, nil
	}
	ms := append([]Message(nil), s.messages[threadID]...)
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt != ms[j].CreatedAt {
			return ms[i].CreatedAt < ms[j].CreatedAt
		}
		return ms[i].ID < ms[j].ID
	})
	if len(ms) > n {
		ms = ms[len(ms)-n:]
	}
	return ms, nil
}

func (s *memStore) CountMessagesAfter(_ context.Context, threadID string, after int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages[threadID] {
		if m.CreatedAt > after {
			count++
		}
	}
	return count, nil
}

func (s *memStore) MessagesByIDs(_ context.Context, ids []string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := make(map[string]Message)
	for _, ms := range s.messages {
		for _, m := range ms {
			byID[m.ID] = m
		}
	}
	var out []Message
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- EventStore ---

func (s *memStore) AppendEvent(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memStore) EventsByTrace(_ context.Context, traceID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) SearchEventsFTS(_ context.Context, query string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []Event
	for _, e := range s.events {
		haystack := strings.ToLower(string(e.Type) + " " + string(e.PayloadRedacted))
		all := true
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				all = false
				break
			}
		}
		if all && len(terms) > 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SearchEventsLike(_ context.Context, query string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(query)
	var out []Event
	for _, e := range s.events {
		haystack := strings.ToLower(string(e.Type) + " " + string(e.PayloadRedacted))
		if strings.Contains(haystack, needle) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SearchEventsVector(_ context.Context, vec []float32, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		e     Event
		score float64
	}
	var hits []scored
	for _, e := range s.events {
		v, ok := s.eventVecs[e.ID]
		if !ok {
			continue
		}
		hits = append(hits, scored{e: e, score: cosineSimilarity(vec, v)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].e.ID < hits[j].e.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Event, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out, nil
}

func (s *memStore) InsertEventEmbedding(_ context.Context, eventID, _ string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventVecs[eventID] = vec
	return nil
}

func (s *memStore) EventsWithoutEmbedding(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if _, ok := s.eventVecs[e.ID]; !ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- MemoryStore ---

func (s *memStore) InsertMemory(_ context.Context, item MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Metadata != nil {
		md := make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			md[k] = v
		}
		item.Metadata = md
	}
	s.memories[item.ID] = item
	return nil
}

func (s *memStore) InsertMemoryEmbedding(_ context.Context, memoryID, _ string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memoryVecs[memoryID] = vec
	return nil
}

func (s *memStore) MemoriesByIDs(_ context.Context, ids []string) ([]MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemoryItem
	for _, id := range ids {
		if item, ok := s.memories[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *memStore) SearchMemoryVector(_ context.Context, threadID string, vec []float32, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		id    string
		score float64
	}
	var hits []scored
	for id, item := range s.memories {
		if item.ThreadID != threadID {
			continue
		}
		v, ok := s.memoryVecs[id]
		if !ok {
			continue
		}
		hits = append(hits, scored{id: id, score: cosineSimilarity(vec, v)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

func (s *memStore) SearchMemoryKeyword(_ context.Context, threadID, query string, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		id    string
		score int
	}
	var hits []scored
	for id, item := range s.memories {
		if item.ThreadID != threadID {
			continue
		}
		score := termScore(item.Text, terms)
		if score > 0 {
			hits = append(hits, scored{id: id, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

func (s *memStore) RecentMemoryIDs(_ context.Context, threadID string, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []MemoryItem
	for _, item := range s.memories {
		if item.ThreadID == threadID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ID > items[j].ID
	})
	if k > 0 && len(items) > k {
		items = items[:k]
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids, nil
}

func (s *memStore) MemoryGroup(_ context.Context, threadID, groupID string) ([]MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemoryItem
	for _, item := range s.memories {
		if item.ThreadID != threadID {
			continue
		}
		cm, ok := ChunkMetaOf(item.Metadata)
		if ok && cm.GroupID == groupID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		cmi, _ := ChunkMetaOf(out[i].Metadata)
		cmj, _ := ChunkMetaOf(out[j].Metadata)
		return cmi.Index < cmj.Index
	})
	return out, nil
}

func (s *memStore) PruneMemories(_ context.Context, before int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, item := range s.memories {
		if item.CreatedAt < before {
			delete(s.memories, id)
			delete(s.memoryVecs, id)
			count++
		}
	}
	return count, nil
}

func (s *memStore) DedupeMemories(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]MemoryItem)
	for _, item := range s.memories {
		key := item.ThreadID + "\x00" + item.Text
		cur, ok := keep[key]
		if !ok || item.CreatedAt < cur.CreatedAt ||
			(item.CreatedAt == cur.CreatedAt && item.ID < cur.ID) {
			keep[key] = item
		}
	}
	count := 0
	for id, item := range s.memories {
		key := item.ThreadID + "\x00" + item.Text
		if keep[key].ID != id {
			delete(s.memories, id)
			delete(s.memoryVecs, id)
			count++
		}
	}
	return count, nil
}

func (s *memStore) CachedEmbedding(_ context.Context, key string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vec, ok := s.embedCache[key]
	if !ok {
		return nil, ErrNotFound
	}
	return vec, nil
}

func (s *memStore) PutCachedEmbedding(_ context.Context, key string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embedCache[key] = vec
	return nil
}

// --- SummaryStore ---

func (s *memStore) GetSummary(_ context.Context, threadID string) (ThreadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[threadID]
	if !ok {
		return ThreadSummary{}, ErrNotFound
	}
	return sum, nil
}

func (s *memStore) PutSummary(_ context.Context, sum ThreadSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.ThreadID] = sum
	return nil
}

// --- StateStore ---

func stateKey(threadID, uid string) string { return threadID + "\x00" + uid }

func matchStateFilter(item StateItem, f StateFilter) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if item.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if item.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Tiers) > 0 {
		ok := false
		for _, tier := range f.Tiers {
			if item.Tier == tier {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.UpdatedBefore > 0 && item.UpdatedAt >= f.UpdatedBefore {
		return false
	}
	return true
}

func (s *memStore) GetStateItem(_ context.Context, uid, threadID string) (StateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.states[stateKey(threadID, uid)]
	if !ok {
		return StateItem{}, ErrNotFound
	}
	return item, nil
}

func (s *memStore) PutStateItem(_ context.Context, item StateItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey(item.ThreadID, item.UID)] = item
	return nil
}

func (s *memStore) ListStateItems(_ context.Context, threadID string, f StateFilter) ([]StateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StateItem
	for _, item := range s.states {
		if item.ThreadID == threadID && matchStateFilter(item, f) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].UID < out[j].UID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) StateThreads(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, item := range s.states {
		if !seen[item.ThreadID] {
			seen[item.ThreadID] = true
			out = append(out, item.ThreadID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) StateItemsByUIDs(_ context.Context, threadID string, uids []string) ([]StateItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StateItem
	for _, uid := range uids {
		if item, ok := s.states[stateKey(threadID, uid)]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *memStore) SearchStateKeyword(_ context.Context, threadID, query string, f StateFilter, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		uid   string
		score int
	}
	var hits []scored
	for _, item := range s.states {
		if item.ThreadID != threadID || !matchStateFilter(item, f) {
			continue
		}
		haystack := item.Text + " " + strings.Join(item.TopicTags, " ")
		score := termScore(haystack, terms)
		if score > 0 {
			hits = append(hits, scored{uid: item.UID, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].uid < hits[j].uid
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	uids := make([]string, len(hits))
	for i, h := range hits {
		uids[i] = h.uid
	}
	return uids, nil
}

func (s *memStore) SearchStateVector(_ context.Context, threadID string, vec []float32, f StateFilter, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		uid   string
		score float64
	}
	var hits []scored
	for key, item := range s.states {
		if item.ThreadID != threadID || !matchStateFilter(item, f) {
			continue
		}
		v, ok := s.stateVecs[key]
		if !ok {
			continue
		}
		hits = append(hits, scored{uid: item.UID, score: cosineSimilarity(vec, v)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].uid < hits[j].uid
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	uids := make([]string, len(hits))
	for i, h := range hits {
		uids[i] = h.uid
	}
	return uids, nil
}

func (s *memStore) RecentStateUIDs(_ context.Context, threadID string, f StateFilter, k int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []StateItem
	for _, item := range s.states {
		if item.ThreadID == threadID && matchStateFilter(item, f) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].LastSeenAt != items[j].LastSeenAt {
			return items[i].LastSeenAt > items[j].LastSeenAt
		}
		return items[i].UID < items[j].UID
	})
	if k > 0 && len(items) > k {
		items = items[:k]
	}
	uids := make([]string, len(items))
	for i, item := range items {
		uids[i] = item.UID
	}
	return uids, nil
}

func (s *memStore) InsertStateEmbedding(_ context.Context, uid, threadID, _ string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateVecs[stateKey(threadID, uid)] = vec
	return nil
}

func (s *memStore) BumpStateAccess(_ context.Context, threadID string, uids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range uids {
		key := stateKey(threadID, uid)
		if item, ok := s.states[key]; ok {
			item.AccessCount++
			s.states[key] = item
		}
	}
	return nil
}

func (s *memStore) PutStateRelation(_ context.Context, r StateRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.relations {
		if existing == r {
			return nil
		}
	}
	s.relations = append(s.relations, r)
	return nil
}

func (s *memStore) RelationsFrom(_ context.Context, sourceUIDs []string, relationTypes []string) ([]StateRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sources := make(map[string]bool, len(sourceUIDs))
	for _, uid := range sourceUIDs {
		sources[uid] = true
	}
	types := make(map[string]bool, len(relationTypes))
	for _, rt := range relationTypes {
		types[rt] = true
	}
	var out []StateRelation
	for _, r := range s.relations {
		if !sources[r.SourceUID] {
			continue
		}
		if len(types) > 0 && !types[r.RelationType] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceUID != out[j].SourceUID {
			return out[i].SourceUID < out[j].SourceUID
		}
		return out[i].TargetUID < out[j].TargetUID
	})
	return out, nil
}

func (s *memStore) GetWatermark(_ context.Context, threadID string) (ExtractionWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[threadID], nil
}

func (s *memStore) PutWatermark(_ context.Context, w ExtractionWatermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[w.ThreadID] = w
	return nil
}

// --- ScheduleStore ---

func (s *memStore) CreateSchedule(_ context.Context, sc Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; ok {
		return ErrConflict
	}
	s.schedules[sc.ID] = sc
	return nil
}

func (s *memStore) GetSchedule(_ context.Context, id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return sc, nil
}

func (s *memStore) ListSchedules(_ context.Context, enabledOnly bool) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Schedule
	for _, sc := range s.schedules {
		if enabledOnly && !sc.Enabled {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) UpdateScheduleRun(_ context.Context, id string, lastRunAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	sc.LastRunAt = lastRunAt
	s.schedules[id] = sc
	return nil
}

func (s *memStore) SetScheduleEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return ErrNotFound
	}
	sc.Enabled = enabled
	s.schedules[id] = sc
	return nil
}

func (s *memStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	delete(s.dispatches, id)
	return nil
}

func (s *memStore) TryClaimDispatch(_ context.Context, scheduleID string, dueAt int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.dispatches[scheduleID]
	if slots == nil {
		slots = make(map[int64]bool)
		s.dispatches[scheduleID] = slots
	}
	if slots[dueAt] {
		return false, nil
	}
	slots[dueAt] = true
	return true, nil
}

func (s *memStore) ListDispatches(_ context.Context, scheduleID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for dueAt := range s.dispatches[scheduleID] {
		out = append(out, dueAt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// --- ApprovalStore ---

func (s *memStore) CreateApproval(_ context.Context, a Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[a.ID] = a
	return nil
}

func (s *memStore) ConsumeApproval(_ context.Context, action, actorID string, now int64) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Approval
	found := false
	for _, a := range s.approvals {
		if a.Status != ApprovalApproved || a.Action != action || a.ActorID != actorID {
			continue
		}
		if a.ExpiresAt > 0 && a.ExpiresAt <= now {
			continue
		}
		if !found || a.CreatedAt < best.CreatedAt ||
			(a.CreatedAt == best.CreatedAt && a.ID < best.ID) {
			best = a
			found = true
		}
	}
	if !found {
		return Approval{}, ErrNotFound
	}
	best.Status = ApprovalConsumed
	s.approvals[best.ID] = best
	return best, nil
}

func (s *memStore) ExpireApprovals(_ context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, a := range s.approvals {
		if a.Status == ApprovalApproved && a.ExpiresAt > 0 && a.ExpiresAt <= now {
			a.Status = ApprovalExpired
			s.approvals[id] = a
			count++
		}
	}
	return count, nil
}

// --- SystemStore ---

func (s *memStore) GetSystemState(_ context.Context) (SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.system, nil
}

func (s *memStore) PutSystemState(_ context.Context, st SystemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.system = st
	return nil
}

// --- SettingStore ---

func (s *memStore) GetSetting(_ context.Context, scope, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[scope+"\x00"+key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *memStore) PutSetting(_ context.Context, scope, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[scope+"\x00"+key] = value
	return nil
}

func (s *memStore) DeleteSetting(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, scope+"\x00"+key)
	return nil
}

// --- SkillStore ---

func (s *memStore) PutSkill(_ context.Context, sk Skill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[sk.Name] = sk
	return nil
}

func (s *memStore) GetSkill(_ context.Context, name string) (Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.skills[name]
	if !ok {
		return Skill{}, ErrNotFound
	}
	return sk, nil
}

func (s *memStore) ListSkills(_ context.Context) ([]Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Skill
	for _, sk := range s.skills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) SearchSkills(_ context.Context, query string, k int) ([]Skill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		sk    Skill
		score int
	}
	var hits []scored
	for _, sk := range s.skills {
		haystack := sk.Name + " " + sk.Description + " " + sk.Content
		score := termScore(haystack, terms)
		if score > 0 {
			hits = append(hits, scored{sk: sk, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].sk.Name < hits[j].sk.Name
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Skill, len(hits))
	for i, h := range hits {
		out[i] = h.sk
	}
	return out, nil
}

// --- KnowledgeStore ---

func (s *memStore) PutDocument(_ context.Context, doc Document, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.ID] = doc
	s.chunks[doc.ID] = append([]Chunk(nil), chunks...)
	return nil
}

func (s *memStore) GetDocument(_ context.Context, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *memStore) GetDocumentChunks(_ context.Context, docID string) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Chunk(nil), s.chunks[docID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (s *memStore) ListDocuments(_ context.Context, limit int) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, doc := range s.documents {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SearchChunksKeyword(_ context.Context, query string, k int) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		c     Chunk
		score int
	}
	var hits []scored
	for _, chunks := range s.chunks {
		for _, c := range chunks {
			score := termScore(c.Content, terms)
			if score > 0 {
				hits = append(hits, scored{c: c, score: score})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].c.ID < hits[j].c.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out, nil
}

func (s *memStore) SearchChunksVector(_ context.Context, vec []float32, k int) ([]Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type scored struct {
		c     Chunk
		score float64
	}
	var hits []scored
	for _, chunks := range s.chunks {
		for _, c := range chunks {
			if len(c.Embedding) == 0 {
				continue
			}
			hits = append(hits, scored{c: c, score: cosineSimilarity(vec, c.Embedding)})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].c.ID < hits[j].c.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Chunk, len(hits))
	for i, h := range hits {
		out[i] = h.c
	}
	return out, nil
}

// --- scoring helpers ---

func termScore(text string, terms []string) int {
	haystack := strings.ToLower(text)
	score := 0
	for _, term := range terms {
		score += strings.Count(haystack, term)
	}
	return score
}

// --- Provider fakes (shared across step_test.go, router_test.go) ---

var errProviderDown = errors.New("provider down")

// scriptProvider returns queued responses in order and records every request.
// After the queue drains it keeps returning the final response.
type scriptProvider struct {
	name string

	mu       sync.Mutex
	requests []ChatRequest
	queue    []ChatResponse
	err      error
}

func (p *scriptProvider) Name() string {
	if p.name == "" {
		return "script"
	}
	return p.name
}

func (p *scriptProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return ChatResponse{}, p.err
	}
	if len(p.queue) == 0 {
		return ChatResponse{Content: "ok"}, nil
	}
	resp := p.queue[0]
	if len(p.queue) > 1 {
		p.queue = p.queue[1:]
	}
	return resp, nil
}

func (p *scriptProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptProvider) lastRequest() ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ChatRequest{}
	}
	return p.requests[len(p.requests)-1]
}

// --- Tool fakes (shared across tool_test.go, step_test.go) ---

type echoTool struct{}

func (echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "echo",
		Description: "Echo the input back",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}}
}

func (echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: in.Text}, nil
}

type failTool struct{}

func (failTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

func (failTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

// taskRecorder is a TaskSender that records enqueued tasks.
type taskRecorder struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (r *taskRecorder) SendTask(_ context.Context, name string, kwargs map[string]any, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, Task{Name: name, Kwargs: kwargs, Queue: queue})
	return nil
}

func (r *taskRecorder) sent() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}

// --- Seed helpers ---

func seedThread(t testingT, st *memStore, threadID, userID string) {
	t.Helper()
	ctx := context.Background()
	_ = st.CreateUser(ctx, User{ID: userID, ExternalID: "ext-" + userID, Role: RoleUser, CreatedAt: NowMilli()})
	_ = st.CreateChannel(ctx, Channel{ID: "ch-" + userID, UserID: userID, ChannelType: "cli"})
	if err := st.CreateThread(ctx, Thread{
		ID:        threadID,
		UserID:    userID,
		ChannelID: "ch-" + userID,
		Status:    ThreadOpen,
		CreatedAt: NowMilli(),
		UpdatedAt: NowMilli(),
	}); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
}

// testingT is the slice of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

func mustUnmarshal(t testingT, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
}
