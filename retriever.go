package atoll

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// rrfK is the reciprocal rank fusion constant. Fused score for an item is
// Σ weight_source / (rrfK + rank_in_source) with 1-based ranks.
const rrfK = 60

// Default RRF source weights for hybrid memory search.
const (
	DefaultVectorWeight  = 0.40
	DefaultKeywordWeight = 0.35
	DefaultRecencyWeight = 0.25
)

// minSearchPool floors the per-source candidate pool; each source is capped
// at max(3*limit, minSearchPool).
const minSearchPool = 15

// MemoryHit is one fused retrieval result. Stitched hits carry the full
// reassembled text of a chunk group under the group's first item id.
type MemoryHit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
	Stitched bool           `json:"stitched,omitempty"`
}

// ranking is one source's ordered candidate list for rank fusion.
type ranking struct {
	ids    []string
	weight float64
}

// fusedHit pairs an id with its fused score.
type fusedHit struct {
	id    string
	score float64
}

// fuseRankings merges rankings by Reciprocal Rank Fusion. Results are
// ordered by score descending with ties broken by id ascending, so equal
// inputs always fuse to the same output.
func fuseRankings(rankings []ranking) []fusedHit {
	scores := make(map[string]float64)
	for _, r := range rankings {
		for rank, id := range r.ids {
			scores[id] += r.weight / float64(rrfK+rank+1)
		}
	}
	hits := make([]fusedHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, fusedHit{id: id, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	return hits
}

// Search runs hybrid retrieval over the thread's memory: vector similarity,
// BM25 keyword match, and recency, fused by RRF. With an empty query the
// vector and keyword sources are skipped and recency alone ranks. Chunk
// groups are stitched into one synthetic hit keyed by the group's first
// chunk. Returns at most limit hits.
func (m *MemoryService) Search(ctx context.Context, threadID string, limit int, query string) ([]MemoryHit, error) {
	if limit <= 0 {
		limit = 8
	}
	pool := 3 * limit
	if pool < minSearchPool {
		pool = minSearchPool
	}
	query = strings.TrimSpace(query)

	var rankings []ranking

	if query != "" && m.embedder != nil {
		if vecs, err := m.embedder.Embed(ctx, []string{query}); err != nil {
			m.logger.Warn("query embedding failed", "error", err)
		} else if len(vecs) > 0 {
			ids, err := m.store.SearchMemoryVector(ctx, threadID, vecs[0], pool)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
			rankings = append(rankings, ranking{ids: ids, weight: m.vectorWeight})
		}
	}

	if query != "" {
		ids, err := m.store.SearchMemoryKeyword(ctx, threadID, query, pool)
		if err != nil {
			m.logger.Warn("keyword search failed", "error", err)
		} else {
			rankings = append(rankings, ranking{ids: ids, weight: m.keywordWeight})
		}
	}

	recentIDs, err := m.store.RecentMemoryIDs(ctx, threadID, pool)
	if err != nil {
		return nil, fmt.Errorf("recency scan: %w", err)
	}
	rankings = append(rankings, ranking{ids: recentIDs, weight: m.recencyWeight})

	fused := fuseRankings(rankings)
	hits, err := m.stitch(ctx, threadID, fused, limit)
	if err != nil {
		return nil, err
	}

	if m.events != nil {
		m.events.Emit(ctx, Event{
			Type:     EventMemoryRetrieve,
			ThreadID: threadID,
			PayloadRaw: Payload(map[string]any{
				"result_count":  len(hits),
				"query_present": query != "",
				"limit":         limit,
			}),
		})
	}
	return hits, nil
}

// stitch walks the fused order, reassembling chunk groups into single hits
// and deduplicating repeat group members, until limit hits are collected.
func (m *MemoryService) stitch(ctx context.Context, threadID string, fused []fusedHit, limit int) ([]MemoryHit, error) {
	if len(fused) == 0 {
		return nil, nil
	}
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.id
	}
	items, err := m.store.MemoriesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	byID := make(map[string]MemoryItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var hits []MemoryHit
	seenGroup := make(map[string]bool)
	for _, f := range fused {
		if len(hits) >= limit {
			break
		}
		item, ok := byID[f.id]
		if !ok {
			continue
		}
		cm, isChunk := ChunkMetaOf(item.Metadata)
		if !isChunk {
			hits = append(hits, MemoryHit{
				ID:       item.ID,
				Text:     item.Text,
				Metadata: item.Metadata,
				Score:    f.score,
			})
			continue
		}
		if seenGroup[cm.GroupID] {
			continue
		}
		seenGroup[cm.GroupID] = true

		group, err := m.store.MemoryGroup(ctx, threadID, cm.GroupID)
		if err != nil || len(group) == 0 {
			// Degrade to the single chunk.
			hits = append(hits, MemoryHit{
				ID:       item.ID,
				Text:     item.Text,
				Metadata: item.Metadata,
				Score:    f.score,
			})
			continue
		}
		var text strings.Builder
		for _, g := range group {
			text.WriteString(g.Text)
		}
		hits = append(hits, MemoryHit{
			ID:       group[0].ID,
			Text:     text.String(),
			Metadata: group[0].Metadata,
			Score:    f.score,
			Stitched: true,
		})
	}
	return hits, nil
}
