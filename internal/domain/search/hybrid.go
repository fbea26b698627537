package search

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"
)

// DefaultRRFK is the reciprocal rank fusion constant.
const DefaultRRFK = 60

// DefaultWeights returns the model-aware default weight split for hybrid
// search. Higher-dimensional embedding models earn more semantic weight; an
// unloaded model falls back to 0.7/0.3.
func DefaultWeights(dim int) (semantic, keyword float64) {
	switch {
	case dim >= 1024:
		return 0.8, 0.2
	case dim >= 768:
		return 0.7, 0.3
	case dim >= 384:
		return 0.6, 0.4
	case dim > 0:
		return 0.5, 0.5
	default:
		return 0.7, 0.3
	}
}

// Hybrid fuses the semantic and keyword engines with reciprocal rank fusion.
// When the vector side is unavailable the result degrades to keyword-only
// with the degraded flag set.
func (s *Service) Hybrid(ctx context.Context, req Request) ([]Item, bool, error) {
	ws, wk := s.resolveWeights(ctx, req)

	limit := normalizeLimit(req.Limit)
	// Both engines are over-fetched at offset 0 so fusion ranks the full
	// candidate set before the requested page is sliced out.
	wide := req
	wide.Limit = 2 * limit
	wide.Offset = 0

	semItems, semErr := s.Semantic(ctx, wide)
	kwItems, kwErr := s.Keyword(ctx, wide)
	if kwErr != nil {
		return nil, false, kwErr
	}
	degraded := false
	if semErr != nil {
		log.WithError(semErr).Warn("semantic engine unavailable, keyword-only results")
		semItems = nil
		degraded = true
	}

	fused := fuseRRF(semItems, kwItems, ws, wk, s.rrfK)

	if req.Offset >= len(fused) {
		return []Item{}, degraded, nil
	}
	fused = fused[req.Offset:]
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, degraded, nil
}

func (s *Service) resolveWeights(ctx context.Context, req Request) (float64, float64) {
	var ws, wk float64
	if req.SemanticWeight != nil {
		ws = *req.SemanticWeight
	}
	if req.KeywordWeight != nil {
		wk = *req.KeywordWeight
	}
	if ws == 0 && wk == 0 {
		if s.defaultSemanticW > 0 || s.defaultKeywordW > 0 {
			return normalizeWeights(s.defaultSemanticW, s.defaultKeywordW)
		}
		dim := 0
		if d, err := s.embeddings.Dimensions(ctx); err == nil {
			dim = d
		}
		ws, wk = DefaultWeights(dim)
	}
	return normalizeWeights(ws, wk)
}

// normalizeWeights scales a weight pair to sum to 1, defaulting to an even
// split when both are zero.
func normalizeWeights(ws, wk float64) (float64, float64) {
	sum := ws + wk
	if sum <= 0 {
		return 0.5, 0.5
	}
	return ws / sum, 1 - ws/sum
}

// fuseRRF merges two ranked lists. Each key's score is the weighted sum of
// reciprocal ranks, with a missing rank contributing zero. Metadata prefers
// the semantic item; keyword highlights are carried over either way.
func fuseRRF(semItems, kwItems []Item, ws, wk float64, k int) []Item {
	if k <= 0 {
		k = DefaultRRFK
	}

	merged := make(map[key]*Item, len(semItems)+len(kwItems))
	order := make([]key, 0, len(semItems)+len(kwItems))

	for rank, it := range semItems {
		it := it
		it.Score = ws / float64(k+rank+1)
		merged[it.fuseKey()] = &it
		order = append(order, it.fuseKey())
	}
	for rank, it := range kwItems {
		score := wk / float64(k+rank+1)
		if existing, ok := merged[it.fuseKey()]; ok {
			existing.Score += score
			existing.Highlights = append(existing.Highlights, it.Highlights...)
			continue
		}
		it := it
		it.Score = score
		merged[it.fuseKey()] = &it
		order = append(order, it.fuseKey())
	}

	out := make([]Item, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func sortItemsByScore(items []Item) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
}
