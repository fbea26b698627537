package contradiction

import (
	"context"
	"sort"
	"time"
)

// DetectChains rebuilds contradiction chains: documents are vertices, open
// contradictions are edges, and each connected group of at least three
// documents becomes one chain carrying every contradiction between its
// members. Dismissed contradictions do not link documents.
func (s *Service) DetectChains(ctx context.Context) ([]Chain, error) {
	all, err := s.List(ctx, ListFilter{Limit: 500})
	if err != nil {
		return nil, err
	}

	adjacency := map[string][]string{}
	seen := map[[2]string]bool{}
	var edges []Contradiction
	for _, c := range all {
		if c.Status == StatusDismissed {
			continue
		}
		edges = append(edges, c)
		key := [2]string{c.DocAID, c.DocBID}
		if c.DocBID < c.DocAID {
			key = [2]string{c.DocBID, c.DocAID}
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		adjacency[c.DocAID] = append(adjacency[c.DocAID], c.DocBID)
		adjacency[c.DocBID] = append(adjacency[c.DocBID], c.DocAID)
	}

	maxDepth := s.cfg.MaxChainDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}

	if err := s.clearChains(ctx); err != nil {
		return nil, err
	}

	visited := map[string]bool{}
	var chains []Chain

	// Deterministic vertex order keeps chain membership stable run to run.
	vertices := make([]string, 0, len(adjacency))
	for v := range adjacency {
		vertices = append(vertices, v)
	}
	sort.Strings(vertices)

	for _, start := range vertices {
		if visited[start] {
			continue
		}
		component := collectComponent(start, adjacency, visited, maxDepth)
		if len(component) < 3 {
			continue
		}
		ch := Chain{
			ID:          newID(),
			DocumentIDs: component,
			CreatedAt:   time.Now().UTC(),
		}
		member := map[string]bool{}
		for _, d := range component {
			member[d] = true
		}
		for _, e := range edges {
			if member[e.DocAID] && member[e.DocBID] {
				ch.ContradictionIDs = append(ch.ContradictionIDs, e.ID)
			}
		}
		if len(ch.ContradictionIDs) < 2 {
			continue
		}
		if err := s.saveChain(ctx, &ch); err != nil {
			return nil, err
		}
		s.bus.Emit(TopicChainDetected, map[string]any{
			"chain_id":       ch.ID,
			"documents":      len(ch.DocumentIDs),
			"contradictions": len(ch.ContradictionIDs),
		}, "contradictions")
		chains = append(chains, ch)
	}
	return chains, nil
}

// collectComponent walks the document graph depth-first from start, marking
// vertices visited and returning those reached within maxDepth hops.
func collectComponent(start string, adjacency map[string][]string, visited map[string]bool, maxDepth int) []string {
	var component []string
	var dfs func(node string, depth int)
	dfs = func(node string, depth int) {
		if visited[node] || depth > maxDepth {
			return
		}
		visited[node] = true
		component = append(component, node)
		neighbors := append([]string(nil), adjacency[node]...)
		sort.Strings(neighbors)
		for _, n := range neighbors {
			dfs(n, depth+1)
		}
	}
	dfs(start, 0)
	sort.Strings(component)
	return component
}
