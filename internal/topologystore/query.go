// internal/topologystore/query.go
package topologystore

import (
	"fmt"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Resolve answers q against graphs. It is the matching rule behind
// Store.Query, exported so alternative stores share it.
func Resolve(graphs []*Graph, q Query) (*QueryResult, error) {
	if len(q.Video) == 0 && len(q.Still) == 0 {
		return nil, fmt.Errorf("empty graph query: %w", status.ErrBadValue)
	}

	res := &QueryResult{}
	if len(q.Video) > 0 {
		m, err := bestMatch(graphs, PipeVideo, q.OperationMode, q.Video)
		if err != nil {
			return nil, err
		}
		res.Video = m
	}
	if len(q.Still) > 0 {
		m, err := bestMatch(graphs, PipeStill, q.OperationMode, q.Still)
		if err != nil {
			return nil, err
		}
		res.Still = m
	}
	return res, nil
}

func bestMatch(graphs []*Graph, pipe Pipe, mode int, want []stream.Resolution) (*Match, error) {
	var best *Match
	for _, g := range graphs {
		if g.Pipe != pipe || g.OperationMode != mode {
			continue
		}
		sinks, cost, ok := fitSinks(g, want)
		if !ok {
			continue
		}
		if best == nil || cost < best.Cost || (cost == best.Cost && g.ID < best.Graph.ID) {
			best = &Match{Graph: g, Sinks: sinks, Cost: cost}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no %s graph for mode %d serves %v: %w", pipe, mode, want, status.ErrNotFound)
	}
	return best, nil
}

// fitSinks binds each requested resolution, in order, to the smallest unused
// connected sink covering it.
func fitSinks(g *Graph, want []stream.Resolution) ([]int, int, bool) {
	used := make(map[int]bool, len(want))
	out := make([]int, len(want))
	cost := 0
	for i, r := range want {
		pick := -1
		for j, s := range g.Sinks {
			if used[s.ID] || !s.Resolution.Covers(r) {
				continue
			}
			if _, fed := g.SinkSource(s.ID); !fed {
				continue
			}
			if pick == -1 || s.Resolution.Area() < g.Sinks[pick].Resolution.Area() {
				pick = j
			}
		}
		if pick == -1 {
			return nil, 0, false
		}
		s := g.Sinks[pick]
		used[s.ID] = true
		out[i] = s.ID
		cost += s.Resolution.Area() - r.Area()
	}
	return out, cost, true
}
