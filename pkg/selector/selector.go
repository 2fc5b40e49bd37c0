// Package selector ranks cluster nodes against a required resource vector
// and picks one, the way pkg/scheduler picks a node for a service in the
// teacher repo — additive scoring over a filtered candidate set, highest
// score wins, ties broken by iteration order.
package selector

import (
	"fmt"

	"github.com/netsoc/instanced/pkg/errs"
	"github.com/netsoc/instanced/pkg/log"
	"github.com/netsoc/instanced/pkg/types"
	"github.com/rs/zerolog"
)

// NodeInfo is the subset of cluster node state the selector scores against.
type NodeInfo struct {
	Name      string
	MaxMemMB  int
	MemUsedMB int
	MaxCPU    int
}

// Selector picks the best-scoring node for a required Specs vector.
type Selector struct {
	blacklist map[string]struct{}
	logger    zerolog.Logger
}

// New creates a Selector with the given blacklisted node names.
func New(blacklist []string) *Selector {
	bl := make(map[string]struct{}, len(blacklist))
	for _, n := range blacklist {
		bl[n] = struct{}{}
	}
	return &Selector{blacklist: bl, logger: log.WithComponent("selector")}
}

// Select scores every node against the required specs and returns the
// highest-scoring surviving node. Blacklisted nodes are removed after
// scoring (so their scores never influence anything, but the removal step
// mirrors §4.4's stated order). Returns errs.ErrNoSchedulable if no node
// survives.
func (s *Selector) Select(nodes []NodeInfo, required types.Specs) (NodeInfo, error) {
	type scored struct {
		node  NodeInfo
		score int
	}

	var candidates []scored
	for _, n := range nodes {
		score := s.score(n, required)
		candidates = append(candidates, scored{node: n, score: score})
	}

	var best *scored
	for i := range candidates {
		c := candidates[i]
		if _, blacklisted := s.blacklist[c.node.Name]; blacklisted {
			continue
		}
		if best == nil || c.score > best.score {
			best = &candidates[i]
		}
	}

	if best == nil {
		s.logger.Warn().Msg("no schedulable node survived scoring and blacklist filtering")
		return NodeInfo{}, fmt.Errorf("%w: no candidate node for required specs", errs.ErrNoSchedulable)
	}

	s.logger.Debug().
		Str("node", best.node.Name).
		Int("score", best.score).
		Msg("selected node")
	return best.node, nil
}

// score implements the additive rules of §4.4:
//
//	+1 if (maxmem - mem) > required_memory
//	+1 if mem/maxmem < 0.6
//	+1 if maxcpu >= required_cores
func (s *Selector) score(n NodeInfo, required types.Specs) int {
	score := 0
	if (n.MaxMemMB - n.MemUsedMB) > required.MemoryMB {
		score++
	}
	if n.MaxMemMB > 0 && float64(n.MemUsedMB)/float64(n.MaxMemMB) < 0.6 {
		score++
	}
	if n.MaxCPU >= required.Cores {
		score++
	}
	return score
}
