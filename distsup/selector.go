// Package distsup implements the distributed supervisor: supervision of
// behavior-registry children placed across cluster nodes, with claim-based
// failover onto surviving nodes when a hosting node is lost.
package distsup

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/roasbeef/gensys/cluster"
)

// ErrNoCandidateNodes indicates that placement found no eligible node, e.g.
// every candidate was excluded after a node loss.
var ErrNoCandidateNodes = errors.New("no candidate nodes for placement")

// NodeSelector picks the node to host a child from the candidate set: the
// local node plus every connected peer, minus any excluded nodes. Selectors
// may keep internal state (round robin does).
type NodeSelector func(candidates []cluster.NodeInfo,
	childID string) (cluster.NodeID, error)

// sortCandidates orders candidates by node id for deterministic selection.
func sortCandidates(candidates []cluster.NodeInfo) []cluster.NodeInfo {
	sorted := make([]cluster.NodeInfo, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	return sorted
}

// LocalFirst prefers the given local node and falls back to any connected
// peer when the local node is excluded.
func LocalFirst(local cluster.NodeID) NodeSelector {
	return func(candidates []cluster.NodeInfo,
		_ string) (cluster.NodeID, error) {

		if len(candidates) == 0 {
			return cluster.NodeID{}, ErrNoCandidateNodes
		}

		for _, info := range candidates {
			if info.ID == local {
				return local, nil
			}
		}

		return sortCandidates(candidates)[0].ID, nil
	}
}

// RoundRobin rotates through the candidate set across successive
// placements.
func RoundRobin() NodeSelector {
	var counter atomic.Uint64

	return func(candidates []cluster.NodeInfo,
		_ string) (cluster.NodeID, error) {

		if len(candidates) == 0 {
			return cluster.NodeID{}, ErrNoCandidateNodes
		}

		sorted := sortCandidates(candidates)
		idx := (counter.Add(1) - 1) % uint64(len(sorted))

		return sorted[idx].ID, nil
	}
}

// LeastLoaded picks the candidate with the lowest process count, breaking
// ties by node id.
func LeastLoaded() NodeSelector {
	return func(candidates []cluster.NodeInfo,
		_ string) (cluster.NodeID, error) {

		if len(candidates) == 0 {
			return cluster.NodeID{}, ErrNoCandidateNodes
		}

		best := sortCandidates(candidates)[0]
		for _, info := range sortCandidates(candidates)[1:] {
			if info.ProcessCount < best.ProcessCount {
				best = info
			}
		}

		return best.ID, nil
	}
}

// Random picks a uniformly random candidate.
func Random() NodeSelector {
	return func(candidates []cluster.NodeInfo,
		_ string) (cluster.NodeID, error) {

		if len(candidates) == 0 {
			return cluster.NodeID{}, ErrNoCandidateNodes
		}

		return candidates[rand.Intn(len(candidates))].ID, nil
	}
}

// Pinned always places on the given node, failing when it is not among the
// candidates.
func Pinned(node cluster.NodeID) NodeSelector {
	return func(candidates []cluster.NodeInfo,
		childID string) (cluster.NodeID, error) {

		for _, info := range candidates {
			if info.ID == node {
				return node, nil
			}
		}

		return cluster.NodeID{}, fmt.Errorf("%w: pinned node %s "+
			"unavailable for %q", ErrNoCandidateNodes, node,
			childID)
	}
}
