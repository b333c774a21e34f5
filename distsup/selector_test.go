package distsup

import (
	"testing"

	"github.com/roasbeef/gensys/cluster"
	"github.com/stretchr/testify/require"
)

func info(t *testing.T, id string, load int) cluster.NodeInfo {
	t.Helper()

	node, err := cluster.ParseNodeID(id)
	require.NoError(t, err)

	return cluster.NodeInfo{
		ID:           node,
		Status:       cluster.NodeConnected,
		ProcessCount: load,
	}
}

// TestLocalFirst verifies local preference with peer fallback.
func TestLocalFirst(t *testing.T) {
	t.Parallel()

	local := info(t, "local@127.0.0.1:4200", 0)
	peer := info(t, "peer@127.0.0.1:4201", 0)

	sel := LocalFirst(local.ID)

	node, err := sel([]cluster.NodeInfo{peer, local}, "c1")
	require.NoError(t, err)
	require.Equal(t, local.ID, node)

	// Local excluded: fall back to a peer.
	node, err = sel([]cluster.NodeInfo{peer}, "c1")
	require.NoError(t, err)
	require.Equal(t, peer.ID, node)

	_, err = sel(nil, "c1")
	require.ErrorIs(t, err, ErrNoCandidateNodes)
}

// TestRoundRobin verifies rotation across successive placements.
func TestRoundRobin(t *testing.T) {
	t.Parallel()

	a := info(t, "a@127.0.0.1:4202", 0)
	b := info(t, "b@127.0.0.1:4203", 0)
	candidates := []cluster.NodeInfo{a, b}

	sel := RoundRobin()

	first, err := sel(candidates, "c")
	require.NoError(t, err)
	second, err := sel(candidates, "c")
	require.NoError(t, err)
	third, err := sel(candidates, "c")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, first, third)
}

// TestLeastLoaded verifies the lowest-process-count choice.
func TestLeastLoaded(t *testing.T) {
	t.Parallel()

	busy := info(t, "busy@127.0.0.1:4204", 9)
	idle := info(t, "idle@127.0.0.1:4205", 1)

	node, err := LeastLoaded()(
		[]cluster.NodeInfo{busy, idle}, "c",
	)
	require.NoError(t, err)
	require.Equal(t, idle.ID, node)
}

// TestPinned verifies pinning, including the unavailable case.
func TestPinned(t *testing.T) {
	t.Parallel()

	a := info(t, "a@127.0.0.1:4206", 0)
	b := info(t, "b@127.0.0.1:4207", 0)

	node, err := Pinned(b.ID)([]cluster.NodeInfo{a, b}, "c")
	require.NoError(t, err)
	require.Equal(t, b.ID, node)

	_, err = Pinned(b.ID)([]cluster.NodeInfo{a}, "c")
	require.ErrorIs(t, err, ErrNoCandidateNodes)
}

// TestRandomStaysInCandidateSet verifies the random selector never leaves
// the candidate set.
func TestRandomStaysInCandidateSet(t *testing.T) {
	t.Parallel()

	a := info(t, "a@127.0.0.1:4208", 0)
	b := info(t, "b@127.0.0.1:4209", 0)
	candidates := []cluster.NodeInfo{a, b}

	sel := Random()
	for i := 0; i < 20; i++ {
		node, err := sel(candidates, "c")
		require.NoError(t, err)
		require.Contains(t,
			[]cluster.NodeID{a.ID, b.ID}, node)
	}
}
