package cluster

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestMembership builds a membership tracker over an unstarted transport
// so heartbeat ingestion can be driven directly.
func newTestMembership(t *testing.T,
	interval time.Duration) *membership {

	t.Helper()

	local := mustNodeID(t, "local@127.0.0.1:4300")
	tr := newTransport(transportConfig{
		localID:       local,
		maxFrameSize:  DefaultMaxFrameSize,
		reconnectBase: time.Second,
		reconnectMax:  time.Second,
	})

	m := newMembership(local, interval, 3, tr)
	t.Cleanup(m.stop)

	return m
}

func heartbeatFrom(id NodeID, load int) heartbeatMsg {
	return heartbeatMsg{
		Node: nodeInfoWire{
			NodeID:       id.String(),
			ProcessCount: load,
		},
	}
}

// TestMembershipEpisodes verifies the exactly-once-per-episode invariant
// for nodeUp and nodeDown.
func TestMembershipEpisodes(t *testing.T) {
	t.Parallel()

	m := newTestMembership(t, time.Minute)
	peer := mustNodeID(t, "peer@127.0.0.1:4301")

	var ups, downs, updates atomic.Int32
	m.upHandlers.subscribe(func(NodeInfo) { ups.Add(1) })
	m.downHandlers.subscribe(func(NodeDownEvent) { downs.Add(1) })
	m.updatedHandlers.subscribe(func(NodeInfo) { updates.Add(1) })

	// First heartbeat opens the episode.
	m.onHeartbeat(peer, heartbeatFrom(peer, 1))
	require.Equal(t, int32(1), ups.Load())

	// Subsequent heartbeats only update.
	m.onHeartbeat(peer, heartbeatFrom(peer, 2))
	m.onHeartbeat(peer, heartbeatFrom(peer, 3))
	require.Equal(t, int32(1), ups.Load())
	require.Equal(t, int32(2), updates.Load())

	infos := m.nodes()
	require.Len(t, infos, 1)
	require.Equal(t, 3, infos[0].ProcessCount)
	require.Equal(t, NodeConnected, infos[0].Status)

	// Down fires once, even when reported through multiple channels.
	m.markDown(peer, ReasonHeartbeatTimeout)
	m.onConnectionLost(peer)
	m.onNodeDown(nodeDownMsg{
		NodeID: peer.String(),
		Reason: ReasonGracefulShutdown,
	})
	require.Equal(t, int32(1), downs.Load())
	require.Empty(t, m.connected())

	// A fresh heartbeat opens a new episode.
	m.onHeartbeat(peer, heartbeatFrom(peer, 1))
	require.Equal(t, int32(2), ups.Load())
	require.Len(t, m.connected(), 1)
}

// TestMembershipHeartbeatTimeout verifies the miss-threshold failure timer.
func TestMembershipHeartbeatTimeout(t *testing.T) {
	t.Parallel()

	// 20ms interval, threshold 3: down after ~60ms of silence.
	m := newTestMembership(t, 20*time.Millisecond)
	peer := mustNodeID(t, "peer@127.0.0.1:4302")

	downCh := make(chan NodeDownEvent, 1)
	m.downHandlers.subscribe(func(event NodeDownEvent) {
		select {
		case downCh <- event:
		default:
		}
	})

	m.onHeartbeat(peer, heartbeatFrom(peer, 0))

	select {
	case event := <-downCh:
		require.Equal(t, peer, event.Node)
		require.Equal(t, ReasonHeartbeatTimeout, event.Reason)

	case <-time.After(2 * time.Second):
		t.Fatal("failure timer never fired")
	}

	// The peer stays tracked but no longer counts as connected.
	require.Empty(t, m.connected())
	require.Len(t, m.nodes(), 1)
}
