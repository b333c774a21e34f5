package cluster

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roasbeef/gensys/genserver"
	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral listen port from the kernel.
func freePort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return uint16(port)
}

// startNode spins up a cluster node with test-friendly timing.
func startNode(t *testing.T, name, secret string,
	seeds ...string) *Cluster {

	t.Helper()

	cfg := Config{
		NodeName:               name,
		Host:                   "127.0.0.1",
		Port:                   freePort(t),
		Secret:                 secret,
		Seeds:                  seeds,
		HeartbeatInterval:      50 * time.Millisecond,
		HeartbeatMissThreshold: 3,
		ReconnectBaseDelay:     25 * time.Millisecond,
		ReconnectMaxDelay:      200 * time.Millisecond,
	}

	node, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 3*time.Second,
		)
		defer cancel()
		_ = node.Stop(ctx)
	})

	return node
}

// registerEcho installs an echo/counter behavior under the given name.
func registerEcho(t *testing.T, node *Cluster, name string) {
	t.Helper()

	err := node.Behaviors().Register(name, func(_ ...any) DynBehavior {
		return &FuncDynBehavior{
			OnInit: func(_ context.Context) (any, error) {
				return float64(0), nil
			},
			OnCall: func(_ context.Context, msg any,
				state any) (any, any, error) {

				if msg == "count" {
					return state, state, nil
				}

				return msg, state, nil
			},
			OnCast: func(_ context.Context, _ any,
				state any) (any, error) {

				return state.(float64) + 1, nil
			},
		}
	})
	require.NoError(t, err)
}

// waitConnected blocks until node believes peer is up.
func waitConnected(t *testing.T, node *Cluster, peer NodeID) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, info := range node.Nodes() {
			if info.ID == peer &&
				info.Status == NodeConnected {

				return true
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond,
		"%s never saw %s up", node.LocalNode().ID, peer)
}

// TestTwoNodeMembership verifies that a seeded link converges to a mutual
// connected view, with nodeUp observed on the seed node.
func TestTwoNodeMembership(t *testing.T) {
	t.Parallel()

	nodeA := startNode(t, "memb-a", "hush")

	var upSeen atomic.Bool
	nodeA.OnNodeUp(func(info NodeInfo) {
		upSeen.Store(true)
	})

	nodeB := startNode(
		t, "memb-b", "hush", nodeA.LocalNode().ID.String(),
	)

	waitConnected(t, nodeA, nodeB.LocalNode().ID)
	waitConnected(t, nodeB, nodeA.LocalNode().ID)
	require.True(t, upSeen.Load())

	require.True(t, nodeA.IsConnectedTo(nodeB.LocalNode().ID))
	require.Contains(t, nodeA.ConnectedPeers(), nodeB.LocalNode().ID)
}

// TestBadSecretRejected verifies that mismatched cluster secrets keep nodes
// apart.
func TestBadSecretRejected(t *testing.T) {
	t.Parallel()

	nodeA := startNode(t, "sec-a", "right")
	nodeB := startNode(
		t, "sec-b", "wrong", nodeA.LocalNode().ID.String(),
	)

	time.Sleep(300 * time.Millisecond)
	require.False(t, nodeA.IsConnectedTo(nodeB.LocalNode().ID))
	require.False(t, nodeB.IsConnectedTo(nodeA.LocalNode().ID))
}

// TestGossipDiscovery verifies that two peers seeded only with a common
// third node find each other through heartbeat gossip.
func TestGossipDiscovery(t *testing.T) {
	t.Parallel()

	hub := startNode(t, "gossip-hub", "")
	nodeB := startNode(t, "gossip-b", "", hub.LocalNode().ID.String())
	nodeC := startNode(t, "gossip-c", "", hub.LocalNode().ID.String())

	waitConnected(t, nodeB, nodeC.LocalNode().ID)
	waitConnected(t, nodeC, nodeB.LocalNode().ID)
}

// TestRemoteSpawnCallCast verifies spawn correlation plus call/cast against
// the spawned server across the wire.
func TestRemoteSpawnCallCast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	nodeA := startNode(t, "rpc-a", "hush")
	nodeB := startNode(t, "rpc-b", "hush", nodeA.LocalNode().ID.String())

	registerEcho(t, nodeA, "echo")
	registerEcho(t, nodeB, "echo")

	waitConnected(t, nodeA, nodeB.LocalNode().ID)

	handle, err := nodeA.SpawnOn(
		ctx, nodeB.LocalNode().ID, "echo",
	)
	require.NoError(t, err)
	require.Equal(t, nodeB.LocalNode().ID, handle.Node)
	require.NotEmpty(t, handle.ServerID)

	// The spawned server lives on B.
	_, hosted := nodeB.LocalServer(handle.ServerID)
	require.True(t, hosted)

	// Call round trip across the wire.
	reply, err := nodeA.RemoteCall(ctx, handle, "ping", time.Second)
	require.NoError(t, err)
	require.Equal(t, "ping", reply)

	// Casts increment the counter; a later call observes them.
	require.NoError(t, nodeA.RemoteCast(ctx, handle, "inc"))
	require.NoError(t, nodeA.RemoteCast(ctx, handle, "inc"))

	require.Eventually(t, func() bool {
		count, err := nodeA.RemoteCall(
			ctx, handle, "count", time.Second,
		)

		return err == nil && count == float64(2)
	}, 2*time.Second, 20*time.Millisecond)

	// Spawning an unregistered behavior fails with the right kind.
	_, err = nodeA.SpawnOn(ctx, nodeB.LocalNode().ID, "ghost")
	require.ErrorIs(t, err, ErrUnknownBehavior)

	stats := nodeA.Metrics().Calls()
	require.GreaterOrEqual(t, stats.Initiated, uint64(1))
	require.GreaterOrEqual(t, stats.Resolved, uint64(1))
}

// TestRemoteCallTimeout covers the remote-timeout scenario: a 50ms call
// against a 300ms handler fails fast with ErrRemoteCallTimeout, the remote
// handler still completes, and a follow-up call with a generous timeout
// succeeds.
func TestRemoteCallTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	nodeA := startNode(t, "slow-a", "")
	nodeB := startNode(t, "slow-b", "", nodeA.LocalNode().ID.String())

	err := nodeB.Behaviors().Register("slow",
		func(_ ...any) DynBehavior {
			return &FuncDynBehavior{
				OnCall: func(_ context.Context, msg any,
					state any) (any, any, error) {

					time.Sleep(300 * time.Millisecond)
					return msg, state, nil
				},
			}
		})
	require.NoError(t, err)

	waitConnected(t, nodeA, nodeB.LocalNode().ID)

	handle, err := nodeA.SpawnOn(ctx, nodeB.LocalNode().ID, "slow")
	require.NoError(t, err)

	start := time.Now()
	_, err = nodeA.RemoteCall(
		ctx, handle, "ping", 50*time.Millisecond,
	)
	require.ErrorIs(t, err, ErrRemoteCallTimeout)
	require.Less(t, time.Since(start), 250*time.Millisecond)

	// The handler was not cancelled; once it drains, a patient call
	// succeeds.
	reply, err := nodeA.RemoteCall(ctx, handle, "again", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "again", reply)

	require.GreaterOrEqual(t,
		nodeA.Metrics().Calls().TimedOut, uint64(1))
}

// TestNodeLossFailsPendingCalls verifies the atomic rejection of in-flight
// calls when the target node dies ungracefully.
func TestNodeLossFailsPendingCalls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	nodeA := startNode(t, "loss-a", "")
	nodeB := startNode(t, "loss-b", "", nodeA.LocalNode().ID.String())

	err := nodeB.Behaviors().Register("sleeper",
		func(_ ...any) DynBehavior {
			return &FuncDynBehavior{
				OnCall: func(callCtx context.Context,
					msg any, state any) (any, any,
					error) {

					<-callCtx.Done()
					return nil, state, callCtx.Err()
				},
			}
		})
	require.NoError(t, err)

	waitConnected(t, nodeA, nodeB.LocalNode().ID)

	handle, err := nodeA.SpawnOn(ctx, nodeB.LocalNode().ID, "sleeper")
	require.NoError(t, err)

	downCh := make(chan NodeDownEvent, 1)
	nodeA.OnNodeDown(func(event NodeDownEvent) {
		select {
		case downCh <- event:
		default:
		}
	})

	callErr := make(chan error, 1)
	go func() {
		_, err := nodeA.RemoteCall(
			ctx, handle, "hang", 30*time.Second,
		)
		callErr <- err
	}()

	// Let the call get onto the wire, then kill B without ceremony.
	time.Sleep(150 * time.Millisecond)
	nodeB.Kill()

	select {
	case event := <-downCh:
		require.Equal(t, nodeB.LocalNode().ID, event.Node)
		require.Equal(t, ReasonConnectionClosed, event.Reason)

	case <-time.After(5 * time.Second):
		t.Fatal("node down never observed")
	}

	select {
	case err := <-callErr:
		var nodeLost *NodeLostError
		require.ErrorAs(t, err, &nodeLost)
		require.Equal(t, nodeB.LocalNode().ID, nodeLost.Node)

	case <-time.After(5 * time.Second):
		t.Fatal("pending call never rejected")
	}
}

// TestGracefulStopAnnounced verifies that a clean Stop reaches peers as a
// graceful_shutdown node_down.
func TestGracefulStopAnnounced(t *testing.T) {
	t.Parallel()

	nodeA := startNode(t, "bye-a", "")
	nodeB := startNode(t, "bye-b", "", nodeA.LocalNode().ID.String())

	waitConnected(t, nodeA, nodeB.LocalNode().ID)

	downCh := make(chan NodeDownEvent, 4)
	nodeA.OnNodeDown(func(event NodeDownEvent) {
		downCh <- event
	})

	ctx, cancel := context.WithTimeout(
		context.Background(), 3*time.Second,
	)
	defer cancel()
	require.NoError(t, nodeB.Stop(ctx))

	select {
	case event := <-downCh:
		require.Equal(t, nodeB.LocalNode().ID, event.Node)
		require.Equal(t, ReasonGracefulShutdown, event.Reason)

	case <-time.After(5 * time.Second):
		t.Fatal("graceful node down never observed")
	}
}

// TestMonitorRemoteServer verifies cross-node monitoring: stopping the
// watched server delivers a down notification to the monitoring node.
func TestMonitorRemoteServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	nodeA := startNode(t, "mon-a", "")
	nodeB := startNode(t, "mon-b", "", nodeA.LocalNode().ID.String())

	registerEcho(t, nodeB, "echo")
	waitConnected(t, nodeA, nodeB.LocalNode().ID)

	handle, err := nodeA.SpawnOn(ctx, nodeB.LocalNode().ID, "echo")
	require.NoError(t, err)

	downCh := make(chan DownEvent, 1)
	unsub := nodeA.Monitor(handle, func(event DownEvent) {
		select {
		case downCh <- event:
		default:
		}
	})
	defer unsub()

	// Give the monitor request a moment to land, then stop the server
	// on its hosting node.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, nodeA.StopRemote(
		ctx, handle, genserver.ReasonShutdown,
	))

	select {
	case event := <-downCh:
		require.Equal(t, handle.ServerID, event.Handle.ServerID)
		require.Equal(t,
			string(genserver.ReasonShutdown), event.Reason)

	case <-time.After(5 * time.Second):
		t.Fatal("down notification never arrived")
	}
}

// TestGlobalNameGossip verifies that a registration on one node becomes
// visible in a peer's local view without any direct query.
func TestGlobalNameGossip(t *testing.T) {
	t.Parallel()

	nodeA := startNode(t, "gname-a", "")
	nodeB := startNode(t, "gname-b", "", nodeA.LocalNode().ID.String())

	waitConnected(t, nodeA, nodeB.LocalNode().ID)

	require.NoError(t, nodeA.GlobalNames().Register(GlobalEntry{
		Name:     "svc.alpha",
		Node:     nodeA.LocalNode().ID,
		ServerID: "srv-1",
	}))

	require.Eventually(t, func() bool {
		_, ok := nodeB.GlobalNames().Lookup("svc.alpha")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	// The adopted entry makes B refuse the name too.
	err := nodeB.GlobalNames().Register(GlobalEntry{
		Name:     "svc.alpha",
		Node:     nodeB.LocalNode().ID,
		ServerID: "srv-2",
	})
	require.ErrorIs(t, err, ErrGlobalNameConflict)
}
