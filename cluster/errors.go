package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidClusterConfig indicates a malformed cluster config.
	ErrInvalidClusterConfig = errors.New("invalid cluster config")

	// ErrInvalidNodeID indicates a node identifier that does not parse
	// as name@host:port with a well-formed name and port.
	ErrInvalidNodeID = errors.New("invalid node id")

	// ErrNotStarted indicates an operation on a cluster that is not
	// running.
	ErrNotStarted = errors.New("cluster not started")

	// ErrNotConnected indicates a send targeting a peer with no live
	// link.
	ErrNotConnected = errors.New("not connected to node")

	// ErrFrameTooLarge indicates an inbound or outbound frame exceeding
	// the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds max message size")

	// ErrHandshakeFailed indicates that the authentication exchange with
	// a peer did not complete or the shared-secret proof did not verify.
	ErrHandshakeFailed = errors.New("transport handshake failed")

	// ErrRemoteCallTimeout indicates that a remote call's reply did not
	// arrive in time. The remote handler is not cancelled.
	ErrRemoteCallTimeout = errors.New("remote call timed out")

	// ErrRemoteServerNotRunning indicates that the remote node reported
	// the target server as gone.
	ErrRemoteServerNotRunning = errors.New("remote server not running")

	// ErrGlobalNameConflict indicates a cluster-wide name collision.
	ErrGlobalNameConflict = errors.New("global name conflict")

	// ErrUnknownBehavior indicates a spawn request naming a behavior the
	// target node never registered.
	ErrUnknownBehavior = errors.New("unknown behavior")

	// ErrDuplicateBehavior indicates a behavior name registered twice on
	// one node.
	ErrDuplicateBehavior = errors.New("behavior already registered")

	// ErrSpawnFailed wraps a remote spawn rejection.
	ErrSpawnFailed = errors.New("remote spawn failed")

	// ErrChildClaim indicates a failover claim against a registration
	// owned by a different supervisor: the split-brain guard.
	ErrChildClaim = errors.New("child claim owner mismatch")
)

// NodeLostError is the rejection delivered to every pending remote call
// targeting a node the moment that node is reported down.
type NodeLostError struct {
	Node   NodeID
	Reason string
}

// Error implements the error interface.
func (e *NodeLostError) Error() string {
	return fmt.Sprintf("node %s lost: %s", e.Node, e.Reason)
}
