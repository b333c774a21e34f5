package cluster

import (
	"fmt"
	"time"
)

const (
	// DefaultHeartbeatInterval is the default period between heartbeat
	// broadcasts.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatMissThreshold is the number of missed heartbeat
	// intervals after which a peer is declared down.
	DefaultHeartbeatMissThreshold = 3

	// DefaultReconnectBaseDelay seeds the reconnect backoff.
	DefaultReconnectBaseDelay = time.Second

	// DefaultReconnectMaxDelay caps the reconnect backoff.
	DefaultReconnectMaxDelay = 30 * time.Second

	// DefaultMaxFrameSize caps wire frames at 1 MiB.
	DefaultMaxFrameSize = 1 << 20

	// DefaultRemoteCallTimeout is the reply deadline for remote calls
	// issued without an explicit one.
	DefaultRemoteCallTimeout = 5 * time.Second

	// DefaultSpawnTimeout bounds a remote spawn round trip.
	DefaultSpawnTimeout = 10 * time.Second
)

// Config declares a cluster node.
type Config struct {
	// NodeName is the symbolic node name, constrained to
	// [A-Za-z][A-Za-z0-9_-]{0,63}.
	NodeName string

	// Host is the address peers use to reach this node; it is embedded
	// in the node identifier.
	Host string

	// Port is the TCP listen port.
	Port uint16

	// Secret, when non-empty, enables mutual shared-secret
	// authentication on every link. All nodes of a cluster must agree.
	Secret string

	// Seeds are node identifiers dialed at start-up to join an existing
	// cluster. Gossip discovers the rest.
	Seeds []string

	// HeartbeatInterval is the period between heartbeat broadcasts.
	HeartbeatInterval time.Duration

	// HeartbeatMissThreshold is the number of missed intervals before a
	// peer is declared down.
	HeartbeatMissThreshold int

	// ReconnectBaseDelay seeds the exponential reconnect backoff.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the reconnect backoff.
	ReconnectMaxDelay time.Duration

	// MaxFrameSize caps wire frame payloads.
	MaxFrameSize uint32

	// RemoteCallTimeout is the default reply deadline for remote calls.
	RemoteCallTimeout time.Duration
}

// applyDefaults fills zero-valued tunables.
func (c *Config) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMissThreshold == 0 {
		c.HeartbeatMissThreshold = DefaultHeartbeatMissThreshold
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.RemoteCallTimeout == 0 {
		c.RemoteCallTimeout = DefaultRemoteCallTimeout
	}
}

// validate checks the config, returning errors wrapping
// ErrInvalidClusterConfig.
func (c *Config) validate() (NodeID, error) {
	localID, err := NewNodeID(c.NodeName, c.Host, c.Port)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %w",
			ErrInvalidClusterConfig, err)
	}

	for _, seed := range c.Seeds {
		if _, err := ParseNodeID(seed); err != nil {
			return NodeID{}, fmt.Errorf("%w: seed %q: %w",
				ErrInvalidClusterConfig, seed, err)
		}
	}

	if c.HeartbeatMissThreshold < 0 || c.HeartbeatInterval < 0 {
		return NodeID{}, fmt.Errorf("%w: negative heartbeat settings",
			ErrInvalidClusterConfig)
	}

	return localID, nil
}
