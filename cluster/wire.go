package cluster

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
)

// msgType tags the self-describing wire payloads.
type msgType string

const (
	// Handshake exchange.
	msgHello   msgType = "hello"
	msgWelcome msgType = "welcome"
	msgAuth    msgType = "auth"

	// Membership.
	msgHeartbeat msgType = "heartbeat"
	msgNodeDown  msgType = "node_down"

	// Remote invocation.
	msgCallRequest msgType = "call_request"
	msgCallReply   msgType = "call_reply"
	msgCast        msgType = "cast"

	// Remote instantiation.
	msgSpawnRequest msgType = "spawn_request"
	msgSpawnReply   msgType = "spawn_reply"

	// Remote monitoring.
	msgMonitorRequest msgType = "monitor_request"
	msgDown           msgType = "down"

	// Remote lifecycle control.
	msgStopServer msgType = "stop_server"
)

// wireEnvelope is the outer frame payload: a type tag plus the type-specific
// body.
type wireEnvelope struct {
	Type    msgType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// helloMsg opens a handshake from the dialing side.
type helloMsg struct {
	NodeID    string `json:"node_id"`
	Challenge string `json:"challenge"`
}

// welcomeMsg answers a hello: the acceptor proves knowledge of the secret
// over the dialer's challenge and issues its own.
type welcomeMsg struct {
	NodeID    string `json:"node_id"`
	Proof     string `json:"proof,omitempty"`
	Challenge string `json:"challenge"`
}

// authMsg completes the handshake: the dialer's proof over the acceptor's
// challenge.
type authMsg struct {
	Proof string `json:"proof,omitempty"`
}

// nodeInfoWire is the heartbeat's view of a node.
type nodeInfoWire struct {
	NodeID       string `json:"node_id"`
	ProcessCount int    `json:"process_count"`
}

// globalEntryWire is a gossiped global-registry binding.
type globalEntryWire struct {
	Name         string          `json:"name"`
	NodeID       string          `json:"node_id"`
	ServerID     string          `json:"server_id"`
	Meta         json.RawMessage `json:"meta,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// heartbeatMsg announces liveness and piggybacks gossip.
type heartbeatMsg struct {
	Node        nodeInfoWire      `json:"node_info"`
	KnownNodes  []string          `json:"known_nodes"`
	GlobalNames []globalEntryWire `json:"global_names,omitempty"`
}

// nodeDownMsg announces a node's departure, voluntary or detected.
type nodeDownMsg struct {
	NodeID     string    `json:"node_id"`
	DetectedAt time.Time `json:"detected_at"`
	Reason     string    `json:"reason"`
}

// Reasons carried by nodeDownMsg and NodeDown events.
const (
	ReasonGracefulShutdown = "graceful_shutdown"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonConnectionClosed = "connection_closed"
)

// callRequestMsg asks a peer to run a call on one of its servers.
type callRequestMsg struct {
	CallID    string          `json:"call_id"`
	ServerID  string          `json:"server_id"`
	Msg       json.RawMessage `json:"msg"`
	TimeoutMS int64           `json:"timeout_ms"`
}

// callReplyMsg resolves a call_request. Exactly one of OK or Err is set;
// ErrKind distinguishes a missing server from a handler failure.
type callReplyMsg struct {
	CallID  string          `json:"call_id"`
	OK      json.RawMessage `json:"ok,omitempty"`
	Err     string          `json:"err,omitempty"`
	ErrKind string          `json:"err_kind,omitempty"`
}

// Error kinds carried by callReplyMsg and spawnReplyMsg.
const (
	errKindNotRunning = "not_running"
	errKindHandler    = "handler"
	errKindUnknown    = "unknown_behavior"
)

// castMsg delivers a fire-and-forget message to a remote server.
type castMsg struct {
	ServerID string          `json:"server_id"`
	Msg      json.RawMessage `json:"msg"`
}

// spawnRequestMsg asks a peer to instantiate a registered behavior.
type spawnRequestMsg struct {
	RequestID    string            `json:"request_id"`
	BehaviorName string            `json:"behavior_name"`
	Args         []json.RawMessage `json:"args,omitempty"`
}

// spawnReplyMsg resolves a spawn_request with the created server id.
type spawnReplyMsg struct {
	RequestID string `json:"request_id"`
	ServerID  string `json:"server_id,omitempty"`
	Err       string `json:"err,omitempty"`
	ErrKind   string `json:"err_kind,omitempty"`
}

// stopServerMsg asks the hosting node to gracefully stop one of its
// servers.
type stopServerMsg struct {
	ServerID string `json:"server_id"`
	Reason   string `json:"reason"`
}

// monitorRequestMsg asks a peer to watch one of its servers on the sender's
// behalf.
type monitorRequestMsg struct {
	ServerID string `json:"server_id"`
}

// downMsg notifies a monitoring peer that a watched server terminated.
type downMsg struct {
	ServerID string `json:"server_id"`
	Reason   string `json:"reason"`
	Err      string `json:"err,omitempty"`
}

// encodeEnvelope marshals a typed payload into a framed-ready envelope.
func encodeEnvelope(t msgType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	data, err := json.Marshal(wireEnvelope{Type: t, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", t, err)
	}

	return data, nil
}

// decodePayload unmarshals an envelope body into the given payload struct.
func decodePayload[T any](env wireEnvelope) (T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w",
			env.Type, err)
	}

	return payload, nil
}

// writeFrame writes one length-prefixed frame: 4-byte big-endian payload
// length followed by the payload itself.
func writeFrame(w io.Writer, data []byte, maxSize uint32) error {
	if uint32(len(data)) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data),
			maxSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	return nil
}

// readFrame reads one length-prefixed frame. Partial frames block until the
// reader has buffered the full payload; a truncated connection surfaces as
// an io error and the partial data is discarded with it.
func readFrame(r *bufio.Reader, maxSize uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge,
			length, maxSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	return data, nil
}

// decodeEnvelope parses a frame payload into its envelope.
func decodeEnvelope(data []byte) (wireEnvelope, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}

	return env, nil
}
