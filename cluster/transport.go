package cluster

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"
)

// handshakeTimeout bounds the hello/welcome/auth exchange on a fresh
// connection.
const handshakeTimeout = 10 * time.Second

// transportConfig carries the subset of the cluster config the transport
// needs.
type transportConfig struct {
	localID      NodeID
	secret       string
	maxFrameSize uint32

	reconnectBase time.Duration
	reconnectMax  time.Duration
}

// peerLink is one live, authenticated connection to a peer.
type peerLink struct {
	id   NodeID
	conn net.Conn

	// outbound records which side dialed; simultaneous-connect duplicate
	// resolution keys off it.
	outbound bool

	// sendCh feeds the writer goroutine; closed exactly once via
	// closeOnce when the link dies.
	sendCh    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// close tears the link down. Safe to call from any goroutine.
func (p *peerLink) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
}

// transport maintains framed, authenticated point-to-point links to peer
// nodes. Events flow upward through the callbacks, which must be installed
// before start.
type transport struct {
	cfg transportConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	ln    net.Listener
	peers map[NodeID]*peerLink

	// reconnecting tracks peers with an active backoff loop so only one
	// runs per peer.
	reconnecting map[NodeID]struct{}

	onEstablished func(NodeID)
	onLost        func(NodeID, error)
	onMessage     func(NodeID, wireEnvelope)
	onError       func(error)

	started bool
}

// newTransport creates an unstarted transport.
func newTransport(cfg transportConfig) *transport {
	ctx, cancel := context.WithCancel(context.Background())

	return &transport{
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		peers:        make(map[NodeID]*peerLink),
		reconnecting: make(map[NodeID]struct{}),
	}
}

// start binds the listener and launches the accept loop.
func (t *transport) start() error {
	ln, err := net.Listen("tcp", t.cfg.localID.Addr())
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}

	t.mu.Lock()
	t.ln = ln
	t.started = true
	t.mu.Unlock()

	log.InfoS(t.ctx, "Transport listening",
		"node_id", t.cfg.localID.String(),
		"addr", ln.Addr().String())

	t.wg.Add(1)
	go t.acceptLoop(ln)

	return nil
}

// stop closes the listener and every link, then waits for all transport
// goroutines to exit.
func (t *transport) stop() {
	t.cancel()

	t.mu.Lock()
	if t.ln != nil {
		_ = t.ln.Close()
	}
	links := make([]*peerLink, 0, len(t.peers))
	for _, link := range t.peers {
		links = append(links, link)
	}
	t.peers = make(map[NodeID]*peerLink)
	t.started = false
	t.mu.Unlock()

	for _, link := range links {
		link.close()
	}

	t.wg.Wait()
}

// acceptLoop handles inbound connections until the listener closes.
func (t *transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}

			t.emitError(fmt.Errorf("accept: %w", err))

			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()

			peerID, err := t.acceptHandshake(conn)
			if err != nil {
				log.WarnS(t.ctx, "Inbound handshake failed",
					err, "remote",
					conn.RemoteAddr().String())
				_ = conn.Close()

				return
			}

			t.registerLink(peerID, conn, false)
		}()
	}
}

// connectTo dials a peer by its node id, performs the client side of the
// handshake, and registers the link. Connecting to an already-connected peer
// is a no-op.
func (t *transport) connectTo(ctx context.Context, peer NodeID) error {
	if peer == t.cfg.localID {
		return nil
	}
	if t.isConnectedTo(peer) {
		return nil
	}

	dialer := &net.Dialer{Timeout: handshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", peer.Addr())
	if err != nil {
		return fmt.Errorf("dial %s: %w", peer, err)
	}

	remoteID, err := t.dialHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	// The peer announces its own identity during the handshake; trust
	// that over the name we dialed, but require the address to match so
	// a misconfigured peer cannot squat another's slot.
	if remoteID.Addr() != peer.Addr() {
		_ = conn.Close()
		return fmt.Errorf("%w: dialed %s but peer identifies as %s",
			ErrHandshakeFailed, peer, remoteID)
	}

	t.registerLink(remoteID, conn, true)

	return nil
}

// registerLink installs an authenticated connection as the live link for a
// peer and spins up its reader and writer goroutines. When both sides dial
// each other at once, the duplicate is resolved deterministically on both
// ends: the connection dialed by the lexicographically smaller node id
// wins.
func (t *transport) registerLink(peer NodeID, conn net.Conn,
	outbound bool) {

	link := &peerLink{
		id:       peer,
		conn:     conn,
		outbound: outbound,
		sendCh:   make(chan []byte, 64),
		closed:   make(chan struct{}),
	}

	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		_ = conn.Close()

		return
	}
	if existing, dup := t.peers[peer]; dup {
		// Prefer our outbound dial iff our id is the smaller one;
		// the peer applies the mirrored rule.
		preferOutbound := t.cfg.localID.String() < peer.String()
		if outbound != preferOutbound ||
			existing.outbound == outbound {

			t.mu.Unlock()
			_ = conn.Close()

			log.DebugS(t.ctx, "Dropping duplicate link",
				"peer", peer.String())

			return
		}

		// The new link wins; retire the old one silently (its
		// read loop exits without an onLost, since the map no
		// longer points at it).
		t.peers[peer] = link
		t.mu.Unlock()

		existing.close()

		log.DebugS(t.ctx, "Replaced duplicate link",
			"peer", peer.String())
	} else {
		t.peers[peer] = link
		t.mu.Unlock()
	}

	log.InfoS(t.ctx, "Peer connected", "peer", peer.String())

	t.wg.Add(2)
	go t.writeLoop(link)
	go t.readLoop(link)

	if t.onEstablished != nil {
		t.onEstablished(peer)
	}
}

// dropLink removes the link for a peer and reports the loss upward, then
// kicks off the reconnect backoff loop.
func (t *transport) dropLink(link *peerLink, cause error) {
	t.mu.Lock()
	current, ok := t.peers[link.id]
	if !ok || current != link {
		t.mu.Unlock()
		return
	}
	delete(t.peers, link.id)
	t.mu.Unlock()

	link.close()

	log.InfoS(t.ctx, "Peer disconnected",
		"peer", link.id.String(), "err", cause)

	if t.onLost != nil {
		t.onLost(link.id, cause)
	}

	t.scheduleReconnect(link.id)
}

// scheduleReconnect starts a single exponential-backoff dial loop for the
// peer, bounded by the configured max delay, ending when the peer is
// reachable again or the transport stops.
func (t *transport) scheduleReconnect(peer NodeID) {
	t.mu.Lock()
	if _, active := t.reconnecting[peer]; active || !t.started {
		t.mu.Unlock()
		return
	}
	t.reconnecting[peer] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.reconnecting, peer)
			t.mu.Unlock()
		}()

		delay := t.cfg.reconnectBase
		for {
			select {
			case <-time.After(delay):
			case <-t.ctx.Done():
				return
			}

			if t.isConnectedTo(peer) {
				return
			}

			err := t.connectTo(t.ctx, peer)
			if err == nil {
				return
			}

			log.DebugS(t.ctx, "Reconnect attempt failed",
				"peer", peer.String(),
				"retry_in", delay.String(),
				"err", err)

			delay *= 2
			if delay > t.cfg.reconnectMax {
				delay = t.cfg.reconnectMax
			}
		}
	}()
}

// writeLoop drains the link's send channel onto the wire.
func (t *transport) writeLoop(link *peerLink) {
	defer t.wg.Done()

	for {
		select {
		case data := <-link.sendCh:
			err := writeFrame(link.conn, data, t.cfg.maxFrameSize)
			if err != nil {
				t.dropLink(link, err)
				return
			}

		case <-link.closed:
			return

		case <-t.ctx.Done():
			return
		}
	}
}

// readLoop decodes inbound frames and hands envelopes upward.
func (t *transport) readLoop(link *peerLink) {
	defer t.wg.Done()

	reader := bufio.NewReader(link.conn)
	for {
		data, err := readFrame(reader, t.cfg.maxFrameSize)
		if err != nil {
			t.dropLink(link, err)
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			t.emitError(err)
			continue
		}

		if t.onMessage != nil {
			t.onMessage(link.id, env)
		}
	}
}

// send queues an envelope for one peer.
func (t *transport) send(peer NodeID, env msgType, payload any) error {
	data, err := encodeEnvelope(env, payload)
	if err != nil {
		return err
	}
	if uint32(len(data)) > t.cfg.maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	t.mu.Lock()
	link, ok := t.peers[peer]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)
	}

	select {
	case link.sendCh <- data:
		return nil

	case <-link.closed:
		return fmt.Errorf("%w: %s", ErrNotConnected, peer)

	case <-t.ctx.Done():
		return ErrNotStarted
	}
}

// broadcast queues an envelope for every connected peer. Send failures on
// individual links are swallowed; the failure detector handles the rest.
func (t *transport) broadcast(env msgType, payload any) {
	for _, peer := range t.connectedPeers() {
		if err := t.send(peer, env, payload); err != nil {
			log.TraceS(t.ctx, "Broadcast send failed",
				"peer", peer.String(), "err", err)
		}
	}
}

// flush waits until every link's send queue has drained or the timeout
// elapses. Used before a planned shutdown so farewell messages reach the
// wire.
func (t *transport) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		pending := 0
		for _, link := range t.peers {
			pending += len(link.sendCh)
		}
		t.mu.Unlock()

		if pending == 0 {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// connectedPeers snapshots the peers with live links.
func (t *transport) connectedPeers() []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]NodeID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}

	return peers
}

// isConnectedTo reports whether a live link to the peer exists.
func (t *transport) isConnectedTo(peer NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.peers[peer]

	return ok
}

// emitError forwards an operational error upward when a sink is installed.
func (t *transport) emitError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

// newChallenge produces a random hex challenge for the handshake.
func newChallenge() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf[:]), nil
}

// proveChallenge computes the shared-secret proof over a challenge. With no
// secret configured the proof is empty.
func proveChallenge(secret, challenge string) string {
	if secret == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))

	return hex.EncodeToString(mac.Sum(nil))
}

// verifyProof checks a peer's proof in constant time.
func verifyProof(secret, challenge, proof string) bool {
	expected := proveChallenge(secret, challenge)

	return hmac.Equal([]byte(expected), []byte(proof))
}

// dialHandshake runs the client side of the handshake: hello out, welcome
// in (verifying the acceptor's proof), auth out. It returns the peer's
// announced identity.
func (t *transport) dialHandshake(conn net.Conn) (NodeID, error) {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	challenge, err := newChallenge()
	if err != nil {
		return NodeID{}, err
	}

	hello, err := encodeEnvelope(msgHello, helloMsg{
		NodeID:    t.cfg.localID.String(),
		Challenge: challenge,
	})
	if err != nil {
		return NodeID{}, err
	}
	if err := writeFrame(conn, hello, t.cfg.maxFrameSize); err != nil {
		return NodeID{}, err
	}

	reader := bufio.NewReader(conn)
	env, err := t.readHandshakeMsg(reader, msgWelcome)
	if err != nil {
		return NodeID{}, err
	}

	welcome, err := decodePayload[welcomeMsg](env)
	if err != nil {
		return NodeID{}, err
	}

	peerID, err := ParseNodeID(welcome.NodeID)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	if !verifyProof(t.cfg.secret, challenge, welcome.Proof) {
		return NodeID{}, fmt.Errorf("%w: bad acceptor proof",
			ErrHandshakeFailed)
	}

	auth, err := encodeEnvelope(msgAuth, authMsg{
		Proof: proveChallenge(t.cfg.secret, welcome.Challenge),
	})
	if err != nil {
		return NodeID{}, err
	}
	if err := writeFrame(conn, auth, t.cfg.maxFrameSize); err != nil {
		return NodeID{}, err
	}

	return peerID, nil
}

// acceptHandshake runs the server side: hello in, welcome out with proof,
// auth in (verified). It returns the dialer's announced identity.
func (t *transport) acceptHandshake(conn net.Conn) (NodeID, error) {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	reader := bufio.NewReader(conn)
	env, err := t.readHandshakeMsg(reader, msgHello)
	if err != nil {
		return NodeID{}, err
	}

	hello, err := decodePayload[helloMsg](env)
	if err != nil {
		return NodeID{}, err
	}

	peerID, err := ParseNodeID(hello.NodeID)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	challenge, err := newChallenge()
	if err != nil {
		return NodeID{}, err
	}

	welcome, err := encodeEnvelope(msgWelcome, welcomeMsg{
		NodeID:    t.cfg.localID.String(),
		Proof:     proveChallenge(t.cfg.secret, hello.Challenge),
		Challenge: challenge,
	})
	if err != nil {
		return NodeID{}, err
	}
	if err := writeFrame(conn, welcome, t.cfg.maxFrameSize); err != nil {
		return NodeID{}, err
	}

	env, err = t.readHandshakeMsg(reader, msgAuth)
	if err != nil {
		return NodeID{}, err
	}

	auth, err := decodePayload[authMsg](env)
	if err != nil {
		return NodeID{}, err
	}

	if !verifyProof(t.cfg.secret, challenge, auth.Proof) {
		return NodeID{}, fmt.Errorf("%w: bad dialer proof",
			ErrHandshakeFailed)
	}

	return peerID, nil
}

// readHandshakeMsg reads one frame and requires the expected message type.
func (t *transport) readHandshakeMsg(reader *bufio.Reader,
	want msgType) (wireEnvelope, error) {

	data, err := readFrame(reader, t.cfg.maxFrameSize)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %w",
			ErrHandshakeFailed, err)
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %w",
			ErrHandshakeFailed, err)
	}

	if env.Type != want {
		return wireEnvelope{}, fmt.Errorf("%w: expected %s, got %s",
			ErrHandshakeFailed, want, env.Type)
	}

	return env, nil
}
