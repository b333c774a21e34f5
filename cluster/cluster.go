package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/roasbeef/gensys/genserver"
)

// RemoteHandle addresses a server anywhere in the cluster: the hosting node
// plus the server's id on that node. It serializes cleanly for registry
// metadata and wire payloads.
type RemoteHandle struct {
	ServerID string `json:"server_id"`
	Node     NodeID `json:"node_id"`
}

// DownEvent notifies a monitor that a watched server terminated.
type DownEvent struct {
	Handle RemoteHandle
	Reason string
	Err    error
}

// StatusChangeEvent reports a peer's membership transition.
type StatusChangeEvent struct {
	Node   NodeID
	Status NodeStatus
}

// watchKey identifies one monitored remote server.
type watchKey struct {
	node     NodeID
	serverID string
}

// spawnWait correlates an outstanding spawn_request.
type spawnWait struct {
	node NodeID
	ch   chan spawnReplyMsg
}

// Cluster is the distribution facade: it owns the transport, the membership
// view, the pending-call table, the behavior registry for remote
// instantiation, the global name registry, and the dynamic servers hosted on
// this node.
type Cluster struct {
	cfg     Config
	localID NodeID

	transport  *transport
	membership *membership
	pending    *pendingCalls
	behaviors  *BehaviorRegistry
	global     *GlobalRegistry
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Bool

	// mu guards servers and spawnWaits.
	mu         sync.Mutex
	servers    map[string]genserver.Ref[any, any]
	spawnWaits map[string]*spawnWait

	// watchMu guards watches (remote servers we monitor) and
	// localWatchers (peers monitoring our servers).
	watchMu       sync.Mutex
	watches       map[watchKey]*handlerSet[DownEvent]
	localWatchers map[string]map[NodeID]struct{}

	statusHandlers *handlerSet[StatusChangeEvent]

	downUnsub func()
}

// New validates the config and assembles an unstarted cluster node.
func New(cfg Config) (*Cluster, error) {
	cfg.applyDefaults()

	localID, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	tr := newTransport(transportConfig{
		localID:       localID,
		secret:        cfg.Secret,
		maxFrameSize:  cfg.MaxFrameSize,
		reconnectBase: cfg.ReconnectBaseDelay,
		reconnectMax:  cfg.ReconnectMaxDelay,
	})

	c := &Cluster{
		cfg:       cfg,
		localID:   localID,
		transport: tr,
		membership: newMembership(
			localID, cfg.HeartbeatInterval,
			cfg.HeartbeatMissThreshold, tr,
		),
		behaviors:      NewBehaviorRegistry(),
		global:         NewGlobalRegistry(),
		metrics:        newMetrics(localID.String()),
		ctx:            ctx,
		cancel:         cancel,
		servers:        make(map[string]genserver.Ref[any, any]),
		spawnWaits:     make(map[string]*spawnWait),
		watches:        make(map[watchKey]*handlerSet[DownEvent]),
		localWatchers:  make(map[string]map[NodeID]struct{}),
		statusHandlers: newHandlerSet[StatusChangeEvent](),
	}
	c.pending = newPendingCalls(c.metrics)

	// Membership piggybacks the local server count and the global name
	// view on its heartbeats.
	c.membership.processCount = c.localServerCount
	c.membership.globalSnapshot = c.global.snapshotWire
	c.membership.globalMerge = c.global.mergeWire

	// Wire the transport events upward before anything can connect.
	tr.onEstablished = c.onPeerEstablished
	tr.onLost = c.onPeerLost
	tr.onMessage = c.handleEnvelope
	tr.onError = func(err error) {
		log.WarnS(ctx, "Transport error", err,
			"node_id", localID.String())
	}

	return c, nil
}

// Start brings the node online: listener, heartbeating, failure detection,
// and seed dialing.
func (c *Cluster) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := c.transport.start(); err != nil {
		c.started.Store(false)
		return err
	}

	c.downUnsub = c.membership.downHandlers.subscribe(c.onNodeDown)
	c.membership.upHandlers.subscribe(func(info NodeInfo) {
		c.statusHandlers.emit(StatusChangeEvent{
			Node:   info.ID,
			Status: NodeConnected,
		})
	})

	c.membership.start()

	// Seeds are best-effort: an unreachable seed is handed straight to
	// the reconnect backoff loop.
	for _, seed := range c.cfg.Seeds {
		seedID, err := ParseNodeID(seed)
		if err != nil {
			continue
		}

		if err := c.transport.connectTo(ctx, seedID); err != nil {
			log.WarnS(ctx, "Seed dial failed", err,
				"seed", seedID.String())
			c.transport.scheduleReconnect(seedID)
		}
	}

	log.InfoS(ctx, "Cluster node started",
		"node_id", c.localID.String(),
		"num_seeds", len(c.cfg.Seeds))

	return nil
}

// Stop takes the node offline: peers get a graceful node_down, heartbeating
// halts, links close, and every locally hosted server is stopped.
func (c *Cluster) Stop(ctx context.Context) error {
	if !c.started.CompareAndSwap(true, false) {
		return nil
	}

	c.transport.broadcast(msgNodeDown, nodeDownMsg{
		NodeID:     c.localID.String(),
		DetectedAt: time.Now().UTC(),
		Reason:     ReasonGracefulShutdown,
	})
	c.transport.flush(500 * time.Millisecond)

	c.membership.stop()
	if c.downUnsub != nil {
		c.downUnsub()
	}
	c.transport.stop()

	c.mu.Lock()
	servers := make([]genserver.Ref[any, any], 0, len(c.servers))
	for _, ref := range c.servers {
		servers = append(servers, ref)
	}
	c.servers = make(map[string]genserver.Ref[any, any])
	c.mu.Unlock()

	for _, ref := range servers {
		if err := ref.Stop(
			ctx, genserver.ReasonShutdown,
		); err != nil {
			ref.ForceTerminate(genserver.ReasonKilled)
		}
	}

	c.cancel()

	log.InfoS(ctx, "Cluster node stopped",
		"node_id", c.localID.String())

	return nil
}

// Kill takes the node offline abruptly: no graceful node_down broadcast, no
// draining of hosted servers. Peers find out through their failure
// detectors. Intended for crash simulation and last-resort teardown.
func (c *Cluster) Kill() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}

	c.membership.stop()
	c.transport.stop()

	c.mu.Lock()
	servers := make([]genserver.Ref[any, any], 0, len(c.servers))
	for _, ref := range c.servers {
		servers = append(servers, ref)
	}
	c.servers = make(map[string]genserver.Ref[any, any])
	c.mu.Unlock()

	for _, ref := range servers {
		ref.ForceTerminate(genserver.ReasonKilled)
	}

	c.cancel()
}

// LocalNode returns this node's own info.
func (c *Cluster) LocalNode() NodeInfo {
	return NodeInfo{
		ID:           c.localID,
		Status:       NodeConnected,
		ProcessCount: c.localServerCount(),
	}
}

// Nodes returns the membership view of all tracked peers.
func (c *Cluster) Nodes() []NodeInfo {
	return c.membership.nodes()
}

// ConnectedPeers returns the peers currently believed up.
func (c *Cluster) ConnectedPeers() []NodeID {
	return c.membership.connected()
}

// CandidateNodes returns the placement universe: the local node plus every
// connected peer.
func (c *Cluster) CandidateNodes() []NodeInfo {
	candidates := []NodeInfo{c.LocalNode()}
	for _, info := range c.membership.nodes() {
		if info.Status == NodeConnected {
			candidates = append(candidates, info)
		}
	}

	return candidates
}

// IsConnectedTo reports whether a live link to the peer exists.
func (c *Cluster) IsConnectedTo(peer NodeID) bool {
	return c.transport.isConnectedTo(peer)
}

// ConnectTo dials a peer by node id.
func (c *Cluster) ConnectTo(ctx context.Context, peer NodeID) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	return c.transport.connectTo(ctx, peer)
}

// Behaviors returns the node's behavior registry.
func (c *Cluster) Behaviors() *BehaviorRegistry {
	return c.behaviors
}

// GlobalNames returns the node's view of the cluster-wide name registry.
func (c *Cluster) GlobalNames() *GlobalRegistry {
	return c.global
}

// Metrics returns the node's metric set.
func (c *Cluster) Metrics() *Metrics {
	return c.metrics
}

// OnNodeUp subscribes to peers entering the connected state.
func (c *Cluster) OnNodeUp(f func(NodeInfo)) func() {
	return c.membership.upHandlers.subscribe(f)
}

// OnNodeDown subscribes to peers being declared down.
func (c *Cluster) OnNodeDown(f func(NodeDownEvent)) func() {
	return c.membership.downHandlers.subscribe(f)
}

// OnNodeUpdated subscribes to heartbeat refreshes of known-up peers.
func (c *Cluster) OnNodeUpdated(f func(NodeInfo)) func() {
	return c.membership.updatedHandlers.subscribe(f)
}

// OnStatusChange subscribes to peer status transitions in both directions.
func (c *Cluster) OnStatusChange(f func(StatusChangeEvent)) func() {
	return c.statusHandlers.subscribe(f)
}

// localServerCount reports the number of dynamic servers hosted here.
func (c *Cluster) localServerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.servers)
}

// LocalServer returns the ref for a locally hosted dynamic server.
func (c *Cluster) LocalServer(serverID string) (genserver.Ref[any, any],
	bool) {

	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.servers[serverID]

	return ref, ok
}

// onPeerEstablished greets new links so membership converges quickly.
func (c *Cluster) onPeerEstablished(peer NodeID) {
	c.membership.greet(peer)
	c.metrics.setConnectedPeers(len(c.transport.connectedPeers()))
}

// onPeerLost informs the failure detector about a dropped link.
func (c *Cluster) onPeerLost(peer NodeID, _ error) {
	c.membership.onConnectionLost(peer)
	c.metrics.setConnectedPeers(len(c.transport.connectedPeers()))
}

// onNodeDown sweeps all state referring to a lost node in one pass: pending
// calls, outstanding spawns, global names, and remote monitors.
func (c *Cluster) onNodeDown(event NodeDownEvent) {
	c.pending.failNode(event.Node, event.Reason)

	removed := c.global.RemoveNode(event.Node)
	if len(removed) > 0 {
		log.DebugS(c.ctx, "Purged global names for lost node",
			"node", event.Node.String(),
			"num_names", len(removed))
	}

	// Outstanding spawn requests to the lost node fail immediately.
	c.mu.Lock()
	for id, wait := range c.spawnWaits {
		if wait.node == event.Node {
			delete(c.spawnWaits, id)
			wait.ch <- spawnReplyMsg{
				RequestID: id,
				Err:       event.Reason,
				ErrKind:   errKindNotRunning,
			}
		}
	}
	c.mu.Unlock()

	// Every monitor on a server of the lost node fires.
	c.watchMu.Lock()
	var fired []func()
	for key, handlers := range c.watches {
		if key.node != event.Node {
			continue
		}

		key := key
		handlers := handlers
		fired = append(fired, func() {
			handlers.emit(DownEvent{
				Handle: RemoteHandle{
					ServerID: key.serverID,
					Node:     key.node,
				},
				Reason: event.Reason,
				Err: &NodeLostError{
					Node:   key.node,
					Reason: event.Reason,
				},
			})
		})
		delete(c.watches, key)
	}
	c.watchMu.Unlock()

	for _, f := range fired {
		f()
	}

	c.statusHandlers.emit(StatusChangeEvent{
		Node:   event.Node,
		Status: NodeDisconnected,
	})
}

// handleEnvelope dispatches one inbound wire envelope.
func (c *Cluster) handleEnvelope(from NodeID, env wireEnvelope) {
	switch env.Type {
	case msgHeartbeat:
		hb, err := decodePayload[heartbeatMsg](env)
		if err == nil {
			c.membership.onHeartbeat(from, hb)
		}

	case msgNodeDown:
		msg, err := decodePayload[nodeDownMsg](env)
		if err == nil {
			c.membership.onNodeDown(msg)
		}

	case msgCallRequest:
		msg, err := decodePayload[callRequestMsg](env)
		if err == nil {
			go c.serveCall(from, msg)
		}

	case msgCallReply:
		msg, err := decodePayload[callReplyMsg](env)
		if err == nil {
			c.settleReply(msg)
		}

	case msgCast:
		msg, err := decodePayload[castMsg](env)
		if err == nil {
			c.serveCast(msg)
		}

	case msgSpawnRequest:
		msg, err := decodePayload[spawnRequestMsg](env)
		if err == nil {
			go c.serveSpawn(from, msg)
		}

	case msgSpawnReply:
		msg, err := decodePayload[spawnReplyMsg](env)
		if err == nil {
			c.settleSpawn(msg)
		}

	case msgStopServer:
		msg, err := decodePayload[stopServerMsg](env)
		if err == nil {
			go c.serveStop(msg)
		}

	case msgMonitorRequest:
		msg, err := decodePayload[monitorRequestMsg](env)
		if err == nil {
			c.addLocalWatcher(from, msg.ServerID)
		}

	case msgDown:
		msg, err := decodePayload[downMsg](env)
		if err == nil {
			c.dispatchDown(from, msg)
		}

	default:
		log.TraceS(c.ctx, "Ignoring unknown envelope type",
			"type", string(env.Type), "from", from.String())
	}
}

// serveCall runs an inbound call against a local server and replies.
func (c *Cluster) serveCall(from NodeID, req callRequestMsg) {
	reply := callReplyMsg{CallID: req.CallID}

	ref, ok := c.LocalServer(req.ServerID)
	if !ok || !ref.IsRunning() {
		reply.Err = "server not running"
		reply.ErrKind = errKindNotRunning
		c.sendReply(from, reply)

		return
	}

	var msg any
	if err := json.Unmarshal(req.Msg, &msg); err != nil {
		reply.Err = fmt.Sprintf("bad call payload: %v", err)
		reply.ErrKind = errKindHandler
		c.sendReply(from, reply)

		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = c.cfg.RemoteCallTimeout
	}

	result, err := ref.CallTimeout(c.ctx, msg, timeout)
	if err != nil {
		reply.Err = err.Error()
		reply.ErrKind = errKindHandler
		if !ref.IsRunning() {
			reply.ErrKind = errKindNotRunning
		}
		c.sendReply(from, reply)

		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		reply.Err = fmt.Sprintf("marshal reply: %v", err)
		reply.ErrKind = errKindHandler
		c.sendReply(from, reply)

		return
	}

	reply.OK = payload
	c.sendReply(from, reply)
}

// sendReply delivers a call reply, logging delivery failures.
func (c *Cluster) sendReply(to NodeID, reply callReplyMsg) {
	if err := c.transport.send(to, msgCallReply, reply); err != nil {
		log.DebugS(c.ctx, "Dropping undeliverable call reply",
			"to", to.String(), "call_id", reply.CallID,
			"err", err)
	}
}

// settleReply resolves or rejects the pending call for a reply envelope.
func (c *Cluster) settleReply(reply callReplyMsg) {
	if reply.Err == "" {
		c.pending.resolve(reply.CallID, reply.OK)
		return
	}

	var err error
	switch reply.ErrKind {
	case errKindNotRunning:
		err = fmt.Errorf("%w: %s", ErrRemoteServerNotRunning,
			reply.Err)
	default:
		err = fmt.Errorf("remote handler: %s", reply.Err)
	}

	c.pending.reject(reply.CallID, err)
}

// serveCast delivers an inbound cast to a local server; unknown targets are
// dropped silently, matching local cast semantics.
func (c *Cluster) serveCast(msg castMsg) {
	ref, ok := c.LocalServer(msg.ServerID)
	if !ok {
		return
	}

	var payload any
	if err := json.Unmarshal(msg.Msg, &payload); err != nil {
		return
	}

	ref.Cast(c.ctx, payload)
}

// RemoteCall invokes a server anywhere in the cluster and blocks for the
// reply. Local targets short-circuit without touching the wire. The timeout
// releases the caller only; the remote handler is never cancelled.
func (c *Cluster) RemoteCall(ctx context.Context, h RemoteHandle, msg any,
	timeout time.Duration) (any, error) {

	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	if timeout <= 0 {
		timeout = c.cfg.RemoteCallTimeout
	}

	if h.Node == c.localID {
		ref, ok := c.LocalServer(h.ServerID)
		if !ok {
			return nil, ErrRemoteServerNotRunning
		}

		reply, err := ref.CallTimeout(ctx, msg, timeout)
		if err != nil {
			switch {
			case errors.Is(err, genserver.ErrNotRunning):
				return nil, fmt.Errorf("%w: %s",
					ErrRemoteServerNotRunning,
					h.ServerID)

			case errors.Is(err, genserver.ErrCallTimeout):
				return nil, ErrRemoteCallTimeout
			}

			return nil, err
		}

		return reply, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal call msg: %w", err)
	}

	callID := uuid.New().String()
	future := c.pending.register(callID, h.Node, timeout)

	err = c.transport.send(h.Node, msgCallRequest, callRequestMsg{
		CallID:    callID,
		ServerID:  h.ServerID,
		Msg:       payload,
		TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		c.pending.reject(callID, err)
	}

	raw, err := future.Await(ctx).Unpack()
	if err != nil {
		return nil, err
	}

	var reply any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
	}

	return reply, nil
}

// RemoteCast sends a fire-and-forget message to a server anywhere in the
// cluster.
func (c *Cluster) RemoteCast(ctx context.Context, h RemoteHandle,
	msg any) error {

	if !c.started.Load() {
		return ErrNotStarted
	}

	if h.Node == c.localID {
		ref, ok := c.LocalServer(h.ServerID)
		if ok {
			ref.Cast(ctx, msg)
		}

		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal cast msg: %w", err)
	}

	return c.transport.send(h.Node, msgCast, castMsg{
		ServerID: h.ServerID,
		Msg:      payload,
	})
}

// SpawnLocal instantiates a registered behavior on this node.
func (c *Cluster) SpawnLocal(name string, args ...any) (RemoteHandle, error) {
	factory, ok := c.behaviors.Get(name)
	if !ok {
		return RemoteHandle{}, fmt.Errorf("%w: %q",
			ErrUnknownBehavior, name)
	}

	ref, err := genserver.Start[any, any, any](
		c.ctx, &dynAdapter{behavior: factory(args...)},
	)
	if err != nil {
		return RemoteHandle{}, err
	}

	c.mu.Lock()
	c.servers[ref.ID()] = ref
	count := len(c.servers)
	c.mu.Unlock()

	c.metrics.setLocalServers(count)

	// Track the server's demise: remove it from the table and notify
	// remote watchers.
	ref.OnLifecycleEvent(func(event genserver.Event) {
		if !event.Terminal {
			return
		}

		c.mu.Lock()
		delete(c.servers, ref.ID())
		remaining := len(c.servers)
		c.mu.Unlock()

		c.metrics.setLocalServers(remaining)
		c.notifyLocalWatchers(ref.ID(), event)
	})

	log.DebugS(c.ctx, "Spawned local behavior",
		"behavior", name, "server_id", ref.ID())

	return RemoteHandle{ServerID: ref.ID(), Node: c.localID}, nil
}

// SpawnOn instantiates a registered behavior on the given node, remotely
// when the target is a peer.
func (c *Cluster) SpawnOn(ctx context.Context, node NodeID, name string,
	args ...any) (RemoteHandle, error) {

	if !c.started.Load() {
		return RemoteHandle{}, ErrNotStarted
	}

	if node == c.localID {
		return c.SpawnLocal(name, args...)
	}

	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return RemoteHandle{}, fmt.Errorf(
				"marshal spawn arg: %w", err)
		}
		rawArgs = append(rawArgs, raw)
	}

	requestID := uuid.New().String()
	wait := &spawnWait{node: node, ch: make(chan spawnReplyMsg, 1)}

	c.mu.Lock()
	c.spawnWaits[requestID] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.spawnWaits, requestID)
		c.mu.Unlock()
	}()

	err := c.transport.send(node, msgSpawnRequest, spawnRequestMsg{
		RequestID:    requestID,
		BehaviorName: name,
		Args:         rawArgs,
	})
	if err != nil {
		return RemoteHandle{}, err
	}

	select {
	case reply := <-wait.ch:
		if reply.Err != "" {
			if reply.ErrKind == errKindUnknown {
				return RemoteHandle{}, fmt.Errorf("%w: %q "+
					"on %s", ErrUnknownBehavior, name,
					node)
			}

			return RemoteHandle{}, fmt.Errorf("%w: %s",
				ErrSpawnFailed, reply.Err)
		}

		return RemoteHandle{
			ServerID: reply.ServerID,
			Node:     node,
		}, nil

	case <-time.After(DefaultSpawnTimeout):
		return RemoteHandle{}, fmt.Errorf("%w: spawn %q on %s",
			ErrRemoteCallTimeout, name, node)

	case <-ctx.Done():
		return RemoteHandle{}, ctx.Err()
	}
}

// serveSpawn handles an inbound spawn_request.
func (c *Cluster) serveSpawn(from NodeID, req spawnRequestMsg) {
	reply := spawnReplyMsg{RequestID: req.RequestID}

	args := make([]any, 0, len(req.Args))
	for _, raw := range req.Args {
		var arg any
		if err := json.Unmarshal(raw, &arg); err != nil {
			reply.Err = fmt.Sprintf("bad spawn arg: %v", err)
			reply.ErrKind = errKindHandler
			c.sendSpawnReply(from, reply)

			return
		}
		args = append(args, arg)
	}

	handle, err := c.SpawnLocal(req.BehaviorName, args...)
	if err != nil {
		reply.Err = err.Error()
		reply.ErrKind = errKindHandler
		if errors.Is(err, ErrUnknownBehavior) {
			reply.ErrKind = errKindUnknown
		}
		c.sendSpawnReply(from, reply)

		return
	}

	reply.ServerID = handle.ServerID
	c.sendSpawnReply(from, reply)
}

// sendSpawnReply delivers a spawn reply, logging delivery failures.
func (c *Cluster) sendSpawnReply(to NodeID, reply spawnReplyMsg) {
	if err := c.transport.send(to, msgSpawnReply, reply); err != nil {
		log.DebugS(c.ctx, "Dropping undeliverable spawn reply",
			"to", to.String(), "request_id", reply.RequestID,
			"err", err)
	}
}

// settleSpawn routes a spawn reply to its waiter.
func (c *Cluster) settleSpawn(reply spawnReplyMsg) {
	c.mu.Lock()
	wait, ok := c.spawnWaits[reply.RequestID]
	if ok {
		delete(c.spawnWaits, reply.RequestID)
	}
	c.mu.Unlock()

	if ok {
		wait.ch <- reply
	}
}

// serveStop handles an inbound stop_server request against a local server.
func (c *Cluster) serveStop(msg stopServerMsg) {
	ref, ok := c.LocalServer(msg.ServerID)
	if !ok {
		return
	}

	reason := genserver.StopReason(msg.Reason)
	if reason == "" {
		reason = genserver.ReasonShutdown
	}

	stopCtx, cancel := context.WithTimeout(
		c.ctx, genserver.DefaultShutdownTimeout,
	)
	defer cancel()

	if err := ref.Stop(stopCtx, reason); err != nil {
		ref.ForceTerminate(genserver.ReasonKilled)
	}
}

// StopRemote asks the hosting node to stop a server anywhere in the
// cluster; local targets stop directly.
func (c *Cluster) StopRemote(ctx context.Context, h RemoteHandle,
	reason genserver.StopReason) error {

	if h.Node == c.localID {
		return c.StopServer(ctx, h.ServerID, reason)
	}

	return c.transport.send(h.Node, msgStopServer, stopServerMsg{
		ServerID: h.ServerID,
		Reason:   string(reason),
	})
}

// StopServer gracefully stops a locally hosted dynamic server.
func (c *Cluster) StopServer(ctx context.Context, serverID string,
	reason genserver.StopReason) error {

	ref, ok := c.LocalServer(serverID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRemoteServerNotRunning,
			serverID)
	}

	return ref.Stop(ctx, reason)
}

// Monitor watches a server anywhere in the cluster. Local servers are
// watched through their lifecycle events; remote ones through a
// monitor_request to the hosting node plus the membership failure detector.
// The returned unsubscriber stops the watch.
func (c *Cluster) Monitor(h RemoteHandle, f func(DownEvent)) func() {
	if h.Node == c.localID {
		ref, ok := c.LocalServer(h.ServerID)
		if !ok {
			f(DownEvent{
				Handle: h,
				Reason: string(genserver.ReasonKilled),
				Err:    ErrRemoteServerNotRunning,
			})

			return func() {}
		}

		return ref.OnLifecycleEvent(func(ev genserver.Event) {
			if !ev.Terminal {
				return
			}

			f(DownEvent{
				Handle: h,
				Reason: string(ev.Reason),
				Err:    ev.Err,
			})
		})
	}

	key := watchKey{node: h.Node, serverID: h.ServerID}

	c.watchMu.Lock()
	handlers, ok := c.watches[key]
	if !ok {
		handlers = newHandlerSet[DownEvent]()
		c.watches[key] = handlers
	}
	unsub := handlers.subscribe(f)
	c.watchMu.Unlock()

	if !ok {
		err := c.transport.send(h.Node, msgMonitorRequest,
			monitorRequestMsg{ServerID: h.ServerID})
		if err != nil {
			log.DebugS(c.ctx, "Monitor request not delivered",
				"node", h.Node.String(),
				"server_id", h.ServerID, "err", err)
		}
	}

	return unsub
}

// addLocalWatcher records that a peer monitors one of our servers. A watch
// on a server that is already gone is answered with an immediate down.
func (c *Cluster) addLocalWatcher(from NodeID, serverID string) {
	if _, ok := c.LocalServer(serverID); !ok {
		err := c.transport.send(from, msgDown, downMsg{
			ServerID: serverID,
			Reason:   string(genserver.ReasonKilled),
			Err:      "server not running",
		})
		if err != nil {
			log.TraceS(c.ctx, "Down notice not delivered",
				"to", from.String(), "err", err)
		}

		return
	}

	c.watchMu.Lock()
	watchers, ok := c.localWatchers[serverID]
	if !ok {
		watchers = make(map[NodeID]struct{})
		c.localWatchers[serverID] = watchers
	}
	watchers[from] = struct{}{}
	c.watchMu.Unlock()
}

// notifyLocalWatchers pushes down notifications to every peer monitoring a
// server that just terminated.
func (c *Cluster) notifyLocalWatchers(serverID string,
	event genserver.Event) {

	c.watchMu.Lock()
	watchers := c.localWatchers[serverID]
	delete(c.localWatchers, serverID)
	c.watchMu.Unlock()

	if len(watchers) == 0 {
		return
	}

	msg := downMsg{
		ServerID: serverID,
		Reason:   string(event.Reason),
	}
	if event.Err != nil {
		msg.Err = event.Err.Error()
	}

	for peer := range watchers {
		if err := c.transport.send(peer, msgDown, msg); err != nil {
			log.TraceS(c.ctx, "Down notice not delivered",
				"to", peer.String(), "err", err)
		}
	}
}

// dispatchDown fires local monitors for a down notification from the
// hosting node.
func (c *Cluster) dispatchDown(from NodeID, msg downMsg) {
	key := watchKey{node: from, serverID: msg.ServerID}

	c.watchMu.Lock()
	handlers, ok := c.watches[key]
	delete(c.watches, key)
	c.watchMu.Unlock()

	if !ok {
		return
	}

	var err error
	if msg.Err != "" {
		err = fmt.Errorf("remote server down: %s", msg.Err)
	}

	handlers.emit(DownEvent{
		Handle: RemoteHandle{ServerID: msg.ServerID, Node: from},
		Reason: msg.Reason,
		Err:    err,
	})
}
