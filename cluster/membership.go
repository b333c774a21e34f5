package cluster

import (
	"context"
	"sync"
	"time"
)

// NodeStatus is the membership view of a peer.
type NodeStatus string

const (
	// NodeConnected means heartbeats are arriving within the miss
	// threshold.
	NodeConnected NodeStatus = "connected"

	// NodeDisconnected means the peer was declared down and no new
	// episode has begun.
	NodeDisconnected NodeStatus = "disconnected"
)

// NodeInfo is a point-in-time view of one cluster node.
type NodeInfo struct {
	// ID identifies the node.
	ID NodeID

	// Status is the membership status.
	Status NodeStatus

	// LastHeartbeat is when the most recent heartbeat arrived. Zero for
	// the local node.
	LastHeartbeat time.Time

	// ProcessCount is the node's self-reported number of live servers,
	// used by the least-loaded placement selector.
	ProcessCount int
}

// handlerSet is a minimal typed callback registry used for membership event
// subscriptions.
type handlerSet[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(T)
}

func newHandlerSet[T any]() *handlerSet[T] {
	return &handlerSet[T]{subs: make(map[uint64]func(T))}
}

// subscribe registers a handler and returns an unsubscriber.
func (h *handlerSet[T]) subscribe(f func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	h.subs[id] = f

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.subs, id)
	}
}

// emit invokes every handler outside the lock.
func (h *handlerSet[T]) emit(v T) {
	h.mu.Lock()
	handlers := make([]func(T), 0, len(h.subs))
	for _, f := range h.subs {
		handlers = append(handlers, f)
	}
	h.mu.Unlock()

	for _, f := range handlers {
		f(v)
	}
}

// NodeDownEvent describes a peer's departure.
type NodeDownEvent struct {
	Node   NodeID
	Reason string
}

// peerState is the membership bookkeeping for one tracked peer.
type peerState struct {
	info  NodeInfo
	timer *time.Timer
}

// membership tracks peer nodes through heartbeats, detects failures via a
// per-peer miss timer, and propagates known peers through gossip. The local
// node is never tracked here.
type membership struct {
	localID   NodeID
	interval  time.Duration
	threshold int

	transport *transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[NodeID]*peerState

	upHandlers      *handlerSet[NodeInfo]
	downHandlers    *handlerSet[NodeDownEvent]
	updatedHandlers *handlerSet[NodeInfo]

	// processCount supplies the local server count for outgoing
	// heartbeats.
	processCount func() int

	// globalSnapshot and globalMerge piggyback the global registry on
	// heartbeat gossip.
	globalSnapshot func() []globalEntryWire
	globalMerge    func([]globalEntryWire)
}

// newMembership creates a membership tracker bound to the transport.
func newMembership(localID NodeID, interval time.Duration, threshold int,
	tr *transport) *membership {

	ctx, cancel := context.WithCancel(context.Background())

	return &membership{
		localID:         localID,
		interval:        interval,
		threshold:       threshold,
		transport:       tr,
		ctx:             ctx,
		cancel:          cancel,
		peers:           make(map[NodeID]*peerState),
		upHandlers:      newHandlerSet[NodeInfo](),
		downHandlers:    newHandlerSet[NodeDownEvent](),
		updatedHandlers: newHandlerSet[NodeInfo](),
		processCount:    func() int { return 0 },
		globalSnapshot:  func() []globalEntryWire { return nil },
		globalMerge:     func([]globalEntryWire) {},
	}
}

// start launches the heartbeat broadcast loop.
func (m *membership) start() {
	m.wg.Add(1)
	go m.heartbeatLoop()
}

// stop halts heartbeating and all failure timers.
func (m *membership) stop() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ps := range m.peers {
		if ps.timer != nil {
			ps.timer.Stop()
		}
	}
}

// heartbeatLoop broadcasts a heartbeat every interval. The first beat goes
// out immediately so fresh links learn about us without waiting a full
// period.
func (m *membership) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.broadcastHeartbeat()
	for {
		select {
		case <-ticker.C:
			m.broadcastHeartbeat()

		case <-m.ctx.Done():
			return
		}
	}
}

// heartbeatPayload assembles the local heartbeat with gossip.
func (m *membership) heartbeatPayload() heartbeatMsg {
	m.mu.Lock()
	known := make([]string, 0, len(m.peers))
	for id, ps := range m.peers {
		if ps.info.Status == NodeConnected {
			known = append(known, id.String())
		}
	}
	m.mu.Unlock()

	return heartbeatMsg{
		Node: nodeInfoWire{
			NodeID:       m.localID.String(),
			ProcessCount: m.processCount(),
		},
		KnownNodes:  known,
		GlobalNames: m.globalSnapshot(),
	}
}

// broadcastHeartbeat sends the heartbeat to every connected peer.
func (m *membership) broadcastHeartbeat() {
	m.transport.broadcast(msgHeartbeat, m.heartbeatPayload())
}

// greet sends an immediate heartbeat to one freshly connected peer so
// membership converges without waiting for the next tick.
func (m *membership) greet(peer NodeID) {
	if err := m.transport.send(
		peer, msgHeartbeat, m.heartbeatPayload(),
	); err != nil {
		log.TraceS(m.ctx, "Greeting heartbeat failed",
			"peer", peer.String(), "err", err)
	}
}

// onHeartbeat ingests a peer heartbeat: refreshes the failure timer, tracks
// unknown nodes, opens gossip-discovered connections, and merges the
// piggybacked global registry view.
func (m *membership) onHeartbeat(from NodeID, hb heartbeatMsg) {
	now := time.Now()

	m.mu.Lock()
	ps, known := m.peers[from]
	freshEpisode := !known || ps.info.Status == NodeDisconnected

	if !known {
		ps = &peerState{}
		m.peers[from] = ps
	}

	ps.info = NodeInfo{
		ID:            from,
		Status:        NodeConnected,
		LastHeartbeat: now,
		ProcessCount:  hb.Node.ProcessCount,
	}

	// Arm or refresh the failure timer for the full miss budget.
	missWindow := m.interval * time.Duration(m.threshold)
	if ps.timer == nil {
		ps.timer = time.AfterFunc(missWindow, func() {
			m.markDown(from, ReasonHeartbeatTimeout)
		})
	} else {
		ps.timer.Reset(missWindow)
	}

	info := ps.info
	m.mu.Unlock()

	if freshEpisode {
		log.InfoS(m.ctx, "Node up", "node", from.String())
		m.upHandlers.emit(info)
	} else {
		m.updatedHandlers.emit(info)
	}

	// Gossip: open connections to any node we have not met, swallowing
	// dial errors. The handshake-then-heartbeat path will take it from
	// there.
	for _, raw := range hb.KnownNodes {
		id, err := ParseNodeID(raw)
		if err != nil || id == m.localID {
			continue
		}

		if !m.transport.isConnectedTo(id) {
			go func(id NodeID) {
				if err := m.transport.connectTo(
					m.ctx, id,
				); err != nil {
					log.TraceS(m.ctx,
						"Gossip dial failed",
						"node", id.String(),
						"err", err)
				}
			}(id)
		}
	}

	m.globalMerge(hb.GlobalNames)
}

// markDown transitions a peer to disconnected exactly once per episode and
// emits the nodeDown event.
func (m *membership) markDown(node NodeID, reason string) {
	m.mu.Lock()
	ps, known := m.peers[node]
	if !known || ps.info.Status != NodeConnected {
		m.mu.Unlock()
		return
	}

	ps.info.Status = NodeDisconnected
	if ps.timer != nil {
		ps.timer.Stop()
	}
	m.mu.Unlock()

	log.InfoS(m.ctx, "Node down",
		"node", node.String(), "reason", reason)

	m.downHandlers.emit(NodeDownEvent{Node: node, Reason: reason})
}

// onNodeDown ingests an explicit node_down announcement.
func (m *membership) onNodeDown(msg nodeDownMsg) {
	node, err := ParseNodeID(msg.NodeID)
	if err != nil {
		return
	}

	m.markDown(node, msg.Reason)
}

// onConnectionLost reacts to the transport losing a link.
func (m *membership) onConnectionLost(node NodeID) {
	m.markDown(node, ReasonConnectionClosed)
}

// nodes snapshots the tracked peers.
func (m *membership) nodes() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]NodeInfo, 0, len(m.peers))
	for _, ps := range m.peers {
		infos = append(infos, ps.info)
	}

	return infos
}

// connected snapshots the peers currently believed up.
func (m *membership) connected() []NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]NodeID, 0, len(m.peers))
	for id, ps := range m.peers {
		if ps.info.Status == NodeConnected {
			ids = append(ids, id)
		}
	}

	return ids
}
