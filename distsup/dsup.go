package distsup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gensys/cluster"
	"github.com/roasbeef/gensys/genserver"
	"github.com/roasbeef/gensys/supervisor"
)

// keySeparator joins the segments of a global registry key; supervisor ids
// must not contain it.
const keySeparator = ":"

// keyPrefix tags every registration owned by a distributed supervisor.
const keyPrefix = "dsup"

// ChildSpec declares one cluster-placed child.
type ChildSpec struct {
	// ID uniquely identifies the child within this supervisor.
	ID string

	// BehaviorName is resolved through the target node's behavior
	// registry; it must be registered on every node that may host the
	// child.
	BehaviorName string

	// Args are passed through to the behavior factory at every spawn.
	Args []any

	// Restart is the per-child restart policy.
	Restart supervisor.Restart

	// Selector overrides the supervisor's default placement strategy.
	Selector NodeSelector
}

// Config declares a distributed supervisor.
type Config struct {
	// ID names the supervisor; it must not contain the key separator
	// character. Autogenerated when empty.
	ID string

	// Cluster is the distribution layer the supervisor coordinates
	// through.
	Cluster *cluster.Cluster

	// Children are started in declaration order.
	Children []ChildSpec

	// DefaultSelector places children whose spec has no selector.
	// Defaults to LocalFirst.
	DefaultSelector NodeSelector

	// MaxRestarts is the intensity budget shared across restarts and
	// failovers.
	MaxRestarts fn.Option[int]

	// Within is the intensity window width.
	Within fn.Option[time.Duration]
}

// MigrationEvent reports a child moving to a new node after failover or a
// cross-node respawn.
type MigrationEvent struct {
	ChildID string
	From    cluster.NodeID
	To      cluster.NodeID
}

// ChildInfo is a snapshot of one distributed child.
type ChildInfo struct {
	ID           string
	Handle       cluster.RemoteHandle
	Restart      supervisor.Restart
	RestartCount int
}

// childMeta is the JSON metadata stored with every registration, carrying
// the ownership proof the claim protocol checks.
type childMeta struct {
	ServerID     string    `json:"server_id"`
	SupervisorID string    `json:"supervisor_id"`
	ChildID      string    `json:"child_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// childState is the supervisor's bookkeeping for one child.
type childState struct {
	spec         ChildSpec
	handle       cluster.RemoteHandle
	restartCount int
	unwatch      func()
}

// downNotice funnels monitor notifications into the run loop.
type downNotice struct {
	childID  string
	serverID string
	event    cluster.DownEvent
}

// migrationHandlers is a minimal subscriber registry for migration events.
type migrationHandlers struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(MigrationEvent)
}

func (h *migrationHandlers) subscribe(f func(MigrationEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[uint64]func(MigrationEvent))
	}
	id := h.next
	h.next++
	h.subs[id] = f

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.subs, id)
	}
}

func (h *migrationHandlers) emit(event MigrationEvent) {
	h.mu.Lock()
	handlers := make([]func(MigrationEvent), 0, len(h.subs))
	for _, f := range h.subs {
		handlers = append(handlers, f)
	}
	h.mu.Unlock()

	for _, f := range handlers {
		f(event)
	}
}

// DistributedSupervisor supervises behavior-registry children placed across
// the cluster. It owns exactly one global registry key per child; failover
// after a node loss re-acquires that key through the claim protocol before
// respawning, so at any instant at most one supervisor holds a child.
type DistributedSupervisor struct {
	id  string
	cfg Config

	cluster *cluster.Cluster
	window  *supervisor.IntensityWindow
	events  *genserver.EventBus

	migrations migrationHandlers

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards children and order.
	mu       sync.Mutex
	children map[string]*childState
	order    []string

	status atomic.Int32

	failMu     sync.Mutex
	failure    error
	stopReason genserver.StopReason

	downCh chan downNotice

	termOnce sync.Once
	done     chan struct{}
}

// New validates the config and creates an unstarted distributed supervisor.
func New(cfg Config) (*DistributedSupervisor, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("%w: nil cluster",
			supervisor.ErrBadSpec)
	}
	if strings.Contains(cfg.ID, keySeparator) {
		return nil, fmt.Errorf("%w: supervisor id %q contains %q",
			supervisor.ErrBadSpec, cfg.ID, keySeparator)
	}

	seen := make(map[string]struct{}, len(cfg.Children))
	for _, spec := range cfg.Children {
		if spec.ID == "" || spec.BehaviorName == "" {
			return nil, fmt.Errorf("%w: child spec needs an id "+
				"and a behavior name", supervisor.ErrBadSpec)
		}
		if strings.Contains(spec.ID, keySeparator) {
			return nil, fmt.Errorf("%w: child id %q contains %q",
				supervisor.ErrBadSpec, spec.ID, keySeparator)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("%w: %q",
				supervisor.ErrDuplicateChild, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}

	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	if cfg.DefaultSelector == nil {
		cfg.DefaultSelector = LocalFirst(cfg.Cluster.LocalNode().ID)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &DistributedSupervisor{
		id:      id,
		cfg:     cfg,
		cluster: cfg.Cluster,
		window: supervisor.NewIntensityWindow(
			cfg.MaxRestarts.UnwrapOr(supervisor.DefaultMaxRestarts),
			cfg.Within.UnwrapOr(supervisor.DefaultWithin),
		),
		events:   genserver.NewEventBus(),
		ctx:      ctx,
		cancel:   cancel,
		children: make(map[string]*childState),
		downCh:   make(chan downNotice, 128),
		done:     make(chan struct{}),
	}
	d.status.Store(int32(genserver.StatusInitializing))

	return d, nil
}

// keyFor builds the global registry key for a child.
func (d *DistributedSupervisor) keyFor(childID string) string {
	return keyPrefix + keySeparator + d.id + keySeparator + childID
}

// Start places and spawns every declared child in order, then launches the
// supervision loop. A placement or spawn failure unwinds the children
// already started and Start fails.
func (d *DistributedSupervisor) Start(ctx context.Context) error {
	if genserver.Status(d.status.Load()) !=
		genserver.StatusInitializing {

		return supervisor.ErrNotRunning
	}

	log.InfoS(ctx, "Starting distributed supervisor",
		"supervisor_id", d.id,
		"num_children", len(d.cfg.Children))

	for _, spec := range d.cfg.Children {
		cs := &childState{spec: spec}

		if err := d.placeChild(ctx, cs, nil, false); err != nil {
			d.mu.Lock()
			started := d.snapshotReverseLocked()
			d.children = make(map[string]*childState)
			d.order = nil
			d.mu.Unlock()

			for _, prev := range started {
				d.teardownChild(prev)
			}

			d.cancel()
			d.status.Store(int32(genserver.StatusStopped))
			close(d.done)

			return fmt.Errorf("%w: %q: %w",
				supervisor.ErrChildStart, spec.ID, err)
		}

		d.mu.Lock()
		d.children[spec.ID] = cs
		d.order = append(d.order, spec.ID)
		d.mu.Unlock()
	}

	d.status.Store(int32(genserver.StatusRunning))
	d.events.Emit(genserver.Event{
		Type: genserver.EventStarted,
		ID:   d.id,
	})

	go d.run()

	return nil
}

// placeChild selects a node (excluding any in exclude), spawns the behavior
// there, registers the child in the global registry, and installs
// monitoring. During failover a spec selector that cannot produce a node
// (e.g. pinned to the lost one) falls back to the supervisor's default
// selector so the child can land on a survivor.
func (d *DistributedSupervisor) placeChild(ctx context.Context,
	cs *childState, exclude map[cluster.NodeID]struct{},
	failover bool) error {

	candidates := make([]cluster.NodeInfo, 0)
	for _, info := range d.cluster.CandidateNodes() {
		if _, skip := exclude[info.ID]; skip {
			continue
		}
		candidates = append(candidates, info)
	}

	selector := cs.spec.Selector
	if selector == nil {
		selector = d.cfg.DefaultSelector
	}

	node, err := selector(candidates, cs.spec.ID)
	if err != nil && failover {
		node, err = d.cfg.DefaultSelector(candidates, cs.spec.ID)
	}
	if err != nil {
		return err
	}

	handle, err := d.cluster.SpawnOn(
		ctx, node, cs.spec.BehaviorName, cs.spec.Args...,
	)
	if err != nil {
		return err
	}

	meta, err := json.Marshal(childMeta{
		ServerID:     handle.ServerID,
		SupervisorID: d.id,
		ChildID:      cs.spec.ID,
		RegisteredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	err = d.cluster.GlobalNames().Register(cluster.GlobalEntry{
		Name:     d.keyFor(cs.spec.ID),
		Node:     node,
		ServerID: handle.ServerID,
		Meta:     meta,
	})
	if err != nil {
		// Another supervisor owns the slot; do not leave the fresh
		// server orphaned.
		_ = d.cluster.StopRemote(
			ctx, handle, genserver.ReasonShutdown,
		)

		return err
	}

	cs.handle = handle
	d.installMonitor(cs)

	log.InfoS(ctx, "Placed child",
		"supervisor_id", d.id,
		"child_id", cs.spec.ID,
		"node", node.String(),
		"server_id", handle.ServerID)

	return nil
}

// installMonitor watches the child's current incarnation and funnels its
// termination into the run loop.
func (d *DistributedSupervisor) installMonitor(cs *childState) {
	handle := cs.handle
	childID := cs.spec.ID

	cs.unwatch = d.cluster.Monitor(handle, func(ev cluster.DownEvent) {
		select {
		case d.downCh <- downNotice{
			childID:  childID,
			serverID: handle.ServerID,
			event:    ev,
		}:

		case <-d.ctx.Done():
		}
	})
}

// run serializes down-notification handling.
func (d *DistributedSupervisor) run() {
	for {
		select {
		case notice := <-d.downCh:
			d.handleDown(notice)

		case <-d.ctx.Done():
			return
		}
	}
}

// handleDown reacts to one child incarnation terminating: restart policy,
// intensity accounting, the claim protocol for node losses, and respawn
// through the selector.
func (d *DistributedSupervisor) handleDown(notice downNotice) {
	d.mu.Lock()
	cs, tracked := d.children[notice.childID]
	if !tracked || cs.handle.ServerID != notice.serverID {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	var nodeLost *cluster.NodeLostError
	nodeLoss := errors.As(notice.event.Err, &nodeLost)

	reason := genserver.StopReason(notice.event.Reason)
	abnormal := nodeLoss || notice.event.Err != nil ||
		reason.Abnormal()

	log.DebugS(d.ctx, "Distributed child down",
		"supervisor_id", d.id,
		"child_id", notice.childID,
		"node_loss", nodeLoss,
		"abnormal", abnormal,
		"reason", notice.event.Reason)

	restart := false
	switch cs.spec.Restart {
	case supervisor.Permanent:
		restart = true
	case supervisor.Transient:
		restart = abnormal
	case supervisor.Temporary:
		restart = false
	}

	if !restart {
		d.dropChild(cs, !nodeLoss)
		return
	}

	if !d.window.Allow(time.Now()) {
		d.giveUp()
		return
	}

	exclude := make(map[cluster.NodeID]struct{})
	from := cs.handle.Node

	if nodeLoss {
		// Claim the slot before taking the child over. The entry
		// survives the membership purge as a claimable orphan; a
		// missing entry means another supervisor beat us to it.
		_, claimed, err := d.cluster.GlobalNames().TryClaim(
			d.keyFor(cs.spec.ID), d.checkOwnership,
		)
		if err != nil {
			log.ErrorS(d.ctx, "Child claim refused", err,
				"supervisor_id", d.id,
				"child_id", cs.spec.ID)
			d.dropChild(cs, false)

			return
		}
		if !claimed {
			log.InfoS(d.ctx, "Child already claimed elsewhere",
				"supervisor_id", d.id,
				"child_id", cs.spec.ID)
			d.dropChild(cs, false)

			return
		}

		exclude[from] = struct{}{}
	} else {
		// The registration still points at the dead incarnation;
		// release it before re-registering the successor.
		d.cluster.GlobalNames().Unregister(d.keyFor(cs.spec.ID))
	}

	if cs.unwatch != nil {
		cs.unwatch()
		cs.unwatch = nil
	}

	// Respawn, retrying while the intensity budget lasts.
	for {
		err := d.placeChild(d.ctx, cs, exclude, true)
		if err == nil {
			break
		}

		log.WarnS(d.ctx, "Child respawn failed", err,
			"supervisor_id", d.id,
			"child_id", cs.spec.ID)

		if !d.window.Allow(time.Now()) {
			d.giveUp()
			return
		}
	}

	cs.restartCount++

	if cs.handle.Node != from {
		log.InfoS(d.ctx, "Child migrated",
			"supervisor_id", d.id,
			"child_id", cs.spec.ID,
			"from", from.String(),
			"to", cs.handle.Node.String())

		d.migrations.emit(MigrationEvent{
			ChildID: cs.spec.ID,
			From:    from,
			To:      cs.handle.Node,
		})
	}
}

// checkOwnership verifies that a registration's metadata names this
// supervisor, guarding the claim against split-brain takeovers.
func (d *DistributedSupervisor) checkOwnership(
	entry cluster.GlobalEntry) error {

	var meta childMeta
	if err := json.Unmarshal(entry.Meta, &meta); err != nil {
		return fmt.Errorf("%w: bad metadata: %w",
			cluster.ErrChildClaim, err)
	}

	if meta.SupervisorID != d.id {
		return fmt.Errorf("%w: owned by %q, not %q",
			cluster.ErrChildClaim, meta.SupervisorID, d.id)
	}

	return nil
}

// dropChild removes a child from tracking, optionally releasing its
// registration.
func (d *DistributedSupervisor) dropChild(cs *childState,
	unregister bool) {

	if cs.unwatch != nil {
		cs.unwatch()
		cs.unwatch = nil
	}

	if unregister {
		d.cluster.GlobalNames().Unregister(d.keyFor(cs.spec.ID))
	}

	d.mu.Lock()
	delete(d.children, cs.spec.ID)
	for i, id := range d.order {
		if id == cs.spec.ID {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
}

// giveUp shuts the supervisor down with ErrMaxRestartsExceeded.
func (d *DistributedSupervisor) giveUp() {
	log.ErrorS(d.ctx, "Restart intensity exceeded, shutting down",
		supervisor.ErrMaxRestartsExceeded, "supervisor_id", d.id)

	d.terminate(genserver.ReasonShutdown,
		supervisor.ErrMaxRestartsExceeded)
}

// teardownChild stops one child incarnation and releases its registration.
func (d *DistributedSupervisor) teardownChild(cs *childState) {
	if cs.unwatch != nil {
		cs.unwatch()
		cs.unwatch = nil
	}

	if !cs.handle.Node.IsZero() {
		stopCtx, cancel := context.WithTimeout(
			context.Background(),
			supervisor.DefaultShutdownTimeout,
		)
		if err := d.cluster.StopRemote(
			stopCtx, cs.handle, genserver.ReasonShutdown,
		); err != nil {
			log.DebugS(d.ctx, "Remote child stop failed",
				"supervisor_id", d.id,
				"child_id", cs.spec.ID, "err", err)
		}
		cancel()
	}

	d.cluster.GlobalNames().Unregister(d.keyFor(cs.spec.ID))
}

// snapshotReverseLocked returns the children in reverse declaration order.
// Callers hold d.mu.
func (d *DistributedSupervisor) snapshotReverseLocked() []*childState {
	out := make([]*childState, 0, len(d.order))
	for i := len(d.order) - 1; i >= 0; i-- {
		if cs, ok := d.children[d.order[i]]; ok {
			out = append(out, cs)
		}
	}

	return out
}

// terminate tears the supervisor down exactly once: children stop in
// reverse order and every dsup key this supervisor owns is unregistered.
func (d *DistributedSupervisor) terminate(reason genserver.StopReason,
	failure error) {

	d.termOnce.Do(func() {
		d.failMu.Lock()
		d.stopReason = reason
		d.failure = failure
		d.failMu.Unlock()

		d.status.Store(int32(genserver.StatusStopping))
		d.cancel()

		d.mu.Lock()
		snapshot := d.snapshotReverseLocked()
		d.children = make(map[string]*childState)
		d.order = nil
		d.mu.Unlock()

		for _, cs := range snapshot {
			d.teardownChild(cs)
		}

		// Sweep any stragglers under our prefix.
		prefix := keyPrefix + keySeparator + d.id + keySeparator
		for _, entry := range d.cluster.GlobalNames().ListPrefix(
			prefix,
		) {
			d.cluster.GlobalNames().Unregister(entry.Name)
		}

		status := genserver.StatusStopped
		event := genserver.Event{
			Type:     genserver.EventTerminated,
			ID:       d.id,
			Reason:   reason,
			Terminal: true,
		}
		if failure != nil {
			status = genserver.StatusCrashed
			event.Type = genserver.EventCrashed
			event.Err = failure
		}

		d.status.Store(int32(status))
		d.events.Emit(event)
		close(d.done)

		log.InfoS(context.Background(),
			"Distributed supervisor terminated",
			"supervisor_id", d.id,
			"status", status.String())
	})
}

// Stop gracefully stops the supervisor, its children, and its registry
// footprint.
func (d *DistributedSupervisor) Stop(ctx context.Context,
	reason genserver.StopReason) error {

	if d.Status().Terminal() {
		return nil
	}

	go d.terminate(reason, nil)

	select {
	case <-d.done:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceTerminate implements supervisor.Child.
func (d *DistributedSupervisor) ForceTerminate(
	reason genserver.StopReason) {

	if d.Status().Terminal() {
		return
	}

	var failure error
	if reason.Abnormal() {
		failure = fmt.Errorf("forced: %s", reason)
	}

	d.terminate(reason, failure)
}

// ID implements supervisor.Child.
func (d *DistributedSupervisor) ID() string {
	return d.id
}

// Status returns the supervisor's lifecycle status.
func (d *DistributedSupervisor) Status() genserver.Status {
	return genserver.Status(d.status.Load())
}

// IsRunning implements supervisor.Child.
func (d *DistributedSupervisor) IsRunning() bool {
	return d.Status() == genserver.StatusRunning
}

// Err returns the terminal failure, if any.
func (d *DistributedSupervisor) Err() error {
	d.failMu.Lock()
	defer d.failMu.Unlock()

	return d.failure
}

// OnLifecycleEvent implements supervisor.Child with terminal replay for
// late subscribers.
func (d *DistributedSupervisor) OnLifecycleEvent(
	handler func(genserver.Event)) func() {

	if status := d.Status(); status.Terminal() {
		d.failMu.Lock()
		failure := d.failure
		reason := d.stopReason
		d.failMu.Unlock()

		eventType := genserver.EventTerminated
		if status == genserver.StatusCrashed {
			eventType = genserver.EventCrashed
		}

		handler(genserver.Event{
			Type:     eventType,
			ID:       d.id,
			Reason:   reason,
			Err:      failure,
			Terminal: true,
		})

		return func() {}
	}

	return d.events.Subscribe(handler)
}

// OnChildMigrated subscribes to failover migrations.
func (d *DistributedSupervisor) OnChildMigrated(
	f func(MigrationEvent)) func() {

	return d.migrations.subscribe(f)
}

// Children snapshots the supervised children in declaration order.
func (d *DistributedSupervisor) Children() []ChildInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]ChildInfo, 0, len(d.order))
	for _, id := range d.order {
		cs, ok := d.children[id]
		if !ok {
			continue
		}

		infos = append(infos, ChildInfo{
			ID:           cs.spec.ID,
			Handle:       cs.handle,
			Restart:      cs.spec.Restart,
			RestartCount: cs.restartCount,
		})
	}

	return infos
}

// CountChildren returns the number of tracked children.
func (d *DistributedSupervisor) CountChildren() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.children)
}

// StartChild dynamically adds a child after start-up.
func (d *DistributedSupervisor) StartChild(ctx context.Context,
	spec ChildSpec) (cluster.RemoteHandle, error) {

	if !d.IsRunning() {
		return cluster.RemoteHandle{}, supervisor.ErrNotRunning
	}
	if spec.ID == "" || spec.BehaviorName == "" ||
		strings.Contains(spec.ID, keySeparator) {

		return cluster.RemoteHandle{}, fmt.Errorf("%w: bad child "+
			"spec", supervisor.ErrBadSpec)
	}

	d.mu.Lock()
	if _, dup := d.children[spec.ID]; dup {
		d.mu.Unlock()
		return cluster.RemoteHandle{}, fmt.Errorf("%w: %q",
			supervisor.ErrDuplicateChild, spec.ID)
	}
	d.mu.Unlock()

	cs := &childState{spec: spec}
	if err := d.placeChild(ctx, cs, nil, false); err != nil {
		return cluster.RemoteHandle{}, err
	}

	d.mu.Lock()
	d.children[spec.ID] = cs
	d.order = append(d.order, spec.ID)
	d.mu.Unlock()

	return cs.handle, nil
}

// TerminateChild stops and removes a child, releasing its registration.
func (d *DistributedSupervisor) TerminateChild(ctx context.Context,
	id string) error {

	if !d.IsRunning() {
		return supervisor.ErrNotRunning
	}

	d.mu.Lock()
	cs, ok := d.children[id]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", supervisor.ErrChildNotFound, id)
	}

	d.dropChild(cs, false)
	d.teardownChild(cs)

	return nil
}
