package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/gensys/genserver"
)

// childEntry is the supervisor's bookkeeping for one child: the (possibly
// template-derived) factory, the live handle, and the restart accounting.
type childEntry struct {
	specID          string
	start           func(ctx context.Context) (Child, error)
	restart         Restart
	shutdownTimeout time.Duration
	significant     bool

	handle       Child
	unsub        func()
	restartCount int
}

// childExit is the internal notification pushed from a child's lifecycle
// subscription into the supervisor's run loop.
type childExit struct {
	entry    *childEntry
	handleID string
	event    genserver.Event
}

// Supervisor owns an ordered set of children and keeps them alive according
// to its strategy and each child's restart policy. All restart decisions run
// serially on the supervisor's own goroutine; dynamic operations serialize
// against them through the supervisor mutex.
type Supervisor struct {
	id  string
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	window *IntensityWindow
	events *genserver.EventBus

	// mu guards children and the strategy state they share.
	mu       sync.Mutex
	children []*childEntry

	status atomic.Int32

	// failMu guards failure and stopReason.
	failMu     sync.Mutex
	failure    error
	stopReason genserver.StopReason

	exitCh chan childExit

	nextDynID atomic.Uint64

	termOnce sync.Once
	done     chan struct{}
}

// New validates the config and creates an unstarted supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Strategy == SimpleOneForOne {
		if len(cfg.Children) != 0 {
			return nil, fmt.Errorf("%w: simple_one_for_one "+
				"rejects static children", ErrBadSpec)
		}
		if cfg.ChildTemplate == nil || cfg.ChildTemplate.Start == nil {
			return nil, fmt.Errorf("%w: simple_one_for_one "+
				"requires a child template", ErrBadSpec)
		}
	} else {
		if cfg.ChildTemplate != nil {
			return nil, fmt.Errorf("%w: child template is only "+
				"valid for simple_one_for_one", ErrBadSpec)
		}

		seen := make(map[string]struct{}, len(cfg.Children))
		for _, spec := range cfg.Children {
			if spec.ID == "" || spec.Start == nil {
				return nil, fmt.Errorf("%w: child spec "+
					"needs an id and a factory",
					ErrBadSpec)
			}
			if _, dup := seen[spec.ID]; dup {
				return nil, fmt.Errorf("%w: %q",
					ErrDuplicateChild, spec.ID)
			}
			seen[spec.ID] = struct{}{}
		}
	}

	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	sup := &Supervisor{
		id:     id,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		window: NewIntensityWindow(
			cfg.MaxRestarts.UnwrapOr(DefaultMaxRestarts),
			cfg.Within.UnwrapOr(DefaultWithin),
		),
		events: genserver.NewEventBus(),
		exitCh: make(chan childExit, 128),
		done:   make(chan struct{}),
	}
	sup.status.Store(int32(genserver.StatusInitializing))

	return sup, nil
}

// Start launches the supervisor: static children start sequentially in
// declaration order. If any factory fails, the already-started children are
// stopped in reverse order and Start fails.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if genserver.Status(s.status.Load()) != genserver.StatusInitializing {
		return ErrNotRunning
	}

	log.InfoS(ctx, "Starting supervisor",
		"supervisor_id", s.id,
		"strategy", s.cfg.Strategy.String(),
		"num_children", len(s.cfg.Children))

	for _, spec := range s.cfg.Children {
		entry := entryFromSpec(spec)

		handle, err := entry.start(s.ctx)
		if err != nil {
			// Unwind everything started so far, newest first.
			for i := len(s.children) - 1; i >= 0; i-- {
				s.stopEntry(s.children[i], false)
			}
			s.children = nil

			s.cancel()
			s.status.Store(int32(genserver.StatusStopped))
			close(s.done)

			return fmt.Errorf("%w: %q: %w", ErrChildStart,
				spec.ID, err)
		}

		entry.handle = handle
		s.children = append(s.children, entry)
		s.watch(entry)
	}

	s.status.Store(int32(genserver.StatusRunning))
	s.events.Emit(genserver.Event{
		Type: genserver.EventStarted,
		ID:   s.id,
	})

	go s.run()

	return nil
}

// entryFromSpec builds the bookkeeping entry for a static child spec.
func entryFromSpec(spec ChildSpec) *childEntry {
	return &childEntry{
		specID:  spec.ID,
		start:   spec.Start,
		restart: spec.Restart,
		shutdownTimeout: spec.ShutdownTimeout.UnwrapOr(
			DefaultShutdownTimeout,
		),
		significant: spec.Significant,
	}
}

// run is the supervision loop: it serializes child-exit handling until the
// supervisor's context is cancelled.
func (s *Supervisor) run() {
	for {
		select {
		case exit := <-s.exitCh:
			s.handleExit(exit)

		case <-s.ctx.Done():
			return
		}
	}
}

// watch subscribes to the entry's current handle and forwards terminal
// events into the run loop. The handle id is captured so stale events from a
// replaced handle are ignored.
func (s *Supervisor) watch(entry *childEntry) {
	handle := entry.handle
	entry.unsub = handle.OnLifecycleEvent(func(ev genserver.Event) {
		if !ev.Terminal {
			return
		}

		select {
		case s.exitCh <- childExit{
			entry:    entry,
			handleID: handle.ID(),
			event:    ev,
		}:

		case <-s.ctx.Done():
		}
	})
}

// handleExit applies the restart policy and strategy to one child exit.
func (s *Supervisor) handleExit(exit childExit) {
	s.mu.Lock()

	// Ignore exits for entries we no longer track or whose handle has
	// already been replaced by a restart.
	idx := s.indexOf(exit.entry)
	if idx < 0 || exit.entry.handle == nil ||
		exit.entry.handle.ID() != exit.handleID {

		s.mu.Unlock()
		return
	}

	entry := exit.entry
	abnormal := exitAbnormal(exit.event)

	log.DebugS(s.ctx, "Supervised child exited",
		"supervisor_id", s.id,
		"child_id", entry.specID,
		"abnormal", abnormal,
		"reason", exit.event.Reason)

	restart := false
	switch entry.restart {
	case Permanent:
		restart = true
	case Transient:
		restart = abnormal
	case Temporary:
		restart = false
	}

	if !restart {
		// The exit removes the child. Significant children may take
		// the supervisor down with them.
		if entry.unsub != nil {
			entry.unsub()
		}
		s.children = append(s.children[:idx], s.children[idx+1:]...)

		shutdown := s.autoShutdownTriggered(entry)
		s.mu.Unlock()

		if shutdown {
			log.InfoS(s.ctx, "Significant child exit triggers "+
				"auto-shutdown",
				"supervisor_id", s.id,
				"child_id", entry.specID)
			s.terminate(genserver.ReasonShutdown, nil, false)
		}

		return
	}

	if !s.window.Allow(time.Now()) {
		s.mu.Unlock()
		s.giveUp()

		return
	}

	ok := s.restartCycle(entry, idx)
	s.mu.Unlock()

	if !ok {
		s.giveUp()
	}
}

// exitAbnormal classifies a terminal event for restart-policy purposes.
func exitAbnormal(event genserver.Event) bool {
	if event.Type == genserver.EventCrashed {
		return true
	}

	return event.Reason.Abnormal() || event.Err != nil
}

// autoShutdownTriggered reports whether the removal of entry must stop the
// supervisor. Callers hold s.mu.
func (s *Supervisor) autoShutdownTriggered(entry *childEntry) bool {
	switch s.cfg.AutoShutdown {
	case AnySignificant:
		return entry.significant

	case AllSignificant:
		if !entry.significant {
			return false
		}
		for _, other := range s.children {
			if other.significant {
				return false
			}
		}

		return true

	default:
		return false
	}
}

// restartCycle executes one strategy-driven restart with the trigger child
// at position idx. Callers hold s.mu and have already charged the intensity
// window once for the cycle; factory retries charge it again per attempt.
// It returns false when the window is exhausted mid-cycle.
func (s *Supervisor) restartCycle(trigger *childEntry, idx int) bool {
	// Determine the first position affected by the strategy.
	first := idx
	switch s.cfg.Strategy {
	case OneForAll:
		first = 0
	case OneForOne, SimpleOneForOne, RestForOne:
	}

	restartSet := []*childEntry{trigger}
	if s.cfg.Strategy == OneForAll || s.cfg.Strategy == RestForOne {
		restartSet = s.children[first:]

		// Stop the affected siblings in reverse declaration order.
		// The trigger is already dead.
		for i := len(s.children) - 1; i >= first; i-- {
			entry := s.children[i]
			if entry == trigger {
				continue
			}

			s.stopEntry(entry, false)
		}
	}

	// Restart in declaration order, retrying failed factories while the
	// intensity budget lasts.
	for _, entry := range restartSet {
		for {
			handle, err := entry.start(s.ctx)
			if err == nil {
				entry.handle = handle
				s.watch(entry)

				break
			}

			log.WarnS(s.ctx, "Child restart factory failed", err,
				"supervisor_id", s.id,
				"child_id", entry.specID)

			if !s.window.Allow(time.Now()) {
				return false
			}
		}
	}

	// Only the direct trigger's restart counter moves.
	trigger.restartCount++

	log.InfoS(s.ctx, "Restarted children",
		"supervisor_id", s.id,
		"trigger", trigger.specID,
		"strategy", s.cfg.Strategy.String(),
		"num_restarted", len(restartSet))

	return true
}

// giveUp shuts the supervisor down with ErrMaxRestartsExceeded.
func (s *Supervisor) giveUp() {
	log.ErrorS(s.ctx, "Restart intensity exceeded, shutting down",
		ErrMaxRestartsExceeded, "supervisor_id", s.id)

	s.terminate(genserver.ReasonShutdown, ErrMaxRestartsExceeded, false)
}

// stopEntry takes one child down: graceful within its shutdown timeout, then
// forced. The lifecycle subscription is cancelled first so the intentional
// exit never re-enters the restart machinery.
func (s *Supervisor) stopEntry(entry *childEntry, force bool) {
	if entry.unsub != nil {
		entry.unsub()
		entry.unsub = nil
	}

	handle := entry.handle
	if handle == nil {
		return
	}

	if force {
		handle.ForceTerminate(genserver.ReasonKilled)
		return
	}

	stopCtx, cancel := context.WithTimeout(
		context.Background(), entry.shutdownTimeout,
	)
	defer cancel()

	if err := handle.Stop(stopCtx, genserver.ReasonShutdown); err != nil {
		log.WarnS(s.ctx, "Child did not stop in time, forcing", err,
			"supervisor_id", s.id,
			"child_id", entry.specID)

		handle.ForceTerminate(genserver.ReasonKilled)
	}
}

// terminate tears the supervisor down exactly once: children stop in reverse
// declaration order, the terminal status is published, and done closes.
func (s *Supervisor) terminate(reason genserver.StopReason, failure error,
	force bool) {

	s.termOnce.Do(func() {
		s.failMu.Lock()
		s.stopReason = reason
		s.failure = failure
		s.failMu.Unlock()

		s.status.Store(int32(genserver.StatusStopping))
		s.cancel()

		s.mu.Lock()
		snapshot := make([]*childEntry, len(s.children))
		copy(snapshot, s.children)
		s.children = nil
		s.mu.Unlock()

		for i := len(snapshot) - 1; i >= 0; i-- {
			s.stopEntry(snapshot[i], force)
		}

		status := genserver.StatusStopped
		event := genserver.Event{
			Type:     genserver.EventTerminated,
			ID:       s.id,
			Reason:   reason,
			Terminal: true,
		}
		if failure != nil {
			status = genserver.StatusCrashed
			event.Type = genserver.EventCrashed
			event.Err = failure
		}

		s.status.Store(int32(status))
		s.events.Emit(event)
		close(s.done)

		log.InfoS(context.Background(), "Supervisor terminated",
			"supervisor_id", s.id,
			"status", status.String())
	})
}

// Stop gracefully stops the supervisor and all children (reverse order),
// blocking until teardown completes or ctx expires.
func (s *Supervisor) Stop(ctx context.Context,
	reason genserver.StopReason) error {

	if s.Status().Terminal() {
		return nil
	}

	go s.terminate(reason, nil, false)

	select {
	case <-s.done:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceTerminate implements Child: children are torn down immediately.
func (s *Supervisor) ForceTerminate(reason genserver.StopReason) {
	if s.Status().Terminal() {
		return
	}

	var failure error
	if reason.Abnormal() {
		failure = fmt.Errorf("forced: %s", reason)
	}

	s.terminate(reason, failure, true)
}

// ID implements Child.
func (s *Supervisor) ID() string {
	return s.id
}

// Status returns the supervisor's lifecycle status.
func (s *Supervisor) Status() genserver.Status {
	return genserver.Status(s.status.Load())
}

// IsRunning implements Child.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == genserver.StatusRunning
}

// Err returns the terminal failure, if any. ErrMaxRestartsExceeded after an
// intensity trip.
func (s *Supervisor) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()

	return s.failure
}

// OnLifecycleEvent implements Child. Subscribers on an already-terminated
// supervisor get the terminal event replayed immediately.
func (s *Supervisor) OnLifecycleEvent(handler func(genserver.Event)) func() {
	if status := s.Status(); status.Terminal() {
		s.failMu.Lock()
		failure := s.failure
		reason := s.stopReason
		s.failMu.Unlock()

		eventType := genserver.EventTerminated
		if status == genserver.StatusCrashed {
			eventType = genserver.EventCrashed
		}

		handler(genserver.Event{
			Type:     eventType,
			ID:       s.id,
			Reason:   reason,
			Err:      failure,
			Terminal: true,
		})

		return func() {}
	}

	return s.events.Subscribe(handler)
}

// StartChild dynamically adds a child to a non-dynamic supervisor. It fails
// with ErrDuplicateChild on id collision.
func (s *Supervisor) StartChild(ctx context.Context,
	spec ChildSpec) (Child, error) {

	if s.cfg.Strategy == SimpleOneForOne {
		return nil, fmt.Errorf("%w: use SpawnChild with "+
			"simple_one_for_one", ErrBadSpec)
	}
	if !s.IsRunning() {
		return nil, ErrNotRunning
	}
	if spec.ID == "" || spec.Start == nil {
		return nil, fmt.Errorf("%w: child spec needs an id and a "+
			"factory", ErrBadSpec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.children {
		if entry.specID == spec.ID {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateChild,
				spec.ID)
		}
	}

	entry := entryFromSpec(spec)

	handle, err := entry.start(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrChildStart, spec.ID,
			err)
	}

	entry.handle = handle
	s.children = append(s.children, entry)
	s.watch(entry)

	log.DebugS(ctx, "Started dynamic child",
		"supervisor_id", s.id, "child_id", spec.ID)

	return handle, nil
}

// SpawnChild adds a template-derived child to a simple_one_for_one
// supervisor, passing args through to the template factory. Child ids come
// from the supervisor's monotonic counter.
func (s *Supervisor) SpawnChild(ctx context.Context,
	args ...any) (Child, error) {

	if s.cfg.Strategy != SimpleOneForOne {
		return nil, fmt.Errorf("%w: SpawnChild requires "+
			"simple_one_for_one", ErrBadSpec)
	}
	if !s.IsRunning() {
		return nil, ErrNotRunning
	}

	tmpl := s.cfg.ChildTemplate
	id := fmt.Sprintf("child-%d", s.nextDynID.Add(1))

	entry := &childEntry{
		specID: id,
		start: func(ctx context.Context) (Child, error) {
			return tmpl.Start(ctx, args...)
		},
		restart: tmpl.Restart,
		shutdownTimeout: tmpl.ShutdownTimeout.UnwrapOr(
			DefaultShutdownTimeout,
		),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := entry.start(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrChildStart, id, err)
	}

	entry.handle = handle
	s.children = append(s.children, entry)
	s.watch(entry)

	log.DebugS(ctx, "Spawned dynamic child",
		"supervisor_id", s.id, "child_id", id)

	return handle, nil
}

// TerminateChild stops and removes the child with the given spec id.
func (s *Supervisor) TerminateChild(ctx context.Context, id string) error {
	if !s.IsRunning() {
		return ErrNotRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.children {
		if entry.specID != id {
			continue
		}

		s.stopEntry(entry, false)
		s.children = append(s.children[:i], s.children[i+1:]...)

		log.DebugS(ctx, "Terminated child",
			"supervisor_id", s.id, "child_id", id)

		return nil
	}

	return fmt.Errorf("%w: %q", ErrChildNotFound, id)
}

// RestartChild stops the child with the given id (if still alive) and starts
// a fresh instance from its spec, returning the new handle. The manual
// restart does not charge the intensity window.
func (s *Supervisor) RestartChild(ctx context.Context,
	id string) (Child, error) {

	if !s.IsRunning() {
		return nil, ErrNotRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.children {
		if entry.specID != id {
			continue
		}

		s.stopEntry(entry, false)

		handle, err := entry.start(s.ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrChildStart,
				id, err)
		}

		entry.handle = handle
		entry.restartCount++
		s.watch(entry)

		log.DebugS(ctx, "Manually restarted child",
			"supervisor_id", s.id, "child_id", id)

		return handle, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrChildNotFound, id)
}

// Children returns a snapshot of the supervised children in declaration
// order.
func (s *Supervisor) Children() []ChildInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ChildInfo, 0, len(s.children))
	for _, entry := range s.children {
		info := ChildInfo{
			ID:           entry.specID,
			Restart:      entry.restart,
			RestartCount: entry.restartCount,
			Significant:  entry.significant,
		}
		if entry.handle != nil {
			info.RuntimeID = entry.handle.ID()
			info.Running = entry.handle.IsRunning()
		}

		infos = append(infos, info)
	}

	return infos
}

// CountChildren returns the number of tracked children.
func (s *Supervisor) CountChildren() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.children)
}

// indexOf returns entry's position, or -1 when untracked. Callers hold s.mu.
func (s *Supervisor) indexOf(entry *childEntry) int {
	for i, candidate := range s.children {
		if candidate == entry {
			return i
		}
	}

	return -1
}
