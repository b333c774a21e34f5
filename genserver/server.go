package genserver

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultInitTimeout bounds how long Init may run before Start fails.
	DefaultInitTimeout = 5 * time.Second

	// DefaultCallTimeout is the per-call reply deadline when the caller
	// does not specify one.
	DefaultCallTimeout = 5 * time.Second

	// DefaultShutdownTimeout bounds the Terminate callback during a
	// graceful stop.
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultMailboxSize is the default mailbox buffer capacity.
	DefaultMailboxSize = 100
)

// serverOptions collects the tunables for a single server instance.
type serverOptions struct {
	id              string
	initTimeout     time.Duration
	callTimeout     time.Duration
	shutdownTimeout time.Duration
	mailboxSize     int
}

// Option is a functional option for Start.
type Option func(*serverOptions)

// WithID overrides the generated server identifier.
func WithID(id string) Option {
	return func(o *serverOptions) {
		o.id = id
	}
}

// WithInitTimeout overrides the default init timeout.
func WithInitTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		o.initTimeout = d
	}
}

// WithCallTimeout overrides the default call timeout used when callers do
// not pass an explicit one.
func WithCallTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		o.callTimeout = d
	}
}

// WithShutdownTimeout overrides the bound on the Terminate callback.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *serverOptions) {
		o.shutdownTimeout = d
	}
}

// WithMailboxSize overrides the mailbox buffer capacity.
func WithMailboxSize(n int) Option {
	return func(o *serverOptions) {
		o.mailboxSize = n
	}
}

// defaultOptions returns the option set with all defaults applied.
func defaultOptions() serverOptions {
	return serverOptions{
		initTimeout:     DefaultInitTimeout,
		callTimeout:     DefaultCallTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		mailboxSize:     DefaultMailboxSize,
	}
}

// TerminationError is the error delivered to callers whose calls were still
// queued when the server was force-terminated.
type TerminationError struct {
	Reason StopReason
}

// Error implements the error interface.
func (e *TerminationError) Error() string {
	return fmt.Sprintf("server terminated: %s", e.Reason)
}

// Unwrap lets errors.Is treat a forced termination as ErrNotRunning.
func (e *TerminationError) Unwrap() error {
	return ErrNotRunning
}

// Server is a running generic server: a behavior, a mailbox, and a single
// process goroutine that drains the mailbox one envelope at a time. S is the
// behavior's private state, M the message type, R the call reply type.
//
// Servers are created via Start; user code holds a Ref rather than the
// Server itself.
type Server[S, M, R any] struct {
	id       string
	behavior Behavior[S, M, R]
	opts     serverOptions

	mbox *mailbox[M, R]

	// ctx governs the server's lifecycle; cancelling it is the sole
	// mechanism that makes the process loop wind down.
	ctx    context.Context
	cancel context.CancelFunc

	status atomic.Int32
	events *EventBus

	handled    atomic.Uint64
	stateBytes atomic.Uint64
	startedAt  time.Time

	// mu guards stopReason and failure.
	mu         sync.Mutex
	stopReason StopReason
	failure    error

	// forced flags a ForceTerminate so the wind-down path knows to skip
	// the graceful drain semantics.
	forced atomic.Bool

	// done closes once the process loop has fully exited, including the
	// terminate callback.
	done chan struct{}

	stopOnce sync.Once
}

// callScope derives the context a call handler runs under. The scope is a
// child of the server's lifecycle context, and an AfterFunc hook on the
// caller's context collapses it the moment the caller abandons the request
// (cancellation or deadline expiry alike). Cooperative handlers can thus
// observe both shutdown and abandonment without the runtime ever
// interrupting them. The returned release must always be called once the
// handler finishes to detach the hook.
func (s *Server[S, M, R]) callScope(
	callerCtx context.Context) (context.Context, context.CancelFunc) {

	scope, cancel := context.WithCancel(s.ctx)
	detach := context.AfterFunc(callerCtx, cancel)

	return scope, func() {
		detach()
		cancel()
	}
}

// Start allocates a server for the behavior, runs Init under the init
// timeout, and on success launches the process loop and returns a Ref to the
// now-running server. If Init returns an error or the timeout fires, Start
// fails with an error wrapping ErrInitialization and the server ends in the
// stopped state without ever running.
func Start[S, M, R any](ctx context.Context, behavior Behavior[S, M, R],
	opts ...Option) (Ref[M, R], error) {

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}

	srvCtx, cancel := context.WithCancel(context.Background())

	srv := &Server[S, M, R]{
		id:       o.id,
		behavior: behavior,
		opts:     o,
		mbox:     newMailbox[M, R](srvCtx, o.mailboxSize),
		ctx:      srvCtx,
		cancel:   cancel,
		events:   NewEventBus(),
		done:     make(chan struct{}),
	}
	srv.status.Store(int32(StatusInitializing))

	log.DebugS(ctx, "Starting server", "server_id", srv.id)

	// Run Init on its own goroutine so the timeout can fire even when the
	// callback ignores its context. The channel is buffered so a late
	// Init return never leaks the goroutine.
	initCtx, initCancel := context.WithTimeout(ctx, o.initTimeout)
	defer initCancel()

	type initResult struct {
		state S
		err   error
	}
	initCh := make(chan initResult, 1)
	go func() {
		state, err := behavior.Init(initCtx)
		initCh <- initResult{state: state, err: err}
	}()

	select {
	case res := <-initCh:
		if res.err != nil {
			srv.failStart(ctx, res.err)
			return nil, fmt.Errorf("%w: %w",
				ErrInitialization, res.err)
		}

		srv.startedAt = time.Now()
		srv.transition(StatusRunning, fn.Some(Event{
			Type: EventStarted,
			ID:   srv.id,
		}))

		go srv.run(res.state)

		log.DebugS(ctx, "Server running", "server_id", srv.id)

		return &serverRef[S, M, R]{srv: srv}, nil

	case <-initCtx.Done():
		srv.failStart(ctx, initCtx.Err())

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w",
				ErrInitialization, ctx.Err())
		}

		return nil, fmt.Errorf("%w: %w after %v", ErrInitialization,
			ErrInitTimeout, o.initTimeout)
	}
}

// failStart moves a server that never ran into the stopped state.
func (s *Server[S, M, R]) failStart(ctx context.Context, err error) {
	log.DebugS(ctx, "Server init failed", "server_id", s.id, "err", err)

	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()

	s.cancel()
	s.transition(StatusStopped, fn.Some(Event{
		Type:     EventTerminated,
		ID:       s.id,
		Err:      err,
		Terminal: true,
	}))
	close(s.done)
}

// transition updates the status and emits the accompanying lifecycle event,
// if any. All terminal transitions happen on a single goroutine (the process
// loop, or Start before the loop exists), so each event fires exactly once.
func (s *Server[S, M, R]) transition(status Status, event fn.Option[Event]) {
	s.status.Store(int32(status))
	event.WhenSome(func(e Event) {
		s.events.Emit(e)
	})
}

// run is the process loop. It drains the mailbox one envelope at a time,
// then on shutdown fails any still-queued callers and runs the terminate
// callback for graceful stops.
func (s *Server[S, M, R]) run(state S) {
	defer close(s.done)

	crashed := false
	for {
		env, ok := s.mbox.pop(s.ctx)
		if !ok {
			break
		}

		var cont bool
		state, cont = s.dispatch(env, state)
		if !cont {
			crashed = true
			break
		}
	}

	// The lifecycle context has been cancelled (or a handler crashed).
	// Seal the mailbox so no further envelopes are accepted, then fail
	// everything still queued.
	s.mbox.seal()

	var drainErr error = ErrNotRunning
	if s.forced.Load() {
		drainErr = &TerminationError{Reason: s.reason()}
	}

	remaining := s.mbox.takeRemaining()
	for _, env := range remaining {
		if env.promise != nil {
			env.promise.Complete(fn.Err[R](drainErr))
		}
	}

	switch {
	case crashed:
		// dispatch already performed the terminal transition.

	case s.forced.Load():
		reason := s.reason()
		if reason.Abnormal() {
			s.transition(StatusCrashed, fn.Some(Event{
				Type:     EventCrashed,
				ID:       s.id,
				Reason:   reason,
				Terminal: true,
			}))
		} else {
			s.transition(StatusStopped, fn.Some(Event{
				Type:     EventTerminated,
				ID:       s.id,
				Reason:   reason,
				Terminal: true,
			}))
		}

	default:
		reason := s.reason()
		s.runTerminate(reason, state)
		s.transition(StatusStopped, fn.Some(Event{
			Type:     EventTerminated,
			ID:       s.id,
			Reason:   reason,
			Terminal: true,
		}))
	}

	log.DebugS(context.Background(), "Server terminated",
		"server_id", s.id,
		"status", s.Status().String(),
		"drained_messages", len(remaining))
}

// runTerminate invokes the optional Terminate callback under a bounded
// context. Failures are logged and never block teardown.
func (s *Server[S, M, R]) runTerminate(reason StopReason, state S) {
	term, ok := s.behavior.(Terminator[S])
	if !ok {
		return
	}

	termCtx, cancel := context.WithTimeout(
		context.Background(), s.opts.shutdownTimeout,
	)
	defer cancel()

	if err := term.Terminate(termCtx, reason, state); err != nil {
		log.WarnS(termCtx, "Terminate callback failed", err,
			"server_id", s.id, "reason", reason)
	}
}

// dispatch runs a single envelope through the behavior. It returns the
// successor state and false when the handler panicked, in which case the
// server has already transitioned to crashed.
func (s *Server[S, M, R]) dispatch(env envelope[M, R],
	state S) (newState S, ok bool) {

	newState, ok = state, true

	// A panic inside a handler crashes the server: the specific caller
	// (if any) is failed with the panic error, the lifecycle context is
	// cancelled so the loop exits, and the crashed event fires for the
	// supervisor to act on.
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		err := fmt.Errorf("handler panic: %v", r)

		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()

		if env.promise != nil {
			env.promise.Complete(fn.Err[R](err))
		}

		s.cancel()
		s.transition(StatusCrashed, fn.Some(Event{
			Type:     EventCrashed,
			ID:       s.id,
			Err:      err,
			Terminal: true,
		}))

		newState, ok = state, false
	}()

	// Calls observe a scope hooked to the caller's context so handlers
	// can notice abandonment; casts keep fire-and-forget semantics and
	// only observe the server's own lifecycle.
	var (
		processCtx context.Context
		release    context.CancelFunc
	)
	if env.kind == kindCall {
		processCtx, release = s.callScope(env.callerCtx)
	} else {
		processCtx, release = s.ctx, func() {}
	}
	defer release()

	switch env.kind {
	case kindCall:
		reply, next, err := s.behavior.HandleCall(
			processCtx, env.msg, state,
		)
		if err != nil {
			// The failure belongs to this caller alone; the
			// server keeps running with its prior state.
			env.promise.Complete(fn.Err[R](err))

			s.handled.Add(1)
			return state, true
		}

		env.promise.Complete(fn.Ok(reply))
		newState = next

	case kindCast:
		next, err := s.behavior.HandleCast(processCtx, env.msg, state)
		if err != nil {
			// Swallowed, but surfaced as a non-terminal crash
			// event for observers.
			log.WarnS(processCtx, "Cast handler failed", err,
				"server_id", s.id)
			s.events.Emit(Event{
				Type: EventCrashed,
				ID:   s.id,
				Err:  err,
			})

			s.handled.Add(1)
			return state, true
		}

		newState = next
	}

	s.handled.Add(1)
	s.noteStateSize(newState)

	return newState, true
}

// noteStateSize records a shallow size estimate of the current state value.
func (s *Server[S, M, R]) noteStateSize(state S) {
	v := reflect.ValueOf(&state).Elem()
	s.stateBytes.Store(uint64(v.Type().Size()))
}

// Status returns the server's current lifecycle status.
func (s *Server[S, M, R]) Status() Status {
	return Status(s.status.Load())
}

// reason returns the recorded stop reason, defaulting to normal.
func (s *Server[S, M, R]) reason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopReason == "" {
		return ReasonNormal
	}

	return s.stopReason
}

// setReason records the stop reason if none has been recorded yet.
func (s *Server[S, M, R]) setReason(reason StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopReason == "" {
		s.stopReason = reason
	}
}

// stop initiates graceful termination and blocks until the process loop has
// fully exited (terminate callback included) or the caller's context
// expires. Repeat stops are no-ops.
func (s *Server[S, M, R]) stop(ctx context.Context, reason StopReason) error {
	if s.Status().Terminal() {
		return nil
	}

	s.stopOnce.Do(func() {
		log.DebugS(ctx, "Stopping server",
			"server_id", s.id, "reason", reason)

		s.setReason(reason)
		s.status.CompareAndSwap(
			int32(StatusRunning), int32(StatusStopping),
		)
		s.cancel()
	})

	select {
	case <-s.done:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// forceTerminate transitions the server towards stopped or crashed without
// the graceful drain: queued callers are failed with a TerminationError
// carrying the reason, and the terminate callback is skipped.
func (s *Server[S, M, R]) forceTerminate(reason StopReason) {
	if s.Status().Terminal() {
		return
	}

	log.DebugS(context.Background(), "Force terminating server",
		"server_id", s.id, "reason", reason)

	s.forced.Store(true)
	s.setReason(reason)
	s.cancel()
}
