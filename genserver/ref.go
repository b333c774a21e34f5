package genserver

import (
	"context"
	"errors"
	"time"
)

// BaseRef is the type-erased view of a server handle. It carries everything
// lifecycle management needs (supervisors, registries) without the message
// and reply type parameters.
type BaseRef interface {
	// ID returns the server's unique identifier.
	ID() string

	// Status returns the current lifecycle status.
	Status() Status

	// IsRunning reports whether the server is still accepting messages.
	IsRunning() bool

	// Stats returns a snapshot of the server's counters.
	Stats() Stats

	// Stop initiates graceful termination with the given reason and
	// blocks until teardown completes or ctx expires. Stopping a server
	// that already terminated is a no-op.
	Stop(ctx context.Context, reason StopReason) error

	// ForceTerminate immediately tears the server down. Queued callers
	// are failed with a TerminationError carrying the reason and the
	// terminate callback is skipped.
	ForceTerminate(reason StopReason)

	// OnLifecycleEvent subscribes to the server's lifecycle events and
	// returns an unsubscriber. If the server is already terminal, the
	// handler fires immediately with a synthetic terminal event so late
	// subscribers never miss the end of life.
	OnLifecycleEvent(handler func(Event)) func()
}

// Ref is the typed handle user code holds for a running server.
type Ref[M, R any] interface {
	BaseRef

	// Call sends a synchronous request and blocks for the reply under
	// the server's default call timeout.
	Call(ctx context.Context, msg M) (R, error)

	// CallTimeout is Call with an explicit reply deadline. A
	// non-positive timeout fails immediately with ErrCallTimeout.
	CallTimeout(ctx context.Context, msg M, timeout time.Duration) (R,
		error)

	// Cast sends an asynchronous message. It never fails visibly: if the
	// server is not running the message is dropped silently.
	Cast(ctx context.Context, msg M)
}

// serverRef is the concrete Ref implementation backing a local server.
type serverRef[S, M, R any] struct {
	srv *Server[S, M, R]
}

// ID implements BaseRef.
func (r *serverRef[S, M, R]) ID() string {
	return r.srv.id
}

// Status implements BaseRef.
func (r *serverRef[S, M, R]) Status() Status {
	return r.srv.Status()
}

// IsRunning implements BaseRef.
func (r *serverRef[S, M, R]) IsRunning() bool {
	return r.srv.Status() == StatusRunning
}

// Stats implements BaseRef.
func (r *serverRef[S, M, R]) Stats() Stats {
	s := r.srv

	stats := Stats{
		QueueLen:   s.mbox.queueLen(),
		Handled:    s.handled.Load(),
		StartedAt:  s.startedAt,
		StateBytes: s.stateBytes.Load(),
	}
	if !s.startedAt.IsZero() {
		stats.Uptime = time.Since(s.startedAt)
	}

	return stats
}

// Stop implements BaseRef.
func (r *serverRef[S, M, R]) Stop(ctx context.Context,
	reason StopReason) error {

	return r.srv.stop(ctx, reason)
}

// ForceTerminate implements BaseRef.
func (r *serverRef[S, M, R]) ForceTerminate(reason StopReason) {
	r.srv.forceTerminate(reason)
}

// OnLifecycleEvent implements BaseRef.
func (r *serverRef[S, M, R]) OnLifecycleEvent(handler func(Event)) func() {
	s := r.srv

	// Late subscribers to an already-dead server get the terminal event
	// replayed so registry cleanup and supervision never miss it.
	if status := s.Status(); status.Terminal() {
		eventType := EventTerminated
		if status == StatusCrashed {
			eventType = EventCrashed
		}

		s.mu.Lock()
		failure := s.failure
		s.mu.Unlock()

		handler(Event{
			Type:     eventType,
			ID:       s.id,
			Reason:   s.reason(),
			Err:      failure,
			Terminal: true,
		})

		return func() {}
	}

	return s.events.Subscribe(handler)
}

// Call implements Ref.
func (r *serverRef[S, M, R]) Call(ctx context.Context, msg M) (R, error) {
	return r.CallTimeout(ctx, msg, r.srv.opts.callTimeout)
}

// CallTimeout implements Ref.
func (r *serverRef[S, M, R]) CallTimeout(ctx context.Context, msg M,
	timeout time.Duration) (R, error) {

	var zero R
	s := r.srv

	if s.Status() != StatusRunning {
		return zero, ErrNotRunning
	}

	// A zero timeout can never observe a reply.
	if timeout <= 0 {
		return zero, ErrCallTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	promise := NewPromise[R]()
	env := envelope[M, R]{
		kind:      kindCall,
		msg:       msg,
		promise:   promise,
		callerCtx: callCtx,
	}

	if !s.mbox.push(callCtx, env) {
		switch {
		case s.ctx.Err() != nil:
			return zero, ErrNotRunning

		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return zero, ErrCallTimeout

		default:
			return zero, callCtx.Err()
		}
	}

	reply, err := promise.Future().Await(callCtx).Unpack()
	if err != nil {
		// Distinguish the reply deadline from an abandoned caller:
		// only the former maps onto ErrCallTimeout.
		if errors.Is(err, context.DeadlineExceeded) &&
			ctx.Err() == nil {

			return zero, ErrCallTimeout
		}

		return zero, err
	}

	return reply, nil
}

// Cast implements Ref.
func (r *serverRef[S, M, R]) Cast(ctx context.Context, msg M) {
	s := r.srv

	if s.Status() != StatusRunning {
		return
	}

	env := envelope[M, R]{
		kind:      kindCast,
		msg:       msg,
		callerCtx: context.Background(),
	}
	_ = s.mbox.push(ctx, env)
}
