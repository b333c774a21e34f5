// Package genserver implements an OTP-style generic server runtime: isolated
// stateful servers with a FIFO mailbox, strictly serialized message handling,
// synchronous calls with timeouts, fire-and-forget casts, and a lifecycle
// state machine with event fan-out.
//
// A server is defined by a Behavior and driven by a single goroutine that
// drains the mailbox one envelope at a time. Handlers may block on I/O or on
// other servers; the runtime never dispatches a second message to the same
// server while a handler is outstanding.
package genserver

import "context"

// StopReason describes why a server is being asked to terminate.
type StopReason string

const (
	// ReasonNormal is a voluntary, successful termination.
	ReasonNormal StopReason = "normal"

	// ReasonShutdown is a termination ordered from above, typically by a
	// supervisor tearing its tree down.
	ReasonShutdown StopReason = "shutdown"

	// ReasonKilled is a forced termination that bypasses the graceful
	// drain path.
	ReasonKilled StopReason = "killed"
)

// Abnormal reports whether the reason counts as an abnormal exit for restart
// policy purposes. Normal and shutdown exits are the only clean ones.
func (r StopReason) Abnormal() bool {
	return r != ReasonNormal && r != ReasonShutdown
}

// Behavior bundles the callbacks that define a server. S is the server's
// private state, M the message type accepted by both call and cast, and R the
// reply type produced by calls. The runtime treats all three as opaque.
//
// The context passed to each callback is derived from the server's lifecycle
// context; for calls it additionally observes the caller's context, so a
// handler that honors ctx can notice an abandoned caller. Cancellation is
// advisory only: the runtime never interrupts a handler.
type Behavior[S, M, R any] interface {
	// Init produces the server's initial state. It runs under the init
	// timeout; returning an error (or exceeding the deadline) fails
	// Start and the server never reaches the running state.
	Init(ctx context.Context) (S, error)

	// HandleCall processes a synchronous request and returns the reply
	// delivered to the blocked caller together with the successor state.
	// A returned error travels to that caller only; the server keeps
	// running and proceeds to the next envelope.
	HandleCall(ctx context.Context, msg M, state S) (R, S, error)

	// HandleCast processes an asynchronous message. A returned error is
	// swallowed, surfacing only as a lifecycle event; the server keeps
	// running.
	HandleCast(ctx context.Context, msg M, state S) (S, error)
}

// Terminator is an optional interface a Behavior may implement to perform
// best-effort cleanup during shutdown. Terminate runs after the mailbox has
// been drained, under a bounded context. A returned error is logged and never
// blocks teardown.
type Terminator[S any] interface {
	Terminate(ctx context.Context, reason StopReason, state S) error
}

// FuncBehavior adapts plain closures into a Behavior. Nil callbacks degrade
// gracefully: a nil OnInit yields the zero state, a nil OnCall returns the
// zero reply, and a nil OnCast leaves the state untouched.
type FuncBehavior[S, M, R any] struct {
	OnInit      func(ctx context.Context) (S, error)
	OnCall      func(ctx context.Context, msg M, state S) (R, S, error)
	OnCast      func(ctx context.Context, msg M, state S) (S, error)
	OnTerminate func(ctx context.Context, reason StopReason, state S) error
}

// Init implements Behavior.
func (f *FuncBehavior[S, M, R]) Init(ctx context.Context) (S, error) {
	if f.OnInit == nil {
		var zero S
		return zero, nil
	}

	return f.OnInit(ctx)
}

// HandleCall implements Behavior.
func (f *FuncBehavior[S, M, R]) HandleCall(ctx context.Context, msg M,
	state S) (R, S, error) {

	if f.OnCall == nil {
		var zero R
		return zero, state, nil
	}

	return f.OnCall(ctx, msg, state)
}

// HandleCast implements Behavior.
func (f *FuncBehavior[S, M, R]) HandleCast(ctx context.Context, msg M,
	state S) (S, error) {

	if f.OnCast == nil {
		return state, nil
	}

	return f.OnCast(ctx, msg, state)
}

// Terminate implements Terminator.
func (f *FuncBehavior[S, M, R]) Terminate(ctx context.Context,
	reason StopReason, state S) error {

	if f.OnTerminate == nil {
		return nil
	}

	return f.OnTerminate(ctx, reason, state)
}
