// Package supervisor implements OTP-style supervision over genserver
// lifecycles: ordered start, reverse-ordered stop, the one_for_one,
// one_for_all, rest_for_one and simple_one_for_one restart strategies,
// per-child restart policies, and a sliding-window restart-intensity limiter
// that shuts the supervisor down when tripped.
//
// Supervisors themselves satisfy the Child contract, so trees compose: a
// supervisor can supervise other supervisors, and a tripped limiter
// propagates upward as an abnormal exit.
package supervisor

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gensys/genserver"
)

const (
	// DefaultMaxRestarts is the default restart budget of the intensity
	// window.
	DefaultMaxRestarts = 3

	// DefaultWithin is the default width of the intensity window.
	DefaultWithin = 5 * time.Second

	// DefaultShutdownTimeout bounds a child's graceful stop before it is
	// force-terminated.
	DefaultShutdownTimeout = 5 * time.Second
)

// Child is the contract a supervised entity must satisfy. genserver refs
// satisfy it directly, as do supervisors themselves.
type Child interface {
	// ID returns the child's unique runtime identifier.
	ID() string

	// IsRunning reports whether the child is still alive.
	IsRunning() bool

	// Stop initiates graceful termination and blocks until done or ctx
	// expires.
	Stop(ctx context.Context, reason genserver.StopReason) error

	// ForceTerminate tears the child down immediately.
	ForceTerminate(reason genserver.StopReason)

	// OnLifecycleEvent subscribes to the child's lifecycle events,
	// returning an unsubscriber.
	OnLifecycleEvent(handler func(genserver.Event)) func()
}

// Restart is the per-child restart policy.
type Restart uint8

const (
	// Permanent children are restarted on any exit, normal or abnormal.
	Permanent Restart = iota

	// Transient children are restarted on abnormal exits only; clean
	// exits remove the child.
	Transient

	// Temporary children are never restarted; any exit removes them.
	Temporary
)

// String returns the policy's OTP name.
func (r Restart) String() string {
	switch r {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Strategy maps one child's exit to the set of restart actions among its
// siblings.
type Strategy uint8

const (
	// OneForOne restarts only the exited child.
	OneForOne Strategy = iota

	// OneForAll stops the remaining children in reverse order, then
	// restarts all children in declaration order.
	OneForAll

	// RestForOne stops, in reverse order, every child declared at or
	// after the exited one, then restarts them in order.
	RestForOne

	// SimpleOneForOne is the dynamic variant: no static children, a
	// single template, children added at runtime with per-child args.
	SimpleOneForOne
)

// String returns the strategy's OTP name.
func (s Strategy) String() string {
	switch s {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	case SimpleOneForOne:
		return "simple_one_for_one"
	default:
		return "unknown"
	}
}

// AutoShutdown controls whether significant-child exits stop the supervisor.
type AutoShutdown uint8

const (
	// Never disables auto-shutdown.
	Never AutoShutdown = iota

	// AnySignificant stops the supervisor when the first significant
	// child terminates.
	AnySignificant

	// AllSignificant stops the supervisor when the last significant
	// child terminates.
	AllSignificant
)

// ChildSpec declares how to start and restart one supervised child.
type ChildSpec struct {
	// ID uniquely identifies the child within its supervisor.
	ID string

	// Start is the factory producing a live child. It may suspend; it
	// runs under the supervisor's lifecycle context.
	Start func(ctx context.Context) (Child, error)

	// Restart is the per-child restart policy.
	Restart Restart

	// ShutdownTimeout bounds the graceful stop of this child before
	// force-termination. Defaults to DefaultShutdownTimeout.
	ShutdownTimeout fn.Option[time.Duration]

	// Significant marks the child for the auto-shutdown policy.
	Significant bool
}

// ChildTemplate is the single dynamic-child declaration used by the
// SimpleOneForOne strategy.
type ChildTemplate struct {
	// Start produces a child from the per-spawn args.
	Start func(ctx context.Context, args ...any) (Child, error)

	// Restart is the policy applied to every spawned child.
	Restart Restart

	// ShutdownTimeout bounds each child's graceful stop.
	ShutdownTimeout fn.Option[time.Duration]
}

// Config declares a supervisor.
type Config struct {
	// ID names the supervisor; autogenerated when empty.
	ID string

	// Strategy selects the restart strategy.
	Strategy Strategy

	// Children are the static child specs, started in declaration order.
	// Must be empty for SimpleOneForOne.
	Children []ChildSpec

	// ChildTemplate is required for SimpleOneForOne and must be nil
	// otherwise.
	ChildTemplate *ChildTemplate

	// MaxRestarts is the intensity window budget. Defaults to
	// DefaultMaxRestarts.
	MaxRestarts fn.Option[int]

	// Within is the intensity window width. Defaults to DefaultWithin.
	Within fn.Option[time.Duration]

	// AutoShutdown controls significant-child handling.
	AutoShutdown AutoShutdown
}

// ChildInfo is a point-in-time snapshot of one supervised child.
type ChildInfo struct {
	// ID is the spec id.
	ID string

	// RuntimeID is the identifier of the child's most recent handle. It
	// stays set after that handle dies, until a restart replaces it.
	RuntimeID string

	// Running reports liveness.
	Running bool

	// Restart is the child's policy.
	Restart Restart

	// RestartCount counts restarts where this child was the direct
	// trigger.
	RestartCount int

	// Significant mirrors the spec flag.
	Significant bool
}
