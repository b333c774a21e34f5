package supervisor

import "errors"

var (
	// ErrDuplicateChild indicates a child id collision within one
	// supervisor.
	ErrDuplicateChild = errors.New("duplicate child id")

	// ErrChildNotFound indicates that terminate/restart targeted an id
	// this supervisor does not track.
	ErrChildNotFound = errors.New("child not found")

	// ErrMaxRestartsExceeded indicates the restart-intensity limiter
	// tripped: the supervisor gave up, stopped its remaining children,
	// and terminated.
	ErrMaxRestartsExceeded = errors.New("max restarts exceeded")

	// ErrNotRunning indicates an operation on a supervisor that has
	// already terminated.
	ErrNotRunning = errors.New("supervisor not running")

	// ErrBadSpec indicates an invalid supervisor configuration, such as a
	// simple_one_for_one supervisor declaring static children.
	ErrBadSpec = errors.New("invalid supervisor spec")

	// ErrChildStart wraps a child factory failure during supervisor
	// start-up.
	ErrChildStart = errors.New("child failed to start")
)
