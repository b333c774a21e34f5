package genserver

import "time"

// Status is the lifecycle state of a server.
type Status int32

const (
	// StatusInitializing means Init is still in flight; the server is not
	// yet addressable.
	StatusInitializing Status = iota

	// StatusRunning means the server is draining its mailbox.
	StatusRunning

	// StatusStopping means a graceful stop has been observed; queued
	// envelopes are being failed and the terminate callback will run.
	StatusStopping

	// StatusStopped means the server terminated cleanly.
	StatusStopped

	// StatusCrashed means the server terminated abnormally: a handler
	// panicked or it was force-terminated with an abnormal reason.
	StatusCrashed
)

// String returns a human readable status name.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is one a server never leaves.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCrashed
}

// Stats is a point-in-time snapshot of a server's counters.
type Stats struct {
	// QueueLen is the number of envelopes waiting in the mailbox.
	QueueLen int

	// Handled is the total number of envelopes dispatched to handlers.
	Handled uint64

	// StartedAt is when the server entered the running state. Zero if it
	// never did.
	StartedAt time.Time

	// Uptime is the elapsed time since StartedAt, zero for servers that
	// never ran.
	Uptime time.Duration

	// StateBytes is a shallow estimate of the state value's size as of
	// the last handled message.
	StateBytes uint64
}
