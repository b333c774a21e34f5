package genserver

import "errors"

var (
	// ErrInitialization indicates that a server's Init callback returned
	// an error or exceeded the init timeout, so the server never reached
	// the running state.
	ErrInitialization = errors.New("server initialization failed")

	// ErrInitTimeout is wrapped into ErrInitialization failures caused by
	// the init deadline elapsing rather than the callback itself failing.
	ErrInitTimeout = errors.New("init timed out")

	// ErrCallTimeout indicates that a synchronous call did not receive a
	// reply before its timeout elapsed. The in-flight handler, if any, is
	// not cancelled by this.
	ErrCallTimeout = errors.New("call timed out")

	// ErrNotRunning indicates that an operation targeted a server that
	// has left the running state.
	ErrNotRunning = errors.New("server not running")

	// ErrAlreadyRegistered indicates that a registry name is already
	// bound to a live server.
	ErrAlreadyRegistered = errors.New("name already registered")

	// ErrNotRegistered indicates that a registry lookup found no entry
	// for the requested name.
	ErrNotRegistered = errors.New("name not registered")

	// ErrRefTypeMismatch indicates that a registry entry exists under the
	// requested name, but with different message or reply types than the
	// caller asked for.
	ErrRefTypeMismatch = errors.New("registered ref type mismatch")
)
