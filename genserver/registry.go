package genserver

import (
	"context"
	"fmt"
	"sync"
)

// Registry is a flat, case-sensitive name to server-handle mapping. Names
// are unique; registering a live name fails. Entries are removed eagerly
// when their target server terminates, via a lifecycle subscription taken
// out at registration time.
//
// The registry is a service with explicit construction rather than an
// ambient global so tests can run isolated instances side by side.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// registryEntry tracks a bound ref plus the unsubscriber for its lifecycle
// watch.
type registryEntry struct {
	ref      BaseRef
	cancelFn func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
	}
}

// Register binds name to the given ref. It fails with ErrAlreadyRegistered
// if the name is in use, and with ErrNotRunning if the target has already
// terminated.
func (r *Registry) Register(name string, ref BaseRef) error {
	r.mu.Lock()

	if _, exists := r.entries[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}

	entry := &registryEntry{ref: ref}
	r.entries[name] = entry
	r.mu.Unlock()

	// Watch for the target's demise so the entry disappears the moment
	// the server does. The subscription fires immediately for servers
	// that terminated between the caller obtaining the ref and now, in
	// which case the entry is removed again before Register returns.
	entry.cancelFn = ref.OnLifecycleEvent(func(event Event) {
		if !event.Terminal {
			return
		}

		r.removeIf(name, ref)
	})

	if !ref.IsRunning() {
		r.removeIf(name, ref)
		return fmt.Errorf("%w: %q", ErrNotRunning, name)
	}

	log.TraceS(context.Background(), "Registered name",
		"name", name, "server_id", ref.ID())

	return nil
}

// removeIf deletes the entry for name only while it still points at ref,
// protecting against a name that was re-registered to a new server between
// the old server's death and the event delivery.
func (r *Registry) removeIf(name string, ref BaseRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists || entry.ref != ref {
		return
	}

	delete(r.entries, name)

	if entry.cancelFn != nil {
		entry.cancelFn()
	}
}

// Lookup returns the ref bound to name, failing with ErrNotRegistered when
// the name is absent.
func (r *Registry) Lookup(name string) (BaseRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	return entry.ref, nil
}

// WhereIs returns the ref bound to name, or nil when absent. It is the
// non-failing variant of Lookup.
func (r *Registry) WhereIs(name string) BaseRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return nil
	}

	return entry.ref
}

// Unregister removes the binding for name, returning true if one existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		return false
	}

	delete(r.entries, name)

	if entry.cancelFn != nil {
		entry.cancelFn()
	}

	return true
}

// List returns all registered names in unspecified order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}

	return names
}

// LookupRef is the typed variant of Registry.Lookup. It is a package-level
// generic function because methods cannot have their own type parameters.
// The stored BaseRef is asserted back to the requested Ref[M, R]; a name
// bound to a server with different message or reply types fails with
// ErrRefTypeMismatch.
func LookupRef[M, R any](r *Registry, name string) (Ref[M, R], error) {
	base, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	typed, ok := base.(Ref[M, R])
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRefTypeMismatch, name)
	}

	return typed, nil
}
