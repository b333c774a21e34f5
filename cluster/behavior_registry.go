package cluster

import (
	"context"
	"fmt"
	"sync"
)

// DynBehavior is the untyped behavior shape used for remote instantiation.
// Message, state, and reply values travel the wire as JSON, so they surface
// here as the generic decoded forms (maps, slices, strings, numbers).
type DynBehavior interface {
	// Init produces the initial state.
	Init(ctx context.Context) (any, error)

	// HandleCall processes a synchronous request.
	HandleCall(ctx context.Context, msg any, state any) (any, any, error)

	// HandleCast processes an asynchronous message.
	HandleCast(ctx context.Context, msg any, state any) (any, error)
}

// BehaviorFactory builds a DynBehavior from the args carried by a spawn
// request.
type BehaviorFactory func(args ...any) DynBehavior

// BehaviorRegistry maps behavior names to factories for remote spawn. Every
// node that may host a behavior must register it before a cluster
// supervisor attempts to place a child there.
type BehaviorRegistry struct {
	mu        sync.RWMutex
	factories map[string]BehaviorFactory
}

// NewBehaviorRegistry creates an empty registry.
func NewBehaviorRegistry() *BehaviorRegistry {
	return &BehaviorRegistry{
		factories: make(map[string]BehaviorFactory),
	}
}

// Register binds a name to a factory, failing on duplicates.
func (r *BehaviorRegistry) Register(name string,
	factory BehaviorFactory) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateBehavior, name)
	}

	r.factories[name] = factory

	return nil
}

// Get returns the factory for a name.
func (r *BehaviorRegistry) Get(name string) (BehaviorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]

	return factory, ok
}

// Has reports whether a name is registered.
func (r *BehaviorRegistry) Has(name string) bool {
	_, ok := r.Get(name)

	return ok
}

// Names returns the registered behavior names in unspecified order.
func (r *BehaviorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// FuncDynBehavior adapts closures into a DynBehavior, mirroring
// genserver.FuncBehavior for the untyped world.
type FuncDynBehavior struct {
	OnInit func(ctx context.Context) (any, error)
	OnCall func(ctx context.Context, msg any, state any) (any, any, error)
	OnCast func(ctx context.Context, msg any, state any) (any, error)
}

// Init implements DynBehavior.
func (f *FuncDynBehavior) Init(ctx context.Context) (any, error) {
	if f.OnInit == nil {
		return nil, nil
	}

	return f.OnInit(ctx)
}

// HandleCall implements DynBehavior.
func (f *FuncDynBehavior) HandleCall(ctx context.Context, msg any,
	state any) (any, any, error) {

	if f.OnCall == nil {
		return nil, state, nil
	}

	return f.OnCall(ctx, msg, state)
}

// HandleCast implements DynBehavior.
func (f *FuncDynBehavior) HandleCast(ctx context.Context, msg any,
	state any) (any, error) {

	if f.OnCast == nil {
		return state, nil
	}

	return f.OnCast(ctx, msg, state)
}

// dynAdapter lifts a DynBehavior into the typed genserver contract so the
// local runtime can host remotely spawned servers.
type dynAdapter struct {
	behavior DynBehavior
}

// Init implements genserver.Behavior.
func (a *dynAdapter) Init(ctx context.Context) (any, error) {
	return a.behavior.Init(ctx)
}

// HandleCall implements genserver.Behavior.
func (a *dynAdapter) HandleCall(ctx context.Context, msg any,
	state any) (any, any, error) {

	return a.behavior.HandleCall(ctx, msg, state)
}

// HandleCast implements genserver.Behavior.
func (a *dynAdapter) HandleCast(ctx context.Context, msg any,
	state any) (any, error) {

	return a.behavior.HandleCast(ctx, msg, state)
}
