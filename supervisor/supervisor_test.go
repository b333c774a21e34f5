package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gensys/genserver"
	"github.com/stretchr/testify/require"
)

// stopRecorder collects child stop order across a test.
type stopRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *stopRecorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
}

func (r *stopRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)

	return out
}

// testChild is a controllable fake child: tests crash it on demand and
// observe stop ordering.
type testChild struct {
	id       string
	running  atomic.Bool
	events   *genserver.EventBus
	recorder *stopRecorder
}

func newTestChild(id string, recorder *stopRecorder) *testChild {
	c := &testChild{
		id:       id,
		events:   genserver.NewEventBus(),
		recorder: recorder,
	}
	c.running.Store(true)

	return c
}

func (c *testChild) ID() string { return c.id }

func (c *testChild) IsRunning() bool { return c.running.Load() }

func (c *testChild) Stop(_ context.Context,
	reason genserver.StopReason) error {

	if c.running.CompareAndSwap(true, false) {
		if c.recorder != nil {
			c.recorder.record(c.id)
		}
		c.events.Emit(genserver.Event{
			Type:     genserver.EventTerminated,
			ID:       c.id,
			Reason:   reason,
			Terminal: true,
		})
	}

	return nil
}

func (c *testChild) ForceTerminate(reason genserver.StopReason) {
	if c.running.CompareAndSwap(true, false) {
		if c.recorder != nil {
			c.recorder.record(c.id)
		}
		c.events.Emit(genserver.Event{
			Type:     genserver.EventCrashed,
			ID:       c.id,
			Reason:   reason,
			Terminal: true,
		})
	}
}

// crash simulates an abnormal exit observed by the supervisor.
func (c *testChild) crash(err error) {
	if c.running.CompareAndSwap(true, false) {
		c.events.Emit(genserver.Event{
			Type:     genserver.EventCrashed,
			ID:       c.id,
			Err:      err,
			Terminal: true,
		})
	}
}

// exitNormal simulates a voluntary clean exit.
func (c *testChild) exitNormal() {
	if c.running.CompareAndSwap(true, false) {
		c.events.Emit(genserver.Event{
			Type:     genserver.EventTerminated,
			ID:       c.id,
			Reason:   genserver.ReasonNormal,
			Terminal: true,
		})
	}
}

func (c *testChild) OnLifecycleEvent(
	handler func(genserver.Event)) func() {

	return c.events.Subscribe(handler)
}

// childFactory tracks every instance it produces, keyed by spec id.
type childFactory struct {
	mu        sync.Mutex
	recorder  *stopRecorder
	instances map[string][]*testChild
	failNext  map[string]int
}

func newChildFactory(recorder *stopRecorder) *childFactory {
	return &childFactory{
		recorder:  recorder,
		instances: make(map[string][]*testChild),
		failNext:  make(map[string]int),
	}
}

func (f *childFactory) spec(id string, restart Restart) ChildSpec {
	return ChildSpec{
		ID:      id,
		Restart: restart,
		Start: func(_ context.Context) (Child, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			if f.failNext[id] > 0 {
				f.failNext[id]--
				return nil, fmt.Errorf("factory %q refused",
					id)
			}

			child := newTestChild(
				fmt.Sprintf("%s#%d", id,
					len(f.instances[id])+1),
				f.recorder,
			)
			f.instances[id] = append(f.instances[id], child)

			return child, nil
		},
	}
}

// current returns the most recent instance for a spec id.
func (f *childFactory) current(id string) *testChild {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.instances[id]
	if len(list) == 0 {
		return nil
	}

	return list[len(list)-1]
}

// count returns how many instances were ever created for a spec id.
func (f *childFactory) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.instances[id])
}

// startSup builds and starts a supervisor over the given specs.
func startSup(t *testing.T, cfg Config) *Supervisor {
	t.Helper()

	sup, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 2*time.Second,
		)
		defer cancel()
		_ = sup.Stop(ctx, genserver.ReasonShutdown)
	})

	return sup
}

// waitRestarted blocks until the factory has produced n instances for id.
func waitRestarted(t *testing.T, f *childFactory, id string, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return f.count(id) >= n
	}, 2*time.Second, 2*time.Millisecond,
		"child %q never reached %d instances", id, n)
}

// TestOneForOneRestartsOnlyCrashed covers the crash-isolation scenario:
// with children [a b c d] and one_for_one, crashing c replaces only c.
func TestOneForOneRestartsOnlyCrashed(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)
	sup := startSup(t, Config{
		Strategy: OneForOne,
		Children: []ChildSpec{
			factory.spec("a", Permanent),
			factory.spec("b", Permanent),
			factory.spec("c", Permanent),
			factory.spec("d", Permanent),
		},
	})

	before := sup.Children()
	require.Len(t, before, 4)

	factory.current("c").crash(errors.New("c died"))
	waitRestarted(t, factory, "c", 2)

	require.Eventually(t, func() bool {
		for _, info := range sup.Children() {
			if info.ID == "c" {
				return info.Running &&
					info.RestartCount == 1
			}
		}

		return false
	}, 2*time.Second, 2*time.Millisecond)

	after := sup.Children()
	require.Len(t, after, 4)
	for i, info := range after {
		switch info.ID {
		case "c":
			require.NotEqual(t, before[i].RuntimeID,
				info.RuntimeID)
			require.Equal(t, 1, info.RestartCount)

		default:
			// Untouched siblings keep handle and counter.
			require.Equal(t, before[i].RuntimeID, info.RuntimeID)
			require.Equal(t, 0, info.RestartCount)
			require.True(t, info.Running)
		}
	}

	require.Equal(t, 1, factory.count("a"))
	require.Equal(t, 1, factory.count("b"))
	require.Equal(t, 2, factory.count("c"))
	require.Equal(t, 1, factory.count("d"))
}

// TestRestForOneRestartsTail covers the dependency scenario: with
// [db cache api] and rest_for_one, crashing cache replaces cache and api
// while db is untouched.
func TestRestForOneRestartsTail(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)
	sup := startSup(t, Config{
		Strategy: RestForOne,
		Children: []ChildSpec{
			factory.spec("db", Permanent),
			factory.spec("cache", Permanent),
			factory.spec("api", Permanent),
		},
	})

	before := sup.Children()

	oldAPI := factory.current("api")
	factory.current("cache").crash(errors.New("cache died"))

	waitRestarted(t, factory, "cache", 2)
	waitRestarted(t, factory, "api", 2)

	// The old api instance was stopped by the strategy, so no request
	// could have reached it after the restart decision.
	require.False(t, oldAPI.IsRunning())

	after := sup.Children()
	require.Equal(t, before[0].RuntimeID, after[0].RuntimeID)
	require.NotEqual(t, before[1].RuntimeID, after[1].RuntimeID)
	require.NotEqual(t, before[2].RuntimeID, after[2].RuntimeID)

	// Only the trigger's restart counter moves.
	require.Equal(t, 1, after[1].RestartCount)
	require.Equal(t, 0, after[2].RestartCount)

	require.Equal(t, 1, factory.count("db"))
}

// TestOneForAllRestartsEverything verifies that one_for_all replaces every
// child on a single crash.
func TestOneForAllRestartsEverything(t *testing.T) {
	t.Parallel()

	recorder := &stopRecorder{}
	factory := newChildFactory(recorder)
	sup := startSup(t, Config{
		Strategy: OneForAll,
		Children: []ChildSpec{
			factory.spec("a", Permanent),
			factory.spec("b", Permanent),
			factory.spec("c", Permanent),
		},
	})

	factory.current("b").crash(errors.New("b died"))

	waitRestarted(t, factory, "a", 2)
	waitRestarted(t, factory, "b", 2)
	waitRestarted(t, factory, "c", 2)

	require.Eventually(t, func() bool {
		infos := sup.Children()
		for _, info := range infos {
			if !info.Running {
				return false
			}
		}

		return len(infos) == 3
	}, 2*time.Second, 2*time.Millisecond)

	// Surviving siblings stopped in reverse declaration order: c then a.
	require.Equal(t, []string{"c#1", "a#1"}, recorder.snapshot())
}

// TestIntensityExhaustionShutsDown covers the intensity scenario: with
// max_restarts=2, the third crash inside the window takes the supervisor
// down with ErrMaxRestartsExceeded.
func TestIntensityExhaustionShutsDown(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)
	sup := startSup(t, Config{
		Strategy:    OneForOne,
		MaxRestarts: fn.Some(2),
		Within:      fn.Some(5 * time.Second),
		Children: []ChildSpec{
			factory.spec("crasher", Permanent),
		},
	})

	crashed := make(chan genserver.Event, 1)
	unsub := sup.OnLifecycleEvent(func(event genserver.Event) {
		if event.Type == genserver.EventCrashed && event.Terminal {
			select {
			case crashed <- event:
			default:
			}
		}
	})
	defer unsub()

	// Two crashes restart within budget.
	factory.current("crasher").crash(errors.New("one"))
	waitRestarted(t, factory, "crasher", 2)
	factory.current("crasher").crash(errors.New("two"))
	waitRestarted(t, factory, "crasher", 3)

	// The third trips the limiter.
	factory.current("crasher").crash(errors.New("three"))

	select {
	case event := <-crashed:
		require.ErrorIs(t, event.Err, ErrMaxRestartsExceeded)

	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never gave up")
	}

	require.False(t, sup.IsRunning())
	require.ErrorIs(t, sup.Err(), ErrMaxRestartsExceeded)
	require.Equal(t, 3, factory.count("crasher"))
}

// TestTransientAndTemporaryPolicies verifies the per-child restart policy
// matrix: transient restarts only on abnormal exits, temporary never.
func TestTransientAndTemporaryPolicies(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)
	sup := startSup(t, Config{
		Strategy: OneForOne,
		Children: []ChildSpec{
			factory.spec("transient", Transient),
			factory.spec("temporary", Temporary),
		},
	})

	// A clean transient exit removes the child.
	factory.current("transient").exitNormal()
	require.Eventually(t, func() bool {
		return sup.CountChildren() == 1
	}, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, 1, factory.count("transient"))

	// A temporary crash removes the child without restart.
	factory.current("temporary").crash(errors.New("died"))
	require.Eventually(t, func() bool {
		return sup.CountChildren() == 0
	}, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, 1, factory.count("temporary"))
}

// TestTransientRestartsOnCrash verifies the abnormal half of the transient
// policy.
func TestTransientRestartsOnCrash(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)
	sup := startSup(t, Config{
		Strategy: OneForOne,
		Children: []ChildSpec{
			factory.spec("flaky", Transient),
		},
	})

	factory.current("flaky").crash(errors.New("died"))
	waitRestarted(t, factory, "flaky", 2)
	require.Equal(t, 1, sup.CountChildren())
}

// TestStopReverseOrder verifies the reverse-stop invariant exactly.
func TestStopReverseOrder(t *testing.T) {
	t.Parallel()

	recorder := &stopRecorder{}
	factory := newChildFactory(recorder)
	sup := startSup(t, Config{
		Strategy: OneForOne,
		Children: []ChildSpec{
			factory.spec("first", Permanent),
			factory.spec("second", Permanent),
			factory.spec("third", Permanent),
		},
	})

	require.NoError(t, sup.Stop(
		context.Background(), genserver.ReasonShutdown,
	))

	require.Equal(t, []string{"third#1", "second#1", "first#1"},
		recorder.snapshot())
}

// TestStartFailureUnwindsReverse verifies that a failing factory during
// start-up stops the children already started, in reverse order, and Start
// fails.
func TestStartFailureUnwindsReverse(t *testing.T) {
	t.Parallel()

	recorder := &stopRecorder{}
	factory := newChildFactory(recorder)

	cfg := Config{
		Strategy: OneForOne,
		Children: []ChildSpec{
			factory.spec("a", Permanent),
			factory.spec("b", Permanent),
			{
				ID: "broken",
				Start: func(_ context.Context) (Child,
					error) {

					return nil, errors.New("no dice")
				},
			},
		},
	}

	sup, err := New(cfg)
	require.NoError(t, err)

	err = sup.Start(context.Background())
	require.ErrorIs(t, err, ErrChildStart)
	require.Equal(t, []string{"b#1", "a#1"}, recorder.snapshot())
	require.False(t, sup.IsRunning())
}

// TestDynamicChildOps covers StartChild/TerminateChild/RestartChild and
// their error cases.
func TestDynamicChildOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := newChildFactory(nil)
	sup := startSup(t, Config{Strategy: OneForOne})

	_, err := sup.StartChild(ctx, factory.spec("worker", Permanent))
	require.NoError(t, err)
	require.Equal(t, 1, sup.CountChildren())

	// Duplicate id refused.
	_, err = sup.StartChild(ctx, factory.spec("worker", Permanent))
	require.ErrorIs(t, err, ErrDuplicateChild)

	// Manual restart yields a fresh handle.
	oldID := factory.current("worker").ID()
	newHandle, err := sup.RestartChild(ctx, "worker")
	require.NoError(t, err)
	require.NotEqual(t, oldID, newHandle.ID())

	// Unknown ids fail.
	_, err = sup.RestartChild(ctx, "ghost")
	require.ErrorIs(t, err, ErrChildNotFound)
	require.ErrorIs(t, sup.TerminateChild(ctx, "ghost"),
		ErrChildNotFound)

	require.NoError(t, sup.TerminateChild(ctx, "worker"))
	require.Equal(t, 0, sup.CountChildren())
}

// TestSimpleOneForOne covers the dynamic strategy: template-spawned
// children, restart of crashed instances, and the StartChild rejection.
func TestSimpleOneForOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var (
		mu      sync.Mutex
		spawned []*testChild
	)
	tmpl := &ChildTemplate{
		Restart: Permanent,
		Start: func(_ context.Context, args ...any) (Child, error) {
			mu.Lock()
			defer mu.Unlock()

			child := newTestChild(
				fmt.Sprintf("dyn-%v-%d", args[0],
					len(spawned)),
				nil,
			)
			spawned = append(spawned, child)

			return child, nil
		},
	}

	sup := startSup(t, Config{
		Strategy:      SimpleOneForOne,
		ChildTemplate: tmpl,
	})

	first, err := sup.SpawnChild(ctx, "alpha")
	require.NoError(t, err)
	_, err = sup.SpawnChild(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, 2, sup.CountChildren())

	// Crash one: the template respawns it with the same args.
	mu.Lock()
	crashTarget := spawned[0]
	mu.Unlock()
	require.Equal(t, first.ID(), crashTarget.ID())

	crashTarget.crash(errors.New("dyn died"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(spawned) == 3
	}, 2*time.Second, 2*time.Millisecond)

	// StartChild is rejected on dynamic supervisors.
	_, err = sup.StartChild(ctx, ChildSpec{ID: "static"})
	require.ErrorIs(t, err, ErrBadSpec)
}

// TestSimpleOneForOneValidation verifies the config rejections: static
// children with a dynamic strategy, and a missing template.
func TestSimpleOneForOneValidation(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)

	_, err := New(Config{
		Strategy: SimpleOneForOne,
		Children: []ChildSpec{factory.spec("static", Permanent)},
		ChildTemplate: &ChildTemplate{
			Start: func(_ context.Context,
				_ ...any) (Child, error) {

				return nil, nil
			},
		},
	})
	require.ErrorIs(t, err, ErrBadSpec)

	_, err = New(Config{Strategy: SimpleOneForOne})
	require.ErrorIs(t, err, ErrBadSpec)
}

// TestAutoShutdownAnySignificant verifies that the first significant child
// exit stops the supervisor.
func TestAutoShutdownAnySignificant(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)

	significant := factory.spec("vital", Temporary)
	significant.Significant = true

	sup := startSup(t, Config{
		Strategy:     OneForOne,
		AutoShutdown: AnySignificant,
		Children: []ChildSpec{
			factory.spec("worker", Permanent),
			significant,
		},
	})

	factory.current("vital").exitNormal()

	require.Eventually(t, func() bool {
		return !sup.IsRunning()
	}, 2*time.Second, 2*time.Millisecond)
}

// TestAutoShutdownAllSignificant verifies that only the last significant
// child's exit stops the supervisor.
func TestAutoShutdownAllSignificant(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)

	sigA := factory.spec("sig-a", Temporary)
	sigA.Significant = true
	sigB := factory.spec("sig-b", Temporary)
	sigB.Significant = true

	sup := startSup(t, Config{
		Strategy:     OneForOne,
		AutoShutdown: AllSignificant,
		Children:     []ChildSpec{sigA, sigB},
	})

	factory.current("sig-a").exitNormal()

	// One significant child remains; the supervisor stays up.
	require.Eventually(t, func() bool {
		return sup.CountChildren() == 1
	}, 2*time.Second, 2*time.Millisecond)
	require.True(t, sup.IsRunning())

	factory.current("sig-b").exitNormal()

	require.Eventually(t, func() bool {
		return !sup.IsRunning()
	}, 2*time.Second, 2*time.Millisecond)
}

// TestNestedSupervisorPropagation verifies that a child supervisor tripping
// its limiter surfaces as an abnormal exit to its parent, which restarts it.
func TestNestedSupervisorPropagation(t *testing.T) {
	t.Parallel()

	factory := newChildFactory(nil)

	var childSups atomic.Int32
	childSupSpec := ChildSpec{
		ID:      "inner",
		Restart: Permanent,
		Start: func(_ context.Context) (Child, error) {
			inner, err := New(Config{
				Strategy:    OneForOne,
				MaxRestarts: fn.Some(1),
				Within:      fn.Some(time.Minute),
				Children: []ChildSpec{
					factory.spec("leaf", Permanent),
				},
			})
			if err != nil {
				return nil, err
			}
			if err := inner.Start(context.Background()); err != nil {
				return nil, err
			}
			childSups.Add(1)

			return inner, nil
		},
	}

	parent := startSup(t, Config{
		Strategy: OneForOne,
		Children: []ChildSpec{childSupSpec},
	})

	require.Equal(t, int32(1), childSups.Load())

	// First crash consumes the inner budget, second trips it; the inner
	// supervisor dies abnormally and the parent replaces it.
	factory.current("leaf").crash(errors.New("one"))
	waitRestarted(t, factory, "leaf", 2)
	factory.current("leaf").crash(errors.New("two"))

	require.Eventually(t, func() bool {
		return childSups.Load() == 2
	}, 2*time.Second, 2*time.Millisecond)

	require.True(t, parent.IsRunning())
}

// TestStopTwiceIsNoOp verifies supervisor stop idempotence.
func TestStopTwiceIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	factory := newChildFactory(nil)
	sup := startSup(t, Config{
		Strategy: OneForOne,
		Children: []ChildSpec{factory.spec("only", Permanent)},
	})

	require.NoError(t, sup.Stop(ctx, genserver.ReasonShutdown))
	require.NoError(t, sup.Stop(ctx, genserver.ReasonShutdown))
}

// TestGenserverChildren exercises supervision end to end over real
// genservers: a permanent child whose handler panics is replaced by a fresh
// instance that resumes from its initial state.
func TestGenserverChildren(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	behavior := &genserver.FuncBehavior[int, string, int]{
		OnCall: func(_ context.Context, msg string,
			state int) (int, int, error) {

			if msg == "crash" {
				panic("kaboom")
			}

			return state, state + 1, nil
		},
	}

	var handles sync.Map
	spec := ChildSpec{
		ID:      "svc",
		Restart: Permanent,
		Start: func(ctx context.Context) (Child, error) {
			ref, err := genserver.Start[int, string, int](
				ctx, behavior,
			)
			if err != nil {
				return nil, err
			}
			handles.Store(ref.ID(), ref)

			return ref, nil
		},
	}

	sup := startSup(t, Config{
		Strategy: OneForOne,
		Children: []ChildSpec{spec},
	})

	info := sup.Children()[0]
	firstID := info.RuntimeID

	ref, ok := handles.Load(firstID)
	require.True(t, ok)

	_, err := ref.(genserver.Ref[string, int]).Call(ctx, "crash")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		infos := sup.Children()
		return len(infos) == 1 && infos[0].Running &&
			infos[0].RuntimeID != firstID
	}, 2*time.Second, 2*time.Millisecond)

	require.Equal(t, 1, sup.Children()[0].RestartCount)
}
