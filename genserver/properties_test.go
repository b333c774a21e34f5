package genserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestPropCounterMatchesModel drives a counter server with a random sequence
// of casts and calls and checks every observed reply against a sequential
// model. Because all messages originate from one goroutine, FIFO delivery
// means the server must agree with the model exactly.
func TestPropCounterMatchesModel(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()

		behavior := &FuncBehavior[int, int, int]{
			OnCast: func(_ context.Context, msg int,
				state int) (int, error) {

				return state + msg, nil
			},
			OnCall: func(_ context.Context, _ int,
				state int) (int, int, error) {

				return state, state, nil
			},
		}

		ref, err := Start[int, int, int](
			ctx, behavior, WithMailboxSize(128),
		)
		require.NoError(rt, err)
		defer func() { _ = ref.Stop(ctx, ReasonShutdown) }()

		model := 0
		numOps := rapid.IntRange(1, 40).Draw(rt, "numOps")
		for i := 0; i < numOps; i++ {
			if rapid.Bool().Draw(rt, "isCast") {
				delta := rapid.IntRange(-5, 5).Draw(rt, "delta")
				ref.Cast(ctx, delta)
				model += delta

				continue
			}

			got, err := ref.CallTimeout(ctx, 0, 5*time.Second)
			require.NoError(rt, err)
			require.Equal(rt, model, got)
		}
	})
}

// TestPropStatusMachine checks that the terminal status reached by a random
// stop path is consistent: normal/shutdown reasons end in stopped, abnormal
// forced terminations end in crashed, and a second stop never changes the
// outcome.
func TestPropStatusMachine(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()

		ref, err := Start[int, string, int](
			ctx, counterBehavior{},
		)
		require.NoError(rt, err)

		force := rapid.Bool().Draw(rt, "force")
		if force {
			ref.ForceTerminate(ReasonKilled)
		} else {
			reason := rapid.SampledFrom([]StopReason{
				ReasonNormal, ReasonShutdown,
			}).Draw(rt, "reason")
			require.NoError(rt, ref.Stop(ctx, reason))
		}

		require.Eventually(rt, func() bool {
			return ref.Status().Terminal()
		}, time.Second, time.Millisecond)

		want := StatusStopped
		if force {
			want = StatusCrashed
		}
		require.Equal(rt, want, ref.Status())

		// Terminal is absorbing.
		require.NoError(rt, ref.Stop(ctx, ReasonNormal))
		require.Equal(rt, want, ref.Status())
	})
}
