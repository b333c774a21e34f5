package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestIntensityWindowBoundary verifies the exact budget edge: maxRestarts
// attempts pass, the next one is denied.
func TestIntensityWindowBoundary(t *testing.T) {
	t.Parallel()

	window := NewIntensityWindow(3, 5*time.Second)
	now := time.Now()

	require.True(t, window.Allow(now))
	require.True(t, window.Allow(now.Add(time.Millisecond)))
	require.True(t, window.Allow(now.Add(2*time.Millisecond)))
	require.False(t, window.Allow(now.Add(3*time.Millisecond)))
	require.Equal(t, 3, window.Count(now.Add(3*time.Millisecond)))
}

// TestIntensityWindowSlides verifies that stamps expire out of the window
// and free budget again.
func TestIntensityWindowSlides(t *testing.T) {
	t.Parallel()

	window := NewIntensityWindow(2, time.Second)
	now := time.Now()

	require.True(t, window.Allow(now))
	require.True(t, window.Allow(now.Add(100*time.Millisecond)))
	require.False(t, window.Allow(now.Add(200*time.Millisecond)))

	// Once the first stamp slides out, one slot frees up.
	later := now.Add(1050 * time.Millisecond)
	require.True(t, window.Allow(later))
	require.False(t, window.Allow(later.Add(time.Millisecond)))
}

// TestPropIntensityWindowSoundness checks the defining property against a
// brute-force model: at no instant do more than maxRestarts granted stamps
// fall within any window of the configured width.
func TestPropIntensityWindowSoundness(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		maxRestarts := rapid.IntRange(1, 5).Draw(rt, "max")
		within := time.Duration(
			rapid.IntRange(10, 1000).Draw(rt, "withinMS"),
		) * time.Millisecond

		window := NewIntensityWindow(maxRestarts, within)

		base := time.Now()
		var granted []time.Time

		numAttempts := rapid.IntRange(1, 50).Draw(rt, "attempts")
		offset := time.Duration(0)
		for i := 0; i < numAttempts; i++ {
			step := time.Duration(rapid.IntRange(0, 500).Draw(
				rt, "stepMS")) * time.Millisecond
			offset += step
			now := base.Add(offset)

			if window.Allow(now) {
				granted = append(granted, now)
			}

			// Count granted stamps inside (now-within, now].
			inWindow := 0
			for _, stamp := range granted {
				if stamp.After(now.Add(-within)) {
					inWindow++
				}
			}
			require.LessOrEqual(rt, inWindow, maxRestarts)
		}
	})
}
