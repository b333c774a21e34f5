package supervisor

import (
	"sync"
	"time"
)

// IntensityWindow is the sliding-window restart-intensity limiter. It tracks
// the timestamps of recent restarts for a supervisor as a whole; once
// maxRestarts stamps fall within the window, the next restart attempt is
// denied and the supervisor must shut down. The distributed supervisor
// shares this limiter for its failover accounting.
type IntensityWindow struct {
	mu          sync.Mutex
	maxRestarts int
	within      time.Duration
	stamps      []time.Time
}

// NewIntensityWindow creates a limiter with the given budget.
func NewIntensityWindow(maxRestarts int,
	within time.Duration) *IntensityWindow {

	return &IntensityWindow{
		maxRestarts: maxRestarts,
		within:      within,
	}
}

// Allow records a restart attempt at now. It returns true and appends the
// stamp when the budget still has room; it returns false, without
// recording, once maxRestarts stamps already sit inside the window.
func (w *IntensityWindow) Allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Purge stamps that have slid out of the window.
	cutoff := now.Add(-w.within)
	kept := w.stamps[:0]
	for _, stamp := range w.stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= w.maxRestarts {
		return false
	}

	w.stamps = append(w.stamps, now)

	return true
}

// Count returns the number of stamps currently inside the window.
func (w *IntensityWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.within)
	n := 0
	for _, stamp := range w.stamps {
		if stamp.After(cutoff) {
			n++
		}
	}

	return n
}
