package genserver

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no test leaves server goroutines behind: every
// process loop, context watcher, and init goroutine must wind down with its
// server.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
