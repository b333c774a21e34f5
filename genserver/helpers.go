package genserver

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// CastAll sends a message to every ref using fire-and-forget semantics.
// Useful for fan-out notifications and cache invalidation.
func CastAll[M, R any](ctx context.Context, refs []Ref[M, R], msg M) {
	for _, ref := range refs {
		ref.Cast(ctx, msg)
	}
}

// ParallelCall issues the same call to every ref concurrently and collects
// the results in ref order. Each call runs under the ref's default call
// timeout; individual failures land in their result slot without affecting
// the others.
func ParallelCall[M, R any](ctx context.Context, refs []Ref[M, R],
	msg M) []fn.Result[R] {

	results := make([]fn.Result[R], len(refs))

	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref Ref[M, R]) {
			defer wg.Done()

			reply, err := ref.Call(ctx, msg)
			if err != nil {
				results[i] = fn.Err[R](err)
				return
			}

			results[i] = fn.Ok(reply)
		}(i, ref)
	}
	wg.Wait()

	return results
}

// StopAll gracefully stops every ref with the given reason, returning the
// first error encountered. Refs that already terminated are skipped.
func StopAll(ctx context.Context, refs []BaseRef,
	reason StopReason) error {

	var firstErr error
	for _, ref := range refs {
		if err := ref.Stop(ctx, reason); err != nil &&
			firstErr == nil {

			firstErr = err
		}
	}

	return firstErr
}
