package genserver

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Future represents the pending result of an asynchronous computation. A
// caller blocks on Await until the producer completes the associated Promise
// or the caller's context expires.
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it. Context expiry yields an error result
	// carrying the context's error.
	Await(ctx context.Context) fn.Result[T]
}

// Promise is the producer side of a Future. The first Complete wins; later
// completions are ignored.
type Promise[T any] struct {
	once   sync.Once
	done   chan struct{}
	result fn.Result[T]
}

// NewPromise creates an unfulfilled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{
		done: make(chan struct{}),
	}
}

// Complete attempts to set the result. It returns true if this call was the
// one that completed the promise, false if it had already been completed.
func (p *Promise[T]) Complete(result fn.Result[T]) bool {
	completed := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		completed = true
	})

	return completed
}

// Future returns the consumer-side view of this promise.
func (p *Promise[T]) Future() Future[T] {
	return &promiseFuture[T]{p: p}
}

// promiseFuture adapts a Promise to the Future interface.
type promiseFuture[T any] struct {
	p *Promise[T]
}

// Await implements Future.
func (f *promiseFuture[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-f.p.done:
		return f.p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}
