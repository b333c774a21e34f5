package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gensys/genserver"
)

// pendingCall is one in-flight remote call awaiting its reply.
type pendingCall struct {
	callID    string
	node      NodeID
	promise   *genserver.Promise[json.RawMessage]
	timer     *time.Timer
	createdAt time.Time
}

// pendingCalls correlates outgoing call_request envelopes with their
// call_reply counterparts, enforces per-call timeouts, and fails every call
// to a node in one pass when that node is lost.
type pendingCalls struct {
	mu      sync.Mutex
	calls   map[string]*pendingCall
	metrics *Metrics
}

// newPendingCalls creates an empty correlation table.
func newPendingCalls(metrics *Metrics) *pendingCalls {
	return &pendingCalls{
		calls:   make(map[string]*pendingCall),
		metrics: metrics,
	}
}

// register records a call and arms its timeout. The returned future
// completes with the raw reply payload or an error.
func (p *pendingCalls) register(callID string, node NodeID,
	timeout time.Duration) genserver.Future[json.RawMessage] {

	call := &pendingCall{
		callID:    callID,
		node:      node,
		promise:   genserver.NewPromise[json.RawMessage](),
		createdAt: time.Now(),
	}

	// The timer is armed under the lock so a racing reply never observes
	// a half-registered call.
	p.mu.Lock()
	p.calls[callID] = call
	call.timer = time.AfterFunc(timeout, func() {
		if p.take(callID) == nil {
			return
		}

		p.metrics.callTimedOut()
		call.promise.Complete(fn.Err[json.RawMessage](
			ErrRemoteCallTimeout,
		))
	})
	p.mu.Unlock()

	p.metrics.callInitiated()

	return call.promise.Future()
}

// take removes and returns a call, or nil when it was already settled.
func (p *pendingCalls) take(callID string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[callID]
	if !ok {
		return nil
	}
	delete(p.calls, callID)

	if call.timer != nil {
		call.timer.Stop()
	}

	return call
}

// resolve completes a call with its reply payload.
func (p *pendingCalls) resolve(callID string, reply json.RawMessage) {
	call := p.take(callID)
	if call == nil {
		return
	}

	p.metrics.callResolved()
	call.promise.Complete(fn.Ok(reply))
}

// reject completes a call with an error.
func (p *pendingCalls) reject(callID string, err error) {
	call := p.take(callID)
	if call == nil {
		return
	}

	p.metrics.callRejected()
	call.promise.Complete(fn.Err[json.RawMessage](err))
}

// failNode rejects every pending call targeting the lost node in one atomic
// pass: the table is swept under the lock, the completions run after it.
func (p *pendingCalls) failNode(node NodeID, reason string) {
	p.mu.Lock()
	var doomed []*pendingCall
	for id, call := range p.calls {
		if call.node == node {
			doomed = append(doomed, call)
			delete(p.calls, id)
		}
	}
	p.mu.Unlock()

	if len(doomed) == 0 {
		return
	}

	log.DebugS(context.Background(),
		"Failing pending calls for lost node",
		"node", node.String(), "num_calls", len(doomed))

	err := &NodeLostError{Node: node, Reason: reason}
	for _, call := range doomed {
		if call.timer != nil {
			call.timer.Stop()
		}

		p.metrics.callRejected()
		call.promise.Complete(fn.Err[json.RawMessage](err))
	}
}

// size returns the number of in-flight calls.
func (p *pendingCalls) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.calls)
}
