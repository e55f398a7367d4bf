// Package distribute abstracts away the transport between the manager and
// its workers behind a single Manager interface: the iteration driver
// only ever calls Manager, and is indifferent to whether requests cross
// the network or run in-process.
package distribute

import (
	"context"

	"github.com/distboost/dgbt/protocol"
)

// Worker is implemented by anything that can answer one protocol request.
// A production Manager would have no use for this interface (it would
// speak to workers over a real RPC transport); it exists so that an
// in-process Manager, and the tests built on it, can plug in fake worker
// behavior without a network.
type Worker interface {
	// Welcome primes the worker with the one-time training configuration.
	Welcome(ctx context.Context, w protocol.Welcome) error
	// Handle answers one request.
	Handle(ctx context.Context, req protocol.Request) (protocol.Reply, error)
}

// Manager is the manager's view of a pool of training workers. Every
// method except NumWorkers is safe to call concurrently from at most one
// goroutine per operation per the iteration driver's structure; Manager
// implementations themselves must be safe for concurrent AsyncRequest and
// NextReply calls, since a request from one worker may still be in flight
// when a reply from another arrives.
type Manager interface {
	// NumWorkers returns the number of workers in the pool. It is fixed for
	// the lifetime of a Manager: dgbt has no notion of worker pool resizing.
	NumWorkers() int

	// Welcome pushes the one-time training configuration to every worker.
	// It must be called exactly once, before any other request.
	Welcome(ctx context.Context, w protocol.Welcome) error

	// AsyncRequest dispatches req to the given worker without blocking for
	// the reply; the reply later arrives through NextReply. Replies are not
	// guaranteed to arrive in request order.
	AsyncRequest(ctx context.Context, workerIdx int, req protocol.Request)

	// NextReply blocks until a reply to some previously dispatched
	// AsyncRequest is available, or ctx is done.
	NextReply(ctx context.Context) (protocol.Reply, error)

	// BlockingRequest dispatches req to workerIdx and waits for its reply.
	// It must not be interleaved on the same worker with an outstanding
	// AsyncRequest whose reply has not yet been consumed.
	BlockingRequest(ctx context.Context, workerIdx int, req protocol.Request) (protocol.Reply, error)

	// Done releases any resources held by the Manager. It is safe to call
	// more than once.
	Done()
}
