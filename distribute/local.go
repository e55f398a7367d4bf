package distribute

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"

	"github.com/distboost/dgbt/protocol"
)

// replyOrErr carries one worker's answer to an AsyncRequest back to
// NextReply's caller.
type replyOrErr struct {
	reply protocol.Reply
	err   error
}

// LocalManager is a Manager that dispatches every asynchronous request to
// an in-process Worker in its own goroutine; BlockingRequest calls the
// Worker directly in the caller's goroutine. It is the Manager used by
// every driver-level test, and could equally back a single-process
// training run.
type LocalManager struct {
	workers []Worker

	mu      sync.Mutex
	replies chan replyOrErr
	wg      sync.WaitGroup
	closed  bool
}

// NewLocalManager returns a Manager backed by workers, one per worker
// index.
func NewLocalManager(workers []Worker) *LocalManager {
	return &LocalManager{
		workers: workers,
		replies: make(chan replyOrErr, len(workers)),
	}
}

// NumWorkers implements Manager.
func (m *LocalManager) NumWorkers() int { return len(m.workers) }

// Welcome implements Manager. It fans the welcome payload out to every
// worker concurrently.
func (m *LocalManager) Welcome(ctx context.Context, w protocol.Welcome) error {
	var g errgroup.Group
	for _, worker := range m.workers {
		worker := worker
		g.Go(func() error {
			return worker.Welcome(ctx, w)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.E(errors.Fatal, err, "distribute: welcome failed")
	}
	return nil
}

// AsyncRequest implements Manager.
func (m *LocalManager) AsyncRequest(ctx context.Context, workerIdx int, req protocol.Request) {
	worker := m.workers[workerIdx]
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		reply, err := worker.Handle(ctx, req)
		select {
		case m.replies <- replyOrErr{reply, err}:
		case <-ctx.Done():
		}
	}()
}

// NextReply implements Manager.
func (m *LocalManager) NextReply(ctx context.Context) (protocol.Reply, error) {
	select {
	case r := <-m.replies:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, errors.E(ctx.Err(), "distribute: NextReply canceled")
	}
}

// BlockingRequest implements Manager.
func (m *LocalManager) BlockingRequest(ctx context.Context, workerIdx int, req protocol.Request) (protocol.Reply, error) {
	return m.workers[workerIdx].Handle(ctx, req)
}

// Done implements Manager.
func (m *LocalManager) Done() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.wg.Wait()
	close(m.replies)
}
