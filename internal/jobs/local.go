package jobs

import (
	"context"
	"errors"
	"log"
	"sync"
)

var (
	ErrQueueFull = errors.New("job queue full")
	ErrClosed    = errors.New("job queue closed")
)

// Local runs jobs on an in-process worker pool. A job already waiting in
// the queue is not queued twice.
type Local struct {
	runner  *Runner
	workers int
	queue   chan Job

	mu      sync.Mutex
	pending map[Job]struct{}
	closed  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewLocal(runner *Runner, workers, queueSize int) *Local {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Local{
		runner:  runner,
		workers: workers,
		queue:   make(chan Job, queueSize),
		pending: make(map[Job]struct{}),
	}
}

// Start launches the workers. They stop when ctx is cancelled or Close is
// called.
func (l *Local) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.work(ctx)
	}
}

func (l *Local) work(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-l.queue:
			if !ok {
				return
			}
			l.mu.Lock()
			delete(l.pending, j)
			l.mu.Unlock()

			if err := l.runner.Run(ctx, j); err != nil {
				log.Printf("[ERROR] %s job for source %d: %v", j.Kind, j.SourceID, err)
			}
		}
	}
}

func (l *Local) DispatchSync(ctx context.Context, sourceID int64) error {
	return l.enqueue(Job{Kind: KindSync, SourceID: sourceID})
}

func (l *Local) DispatchRenewal(ctx context.Context, sourceID, subscriptionID int64) error {
	return l.enqueue(Job{Kind: KindRenew, SourceID: sourceID, SubscriptionID: subscriptionID})
}

func (l *Local) enqueue(j Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.pending[j]; ok {
		return nil
	}
	select {
	case l.queue <- j:
		l.pending[j] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, lets the workers drain what is queued and
// waits for them.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	if l.cancel != nil {
		l.cancel()
	}
	return nil
}
