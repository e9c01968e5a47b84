package swrcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// refreshJob is one pending background refresh.
type refreshJob struct {
	key Key
	run func(context.Context)
}

// refreshQueue is the single-consumer background refresh processor.
// Successive refreshes are spaced by a token bucket so a scroll burst
// cannot turn into a network burst, and at most one refresh per key is
// pending at a time.
type refreshQueue struct {
	mu      sync.Mutex
	pending map[Key]struct{}

	jobs    chan refreshJob
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger
}

// refreshQueueDepth bounds how many refreshes can wait; beyond it new
// requests are dropped, the entry keeps serving its last value.
const refreshQueueDepth = 64

func newRefreshQueue(logger *zap.Logger) *refreshQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &refreshQueue{
		pending: make(map[Key]struct{}),
		jobs:    make(chan refreshJob, refreshQueueDepth),
		limiter: rate.NewLimiter(rate.Every(refreshSpacing), 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}
	go q.consume(ctx)
	return q
}

// refreshSpacing is the minimum gap between successive refreshes.
const refreshSpacing = 200 * time.Millisecond

// enqueue schedules run for key unless a refresh for that key is
// already pending. Returns whether the job was accepted.
func (q *refreshQueue) enqueue(key Key, run func(context.Context)) bool {
	q.mu.Lock()
	if _, dup := q.pending[key]; dup {
		q.mu.Unlock()
		return false
	}
	q.pending[key] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- refreshJob{key: key, run: run}:
		return true
	default:
		q.mu.Lock()
		delete(q.pending, key)
		q.mu.Unlock()
		q.logger.Warn("refresh queue full, dropping refresh",
			zap.String("key", key.String()))
		return false
	}
}

func (q *refreshQueue) consume(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			job.run(ctx)
			q.mu.Lock()
			delete(q.pending, job.key)
			q.mu.Unlock()
		}
	}
}

func (q *refreshQueue) close() {
	q.cancel()
	<-q.done
}
