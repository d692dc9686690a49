// Package ingressqueue is the bounded, drop-oldest, many-writer/single-reader sample
// queue that decouples OPC UA acquisition from persistence (spec.md §4.1). Publish never
// blocks: once the queue is at capacity, the oldest resident Sample is evicted and the
// dropped counter incremented in the same critical section, resolving the "dropped
// counter accuracy" design question in favor of an exact, synchronously-signalled count.
package ingressqueue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/sample"
)

// Queue is a fixed-capacity ring buffer of Samples with drop-oldest overflow semantics.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []sample.Sample
	head     int // index of the oldest resident element
	size     int // number of resident elements
	cap      int
	closed   bool

	totalEnqueued uint64
	totalDropped  uint64

	dropLogLimiter *rate.Limiter
}

// New returns an empty Queue with the given fixed capacity. capacity must be > 0.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		buf:            make([]sample.Sample, capacity),
		cap:            capacity,
		dropLogLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish enqueues s. If the queue is at capacity, the oldest resident Sample is
// evicted to make room and the dropped counter is incremented. Publish never blocks and
// is a silent no-op once the queue has been closed.
func (q *Queue) Publish(s sample.Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	if q.size == q.cap {
		// Evict the oldest resident element to make room for s.
		q.head = (q.head + 1) % q.cap
		q.size--
		q.totalDropped++
		if q.dropLogLimiter.Allow() {
			sklog.Warningf("ingressqueue: at capacity %d, dropping oldest sample", q.cap)
		}
	}

	tail := (q.head + q.size) % q.cap
	q.buf[tail] = s
	q.size++
	q.totalEnqueued++

	q.cond.Signal()
}

// TryPop removes and returns the oldest resident Sample, if any.
func (q *Queue) TryPop() (sample.Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (sample.Sample, bool) {
	if q.size == 0 {
		return sample.Sample{}, false
	}
	s := q.buf[q.head]
	q.buf[q.head] = sample.Sample{}
	q.head = (q.head + 1) % q.cap
	q.size--
	return s, true
}

// WaitNonEmpty blocks until the queue is non-empty, ctx is cancelled, or timeout
// elapses, whichever comes first. It returns true iff the queue is non-empty on return.
func (q *Queue) WaitNonEmpty(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if ctx.Err() != nil {
			return false
		}

		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-time.After(remaining):
				q.cond.Broadcast()
			case <-waitDone:
			}
		}()
		q.cond.Wait()
		close(waitDone)

		if ctx.Err() != nil {
			return false
		}
		if time.Now().After(deadline) && q.size == 0 {
			return false
		}
	}
	return q.size > 0
}

// Close terminates waiters and causes subsequent Publish calls to fail silently.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Depth returns the current number of resident Samples.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// TotalEnqueued returns the cumulative number of Samples ever enqueued (including ones
// later dropped).
func (q *Queue) TotalEnqueued() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalEnqueued
}

// Dropped returns the cumulative number of Samples evicted due to overflow. It is
// monotone non-decreasing.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalDropped
}

// Capacity returns the queue's fixed capacity.
func (q *Queue) Capacity() int { return q.cap }
