// Package queue is the bounded capture queue between the synchronizer and
// the application. When full, the oldest entry is dropped.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

var (
	ErrInvalidDepth = errors.New("queue: depth must be positive")
	ErrStopped      = errors.New("queue: stopped")
)

// Queue holds at most depth captures. Blocked poppers are woken by push,
// Disable and Stop.
type Queue struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	ring    []*capture.Capture // depth+1 slots, one always empty
	read    int
	write   int
	enabled bool
	stopped bool

	// bumped by every Disable; a popper that sees it change fails even if
	// the queue was enabled again before it woke
	generation uint64

	// drops since the last successful pop, reported on that pop
	unreported uint64

	dropped atomic.Uint64
	pushed  atomic.Uint64
	popped  atomic.Uint64
}

// Stats is a snapshot of the queue counters
type Stats struct {
	Len     int
	Pushed  uint64
	Popped  uint64
	Dropped uint64
}

// New creates a disabled queue holding up to depth captures
func New(depth int, name string) (*Queue, error) {
	if depth <= 0 {
		return nil, errors.Wrapf(ErrInvalidDepth, "%s: %d", name, depth)
	}
	q := &Queue{
		name: name,
		ring: make([]*capture.Capture, depth+1),
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Name returns the name used in log messages
func (q *Queue) Name() string {
	return q.name
}

// Depth returns the capacity
func (q *Queue) Depth() int {
	return len(q.ring) - 1
}

// Enable allows pushes and pops. A stopped queue cannot be re-enabled.
func (q *Queue) Enable() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return errors.Wrap(ErrStopped, q.name)
	}
	q.enabled = true
	return nil
}

// Disable drops every queued capture and wakes all blocked poppers with WaitFailed.
func (q *Queue) Disable() {
	q.mu.Lock()
	q.enabled = false
	q.generation++
	drained := q.drainLocked()
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, c := range drained {
		c.DecRef()
	}
	if len(drained) > 0 {
		logger.Debug("Queue", "%s: released %d captures on disable", q.name, len(drained))
	}
}

// Stop disables the queue permanently
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.Disable()
}

// Stopped reports whether Stop was called
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Len returns the number of queued captures
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Dropped returns the number of captures dropped for lack of space
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Stats returns the queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Len:     q.Len(),
		Pushed:  q.pushed.Load(),
		Popped:  q.popped.Load(),
		Dropped: q.dropped.Load(),
	}
}

func (q *Queue) lenLocked() int {
	n := q.write - q.read
	if n < 0 {
		n += len(q.ring)
	}
	return n
}

func (q *Queue) next(i int) int {
	return (i + 1) % len(q.ring)
}

func (q *Queue) drainLocked() []*capture.Capture {
	var out []*capture.Capture
	for q.read != q.write {
		out = append(out, q.ring[q.read])
		q.ring[q.read] = nil
		q.read = q.next(q.read)
	}
	return out
}

func (q *Queue) dequeueLocked() *capture.Capture {
	if q.read == q.write {
		return nil
	}
	c := q.ring[q.read]
	q.ring[q.read] = nil
	q.read = q.next(q.read)
	q.popped.Add(1)

	if q.unreported > 0 {
		logger.Warn("Queue", "%s: dropped %d captures since last pop, consumer is too slow", q.name, q.unreported)
		q.unreported = 0
	}
	return c
}

// Push enqueues c, taking a new reference. If the queue is full the oldest
// capture is released. Pushing to a disabled queue does nothing.
func (q *Queue) Push(c *capture.Capture) {
	if dropped := q.PushDropped(c); dropped != nil {
		dropped.DecRef()
	}
}

// PushDropped behaves like Push but returns the capture evicted to make
// room instead of releasing it. The caller owns the returned reference.
func (q *Queue) PushDropped(c *capture.Capture) *capture.Capture {
	if c == nil {
		logger.Error("Queue", "%s: push of nil capture", q.name)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled {
		return nil
	}

	var dropped *capture.Capture
	if q.next(q.write) == q.read {
		dropped = q.ring[q.read]
		q.ring[q.read] = nil
		q.read = q.next(q.read)
		q.unreported++
		q.dropped.Add(1)
	}

	c.IncRef()
	q.ring[q.write] = c
	q.write = q.next(q.write)
	q.pushed.Add(1)
	q.cond.Signal()
	return dropped
}

// Pop dequeues the oldest capture. timeout 0 never blocks, types.Infinite
// (or any negative value) waits until a capture arrives or the queue is
// disabled. The caller owns the returned reference.
func (q *Queue) Pop(timeout time.Duration) (*capture.Capture, types.WaitResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled {
		return nil, types.WaitFailed
	}
	if c := q.dequeueLocked(); c != nil {
		return c, types.WaitSucceeded
	}
	if timeout == 0 {
		return nil, types.WaitTimeout
	}

	gen := q.generation
	expired := false
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			expired = true
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		q.cond.Wait()
		if !q.enabled || q.generation != gen {
			return nil, types.WaitFailed
		}
		if c := q.dequeueLocked(); c != nil {
			return c, types.WaitSucceeded
		}
		if expired {
			return nil, types.WaitTimeout
		}
	}
}

// PopContext blocks until a capture arrives, the queue is disabled, or ctx
// is done. A context deadline reports WaitTimeout, cancellation WaitFailed.
func (q *Queue) PopContext(ctx context.Context) (*capture.Capture, types.WaitResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.enabled {
		return nil, types.WaitFailed
	}

	gen := q.generation
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		if !q.enabled || q.generation != gen {
			return nil, types.WaitFailed
		}
		if c := q.dequeueLocked(); c != nil {
			return c, types.WaitSucceeded
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, types.WaitTimeout
			}
			return nil, types.WaitFailed
		}
		q.cond.Wait()
	}
}
