package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

func newTestQueue(t *testing.T, depth int) *Queue {
	t.Helper()
	q, err := New(depth, "test")
	require.NoError(t, err)
	require.NoError(t, q.Enable())
	return q
}

// stamped returns a capture whose depth image carries ts
func stamped(t *testing.T, a *allocator.Allocator, ts time.Duration) *capture.Capture {
	t.Helper()
	im, err := capture.NewImage(a, types.FormatDepth16, 1, 1, 2)
	require.NoError(t, err)
	im.SetDeviceTimestamp(ts)
	c := capture.NewCapture()
	c.SetDepth(im)
	im.DecRef()
	return c
}

func timestampOf(t *testing.T, c *capture.Capture) time.Duration {
	t.Helper()
	ts, ok := c.Timestamp()
	require.True(t, ok)
	return ts
}

func TestNewRejectsBadDepth(t *testing.T) {
	_, err := New(0, "bad")
	assert.ErrorIs(t, err, ErrInvalidDepth)
}

func TestOverflowKeepsNewestInOrder(t *testing.T) {
	a := allocator.New()
	q := newTestQueue(t, 3)

	for i := 0; i < 4; i++ {
		c := stamped(t, a, time.Duration(i))
		q.Push(c)
		c.DecRef()
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	for want := 1; want <= 3; want++ {
		c, res := q.Pop(0)
		require.Equal(t, types.WaitSucceeded, res)
		assert.Equal(t, time.Duration(want), timestampOf(t, c))
		c.DecRef()
	}
	_, res := q.Pop(0)
	assert.Equal(t, types.WaitTimeout, res)

	q.Stop()
	assert.NoError(t, a.TestForLeaks())
}

func TestPushDroppedHandsOverOldest(t *testing.T) {
	a := allocator.New()
	q := newTestQueue(t, 1)

	first := stamped(t, a, 1)
	second := stamped(t, a, 2)

	assert.Nil(t, q.PushDropped(first))
	dropped := q.PushDropped(second)
	require.Same(t, first, dropped)
	assert.Equal(t, int32(2), dropped.Refs(), "caller ref plus the one handed back")

	dropped.DecRef()
	first.DecRef()
	second.DecRef()

	c, res := q.Pop(0)
	require.Equal(t, types.WaitSucceeded, res)
	require.Same(t, second, c)
	c.DecRef()

	assert.NoError(t, a.TestForLeaks())
}

func TestPopOnDisabledQueueFails(t *testing.T) {
	q, err := New(2, "off")
	require.NoError(t, err)

	_, res := q.Pop(types.Infinite)
	assert.Equal(t, types.WaitFailed, res)

	c := capture.NewCapture()
	q.Push(c)
	assert.Equal(t, int32(1), c.Refs(), "disabled queue keeps no reference")
	c.DecRef()
}

func TestPopTimesOut(t *testing.T) {
	q := newTestQueue(t, 2)
	start := time.Now()
	_, res := q.Pop(20 * time.Millisecond)
	assert.Equal(t, types.WaitTimeout, res)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestInfinitePopWokenByPush(t *testing.T) {
	a := allocator.New()
	q := newTestQueue(t, 2)

	got := make(chan types.WaitResult, 1)
	go func() {
		c, res := q.Pop(types.Infinite)
		if c != nil {
			c.DecRef()
		}
		got <- res
	}()

	time.Sleep(10 * time.Millisecond)
	c := stamped(t, a, 5)
	q.Push(c)
	c.DecRef()

	select {
	case res := <-got:
		assert.Equal(t, types.WaitSucceeded, res)
	case <-time.After(time.Second):
		t.Fatal("pop was not woken by push")
	}
}

func TestDisableWakesEveryWaiter(t *testing.T) {
	q := newTestQueue(t, 2)

	const waiters = 4
	var wg sync.WaitGroup
	results := make(chan types.WaitResult, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, res := q.Pop(types.Infinite)
			results <- res
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Disable()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not woken by disable")
	}
	close(results)
	for res := range results {
		assert.Equal(t, types.WaitFailed, res)
	}
}

func TestDisableThenEnableStillFailsWaiters(t *testing.T) {
	q := newTestQueue(t, 2)

	for round := 0; round < 20; round++ {
		results := make(chan types.WaitResult, 3)
		for i := 0; i < 2; i++ {
			go func() {
				_, res := q.Pop(types.Infinite)
				results <- res
			}()
		}
		go func() {
			_, res := q.PopContext(context.Background())
			results <- res
		}()

		time.Sleep(10 * time.Millisecond)
		q.Disable()
		require.NoError(t, q.Enable())

		for i := 0; i < 3; i++ {
			select {
			case res := <-results:
				assert.Equal(t, types.WaitFailed, res)
			case <-time.After(time.Second):
				t.Fatalf("round %d: waiter left blocked after disable and re-enable", round)
			}
		}
	}
}

func TestDisableReleasesQueuedCaptures(t *testing.T) {
	a := allocator.New()
	q := newTestQueue(t, 4)
	for i := 0; i < 3; i++ {
		c := stamped(t, a, time.Duration(i))
		q.Push(c)
		c.DecRef()
	}
	q.Disable()
	assert.Zero(t, q.Len())
	assert.NoError(t, a.TestForLeaks())
}

func TestStopIsSticky(t *testing.T) {
	q := newTestQueue(t, 1)
	q.Stop()
	assert.True(t, q.Stopped())
	assert.ErrorIs(t, q.Enable(), ErrStopped)

	_, res := q.Pop(types.Infinite)
	assert.Equal(t, types.WaitFailed, res)
}

func TestPopContext(t *testing.T) {
	a := allocator.New()
	q := newTestQueue(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, res := q.PopContext(ctx)
	assert.Equal(t, types.WaitTimeout, res)

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, res = q.PopContext(ctx)
	assert.Equal(t, types.WaitFailed, res)

	c := stamped(t, a, 9)
	q.Push(c)
	c.DecRef()
	got, res := q.PopContext(context.Background())
	require.Equal(t, types.WaitSucceeded, res)
	assert.Equal(t, time.Duration(9), timestampOf(t, got))
	got.DecRef()
}

func TestStats(t *testing.T) {
	a := allocator.New()
	q := newTestQueue(t, 1)
	for i := 0; i < 3; i++ {
		c := stamped(t, a, time.Duration(i))
		q.Push(c)
		c.DecRef()
	}
	c, _ := q.Pop(0)
	c.DecRef()

	assert.Equal(t, Stats{Len: 0, Pushed: 3, Popped: 1, Dropped: 2}, q.Stats())
	assert.Equal(t, 1, q.Depth())
	assert.Equal(t, "test", q.Name())
}
