package synchronizer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/queue"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

var bothStreams = types.Streams(types.StreamColor, types.StreamDepth)

type harness struct {
	t     *testing.T
	alloc *allocator.Allocator
	sync  *Synchronizer
}

func newHarness(t *testing.T, cfg Config, depth int) *harness {
	t.Helper()
	q, err := queue.New(depth, "sync-test")
	require.NoError(t, err)
	return &harness{t: t, alloc: allocator.New(), sync: New(cfg, q)}
}

func (h *harness) image(format types.ImageFormat, ts time.Duration) *capture.Image {
	h.t.Helper()
	im, err := capture.NewImage(h.alloc, format, 2, 2, 4)
	require.NoError(h.t, err)
	im.SetDeviceTimestamp(ts)
	return im
}

func (h *harness) color(ts time.Duration) {
	h.t.Helper()
	c := capture.NewCapture()
	im := h.image(types.FormatColorYUY2, ts)
	c.SetColor(im)
	im.DecRef()
	h.sync.OnColor(c, ts)
	c.DecRef()
}

func (h *harness) depth(ts time.Duration) {
	h.t.Helper()
	c := capture.NewCapture()
	d := h.image(types.FormatDepth16, ts)
	ir := h.image(types.FormatIR16, ts)
	c.SetDepth(d)
	c.SetIR(ir)
	d.DecRef()
	ir.DecRef()
	require.NoError(h.t, c.SetTemperature(40))
	h.sync.OnDepth(c, ts)
	c.DecRef()
}

type popped struct {
	hasColor bool
	hasDepth bool
	hasIR    bool
	ts       time.Duration
}

func (h *harness) pop() (popped, bool) {
	h.t.Helper()
	c, res := h.sync.GetCapture(0)
	if res != types.WaitSucceeded {
		return popped{}, false
	}
	defer c.DecRef()

	var p popped
	if im := c.Color(); im != nil {
		p.hasColor = true
		im.DecRef()
	}
	if im := c.Depth(); im != nil {
		p.hasDepth = true
		im.DecRef()
	}
	if im := c.IR(); im != nil {
		p.hasIR = true
		im.DecRef()
	}
	p.ts, _ = c.Timestamp()
	return p, true
}

func testConfig() Config {
	return Config{
		HalfWindow:                   5 * time.Millisecond,
		MaxPending:                   4,
		DisableStartupSkewCorrection: true,
	}
}

func TestStartRequiresAStream(t *testing.T) {
	h := newHarness(t, testConfig(), 4)
	assert.ErrorIs(t, h.sync.Start(types.Streams(types.StreamIMU)), ErrNoStreams)
	assert.ErrorIs(t, h.sync.Start(0), ErrNoStreams)
}

func TestPairsWithinWindow(t *testing.T) {
	h := newHarness(t, testConfig(), 4)
	require.NoError(t, h.sync.Start(bothStreams))

	h.color(100 * time.Millisecond)
	h.depth(103 * time.Millisecond)

	p, ok := h.pop()
	require.True(t, ok)
	assert.True(t, p.hasColor)
	assert.True(t, p.hasDepth)
	assert.True(t, p.hasIR)
	assert.Equal(t, 100*time.Millisecond, p.ts)

	_, ok = h.pop()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), h.sync.Stats().Paired)

	h.sync.Stop()
	assert.NoError(t, h.alloc.TestForLeaks())
}

func TestCombinedCaptureKeepsDepthTemperature(t *testing.T) {
	h := newHarness(t, testConfig(), 4)
	require.NoError(t, h.sync.Start(bothStreams))

	h.depth(50 * time.Millisecond)
	h.color(52 * time.Millisecond)

	c, res := h.sync.GetCapture(0)
	require.Equal(t, types.WaitSucceeded, res)
	assert.Equal(t, float32(40), c.Temperature())
	c.DecRef()
	h.sync.Stop()
}

func TestFarApartCapturesAreEmittedUnpaired(t *testing.T) {
	h := newHarness(t, testConfig(), 4)
	require.NoError(t, h.sync.Start(bothStreams))

	h.color(100 * time.Millisecond)
	h.depth(200 * time.Millisecond)

	p, ok := h.pop()
	require.True(t, ok)
	assert.True(t, p.hasColor)
	assert.False(t, p.hasDepth)

	h.sync.Flush()
	p, ok = h.pop()
	require.True(t, ok)
	assert.False(t, p.hasColor)
	assert.True(t, p.hasDepth)
	assert.Equal(t, 200*time.Millisecond, p.ts)

	assert.Equal(t, uint64(2), h.sync.Stats().Unpaired)
	assert.Zero(t, h.sync.Stats().Paired)
	h.sync.Stop()
	assert.NoError(t, h.alloc.TestForLeaks())
}

func TestNewCaptureOlderThanOtherHeadIsEmittedImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), 4)
	require.NoError(t, h.sync.Start(bothStreams))

	h.depth(200 * time.Millisecond)
	h.color(100 * time.Millisecond)

	p, ok := h.pop()
	require.True(t, ok)
	assert.True(t, p.hasColor)
	assert.False(t, p.hasDepth)
	assert.Equal(t, 1, h.sync.Stats().Pending)
	h.sync.Stop()
}

func TestOnlyOnePendingListIsNonEmpty(t *testing.T) {
	h := newHarness(t, testConfig(), 8)
	require.NoError(t, h.sync.Start(bothStreams))

	h.color(10 * time.Millisecond)
	h.color(20 * time.Millisecond)
	h.depth(21 * time.Millisecond)

	h.sync.mu.Lock()
	colorPending := len(h.sync.pending[sideColor])
	depthPending := len(h.sync.pending[sideDepth])
	h.sync.mu.Unlock()
	assert.Zero(t, colorPending)
	assert.Zero(t, depthPending)

	first, ok := h.pop()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, first.ts)
	assert.False(t, first.hasDepth)

	second, ok := h.pop()
	require.True(t, ok)
	assert.True(t, second.hasColor)
	assert.True(t, second.hasDepth)
	h.sync.Stop()
}

func TestPendingListIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPending = 2
	h := newHarness(t, cfg, 8)
	require.NoError(t, h.sync.Start(bothStreams))

	for i := 1; i <= 3; i++ {
		h.color(time.Duration(i) * 100 * time.Millisecond)
	}

	p, ok := h.pop()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, p.ts)
	assert.Equal(t, 2, h.sync.Stats().Pending)
	h.sync.Stop()
	assert.NoError(t, h.alloc.TestForLeaks())
}

func TestPendingTimeoutUsesHostClock(t *testing.T) {
	cfg := testConfig()
	cfg.PendingTimeout = time.Hour
	h := newHarness(t, cfg, 8)

	now := time.Unix(1000, 0)
	h.sync.now = func() time.Time { return now }
	require.NoError(t, h.sync.Start(bothStreams))

	h.color(100 * time.Millisecond)
	now = now.Add(2 * time.Hour)
	h.color(101 * time.Millisecond)

	p, ok := h.pop()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, p.ts)
	assert.Equal(t, 1, h.sync.Stats().Pending)
	h.sync.Stop()
}

func TestStartupSkewCorrection(t *testing.T) {
	cfg := testConfig()
	cfg.DisableStartupSkewCorrection = false
	h := newHarness(t, cfg, 4)
	require.NoError(t, h.sync.Start(bothStreams))

	h.color(100 * time.Millisecond)
	h.color(133 * time.Millisecond)
	assert.Equal(t, uint64(2), h.sync.Stats().SkewDropped)

	h.depth(134 * time.Millisecond)
	h.color(135 * time.Millisecond)

	p, ok := h.pop()
	require.True(t, ok)
	assert.True(t, p.hasColor)
	assert.True(t, p.hasDepth)
	h.sync.Stop()
	assert.NoError(t, h.alloc.TestForLeaks())
}

func TestDepthDelayOffColor(t *testing.T) {
	cfg := testConfig()
	cfg.DepthDelayOffColor = 20 * time.Millisecond
	h := newHarness(t, cfg, 4)
	require.NoError(t, h.sync.Start(bothStreams))

	h.depth(100 * time.Millisecond)
	h.color(121 * time.Millisecond)

	p, ok := h.pop()
	require.True(t, ok)
	assert.True(t, p.hasColor)
	assert.True(t, p.hasDepth)
	h.sync.Stop()
}

func TestSingleStreamPassesThrough(t *testing.T) {
	h := newHarness(t, testConfig(), 4)
	require.NoError(t, h.sync.Start(types.Streams(types.StreamDepth)))

	h.depth(1 * time.Millisecond)
	h.depth(2 * time.Millisecond)

	for _, want := range []time.Duration{time.Millisecond, 2 * time.Millisecond} {
		p, ok := h.pop()
		require.True(t, ok)
		assert.Equal(t, want, p.ts)
	}
	assert.Zero(t, h.sync.Stats().Pending)
	h.sync.Stop()
}

func TestStopFailsGetCaptureAndReleasesPending(t *testing.T) {
	h := newHarness(t, testConfig(), 4)
	require.NoError(t, h.sync.Start(bothStreams))
	h.color(100 * time.Millisecond)

	done := make(chan types.WaitResult, 1)
	go func() {
		_, res := h.sync.GetCapture(types.Infinite)
		done <- res
	}()
	time.Sleep(10 * time.Millisecond)
	h.sync.Stop()

	select {
	case res := <-done:
		assert.Equal(t, types.WaitFailed, res)
	case <-time.After(time.Second):
		t.Fatal("GetCapture not woken by Stop")
	}

	_, res := h.sync.GetCapture(types.Infinite)
	assert.Equal(t, types.WaitFailed, res)
	assert.NoError(t, h.alloc.TestForLeaks())

	h.color(200 * time.Millisecond)
	assert.NoError(t, h.alloc.TestForLeaks(), "captures after stop are not retained")
}

func TestConcurrentIngestion(t *testing.T) {
	h := newHarness(t, testConfig(), 256)
	require.NoError(t, h.sync.Start(bothStreams))

	const frames = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			h.color(time.Duration(i) * 33 * time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			h.depth(time.Duration(i)*33*time.Millisecond + time.Millisecond)
		}
	}()
	wg.Wait()
	h.sync.Flush()

	st := h.sync.Stats()
	assert.Zero(t, st.Pending)
	assert.Equal(t, uint64(2*frames), 2*st.Paired+st.Unpaired+st.LateDropped)

	h.sync.Stop()
	assert.NoError(t, h.alloc.TestForLeaks())
}

func TestOutputOrderWhenOneStreamLags(t *testing.T) {
	h := newHarness(t, testConfig(), 16)
	require.NoError(t, h.sync.Start(bothStreams))

	// color runs eight frames ahead, twice MaxPending
	for i := 0; i < 8; i++ {
		h.color(time.Duration(i) * 33 * time.Millisecond)
	}
	for i := 0; i < 8; i++ {
		h.depth(time.Duration(i)*33*time.Millisecond + time.Millisecond)
	}
	h.sync.Flush()

	var got []time.Duration
	var pairs int
	for {
		p, ok := h.pop()
		if !ok {
			break
		}
		got = append(got, p.ts)
		if p.hasColor && p.hasDepth {
			pairs++
		}
	}
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i], got[i-1], "output at %d goes backwards: %v", i, got)
	}

	st := h.sync.Stats()
	assert.Equal(t, 4, pairs)
	assert.Equal(t, uint64(4), st.Paired)
	// color 0..99 overflow unpaired, depth 1..67 arrive too late, depth 100 is emitted alone
	assert.Equal(t, uint64(5), st.Unpaired)
	assert.Equal(t, uint64(3), st.LateDropped)
	assert.Zero(t, st.Pending)

	h.sync.Stop()
	assert.NoError(t, h.alloc.TestForLeaks())
}

func TestLaggingStreamPairsWithinPendingBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPending = 8
	h := newHarness(t, cfg, 16)
	require.NoError(t, h.sync.Start(bothStreams))

	for i := 0; i < 8; i++ {
		h.color(time.Duration(i) * 33 * time.Millisecond)
	}
	for i := 0; i < 8; i++ {
		h.depth(time.Duration(i)*33*time.Millisecond + time.Millisecond)
	}

	for i := 0; i < 8; i++ {
		p, ok := h.pop()
		require.True(t, ok)
		assert.True(t, p.hasColor && p.hasDepth)
		assert.Equal(t, time.Duration(i)*33*time.Millisecond, p.ts)
	}
	assert.Zero(t, h.sync.Stats().LateDropped)

	h.sync.Stop()
	assert.NoError(t, h.alloc.TestForLeaks())
}
