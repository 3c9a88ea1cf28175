package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/queue"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/shm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/synchronizer"
)

type fakeDevice struct{ st stream.DeviceStats }

func (f *fakeDevice) Stats() stream.DeviceStats { return f.st }

type fakeEngine struct{ st engine.Stats }

func (f *fakeEngine) Stats() engine.Stats { return f.st }

type fakeReader struct{ st shm.Stats }

func (f *fakeReader) Stats() shm.Stats { return f.st }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestConsumerCounters(t *testing.T) {
	m := New()
	m.CapturesPopped.Add(3)
	m.CapturesComplete.Add(2)
	m.PopTimeouts.Add(1)
	m.UpdateTransformLatency(15 * time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, "depthd_captures_popped_total 3")
	assert.Contains(t, body, "depthd_captures_complete_total 2")
	assert.Contains(t, body, "depthd_pop_timeouts_total 1")
	assert.Contains(t, body, "depthd_transform_latency_ms 15")
}

func TestCaptureLatencyIgnoresZeroTime(t *testing.T) {
	m := New()
	m.CaptureLatencyMs.Store(7)
	m.UpdateCaptureLatency(time.Time{})
	assert.Equal(t, uint64(7), m.CaptureLatencyMs.Load())

	m.UpdateCaptureLatency(time.Now().Add(-50 * time.Millisecond))
	assert.GreaterOrEqual(t, m.CaptureLatencyMs.Load(), uint64(50))
}

func TestDeviceMetrics(t *testing.T) {
	m := New()
	dev := &fakeDevice{st: stream.DeviceStats{
		Running: true,
		Color:   stream.Stats{Frames: 10, BadFrames: 1},
		Depth:   stream.Stats{Frames: 9, Ignored: 2},
		Sync:    synchronizer.Stats{Paired: 8, Unpaired: 3, LateDropped: 2, Pending: 1},
		Queue:   queue.Stats{Len: 2, Dropped: 4},
		Memory: map[allocator.Category]int64{
			allocator.CategoryDepth: 5,
		},
		Sessions: 1,
	}}
	m.RegisterDevice(dev)

	body := scrape(t, m)
	assert.Contains(t, body, `depthd_stream_frames_total{stream="color"} 10`)
	assert.Contains(t, body, `depthd_stream_frames_total{stream="depth"} 9`)
	assert.Contains(t, body, `depthd_stream_bad_frames_total{stream="color"} 1`)
	assert.Contains(t, body, `depthd_stream_ignored_frames_total{stream="depth"} 2`)
	assert.Contains(t, body, `depthd_allocations_outstanding{category="`+allocator.CategoryDepth.String()+`"} 5`)
	assert.Contains(t, body, "depthd_sync_paired 8")
	assert.Contains(t, body, "depthd_sync_pending 1")
	assert.Contains(t, body, "depthd_sync_late_dropped 2")
	assert.Contains(t, body, "depthd_queue_dropped 4")
	assert.Contains(t, body, "depthd_allocator_sessions 1")

	dev.st.Sync.Paired = 9
	assert.Contains(t, scrape(t, m), "depthd_sync_paired 9", "values are read at scrape time")
}

func TestEngineAndReaderMetrics(t *testing.T) {
	m := New()
	m.RegisterEngine(&fakeEngine{st: engine.Stats{Processed: 6, Failed: 1, Fatal: true}})
	m.RegisterReader("/depth", &fakeReader{st: shm.Stats{Frames: 12, Overruns: 2}})
	m.RegisterReader("/color", &fakeReader{st: shm.Stats{Frames: 30, Torn: 1}})

	body := scrape(t, m)
	assert.Contains(t, body, "depthd_engine_processed_total 6")
	assert.Contains(t, body, "depthd_engine_failed_total 1")
	assert.Contains(t, body, "depthd_engine_fatal 1")
	assert.Contains(t, body, `depthd_shm_frames_total{ring="/depth"} 12`)
	assert.Contains(t, body, `depthd_shm_overruns_total{ring="/depth"} 2`)
	assert.Contains(t, body, `depthd_shm_torn_total{ring="/color"} 1`)
}
