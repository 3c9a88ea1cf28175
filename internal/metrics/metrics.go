package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/shm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/stream"
)

// DeviceSource exposes device counters
type DeviceSource interface {
	Stats() stream.DeviceStats
}

// EngineSource exposes engine counters
type EngineSource interface {
	Stats() engine.Stats
}

// ReaderSource exposes shared-memory pump counters
type ReaderSource interface {
	Stats() shm.Stats
}

// Metrics holds all application metrics
type Metrics struct {
	// Consumer loop counters
	CapturesPopped   atomic.Uint64
	CapturesComplete atomic.Uint64 // popped with both color and depth
	PopTimeouts      atomic.Uint64

	// Transform counters
	TransformsRun   atomic.Uint64
	TransformErrors atomic.Uint64

	// Latency tracking
	CaptureLatencyMs   atomic.Uint64 // host time from arrival to pop
	TransformLatencyMs atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerConsumerMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels prometheus.Labels, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels},
		fn,
	))
}

func (m *Metrics) gauge(name, help string, labels prometheus.Labels, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels},
		fn,
	))
}

func (m *Metrics) registerConsumerMetrics() {
	m.counter("depthd_captures_popped_total", "Captures handed to the consumer", nil,
		func() float64 { return float64(m.CapturesPopped.Load()) })
	m.counter("depthd_captures_complete_total", "Popped captures containing both color and depth", nil,
		func() float64 { return float64(m.CapturesComplete.Load()) })
	m.counter("depthd_pop_timeouts_total", "Capture waits that timed out", nil,
		func() float64 { return float64(m.PopTimeouts.Load()) })
	m.counter("depthd_transforms_total", "Depth to color transforms run", nil,
		func() float64 { return float64(m.TransformsRun.Load()) })
	m.counter("depthd_transform_errors_total", "Depth to color transforms that failed", nil,
		func() float64 { return float64(m.TransformErrors.Load()) })
	m.gauge("depthd_capture_latency_ms", "Host latency from frame arrival to pop in milliseconds", nil,
		func() float64 { return float64(m.CaptureLatencyMs.Load()) })
	m.gauge("depthd_transform_latency_ms", "Last transform duration in milliseconds", nil,
		func() float64 { return float64(m.TransformLatencyMs.Load()) })
}

// RegisterDevice exports allocator, stream, synchronizer and queue counters of d
func (m *Metrics) RegisterDevice(d DeviceSource) {
	for _, cat := range allocator.Categories() {
		cat := cat
		m.gauge("depthd_allocations_outstanding", "Live allocations per memory category",
			prometheus.Labels{"category": cat.String()},
			func() float64 { return float64(d.Stats().Memory[cat]) })
	}
	m.gauge("depthd_allocator_sessions", "Open allocator sessions", nil,
		func() float64 { return float64(d.Stats().Sessions) })

	for _, name := range []string{"color", "depth"} {
		name := name
		pick := func(st stream.DeviceStats) stream.Stats {
			if name == "color" {
				return st.Color
			}
			return st.Depth
		}
		labels := prometheus.Labels{"stream": name}
		m.counter("depthd_stream_frames_total", "Frames ingested per stream", labels,
			func() float64 { return float64(pick(d.Stats()).Frames) })
		m.counter("depthd_stream_bad_frames_total", "Frames rejected per stream", labels,
			func() float64 { return float64(pick(d.Stats()).BadFrames) })
		m.counter("depthd_stream_ignored_frames_total", "Frames received while the stream was stopped", labels,
			func() float64 { return float64(pick(d.Stats()).Ignored) })
	}

	m.gauge("depthd_sync_paired", "Color and depth captures paired in the current session", nil,
		func() float64 { return float64(d.Stats().Sync.Paired) })
	m.gauge("depthd_sync_unpaired", "Captures emitted without a partner in the current session", nil,
		func() float64 { return float64(d.Stats().Sync.Unpaired) })
	m.gauge("depthd_sync_skew_dropped", "Captures discarded by startup skew correction in the current session", nil,
		func() float64 { return float64(d.Stats().Sync.SkewDropped) })
	m.gauge("depthd_sync_late_dropped", "Captures discarded for arriving behind already queued output in the current session", nil,
		func() float64 { return float64(d.Stats().Sync.LateDropped) })
	m.gauge("depthd_sync_pending", "Captures waiting for a partner", nil,
		func() float64 { return float64(d.Stats().Sync.Pending) })

	m.gauge("depthd_queue_length", "Captures waiting for the consumer", nil,
		func() float64 { return float64(d.Stats().Queue.Len) })
	m.gauge("depthd_queue_dropped", "Captures dropped because the consumer was too slow in the current session", nil,
		func() float64 { return float64(d.Stats().Queue.Dropped) })
	m.gauge("depthd_device_uptime_seconds", "Time since the device session started", nil,
		func() float64 { return d.Stats().Uptime.Seconds() })
}

// RegisterEngine exports engine counters
func (m *Metrics) RegisterEngine(e EngineSource) {
	m.counter("depthd_engine_processed_total", "Frames processed by the compute engine", nil,
		func() float64 { return float64(e.Stats().Processed) })
	m.counter("depthd_engine_failed_total", "Engine requests that failed", nil,
		func() float64 { return float64(e.Stats().Failed) })
	m.gauge("depthd_engine_fatal", "1 once the engine hit a fatal error", nil,
		func() float64 {
			if e.Stats().Fatal {
				return 1
			}
			return 0
		})
}

// RegisterReader exports shared-memory pump counters for one ring
func (m *Metrics) RegisterReader(name string, r ReaderSource) {
	labels := prometheus.Labels{"ring": name}
	m.counter("depthd_shm_frames_total", "Frames copied out of shared memory", labels,
		func() float64 { return float64(r.Stats().Frames) })
	m.counter("depthd_shm_overruns_total", "Frames overwritten before they were read", labels,
		func() float64 { return float64(r.Stats().Overruns) })
	m.counter("depthd_shm_torn_total", "Frames overwritten while being copied", labels,
		func() float64 { return float64(r.Stats().Torn) })
	m.counter("depthd_shm_failed_total", "Slots that could not be delivered", labels,
		func() float64 { return float64(r.Stats().Failed) })
}

// UpdateCaptureLatency records the latency of a capture that arrived at arrival
func (m *Metrics) UpdateCaptureLatency(arrival time.Time) {
	if arrival.IsZero() {
		return
	}
	m.CaptureLatencyMs.Store(uint64(time.Since(arrival).Milliseconds()))
}

// UpdateTransformLatency records the duration of the last transform
func (m *Metrics) UpdateTransformLatency(d time.Duration) {
	m.TransformLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
