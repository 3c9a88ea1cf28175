package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/queue"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/synchronizer"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

var (
	ErrRunning    = errors.New("stream: device already started")
	ErrNotRunning = errors.New("stream: device not started")
)

// Config describes which streams a device runs and how they are paired
type Config struct {
	Streams    types.StreamSet
	QueueDepth int
	Sync       synchronizer.Config
}

// DeviceStats aggregates the counters of a running device
type DeviceStats struct {
	Session  string
	Running  bool
	Uptime   time.Duration
	Color    Stats
	Depth    Stats
	Sync     synchronizer.Stats
	Queue    queue.Stats
	Memory   map[allocator.Category]int64
	Sessions int64
}

// Device composes the color and depth streams, the synchronizer and the
// output queue of one camera.
type Device struct {
	cfg   Config
	alloc *allocator.Allocator
	locks keymutex.KeyMutex

	color *Stream
	depth *Stream

	mu        sync.Mutex
	running   bool
	session   uuid.UUID
	startedAt time.Time

	sync atomic.Pointer[synchronizer.Synchronizer]
}

// streamLockBuckets keeps the per-stream keys on distinct mutexes
const streamLockBuckets = 10000

// NewDevice creates a stopped device allocating from alloc
func NewDevice(alloc *allocator.Allocator, cfg Config) (*Device, error) {
	if alloc == nil {
		return nil, errors.New("stream: nil allocator")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 2
	}
	d := &Device{
		cfg:   cfg,
		alloc: alloc,
		locks: keymutex.NewHashed(streamLockBuckets),
	}
	d.color = &Stream{id: types.StreamColor, dev: d}
	d.depth = &Stream{id: types.StreamDepth, dev: d}
	return d, nil
}

// Color returns the color stream
func (d *Device) Color() *Stream { return d.color }

// Depth returns the depth stream (depth and IR frames)
func (d *Device) Depth() *Stream { return d.depth }

// Allocator returns the device allocator
func (d *Device) Allocator() *allocator.Allocator { return d.alloc }

// Session returns the id of the current (or last) run
func (d *Device) Session() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Start creates a fresh synchronizer and queue, opens an allocator session
// and starts every configured stream.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrRunning
	}

	q, err := queue.New(d.cfg.QueueDepth, "capture")
	if err != nil {
		return err
	}
	s := synchronizer.New(d.cfg.Sync, q)
	if err := s.Start(d.cfg.Streams); err != nil {
		return errors.Wrap(err, "stream: start synchronizer")
	}

	d.alloc.Init()
	d.sync.Store(s)
	if d.cfg.Streams.Has(types.StreamColor) {
		d.color.Start()
	}
	if d.cfg.Streams.Has(types.StreamDepth) || d.cfg.Streams.Has(types.StreamIR) {
		d.depth.Start()
	}

	d.running = true
	d.session = uuid.New()
	d.startedAt = time.Now()
	logger.Info("Device", "session %s started (queue depth %d)", d.session, d.cfg.QueueDepth)
	return nil
}

// Stop stops the streams, then the synchronizer. Blocked GetCapture calls
// return WaitFailed.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}

	d.color.Stop()
	d.depth.Stop()

	if s := d.sync.Swap(nil); s != nil {
		s.Stop()
	}
	d.alloc.Deinit()
	d.running = false
	logger.Info("Device", "session %s stopped after %v", d.session, time.Since(d.startedAt).Round(time.Millisecond))
}

// GetCapture waits for the next synchronized capture. The caller owns the
// returned reference.
func (d *Device) GetCapture(timeout time.Duration) (*capture.Capture, types.WaitResult) {
	s := d.sync.Load()
	if s == nil {
		return nil, types.WaitFailed
	}
	return s.GetCapture(timeout)
}

// Flush emits all captures still waiting for a partner
func (d *Device) Flush() {
	if s := d.sync.Load(); s != nil {
		s.Flush()
	}
}

// Stats returns a snapshot of every device counter
func (d *Device) Stats() DeviceStats {
	d.mu.Lock()
	st := DeviceStats{
		Session: d.session.String(),
		Running: d.running,
	}
	if d.running {
		st.Uptime = time.Since(d.startedAt)
	}
	d.mu.Unlock()

	st.Color = d.color.Stats()
	st.Depth = d.depth.Stats()
	if s := d.sync.Load(); s != nil {
		st.Sync = s.Stats()
		st.Queue = s.Queue().Stats()
	}
	st.Memory = d.alloc.Counters()
	st.Sessions = d.alloc.Sessions()
	return st
}
