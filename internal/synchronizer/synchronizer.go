// Package synchronizer pairs color and depth captures whose device
// timestamps fall within a window and feeds the result to a queue.
//
// Output is non-decreasing in device timestamp (color timestamps after
// DepthDelayOffColor is applied). A paired capture is keyed by its color
// image. Once a stream has fallen so far behind that its captures are older
// than output already queued, those captures are dropped and counted in
// Stats.LateDropped.
package synchronizer

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/queue"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

var (
	ErrNoStreams = errors.New("synchronizer: no color or depth stream enabled")
	ErrRunning   = errors.New("synchronizer: already started")
)

// Config controls pairing
type Config struct {
	// HalfWindow is the largest timestamp distance at which a color and a
	// depth capture are still considered simultaneous.
	HalfWindow time.Duration

	// DepthDelayOffColor is subtracted from color timestamps before matching.
	DepthDelayOffColor time.Duration

	// MaxPending bounds each pending list; overflow is emitted unpaired. It
	// is the number of frames one stream may run ahead of the other before
	// pairs are lost.
	MaxPending int

	// PendingTimeout emits captures that waited longer than this (host
	// time) unpaired. Zero disables aging.
	PendingTimeout time.Duration

	// DisableStartupSkewCorrection keeps captures that arrive before both
	// streams have delivered once. Tests only.
	DisableStartupSkewCorrection bool
}

// DefaultConfig returns the settings used by the daemon
func DefaultConfig() Config {
	return Config{
		HalfWindow:     10 * time.Millisecond,
		MaxPending:     8,
		PendingTimeout: 500 * time.Millisecond,
	}
}

type side int

const (
	sideColor side = iota
	sideDepth
)

func (s side) String() string {
	if s == sideColor {
		return "color"
	}
	return "depth"
}

type pendingEntry struct {
	c       *capture.Capture
	ts      time.Duration
	arrived time.Time
}

// Stats counts synchronizer outcomes
type Stats struct {
	Paired      uint64
	Unpaired    uint64
	SkewDropped uint64
	// LateDropped counts input captures released because they were older
	// than output already queued.
	LateDropped uint64
	Pending     int
}

// Synchronizer receives captures from the color and depth callbacks.
type Synchronizer struct {
	cfg Config
	out *queue.Queue
	now func() time.Time

	mu      sync.Mutex
	running bool
	paired  bool // both color and depth enabled
	pending [2][]pendingEntry
	seen    [2]bool

	// timestamp of the newest queued output, valid once emitted is set
	lastTS  time.Duration
	emitted bool

	stopAging chan struct{}
	agingDone chan struct{}

	pairedCount   atomic.Uint64
	unpairedCount atomic.Uint64
	skewDropped   atomic.Uint64
	lateDropped   atomic.Uint64
}

// New creates a synchronizer feeding q
func New(cfg Config, q *queue.Queue) *Synchronizer {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.HalfWindow < 0 {
		cfg.HalfWindow = 0
	}
	return &Synchronizer{
		cfg: cfg,
		out: q,
		now: time.Now,
	}
}

// Start enables the output queue and begins accepting captures.
func (s *Synchronizer) Start(streams types.StreamSet) error {
	color := streams.Has(types.StreamColor)
	depth := streams.Has(types.StreamDepth) || streams.Has(types.StreamIR)
	if !color && !depth {
		return ErrNoStreams
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if err := s.out.Enable(); err != nil {
		return errors.Wrap(err, "synchronizer: enable output")
	}

	s.running = true
	s.paired = color && depth
	s.seen = [2]bool{}
	s.emitted = false

	if s.paired && s.cfg.PendingTimeout > 0 {
		s.stopAging = make(chan struct{})
		s.agingDone = make(chan struct{})
		go s.ageLoop(s.stopAging, s.agingDone)
	}

	logger.Info("Sync", "started (paired=%v, window=±%v, depth delay %v)", s.paired, s.cfg.HalfWindow, s.cfg.DepthDelayOffColor)
	return nil
}

// Stop releases pending captures and stops the output queue. Subsequent
// GetCapture calls fail immediately.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.out.Stop()
		return
	}
	s.running = false
	var release []*capture.Capture
	for i := range s.pending {
		for _, e := range s.pending[i] {
			release = append(release, e.c)
		}
		s.pending[i] = nil
	}
	stopAging, agingDone := s.stopAging, s.agingDone
	s.stopAging, s.agingDone = nil, nil
	s.mu.Unlock()

	if stopAging != nil {
		close(stopAging)
		<-agingDone
	}
	for _, c := range release {
		c.DecRef()
	}
	if len(release) > 0 {
		logger.Info("Sync", "released %d unmatched captures on stop", len(release))
	}
	s.out.Stop()
}

// GetCapture pops the next synchronized capture from the output queue
func (s *Synchronizer) GetCapture(timeout time.Duration) (*capture.Capture, types.WaitResult) {
	return s.out.Pop(timeout)
}

// Queue returns the output queue
func (s *Synchronizer) Queue() *queue.Queue {
	return s.out
}

// Stats returns the pairing counters
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	pending := len(s.pending[sideColor]) + len(s.pending[sideDepth])
	s.mu.Unlock()
	return Stats{
		Paired:      s.pairedCount.Load(),
		Unpaired:    s.unpairedCount.Load(),
		SkewDropped: s.skewDropped.Load(),
		LateDropped: s.lateDropped.Load(),
		Pending:     pending,
	}
}

// OnColor ingests a color capture. The synchronizer takes its own
// reference; the caller keeps and releases its own.
func (s *Synchronizer) OnColor(c *capture.Capture, deviceTS time.Duration) {
	s.ingest(sideColor, c, deviceTS-s.cfg.DepthDelayOffColor)
}

// OnDepth ingests a depth (and IR) capture
func (s *Synchronizer) OnDepth(c *capture.Capture, deviceTS time.Duration) {
	s.ingest(sideDepth, c, deviceTS)
}

// Flush emits every pending capture unpaired, oldest first.
func (s *Synchronizer) Flush() {
	var o output
	s.mu.Lock()
	if s.running {
		var all []pendingEntry
		for i := range s.pending {
			all = append(all, s.pending[i]...)
			s.pending[i] = nil
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].ts < all[j].ts })
		for _, e := range all {
			s.emitUnpaired(&o, e.c, e.ts)
		}
		o.push(s.out)
	}
	s.mu.Unlock()
	o.releaseAll()
}

// output collects the synchronizer-owned references produced while s.mu is
// held so that destroy callbacks run after it is released.
type output struct {
	emit    []*capture.Capture
	release []*capture.Capture
}

func (o *output) push(q *queue.Queue) {
	for _, c := range o.emit {
		if dropped := q.PushDropped(c); dropped != nil {
			o.release = append(o.release, dropped)
		}
		o.release = append(o.release, c)
	}
	o.emit = nil
}

func (o *output) releaseAll() {
	for _, c := range o.release {
		c.DecRef()
	}
}

// emit queues c, keyed by ts, for output. Output timestamps never go
// backwards: a capture older than the last one queued is released instead
// and counted as n late inputs.
func (s *Synchronizer) emit(o *output, c *capture.Capture, ts time.Duration, n uint64) bool {
	if s.emitted && ts < s.lastTS {
		s.lateDropped.Add(n)
		logger.Debug("Sync", "capture at %v is older than output at %v, dropping", ts, s.lastTS)
		o.release = append(o.release, c)
		return false
	}
	s.lastTS, s.emitted = ts, true
	o.emit = append(o.emit, c)
	return true
}

func (s *Synchronizer) emitUnpaired(o *output, c *capture.Capture, ts time.Duration) {
	if s.emit(o, c, ts, 1) {
		s.unpairedCount.Add(1)
	}
}

func (s *Synchronizer) ingest(from side, c *capture.Capture, ts time.Duration) {
	if c == nil {
		logger.Error("Sync", "nil %s capture", from)
		return
	}

	var o output
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		o.releaseAll()
	}()

	if !s.running {
		return
	}

	if !s.paired {
		c.IncRef()
		o.emit = append(o.emit, c)
		o.push(s.out)
		return
	}

	s.seen[from] = true
	other := 1 - from
	if !s.cfg.DisableStartupSkewCorrection && !s.seen[other] {
		s.skewDropped.Add(1)
		logger.Debug("Sync", "dropping %s capture at %v until %s stream starts", from, ts, side(other))
		return
	}

	c.IncRef()
	now := s.now()
	s.ageLocked(&o, now)

	window := s.cfg.HalfWindow
	theirs := s.pending[other]
	for len(theirs) > 0 && theirs[0].ts < ts-window {
		s.emitUnpaired(&o, theirs[0].c, theirs[0].ts)
		theirs = theirs[1:]
	}
	s.pending[other] = theirs

	switch {
	case len(theirs) > 0 && theirs[0].ts <= ts+window:
		head := theirs[0]
		s.pending[other] = theirs[1:]
		var combined *capture.Capture
		key := ts
		if from == sideColor {
			combined = s.merge(&o, c, head.c)
		} else {
			combined = s.merge(&o, head.c, c)
			key = head.ts
		}
		// keyed by color like Capture.Timestamp
		if s.emit(&o, combined, key, 2) {
			s.pairedCount.Add(1)
		}

	case len(theirs) > 0:
		s.emitUnpaired(&o, c, ts)

	default:
		s.pending[from] = append(s.pending[from], pendingEntry{c: c, ts: ts, arrived: now})
		if len(s.pending[from]) > s.cfg.MaxPending {
			oldest := s.pending[from][0]
			s.pending[from] = s.pending[from][1:]
			logger.Debug("Sync", "%s pending list full, emitting capture at %v unpaired", from, oldest.ts)
			s.emitUnpaired(&o, oldest.c, oldest.ts)
		}
	}

	o.push(s.out)
}

// merge builds one capture from a color and a depth capture. Both inputs
// are handed to o for release.
func (s *Synchronizer) merge(o *output, color, depth *capture.Capture) *capture.Capture {
	combined := capture.NewCapture()

	if im := color.Color(); im != nil {
		combined.SetColor(im)
		im.DecRef()
	}
	if im := depth.Depth(); im != nil {
		combined.SetDepth(im)
		im.DecRef()
	}
	if im := depth.IR(); im != nil {
		combined.SetIR(im)
		im.DecRef()
	}

	temp := depth.Temperature()
	if math.IsNaN(float64(temp)) {
		temp = color.Temperature()
	}
	if !math.IsNaN(float64(temp)) {
		_ = combined.SetTemperature(temp)
	}

	o.release = append(o.release, color, depth)
	return combined
}

func (s *Synchronizer) ageLocked(o *output, now time.Time) {
	if s.cfg.PendingTimeout <= 0 {
		return
	}
	for i := range s.pending {
		list := s.pending[i]
		for len(list) > 0 && now.Sub(list[0].arrived) > s.cfg.PendingTimeout {
			logger.Debug("Sync", "%s capture at %v waited %v, emitting unpaired", side(i), list[0].ts, now.Sub(list[0].arrived))
			s.emitUnpaired(o, list[0].c, list[0].ts)
			list = list[1:]
		}
		s.pending[i] = list
	}
}

func (s *Synchronizer) ageLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := s.cfg.PendingTimeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var o output
			s.mu.Lock()
			if s.running {
				s.ageLocked(&o, s.now())
				o.push(s.out)
			}
			s.mu.Unlock()
			o.releaseAll()
		}
	}
}
