package shm

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

// Stats counts pump activity
type Stats struct {
	Frames   uint64
	Overruns uint64
	Torn     uint64
	Failed   uint64
}

// Pump copies frames of one stream out of a shared-memory ring and hands
// them to a callback. Each pump runs on its own goroutine.
type Pump struct {
	name   string
	ring   ring
	alloc  *allocator.Allocator
	stream types.StreamID
	cb     types.FrameCallback
	cbCtx  any

	next    uint32
	started bool

	frames   atomic.Uint64
	overruns atomic.Uint64
	torn     atomic.Uint64
	failed   atomic.Uint64
}

func newPump(name string, r ring, alloc *allocator.Allocator, stream types.StreamID, cb types.FrameCallback, cbCtx any) *Pump {
	return &Pump{
		name:   name,
		ring:   r,
		alloc:  alloc,
		stream: stream,
		cb:     cb,
		cbCtx:  cbCtx,
	}
}

// Stats returns the pump counters
func (p *Pump) Stats() Stats {
	return Stats{
		Frames:   p.frames.Load(),
		Overruns: p.overruns.Load(),
		Torn:     p.torn.Load(),
		Failed:   p.failed.Load(),
	}
}

// Close releases the shared memory mapping
func (p *Pump) Close() error {
	return p.ring.Close()
}

// Run delivers frames until ctx is cancelled. Frames already in the ring
// when Run starts are skipped.
func (p *Pump) Run(ctx context.Context) error {
	logger.Info("Reader", "%s: delivering %s frames", p.name, p.stream)
	p.poll()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Reader", "%s: stopped (%d frames, %d overruns)", p.name, p.frames.Load(), p.overruns.Load())
			return nil
		default:
		}

		err := p.ring.Wait(100 * time.Millisecond)
		if err != nil && !errors.Is(err, ErrTimeout) {
			return errors.Wrapf(err, "%s: wait", p.name)
		}
		p.poll()
	}
}

// poll delivers every slot written since the previous call
func (p *Pump) poll() int {
	w := p.ring.WriteIndex()
	if !p.started {
		p.started = true
		p.next = w
		return 0
	}
	if w == p.next {
		return 0
	}

	slots := p.ring.Slots()
	if lag := w - p.next; lag > slots {
		missed := lag - slots
		p.overruns.Add(uint64(missed))
		logger.Warn("Reader", "%s: reader fell behind, %d frames overwritten", p.name, missed)
		p.next = w - slots
	}

	n := 0
	for ; p.next != w; p.next++ {
		if p.deliver(p.next % slots) {
			n++
		}
	}
	return n
}

func (p *Pump) fail(format string, args ...interface{}) bool {
	p.failed.Add(1)
	logger.Warn("Reader", p.name+": "+format, args...)
	p.cb(types.ResultFailed, nil, p.cbCtx)
	return false
}

func (p *Pump) deliver(slot uint32) bool {
	h, data, irData, err := p.ring.Slot(slot)
	if err != nil {
		return p.fail("slot %d: %v", slot, err)
	}

	if h.FrameNumber == 0 {
		p.torn.Add(1)
		return false
	}

	id, ok := streamFor(h.CameraID)
	if !ok {
		return p.fail("slot %d: unknown camera %d", slot, h.CameraID)
	}
	if (p.stream == types.StreamColor) != (id == types.StreamColor) {
		logger.Debug("Reader", "%s: skipping %s frame on %s ring", p.name, id, p.stream)
		return false
	}
	frame, err := h.rawFrame(id, nil)
	if err != nil {
		return p.fail("%v", err)
	}

	buf, err := p.copyOut(id, data)
	if err != nil {
		return p.fail("frame %d: %v", h.FrameNumber, err)
	}
	var irBuf *allocator.Buffer
	if len(irData) > 0 {
		if irBuf, err = p.copyOut(types.StreamIR, irData); err != nil {
			p.free(buf)
			return p.fail("frame %d ir: %v", h.FrameNumber, err)
		}
	}

	if p.ring.FrameNumber(slot) != h.FrameNumber {
		p.free(buf)
		p.free(irBuf)
		p.torn.Add(1)
		logger.Debug("Reader", "%s: frame %d overwritten while copying", p.name, h.FrameNumber)
		return false
	}

	frame.Data = buf.Bytes()
	frame.Release = func() { p.free(buf) }
	if irBuf != nil {
		frame.IR = &types.RawFrame{
			Stream:          types.StreamIR,
			Format:          types.FormatIR16,
			Width:           h.Width,
			Height:          h.Height,
			Stride:          h.Width * 2,
			DeviceTimestamp: h.Device,
			SystemTimestamp: h.Host,
			Temperature:     float32(math.NaN()),
			Data:            irBuf.Bytes(),
			Release:         func() { p.free(irBuf) },
		}
	}

	p.frames.Add(1)
	p.cb(types.ResultSucceeded, frame, p.cbCtx)
	return true
}

func (p *Pump) copyOut(id types.StreamID, src []byte) (*allocator.Buffer, error) {
	if len(src) == 0 {
		return nil, errors.New("empty frame")
	}
	buf, err := p.alloc.Alloc(categoryFor(id), len(src))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), src)
	return buf, nil
}

func (p *Pump) free(b *allocator.Buffer) {
	if b == nil {
		return
	}
	if err := p.alloc.Free(b); err != nil {
		logger.Error("Reader", "%s: free transfer buffer: %v", p.name, err)
	}
}
