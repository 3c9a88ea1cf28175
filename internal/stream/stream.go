// Package stream turns raw transport frames into captures and feeds them to
// the device's synchronizer.
package stream

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

var ErrBadFrame = errors.New("stream: bad frame")

// Callback is the raw frame entry point handed to a producer
type Callback = types.FrameCallback

// Stats counts frames seen by one stream
type Stats struct {
	Frames    uint64
	BadFrames uint64
	Ignored   uint64
}

// Stream is one physical sensor stream of a Device.
type Stream struct {
	id  types.StreamID
	dev *Device

	started   atomic.Bool
	frames    atomic.Uint64
	badFrames atomic.Uint64
	ignored   atomic.Uint64
}

// ID returns the stream id
func (s *Stream) ID() types.StreamID {
	return s.id
}

// Started reports whether frames are currently accepted
func (s *Stream) Started() bool {
	return s.started.Load()
}

// Stats returns the frame counters
func (s *Stream) Stats() Stats {
	return Stats{
		Frames:    s.frames.Load(),
		BadFrames: s.badFrames.Load(),
		Ignored:   s.ignored.Load(),
	}
}

func (s *Stream) lock() func() {
	key := s.id.String()
	s.dev.locks.LockKey(key)
	return func() {
		if err := s.dev.locks.UnlockKey(key); err != nil {
			logger.Error("Stream", "%s: unlock: %v", s.id, err)
		}
	}
}

// Start begins accepting frames. It waits for any callback in progress.
func (s *Stream) Start() {
	defer s.lock()()
	if !s.started.Swap(true) {
		logger.Info("Stream", "%s started", s.id)
	}
}

// Stop rejects further frames. When Stop returns no callback of this
// stream is still inside the synchronizer.
func (s *Stream) Stop() {
	defer s.lock()()
	if s.started.Swap(false) {
		logger.Info("Stream", "%s stopped (%d frames, %d bad)", s.id, s.frames.Load(), s.badFrames.Load())
	}
}

// Callback returns OnFrame as a producer callback
func (s *Stream) Callback() Callback {
	return s.OnFrame
}

// OnFrame ingests one frame from the transport. It never blocks on the
// consumer; bad frames are counted and the stream continues.
func (s *Stream) OnFrame(result types.Result, frame *types.RawFrame, _ any) {
	defer s.lock()()

	if !s.started.Load() {
		releaseRaw(frame)
		s.ignored.Add(1)
		return
	}
	if err := s.ingest(result, frame); err != nil {
		s.badFrames.Add(1)
		logger.Warn("Stream", "%s: %v", s.id, err)
		return
	}
	s.frames.Add(1)
}

func releaseRaw(frame *types.RawFrame) {
	if frame == nil {
		return
	}
	if frame.IR != nil {
		releaseRaw(frame.IR)
	}
	if frame.Release != nil {
		frame.Release()
	}
}

func (s *Stream) accepts(f types.ImageFormat) bool {
	if s.id == types.StreamColor {
		return f.IsColor()
	}
	return f == types.FormatDepth16 || f == types.FormatIR16 || f == types.FormatCustom16
}

func (s *Stream) ingest(result types.Result, frame *types.RawFrame) error {
	if frame == nil {
		return errors.Wrap(ErrBadFrame, "nil frame")
	}
	if result != types.ResultSucceeded {
		releaseRaw(frame)
		return errors.Wrapf(ErrBadFrame, "transport reported %s", result)
	}

	var ir *types.RawFrame
	if frame.IR != nil {
		ir, frame.IR = frame.IR, nil
	}

	im, err := s.image(frame)
	if err != nil {
		releaseRaw(ir)
		return err
	}

	c := capture.NewCapture()
	defer c.DecRef()

	switch {
	case s.id == types.StreamColor:
		c.SetColor(im)
	case frame.Format == types.FormatIR16:
		c.SetIR(im)
	default:
		c.SetDepth(im)
	}
	im.DecRef()

	if ir != nil {
		irImage, err := s.image(ir)
		if err != nil {
			logger.Warn("Stream", "%s: dropping IR companion: %v", s.id, err)
		} else {
			c.SetIR(irImage)
			irImage.DecRef()
		}
	}

	if !math.IsNaN(float64(frame.Temperature)) {
		if err := c.SetTemperature(frame.Temperature); err != nil {
			logger.Debug("Stream", "%s: temperature: %v", s.id, err)
		}
	}

	syn := s.dev.sync.Load()
	if syn == nil {
		return nil
	}
	if s.id == types.StreamColor {
		syn.OnColor(c, frame.DeviceTimestamp)
	} else {
		syn.OnDepth(c, frame.DeviceTimestamp)
	}
	return nil
}

// image wraps frame in an Image. Frames with a Release function are adopted
// without copying; others are copied into allocator memory. frame is
// released on failure.
func (s *Stream) image(frame *types.RawFrame) (*capture.Image, error) {
	if len(frame.Data) == 0 {
		releaseRaw(frame)
		return nil, errors.Wrap(ErrBadFrame, "empty buffer")
	}
	if !s.accepts(frame.Format) {
		releaseRaw(frame)
		return nil, errors.Wrapf(ErrBadFrame, "format %s not produced by %s stream", frame.Format, s.id)
	}

	var im *capture.Image
	var err error
	if release := frame.Release; release != nil {
		im, err = capture.NewImageFromBuffer(frame.Format, frame.Width, frame.Height, frame.Stride, frame.Data,
			func([]byte, any) { release() }, nil)
		if err != nil {
			release()
		}
	} else {
		im, err = capture.NewImageWithSize(s.dev.alloc, frame.Format, frame.Width, frame.Height, frame.Stride, len(frame.Data))
		if err == nil {
			copy(im.Buffer(), frame.Data)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(ErrBadFrame, "%v", err)
	}

	im.SetDeviceTimestamp(frame.DeviceTimestamp)
	im.SetSystemTimestamp(frame.SystemTimestamp)
	im.SetExposure(frame.Exposure)
	im.SetWhiteBalance(frame.WhiteBalance)
	im.SetISOSpeed(frame.ISOSpeed)
	return im, nil
}
