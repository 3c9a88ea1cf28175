// Package recorder writes synchronized captures to raw capture files.
//
// A file is a sequence of records, one per image:
//
//	magic    [4]byte "DCAP"
//	slot     uint8   0=color 1=depth 2=ir
//	format   uint8   types.ImageFormat
//	reserved uint16
//	width, height, stride        uint32
//	device timestamp (us)        int64
//	system timestamp (unix ns)   int64
//	temperature                  float32 (NaN when unknown)
//	sequence                     uint32  capture number within the file
//	size                         uint32
//	data     [size]byte
//
// All integers are little endian.
package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
)

var (
	ErrRecording    = errors.New("recorder: already recording")
	ErrNotRecording = errors.New("recorder: not recording")
)

// Magic starts every record
var Magic = [4]byte{'D', 'C', 'A', 'P'}

// Slot identifies which capture image a record holds
type Slot uint8

const (
	SlotColor Slot = iota
	SlotDepth
	SlotIR
)

// RecordHeader precedes the image bytes of every record
type RecordHeader struct {
	Magic       [4]byte
	Slot        Slot
	Format      uint8
	_           uint16
	Width       uint32
	Height      uint32
	Stride      uint32
	DeviceUsec  int64
	SystemNanos int64
	Temperature float32
	Sequence    uint32
	Size        uint32
}

// Recorder records captures to file. The file is owned by the writer
// goroutine while recording.
type Recorder struct {
	mu          sync.RWMutex
	file        *os.File
	w           *bufio.Writer
	filename    string
	basePath    string
	recording   bool
	startTime   time.Time
	captureChan chan *capture.Capture
	done        chan struct{}
	wg          sync.WaitGroup

	frameCount   atomic.Uint64
	dropped      atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewRecorder creates a new recorder writing below basePath
func NewRecorder(basePath string) *Recorder {
	return &Recorder{basePath: basePath}
}

// Start starts recording to a new file and returns its path
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrRecording
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", errors.Wrap(err, "recorder: create directory")
	}

	timestamp := time.Now().Format("20060102_150405.000")
	path := filepath.Join(r.basePath, fmt.Sprintf("capture_%s.dcap", timestamp))
	file, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "recorder: create file")
	}

	r.file = file
	r.w = bufio.NewWriterSize(file, 1<<20)
	r.filename = path
	r.recording = true
	r.frameCount.Store(0)
	r.dropped.Store(0)
	r.bytesWritten.Store(0)
	r.startTime = time.Now()
	r.captureChan = make(chan *capture.Capture, 60) // about 2 seconds at 30 fps
	r.done = make(chan struct{})

	r.wg.Add(1)
	go r.writeCaptures(r.w, path, r.captureChan, r.done)

	logger.Info("Recorder", "Recording to %s", path)
	return path, nil
}

// Stop stops recording, writes out queued captures and closes the file
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.recording = false
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.w != nil {
		err = r.w.Flush()
		r.w = nil
	}
	if r.file != nil {
		if syncErr := r.file.Sync(); err == nil && syncErr != nil {
			err = syncErr
		}
		if closeErr := r.file.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		r.file = nil
	}
	logger.Info("Recorder", "Stopped %s: %d captures, %d bytes, %d dropped",
		r.filename, r.frameCount.Load(), r.bytesWritten.Load(), r.dropped.Load())
	if err != nil {
		return r.filename, errors.Wrap(err, "recorder: close file")
	}
	return r.filename, nil
}

// SendCapture queues c for writing without blocking. The recorder takes its
// own reference. It returns false when not recording or the queue is full.
func (r *Recorder) SendCapture(c *capture.Capture) bool {
	if c == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	c.IncRef()
	select {
	case r.captureChan <- c:
		return true
	default:
		c.DecRef()
		r.dropped.Add(1)
		return false
	}
}

// writeCaptures writes queued captures until done is closed, then drains
func (r *Recorder) writeCaptures(w *bufio.Writer, name string, captures chan *capture.Capture, done chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case c := <-captures:
			r.writeCapture(w, name, c)
		case <-done:
			for {
				select {
				case c := <-captures:
					r.writeCapture(w, name, c)
				default:
					return
				}
			}
		}
	}
}

// writeCapture writes every image of c as one record and drops the
// reference taken by SendCapture
func (r *Recorder) writeCapture(w *bufio.Writer, name string, c *capture.Capture) {
	defer c.DecRef()

	seq := uint32(r.frameCount.Load())
	temp := c.Temperature()

	images := [...]struct {
		slot Slot
		im   *capture.Image
	}{
		{SlotColor, c.Color()},
		{SlotDepth, c.Depth()},
		{SlotIR, c.IR()},
	}
	for _, it := range images {
		if it.im == nil {
			continue
		}
		n, err := writeRecord(w, it.slot, it.im, temp, seq)
		it.im.DecRef()
		r.bytesWritten.Add(uint64(n))
		if err != nil {
			logger.Error("Recorder", "Write %s: %v", name, err)
		}
	}
	r.frameCount.Add(1)
}

func writeRecord(w *bufio.Writer, slot Slot, im *capture.Image, temp float32, seq uint32) (int, error) {
	data := im.Buffer()
	var sys int64
	if t := im.SystemTimestamp(); !t.IsZero() {
		sys = t.UnixNano()
	}
	h := RecordHeader{
		Magic:       Magic,
		Slot:        slot,
		Format:      uint8(im.Format()),
		Width:       uint32(im.Width()),
		Height:      uint32(im.Height()),
		Stride:      uint32(im.Stride()),
		DeviceUsec:  im.DeviceTimestamp().Microseconds(),
		SystemNanos: sys,
		Temperature: temp,
		Sequence:    seq,
		Size:        uint32(len(data)),
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return binary.Size(h) + n, err
}

// ReadHeader reads the next record header; the caller reads Size data
// bytes after it
func ReadHeader(r io.Reader) (RecordHeader, error) {
	var h RecordHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, err
	}
	if h.Magic != Magic {
		return h, errors.Errorf("recorder: bad record magic %q", h.Magic[:])
	}
	return h, nil
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount.Load(),
		Dropped:      r.dropped.Load(),
		BytesWritten: r.bytesWritten.Load(),
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Close stops an active recording
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// Status holds the current recording status
type Status struct {
	Recording    bool
	Filename     string
	FrameCount   uint64
	Dropped      uint64
	BytesWritten uint64
	Duration     time.Duration
	StartTime    time.Time
}
