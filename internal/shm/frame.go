package shm

import (
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

// Camera ids written by the capture daemon
const (
	CameraColor = 0
	CameraDepth = 1
	CameraIR    = 2
)

// Format codes written by the capture daemon
const (
	FormatMJPG     = 0
	FormatNV12     = 1
	FormatYUY2     = 2
	FormatBGRA32   = 3
	FormatDepth16  = 4
	FormatIR16     = 5
	FormatCustom8  = 6
	FormatCustom16 = 7
)

var (
	ErrTimeout     = errors.New("shm: timeout")
	ErrNotOpen     = errors.New("shm: shared memory not open")
	ErrUnsupported = errors.New("shm: shared memory transport requires linux and cgo")
)

var wireFormats = map[int]types.ImageFormat{
	FormatMJPG:     types.FormatColorMJPG,
	FormatNV12:     types.FormatColorNV12,
	FormatYUY2:     types.FormatColorYUY2,
	FormatBGRA32:   types.FormatColorBGRA32,
	FormatDepth16:  types.FormatDepth16,
	FormatIR16:     types.FormatIR16,
	FormatCustom8:  types.FormatCustom8,
	FormatCustom16: types.FormatCustom16,
}

// header is the metadata of one ring slot
type header struct {
	FrameNumber  uint64
	Host         time.Time
	Device       time.Duration
	CameraID     int
	Width        int
	Height       int
	Stride       int
	Format       int
	Exposure     time.Duration
	WhiteBalance uint32
	ISOSpeed     uint32
	Temperature  float32
}

func streamFor(cameraID int) (types.StreamID, bool) {
	switch cameraID {
	case CameraColor:
		return types.StreamColor, true
	case CameraDepth:
		return types.StreamDepth, true
	case CameraIR:
		return types.StreamIR, true
	}
	return 0, false
}

// categoryFor returns the allocator category for transfer buffers of a stream
func categoryFor(id types.StreamID) allocator.Category {
	if id == types.StreamColor {
		return allocator.CategoryColor
	}
	return allocator.CategoryUSBDepth
}

func (h header) rawFrame(id types.StreamID, data []byte) (*types.RawFrame, error) {
	format, ok := wireFormats[h.Format]
	if !ok {
		return nil, errors.Errorf("shm: unknown format %d on camera %d", h.Format, h.CameraID)
	}
	return &types.RawFrame{
		Stream:          id,
		Format:          format,
		Width:           h.Width,
		Height:          h.Height,
		Stride:          h.Stride,
		DeviceTimestamp: h.Device,
		SystemTimestamp: h.Host,
		Exposure:        h.Exposure,
		WhiteBalance:    h.WhiteBalance,
		ISOSpeed:        h.ISOSpeed,
		Temperature:     h.Temperature,
		Data:            data,
	}, nil
}

// ring is the shared-memory frame ring written by the capture daemon
type ring interface {
	// Wait blocks until the writer signals a new frame or timeout passes.
	Wait(timeout time.Duration) error
	WriteIndex() uint32
	Slots() uint32
	// Slot returns the metadata and pixel data of slot. data and ir alias
	// shared memory and may be overwritten at any time.
	Slot(index uint32) (h header, data, ir []byte, err error)
	// FrameNumber re-reads the frame number of slot to detect overwrites.
	FrameNumber(index uint32) uint64
	Close() error
}
