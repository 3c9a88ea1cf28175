package capture

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

var ErrInvalidArgument = errors.New("capture: invalid argument")

// DestroyFunc releases a buffer adopted by NewImageFromBuffer
type DestroyFunc func(buf []byte, ctx any)

// Image is a reference-counted frame buffer plus its sensor metadata.
type Image struct {
	refs atomic.Int32

	format types.ImageFormat
	width  int
	height int
	stride int

	mu           sync.RWMutex
	buf          []byte
	deviceTS     time.Duration
	systemTS     time.Time
	exposure     time.Duration
	whiteBalance uint32
	iso          uint32

	alloc      *allocator.Allocator
	owned      *allocator.Buffer
	destroy    DestroyFunc
	destroyCtx any
}

// CategoryFor returns the allocator category used for images of format f
func CategoryFor(f types.ImageFormat) allocator.Category {
	switch {
	case f.IsColor():
		return allocator.CategoryColor
	case f == types.FormatDepth16 || f == types.FormatIR16:
		return allocator.CategoryDepth
	}
	return allocator.CategoryUser
}

func checkGeometry(format types.ImageFormat, width, height, stride int) error {
	if !format.Valid() {
		return errors.Wrapf(ErrInvalidArgument, "format %d", format)
	}
	if width <= 0 || height <= 0 || stride < 0 {
		return errors.Wrapf(ErrInvalidArgument, "geometry %dx%d stride %d", width, height, stride)
	}
	if bpp := format.BytesPerPixel(); bpp > 0 && stride > 0 && stride < width*bpp {
		return errors.Wrapf(ErrInvalidArgument, "stride %d too small for %d px of %s", stride, width, format)
	}
	return nil
}

// NewImage allocates a stride*height image from alloc.
func NewImage(alloc *allocator.Allocator, format types.ImageFormat, width, height, stride int) (*Image, error) {
	if err := checkGeometry(format, width, height, stride); err != nil {
		return nil, err
	}
	if stride == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "stride 0 requires NewImageWithSize")
	}
	if height > math.MaxInt/stride {
		return nil, errors.Wrapf(allocator.ErrOverflow, "%d rows of %d bytes", height, stride)
	}
	return NewImageWithSize(alloc, format, width, height, stride, stride*height)
}

// NewImageWithSize allocates an image with an explicit buffer size, for
// formats such as MJPG whose size does not follow from the geometry.
func NewImageWithSize(alloc *allocator.Allocator, format types.ImageFormat, width, height, stride, size int) (*Image, error) {
	if alloc == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil allocator")
	}
	if err := checkGeometry(format, width, height, stride); err != nil {
		return nil, err
	}
	b, err := alloc.Alloc(CategoryFor(format), size)
	if err != nil {
		return nil, err
	}

	im := &Image{
		format: format,
		width:  width,
		height: height,
		stride: stride,
		buf:    b.Bytes(),
		alloc:  alloc,
		owned:  b,
	}
	im.refs.Store(1)
	return im, nil
}

// NewImageFromBuffer wraps a caller-owned buffer without copying. destroy,
// when non-nil, is called with buf and ctx once the last reference drops.
func NewImageFromBuffer(format types.ImageFormat, width, height, stride int, buf []byte, destroy DestroyFunc, ctx any) (*Image, error) {
	if err := checkGeometry(format, width, height, stride); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "empty buffer")
	}

	im := &Image{
		format:     format,
		width:      width,
		height:     height,
		stride:     stride,
		buf:        buf,
		destroy:    destroy,
		destroyCtx: ctx,
	}
	im.refs.Store(1)
	return im, nil
}

// IncRef adds a reference
func (im *Image) IncRef() {
	if im == nil {
		logger.Error("Image", "IncRef on nil image")
		return
	}
	if im.refs.Add(1) <= 1 {
		logger.Error("Image", "IncRef on released image")
	}
}

// DecRef drops a reference; the last one releases the buffer.
func (im *Image) DecRef() {
	if im == nil {
		logger.Error("Image", "DecRef on nil image")
		return
	}
	switch n := im.refs.Add(-1); {
	case n == 0:
		im.release()
	case n < 0:
		logger.Error("Image", "DecRef on released image (count %d)", n)
	}
}

// Refs returns the current reference count
func (im *Image) Refs() int32 {
	if im == nil {
		return 0
	}
	return im.refs.Load()
}

func (im *Image) release() {
	im.mu.Lock()
	buf := im.buf
	owned, alloc := im.owned, im.alloc
	destroy, ctx := im.destroy, im.destroyCtx
	im.buf, im.owned, im.alloc, im.destroy, im.destroyCtx = nil, nil, nil, nil, nil
	im.mu.Unlock()

	if owned != nil {
		if err := alloc.Free(owned); err != nil {
			logger.Error("Image", "free %s image: %v", im.format, err)
		}
		return
	}
	if destroy != nil {
		destroy(buf, ctx)
	}
}

// Buffer returns the pixel data; nil once released.
func (im *Image) Buffer() []byte {
	if im == nil {
		logger.Error("Image", "Buffer on nil image")
		return nil
	}
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.buf
}

// Size returns the buffer length in bytes
func (im *Image) Size() int {
	return len(im.Buffer())
}

func (im *Image) Format() types.ImageFormat {
	if im == nil {
		return types.FormatCustom
	}
	return im.format
}

func (im *Image) Width() int {
	if im == nil {
		return 0
	}
	return im.width
}

func (im *Image) Height() int {
	if im == nil {
		return 0
	}
	return im.height
}

func (im *Image) Stride() int {
	if im == nil {
		return 0
	}
	return im.stride
}

func (im *Image) DeviceTimestamp() time.Duration {
	if im == nil {
		logger.Error("Image", "DeviceTimestamp on nil image")
		return 0
	}
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.deviceTS
}

func (im *Image) SetDeviceTimestamp(ts time.Duration) {
	if im == nil {
		logger.Error("Image", "SetDeviceTimestamp on nil image")
		return
	}
	im.mu.Lock()
	im.deviceTS = ts
	im.mu.Unlock()
}

func (im *Image) SystemTimestamp() time.Time {
	if im == nil {
		return time.Time{}
	}
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.systemTS
}

func (im *Image) SetSystemTimestamp(ts time.Time) {
	if im == nil {
		logger.Error("Image", "SetSystemTimestamp on nil image")
		return
	}
	im.mu.Lock()
	im.systemTS = ts
	im.mu.Unlock()
}

func (im *Image) Exposure() time.Duration {
	if im == nil {
		return 0
	}
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.exposure
}

func (im *Image) SetExposure(d time.Duration) {
	if im == nil {
		logger.Error("Image", "SetExposure on nil image")
		return
	}
	im.mu.Lock()
	im.exposure = d
	im.mu.Unlock()
}

// WhiteBalance returns the color temperature in kelvin
func (im *Image) WhiteBalance() uint32 {
	if im == nil {
		return 0
	}
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.whiteBalance
}

func (im *Image) SetWhiteBalance(kelvin uint32) {
	if im == nil {
		logger.Error("Image", "SetWhiteBalance on nil image")
		return
	}
	im.mu.Lock()
	im.whiteBalance = kelvin
	im.mu.Unlock()
}

func (im *Image) ISOSpeed() uint32 {
	if im == nil {
		return 0
	}
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.iso
}

func (im *Image) SetISOSpeed(iso uint32) {
	if im == nil {
		logger.Error("Image", "SetISOSpeed on nil image")
		return
	}
	im.mu.Lock()
	im.iso = iso
	im.mu.Unlock()
}
