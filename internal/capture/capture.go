// Package capture holds the reference-counted Image and Capture objects
// that flow from the sensor callbacks to the application.
package capture

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
)

type slot int

const (
	slotColor slot = iota
	slotDepth
	slotIR
	slotCount
)

// slotIMU shares storage with the IR slot
const slotIMU = slotIR

var slotNames = [slotCount]string{"color", "depth", "ir"}

// Capture groups the images taken at one instant.
type Capture struct {
	refs atomic.Int32

	mu          sync.RWMutex
	images      [slotCount]*Image
	temperature float32
}

// NewCapture returns an empty capture holding one reference
func NewCapture() *Capture {
	c := &Capture{temperature: float32(math.NaN())}
	c.refs.Store(1)
	return c
}

// IncRef adds a reference
func (c *Capture) IncRef() {
	if c == nil {
		logger.Error("Capture", "IncRef on nil capture")
		return
	}
	if c.refs.Add(1) <= 1 {
		logger.Error("Capture", "IncRef on released capture")
	}
}

// DecRef drops a reference. The last one releases every image slot.
func (c *Capture) DecRef() {
	if c == nil {
		logger.Error("Capture", "DecRef on nil capture")
		return
	}
	n := c.refs.Add(-1)
	if n < 0 {
		logger.Error("Capture", "DecRef on released capture (count %d)", n)
		return
	}
	if n > 0 {
		return
	}

	c.mu.Lock()
	images := c.images
	c.images = [slotCount]*Image{}
	c.mu.Unlock()

	for _, im := range images {
		if im != nil {
			im.DecRef()
		}
	}
}

// Refs returns the current reference count
func (c *Capture) Refs() int32 {
	if c == nil {
		return 0
	}
	return c.refs.Load()
}

func (c *Capture) get(s slot) *Image {
	if c == nil {
		logger.Error("Capture", "get %s on nil capture", slotNames[s])
		return nil
	}
	c.mu.RLock()
	im := c.images[s]
	if im != nil {
		im.IncRef()
	}
	c.mu.RUnlock()
	return im
}

func (c *Capture) set(s slot, im *Image) {
	if c == nil {
		logger.Error("Capture", "set %s on nil capture", slotNames[s])
		return
	}
	if im != nil {
		im.IncRef()
	}
	c.mu.Lock()
	old := c.images[s]
	c.images[s] = im
	c.mu.Unlock()

	if old != nil {
		old.DecRef()
	}
}

// Color returns the color image with a new reference, or nil.
// The caller must DecRef the result.
func (c *Capture) Color() *Image { return c.get(slotColor) }

// Depth returns the depth image with a new reference, or nil.
func (c *Capture) Depth() *Image { return c.get(slotDepth) }

// IR returns the infrared image with a new reference, or nil.
func (c *Capture) IR() *Image { return c.get(slotIR) }

// IMU returns the IMU sample image with a new reference, or nil.
func (c *Capture) IMU() *Image { return c.get(slotIMU) }

// SetColor replaces the color image; nil clears the slot
func (c *Capture) SetColor(im *Image) { c.set(slotColor, im) }

func (c *Capture) SetDepth(im *Image) { c.set(slotDepth, im) }

func (c *Capture) SetIR(im *Image) { c.set(slotIR, im) }

func (c *Capture) SetIMU(im *Image) { c.set(slotIMU, im) }

// Temperature returns the sensor temperature in Celsius, NaN when unknown
func (c *Capture) Temperature() float32 {
	if c == nil {
		logger.Error("Capture", "Temperature on nil capture")
		return float32(math.NaN())
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.temperature
}

func (c *Capture) SetTemperature(celsius float32) error {
	if c == nil {
		logger.Error("Capture", "SetTemperature on nil capture")
		return errors.Wrap(ErrInvalidArgument, "nil capture")
	}
	if math.IsNaN(float64(celsius)) {
		return errors.Wrap(ErrInvalidArgument, "temperature is NaN")
	}
	c.mu.Lock()
	c.temperature = celsius
	c.mu.Unlock()
	return nil
}

// Timestamp returns the device timestamp of the first populated slot in
// color, depth, IR order, and false when the capture is empty.
func (c *Capture) Timestamp() (time.Duration, bool) {
	if c == nil {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, im := range c.images {
		if im != nil {
			return im.DeviceTimestamp(), true
		}
	}
	return 0, false
}
