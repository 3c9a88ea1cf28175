package types

import (
	"strings"
	"time"
)

// ImageFormat identifies the pixel layout of an image buffer
type ImageFormat int

const (
	FormatColorMJPG ImageFormat = iota
	FormatColorNV12
	FormatColorYUY2
	FormatColorBGRA32
	FormatDepth16
	FormatIR16
	FormatCustom8
	FormatCustom16
	FormatCustom
)

var formatNames = map[ImageFormat]string{
	FormatColorMJPG:   "MJPG",
	FormatColorNV12:   "NV12",
	FormatColorYUY2:   "YUY2",
	FormatColorBGRA32: "BGRA32",
	FormatDepth16:     "DEPTH16",
	FormatIR16:        "IR16",
	FormatCustom8:     "CUSTOM8",
	FormatCustom16:    "CUSTOM16",
	FormatCustom:      "CUSTOM",
}

func (f ImageFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether f is a known format
func (f ImageFormat) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

// IsColor reports whether f is produced by the color sensor
func (f ImageFormat) IsColor() bool {
	switch f {
	case FormatColorMJPG, FormatColorNV12, FormatColorYUY2, FormatColorBGRA32:
		return true
	}
	return false
}

// BytesPerPixel returns the fixed pixel size of f, or 0 for compressed and planar formats.
func (f ImageFormat) BytesPerPixel() int {
	switch f {
	case FormatColorBGRA32:
		return 4
	case FormatColorYUY2, FormatDepth16, FormatIR16, FormatCustom16:
		return 2
	case FormatCustom8:
		return 1
	}
	return 0
}

// ParseImageFormat maps a format name (case-insensitive) to its ImageFormat
func ParseImageFormat(s string) (ImageFormat, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == s {
			return f, true
		}
	}
	return FormatCustom, false
}

// StreamID identifies a physical sensor stream
type StreamID int

const (
	StreamColor StreamID = iota
	StreamDepth
	StreamIR
	StreamIMU
)

func (s StreamID) String() string {
	switch s {
	case StreamColor:
		return "color"
	case StreamDepth:
		return "depth"
	case StreamIR:
		return "ir"
	case StreamIMU:
		return "imu"
	}
	return "unknown"
}

// StreamSet is a bitmask of enabled streams
type StreamSet uint8

// Streams builds a StreamSet from ids
func Streams(ids ...StreamID) StreamSet {
	var s StreamSet
	for _, id := range ids {
		s |= 1 << uint(id)
	}
	return s
}

// Has reports whether id is enabled in s
func (s StreamSet) Has(id StreamID) bool {
	return s&(1<<uint(id)) != 0
}

// Empty reports whether no stream is enabled
func (s StreamSet) Empty() bool {
	return s == 0
}

// Result is the outcome reported by a hardware or shared-memory producer for one frame
type Result int

const (
	ResultSucceeded Result = iota
	ResultFailed
)

func (r Result) String() string {
	if r == ResultSucceeded {
		return "succeeded"
	}
	return "failed"
}

// WaitResult is the outcome of a blocking pop
type WaitResult int

const (
	WaitSucceeded WaitResult = iota
	WaitFailed
	WaitTimeout
)

func (w WaitResult) String() string {
	switch w {
	case WaitSucceeded:
		return "succeeded"
	case WaitTimeout:
		return "timeout"
	}
	return "failed"
}

// Infinite makes a blocking pop wait until data arrives or the queue shuts down.
const Infinite time.Duration = -1

// RawFrame is one frame as delivered by the transport layer
type RawFrame struct {
	Stream          StreamID
	Format          ImageFormat
	Width           int
	Height          int
	Stride          int
	DeviceTimestamp time.Duration // sensor clock
	SystemTimestamp time.Time     // host clock at arrival
	Exposure        time.Duration
	WhiteBalance    uint32
	ISOSpeed        uint32
	Temperature     float32 // NaN when the sensor does not report it
	Data            []byte

	// IR carries the infrared frame captured together with a depth frame.
	IR *RawFrame

	// Release returns Data to its producer. When set, consumers adopt Data
	// without copying and must call Release exactly once.
	Release func()
}

// FrameCallback receives raw frames from a producer. ctx is the value the
// callback was registered with.
type FrameCallback func(result Result, frame *RawFrame, ctx any)
