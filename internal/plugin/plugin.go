// Package plugin loads the depth engine compute plugin and dispatches
// through its versioned function table.
package plugin

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// RegisterSymbol is the entry point every plugin exports. It fills in the
// function table passed to it.
const RegisterSymbol = "depthengine_register_plugin"

// DefaultName is the library base name, loaded as lib<name>.so.<major>
const DefaultName = "depthengine"

// ExpectedVersion is the plugin ABI this build was written against
var ExpectedVersion = Version{Major: 2, Minor: 0, Patch: 0}

var (
	ErrNotLoaded       = errors.New("plugin: not loaded")
	ErrVersionMismatch = errors.New("plugin: incompatible major version")
	ErrIncompleteTable = errors.New("plugin: function table incomplete")
	ErrFatal           = errors.New("plugin: fatal engine error")
	ErrFrameData       = errors.New("plugin: frame data error")
	ErrUnsupported     = errors.New("plugin: dynamic loading not supported on this platform")
)

// Version of the plugin ABI
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Handle identifies an engine instance inside the plugin
type Handle uintptr

// FrameType selects the operation ProcessFrame performs
type FrameType int32

const (
	FrameDepth FrameType = iota
	FrameDepthToColor
	FrameColorToDepth
)

// FrameTypes lists every operation
var FrameTypes = []FrameType{FrameDepth, FrameDepthToColor, FrameColorToDepth}

func (t FrameType) String() string {
	switch t {
	case FrameDepth:
		return "depth"
	case FrameDepthToColor:
		return "depth_to_color"
	case FrameColorToDepth:
		return "color_to_depth"
	}
	return fmt.Sprintf("frame_type(%d)", int32(t))
}

// Interpolation used when resampling
type Interpolation int32

const (
	InterpolationNearest Interpolation = iota
	InterpolationLinear
)

// InitParams configure a new engine instance
type InitParams struct {
	Calibration []byte
	Mode        uint32
}

// FrameRequest is one ProcessFrame call
type FrameRequest struct {
	Type          FrameType
	Inputs        [][]byte
	Output        []byte
	Interpolation Interpolation
	InvalidValue  uint32
}

// Result is the status code returned by plugin functions
type Result int32

const (
	ResultSucceeded    Result = 0
	ResultFailed       Result = 1
	ResultInputInvalid Result = 2
	ResultOutputSize   Result = 3

	ResultGPULost     Result = 0x100
	ResultGPUTimeout  Result = 0x101
	ResultInitFailure Result = 0x102
)

// ResultClass groups result codes by how callers must react
type ResultClass int

const (
	ClassSuccess ResultClass = iota
	// ClassData errors affect one frame; the engine stays usable.
	ClassData
	// ClassFatal errors leave the engine unusable until the session restarts.
	ClassFatal
)

func (c ResultClass) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassData:
		return "data"
	}
	return "fatal"
}

// Class maps r to its ResultClass
func (r Result) Class() ResultClass {
	switch {
	case r == ResultSucceeded:
		return ClassSuccess
	case r >= ResultGPULost:
		return ClassFatal
	}
	return ClassData
}

func (r Result) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultInputInvalid:
		return "input invalid"
	case ResultOutputSize:
		return "output size"
	case ResultGPULost:
		return "gpu lost"
	case ResultGPUTimeout:
		return "gpu timeout"
	case ResultInitFailure:
		return "init failure"
	}
	return fmt.Sprintf("result(%d)", int32(r))
}

// Err converts a non-success result into a *ResultError
func (r Result) Err(op string) error {
	if r == ResultSucceeded {
		return nil
	}
	return &ResultError{Op: op, Code: r}
}

// ResultError reports a failed plugin call. It matches ErrFatal or
// ErrFrameData with errors.Is according to its class.
type ResultError struct {
	Op   string
	Code Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("plugin: %s: %s (%s error)", e.Op, e.Code, e.Code.Class())
}

func (e *ResultError) Is(target error) bool {
	switch target {
	case ErrFatal:
		return e.Code.Class() == ClassFatal
	case ErrFrameData:
		return e.Code.Class() == ClassData
	}
	return false
}

// Table is the function table a plugin registers
type Table struct {
	Version             Version
	CreateAndInitialize func(params *InitParams) (Handle, Result)
	ProcessFrame        func(h Handle, req *FrameRequest) Result
	GetOutputFrameSize  func(h Handle, t FrameType) (int, Result)
	Destroy             func(h Handle)
}

// Verify checks that t is complete and compatible with expected. Minor and
// patch differences are accepted.
func Verify(t *Table, expected Version) error {
	if t == nil {
		return errors.Wrap(ErrIncompleteTable, "no table registered")
	}
	var missing []string
	if t.CreateAndInitialize == nil {
		missing = append(missing, "create_and_initialize")
	}
	if t.ProcessFrame == nil {
		missing = append(missing, "process_frame")
	}
	if t.GetOutputFrameSize == nil {
		missing = append(missing, "get_output_frame_size")
	}
	if t.Destroy == nil {
		missing = append(missing, "destroy")
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrIncompleteTable, "missing %v", missing)
	}
	if t.Version.Major != expected.Major {
		return errors.Wrapf(ErrVersionMismatch, "plugin %s, want %d.x", t.Version, expected.Major)
	}
	return nil
}

// LibraryFileName returns the platform file name for a plugin
func LibraryFileName(name string, major uint32) string {
	if runtime.GOOS == "darwin" {
		return fmt.Sprintf("lib%s.%d.dylib", name, major)
	}
	return fmt.Sprintf("lib%s.so.%d", name, major)
}
