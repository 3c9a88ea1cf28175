//go:build darwin || linux

package plugin

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
)

// nativeTable mirrors the C struct filled by depthengine_register_plugin:
//
//	struct { uint32_t major, minor, patch; void *create, *process, *get_output_size, *destroy; }
type nativeTable struct {
	Major               uint32
	Minor               uint32
	Patch               uint32
	_                   uint32
	CreateAndInitialize uintptr
	ProcessFrame        uintptr
	GetOutputFrameSize  uintptr
	Destroy             uintptr
}

type nativeLibrary struct {
	path   string
	handle uintptr
}

func nativeOpener(searchPath []string) Opener {
	return func(name string, major uint32) (Library, error) {
		file := LibraryFileName(name, major)

		var candidates []string
		for _, dir := range searchPath {
			candidates = append(candidates, filepath.Join(dir, file))
		}
		if dir := os.Getenv("DEPTHD_PLUGIN_PATH"); dir != "" {
			candidates = append(candidates, filepath.Join(dir, file))
		}
		candidates = append(candidates, file)

		var lastErr error
		for _, path := range candidates {
			handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
			if err == nil {
				logger.Debug("Plugin", "opened %s", path)
				return &nativeLibrary{path: path, handle: handle}, nil
			}
			lastErr = err
		}
		return nil, errors.Wrapf(lastErr, "dlopen %s", file)
	}
}

func (l *nativeLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return errors.Wrapf(err, "dlclose %s", l.path)
}

func (l *nativeLibrary) Register() (*Table, error) {
	sym, err := purego.Dlsym(l.handle, RegisterSymbol)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: missing %s", l.path, RegisterSymbol)
	}

	var register func(out *nativeTable)
	purego.RegisterFunc(&register, sym)

	var nt nativeTable
	register(&nt)

	t := &Table{Version: Version{Major: nt.Major, Minor: nt.Minor, Patch: nt.Patch}}
	if nt.CreateAndInitialize != 0 {
		t.CreateAndInitialize = bindCreate(nt.CreateAndInitialize)
	}
	if nt.ProcessFrame != 0 {
		t.ProcessFrame = bindProcess(nt.ProcessFrame)
	}
	if nt.GetOutputFrameSize != 0 {
		t.GetOutputFrameSize = bindOutputSize(nt.GetOutputFrameSize)
	}
	if nt.Destroy != 0 {
		t.Destroy = bindDestroy(nt.Destroy)
	}
	return t, nil
}

func bytesPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

// int32_t create(const void *calibration, size_t size, uint32_t mode, void **engine)
func bindCreate(fn uintptr) func(*InitParams) (Handle, Result) {
	var create func(calib unsafe.Pointer, size uintptr, mode uint32, out *uintptr) int32
	purego.RegisterFunc(&create, fn)

	return func(p *InitParams) (Handle, Result) {
		var pinner runtime.Pinner
		defer pinner.Unpin()
		if len(p.Calibration) > 0 {
			pinner.Pin(&p.Calibration[0])
		}

		var h uintptr
		r := create(bytesPtr(p.Calibration), uintptr(len(p.Calibration)), p.Mode, &h)
		return Handle(h), Result(r)
	}
}

// int32_t process(void *engine, int32_t type, const void **inputs, const size_t *sizes,
//
//	size_t count, void *output, size_t output_size, int32_t interpolation, uint32_t invalid)
func bindProcess(fn uintptr) func(Handle, *FrameRequest) Result {
	var process func(h uintptr, frameType int32, inputs *unsafe.Pointer, sizes *uintptr, count uintptr,
		out unsafe.Pointer, outSize uintptr, interp int32, invalid uint32) int32
	purego.RegisterFunc(&process, fn)

	return func(h Handle, req *FrameRequest) Result {
		var pinner runtime.Pinner
		defer pinner.Unpin()

		ptrs := make([]unsafe.Pointer, len(req.Inputs))
		sizes := make([]uintptr, len(req.Inputs))
		for i, in := range req.Inputs {
			if len(in) > 0 {
				pinner.Pin(&in[0])
			}
			ptrs[i] = bytesPtr(in)
			sizes[i] = uintptr(len(in))
		}
		if len(req.Output) > 0 {
			pinner.Pin(&req.Output[0])
		}

		var inputs *unsafe.Pointer
		var sizesPtr *uintptr
		if len(ptrs) > 0 {
			pinner.Pin(&ptrs[0])
			pinner.Pin(&sizes[0])
			inputs, sizesPtr = &ptrs[0], &sizes[0]
		}

		r := process(uintptr(h), int32(req.Type), inputs, sizesPtr, uintptr(len(ptrs)),
			bytesPtr(req.Output), uintptr(len(req.Output)), int32(req.Interpolation), req.InvalidValue)
		return Result(r)
	}
}

// int32_t get_output_frame_size(void *engine, int32_t type, size_t *size)
func bindOutputSize(fn uintptr) func(Handle, FrameType) (int, Result) {
	var get func(h uintptr, frameType int32, out *uintptr) int32
	purego.RegisterFunc(&get, fn)

	return func(h Handle, t FrameType) (int, Result) {
		var size uintptr
		r := get(uintptr(h), int32(t), &size)
		return int(size), Result(r)
	}
}

// void destroy(void *engine)
func bindDestroy(fn uintptr) func(Handle) {
	var destroy func(h uintptr)
	purego.RegisterFunc(&destroy, fn)

	return func(h Handle) {
		destroy(uintptr(h))
	}
}
