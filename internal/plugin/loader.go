package plugin

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
)

// Library is an opened plugin module
type Library interface {
	// Register invokes the plugin's registration entry point.
	Register() (*Table, error)
	Close() error
}

// Opener opens the library for name at the given major version
type Opener func(name string, major uint32) (Library, error)

// LoadError reports why the plugin could not be loaded. It matches
// ErrNotLoaded and unwraps to the underlying cause.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return "plugin: " + e.Name + " not loaded: " + e.Err.Error()
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == ErrNotLoaded }

// Loader loads a plugin at most once and dispatches to its table. The
// library is closed when the Loader becomes unreachable.
type Loader struct {
	name       string
	expected   Version
	searchPath []string
	open       Opener

	once  sync.Once
	table *Table
	err   error
}

// Option configures a Loader
type Option func(*Loader)

// WithOpener replaces the dynamic library opener
func WithOpener(o Opener) Option {
	return func(l *Loader) { l.open = o }
}

// WithName sets the library base name
func WithName(name string) Option {
	return func(l *Loader) { l.name = name }
}

// WithExpectedVersion overrides the ABI version the table is checked against
func WithExpectedVersion(v Version) Option {
	return func(l *Loader) { l.expected = v }
}

// WithSearchPath adds directories tried before the system loader path
func WithSearchPath(dirs ...string) Option {
	return func(l *Loader) { l.searchPath = append(l.searchPath, dirs...) }
}

// NewLoader creates a loader; nothing is opened until first use.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		name:     DefaultName,
		expected: ExpectedVersion,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.open == nil {
		l.open = nativeOpener(l.searchPath)
	}
	return l
}

// Load opens and verifies the plugin. Only the first call does any work;
// later calls return the same result.
func (l *Loader) Load() error {
	l.once.Do(l.load)
	return l.err
}

func (l *Loader) load() {
	lib, err := l.open(l.name, l.expected.Major)
	if err != nil {
		l.fail(err)
		return
	}

	table, err := lib.Register()
	if err == nil {
		err = Verify(table, l.expected)
	}
	if err != nil {
		if cerr := lib.Close(); cerr != nil {
			logger.Warn("Plugin", "close %s: %v", l.name, cerr)
		}
		l.fail(err)
		return
	}

	if table.Version.Minor != l.expected.Minor || table.Version.Patch != l.expected.Patch {
		logger.Info("Plugin", "%s version %s differs from expected %s in minor/patch", l.name, table.Version, l.expected)
	}

	l.table = table
	runtime.AddCleanup(l, closeLibrary, lib)
	logger.Info("Plugin", "loaded %s version %s", l.name, table.Version)
}

func closeLibrary(lib Library) {
	if err := lib.Close(); err != nil {
		logger.Warn("Plugin", "unload: %v", err)
	}
}

func (l *Loader) fail(err error) {
	l.err = &LoadError{Name: l.name, Err: err}
	logger.Error("Plugin", "%v", l.err)
}

func (l *Loader) loaded() (*Table, error) {
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l.table, nil
}

// Version returns the registered plugin version
func (l *Loader) Version() (Version, error) {
	t, err := l.loaded()
	if err != nil {
		return Version{}, err
	}
	return t.Version, nil
}

// CreateAndInitialize creates an engine instance
func (l *Loader) CreateAndInitialize(params *InitParams) (Handle, error) {
	t, err := l.loaded()
	if err != nil {
		return 0, err
	}
	if params == nil {
		params = &InitParams{}
	}
	h, r := t.CreateAndInitialize(params)
	if err := r.Err("create_and_initialize"); err != nil {
		return 0, err
	}
	return h, nil
}

// ProcessFrame runs one frame through the engine
func (l *Loader) ProcessFrame(h Handle, req *FrameRequest) error {
	t, err := l.loaded()
	if err != nil {
		return err
	}
	return t.ProcessFrame(h, req).Err("process_frame")
}

// GetOutputFrameSize returns the output buffer size required for frame type ft
func (l *Loader) GetOutputFrameSize(h Handle, ft FrameType) (int, error) {
	t, err := l.loaded()
	if err != nil {
		return 0, err
	}
	size, r := t.GetOutputFrameSize(h, ft)
	if err := r.Err("get_output_frame_size"); err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, errors.Errorf("plugin: negative output size %d for %s", size, ft)
	}
	return size, nil
}

// Destroy releases an engine instance
func (l *Loader) Destroy(h Handle) error {
	t, err := l.loaded()
	if err != nil {
		return err
	}
	t.Destroy(h)
	return nil
}
