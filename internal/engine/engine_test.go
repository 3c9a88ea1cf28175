package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/plugin"
)

const depthSize = 16

type fakeEngine struct {
	createResult plugin.Result
	processHook  func(req *plugin.FrameRequest) plugin.Result

	inFlight   atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32
	destroyed  atomic.Int32
}

type fakeLibrary struct{ e *fakeEngine }

func (l fakeLibrary) Close() error { return nil }

func (l fakeLibrary) Register() (*plugin.Table, error) {
	e := l.e
	return &plugin.Table{
		Version: plugin.ExpectedVersion,
		CreateAndInitialize: func(*plugin.InitParams) (plugin.Handle, plugin.Result) {
			if e.createResult != plugin.ResultSucceeded {
				return 0, e.createResult
			}
			return 42, plugin.ResultSucceeded
		},
		ProcessFrame: func(h plugin.Handle, req *plugin.FrameRequest) plugin.Result {
			if e.inFlight.Add(1) > 1 {
				e.overlapped.Store(true)
			}
			defer e.inFlight.Add(-1)
			e.calls.Add(1)
			if e.processHook != nil {
				return e.processHook(req)
			}
			time.Sleep(time.Millisecond)
			for i := range req.Output {
				req.Output[i] = 0xAB
			}
			return plugin.ResultSucceeded
		},
		GetOutputFrameSize: func(h plugin.Handle, t plugin.FrameType) (int, plugin.Result) {
			switch t {
			case plugin.FrameDepth:
				return depthSize, plugin.ResultSucceeded
			case plugin.FrameDepthToColor:
				return 32, plugin.ResultSucceeded
			}
			return 0, plugin.ResultFailed
		},
		Destroy: func(plugin.Handle) { e.destroyed.Add(1) },
	}, nil
}

func newLoader(e *fakeEngine) *plugin.Loader {
	return plugin.NewLoader(plugin.WithOpener(func(string, uint32) (plugin.Library, error) {
		return fakeLibrary{e: e}, nil
	}))
}

func newEngine(t *testing.T, fe *fakeEngine) *Engine {
	t.Helper()
	e, err := New(context.Background(), newLoader(fe), Params{Mode: 3})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewCachesOutputSizes(t *testing.T) {
	e := newEngine(t, &fakeEngine{})

	size, ok := e.OutputSize(plugin.FrameDepth)
	require.True(t, ok)
	assert.Equal(t, depthSize, size)

	_, ok = e.OutputSize(plugin.FrameColorToDepth)
	assert.False(t, ok)
}

func TestNewReportsInitFailure(t *testing.T) {
	fe := &fakeEngine{createResult: plugin.ResultInitFailure}
	_, err := New(context.Background(), newLoader(fe), Params{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
}

func TestNewReportsLoadFailure(t *testing.T) {
	loader := plugin.NewLoader(plugin.WithOpener(func(string, uint32) (plugin.Library, error) {
		return nil, errors.New("not found")
	}))
	_, err := New(context.Background(), loader, Params{})
	assert.ErrorIs(t, err, plugin.ErrNotLoaded)
}

func TestProcess(t *testing.T) {
	e := newEngine(t, &fakeEngine{})

	out := make([]byte, depthSize)
	res, err := e.Process(context.Background(), &Request{
		Type:   plugin.FrameDepth,
		Inputs: [][]byte{make([]byte, 8)},
		Output: out,
	})
	require.NoError(t, err)
	assert.Equal(t, depthSize, res.Bytes)
	assert.Equal(t, byte(0xAB), out[0])
	assert.Equal(t, uint64(1), e.Stats().Processed)
}

func TestOutputSizeMismatchNeverReachesPlugin(t *testing.T) {
	fe := &fakeEngine{}
	e := newEngine(t, fe)

	_, err := e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize-1)})
	assert.ErrorIs(t, err, ErrOutputSizeMismatch)

	_, err = e.Process(context.Background(), &Request{Type: plugin.FrameColorToDepth, Output: make([]byte, 4)})
	assert.ErrorIs(t, err, ErrUnsupportedFrame)

	assert.Zero(t, fe.calls.Load())
	assert.True(t, e.Usable())
}

func TestProcessIsSingleFlight(t *testing.T) {
	fe := &fakeEngine{}
	e := newEngine(t, fe)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.False(t, fe.overlapped.Load(), "two requests reached the plugin at once")
	assert.Equal(t, int32(80), fe.calls.Load())
}

func TestDataErrorKeepsEngineUsable(t *testing.T) {
	fe := &fakeEngine{processHook: func(*plugin.FrameRequest) plugin.Result { return plugin.ResultInputInvalid }}
	e := newEngine(t, fe)

	_, err := e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	assert.ErrorIs(t, err, ErrFrameData)
	assert.True(t, e.Usable())

	_, err = e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	assert.ErrorIs(t, err, ErrFrameData)
	assert.Equal(t, int32(2), fe.calls.Load())
}

func TestFatalErrorMarksEngineUnusable(t *testing.T) {
	fe := &fakeEngine{processHook: func(*plugin.FrameRequest) plugin.Result { return plugin.ResultGPULost }}
	e := newEngine(t, fe)

	_, err := e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	assert.ErrorIs(t, err, ErrFatal)
	assert.False(t, e.Usable())

	_, err = e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	assert.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, int32(1), fe.calls.Load())
	assert.True(t, e.Stats().Fatal)
}

func TestCloseDestroysAndRejects(t *testing.T) {
	fe := &fakeEngine{}
	e, err := New(context.Background(), newLoader(fe), Params{})
	require.NoError(t, err)

	e.Close()
	e.Close()
	assert.Equal(t, int32(1), fe.destroyed.Load())

	_, err = e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWakesBlockedCaller(t *testing.T) {
	release := make(chan struct{})
	fe := &fakeEngine{processHook: func(*plugin.FrameRequest) plugin.Result {
		<-release
		return plugin.ResultSucceeded
	}}
	e, err := New(context.Background(), newLoader(fe), Params{})
	require.NoError(t, err)

	// first request occupies the worker, second waits in the channel
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return fe.calls.Load() == 1 && len(e.requests) == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	time.Sleep(5 * time.Millisecond)
	close(release)
	<-closed

	var got []error
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			got = append(got, err)
		case <-time.After(time.Second):
			t.Fatal("caller not released by Close")
		}
	}
	var closedErrs int
	for _, err := range got {
		if errors.Is(err, ErrClosed) {
			closedErrs++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, closedErrs)
}

func TestProcessHonoursContextBeforeHandoff(t *testing.T) {
	release := make(chan struct{})
	fe := &fakeEngine{processHook: func(*plugin.FrameRequest) plugin.Result {
		<-release
		return plugin.ResultSucceeded
	}}
	e := newEngine(t, fe)
	defer close(release)

	go e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	require.Eventually(t, func() bool { return fe.calls.Load() == 1 }, time.Second, time.Millisecond)
	go e.Process(context.Background(), &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	require.Eventually(t, func() bool { return len(e.requests) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Process(ctx, &Request{Type: plugin.FrameDepth, Output: make([]byte, depthSize)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
