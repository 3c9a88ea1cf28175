// Package engine runs the compute plugin on a single dedicated worker
// goroutine. Callers hand requests over a channel and block for the reply.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/plugin"
)

var (
	ErrClosed             = errors.New("engine: closed")
	ErrOutputSizeMismatch = errors.New("engine: output buffer size mismatch")
	ErrUnsupportedFrame   = errors.New("engine: frame type not supported by this engine")
	ErrInvalidRequest     = errors.New("engine: invalid request")

	// ErrFatal and ErrFrameData classify plugin failures.
	ErrFatal     = plugin.ErrFatal
	ErrFrameData = plugin.ErrFrameData
)

// Params configure the engine instance
type Params struct {
	Calibration []byte
	Mode        uint32
}

// Request is one frame for the engine. Output must be exactly
// OutputSize(Type) bytes.
type Request struct {
	Type          plugin.FrameType
	Inputs        [][]byte
	Output        []byte
	Interpolation plugin.Interpolation
	InvalidValue  uint32
}

// Result describes a completed request
type Result struct {
	Type     plugin.FrameType
	Bytes    int
	Duration time.Duration
}

type reply struct {
	res *Result
	err error
}

type job struct {
	req   *Request
	reply chan reply
}

// Stats counts engine activity
type Stats struct {
	Processed uint64
	Failed    uint64
	Fatal     bool
}

// Engine owns one plugin engine instance.
type Engine struct {
	loader *plugin.Loader

	requests chan *job
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// written by the worker before it reports ready, read-only afterwards
	sizes map[plugin.FrameType]int

	fatal     atomic.Bool
	processed atomic.Uint64
	failed    atomic.Uint64
}

// New starts the worker and waits until it has created the engine instance
// or failed to.
func New(ctx context.Context, loader *plugin.Loader, params Params) (*Engine, error) {
	if loader == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "nil loader")
	}
	e := &Engine{
		loader:   loader,
		requests: make(chan *job, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		sizes:    make(map[plugin.FrameType]int),
	}

	ready := make(chan error, 1)
	go e.run(params, ready)

	select {
	case err := <-ready:
		if err != nil {
			e.Close()
			return nil, err
		}
	case <-ctx.Done():
		e.Close()
		return nil, errors.Wrap(ctx.Err(), "engine: waiting for initialization")
	}

	logger.Info("Engine", "initialized (mode %d, %d frame types)", params.Mode, len(e.sizes))
	return e, nil
}

func (e *Engine) run(params Params, ready chan<- error) {
	defer close(e.done)

	h, err := e.loader.CreateAndInitialize(&plugin.InitParams{
		Calibration: params.Calibration,
		Mode:        params.Mode,
	})
	if err != nil {
		logger.Error("Engine", "initialization failed: %v", err)
		ready <- errors.Wrap(err, "engine: initialize")
		return
	}
	defer func() {
		if err := e.loader.Destroy(h); err != nil {
			logger.Warn("Engine", "destroy: %v", err)
		}
		logger.Info("Engine", "worker stopped")
	}()

	for _, ft := range plugin.FrameTypes {
		size, err := e.loader.GetOutputFrameSize(h, ft)
		if err != nil {
			logger.Debug("Engine", "%s unavailable: %v", ft, err)
			continue
		}
		e.sizes[ft] = size
	}
	if len(e.sizes) == 0 {
		ready <- errors.Wrap(ErrUnsupportedFrame, "engine reports no output sizes")
		return
	}
	ready <- nil

	for {
		select {
		case <-e.stop:
			return
		case j := <-e.requests:
			select {
			case <-e.stop:
				j.reply <- reply{err: ErrClosed}
				return
			default:
			}
			res, err := e.process(h, j.req)
			j.reply <- reply{res: res, err: err}
		}
	}
}

func (e *Engine) process(h plugin.Handle, req *Request) (*Result, error) {
	want, ok := e.sizes[req.Type]
	if !ok {
		e.failed.Add(1)
		return nil, errors.Wrapf(ErrUnsupportedFrame, "%s", req.Type)
	}
	if len(req.Output) != want {
		e.failed.Add(1)
		return nil, errors.Wrapf(ErrOutputSizeMismatch, "%s: got %d bytes, want %d", req.Type, len(req.Output), want)
	}

	start := time.Now()
	err := e.loader.ProcessFrame(h, &plugin.FrameRequest{
		Type:          req.Type,
		Inputs:        req.Inputs,
		Output:        req.Output,
		Interpolation: req.Interpolation,
		InvalidValue:  req.InvalidValue,
	})
	if err != nil {
		e.failed.Add(1)
		if errors.Is(err, ErrFatal) {
			e.fatal.Store(true)
			logger.Critical("Engine", "%s: %v; the engine is unusable, stop and restart the capture session", req.Type, err)
		} else {
			logger.Warn("Engine", "%s: %v", req.Type, err)
		}
		return nil, err
	}

	e.processed.Add(1)
	return &Result{Type: req.Type, Bytes: want, Duration: time.Since(start)}, nil
}

// Process runs req on the worker and waits for it. Requests are handled one
// at a time in arrival order. Once the request has been handed to the
// worker, Process waits for its completion even if ctx is cancelled, since
// the worker writes into req.Output.
func (e *Engine) Process(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "nil request")
	}
	if e.fatal.Load() {
		return nil, errors.Wrap(ErrFatal, "engine unusable after fatal error")
	}

	j := &job{req: req, reply: make(chan reply, 1)}
	select {
	case e.requests <- j:
	case <-e.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r.res, r.err
	case <-e.done:
		select {
		case r := <-j.reply:
			return r.res, r.err
		default:
			return nil, ErrClosed
		}
	}
}

// OutputSize returns the output buffer size required for ft
func (e *Engine) OutputSize(ft plugin.FrameType) (int, bool) {
	size, ok := e.sizes[ft]
	return size, ok
}

// Usable reports whether no fatal error has occurred
func (e *Engine) Usable() bool {
	return !e.fatal.Load()
}

// Stats returns the request counters
func (e *Engine) Stats() Stats {
	return Stats{
		Processed: e.processed.Load(),
		Failed:    e.failed.Load(),
		Fatal:     e.fatal.Load(),
	}
}

// Close stops the worker, which destroys the engine instance. Safe to call
// more than once.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	<-e.done
}
