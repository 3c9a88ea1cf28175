package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/config"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/monitor"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/plugin"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/shm"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

// Server is the depth sensor daemon
type Server struct {
	cfg    *config.Config
	ctx    context.Context
	cancel context.CancelFunc

	consumers sync.WaitGroup
	readers   sync.WaitGroup

	alloc      *allocator.Allocator
	device     *stream.Device
	engine     *engine.Engine
	metrics    *metrics.Metrics
	monitor    *monitor.Server
	recorder   *recorder.Recorder
	httpServer *http.Server
}

// NewServer creates the device and the HTTP surfaces; nothing runs yet
func NewServer(cfg *config.Config) (*Server, error) {
	var streams types.StreamSet
	if cfg.HasStream("color") {
		streams |= types.Streams(types.StreamColor)
	}
	if cfg.HasStream("depth") {
		streams |= types.Streams(types.StreamDepth)
	}

	alloc := allocator.New()
	device, err := stream.NewDevice(alloc, stream.Config{
		Streams:    streams,
		QueueDepth: cfg.QueueDepth,
		Sync:       cfg.SyncConfig(),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		alloc:    alloc,
		device:   device,
		metrics:  metrics.New(),
		recorder: recorder.NewRecorder(cfg.RecordPath),
	}
	s.metrics.RegisterDevice(device)
	return s, nil
}

// newEngine loads the configured plugin. A missing or broken plugin is
// logged and the daemon runs without transforms.
func (s *Server) newEngine() *engine.Engine {
	pc := s.cfg.Plugin
	if pc.Name == "" {
		return nil
	}

	var calibration []byte
	if pc.Calibration != "" {
		data, err := os.ReadFile(pc.Calibration)
		if err != nil {
			logger.Error("Main", "Calibration %s: %v; running without engine", pc.Calibration, err)
			return nil
		}
		calibration = data
	}

	loader := plugin.NewLoader(
		plugin.WithName(pc.Name),
		plugin.WithExpectedVersion(s.cfg.PluginVersion()),
		plugin.WithSearchPath(pc.SearchPath...),
	)
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	eng, err := engine.New(ctx, loader, engine.Params{Calibration: calibration, Mode: pc.Mode})
	if err != nil {
		logger.Error("Main", "Depth engine unavailable: %v", err)
		return nil
	}
	if v, err := loader.Version(); err == nil {
		logger.Info("Main", "Depth engine %s v%s loaded", pc.Name, v)
	}
	return eng
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting depth sensor daemon...")
	logger.Info("Main", "  Streams: %v", s.cfg.Streams)
	logger.Info("Main", "  Shared memory: color=%s depth=%s", s.cfg.SHM.Color, s.cfg.SHM.Depth)
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)
	logger.Info("Main", "  Recording path: %s", s.cfg.RecordPath)

	s.engine = s.newEngine()
	var engSource monitor.EngineSource
	if s.engine != nil {
		s.metrics.RegisterEngine(s.engine)
		engSource = s.engine
	}
	s.monitor = monitor.NewServer(monitor.DefaultConfig(), s.device, engSource)
	s.monitor.AttachRecorder(s.recorder)

	if err := s.device.Start(); err != nil {
		if s.engine != nil {
			s.engine.Close()
		}
		return err
	}
	logger.SetField("session", s.device.Session().String())

	if s.cfg.HasStream("color") {
		s.startReader(s.cfg.SHM.Color, s.device.Color())
	}
	if s.cfg.HasStream("depth") {
		s.startReader(s.cfg.SHM.Depth, s.device.Depth())
	}

	go func() {
		logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
		if err := s.metrics.StartServer(s.ctx, s.cfg.MetricsAddr); err != nil {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()

	s.httpServer = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.monitor.Handler()}
	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.consumers.Add(1)
	go s.consumeCaptures()

	logger.Info("Main", "Server started successfully")
	return nil
}

// startReader attaches a shared-memory ring to st. Opening waits for the
// capture daemon to create the ring.
func (s *Server) startReader(name string, st *stream.Stream) {
	s.readers.Add(1)
	go func() {
		defer s.readers.Done()

		pump, err := shm.Open(s.ctx, name, s.alloc, st.ID(), st.Callback(), nil)
		if err != nil {
			if s.ctx.Err() == nil {
				logger.Error("Reader", "%s: %v", name, err)
			}
			return
		}
		defer pump.Close()
		s.metrics.RegisterReader(name, pump)

		if err := pump.Run(s.ctx); err != nil {
			logger.Error("Reader", "%v", err)
		}
	}()
}

// consumeCaptures pops synchronized captures until shutdown
func (s *Server) consumeCaptures() {
	defer s.consumers.Done()

	for {
		c, res := s.device.GetCapture(s.cfg.PopTimeout)
		switch res {
		case types.WaitSucceeded:
			s.handleCapture(c)
			c.DecRef()
		case types.WaitTimeout:
			s.metrics.PopTimeouts.Add(1)
			logger.Debug("Main", "No capture within %v", s.cfg.PopTimeout)
		case types.WaitFailed:
			if s.ctx.Err() != nil {
				return
			}
			logger.Warn("Main", "Capture wait failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (s *Server) handleCapture(c *capture.Capture) {
	s.metrics.CapturesPopped.Add(1)
	s.recorder.SendCapture(c)

	color, depth := c.Color(), c.Depth()
	if color != nil {
		defer color.DecRef()
	}
	if depth != nil {
		defer depth.DecRef()
	}

	switch {
	case depth != nil:
		s.metrics.UpdateCaptureLatency(depth.SystemTimestamp())
	case color != nil:
		s.metrics.UpdateCaptureLatency(color.SystemTimestamp())
	}

	if color == nil || depth == nil {
		s.monitor.Publish(c)
		return
	}
	s.metrics.CapturesComplete.Add(1)

	if aligned := s.transform(color, depth); aligned != nil {
		s.monitor.Publish(aligned)
		aligned.DecRef()
		return
	}
	s.monitor.Publish(c)
}

// transform runs DepthToColor and returns a capture holding color and the
// depth image reprojected into the color camera, or nil.
func (s *Server) transform(color, depth *capture.Image) *capture.Capture {
	if s.engine == nil || !s.engine.Usable() {
		return nil
	}
	size, ok := s.engine.OutputSize(plugin.FrameDepthToColor)
	if !ok {
		return nil
	}

	out, err := capture.NewImageWithSize(s.alloc, types.FormatDepth16, color.Width(), color.Height(), color.Width()*2, size)
	if err != nil {
		s.metrics.TransformErrors.Add(1)
		logger.Warn("Main", "Transform buffer: %v", err)
		return nil
	}
	defer out.DecRef()

	res, err := s.engine.Process(s.ctx, &engine.Request{
		Type:          plugin.FrameDepthToColor,
		Inputs:        [][]byte{depth.Buffer()},
		Output:        out.Buffer(),
		Interpolation: plugin.InterpolationNearest,
	})
	if err != nil {
		s.metrics.TransformErrors.Add(1)
		return nil
	}
	s.metrics.TransformsRun.Add(1)
	s.metrics.UpdateTransformLatency(res.Duration)

	out.SetDeviceTimestamp(depth.DeviceTimestamp())
	out.SetSystemTimestamp(depth.SystemTimestamp())

	aligned := capture.NewCapture()
	aligned.SetColor(color)
	aligned.SetDepth(out)
	return aligned
}

// Shutdown stops readers, the consumer and the device, then checks that
// every frame buffer was returned.
func (s *Server) Shutdown() error {
	logger.Info("Main", "Shutting down depth sensor daemon...")
	s.cancel()

	s.readers.Wait()

	st := s.device.Stats()
	logger.Info("Main", "Color frames: %d, depth frames: %d, paired: %d, dropped: %d",
		st.Color.Frames, st.Depth.Frames, st.Sync.Paired, st.Queue.Dropped)

	s.device.Stop()
	s.consumers.Wait()

	if s.engine != nil {
		s.engine.Close()
	}
	s.monitor.Close()
	if err := s.recorder.Close(); err != nil {
		logger.Error("Main", "Recorder close error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Error("Main", "HTTP server shutdown error: %v", err)
	}

	if err := s.alloc.TestForLeaks(); err != nil {
		logger.Error("Main", "%v", err)
		return errors.Wrap(err, "frame buffers leaked")
	}
	return nil
}
