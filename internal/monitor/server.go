// Package monitor serves device status and image previews over HTTP.
package monitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/engine"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/recorder"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/stream"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/pkg/types"
)

const protobufType = "application/x-protobuf"

// DeviceSource is the device view the monitor reports on
type DeviceSource interface {
	Stats() stream.DeviceStats
}

// EngineSource is optional engine state
type EngineSource interface {
	Stats() engine.Stats
}

// Recorder is the recording control exposed under /api/recording
type Recorder interface {
	Start() (string, error)
	Stop() (string, error)
	Status() recorder.Status
}

// Config defines the runtime configuration for the monitor server.
type Config struct {
	StatusInterval time.Duration
	PreviewWidth   int    // negative disables scaling
	MaxDepth       uint16 // depth in mm rendered black
	MaxIR          uint16
}

// DefaultConfig returns the monitor defaults
func DefaultConfig() Config {
	return Config{
		StatusInterval: 2 * time.Second,
		PreviewWidth:   320,
		MaxDepth:       4000,
		MaxIR:          1000,
	}
}

// Server keeps the most recent capture and serves it with device status.
type Server struct {
	cfg      Config
	device   DeviceSource
	engine   EngineSource
	recorder Recorder

	mu       sync.Mutex
	latest   *capture.Capture
	received time.Time
}

// NewServer returns a configured monitor server. eng may be nil.
func NewServer(cfg Config, device DeviceSource, eng EngineSource) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.PreviewWidth == 0 {
		cfg.PreviewWidth = def.PreviewWidth
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = def.MaxDepth
	}
	if cfg.MaxIR == 0 {
		cfg.MaxIR = def.MaxIR
	}
	s := &Server{cfg: cfg, device: device}
	// a typed nil must not end up behind the interface
	if e, ok := eng.(*engine.Engine); !ok || e != nil {
		s.engine = eng
	}
	return s
}

// AttachRecorder enables the recording endpoints. Call before Handler.
func (s *Server) AttachRecorder(r Recorder) {
	s.recorder = r
}

// Publish makes c the capture served by the preview endpoints. The server
// takes its own reference; the caller keeps its own.
func (s *Server) Publish(c *capture.Capture) {
	if c == nil {
		return
	}
	c.IncRef()

	s.mu.Lock()
	old := s.latest
	s.latest = c
	s.received = time.Now()
	s.mu.Unlock()

	if old != nil {
		old.DecRef()
	}
}

// Close drops the published capture
func (s *Server) Close() {
	s.mu.Lock()
	old := s.latest
	s.latest = nil
	s.mu.Unlock()

	if old != nil {
		old.DecRef()
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/snapshot/", s.handleSnapshot)
	if s.recorder != nil {
		mux.HandleFunc("/api/recording/start", s.handleRecordingStart)
		mux.HandleFunc("/api/recording/stop", s.handleRecordingStop)
		mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.device.Stats()
	healthy := st.Running
	if s.engine != nil && s.engine.Stats().Fatal {
		healthy = false
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy\n"))
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, protobufType)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status()
	if err != nil {
		logger.Error("Monitor", "Status encode error: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var (
		data        []byte
		contentType string
	)
	if wantsProtobuf(r) {
		data, err = proto.Marshal(st)
		contentType = protobufType
	} else {
		data, err = protojson.Marshal(st)
		contentType = "application/json"
	}
	if err != nil {
		logger.Error("Monitor", "Status marshal error: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// handleStatusStream pushes the status document as server-sent events.
// Protobuf payloads are base64 encoded.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	useProtobuf := wantsProtobuf(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		st, err := s.status()
		if err != nil {
			logger.Error("Monitor", "Status encode error: %v", err)
			return
		}
		var data []byte
		if useProtobuf {
			var raw []byte
			if raw, err = proto.Marshal(st); err == nil {
				data = []byte(base64.StdEncoding.EncodeToString(raw))
			}
		} else {
			data, err = protojson.Marshal(st)
		}
		if err != nil {
			logger.Error("Monitor", "Status marshal error: %v", err)
			return
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			logger.Debug("SSE", "Client disconnected during status write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleSnapshot serves /snapshot/{color,depth,ir}. MJPG color frames are
// passed through, everything else is rendered to PNG.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/snapshot/"), ".png")
	name = strings.TrimSuffix(name, ".jpg")

	s.mu.Lock()
	c := s.latest
	if c != nil {
		c.IncRef()
	}
	s.mu.Unlock()
	if c == nil {
		http.Error(w, "no capture yet", http.StatusServiceUnavailable)
		return
	}
	defer c.DecRef()

	var im *capture.Image
	switch name {
	case "color":
		im = c.Color()
	case "depth":
		im = c.Depth()
	case "ir":
		im = c.IR()
	default:
		http.NotFound(w, r)
		return
	}
	if im == nil {
		http.Error(w, fmt.Sprintf("latest capture has no %s image", name), http.StatusNotFound)
		return
	}
	defer im.DecRef()

	if im.Format() == types.FormatColorMJPG {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(im.Buffer())
		return
	}

	data, err := s.renderPNG(im)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnsupportedFormat) {
			status = http.StatusUnsupportedMediaType
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) renderPNG(im *capture.Image) ([]byte, error) {
	img, err := s.decode(im)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, scale(img, s.cfg.PreviewWidth)); err != nil {
		return nil, errors.Wrap(err, "monitor: png encode")
	}
	return buf.Bytes(), nil
}

func recordingStatus(st recorder.Status) map[string]any {
	var filename any
	if st.Filename != "" {
		filename = st.Filename
	}
	return map[string]any{
		"recording":     st.Recording,
		"filename":      filename,
		"frame_count":   st.FrameCount,
		"dropped":       st.Dropped,
		"bytes_written": st.BytesWritten,
		"duration_ms":   st.Duration.Milliseconds(),
	}
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, err := s.recorder.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, err := s.recorder.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      recordingStatus(s.recorder.Status()),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, recordingStatus(s.recorder.Status()))
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
