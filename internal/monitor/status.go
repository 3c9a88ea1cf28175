package monitor

import (
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/allocator"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/capture"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/depth-sensor/internal/stream"
)

func streamStats(st stream.Stats) map[string]any {
	return map[string]any{
		"frames":     st.Frames,
		"bad_frames": st.BadFrames,
		"ignored":    st.Ignored,
	}
}

func deviceStatus(st stream.DeviceStats) map[string]any {
	memory := make(map[string]any, len(st.Memory))
	for _, cat := range allocator.Categories() {
		memory[cat.String()] = st.Memory[cat]
	}
	return map[string]any{
		"session":        st.Session,
		"running":        st.Running,
		"uptime_seconds": st.Uptime.Seconds(),
		"color":          streamStats(st.Color),
		"depth":          streamStats(st.Depth),
		"sync": map[string]any{
			"paired":       st.Sync.Paired,
			"unpaired":     st.Sync.Unpaired,
			"skew_dropped": st.Sync.SkewDropped,
			"late_dropped": st.Sync.LateDropped,
			"pending":      st.Sync.Pending,
		},
		"queue": map[string]any{
			"length":  st.Queue.Len,
			"pushed":  st.Queue.Pushed,
			"popped":  st.Queue.Popped,
			"dropped": st.Queue.Dropped,
		},
		"memory":   memory,
		"sessions": st.Sessions,
	}
}

func imageStatus(im *capture.Image) map[string]any {
	if im == nil {
		return nil
	}
	defer im.DecRef()
	return map[string]any{
		"format":              im.Format().String(),
		"width":               im.Width(),
		"height":              im.Height(),
		"stride":              im.Stride(),
		"size":                im.Size(),
		"device_timestamp_us": im.DeviceTimestamp().Microseconds(),
		"system_timestamp":    timestampString(im.SystemTimestamp()),
	}
}

func timestampString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func captureStatus(c *capture.Capture, received time.Time) map[string]any {
	out := map[string]any{
		"received": timestampString(received),
	}
	if ts, ok := c.Timestamp(); ok {
		out["device_timestamp_us"] = ts.Microseconds()
	}
	if t := c.Temperature(); !math.IsNaN(float64(t)) {
		out["temperature"] = float64(t)
	}
	for name, im := range map[string]*capture.Image{
		"color": c.Color(),
		"depth": c.Depth(),
		"ir":    c.IR(),
	} {
		if st := imageStatus(im); st != nil {
			out[name] = st
		}
	}
	return out
}

// status builds the /api/status document. The same document backs both the
// JSON and the protobuf encoding.
func (s *Server) status() (*structpb.Struct, error) {
	payload := map[string]any{
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
		"device":    deviceStatus(s.device.Stats()),
	}
	if s.engine != nil {
		st := s.engine.Stats()
		payload["engine"] = map[string]any{
			"processed": st.Processed,
			"failed":    st.Failed,
			"fatal":     st.Fatal,
		}
	}

	s.mu.Lock()
	latest, received := s.latest, s.received
	if latest != nil {
		latest.IncRef()
	}
	s.mu.Unlock()

	if latest != nil {
		payload["latest_capture"] = captureStatus(latest, received)
		latest.DecRef()
	}
	return structpb.NewStruct(payload)
}
