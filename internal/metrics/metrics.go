// Package metrics counts pipeline activity and exposes it for Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Sampler
	Ticks   atomic.Uint64
	Samples atomic.Uint64

	// Outbound
	FramesSent       atomic.Uint64
	SkippedNotOpen   atomic.Uint64
	SkippedNoFrame   atomic.Uint64
	EncodeErrors     atomic.Uint64
	SendErrors       atomic.Uint64
	BytesSent        atomic.Uint64
	LastPayloadBytes atomic.Uint64

	// Inbound
	Detections        atomic.Uint64
	MalformedMessages atomic.Uint64
	LastFaces         atomic.Uint64
	LastKeypoints     atomic.Uint64

	// Rendering
	Renders         atomic.Uint64
	OutputErrors    atomic.Uint64
	RenderLatencyMs atomic.Uint64

	// Session state as a session.State value
	SessionState atomic.Int32

	registry *prometheus.Registry
}

// Snapshot is a plain copy of the counters for JSON status responses
type Snapshot struct {
	Ticks             uint64 `json:"ticks"`
	Samples           uint64 `json:"samples"`
	FramesSent        uint64 `json:"frames_sent"`
	SkippedNotOpen    uint64 `json:"skipped_not_open"`
	SkippedNoFrame    uint64 `json:"skipped_no_frame"`
	EncodeErrors      uint64 `json:"encode_errors"`
	SendErrors        uint64 `json:"send_errors"`
	BytesSent         uint64 `json:"bytes_sent"`
	Detections        uint64 `json:"detections"`
	MalformedMessages uint64 `json:"malformed_messages"`
	Renders           uint64 `json:"renders"`
	OutputErrors      uint64 `json:"output_errors"`
}

// New creates a new Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() float64
	}{
		{"facekeypoints_ticks_total", "Sampler timer ticks", u64(&m.Ticks)},
		{"facekeypoints_samples_total", "Ticks selected for sending", u64(&m.Samples)},
		{"facekeypoints_frames_sent_total", "Frames written to the detector", u64(&m.FramesSent)},
		{"facekeypoints_skipped_not_open_total", "Sample ticks skipped because the session was not open", u64(&m.SkippedNotOpen)},
		{"facekeypoints_skipped_no_frame_total", "Sample ticks skipped because no frame was available", u64(&m.SkippedNoFrame)},
		{"facekeypoints_encode_errors_total", "Frames that failed to encode", u64(&m.EncodeErrors)},
		{"facekeypoints_send_errors_total", "Frames that failed to send", u64(&m.SendErrors)},
		{"facekeypoints_bytes_sent_total", "Encoded bytes sent to the detector", u64(&m.BytesSent)},
		{"facekeypoints_last_payload_bytes", "Size of the last encoded frame", u64(&m.LastPayloadBytes)},
		{"facekeypoints_detections_total", "Detection results received", u64(&m.Detections)},
		{"facekeypoints_malformed_messages_total", "Inbound messages that failed to parse", u64(&m.MalformedMessages)},
		{"facekeypoints_last_faces", "Faces in the last detection result", u64(&m.LastFaces)},
		{"facekeypoints_last_keypoints", "Keypoints in the last detection result", u64(&m.LastKeypoints)},
		{"facekeypoints_renders_total", "Overlay surfaces rendered", u64(&m.Renders)},
		{"facekeypoints_output_errors_total", "Surfaces an output failed to accept", u64(&m.OutputErrors)},
		{"facekeypoints_render_latency_ms", "Time taken by the last render in milliseconds", u64(&m.RenderLatencyMs)},
		{"facekeypoints_session_state", "Detector session state (0=connecting, 1=open, 2=closing, 3=closed)", func() float64 { return float64(m.SessionState.Load()) }},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.load,
		))
	}
}

func u64(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

// ObserveRender records one render and how long it took
func (m *Metrics) ObserveRender(d time.Duration) {
	m.Renders.Add(1)
	m.RenderLatencyMs.Store(uint64(d.Milliseconds()))
}

// ObserveDetection records the size of one detection result
func (m *Metrics) ObserveDetection(faces, keypoints int) {
	m.Detections.Add(1)
	m.LastFaces.Store(uint64(faces))
	m.LastKeypoints.Store(uint64(keypoints))
}

// ObserveSend records one frame written to the detector
func (m *Metrics) ObserveSend(bytes int) {
	m.FramesSent.Add(1)
	m.BytesSent.Add(uint64(bytes))
	m.LastPayloadBytes.Store(uint64(bytes))
}

// Snapshot copies the counters
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Ticks:             m.Ticks.Load(),
		Samples:           m.Samples.Load(),
		FramesSent:        m.FramesSent.Load(),
		SkippedNotOpen:    m.SkippedNotOpen.Load(),
		SkippedNoFrame:    m.SkippedNoFrame.Load(),
		EncodeErrors:      m.EncodeErrors.Load(),
		SendErrors:        m.SendErrors.Load(),
		BytesSent:         m.BytesSent.Load(),
		Detections:        m.Detections.Load(),
		MalformedMessages: m.MalformedMessages.Load(),
		Renders:           m.Renders.Load(),
		OutputErrors:      m.OutputErrors.Load(),
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
