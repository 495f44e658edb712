package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Ticks.Add(30)
	m.Samples.Add(3)
	m.ObserveSend(1200)
	m.ObserveDetection(2, 10)
	m.ObserveRender(4 * time.Millisecond)
	m.SessionState.Store(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"facekeypoints_ticks_total 30",
		"facekeypoints_samples_total 3",
		"facekeypoints_frames_sent_total 1",
		"facekeypoints_bytes_sent_total 1200",
		"facekeypoints_detections_total 1",
		"facekeypoints_last_faces 2",
		"facekeypoints_last_keypoints 10",
		"facekeypoints_renders_total 1",
		"facekeypoints_render_latency_ms 4",
		"facekeypoints_session_state 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.SkippedNotOpen.Add(2)
	m.SkippedNoFrame.Add(1)
	m.MalformedMessages.Add(1)
	m.ObserveSend(10)
	m.ObserveSend(20)

	s := m.Snapshot()
	if s.SkippedNotOpen != 2 || s.SkippedNoFrame != 1 || s.MalformedMessages != 1 {
		t.Errorf("skips: got %+v", s)
	}
	if s.FramesSent != 2 || s.BytesSent != 30 {
		t.Errorf("sends: got %+v", s)
	}
	if m.LastPayloadBytes.Load() != 20 {
		t.Errorf("last payload: got %d", m.LastPayloadBytes.Load())
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Each instance owns its registry, so building two must not panic
	a, b := New(), New()
	a.Ticks.Add(1)
	if b.Ticks.Load() != 0 {
		t.Error("instances share counters")
	}
}
