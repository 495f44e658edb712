package api

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/detection"
	"github.com/bryanchriswhite/FaceKeypoints/internal/metrics"
	"github.com/bryanchriswhite/FaceKeypoints/internal/output"
	"github.com/bryanchriswhite/FaceKeypoints/internal/pipeline"
	"github.com/gorilla/websocket"
)

type staticStatus pipeline.Status

func (s staticStatus) Status() pipeline.Status { return pipeline.Status(s) }

func newTestServer(t *testing.T) (*Server, *ResultHub, *metrics.Metrics) {
	t.Helper()
	hub := NewResultHub()
	m := metrics.New()
	stream := output.NewMJPEGOutput(output.Config{Width: 8, Height: 8})
	status := staticStatus{Running: true, SessionID: "abc", SessionState: "open", CaptureSource: "still", CaptureActive: true}
	return NewServer(hub, status, stream, m, nil), hub, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func sampleResult() *detection.Result {
	return &detection.Result{
		Boxes:     []detection.Box{{X1: 10, Y1: 10, X2: 50, Y2: 50}},
		Keypoints: [][]detection.Point{{{X: 30, Y: 30}}},
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("body: got %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestStatus(t *testing.T) {
	s, hub, m := newTestServer(t)
	m.Ticks.Add(20)
	m.ObserveSend(100)
	hub.OnDetection(sampleResult(), nil)

	rec := get(t, s.Handler(), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var body statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Session.State != "open" || body.Session.ID != "abc" {
		t.Errorf("session: got %+v", body.Session)
	}
	if !body.Capture.Active || body.Capture.Source != "still" {
		t.Errorf("capture: got %+v", body.Capture)
	}
	if body.Counters == nil || body.Counters.Ticks != 20 || body.Counters.FramesSent != 1 {
		t.Errorf("counters: got %+v", body.Counters)
	}
	if body.LastDetection == nil {
		t.Error("missing last detection time")
	}
}

func TestLatestDetection(t *testing.T) {
	s, hub, _ := newTestServer(t)

	if rec := get(t, s.Handler(), "/api/detection"); rec.Code != http.StatusNotFound {
		t.Errorf("before any result: got %d, want 404", rec.Code)
	}

	hub.OnDetection(sampleResult(), nil)
	rec := get(t, s.Handler(), "/api/detection")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	res, err := detection.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("response is not a detection result: %v", err)
	}
	if len(res.Boxes) != 1 || res.PointCount() != 1 {
		t.Errorf("result: got %+v", res)
	}
}

func TestMetricsAndViewerRoutes(t *testing.T) {
	s, _, m := newTestServer(t)
	m.Renders.Add(2)

	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "facekeypoints_renders_total 2") {
		t.Errorf("/metrics: %d %q", rec.Code, rec.Body.String())
	}

	rec = get(t, s.Handler(), "/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/stream") {
		t.Errorf("viewer page: %d", rec.Code)
	}

	if rec := get(t, s.Handler(), "/api/config"); rec.Code != http.StatusNotFound {
		t.Errorf("/api/config without manager: got %d", rec.Code)
	}
}

func TestDetectionStream(t *testing.T) {
	s, hub, _ := newTestServer(t)
	hub.OnDetection(&detection.Result{}, nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/detections"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	// Latest result first
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if res, err := detection.Parse(data); err != nil || !res.Empty() {
		t.Errorf("latest: got %s (%v)", data, err)
	}

	// Wait for the handler to subscribe before publishing
	deadline := time.Now().Add(3 * time.Second)
	for hub.Listeners() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.OnDetection(sampleResult(), image.NewRGBA(image.Rect(0, 0, 1, 1)))

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read update: %v", err)
	}
	res, err := detection.Parse(data)
	if err != nil {
		t.Fatalf("update is not a detection result: %v", err)
	}
	if len(res.Boxes) != 1 {
		t.Errorf("update: got %+v", res)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewResultHub()
	ch := hub.Subscribe()
	if hub.Listeners() != 1 {
		t.Fatalf("listeners: got %d", hub.Listeners())
	}
	hub.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	hub.Unsubscribe(ch)
	hub.OnDetection(sampleResult(), nil)
	if res, _ := hub.Latest(); res == nil {
		t.Error("latest not stored")
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	s, _, _ := newTestServer(t)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Start(0) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start after Shutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start kept listening after Shutdown")
	}
}

func TestServer_ShutdownWhileStarting(t *testing.T) {
	s, _, _ := newTestServer(t)

	done := make(chan error, 1)
	go func() { done <- s.Start(0) }()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
