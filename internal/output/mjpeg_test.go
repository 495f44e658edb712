package output

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func surface(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func TestMJPEG_Lifecycle(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 16, Height: 16})

	if err := m.WriteFrame(surface(16, 16)); err == nil {
		t.Error("WriteFrame before Start should fail")
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(); err == nil {
		t.Error("second Start should fail")
	}
	if !m.IsRunning() {
		t.Error("expected running")
	}

	if err := m.WriteFrame(surface(16, 16)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	latest := m.Latest()
	if latest == nil {
		t.Fatal("no latest frame")
	}
	if _, err := jpeg.Decode(bytes.NewReader(latest)); err != nil {
		t.Errorf("latest is not a JPEG: %v", err)
	}
	if s := m.Stats(); s.Frames != 1 || !s.Running {
		t.Errorf("stats: got %+v", s)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if m.IsRunning() {
		t.Error("expected stopped")
	}
}

func TestMJPEG_SnapshotHandler(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 8, Height: 8})
	m.Start()
	defer m.Stop()

	rec := httptest.NewRecorder()
	m.GetSnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("before any frame: got %d, want 404", rec.Code)
	}

	m.WriteFrame(surface(8, 8))
	rec = httptest.NewRecorder()
	m.GetSnapshotHandler()(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type: got %q", ct)
	}
}

func TestMJPEG_StreamSendsLatestOnConnect(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 8, Height: 8})
	m.Start()
	defer m.Stop()
	m.WriteFrame(surface(8, 8))

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type: got %q", ct)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read boundary: %v", err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Errorf("first line: got %q", line)
	}
}

func TestMJPEG_StreamUnavailableWhenStopped(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", rec.Code)
	}
}

func TestMJPEG_ViewerPage(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	m.GetViewerHandler()(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	body := rec.Body.String()
	for _, want := range []string{`src="/stream"`, "/api/detections", "/api/status"} {
		if !strings.Contains(body, want) {
			t.Errorf("viewer page missing %q", want)
		}
	}
}
