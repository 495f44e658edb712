package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

type fakeSource struct {
	name      string
	available bool
	startErr  error
	started   int
	stopped   int
	frame     *Frame
}

func (f *fakeSource) Start(ctx context.Context) error {
	f.started++
	return f.startErr
}
func (f *fakeSource) Stop() error       { f.stopped++; return nil }
func (f *fakeSource) Frame() *Frame     { return f.frame }
func (f *fakeSource) Name() string      { return f.name }
func (f *fakeSource) IsAvailable() bool { return f.available }

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestRouter_FallsBackInOrder(t *testing.T) {
	missing := &fakeSource{name: "opencv", available: false}
	failing := &fakeSource{name: "gstreamer", available: true, startErr: errors.New("no v4l2 device")}
	working := &fakeSource{name: "screen", available: true, frame: &Frame{Seq: 7}}

	r := NewRouter(missing, failing, working)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if missing.started != 0 {
		t.Error("unavailable source should not be started")
	}
	if failing.started != 1 || working.started != 1 {
		t.Errorf("start counts: failing=%d working=%d", failing.started, working.started)
	}
	if r.Name() != "screen" {
		t.Errorf("Name: got %q, want screen", r.Name())
	}
	if f := r.Frame(); f == nil || f.Seq != 7 {
		t.Errorf("Frame: got %+v", f)
	}
}

func TestRouter_NoDeviceIsUnavailable(t *testing.T) {
	r := NewRouter(
		&fakeSource{name: "opencv", available: true, startErr: errors.New("permission denied")},
		&fakeSource{name: "screen", available: false},
	)

	err := r.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if r.Frame() != nil {
		t.Error("Frame should be nil when nothing started")
	}
	if err := NewRouter().Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("empty router: expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestRouter_StopIsIdempotent(t *testing.T) {
	src := &fakeSource{name: "screen", available: true}
	r := NewRouter(src)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := r.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if src.stopped != 1 {
		t.Errorf("backend stopped %d times, want 1", src.stopped)
	}
}

func TestStillSource_FromImage(t *testing.T) {
	img := solid(100, 100, color.RGBA{R: 200, A: 255})
	s := NewStillImage(img)

	if s.Frame() != nil {
		t.Error("Frame before Start should be nil")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f1 := s.Frame()
	f2 := s.Frame()
	if f1 == nil || f2 == nil {
		t.Fatal("expected frames after Start")
	}
	if f1.Width() != 100 || f1.Height() != 100 {
		t.Errorf("size: got %dx%d", f1.Width(), f1.Height())
	}
	if f2.Seq <= f1.Seq {
		t.Errorf("sequence should increase: %d then %d", f1.Seq, f2.Seq)
	}

	// Frames are copies
	f1.Image.Pix[0] = 0
	if f2.Image.Pix[0] != 200 || s.Frame().Image.Pix[0] != 200 {
		t.Error("mutating a frame should not affect the source")
	}
}

func TestStillSource_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "face.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, solid(32, 16, color.RGBA{G: 255, A: 255})); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s := NewStillSource(path)
	if !s.IsAvailable() {
		t.Fatal("file source should be available")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	frame := s.Frame()
	if frame.Width() != 32 || frame.Height() != 16 {
		t.Errorf("size: got %dx%d, want 32x16", frame.Width(), frame.Height())
	}
}

func TestStillSource_MissingFile(t *testing.T) {
	s := NewStillSource(filepath.Join(t.TempDir(), "nope.png"))
	if s.IsAvailable() {
		t.Error("missing file should not be available")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}
