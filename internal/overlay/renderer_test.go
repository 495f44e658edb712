package overlay

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
	"github.com/bryanchriswhite/FaceKeypoints/internal/detection"
)

func solidFrame(w, h int, c color.RGBA) *capture.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	FillRect(img, img.Bounds(), c)
	return &capture.Frame{Image: img, Seq: 1}
}

var gray = color.RGBA{R: 128, G: 128, B: 128, A: 255}

func TestRender_EmptyResultMatchesBackground(t *testing.T) {
	r := NewRenderer(Config{Width: 100, Height: 100})
	frame := solidFrame(100, 100, gray)

	base := r.Render(frame, nil)

	tests := []struct {
		name string
		res  *detection.Result
	}{
		{name: "zero value", res: &detection.Result{}},
		{name: "empty boxes, one empty keypoint list", res: &detection.Result{Boxes: []detection.Box{}, Keypoints: [][]detection.Point{{}}}},
		{name: "several empty keypoint lists", res: &detection.Result{Keypoints: [][]detection.Point{{}, {}, {}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Render(frame, tc.res)
			if !bytes.Equal(got.Pix, base.Pix) {
				t.Error("surface differs from background-only render")
			}
		})
	}
}

func TestRender_NilFrameIsBackground(t *testing.T) {
	r := NewRenderer(Config{Width: 8, Height: 6})
	img := r.Render(nil, nil)
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 6 {
		t.Fatalf("surface size: got %v", img.Bounds())
	}
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			if got := img.RGBAAt(x, y); got != BackgroundColor {
				t.Fatalf("pixel (%d,%d): got %+v, want background", x, y, got)
			}
		}
	}
}

func TestRender_BoxAndKeypoint(t *testing.T) {
	r := NewRenderer(Config{Width: 100, Height: 100})
	res := &detection.Result{
		Boxes:     []detection.Box{{X1: 10, Y1: 10, X2: 50, Y2: 50}},
		Keypoints: [][]detection.Point{{{X: 30, Y: 30}}},
	}
	img := r.Render(solidFrame(100, 100, gray), res)

	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{name: "top edge outside", x: 30, y: 9, want: BoxColor},
		{name: "top edge inside", x: 30, y: 10, want: BoxColor},
		{name: "left edge", x: 9, y: 30, want: BoxColor},
		{name: "right edge", x: 50, y: 30, want: BoxColor},
		{name: "bottom edge", x: 30, y: 49, want: BoxColor},
		{name: "inside box", x: 20, y: 20, want: gray},
		{name: "beyond stroke", x: 30, y: 7, want: gray},
		{name: "keypoint center", x: 30, y: 30, want: KeypointColor},
		{name: "keypoint radius", x: 32, y: 30, want: KeypointColor},
		{name: "outside keypoint", x: 34, y: 34, want: gray},
		{name: "far corner", x: 90, y: 90, want: gray},
	}
	for _, tc := range tests {
		if got := img.RGBAAt(tc.x, tc.y); got != tc.want {
			t.Errorf("%s (%d,%d): got %+v, want %+v", tc.name, tc.x, tc.y, got, tc.want)
		}
	}
}

func TestRender_Stateless(t *testing.T) {
	r := NewRenderer(Config{Width: 64, Height: 64})
	frame := solidFrame(64, 64, gray)

	r.Render(frame, &detection.Result{Boxes: []detection.Box{{X1: 5, Y1: 5, X2: 40, Y2: 40}}})
	after := r.Render(frame, nil)
	fresh := NewRenderer(Config{Width: 64, Height: 64}).Render(frame, nil)

	if !bytes.Equal(after.Pix, fresh.Pix) {
		t.Error("previous result leaked into the next render")
	}
}

func TestRender_ScalesFrame(t *testing.T) {
	r := NewRenderer(Config{})
	if w, h := r.Size(); w != DefaultWidth || h != DefaultHeight {
		t.Fatalf("default size: got %dx%d", w, h)
	}

	img := r.Render(solidFrame(320, 240, gray), nil)
	if got := img.RGBAAt(DefaultWidth/2, DefaultHeight/2); got != gray {
		t.Errorf("scaled frame center: got %+v, want %+v", got, gray)
	}
}

func TestRender_OffSurfaceShapesAreClipped(t *testing.T) {
	r := NewRenderer(Config{Width: 20, Height: 20})
	res := &detection.Result{
		Boxes:     []detection.Box{{X1: -50, Y1: -50, X2: 500, Y2: 500}},
		Keypoints: [][]detection.Point{{{X: -10, Y: 5}, {X: 1000, Y: 1000}}},
	}
	// Must not panic
	r.Render(solidFrame(20, 20, gray), res)
}

func TestRender_StatusLabel(t *testing.T) {
	frame := solidFrame(200, 50, gray)

	plain := NewRenderer(Config{Width: 200, Height: 50})
	plain.SetStatus("open #12")
	if !bytes.Equal(plain.Render(frame, nil).Pix, NewRenderer(Config{Width: 200, Height: 50}).Render(frame, nil).Pix) {
		t.Error("status text drawn while the label is disabled")
	}

	labeled := NewRenderer(Config{Width: 200, Height: 50, StatusLabel: true})
	blank := labeled.Render(frame, nil)
	labeled.SetStatus("open #12")
	withText := labeled.Render(frame, nil)
	if bytes.Equal(blank.Pix, withText.Pix) {
		t.Error("status label not drawn")
	}
}

func TestStrokeRect_SwappedCorners(t *testing.T) {
	a := image.NewRGBA(image.Rect(0, 0, 30, 30))
	b := image.NewRGBA(image.Rect(0, 0, 30, 30))
	StrokeRect(a, 5, 5, 20, 25, 2, BoxColor)
	StrokeRect(b, 20, 25, 5, 5, 2, BoxColor)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Error("corner order changed the outline")
	}
}
