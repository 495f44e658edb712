// Package overlay paints frames and detection results onto the display surface.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
	"github.com/bryanchriswhite/FaceKeypoints/internal/detection"
	xdraw "golang.org/x/image/draw"
)

// Surface defaults match the 640x480 canvas of the original viewer
const (
	DefaultWidth  = 640
	DefaultHeight = 480

	BoxLineWidth   = 2
	KeypointRadius = 3
)

var (
	BoxColor        = color.RGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff}
	KeypointColor   = color.RGBA{R: 0xff, G: 0x00, B: 0x00, A: 0xff}
	BackgroundColor = color.RGBA{A: 0xff}
)

// Config configures the surface
type Config struct {
	Width       int
	Height      int
	StatusLabel bool
}

// Renderer paints a fresh surface on every call. Aside from the optional
// status text it keeps no state between calls.
type Renderer struct {
	width  int
	height int

	label *Label

	mu     sync.RWMutex
	status string
}

// NewRenderer creates a renderer for a surface of the configured size
func NewRenderer(cfg Config) *Renderer {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	r := &Renderer{width: cfg.Width, height: cfg.Height}
	if cfg.StatusLabel {
		r.label = NewLabel()
	}
	return r
}

// Size returns the surface dimensions
func (r *Renderer) Size() (int, int) {
	return r.width, r.height
}

// SetStatus sets the status label text; ignored when the label is disabled
func (r *Renderer) SetStatus(text string) {
	r.mu.Lock()
	r.status = text
	r.mu.Unlock()
}

// Render clears the surface, paints the frame scaled to fit, then strokes every
// box and fills every keypoint. Coordinates are drawn as received.
// A nil frame leaves the background; a nil or empty result draws no shapes.
func (r *Renderer) Render(frame *capture.Frame, res *detection.Result) *image.RGBA {
	surface := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	FillRect(surface, surface.Bounds(), BackgroundColor)

	if frame != nil && frame.Image != nil {
		src := frame.Image
		if src.Bounds().Size() == surface.Bounds().Size() {
			draw.Draw(surface, surface.Bounds(), src, src.Bounds().Min, draw.Src)
		} else {
			xdraw.ApproxBiLinear.Scale(surface, surface.Bounds(), src, src.Bounds(), xdraw.Src, nil)
		}
	}

	if res != nil {
		for _, b := range res.Boxes {
			StrokeRect(surface, b.X1, b.Y1, b.X2, b.Y2, BoxLineWidth, BoxColor)
		}
		for _, kps := range res.Keypoints {
			for _, p := range kps {
				FillCircle(surface, p.X, p.Y, KeypointRadius, KeypointColor)
			}
		}
	}

	if r.label != nil {
		r.mu.RLock()
		status := r.status
		r.mu.RUnlock()
		r.label.Render(surface, status)
	}

	return surface
}
