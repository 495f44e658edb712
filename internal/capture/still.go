package capture

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
)

// StillSource serves one constant image as the live feed
type StillSource struct {
	path string
	img  *image.RGBA

	mu      sync.Mutex
	started bool
	seq     uint64
}

// NewStillSource creates a source that loads its image from path on Start
func NewStillSource(path string) *StillSource {
	return &StillSource{path: path}
}

// NewStillImage creates a source that serves img
func NewStillImage(img image.Image) *StillSource {
	return &StillSource{img: toRGBA(img)}
}

// Start loads the image file if one was configured
func (s *StillSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.img == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		defer f.Close()

		img, format, err := image.Decode(f)
		if err != nil {
			return fmt.Errorf("%w: failed to decode %s: %v", ErrDeviceUnavailable, s.path, err)
		}
		s.img = toRGBA(img)

		logger.WithComponent("still-source").Info().
			Str("path", s.path).
			Str("format", format).
			Int("width", s.img.Bounds().Dx()).
			Int("height", s.img.Bounds().Dy()).
			Msg("Loaded still image")
	}

	s.started = true
	return nil
}

// Stop marks the source stopped; the image stays cached
func (s *StillSource) Stop() error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}

// Frame returns a copy of the still image
func (s *StillSource) Frame() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.img == nil {
		return nil
	}
	s.seq++

	img := image.NewRGBA(s.img.Bounds())
	copy(img.Pix, s.img.Pix)
	return &Frame{Image: img, Seq: s.seq, CapturedAt: time.Now()}
}

// Name returns the source name
func (s *StillSource) Name() string {
	return "still"
}

// IsAvailable reports whether an image is loaded or a path was given
func (s *StillSource) IsAvailable() bool {
	if s.img != nil {
		return true
	}
	_, err := os.Stat(s.path)
	return err == nil
}

// toRGBA converts img to an *image.RGBA anchored at the origin
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
