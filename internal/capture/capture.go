package capture

import (
	"context"
	"errors"
	"image"
	"time"
)

// ErrDeviceUnavailable is wrapped by Start when no camera exists or access is denied
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Frame is one captured image at the device's native resolution
type Frame struct {
	Image      *image.RGBA
	Seq        uint64
	CapturedAt time.Time
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	return f.Image.Bounds().Dy()
}

// Source defines the interface for live capture backends
type Source interface {
	// Start acquires the device. It may block on device negotiation and
	// returns an error wrapping ErrDeviceUnavailable when it cannot.
	Start(ctx context.Context) error

	// Stop releases the device. Safe to call more than once.
	Stop() error

	// Frame returns the most recent frame, or nil if none has been captured yet.
	// Callers own the returned image.
	Frame() *Frame

	// Name returns a human-readable name for this source
	Name() string

	// IsAvailable reports whether this source can be used in the current environment
	IsAvailable() bool
}
