package portal

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
	"github.com/bryanchriswhite/FaceKeypoints/internal/capture/gstreamer"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
)

// Source shares a monitor through the portal and reads it as a PipeWire stream
type Source struct {
	width  int
	height int

	mu     sync.Mutex
	cast   *screenCast
	stream *gstreamer.Source
}

// New creates a portal screen source scaled to width x height
func New(width, height int) *Source {
	return &Source{width: width, height: height}
}

// Start negotiates a screen-cast session and starts reading its node
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}

	cast, err := newScreenCast()
	if err != nil {
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	nodeID, err := cast.open(ctx)
	if err != nil {
		cast.close()
		return fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	stream := gstreamer.New(gstreamer.Config{
		Element: pipewireElement(nodeID),
		Width:   s.width,
		Height:  s.height,
	})
	if err := stream.Start(ctx); err != nil {
		cast.close()
		return err
	}

	s.cast = cast
	s.stream = stream
	logger.WithComponent("portal").Info().Uint32("node_id", nodeID).Msg("Screen cast started")
	return nil
}

func pipewireElement(nodeID uint32) string {
	return fmt.Sprintf("pipewiresrc path=%d do-timestamp=true", nodeID)
}

// Stop ends the stream and closes the portal session
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	if cerr := s.cast.close(); err == nil {
		err = cerr
	}
	s.stream = nil
	s.cast = nil
	return err
}

// Frame returns the latest screen frame
func (s *Source) Frame() *capture.Frame {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Frame()
}

// Name returns the source name
func (s *Source) Name() string {
	return "portal"
}

// IsAvailable reports whether a Wayland session with a session bus is present
func (s *Source) IsAvailable() bool {
	return os.Getenv("WAYLAND_DISPLAY") != "" && os.Getenv("DBUS_SESSION_BUS_ADDRESS") != ""
}
