// Package gstreamer reads raw frames from a gst-launch-1.0 subprocess.
// The default source is a V4L2 camera; any source element can be supplied.
package gstreamer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
)

// DefaultStartTimeout bounds how long Start waits for the first frame
const DefaultStartTimeout = 10 * time.Second

// Config describes the camera pipeline
type Config struct {
	Device       string // e.g. /dev/video0
	Element      string // source element; overrides Device, e.g. "pipewiresrc path=42"
	Width        int
	Height       int
	Binary       string // defaults to gst-launch-1.0
	StartTimeout time.Duration
}

// Source reads raw RGBA frames from gst-launch's stdout
type Source struct {
	cfg Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	stopChan chan struct{}

	// latest raw frame; converted to an image only when Frame is called
	frameMu sync.RWMutex
	latest  []byte
	seq     uint64
	at      time.Time
}

// New creates a GStreamer camera source
func New(cfg Config) *Source {
	if cfg.Binary == "" {
		cfg.Binary = "gst-launch-1.0"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	return &Source{cfg: cfg}
}

// sourceElement returns the head of the pipeline
func (s *Source) sourceElement() string {
	if s.cfg.Element != "" {
		return s.cfg.Element
	}
	return "v4l2src device=" + s.cfg.Device
}

// pipelineArgs builds the gst-launch argument list:
// source -> videoconvert -> videoscale -> RGBA caps -> raw output to stdout
func (s *Source) pipelineArgs() []string {
	pipeline := fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! "+
			"video/x-raw,format=RGBA,width=%d,height=%d ! fdsink fd=1 sync=false",
		s.sourceElement(), s.cfg.Width, s.cfg.Height,
	)
	return append([]string{"-q"}, strings.Fields(pipeline)...)
}

// Start launches the subprocess and waits for the first frame
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	log := logger.WithComponent("gstreamer-capture")

	cmd := exec.Command(s.cfg.Binary, s.pipelineArgs()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %v", capture.ErrDeviceUnavailable, s.cfg.Binary, err)
	}

	s.cmd = cmd
	stop := make(chan struct{})
	s.stopChan = stop
	firstFrame := make(chan struct{})
	readerDone := make(chan error, 1)

	go func() {
		readerDone <- s.readFrames(stdout, stop, firstFrame)
	}()
	go logStderr(stderr)

	log.Debug().Strs("args", s.pipelineArgs()).Int("pid", cmd.Process.Pid).Msg("GStreamer subprocess started")

	select {
	case <-firstFrame:
	case err := <-readerDone:
		s.kill()
		return fmt.Errorf("%w: pipeline ended before the first frame: %v", capture.ErrDeviceUnavailable, err)
	case <-ctx.Done():
		s.kill()
		return ctx.Err()
	case <-time.After(s.cfg.StartTimeout):
		s.kill()
		return fmt.Errorf("%w: no frame from %s within %v", capture.ErrDeviceUnavailable, s.sourceElement(), s.cfg.StartTimeout)
	}

	s.running = true
	log.Info().
		Str("source", s.sourceElement()).
		Int("width", s.cfg.Width).
		Int("height", s.cfg.Height).
		Msg("Camera streaming")
	return nil
}

// readFrames continuously reads raw RGBA frames until EOF or Stop
func (s *Source) readFrames(r io.Reader, stop <-chan struct{}, firstFrame chan struct{}) error {
	frameSize := s.cfg.Width * s.cfg.Height * 4
	reader := bufio.NewReaderSize(r, frameSize*2)
	signalled := false

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(reader, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logger.WithComponent("gstreamer-capture").Debug().Msg("EOF from GStreamer subprocess")
				return io.EOF
			}
			return err
		}

		s.frameMu.Lock()
		s.latest = buf
		s.seq++
		s.at = time.Now()
		s.frameMu.Unlock()

		if !signalled {
			close(firstFrame)
			signalled = true
		}
	}
}

func logStderr(r io.Reader) {
	log := logger.WithComponent("gstreamer-capture")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// kill terminates the subprocess; caller holds s.mu
func (s *Source) kill() {
	if s.stopChan != nil {
		close(s.stopChan)
		s.stopChan = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
	s.cmd = nil
}

// Stop kills the subprocess
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.kill()
	s.running = false

	s.frameMu.Lock()
	s.latest = nil
	s.frameMu.Unlock()

	logger.WithComponent("gstreamer-capture").Info().Msg("GStreamer subprocess stopped")
	return nil
}

// Frame converts the most recent raw frame into an image
func (s *Source) Frame() *capture.Frame {
	s.frameMu.RLock()
	raw, seq, at := s.latest, s.seq, s.at
	s.frameMu.RUnlock()

	if raw == nil {
		return nil
	}

	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	copy(img.Pix, raw)
	return &capture.Frame{Image: img, Seq: seq, CapturedAt: at}
}

// Name returns the source name
func (s *Source) Name() string {
	return "gstreamer"
}

// IsAvailable checks for the gst-launch binary and, for cameras, the device node
func (s *Source) IsAvailable() bool {
	if _, err := exec.LookPath(s.cfg.Binary); err != nil {
		return false
	}
	if s.cfg.Element != "" {
		return true
	}
	_, err := os.Stat(s.cfg.Device)
	return err == nil
}
