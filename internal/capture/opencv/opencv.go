// Package opencv captures a local webcam through gocv.
package opencv

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"gocv.io/x/gocv"
)

// Source reads the webcam at device rate and keeps the newest Mat
type Source struct {
	deviceID int
	width    int
	height   int

	mu      sync.Mutex
	webcam  *gocv.VideoCapture
	stop    chan struct{}
	done    chan struct{}
	running bool

	frameMu sync.Mutex
	latest  gocv.Mat
	hasMat  bool
	seq     uint64
	at      time.Time
}

// New creates a webcam source; width/height are requested from the driver
func New(deviceID, width, height int) *Source {
	return &Source{
		deviceID: deviceID,
		width:    width,
		height:   height,
	}
}

// Start opens the device and waits for the first readable frame
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	log := logger.WithComponent("opencv-capture")

	cam, err := gocv.VideoCaptureDevice(s.deviceID)
	if err != nil {
		return fmt.Errorf("%w: failed to open device %d: %v", capture.ErrDeviceUnavailable, s.deviceID, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return fmt.Errorf("%w: device %d did not open", capture.ErrDeviceUnavailable, s.deviceID)
	}

	cam.Set(gocv.VideoCaptureFrameWidth, float64(s.width))
	cam.Set(gocv.VideoCaptureFrameHeight, float64(s.height))

	probe := gocv.NewMat()
	defer probe.Close()
	if ok := cam.Read(&probe); !ok || probe.Empty() {
		cam.Close()
		return fmt.Errorf("%w: device %d returned no frame", capture.ErrDeviceUnavailable, s.deviceID)
	}
	s.store(probe)

	if err := ctx.Err(); err != nil {
		cam.Close()
		return err
	}

	s.webcam = cam
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.readLoop(cam, s.stop, s.done)

	log.Info().
		Int("device", s.deviceID).
		Int("width", probe.Cols()).
		Int("height", probe.Rows()).
		Msg("Webcam opened")
	return nil
}

// readLoop keeps the newest frame at the device's own rate
func (s *Source) readLoop(cam *gocv.VideoCapture, stop, done chan struct{}) {
	defer close(done)

	mat := gocv.NewMat()
	defer mat.Close()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if ok := cam.Read(&mat); !ok {
			logger.WithComponent("opencv-capture").Warn().Int("device", s.deviceID).Msg("Webcam read failed")
			return
		}
		if mat.Empty() {
			continue
		}
		s.store(mat)
	}
}

// store replaces the latest Mat with a clone of m
func (s *Source) store(m gocv.Mat) {
	clone := m.Clone()

	s.frameMu.Lock()
	if s.hasMat {
		s.latest.Close()
	}
	s.latest = clone
	s.hasMat = true
	s.seq++
	s.at = time.Now()
	s.frameMu.Unlock()
}

// Stop ends the read loop and releases the device
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	close(s.stop)
	<-s.done
	s.webcam.Close()
	s.webcam = nil
	s.running = false

	s.frameMu.Lock()
	if s.hasMat {
		s.latest.Close()
		s.hasMat = false
	}
	s.frameMu.Unlock()

	logger.WithComponent("opencv-capture").Info().Int("device", s.deviceID).Msg("Webcam released")
	return nil
}

// Frame converts the newest Mat into an image
func (s *Source) Frame() *capture.Frame {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	if !s.hasMat {
		return nil
	}

	img, err := s.latest.ToImage()
	if err != nil {
		logger.WithComponent("opencv-capture").Warn().Err(err).Msg("Failed to convert frame")
		return nil
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &capture.Frame{Image: rgba, Seq: s.seq, CapturedAt: s.at}
}

// Name returns the source name
func (s *Source) Name() string {
	return "opencv"
}

// IsAvailable always reports true; availability is only known after opening the device
func (s *Source) IsAvailable() bool {
	return true
}
