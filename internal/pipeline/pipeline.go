// Package pipeline wires capture, sampling, encoding, the detector session and
// rendering into one realtime loop.
//
// All pipeline state is owned by the goroutine running Run. It selects over
// sampler ticks, inbound detector messages and cancellation, so ticks and
// messages are never handled concurrently and at most one render is in flight.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
	"github.com/bryanchriswhite/FaceKeypoints/internal/detection"
	"github.com/bryanchriswhite/FaceKeypoints/internal/encoder"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/bryanchriswhite/FaceKeypoints/internal/metrics"
	"github.com/bryanchriswhite/FaceKeypoints/internal/output"
	"github.com/bryanchriswhite/FaceKeypoints/internal/sampler"
	"github.com/bryanchriswhite/FaceKeypoints/internal/session"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when Run is called more than once
var ErrAlreadyRunning = errors.New("pipeline already ran")

// Conn is the detector connection used by the pipeline
type Conn interface {
	State() session.State
	Send(p encoder.Payload) error
	Messages() <-chan session.Message
	Close() error
}

// DialFunc opens a detector connection. It must return without waiting for the handshake.
type DialFunc func(ctx context.Context) Conn

// Observer is notified after each detection has been rendered
type Observer interface {
	OnDetection(res *detection.Result, surface *image.RGBA)
}

// Options configures a pipeline
type Options struct {
	Source    capture.Source
	Dial      DialFunc
	Sampler   *sampler.Sampler
	NewTicker func() sampler.Ticker
	Encoder   *encoder.Encoder
	Renderer  Renderer
	Outputs   []output.Output
	Observers []Observer
	Metrics   *metrics.Metrics
}

// Renderer paints a frame and result onto a fresh surface
type Renderer interface {
	Render(frame *capture.Frame, res *detection.Result) *image.RGBA
}

// statusSetter is implemented by renderers that draw a status label
type statusSetter interface {
	SetStatus(text string)
}

// Status describes the pipeline for the status API
type Status struct {
	Running       bool   `json:"running"`
	SessionID     string `json:"session_id,omitempty"`
	SessionState  string `json:"session_state"`
	CaptureSource string `json:"capture_source"`
	CaptureActive bool   `json:"capture_active"`
}

// Pipeline is the realtime lifecycle coordinator
type Pipeline struct {
	opts Options
	log  *zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	mu            sync.RWMutex
	started       bool
	running       bool
	conn          Conn
	captureActive bool

	tickerOnce  sync.Once
	sessionOnce sync.Once
	captureOnce sync.Once
}

// New creates a pipeline. Missing sampler, ticker, encoder and metrics fall back to defaults.
func New(opts Options) *Pipeline {
	if opts.Sampler == nil {
		opts.Sampler = sampler.New(sampler.DefaultEvery)
	}
	if opts.NewTicker == nil {
		opts.NewTicker = func() sampler.Ticker { return sampler.NewTicker(sampler.DefaultInterval) }
	}
	if opts.Encoder == nil {
		opts.Encoder = encoder.New(encoder.DefaultQuality)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Pipeline{
		opts: opts,
		log:  logger.WithComponent("pipeline"),
		stop: make(chan struct{}),
	}
}

// Metrics returns the pipeline's counters
func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.opts.Metrics
}

// Status reports the current session and capture state
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		Running:       p.running,
		SessionState:  session.Closed.String(),
		CaptureActive: p.captureActive,
	}
	if p.opts.Source != nil {
		st.CaptureSource = p.opts.Source.Name()
	}
	if p.conn != nil {
		st.SessionState = p.conn.State().String()
		if ider, ok := p.conn.(interface{ ID() string }); ok {
			st.SessionID = ider.ID()
		}
	}
	return st
}

// Stop ends Run. Safe to call any number of times, before or after Run.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Run activates the pipeline and blocks until ctx is cancelled or Stop is called.
// A capture failure is logged and the pipeline keeps running without frames.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.started = true
	p.running = true
	p.mu.Unlock()

	if err := p.opts.Source.Start(ctx); err != nil {
		p.log.Error().
			Err(err).
			Bool("device_unavailable", errors.Is(err, capture.ErrDeviceUnavailable)).
			Msg("Camera unavailable; continuing without frames")
	} else {
		p.mu.Lock()
		p.captureActive = true
		p.mu.Unlock()
		p.log.Info().Str("source", p.opts.Source.Name()).Msg("Capture started")
	}

	conn := p.opts.Dial(ctx)
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	ticker := p.opts.NewTicker()
	defer p.teardown(ticker, conn)

	for _, out := range p.opts.Outputs {
		if out.IsRunning() {
			continue
		}
		if err := out.Start(); err != nil {
			p.log.Warn().Err(err).Str("output", out.Name()).Msg("Failed to start output")
		}
	}

	p.log.Info().Msg("Pipeline running")

	msgs := conn.Messages()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Context cancelled, stopping pipeline")
			return nil
		case <-p.stop:
			p.log.Info().Msg("Stop requested")
			return nil
		case <-ticker.C():
			p.onTick(conn)
		case msg, ok := <-msgs:
			if !ok {
				// the session is closed for good; keep ticking until teardown
				msgs = nil
				p.log.Warn().Str("state", conn.State().String()).Msg("Detector session ended")
				continue
			}
			p.onMessage(conn, msg)
		}
	}
}

func (p *Pipeline) onTick(conn Conn) {
	m := p.opts.Metrics
	m.Ticks.Add(1)

	state := conn.State()
	m.SessionState.Store(int32(state))

	if !p.opts.Sampler.Tick() {
		return
	}
	m.Samples.Add(1)

	if state != session.Open {
		m.SkippedNotOpen.Add(1)
		return
	}

	frame := p.opts.Source.Frame()
	if frame == nil {
		m.SkippedNoFrame.Add(1)
		return
	}

	payload, err := p.opts.Encoder.Encode(frame)
	if err != nil {
		m.EncodeErrors.Add(1)
		p.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Failed to encode frame")
		return
	}

	if err := conn.Send(payload); err != nil {
		m.SendErrors.Add(1)
		p.log.Warn().Err(err).Msg("Failed to send frame")
		return
	}
	m.ObserveSend(len(payload.Data))

	p.log.Debug().
		Uint64("seq", frame.Seq).
		Int("bytes", len(payload.Data)).
		Msg("Frame sent")
}

func (p *Pipeline) onMessage(conn Conn, msg session.Message) {
	switch msg := msg.(type) {
	case *session.Detection:
		res := msg.Result
		if res == nil {
			res = &detection.Result{}
		}
		p.render(conn, res)
	case *session.Malformed:
		p.opts.Metrics.MalformedMessages.Add(1)
		p.log.Warn().Err(msg.Err).Int("bytes", len(msg.Raw)).Msg("Ignoring malformed detector message")
	default:
		p.log.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("Ignoring unknown message")
	}
}

// render paints the result over whatever frame is current now
func (p *Pipeline) render(conn Conn, res *detection.Result) {
	start := time.Now()
	m := p.opts.Metrics
	m.ObserveDetection(len(res.Boxes), res.PointCount())

	if s, ok := p.opts.Renderer.(statusSetter); ok {
		s.SetStatus(fmt.Sprintf("%s  faces:%d  keypoints:%d", conn.State(), len(res.Boxes), res.PointCount()))
	}

	surface := p.opts.Renderer.Render(p.opts.Source.Frame(), res)

	for _, out := range p.opts.Outputs {
		if !out.IsRunning() {
			continue
		}
		if err := out.WriteFrame(surface); err != nil {
			m.OutputErrors.Add(1)
			p.log.Warn().Err(err).Str("output", out.Name()).Msg("Output rejected surface")
		}
	}
	m.ObserveRender(time.Since(start))

	for _, o := range p.opts.Observers {
		o.OnDetection(res, surface)
	}

	p.log.Debug().
		Int("faces", len(res.Boxes)).
		Int("keypoints", res.PointCount()).
		Dur("took", time.Since(start)).
		Msg("Rendered detection")
}

// teardown stops the ticker, closes the session, then releases the camera, each once
func (p *Pipeline) teardown(ticker sampler.Ticker, conn Conn) {
	p.tickerOnce.Do(ticker.Stop)

	p.sessionOnce.Do(func() {
		if err := conn.Close(); err != nil {
			p.log.Warn().Err(err).Msg("Failed to close detector session")
		}
		p.opts.Metrics.SessionState.Store(int32(conn.State()))
	})

	p.captureOnce.Do(func() {
		if err := p.opts.Source.Stop(); err != nil {
			p.log.Warn().Err(err).Msg("Failed to stop capture")
		}
	})

	for _, out := range p.opts.Outputs {
		if err := out.Stop(); err != nil {
			p.log.Warn().Err(err).Str("output", out.Name()).Msg("Failed to stop output")
		}
	}

	p.mu.Lock()
	p.running = false
	p.captureActive = false
	p.mu.Unlock()

	p.log.Info().Msg("Pipeline stopped")
}
