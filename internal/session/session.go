// Package session owns the websocket connection to the detector.
//
// A Session moves through Connecting, Open, Closing and Closed. Frames are only
// written while Open; anything sent in another state is dropped. Closed is
// terminal: there is no reconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/detection"
	"github.com/bryanchriswhite/FaceKeypoints/internal/encoder"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrConnection wraps handshake, write and transport failures
	ErrConnection = errors.New("detector connection error")

	// ErrMalformedMessage is carried by Malformed for payloads that do not parse
	ErrMalformedMessage = errors.New("malformed detector message")
)

// Default timings
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseTimeout     = time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 120 * time.Second
	DefaultWriteTimeout     = 5 * time.Second

	messageBuffer = 16
)

// State is the connection lifecycle state
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a session
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Message is an inbound message: either *Detection or *Malformed
type Message interface {
	isMessage()
}

// Detection carries a parsed detection result
type Detection struct {
	Result     *detection.Result
	ReceivedAt time.Time
}

// Malformed carries a payload that could not be parsed
type Malformed struct {
	Raw []byte
	Err error
}

func (*Detection) isMessage() {}
func (*Malformed) isMessage() {}

// Session is a single detector connection
type Session struct {
	id  string
	cfg Config
	log zerolog.Logger

	// mu guards state and conn, and is held across writes so nothing is
	// written once the state has left Open
	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	msgs       chan Message
	done       chan struct{}
	closeAck   chan struct{}
	cancelDial context.CancelFunc

	closeOnce  sync.Once
	ackOnce    sync.Once
	finishOnce sync.Once

	releases atomic.Int32
}

// Connect starts connecting to cfg.URL and returns immediately in Connecting
func Connect(ctx context.Context, cfg Config) *Session {
	cfg.setDefaults()

	id := uuid.New().String()
	dialCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:         id,
		cfg:        cfg,
		log:        logger.WithComponent("session").With().Str("session", id).Logger(),
		state:      Connecting,
		msgs:       make(chan Message, messageBuffer),
		done:       make(chan struct{}),
		closeAck:   make(chan struct{}),
		cancelDial: cancel,
	}

	s.log.Info().Str("url", cfg.URL).Msg("Connecting to detector")
	go s.dial(dialCtx)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages delivers inbound messages in arrival order.
// The channel is closed after the session stops reading.
func (s *Session) Messages() <-chan Message {
	return s.msgs
}

// Done is closed when the session reaches Closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) dial(ctx context.Context) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)

	s.mu.Lock()
	if s.state != Connecting {
		// Closed while dialing
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		close(s.msgs)
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("Detector handshake failed")
		s.finish()
		close(s.msgs)
		return
	}
	s.conn = conn
	s.state = Open
	s.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	s.log.Info().Msg("Detector connection open")

	go s.keepAlive(conn)
	s.readLoop(conn)
}

// readLoop delivers inbound messages until the transport fails or closes
func (s *Session) readLoop(conn *websocket.Conn) {
	defer close(s.msgs)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.readFailed(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		select {
		case s.msgs <- decode(kind, data):
		case <-s.done:
			return
		}
	}
}

func decode(kind int, data []byte) Message {
	if kind != websocket.TextMessage {
		return &Malformed{
			Raw: data,
			Err: fmt.Errorf("%w: unexpected frame type %d", ErrMalformedMessage, kind),
		}
	}
	res, err := detection.Parse(data)
	if err != nil {
		return &Malformed{Raw: data, Err: fmt.Errorf("%w: %w", ErrMalformedMessage, err)}
	}
	return &Detection{Result: res, ReceivedAt: time.Now()}
}

func (s *Session) readFailed(err error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	s.ackOnce.Do(func() { close(s.closeAck) })

	switch st {
	case Closing:
		s.log.Debug().Err(err).Msg("Close acknowledged")
	case Open:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.log.Info().Msg("Detector closed the connection")
		} else {
			s.log.Warn().Err(fmt.Errorf("%w: %w", ErrConnection, err)).Msg("Detector connection lost")
		}
		s.finish()
	}
}

// keepAlive pings the detector while the session is open
func (s *Session) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug().Err(err).Msg("Keepalive ping failed")
				return
			}
		}
	}
}

// Send writes one payload if the session is Open and silently drops it otherwise.
// A write failure closes the session.
func (s *Session) Send(p encoder.Payload) error {
	s.mu.Lock()
	if s.state != Open {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, []byte(p.Base64()))
	s.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: send failed: %w", ErrConnection, err)
		s.log.Warn().Err(err).Msg("Closing session after write failure")
		s.finish()
		return err
	}
	return nil
}

// Close ends the session. It may be called any number of times from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(s.close)
	return nil
}

func (s *Session) close() {
	s.mu.Lock()
	prev := s.state
	if prev == Connecting || prev == Open {
		s.state = Closing
	}
	conn := s.conn
	s.mu.Unlock()

	switch prev {
	case Connecting:
		s.log.Debug().Msg("Closing before handshake completed")
		s.finish()
	case Open:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.CloseTimeout)); err != nil {
			s.log.Debug().Err(err).Msg("Failed to send close frame")
		} else {
			select {
			case <-s.closeAck:
			case <-time.After(s.cfg.CloseTimeout):
				s.log.Debug().Dur("timeout", s.cfg.CloseTimeout).Msg("No close acknowledgement from detector")
			}
		}
		s.finish()
	}
}

// finish moves to Closed and releases the transport, once
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		conn := s.conn
		s.mu.Unlock()

		close(s.done)
		s.cancelDial()

		if conn != nil {
			s.releases.Add(1)
			if err := conn.Close(); err != nil {
				s.log.Debug().Err(err).Msg("Transport close")
			}
		}
		s.log.Info().Msg("Session closed")
	})
}
