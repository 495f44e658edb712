package session

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/encoder"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// detectorServer upgrades every request and hands the connection to handle
func detectorServer(t *testing.T, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain reads until the peer goes away so close frames get answered
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state: got %s, want %s", s.State(), want)
}

func nextMessage(t *testing.T, s *Session) Message {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		if !ok {
			t.Fatal("message channel closed")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
	return nil
}

func payload() encoder.Payload {
	return encoder.Payload{Data: []byte("jpeg-bytes"), ContentType: encoder.ContentType}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Connecting, "connecting"},
		{Open, "open"},
		{Closing, "closing"},
		{Closed, "closed"},
		{State(9), "state(9)"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("String(): got %q, want %q", got, tc.want)
		}
	}
}

func TestConnect_HandshakeFailure(t *testing.T) {
	notWS := httptest.NewServer(http.NotFoundHandler())
	defer notWS.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := wsURL(dead)
	dead.Close()

	for name, url := range map[string]string{
		"not a websocket":    wsURL(notWS),
		"nothing listening": deadURL,
	} {
		t.Run(name, func(t *testing.T) {
			s := Connect(context.Background(), Config{URL: url, HandshakeTimeout: time.Second})
			if s.ID() == "" {
				t.Error("session has no id")
			}
			waitState(t, s, Closed)

			select {
			case _, ok := <-s.Messages():
				if ok {
					t.Error("unexpected message")
				}
			case <-time.After(time.Second):
				t.Error("message channel not closed after failed handshake")
			}

			if err := s.Send(payload()); err != nil {
				t.Errorf("Send after failure: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("Close after failure: %v", err)
			}
		})
	}
}

func TestSend_DroppedWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	var received atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			received.Add(1)
		}
	}))
	defer srv.Close()
	defer close(release)

	s := Connect(context.Background(), Config{URL: wsURL(srv)})
	if s.State() != Connecting {
		t.Fatalf("initial state: got %s", s.State())
	}
	for i := 0; i < 5; i++ {
		if err := s.Send(payload()); err != nil {
			t.Fatalf("Send while connecting: %v", err)
		}
	}

	s.Close()
	waitState(t, s, Closed)
	if err := s.Send(payload()); err != nil {
		t.Errorf("Send after close: %v", err)
	}
	if n := received.Load(); n != 0 {
		t.Errorf("detector received %d messages, want 0", n)
	}
	if s.releases.Load() != 0 {
		t.Error("no transport should have been released")
	}
}

func TestSession_SendAndReceive(t *testing.T) {
	got := make(chan []byte, 1)
	srv := detectorServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- data
		conn.WriteMessage(websocket.TextMessage, []byte(`{"bbox": [[10,10,50,50]], "keypoints": [[[30,30]]]}`))
		drain(conn)
	})

	s := Connect(context.Background(), Config{URL: wsURL(srv)})
	defer s.Close()
	waitState(t, s, Open)

	p := payload()
	if err := s.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != p.Base64() {
			t.Errorf("wire text: got %q, want %q", data, p.Base64())
		}
		if _, err := base64.StdEncoding.DecodeString(string(data)); err != nil {
			t.Errorf("wire text is not base64: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("detector did not receive the frame")
	}

	det, ok := nextMessage(t, s).(*Detection)
	if !ok {
		t.Fatal("expected a Detection")
	}
	if len(det.Result.Boxes) != 1 || det.Result.PointCount() != 1 {
		t.Errorf("result: got %+v", det.Result)
	}
}

func TestSession_MalformedKeepsOpen(t *testing.T) {
	srv := detectorServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"bbox": []}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"bbox": [], "keypoints": [[]]}`))
		drain(conn)
	})

	s := Connect(context.Background(), Config{URL: wsURL(srv)})
	defer s.Close()
	waitState(t, s, Open)

	for i := 0; i < 3; i++ {
		m, ok := nextMessage(t, s).(*Malformed)
		if !ok {
			t.Fatalf("message %d: expected Malformed", i)
		}
		if !errors.Is(m.Err, ErrMalformedMessage) {
			t.Errorf("message %d: error %v does not wrap ErrMalformedMessage", i, m.Err)
		}
	}
	if s.State() != Open {
		t.Errorf("state after malformed input: got %s, want open", s.State())
	}

	det, ok := nextMessage(t, s).(*Detection)
	if !ok {
		t.Fatal("expected a Detection after malformed messages")
	}
	if !det.Result.Empty() {
		t.Errorf("expected empty result, got %+v", det.Result)
	}
}

func TestClose_Idempotent(t *testing.T) {
	for _, calls := range []int{1, 2, 5} {
		var closeFrames atomic.Int32
		srv := detectorServer(t, func(conn *websocket.Conn) {
			for {
				_, _, err := conn.ReadMessage()
				if err == nil {
					continue
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					closeFrames.Add(1)
				}
				return
			}
		})

		s := Connect(context.Background(), Config{URL: wsURL(srv)})
		waitState(t, s, Open)

		for i := 0; i < calls; i++ {
			if err := s.Close(); err != nil {
				t.Errorf("%d calls: Close: %v", calls, err)
			}
		}
		if s.State() != Closed {
			t.Errorf("%d calls: state %s, want closed", calls, s.State())
		}
		if n := s.releases.Load(); n != 1 {
			t.Errorf("%d calls: transport released %d times, want 1", calls, n)
		}

		deadline := time.Now().Add(time.Second)
		for closeFrames.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if n := closeFrames.Load(); n != 1 {
			t.Errorf("%d calls: detector saw %d close frames, want 1", calls, n)
		}
	}
}

func TestClose_Concurrent(t *testing.T) {
	srv := detectorServer(t, drain)

	s := Connect(context.Background(), Config{URL: wsURL(srv)})
	waitState(t, s, Open)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			s.Close()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if s.State() != Closed {
		t.Errorf("state: got %s", s.State())
	}
	if n := s.releases.Load(); n != 1 {
		t.Errorf("transport released %d times, want 1", n)
	}
}

func TestSession_PeerClose(t *testing.T) {
	srv := detectorServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drain(conn)
	})

	s := Connect(context.Background(), Config{URL: wsURL(srv)})
	waitState(t, s, Closed)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if err := s.Send(payload()); err != nil {
		t.Errorf("Send after peer close: %v", err)
	}
	s.Close()
	if n := s.releases.Load(); n != 1 {
		t.Errorf("transport released %d times, want 1", n)
	}
}
