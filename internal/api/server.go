package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/config"
	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
	"github.com/bryanchriswhite/FaceKeypoints/internal/metrics"
	"github.com/bryanchriswhite/FaceKeypoints/internal/output"
	"github.com/bryanchriswhite/FaceKeypoints/internal/pipeline"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version reported by /api/health
const Version = "0.1.0"

// StatusProvider reports pipeline state
type StatusProvider interface {
	Status() pipeline.Status
}

// Server is the local viewer and API server
type Server struct {
	router    *mux.Router
	hub       *ResultHub
	status    StatusProvider
	stream    *output.MJPEGOutput
	metrics   *metrics.Metrics
	configMgr *config.Manager
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	shutdown   bool
}

// NewServer creates a new API server. stream, metrics and configMgr may be nil.
func NewServer(hub *ResultHub, status StatusProvider, stream *output.MJPEGOutput, m *metrics.Metrics, configMgr *config.Manager) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		hub:       hub,
		status:    status,
		stream:    stream,
		metrics:   m,
		configMgr: configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // viewer may be opened from any local origin
			},
		},
	}

	s.setupRoutes()
	return s
}

// Handler returns the router wrapped with CORS headers
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/detection", s.handleLatestDetection).Methods("GET")
	api.HandleFunc("/detections", s.handleDetectionStream)
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	if s.stream != nil {
		s.router.HandleFunc("/stream", s.stream.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/snapshot", s.stream.GetSnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/", s.stream.GetViewerHandler()).Methods("GET")
	}
}

// Start serves on port until Shutdown is called. It returns nil straight away
// if Shutdown already ran.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	logger.WithComponent("api").Info().Msgf("Viewer on http://localhost%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx expires.
// A later Start does not listen.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

type sessionStatus struct {
	ID    string `json:"id,omitempty"`
	State string `json:"state"`
}

type captureStatus struct {
	Source string `json:"source"`
	Active bool   `json:"active"`
}

type statusResponse struct {
	Running       bool              `json:"running"`
	Session       sessionStatus     `json:"session"`
	Capture       captureStatus     `json:"capture"`
	Counters      *metrics.Snapshot `json:"counters,omitempty"`
	Stream        *output.Stats     `json:"stream,omitempty"`
	LastDetection *time.Time        `json:"last_detection,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	resp := statusResponse{
		Running: st.Running,
		Session: sessionStatus{ID: st.SessionID, State: st.SessionState},
		Capture: captureStatus{Source: st.CaptureSource, Active: st.CaptureActive},
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		resp.Counters = &snap
	}
	if s.stream != nil {
		stats := s.stream.Stats()
		resp.Stream = &stats
	}
	if res, at := s.hub.Latest(); res != nil {
		resp.LastDetection = &at
	}
	writeJSON(w, resp)
}

func (s *Server) handleLatestDetection(w http.ResponseWriter, r *http.Request) {
	res, _ := s.hub.Latest()
	if res == nil {
		http.Error(w, "No detection yet", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleDetectionStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.hub.Subscribe()
	defer s.hub.Unsubscribe(updates)

	// Read side only exists to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if latest, _ := s.hub.Latest(); latest != nil {
		if err := conn.WriteJSON(latest); err != nil {
			log.Debug().Err(err).Msg("WebSocket write failed")
			return
		}
	}

	for {
		select {
		case <-gone:
			return
		case res, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(res); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "No configuration loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, s.configMgr.Get())
}
