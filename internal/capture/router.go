package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
)

// Router starts the first backend that works and routes frame requests to it
type Router struct {
	candidates []Source
	active     Source
	mu         sync.RWMutex
}

// NewRouter creates a router that tries candidates in order
func NewRouter(candidates ...Source) *Router {
	return &Router{candidates: candidates}
}

// Start tries each backend in order and keeps the first that starts
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil
	}

	log := logger.WithComponent("capture-router")

	var errs []error
	for _, src := range r.candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !src.IsAvailable() {
			log.Debug().Str("source", src.Name()).Msg("Capture source not available")
			errs = append(errs, fmt.Errorf("%s: not available", src.Name()))
			continue
		}
		if err := src.Start(ctx); err != nil {
			log.Warn().Err(err).Str("source", src.Name()).Msg("Failed to start capture source")
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		r.active = src
		log.Info().Str("source", src.Name()).Msg("Capture source started")
		return nil
	}

	if len(r.candidates) == 0 {
		return fmt.Errorf("%w: no capture sources configured", ErrDeviceUnavailable)
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, errors.Join(errs...))
}

// Stop stops the active backend
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil
	}
	err := r.active.Stop()
	r.active = nil
	return err
}

// Frame returns the active backend's latest frame
func (r *Router) Frame() *Frame {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()

	if active == nil {
		return nil
	}
	return active.Frame()
}

// Name returns the active backend name, or "router" before Start
func (r *Router) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active != nil {
		return r.active.Name()
	}
	return "router"
}

// IsAvailable reports whether any candidate is available
func (r *Router) IsAvailable() bool {
	for _, src := range r.candidates {
		if src.IsAvailable() {
			return true
		}
	}
	return false
}

// Active returns the started backend, or nil
func (r *Router) Active() Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}
