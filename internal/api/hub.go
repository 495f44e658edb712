package api

import (
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/detection"
)

// ResultHub keeps the latest detection result and fans results out to listeners.
// It is registered as a pipeline observer.
type ResultHub struct {
	mu         sync.RWMutex
	latest     *detection.Result
	receivedAt time.Time
	listeners  []chan *detection.Result
}

// NewResultHub creates an empty hub
func NewResultHub() *ResultHub {
	return &ResultHub{}
}

// OnDetection stores res and notifies listeners. Slow listeners miss results.
func (h *ResultHub) OnDetection(res *detection.Result, _ *image.RGBA) {
	h.mu.Lock()
	h.latest = res
	h.receivedAt = time.Now()
	h.mu.Unlock()

	h.notifyListeners(res)
}

// Latest returns the most recent result and when it arrived, or nil
func (h *ResultHub) Latest() (*detection.Result, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.receivedAt
}

// Subscribe adds a listener for new results
func (h *ResultHub) Subscribe() chan *detection.Result {
	ch := make(chan *detection.Result, 10)
	h.mu.Lock()
	h.listeners = append(h.listeners, ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (h *ResultHub) Unsubscribe(ch chan *detection.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, listener := range h.listeners {
		if listener == ch {
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Listeners returns the number of subscribed listeners
func (h *ResultHub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *ResultHub) notifyListeners(res *detection.Result) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.listeners {
		select {
		case ch <- res:
		default:
		}
	}
}
