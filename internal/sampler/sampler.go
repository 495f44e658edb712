// Package sampler decides which timer ticks send a frame.
//
// The timer runs at a fixed period and every Nth tick is a sample tick, so the
// send rate is 1/(N*period) no matter how fast the camera delivers frames.
// Ticks that land while the connection is not open, or before the camera has
// produced anything, are skipped; nothing is queued and nothing is caught up.
package sampler

import "time"

// Defaults matching a ~1 Hz send rate against a ~10 Hz timer
const (
	DefaultInterval = 100 * time.Millisecond
	DefaultEvery    = 10
)

// ShouldSample reports whether the tick-th tick (1-based) is a sample tick
func ShouldSample(tick, every uint64) bool {
	if every == 0 || tick == 0 {
		return false
	}
	return tick%every == 0
}

// Sampler counts ticks and flags every Nth
type Sampler struct {
	Every uint64
	ticks uint64
}

// New creates a sampler firing on every nth tick; n < 1 is treated as 1
func New(every int) *Sampler {
	if every < 1 {
		every = 1
	}
	return &Sampler{Every: uint64(every)}
}

// Tick advances the counter and reports whether this tick should sample
func (s *Sampler) Tick() bool {
	s.ticks++
	return ShouldSample(s.ticks, s.Every)
}

// Ticks returns the number of ticks seen so far
func (s *Sampler) Ticks() uint64 {
	return s.ticks
}

// Ticker is the timer driving the sampler
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTicker wraps time.NewTicker
func NewTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// ManualTicker is a Ticker driven by explicit Fire calls
type ManualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
}

// NewManualTicker creates an unbuffered manual ticker
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		ch:      make(chan time.Time),
		stopped: make(chan struct{}),
	}
}

// C returns the tick channel
func (m *ManualTicker) C() <-chan time.Time { return m.ch }

// Stop makes further Fire calls return false
func (m *ManualTicker) Stop() {
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
}

// Fire delivers one tick and blocks until it is received.
// It returns false once the ticker has been stopped.
func (m *ManualTicker) Fire() bool {
	select {
	case <-m.stopped:
		return false
	default:
	}
	select {
	case m.ch <- time.Now():
		return true
	case <-m.stopped:
		return false
	}
}
