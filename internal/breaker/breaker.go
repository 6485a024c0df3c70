// Package breaker implements a rolling-window circuit breaker guarding
// the search index read path.
package breaker

import (
	"sync"
	"time"

	"github.com/inkdex/inkdex/internal/pipeline"
)

// State is the breaker's current mode.
type State int

// Breaker states. Gauge values match the metrics encoding.
const (
	Closed State = iota
	HalfOpen
	Open
)

// String returns the state name for status reporting.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config controls breaker sensitivity.
type Config struct {
	// WindowSize is how many recent calls the error rate is computed over.
	WindowSize int
	// ErrorThreshold opens the breaker when crossed, e.g. 0.5.
	ErrorThreshold float64
	// Cooldown is how long the breaker stays open before a trial.
	Cooldown time.Duration
}

// Breaker tracks a rolling error-rate window over index calls. When the
// rate crosses the threshold the breaker opens and reads go straight to
// the fallback until the cooldown elapses; then a single trial request
// decides whether to close or re-open.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	clock    pipeline.Clock
	results  []bool
	next     int
	filled   int
	state    State
	openedAt time.Time
	trialOut bool
}

// New constructs a Breaker.
func New(cfg Config, clock pipeline.Clock) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cfg:     cfg,
		clock:   clock,
		results: make([]bool, cfg.WindowSize),
	}
}

// Allow reports whether the next call may go to the index. In the open
// state it flips to half-open once the cooldown elapses and admits a
// single trial request.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.trialOut = true
		return true
	case HalfOpen:
		if b.trialOut {
			return false
		}
		b.trialOut = true
		return true
	default:
		return false
	}
}

// Record feeds the outcome of an admitted call back into the window.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trialOut = false
		if success {
			b.reset()
			return
		}
		b.trip()
		return
	}

	b.results[b.next] = success
	b.next = (b.next + 1) % b.cfg.WindowSize
	if b.filled < b.cfg.WindowSize {
		b.filled++
	}
	if b.state == Closed && b.errorRate() >= b.cfg.ErrorThreshold {
		b.trip()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Surface half-open once the cooldown has passed even if no call
	// has probed yet; status endpoints read this without traffic.
	if b.state == Open && b.clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// errorRate computes the failure fraction over the filled window.
// Caller holds b.mu. A window under half full never trips.
func (b *Breaker) errorRate() float64 {
	if b.filled < b.cfg.WindowSize/2 || b.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if !b.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.clock.Now()
	b.filled = 0
	b.next = 0
}

func (b *Breaker) reset() {
	b.state = Closed
	b.filled = 0
	b.next = 0
}
