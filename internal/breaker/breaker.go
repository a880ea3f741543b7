// Package breaker tracks per-backend failure rates and fails fast against a
// backend that keeps failing.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Lllllllleong/documentorchestrator/internal/models"
)

// ErrBackendUnavailable is returned while a backend's circuit is open.
var ErrBackendUnavailable = errors.New("backend unavailable: circuit open")

// State is the circuit state of one backend.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int
	// MinSamples is the number of outcomes needed before the ratio is
	// evaluated. Zero means WindowSize.
	MinSamples int
	// FailureRatio opens the circuit when failures/samples exceeds it.
	FailureRatio float64
	// CoolDown is how long an open circuit rejects calls before it lets a
	// single trial call through.
	CoolDown time.Duration
}

// DefaultConfig returns a 20-sample window, 50% ratio and 30s cool-down.
func DefaultConfig() Config {
	return Config{WindowSize: 20, MinSamples: 10, FailureRatio: 0.5, CoolDown: 30 * time.Second}
}

// Snapshot is a read-only view of one circuit.
type Snapshot struct {
	State          State
	Failures       int
	Samples        int
	LastTransition time.Time
}

type circuit struct {
	state          State
	window         []bool // true = failure; ring buffer
	next           int
	samples        int
	failures       int
	lastTransition time.Time
	generation     uint64 // bumped on every transition
	trialInFlight  bool
}

func (c *circuit) reset(size int) {
	c.window = make([]bool, size)
	c.next, c.samples, c.failures = 0, 0, 0
}

func (c *circuit) push(failed bool) {
	if len(c.window) == 0 {
		return
	}
	if c.samples == len(c.window) {
		if c.window[c.next] {
			c.failures--
		}
	} else {
		c.samples++
	}
	c.window[c.next] = failed
	if failed {
		c.failures++
	}
	c.next = (c.next + 1) % len(c.window)
}

// Breaker holds one circuit per backend id. It is shared by every document
// and safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
	now      func() time.Time
	logger   *slog.Logger
}

// New returns a breaker with cfg.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{cfg: normalize(cfg), circuits: map[string]*circuit{}, now: time.Now, logger: logger}
}

// WithClock replaces the time source; tests only.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func normalize(cfg Config) Config {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	if cfg.MinSamples <= 0 || cfg.MinSamples > cfg.WindowSize {
		cfg.MinSamples = cfg.WindowSize
	}
	return cfg
}

// SetConfig applies new thresholds. Circuits whose window size changed start
// a fresh window; their state is kept.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg = normalize(cfg)
	if cfg.WindowSize != b.cfg.WindowSize {
		for _, c := range b.circuits {
			c.reset(cfg.WindowSize)
		}
	}
	b.cfg = cfg
}

func (b *Breaker) get(id string) *circuit {
	c, ok := b.circuits[id]
	if !ok {
		c = &circuit{lastTransition: b.now()}
		c.reset(b.cfg.WindowSize)
		b.circuits[id] = c
	}
	return c
}

func (b *Breaker) transition(id string, c *circuit, to State) {
	from := c.state
	c.state = to
	c.generation++
	c.lastTransition = b.now()
	b.logger.Info("Circuit state changed.", "backendId", id, "from", from.String(), "to", to.String())
}

// IsOpen reports, without side effects, whether a call to id would be
// rejected right now: open and still cooling down, or half-open with the
// trial call already taken.
func (b *Breaker) IsOpen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[id]
	if !ok {
		return false
	}
	switch c.state {
	case Open:
		return b.now().Sub(c.lastTransition) < b.cfg.CoolDown
	case HalfOpen:
		return c.trialInFlight
	default:
		return false
	}
}

// Permit identifies a call admitted by Allow. It is passed back to Record so
// that results are matched to the circuit generation that admitted them.
type Permit struct {
	generation uint64
	trial      bool
}

// Allow claims permission to call id. An open circuit whose cool-down has
// elapsed moves to half-open and grants exactly one trial call.
func (b *Breaker) Allow(id string) (Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(id)
	switch c.state {
	case Closed:
		return Permit{generation: c.generation}, nil
	case Open:
		if b.now().Sub(c.lastTransition) < b.cfg.CoolDown {
			return Permit{}, fmt.Errorf("%w: %s", ErrBackendUnavailable, id)
		}
		b.transition(id, c, HalfOpen)
		c.trialInFlight = true
		return Permit{generation: c.generation, trial: true}, nil
	default:
		if c.trialInFlight {
			return Permit{}, fmt.Errorf("%w: %s (trial call in flight)", ErrBackendUnavailable, id)
		}
		c.trialInFlight = true
		return Permit{generation: c.generation, trial: true}, nil
	}
}

// Record feeds the outcome of the call admitted with p. Throttled and
// transient outcomes count as failures. Permanent and cancelled outcomes say
// nothing about backend health and only release a half-open trial call.
// Results admitted under an earlier generation of the circuit are dropped.
func (b *Breaker) Record(id string, p Permit, outcome models.Outcome) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(id)

	if p.generation != c.generation {
		b.logger.Debug("Dropping stale circuit result.", "backendId", id, "outcome", string(outcome), "state", c.state.String())
		return c.state
	}

	var failed bool
	switch outcome {
	case models.OutcomeSuccess:
		failed = false
	case models.OutcomeThrottled, models.OutcomeTransient:
		failed = true
	default:
		if p.trial {
			c.trialInFlight = false
		}
		return c.state
	}

	switch c.state {
	case HalfOpen:
		if !p.trial {
			return c.state
		}
		c.trialInFlight = false
		c.reset(b.cfg.WindowSize)
		if failed {
			b.transition(id, c, Open)
		} else {
			b.transition(id, c, Closed)
		}
	case Closed:
		c.push(failed)
		if c.samples >= b.cfg.MinSamples && float64(c.failures)/float64(c.samples) > b.cfg.FailureRatio {
			b.transition(id, c, Open)
			c.reset(b.cfg.WindowSize)
		}
	}
	return c.state
}

// State returns a snapshot of id's circuit.
func (b *Breaker) State(id string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[id]
	if !ok {
		return Snapshot{State: Closed}
	}
	return Snapshot{State: c.state, Failures: c.failures, Samples: c.samples, LastTransition: c.lastTransition}
}
