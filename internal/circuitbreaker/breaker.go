// Package circuitbreaker guards calls to an unreliable backend. Each key
// (one per cache backend in the directory syncer) moves through closed,
// open and half-open states independently.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit for the key is open.
var ErrOpen = errors.New("circuit breaker is open")

// State of one key's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fitpool",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

const (
	defaultThreshold = 5
	defaultOpenFor   = 30 * time.Second
)

type circuit struct {
	state    State
	failures int       // consecutive, reset by any success
	openedAt time.Time // when the circuit last opened
	probing  bool      // a half-open probe is in flight
}

// Breaker holds one circuit per key. A circuit opens after threshold
// consecutive failures, rejects calls for openFor, then lets a single
// probe through; the probe's outcome closes or reopens it.
type Breaker struct {
	threshold int
	openFor   time.Duration

	mu           sync.Mutex
	clock        clockwork.Clock
	circuits     map[string]*circuit
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, openFor time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if openFor <= 0 {
		openFor = defaultOpenFor
	}
	return &Breaker{
		threshold: threshold,
		openFor:   openFor,
		clock:     clockwork.NewRealClock(),
		circuits:  make(map[string]*circuit),
	}
}

// WithClock replaces the clock that times the open period.
func (b *Breaker) WithClock(c clockwork.Clock) *Breaker {
	b.mu.Lock()
	b.clock = c
	b.mu.Unlock()
	return b
}

// OnTransition registers fn to run, on its own goroutine, after every
// state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn unless the circuit for key is open, and feeds fn's
// result back into the circuit. It returns ErrOpen without calling fn
// while the circuit rejects calls.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.admit(key) {
		return ErrOpen
	}
	err := fn()
	b.record(key, err)
	return err
}

// State reports the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) admit(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	switch c.state {
	case StateOpen:
		if b.clock.Since(c.openedAt) < b.openFor {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		c.probing = true
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(key)
	c.probing = false
	if err == nil {
		c.failures = 0
		if c.state == StateHalfOpen {
			b.setState(key, c, StateClosed)
		}
		return
	}

	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.clock.Now()
		b.setState(key, c, StateOpen)
	}
}

// circuit returns key's circuit, creating a closed one. Caller holds b.mu.
func (b *Breaker) circuit(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

// setState must be called with b.mu held.
func (b *Breaker) setState(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
