// Package circuit short-circuits calls to a collaborator that keeps
// failing, such as a device memory query, so callers go straight to their
// fallback until the collaborator has had time to recover.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/framecache/framecache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until OpenTimeout has passed
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`

	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker.
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// DefaultConfig returns a configuration suited to memory queries.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// NewBreaker creates a closed breaker. Zero config fields take defaults.
func NewBreaker(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = defaults.HalfOpenRequests
	}
	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
	}
}

// Execute runs fn unless the breaker is open. A rejected call returns a
// CIRCUIT_OPEN error without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if state == StateOpen {
		return b.rejection("open")
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.HalfOpenRequests {
		return b.rejection("half_open")
	}

	b.counts.Requests++
	b.counts.LastActivity = b.now()
	return nil
}

func (b *Breaker) rejection(state string) error {
	return errors.NewError(errors.ErrCodeCircuitOpen, "circuit breaker is open").
		WithComponent("circuit").
		WithContext("breaker", b.name).
		WithContext("state", state)
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if err == nil {
		b.counts.ConsecutiveFailures = 0
		b.counts.ConsecutiveSuccesses++
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// currentState moves an expired open breaker to half-open.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.config.OpenTimeout)) {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.now()
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}
