// Package circuit pauses requests to a server that keeps failing.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through.
	StateClosed State = iota
	// StateOpen rejects requests until Timeout elapses.
	StateOpen
	// StateHalfOpen lets MaxRequests probes through to test recovery.
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

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when too many requests are made in half-open state
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config contains circuit breaker configuration
type Config struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval after which closed-state counts are cleared.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open.
	Timeout time.Duration `yaml:"timeout"`

	// ReadyToTrip decides, after a failure in the closed state, whether to open.
	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// OnStateChange is called with the breaker lock held.
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful classifies a result. Failures count towards tripping.
	IsSuccessful func(err error) bool `yaml:"-"`

	Now func() time.Time `yaml:"-"`
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker guards calls to one server.
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a closed breaker.
func New(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultReadyToTrip
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = DefaultIsSuccessful
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: config.Now().Add(config.Interval),
	}
}

// DefaultReadyToTrip opens the breaker after five failures in a row.
func DefaultReadyToTrip(counts Counts) bool {
	return counts.ConsecutiveFailures >= 5
}

// DefaultIsSuccessful treats nil and a caller's cancellation as success.
func DefaultIsSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// ExecuteWithContext runs fn if the breaker allows it. A context that is
// already done is reported without touching the counts.
func (b *Breaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
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

	switch b.currentState(b.config.Now()) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.counts.Requests >= b.config.MaxRequests {
			return ErrTooManyRequests
		}
	}

	b.counts.onRequest(b.config.Now())
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.MaxRequests {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.config.Now())
}

// Counts returns a copy of the current counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts. The reconnect path calls
// it once the server answers again.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.clear()
	b.setState(StateClosed, b.config.Now())
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}
