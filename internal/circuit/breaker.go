// Package circuit implements per-peer circuit breakers for the remote block
// transport. A breaker opens after a run of consecutive failures talking to
// one peer and fails calls fast until its timeout elapses, then lets a
// bounded number of probes through to decide whether to close again.
package circuit

import (
	"context"
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockfs/blockfs/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected without contacting the peer
	StateOpen
	// StateHalfOpen - a limited number of probes may test the peer
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
	// Consecutive failures that open the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Probes allowed through while half-open
	MaxProbes uint32 `yaml:"max_probes"`

	// Period after which closed-state counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Period of the open state before probing
	Timeout time.Duration `yaml:"timeout"`

	// Reports whether an error counts against the peer
	IsFailure func(err error) bool `yaml:"-"`

	// Called on every state transition
	OnStateChange func(peer uint64, from State, to State) `yaml:"-"`
}

// Counts holds the numbers of calls and their outcomes
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

var (
	// ErrOpenState is returned when the circuit breaker is open
	ErrOpenState = stderr.New("circuit breaker is open")

	// ErrTooManyProbes is returned when the half-open probe budget is spent
	ErrTooManyProbes = stderr.New("too many probes in half-open state")
)

// Breaker guards calls to a single peer node.
type Breaker struct {
	peer   uint64
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker for peer, filling unset config fields.
func New(peer uint64, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}

	return &Breaker{
		peer:   peer,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// DefaultIsFailure counts every error except an absent block and the
// caller's own cancellation.
func DefaultIsFailure(err error) bool {
	if err == nil || errors.IsNotFound(err) {
		return false
	}
	return !stderr.Is(err, context.Canceled)
}

// Do runs fn if the breaker admits the call and records its outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// Peer returns the node id the breaker guards.
func (b *Breaker) Peer() uint64 {
	return b.peer
}

// State returns the current state of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.counts.Requests >= b.config.MaxProbes {
			return ErrTooManyProbes
		}
	}

	b.counts.onRequest()
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if !b.config.IsFailure(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// currentState advances time-based transitions. Callers hold b.mu.
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
	prev := b.state
	if prev == state {
		return
	}

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
		b.config.OnStateChange(b.peer, prev, state)
	}
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
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

// Set holds one breaker per peer, created on first use.
type Set struct {
	mu       sync.RWMutex
	breakers map[uint64]*Breaker
	config   Config
}

// NewSet creates an empty breaker set sharing config.
func NewSet(config Config) *Set {
	return &Set{
		breakers: make(map[uint64]*Breaker),
		config:   config,
	}
}

// For gets or creates the breaker guarding peer
func (s *Set) For(peer uint64) *Breaker {
	s.mu.RLock()
	if breaker, exists := s.breakers[peer]; exists {
		s.mu.RUnlock()
		return breaker
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check in case another goroutine created it
	if breaker, exists := s.breakers[peer]; exists {
		return breaker
	}

	breaker := New(peer, s.config)
	s.breakers[peer] = breaker
	return breaker
}

// ResetAll closes every breaker
func (s *Set) ResetAll() {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, breaker := range s.breakers {
		breakers = append(breakers, breaker)
	}
	s.mu.RUnlock()

	for _, breaker := range breakers {
		breaker.Reset()
	}
}

// Stats represents the state of one peer's breaker
type Stats struct {
	Peer   uint64 `json:"peer"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats returns a snapshot of every breaker ordered by peer id
func (s *Set) Stats() []Stats {
	s.mu.RLock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, breaker := range s.breakers {
		breakers = append(breakers, breaker)
	}
	s.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, breaker := range breakers {
		stats = append(stats, Stats{
			Peer:   breaker.Peer(),
			State:  breaker.State(),
			Counts: breaker.Counts(),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Peer < stats[j].Peer })
	return stats
}

// HealthCheck reports an error naming every peer whose breaker is open
func (s *Set) HealthCheck() error {
	var open []uint64
	for _, stat := range s.Stats() {
		if stat.State == StateOpen {
			open = append(open, stat.Peer)
		}
	}

	if len(open) > 0 {
		return fmt.Errorf("circuit breakers open for peers: %v", open)
	}
	return nil
}
