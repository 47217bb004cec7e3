// Package health tracks the health of a node's dependencies: its backing
// store and each peer it routes blocks to.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/blockfs/blockfs/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates recent failures below the unavailable threshold
	StateDegraded

	// StateReadOnly indicates reads succeed but writes are failing
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name.
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastCheck         time.Time   `json:"last_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastError         string      `json:"last_error,omitempty"`
}

// Config configures health tracking behavior
type Config struct {
	// Consecutive errors before a component is degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// Consecutive errors before a component is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// OnStateChange is called synchronously on every transition.
	OnStateChange func(component string, from, to HealthState, err error) `yaml:"-" json:"-"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
	}
}

// Check probes one component.
type Check func(ctx context.Context) error

// Tracker tracks the health of multiple components and determines overall node health
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	checks     map[string]Check
	config     Config
}

// NewTracker creates a new health tracker
func NewTracker(config Config) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(defaults.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]Check),
		config:     config,
	}
}

// Register adds a component. check may be nil for components whose health
// is only reported through RecordSuccess and RecordError.
func (t *Tracker) Register(name string, check Check) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}
	}
	if check != nil {
		t.checks[name] = check
	}
}

// RecordSuccess records a successful operation for a component. One
// success fully recovers a failing component.
func (t *Tracker) RecordSuccess(component string) {
	t.record(component, nil)
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	if err == nil {
		err = fmt.Errorf("unspecified failure")
	}
	t.record(component, err)
}

func (t *Tracker) record(component string, err error) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	from := health.State
	health.LastCheck = time.Now()
	to := from
	if err == nil {
		health.ConsecutiveErrors = 0
		health.LastError = ""
		to = StateHealthy
	} else {
		health.ConsecutiveErrors++
		health.LastError = err.Error()
		switch {
		case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
			to = StateUnavailable
		case health.ConsecutiveErrors >= t.config.ErrorThreshold:
			if errors.HasCode(err, errors.ErrCodeStorageWrite) {
				to = StateReadOnly
			} else {
				to = StateDegraded
			}
		}
	}
	if to != from {
		health.State = to
		health.LastStateChange = health.LastCheck
	}
	callback := t.config.OnStateChange
	t.mu.Unlock()

	if to != from && callback != nil {
		callback(component, from, to, err)
	}
}

// State returns the current health state of a component. Unknown
// components are unavailable.
func (t *Tracker) State(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// Components returns copies of every component's health, sorted by name.
func (t *Tracker) Components() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]ComponentHealth, 0, len(t.components))
	for _, health := range t.components {
		result = append(result, *health)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Overall returns the worst state across all components.
func (t *Tracker) Overall() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// CanWrite returns true if the component accepts writes.
func (t *Tracker) CanWrite(component string) bool {
	state := t.State(component)
	return state == StateHealthy || state == StateDegraded
}

// CheckAll runs every registered check once, in name order.
func (t *Tracker) CheckAll(ctx context.Context) {
	t.mu.RLock()
	names := make([]string, 0, len(t.checks))
	checks := make(map[string]Check, len(t.checks))
	for name, check := range t.checks {
		names = append(names, name)
		checks[name] = check
	}
	t.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		t.record(name, checks[name](ctx))
	}
}

// Run checks all components every CheckInterval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAll(ctx)
		}
	}
}

// ServeHTTP reports overall and per-component health as JSON. The status
// is 503 when any component is unavailable.
func (t *Tracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	overall := t.Overall()
	body := struct {
		Status     HealthState       `json:"status"`
		Service    string            `json:"service"`
		Components []ComponentHealth `json:"components"`
	}{overall, "blockfs", t.Components()}

	w.Header().Set("Content-Type", "application/json")
	if overall == StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(body)
}
