// Package breaker implements the per-provider circuit breaker registry that
// gates whether a provider call is attempted at all.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/routeguard/routeguard/internal/events"
	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/monitoring"
	"github.com/routeguard/routeguard/internal/routererr"
)

// State is the circuit breaker state for a provider.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds governing a provider's state machine.
type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	Window              time.Duration `yaml:"window" json:"window"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests" json:"half_open_max_requests"`
}

// UnmarshalYAML accepts human-readable durations ("30s", "1m") for the
// timeout and window fields.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		FailureThreshold    int    `yaml:"failure_threshold"`
		SuccessThreshold    int    `yaml:"success_threshold"`
		Timeout             string `yaml:"timeout"`
		Window              string `yaml:"window"`
		HalfOpenMaxRequests int    `yaml:"half_open_max_requests"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	c.FailureThreshold = temp.FailureThreshold
	c.SuccessThreshold = temp.SuccessThreshold
	c.HalfOpenMaxRequests = temp.HalfOpenMaxRequests

	if temp.Timeout != "" {
		d, err := time.ParseDuration(temp.Timeout)
		if err != nil {
			return fmt.Errorf("breaker: invalid timeout: %w", err)
		}
		c.Timeout = d
	}
	if temp.Window != "" {
		d, err := time.ParseDuration(temp.Window)
		if err != nil {
			return fmt.Errorf("breaker: invalid window: %w", err)
		}
		c.Window = d
	}
	return nil
}

// DefaultConfig returns the deployment-wide defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		Window:              60 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Validate checks threshold sanity.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return routererr.Newf(routererr.KindInvalidRequest, "breaker: failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return routererr.Newf(routererr.KindInvalidRequest, "breaker: success_threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.Timeout <= 0 {
		return routererr.Newf(routererr.KindInvalidRequest, "breaker: timeout must be positive, got %v", c.Timeout)
	}
	if c.Window <= 0 {
		return routererr.Newf(routererr.KindInvalidRequest, "breaker: window must be positive, got %v", c.Window)
	}
	if c.HalfOpenMaxRequests < 1 {
		return routererr.Newf(routererr.KindInvalidRequest, "breaker: half_open_max_requests must be >= 1, got %d", c.HalfOpenMaxRequests)
	}
	return nil
}

// Classifier decides whether an error counts as a provider failure.
type Classifier func(error) bool

// DefaultClassifier counts provider/network errors and excludes caller-side
// errors (invalid request shape, misconfigured rules).
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	return !routererr.IsCallerError(err)
}

// circuit is the per-provider state. All fields are guarded by mu, so two
// concurrent calls against the same provider serialize their recording while
// different providers never contend.
type circuit struct {
	mu sync.Mutex

	name string
	cfg  Config

	state                State
	generation           uint64 // bumped on every transition
	consecutiveFailures  int
	consecutiveSuccesses int
	failures             []time.Time // sliding window, pruned lazily on read
	rejectedRequests     uint64
	openedAt             time.Time
	halfOpenInFlight     int
	lastChange           time.Time
}

// Stats is a point-in-time copy of a provider's circuit state.
type Stats struct {
	Provider             string    `json:"provider"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	FailuresInWindow     int       `json:"failures_in_window"`
	RejectedRequests     uint64    `json:"rejected_requests"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
	LastChange           time.Time `json:"last_change,omitzero"`
}

// Registry holds one circuit per provider name, created lazily on first use
// and never destroyed (reset in place).
type Registry struct {
	mu        sync.RWMutex
	circuits  map[string]*circuit
	defaults  Config
	overrides map[string]Config

	classify Classifier
	alerts   events.AlertPublisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a registry with deployment-wide defaults.
func NewRegistry(defaults Config, log *slog.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{
		circuits:  make(map[string]*circuit),
		defaults:  defaults,
		overrides: make(map[string]Config),
		classify:  DefaultClassifier,
		logger:    log,
		now:       time.Now,
	}
}

// SetClassifier replaces the failure classification policy.
func (r *Registry) SetClassifier(c Classifier) {
	if c != nil {
		r.classify = c
	}
}

// SetAlertPublisher wires circuit transition alerts to an event publisher.
func (r *Registry) SetAlertPublisher(p events.AlertPublisher) {
	r.alerts = p
}

// SetOverride installs a per-provider config override. Takes effect on the
// provider's next circuit lookup; an existing circuit keeps its config until
// Reset.
func (r *Registry) SetOverride(provider string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[provider] = cfg
	return nil
}

func (r *Registry) configFor(provider string) Config {
	if cfg, ok := r.overrides[provider]; ok {
		return cfg
	}
	return r.defaults
}

func (r *Registry) getOrCreate(provider string) *circuit {
	r.mu.RLock()
	c := r.circuits[provider]
	r.mu.RUnlock()
	if c != nil {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c = r.circuits[provider]; c != nil {
		return c
	}
	c = &circuit{
		name:  provider,
		cfg:   r.configFor(provider),
		state: StateClosed,
	}
	r.circuits[provider] = c
	return c
}

// Execute runs fn if the provider's circuit admits the call, records the
// outcome, and returns fn's error unchanged. A rejected call returns a
// circuit_open error carrying the remaining cool-down as the retry delay.
func (r *Registry) Execute(ctx context.Context, provider string, fn func(context.Context) error) error {
	c := r.getOrCreate(provider)

	admittedHalfOpen, generation, err := r.admit(c)
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	r.record(c, admittedHalfOpen, generation, callErr)
	return callErr
}

// admit checks whether a call may proceed. Returns whether the admission
// consumed a half-open slot and the circuit generation it was admitted
// under.
func (r *Registry) admit(c *circuit) (bool, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := r.now()
	switch c.state {
	case StateClosed:
		return false, c.generation, nil

	case StateOpen:
		if now.Sub(c.openedAt) >= c.cfg.Timeout {
			r.transitionLocked(c, StateHalfOpen, "timeout_elapsed")
			c.halfOpenInFlight++
			return true, c.generation, nil
		}
		c.rejectedRequests++
		monitoring.CircuitRejected.WithLabelValues(c.name).Inc()
		remaining := c.cfg.Timeout - now.Sub(c.openedAt)
		return false, 0, routererr.Newf(routererr.KindCircuitOpen,
			"provider %q circuit is open", c.name).WithRetryAfter(remaining)

	case StateHalfOpen:
		if c.halfOpenInFlight >= c.cfg.HalfOpenMaxRequests {
			c.rejectedRequests++
			monitoring.CircuitRejected.WithLabelValues(c.name).Inc()
			return false, 0, routererr.Newf(routererr.KindCircuitOpen,
				"provider %q circuit is testing recovery", c.name).WithRetryAfter(c.cfg.Timeout)
		}
		c.halfOpenInFlight++
		return true, c.generation, nil
	}

	return false, c.generation, nil
}

// record folds a call outcome back into the state machine. Outcomes
// admitted under an earlier generation are stale: the circuit has
// transitioned since, and a pre-open success must not count toward a
// recovery it never probed.
func (r *Registry) record(c *circuit, admittedHalfOpen bool, generation uint64, callErr error) {
	failure := r.classify(callErr)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != generation {
		return
	}
	if admittedHalfOpen && c.halfOpenInFlight > 0 {
		c.halfOpenInFlight--
	}

	now := r.now()
	switch c.state {
	case StateClosed:
		if !failure {
			c.consecutiveFailures = 0
			c.consecutiveSuccesses++
			return
		}
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
		c.failures = append(c.failures, now)
		c.pruneLocked(now)
		if len(c.failures) >= c.cfg.FailureThreshold {
			r.transitionLocked(c, StateOpen, "failure_threshold_reached")
		}

	case StateHalfOpen:
		if failure {
			// A single failure during recovery testing reopens immediately.
			r.transitionLocked(c, StateOpen, "half_open_failure")
			return
		}
		c.consecutiveSuccesses++
		if c.consecutiveSuccesses >= c.cfg.SuccessThreshold {
			c.failures = c.failures[:0]
			r.transitionLocked(c, StateClosed, "success_threshold_reached")
		}
	}
}

// pruneLocked drops window entries older than the configured window.
func (c *circuit) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	i := 0
	for i < len(c.failures) && c.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.failures = append(c.failures[:0], c.failures[i:]...)
	}
}

// transitionLocked changes state and emits logging, metrics and alerts.
// Must be called with c.mu held.
func (r *Registry) transitionLocked(c *circuit, to State, reason string) {
	from := c.state
	if from == to {
		return
	}
	now := r.now()
	c.state = to
	c.generation++
	c.lastChange = now

	switch to {
	case StateOpen:
		c.openedAt = now
		c.consecutiveSuccesses = 0
		c.halfOpenInFlight = 0
	case StateHalfOpen:
		c.consecutiveSuccesses = 0
		c.halfOpenInFlight = 0
	case StateClosed:
		c.openedAt = time.Time{}
		c.consecutiveFailures = 0
		c.halfOpenInFlight = 0
	}

	r.logger.Info("Circuit state changed",
		"provider", c.name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
	monitoring.CircuitTransitions.WithLabelValues(c.name, to.String()).Inc()
	monitoring.CircuitState.WithLabelValues(c.name).Set(float64(to))

	if r.alerts != nil {
		switch to {
		case StateOpen:
			r.alerts.PublishAlert(events.AlertEvent{
				Kind: events.AlertCircuitOpened,
				Context: map[string]string{
					"provider": c.name,
					"reason":   reason,
				},
			})
		case StateClosed:
			r.alerts.PublishAlert(events.AlertEvent{
				Kind: events.AlertCircuitClosed,
				Context: map[string]string{
					"provider": c.name,
					"reason":   reason,
				},
			})
		}
	}
}

// State returns the current state of a provider's circuit, resolving an
// elapsed OPEN cool-down. Providers never seen report CLOSED.
func (r *Registry) State(provider string) State {
	r.mu.RLock()
	c := r.circuits[provider]
	r.mu.RUnlock()
	if c == nil {
		return StateClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen && r.now().Sub(c.openedAt) >= c.cfg.Timeout {
		r.transitionLocked(c, StateHalfOpen, "timeout_elapsed")
	}
	return c.state
}

// Snapshot returns a copy of every known circuit's state.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	circuits := make([]*circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		circuits = append(circuits, c)
	}
	r.mu.RUnlock()

	now := r.now()
	stats := make([]Stats, 0, len(circuits))
	for _, c := range circuits {
		c.mu.Lock()
		c.pruneLocked(now)
		stats = append(stats, Stats{
			Provider:             c.name,
			State:                c.state.String(),
			ConsecutiveFailures:  c.consecutiveFailures,
			ConsecutiveSuccesses: c.consecutiveSuccesses,
			FailuresInWindow:     len(c.failures),
			RejectedRequests:     c.rejectedRequests,
			OpenedAt:             c.openedAt,
			LastChange:           c.lastChange,
		})
		c.mu.Unlock()
	}
	return stats
}
