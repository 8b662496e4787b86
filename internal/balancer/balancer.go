package balancer

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/monitoring"
	"github.com/routeguard/routeguard/internal/routererr"
)

// Strategy selects how a pool picks its next endpoint.
type Strategy string

const (
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLeastLatency       Strategy = "least_latency"
	StrategyRandom             Strategy = "random"
)

// ValidStrategy reports whether s is a known selection strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyWeightedRoundRobin, StrategyRoundRobin, StrategyLeastConnections,
		StrategyLeastLatency, StrategyRandom:
		return true
	}
	return false
}

// EndpointConfig describes one endpoint at pool registration time.
type EndpointConfig struct {
	Name   string `yaml:"name" json:"name"`
	Weight int    `yaml:"weight" json:"weight"`
}

// endpoint is the mutable per-endpoint state. Owned by its pool; all access
// goes through the pool mutex.
type endpoint struct {
	name    string
	weight  int
	healthy bool

	activeRequests int64
	totalRequests  int64
	avgLatencyMs   float64
	latencySamples int64
	lastUsedAt     time.Time

	// smooth weighted round robin cursor
	currentWeight int
}

// EndpointStats is a point-in-time copy of endpoint state for dashboards.
type EndpointStats struct {
	Name           string    `json:"name"`
	Weight         int       `json:"weight"`
	Healthy        bool      `json:"healthy"`
	ActiveRequests int64     `json:"active_requests"`
	TotalRequests  int64     `json:"total_requests"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	LastUsedAt     time.Time `json:"last_used_at"`
}

// PoolStats is a point-in-time copy of a pool's state.
type PoolStats struct {
	Group     string          `json:"group"`
	Strategy  Strategy        `json:"strategy"`
	Endpoints []EndpointStats `json:"endpoints"`
}

type pool struct {
	mu        sync.Mutex
	group     string
	strategy  Strategy
	endpoints []*endpoint
	index     map[string]int // O(1) lookup by name instead of O(n) search
	rrCursor  int
	rng       *rand.Rand
}

// Balancer holds named endpoint pools. The registry lock only guards the
// pools map; per-pool state has its own mutex so pools never contend on a
// shared lock.
type Balancer struct {
	mu     sync.RWMutex
	pools  map[string]*pool
	logger *slog.Logger
}

func New(log *slog.Logger) *Balancer {
	if log == nil {
		log = logger.Discard()
	}
	return &Balancer{
		pools:  make(map[string]*pool),
		logger: log,
	}
}

// RegisterPool replaces any existing pool of that name atomically. Endpoints
// start with zero counters and healthy = true.
func (b *Balancer) RegisterPool(group string, endpoints []EndpointConfig, strategy Strategy) error {
	if group == "" {
		return routererr.New(routererr.KindInvalidRequest, "pool group name is required")
	}
	if len(endpoints) == 0 {
		return routererr.Newf(routererr.KindInvalidRequest, "pool %q has no endpoints", group)
	}
	if !ValidStrategy(strategy) {
		return routererr.Newf(routererr.KindInvalidRequest, "pool %q: unknown strategy %q", group, strategy)
	}

	p := &pool{
		group:    group,
		strategy: strategy,
		index:    make(map[string]int, len(endpoints)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i, ec := range endpoints {
		if ec.Name == "" {
			return routererr.Newf(routererr.KindInvalidRequest, "pool %q: endpoint %d has no name", group, i)
		}
		if _, dup := p.index[ec.Name]; dup {
			return routererr.Newf(routererr.KindInvalidRequest, "pool %q: duplicate endpoint %q", group, ec.Name)
		}
		weight := ec.Weight
		if weight <= 0 {
			weight = 1
		}
		p.endpoints = append(p.endpoints, &endpoint{
			name:    ec.Name,
			weight:  weight,
			healthy: true,
		})
		p.index[ec.Name] = i
	}

	b.mu.Lock()
	b.pools[group] = p
	b.mu.Unlock()

	b.logger.Info("Pool registered",
		"group", group,
		"strategy", strategy,
		"endpoints", len(endpoints),
	)
	return nil
}

func (b *Balancer) getPool(group string) (*pool, error) {
	b.mu.RLock()
	p := b.pools[group]
	b.mu.RUnlock()
	if p == nil {
		monitoring.SelectionRejected.WithLabelValues("pool_not_found").Inc()
		return nil, routererr.Newf(routererr.KindPoolNotFound, "pool %q is not registered", group)
	}
	return p, nil
}

// Select picks an endpoint from the named pool according to its strategy.
// Unhealthy endpoints are never returned.
func (b *Balancer) Select(group string) (string, error) {
	p, err := b.getPool(group)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := p.healthyLocked()
	if len(healthy) == 0 {
		monitoring.SelectionRejected.WithLabelValues("no_healthy_endpoint").Inc()
		return "", routererr.Newf(routererr.KindNoHealthyEndpoint, "pool %q has no healthy endpoints", group)
	}

	var picked *endpoint
	switch p.strategy {
	case StrategyWeightedRoundRobin:
		picked = p.selectWeightedLocked(healthy)
	case StrategyRoundRobin:
		picked = p.selectRoundRobinLocked(healthy)
	case StrategyLeastConnections:
		picked = p.selectLeastConnectionsLocked(healthy)
	case StrategyLeastLatency:
		picked = p.selectLeastLatencyLocked(healthy)
	case StrategyRandom:
		picked = p.selectRandomLocked(healthy)
	default:
		picked = p.selectRoundRobinLocked(healthy)
	}

	return picked.name, nil
}

// MarkRequestStart increments the in-flight counter for an endpoint.
func (b *Balancer) MarkRequestStart(group, name string) error {
	p, err := b.getPool(group)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.byNameLocked(name)
	if ep == nil {
		return routererr.Newf(routererr.KindInvalidRequest, "pool %q: unknown endpoint %q", group, name)
	}
	ep.activeRequests++
	return nil
}

// MarkRequestEnd records request completion: decrements the in-flight
// counter, bumps the total and folds the observed latency into the
// exponential moving average. The first sample seeds the average directly.
func (b *Balancer) MarkRequestEnd(group, name string, latency time.Duration, success bool) error {
	p, err := b.getPool(group)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.byNameLocked(name)
	if ep == nil {
		return routererr.Newf(routererr.KindInvalidRequest, "pool %q: unknown endpoint %q", group, name)
	}

	if ep.activeRequests > 0 {
		ep.activeRequests--
	}
	ep.totalRequests++
	ep.lastUsedAt = time.Now().UTC()

	latencyMs := float64(latency.Milliseconds())
	if ep.latencySamples == 0 {
		ep.avgLatencyMs = latencyMs
	} else {
		ep.avgLatencyMs = ep.avgLatencyMs*0.8 + latencyMs*0.2
	}
	ep.latencySamples++

	// success does not affect endpoint health here: only the circuit breaker
	// (or an explicit SetHealth call) excludes endpoints from selection.
	_ = success
	return nil
}

// SetHealth marks an endpoint healthy or unhealthy. Intended for manual
// operator action or automated external health checks.
func (b *Balancer) SetHealth(group, name string, healthy bool) error {
	p, err := b.getPool(group)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.byNameLocked(name)
	if ep == nil {
		return routererr.Newf(routererr.KindInvalidRequest, "pool %q: unknown endpoint %q", group, name)
	}
	if ep.healthy != healthy {
		b.logger.Info("Endpoint health changed",
			"pool", group,
			"endpoint", name,
			"healthy", healthy,
		)
	}
	ep.healthy = healthy
	return nil
}

// ResetMetrics zeroes the counters of every endpoint in a pool. Health flags
// and weights are preserved.
func (b *Balancer) ResetMetrics(group string) error {
	p, err := b.getPool(group)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		ep.activeRequests = 0
		ep.totalRequests = 0
		ep.avgLatencyMs = 0
		ep.latencySamples = 0
		ep.lastUsedAt = time.Time{}
		ep.currentWeight = 0
	}
	p.rrCursor = 0
	return nil
}

// Snapshot returns a copy of every pool's current state.
func (b *Balancer) Snapshot() []PoolStats {
	b.mu.RLock()
	pools := make([]*pool, 0, len(b.pools))
	for _, p := range b.pools {
		pools = append(pools, p)
	}
	b.mu.RUnlock()

	stats := make([]PoolStats, 0, len(pools))
	for _, p := range pools {
		p.mu.Lock()
		ps := PoolStats{Group: p.group, Strategy: p.strategy}
		for _, ep := range p.endpoints {
			ps.Endpoints = append(ps.Endpoints, EndpointStats{
				Name:           ep.name,
				Weight:         ep.weight,
				Healthy:        ep.healthy,
				ActiveRequests: ep.activeRequests,
				TotalRequests:  ep.totalRequests,
				AvgLatencyMs:   ep.avgLatencyMs,
				LastUsedAt:     ep.lastUsedAt,
			})
		}
		p.mu.Unlock()
		stats = append(stats, ps)
	}
	return stats
}

// PoolNames returns the registered pool names.
func (b *Balancer) PoolNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.pools))
	for name := range b.pools {
		names = append(names, name)
	}
	return names
}

func (p *pool) byNameLocked(name string) *endpoint {
	idx, ok := p.index[name]
	if !ok {
		return nil
	}
	return p.endpoints[idx]
}

func (p *pool) healthyLocked() []*endpoint {
	healthy := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.healthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
