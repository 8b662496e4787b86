package balancer

// Strategy implementations. All of them take the pre-filtered healthy set
// (in registration order) and must be called with the pool mutex held.

// selectWeightedLocked implements smooth weighted round robin: every healthy
// endpoint gains its configured weight, the largest cursor wins and pays the
// total back. Deterministic, and over N selections each endpoint is chosen
// proportionally to its weight within one unit.
func (p *pool) selectWeightedLocked(healthy []*endpoint) *endpoint {
	total := 0
	var best *endpoint
	for _, ep := range healthy {
		ep.currentWeight += ep.weight
		total += ep.weight
		if best == nil || ep.currentWeight > best.currentWeight {
			best = ep
		}
	}
	best.currentWeight -= total
	return best
}

// selectRoundRobinLocked cycles endpoints in registration order, skipping
// unhealthy ones. The cursor indexes the full endpoint list so health
// flapping does not reshuffle the cycle.
func (p *pool) selectRoundRobinLocked(healthy []*endpoint) *endpoint {
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.rrCursor+i)%n]
		if ep.healthy {
			p.rrCursor = (p.rrCursor + i + 1) % n
			return ep
		}
	}
	// healthy is non-empty, so the loop above always returns.
	return healthy[0]
}

// selectLeastConnectionsLocked picks the healthy endpoint with the fewest
// in-flight requests. Ties break by registration order.
func (p *pool) selectLeastConnectionsLocked(healthy []*endpoint) *endpoint {
	best := healthy[0]
	for _, ep := range healthy[1:] {
		if ep.activeRequests < best.activeRequests {
			best = ep
		}
	}
	return best
}

// selectLeastLatencyLocked picks the healthy endpoint with the smallest
// moving-average latency. Endpoints with no samples report average 0 and so
// get exercised at least once. Ties break by registration order.
func (p *pool) selectLeastLatencyLocked(healthy []*endpoint) *endpoint {
	best := healthy[0]
	for _, ep := range healthy[1:] {
		if ep.avgLatencyMs < best.avgLatencyMs {
			best = ep
		}
	}
	return best
}

// selectRandomLocked draws an endpoint at random, weighted by configured
// weight.
func (p *pool) selectRandomLocked(healthy []*endpoint) *endpoint {
	total := 0
	for _, ep := range healthy {
		total += ep.weight
	}
	pick := p.rng.Intn(total)
	for _, ep := range healthy {
		pick -= ep.weight
		if pick < 0 {
			return ep
		}
	}
	return healthy[len(healthy)-1]
}
