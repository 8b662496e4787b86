package breaker

import "time"

// Manual operator overrides. These bypass the normal transition rules and
// are logged as operator actions, separate from automatic transitions, so
// both remain auditable.

// ForceOpen puts a provider's circuit into OPEN regardless of its history.
// Used for maintenance windows.
func (r *Registry) ForceOpen(provider string) {
	c := r.getOrCreate(provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	r.logger.Warn("Operator forced circuit open", "provider", provider)
	if c.state != StateOpen {
		r.transitionLocked(c, StateOpen, "operator_force_open")
		return
	}
	// Already open: extend the cool-down from now.
	c.openedAt = r.now()
}

// ForceClose puts a provider's circuit into CLOSED and clears its failure
// window.
func (r *Registry) ForceClose(provider string) {
	c := r.getOrCreate(provider)

	c.mu.Lock()
	defer c.mu.Unlock()

	r.logger.Warn("Operator forced circuit closed", "provider", provider)
	c.failures = c.failures[:0]
	if c.state != StateClosed {
		r.transitionLocked(c, StateClosed, "operator_force_close")
	}
}

// Reset restores a provider's circuit to its initial CLOSED state, clearing
// all counters and re-resolving any config override.
func (r *Registry) Reset(provider string) {
	r.mu.RLock()
	c := r.circuits[provider]
	cfg := r.configFor(provider)
	r.mu.RUnlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r.logger.Warn("Operator reset circuit", "provider", provider)
	c.cfg = cfg
	c.failures = c.failures[:0]
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.rejectedRequests = 0
	c.halfOpenInFlight = 0
	c.openedAt = time.Time{}
	if c.state != StateClosed {
		r.transitionLocked(c, StateClosed, "operator_reset")
	}
}

// ResetAll resets every known circuit.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.Reset(name)
	}
}
