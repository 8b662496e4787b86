// Package budget implements hierarchical spend-limit enforcement. The
// enforcer only compares spend against limits; actual spend is advisory
// input read from an external ledger and never mutated here.
package budget

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/routeguard/routeguard/internal/events"
	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/monitoring"
	"github.com/routeguard/routeguard/internal/routererr"
)

// ScopeKind is a level at which a spend ceiling is enforced.
type ScopeKind string

const (
	ScopeAPIKey     ScopeKind = "api_key"
	ScopeTeam       ScopeKind = "team"
	ScopeDepartment ScopeKind = "department"
	ScopeUser       ScopeKind = "user"
	ScopeTenant     ScopeKind = "tenant"
	ScopeGlobal     ScopeKind = "global"
)

// scopeOrder is the strict evaluation order of the hierarchy.
var scopeOrder = []ScopeKind{
	ScopeAPIKey, ScopeTeam, ScopeDepartment, ScopeUser, ScopeTenant, ScopeGlobal,
}

// ValidScope reports whether k is a known scope kind.
func ValidScope(k ScopeKind) bool {
	for _, s := range scopeOrder {
		if s == k {
			return true
		}
	}
	return false
}

// Period is the reset window of a budget. Boundaries are defined by the
// external ledger; the enforcer only passes the period through.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Action decides what happens when a scope's limit would be exceeded.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
)

// Thresholds are informational alert levels as percentages of the limit.
// They never change the block/warn decision.
type Thresholds struct {
	Soft     float64 `yaml:"soft" json:"soft"`
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Policy is one spend ceiling attached to a scope kind.
type Policy struct {
	ID          string     `yaml:"id" json:"id"`
	Scope       ScopeKind  `yaml:"scope" json:"scope"`
	Enabled     bool       `yaml:"enabled" json:"enabled"`
	Limit       float64    `yaml:"limit" json:"limit"`
	Period      Period     `yaml:"period" json:"period"`
	Action      Action     `yaml:"action" json:"action"`
	ModelFilter []string   `yaml:"model_filter" json:"model_filter,omitempty"`
	Thresholds  Thresholds `yaml:"thresholds" json:"thresholds"`
}

func (p Policy) matchesModel(model string) bool {
	if len(p.ModelFilter) == 0 {
		return true
	}
	for _, m := range p.ModelFilter {
		if m == model {
			return true
		}
	}
	return false
}

// RequestContext identifies who is spending.
type RequestContext struct {
	APIKey     string
	Team       string
	Department string
	User       string
	Tenant     string
	Model      string
}

// scopeID resolves the ledger id for a scope kind, reporting whether the
// context carries that scope at all. Global always applies.
func (c RequestContext) scopeID(kind ScopeKind) (string, bool) {
	switch kind {
	case ScopeAPIKey:
		return c.APIKey, c.APIKey != ""
	case ScopeTeam:
		return c.Team, c.Team != ""
	case ScopeDepartment:
		return c.Department, c.Department != ""
	case ScopeUser:
		return c.User, c.User != ""
	case ScopeTenant:
		return c.Tenant, c.Tenant != ""
	case ScopeGlobal:
		return "global", true
	}
	return "", false
}

// SpendReader is the external ledger read collaborator.
type SpendReader interface {
	CurrentSpend(ctx context.Context, scope ScopeKind, scopeID string, period Period) (float64, error)
}

// Warning annotates a decision with a scope that exceeded its limit under
// action=warn, or crossed an informational threshold.
type Warning struct {
	PolicyID     string    `json:"policy_id"`
	Scope        ScopeKind `json:"scope"`
	ScopeID      string    `json:"scope_id"`
	Limit        float64   `json:"limit"`
	CurrentSpend float64   `json:"current_spend"`
	Level        string    `json:"level"` // soft | warning | critical | exceeded
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Failing scope details, set when Allowed is false.
	PolicyID     string        `json:"policy_id,omitempty"`
	Scope        ScopeKind     `json:"scope,omitempty"`
	ScopeID      string        `json:"scope_id,omitempty"`
	Limit        float64       `json:"limit,omitempty"`
	CurrentSpend float64       `json:"current_spend,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// Enforcer evaluates budget policies in hierarchy order.
type Enforcer struct {
	mu       sync.RWMutex
	policies map[string]Policy

	reader SpendReader
	cache  *spendCache
	alerts events.AlertPublisher
	logger *slog.Logger
	now    func() time.Time
}

// New creates an enforcer over the given ledger reader. cacheSize and
// cacheTTL bound the spend-read cache; zero values pick defaults.
func New(reader SpendReader, cacheSize int, cacheTTL time.Duration, log *slog.Logger) (*Enforcer, error) {
	if log == nil {
		log = logger.Discard()
	}
	cache, err := newSpendCache(cacheSize, cacheTTL)
	if err != nil {
		return nil, err
	}
	return &Enforcer{
		policies: make(map[string]Policy),
		reader:   reader,
		cache:    cache,
		logger:   log,
		now:      time.Now,
	}, nil
}

// SetAlertPublisher wires budget alerts to an event publisher.
func (e *Enforcer) SetAlertPublisher(p events.AlertPublisher) {
	e.alerts = p
}

// SetPolicies replaces the full policy set.
func (e *Enforcer) SetPolicies(policies []Policy) error {
	next := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if err := validatePolicy(p); err != nil {
			return err
		}
		next[p.ID] = p
	}

	e.mu.Lock()
	e.policies = next
	e.mu.Unlock()
	e.cache.Flush()
	return nil
}

// UpsertPolicy adds or replaces one policy.
func (e *Enforcer) UpsertPolicy(p Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	e.mu.Lock()
	e.policies[p.ID] = p
	e.mu.Unlock()
	e.cache.Flush()
	return nil
}

// RemovePolicy deletes a policy by id.
func (e *Enforcer) RemovePolicy(id string) {
	e.mu.Lock()
	delete(e.policies, id)
	e.mu.Unlock()
	e.cache.Flush()
}

// SetEnabled toggles a policy. Returns false if the policy does not exist.
func (e *Enforcer) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	p, ok := e.policies[id]
	if ok {
		p.Enabled = enabled
		e.policies[id] = p
	}
	e.mu.Unlock()
	if ok {
		e.cache.Flush()
		e.logger.Info("Budget policy toggled", "policy", id, "enabled", enabled)
	}
	return ok
}

// Policies returns a copy of all policies, ordered by scope hierarchy then id.
func (e *Enforcer) Policies() []Policy {
	e.mu.RLock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := scopeRank(out[i].Scope), scopeRank(out[j].Scope)
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func scopeRank(k ScopeKind) int {
	for i, s := range scopeOrder {
		if s == k {
			return i
		}
	}
	return len(scopeOrder)
}

func validatePolicy(p Policy) error {
	if p.ID == "" {
		return routererr.New(routererr.KindInvalidRequest, "budget: policy id is required")
	}
	if !ValidScope(p.Scope) {
		return routererr.Newf(routererr.KindInvalidRequest, "budget: policy %q has unknown scope %q", p.ID, p.Scope)
	}
	if p.Limit <= 0 {
		return routererr.Newf(routererr.KindInvalidRequest, "budget: policy %q limit must be positive", p.ID)
	}
	if p.Period != PeriodDaily && p.Period != PeriodMonthly {
		return routererr.Newf(routererr.KindInvalidRequest, "budget: policy %q has unknown period %q", p.ID, p.Period)
	}
	if p.Action != ActionBlock && p.Action != ActionWarn {
		return routererr.Newf(routererr.KindInvalidRequest, "budget: policy %q has unknown action %q", p.ID, p.Action)
	}
	return nil
}

// CheckAndReserve evaluates all applicable policies in strict hierarchy
// order. The first violated block policy stops evaluation; warn policies
// annotate the decision and never stop it.
func (e *Enforcer) CheckAndReserve(ctx context.Context, req RequestContext, estimatedCost float64) *Decision {
	decision := &Decision{Allowed: true}

	for _, kind := range scopeOrder {
		scopeID, present := req.scopeID(kind)
		if !present {
			continue
		}
		for _, p := range e.policiesForScope(kind) {
			if !p.Enabled || !p.matchesModel(req.Model) {
				continue
			}

			spend, err := e.currentSpend(ctx, kind, scopeID, p.Period)
			if err != nil {
				// Advisory input: a ledger read failure must not take the
				// router down, so the policy is skipped with a warning.
				e.logger.Warn("Budget ledger read failed, skipping policy",
					"policy", p.ID,
					"scope", kind,
					"scope_id", scopeID,
					"error", err,
				)
				continue
			}

			projected := spend + estimatedCost
			if projected > p.Limit {
				if p.Action == ActionBlock {
					decision.Allowed = false
					decision.PolicyID = p.ID
					decision.Scope = kind
					decision.ScopeID = scopeID
					decision.Limit = p.Limit
					decision.CurrentSpend = spend
					decision.RetryAfter = untilPeriodReset(p.Period, e.now().UTC())
					monitoring.BudgetDecisions.WithLabelValues("block").Inc()
					e.publishAlert(events.AlertBudgetExceeded, p, kind, scopeID, spend)
					return decision
				}
				decision.Warnings = append(decision.Warnings, Warning{
					PolicyID:     p.ID,
					Scope:        kind,
					ScopeID:      scopeID,
					Limit:        p.Limit,
					CurrentSpend: spend,
					Level:        "exceeded",
				})
				e.publishAlert(events.AlertBudgetWarning, p, kind, scopeID, spend)
				continue
			}

			if level := thresholdLevel(p.Thresholds, projected, p.Limit); level != "" {
				decision.Warnings = append(decision.Warnings, Warning{
					PolicyID:     p.ID,
					Scope:        kind,
					ScopeID:      scopeID,
					Limit:        p.Limit,
					CurrentSpend: spend,
					Level:        level,
				})
				if level == "critical" {
					e.publishAlert(events.AlertBudgetWarning, p, kind, scopeID, spend)
				}
			}
		}
	}

	if len(decision.Warnings) > 0 {
		monitoring.BudgetDecisions.WithLabelValues("warn").Inc()
	} else {
		monitoring.BudgetDecisions.WithLabelValues("allow").Inc()
	}
	return decision
}

func (e *Enforcer) policiesForScope(kind ScopeKind) []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Policy
	for _, p := range e.policies {
		if p.Scope == kind {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Enforcer) currentSpend(ctx context.Context, kind ScopeKind, scopeID string, period Period) (float64, error) {
	if amount, ok := e.cache.Get(kind, scopeID, period); ok {
		return amount, nil
	}
	if e.reader == nil {
		return 0, nil
	}
	amount, err := e.reader.CurrentSpend(ctx, kind, scopeID, period)
	if err != nil {
		return 0, err
	}
	e.cache.Set(kind, scopeID, period, amount)
	return amount, nil
}

func (e *Enforcer) publishAlert(kind events.AlertKind, p Policy, scope ScopeKind, scopeID string, spend float64) {
	if e.alerts == nil {
		return
	}
	e.alerts.PublishAlert(events.AlertEvent{
		Kind: kind,
		Context: map[string]string{
			"policy":        p.ID,
			"scope":         string(scope),
			"scope_id":      scopeID,
			"limit":         formatAmount(p.Limit),
			"current_spend": formatAmount(spend),
		},
	})
}

// thresholdLevel returns the highest informational level crossed, or "".
func thresholdLevel(t Thresholds, projected, limit float64) string {
	pct := projected / limit * 100
	switch {
	case t.Critical > 0 && pct >= t.Critical:
		return "critical"
	case t.Warning > 0 && pct >= t.Warning:
		return "warning"
	case t.Soft > 0 && pct >= t.Soft:
		return "soft"
	}
	return ""
}

// untilPeriodReset computes the suggested retry delay: time to the next UTC
// period boundary.
func untilPeriodReset(period Period, now time.Time) time.Duration {
	var reset time.Time
	switch period {
	case PeriodMonthly:
		reset = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		reset = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	return reset.Sub(now)
}
