// Package transform applies ordered, per-route rule chains that reshape
// outbound requests and inbound responses. Rules are pure over
// (body, context): they never touch balancer, breaker or budget state.
package transform

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/routererr"
)

// Operation is the kind of mutation a rule performs.
type Operation string

const (
	OpInjectField        Operation = "inject_field"
	OpCapValue           Operation = "cap_value"
	OpInjectSystemPrompt Operation = "inject_system_prompt"
	OpFilterField        Operation = "filter_field"
	OpAddMetadata        Operation = "add_metadata"
)

// Phase is the pipeline side a chain is being applied on.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// allowedPhases maps each operation to where it may run. Using an operation
// in the wrong phase is a configuration error surfaced per rule.
var allowedPhases = map[Operation]map[Phase]bool{
	OpInjectField:        {PhaseRequest: true, PhaseResponse: true},
	OpCapValue:           {PhaseRequest: true},
	OpInjectSystemPrompt: {PhaseRequest: true},
	OpFilterField:        {PhaseResponse: true},
	OpAddMetadata:        {PhaseResponse: true},
}

// Condition is a predicate over context variables, e.g. {Var: "tenant_id",
// Equals: "acme"}. A nil condition always matches.
type Condition struct {
	Var    string `yaml:"var" json:"var"`
	Equals string `yaml:"equals" json:"equals"`
}

// Rule is one step in a route's chain. Rules apply in ascending Order;
// later rules see the output of earlier ones.
type Rule struct {
	Order     int        `yaml:"order" json:"order"`
	Enabled   bool       `yaml:"enabled" json:"enabled"`
	Operation Operation  `yaml:"operation" json:"operation"`
	FieldPath string     `yaml:"field_path" json:"field_path"`
	Value     any        `yaml:"value" json:"value"`
	Condition *Condition `yaml:"condition" json:"condition,omitempty"`
}

// Context carries request-scoped variables rule conditions evaluate
// against (tenant_id, user_id, request_id, ...).
type Context map[string]string

// chainRule pairs a rule with its index in the array it was registered
// with, so errors point at the entry the operator actually submitted
// rather than its position after Order sorting.
type chainRule struct {
	Rule
	pos int
}

// Transformer holds rule chains keyed by route pattern.
type Transformer struct {
	mu     sync.RWMutex
	routes map[string][]chainRule
	logger *slog.Logger
}

func New(log *slog.Logger) *Transformer {
	if log == nil {
		log = logger.Discard()
	}
	return &Transformer{
		routes: make(map[string][]chainRule),
		logger: log,
	}
}

// RegisterRouteRules replaces the rule chain for a route wholesale. The
// chain is stored sorted by Order.
func (t *Transformer) RegisterRouteRules(route string, rules []Rule) error {
	if route == "" {
		return routererr.New(routererr.KindInvalidRequest, "transform: route pattern is required")
	}
	for i, r := range rules {
		if _, known := allowedPhases[r.Operation]; !known {
			return routererr.Newf(routererr.KindTransformation,
				"route %q rule %d: unknown operation %q", route, i, r.Operation)
		}
		if r.FieldPath == "" && r.Operation != OpInjectSystemPrompt {
			return routererr.Newf(routererr.KindTransformation,
				"route %q rule %d (%s): field_path is required", route, i, r.Operation)
		}
	}

	sorted := make([]chainRule, len(rules))
	for i, r := range rules {
		sorted[i] = chainRule{Rule: r, pos: i}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	t.mu.Lock()
	t.routes[route] = sorted
	t.mu.Unlock()

	t.logger.Info("Route rules registered", "route", route, "rules", len(rules))
	return nil
}

// Routes returns a copy of all registered chains.
func (t *Transformer) Routes() map[string][]Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]Rule, len(t.routes))
	for route, chain := range t.routes {
		rules := make([]Rule, len(chain))
		for i, cr := range chain {
			rules[i] = cr.Rule
		}
		out[route] = rules
	}
	return out
}

// TransformRequest applies the route's chain to an outbound request body.
// The input body is never mutated.
func (t *Transformer) TransformRequest(route string, body map[string]any, rctx Context) (map[string]any, error) {
	return t.apply(route, PhaseRequest, body, rctx)
}

// TransformResponse applies the route's chain to an inbound response body.
// The input body is never mutated.
func (t *Transformer) TransformResponse(route string, body map[string]any, rctx Context) (map[string]any, error) {
	return t.apply(route, PhaseResponse, body, rctx)
}

func (t *Transformer) apply(route string, phase Phase, body map[string]any, rctx Context) (map[string]any, error) {
	t.mu.RLock()
	rules := t.routes[route]
	t.mu.RUnlock()

	out := cloneBody(body)
	if out == nil {
		out = make(map[string]any)
	}

	for _, cr := range rules {
		if !cr.Enabled {
			continue
		}
		if !matches(cr.Condition, rctx) {
			continue
		}
		if !allowedPhases[cr.Operation][phase] {
			return nil, routererr.Newf(routererr.KindTransformation,
				"route %q rule %d: operation %q is not valid in %s phase", route, cr.pos, cr.Operation, phase)
		}
		if err := applyRule(cr.Rule, out, rctx); err != nil {
			return nil, routererr.Wrap(routererr.KindTransformation,
				fmt.Sprintf("route %q rule %d failed", route, cr.pos), err)
		}
	}
	return out, nil
}

func matches(c *Condition, rctx Context) bool {
	if c == nil {
		return true
	}
	return rctx[c.Var] == c.Equals
}

func applyRule(rule Rule, body map[string]any, rctx Context) error {
	switch rule.Operation {
	case OpInjectField:
		return setPath(body, rule.FieldPath, rule.Value)

	case OpCapValue:
		return applyCapValue(rule, body)

	case OpInjectSystemPrompt:
		return applyInjectSystemPrompt(rule, body)

	case OpFilterField:
		return deletePath(body, rule.FieldPath)

	case OpAddMetadata:
		return applyAddMetadata(rule, body, rctx)
	}
	return routererr.Newf(routererr.KindTransformation, "unknown operation %q", rule.Operation)
}

// applyCapValue clamps the numeric value at the field path down to the cap.
// It never raises a value and leaves non-numeric or absent fields untouched.
func applyCapValue(rule Rule, body map[string]any) error {
	ceiling, ok := asFloat(rule.Value)
	if !ok {
		return routererr.Newf(routererr.KindTransformation,
			"cap_value at %q: rule value %v is not numeric", rule.FieldPath, rule.Value)
	}

	current, exists, err := getPath(body, rule.FieldPath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	value, ok := asFloat(current)
	if !ok {
		return nil
	}
	if value > ceiling {
		return setPath(body, rule.FieldPath, ceiling)
	}
	return nil
}

// applyInjectSystemPrompt prepends a system-role message unless one with
// identical content already exists, so repeated application is idempotent.
func applyInjectSystemPrompt(rule Rule, body map[string]any) error {
	prompt, ok := rule.Value.(string)
	if !ok {
		return routererr.Newf(routererr.KindTransformation,
			"inject_system_prompt: rule value %v is not a string", rule.Value)
	}

	var messages []any
	if raw, exists := body["messages"]; exists {
		messages, ok = raw.([]any)
		if !ok {
			return routererr.New(routererr.KindTransformation,
				"inject_system_prompt: messages field is not an array")
		}
	}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if msg["role"] == "system" && msg["content"] == prompt {
			return nil
		}
	}

	injected := map[string]any{"role": "system", "content": prompt}
	body["messages"] = append([]any{injected}, messages...)
	return nil
}

// applyAddMetadata sets gateway-added keys at the field path, merging the
// rule value (an object) and the request correlation id when available.
func applyAddMetadata(rule Rule, body map[string]any, rctx Context) error {
	meta := make(map[string]any)

	if existing, exists, err := getPath(body, rule.FieldPath); err != nil {
		return err
	} else if exists {
		if m, ok := existing.(map[string]any); ok {
			for k, v := range m {
				meta[k] = v
			}
		}
	}

	switch v := rule.Value.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			meta[k] = val
		}
	default:
		return routererr.Newf(routererr.KindTransformation,
			"add_metadata at %q: rule value must be an object, got %T", rule.FieldPath, rule.Value)
	}

	if requestID := rctx["request_id"]; requestID != "" {
		meta["request_id"] = requestID
	}
	return setPath(body, rule.FieldPath, meta)
}
