// Package router composes the transformer, budget enforcer, load balancer
// and circuit breaker registry into a single request pipeline with
// fallback-chain retry across providers.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/routeguard/routeguard/internal/balancer"
	"github.com/routeguard/routeguard/internal/breaker"
	"github.com/routeguard/routeguard/internal/budget"
	"github.com/routeguard/routeguard/internal/events"
	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/monitoring"
	"github.com/routeguard/routeguard/internal/routererr"
	"github.com/routeguard/routeguard/internal/transform"
)

// ProviderResponse is what an external provider invocation yields.
type ProviderResponse struct {
	Body      map[string]any
	TokensIn  int64
	TokensOut int64
	Cost      float64
}

// Invoker is the opaque external provider invocation. Implementations
// return classified errors (unavailable, quota_exceeded, payment_required,
// rate_limited, timeout) and honor ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, provider, model string, payload map[string]any) (*ProviderResponse, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, provider, model string, payload map[string]any) (*ProviderResponse, error)

func (f InvokerFunc) Invoke(ctx context.Context, provider, model string, payload map[string]any) (*ProviderResponse, error) {
	return f(ctx, provider, model, payload)
}

// Config holds orchestrator settings.
type Config struct {
	// MaxRetries bounds the number of fallback providers attempted per
	// request. Defaults to 3.
	MaxRetries int
	// DefaultTimeout applies to providers without an explicit timeout.
	DefaultTimeout time.Duration
	// ProviderTimeouts overrides the invocation timeout per provider.
	ProviderTimeouts map[string]time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
}

// Request is one inbound completion request to route.
type Request struct {
	Route         string
	Model         string
	Body          map[string]any
	FallbackOrder []string
	EstimatedCost float64
	Budget        budget.RequestContext
}

// Response is the routed result.
type Response struct {
	Body      map[string]any
	Provider  string
	Endpoint  string
	RequestID string
	Attempts  int
	TokensIn  int64
	TokensOut int64
	Decision  *budget.Decision
}

// Router is the per-request pipeline orchestrator. One pipeline instance
// runs per inbound request; instances share the injected components, whose
// own locking scopes contention to one provider or one pool.
type Router struct {
	balancer    *balancer.Balancer
	breakers    *breaker.Registry
	budgets     *budget.Enforcer
	transformer *transform.Transformer
	invoker     Invoker
	bus         *events.Bus

	cfg     Config
	logger  *slog.Logger
	metrics *monitoring.Metrics
	jitter  func() time.Duration
}

func New(
	bal *balancer.Balancer,
	brk *breaker.Registry,
	bud *budget.Enforcer,
	trf *transform.Transformer,
	invoker Invoker,
	bus *events.Bus,
	cfg Config,
	log *slog.Logger,
	metrics *monitoring.Metrics,
) *Router {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Discard()
	}
	return &Router{
		balancer:    bal,
		breakers:    brk,
		budgets:     bud,
		transformer: trf,
		invoker:     invoker,
		bus:         bus,
		cfg:         cfg,
		logger:      log,
		metrics:     metrics,
		// 0-50ms between fallback attempts to avoid a thundering herd when
		// many requests fail over simultaneously.
		jitter: func() time.Duration {
			return time.Duration(rand.Intn(50)) * time.Millisecond
		},
	}
}

// Handle runs the full pipeline for one request.
func (r *Router) Handle(ctx context.Context, req *Request) (*Response, error) {
	if req.Model == "" {
		return nil, routererr.New(routererr.KindInvalidRequest, "model is required")
	}
	if len(req.FallbackOrder) == 0 {
		return nil, routererr.New(routererr.KindInvalidRequest, "fallback order is empty")
	}

	requestID := uuid.NewString()
	rctx := transform.Context{
		"request_id": requestID,
		"tenant_id":  req.Budget.Tenant,
		"user_id":    req.Budget.User,
		"team_id":    req.Budget.Team,
	}

	body, err := r.transformer.TransformRequest(req.Route, req.Body, rctx)
	if err != nil {
		r.logger.Error("Request transformation failed",
			"request_id", requestID,
			"route", req.Route,
			"error", err,
		)
		return nil, err
	}

	budgetReq := req.Budget
	budgetReq.Model = req.Model
	decision := r.budgets.CheckAndReserve(ctx, budgetReq, req.EstimatedCost)
	for _, w := range decision.Warnings {
		r.logger.Warn("Budget warning",
			"request_id", requestID,
			"policy", w.PolicyID,
			"scope", w.Scope,
			"level", w.Level,
		)
	}
	if !decision.Allowed {
		// Fail fast: no provider is attempted and nothing is retried.
		return nil, routererr.Newf(routererr.KindBudgetExceeded,
			"budget exceeded for scope %s (%s): spend %.2f + cost %.2f > limit %.2f",
			decision.Scope, decision.ScopeID, decision.CurrentSpend, req.EstimatedCost, decision.Limit,
		).WithRetryAfter(decision.RetryAfter)
	}

	resp, err := r.runFallbackChain(ctx, req, requestID, body)
	if err != nil {
		return nil, err
	}

	resp.Body, err = r.transformer.TransformResponse(req.Route, resp.Body, rctx)
	if err != nil {
		r.logger.Error("Response transformation failed",
			"request_id", requestID,
			"route", req.Route,
			"error", err,
		)
		return nil, err
	}
	resp.RequestID = requestID
	resp.Decision = decision
	return resp, nil
}

// runFallbackChain tries each provider in order until one succeeds, bounded
// by MaxRetries attempts.
func (r *Router) runFallbackChain(ctx context.Context, req *Request, requestID string, body map[string]any) (*Response, error) {
	var lastErr error
	attempts := 0

	for i, provider := range req.FallbackOrder {
		if attempts >= r.cfg.MaxRetries {
			break
		}
		if err := ctx.Err(); err != nil {
			lastErr = routererr.Wrap(routererr.KindTimeout, "request cancelled", err)
			break
		}
		attempts++
		monitoring.FallbackAttempts.WithLabelValues(provider).Inc()

		resp, err := r.attemptProvider(ctx, req, requestID, provider, body)
		if err == nil {
			resp.Attempts = attempts
			return resp, nil
		}
		lastErr = err

		switch routererr.KindOf(err) {
		case routererr.KindCircuitOpen, routererr.KindNoHealthyEndpoint, routererr.KindPoolNotFound:
			// Recovered locally: advance the chain immediately, no backoff.
			r.logger.Debug("Provider skipped",
				"request_id", requestID,
				"provider", provider,
				"reason", routererr.KindOf(err),
			)
		default:
			r.logger.Warn("Provider attempt failed",
				"request_id", requestID,
				"provider", provider,
				"attempt", attempts,
				"error", err,
			)
			// Backoff only makes sense when another provider will be tried;
			// the terminal failure returns immediately.
			if attempts < r.cfg.MaxRetries && i < len(req.FallbackOrder)-1 {
				time.Sleep(r.jitter())
			}
		}
	}

	return nil, routererr.Wrap(routererr.KindProviderUnavailable,
		"all fallback providers exhausted", lastErr)
}

// attemptProvider runs one provider attempt: endpoint selection, breaker
// admission, invocation and metric recording. Endpoint counters are only
// touched once the breaker admits the call.
func (r *Router) attemptProvider(ctx context.Context, req *Request, requestID, provider string, body map[string]any) (*Response, error) {
	endpointName, err := r.balancer.Select(provider)
	if err != nil {
		return nil, err
	}

	var (
		resp    *ProviderResponse
		latency time.Duration
	)
	err = r.breakers.Execute(ctx, provider, func(ctx context.Context) error {
		if err := r.balancer.MarkRequestStart(provider, endpointName); err != nil {
			return err
		}

		invokeCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(provider))
		defer cancel()

		start := time.Now()
		var invokeErr error
		resp, invokeErr = r.invoker.Invoke(invokeCtx, provider, req.Model, body)
		latency = time.Since(start)

		success := invokeErr == nil
		if endErr := r.balancer.MarkRequestEnd(provider, endpointName, latency, success); endErr != nil {
			r.logger.Error("Failed to record request end",
				"provider", provider,
				"endpoint", endpointName,
				"error", endErr,
			)
		}
		r.metrics.RecordRequest(provider, endpointName, success, latency)

		if invokeErr != nil {
			if errors.Is(invokeErr, context.DeadlineExceeded) {
				return routererr.Wrap(routererr.KindTimeout, "provider invocation timed out", invokeErr)
			}
			return invokeErr
		}
		return nil
	})
	if err != nil {
		if routererr.KindOf(err) != routererr.KindCircuitOpen {
			r.emitUsage(req, requestID, provider, endpointName, latency, nil, false)
		}
		return nil, err
	}

	r.emitUsage(req, requestID, provider, endpointName, latency, resp, true)
	return &Response{
		Body:      resp.Body,
		Provider:  provider,
		Endpoint:  endpointName,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	}, nil
}

func (r *Router) timeoutFor(provider string) time.Duration {
	if d, ok := r.cfg.ProviderTimeouts[provider]; ok && d > 0 {
		return d
	}
	return r.cfg.DefaultTimeout
}

func (r *Router) emitUsage(req *Request, requestID, provider, endpoint string, latency time.Duration, resp *ProviderResponse, success bool) {
	if r.bus == nil {
		return
	}
	ev := events.UsageEvent{
		RequestID:  requestID,
		Provider:   provider,
		Endpoint:   endpoint,
		Model:      req.Model,
		LatencyMs:  latency.Milliseconds(),
		Success:    success,
		Cost:       req.EstimatedCost,
		APIKey:     req.Budget.APIKey,
		Team:       req.Budget.Team,
		Department: req.Budget.Department,
		User:       req.Budget.User,
		Tenant:     req.Budget.Tenant,
	}
	if resp != nil {
		ev.TokensIn = resp.TokensIn
		ev.TokensOut = resp.TokensOut
		if resp.Cost > 0 {
			ev.Cost = resp.Cost
		}
	}
	r.bus.PublishUsage(ev)
}
