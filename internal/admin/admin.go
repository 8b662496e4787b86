// Package admin exposes the configuration and observability surface of the
// router core: pool/breaker/budget/rule CRUD, manual circuit controls and
// the combined health dashboard. Deployments front it with their own
// authentication; none is applied here.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/routeguard/routeguard/internal/balancer"
	"github.com/routeguard/routeguard/internal/breaker"
	"github.com/routeguard/routeguard/internal/budget"
	"github.com/routeguard/routeguard/internal/logger"
	"github.com/routeguard/routeguard/internal/routererr"
	"github.com/routeguard/routeguard/internal/transform"
)

// Pinger reports ledger reachability for the health dashboard.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the admin API.
type Handler struct {
	balancer    *balancer.Balancer
	breakers    *breaker.Registry
	budgets     *budget.Enforcer
	transformer *transform.Transformer
	ledger      Pinger // nil when the ledger is disabled
	logger      *slog.Logger
}

func New(
	bal *balancer.Balancer,
	brk *breaker.Registry,
	bud *budget.Enforcer,
	trf *transform.Transformer,
	ledger Pinger,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		balancer:    bal,
		breakers:    brk,
		budgets:     bud,
		transformer: trf,
		ledger:      ledger,
		logger:      log,
	}
}

// Register attaches all admin routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/health", h.handleHealth)

	mux.HandleFunc("GET /admin/pools", h.handleListPools)
	mux.HandleFunc("PUT /admin/pools", h.handleRegisterPool)
	mux.HandleFunc("POST /admin/pools/{group}/reset", h.handleResetPool)
	mux.HandleFunc("POST /admin/pools/{group}/endpoints/{endpoint}/health", h.handleSetHealth)

	mux.HandleFunc("GET /admin/circuits", h.handleListCircuits)
	mux.HandleFunc("POST /admin/circuits/reset", h.handleResetAllCircuits)
	mux.HandleFunc("POST /admin/circuits/{provider}/open", h.handleForceOpen)
	mux.HandleFunc("POST /admin/circuits/{provider}/close", h.handleForceClose)
	mux.HandleFunc("POST /admin/circuits/{provider}/reset", h.handleResetCircuit)
	mux.HandleFunc("PUT /admin/circuits/{provider}/config", h.handleCircuitConfig)

	mux.HandleFunc("GET /admin/budgets", h.handleListBudgets)
	mux.HandleFunc("PUT /admin/budgets", h.handleUpsertBudget)
	mux.HandleFunc("DELETE /admin/budgets/{id}", h.handleDeleteBudget)
	mux.HandleFunc("POST /admin/budgets/{id}/enable", h.handleEnableBudget)
	mux.HandleFunc("POST /admin/budgets/{id}/disable", h.handleDisableBudget)

	mux.HandleFunc("GET /admin/routes", h.handleListRoutes)
	mux.HandleFunc("PUT /admin/routes", h.handleRegisterRoute)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		routererr.WriteJSON(w, routererr.Wrap(routererr.KindInvalidRequest, "malformed request body", err))
		return false
	}
	return true
}

// healthDashboard is the combined observability view.
type healthDashboard struct {
	Status   string               `json:"status"`
	Circuits []breaker.Stats      `json:"circuits"`
	Pools    []balancer.PoolStats `json:"pools"`
	Ledger   string               `json:"ledger"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	dash := healthDashboard{
		Status:   "ok",
		Circuits: h.breakers.Snapshot(),
		Pools:    h.balancer.Snapshot(),
		Ledger:   "disabled",
	}

	if h.ledger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ledger.Ping(ctx); err != nil {
			dash.Ledger = "unreachable"
			dash.Status = "degraded"
		} else {
			dash.Ledger = "ok"
		}
	}

	writeJSON(w, http.StatusOK, dash)
}

func (h *Handler) handleListPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.balancer.Snapshot())
}

type registerPoolRequest struct {
	Group     string                    `json:"group"`
	Strategy  balancer.Strategy         `json:"strategy"`
	Endpoints []balancer.EndpointConfig `json:"endpoints"`
}

func (h *Handler) handleRegisterPool(w http.ResponseWriter, r *http.Request) {
	var req registerPoolRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.balancer.RegisterPool(req.Group, req.Endpoints, req.Strategy); err != nil {
		routererr.WriteJSON(w, err)
		return
	}
	h.logger.Info("Admin registered pool", "group", req.Group, "strategy", req.Strategy)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "group": req.Group})
}

func (h *Handler) handleResetPool(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if err := h.balancer.ResetMetrics(group); err != nil {
		routererr.WriteJSON(w, err)
		return
	}
	h.logger.Info("Admin reset pool metrics", "group", group)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "group": group})
}

type setHealthRequest struct {
	Healthy bool `json:"healthy"`
}

func (h *Handler) handleSetHealth(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	endpointName := r.PathValue("endpoint")

	var req setHealthRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.balancer.SetHealth(group, endpointName, req.Healthy); err != nil {
		routererr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":    group,
		"endpoint": endpointName,
		"healthy":  req.Healthy,
	})
}

func (h *Handler) handleListCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.Snapshot())
}

func (h *Handler) handleForceOpen(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	h.breakers.ForceOpen(provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "state": "open"})
}

func (h *Handler) handleForceClose(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	h.breakers.ForceClose(provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "state": "closed"})
}

func (h *Handler) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	h.breakers.Reset(provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "state": "reset"})
}

func (h *Handler) handleResetAllCircuits(w http.ResponseWriter, _ *http.Request) {
	h.breakers.ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset_all"})
}

func (h *Handler) handleCircuitConfig(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	var cfg breaker.Config
	if !decodeBody(w, r, &cfg) {
		return
	}
	if err := h.breakers.SetOverride(provider, cfg); err != nil {
		routererr.WriteJSON(w, err)
		return
	}
	h.logger.Info("Admin set breaker override", "provider", provider)
	writeJSON(w, http.StatusOK, map[string]string{"provider": provider, "status": "configured"})
}

func (h *Handler) handleListBudgets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.budgets.Policies())
}

func (h *Handler) handleUpsertBudget(w http.ResponseWriter, r *http.Request) {
	var policy budget.Policy
	if !decodeBody(w, r, &policy) {
		return
	}
	if err := h.budgets.UpsertPolicy(policy); err != nil {
		routererr.WriteJSON(w, err)
		return
	}
	h.logger.Info("Admin upserted budget policy", "policy", policy.ID, "scope", policy.Scope)
	writeJSON(w, http.StatusOK, map[string]string{"policy": policy.ID, "status": "upserted"})
}

func (h *Handler) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.budgets.RemovePolicy(id)
	writeJSON(w, http.StatusOK, map[string]string{"policy": id, "status": "deleted"})
}

func (h *Handler) handleEnableBudget(w http.ResponseWriter, r *http.Request) {
	h.toggleBudget(w, r, true)
}

func (h *Handler) handleDisableBudget(w http.ResponseWriter, r *http.Request) {
	h.toggleBudget(w, r, false)
}

func (h *Handler) toggleBudget(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	if !h.budgets.SetEnabled(id, enabled) {
		routererr.WriteJSON(w, routererr.Newf(routererr.KindInvalidRequest, "budget policy %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": id, "enabled": enabled})
}

func (h *Handler) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.transformer.Routes())
}

type registerRouteRequest struct {
	Pattern string           `json:"pattern"`
	Rules   []transform.Rule `json:"rules"`
}

func (h *Handler) handleRegisterRoute(w http.ResponseWriter, r *http.Request) {
	var req registerRouteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.transformer.RegisterRouteRules(req.Pattern, req.Rules); err != nil {
		routererr.WriteJSON(w, err)
		return
	}
	h.logger.Info("Admin registered route rules", "route", req.Pattern, "rules", len(req.Rules))
	writeJSON(w, http.StatusOK, map[string]any{"route": req.Pattern, "rules": len(req.Rules)})
}
