package router

import (
	"encoding/json"
	"net/http"

	"github.com/routeguard/routeguard/internal/budget"
	"github.com/routeguard/routeguard/internal/routererr"
)

// completionRequest is the ingress wire shape. Scope identifiers for budget
// enforcement arrive as fields so the router stays agnostic of how the
// deployment authenticates callers.
type completionRequest struct {
	Route         string         `json:"route"`
	Model         string         `json:"model"`
	Body          map[string]any `json:"body"`
	FallbackOrder []string       `json:"fallback_order"`
	EstimatedCost float64        `json:"estimated_cost"`

	APIKey     string `json:"api_key,omitempty"`
	Team       string `json:"team,omitempty"`
	Department string `json:"department,omitempty"`
	User       string `json:"user,omitempty"`
	Tenant     string `json:"tenant,omitempty"`
}

type completionResponse struct {
	RequestID string           `json:"request_id"`
	Provider  string           `json:"provider"`
	Endpoint  string           `json:"endpoint"`
	Attempts  int              `json:"attempts"`
	Body      map[string]any   `json:"body"`
	Warnings  []budget.Warning `json:"warnings,omitempty"`
}

// ServeHTTP is the completion ingress: decode, run the pipeline, render the
// routed response or a classified error.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var in completionRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		routererr.WriteJSON(w, routererr.Wrap(routererr.KindInvalidRequest, "malformed request body", err))
		return
	}

	resp, err := r.Handle(req.Context(), &Request{
		Route:         in.Route,
		Model:         in.Model,
		Body:          in.Body,
		FallbackOrder: in.FallbackOrder,
		EstimatedCost: in.EstimatedCost,
		Budget: budget.RequestContext{
			APIKey:     in.APIKey,
			Team:       in.Team,
			Department: in.Department,
			User:       in.User,
			Tenant:     in.Tenant,
		},
	})
	if err != nil {
		routererr.WriteJSON(w, err)
		return
	}

	out := completionResponse{
		RequestID: resp.RequestID,
		Provider:  resp.Provider,
		Endpoint:  resp.Endpoint,
		Attempts:  resp.Attempts,
		Body:      resp.Body,
	}
	if resp.Decision != nil {
		out.Warnings = resp.Decision.Warnings
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
