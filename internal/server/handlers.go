package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gorilla/mux"

	"routing-hub/internal/auth"
	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/common/validation"
	"routing-hub/internal/hub"
	"routing-hub/internal/knowledge"
	"routing-hub/internal/routing"
)

// Hub is the processing side the API drives
type Hub interface {
	ProcessMessage(ctx context.Context, msg *routing.Message) (hub.Result, error)
	DashboardUpdate() hub.Dashboard
	UpdateKnowledgeBase(ctx context.Context) (*knowledge.Insights, error)
}

// RouteAdmin exposes route health and the operator overrides
type RouteAdmin interface {
	ActivateRoute(routeID string) error
	DeactivateRoute(routeID string) error
	GetIntegrationHealth() routing.IntegrationHealth
}

// InsightsReader returns the latest stored insights
type InsightsReader interface {
	LatestInsights(ctx context.Context) (*knowledge.Insights, error)
}

type Handlers struct {
	hub      Hub
	routes   RouteAdmin
	insights InsightsReader
	auth     *auth.Auth
	health   func() map[string]string
	logger   logging.Logger
}

// MessageRequest is the body of POST /api/messages
type MessageRequest struct {
	ID       string                 `json:"id" validate:"omitempty,max=128"`
	Payload  map[string]interface{} `json:"payload" validate:"required"`
	Metadata map[string]string      `json:"metadata" validate:"omitempty,max=64,dive,keys,required,max=64,endkeys,max=1024"`
}

// MessageResponse is returned for every processed message
type MessageResponse struct {
	MessageID string `json:"message_id"`
	RouteID   string `json:"route_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// SubmitMessage routes one message
// @Summary Submit a message for routing
// @Success 202 {object} MessageResponse
// @Failure 502 {object} MessageResponse "Delivery over the chosen route failed"
// @Failure 503 {object} MessageResponse "No active route"
// @Router /messages [post]
func (h *Handlers) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validation.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := &routing.Message{ID: req.ID, Payload: req.Payload, Metadata: req.Metadata}
	result, err := h.hub.ProcessMessage(r.Context(), msg)
	resp := MessageResponse{MessageID: result.MessageID, RouteID: result.RouteID, Status: result.Status}
	switch {
	case err != nil:
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
	case result.Err != nil:
		resp.Error = result.Err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// GetDashboard returns monitoring metrics and route health
// @Router /dashboard [get]
func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.hub.DashboardUpdate())
}

// GetRoutes returns route health
// @Router /routes [get]
func (h *Handlers) GetRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.routes.GetIntegrationHealth())
}

func (h *Handlers) ActivateRoute(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, "activate", h.routes.ActivateRoute)
}

func (h *Handlers) DeactivateRoute(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, "deactivate", h.routes.DeactivateRoute)
}

func (h *Handlers) override(w http.ResponseWriter, r *http.Request, action string, apply func(string) error) {
	id := mux.Vars(r)["id"]
	if err := apply(id); err != nil {
		if stderrors.Is(err, routing.ErrRouteNotFound) {
			writeError(w, http.StatusNotFound, "route not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("Route override applied",
		logging.String("route_id", id),
		logging.String("action", action),
		logging.String("user_id", r.Header.Get("X-User-ID")),
	)
	for _, rh := range h.routes.GetIntegrationHealth().Routes {
		if rh.ID == id {
			writeJSON(w, http.StatusOK, rh)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// Retrain rebuilds the model from the knowledge base
// @Router /knowledge/retrain [post]
func (h *Handlers) Retrain(w http.ResponseWriter, r *http.Request) {
	insights, err := h.hub.UpdateKnowledgeBase(r.Context())
	if err != nil {
		if errors.IsType(err, errors.ErrTypeConfig) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (h *Handlers) GetInsights(w http.ResponseWriter, r *http.Request) {
	if h.insights == nil {
		writeError(w, http.StatusNotFound, "knowledge base is not configured")
		return
	}
	insights, err := h.insights.LatestInsights(r.Context())
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			writeError(w, http.StatusNotFound, "no insights yet")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

// RevokeToken blacklists the caller's own bearer token
func (h *Handlers) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Revoke(r.Context(), auth.BearerToken(r)); err != nil {
		if errors.IsType(err, errors.ErrTypeConfig) {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck reports transport status. It does not require auth.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var transports map[string]string
	if h.health != nil {
		transports = h.health()
		for _, s := range transports {
			if s != "ok" {
				status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"transports": transports,
	})
}
