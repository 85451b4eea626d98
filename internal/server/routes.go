package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"routing-hub/internal/auth"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/middleware"
)

// Options wires the optional pieces of the API
type Options struct {
	Auth     *auth.Auth               // nil leaves /api open
	Limiter  *middleware.RateLimiter  // nil disables rate limiting
	Metrics  http.Handler             // served on /metrics when set
	Insights InsightsReader           // backs GET /api/knowledge/insights
	Health   func() map[string]string // transport status for /health
	Logger   logging.Logger
}

// NewRouter builds the HTTP routes
func NewRouter(h Hub, routes RouteAdmin, opts Options) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	handlers := &Handlers{
		hub:      h,
		routes:   routes,
		insights: opts.Insights,
		auth:     opts.Auth,
		health:   opts.Health,
		logger:   logger.WithFields(logging.Component("api")),
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.Logging(logger), middleware.Recover(logger))

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()
	if opts.Auth != nil {
		api.Use(opts.Auth.RequireAuth)
	}
	if opts.Limiter != nil {
		api.Use(opts.Limiter.Middleware(middleware.ClientKey))
	}

	api.HandleFunc("/messages", handlers.SubmitMessage).Methods(http.MethodPost)
	api.HandleFunc("/dashboard", handlers.GetDashboard).Methods(http.MethodGet)
	api.HandleFunc("/routes", handlers.GetRoutes).Methods(http.MethodGet)
	api.HandleFunc("/routes/health", handlers.GetRoutes).Methods(http.MethodGet)
	api.HandleFunc("/routes/{id}/activate", handlers.ActivateRoute).Methods(http.MethodPost)
	api.HandleFunc("/routes/{id}/deactivate", handlers.DeactivateRoute).Methods(http.MethodPost)
	api.HandleFunc("/knowledge/retrain", handlers.Retrain).Methods(http.MethodPost)
	api.HandleFunc("/knowledge/insights", handlers.GetInsights).Methods(http.MethodGet)
	if opts.Auth != nil {
		api.HandleFunc("/auth/revoke", handlers.RevokeToken).Methods(http.MethodPost)
	}

	return router
}
