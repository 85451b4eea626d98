package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"routing-hub/internal/circuitbreaker"
	"routing-hub/internal/common/logging"
)

// RouteHealth describes one route in an IntegrationHealth report
type RouteHealth struct {
	ID           string    `json:"id"`
	Active       bool      `json:"active"`
	FailureCount int       `json:"failure_count"`
	LastOutcome  Outcome   `json:"last_outcome"`
	State        string    `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IntegrationHealth is a read-only snapshot of route health
type IntegrationHealth struct {
	TotalRoutes   int            `json:"total_routes"`
	ActiveRoutes  int            `json:"active_routes"`
	FailureCounts map[string]int `json:"per_route_failure_counts"`
	Routes        []RouteHealth  `json:"routes"`
	CheckedAt     time.Time      `json:"checked_at"`
}

// StateReader exposes breaker state for health reports
type StateReader interface {
	State(routeID string) circuitbreaker.State
}

// Router selects routes for messages and turns delivery outcomes into route
// health changes and policy feedback.
type Router struct {
	table   *RouteTable
	policy  Policy
	breaker Breaker
	monitor ActivityLogger
	logger  logging.Logger

	// one lock per route serializes outcome recording so the failure count
	// and the breaker transition it triggers are applied together
	locks map[string]*sync.Mutex
}

// NewRouter wires a router over a populated table. Every route in the table
// is registered with the breaker; routes that start inactive stay out of
// service until ActivateRoute.
func NewRouter(table *RouteTable, policy Policy, breaker Breaker, monitor ActivityLogger, logger logging.Logger) *Router {
	if monitor == nil {
		monitor = nopActivityLogger{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	ids := table.IDs()
	locks := make(map[string]*sync.Mutex, len(ids))
	for _, id := range ids {
		locks[id] = &sync.Mutex{}
		breaker.Register(id)
		if route, ok := table.Get(id); ok && !route.Active {
			breaker.Disable(id)
		}
	}

	return &Router{
		table:   table,
		policy:  policy,
		breaker: breaker,
		monitor: monitor,
		logger:  logger.WithFields(logging.Component("router")),
		locks:   locks,
	}
}

func (r *Router) lock(routeID string) func() {
	mu, ok := r.locks[routeID]
	if !ok {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

// DetermineRoute picks an active route for msg. It fails with
// ErrNoActiveRoute, without consulting the policy, when no route is active.
// Choosing a half-open route claims its single probe.
func (r *Router) DetermineRoute(ctx context.Context, msg *Message) (string, error) {
	r.breaker.Refresh()
	candidates := r.breaker.Admit(r.table.GetActiveRoutes())

	for len(candidates) > 0 {
		choice := r.policy.Predict(ctx, msg, candidates)
		if !containsID(candidates, choice) {
			fallback := smallest(candidates)
			r.logger.Warn("Policy chose a route outside the candidate set",
				logging.String("choice", choice),
				logging.String("fallback", fallback),
			)
			choice = fallback
		}
		if r.breaker.AcquireProbe(choice) {
			return choice, nil
		}
		candidates = without(candidates, choice)
	}

	r.monitor.LogActivity(EventNoActiveRoute, map[string]interface{}{"message_id": messageID(msg)})
	return "", ErrNoActiveRoute
}

// RecordOutcome applies a delivery outcome: the route's failure count, the
// breaker transition it implies, and policy feedback. Outcomes for unknown
// routes are logged by the table and otherwise ignored.
func (r *Router) RecordOutcome(routeID string, msg *Message, status Outcome) {
	if status != OutcomeSuccess && status != OutcomeFailure {
		r.logger.Warn("Ignoring outcome without a status", logging.String("route_id", routeID))
		return
	}

	unlock := r.lock(routeID)
	route, ok := r.table.RecordResult(routeID, status == OutcomeSuccess)
	if ok {
		if status == OutcomeFailure {
			r.breaker.RecordFailure(routeID, route.FailureCount)
		} else {
			r.breaker.RecordSuccess(routeID)
		}
	}
	unlock()

	if ok {
		r.policy.Update(routeID, msg, status)
	}
}

// HandleFailure records a failed delivery on routeID
func (r *Router) HandleFailure(routeID string, msg *Message) {
	r.RecordOutcome(routeID, msg, OutcomeFailure)
}

// ActivateRoute puts a route back into service and closes its breaker
func (r *Router) ActivateRoute(routeID string) error {
	if _, ok := r.table.Get(routeID); !ok {
		return ErrRouteNotFound
	}
	unlock := r.lock(routeID)
	defer unlock()
	r.breaker.Reset(routeID)
	r.table.Activate(routeID)
	return nil
}

// DeactivateRoute takes a route out of service until ActivateRoute is called.
// Outcomes still in flight and cooldowns no longer move its breaker.
func (r *Router) DeactivateRoute(routeID string) error {
	if _, ok := r.table.Get(routeID); !ok {
		return ErrRouteNotFound
	}
	unlock := r.lock(routeID)
	defer unlock()
	r.breaker.Disable(routeID)
	r.table.Deactivate(routeID)
	return nil
}

// TripRoute opens a route's breaker so it is retried after the cooldown.
// Routes taken out of service by DeactivateRoute are not tripped.
func (r *Router) TripRoute(routeID string) error {
	if _, ok := r.table.Get(routeID); !ok {
		return ErrRouteNotFound
	}
	unlock := r.lock(routeID)
	defer unlock()
	r.breaker.Trip(routeID)
	return nil
}

// RefreshBreakers applies pending cooldown transitions
func (r *Router) RefreshBreakers() {
	r.breaker.Refresh()
}

// GetIntegrationHealth returns a snapshot of route health. It does not
// apply pending breaker transitions.
func (r *Router) GetIntegrationHealth() IntegrationHealth {
	routes := r.table.Snapshot()
	health := IntegrationHealth{
		TotalRoutes:   len(routes),
		FailureCounts: make(map[string]int, len(routes)),
		Routes:        make([]RouteHealth, 0, len(routes)),
		CheckedAt:     time.Now(),
	}

	states, _ := r.breaker.(StateReader)
	for _, route := range routes {
		if route.Active {
			health.ActiveRoutes++
		}
		health.FailureCounts[route.ID] = route.FailureCount

		rh := RouteHealth{
			ID:           route.ID,
			Active:       route.Active,
			FailureCount: route.FailureCount,
			LastOutcome:  route.LastOutcome,
			UpdatedAt:    route.UpdatedAt,
		}
		if states != nil {
			rh.State = states.State(route.ID).String()
		}
		health.Routes = append(health.Routes, rh)
	}
	return health
}

func messageID(msg *Message) string {
	if msg == nil {
		return ""
	}
	return msg.ID
}

func smallest(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return sorted[0]
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
