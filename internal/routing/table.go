package routing

import (
	"sort"
	"sync"
	"time"

	"routing-hub/internal/common/logging"
)

type routeEntry struct {
	mu    sync.Mutex
	route Route
}

// RouteTable holds every known route and its activation state. Entries are
// only handed out as copies. The map is guarded by a table-wide lock and each
// entry by its own lock, so updates to one route are atomic without blocking
// the others.
type RouteTable struct {
	mu      sync.RWMutex
	entries map[string]*routeEntry

	monitor ActivityLogger
	logger  logging.Logger
	now     func() time.Time
}

// NewRouteTable creates an empty table. monitor may be nil.
func NewRouteTable(monitor ActivityLogger, logger logging.Logger) *RouteTable {
	if monitor == nil {
		monitor = nopActivityLogger{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RouteTable{
		entries: make(map[string]*routeEntry),
		monitor: monitor,
		logger:  logger.WithFields(logging.Component("route_table")),
		now:     time.Now,
	}
}

// Add registers a route. Routes are added at startup only.
func (t *RouteTable) Add(routeID string, active bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[routeID]; exists {
		return ErrDuplicateRoute
	}
	t.entries[routeID] = &routeEntry{route: Route{ID: routeID, Active: active, UpdatedAt: t.now()}}
	return nil
}

func (t *RouteTable) entry(routeID string) *routeEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[routeID]
}

func (t *RouteTable) all() []*routeEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]*routeEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	return entries
}

// GetActiveRoutes returns the ids of active routes in sorted order
func (t *RouteTable) GetActiveRoutes() []string {
	active := make([]string, 0)
	for _, e := range t.all() {
		e.mu.Lock()
		if e.route.Active {
			active = append(active, e.route.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(active)
	return active
}

// Deactivate stops traffic on a route. Unknown or already inactive routes are left alone.
func (t *RouteTable) Deactivate(routeID string) {
	e := t.entry(routeID)
	if e == nil {
		return
	}

	e.mu.Lock()
	changed := e.route.Active
	e.route.Active = false
	if changed {
		e.route.UpdatedAt = t.now()
	}
	failures := e.route.FailureCount
	e.mu.Unlock()

	if changed {
		t.logger.Warn("Route deactivated", logging.String("route_id", routeID), logging.Int("failure_count", failures))
		t.monitor.LogActivity(EventRouteDeactivated, map[string]interface{}{
			"route_id":      routeID,
			"failure_count": failures,
		})
	}
}

// Activate re-admits a route and clears its failure count
func (t *RouteTable) Activate(routeID string) {
	e := t.entry(routeID)
	if e == nil {
		return
	}

	e.mu.Lock()
	changed := !e.route.Active
	e.route.Active = true
	e.route.FailureCount = 0
	e.route.UpdatedAt = t.now()
	e.mu.Unlock()

	if changed {
		t.logger.Info("Route activated", logging.String("route_id", routeID))
		t.monitor.LogActivity(EventRouteActivated, map[string]interface{}{"route_id": routeID})
	}
}

// RecordResult updates a route's failure count and last outcome and returns
// the updated copy. Feedback for an unknown route is logged and ignored.
func (t *RouteTable) RecordResult(routeID string, success bool) (Route, bool) {
	e := t.entry(routeID)
	if e == nil {
		t.logger.Warn("Outcome for unknown route ignored", logging.String("route_id", routeID), logging.Bool("success", success))
		t.monitor.LogActivity(EventUnknownRoute, map[string]interface{}{
			"route_id": routeID,
			"success":  success,
		})
		return Route{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.route.FailureCount = 0
		e.route.LastOutcome = OutcomeSuccess
	} else {
		e.route.FailureCount++
		e.route.LastOutcome = OutcomeFailure
	}
	e.route.UpdatedAt = t.now()
	return e.route, true
}

// Get returns a copy of one route
func (t *RouteTable) Get(routeID string) (Route, bool) {
	e := t.entry(routeID)
	if e == nil {
		return Route{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.route, true
}

// Snapshot returns copies of all routes sorted by id
func (t *RouteTable) Snapshot() []Route {
	entries := t.all()
	routes := make([]Route, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		routes = append(routes, e.route)
		e.mu.Unlock()
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes
}

// IDs returns every registered route id, sorted
func (t *RouteTable) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered routes
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
