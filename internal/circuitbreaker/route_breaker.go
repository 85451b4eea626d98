package circuitbreaker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"routing-hub/internal/common/logging"
	"routing-hub/internal/common/utils"
)

// Controller applies activation decisions to the routes a breaker watches
type Controller interface {
	Activate(routeID string)
	Deactivate(routeID string)
}

// Config holds the thresholds of a RouteBreaker
type Config struct {
	// FailureThreshold is the consecutive failure count that opens a route
	FailureThreshold int
	// Cooldown is how long a route stays open before a probe is allowed
	Cooldown time.Duration
	// MaxCooldown caps the cooldown after repeated failed probes
	MaxCooldown time.Duration
	// BackoffFactor multiplies the cooldown after each failed probe
	BackoffFactor float64
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
		BackoffFactor:    2,
	}
}

// Validate checks if the configuration is usable
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("FailureThreshold must be positive, got %d", c.FailureThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("Cooldown must be positive, got %v", c.Cooldown)
	}
	if c.MaxCooldown < c.Cooldown {
		return fmt.Errorf("MaxCooldown %v is below Cooldown %v", c.MaxCooldown, c.Cooldown)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("BackoffFactor must be at least 1, got %v", c.BackoffFactor)
	}
	return nil
}

// RouteStats is a point-in-time view of one route's breaker
type RouteStats struct {
	RouteID       string        `json:"route_id"`
	State         State         `json:"state"`
	OpenedAt      *time.Time    `json:"opened_at,omitempty"`
	Cooldown      time.Duration `json:"cooldown"`
	FailedProbes  int           `json:"failed_probes"`
	ProbeInFlight bool          `json:"probe_in_flight"`
	Disabled      bool          `json:"disabled"`
}

type routeState struct {
	mu            sync.Mutex
	state         State
	openedAt      time.Time
	cooldown      time.Duration
	failedProbes  int
	probeInFlight bool
	probeStarted  time.Time
	// disabled routes were taken out of service by an operator or the route
	// file; no outcome or cooldown moves them until Reset
	disabled bool
}

// Option customizes a RouteBreaker
type Option func(*RouteBreaker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(b *RouteBreaker) { b.now = now }
}

// WithStateChangeHook registers a callback invoked after every transition.
// It runs with the route's lock held and must not call back into the breaker.
func WithStateChangeHook(fn func(routeID string, from, to State)) Option {
	return func(b *RouteBreaker) { b.onStateChange = fn }
}

// RouteBreaker runs one Closed/Open/HalfOpen state machine per route.
//
// Transitions out of Open are evaluated lazily: Refresh, Admit and the
// Record* methods compare the stored open timestamp with the clock instead
// of relying on timers.
type RouteBreaker struct {
	config        Config
	controller    Controller
	logger        logging.Logger
	now           func() time.Time
	onStateChange func(routeID string, from, to State)

	mu     sync.RWMutex
	routes map[string]*routeState
}

// NewRouteBreaker creates a breaker that drives controller. Invalid configs fall back to defaults.
func NewRouteBreaker(config Config, controller Controller, logger logging.Logger, opts ...Option) *RouteBreaker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithFields(logging.Component("circuit_breaker"))

	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults", logging.Err(err))
		config = DefaultConfig()
	}

	b := &RouteBreaker{
		config:     config,
		controller: controller,
		logger:     logger,
		now:        time.Now,
		routes:     make(map[string]*routeState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register starts tracking routeID in the Closed state. Registering twice is a no-op.
func (b *RouteBreaker) Register(routeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.routes[routeID]; !ok {
		b.routes[routeID] = &routeState{state: StateClosed, cooldown: b.config.Cooldown}
	}
}

func (b *RouteBreaker) get(routeID string) *routeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes[routeID]
}

func (b *RouteBreaker) ids() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.routes))
	for id := range b.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh moves every Open route whose cooldown elapsed to HalfOpen and
// re-activates it so it can carry one probe. It also releases probes that
// were claimed but never reported within a cooldown period.
func (b *RouteBreaker) Refresh() {
	for _, id := range b.ids() {
		rs := b.get(id)
		rs.mu.Lock()
		b.refreshLocked(id, rs)
		if rs.state == StateHalfOpen && rs.probeInFlight && b.now().Sub(rs.probeStarted) >= rs.cooldown {
			rs.probeInFlight = false
			b.logger.Warn("Releasing stale probe", logging.String("route_id", id))
		}
		rs.mu.Unlock()
	}
}

// refreshLocked performs the lazy Open to HalfOpen step. Caller holds rs.mu.
func (b *RouteBreaker) refreshLocked(routeID string, rs *routeState) {
	if rs.disabled || rs.state != StateOpen || b.now().Sub(rs.openedAt) < rs.cooldown {
		return
	}
	rs.probeInFlight = false
	b.transitionLocked(routeID, rs, StateHalfOpen)
}

// Admit drops HalfOpen routes whose single probe is already in flight.
func (b *RouteBreaker) Admit(candidates []string) []string {
	admitted := make([]string, 0, len(candidates))
	for _, id := range candidates {
		rs := b.get(id)
		if rs == nil {
			admitted = append(admitted, id)
			continue
		}
		rs.mu.Lock()
		busy := rs.state == StateHalfOpen && rs.probeInFlight
		rs.mu.Unlock()
		if !busy {
			admitted = append(admitted, id)
		}
	}
	return admitted
}

// AcquireProbe claims the probe slot of a HalfOpen route. It returns false
// when another caller already holds it or the route is Open. Closed and
// unknown routes are always admitted.
func (b *RouteBreaker) AcquireProbe(routeID string) bool {
	rs := b.get(routeID)
	if rs == nil {
		return true
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch rs.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if rs.probeInFlight {
			return false
		}
		rs.probeInFlight = true
		rs.probeStarted = b.now()
		return true
	default:
		return false
	}
}

// RecordSuccess closes a HalfOpen route, including an Open route whose
// cooldown has already elapsed. A success during an unexpired cooldown
// leaves the route Open.
func (b *RouteBreaker) RecordSuccess(routeID string) {
	rs := b.get(routeID)
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.disabled {
		return
	}

	b.refreshLocked(routeID, rs)
	if rs.state == StateHalfOpen {
		rs.probeInFlight = false
		rs.failedProbes = 0
		rs.cooldown = b.config.Cooldown
		rs.openedAt = time.Time{}
		b.transitionLocked(routeID, rs, StateClosed)
	}
}

// RecordFailure opens a Closed route once failureCount reaches the threshold
// and re-opens a HalfOpen route with a backed-off cooldown.
func (b *RouteBreaker) RecordFailure(routeID string, failureCount int) {
	rs := b.get(routeID)
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.disabled {
		return
	}

	b.refreshLocked(routeID, rs)
	switch rs.state {
	case StateClosed:
		if failureCount >= b.config.FailureThreshold {
			b.openLocked(routeID, rs)
		}
	case StateHalfOpen:
		rs.failedProbes++
		b.openLocked(routeID, rs)
	}
}

// Trip forces a route Open, e.g. when its transport cannot connect.
// Disabled routes are left alone.
func (b *RouteBreaker) Trip(routeID string) {
	rs := b.get(routeID)
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.disabled {
		return
	}
	b.openLocked(routeID, rs)
}

// Reset returns a route to Closed with base cooldown and re-enables it,
// without touching its activation.
func (b *RouteBreaker) Reset(routeID string) {
	b.reset(routeID, false)
}

// Disable resets a route to Closed and pins it there: failures, successes,
// trips and cooldowns no longer change its state or activation until Reset.
func (b *RouteBreaker) Disable(routeID string) {
	b.reset(routeID, true)
}

func (b *RouteBreaker) reset(routeID string, disabled bool) {
	rs := b.get(routeID)
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.disabled = disabled
	from := rs.state
	rs.state = StateClosed
	rs.failedProbes = 0
	rs.probeInFlight = false
	rs.cooldown = b.config.Cooldown
	rs.openedAt = time.Time{}
	if from != StateClosed {
		b.notify(routeID, from, StateClosed)
	}
}

func (b *RouteBreaker) openLocked(routeID string, rs *routeState) {
	rs.openedAt = b.now()
	rs.probeInFlight = false
	rs.cooldown = utils.ExponentialDelay(b.config.Cooldown, b.config.BackoffFactor, b.config.MaxCooldown, rs.failedProbes)
	b.transitionLocked(routeID, rs, StateOpen)
}

// transitionLocked sets the new state and applies its activation side effect.
// Side effects run under the route lock so activation order matches state order.
func (b *RouteBreaker) transitionLocked(routeID string, rs *routeState, to State) {
	from := rs.state
	rs.state = to
	if to == StateOpen {
		b.controller.Deactivate(routeID)
	} else {
		b.controller.Activate(routeID)
	}
	if from != to {
		b.notify(routeID, from, to)
	}
}

func (b *RouteBreaker) notify(routeID string, from, to State) {
	b.logger.Warn("Circuit breaker state change",
		logging.String("route_id", routeID),
		logging.String("from", from.String()),
		logging.String("to", to.String()),
	)
	if b.onStateChange != nil {
		b.onStateChange(routeID, from, to)
	}
}

// State returns the stored state of routeID without applying lazy transitions.
func (b *RouteBreaker) State(routeID string) State {
	rs := b.get(routeID)
	if rs == nil {
		return StateClosed
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

// Stats returns a snapshot of every tracked route, sorted by id
func (b *RouteBreaker) Stats() []RouteStats {
	ids := b.ids()
	stats := make([]RouteStats, 0, len(ids))
	for _, id := range ids {
		rs := b.get(id)
		rs.mu.Lock()
		s := RouteStats{
			RouteID:       id,
			State:         rs.state,
			Cooldown:      rs.cooldown,
			FailedProbes:  rs.failedProbes,
			ProbeInFlight: rs.probeInFlight,
			Disabled:      rs.disabled,
		}
		if !rs.openedAt.IsZero() {
			opened := rs.openedAt
			s.OpenedAt = &opened
		}
		rs.mu.Unlock()
		stats = append(stats, s)
	}
	return stats
}
