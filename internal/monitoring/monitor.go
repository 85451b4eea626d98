// Package monitoring records hub activity. Every event becomes a structured
// log line, a Prometheus counter increment and an entry in the in-memory
// snapshot served to the dashboard.
package monitoring

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routing-hub/internal/circuitbreaker"
	"routing-hub/internal/common/logging"
)

const (
	// EventMessageProcessed is logged once per processed message
	EventMessageProcessed = "message_processed"
	// EventBreakerStateChange is logged for every circuit breaker transition
	EventBreakerStateChange = "breaker_state_change"
)

// Event is the last activity seen by the monitor
type Event struct {
	Name    string                 `json:"name"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

type Monitor struct {
	logger   logging.Logger
	registry *prometheus.Registry
	now      func() time.Time

	activity     *prometheus.CounterVec
	messages     *prometheus.CounterVec
	stateChanges *prometheus.CounterVec
	activeRoutes prometheus.Gauge

	mu           sync.RWMutex
	eventCounts  map[string]int64
	statusCounts map[string]int64
	lastEvent    *Event
	startedAt    time.Time
	running      bool
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock replaces time.Now for event timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor with its own Prometheus registry
func NewMonitor(logger logging.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	m := &Monitor{
		logger:       logger.WithFields(logging.Component("monitor")),
		registry:     prometheus.NewRegistry(),
		now:          time.Now,
		eventCounts:  make(map[string]int64),
		statusCounts: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}

	factory := promauto.With(m.registry)
	m.activity = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_hub_activity_total",
			Help: "Total number of activity events by name",
		},
		[]string{"event"},
	)
	m.messages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_hub_messages_total",
			Help: "Total number of processed messages by status",
		},
		[]string{"status"},
	)
	m.stateChanges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_hub_route_state_changes_total",
			Help: "Total number of circuit breaker transitions by route and target state",
		},
		[]string{"route", "to"},
	)
	m.activeRoutes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "routing_hub_active_routes",
			Help: "Number of routes currently eligible for selection",
		},
	)

	return m
}

// Start marks the monitor as running and resets the uptime clock
func (m *Monitor) Start() {
	m.mu.Lock()
	m.startedAt = m.now()
	m.running = true
	m.mu.Unlock()
	m.logger.Info("Monitoring started")
}

// Stop marks the monitor as stopped. Events are still recorded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// LogActivity records one activity event
func (m *Monitor) LogActivity(event string, payload map[string]interface{}) {
	m.activity.WithLabelValues(event).Inc()

	status, _ := payload["status"].(string)
	if event == EventMessageProcessed && status != "" {
		m.messages.WithLabelValues(status).Inc()
	}

	m.mu.Lock()
	m.eventCounts[event]++
	if event == EventMessageProcessed && status != "" {
		m.statusCounts[status]++
	}
	m.lastEvent = &Event{Name: event, Payload: copyPayload(payload), At: m.now()}
	m.mu.Unlock()

	fields := make([]logging.Field, 0, len(payload)+1)
	fields = append(fields, logging.String("event", event))
	for _, key := range sortedKeys(payload) {
		fields = append(fields, logging.Any(key, payload[key]))
	}
	m.logger.Info("Activity", fields...)
}

// OnBreakerStateChange records circuit breaker transitions. It is passed to
// circuitbreaker.WithStateChangeHook.
func (m *Monitor) OnBreakerStateChange(routeID string, from, to circuitbreaker.State) {
	m.stateChanges.WithLabelValues(routeID, to.String()).Inc()
	m.LogActivity(EventBreakerStateChange, map[string]interface{}{
		"route_id": routeID,
		"from":     from.String(),
		"to":       to.String(),
	})
}

// SetActiveRoutes publishes the current number of active routes
func (m *Monitor) SetActiveRoutes(n int) {
	m.activeRoutes.Set(float64(n))
}

// CurrentMetrics returns a snapshot for the dashboard
func (m *Monitor) CurrentMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make(map[string]int64, len(m.eventCounts))
	var total int64
	for k, v := range m.eventCounts {
		events[k] = v
		total += v
	}
	messages := make(map[string]int64, len(m.statusCounts))
	for k, v := range m.statusCounts {
		messages[k] = v
	}

	metrics := map[string]interface{}{
		"running":      m.running,
		"total_events": total,
		"events":       events,
		"messages":     messages,
	}
	if !m.startedAt.IsZero() {
		metrics["started_at"] = m.startedAt
		metrics["uptime_seconds"] = m.now().Sub(m.startedAt).Seconds()
	}
	if m.lastEvent != nil {
		last := *m.lastEvent
		metrics["last_event"] = last
	}
	return metrics
}

// Registry returns the monitor's Prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func sortedKeys(payload map[string]interface{}) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
