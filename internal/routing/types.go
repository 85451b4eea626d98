// Package routing is the hub's decision engine. It keeps the route table,
// picks a route for each message through a pluggable scorer, and feeds
// delivery outcomes back into route health and the scorer.
//
// Typical wiring:
//
//	table := routing.NewRouteTable(monitor, logger)
//	table.Add("orders.primary", true)
//	breaker := circuitbreaker.NewRouteBreaker(cbConfig, table, logger)
//	policy := routing.NewRoutePolicy(model, routing.DefaultPolicyConfig(), monitor, logger)
//	router := routing.NewRouter(table, policy, breaker, monitor, logger)
//
//	routeID, err := router.DetermineRoute(ctx, msg)
//	if errors.Is(err, routing.ErrNoActiveRoute) {
//		// every route is deactivated
//	}
//	router.RecordOutcome(routeID, msg, routing.OutcomeSuccess)
package routing

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the result of attempting delivery over a route
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// MarshalText encodes the outcome by name
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an outcome name
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "success":
		*o = OutcomeSuccess
	case "failure":
		*o = OutcomeFailure
	case "unknown", "":
		*o = OutcomeUnknown
	default:
		return fmt.Errorf("unknown outcome %q", string(text))
	}
	return nil
}

// Route is a copy of one route table entry
type Route struct {
	ID           string    `json:"id"`
	Active       bool      `json:"active"`
	FailureCount int       `json:"failure_count"` // consecutive failures since the last success
	LastOutcome  Outcome   `json:"last_outcome"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is an inbound message being routed
type Message struct {
	ID         string                 `json:"id"`
	Payload    map[string]interface{} `json:"payload"`
	Metadata   map[string]string      `json:"metadata,omitempty"` // routing hints used as model features
	ReceivedAt time.Time              `json:"received_at"`
}

// Features returns a copy of the message metadata for use as model input
func (m *Message) Features() map[string]string {
	if m == nil || len(m.Metadata) == 0 {
		return map[string]string{}
	}
	features := make(map[string]string, len(m.Metadata))
	for k, v := range m.Metadata {
		features[k] = v
	}
	return features
}

// OutcomeRecord is one training example: which route a message with these
// features took and how it went.
type OutcomeRecord struct {
	RouteID   string            `json:"route_id"`
	MessageID string            `json:"message_id,omitempty"`
	Features  map[string]string `json:"features"`
	Status    Outcome           `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// Scorer is the learned model behind RoutePolicy. Implementations must be
// safe for concurrent use.
type Scorer interface {
	// PredictBestRoute returns the preferred route among candidates
	PredictBestRoute(ctx context.Context, features map[string]string, candidates []string) (string, error)
	// Train folds outcome records into the model
	Train(ctx context.Context, records []OutcomeRecord) error
}

// Policy chooses among candidate routes and absorbs outcome feedback
type Policy interface {
	// Predict returns one element of candidates, which must be non-empty
	Predict(ctx context.Context, msg *Message, candidates []string) string
	// Update records an outcome without blocking the caller
	Update(routeID string, msg *Message, status Outcome)
}

// Breaker is the per-route circuit breaker the router drives
type Breaker interface {
	Register(routeID string)
	Refresh()
	Admit(candidates []string) []string
	AcquireProbe(routeID string) bool
	RecordSuccess(routeID string)
	RecordFailure(routeID string, failureCount int)
	Trip(routeID string)
	Reset(routeID string)
	Disable(routeID string)
}

// ActivityLogger receives activity events for monitoring
type ActivityLogger interface {
	LogActivity(event string, payload map[string]interface{})
}

// Activity event names emitted by this package
const (
	EventRouteActivated      = "route_activated"
	EventRouteDeactivated    = "route_deactivated"
	EventUnknownRoute        = "unknown_route_feedback"
	EventPredictionDegraded  = "prediction_degraded"
	EventPolicyUpdateDropped = "policy_update_dropped"
	EventNoActiveRoute       = "no_active_route"
)

type nopActivityLogger struct{}

func (nopActivityLogger) LogActivity(string, map[string]interface{}) {}
