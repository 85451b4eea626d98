// Package knowledge persists routing outcomes and the insight summaries
// derived from them. The learner warms from it at startup and the hub
// rewrites the insights after every retrain.
package knowledge

import (
	"context"
	"sort"
	"time"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/routing"
)

// Store is the knowledge base contract every backend implements
type Store interface {
	// RecordOutcomes appends outcome records. It is the policy's OutcomeSink.
	RecordOutcomes(ctx context.Context, records []routing.OutcomeRecord) error
	// LoadOutcomes returns up to limit of the most recent records at or after
	// since, oldest first. A zero since or a non-positive limit removes that bound.
	LoadOutcomes(ctx context.Context, since time.Time, limit int) ([]routing.OutcomeRecord, error)
	// UpdateInsights stores a new insights summary
	UpdateInsights(ctx context.Context, insights Insights) error
	// LatestInsights returns the most recently stored summary
	LatestInsights(ctx context.Context) (*Insights, error)
	Health(ctx context.Context) error
	Close() error
}

// ErrNoInsights is returned by LatestInsights before any summary was written
var ErrNoInsights = errors.NotFoundError("insights")

// Insights summarizes what the model has learned about each route
type Insights struct {
	GeneratedAt  time.Time      `json:"generated_at"`
	TotalSamples int            `json:"total_samples"`
	Routes       []RouteInsight `json:"routes"`
}

// RouteInsight is the learned view of a single route
type RouteInsight struct {
	RouteID     string           `json:"route_id"`
	Successes   int              `json:"successes"`
	Failures    int              `json:"failures"`
	SuccessRate float64          `json:"success_rate"`
	TopFeatures []FeatureInsight `json:"top_features,omitempty"`
}

// FeatureInsight is the success rate of a route for one feature value
type FeatureInsight struct {
	Feature     string  `json:"feature"` // key=value
	SuccessRate float64 `json:"success_rate"`
	Samples     int     `json:"samples"`
}

// Route returns the insight for routeID, if present
func (i *Insights) Route(routeID string) (RouteInsight, bool) {
	for _, r := range i.Routes {
		if r.RouteID == routeID {
			return r, true
		}
	}
	return RouteInsight{}, false
}

// Sort orders routes by id so summaries compare stably
func (i *Insights) Sort() {
	sort.Slice(i.Routes, func(a, b int) bool {
		return i.Routes[a].RouteID < i.Routes[b].RouteID
	})
}

// window applies the since/limit contract of LoadOutcomes to records held in
// insertion order.
func window(records []routing.OutcomeRecord, since time.Time, limit int) []routing.OutcomeRecord {
	selected := make([]routing.OutcomeRecord, 0, len(records))
	for _, r := range records {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		selected = append(selected, r)
	}
	if limit > 0 && len(selected) > limit {
		selected = selected[len(selected)-limit:]
	}
	return selected
}
