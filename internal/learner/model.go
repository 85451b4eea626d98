// Package learner holds the online model that scores routes for a message.
// It counts successes and failures per route and per (route, feature value)
// pair and ranks candidates by their Laplace-smoothed success rates.
package learner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"routing-hub/internal/knowledge"
	"routing-hub/internal/routing"
)

// DefaultTopFeatures is how many feature values Insights reports per route
const DefaultTopFeatures = 3

type counts struct {
	successes int
	failures  int
}

func (c counts) total() int { return c.successes + c.failures }

// rate is the Laplace-smoothed success rate, 0.5 with no observations
func (c counts) rate() float64 {
	return float64(c.successes+1) / float64(c.total()+2)
}

func (c *counts) add(status routing.Outcome) {
	if status == routing.OutcomeSuccess {
		c.successes++
	} else {
		c.failures++
	}
}

// state is one generation of learned counts
type state struct {
	routes   map[string]*counts
	features map[string]map[string]*counts // route -> "key=value" -> counts
	samples  int
}

func newState() *state {
	return &state{
		routes:   make(map[string]*counts),
		features: make(map[string]map[string]*counts),
	}
}

func (s *state) observe(r routing.OutcomeRecord) bool {
	if r.Status == routing.OutcomeUnknown || r.RouteID == "" {
		return false
	}

	rc, ok := s.routes[r.RouteID]
	if !ok {
		rc = &counts{}
		s.routes[r.RouteID] = rc
	}
	rc.add(r.Status)

	perRoute, ok := s.features[r.RouteID]
	if !ok {
		perRoute = make(map[string]*counts)
		s.features[r.RouteID] = perRoute
	}
	for k, v := range r.Features {
		key := featureKey(k, v)
		fc, ok := perRoute[key]
		if !ok {
			fc = &counts{}
			perRoute[key] = fc
		}
		fc.add(r.Status)
	}

	s.samples++
	return true
}

// Model implements routing.Scorer. It is safe for concurrent use.
type Model struct {
	mu          sync.RWMutex
	state       *state
	topFeatures int
	now         func() time.Time
	trainedAt   time.Time
}

// Option configures a Model
type Option func(*Model)

// WithTopFeatures sets how many feature values Insights reports per route
func WithTopFeatures(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.topFeatures = n
		}
	}
}

// WithClock replaces time.Now for insight timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

func NewModel(opts ...Option) *Model {
	m := &Model{
		state:       newState(),
		topFeatures: DefaultTopFeatures,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PredictBestRoute returns the candidate with the highest score. Equal
// scores go to the lexicographically smallest id.
func (m *Model) PredictBestRoute(ctx context.Context, features map[string]string, candidates []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate routes")
	}

	ordered := append([]string(nil), candidates...)
	sort.Strings(ordered)

	m.mu.RLock()
	defer m.mu.RUnlock()

	best := ordered[0]
	bestScore := m.scoreLocked(best, features)
	for _, id := range ordered[1:] {
		if score := m.scoreLocked(id, features); score > bestScore {
			best, bestScore = id, score
		}
	}
	return best, nil
}

// Score exposes the score of one route for the given features
func (m *Model) Score(routeID string, features map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scoreLocked(routeID, features)
}

// scoreLocked is the mean of the route's rate and its rate for each feature value
func (m *Model) scoreLocked(routeID string, features map[string]string) float64 {
	var rc counts
	if c, ok := m.state.routes[routeID]; ok {
		rc = *c
	}

	sum := rc.rate()
	n := 1
	perRoute := m.state.features[routeID]
	for k, v := range features {
		var fc counts
		if c, ok := perRoute[featureKey(k, v)]; ok {
			fc = *c
		}
		sum += fc.rate()
		n++
	}
	return sum / float64(n)
}

// Train folds records into the current counts. Unknown outcomes are ignored.
func (m *Model) Train(ctx context.Context, records []routing.OutcomeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.state.observe(r)
	}
	m.trainedAt = m.now()
	return nil
}

// Retrain rebuilds the model from records and swaps it in at once, so
// predictions never see a partially built generation.
func (m *Model) Retrain(ctx context.Context, records []routing.OutcomeRecord) error {
	next := newState()
	for i, r := range records {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		next.observe(r)
	}

	m.mu.Lock()
	m.state = next
	m.trainedAt = m.now()
	m.mu.Unlock()
	return nil
}

// Warm seeds an untrained model from persisted outcomes
func (m *Model) Warm(ctx context.Context, records []routing.OutcomeRecord) error {
	return m.Retrain(ctx, records)
}

// Samples returns the number of outcomes the model has absorbed
func (m *Model) Samples() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.samples
}

// Insights summarizes the current counts
func (m *Model) Insights() knowledge.Insights {
	m.mu.RLock()
	defer m.mu.RUnlock()

	insights := knowledge.Insights{
		GeneratedAt:  m.now(),
		TotalSamples: m.state.samples,
		Routes:       make([]knowledge.RouteInsight, 0, len(m.state.routes)),
	}

	for routeID, rc := range m.state.routes {
		ri := knowledge.RouteInsight{
			RouteID:     routeID,
			Successes:   rc.successes,
			Failures:    rc.failures,
			SuccessRate: rc.rate(),
		}

		for key, fc := range m.state.features[routeID] {
			ri.TopFeatures = append(ri.TopFeatures, knowledge.FeatureInsight{
				Feature:     key,
				SuccessRate: fc.rate(),
				Samples:     fc.total(),
			})
		}
		sort.Slice(ri.TopFeatures, func(a, b int) bool {
			fa, fb := ri.TopFeatures[a], ri.TopFeatures[b]
			if fa.SuccessRate != fb.SuccessRate {
				return fa.SuccessRate > fb.SuccessRate
			}
			return fa.Feature < fb.Feature
		})
		if len(ri.TopFeatures) > m.topFeatures {
			ri.TopFeatures = ri.TopFeatures[:m.topFeatures]
		}

		insights.Routes = append(insights.Routes, ri)
	}

	insights.Sort()
	return insights
}

// TrainedAt returns when the model last absorbed data
func (m *Model) TrainedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trainedAt
}

func featureKey(key, value string) string {
	return key + "=" + value
}

var _ routing.Scorer = (*Model)(nil)
