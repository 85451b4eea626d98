package routing

import (
	"context"
	"sync"
	"time"

	"routing-hub/internal/circuitbreaker"
	"routing-hub/internal/common/logging"
)

type recordingMonitor struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMonitor) LogActivity(event string, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingMonitor) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

// MockScorer lets each test decide how the scorer behaves
type MockScorer struct {
	mu          sync.Mutex
	predictFunc func(ctx context.Context, features map[string]string, candidates []string) (string, error)
	trainFunc   func(ctx context.Context, records []OutcomeRecord) error
	trained     []OutcomeRecord
	predictions int
}

func (m *MockScorer) PredictBestRoute(ctx context.Context, features map[string]string, candidates []string) (string, error) {
	m.mu.Lock()
	m.predictions++
	fn := m.predictFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, features, candidates)
	}
	return candidates[len(candidates)-1], nil
}

func (m *MockScorer) Train(ctx context.Context, records []OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trained = append(m.trained, records...)
	if m.trainFunc != nil {
		return m.trainFunc(ctx, records)
	}
	return nil
}

func (m *MockScorer) trainedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trained)
}

// MockPolicy is a stubbed policy recording every call
type MockPolicy struct {
	mu          sync.Mutex
	predictFunc func(candidates []string) string
	predicts    int
	updates     []OutcomeRecord
}

func (m *MockPolicy) Predict(_ context.Context, _ *Message, candidates []string) string {
	m.mu.Lock()
	m.predicts++
	fn := m.predictFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(candidates)
	}
	return candidates[0]
}

func (m *MockPolicy) Update(routeID string, msg *Message, status Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, OutcomeRecord{RouteID: routeID, MessageID: msg.ID, Status: status})
}

func (m *MockPolicy) predictCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predicts
}

func (m *MockPolicy) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type routerFixture struct {
	table   *RouteTable
	breaker *circuitbreaker.RouteBreaker
	policy  *MockPolicy
	monitor *recordingMonitor
	clock   *testClock
	router  *Router
}

func newRouterFixture(threshold int, routes ...string) *routerFixture {
	logger, _ := logging.NewObservedLogger(logging.DebugLevel)
	monitor := &recordingMonitor{}
	table := NewRouteTable(monitor, logger)
	for _, id := range routes {
		_ = table.Add(id, true)
	}

	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	breaker := circuitbreaker.NewRouteBreaker(circuitbreaker.Config{
		FailureThreshold: threshold,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		BackoffFactor:    2,
	}, table, logger, circuitbreaker.WithClock(clock.Now))

	policy := &MockPolicy{}
	return &routerFixture{
		table:   table,
		breaker: breaker,
		policy:  policy,
		monitor: monitor,
		clock:   clock,
		router:  NewRouter(table, policy, breaker, monitor, logger),
	}
}

func msg(id string) *Message {
	return &Message{ID: id, Payload: map[string]interface{}{"n": id}, Metadata: map[string]string{"priority": "high"}}
}
