package hub

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routing-hub/internal/circuitbreaker"
	apperrors "routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/knowledge"
	"routing-hub/internal/learner"
	"routing-hub/internal/monitoring"
	"routing-hub/internal/routing"
	"routing-hub/internal/transport"
	"routing-hub/internal/transport/memory"
)

type stubPolicy struct {
	mu       sync.Mutex
	prefer   string
	predicts int
	updates  []routing.Outcome
}

func (p *stubPolicy) Predict(_ context.Context, _ *routing.Message, candidates []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.predicts++
	for _, c := range candidates {
		if c == p.prefer {
			return c
		}
	}
	return candidates[0]
}

func (p *stubPolicy) Update(_ string, _ *routing.Message, status routing.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, status)
}

func (p *stubPolicy) predictCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predicts
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// brokenTransport never connects
type brokenTransport struct{ name string }

func (b *brokenTransport) Name() string { return b.name }

func (b *brokenTransport) Type() string { return "broken" }

func (b *brokenTransport) Connect(ctx context.Context) error {
	return stderrors.New("connection refused")
}

func (b *brokenTransport) Send(ctx context.Context, target string, env *transport.Envelope) error {
	return stderrors.New("not connected")
}

func (b *brokenTransport) Health() error { return stderrors.New("not connected") }

func (b *brokenTransport) Close() error { return nil }

// flakyTransport refuses connections until the broker comes back
type flakyTransport struct {
	*memory.Transport
	reachable *atomic.Bool
}

func (f flakyTransport) Connect(ctx context.Context) error {
	if !f.reachable.Load() {
		return stderrors.New("connection refused")
	}
	return f.Transport.Connect(ctx)
}

type fixture struct {
	hub     *Hub
	table   *routing.RouteTable
	breaker *circuitbreaker.RouteBreaker
	policy  *stubPolicy
	monitor *monitoring.Monitor
	mem     *memory.Transport
	clock   *testClock
	failing atomic.Bool
}

func newFixture(t *testing.T, threshold int, opts ...Option) *fixture {
	t.Helper()
	logger, _ := logging.NewObservedLogger(logging.DebugLevel)
	f := &fixture{
		clock:  &testClock{now: time.Unix(1_700_000_000, 0)},
		policy: &stubPolicy{prefer: "r1"},
	}
	f.monitor = monitoring.NewMonitor(logger, monitoring.WithClock(f.clock.Now))

	f.table = routing.NewRouteTable(f.monitor, logger)
	require.NoError(t, f.table.Add("r1", true))
	require.NoError(t, f.table.Add("r2", true))
	f.breaker = circuitbreaker.NewRouteBreaker(circuitbreaker.Config{
		FailureThreshold: threshold,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		BackoffFactor:    2,
	}, f.table, logger, circuitbreaker.WithClock(f.clock.Now))
	router := routing.NewRouter(f.table, f.policy, f.breaker, f.monitor, logger)

	mem, err := memory.New("mem", &memory.Config{Buffer: 64})
	require.NoError(t, err)
	mem.SetSendFunc(func(ctx context.Context, target string, env *transport.Envelope) error {
		if target == "t1" && f.failing.Load() {
			return stderrors.New("downstream unavailable")
		}
		return nil
	})
	f.mem = mem

	dispatcher := transport.NewDispatcher(logger)
	require.NoError(t, dispatcher.AddTransport(mem))
	require.NoError(t, dispatcher.Bind("r1", "mem", "t1"))
	require.NoError(t, dispatcher.Bind("r2", "mem", "t2"))

	f.hub = New(router, dispatcher, f.monitor, Config{DispatchTimeout: time.Second, Workers: 2}, logger, opts...)
	require.NoError(t, f.hub.Initialize(context.Background()))
	t.Cleanup(func() { f.hub.Shutdown(context.Background()) })
	return f
}

func (f *fixture) processedCount() int64 {
	events := f.monitor.CurrentMetrics()["events"].(map[string]int64)
	return events[monitoring.EventMessageProcessed]
}

func newMessage(id string) *routing.Message {
	return &routing.Message{ID: id, Payload: map[string]interface{}{"n": 1.0}, Metadata: map[string]string{"kind": "order"}}
}

func TestProcessMessage_Delivers(t *testing.T) {
	f := newFixture(t, 3)

	result, err := f.hub.ProcessMessage(context.Background(), newMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.Equal(t, "r1", result.RouteID)
	assert.Equal(t, routing.OutcomeSuccess, result.Outcome)
	assert.NoError(t, result.Err)

	sent := f.mem.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "t1", sent[0].Target)
	assert.Equal(t, "m1", sent[0].Envelope.MessageID)
	assert.Equal(t, "r1", sent[0].Envelope.RouteID)
}

func TestProcessMessage_AssignsMissingID(t *testing.T) {
	f := newFixture(t, 3)

	msg := &routing.Message{Payload: map[string]interface{}{}}
	result, err := f.hub.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, msg.ID, result.MessageID)
	assert.False(t, msg.ReceivedAt.IsZero())
}

func TestProcessMessage_TransportFailureIsRecorded(t *testing.T) {
	f := newFixture(t, 3)
	f.failing.Store(true)

	result, err := f.hub.ProcessMessage(context.Background(), newMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, routing.OutcomeFailure, result.Outcome)
	assert.True(t, apperrors.IsType(result.Err, apperrors.ErrTypeTransport))

	route, ok := f.table.Get("r1")
	require.True(t, ok)
	assert.Equal(t, 1, route.FailureCount)
	assert.True(t, route.Active)
}

func TestProcessMessage_TimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, 3)
	f.hub.config.DispatchTimeout = 20 * time.Millisecond
	f.mem.SetSendFunc(func(ctx context.Context, target string, env *transport.Envelope) error {
		<-ctx.Done()
		return ctx.Err()
	})

	result, err := f.hub.ProcessMessage(context.Background(), newMessage("slow"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, apperrors.IsType(result.Err, apperrors.ErrTypeTransport))

	route, _ := f.table.Get("r1")
	assert.Equal(t, 1, route.FailureCount)
}

func TestProcessMessage_CancellationAfterSelectionIsFailure(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	f.mem.SetSendFunc(func(sendCtx context.Context, target string, env *transport.Envelope) error {
		cancel()
		<-sendCtx.Done()
		return sendCtx.Err()
	})

	result, err := f.hub.ProcessMessage(ctx, newMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	route, _ := f.table.Get("r1")
	assert.Equal(t, 1, route.FailureCount)
}

func TestProcessMessage_CancelledBeforeRouting(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.hub.ProcessMessage(ctx, newMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Empty(t, result.RouteID)
	assert.Equal(t, 0, f.policy.predictCount())
	assert.Equal(t, int64(1), f.processedCount())
}

func TestProcessMessage_TransportPanicIsFailure(t *testing.T) {
	f := newFixture(t, 3)
	f.mem.SetSendFunc(func(ctx context.Context, target string, env *transport.Envelope) error {
		panic("boom")
	})

	result, err := f.hub.ProcessMessage(context.Background(), newMessage("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Err.Error(), "boom")
}

func TestProcessMessage_NoActiveRoute(t *testing.T) {
	f := newFixture(t, 3)
	f.table.Deactivate("r1")
	f.table.Deactivate("r2")

	result, err := f.hub.ProcessMessage(context.Background(), newMessage("m1"))
	require.ErrorIs(t, err, routing.ErrNoActiveRoute)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNoActiveRoute))
	assert.Equal(t, StatusNoActiveRoute, result.Status)
	assert.Equal(t, 0, f.policy.predictCount())
	assert.Empty(t, f.mem.Sent())
}

func TestProcessMessage_LogsExactlyOncePerCall(t *testing.T) {
	f := newFixture(t, 10)

	_, _ = f.hub.ProcessMessage(context.Background(), newMessage("ok"))
	f.failing.Store(true)
	_, _ = f.hub.ProcessMessage(context.Background(), newMessage("fail"))
	_, _ = f.hub.ProcessMessage(context.Background(), nil)
	f.table.Deactivate("r1")
	f.table.Deactivate("r2")
	_, _ = f.hub.ProcessMessage(context.Background(), newMessage("none"))

	assert.Equal(t, int64(4), f.processedCount())
	messages := f.monitor.CurrentMetrics()["messages"].(map[string]int64)
	assert.Equal(t, int64(1), messages[StatusDelivered])
	assert.Equal(t, int64(1), messages[StatusFailed])
	assert.Equal(t, int64(1), messages[StatusInvalid])
	assert.Equal(t, int64(1), messages[StatusNoActiveRoute])
}

func TestProcessMessage_ConcurrentCallsLogOnceEach(t *testing.T) {
	f := newFixture(t, 1000)
	f.failing.Store(true)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.hub.ProcessMessage(context.Background(), newMessage(""))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), f.processedCount())
	route, _ := f.table.Get("r1")
	assert.Equal(t, 50, route.FailureCount)
}

// Two routes, threshold two: r1 fails twice and drops out, r2 takes over,
// and after the cooldown a successful probe puts r1 back in service.
func TestFailoverScenario(t *testing.T) {
	f := newFixture(t, 2)
	f.failing.Store(true)

	for i := 0; i < 2; i++ {
		result, err := f.hub.ProcessMessage(context.Background(), newMessage("fail"))
		require.NoError(t, err)
		require.Equal(t, "r1", result.RouteID)
		require.Equal(t, StatusFailed, result.Status)
	}
	r1, _ := f.table.Get("r1")
	assert.False(t, r1.Active)
	assert.Equal(t, circuitbreaker.StateOpen, f.breaker.State("r1"))

	result, err := f.hub.ProcessMessage(context.Background(), newMessage("next"))
	require.NoError(t, err)
	assert.Equal(t, "r2", result.RouteID)
	assert.Equal(t, StatusDelivered, result.Status)
	r2, _ := f.table.Get("r2")
	assert.Equal(t, 0, r2.FailureCount)

	f.failing.Store(false)
	f.clock.Advance(30 * time.Second)
	result, err = f.hub.ProcessMessage(context.Background(), newMessage("after-cooldown"))
	require.NoError(t, err)
	assert.Equal(t, "r1", result.RouteID)
	assert.Equal(t, StatusDelivered, result.Status)

	r1, _ = f.table.Get("r1")
	assert.True(t, r1.Active)
	assert.Equal(t, 0, r1.FailureCount)
	assert.Equal(t, circuitbreaker.StateClosed, f.breaker.State("r1"))
}

func TestInitialize_UnreachableTransportStartsDeactivated(t *testing.T) {
	logger, logs := logging.NewObservedLogger(logging.DebugLevel)
	monitor := monitoring.NewMonitor(logger)
	table := routing.NewRouteTable(monitor, logger)
	require.NoError(t, table.Add("ok", true))
	require.NoError(t, table.Add("down", true))
	breaker := circuitbreaker.NewRouteBreaker(circuitbreaker.DefaultConfig(), table, logger)
	router := routing.NewRouter(table, &stubPolicy{}, breaker, monitor, logger)

	mem, err := memory.New("mem", &memory.Config{})
	require.NoError(t, err)
	dispatcher := transport.NewDispatcher(logger)
	require.NoError(t, dispatcher.AddTransport(mem))
	require.NoError(t, dispatcher.AddTransport(&brokenTransport{name: "remote"}))
	require.NoError(t, dispatcher.Bind("ok", "mem", "q"))
	require.NoError(t, dispatcher.Bind("down", "remote", "q"))

	h := New(router, dispatcher, monitor, DefaultConfig(), logger)
	require.NoError(t, h.Initialize(context.Background()))
	defer h.Shutdown(context.Background())

	assert.Equal(t, []string{"ok"}, table.GetActiveRoutes())
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("down"))
	require.Contains(t, h.ConnectErrors(), "remote")
	assert.Equal(t, 1, logs.FilterMessage("Transport unavailable, routes start deactivated").Len())

	dash := h.DashboardUpdate()
	assert.Equal(t, "ok", dash.Transports["mem"])
	assert.NotEqual(t, "ok", dash.Transports["remote"])
}

func TestInitialize_UnreachableTransportRecoversAfterCooldown(t *testing.T) {
	logger, logs := logging.NewObservedLogger(logging.DebugLevel)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	monitor := monitoring.NewMonitor(logger)
	table := routing.NewRouteTable(monitor, logger)
	require.NoError(t, table.Add("remote", true))
	require.NoError(t, table.Add("standby", false))
	breaker := circuitbreaker.NewRouteBreaker(circuitbreaker.DefaultConfig(), table, logger,
		circuitbreaker.WithClock(clock.Now))
	router := routing.NewRouter(table, &stubPolicy{prefer: "remote"}, breaker, monitor, logger)

	inner, err := memory.New("broker", &memory.Config{})
	require.NoError(t, err)
	reachable := &atomic.Bool{}
	dispatcher := transport.NewDispatcher(logger)
	require.NoError(t, dispatcher.AddTransport(flakyTransport{Transport: inner, reachable: reachable}))
	require.NoError(t, dispatcher.Bind("remote", "broker", "orders"))
	require.NoError(t, dispatcher.Bind("standby", "broker", "orders-standby"))

	h := New(router, dispatcher, monitor, DefaultConfig(), logger)
	require.NoError(t, h.Initialize(context.Background()))
	defer h.Shutdown(context.Background())

	require.Empty(t, table.GetActiveRoutes())
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State("remote"))
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("standby"))

	reachable.Store(true)
	clock.Advance(circuitbreaker.DefaultConfig().Cooldown)

	result, err := h.ProcessMessage(context.Background(), newMessage("after-cooldown"))
	require.NoError(t, err)
	assert.Equal(t, "remote", result.RouteID)
	assert.Equal(t, StatusDelivered, result.Status)
	assert.Len(t, inner.Sent(), 1)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State("remote"))
	assert.Equal(t, 1, logs.FilterMessage("Transport reconnected").Len())

	// the standby route was disabled in config and is not brought back by
	// the cooldown that recovered its transport
	assert.Equal(t, []string{"remote"}, table.GetActiveRoutes())
}

func TestUpdateKnowledgeBase(t *testing.T) {
	store := knowledge.NewMemoryStore(100)
	model := learner.NewModel()
	f := newFixture(t, 3, WithKnowledge(store, model))

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.RecordOutcomes(context.Background(), []routing.OutcomeRecord{
		{RouteID: "r1", Features: map[string]string{"kind": "order"}, Status: routing.OutcomeSuccess, Timestamp: now},
		{RouteID: "r1", Features: map[string]string{"kind": "order"}, Status: routing.OutcomeFailure, Timestamp: now},
		{RouteID: "r2", Features: map[string]string{"kind": "order"}, Status: routing.OutcomeSuccess, Timestamp: now},
	}))

	insights, err := f.hub.UpdateKnowledgeBase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, insights.TotalSamples)
	assert.Equal(t, 3, model.Samples())

	stored, err := store.LatestInsights(context.Background())
	require.NoError(t, err)
	r1, ok := stored.Route("r1")
	require.True(t, ok)
	assert.Equal(t, 1, r1.Successes)
	assert.Equal(t, 1, r1.Failures)
}

func TestUpdateKnowledgeBase_NotConfigured(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.hub.UpdateKnowledgeBase(context.Background())
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}

func TestInitialize_WarmsModel(t *testing.T) {
	store := knowledge.NewMemoryStore(100)
	require.NoError(t, store.RecordOutcomes(context.Background(), []routing.OutcomeRecord{
		{RouteID: "r2", Status: routing.OutcomeSuccess, Timestamp: time.Now()},
	}))
	model := learner.NewModel()
	newFixture(t, 3, WithKnowledge(store, model))
	assert.Equal(t, 1, model.Samples())
}

func TestConsume_RoutesInboundMessages(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.hub.Consume(ctx, f.mem, "inbox"))
	require.NoError(t, f.mem.Inject("inbox", []byte(`{"message_id":"in-1","payload":{"n":1}}`)))
	require.NoError(t, f.mem.Inject("inbox", []byte(`{"n":2}`)))

	require.Eventually(t, func() bool { return len(f.mem.Sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	ids := []string{f.mem.Sent()[0].Envelope.MessageID, f.mem.Sent()[1].Envelope.MessageID}
	assert.Contains(t, ids, "in-1")
	assert.Equal(t, "t1", f.mem.Sent()[0].Target)
}

func TestDashboardUpdate(t *testing.T) {
	f := newFixture(t, 3)
	_, _ = f.hub.ProcessMessage(context.Background(), newMessage("m1"))

	dash := f.hub.DashboardUpdate()
	assert.Equal(t, 2, dash.IntegrationStatus.TotalRoutes)
	assert.Equal(t, 2, dash.IntegrationStatus.ActiveRoutes)
	assert.Equal(t, "ok", dash.Transports["mem"])
	assert.Equal(t, true, dash.Metrics["running"])
	assert.Nil(t, dash.Policy)
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.hub.Shutdown(context.Background()))
	require.NoError(t, f.hub.Shutdown(context.Background()))

	assert.Error(t, f.mem.Health())
	assert.Error(t, f.hub.Initialize(context.Background()))
}
