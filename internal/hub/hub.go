// Package hub ties the router to the transports, the monitor and the
// knowledge base. It owns the per-message processing flow and the
// lifecycle of everything the router depends on.
package hub

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/common/utils"
	"routing-hub/internal/knowledge"
	"routing-hub/internal/monitoring"
	"routing-hub/internal/routing"
	"routing-hub/internal/transport"
)

// Processing statuses reported in the message_processed event
const (
	StatusDelivered     = "delivered"
	StatusFailed        = "failed"
	StatusNoActiveRoute = "no_active_route"
	StatusCancelled     = "cancelled"
	StatusInvalid       = "invalid"
)

// Router is the part of routing.Router the hub drives
type Router interface {
	DetermineRoute(ctx context.Context, msg *routing.Message) (string, error)
	RecordOutcome(routeID string, msg *routing.Message, status routing.Outcome)
	TripRoute(routeID string) error
	RefreshBreakers()
	GetIntegrationHealth() routing.IntegrationHealth
}

// Dispatcher delivers messages over the transport bound to a route
type Dispatcher interface {
	Connect(ctx context.Context) map[string]error
	RoutesFor(transportName string) []string
	Send(ctx context.Context, routeID string, msg *routing.Message) error
	Health() map[string]string
	Close() error
}

// Monitor receives activity events and serves dashboard metrics
type Monitor interface {
	routing.ActivityLogger
	CurrentMetrics() map[string]interface{}
	SetActiveRoutes(n int)
	Start()
	Stop()
}

// Learner is the retrainable model behind the route policy
type Learner interface {
	Retrain(ctx context.Context, records []routing.OutcomeRecord) error
	Warm(ctx context.Context, records []routing.OutcomeRecord) error
	Insights() knowledge.Insights
}

// Policy is the background side of the route policy
type Policy interface {
	Start(ctx context.Context) error
	Stop()
}

type policyStats interface {
	Stats() routing.PolicyStats
}

// Config tunes message processing
type Config struct {
	DispatchTimeout time.Duration
	Workers         int // concurrent messages per Consume call
	WarmLimit       int // outcomes loaded to seed the model at startup
	RetrainLimit    int // outcomes loaded per UpdateKnowledgeBase
}

func DefaultConfig() Config {
	return Config{
		DispatchTimeout: 10 * time.Second,
		Workers:         4,
		WarmLimit:       10000,
		RetrainLimit:    50000,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.WarmLimit <= 0 {
		c.WarmLimit = d.WarmLimit
	}
	if c.RetrainLimit <= 0 {
		c.RetrainLimit = d.RetrainLimit
	}
}

// Result describes what happened to one message. Err carries delivery
// failures, which are not returned as errors from ProcessMessage.
type Result struct {
	MessageID string          `json:"message_id"`
	RouteID   string          `json:"route_id,omitempty"`
	Status    string          `json:"status"`
	Duration  time.Duration   `json:"duration"`
	Outcome   routing.Outcome `json:"outcome"`
	Err       error           `json:"-"`
}

// Dashboard is the snapshot served to operators
type Dashboard struct {
	Metrics           map[string]interface{}    `json:"metrics"`
	IntegrationStatus routing.IntegrationHealth `json:"integration_status"`
	Transports        map[string]string         `json:"transports,omitempty"`
	Policy            *routing.PolicyStats      `json:"policy,omitempty"`
	GeneratedAt       time.Time                 `json:"generated_at"`
}

// Option configures a Hub
type Option func(*Hub)

// WithKnowledge enables warm start and retraining from store
func WithKnowledge(store knowledge.Store, model Learner) Option {
	return func(h *Hub) {
		h.store = store
		h.model = model
	}
}

// WithPolicy lets the hub start and stop the policy's training loop
func WithPolicy(policy Policy) Option {
	return func(h *Hub) { h.policy = policy }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

type Hub struct {
	router     Router
	dispatcher Dispatcher
	monitor    Monitor
	policy     Policy
	store      knowledge.Store
	model      Learner
	config     Config
	logger     logging.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	connectErrors map[string]error
	started       bool
	stopped       bool
	retrainMu     sync.Mutex
}

func New(router Router, dispatcher Dispatcher, monitor Monitor, config Config, logger logging.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		router:        router,
		dispatcher:    dispatcher,
		monitor:       monitor,
		config:        config,
		logger:        logger.WithFields(logging.Component("hub")),
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		connectErrors: make(map[string]error),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Initialize connects the transports and starts the background pieces.
// Active routes bound to a transport that fails to connect start
// deactivated. The dispatcher reconnects the transport on the first send
// after their cooldown, so they recover through the breaker once it is
// reachable.
func (h *Hub) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return errors.InternalError("hub is shut down", nil)
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	failures := h.dispatcher.Connect(ctx)
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	active := make(map[string]bool)
	if len(names) > 0 {
		for _, rh := range h.router.GetIntegrationHealth().Routes {
			active[rh.ID] = rh.Active
		}
	}
	for _, name := range names {
		var routes []string
		for _, routeID := range h.dispatcher.RoutesFor(name) {
			if active[routeID] {
				routes = append(routes, routeID)
			}
		}
		for _, routeID := range routes {
			if err := h.router.TripRoute(routeID); err != nil {
				h.logger.Warn("Failed to deactivate route of unreachable transport",
					logging.String("route_id", routeID), logging.Err(err))
			}
		}
		h.logger.Error("Transport unavailable, routes start deactivated", failures[name],
			logging.String("transport", name),
			logging.Strings("routes", routes),
		)
	}
	h.mu.Lock()
	h.connectErrors = failures
	h.mu.Unlock()

	h.monitor.Start()
	h.warm(ctx)

	if h.policy != nil {
		if err := h.policy.Start(h.ctx); err != nil {
			return errors.InternalError("failed to start route policy", err)
		}
	}
	h.monitor.SetActiveRoutes(h.router.GetIntegrationHealth().ActiveRoutes)

	h.logger.Info("Hub initialized",
		logging.Int("transports_failed", len(failures)),
		logging.Int("routes", h.router.GetIntegrationHealth().TotalRoutes),
	)
	return nil
}

// warm seeds the model from persisted outcomes. A cold model is not fatal.
func (h *Hub) warm(ctx context.Context) {
	if h.store == nil || h.model == nil {
		return
	}
	records, err := h.store.LoadOutcomes(ctx, time.Time{}, h.config.WarmLimit)
	if err != nil {
		h.logger.Warn("Could not load outcomes, starting with a cold model", logging.Err(err))
		return
	}
	if err := h.model.Warm(ctx, records); err != nil {
		h.logger.Warn("Model warm start failed", logging.Err(err))
		return
	}
	h.logger.Info("Model warmed from knowledge base", logging.Int("records", len(records)))
}

// ConnectErrors returns the transport connection failures seen by Initialize
func (h *Hub) ConnectErrors() map[string]error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]error, len(h.connectErrors))
	for k, v := range h.connectErrors {
		out[k] = v
	}
	return out
}

// ProcessMessage routes and delivers one message. Only routing.ErrNoActiveRoute
// is returned as an error; delivery failures are recorded against the route
// and reported in Result.Err.
func (h *Hub) ProcessMessage(ctx context.Context, msg *routing.Message) (result Result, err error) {
	start := h.now()
	defer func() {
		result.Duration = h.now().Sub(start)
		payload := map[string]interface{}{
			"message_id":  result.MessageID,
			"status":      result.Status,
			"duration_ms": result.Duration.Milliseconds(),
		}
		if result.RouteID != "" {
			payload["route_id"] = result.RouteID
		}
		if result.Err != nil {
			payload["error"] = result.Err.Error()
		}
		h.monitor.LogActivity(monitoring.EventMessageProcessed, payload)
	}()

	if msg == nil {
		result.Status = StatusInvalid
		result.Err = errors.ValidationError("message is required")
		return result, nil
	}
	if msg.ID == "" {
		msg.ID = utils.NewMessageID()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = start
	}
	result.MessageID = msg.ID

	if err := ctx.Err(); err != nil {
		result.Status = StatusCancelled
		result.Err = err
		return result, nil
	}

	routeID, err := h.router.DetermineRoute(ctx, msg)
	if err != nil {
		if stderrors.Is(err, routing.ErrNoActiveRoute) {
			h.logger.Warn("No active route, message dropped", logging.String("message_id", msg.ID))
			result.Status = StatusNoActiveRoute
			result.Err = err
			return result, err
		}
		// DetermineRoute only fails with ErrNoActiveRoute today
		result.Status = StatusFailed
		result.Err = err
		return result, nil
	}
	result.RouteID = routeID

	if err := h.dispatch(ctx, routeID, msg); err != nil {
		h.HandleFailure(ctx, routeID, msg, err)
		result.Status = StatusFailed
		result.Outcome = routing.OutcomeFailure
		result.Err = err
		return result, nil
	}

	h.router.RecordOutcome(routeID, msg, routing.OutcomeSuccess)
	result.Status = StatusDelivered
	result.Outcome = routing.OutcomeSuccess
	h.logger.Debug("Message delivered",
		logging.String("message_id", msg.ID),
		logging.String("route_id", routeID),
	)
	return result, nil
}

// dispatch sends msg under the dispatch timeout. A panicking transport is
// reported as a failure of the route.
func (h *Hub) dispatch(ctx context.Context, routeID string, msg *routing.Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.DispatchTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.TransportError(routeID, errors.InternalError(fmt.Sprintf("transport panic: %v", r), nil))
			}
		}()
		done <- h.dispatcher.Send(ctx, routeID, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.TransportError(routeID, errors.TimeoutError("dispatch"))
		}
		return errors.TransportError(routeID, ctx.Err())
	}
}

// HandleFailure logs a delivery failure and records it against the route
func (h *Hub) HandleFailure(ctx context.Context, routeID string, msg *routing.Message, cause error) {
	fields := []logging.Field{logging.String("route_id", routeID)}
	if msg != nil {
		fields = append(fields, logging.String("message_id", msg.ID))
	}
	h.logger.WithContext(ctx).Error("Message delivery failed", cause, fields...)
	h.router.RecordOutcome(routeID, msg, routing.OutcomeFailure)
}

// UpdateKnowledgeBase retrains the model from persisted outcomes and stores
// a fresh insights summary. Concurrent calls are serialized.
func (h *Hub) UpdateKnowledgeBase(ctx context.Context) (*knowledge.Insights, error) {
	if h.store == nil || h.model == nil {
		return nil, errors.ConfigError("knowledge base is not configured")
	}
	h.retrainMu.Lock()
	defer h.retrainMu.Unlock()

	records, err := h.store.LoadOutcomes(ctx, time.Time{}, h.config.RetrainLimit)
	if err != nil {
		return nil, errors.InternalError("failed to load outcomes", err)
	}
	if err := h.model.Retrain(ctx, records); err != nil {
		return nil, errors.InternalError("failed to retrain model", err)
	}

	insights := h.model.Insights()
	if err := h.store.UpdateInsights(ctx, insights); err != nil {
		return nil, errors.InternalError("failed to store insights", err)
	}
	h.monitor.LogActivity("knowledge_updated", map[string]interface{}{
		"records": len(records),
		"routes":  len(insights.Routes),
	})
	return &insights, nil
}

// RefreshBreakers applies pending cooldown transitions and republishes the
// active route gauge
func (h *Hub) RefreshBreakers() {
	h.router.RefreshBreakers()
	h.monitor.SetActiveRoutes(h.router.GetIntegrationHealth().ActiveRoutes)
}

// DashboardUpdate returns monitoring metrics and route health
func (h *Hub) DashboardUpdate() Dashboard {
	health := h.router.GetIntegrationHealth()
	h.monitor.SetActiveRoutes(health.ActiveRoutes)

	d := Dashboard{
		Metrics:           h.monitor.CurrentMetrics(),
		IntegrationStatus: health,
		Transports:        h.dispatcher.Health(),
		GeneratedAt:       h.now(),
	}
	if ps, ok := h.policy.(policyStats); ok {
		stats := ps.Stats()
		d.Policy = &stats
	}
	return d
}

type job struct {
	ctx   context.Context
	env   *transport.Envelope
	reply chan error
}

// Consume processes messages from source on sub with a bounded pool of
// workers until ctx is done or the hub shuts down. A message whose delivery
// fails is returned to the subscriber unacknowledged.
func (h *Hub) Consume(ctx context.Context, sub transport.Subscriber, source string) error {
	ctx, cancel := context.WithCancel(ctx)
	jobs := make(chan job)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-ctx.Done():
		case <-h.ctx.Done():
			cancel()
		}
	}()

	for w := 0; w < h.config.Workers; w++ {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-jobs:
					j.reply <- h.consumeOne(j.ctx, j.env)
				}
			}
		}()
	}

	handler := func(msgCtx context.Context, env *transport.Envelope) error {
		reply := make(chan error, 1)
		select {
		case jobs <- job{ctx: msgCtx, env: env, reply: reply}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := sub.Subscribe(ctx, source, handler); err != nil {
		cancel()
		return err
	}
	h.logger.Info("Consuming inbound messages",
		logging.String("source", source),
		logging.Int("workers", h.config.Workers),
	)
	return nil
}

func (h *Hub) consumeOne(ctx context.Context, env *transport.Envelope) error {
	result, err := h.ProcessMessage(ctx, env.Message())
	if err != nil {
		return err
	}
	return result.Err
}

// Shutdown stops consumers, flushes the policy and closes every connection
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("Consumers did not stop before the shutdown deadline")
	}

	if h.policy != nil {
		h.policy.Stop()
	}
	h.monitor.Stop()

	var errs []error
	if err := h.dispatcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close knowledge store: %w", err))
		}
	}
	h.logger.Info("Hub stopped")
	return stderrors.Join(errs...)
}
