package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"routing-hub/internal/circuitbreaker"
	apperrors "routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
)

// OutcomeSink persists outcome batches after they were handed to the scorer
type OutcomeSink interface {
	RecordOutcomes(ctx context.Context, records []OutcomeRecord) error
}

// PolicyConfig tunes the scorer calls and the background training loop
type PolicyConfig struct {
	// PredictTimeout bounds a single scorer prediction
	PredictTimeout time.Duration
	// QueueSize is the number of outcomes that may wait for training
	QueueSize int
	// BatchSize is the number of outcomes per Train call
	BatchSize int
	// FlushInterval trains partial batches at least this often
	FlushInterval time.Duration
	// TrainTimeout bounds a single Train call and the sink writes that follow it
	TrainTimeout time.Duration
	// Guard protects the scorer from being hammered while it keeps failing
	Guard circuitbreaker.GuardConfig
}

// DefaultPolicyConfig returns the stock policy settings
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		PredictTimeout: 250 * time.Millisecond,
		QueueSize:      1024,
		BatchSize:      64,
		FlushInterval:  5 * time.Second,
		TrainTimeout:   30 * time.Second,
		Guard:          circuitbreaker.DefaultGuardConfig(),
	}
}

func (c *PolicyConfig) applyDefaults() {
	def := DefaultPolicyConfig()
	if c.PredictTimeout <= 0 {
		c.PredictTimeout = def.PredictTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.TrainTimeout <= 0 {
		c.TrainTimeout = def.TrainTimeout
	}
}

// PolicyStats counts policy activity since start
type PolicyStats struct {
	Queued   int64 `json:"queued"`
	Dropped  int64 `json:"dropped"`
	Trained  int64 `json:"trained"`
	Degraded int64 `json:"degraded"`
	Pending  int   `json:"pending"`
}

// RoutePolicy wraps a Scorer. Predictions are bounded in time and clamped to
// the candidate set; outcome updates are queued and trained in the background.
type RoutePolicy struct {
	scorer  Scorer
	guard   *circuitbreaker.Guard
	config  PolicyConfig
	monitor ActivityLogger
	logger  logging.Logger
	sinks   []OutcomeSink
	now     func() time.Time

	queue     chan OutcomeRecord
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool

	queued   atomic.Int64
	dropped  atomic.Int64
	trained  atomic.Int64
	degraded atomic.Int64
}

// NewRoutePolicy creates a policy around scorer. Call Start to begin training.
func NewRoutePolicy(scorer Scorer, config PolicyConfig, monitor ActivityLogger, logger logging.Logger, sinks ...OutcomeSink) *RoutePolicy {
	config.applyDefaults()
	if monitor == nil {
		monitor = nopActivityLogger{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithFields(logging.Component("route_policy"))

	return &RoutePolicy{
		scorer:  scorer,
		guard:   circuitbreaker.NewGuard("route-scorer", config.Guard, logger),
		config:  config,
		monitor: monitor,
		logger:  logger,
		sinks:   sinks,
		now:     time.Now,
		queue:   make(chan OutcomeRecord, config.QueueSize),
		done:    make(chan struct{}),
	}
}

// Predict returns the scorer's choice among candidates. When the scorer
// fails, times out, is guarded off or answers with an id outside candidates,
// the lexicographically smallest candidate is returned instead.
func (p *RoutePolicy) Predict(ctx context.Context, msg *Message, candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	if len(sorted) == 0 {
		return ""
	}
	fallback := sorted[0]
	if len(sorted) == 1 {
		return fallback
	}

	var choice string
	err := p.guard.Execute(ctx, func() error {
		id, err := p.callScorer(ctx, msg.Features(), sorted)
		if err != nil {
			return err
		}
		if !containsID(sorted, id) {
			return apperrors.PredictionDegradedError(fmt.Sprintf("scorer returned route %q outside the candidate set", id), nil)
		}
		choice = id
		return nil
	})
	if err != nil {
		p.degrade(msg, sorted, fallback, err)
		return fallback
	}
	return choice
}

// callScorer bounds the scorer by PredictTimeout. When the caller's own
// context ends first its error is returned as is, so the guard can tell a
// departed caller from a slow scorer.
func (p *RoutePolicy) callScorer(parent context.Context, features map[string]string, candidates []string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, p.config.PredictTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("scorer panic: %v", r)}
			}
		}()
		id, err := p.scorer.PredictBestRoute(ctx, features, candidates)
		ch <- result{id: id, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil {
			return "", scorerContextError(parent)
		}
		return r.id, r.err
	case <-ctx.Done():
		return "", scorerContextError(parent)
	}
}

func scorerContextError(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return apperrors.TimeoutError("route prediction")
}

func (p *RoutePolicy) degrade(msg *Message, candidates []string, fallback string, cause error) {
	p.degraded.Add(1)
	messageID := ""
	if msg != nil {
		messageID = msg.ID
	}
	p.logger.Warn("Prediction degraded, using fallback route",
		logging.String("message_id", messageID),
		logging.String("fallback", fallback),
		logging.Strings("candidates", candidates),
		logging.Err(cause),
	)
	p.monitor.LogActivity(EventPredictionDegraded, map[string]interface{}{
		"message_id": messageID,
		"fallback":   fallback,
		"candidates": candidates,
		"reason":     cause.Error(),
	})
}

// Update queues an outcome for training and returns immediately. When the
// queue is full or the policy is stopped the outcome is dropped and logged.
func (p *RoutePolicy) Update(routeID string, msg *Message, status Outcome) {
	rec := OutcomeRecord{
		RouteID:   routeID,
		Features:  msg.Features(),
		Status:    status,
		Timestamp: p.now(),
	}
	if msg != nil {
		rec.MessageID = msg.ID
	}

	if !p.stopped.Load() {
		select {
		case p.queue <- rec:
			p.queued.Add(1)
			return
		default:
		}
	}

	p.dropped.Add(1)
	p.logger.Warn("Policy update dropped", logging.String("route_id", routeID), logging.String("status", status.String()))
	p.monitor.LogActivity(EventPolicyUpdateDropped, map[string]interface{}{
		"route_id": routeID,
		"status":   status.String(),
	})
}

// Start launches the training loop. It is safe to call more than once.
func (p *RoutePolicy) Start(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrPolicyStopped
	}
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.run()
		go func() {
			select {
			case <-ctx.Done():
				p.Stop()
			case <-p.done:
			}
		}()
	})
	return nil
}

// Stop trains whatever is still queued and waits for the loop to exit.
func (p *RoutePolicy) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.done)
	})
	p.wg.Wait()
}

func (p *RoutePolicy) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]OutcomeRecord, 0, p.config.BatchSize)
	for {
		select {
		case rec := <-p.queue:
			batch = append(batch, rec)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = make([]OutcomeRecord, 0, p.config.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = make([]OutcomeRecord, 0, p.config.BatchSize)
			}
		case <-p.done:
			for {
				select {
				case rec := <-p.queue:
					batch = append(batch, rec)
				default:
					if len(batch) > 0 {
						p.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (p *RoutePolicy) flush(batch []OutcomeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.TrainTimeout)
	defer cancel()

	if err := p.scorer.Train(ctx, batch); err != nil {
		p.logger.Error("Scorer training failed", err, logging.Int("batch_size", len(batch)))
	} else {
		p.trained.Add(int64(len(batch)))
		p.logger.Debug("Scorer trained", logging.Int("batch_size", len(batch)))
	}

	for _, sink := range p.sinks {
		if err := sink.RecordOutcomes(ctx, batch); err != nil {
			p.logger.Error("Failed to persist outcomes", err, logging.Int("batch_size", len(batch)))
		}
	}
}

// Stats returns policy counters
func (p *RoutePolicy) Stats() PolicyStats {
	return PolicyStats{
		Queued:   p.queued.Load(),
		Dropped:  p.dropped.Load(),
		Trained:  p.trained.Load(),
		Degraded: p.degraded.Load(),
		Pending:  len(p.queue),
	}
}

// GuardState reports whether scorer calls are currently being let through
func (p *RoutePolicy) GuardState() circuitbreaker.State {
	return p.guard.State()
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
