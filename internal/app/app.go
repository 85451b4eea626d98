package app

import (
	"context"
	stderrors "errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"routing-hub/internal/auth"
	"routing-hub/internal/circuitbreaker"
	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/config"
	"routing-hub/internal/crypto"
	"routing-hub/internal/hub"
	"routing-hub/internal/knowledge"
	"routing-hub/internal/learner"
	"routing-hub/internal/middleware"
	"routing-hub/internal/monitoring"
	"routing-hub/internal/routing"
	"routing-hub/internal/transport"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Routes      *config.RouteFile
	Sealer      *crypto.Sealer
	Dispatcher  *transport.Dispatcher
	Knowledge   knowledge.Store
	Monitor     *monitoring.Monitor
	Table       *routing.RouteTable
	Breaker     *circuitbreaker.RouteBreaker
	Model       *learner.Model
	Policy      *routing.RoutePolicy
	Router      *routing.Router
	Hub         *hub.Hub
	Auth        *auth.Auth
	Limiter     *middleware.RateLimiter
	RedisClient *goredis.Client
	Logger      logging.Logger

	cron *cron.Cron
}

// New wires every component from the process config and the route file.
// Nothing is connected or started until Start.
func New(ctx context.Context, cfg *config.Config, rf *config.RouteFile) (*App, error) {
	app := &App{
		Config: cfg,
		Routes: rf,
		Logger: logging.GetGlobalLogger().WithFields(logging.Component("app")),
	}

	if err := app.initializeEncryption(); err != nil {
		return nil, err
	}
	if err := app.initializeTransports(); err != nil {
		return nil, err
	}
	if err := app.initializeKnowledge(ctx); err != nil {
		app.Cleanup()
		return nil, err
	}
	if err := app.initializeRouting(); err != nil {
		app.Cleanup()
		return nil, err
	}
	if err := app.initializeRedis(ctx); err != nil {
		app.Cleanup()
		return nil, err
	}
	if err := app.initializeAuth(); err != nil {
		app.Cleanup()
		return nil, err
	}
	app.Limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	return app, nil
}

func (app *App) initializeKnowledge(ctx context.Context) error {
	store, err := knowledge.Open(ctx, knowledge.Config{
		Backend:      app.Config.KnowledgeBackend,
		DatabasePath: app.Config.DatabasePath,
		DatabaseURL:  app.Config.DatabaseURL,
		Redis: knowledge.RedisConfig{
			Address:  app.Config.RedisAddress,
			Password: app.Config.RedisPassword,
			DB:       app.Config.RedisDB,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open knowledge base: %w", err)
	}
	app.Knowledge = store
	app.Logger.Info("Knowledge base opened", logging.String("backend", app.Config.KnowledgeBackend))
	return nil
}

func (app *App) initializeRouting() error {
	cfg := app.Config
	app.Monitor = monitoring.NewMonitor(logging.GetGlobalLogger())
	app.Table = routing.NewRouteTable(app.Monitor, logging.GetGlobalLogger())
	for _, spec := range app.Routes.Routes {
		if err := app.Table.Add(spec.ID, spec.IsActive()); err != nil {
			return errors.ConfigError(fmt.Sprintf("route %s: %v", spec.ID, err))
		}
	}

	breakerConfig := circuitbreaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown,
		MaxCooldown:      cfg.MaxCooldown,
		BackoffFactor:    cfg.CooldownBackoffFactor,
	}
	if err := breakerConfig.Validate(); err != nil {
		return errors.ConfigError(err.Error())
	}
	app.Breaker = circuitbreaker.NewRouteBreaker(breakerConfig, app.Table, logging.GetGlobalLogger(),
		circuitbreaker.WithStateChangeHook(app.Monitor.OnBreakerStateChange))

	app.Model = learner.NewModel()
	policyConfig := routing.DefaultPolicyConfig()
	policyConfig.PredictTimeout = cfg.PredictTimeout
	policyConfig.QueueSize = cfg.PolicyQueueSize
	policyConfig.BatchSize = cfg.TrainBatchSize
	policyConfig.FlushInterval = cfg.TrainFlushInterval
	app.Policy = routing.NewRoutePolicy(app.Model, policyConfig, app.Monitor, logging.GetGlobalLogger(), app.Knowledge)

	app.Router = routing.NewRouter(app.Table, app.Policy, app.Breaker, app.Monitor, logging.GetGlobalLogger())

	hubConfig := hub.DefaultConfig()
	hubConfig.DispatchTimeout = cfg.DispatchTimeout
	hubConfig.Workers = cfg.ConsumerWorkers
	app.Hub = hub.New(app.Router, app.Dispatcher, app.Monitor, hubConfig, logging.GetGlobalLogger(),
		hub.WithKnowledge(app.Knowledge, app.Model),
		hub.WithPolicy(app.Policy),
	)

	app.Logger.Info("Routing engine configured",
		logging.Int("routes", app.Table.Len()),
		logging.Int("failure_threshold", cfg.FailureThreshold),
		logging.Duration("cooldown", cfg.Cooldown),
	)
	return nil
}

// Start connects transports, starts the hub and its background jobs and
// begins consuming the inbound sources.
func (app *App) Start(ctx context.Context) error {
	if err := app.Hub.Initialize(ctx); err != nil {
		return err
	}
	if err := app.startJobs(); err != nil {
		return err
	}
	return app.startConsumers(ctx)
}

// Shutdown stops background work and the hub. The hub closes the
// dispatcher and the knowledge base.
func (app *App) Shutdown(ctx context.Context) error {
	var errs []error
	if app.cron != nil {
		select {
		case <-app.cron.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if app.Hub != nil {
		if err := app.Hub.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if app.RedisClient != nil {
		if err := app.RedisClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Cleanup releases resources of an App that was never started
func (app *App) Cleanup() {
	if app.Dispatcher != nil {
		app.Dispatcher.Close()
	}
	if app.Knowledge != nil {
		app.Knowledge.Close()
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}
