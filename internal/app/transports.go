package app

import (
	"fmt"

	"routing-hub/internal/common/logging"
	"routing-hub/internal/transport"
	"routing-hub/internal/transport/aws"
	"routing-hub/internal/transport/kafka"
	"routing-hub/internal/transport/memory"
	"routing-hub/internal/transport/pubsub"
	"routing-hub/internal/transport/rabbitmq"
	redistransport "routing-hub/internal/transport/redis"
	"routing-hub/internal/transport/webhook"
	"routing-hub/internal/transport/websocket"
)

// NewTransportRegistry returns a registry with every built-in transport type
func NewTransportRegistry() *transport.Registry {
	registry := transport.NewRegistry()
	registry.Register(memory.GetFactory())
	registry.Register(webhook.GetFactory())
	registry.Register(websocket.GetFactory())
	registry.Register(redistransport.GetFactory())
	registry.Register(rabbitmq.GetFactory())
	registry.Register(kafka.GetFactory())
	registry.Register(aws.GetSQSFactory())
	registry.Register(aws.GetSNSFactory())
	registry.Register(pubsub.GetFactory())
	return registry
}

func (app *App) initializeTransports() error {
	dispatcher, err := transport.Build(app.Routes, NewTransportRegistry(), app.Sealer, logging.GetGlobalLogger())
	if err != nil {
		return fmt.Errorf("failed to build transports: %w", err)
	}
	app.Dispatcher = dispatcher
	app.Logger.Info("Transports configured",
		logging.Int("transports", len(app.Routes.Transports)),
		logging.Int("routes", len(app.Routes.Routes)),
	)
	return nil
}
