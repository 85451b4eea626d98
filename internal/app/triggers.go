package app

import (
	"context"
	"fmt"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/transport"
)

// startConsumers subscribes the hub to every inbound source of the route
// file. Subscriptions run until ctx is cancelled or the hub shuts down.
func (app *App) startConsumers(ctx context.Context) error {
	for _, in := range app.Routes.Inbound {
		t, ok := app.Dispatcher.Transport(in.Transport)
		if !ok {
			return errors.ConfigError(fmt.Sprintf("inbound transport %q is not defined", in.Transport))
		}
		sub, ok := t.(transport.Subscriber)
		if !ok {
			return errors.ConfigError(fmt.Sprintf("transport %q (%s) cannot consume messages", in.Transport, t.Type()))
		}

		if err := app.Hub.Consume(ctx, sub, in.Source); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", in.Transport, in.Source, err)
		}
	}
	return nil
}
