package transport

import (
	"context"
	"fmt"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
)

// Base carries the naming and logging every transport shares. Implementations
// embed it.
type Base struct {
	name   string
	typ    string
	logger logging.Logger
}

// NewBase validates config and prepares a logger tagged with the instance
func NewBase(name string, config Config) (*Base, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid %s transport %q: %v", config.GetType(), name, err))
	}

	logger := logging.GetGlobalLogger().WithFields(
		logging.Component("transport"),
		logging.String("transport", name),
		logging.String("type", config.GetType()),
		logging.String("connection", config.GetConnectionString()),
	)

	return &Base{name: name, typ: config.GetType(), logger: logger}, nil
}

func (b *Base) Name() string { return b.name }

func (b *Base) Type() string { return b.typ }

func (b *Base) Logger() logging.Logger { return b.logger }

// NotConnected is the error every transport returns before Connect succeeds
func (b *Base) NotConnected() error {
	return errors.ConnectionError(fmt.Sprintf("%s transport %s not connected", b.typ, b.name), nil)
}

// Deliver decodes inbound bytes and passes them to handler, logging failures
// uniformly. It reports whether the message should be acknowledged.
func (b *Base) Deliver(ctx context.Context, handler Handler, source string, data []byte) bool {
	env, err := DecodeEnvelope(data)
	if err != nil {
		b.logger.Warn("Dropping undecodable inbound message",
			logging.String("source", source),
			logging.Err(err),
		)
		// poison messages are acknowledged so they do not redeliver forever
		return true
	}
	if err := handler(ctx, env); err != nil {
		b.logger.Error("Error handling inbound message", err,
			logging.String("source", source),
			logging.String("message_id", env.MessageID),
		)
		return false
	}
	return true
}
