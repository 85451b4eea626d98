// Package rabbitmq publishes envelopes over AMQP. With an exchange configured
// the route target is the routing key; without one it is the queue name on
// the default exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/common/validation"
	"routing-hub/internal/transport"
)

type Config struct {
	URL          string `yaml:"url" validate:"required,url"`
	PoolSize     int    `yaml:"pool_size" validate:"min=1,max=100"`
	Exchange     string `yaml:"exchange"`
	ExchangeKind string `yaml:"exchange_kind" validate:"omitempty,oneof=direct topic fanout headers"`
	DeclareQueue bool   `yaml:"declare_queue"`
	Transient    bool   `yaml:"transient"`
	Prefetch     int    `yaml:"prefetch" validate:"min=0,max=65535"`
}

func (c *Config) Validate() error {
	if c.PoolSize <= 0 {
		c.PoolSize = 5
	}
	if c.Exchange != "" && c.ExchangeKind == "" {
		c.ExchangeKind = "direct"
	}
	if c.Prefetch == 0 {
		c.Prefetch = 10
	}
	return validation.Struct(c)
}

func (c *Config) GetType() string { return "rabbitmq" }

func (c *Config) GetConnectionString() string {
	if u, err := url.Parse(c.URL); err == nil {
		return fmt.Sprintf("rabbitmq://%s", u.Host)
	}
	return "rabbitmq://***"
}

func DefaultConfig() *Config {
	return &Config{PoolSize: 5, Prefetch: 10}
}

type Transport struct {
	*transport.Base
	config  *Config
	newPool func(url string, size int, logger logging.Logger) (Pool, error)

	mu       sync.RWMutex
	pool     Pool
	declared map[string]bool
}

func New(name string, config *Config) (*Transport, error) {
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &Transport{
		Base:   base,
		config: config,
		newPool: func(url string, size int, logger logging.Logger) (Pool, error) {
			return NewConnectionPool(url, size, logger)
		},
		declared: make(map[string]bool),
	}, nil
}

// NewWithPool builds a transport over an existing pool; Connect is not needed
func NewWithPool(name string, config *Config, pool Pool) (*Transport, error) {
	t, err := New(name, config)
	if err != nil {
		return nil, err
	}
	t.pool = pool
	return t, nil
}

// GetFactory returns the rabbitmq transport factory
func GetFactory() transport.Factory {
	return transport.NewFactory[*Config]("rabbitmq", DefaultConfig, func(name string, config *Config) (transport.Transport, error) {
		return New(name, config)
	})
}

func (t *Transport) Connect(ctx context.Context) error {
	pool, err := t.newPool(t.config.URL, t.config.PoolSize, t.Logger())
	if err != nil {
		return errors.ConnectionError("failed to create RabbitMQ connection pool", err)
	}

	t.mu.Lock()
	previous := t.pool
	t.pool = pool
	t.declared = make(map[string]bool)
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	if t.config.Exchange != "" {
		return t.withClient(ctx, func(c Client) error {
			if err := c.ExchangeDeclare(t.config.Exchange, t.config.ExchangeKind, true, false, false, false, nil); err != nil {
				return errors.InternalError("failed to declare exchange "+t.config.Exchange, err)
			}
			return nil
		})
	}
	return nil
}

func (t *Transport) withClient(ctx context.Context, fn func(Client) error) error {
	t.mu.RLock()
	pool := t.pool
	t.mu.RUnlock()
	if pool == nil {
		return t.NotConnected()
	}

	client, err := pool.NewClient(ctx)
	if err != nil {
		return errors.ConnectionError("failed to get RabbitMQ channel", err)
	}
	defer client.Close()
	return fn(client)
}

func (t *Transport) Send(ctx context.Context, target string, env *transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    env.MessageID,
		Timestamp:    env.SentAt,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"route_id": env.RouteID},
		Body:         body,
	}
	if t.config.Transient {
		publishing.DeliveryMode = amqp.Transient
	}

	return t.withClient(ctx, func(c Client) error {
		if t.config.Exchange == "" && t.config.DeclareQueue {
			if err := t.declareQueue(c, target); err != nil {
				return err
			}
		}
		if err := c.Publish(t.config.Exchange, target, false, false, publishing); err != nil {
			return errors.ConnectionError("failed to publish to RabbitMQ", err)
		}
		return nil
	})
}

// declareQueue declares a durable queue once per connection
func (t *Transport) declareQueue(c Client, name string) error {
	t.mu.RLock()
	done := t.declared[name]
	t.mu.RUnlock()
	if done {
		return nil
	}
	if _, err := c.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return errors.InternalError("failed to declare queue "+name, err)
	}
	t.mu.Lock()
	t.declared[name] = true
	t.mu.Unlock()
	return nil
}

// Subscribe consumes the queue named source. With an exchange configured the
// queue is bound to it using source as the binding key. Failed deliveries are
// requeued.
func (t *Transport) Subscribe(ctx context.Context, source string, handler transport.Handler) error {
	t.mu.RLock()
	pool := t.pool
	t.mu.RUnlock()
	if pool == nil {
		return t.NotConnected()
	}

	client, err := pool.NewClient(ctx)
	if err != nil {
		return errors.ConnectionError("failed to get RabbitMQ channel", err)
	}

	if _, err := client.QueueDeclare(source, true, false, false, false, nil); err != nil {
		client.Close()
		return errors.InternalError("failed to declare queue "+source, err)
	}
	if t.config.Exchange != "" {
		if err := client.QueueBind(source, source, t.config.Exchange, false, nil); err != nil {
			client.Close()
			return errors.InternalError("failed to bind queue "+source, err)
		}
	}
	if err := client.Qos(t.config.Prefetch, 0, false); err != nil {
		client.Close()
		return errors.InternalError("failed to set prefetch", err)
	}

	deliveries, err := client.Consume(source, "", false, false, false, false, nil)
	if err != nil {
		client.Close()
		return errors.InternalError("failed to start consuming from queue "+source, err)
	}

	go func() {
		defer client.Close()
		for {
			select {
			case <-ctx.Done():
				t.Logger().Info("RabbitMQ subscription cancelled", logging.String("queue", source))
				return
			case d, ok := <-deliveries:
				if !ok {
					t.Logger().Warn("RabbitMQ delivery channel closed", logging.String("queue", source))
					return
				}
				if t.Deliver(ctx, handler, source, d.Body) {
					d.Ack(false)
				} else {
					d.Nack(false, true)
				}
			}
		}
	}()
	return nil
}

// Health opens and returns a channel
func (t *Transport) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.withClient(ctx, func(Client) error { return nil })
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pool != nil {
		t.pool.Close()
		t.pool = nil
	}
	return nil
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)
