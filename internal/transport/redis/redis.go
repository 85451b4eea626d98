// Package redis sends envelopes to Redis Streams. The route target names the
// stream. Subscriptions read through a consumer group and acknowledge each
// entry once the handler accepts it.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/transport"
)

const envelopeField = "envelope"

type Config struct {
	Address       string        `yaml:"address"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	Timeout       time.Duration `yaml:"timeout"`
	StreamMaxLen  int64         `yaml:"stream_max_len"` // 0 means no limit
	ConsumerGroup string        `yaml:"consumer_group"`
	ConsumerName  string        `yaml:"consumer_name"`
	Block         time.Duration `yaml:"block"`
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.StreamMaxLen < 0 {
		c.StreamMaxLen = 0
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "routing-hub"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "routing-hub-consumer"
	}
	if c.Block <= 0 {
		c.Block = 100 * time.Millisecond
	}
	return nil
}

func (c *Config) GetType() string { return "redis" }

func (c *Config) GetConnectionString() string {
	return fmt.Sprintf("redis://%s/%d", c.Address, c.DB)
}

func DefaultConfig() *Config {
	return &Config{
		Address:       "localhost:6379",
		PoolSize:      10,
		Timeout:       5 * time.Second,
		ConsumerGroup: "routing-hub",
		ConsumerName:  "routing-hub-consumer",
		Block:         100 * time.Millisecond,
	}
}

type Transport struct {
	*transport.Base
	config *Config

	mu     sync.RWMutex
	client *redis.Client
}

func New(name string, config *Config) (*Transport, error) {
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &Transport{Base: base, config: config}, nil
}

// GetFactory returns the redis streams transport factory
func GetFactory() transport.Factory {
	return transport.NewFactory[*Config]("redis", DefaultConfig, func(name string, config *Config) (transport.Transport, error) {
		return New(name, config)
	})
}

func (t *Transport) Connect(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     t.config.Address,
		Password: t.config.Password,
		DB:       t.config.DB,
		PoolSize: t.config.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return errors.ConnectionError("failed to connect to Redis", err)
	}

	t.mu.Lock()
	previous := t.client
	t.client = client
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

func (t *Transport) rdb() *redis.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

func (t *Transport) Send(ctx context.Context, stream string, env *transport.Envelope) error {
	client := t.rdb()
	if client == nil {
		return t.NotConnected()
	}

	body, err := env.Encode()
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			envelopeField: string(body),
			"message_id":  env.MessageID,
			"route_id":    env.RouteID,
		},
	}
	if t.config.StreamMaxLen > 0 {
		args.MaxLen = t.config.StreamMaxLen
		args.Approx = true
	}

	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return errors.ConnectionError("failed to append to Redis stream", err)
	}

	t.Logger().Debug("Envelope appended to Redis stream",
		logging.String("stream", stream),
		logging.String("entry_id", id),
		logging.String("message_id", env.MessageID),
	)
	return nil
}

// Subscribe reads stream through the configured consumer group until ctx is
// done. Entries whose handler fails stay pending in the group.
func (t *Transport) Subscribe(ctx context.Context, stream string, handler transport.Handler) error {
	client := t.rdb()
	if client == nil {
		return t.NotConnected()
	}

	group := t.config.ConsumerGroup
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.InternalError("failed to create consumer group", err)
	}

	go func() {
		for {
			if ctx.Err() != nil {
				t.Logger().Info("Redis subscription cancelled",
					logging.String("stream", stream),
					logging.String("consumer_group", group),
				)
				return
			}

			client := t.rdb()
			if client == nil {
				t.Logger().Warn("Redis client closed, ending subscription", logging.String("stream", stream))
				return
			}

			streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: t.config.ConsumerName,
				Streams:  []string{stream, ">"},
				Count:    10,
				Block:    t.config.Block,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				t.Logger().Error("Redis consumer error", err, logging.String("stream", stream))
				select {
				case <-ctx.Done():
				case <-time.After(t.config.Block):
				}
				continue
			}

			for _, s := range streams {
				for _, entry := range s.Messages {
					raw, _ := entry.Values[envelopeField].(string)
					if !t.Deliver(ctx, handler, stream, []byte(raw)) {
						continue
					}
					if err := client.XAck(ctx, stream, group, entry.ID).Err(); err != nil {
						t.Logger().Error("Failed to acknowledge Redis entry", err,
							logging.String("stream", stream),
							logging.String("entry_id", entry.ID),
						)
					}
				}
			}
		}
	}()
	return nil
}

func (t *Transport) Health() error {
	client := t.rdb()
	if client == nil {
		return t.NotConnected()
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.config.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return errors.ConnectionError("redis ping failed", err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)
