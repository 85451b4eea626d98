// Package pubsub publishes envelopes to Google Cloud Pub/Sub. The route
// target is the topic id; subscriptions consume an existing subscription id.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/common/validation"
	"routing-hub/internal/transport"
)

type Config struct {
	ProjectID              string `yaml:"project_id"`
	CredentialsJSON        string `yaml:"credentials_json"`
	CredentialsPath        string `yaml:"credentials_path"`
	Endpoint               string `yaml:"endpoint"` // emulator host:port
	CreateTopics           bool   `yaml:"create_topics"`
	EnableMessageOrdering  bool   `yaml:"enable_message_ordering"`
	MaxOutstandingMessages int    `yaml:"max_outstanding_messages"`
}

func (c *Config) Validate() error {
	if c.MaxOutstandingMessages <= 0 {
		c.MaxOutstandingMessages = 100
	}
	v := validation.NewValidatorWithPrefix("pubsub transport config")
	v.RequireString(c.ProjectID, "project_id")
	v.Check(c.CredentialsJSON == "" || c.CredentialsPath == "",
		"credentials_json and credentials_path are mutually exclusive")
	return v.Error()
}

func (c *Config) GetType() string { return "pubsub" }

func (c *Config) GetConnectionString() string {
	return fmt.Sprintf("pubsub://projects/%s", c.ProjectID)
}

func DefaultConfig() *Config {
	return &Config{MaxOutstandingMessages: 100}
}

func (c *Config) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case c.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(c.CredentialsJSON)))
	case c.CredentialsPath != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsPath))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint), option.WithoutAuthentication())
	}
	return opts
}

type Transport struct {
	*transport.Base
	config *Config
	extra  []option.ClientOption

	mu     sync.Mutex
	client *pubsub.Client
	topics map[string]*pubsub.Topic
}

func New(name string, config *Config, opts ...option.ClientOption) (*Transport, error) {
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &Transport{
		Base:   base,
		config: config,
		extra:  opts,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// GetFactory returns the pubsub transport factory
func GetFactory() transport.Factory {
	return transport.NewFactory[*Config]("pubsub", DefaultConfig, func(name string, config *Config) (transport.Transport, error) {
		return New(name, config)
	})
}

func (t *Transport) Connect(ctx context.Context) error {
	opts := append(t.config.clientOptions(), t.extra...)
	client, err := pubsub.NewClient(ctx, t.config.ProjectID, opts...)
	if err != nil {
		return errors.ConnectionError("failed to create Pub/Sub client", err)
	}

	t.mu.Lock()
	previous := t.client
	t.client = client
	t.topics = make(map[string]*pubsub.Topic)
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

// topic returns the cached publisher for id, checking existence on first use
func (t *Transport) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, t.NotConnected()
	}
	if topic, ok := t.topics[id]; ok {
		return topic, nil
	}

	topic := t.client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, errors.ConnectionError("failed to check topic existence", err)
	}
	if !exists {
		if !t.config.CreateTopics {
			return nil, errors.ConfigError(fmt.Sprintf("topic %s does not exist", id))
		}
		topic, err = t.client.CreateTopic(ctx, id)
		if err != nil {
			return nil, errors.ConnectionError("failed to create topic "+id, err)
		}
		t.Logger().Info("Created Pub/Sub topic", logging.String("topic_id", id))
	}

	topic.PublishSettings.NumGoroutines = 2
	topic.PublishSettings.CountThreshold = 10
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond
	topic.EnableMessageOrdering = t.config.EnableMessageOrdering
	t.topics[id] = topic
	return topic, nil
}

// Send publishes env and waits for the server-assigned id
func (t *Transport) Send(ctx context.Context, topicID string, env *transport.Envelope) error {
	topic, err := t.topic(ctx, topicID)
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	msg := &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			"message_id": env.MessageID,
			"route_id":   env.RouteID,
		},
	}
	if t.config.EnableMessageOrdering {
		msg.OrderingKey = env.RouteID
	}

	serverID, err := topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			topic.ResumePublish(msg.OrderingKey)
		}
		return errors.ConnectionError("failed to publish to Pub/Sub", err)
	}
	t.Logger().Debug("Envelope published to Pub/Sub",
		logging.String("topic_id", topicID),
		logging.String("server_id", serverID),
	)
	return nil
}

// Subscribe receives from the existing subscription named source until ctx
// is done. Messages are nacked when the handler fails.
func (t *Transport) Subscribe(ctx context.Context, source string, handler transport.Handler) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return t.NotConnected()
	}

	sub := client.Subscription(source)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return errors.ConnectionError("failed to check subscription existence", err)
	}
	if !exists {
		return errors.ConfigError(fmt.Sprintf("subscription %s does not exist", source))
	}
	sub.ReceiveSettings.MaxOutstandingMessages = t.config.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = 1

	go func() {
		err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			if t.Deliver(ctx, handler, source, m.Data) {
				m.Ack()
				return
			}
			m.Nack()
		})
		if err != nil && ctx.Err() == nil {
			t.Logger().Error("Pub/Sub receive stopped", err, logging.String("subscription", source))
			return
		}
		t.Logger().Info("Pub/Sub subscription cancelled", logging.String("subscription", source))
	}()
	return nil
}

func (t *Transport) Health() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return t.NotConnected()
	}
	return nil
}

// Close flushes every cached topic and closes the client
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range t.topics {
		topic.Stop()
	}
	t.topics = make(map[string]*pubsub.Topic)
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
