// Package kafka produces envelopes to Kafka topics. The route target is the
// topic; the envelope's route id is the record key so one route's records
// stay ordered within a partition.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/transport"
)

type Config struct {
	Brokers          []string      `yaml:"brokers"`
	ClientID         string        `yaml:"client_id"`
	GroupID          string        `yaml:"group_id"`
	SecurityProtocol string        `yaml:"security_protocol"`
	SASLMechanism    string        `yaml:"sasl_mechanism"`
	SASLUsername     string        `yaml:"sasl_username"`
	SASLPassword     string        `yaml:"sasl_password"`
	Acks             string        `yaml:"acks"`
	Timeout          time.Duration `yaml:"timeout"`
}

var (
	validProtocols  = []string{"PLAINTEXT", "SSL", "SASL_PLAINTEXT", "SASL_SSL"}
	validMechanisms = []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}
)

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	for _, b := range c.Brokers {
		if b == "" {
			return fmt.Errorf("empty kafka broker address")
		}
	}

	if c.ClientID == "" {
		c.ClientID = "routing-hub"
	}
	if c.GroupID == "" {
		c.GroupID = "routing-hub"
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SecurityProtocol == "" {
		c.SecurityProtocol = "PLAINTEXT"
	}
	if !contains(validProtocols, c.SecurityProtocol) {
		return fmt.Errorf("invalid security protocol: %s", c.SecurityProtocol)
	}

	if strings.HasPrefix(c.SecurityProtocol, "SASL_") {
		if c.SASLMechanism == "" {
			c.SASLMechanism = "PLAIN"
		}
		if !contains(validMechanisms, c.SASLMechanism) {
			return fmt.Errorf("invalid SASL mechanism: %s", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return fmt.Errorf("SASL username and password are required for SASL authentication")
		}
	}
	return nil
}

func (c *Config) GetType() string { return "kafka" }

func (c *Config) GetConnectionString() string { return strings.Join(c.Brokers, ",") }

func DefaultConfig() *Config {
	return &Config{
		Brokers:          []string{"localhost:9092"},
		ClientID:         "routing-hub",
		GroupID:          "routing-hub",
		SecurityProtocol: "PLAINTEXT",
		Acks:             "all",
		Timeout:          10 * time.Second,
	}
}

// ConfigMap builds the librdkafka settings shared by producers and consumers
func (c *Config) ConfigMap(clientSuffix string) *kafka.ConfigMap {
	m := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"client.id":         c.ClientID + clientSuffix,
	}
	if c.SecurityProtocol != "PLAINTEXT" {
		m["security.protocol"] = c.SecurityProtocol
	}
	if strings.HasPrefix(c.SecurityProtocol, "SASL_") {
		m["sasl.mechanism"] = c.SASLMechanism
		m["sasl.username"] = c.SASLUsername
		m["sasl.password"] = c.SASLPassword
	}
	return &m
}

func (c *Config) producerConfig() *kafka.ConfigMap {
	m := c.ConfigMap("")
	(*m)["acks"] = c.Acks
	(*m)["message.timeout.ms"] = int(c.Timeout / time.Millisecond)
	return m
}

func (c *Config) consumerConfig() *kafka.ConfigMap {
	m := c.ConfigMap("-consumer")
	(*m)["group.id"] = c.GroupID
	(*m)["session.timeout.ms"] = 6000
	(*m)["auto.offset.reset"] = "earliest"
	(*m)["enable.auto.commit"] = false
	return m
}

// producer is the subset of *kafka.Producer the transport uses
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Flush(timeoutMs int) int
	Close()
}

// consumer is the subset of *kafka.Consumer the transport uses
type consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

type Transport struct {
	*transport.Base
	config *Config

	newProducer func(*kafka.ConfigMap) (producer, error)
	newConsumer func(*kafka.ConfigMap) (consumer, error)

	mu        sync.RWMutex
	producer  producer
	consumers []consumer
}

func New(name string, config *Config) (*Transport, error) {
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &Transport{
		Base:   base,
		config: config,
		newProducer: func(m *kafka.ConfigMap) (producer, error) {
			return kafka.NewProducer(m)
		},
		newConsumer: func(m *kafka.ConfigMap) (consumer, error) {
			return kafka.NewConsumer(m)
		},
	}, nil
}

// GetFactory returns the kafka transport factory
func GetFactory() transport.Factory {
	return transport.NewFactory[*Config]("kafka", DefaultConfig, func(name string, config *Config) (transport.Transport, error) {
		return New(name, config)
	})
}

// Connect creates the producer and fetches cluster metadata to prove the
// brokers are reachable
func (t *Transport) Connect(ctx context.Context) error {
	p, err := t.newProducer(t.config.producerConfig())
	if err != nil {
		return errors.ConnectionError("failed to create Kafka producer", err)
	}
	if _, err := p.GetMetadata(nil, false, t.timeoutMs(ctx)); err != nil {
		p.Close()
		return errors.ConnectionError("failed to reach Kafka brokers", err)
	}

	t.mu.Lock()
	previous := t.producer
	t.producer = p
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

func (t *Transport) timeoutMs(ctx context.Context) int {
	timeout := t.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return int(timeout / time.Millisecond)
}

func (t *Transport) Send(ctx context.Context, topic string, env *transport.Envelope) error {
	t.mu.RLock()
	p := t.producer
	t.mu.RUnlock()
	if p == nil {
		return t.NotConnected()
	}

	body, err := env.Encode()
	if err != nil {
		return err
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(env.RouteID),
		Value:          body,
		Timestamp:      env.SentAt,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(env.MessageID)},
			{Key: "route_id", Value: []byte(env.RouteID)},
		},
	}

	delivery := make(chan kafka.Event, 1)
	if err := p.Produce(msg, delivery); err != nil {
		return errors.ConnectionError("failed to produce Kafka record", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-delivery:
		m, ok := e.(*kafka.Message)
		if !ok {
			return errors.InternalError(fmt.Sprintf("unexpected Kafka delivery event %v", e), nil)
		}
		if m.TopicPartition.Error != nil {
			return errors.ConnectionError("Kafka delivery failed", m.TopicPartition.Error)
		}
		t.Logger().Debug("Record delivered",
			logging.String("topic", topic),
			logging.Int("partition", int(m.TopicPartition.Partition)),
			logging.String("offset", m.TopicPartition.Offset.String()),
		)
		return nil
	}
}

// Subscribe consumes topic in the configured group. Offsets are committed
// only after the handler accepts a record.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler transport.Handler) error {
	c, err := t.newConsumer(t.config.consumerConfig())
	if err != nil {
		return errors.ConnectionError("failed to create Kafka consumer", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		c.Close()
		return errors.InternalError("failed to subscribe to topic "+topic, err)
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	go func() {
		defer t.closeConsumer(c)
		for ctx.Err() == nil {
			msg, err := c.ReadMessage(200 * time.Millisecond)
			if err != nil {
				if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				t.Logger().Error("Kafka consumer error", err, logging.String("topic", topic))
				continue
			}
			if !t.Deliver(ctx, handler, topic, msg.Value) {
				continue
			}
			if _, err := c.CommitMessage(msg); err != nil {
				t.Logger().Warn("Failed to commit Kafka offset", logging.String("topic", topic), logging.Err(err))
			}
		}
		t.Logger().Info("Kafka subscription cancelled", logging.String("topic", topic))
	}()
	return nil
}

func (t *Transport) closeConsumer(c consumer) {
	t.mu.Lock()
	for i, existing := range t.consumers {
		if existing == c {
			t.consumers = append(t.consumers[:i], t.consumers[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	c.Close()
}

func (t *Transport) Health() error {
	t.mu.RLock()
	p := t.producer
	t.mu.RUnlock()
	if p == nil {
		return t.NotConnected()
	}
	if _, err := p.GetMetadata(nil, false, 2000); err != nil {
		return errors.ConnectionError("Kafka metadata request failed", err)
	}
	return nil
}

// Close flushes outstanding records and closes the producer. Consumers stop
// when their subscription context ends.
func (t *Transport) Close() error {
	t.mu.Lock()
	p := t.producer
	t.producer = nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}
	if remaining := p.Flush(int(t.config.Timeout / time.Millisecond)); remaining > 0 {
		t.Logger().Warn("Kafka records left unflushed on close", logging.Int("remaining", remaining))
	}
	p.Close()
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)
