package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"routing-hub/internal/common/logging"
)

// Pool hands out channels over pooled AMQP connections
type Pool interface {
	NewClient(ctx context.Context) (Client, error)
	Close()
}

// Client is one AMQP channel borrowed from a Pool. Close returns the
// underlying connection.
type Client interface {
	Close()
	Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

type dialFunc func(url string) (*amqp.Connection, error)

// ConnectionPool keeps up to maxSize idle connections. Dead connections are
// replaced on checkout.
type ConnectionPool struct {
	url         string
	dial        dialFunc
	connections chan *amqp.Connection
	logger      logging.Logger

	mu     sync.RWMutex
	closed bool
}

// NewConnectionPool dials one connection eagerly so a bad URL or an
// unreachable broker fails fast; the rest are created on demand.
func NewConnectionPool(url string, maxSize int, logger logging.Logger) (*ConnectionPool, error) {
	p := &ConnectionPool{
		url:         url,
		dial:        amqp.Dial,
		connections: make(chan *amqp.Connection, maxSize),
		logger:      logger,
	}

	conn, err := p.dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial RabbitMQ connection: %w", err)
	}
	p.connections <- conn
	return p, nil
}

func (p *ConnectionPool) getConnection(ctx context.Context) (*amqp.Connection, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("connection pool is closed")
	}

	select {
	case conn, ok := <-p.connections:
		if !ok {
			return nil, fmt.Errorf("connection pool is closed")
		}
		if !conn.IsClosed() {
			return conn, nil
		}
		p.logger.Debug("Replacing closed RabbitMQ connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	conn, err := p.dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ connection: %w", err)
	}
	return conn, nil
}

func (p *ConnectionPool) returnConnection(conn *amqp.Connection) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || conn.IsClosed() {
		conn.Close()
		return
	}
	select {
	case p.connections <- conn:
	default:
		conn.Close()
	}
}

func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.connections)
	for conn := range p.connections {
		conn.Close()
	}
}

func (p *ConnectionPool) NewClient(ctx context.Context) (Client, error) {
	conn, err := p.getConnection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		p.returnConnection(conn)
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &channelClient{pool: p, conn: conn, ch: ch}, nil
}

type channelClient struct {
	pool *ConnectionPool
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (c *channelClient) Close() {
	c.ch.Close()
	c.pool.returnConnection(c.conn)
}

func (c *channelClient) Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.ch.Publish(exchange, routingKey, mandatory, immediate, msg)
}

func (c *channelClient) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *channelClient) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclarePassive(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *channelClient) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (c *channelClient) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.ch.QueueBind(name, key, exchange, noWait, args)
}

func (c *channelClient) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.ch.Qos(prefetchCount, prefetchSize, global)
}

func (c *channelClient) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

var (
	_ Pool   = (*ConnectionPool)(nil)
	_ Client = (*channelClient)(nil)
)
