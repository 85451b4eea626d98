// Package memory is an in-process transport. Sent envelopes are queued per
// target and can be consumed back through Subscribe, which makes it useful
// for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/transport"
)

const redeliveryDelay = 50 * time.Millisecond

type Config struct {
	Buffer      int      `yaml:"buffer"`
	FailTargets []string `yaml:"fail_targets"` // sends to these targets always fail
}

func (c *Config) Validate() error {
	if c.Buffer < 0 {
		return fmt.Errorf("buffer must not be negative")
	}
	if c.Buffer == 0 {
		c.Buffer = 256
	}
	return nil
}

func (c *Config) GetType() string { return "memory" }

func (c *Config) GetConnectionString() string { return "memory://" }

func DefaultConfig() *Config {
	return &Config{Buffer: 256}
}

// Sent is one delivered envelope
type Sent struct {
	Target   string
	Envelope *transport.Envelope
}

type Transport struct {
	*transport.Base
	config *Config

	mu        sync.Mutex
	connected bool
	queues    map[string]chan []byte
	sent      []Sent
	sendFunc  func(ctx context.Context, target string, env *transport.Envelope) error
}

func New(name string, config *Config) (*Transport, error) {
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &Transport{
		Base:   base,
		config: config,
		queues: make(map[string]chan []byte),
	}, nil
}

// GetFactory returns the memory transport factory
func GetFactory() transport.Factory {
	return transport.NewFactory[*Config]("memory", DefaultConfig, func(name string, config *Config) (transport.Transport, error) {
		return New(name, config)
	})
}

// SetSendFunc overrides delivery; tests use it to inject failures and delays
func (t *Transport) SetSendFunc(fn func(ctx context.Context, target string, env *transport.Envelope) error) {
	t.mu.Lock()
	t.sendFunc = fn
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, target string, env *transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	connected := t.connected
	sendFunc := t.sendFunc
	t.mu.Unlock()

	if !connected {
		return t.NotConnected()
	}
	if sendFunc != nil {
		if err := sendFunc(ctx, target, env); err != nil {
			return err
		}
	}
	for _, failing := range t.config.FailTargets {
		if failing == target {
			return errors.ConnectionError(fmt.Sprintf("target %s rejected the message", target), nil)
		}
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	pushDropOldest(t.queueLocked(target), data)
	t.sent = append(t.sent, Sent{Target: target, Envelope: env})
	if len(t.sent) > t.config.Buffer {
		t.sent = t.sent[len(t.sent)-t.config.Buffer:]
	}
	return nil
}

// pushDropOldest queues data, discarding the oldest entry when full. Callers
// hold t.mu, so the queue cannot refill between the two selects.
func pushDropOldest(q chan []byte, data []byte) {
	select {
	case q <- data:
		return
	default:
	}
	select {
	case <-q:
	default:
	}
	select {
	case q <- data:
	default:
	}
}

// Inject queues raw inbound bytes on source as if a producer had sent them
func (t *Transport) Inject(source string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case t.queueLocked(source) <- data:
		return nil
	default:
		return errors.RateLimitError("memory source " + source)
	}
}

// Subscribe consumes the queue for source until ctx is done. A message whose
// handler fails is queued again.
func (t *Transport) Subscribe(ctx context.Context, source string, handler transport.Handler) error {
	t.mu.Lock()
	queue := t.queueLocked(source)
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.Logger().Info("Memory subscription cancelled", logging.String("source", source))
				return
			case data := <-queue:
				if !t.Deliver(ctx, handler, source, data) {
					select {
					case <-ctx.Done():
						return
					case <-time.After(redeliveryDelay):
					}
					select {
					case queue <- data:
					default:
					}
				}
			}
		}
	}()
	return nil
}

// Sent returns a copy of the most recent delivered envelopes in order
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

func (t *Transport) Health() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return t.NotConnected()
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) queueLocked(name string) chan []byte {
	q, ok := t.queues[name]
	if !ok {
		q = make(chan []byte, t.config.Buffer)
		t.queues[name] = q
	}
	return q
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)
