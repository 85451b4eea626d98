// Package websocket carries envelopes over a single long-lived WebSocket
// connection. Outbound frames name their target; the peer may acknowledge
// each one. Inbound frames for subscribed sources are acknowledged after the
// handler accepts them.
package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"routing-hub/internal/common/errors"
	"routing-hub/internal/common/logging"
	"routing-hub/internal/common/validation"
	"routing-hub/internal/transport"
)

const (
	FrameMessage   = "message"
	FrameAck       = "ack"
	FrameError     = "error"
	FrameSubscribe = "subscribe"
)

// Frame is the JSON object exchanged in both directions
type Frame struct {
	Type      string              `json:"type"`
	Target    string              `json:"target,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
	Envelope  *transport.Envelope `json:"envelope,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type Config struct {
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	AwaitAck         bool              `yaml:"await_ack"`
	AckTimeout       time.Duration     `yaml:"ack_timeout"`
	ReconnectDelay   time.Duration     `yaml:"reconnect_delay"`
	MaxReconnect     time.Duration     `yaml:"max_reconnect_delay"`
}

func (c *Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = 60 * time.Second
	}
	return validation.NewValidatorWithPrefix("websocket transport config").
		RequireURL(c.URL, "url", "ws", "wss").
		Error()
}

func (c *Config) GetType() string { return "websocket" }

func (c *Config) GetConnectionString() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "ws://***"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		AckTimeout:       5 * time.Second,
		ReconnectDelay:   time.Second,
		MaxReconnect:     60 * time.Second,
	}
}

type subscription struct {
	ctx     context.Context
	handler transport.Handler
}

type Transport struct {
	*transport.Base
	config *Config
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	closed        bool
	cancel        context.CancelFunc
	pending       map[string]chan error
	subscriptions map[string]subscription
}

func New(name string, config *Config) (*Transport, error) {
	base, err := transport.NewBase(name, config)
	if err != nil {
		return nil, err
	}
	return &Transport{
		Base:          base,
		config:        config,
		dialer:        &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		pending:       make(map[string]chan error),
		subscriptions: make(map[string]subscription),
	}, nil
}

// GetFactory returns the websocket transport factory
func GetFactory() transport.Factory {
	return transport.NewFactory[*Config]("websocket", DefaultConfig, func(name string, config *Config) (transport.Transport, error) {
		return New(name, config)
	})
}

// Connect dials the peer. After a successful dial a dropped connection is
// re-established in the background until Close.
func (t *Transport) Connect(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.closed = false
	t.cancel = cancel
	previous := t.conn
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	t.attach(conn)
	go t.readLoop(loopCtx, conn)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.ConnectionError(fmt.Sprintf("websocket handshake failed with status %d", resp.StatusCode), err)
		}
		return nil, errors.ConnectionError("failed to dial websocket", err)
	}
	return conn, nil
}

// attach installs conn and replays subscriptions on it
func (t *Transport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	sources := make([]string, 0, len(t.subscriptions))
	for source := range t.subscriptions {
		sources = append(sources, source)
	}
	t.mu.Unlock()

	for _, source := range sources {
		if err := t.write(conn, Frame{Type: FrameSubscribe, Target: source}); err != nil {
			t.Logger().Warn("Failed to resubscribe", logging.String("source", source), logging.Err(err))
		}
	}
}

func (t *Transport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) write(conn *websocket.Conn, frame Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (t *Transport) Send(ctx context.Context, target string, env *transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := t.current()
	if conn == nil {
		return t.NotConnected()
	}

	var ack chan error
	if t.config.AwaitAck {
		ack = make(chan error, 1)
		t.mu.Lock()
		t.pending[env.MessageID] = ack
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			delete(t.pending, env.MessageID)
			t.mu.Unlock()
		}()
	}

	if err := t.write(conn, Frame{Type: FrameMessage, Target: target, MessageID: env.MessageID, Envelope: env}); err != nil {
		return errors.ConnectionError("failed to write websocket frame", err)
	}
	if ack == nil {
		return nil
	}

	timer := time.NewTimer(t.config.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		return errors.TimeoutError("websocket ack")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe asks the peer for frames addressed to source and passes them to
// handler until ctx is done
func (t *Transport) Subscribe(ctx context.Context, source string, handler transport.Handler) error {
	conn := t.current()
	if conn == nil {
		return t.NotConnected()
	}

	t.mu.Lock()
	t.subscriptions[source] = subscription{ctx: ctx, handler: handler}
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		if sub, ok := t.subscriptions[source]; ok && sub.ctx == ctx {
			delete(t.subscriptions, source)
		}
		t.mu.Unlock()
	}()

	if err := t.write(conn, Frame{Type: FrameSubscribe, Target: source}); err != nil {
		return errors.ConnectionError("failed to subscribe", err)
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			if malformed(err) {
				t.Logger().Warn("Ignoring malformed websocket frame", logging.Err(err))
				continue
			}
			t.Logger().Warn("WebSocket connection lost", logging.Err(err))
			t.detach(conn, err)
			go t.reconnect(ctx)
			return
		}
		t.handle(ctx, conn, frame)
	}
}

func (t *Transport) handle(ctx context.Context, conn *websocket.Conn, frame Frame) {
	switch frame.Type {
	case FrameAck, FrameError:
		t.mu.Lock()
		ack, ok := t.pending[frame.MessageID]
		t.mu.Unlock()
		if !ok {
			return
		}
		var err error
		if frame.Type == FrameError {
			err = errors.ConnectionError(fmt.Sprintf("peer rejected message: %s", frame.Error), nil)
		}
		select {
		case ack <- err:
		default:
		}

	case FrameMessage:
		t.mu.Lock()
		sub, ok := t.subscriptions[frame.Target]
		t.mu.Unlock()
		if !ok || frame.Envelope == nil {
			t.Logger().Debug("Dropping unrouted websocket frame", logging.String("target", frame.Target))
			return
		}
		data, err := frame.Envelope.Encode()
		if err != nil {
			return
		}
		go func() {
			if t.Deliver(sub.ctx, sub.handler, frame.Target, data) {
				_ = t.write(conn, Frame{Type: FrameAck, MessageID: frame.Envelope.MessageID})
				return
			}
			_ = t.write(conn, Frame{Type: FrameError, MessageID: frame.Envelope.MessageID, Error: "handler failed"})
		}()

	default:
		t.Logger().Debug("Ignoring websocket frame", logging.String("frame_type", frame.Type))
	}
}

// detach drops conn and fails every pending ack
func (t *Transport) detach(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	conn.Close()
	for id, ack := range t.pending {
		select {
		case ack <- errors.ConnectionError("websocket connection lost", cause):
		default:
		}
		delete(t.pending, id)
	}
}

func (t *Transport) reconnect(ctx context.Context) {
	delay := t.config.ReconnectDelay
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := t.dial(ctx)
		if err != nil {
			failures++
			if failures == 3 {
				t.Logger().Warn("WebSocket peer still unavailable, backing off", logging.Int("failures", failures), logging.Err(err))
			}
			delay *= 2
			if delay > t.config.MaxReconnect {
				delay = t.config.MaxReconnect
			}
			continue
		}

		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			conn.Close()
			return
		}
		t.Logger().Info("WebSocket reconnected", logging.Int("failures", failures))
		t.attach(conn)
		go t.readLoop(ctx, conn)
		return
	}
}

// malformed reports a frame that was read but did not decode; the connection
// itself is still usable
func malformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr)
}

func (t *Transport) Health() error {
	if t.current() == nil {
		return t.NotConnected()
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)
