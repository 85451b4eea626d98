package transport_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "routing-hub/internal/common/errors"
	"routing-hub/internal/config"
	"routing-hub/internal/crypto"
	"routing-hub/internal/routing"
	"routing-hub/internal/transport"
	"routing-hub/internal/transport/memory"
)

func newRegistry() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(memory.GetFactory())
	return r
}

func routeFile(t *testing.T, yaml string) *config.RouteFile {
	t.Helper()
	rf, err := config.ParseRouteFile([]byte(yaml))
	require.NoError(t, err)
	return rf
}

const twoRoutes = `
transports:
  - name: primary
    type: memory
  - name: backup
    type: memory
    settings:
      fail_targets: [dead]
routes:
  - id: orders.primary
    transport: primary
    target: orders
  - id: orders.backup
    transport: backup
    target: dead
`

func TestBuildAndSend(t *testing.T) {
	d, err := transport.Build(routeFile(t, twoRoutes), newRegistry(), nil, nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Empty(t, d.Connect(context.Background()))

	msg := &routing.Message{ID: "m1", Payload: map[string]interface{}{"total": 10.0}, Metadata: map[string]string{"region": "eu"}}
	require.NoError(t, d.Send(context.Background(), "orders.primary", msg))

	tr, ok := d.Transport("primary")
	require.True(t, ok)
	sent := tr.(*memory.Transport).Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "orders", sent[0].Target)
	assert.Equal(t, "m1", sent[0].Envelope.MessageID)
	assert.Equal(t, "orders.primary", sent[0].Envelope.RouteID)
	assert.Equal(t, "eu", sent[0].Envelope.Metadata["region"])
	assert.False(t, sent[0].Envelope.SentAt.IsZero())

	err = d.Send(context.Background(), "orders.backup", msg)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTransport))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "backup", appErr.Context["transport"])
	assert.Equal(t, "dead", appErr.Context["target"])

	assert.Equal(t, []string{"orders.backup"}, d.RoutesFor("backup"))
	assert.Equal(t, map[string]string{"primary": "ok", "backup": "ok"}, d.Health())
}

func TestSendUnknownRoute(t *testing.T) {
	d := transport.NewDispatcher(nil)
	err := d.Send(context.Background(), "ghost", &routing.Message{ID: "m"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTransport))
}

func TestBindUnknownTransport(t *testing.T) {
	d := transport.NewDispatcher(nil)
	err := d.Bind("r", "missing", "x")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}

type failingTransport struct {
	*memory.Transport
}

func (f failingTransport) Connect(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestConnectReportsFailures(t *testing.T) {
	good, err := memory.New("good", memory.DefaultConfig())
	require.NoError(t, err)
	inner, err := memory.New("bad", memory.DefaultConfig())
	require.NoError(t, err)

	d := transport.NewDispatcher(nil)
	require.NoError(t, d.AddTransport(good))
	require.NoError(t, d.AddTransport(failingTransport{inner}))
	require.Error(t, d.AddTransport(good))

	failures := d.Connect(context.Background())
	require.Len(t, failures, 1)
	assert.Contains(t, failures, "bad")
	assert.Equal(t, "ok", d.Health()["good"])
	assert.NotEqual(t, "ok", d.Health()["bad"])
}

// flakyTransport refuses its first failures connection attempts
type flakyTransport struct {
	*memory.Transport
	failures int32
	attempts *atomic.Int32
}

func (f flakyTransport) Connect(ctx context.Context) error {
	if f.attempts.Add(1) <= f.failures {
		return errors.New("connection refused")
	}
	return f.Transport.Connect(ctx)
}

func TestSendReconnectsFailedTransport(t *testing.T) {
	inner, err := memory.New("remote", memory.DefaultConfig())
	require.NoError(t, err)
	attempts := &atomic.Int32{}

	d := transport.NewDispatcher(nil)
	require.NoError(t, d.AddTransport(flakyTransport{Transport: inner, failures: 2, attempts: attempts}))
	require.NoError(t, d.Bind("r", "remote", "q"))

	require.Contains(t, d.Connect(context.Background()), "remote")

	msg := &routing.Message{ID: "m1", Payload: map[string]interface{}{"n": 1}}
	err = d.Send(context.Background(), "r", msg)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeTransport))
	assert.Equal(t, int32(2), attempts.Load())

	require.NoError(t, d.Send(context.Background(), "r", msg))
	require.NoError(t, d.Send(context.Background(), "r", msg))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Len(t, inner.Sent(), 2)
}

func TestBuildUnknownType(t *testing.T) {
	rf := routeFile(t, `
transports:
  - name: k
    type: kafka
routes:
  - id: r
    transport: k
    target: t
`)
	_, err := transport.Build(rf, newRegistry(), nil, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}

func TestRegistryOpensSealedSettings(t *testing.T) {
	sealer, err := crypto.NewSealer("hub-secret")
	require.NoError(t, err)
	sealed, err := sealer.Seal("7")
	require.NoError(t, err)

	spec := config.TransportSpec{
		Name:     "m",
		Type:     "memory",
		Settings: map[string]interface{}{"fail_targets": []interface{}{sealed}},
	}

	_, err = newRegistry().Create(spec, nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))

	tr, err := newRegistry().Create(spec, sealer)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	assert.Error(t, tr.Send(context.Background(), "7", &transport.Envelope{}))
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := transport.DecodeEnvelope([]byte(`{"message_id":"m1","payload":{"a":1},"metadata":{"k":"v"},"sent_at":"2026-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", env.MessageID)
	assert.Equal(t, "v", env.Metadata["k"])

	msg := env.Message()
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), msg.ReceivedAt)

	raw, err := transport.DecodeEnvelope([]byte(`{"order":7}`))
	require.NoError(t, err)
	assert.NotEmpty(t, raw.MessageID)
	assert.Equal(t, 7.0, raw.Payload["order"])
	assert.False(t, raw.Message().ReceivedAt.IsZero())

	_, err = transport.DecodeEnvelope([]byte(`[1,2]`))
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}
