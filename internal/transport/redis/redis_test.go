package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routing-hub/internal/transport"
)

func setup(t *testing.T, mutate func(*Config)) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	config := &Config{Address: mr.Addr(), Block: 20 * time.Millisecond}
	if mutate != nil {
		mutate(config)
	}
	tr, err := New("streams", config)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr, mr
}

func TestSend_AppendsToStream(t *testing.T) {
	tr, mr := setup(t, nil)

	env := &transport.Envelope{MessageID: "m1", RouteID: "orders.redis", Payload: map[string]interface{}{"n": 1.0}}
	require.NoError(t, tr.Send(context.Background(), "orders", env))
	require.NoError(t, tr.Send(context.Background(), "orders", &transport.Envelope{MessageID: "m2"}))

	entries, err := mr.Stream("orders")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	values := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		values[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	assert.Equal(t, "m1", values["message_id"])
	assert.Equal(t, "orders.redis", values["route_id"])

	decoded, err := transport.DecodeEnvelope([]byte(values[envelopeField]))
	require.NoError(t, err)
	assert.Equal(t, 1.0, decoded.Payload["n"])
}

func TestSubscribe_ConsumesAndAcks(t *testing.T) {
	tr, _ := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 2)
	require.NoError(t, tr.Subscribe(ctx, "inbox", func(ctx context.Context, env *transport.Envelope) error {
		received <- env.MessageID
		return nil
	}))
	// a second subscribe hits BUSYGROUP and still succeeds
	require.NoError(t, tr.Subscribe(ctx, "inbox", func(ctx context.Context, env *transport.Envelope) error {
		received <- env.MessageID
		return nil
	}))

	require.NoError(t, tr.Send(ctx, "inbox", &transport.Envelope{MessageID: "in-1"}))

	select {
	case id := <-received:
		assert.Equal(t, "in-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("entry not consumed")
	}

	client := tr.rdb()
	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), "inbox", tr.config.ConsumerGroup).Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubscribe_FailedHandlerLeavesPending(t *testing.T) {
	tr, _ := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	require.NoError(t, tr.Subscribe(ctx, "inbox", func(ctx context.Context, env *transport.Envelope) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("downstream unavailable")
	}))
	require.NoError(t, tr.Send(ctx, "inbox", &transport.Envelope{MessageID: "in-1"}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 20*time.Millisecond)

	pending, err := tr.rdb().XPending(context.Background(), "inbox", tr.config.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestConnect_Failure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	tr, err := New("streams", &Config{Address: addr, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.Error(t, tr.Connect(context.Background()))
	assert.Error(t, tr.Health())
	assert.Error(t, tr.Send(context.Background(), "orders", &transport.Envelope{}))
}

func TestHealth(t *testing.T) {
	tr, mr := setup(t, nil)
	assert.NoError(t, tr.Health())
	mr.Close()
	assert.Error(t, tr.Health())
}

func TestConfig(t *testing.T) {
	assert.Error(t, (&Config{}).Validate())

	c := &Config{Address: "cache:6379", Password: "secret", DB: 2}
	require.NoError(t, c.Validate())
	assert.Equal(t, "routing-hub", c.ConsumerGroup)
	assert.Equal(t, "redis://cache:6379/2", c.GetConnectionString())
	assert.NotContains(t, c.GetConnectionString(), "secret")
}
