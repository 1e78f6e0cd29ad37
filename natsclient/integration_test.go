//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	got := make(chan *nats.Msg, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "cot.raw.>", func(_ context.Context, m *nats.Msg) {
		got <- m
	}))

	msg := nats.NewMsg("cot.raw.node-1")
	msg.Data = []byte(`<event uid="x"/>`)
	msg.Header.Set("Cot-Uid", "x")
	require.NoError(t, tc.Client.PublishMsg(ctx, msg))
	require.NoError(t, tc.Client.Flush(ctx))

	select {
	case m := <-got:
		assert.Equal(t, msg.Data, m.Data)
		assert.Equal(t, "x", m.Header.Get("Cot-Uid"))
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)
	assert.Equal(t, StatusConnected, tc.Client.GetStatus().Status)
}

func TestIntegration_CloseDrains(t *testing.T) {
	tc := NewTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tc.Client.Publish(ctx, "cot.raw.node-1", []byte("x")))
	require.NoError(t, tc.Client.Close(ctx))
	assert.Equal(t, StatusDisconnected, tc.Client.Status())
}
