package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/wastewatch/protocol"
)

func TestLocal_DropsSlowListeners(t *testing.T) {
	ch := Local().WithSlowSubscriberTimeout(10 * time.Millisecond)
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)
	sub, err := ch.Listen(ctx, func(context.Context, protocol.Message) { <-block })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// one message is stuck in the listener, the buffer takes the next ones
	for range listenerBuffer + 2 {
		require.NoError(t, ch.Broadcast(ctx, protocol.ResetConfirmed{}))
	}
	assert.Zero(t, ch.listeners.Len())
}

func TestLocal_ServeTakeover(t *testing.T) {
	ch := Local()
	ctx := context.Background()

	first, err := ch.Serve(ctx, Background, func(context.Context, protocol.Message) (protocol.Message, error) {
		return protocol.Totals{}, nil
	})
	require.NoError(t, err)
	second, err := ch.Serve(ctx, Background, func(context.Context, protocol.Message) (protocol.Message, error) {
		return protocol.Pong{}, nil
	})
	require.NoError(t, err)
	defer second.Unsubscribe()

	// the stale subscription must not remove its successor
	first.Unsubscribe()
	reply, err := ch.Request(ctx, Background, protocol.Ping{})
	require.NoError(t, err)
	assert.Equal(t, protocol.Pong{}, reply)
}

func TestLocal_RequestCanceled(t *testing.T) {
	ch := Local()
	sub, err := ch.Serve(context.Background(), Background, func(context.Context, protocol.Message) (protocol.Message, error) {
		return protocol.Pong{}, nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ch.Request(ctx, Background, protocol.Ping{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTabEndpoint(t *testing.T) {
	assert.Equal(t, "tab.12", TabEndpoint("12"))
}
