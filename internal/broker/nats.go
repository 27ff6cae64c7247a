package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/casualjim/wastewatch/pkg/slogx"
	"github.com/casualjim/wastewatch/pkg/uuidx"
	"github.com/casualjim/wastewatch/protocol"
)

// DefaultPrefix is the subject prefix used when none is given.
const DefaultPrefix = "wastewatch"

type natsChannel struct {
	client *nats.Conn
	prefix string
	now    func() time.Time
}

// NATS returns a Channel on a NATS connection. Endpoints map to
// <prefix>.rpc.<endpoint> and broadcasts to <prefix>.broadcast.
func NATS(client *nats.Conn, prefix string) *natsChannel {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &natsChannel{client: client, prefix: prefix, now: time.Now}
}

func (c *natsChannel) rpcSubject(endpoint string) string {
	return c.prefix + ".rpc." + endpoint
}

func (c *natsChannel) broadcastSubject() string {
	return c.prefix + ".broadcast"
}

func (c *natsChannel) Serve(ctx context.Context, endpoint string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	logger := slog.With(slogx.LoggerName("broker"), slog.String("endpoint", endpoint))

	nsub, err := c.client.Subscribe(c.rpcSubject(endpoint), func(msg *nats.Msg) {
		if msg.Reply == "" {
			return
		}
		var reply protocol.Message
		env, err := protocol.Decode(msg.Data)
		if err != nil {
			reply = protocol.Failure{Message: err.Error()}
		} else {
			reply = replyOf(h(ctx, env.Message))
		}

		data, err := protocol.Encode(reply, c.now())
		if err != nil {
			logger.Error("failed to encode reply", slogx.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Error("failed to respond", slogx.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("broker: serve %s: %w", endpoint, err)
	}
	if err := c.client.Flush(); err != nil {
		_ = nsub.Unsubscribe()
		return nil, fmt.Errorf("broker: serve %s: %w", endpoint, err)
	}
	return watch(ctx, nsub), nil
}

func (c *natsChannel) Request(ctx context.Context, endpoint string, msg protocol.Message) (protocol.Message, error) {
	data, err := protocol.Encode(msg, c.now())
	if err != nil {
		return nil, err
	}

	resp, err := c.client.RequestWithContext(ctx, c.rpcSubject(endpoint), data)
	if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrConnectionClosed) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: request %s: %w", endpoint, err)
	}

	env, err := protocol.Decode(resp.Data)
	if err != nil {
		return nil, err
	}
	return resultOf(env.Message)
}

func (c *natsChannel) Broadcast(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(msg, c.now())
	if err != nil {
		return err
	}
	return c.client.Publish(c.broadcastSubject(), data)
}

func (c *natsChannel) Listen(ctx context.Context, fn Listener) (Subscription, error) {
	if fn == nil {
		return nil, ErrNoHandler
	}
	nsub, err := c.client.Subscribe(c.broadcastSubject(), func(msg *nats.Msg) {
		env, err := protocol.Decode(msg.Data)
		if err != nil {
			slog.Error("failed to decode broadcast", slogx.LoggerName("broker"), slogx.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		fn(ctx, env.Message)
	})
	if err != nil {
		return nil, fmt.Errorf("broker: listen: %w", err)
	}
	if err := c.client.Flush(); err != nil {
		_ = nsub.Unsubscribe()
		return nil, fmt.Errorf("broker: listen: %w", err)
	}
	return watch(ctx, nsub), nil
}

// watch ties a NATS subscription to ctx.
func watch(ctx context.Context, nsub *nats.Subscription) *natsSubscription {
	s := &natsSubscription{id: uuidx.NewString(), sub: nsub, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			s.Unsubscribe()
		case <-s.done:
		}
	}()
	return s
}

type natsSubscription struct {
	id   string
	sub  *nats.Subscription
	done chan struct{}
	once sync.Once
}

func (n *natsSubscription) ID() string {
	return n.id
}

func (n *natsSubscription) Unsubscribe() {
	n.once.Do(func() {
		close(n.done)
		if err := n.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", n.id))
		}
	})
}
