package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/casualjim/wastewatch/pkg/slogx"
	"github.com/casualjim/wastewatch/pkg/uuidx"
	"github.com/casualjim/wastewatch/protocol"
)

const (
	defaultSlowSubscriberTimeout = 100 * time.Millisecond
	listenerBuffer               = 50
)

type localChannel struct {
	endpoints             *haxmap.Map[string, *endpoint]
	listeners             *haxmap.Map[string, *listener]
	slowSubscriberTimeout time.Duration
	now                   func() time.Time
}

// Local returns a Channel connecting contexts inside one process.
func Local() *localChannel {
	return &localChannel{
		endpoints:             haxmap.New[string, *endpoint](),
		listeners:             haxmap.New[string, *listener](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
		now:                   time.Now,
	}
}

// WithSlowSubscriberTimeout configures how long a broadcast waits on a full
// listener before dropping it.
func (c *localChannel) WithSlowSubscriberTimeout(timeout time.Duration) *localChannel {
	c.slowSubscriberTimeout = timeout
	return c
}

type endpoint struct {
	id      string
	ctx     context.Context
	handler Handler
}

func (c *localChannel) Serve(ctx context.Context, name string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	ep := &endpoint{id: uuidx.NewString(), ctx: ctx, handler: h}
	c.endpoints.Set(name, ep)
	return &localSubscription{
		id: ep.id,
		onClose: func() {
			// leave the endpoint alone if another server took it over
			if cur, ok := c.endpoints.Get(name); ok && cur == ep {
				c.endpoints.Del(name)
			}
		},
	}, nil
}

func (c *localChannel) Request(ctx context.Context, name string, msg protocol.Message) (protocol.Message, error) {
	ep, ok := c.endpoints.Get(name)
	if !ok || ep == nil || ep.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := c.copyOf(msg)
	if err != nil {
		return nil, err
	}
	reply, err := c.copyOf(replyOf(ep.handler(ctx, in)))
	if err != nil {
		return nil, err
	}
	return resultOf(reply)
}

// copyOf sends the message through the wire codec.
func (c *localChannel) copyOf(msg protocol.Message) (protocol.Message, error) {
	data, err := protocol.Encode(msg, c.now())
	if err != nil {
		return nil, err
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	return env.Message, nil
}

func (c *localChannel) Broadcast(ctx context.Context, msg protocol.Message) error {
	copied, err := c.copyOf(msg)
	if err != nil {
		return err
	}

	c.listeners.ForEach(func(_ string, l *listener) bool {
		if l == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !l.deliver(ctx, copied, c.slowSubscriberTimeout) {
			if l.ctx.Err() == nil {
				slog.Warn("dropping slow listener", slogx.LoggerName("broker"), slog.String("subscription", l.id))
			}
			l.Unsubscribe()
		}
		return true
	})
	return ctx.Err()
}

func (c *localChannel) Listen(ctx context.Context, fn Listener) (Subscription, error) {
	if fn == nil {
		return nil, ErrNoHandler
	}
	id := uuidx.NewString()
	l := &listener{
		id:      id,
		ctx:     ctx,
		channel: make(chan protocol.Message, listenerBuffer),
		fn:      fn,
	}
	l.onClose = func() { c.listeners.Del(id) }
	c.listeners.Set(id, l)
	go l.forward()
	return l, nil
}

type listener struct {
	id        string
	ctx       context.Context
	channel   chan protocol.Message
	closeOnce sync.Once
	onClose   func()
	fn        Listener

	// mu keeps deliveries from racing the channel close
	mu     sync.RWMutex
	closed bool
}

func (l *listener) ID() string { return l.id }

func (l *listener) Unsubscribe() {
	l.closeOnce.Do(func() {
		if l.onClose != nil {
			l.onClose()
		}
		l.mu.Lock()
		l.closed = true
		close(l.channel)
		l.mu.Unlock()
	})
}

// deliver reports false when the listener is gone or too slow to keep.
func (l *listener) deliver(ctx context.Context, msg protocol.Message, timeout time.Duration) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return true
	}
	if l.ctx.Err() != nil {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.channel <- msg:
		return true
	case <-ctx.Done():
		return true
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func (l *listener) forward() {
	for {
		select {
		case msg, ok := <-l.channel:
			if !ok {
				return
			}
			l.fn(l.ctx, msg)
		case <-l.ctx.Done():
			return
		}
	}
}

type localSubscription struct {
	id        string
	closeOnce sync.Once
	onClose   func()
}

func (s *localSubscription) ID() string { return s.id }

func (s *localSubscription) Unsubscribe() {
	s.closeOnce.Do(s.onClose)
}
