package broker

import (
	"context"
	"errors"

	"github.com/casualjim/wastewatch/protocol"
)

var (
	// ErrUnreachable means nothing is serving the endpoint, usually because
	// the context behind it was torn down. Callers treat it as expected.
	ErrUnreachable = errors.New("broker: endpoint unreachable")
	// ErrNoHandler is returned when serving or listening with a nil callback.
	ErrNoHandler = errors.New("broker: handler is required")
)

// Well-known endpoints.
const (
	Background = "background"
	Popup      = "popup"
)

// TabEndpoint names the endpoint of a page context.
func TabEndpoint(tabID string) string {
	return "tab." + tabID
}

// Handler answers a request.
type Handler func(ctx context.Context, msg protocol.Message) (protocol.Message, error)

// Listener receives broadcasts.
type Listener func(ctx context.Context, msg protocol.Message)

// Channel carries messages between contexts: requests to a named endpoint
// and broadcasts to every listener.
type Channel interface {
	// Serve answers requests sent to endpoint until the subscription is
	// cancelled or ctx is done.
	Serve(ctx context.Context, endpoint string, h Handler) (Subscription, error)
	// Request sends msg to endpoint and waits for the reply. A Failure reply
	// is returned as the error.
	Request(ctx context.Context, endpoint string, msg protocol.Message) (protocol.Message, error)
	// Broadcast delivers msg to every listener without waiting for them.
	Broadcast(ctx context.Context, msg protocol.Message) error
	// Listen receives broadcasts until the subscription is cancelled or ctx
	// is done.
	Listen(ctx context.Context, l Listener) (Subscription, error)
}

type Subscription interface {
	ID() string
	Unsubscribe()
}

// replyOf turns a handler result into the message that travels back.
func replyOf(reply protocol.Message, err error) protocol.Message {
	if err != nil {
		return protocol.Failure{Message: err.Error()}
	}
	if reply == nil {
		return protocol.Ack{}
	}
	return reply
}

// resultOf turns a reply back into a result for the requester.
func resultOf(reply protocol.Message) (protocol.Message, error) {
	if f, ok := reply.(protocol.Failure); ok {
		return nil, f
	}
	return reply, nil
}
