// Package broker carries protocol messages between the page contexts, the
// background process and the popup.
//
// A Channel offers two patterns. Requests go to a named endpoint (the
// background, the popup or one tab) and wait for a single reply; a request
// to an endpoint nobody serves fails with ErrUnreachable. Broadcasts go to
// every listener and nobody waits for them.
//
// Local runs every context in one process and copies each message through
// the wire codec, so handlers never share memory with the sender. NATS maps
// endpoints to request/reply subjects and broadcasts to a single subject,
// which lets the background run as its own process.
//
//	ch := broker.Local()
//	sub, err := ch.Serve(ctx, broker.Background, func(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
//		return protocol.DispatchBackground(ctx, gw, msg)
//	})
//	if err != nil {
//		return err
//	}
//	defer sub.Unsubscribe()
//
//	reply, err := ch.Request(ctx, broker.Background, protocol.GetTotals{})
package broker
