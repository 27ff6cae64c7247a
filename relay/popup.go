package relay

import (
	"context"
	"fmt"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/internal/broker"
	"github.com/casualjim/wastewatch/protocol"
)

// Popup reads the aggregate published by the background. It never looks at a
// tab's local total.
type Popup struct {
	ch broker.Channel
}

// NewPopup creates a popup over ch.
func NewPopup(ch broker.Channel) *Popup {
	return &Popup{ch: ch}
}

// Snapshot returns the history and the aggregate.
func (p *Popup) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	reply, err := p.ch.Request(ctx, broker.Background, protocol.GetTotals{})
	if err != nil {
		return protocol.Snapshot{}, err
	}
	snap, ok := reply.(protocol.Snapshot)
	if !ok {
		return protocol.Snapshot{}, unexpected(reply)
	}
	return snap, nil
}

// Totals returns the aggregate only.
func (p *Popup) Totals(ctx context.Context) (wastewatch.AggregateTotals, error) {
	snap, err := p.Snapshot(ctx)
	return snap.Totals, err
}

// Reset clears every stored value. Its outcome is reported to the user, so
// errors are returned as they are.
func (p *Popup) Reset(ctx context.Context) error {
	reply, err := p.ch.Request(ctx, broker.Background, protocol.ResetAll{})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.Ack); !ok {
		return unexpected(reply)
	}
	return nil
}

// Ping checks that the background is alive.
func (p *Popup) Ping(ctx context.Context) error {
	reply, err := p.ch.Request(ctx, broker.Background, protocol.Ping{})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.Pong); !ok {
		return unexpected(reply)
	}
	return nil
}

// Watch calls fn with every aggregate the background publishes. A reset is
// reported as zero totals.
func (p *Popup) Watch(ctx context.Context, fn func(wastewatch.AggregateTotals)) (broker.Subscription, error) {
	return p.ch.Listen(ctx, func(_ context.Context, msg protocol.Message) {
		switch m := msg.(type) {
		case protocol.TotalsChanged:
			fn(m.Totals)
		case protocol.ResetConfirmed:
			fn(wastewatch.AggregateTotals{})
		}
	})
}

func unexpected(reply protocol.Message) error {
	if reply == nil {
		return fmt.Errorf("relay: empty reply")
	}
	return fmt.Errorf("relay: unexpected reply %s", reply.Action())
}
