package protocol

import (
	"context"
	"fmt"

	"github.com/casualjim/wastewatch"
)

// BackgroundHandler serves the requests the background process answers.
type BackgroundHandler interface {
	PromptCaptured(ctx context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error)
	ResponseCaptured(ctx context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error)
	GetTotals(ctx context.Context) (Snapshot, error)
	ResetAll(ctx context.Context) error
}

// PageHandler serves the messages a page context receives.
type PageHandler interface {
	SiteDetected(ctx context.Context, m SiteDetected) error
	ShowUI(ctx context.Context) error
	ResetRequested(ctx context.Context) error
	ResetConfirmed(ctx context.Context) error
	CurrentStats(ctx context.Context) (wastewatch.AggregateTotals, error)
	TotalsChanged(ctx context.Context, t wastewatch.AggregateTotals) error
}

// DispatchBackground routes msg to h and returns the reply. Pings are
// answered without involving the handler.
func DispatchBackground(ctx context.Context, h BackgroundHandler, msg Message) (Message, error) {
	switch m := msg.(type) {
	case Ping:
		return Pong{}, nil
	case PromptCaptured:
		t, err := h.PromptCaptured(ctx, m.Sample)
		if err != nil {
			return nil, err
		}
		return Totals{Totals: t}, nil
	case ResponseCaptured:
		t, err := h.ResponseCaptured(ctx, m.Sample)
		if err != nil {
			return nil, err
		}
		return Totals{Totals: t}, nil
	case GetTotals:
		return h.GetTotals(ctx)
	case ResetAll:
		if err := h.ResetAll(ctx); err != nil {
			return nil, err
		}
		return Ack{}, nil
	default:
		return nil, unsupported(msg)
	}
}

// DispatchPage routes msg to h and returns the reply.
func DispatchPage(ctx context.Context, h PageHandler, msg Message) (Message, error) {
	var err error
	switch m := msg.(type) {
	case Ping:
		return Pong{}, nil
	case SiteDetected:
		err = h.SiteDetected(ctx, m)
	case ShowUI:
		err = h.ShowUI(ctx)
	case ResetRequested:
		err = h.ResetRequested(ctx)
	case ResetConfirmed:
		err = h.ResetConfirmed(ctx)
	case TotalsChanged:
		err = h.TotalsChanged(ctx, m.Totals)
	case GetCurrentStats:
		t, err := h.CurrentStats(ctx)
		if err != nil {
			return nil, err
		}
		return Totals{Totals: t}, nil
	default:
		return nil, unsupported(msg)
	}
	if err != nil {
		return nil, err
	}
	return Ack{}, nil
}

func unsupported(msg Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil", ErrUnsupported)
	}
	return fmt.Errorf("%w: %s", ErrUnsupported, msg.Action())
}
