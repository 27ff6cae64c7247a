// Package relay wires the three roles of the tracker over a broker channel.
//
// The Background owns the gateway and is the only context that writes the
// shared store. Every Tab runs a capture engine for one page, keeps a local
// running total for immediate feedback and pushes its samples to the
// Background. The Popup reads what the Background publishes and can request a
// reset.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/fogfish/opts"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/gateway"
	"github.com/casualjim/wastewatch/internal/broker"
	"github.com/casualjim/wastewatch/pkg/slogx"
	"github.com/casualjim/wastewatch/protocol"
	"github.com/casualjim/wastewatch/sites"
)

// DefaultPingTimeout bounds the liveness check before a tab is notified.
const DefaultPingTimeout = time.Second

// TabInfo is what the background knows about an open tab.
type TabInfo struct {
	ID     string    `json:"id"`
	URL    string    `json:"url"`
	Site   string    `json:"site"`
	Model  string    `json:"model"`
	SeenAt time.Time `json:"seenAt"`
}

var (
	_ protocol.BackgroundHandler = (*Background)(nil)
)

// Background serves the gateway to page contexts and the popup.
type Background struct {
	gw          *gateway.Gateway
	ch          broker.Channel
	registry    *sites.Registry
	logger      *slog.Logger
	pingTimeout time.Duration
	now         func() time.Time

	tabs *haxmap.Map[string, TabInfo]
	sub  broker.Subscription
}

var (
	// Registry sets the site table used to recognize tabs.
	Registry = opts.ForName[Background, *sites.Registry]("registry")
	// BackgroundLogger sets the logger of the background.
	BackgroundLogger = opts.ForName[Background, *slog.Logger]("logger")
	// PingTimeout bounds the liveness check sent to a tab.
	PingTimeout = opts.ForName[Background, time.Duration]("pingTimeout")
	// BackgroundClock sets the time source for tab bookkeeping.
	BackgroundClock = opts.ForName[Background, func() time.Time]("now")
)

// NewBackground creates the background role over a gateway and a channel.
func NewBackground(gw *gateway.Gateway, ch broker.Channel, options ...opts.Option[Background]) (*Background, error) {
	if gw == nil || ch == nil {
		return nil, fmt.Errorf("relay: gateway and channel are required")
	}
	b := &Background{
		gw:          gw,
		ch:          ch,
		registry:    sites.Default(),
		logger:      slog.Default(),
		pingTimeout: DefaultPingTimeout,
		now:         time.Now,
		tabs:        haxmap.New[string, TabInfo](),
	}
	if err := opts.Apply(b, options); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	b.logger = b.logger.With(slogx.LoggerName("background"))
	return b, nil
}

// Start serves the background endpoint until Stop is called or ctx is done.
func (b *Background) Start(ctx context.Context) error {
	sub, err := b.ch.Serve(ctx, broker.Background, func(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
		return protocol.DispatchBackground(ctx, b, msg)
	})
	if err != nil {
		return fmt.Errorf("relay: serve background: %w", err)
	}
	b.sub = sub
	b.logger.Info("background started")
	return nil
}

// Stop stops serving requests.
func (b *Background) Stop() {
	if b.sub != nil {
		b.sub.Unsubscribe()
		b.sub = nil
	}
}

// PromptCaptured implements protocol.BackgroundHandler.
func (b *Background) PromptCaptured(ctx context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error) {
	totals, err := b.gw.AppendPrompt(ctx, s)
	if err != nil {
		return wastewatch.AggregateTotals{}, err
	}
	b.publish(ctx, protocol.TotalsChanged{Totals: totals})
	return totals, nil
}

// ResponseCaptured implements protocol.BackgroundHandler.
func (b *Background) ResponseCaptured(ctx context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error) {
	totals, err := b.gw.AppendResponse(ctx, s)
	if err != nil {
		return wastewatch.AggregateTotals{}, err
	}
	b.publish(ctx, protocol.TotalsChanged{Totals: totals})
	return totals, nil
}

// GetTotals implements protocol.BackgroundHandler.
func (b *Background) GetTotals(ctx context.Context) (protocol.Snapshot, error) {
	snap, err := b.gw.Snapshot(ctx)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	return protocol.Snapshot{History: snap.History, Totals: snap.Totals}, nil
}

// ResetAll asks every known tab to drop its local total, clears the store and
// broadcasts the confirmation.
func (b *Background) ResetAll(ctx context.Context) error {
	b.tabs.ForEach(func(id string, _ TabInfo) bool {
		if err := b.notify(ctx, id, protocol.ResetRequested{}); err != nil {
			b.logger.Debug("tab did not take the reset request", slog.String("tab", id), slogx.Error(err))
		}
		return true
	})
	if err := b.gw.ResetAll(ctx); err != nil {
		return err
	}
	b.publish(ctx, protocol.ResetConfirmed{})
	return nil
}

// TabUpdated is called when a tab finished loading url. AI sites get a
// siteDetected notification, provided the tab answers a ping first.
func (b *Background) TabUpdated(ctx context.Context, tabID, url string) {
	cfg, ok := b.registry.Match(url)
	if !ok {
		b.tabs.Del(tabID)
		return
	}
	info := TabInfo{ID: tabID, URL: url, Site: cfg.Host, Model: cfg.Model, SeenAt: b.now()}
	b.tabs.Set(tabID, info)

	if err := b.notify(ctx, tabID, protocol.SiteDetected{Site: info.Site, Model: info.Model}); err != nil {
		b.logger.Debug("tab not notified", slog.String("tab", tabID), slogx.Site(info.Site), slogx.Error(err))
		return
	}
	b.logger.Debug("site detected", slog.String("tab", tabID), slogx.Site(info.Site), slogx.Model(info.Model))
}

// TabRemoved forgets a closed tab.
func (b *Background) TabRemoved(tabID string) {
	b.tabs.Del(tabID)
}

// Tabs returns the tabs currently showing an AI site.
func (b *Background) Tabs() []TabInfo {
	var out []TabInfo
	b.tabs.ForEach(func(_ string, info TabInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}

// notify pings the tab and sends msg only when it answered. Tabs that went
// away are forgotten.
func (b *Background) notify(ctx context.Context, tabID string, msg protocol.Message) error {
	endpoint := broker.TabEndpoint(tabID)

	pctx, cancel := context.WithTimeout(ctx, b.pingTimeout)
	reply, err := b.ch.Request(pctx, endpoint, protocol.Ping{})
	cancel()
	if err != nil {
		if errors.Is(err, broker.ErrUnreachable) {
			b.tabs.Del(tabID)
		}
		return err
	}
	if _, ok := reply.(protocol.Pong); !ok {
		return fmt.Errorf("relay: tab %s answered ping with %s", tabID, reply.Action())
	}
	_, err = b.ch.Request(ctx, endpoint, msg)
	return err
}

func (b *Background) publish(ctx context.Context, msg protocol.Message) {
	if err := b.ch.Broadcast(ctx, msg); err != nil {
		b.logger.Warn("broadcast failed", slogx.Action(string(msg.Action())), slogx.Error(err))
	}
}
