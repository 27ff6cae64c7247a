package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fogfish/opts"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/capture"
	"github.com/casualjim/wastewatch/dom"
	"github.com/casualjim/wastewatch/internal/broker"
	"github.com/casualjim/wastewatch/pkg/slogx"
	"github.com/casualjim/wastewatch/protocol"
	"github.com/casualjim/wastewatch/sites"
)

// DefaultSyncInterval is how often a tab retries its outbox and refreshes the
// background aggregate.
const DefaultSyncInterval = 30 * time.Second

var (
	_ capture.Emitter      = (*Tab)(nil)
	_ protocol.PageHandler = (*Tab)(nil)
)

// Tab is the context object of one page load. It owns the capture engine of
// the page, a local running total that is never persisted and the outbox of
// samples not yet accepted by the background.
type Tab struct {
	id        string
	ch        broker.Channel
	doc       dom.Document
	loop      dom.Loop
	registry  *sites.Registry
	engineOps []opts.Option[capture.Engine]
	syncEvery time.Duration
	logger    *slog.Logger

	mu            sync.Mutex
	ctx           context.Context
	running       bool
	engine        *capture.Engine
	site          *sites.SiteConfig
	visible       bool
	local         wastewatch.AggregateTotals
	authoritative wastewatch.AggregateTotals
	responses     map[string]wastewatch.AggregateTotals
	outbox        []protocol.Message
	scheduled     bool
	connected     bool
	stopSync      dom.Cancel
	cancels       []func()

	// flushing serializes pushes so samples reach the background in order
	flushing sync.Mutex
}

var (
	// SiteRegistry sets the site table used for self-detection.
	SiteRegistry = opts.ForName[Tab, *sites.Registry]("registry")
	// TabLogger sets the logger of the tab.
	TabLogger = opts.ForName[Tab, *slog.Logger]("logger")
	// SyncEvery sets the interval of the periodic push.
	SyncEvery = opts.ForName[Tab, time.Duration]("syncEvery")
)

// EngineOptions are passed to every capture engine the tab creates.
func EngineOptions(options ...opts.Option[capture.Engine]) opts.Option[Tab] {
	return opts.Type[Tab](func(t *Tab) error {
		t.engineOps = append(t.engineOps, options...)
		return nil
	})
}

// NewTab creates the context object for tab id.
func NewTab(id string, ch broker.Channel, doc dom.Document, loop dom.Loop, options ...opts.Option[Tab]) (*Tab, error) {
	if id == "" {
		return nil, fmt.Errorf("relay: tab id is required")
	}
	if ch == nil || doc == nil || loop == nil {
		return nil, fmt.Errorf("relay: channel, document and loop are required")
	}
	t := &Tab{
		id:        id,
		ch:        ch,
		doc:       doc,
		loop:      loop,
		registry:  sites.Default(),
		syncEvery: DefaultSyncInterval,
		logger:    slog.Default(),
		responses: make(map[string]wastewatch.AggregateTotals),
	}
	if err := opts.Apply(t, options); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	t.logger = t.logger.With(slogx.LoggerName("tab"), slog.String("tab", id))
	return t, nil
}

// ID returns the tab id.
func (t *Tab) ID() string { return t.id }

// Start serves the tab endpoint, follows the background broadcasts and starts
// capturing when url belongs to a known AI site.
func (t *Tab) Start(ctx context.Context, url string) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.ctx = ctx
	t.running = true
	t.connected = true
	t.mu.Unlock()

	serve, err := t.ch.Serve(ctx, broker.TabEndpoint(t.id), func(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
		return protocol.DispatchPage(ctx, t, msg)
	})
	if err != nil {
		t.Stop()
		return fmt.Errorf("relay: serve tab: %w", err)
	}
	listen, err := t.ch.Listen(ctx, t.onBroadcast)
	if err != nil {
		serve.Unsubscribe()
		t.Stop()
		return fmt.Errorf("relay: listen: %w", err)
	}
	unload := t.doc.Listen(dom.EventUnload, func(dom.Event) { t.Stop() })

	t.mu.Lock()
	t.cancels = append(t.cancels, serve.Unsubscribe, listen.Unsubscribe, unload)
	if t.syncEvery > 0 {
		t.stopSync = t.loop.Every(t.syncEvery, t.sync)
	}
	t.mu.Unlock()

	if cfg, ok := t.registry.Match(url); ok {
		t.startEngine(ctx, cfg)
	}
	return nil
}

// Stop tears the context down: engine, timers and subscriptions.
func (t *Tab) Stop() {
	t.mu.Lock()
	engine := t.engine
	cancels := t.cancels
	t.engine = nil
	t.cancels = nil
	t.running = false
	t.stopSyncLocked()
	t.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// Navigate replaces the engine after a hard navigation, which also starts a
// new session. Leaving the AI site stops capturing.
func (t *Tab) Navigate(ctx context.Context, url string) {
	cfg, ok := t.registry.Match(url)
	if !ok {
		t.stopEngine()
		return
	}
	t.startEngine(ctx, cfg)
}

// Engine returns the running capture engine, nil when the page is not an AI
// site.
func (t *Tab) Engine() *capture.Engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine
}

// Local returns the running total of this page load.
func (t *Tab) Local() wastewatch.AggregateTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Authoritative returns the last aggregate received from the background.
func (t *Tab) Authoritative() wastewatch.AggregateTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authoritative
}

// Visible reports whether the overlay was asked to show.
func (t *Tab) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// Pending returns the number of samples waiting for the background.
func (t *Tab) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outbox)
}

// Connected reports whether the background was reachable on the last push.
func (t *Tab) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Preview renders the local running total for the overlay.
func (t *Tab) Preview() Preview {
	return NewPreview(t.Local())
}

// EmitPrompt implements capture.Emitter.
func (t *Tab) EmitPrompt(_ context.Context, s wastewatch.ImpactSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.local.PromptCount++
	t.local.TokenCount += s.InputTokens
	t.local.AddImpact(s.Impact)
	t.enqueueLocked(protocol.PromptCaptured{Sample: s})
}

// EmitResponse implements capture.Emitter.
func (t *Tab) EmitResponse(_ context.Context, s wastewatch.ImpactSample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	contribution := wastewatch.AggregateTotals{TokenCount: s.ResponseTokens}
	contribution.AddImpact(s.Impact)
	if s.PromptID == "" {
		contribution.PromptCount = 1
		contribution.TokenCount += s.InputTokens
	}
	if prev, ok := t.responses[s.Supersedes]; ok && s.Supersedes != "" {
		t.local = t.local.Sub(prev)
		delete(t.responses, s.Supersedes)
	}
	t.local = t.local.Add(contribution)
	t.responses[s.ID] = contribution
	t.enqueueLocked(protocol.ResponseCaptured{Sample: s})
}

// SiteDetected implements protocol.PageHandler. A model sent by the
// background overrides the table default.
func (t *Tab) SiteDetected(ctx context.Context, m protocol.SiteDetected) error {
	t.mu.Lock()
	current := t.site
	running := t.engine != nil
	t.mu.Unlock()
	if running && current != nil && current.Host == m.Site && (m.Model == "" || current.Model == m.Model) {
		return nil
	}

	cfg := t.registry.Resolve(m.Site)
	if cfg == nil {
		return fmt.Errorf("relay: no site for %q", m.Site)
	}
	if m.Model != "" {
		cfg.Model = m.Model
	}
	t.reconnect()
	t.startEngine(t.context(ctx), *cfg)
	return nil
}

// ShowUI implements protocol.PageHandler.
func (t *Tab) ShowUI(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible = true
	return nil
}

// ResetRequested implements protocol.PageHandler.
func (t *Tab) ResetRequested(context.Context) error {
	t.reset()
	return nil
}

// ResetConfirmed implements protocol.PageHandler.
func (t *Tab) ResetConfirmed(context.Context) error {
	t.reset()
	return nil
}

// CurrentStats implements protocol.PageHandler.
func (t *Tab) CurrentStats(context.Context) (wastewatch.AggregateTotals, error) {
	return t.Local(), nil
}

// TotalsChanged implements protocol.PageHandler.
func (t *Tab) TotalsChanged(_ context.Context, totals wastewatch.AggregateTotals) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authoritative = totals
	return nil
}

// Flush pushes the outbox to the background right away, retrying a
// background that was unreachable before.
func (t *Tab) Flush() {
	t.reconnect()
	t.flush()
}

func (t *Tab) onBroadcast(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.TotalsChanged:
		_ = t.TotalsChanged(ctx, m.Totals)
	case protocol.ResetConfirmed:
		t.reset()
	}
}

func (t *Tab) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = wastewatch.AggregateTotals{}
	t.authoritative = wastewatch.AggregateTotals{}
	t.responses = make(map[string]wastewatch.AggregateTotals)
	t.outbox = nil
}

func (t *Tab) startEngine(ctx context.Context, cfg sites.SiteConfig) {
	engine, err := capture.New(t.doc, t.loop, cfg, t, append([]opts.Option[capture.Engine]{capture.Logger(t.logger)}, t.engineOps...)...)
	if err != nil {
		t.logger.Warn("capture engine not created", slogx.Site(cfg.Host), slogx.Error(err))
		return
	}

	t.mu.Lock()
	prev := t.engine
	t.engine = engine
	t.site = &cfg
	t.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	engine.Start(ctx)
	t.logger.Info("capturing", slogx.Site(cfg.Host), slogx.Model(cfg.Model))
}

func (t *Tab) stopEngine() {
	t.mu.Lock()
	engine := t.engine
	t.engine = nil
	t.site = nil
	t.mu.Unlock()
	if engine != nil {
		engine.Stop()
	}
}

// enqueueLocked queues msg and schedules a push on the page loop. Emitters
// run under the engine lock, so the push never happens inline.
func (t *Tab) enqueueLocked(msg protocol.Message) {
	t.outbox = append(t.outbox, msg)
	if t.scheduled || !t.connected || !t.running {
		return
	}
	t.scheduled = true
	t.loop.AfterFunc(0, t.flush)
}

func (t *Tab) sync() {
	t.flush()

	t.mu.Lock()
	ctx, connected := t.ctx, t.connected
	t.mu.Unlock()
	if !connected || ctx == nil {
		return
	}
	reply, err := t.ch.Request(ctx, broker.Background, protocol.GetTotals{})
	if err != nil {
		t.failed(err)
		return
	}
	if snap, ok := reply.(protocol.Snapshot); ok {
		_ = t.TotalsChanged(ctx, snap.Totals)
	}
}

func (t *Tab) flush() {
	t.flushing.Lock()
	defer t.flushing.Unlock()

	t.mu.Lock()
	t.scheduled = false
	pending := t.outbox
	t.outbox = nil
	ctx, connected := t.ctx, t.connected
	t.mu.Unlock()
	if len(pending) == 0 || !connected || ctx == nil {
		t.requeue(pending)
		return
	}

	for i, msg := range pending {
		reply, err := t.ch.Request(ctx, broker.Background, msg)
		if err != nil {
			var failure protocol.Failure
			if errors.As(err, &failure) {
				// rejected samples are not retried
				t.logger.Warn("background rejected sample", slogx.Action(string(msg.Action())), slogx.Error(err))
				continue
			}
			t.requeue(pending[i:])
			t.failed(err)
			return
		}
		if totals, ok := reply.(protocol.Totals); ok {
			_ = t.TotalsChanged(ctx, totals.Totals)
		}
	}
}

// requeue puts msgs back in front of whatever was queued meanwhile.
func (t *Tab) requeue(msgs []protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outbox = append(append([]protocol.Message(nil), msgs...), t.outbox...)
}

// failed handles a push that did not reach the background. An unreachable
// background stops the periodic sync instead of retrying forever.
func (t *Tab) failed(err error) {
	if !errors.Is(err, broker.ErrUnreachable) {
		t.logger.Warn("push to background failed", slogx.Error(err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		t.logger.Info("background unreachable, periodic sync stopped")
	}
	t.connected = false
	t.stopSyncLocked()
}

// reconnect resumes the periodic sync after the background showed up again.
func (t *Tab) reconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.connected {
		return
	}
	t.connected = true
	if t.syncEvery > 0 && t.stopSync == nil {
		t.stopSync = t.loop.Every(t.syncEvery, t.sync)
	}
	if len(t.outbox) > 0 && !t.scheduled {
		t.scheduled = true
		t.loop.AfterFunc(0, t.flush)
	}
}

func (t *Tab) stopSyncLocked() {
	if t.stopSync != nil {
		t.stopSync()
		t.stopSync = nil
	}
}

func (t *Tab) context(fallback context.Context) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx != nil {
		return t.ctx
	}
	return fallback
}
