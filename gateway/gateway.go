// Package gateway is the single writer of the shared store. It loads the
// ledger state, applies samples with the ledger rules, writes the result back
// and keeps the aggregate reconciled with the history.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/ledger"
	"github.com/casualjim/wastewatch/pkg/slogx"
	"github.com/casualjim/wastewatch/store"
)

// Store keys.
const (
	KeyHistory              = "history"
	KeyAggregateTotals      = "aggregateTotals"
	KeyArchivedTotals       = "archivedTotals"
	KeyPromptFingerprints   = "promptFingerprints"
	KeyResponseFingerprints = "responseFingerprints"
	KeyLastPrompts          = "tabLastPromptByModelSite"
)

// Keys lists every key the gateway owns.
var Keys = []string{
	KeyHistory,
	KeyAggregateTotals,
	KeyArchivedTotals,
	KeyPromptFingerprints,
	KeyResponseFingerprints,
	KeyLastPrompts,
}

// DefaultReconcileInterval is how often Run recomputes the totals.
const DefaultReconcileInterval = 5 * time.Minute

// Snapshot is what the popup reads.
type Snapshot struct {
	History []wastewatch.Exchange      `json:"history"`
	Totals  wastewatch.AggregateTotals `json:"aggregateTotals"`
}

// Gateway serializes every read-modify-write of the ledger state.
type Gateway struct {
	store          store.Store
	ledger         *ledger.Ledger
	logger         *slog.Logger
	reconcileEvery time.Duration

	mu sync.Mutex
}

var (
	// Ledger sets the merge rules; defaults to ledger.New().
	Ledger = opts.ForName[Gateway, *ledger.Ledger]("ledger")
	// Logger sets the logger.
	Logger = opts.ForName[Gateway, *slog.Logger]("logger")
	// ReconcileEvery sets the interval of the periodic reconciliation.
	ReconcileEvery = opts.ForName[Gateway, time.Duration]("reconcileEvery")
)

// New creates a gateway over st.
func New(st store.Store, options ...opts.Option[Gateway]) (*Gateway, error) {
	if st == nil {
		return nil, fmt.Errorf("gateway: store is required")
	}
	g := &Gateway{
		store:          st,
		logger:         slog.Default(),
		reconcileEvery: DefaultReconcileInterval,
	}
	if err := opts.Apply(g, options); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if g.ledger == nil {
		l, err := ledger.New(ledger.Logger(g.logger))
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		g.ledger = l
	}
	g.logger = g.logger.With(slogx.LoggerName("gateway"))
	return g, nil
}

// AppendPrompt records a prompt sample and returns the aggregate.
func (g *Gateway) AppendPrompt(ctx context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error) {
	if s.Kind == "" {
		s.Kind = wastewatch.KindPrompt
	}
	if s.Kind != wastewatch.KindPrompt {
		return wastewatch.AggregateTotals{}, fmt.Errorf("%w: expected a prompt, got %q", wastewatch.ErrInvalidSample, s.Kind)
	}
	return g.apply(ctx, s)
}

// AppendResponse records a response sample and returns the aggregate.
func (g *Gateway) AppendResponse(ctx context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error) {
	if s.Kind == "" {
		s.Kind = wastewatch.KindResponse
	}
	if s.Kind != wastewatch.KindResponse {
		return wastewatch.AggregateTotals{}, fmt.Errorf("%w: expected a response, got %q", wastewatch.ErrInvalidSample, s.Kind)
	}
	return g.apply(ctx, s)
}

func (g *Gateway) apply(ctx context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error) {
	if err := s.Validate(); err != nil {
		return wastewatch.AggregateTotals{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.load(ctx)
	if err != nil {
		return wastewatch.AggregateTotals{}, err
	}
	res := g.ledger.Apply(st, s)
	if !res.Changed() {
		g.logger.Debug("duplicate sample",
			slog.String("id", s.ID),
			slog.String("reason", res.Reason),
			slogx.Model(s.Model),
			slogx.Site(s.Site),
		)
		return st.Totals, nil
	}
	if err := g.save(ctx, st); err != nil {
		return wastewatch.AggregateTotals{}, err
	}
	return st.Totals, nil
}

// Totals reconciles and returns the aggregate.
func (g *Gateway) Totals(ctx context.Context) (wastewatch.AggregateTotals, error) {
	snap, err := g.Snapshot(ctx)
	return snap.Totals, err
}

// Snapshot reconciles and returns the history together with the aggregate.
func (g *Gateway) Snapshot(ctx context.Context) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.reconcile(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{History: st.History, Totals: st.Totals}, nil
}

// Reconcile recomputes the aggregate from the history and writes it back
// when it drifted.
func (g *Gateway) Reconcile(ctx context.Context) (wastewatch.AggregateTotals, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.reconcile(ctx)
	if err != nil {
		return wastewatch.AggregateTotals{}, err
	}
	return st.Totals, nil
}

func (g *Gateway) reconcile(ctx context.Context) (*ledger.State, error) {
	st, err := g.load(ctx)
	if err != nil {
		return nil, err
	}
	if !st.Drifted() {
		return st, nil
	}

	before := st.Totals
	after := st.Reconcile()
	g.logger.Info("aggregate drifted from history",
		slog.Int("cachedTokens", before.TokenCount),
		slog.Int("historyTokens", after.TokenCount),
		slog.Int("cachedPrompts", before.PromptCount),
		slog.Int("historyPrompts", after.PromptCount),
	)
	data, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode totals: %w", err)
	}
	if err := g.store.Set(ctx, map[string][]byte{KeyAggregateTotals: data}); err != nil {
		return nil, fmt.Errorf("gateway: save totals: %w", err)
	}
	return st, nil
}

// ResetAll clears history, aggregate and every ledger key in one write.
func (g *Gateway) ResetAll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.save(ctx, ledger.NewState()); err != nil {
		return err
	}
	g.logger.Info("all data reset")
	return nil
}

// Run reconciles periodically until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	if g.reconcileEvery <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(g.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := g.Reconcile(ctx); err != nil && ctx.Err() == nil {
				g.logger.Error("periodic reconciliation failed", slogx.Error(err))
			}
		}
	}
}

// load reads the state, falling back to empty values for absent or
// unreadable keys.
func (g *Gateway) load(ctx context.Context) (*ledger.State, error) {
	raw, err := g.store.Get(ctx, Keys...)
	if err != nil {
		return nil, fmt.Errorf("gateway: load: %w", err)
	}

	st := ledger.NewState()
	targets := map[string]any{
		KeyHistory:              &st.History,
		KeyAggregateTotals:      &st.Totals,
		KeyArchivedTotals:       &st.Archived,
		KeyPromptFingerprints:   &st.PromptFingerprints,
		KeyResponseFingerprints: &st.ResponseFingerprints,
		KeyLastPrompts:          &st.LastPrompts,
	}
	for key, target := range targets {
		data, ok := raw[key]
		if !ok || len(data) == 0 {
			continue
		}
		if err := json.Unmarshal(data, target); err != nil {
			// the next reconciliation repairs whatever this drops
			g.logger.Error("discarding unreadable store value", slog.String("key", key), slogx.Error(err))
		}
	}
	if st.History == nil {
		st.History = []wastewatch.Exchange{}
	}
	return st, nil
}

func (g *Gateway) save(ctx context.Context, st *ledger.State) error {
	values := map[string]any{
		KeyHistory:              lo.Ternary(st.History == nil, []wastewatch.Exchange{}, st.History),
		KeyAggregateTotals:      st.Totals,
		KeyArchivedTotals:       st.Archived,
		KeyPromptFingerprints:   st.PromptFingerprints,
		KeyResponseFingerprints: st.ResponseFingerprints,
		KeyLastPrompts:          st.LastPrompts,
	}
	encoded := make(map[string][]byte, len(values))
	for key, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("gateway: encode %s: %w", key, err)
		}
		encoded[key] = data
	}
	if err := g.store.Set(ctx, encoded); err != nil {
		return fmt.Errorf("gateway: save: %w", err)
	}
	return nil
}
