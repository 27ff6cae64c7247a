package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/impact"
	"github.com/casualjim/wastewatch/ledger"
	"github.com/casualjim/wastewatch/store"
	"github.com/casualjim/wastewatch/store/sqlitekv"
	"github.com/casualjim/wastewatch/tokens"
)

type fixture struct {
	t     *testing.T
	now   time.Time
	store store.Store
	gw    *Gateway
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		store: st,
	}
	l, err := ledger.New(ledger.Clock(func() time.Time { return f.now }))
	require.NoError(t, err)
	gw, err := New(st, Ledger(l))
	require.NoError(t, err)
	f.gw = gw
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) prompt(id, text string) wastewatch.ImpactSample {
	in := tokens.Estimate(text)
	return wastewatch.ImpactSample{
		ID:          id,
		Kind:        wastewatch.KindPrompt,
		Model:       "claude",
		Site:        "claude.ai",
		SessionID:   "s1",
		InputTokens: in,
		Timestamp:   strfmt.DateTime(f.now),
		TextPreview: text,
		ContentHash: "hash:" + text,
		Impact:      impact.Compute("claude", in, 0),
	}
}

func (f *fixture) response(id string, prompt wastewatch.ImpactSample, text string) wastewatch.ImpactSample {
	out := tokens.Estimate(text)
	full := impact.Compute("claude", prompt.InputTokens, out)
	return wastewatch.ImpactSample{
		ID:             id,
		Kind:           wastewatch.KindResponse,
		Model:          "claude",
		Site:           "claude.ai",
		SessionID:      "s1",
		InputTokens:    prompt.InputTokens,
		ResponseTokens: out,
		Timestamp:      strfmt.DateTime(f.now),
		PromptID:       prompt.ID,
		ContentHash:    "hash:" + text[:min(len(text), 64)],
		Impact:         full.Sub(prompt.Impact).Clamp(),
	}
}

func (f *fixture) snapshot() Snapshot {
	f.t.Helper()
	snap, err := f.gw.Snapshot(context.Background())
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) assertFoldLaw() {
	f.t.Helper()
	raw, err := f.store.Get(context.Background(), KeyHistory, KeyAggregateTotals, KeyArchivedTotals)
	require.NoError(f.t, err)

	var (
		history  []wastewatch.Exchange
		totals   wastewatch.AggregateTotals
		archived wastewatch.AggregateTotals
	)
	require.NoError(f.t, json.Unmarshal(raw[KeyHistory], &history))
	require.NoError(f.t, json.Unmarshal(raw[KeyAggregateTotals], &totals))
	if data, ok := raw[KeyArchivedTotals]; ok {
		require.NoError(f.t, json.Unmarshal(data, &archived))
	}
	want := wastewatch.Fold(archived, history)
	assert.Equal(f.t, want.TokenCount, totals.TokenCount)
	assert.Equal(f.t, want.PromptCount, totals.PromptCount)
	assert.InDelta(f.t, want.EnergyConsumption, totals.EnergyConsumption, 1e-9)
	assert.InDelta(f.t, want.WaterUsage, totals.WaterUsage, 1e-9)
	assert.InDelta(f.t, want.CarbonEmissions, totals.CarbonEmissions, 1e-9)
	assert.InDelta(f.t, want.Cost, totals.Cost, 1e-12)
}

func TestNew(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	gw, err := New(store.NewMemory())
	require.NoError(t, err)
	assert.NotNil(t, gw.ledger)
	assert.Equal(t, DefaultReconcileInterval, gw.reconcileEvery)
}

func TestFirstRun(t *testing.T) {
	f := newFixture(t, store.NewMemory())
	snap := f.snapshot()
	assert.True(t, snap.Totals.IsZero())
	assert.Empty(t, snap.History)
}

func TestScenarios(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	cfg, _ := impact.Default().Lookup("claude")

	// A: prompt "Hello" on a claude site
	hello := f.prompt("p1", "Hello")
	totals, err := f.gw.AppendPrompt(ctx, hello)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.PromptCount)
	assert.Greater(t, totals.EnergyConsumption, 0.0)
	assert.InDelta(t, float64(hello.InputTokens)*cfg.InputPricePer1K/1000, totals.Cost, 1e-12)

	snap := f.snapshot()
	require.Len(t, snap.History, 1)
	assert.Zero(t, snap.History[0].ResponseTokens)
	afterA := snap.Totals

	// B: an 800 character answer stabilizes 40 seconds later
	f.advance(40 * time.Second)
	answer := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 18)[:800]
	totals, err = f.gw.AppendResponse(ctx, f.response("r1", hello, answer))
	require.NoError(t, err)
	assert.Equal(t, 1, totals.PromptCount)
	assert.Greater(t, totals.WaterUsage, afterA.WaterUsage)
	assert.Greater(t, totals.CarbonEmissions, afterA.CarbonEmissions)
	assert.Greater(t, totals.Cost, afterA.Cost)

	snap = f.snapshot()
	require.Len(t, snap.History, 1)
	assert.Equal(t, tokens.Estimate(answer), snap.History[0].ResponseTokens)
	full := impact.Compute("claude", hello.InputTokens, tokens.Estimate(answer))
	assert.InDelta(t, full.EnergyConsumption, snap.Totals.EnergyConsumption, 1e-9)
	f.assertFoldLaw()
}

func TestScenarioC_DoubleSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())

	_, err := f.gw.AppendPrompt(ctx, f.prompt("p1", "Explain monads"))
	require.NoError(t, err)
	f.advance(2 * time.Second)
	totals, err := f.gw.AppendPrompt(ctx, f.prompt("p2", "Explain monads"))
	require.NoError(t, err)

	assert.Equal(t, 1, totals.PromptCount)
	assert.Len(t, f.snapshot().History, 1)
}

func TestScenarioD_LongerVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())

	p := f.prompt("p1", "Write a poem")
	_, err := f.gw.AppendPrompt(ctx, p)
	require.NoError(t, err)

	opening := strings.Repeat("Roses are red, violets are blue. ", 3)
	f.advance(10 * time.Second)
	short := f.response("r1", p, opening+"The end.")
	_, err = f.gw.AppendResponse(ctx, short)
	require.NoError(t, err)

	f.advance(5 * time.Second)
	long := f.response("r2", p, opening+strings.Repeat("Sugar is sweet and so are you. ", 10))
	long.Supersedes = "r1"
	require.Equal(t, short.ContentHash, long.ContentHash)
	totals, err := f.gw.AppendResponse(ctx, long)
	require.NoError(t, err)

	full := impact.Compute("claude", p.InputTokens, long.ResponseTokens)
	assert.InDelta(t, full.EnergyConsumption, totals.EnergyConsumption, 1e-9)
	assert.InDelta(t, full.Cost, totals.Cost, 1e-12)
	assert.Equal(t, p.InputTokens+long.ResponseTokens, totals.TokenCount)
	assert.Equal(t, 1, totals.PromptCount)
	f.assertFoldLaw()
}

func TestScenarioE_NoResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())

	p := f.prompt("p1", "Are you there?")
	_, err := f.gw.AppendPrompt(ctx, p)
	require.NoError(t, err)
	f.advance(45 * time.Second)
	f.advance(time.Hour)

	snap := f.snapshot()
	require.Len(t, snap.History, 1)
	assert.Zero(t, snap.History[0].ResponseTokens)
	assert.InDelta(t, p.EnergyConsumption, snap.Totals.EnergyConsumption, 1e-12)
	assert.Equal(t, p.InputTokens, snap.Totals.TokenCount)
}

func TestIdempotence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	p := f.prompt("p1", "Hello")

	once, err := f.gw.AppendPrompt(ctx, p)
	require.NoError(t, err)
	twice, err := f.gw.AppendPrompt(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	r := f.response("r1", p, "Hi! How can I help you today?")
	once, err = f.gw.AppendResponse(ctx, r)
	require.NoError(t, err)
	twice, err = f.gw.AppendResponse(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestResetAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	p := f.prompt("p1", "Hello")
	_, err := f.gw.AppendPrompt(ctx, p)
	require.NoError(t, err)
	_, err = f.gw.AppendResponse(ctx, f.response("r1", p, "Hi there"))
	require.NoError(t, err)

	require.NoError(t, f.gw.ResetAll(ctx))

	snap := f.snapshot()
	assert.True(t, snap.Totals.IsZero())
	assert.Empty(t, snap.History)

	reconciled, err := f.gw.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, reconciled.IsZero())

	// the fingerprints went too, so the same prompt counts again
	totals, err := f.gw.AppendPrompt(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.PromptCount)
}

func TestReconcile_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, mem)

	_, err := f.gw.AppendPrompt(ctx, f.prompt("p1", "Hello"))
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, map[string][]byte{KeyAggregateTotals: []byte(`{"tokenCount":999,"promptCount":7}`)}))

	totals, err := f.gw.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.PromptCount)
	assert.Equal(t, tokens.Estimate("Hello"), totals.TokenCount)
	f.assertFoldLaw()
}

func TestLoad_ToleratesBadValues(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Set(ctx, map[string][]byte{
		KeyHistory:            []byte(`not json`),
		KeyPromptFingerprints: []byte(`null`),
	}))
	f := newFixture(t, mem)

	totals, err := f.gw.AppendPrompt(ctx, f.prompt("p1", "Hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, totals.PromptCount)
	f.assertFoldLaw()
}

func TestAppend_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())
	p := f.prompt("p1", "Hello")

	_, err := f.gw.AppendResponse(ctx, p)
	assert.ErrorIs(t, err, wastewatch.ErrInvalidSample)

	p.Kind = wastewatch.KindResponse
	_, err = f.gw.AppendPrompt(ctx, p)
	assert.ErrorIs(t, err, wastewatch.ErrInvalidSample)

	missing := f.prompt("", "Hello")
	_, err = f.gw.AppendPrompt(ctx, missing)
	assert.ErrorIs(t, err, wastewatch.ErrInvalidSample)

	untyped := f.prompt("p2", "Hello")
	untyped.Kind = ""
	totals, err := f.gw.AppendPrompt(ctx, untyped)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.PromptCount)
}

func TestStoreFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	f := newFixture(t, mem)
	require.NoError(t, mem.Close())

	_, err := f.gw.AppendPrompt(ctx, f.prompt("p1", "Hello"))
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, f.gw.ResetAll(ctx), store.ErrClosed)
	_, err = f.gw.Totals(ctx)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, store.NewMemory())

	samples := make([]wastewatch.ImpactSample, 10)
	for i := range samples {
		samples[i] = f.prompt(fmt.Sprintf("p%d", i), fmt.Sprintf("question number %d %s", i, strings.Repeat("x ", i*10)))
	}

	var wg sync.WaitGroup
	for _, s := range samples {
		wg.Add(1)
		go func(s wastewatch.ImpactSample) {
			defer wg.Done()
			_, err := f.gw.AppendPrompt(ctx, s)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 10, f.snapshot().Totals.PromptCount)
	f.assertFoldLaw()
}

func TestRun_ReconcilesPeriodically(t *testing.T) {
	mem := store.NewMemory()
	gw, err := New(mem, ReconcileEvery(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.NoError(t, mem.Set(context.Background(), map[string][]byte{
		KeyHistory:         []byte(`[]`),
		KeyAggregateTotals: []byte(`{"tokenCount":50}`),
	}))
	require.Eventually(t, func() bool {
		raw, err := mem.Get(context.Background(), KeyAggregateTotals)
		if err != nil {
			return false
		}
		var totals wastewatch.AggregateTotals
		return json.Unmarshal(raw[KeyAggregateTotals], &totals) == nil && totals.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := sqlitekv.Open(path)
	require.NoError(t, err)

	f := newFixture(t, db)
	p := f.prompt("p1", "Hello")
	_, err = f.gw.AppendPrompt(ctx, p)
	require.NoError(t, err)
	_, err = f.gw.AppendResponse(ctx, f.response("r1", p, "Hello! What can I do for you?"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = sqlitekv.Open(path)
	require.NoError(t, err)
	defer db.Close()
	f = newFixture(t, db)

	snap := f.snapshot()
	require.Len(t, snap.History, 1)
	assert.True(t, snap.History[0].HasResponse())
	assert.Equal(t, 1, snap.Totals.PromptCount)
	f.assertFoldLaw()
}
