package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/casualjim/wastewatch"
)

var sentAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEncode_Envelope(t *testing.T) {
	data, err := Encode(SiteDetected{Site: "claude.ai", Model: "claude"}, sentAt)
	require.NoError(t, err)

	assert.Equal(t, "siteDetected", gjson.GetBytes(data, "action").String())
	assert.Equal(t, "2026-03-01T12:00:00.000Z", gjson.GetBytes(data, "sentAt").String())
	assert.Equal(t, "claude.ai", gjson.GetBytes(data, "payload.site").String())
	assert.Equal(t, "claude", gjson.GetBytes(data, "payload.model").String())

	_, err = Encode(nil, sentAt)
	require.Error(t, err)
}

func TestDecode_Sample(t *testing.T) {
	sample := wastewatch.ImpactSample{
		ID:          "p1",
		Kind:        wastewatch.KindPrompt,
		Model:       "claude",
		Site:        "claude.ai",
		InputTokens: 2,
		Timestamp:   strfmt.DateTime(sentAt),
		TextPreview: "Hello",
		Impact:      wastewatch.Impact{EnergyConsumption: 1.8, Cost: 0.000006},
	}
	data, err := Encode(PromptCaptured{Sample: sample}, sentAt)
	require.NoError(t, err)
	assert.InDelta(t, 1.8, gjson.GetBytes(data, "payload.sample.energyConsumption").Float(), 1e-12)
	assert.Equal(t, int64(2), gjson.GetBytes(data, "payload.sample.inputTokenCount").Int())

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ActionPromptCaptured, env.Action)
	assert.True(t, sentAt.Equal(time.Time(env.SentAt)))

	got, ok := env.Message.(PromptCaptured)
	require.True(t, ok)
	assert.Equal(t, "p1", got.Sample.ID)
	assert.Equal(t, wastewatch.KindPrompt, got.Sample.Kind)
	assert.Equal(t, 2, got.Sample.InputTokens)
	assert.InDelta(t, 1.8, got.Sample.EnergyConsumption, 1e-12)
	assert.True(t, sentAt.Equal(got.Sample.Time()))
}

func TestDecode_Snapshot(t *testing.T) {
	snap := Snapshot{
		History: []wastewatch.Exchange{{ID: "p1", Model: "claude", InputTokens: 3, ResponseTokens: 40}},
		Totals:  wastewatch.AggregateTotals{TokenCount: 43, PromptCount: 1},
	}
	data, err := Encode(snap, sentAt)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	got := env.Message.(Snapshot)
	require.Len(t, got.History, 1)
	assert.Equal(t, 40, got.History[0].ResponseTokens)
	assert.Equal(t, snap.Totals, got.Totals)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		is   error
	}{
		{"invalid json", `{"action":`, nil},
		{"missing action", `{"payload":{}}`, nil},
		{"unknown action", `{"action":"launchRockets"}`, ErrUnknownAction},
		{"bad sentAt", `{"action":"ping","sentAt":"yesterday"}`, nil},
		{"bad payload", `{"action":"totals","payload":{"aggregateTotals":"lots"}}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestDecode_PayloadOptional(t *testing.T) {
	env, err := Decode([]byte(`{"action":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, Ping{}, env.Message)
	assert.True(t, env.SentAt.IsZero())

	env, err = Decode([]byte(`{"action":"totals","payload":null}`))
	require.NoError(t, err)
	assert.Equal(t, Totals{}, env.Message)
}

func TestNew_CoversEveryAction(t *testing.T) {
	actions := []Action{
		ActionPing, ActionPong, ActionSiteDetected, ActionShowUI, ActionResetRequested,
		ActionResetConfirmed, ActionGetCurrentStats, ActionPromptCaptured, ActionResponseCaptured,
		ActionGetTotals, ActionResetAll, ActionTotalsChanged, ActionTotals, ActionSnapshot,
		ActionAck, ActionFailure,
	}
	for _, a := range actions {
		msg, ok := New(a)
		require.True(t, ok, a)
		assert.Equal(t, a, msg.Action())
	}
	_, ok := New("nope")
	assert.False(t, ok)
}

func TestFailure(t *testing.T) {
	var err error = Failure{Message: "store unavailable"}
	assert.EqualError(t, err, "store unavailable")

	data, encErr := Encode(Failure{Message: "store unavailable"}, sentAt)
	require.NoError(t, encErr)
	env, decErr := Decode(data)
	require.NoError(t, decErr)
	assert.Equal(t, Failure{Message: "store unavailable"}, env.Message)
}

type fakeBackground struct {
	prompts   []wastewatch.ImpactSample
	responses []wastewatch.ImpactSample
	resets    int
	err       error
}

func (f *fakeBackground) PromptCaptured(_ context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error) {
	f.prompts = append(f.prompts, s)
	return wastewatch.AggregateTotals{PromptCount: len(f.prompts)}, f.err
}

func (f *fakeBackground) ResponseCaptured(_ context.Context, s wastewatch.ImpactSample) (wastewatch.AggregateTotals, error) {
	f.responses = append(f.responses, s)
	return wastewatch.AggregateTotals{TokenCount: s.ResponseTokens}, f.err
}

func (f *fakeBackground) GetTotals(context.Context) (Snapshot, error) {
	return Snapshot{Totals: wastewatch.AggregateTotals{PromptCount: len(f.prompts)}}, f.err
}

func (f *fakeBackground) ResetAll(context.Context) error {
	f.resets++
	return f.err
}

func TestDispatchBackground(t *testing.T) {
	ctx := context.Background()
	h := &fakeBackground{}

	reply, err := DispatchBackground(ctx, h, Ping{})
	require.NoError(t, err)
	assert.Equal(t, Pong{}, reply)

	reply, err = DispatchBackground(ctx, h, PromptCaptured{Sample: wastewatch.ImpactSample{ID: "p1"}})
	require.NoError(t, err)
	assert.Equal(t, Totals{Totals: wastewatch.AggregateTotals{PromptCount: 1}}, reply)

	reply, err = DispatchBackground(ctx, h, ResponseCaptured{Sample: wastewatch.ImpactSample{ID: "r1", ResponseTokens: 9}})
	require.NoError(t, err)
	assert.Equal(t, 9, reply.(Totals).Totals.TokenCount)

	reply, err = DispatchBackground(ctx, h, GetTotals{})
	require.NoError(t, err)
	assert.Equal(t, 1, reply.(Snapshot).Totals.PromptCount)

	reply, err = DispatchBackground(ctx, h, ResetAll{})
	require.NoError(t, err)
	assert.Equal(t, Ack{}, reply)
	assert.Equal(t, 1, h.resets)

	_, err = DispatchBackground(ctx, h, ShowUI{})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = DispatchBackground(ctx, h, nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	h.err = errors.New("boom")
	_, err = DispatchBackground(ctx, h, ResetAll{})
	assert.EqualError(t, err, "boom")
}

type fakePage struct {
	calls []string
	site  SiteDetected
	total wastewatch.AggregateTotals
}

func (f *fakePage) SiteDetected(_ context.Context, m SiteDetected) error {
	f.calls = append(f.calls, "site")
	f.site = m
	return nil
}

func (f *fakePage) ShowUI(context.Context) error {
	f.calls = append(f.calls, "ui")
	return nil
}

func (f *fakePage) ResetRequested(context.Context) error {
	f.calls = append(f.calls, "reset-requested")
	return nil
}

func (f *fakePage) ResetConfirmed(context.Context) error {
	f.calls = append(f.calls, "reset-confirmed")
	return nil
}

func (f *fakePage) CurrentStats(context.Context) (wastewatch.AggregateTotals, error) {
	return f.total, nil
}

func (f *fakePage) TotalsChanged(_ context.Context, t wastewatch.AggregateTotals) error {
	f.calls = append(f.calls, "totals")
	return nil
}

func TestDispatchPage(t *testing.T) {
	ctx := context.Background()
	h := &fakePage{total: wastewatch.AggregateTotals{TokenCount: 7}}

	for _, msg := range []Message{
		SiteDetected{Site: "claude.ai"}, ShowUI{}, ResetRequested{}, ResetConfirmed{}, TotalsChanged{},
	} {
		reply, err := DispatchPage(ctx, h, msg)
		require.NoError(t, err)
		assert.Equal(t, Ack{}, reply)
	}
	assert.Equal(t, []string{"site", "ui", "reset-requested", "reset-confirmed", "totals"}, h.calls)
	assert.Equal(t, "claude.ai", h.site.Site)

	reply, err := DispatchPage(ctx, h, GetCurrentStats{})
	require.NoError(t, err)
	assert.Equal(t, Totals{Totals: h.total}, reply)

	reply, err = DispatchPage(ctx, h, Ping{})
	require.NoError(t, err)
	assert.Equal(t, Pong{}, reply)

	_, err = DispatchPage(ctx, h, ResetAll{})
	assert.ErrorIs(t, err, ErrUnsupported)
}
