// Package ledger holds the merge rules that turn a stream of prompt and
// response samples into a bounded history of exchanges and aggregate totals.
//
// Samples arrive at least once, in any order, from any number of tabs. The
// ledger keeps short-lived fingerprints of what it recorded so duplicates are
// dropped, matches responses to pending prompts, replaces partial responses
// with more complete ones, and can recompute the totals from the history at
// any time. Everything operates on a State value; loading and saving it is
// the gateway's job.
package ledger

import (
	"time"

	"github.com/casualjim/wastewatch"
)

// LastPrompt points at the most recent prompt exchange of a model and site.
type LastPrompt struct {
	ExchangeID string    `json:"exchangeId"`
	At         time.Time `json:"at"`
}

// State is everything the ledger persists.
type State struct {
	History []wastewatch.Exchange      `json:"history"`
	Totals  wastewatch.AggregateTotals `json:"aggregateTotals"`
	// Archived carries the contribution of exchanges that were dropped from
	// the bounded history, so the totals stay the fold of what is stored.
	Archived             wastewatch.AggregateTotals `json:"archivedTotals"`
	PromptFingerprints   map[string]time.Time       `json:"promptFingerprints"`
	ResponseFingerprints map[string]time.Time       `json:"responseFingerprints"`
	LastPrompts          map[string]LastPrompt      `json:"tabLastPromptByModelSite"`
}

// NewState returns an empty state.
func NewState() *State {
	st := &State{}
	st.ensure()
	return st
}

// ensure initializes the maps of a state decoded from a first-run store.
func (st *State) ensure() {
	if st.PromptFingerprints == nil {
		st.PromptFingerprints = make(map[string]time.Time)
	}
	if st.ResponseFingerprints == nil {
		st.ResponseFingerprints = make(map[string]time.Time)
	}
	if st.LastPrompts == nil {
		st.LastPrompts = make(map[string]LastPrompt)
	}
}

// Reset clears history, totals and every ledger map.
func (st *State) Reset() {
	*st = State{}
	st.ensure()
}

// Reconcile recomputes the totals from scratch off the archived base and the
// history, stores them and returns them.
func (st *State) Reconcile() wastewatch.AggregateTotals {
	st.Totals = wastewatch.Fold(st.Archived, st.History)
	return st.Totals
}

// Drifted reports whether the cached totals differ from the history fold by
// more than rounding noise.
func (st *State) Drifted() bool {
	want := wastewatch.Fold(st.Archived, st.History)
	got := st.Totals
	return want.TokenCount != got.TokenCount ||
		want.PromptCount != got.PromptCount ||
		!near(want.WaterUsage, got.WaterUsage) ||
		!near(want.CarbonEmissions, got.CarbonEmissions) ||
		!near(want.EnergyConsumption, got.EnergyConsumption) ||
		!near(want.Cost, got.Cost)
}

func (st *State) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].ID == id {
			return i
		}
	}
	return -1
}

func near(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 1e-9*max(1, abs(a), abs(b))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
