// Package protocol defines the messages exchanged between page contexts, the
// background process and the popup.
//
// Every message kind is its own type implementing Message; receivers switch
// over the concrete type instead of looking handlers up by action name. On
// the wire a message travels in an envelope keyed by its action string.
package protocol

import (
	"github.com/casualjim/wastewatch"
)

// Action names a message kind on the wire.
type Action string

const (
	ActionPing             Action = "ping"
	ActionPong             Action = "pong"
	ActionSiteDetected     Action = "siteDetected"
	ActionShowUI           Action = "showUI"
	ActionResetRequested   Action = "resetRequested"
	ActionResetConfirmed   Action = "resetConfirmed"
	ActionGetCurrentStats  Action = "getCurrentStats"
	ActionPromptCaptured   Action = "promptCaptured"
	ActionResponseCaptured Action = "responseCaptured"
	ActionGetTotals        Action = "getTotals"
	ActionResetAll         Action = "resetAll"
	ActionTotalsChanged    Action = "totalsChanged"
	ActionTotals           Action = "totals"
	ActionSnapshot         Action = "snapshot"
	ActionAck              Action = "ack"
	ActionFailure          Action = "error"
)

// Message is implemented by every message kind.
type Message interface {
	Action() Action
	protocolMessage()
}

// Ping is a liveness probe; any context answers with Pong.
type Ping struct{}

type Pong struct{}

// SiteDetected tells a page which AI site the background recognized.
type SiteDetected struct {
	Site  string `json:"site"`
	Model string `json:"model,omitempty"`
}

// ShowUI asks a page to show its overlay.
type ShowUI struct{}

// ResetRequested asks a page to zero its local total ahead of a reset.
type ResetRequested struct{}

// ResetConfirmed is broadcast once the shared store has been cleared.
type ResetConfirmed struct{}

// GetCurrentStats asks a page for its local running total.
type GetCurrentStats struct{}

type PromptCaptured struct {
	Sample wastewatch.ImpactSample `json:"sample"`
}

type ResponseCaptured struct {
	Sample wastewatch.ImpactSample `json:"sample"`
}

// GetTotals asks the background for history and aggregates.
type GetTotals struct{}

type ResetAll struct{}

// TotalsChanged is broadcast after every change to the aggregate.
type TotalsChanged struct {
	Totals wastewatch.AggregateTotals `json:"aggregateTotals"`
}

// Totals answers appends and GetCurrentStats.
type Totals struct {
	Totals wastewatch.AggregateTotals `json:"aggregateTotals"`
}

// Snapshot answers GetTotals.
type Snapshot struct {
	History []wastewatch.Exchange      `json:"history"`
	Totals  wastewatch.AggregateTotals `json:"aggregateTotals"`
}

type Ack struct{}

// Failure carries an error back to a requester.
type Failure struct {
	Message string `json:"message"`
}

func (f Failure) Error() string { return f.Message }

func (Ping) Action() Action             { return ActionPing }
func (Pong) Action() Action             { return ActionPong }
func (SiteDetected) Action() Action     { return ActionSiteDetected }
func (ShowUI) Action() Action           { return ActionShowUI }
func (ResetRequested) Action() Action   { return ActionResetRequested }
func (ResetConfirmed) Action() Action   { return ActionResetConfirmed }
func (GetCurrentStats) Action() Action  { return ActionGetCurrentStats }
func (PromptCaptured) Action() Action   { return ActionPromptCaptured }
func (ResponseCaptured) Action() Action { return ActionResponseCaptured }
func (GetTotals) Action() Action        { return ActionGetTotals }
func (ResetAll) Action() Action         { return ActionResetAll }
func (TotalsChanged) Action() Action    { return ActionTotalsChanged }
func (Totals) Action() Action           { return ActionTotals }
func (Snapshot) Action() Action         { return ActionSnapshot }
func (Ack) Action() Action              { return ActionAck }
func (Failure) Action() Action          { return ActionFailure }

func (Ping) protocolMessage()             {}
func (Pong) protocolMessage()             {}
func (SiteDetected) protocolMessage()     {}
func (ShowUI) protocolMessage()           {}
func (ResetRequested) protocolMessage()   {}
func (ResetConfirmed) protocolMessage()   {}
func (GetCurrentStats) protocolMessage()  {}
func (PromptCaptured) protocolMessage()   {}
func (ResponseCaptured) protocolMessage() {}
func (GetTotals) protocolMessage()        {}
func (ResetAll) protocolMessage()         {}
func (TotalsChanged) protocolMessage()    {}
func (Totals) protocolMessage()           {}
func (Snapshot) protocolMessage()         {}
func (Ack) protocolMessage()              {}
func (Failure) protocolMessage()          {}

// New returns the zero value of the message kind for an action.
func New(action Action) (Message, bool) {
	switch action {
	case ActionPing:
		return Ping{}, true
	case ActionPong:
		return Pong{}, true
	case ActionSiteDetected:
		return SiteDetected{}, true
	case ActionShowUI:
		return ShowUI{}, true
	case ActionResetRequested:
		return ResetRequested{}, true
	case ActionResetConfirmed:
		return ResetConfirmed{}, true
	case ActionGetCurrentStats:
		return GetCurrentStats{}, true
	case ActionPromptCaptured:
		return PromptCaptured{}, true
	case ActionResponseCaptured:
		return ResponseCaptured{}, true
	case ActionGetTotals:
		return GetTotals{}, true
	case ActionResetAll:
		return ResetAll{}, true
	case ActionTotalsChanged:
		return TotalsChanged{}, true
	case ActionTotals:
		return Totals{}, true
	case ActionSnapshot:
		return Snapshot{}, true
	case ActionAck:
		return Ack{}, true
	case ActionFailure:
		return Failure{}, true
	default:
		return nil, false
	}
}
