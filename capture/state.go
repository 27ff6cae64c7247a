package capture

// State is the phase of the capture cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingInput
	StatePromptCaptured
	StateAwaitingResponse
	StateResponseStable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingInput:
		return "awaiting_input"
	case StatePromptCaptured:
		return "prompt_captured"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateResponseStable:
		return "response_stable"
	default:
		return "unknown"
	}
}

// Stats counts what the engine observed since it started.
type Stats struct {
	Prompts    int
	Inferred   int
	Responses  int
	Duplicates int
	Misses     int
	Timeouts   int
	Recovered  int
}
