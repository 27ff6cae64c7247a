package wastewatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
)

// DefaultModel is the model id used when a sample carries no model.
const DefaultModel = "default"

// SampleKind tells whether a sample describes a prompt or a response.
type SampleKind string

const (
	KindPrompt   SampleKind = "prompt"
	KindResponse SampleKind = "response"
)

// ImpactSample is one detected prompt or one detected response.
//
// For responses the embedded Impact is the delta between the full estimate
// and the interim estimate that was already recorded for the prompt, so adding
// it to the prompt's contribution never counts the input twice.
type ImpactSample struct {
	ID             string          `json:"id"`
	Kind           SampleKind      `json:"kind"`
	Model          string          `json:"model"`
	Site           string          `json:"site"`
	SessionID      string          `json:"sessionId,omitempty"`
	InputTokens    int             `json:"inputTokenCount"`
	ResponseTokens int             `json:"responseTokenCount"`
	Timestamp      strfmt.DateTime `json:"timestamp"`
	TextPreview    string          `json:"textPreview,omitempty"`
	// ContentHash identifies the captured text by its opening characters.
	ContentHash string `json:"contentHash,omitempty"`
	// PromptID links a response to the prompt sample it answers.
	PromptID string `json:"promptId,omitempty"`
	// Supersedes names an earlier response sample that this one replaces
	// because the page re-rendered a longer version of the same answer.
	Supersedes string `json:"supersedes,omitempty"`
	// Inferred marks prompts that were synthesized rather than observed.
	Inferred bool `json:"inferred,omitempty"`
	Impact
}

var (
	ErrInvalidSample  = errors.New("invalid impact sample")
	errNegativeNumber = errors.New("numeric fields must not be negative")
)

// Validate checks the sample invariants.
func (s ImpactSample) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSample)
	}
	switch s.Kind {
	case KindPrompt, KindResponse:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSample, s.Kind)
	}
	if s.InputTokens < 0 || s.ResponseTokens < 0 || !s.Impact.IsNonNegative() {
		return fmt.Errorf("%w: %w", ErrInvalidSample, errNegativeNumber)
	}
	return nil
}

// Normalized fills the defaults a sample may omit on the wire.
func (s ImpactSample) Normalized() ImpactSample {
	if s.Model == "" {
		s.Model = DefaultModel
	}
	return s
}

// Time returns the sample timestamp as a time.Time.
func (s ImpactSample) Time() time.Time {
	return time.Time(s.Timestamp)
}
