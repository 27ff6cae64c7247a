package capture

import (
	"log/slog"
	"time"

	"github.com/fogfish/opts"

	"github.com/casualjim/wastewatch/impact"
	"github.com/casualjim/wastewatch/tokens"
)

// Config holds the timing and heuristic knobs of the engine.
type Config struct {
	InputPoll        time.Duration `toml:"input_poll"`
	Debounce         time.Duration `toml:"debounce"`
	PromptCooldown   time.Duration `toml:"prompt_cooldown"`
	ResponsePoll     time.Duration `toml:"response_poll"`
	StableChecks     int           `toml:"stable_checks"`
	ResponseTimeout  time.Duration `toml:"response_timeout"`
	ResponseCooldown time.Duration `toml:"response_cooldown"`
	RefreshGrace     time.Duration `toml:"refresh_grace"`
	SessionIdleGap   time.Duration `toml:"session_idle_gap"`
	PrefixLength     int           `toml:"prefix_length"`
	PreviewLength    int           `toml:"preview_length"`
	// Placeholder is the stand-in prompt text used when a submission is seen
	// but no input text can be read. Empty disables it.
	Placeholder string `toml:"placeholder"`
	// InferPrompts synthesizes a prompt for responses that show up while no
	// prompt was captured. The synthesized prompt is flagged as inferred.
	InferPrompts bool `toml:"infer_prompts"`
	// InferAfterIdle is how long after the last captured prompt a response
	// counts as unsolicited.
	InferAfterIdle time.Duration `toml:"infer_after_idle"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		InputPoll:        500 * time.Millisecond,
		Debounce:         time.Second,
		PromptCooldown:   2 * time.Second,
		ResponsePoll:     time.Second,
		StableChecks:     3,
		ResponseTimeout:  45 * time.Second,
		ResponseCooldown: 3 * time.Second,
		RefreshGrace:     1500 * time.Millisecond,
		SessionIdleGap:   5 * time.Minute,
		PrefixLength:     64,
		PreviewLength:    80,
		Placeholder:      "[prompt]",
		InferPrompts:     false,
		InferAfterIdle:   time.Minute,
	}
}

var (
	// Table sets the impact table used to price captures.
	Table = opts.ForName[Engine, impact.Table]("table")
	// Estimator sets the token estimator.
	Estimator = opts.ForName[Engine, tokens.Estimator]("estimator")
	// Logger sets the logger.
	Logger = opts.ForName[Engine, *slog.Logger]("logger")
)

// WithConfig replaces the engine settings.
func WithConfig(cfg Config) opts.Option[Engine] {
	return opts.Type[Engine](func(e *Engine) error {
		e.cfg = cfg
		return nil
	})
}

// InferPrompts enables or disables the inferred prompt fallback.
func InferPrompts(enabled bool) opts.Option[Engine] {
	return opts.Type[Engine](func(e *Engine) error {
		e.cfg.InferPrompts = enabled
		return nil
	})
}
