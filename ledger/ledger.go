package ledger

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/samber/lo"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/pkg/slogx"
)

// Config holds the dedup windows and history bound.
type Config struct {
	PromptTTL    time.Duration `toml:"prompt_ttl"`
	ResponseTTL  time.Duration `toml:"response_ttl"`
	NearWindow   time.Duration `toml:"near_window"`
	NearTokens   int           `toml:"near_tokens"`
	MatchWindow  time.Duration `toml:"match_window"`
	MatchDepth   int           `toml:"match_depth"`
	HistoryLimit int           `toml:"history_limit"`
}

// DefaultConfig returns the default ledger settings.
func DefaultConfig() Config {
	return Config{
		PromptTTL:    10 * time.Minute,
		ResponseTTL:  time.Hour,
		NearWindow:   2 * time.Minute,
		NearTokens:   5,
		MatchWindow:  time.Minute,
		MatchDepth:   5,
		HistoryLimit: 100,
	}
}

// Outcome says what Apply did with a sample.
type Outcome int

const (
	Skipped Outcome = iota
	// Recorded appends a prompt exchange.
	Recorded
	// Merged attaches a response to a pending prompt exchange.
	Merged
	// Replaced swaps an earlier partial response for a longer one.
	Replaced
	// Standalone appends a response that matched no prompt.
	Standalone
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Recorded:
		return "recorded"
	case Merged:
		return "merged"
	case Replaced:
		return "replaced"
	case Standalone:
		return "standalone"
	default:
		return "unknown"
	}
}

// Result describes the effect of one sample.
type Result struct {
	Outcome Outcome
	// Reason is set when the sample was skipped.
	Reason string
	// ExchangeID is the exchange the sample landed in.
	ExchangeID string
}

// Changed reports whether the state was modified.
func (r Result) Changed() bool {
	return r.Outcome != Skipped
}

const idPrefix = "id|"

// Ledger applies samples to a State. It holds no state of its own and is
// safe for concurrent use as long as callers serialize access to the State.
type Ledger struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

var (
	// Clock overrides the time source used for fingerprint expiry.
	Clock = opts.ForName[Ledger, func() time.Time]("now")
	// Logger sets the logger.
	Logger = opts.ForName[Ledger, *slog.Logger]("logger")
)

// WithConfig replaces the ledger settings.
func WithConfig(cfg Config) opts.Option[Ledger] {
	return opts.Type[Ledger](func(l *Ledger) error {
		l.cfg = cfg
		return nil
	})
}

// New creates a ledger.
func New(options ...opts.Option[Ledger]) (*Ledger, error) {
	l := &Ledger{
		cfg:    DefaultConfig(),
		now:    time.Now,
		logger: slog.Default(),
	}
	if err := opts.Apply(l, options); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if l.cfg.HistoryLimit <= 0 {
		return nil, fmt.Errorf("ledger: history limit must be positive, got %d", l.cfg.HistoryLimit)
	}
	l.logger = l.logger.With(slogx.LoggerName("ledger"))
	return l, nil
}

// Config returns the active settings.
func (l *Ledger) Config() Config { return l.cfg }

// Apply expires old fingerprints, then records the sample unless it is a
// duplicate. The sample must be valid.
func (l *Ledger) Apply(st *State, s wastewatch.ImpactSample) Result {
	st.ensure()
	s = s.Normalized()
	if s.Timestamp.IsZero() {
		s.Timestamp = strfmt.DateTime(l.now())
	}
	l.Evict(st)

	if skip, reason := l.ShouldSkip(st, s); skip {
		l.logger.Debug("sample skipped",
			slog.String("kind", string(s.Kind)),
			slog.String("id", s.ID),
			slog.String("reason", reason),
		)
		return Result{Outcome: Skipped, Reason: reason}
	}
	res := l.Record(st, s)
	l.logger.Debug("sample applied",
		slog.String("kind", string(s.Kind)),
		slog.String("id", s.ID),
		slogx.Action(res.Outcome.String()),
		slogx.Model(s.Model),
	)
	return res
}

// ShouldSkip reports whether the sample was already counted, and why.
func (l *Ledger) ShouldSkip(st *State, s wastewatch.ImpactSample) (bool, string) {
	now := l.now()
	switch s.Kind {
	case wastewatch.KindPrompt:
		if l.live(st.PromptFingerprints, idPrefix+s.ID, l.cfg.PromptTTL, now) {
			return true, "already recorded"
		}
		if l.live(st.PromptFingerprints, promptKey(s), l.cfg.PromptTTL, now) {
			return true, "prompt fingerprint"
		}
		if l.nearDuplicate(st, s) {
			return true, "near duplicate prompt"
		}
	case wastewatch.KindResponse:
		if l.live(st.ResponseFingerprints, idPrefix+s.ID, l.cfg.ResponseTTL, now) {
			return true, "already recorded"
		}
		if l.live(st.ResponseFingerprints, responseKey(s), l.cfg.ResponseTTL, now) {
			return true, "response fingerprint"
		}
		if i := l.stale(st, s); i >= 0 && st.History[i].ResponseTokens >= s.ResponseTokens {
			return true, "not longer than recorded version"
		}
	default:
		return true, "unknown kind"
	}
	return false, ""
}

// Record applies a sample that passed ShouldSkip.
func (l *Ledger) Record(st *State, s wastewatch.ImpactSample) Result {
	st.ensure()
	if s.Kind == wastewatch.KindPrompt {
		return l.recordPrompt(st, s)
	}
	return l.recordResponse(st, s)
}

func (l *Ledger) recordPrompt(st *State, s wastewatch.ImpactSample) Result {
	now := l.now()
	e := wastewatch.NewExchange(s)
	l.append(st, e)

	st.PromptFingerprints[idPrefix+s.ID] = now
	st.PromptFingerprints[promptKey(s)] = now
	st.LastPrompts[siteKey(s.Model, s.Site)] = LastPrompt{ExchangeID: e.ID, At: s.Time()}
	return Result{Outcome: Recorded, ExchangeID: e.ID}
}

func (l *Ledger) recordResponse(st *State, s wastewatch.ImpactSample) Result {
	now := l.now()
	st.ResponseFingerprints[idPrefix+s.ID] = now
	st.ResponseFingerprints[responseKey(s)] = now

	replaced := false
	if i := l.stale(st, s); i >= 0 {
		replaced = true
		old := &st.History[i]
		if !old.ResponseOnly {
			removed := old.DetachResponse()
			st.Totals = st.Totals.Sub(removed)
			l.attach(st, i, s)
			return Result{Outcome: Replaced, ExchangeID: old.ID}
		}
		st.Totals = st.Totals.Sub(old.Contribution())
		st.History = append(st.History[:i], st.History[i+1:]...)
	}

	if i := l.pending(st, s); i >= 0 {
		l.attach(st, i, s)
		out := Merged
		if replaced {
			out = Replaced
		}
		return Result{Outcome: out, ExchangeID: st.History[i].ID}
	}

	e := wastewatch.NewResponseOnlyExchange(s)
	l.append(st, e)
	out := Standalone
	if replaced {
		out = Replaced
	}
	return Result{Outcome: out, ExchangeID: e.ID}
}

func (l *Ledger) attach(st *State, i int, s wastewatch.ImpactSample) {
	st.History[i].AttachResponse(s)
	added := wastewatch.AggregateTotals{TokenCount: s.ResponseTokens}
	added.AddImpact(s.Impact)
	st.Totals = st.Totals.Add(added)
}

// append adds an exchange and folds the oldest entries into the archived
// base once the history is over its bound.
func (l *Ledger) append(st *State, e wastewatch.Exchange) {
	st.History = append(st.History, e)
	st.Totals = st.Totals.Add(e.Contribution())

	over := len(st.History) - l.cfg.HistoryLimit
	if over <= 0 {
		return
	}
	st.Archived = wastewatch.Fold(st.Archived, st.History[:over])
	st.History = append([]wastewatch.Exchange(nil), st.History[over:]...)
}

// pending finds the prompt exchange a response answers. An explicit prompt
// id wins; otherwise the most recent prompt for the model and site, then a
// bounded scan of the newest entries.
func (l *Ledger) pending(st *State, s wastewatch.ImpactSample) int {
	open := func(i int) bool {
		e := st.History[i]
		return !e.ResponseOnly && !e.HasResponse() && e.Model == s.Model && e.Site == s.Site
	}

	if i := st.indexOf(s.PromptID); i >= 0 && open(i) {
		return i
	}

	if last, ok := st.LastPrompts[siteKey(s.Model, s.Site)]; ok && within(s.Time(), last.At, l.cfg.MatchWindow) {
		if i := st.indexOf(last.ExchangeID); i >= 0 && open(i) && sameSession(st.History[i], s) {
			return i
		}
	}

	lowest := max(len(st.History)-l.cfg.MatchDepth, 0)
	for i := len(st.History) - 1; i >= lowest; i-- {
		if open(i) && sameSession(st.History[i], s) && within(s.Time(), st.History[i].Time(), l.cfg.MatchWindow) {
			return i
		}
	}
	return -1
}

// stale finds an earlier version of the same response: the one it names as
// superseded, or one with the same content hash in the same session.
func (l *Ledger) stale(st *State, s wastewatch.ImpactSample) int {
	if s.Supersedes != "" {
		for i := len(st.History) - 1; i >= 0; i-- {
			if st.History[i].ResponseID == s.Supersedes {
				return i
			}
		}
	}
	if s.ContentHash == "" || s.SessionID == "" {
		return -1
	}
	cutoff := s.Time().Add(-l.cfg.ResponseTTL)
	for i := len(st.History) - 1; i >= 0; i-- {
		e := st.History[i]
		if e.ResponseHash == s.ContentHash && e.SessionID == s.SessionID &&
			e.Model == s.Model && e.Site == s.Site && !time.Time(e.RespondedAt).Before(cutoff) {
			return i
		}
	}
	return -1
}

func (l *Ledger) nearDuplicate(st *State, s wastewatch.ImpactSample) bool {
	for i := len(st.History) - 1; i >= 0; i-- {
		e := st.History[i]
		if e.ResponseOnly || e.Model != s.Model || e.Site != s.Site || e.SessionID != s.SessionID {
			continue
		}
		if !within(s.Time(), e.Time(), l.cfg.NearWindow) {
			continue
		}
		if s.ContentHash != "" && e.PromptHash != "" && s.ContentHash != e.PromptHash {
			continue
		}
		if abs(float64(e.InputTokens-s.InputTokens)) <= float64(l.cfg.NearTokens) {
			return true
		}
	}
	return false
}

// Evict drops fingerprints and last-prompt pointers past their lifetime.
func (l *Ledger) Evict(st *State) {
	st.ensure()
	now := l.now()
	expire := func(m map[string]time.Time, ttl time.Duration) {
		for k, at := range m {
			if now.Sub(at) >= ttl {
				delete(m, k)
			}
		}
	}
	expire(st.PromptFingerprints, l.cfg.PromptTTL)
	expire(st.ResponseFingerprints, l.cfg.ResponseTTL)

	stale := lo.PickBy(st.LastPrompts, func(_ string, p LastPrompt) bool {
		return now.Sub(p.At) >= l.cfg.PromptTTL
	})
	for k := range stale {
		delete(st.LastPrompts, k)
	}
}

func (l *Ledger) live(m map[string]time.Time, key string, ttl time.Duration, now time.Time) bool {
	at, ok := m[key]
	return ok && now.Sub(at) < ttl
}

func promptKey(s wastewatch.ImpactSample) string {
	return strings.Join([]string{
		"p", s.SessionID, s.Model, s.Site, strconv.Itoa(s.InputTokens), s.ContentHash,
	}, "|")
}

func responseKey(s wastewatch.ImpactSample) string {
	return strings.Join([]string{
		"r", s.Model, s.Site, strconv.Itoa(s.ResponseTokens), strconv.Itoa(s.InputTokens),
	}, "|")
}

func siteKey(model, site string) string {
	return model + "|" + site
}

func sameSession(e wastewatch.Exchange, s wastewatch.ImpactSample) bool {
	return e.SessionID == "" || s.SessionID == "" || e.SessionID == s.SessionID
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
