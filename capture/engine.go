package capture

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/samber/lo"

	"github.com/casualjim/wastewatch"
	"github.com/casualjim/wastewatch/dom"
	"github.com/casualjim/wastewatch/impact"
	"github.com/casualjim/wastewatch/pkg/slogx"
	"github.com/casualjim/wastewatch/pkg/uuidx"
	"github.com/casualjim/wastewatch/sites"
	"github.com/casualjim/wastewatch/tokens"
)

// Emitter receives the samples the engine produces. Implementations must
// return quickly and must not call back into the engine.
type Emitter interface {
	EmitPrompt(context.Context, wastewatch.ImpactSample)
	EmitResponse(context.Context, wastewatch.ImpactSample)
}

// EmitterFuncs adapts two functions to the Emitter interface.
type EmitterFuncs struct {
	Prompt   func(context.Context, wastewatch.ImpactSample)
	Response func(context.Context, wastewatch.ImpactSample)
}

func (f EmitterFuncs) EmitPrompt(ctx context.Context, s wastewatch.ImpactSample) {
	if f.Prompt != nil {
		f.Prompt(ctx, s)
	}
}

func (f EmitterFuncs) EmitResponse(ctx context.Context, s wastewatch.ImpactSample) {
	if f.Response != nil {
		f.Response(ctx, s)
	}
}

// Engine is the capture state machine of one page. It is created when the
// page is recognised as an AI site and torn down with Stop on unload.
type Engine struct {
	doc     dom.Document
	loop    dom.Loop
	site    sites.SiteConfig
	emitter Emitter

	cfg       Config
	table     impact.Table
	estimator tokens.Estimator
	logger    *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	state     State
	startedAt time.Time
	session   Session
	stats     Stats

	inputs     []string
	inputChain dom.Chain
	attached   map[dom.Node][]dom.Cancel
	lifetime   []dom.Cancel

	pendingText string
	draft       string
	debounce    dom.Cancel

	lastPromptText string
	lastPromptAt   time.Time

	cycle         *cycle
	last          *processed
	baseline      string
	cooldownUntil time.Time
}

// cycle is one wait for a response.
type cycle struct {
	prompt       *wastewatch.ImpactSample
	interim      wastewatch.Impact
	startedAt    time.Time
	prevLen      int
	stable       int
	continuation *processed
	cancels      []dom.Cancel
}

// processed remembers the last response that was emitted.
type processed struct {
	id          string
	promptID    string
	prefix      string
	hash        string
	length      int
	inputTokens int
	interim     wastewatch.Impact
}

// New creates an engine for a page of the given site.
func New(doc dom.Document, loop dom.Loop, site sites.SiteConfig, emitter Emitter, options ...opts.Option[Engine]) (*Engine, error) {
	if doc == nil || loop == nil || emitter == nil {
		return nil, fmt.Errorf("capture: document, loop and emitter are required")
	}
	e := &Engine{
		doc:       doc,
		loop:      loop,
		site:      site,
		emitter:   emitter,
		cfg:       DefaultConfig(),
		table:     impact.Default(),
		estimator: tokens.New(tokens.DefaultWeights),
		logger:    slog.Default(),
		attached:  make(map[dom.Node][]dom.Cancel),
	}
	if err := opts.Apply(e, options); err != nil {
		return nil, err
	}
	if site.Model == "" {
		e.site.Model = wastewatch.DefaultModel
	}
	e.logger = e.logger.With(slogx.LoggerName("capture"), slogx.Site(e.site.Host))
	e.inputs = append(append([]string{}, site.Selectors.Input...), site.Selectors.SecondaryInput...)
	e.inputChain = dom.Chain{
		dom.FromSelectors("input", site.Selectors.Input),
		dom.FromSelectors("secondary-input", site.Selectors.SecondaryInput),
		dom.FromFunc("draft", func() string { return e.draft }),
		dom.FromSelectors("user-turn", site.Selectors.UserTurn),
		dom.Static("placeholder", e.cfg.Placeholder),
	}
	return e, nil
}

// Start attaches the listeners and observers and moves the engine to
// AwaitingInput. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return
	}

	now := e.loop.Now()
	e.ctx = ctx
	e.startedAt = now
	e.session = newSession(now)
	e.baseline = e.currentResponseHash()

	e.lifetime = append(e.lifetime,
		e.doc.Listen(dom.EventClick, func(ev dom.Event) { e.guard("click", func() { e.onClick(ev) }) }),
		e.doc.Listen(dom.EventKeyDown, func(ev dom.Event) { e.guard("keydown", func() { e.onKeyDown(ev) }) }),
		e.doc.Listen(dom.EventUnload, func(dom.Event) { e.guard("unload", e.Stop) }),
		e.doc.Observe(func(m dom.Mutation) { e.guard("mutation", func() { e.onMutation(m) }) }),
		e.loop.Every(e.cfg.InputPoll, func() { e.guard("input-poll", e.onInputPoll) }),
	)
	e.attachInputs()
	e.state = StateAwaitingInput
	e.logger.Debug("capture started", slog.String("session", e.session.ID), slogx.Model(e.site.Model))
}

// Stop cancels every listener, observer and timer. The engine can not be
// restarted; create a new one after a navigation.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cycle != nil {
		e.endCycle()
	}
	if e.debounce != nil {
		e.debounce()
		e.debounce = nil
	}
	for node, cancels := range e.attached {
		for _, cancel := range cancels {
			cancel()
		}
		delete(e.attached, node)
	}
	for _, cancel := range e.lifetime {
		cancel()
	}
	e.lifetime = nil
	e.state = StateIdle
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Session returns the current conversation session.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// guard runs a callback and contains any panic it raises.
func (e *Engine) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.stats.Recovered++
			e.mu.Unlock()
			e.logger.Warn("capture callback failed", slog.String("callback", name), slog.Any("panic", r))
		}
	}()
	fn()
}

func (e *Engine) inGrace(now time.Time) bool {
	return now.Sub(e.startedAt) < e.cfg.RefreshGrace
}

func (e *Engine) attachInputs() {
	for _, node := range dom.QueryAny(e.doc, e.inputs) {
		if _, ok := e.attached[node]; ok {
			continue
		}
		n := node
		onInput := func(dom.Event) { e.guard("input", func() { e.onInput(n) }) }
		e.attached[n] = []dom.Cancel{
			n.Listen(dom.EventInput, onInput),
			n.Listen(dom.EventChange, onInput),
		}
	}
}

func (e *Engine) onInput(node dom.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		return
	}
	e.pendingText = dom.TextOf(node)
	if e.debounce != nil {
		e.debounce()
	}
	e.debounce = e.loop.AfterFunc(e.cfg.Debounce, func() {
		e.guard("debounce", func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.draft = e.pendingText
			e.debounce = nil
		})
	})
}

func (e *Engine) onClick(ev dom.Event) {
	if !dom.ClosestAny(ev.Target, e.site.Selectors.Send) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submit("click")
}

func (e *Engine) onKeyDown(ev dom.Event) {
	if !ev.IsSubmitKey() || !dom.MatchesAny(ev.Target, e.inputs) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submit("enter")
}

func (e *Engine) onMutation(m dom.Mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle {
		return
	}
	if len(m.Added) > 0 {
		e.attachInputs()
	}
	if e.cycle != nil {
		e.checkResponse(false)
	}
}

func (e *Engine) onInputPoll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAwaitingInput {
		return
	}
	e.attachInputs()

	now := e.loop.Now()
	if e.inGrace(now) {
		// whatever renders right after a reload was counted before it
		e.baseline = e.currentResponseHash()
		return
	}
	if e.cycle != nil || now.Before(e.cooldownUntil) {
		return
	}

	_, text := e.currentResponse()
	if !e.isNew(text) {
		return
	}
	if e.continues(text) {
		e.beginCycle(nil, wastewatch.Impact{})
		return
	}
	if e.cfg.InferPrompts && (e.lastPromptAt.IsZero() || now.Sub(e.lastPromptAt) >= e.cfg.InferAfterIdle) {
		e.beginCycle(nil, wastewatch.Impact{})
		return
	}
	e.baseline = contentHash(text)
}

// submit reacts to a submission signal. Callers hold the lock.
func (e *Engine) submit(trigger string) {
	if e.state == StateIdle {
		return
	}
	now := e.loop.Now()
	if e.inGrace(now) {
		e.logger.Debug("submission ignored during refresh grace", slog.String("trigger", trigger))
		return
	}

	text, source, ok := e.inputChain.Read(e.doc)
	if !ok {
		e.stats.Misses++
		e.logger.Debug("no prompt text found", slog.String("trigger", trigger))
		return
	}
	if text == e.lastPromptText && now.Sub(e.lastPromptAt) < e.cfg.PromptCooldown {
		e.stats.Duplicates++
		e.logger.Debug("duplicate submission suppressed", slog.String("trigger", trigger))
		return
	}

	if e.cycle != nil {
		// a new prompt while the previous one is still waiting leaves the
		// previous one input-only
		e.endCycle()
	}
	e.lastPromptText = text
	e.lastPromptAt = now
	if e.debounce != nil {
		e.debounce()
		e.debounce = nil
	}
	e.draft, e.pendingText = "", ""
	if e.session.touch(now, e.cfg.SessionIdleGap) {
		e.logger.Debug("new session after idle gap", slog.String("session", e.session.ID))
	}

	e.state = StatePromptCaptured
	inputTokens := e.estimator.Estimate(text)
	interim := e.table.Compute(e.site.Model, inputTokens, 0)
	sample := wastewatch.ImpactSample{
		ID:          uuidx.NewString(),
		Kind:        wastewatch.KindPrompt,
		Model:       e.site.Model,
		Site:        e.site.Host,
		SessionID:   e.session.ID,
		InputTokens: inputTokens,
		Timestamp:   strfmt.DateTime(now),
		Impact:      interim,
	}
	if source != "placeholder" {
		sample.TextPreview = e.preview(text)
		sample.ContentHash = e.prefixHash(text)
	}
	e.stats.Prompts++
	e.logger.Debug("prompt captured",
		slog.String("trigger", trigger),
		slog.String("source", source),
		slogx.Tokens(inputTokens),
	)
	e.emitter.EmitPrompt(e.ctx, sample)

	e.baseline = e.currentResponseHash()
	e.beginCycle(&sample, interim)
}

// beginCycle starts waiting for a response. Callers hold the lock.
func (e *Engine) beginCycle(prompt *wastewatch.ImpactSample, interim wastewatch.Impact) {
	c := &cycle{prompt: prompt, interim: interim, startedAt: e.loop.Now()}
	c.cancels = append(c.cancels,
		e.loop.Every(e.cfg.ResponsePoll, func() { e.guard("response-poll", e.onResponsePoll) }),
		e.loop.AfterFunc(e.cfg.ResponseTimeout, func() { e.guard("response-timeout", func() { e.onTimeout(c) }) }),
	)
	e.cycle = c
	e.state = StateAwaitingResponse
	e.checkResponse(false)
}

// endCycle tears down the timers of the current cycle. Callers hold the lock.
func (e *Engine) endCycle() {
	if e.cycle == nil {
		return
	}
	for _, cancel := range e.cycle.cancels {
		cancel()
	}
	e.cycle = nil
	if e.state != StateIdle {
		e.state = StateAwaitingInput
	}
}

func (e *Engine) onResponsePoll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cycle == nil {
		return
	}
	e.checkResponse(true)
}

func (e *Engine) onTimeout(c *cycle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cycle != c {
		return
	}
	e.stats.Timeouts++
	e.logger.Debug("no stable response before timeout", slog.Duration("waited", e.loop.Now().Sub(c.startedAt)))
	e.baseline = e.currentResponseHash()
	e.endCycle()
}

// checkResponse compares the latest response with the previous check. Only
// polls count towards stability; mutations can only reset it. Callers hold
// the lock.
func (e *Engine) checkResponse(poll bool) {
	c := e.cycle
	_, text := e.currentResponse()
	if !e.isNew(text) {
		return
	}
	if e.inGrace(e.loop.Now()) {
		return
	}
	if e.continues(text) {
		c.continuation = e.last
	} else {
		c.continuation = nil
	}

	n := utf8.RuneCountInString(text)
	switch {
	case n != c.prevLen:
		c.prevLen = n
		c.stable = 0
	case poll:
		c.stable++
		if c.stable >= e.cfg.StableChecks {
			e.complete(text)
		}
	}
}

// complete emits the response of the current cycle. Callers hold the lock.
func (e *Engine) complete(text string) {
	c := e.cycle
	e.state = StateResponseStable
	now := e.loop.Now()
	responseTokens := e.estimator.Estimate(text)

	var (
		promptID    string
		supersedes  string
		inputTokens int
		interim     wastewatch.Impact
	)
	switch {
	case c.continuation != nil:
		promptID = c.continuation.promptID
		supersedes = c.continuation.id
		inputTokens = c.continuation.inputTokens
		interim = c.continuation.interim
	case c.prompt != nil:
		promptID = c.prompt.ID
		inputTokens = c.prompt.InputTokens
		interim = c.interim
	case e.cfg.InferPrompts:
		inferred := e.inferPrompt(now, responseTokens)
		promptID = inferred.ID
		inputTokens = inferred.InputTokens
		interim = inferred.Impact
	}

	full := e.table.Compute(e.site.Model, inputTokens, responseTokens)
	sample := wastewatch.ImpactSample{
		ID:             uuidx.NewString(),
		Kind:           wastewatch.KindResponse,
		Model:          e.site.Model,
		Site:           e.site.Host,
		SessionID:      e.session.ID,
		InputTokens:    inputTokens,
		ResponseTokens: responseTokens,
		Timestamp:      strfmt.DateTime(now),
		TextPreview:    e.preview(text),
		ContentHash:    e.prefixHash(text),
		PromptID:       promptID,
		Supersedes:     supersedes,
		Impact:         full.Sub(interim).Clamp(),
	}
	e.stats.Responses++
	e.logger.Debug("response stable",
		slogx.Tokens(responseTokens),
		slog.Bool("continuation", supersedes != ""),
	)
	e.emitter.EmitResponse(e.ctx, sample)

	e.last = &processed{
		id:          sample.ID,
		promptID:    promptID,
		prefix:      e.prefixHash(text),
		hash:        contentHash(text),
		length:      utf8.RuneCountInString(text),
		inputTokens: inputTokens,
		interim:     interim,
	}
	e.baseline = e.last.hash
	e.session.touch(now, e.cfg.SessionIdleGap)

	if supersedes != "" && c.prompt != nil {
		// the previous answer grew while a new prompt is pending, keep
		// waiting for the new answer
		c.prevLen, c.stable, c.continuation = 0, 0, nil
		e.state = StateAwaitingResponse
		return
	}
	e.cooldownUntil = now.Add(e.cfg.ResponseCooldown)
	e.endCycle()
}

// inferPrompt emits a best-effort prompt for a response nobody asked for on
// this page. Callers hold the lock.
func (e *Engine) inferPrompt(now time.Time, responseTokens int) wastewatch.ImpactSample {
	inputTokens := max(responseTokens/10, 1)
	sample := wastewatch.ImpactSample{
		ID:          uuidx.NewString(),
		Kind:        wastewatch.KindPrompt,
		Model:       e.site.Model,
		Site:        e.site.Host,
		SessionID:   e.session.ID,
		InputTokens: inputTokens,
		Timestamp:   strfmt.DateTime(now),
		Inferred:    true,
		Impact:      e.table.Compute(e.site.Model, inputTokens, 0),
	}
	e.stats.Inferred++
	e.logger.Debug("inferred prompt for unsolicited response", slogx.Tokens(inputTokens))
	e.emitter.EmitPrompt(e.ctx, sample)
	return sample
}

func (e *Engine) currentResponse() (dom.Node, string) {
	node, ok := dom.LastOf(e.doc, e.site.Selectors.Response)
	if !ok {
		return nil, ""
	}
	return node, dom.TextOf(node)
}

func (e *Engine) currentResponseHash() string {
	_, text := e.currentResponse()
	if text == "" {
		return ""
	}
	return contentHash(text)
}

// isNew reports whether text is a response that was neither present when the
// cycle began nor processed already.
func (e *Engine) isNew(text string) bool {
	if text == "" {
		return false
	}
	h := contentHash(text)
	if h == e.baseline {
		return false
	}
	return e.last == nil || h != e.last.hash
}

// continues reports whether text is a longer rendering of the last processed
// response.
func (e *Engine) continues(text string) bool {
	return e.last != nil &&
		utf8.RuneCountInString(text) > e.last.length &&
		e.prefixHash(text) == e.last.prefix
}

func (e *Engine) prefixHash(text string) string {
	return contentHash(lo.Substring(text, 0, uint(max(e.cfg.PrefixLength, 1))))
}

func (e *Engine) preview(text string) string {
	if e.cfg.PreviewLength <= 0 {
		return ""
	}
	return lo.Substring(text, 0, uint(e.cfg.PreviewLength))
}

func contentHash(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}
