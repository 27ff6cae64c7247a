// Package capture implements the per-page state machine that detects prompt
// submissions on an AI chat site and follows the DOM until the answer stops
// growing.
//
// The engine moves through these states:
//
//	Idle -> AwaitingInput -> PromptCaptured -> AwaitingResponse -> ResponseStable -> AwaitingInput
//
// A prompt is emitted as soon as it is captured, with an interim impact that
// only accounts for the input. When the response is stable the engine emits
// the difference between the full estimate and the interim one, so the
// receiver can add both without counting the input twice. When no stable
// response shows up before the timeout, the prompt stays input-only.
//
// The engine never lets a failure escape a DOM callback. Anything unexpected
// is logged and the engine keeps running, under-counting rather than
// breaking the host page.
package capture
