// Package tokens estimates how many model tokens a piece of text costs.
//
// The estimate is a weighted sum of a few cheap features of the text. It is
// deterministic, never negative and never decreases when characters are
// appended, which is what the capture engine relies on when it compares a
// growing response with an earlier snapshot.
package tokens

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

const fence = "```"

// Weights tunes the contribution of every text feature.
type Weights struct {
	Word        float64 // per whitespace delimited word
	Punctuation float64 // per punctuation or symbol rune
	DigitGroup  float64 // per group of up to three consecutive digits
	CodeRune    float64 // per rune of a fenced code block, fences included
}

// DefaultWeights approximates 0.75 words per token for prose and four
// characters per token for code.
var DefaultWeights = Weights{
	Word:        1.0 / 0.75,
	Punctuation: 0.5,
	DigitGroup:  1,
	CodeRune:    0.25,
}

// Estimator turns text into a token count.
type Estimator struct {
	weights Weights
}

// New creates an estimator with the given weights. Negative weights are
// treated as zero.
func New(w Weights) Estimator {
	return Estimator{weights: Weights{
		Word:        math.Max(w.Word, 0),
		Punctuation: math.Max(w.Punctuation, 0),
		DigitGroup:  math.Max(w.DigitGroup, 0),
		CodeRune:    math.Max(w.CodeRune, 0),
	}}
}

var defaultEstimator = New(DefaultWeights)

// Estimate returns the approximate token count of text using DefaultWeights.
func Estimate(text string) int {
	return defaultEstimator.Estimate(text)
}

// Estimate returns the approximate token count of text.
func (e Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	f := scan(text)
	score := e.weights.Word*float64(f.words) +
		e.weights.Punctuation*float64(f.punctuation) +
		e.weights.DigitGroup*float64(f.digitGroups) +
		e.weights.CodeRune*float64(codeRunes(text))
	return int(math.Ceil(score))
}

type features struct {
	words       int
	punctuation int
	digitGroups int
}

func scan(text string) features {
	var (
		f        features
		inWord   bool
		digitRun int
	)
	flushDigits := func() {
		if digitRun > 0 {
			f.digitGroups += (digitRun + 2) / 3
			digitRun = 0
		}
	}

	for _, r := range text {
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			f.words++
		}

		if unicode.IsDigit(r) {
			digitRun++
		} else {
			flushDigits()
		}

		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			f.punctuation++
		}
	}
	flushDigits()
	return f
}

// codeRunes counts the runes from an opening fence through its closing fence.
// An unclosed block runs to the end of the text.
func codeRunes(text string) int {
	var n int
	inCode := false
	for i := 0; i < len(text); {
		if strings.HasPrefix(text[i:], fence) {
			n += len(fence)
			inCode = !inCode
			i += len(fence)
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		if inCode {
			n++
		}
		i += size
	}
	return n
}
