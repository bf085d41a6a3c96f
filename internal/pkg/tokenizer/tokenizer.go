package tokenizer

import "unicode"

// Span is a half-open byte range [Start, End) into the tokenized text.
type Span struct {
	Start int
	End   int
}

// Tokenizer segments text into token spans. Implementations must be
// deterministic: identical input yields identical spans across runs.
type Tokenizer interface {
	Split(text string) []Span
	Count(text string) int
}

// Simple tokenizes on unicode whitespace; every maximal non-space run is one
// token. It is a stand-in for a model tokenizer with the same contract.
type Simple struct{}

func NewSimple() Simple { return Simple{} }

func (Simple) Split(text string) []Span {
	var spans []Span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, Span{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, Span{Start: start, End: len(text)})
	}
	return spans
}

func (t Simple) Count(text string) int {
	return len(t.Split(text))
}
