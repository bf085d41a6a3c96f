package chunker

import (
	"errors"
	"fmt"
	"strings"

	"docuchat/internal/pkg/tokenizer"
)

// ErrBadConfig reports invalid chunking parameters. It is fatal at setup.
var ErrBadConfig = errors.New("invalid chunker configuration")

// Chunk is one token-bounded span of the input. Start and End are byte
// offsets; the spans of consecutive chunks union-cover the whole input,
// overlapping by the configured token overlap.
type Chunk struct {
	Text       string
	Ordinal    int
	Start      int
	End        int
	TokenCount int
}

// Chunker splits text into overlapping token-bounded segments. It is a pure
// function of its input: no side effects, safe to re-run after a failure.
type Chunker struct {
	maxTokens     int
	overlapTokens int
	tok           tokenizer.Tokenizer
}

func New(maxTokens, overlapTokens int, tok tokenizer.Tokenizer) (*Chunker, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_tokens must be positive, got %d", ErrBadConfig, maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("%w: overlap_tokens %d must be in [0, max_tokens)", ErrBadConfig, overlapTokens)
	}
	if tok == nil {
		tok = tokenizer.NewSimple()
	}
	return &Chunker{maxTokens: maxTokens, overlapTokens: overlapTokens, tok: tok}, nil
}

// Split chunks text. Input shorter than max_tokens yields exactly one chunk;
// empty or all-whitespace input yields none.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	spans := c.tok.Split(text)
	if len(spans) == 0 {
		return nil
	}

	step := c.maxTokens - c.overlapTokens
	var chunks []Chunk
	for i := 0; ; i += step {
		last := i + c.maxTokens
		if last > len(spans) {
			last = len(spans)
		}

		// The first chunk starts at byte 0 and every chunk extends to the
		// start of the token after its last one (or to the end of the text),
		// so inter-token bytes never fall into a gap.
		start := spans[i].Start
		if i == 0 {
			start = 0
		}
		end := len(text)
		if last < len(spans) {
			end = spans[last].Start
		}

		chunks = append(chunks, Chunk{
			Text:       text[start:end],
			Ordinal:    len(chunks),
			Start:      start,
			End:        end,
			TokenCount: last - i,
		})
		if last == len(spans) {
			break
		}
	}
	return chunks
}
