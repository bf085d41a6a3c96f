package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuchat/internal/pkg/tokenizer"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(0, 0, nil)
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(100, 100, nil)
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(100, 120, nil)
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(100, -1, nil)
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestSplitShortInputSingleChunk(t *testing.T) {
	c, err := New(100, 20, nil)
	require.NoError(t, err)

	text := words(40)
	chunks := c.Split(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[0].End)
	assert.Equal(t, 40, chunks[0].TokenCount)
}

func TestSplit250TokensCoversInput(t *testing.T) {
	c, err := New(100, 20, nil)
	require.NoError(t, err)

	text := words(250)
	chunks := c.Split(text)
	require.Len(t, chunks, 3)

	// Spans must union-cover the input exactly: each chunk starts at or
	// before the previous chunk's end, the first at 0, the last at len(text).
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)
	for i := 1; i < len(chunks); i++ {
		assert.LessOrEqual(t, chunks[i].Start, chunks[i-1].End, "gap between chunks %d and %d", i-1, i)
	}

	assert.Equal(t, 100, chunks[0].TokenCount)
	assert.Equal(t, 100, chunks[1].TokenCount)
	assert.Equal(t, 90, chunks[2].TokenCount)
}

func TestSplitDeterministic(t *testing.T) {
	c, err := New(50, 10, tokenizer.NewSimple())
	require.NoError(t, err)

	text := words(137)
	first := c.Split(text)
	second := c.Split(text)
	assert.Equal(t, first, second)
}

func TestSplitEmptyInput(t *testing.T) {
	c, err := New(100, 20, nil)
	require.NoError(t, err)

	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\t "))
}

func TestSplitOrdinalsSequential(t *testing.T) {
	c, err := New(10, 2, nil)
	require.NoError(t, err)

	chunks := c.Split(words(100))
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
	}
}
