package chunking_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/ingestd/internal/chunking"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func newChunker(t *testing.T, cfg chunking.Config) *chunking.Chunker {
	t.Helper()
	c, err := chunking.New(cfg, chunking.Whitespace{}, nil)
	require.NoError(t, err)
	return c
}

func TestChunk_SixHundredFiftyWords(t *testing.T) {
	c := newChunker(t, chunking.DefaultConfig())

	chunks, err := c.Chunk(words(650), "https://example.com/a")
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, 0, chunks[0].Offset)
	assert.Equal(t, 600, chunks[0].TokenCount)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.True(t, strings.HasPrefix(chunks[0].Text, "w0 "))
	assert.True(t, strings.HasSuffix(chunks[0].Text, " w599"))

	assert.Equal(t, 500, chunks[1].Offset)
	assert.Equal(t, 150, chunks[1].TokenCount)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w500 "))
	assert.True(t, strings.HasSuffix(chunks[1].Text, " w649"))
}

func TestChunk_Deterministic(t *testing.T) {
	c := newChunker(t, chunking.DefaultConfig())
	text := words(1733)

	first, err := c.Chunk(text, "doc")
	require.NoError(t, err)
	second, err := c.Chunk(text, "doc")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i, ch := range first {
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Equal(t, chunking.ChunkID("doc", ch.Offset), ch.ID)
	}
}

func TestChunk_IDsDependOnSource(t *testing.T) {
	assert.NotEqual(t, chunking.ChunkID("a", 0), chunking.ChunkID("b", 0))
	assert.NotEqual(t, chunking.ChunkID("a", 0), chunking.ChunkID("a", 500))
	assert.Equal(t, chunking.ChunkID("a", 0), chunking.ChunkID("a", 0))
}

func TestChunk_Windows(t *testing.T) {
	tests := []struct {
		name        string
		cfg         chunking.Config
		words       int
		wantOffsets []int
	}{
		{"empty text", chunking.DefaultConfig(), 0, nil},
		{"short single chunk kept", chunking.DefaultConfig(), 30, []int{0}},
		{"exact chunk size", chunking.DefaultConfig(), 600, []int{0}},
		{"tail ends exactly on boundary", chunking.Config{ChunkSize: 10, Overlap: 2, MinChunkTokens: 1}, 18, []int{0, 8}},
		{"no overlap", chunking.Config{ChunkSize: 5, Overlap: 0, MinChunkTokens: 1}, 12, []int{0, 5, 10}},
		{"truncated by max tokens", chunking.Config{ChunkSize: 10, Overlap: 0, MinChunkTokens: 1, MaxTokens: 15}, 40, []int{0, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChunker(t, tt.cfg)
			chunks, err := c.Chunk(words(tt.words), "src")
			require.NoError(t, err)

			var offsets []int
			for _, ch := range chunks {
				offsets = append(offsets, ch.Offset)
			}
			assert.Equal(t, tt.wantOffsets, offsets)
		})
	}
}

func TestChunk_MinTokensOnlyAppliesBeforeFinalWindow(t *testing.T) {
	c := newChunker(t, chunking.Config{ChunkSize: 10, Overlap: 0, MinChunkTokens: 5})

	chunks, err := c.Chunk(words(23), "src")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 3, chunks[2].TokenCount)
	for _, ch := range chunks[:len(chunks)-1] {
		assert.GreaterOrEqual(t, ch.TokenCount, 5)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := chunking.New(chunking.Config{ChunkSize: 0}, nil, nil)
	assert.ErrorIs(t, err, chunking.ErrInvalidConfig)

	_, err = chunking.New(chunking.Config{ChunkSize: 10, Overlap: -1}, nil, nil)
	assert.ErrorIs(t, err, chunking.ErrInvalidConfig)

	_, err = chunking.NewTokenizer("sentencepiece")
	assert.ErrorIs(t, err, chunking.ErrInvalidConfig)
}

func TestNew_OverlapAdjusted(t *testing.T) {
	tl := logging.NewTestLogger()
	c, err := chunking.New(chunking.Config{ChunkSize: 100, Overlap: 100}, nil, tl.Underlying())
	require.NoError(t, err)

	assert.Equal(t, 10, c.Config().Overlap)
	tl.AssertLogged(t, zapcore.WarnLevel, "adjusting")
}

func TestTikToken_RoundTrip(t *testing.T) {
	tok, err := chunking.NewTikToken("")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	text := "The quick brown fox jumps over the lazy dog."
	tokens := tok.Tokenize(text)
	require.NotEmpty(t, tokens)
	assert.Equal(t, text, tok.Join(tokens))
	assert.Equal(t, "tiktoken", tok.Name())
}
