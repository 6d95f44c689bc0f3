// Package chunking splits extracted text into overlapping token windows.
package chunking

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidConfig is returned for a chunk size or overlap that cannot work.
var ErrInvalidConfig = errors.New("invalid chunking config")

// chunkNamespace scopes chunk IDs so they cannot collide with other UUIDv5 users.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ingestd:chunk"))

// Config controls window size and filtering.
type Config struct {
	ChunkSize      int
	Overlap        int
	MinChunkTokens int
	MaxTokens      int
}

// DefaultConfig returns the production window settings.
func DefaultConfig() Config {
	return Config{ChunkSize: 600, Overlap: 100, MinChunkTokens: 50, MaxTokens: 100000}
}

// Chunker produces deterministic chunks for a tokenizer and config.
type Chunker struct {
	cfg    Config
	tok    Tokenizer
	logger *zap.Logger
}

// New validates cfg and returns a Chunker.
func New(cfg Config, tok Tokenizer, logger *zap.Logger) (*Chunker, error) {
	if tok == nil {
		tok = Whitespace{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chunker{cfg: cfg, tok: tok, logger: logger}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate rejects unusable sizes and shrinks an overlap that would stall the window.
func (c *Chunker) validate() error {
	if c.cfg.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, c.cfg.ChunkSize)
	}
	if c.cfg.Overlap < 0 {
		return fmt.Errorf("%w: overlap cannot be negative, got %d", ErrInvalidConfig, c.cfg.Overlap)
	}
	if c.cfg.Overlap >= c.cfg.ChunkSize {
		adjusted := c.cfg.ChunkSize / 10
		c.logger.Warn("overlap not smaller than chunk size, adjusting",
			zap.Int("overlap", c.cfg.Overlap),
			zap.Int("chunk_size", c.cfg.ChunkSize),
			zap.Int("adjusted", adjusted))
		c.cfg.Overlap = adjusted
	}
	return nil
}

// Config returns the effective config after adjustment.
func (c *Chunker) Config() Config { return c.cfg }

// Chunk splits text into windows of ChunkSize tokens advancing by
// ChunkSize-Overlap. Windows shorter than MinChunkTokens are dropped unless
// they are the last window of the source.
func (c *Chunker) Chunk(text, sourceRef string) ([]ingest.Chunk, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	tokens := c.tok.Tokenize(text)
	if c.cfg.MaxTokens > 0 && len(tokens) > c.cfg.MaxTokens {
		c.logger.Warn("text exceeds max tokens, truncating",
			zap.String("source", sourceRef),
			zap.Int("tokens", len(tokens)),
			zap.Int("max_tokens", c.cfg.MaxTokens))
		tokens = tokens[:c.cfg.MaxTokens]
	}

	total := len(tokens)
	step := c.cfg.ChunkSize - c.cfg.Overlap
	var chunks []ingest.Chunk

	for start := 0; start < total; start += step {
		end := min(start+c.cfg.ChunkSize, total)
		final := end == total
		window := tokens[start:end]

		if len(window) < c.cfg.MinChunkTokens && !final {
			continue
		}

		chunks = append(chunks, ingest.Chunk{
			ID:         ChunkID(sourceRef, start),
			Text:       c.tok.Join(window),
			SourceRef:  sourceRef,
			ChunkIndex: len(chunks),
			Offset:     start,
			TokenCount: len(window),
			Metadata:   map[string]string{"tokenizer": c.tok.Name()},
		})

		if final {
			break
		}
	}
	return chunks, nil
}

// ChunkID derives the stable ID for the chunk of sourceRef at offset.
func ChunkID(sourceRef string, offset int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(sourceRef+":"+strconv.Itoa(offset))).String()
}
