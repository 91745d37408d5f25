package chunker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/poiesic/docpipe/core"
)

var (
	// ErrEmbeddingMismatch is returned when the embedder answers a batch
	// with a different number of vectors than texts.
	ErrEmbeddingMismatch = errors.New("embedding count mismatch")

	// ErrNoEmbedder is returned by operations that require an embedder.
	ErrNoEmbedder = errors.New("no embedder configured")
)

// SemanticConfig holds the semantic strategy settings.
type SemanticConfig struct {
	// SimilarityThreshold is the cosine similarity between neighboring
	// sentences below which a chunk may be closed.
	SimilarityThreshold float64

	// MinSentenceLength drops shorter sentences before embedding.
	MinSentenceLength int

	// BufferSize is the number of sentences a chunk must hold before it
	// may be closed at a semantic boundary.
	BufferSize int

	// BatchSize caps the texts sent in one embedding request.
	BatchSize int

	// UseCache keeps embeddings keyed by exact text for CacheTTL.
	UseCache bool
	CacheTTL time.Duration
}

// DefaultSemanticConfig returns the standard semantic settings.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{
		SimilarityThreshold: 0.75,
		MinSentenceLength:   5,
		BufferSize:          5,
		BatchSize:           32,
		UseCache:            true,
		CacheTTL:            time.Hour,
	}
}

// Validate checks the semantic settings.
func (c SemanticConfig) Validate() error {
	switch {
	case c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1:
		return fmt.Errorf("%w: similarity threshold must be between 0 and 1", ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: embedding batch size must be positive", ErrInvalidConfig)
	case c.UseCache && c.CacheTTL <= 0:
		return fmt.Errorf("%w: cache TTL must be positive", ErrInvalidConfig)
	}
	return nil
}

// splitSemantic groups consecutive sentences into chunks, closing a chunk
// when the next sentence would overflow the size limit, or when the next
// sentence is dissimilar from its predecessor and the chunk already holds
// BufferSize sentences and MinChunkSize of text.
func (s *Splitter) splitSemantic(ctx context.Context, text string, p params) ([]piece, error) {
	if s.embedder == nil {
		s.logger.Warn("no embedder configured, falling back to paragraph splitting")
		return splitParagraphs(text), nil
	}

	sentences := SplitSentences(text, p.lang)
	if len(sentences) <= 1 {
		return []piece{textPiece(text)}, nil
	}

	units := make([]string, 0, len(sentences))
	for _, sentence := range sentences {
		if utf8.RuneCountInString(strings.TrimSpace(sentence)) < s.sem.MinSentenceLength {
			continue
		}
		if s.size(sentence) > p.size {
			units = append(units, s.forceSplit(sentence, p.size)...)
			continue
		}
		units = append(units, sentence)
	}
	if len(units) == 0 {
		return []piece{textPiece(text)}, nil
	}

	vectors, err := s.embed(ctx, units)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Error("failed to compute sentence embeddings, falling back to paragraph splitting", "err", err)
		return splitParagraphs(text), nil
	}

	var pieces []piece
	var current []string
	flush := func() {
		if len(current) > 0 {
			pieces = append(pieces, textPiece(strings.Join(current, " ")))
			current = nil
		}
	}

	for i, unit := range units {
		if len(current) == 0 {
			current = append(current, unit)
			continue
		}

		if s.size(joinWith(current, unit)) > p.size {
			flush()
			current = append(current, unit)
			continue
		}

		if Cosine(vectors[i], vectors[i-1]) < p.threshold &&
			len(current) >= s.sem.BufferSize &&
			s.size(strings.Join(current, " ")) >= s.cfg.MinChunkSize {
			flush()
			current = append(current, unit)
			continue
		}

		current = append(current, unit)
	}
	flush()

	return pieces, nil
}

// embed returns one vector per text, serving repeats from the cache and
// sending the rest to the embedder in batches.
func (s *Splitter) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if s.cache != nil {
			if v, ok := s.cache.Get(core.ContentKey(text)); ok {
				vectors[i] = v.([]float32)
				continue
			}
		}
		missing = append(missing, i)
	}

	for b := 0; b < len(missing); b += s.sem.BatchSize {
		idx := missing[b:min(b+s.sem.BatchSize, len(missing))]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		got, err := s.embedder.EmbedTexts(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(got) != len(batch) {
			return nil, fmt.Errorf("%w: %d vectors for %d texts", ErrEmbeddingMismatch, len(got), len(batch))
		}
		for j, i := range idx {
			vectors[i] = got[j]
			if s.cache != nil {
				s.cache.SetDefault(core.ContentKey(texts[i]), got[j])
			}
		}
	}
	return vectors, nil
}
