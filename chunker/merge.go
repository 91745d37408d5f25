package chunker

import (
	"context"
	"maps"

	"github.com/poiesic/docpipe/core"
)

// DefaultMaxChunks is used by OptimalSplits when maxChunks is not positive.
const DefaultMaxChunks = 10

// OptimalSplits splits text semantically and, if that yields more than
// maxChunks chunks, repeatedly merges the most similar pair until
// maxChunks remain. A merged chunk takes the position and metadata of the
// lower-indexed member and its text is the two texts joined by a space.
// If embedding fails during merging, the first maxChunks chunks of the
// unmerged split are returned.
func (s *Splitter) OptimalSplits(ctx context.Context, text string, maxChunks int, opts Options) ([]core.Chunk, error) {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	opts.Strategy = StrategySemantic

	chunks, err := s.Split(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	if len(chunks) <= maxChunks {
		return chunks, nil
	}

	merged, err := s.mergeSimilar(ctx, chunks, maxChunks)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Warn("error during chunk merging, returning leading chunks", "err", err)
		return chunks[:maxChunks], nil
	}
	return merged, nil
}

func (s *Splitter) mergeSimilar(ctx context.Context, chunks []core.Chunk, target int) ([]core.Chunk, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	items := make([]core.Chunk, len(chunks))
	for i, c := range chunks {
		c.Metadata = maps.Clone(c.Metadata)
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		items[i] = c
	}

	n := len(items)
	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim[i][j] = Cosine(vectors[i], vectors[j])
			sim[j][i] = sim[i][j]
		}
	}

	for len(items) > target {
		best := -1.0
		mi, mj := 0, 1
		for i := range items {
			for j := i + 1; j < len(items); j++ {
				if sim[i][j] > best {
					best = sim[i][j]
					mi, mj = i, j
				}
			}
		}

		text := items[mi].Text + " " + items[mj].Text
		mergedVec, err := s.embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}

		items[mi].Text = text
		vectors[mi] = mergedVec[0]

		items = append(items[:mj], items[mj+1:]...)
		vectors = append(vectors[:mj], vectors[mj+1:]...)
		sim = append(sim[:mj], sim[mj+1:]...)
		for i := range sim {
			sim[i] = append(sim[i][:mj], sim[i][mj+1:]...)
		}

		for i := range items {
			if i == mi {
				sim[i][i] = 0
				continue
			}
			sim[mi][i] = Cosine(vectors[mi], vectors[i])
			sim[i][mi] = sim[mi][i]
		}
	}

	for i := range items {
		items[i].Index = i
		items[i].Metadata[core.MetaChunkIndex] = i
		items[i].Metadata[core.MetaChunkSize] = s.size(items[i].Text)
		items[i].Metadata[core.MetaQuality] = Quality(items[i].Text)
	}
	return items, nil
}
