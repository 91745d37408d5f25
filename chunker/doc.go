// Package chunker cuts document text into chunks sized for embedding.
//
// Text is normalized (line endings, zero-width and control characters, NFC)
// and then split with one of four strategies:
//
//   - paragraph: blank-line separated paragraphs
//   - sentence: consecutive sentences packed up to the chunk size, with
//     trailing sentences carried into the next chunk as overlap
//   - length: fixed windows that prefer to end at paragraph, sentence or
//     word boundaries and never cut inside a quotation or bracket
//   - semantic: sentences grouped by embedding similarity
//
// Sizes are measured in characters or estimated tokens, see
// Config.LengthFunction. Chinese, Japanese and Korean text is detected and
// measured with its own token estimate and sentence terminators.
//
// Every strategy finishes with the same post-processing: chunks are trimmed,
// chunks that are too short or score below the quality floor are dropped, and
// the survivors are indexed densely from zero.
//
//	s, err := chunker.New(chunker.DefaultConfig(), chunker.WithEmbedder(embedder))
//	chunks, err := s.Split(ctx, text, chunker.Options{Strategy: chunker.StrategySemantic})
package chunker
