// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chunker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"
	"github.com/poiesic/docpipe/ai"
	"github.com/poiesic/docpipe/core"
)

// Strategy selects how text is cut into chunks.
type Strategy string

const (
	StrategyParagraph Strategy = "paragraph"
	StrategySentence  Strategy = "sentence"
	StrategyLength    Strategy = "length"
	StrategySemantic  Strategy = "semantic"
)

// LengthFunction selects the size measure.
type LengthFunction string

const (
	LengthCharacter LengthFunction = "character"
	LengthToken     LengthFunction = "token"
)

// UseDefaultOverlap in Options.ChunkOverlap selects Config.ChunkOverlap.
const UseDefaultOverlap = -1

// minQuality is the quality score below which chunks are dropped.
const minQuality = 0.2

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("invalid splitter config")

	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
)

// Config holds the splitter defaults.
type Config struct {
	// ChunkSize is the default upper bound of a chunk, in the unit
	// chosen by LengthFunction.
	ChunkSize int

	// ChunkOverlap is the default overlap between neighboring chunks of
	// the sentence and length strategies.
	ChunkOverlap int

	// MinChunkSize is the smallest fragment kept when a long sentence is
	// force-split, and the size a semantic chunk must reach before it may
	// be closed at a semantic boundary.
	MinChunkSize int

	// MinChunkLengthToEmbed drops shorter chunks during post-processing.
	MinChunkLengthToEmbed int

	LengthFunction  LengthFunction
	StripWhitespace bool
}

// DefaultConfig returns the standard splitter settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:             1000,
		ChunkOverlap:          200,
		MinChunkSize:          50,
		MinChunkLengthToEmbed: 10,
		LengthFunction:        LengthCharacter,
		StripWhitespace:       true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	case c.ChunkOverlap < 0:
		return fmt.Errorf("%w: chunk overlap must not be negative", ErrInvalidConfig)
	case c.MinChunkSize < 0 || c.MinChunkLengthToEmbed < 0:
		return fmt.Errorf("%w: minimum sizes must not be negative", ErrInvalidConfig)
	case c.LengthFunction != LengthCharacter && c.LengthFunction != LengthToken:
		return fmt.Errorf("%w: unknown length function %q", ErrInvalidConfig, c.LengthFunction)
	}
	return nil
}

// Options are the per-call split parameters.
type Options struct {
	// Strategy defaults to paragraph. Unknown strategies fall back to paragraph.
	Strategy Strategy

	// ChunkSize overrides Config.ChunkSize when positive.
	ChunkSize int

	// ChunkOverlap overrides Config.ChunkOverlap. Zero means no overlap;
	// UseDefaultOverlap (or any negative value) keeps the configured default.
	ChunkOverlap int

	// SimilarityThreshold overrides SemanticConfig.SimilarityThreshold for
	// the semantic strategy when positive. It must not exceed 1.
	SimilarityThreshold float64

	// Metadata is copied into every chunk's metadata.
	Metadata map[string]any
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Splitter) {
		s.logger = logger
	}
}

// WithEmbedder enables the semantic strategy.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(s *Splitter) {
		s.embedder = embedder
	}
}

// WithSemanticConfig replaces the semantic strategy settings.
func WithSemanticConfig(cfg SemanticConfig) Option {
	return func(s *Splitter) {
		s.sem = cfg
	}
}

// Splitter cuts text into chunks. It is safe for concurrent use.
type Splitter struct {
	cfg      Config
	sem      SemanticConfig
	embedder ai.Embedder
	cache    *cache.Cache
	logger   *slog.Logger
}

// New creates a Splitter.
func New(cfg Config, opts ...Option) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Splitter{
		cfg:    cfg,
		sem:    DefaultSemanticConfig(),
		logger: slog.Default().With("component", "chunker"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.sem.Validate(); err != nil {
		return nil, err
	}
	if s.sem.UseCache {
		s.cache = cache.New(s.sem.CacheTTL, 2*s.sem.CacheTTL)
	}
	return s, nil
}

// Config returns the splitter defaults.
func (s *Splitter) Config() Config {
	return s.cfg
}

// piece is a chunk before post-processing. start and end are rune offsets
// into the normalized text, or -1 when the piece is not a verbatim span.
type piece struct {
	text       string
	start, end int
}

func spanPiece(runes []rune, start, end int) piece {
	return piece{text: string(runes[start:end]), start: start, end: end}
}

func textPiece(text string) piece {
	return piece{text: text, start: -1, end: -1}
}

type params struct {
	strategy  Strategy
	size      int
	overlap   int
	threshold float64
	lang      Language
}

func (s *Splitter) params(text string, opts Options) params {
	p := params{
		strategy: opts.Strategy,
		size:     s.cfg.ChunkSize,
		overlap:   s.cfg.ChunkOverlap,
		threshold: s.sem.SimilarityThreshold,
		lang:      DetectLanguage(text),
	}
	if p.strategy == "" {
		p.strategy = StrategyParagraph
	}
	if opts.ChunkSize > 0 {
		p.size = opts.ChunkSize
	}
	if opts.ChunkOverlap >= 0 {
		p.overlap = opts.ChunkOverlap
	}
	if opts.SimilarityThreshold > 0 {
		p.threshold = opts.SimilarityThreshold
	}
	return p
}

// size measures text in the configured unit.
func (s *Splitter) size(text string) int {
	if s.cfg.LengthFunction == LengthToken {
		return CountTokens(text, "")
	}
	return utf8.RuneCountInString(text)
}

// Split normalizes text and cuts it into chunks with the requested
// strategy. Chunks are trimmed, filtered for length and quality, and
// indexed densely from zero. Empty input yields no chunks.
func (s *Splitter) Split(ctx context.Context, text string, opts Options) ([]core.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.SimilarityThreshold < 0 || opts.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("%w: similarity threshold must be between 0 and 1", ErrInvalidConfig)
	}

	text = Normalize(text)
	if text == "" {
		s.logger.Warn("empty text provided to splitter")
		return []core.Chunk{}, nil
	}

	p := s.params(text, opts)
	var pieces []piece
	switch p.strategy {
	case StrategyParagraph:
		pieces = splitParagraphs(text)
	case StrategySentence:
		pieces = s.splitBySentence(text, p)
	case StrategyLength:
		pieces = s.splitByLength(text, p)
	case StrategySemantic:
		var err error
		pieces, err = s.splitSemantic(ctx, text, p)
		if err != nil {
			return nil, err
		}
	default:
		s.logger.Warn("unknown split type, falling back to paragraph", "strategy", p.strategy)
		pieces = splitParagraphs(text)
	}

	chunks := s.postProcess(pieces, opts.Metadata)
	s.logger.Debug("split text", "strategy", p.strategy, "language", p.lang, "chunks", len(chunks))
	return chunks, nil
}

func splitParagraphs(text string) []piece {
	var pieces []piece
	for _, para := range paragraphBreak.Split(text, -1) {
		if para = strings.TrimSpace(para); para != "" {
			pieces = append(pieces, textPiece(para))
		}
	}
	return pieces
}

func (s *Splitter) splitBySentence(text string, p params) []piece {
	sentences := SplitSentences(text, p.lang)

	var pieces []piece
	var current []string
	flush := func() {
		if len(current) > 0 {
			pieces = append(pieces, textPiece(strings.Join(current, " ")))
			current = nil
		}
	}

	for _, sentence := range sentences {
		if s.size(sentence) > p.size {
			flush()
			for _, frag := range s.forceSplit(sentence, p.size) {
				if utf8.RuneCountInString(frag) >= s.cfg.MinChunkSize {
					pieces = append(pieces, textPiece(frag))
				}
			}
			continue
		}

		if len(current) == 0 || s.size(joinWith(current, sentence)) <= p.size {
			current = append(current, sentence)
			continue
		}

		closed := current
		flush()
		current = []string{sentence}
		if p.overlap > 0 && len(closed) > 1 {
			seed := s.overlapTail(closed, p.overlap)
			for len(seed) > 0 && s.size(joinWith(seed, sentence)) > p.size {
				seed = seed[1:]
			}
			current = append(seed, sentence)
		}
	}
	flush()
	return pieces
}

// overlapTail returns the longest run of trailing sentences whose
// combined size fits in overlap.
func (s *Splitter) overlapTail(sentences []string, overlap int) []string {
	total := 0
	i := len(sentences)
	for i > 0 {
		n := s.size(sentences[i-1])
		if total+n > overlap {
			break
		}
		total += n
		i--
	}
	return append([]string(nil), sentences[i:]...)
}

func joinWith(parts []string, next string) string {
	return strings.Join(append(parts[:len(parts):len(parts)], next), " ")
}

// forceSplit cuts text into pieces no larger than limit. Character mode
// backs each cut up to the preceding whitespace when there is one; token
// mode packs whole words.
func (s *Splitter) forceSplit(text string, limit int) []string {
	if s.cfg.LengthFunction == LengthToken {
		words := s.tokenWords(text, limit)
		var out []string
		for _, r := range packWords(s.wordSizes(words), limit, 0) {
			out = append(out, strings.Join(words[r[0]:r[1]], " "))
		}
		return out
	}

	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); {
		end := i + limit
		if end < len(runes) {
			cut := end
			for cut > i && !unicode.IsSpace(runes[cut]) {
				cut--
			}
			if cut > i {
				end = cut
			}
		} else {
			end = len(runes)
		}
		if frag := strings.TrimSpace(string(runes[i:end])); frag != "" {
			out = append(out, frag)
		}
		i = end
	}
	return out
}

func (s *Splitter) splitByLength(text string, p params) []piece {
	if s.cfg.LengthFunction == LengthToken {
		return s.splitByTokenLength(text, p)
	}

	runes := []rune(text)
	n := len(runes)
	if n <= p.size {
		return []piece{spanPiece(runes, 0, n)}
	}

	scanner := newBoundaryScanner(runes)
	var spans [][2]int
	for start := 0; start < n; {
		end := min(start+p.size, n)
		if end < n {
			end = scanner.bestSplitPoint(end, start, start+p.size)
		}
		spans = append(spans, [2]int{start, end})
		if end >= n {
			break
		}
		if next := end - p.overlap; p.overlap > 0 && next > start {
			start = next
		} else {
			start = end
		}
	}

	spans = mergeShortTail(spans, func(sp [2]int) bool {
		return sp[1]-sp[0] < s.cfg.MinChunkSize
	})

	pieces := make([]piece, len(spans))
	for i, sp := range spans {
		pieces[i] = spanPiece(runes, sp[0], sp[1])
	}
	return pieces
}

func (s *Splitter) splitByTokenLength(text string, p params) []piece {
	words := s.tokenWords(text, p.size)
	ranges := packWords(s.wordSizes(words), p.size, p.overlap)
	ranges = mergeShortTail(ranges, func(r [2]int) bool {
		return utf8.RuneCountInString(strings.Join(words[r[0]:r[1]], " ")) < s.cfg.MinChunkSize
	})

	pieces := make([]piece, len(ranges))
	for i, r := range ranges {
		pieces[i] = textPiece(strings.Join(words[r[0]:r[1]], " "))
	}
	return pieces
}

// tokenWords splits text on whitespace, cutting any word whose token
// estimate exceeds limit into rune runs that fit.
func (s *Splitter) tokenWords(text string, limit int) []string {
	var words []string
	for _, w := range strings.Fields(text) {
		if CountTokens(w, "") <= limit {
			words = append(words, w)
			continue
		}
		runes := []rune(w)
		step := max(1, int(float64(limit)/0.7))
		for i := 0; i < len(runes); i += step {
			words = append(words, string(runes[i:min(i+step, len(runes))]))
		}
	}
	return words
}

func (s *Splitter) wordSizes(words []string) []int {
	sizes := make([]int, len(words))
	for i, w := range words {
		sizes[i] = CountTokens(w, "")
	}
	return sizes
}

// packWords groups consecutive words into ranges whose summed size stays
// within limit. Each range after the first starts with trailing words of
// the previous range summing to at most overlap, while still advancing.
func packWords(sizes []int, limit, overlap int) [][2]int {
	var ranges [][2]int
	for i := 0; i < len(sizes); {
		j, sum := i, 0
		for j < len(sizes) && (j == i || sum+sizes[j] <= limit) {
			sum += sizes[j]
			j++
		}
		ranges = append(ranges, [2]int{i, j})
		if j >= len(sizes) {
			break
		}

		k, carried := j, 0
		for k-1 > i && carried+sizes[k-1] <= overlap {
			carried += sizes[k-1]
			k--
		}
		i = k
	}
	return ranges
}

// mergeShortTail folds a too-short final span into its predecessor.
func mergeShortTail(spans [][2]int, short func([2]int) bool) [][2]int {
	if len(spans) < 2 || !short(spans[len(spans)-1]) {
		return spans
	}
	last := spans[len(spans)-1]
	spans = spans[:len(spans)-1]
	spans[len(spans)-1][1] = last[1]
	return spans
}

// postProcess trims and filters pieces and stamps chunk metadata. If the
// filters would drop every piece of a non-empty input, the unfiltered
// pieces are kept.
func (s *Splitter) postProcess(pieces []piece, meta map[string]any) []core.Chunk {
	trimmed := make([]piece, 0, len(pieces))
	for _, pc := range pieces {
		if s.cfg.StripWhitespace {
			pc = trimPiece(pc)
		}
		if strings.TrimSpace(pc.text) != "" {
			trimmed = append(trimmed, pc)
		}
	}

	kept := make([]piece, 0, len(trimmed))
	for i, pc := range trimmed {
		if n := utf8.RuneCountInString(pc.text); n < s.cfg.MinChunkLengthToEmbed {
			s.logger.Debug("skipping chunk: too small", "chunk", i, "chars", n)
			continue
		}
		if q := Quality(pc.text); q < minQuality {
			s.logger.Debug("skipping chunk: low quality", "chunk", i, "quality", q)
			continue
		}
		kept = append(kept, pc)
	}
	if len(kept) == 0 && len(trimmed) > 0 {
		s.logger.Debug("every chunk failed filtering, keeping unfiltered chunks", "count", len(trimmed))
		kept = trimmed
	}

	chunks := make([]core.Chunk, len(kept))
	for i, pc := range kept {
		chunks[i] = core.Chunk{
			Text:     pc.text,
			Index:    i,
			Metadata: s.chunkMetadata(pc, i, meta),
		}
	}
	return chunks
}

// trimPiece strips surrounding whitespace, moving span offsets inward.
func trimPiece(pc piece) piece {
	left := strings.TrimLeftFunc(pc.text, unicode.IsSpace)
	both := strings.TrimRightFunc(left, unicode.IsSpace)
	if pc.start >= 0 {
		pc.start += utf8.RuneCountInString(pc.text) - utf8.RuneCountInString(left)
		pc.end -= utf8.RuneCountInString(left) - utf8.RuneCountInString(both)
	}
	pc.text = both
	return pc
}

func (s *Splitter) chunkMetadata(pc piece, index int, base map[string]any) map[string]any {
	md := make(map[string]any, len(base)+6)
	maps.Copy(md, base)
	md[core.MetaChunkIndex] = index
	md[core.MetaChunkSize] = s.size(pc.text)
	md[core.MetaChunkType] = "text"
	md[core.MetaQuality] = Quality(pc.text)
	if pc.start >= 0 {
		md[core.MetaStartOffset] = pc.start
		md[core.MetaEndOffset] = pc.end
	}
	return md
}
