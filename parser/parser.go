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

// Package parser extracts plain text and document statistics from raw
// file bytes.
//
// Parsers are selected by file type or file name extension through a
// Registry. Plain text and Markdown are built in; anything unrecognized is
// read as plain text.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/poiesic/docpipe/chunker"
	"github.com/poiesic/docpipe/core"
	"golang.org/x/text/encoding/charmap"
)

// maxTitleLength bounds a title taken from the first line of a document.
const maxTitleLength = 100

// ErrDecode indicates the document bytes could not be decoded as text.
var ErrDecode = errors.New("cannot decode document text")

// Parser extracts text from a document.
type Parser interface {
	// Parse converts data into text plus statistics. fileName is used for
	// the title fallback and metadata.
	Parse(ctx context.Context, data []byte, fileName string) (*core.ParseResult, error)
}

// Func adapts an ordinary function to the Parser interface.
type Func func(ctx context.Context, data []byte, fileName string) (*core.ParseResult, error)

// Parse calls f.
func (f Func) Parse(ctx context.Context, data []byte, fileName string) (*core.ParseResult, error) {
	return f(ctx, data, fileName)
}

var (
	markdownTypes = []string{"md", "markdown", "mdown", "mkd"}
	textTypes     = []string{
		"txt", "text", "log", "csv", "tsv", "json", "xml", "yaml", "yml",
		"html", "htm", "css", "js", "py", "go", "java", "c", "cpp", "cs",
		"rs", "sh", "bat", "ps1",
	}
	mimeTypes = map[string]string{
		"text/markdown":          "md",
		"text/plain":             "txt",
		"text/html":              "html",
		"text/css":               "css",
		"text/javascript":        "js",
		"application/json":       "json",
		"application/xml":        "xml",
		"application/x-markdown": "md",
	}
)

// Registry maps file types to parsers.
type Registry struct {
	parsers  map[string]Parser
	fallback Parser
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithFallback replaces the parser used for unknown types.
func WithFallback(p Parser) RegistryOption {
	return func(r *Registry) {
		r.fallback = p
	}
}

// NewRegistry returns a registry with the built-in Markdown and text
// parsers registered.
func NewRegistry(opts ...RegistryOption) *Registry {
	text := NewText()
	r := &Registry{
		parsers:  make(map[string]Parser),
		fallback: text,
		logger:   slog.Default().With("component", "parser"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register(NewMarkdown(), markdownTypes...)
	r.Register(text, textTypes...)
	return r
}

// Register associates p with each of types. Types are extensions with or
// without the leading dot; matching ignores case.
func (r *Registry) Register(p Parser, types ...string) {
	for _, t := range types {
		r.parsers[normalizeType(t)] = p
	}
}

// Lookup selects a parser. fileType is tried first, as an extension or MIME
// type, then the extension of fileName. Unknown types get the fallback.
func (r *Registry) Lookup(fileType, fileName string) Parser {
	if t := normalizeType(fileType); t != "" {
		if ext, ok := mimeTypes[t]; ok {
			t = ext
		}
		if p, ok := r.parsers[t]; ok {
			return p
		}
	}
	if ext := normalizeType(path.Ext(fileName)); ext != "" {
		if p, ok := r.parsers[ext]; ok {
			return p
		}
	}
	r.logger.Warn("no parser for file type, reading as plain text", "file_type", fileType, "file_name", fileName)
	return r.fallback
}

// Parse looks up a parser for the document and runs it.
func (r *Registry) Parse(ctx context.Context, data []byte, fileType, fileName string) (*core.ParseResult, error) {
	return r.Lookup(fileType, fileName).Parse(ctx, data, fileName)
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return strings.TrimPrefix(t, ".")
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeText returns data as a string. Bytes that are not valid UTF-8 are
// read as Windows-1252.
func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return string(out), nil
}

func baseMeta(fileName string, size int) map[string]string {
	return map[string]string{
		"filename":  path.Base(fileName),
		"extension": normalizeType(path.Ext(fileName)),
		"file_size": strconv.Itoa(size),
	}
}

// newResult fills in the statistics shared by every parser. title may be
// empty, in which case the first short line or the file name is used.
func newResult(content, title, fileName string, meta map[string]string) *core.ParseResult {
	if title == "" {
		title = firstLineTitle(content, fileName)
	}
	return &core.ParseResult{
		Content: content,
		Title:   title,
		Meta:    meta,
		Pages:   1,
		Words:   len(strings.Fields(content)),
		Chars:   countChars(content),
	}
}

// firstLineTitle returns the first non-empty line of at most
// maxTitleLength characters, or the file name without its extension.
func firstLineTitle(content, fileName string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && utf8.RuneCountInString(line) <= maxTitleLength {
			return line
		}
	}
	if fileName == "" {
		return ""
	}
	base := path.Base(fileName)
	return strings.TrimSuffix(base, path.Ext(base))
}

// countChars counts non-whitespace characters.
func countChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// normalizeContent applies the same cleanup the chunker applies before
// splitting, so parse results and chunk offsets agree.
func normalizeContent(s string) string {
	return chunker.Normalize(s)
}
