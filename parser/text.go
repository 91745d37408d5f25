package parser

import (
	"context"
	"strconv"
	"strings"

	"github.com/poiesic/docpipe/core"
)

// Text reads documents as plain text.
type Text struct{}

var _ Parser = (*Text)(nil)

// NewText creates a plain text parser.
func NewText() *Text {
	return &Text{}
}

// Parse decodes data and normalizes its whitespace.
func (t *Text) Parse(ctx context.Context, data []byte, fileName string) (*core.ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	content := normalizeContent(raw)
	meta := baseMeta(fileName, len(data))
	meta["line_count"] = strconv.Itoa(strings.Count(content, "\n") + 1)
	return newResult(content, "", fileName, meta), nil
}
