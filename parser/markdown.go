package parser

import (
	"context"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	mdparser "github.com/gomarkdown/markdown/parser"
	"github.com/poiesic/docpipe/core"
)

// Markdown renders Markdown documents to plain text. Headings and
// paragraphs are separated by blank lines, list items are prefixed with
// "- ", and markup is dropped.
type Markdown struct {
	extensions mdparser.Extensions
}

var _ Parser = (*Markdown)(nil)

// NewMarkdown creates a Markdown parser with the common extensions
// (tables, fenced code, autolinks, strikethrough) enabled.
func NewMarkdown() *Markdown {
	return &Markdown{extensions: mdparser.CommonExtensions}
}

// Parse extracts text from a Markdown document. The title is the first
// level one heading if there is one.
func (m *Markdown) Parse(ctx context.Context, data []byte, fileName string) (*core.ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := decodeText(data)
	if err != nil {
		return nil, err
	}

	meta := baseMeta(fileName, len(data))
	src, hasFrontMatter := stripFrontMatter(src)
	if hasFrontMatter {
		meta["has_frontmatter"] = "true"
	}

	// Parsers hold per-document state and cannot be reused.
	doc := markdown.Parse([]byte(src), mdparser.NewWithExtensions(m.extensions))
	text, title := render(doc)

	return newResult(normalizeContent(text), title, fileName, meta), nil
}

// render walks the document tree writing its text content.
func render(doc ast.Node) (text, title string) {
	var b strings.Builder
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		switch n := node.(type) {
		case *ast.Heading:
			b.WriteString("\n\n")
			if entering && n.Level == 1 && title == "" {
				title = strings.TrimSpace(inlineText(n))
			}
		case *ast.Paragraph:
			if _, inItem := n.Parent.(*ast.ListItem); !inItem && !entering {
				b.WriteString("\n\n")
			}
		case *ast.ListItem:
			if entering {
				b.WriteString("- ")
			} else {
				b.WriteString("\n")
			}
		case *ast.List, *ast.BlockQuote, *ast.Table:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.TableCell:
			if !entering {
				b.WriteString(" ")
			}
		case *ast.TableRow:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.CodeBlock:
			b.WriteString("\n\n")
			b.Write(n.Literal)
			b.WriteString("\n\n")
		case *ast.Text:
			b.Write(n.Literal)
		case *ast.Code:
			b.Write(n.Literal)
		case *ast.Hardbreak, *ast.HorizontalRule:
			b.WriteString("\n")
		}
		return ast.GoToNext
	})
	return b.String(), title
}

// inlineText concatenates the text leaves under n.
func inlineText(n ast.Node) string {
	var b strings.Builder
	ast.WalkFunc(n, func(node ast.Node, entering bool) ast.WalkStatus {
		if !entering {
			return ast.GoToNext
		}
		switch leaf := node.(type) {
		case *ast.Text:
			b.Write(leaf.Literal)
		case *ast.Code:
			b.Write(leaf.Literal)
		}
		return ast.GoToNext
	})
	return b.String()
}

// stripFrontMatter removes a leading block delimited by "---" lines.
func stripFrontMatter(src string) (string, bool) {
	if !strings.HasPrefix(src, "---\n") && !strings.HasPrefix(src, "---\r\n") {
		return src, false
	}
	rest := src[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return src, false
	}
	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		return body[i+1:], true
	}
	return "", true
}
