// Package markdownerr renders a TaskErrorRecord's message body, which
// task code is free to write as Markdown, down to plain text suitable
// for the Status API's JSON payload and for log lines.
package markdownerr

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Render walks src as Markdown and returns its rendered plain-text
// content: headings, emphasis, and links collapse to their literal
// text, code spans keep their backtick content, and each paragraph,
// heading, or list item ends on its own line (code blocks are followed
// by one blank line).
func Render(src string) string {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader([]byte(src)))

	var buf bytes.Buffer
	source := []byte(src)
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch n.(type) {
			case *ast.Paragraph, *ast.Heading, *ast.CodeBlock, *ast.FencedCodeBlock, *ast.ListItem:
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(source))
		case *ast.CodeBlock:
			writeLines(&buf, node, source)
		case *ast.FencedCodeBlock:
			writeLines(&buf, node, source)
		}
		return ast.WalkContinue, nil
	})

	return collapseBlankLines(buf.String())
}

// linesNode is satisfied by goldmark's block nodes that carry their raw
// source lines (ast.BaseBlock's Lines method); ast.Node itself doesn't
// declare it.
type linesNode interface {
	Lines() *text.Segments
}

func writeLines(buf *bytes.Buffer, n linesNode, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		buf.Write(line.Value(source))
	}
}

func collapseBlankLines(s string) string {
	var out bytes.Buffer
	blank := false
	for _, line := range bytes.Split([]byte(s), []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			if blank {
				continue
			}
			blank = true
			out.WriteByte('\n')
			continue
		}
		blank = false
		out.Write(trimmed)
		out.WriteByte('\n')
	}
	return string(bytes.TrimSpace(out.Bytes()))
}
