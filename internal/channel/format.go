// ABOUTME: Converts markdown (as produced by the AI oracle) into WhatsApp message formatting
// ABOUTME: Walks the goldmark AST: bold *x*, italic _x_, strike ~x~, lists, links as "text (url)"

package channel

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))

var blankLines = regexp.MustCompile(`\n{3,}`)

// FormatMarkdown renders markdown as WhatsApp text. Raw HTML is dropped.
func FormatMarkdown(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		return renderNode(&buf, src, n, entering), nil
	})

	out := blankLines.ReplaceAllString(buf.String(), "\n\n")
	return strings.TrimSpace(out)
}

func renderNode(buf *bytes.Buffer, src []byte, n ast.Node, entering bool) ast.WalkStatus {
	switch node := n.(type) {
	case *ast.Text:
		if entering {
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte('\n')
			}
		}
	case *ast.String:
		if entering {
			buf.Write(node.Value)
		}
	case *ast.Emphasis:
		marker := "_"
		if node.Level >= 2 {
			marker = "*"
		}
		buf.WriteString(marker)
	case *east.Strikethrough:
		buf.WriteString("~")
	case *ast.CodeSpan:
		buf.WriteString("`")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			buf.WriteString("```\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			buf.WriteString("```\n\n")
		}
		return ast.WalkSkipChildren
	case *ast.Heading:
		if entering {
			buf.WriteString("*")
		} else {
			buf.WriteString("*\n\n")
		}
	case *ast.Paragraph:
		if !entering {
			if _, inItem := n.Parent().(*ast.ListItem); inItem {
				buf.WriteString("\n")
			} else {
				buf.WriteString("\n\n")
			}
		}
	case *ast.TextBlock:
		if !entering {
			buf.WriteString("\n")
		}
	case *ast.Blockquote:
		if entering {
			buf.WriteString("> ")
		}
	case *ast.List:
		if !entering {
			if _, nested := n.Parent().(*ast.ListItem); !nested {
				buf.WriteString("\n")
			}
		}
	case *ast.ListItem:
		if entering {
			buf.WriteString(listPrefix(node))
		}
	case *ast.Link:
		if !entering {
			dest := string(node.Destination)
			if dest != "" && dest != string(nodeText(node, src)) {
				fmt.Fprintf(buf, " (%s)", dest)
			}
		}
	case *ast.AutoLink:
		if entering {
			buf.Write(node.URL(src))
		}
		return ast.WalkSkipChildren
	case *ast.Image:
		if entering {
			alt := nodeText(node, src)
			if len(alt) > 0 {
				buf.Write(alt)
				buf.WriteString(" ")
			}
			fmt.Fprintf(buf, "(%s)", node.Destination)
		}
		return ast.WalkSkipChildren
	case *ast.ThematicBreak:
		if entering {
			buf.WriteString("---\n\n")
		}
	case *ast.RawHTML, *ast.HTMLBlock:
		return ast.WalkSkipChildren
	}
	return ast.WalkContinue
}

// listPrefix returns the indented bullet or number for an item.
func listPrefix(item *ast.ListItem) string {
	depth := 0
	for p := item.Parent(); p != nil; p = p.Parent() {
		if _, ok := p.(*ast.List); ok {
			depth++
		}
	}
	indent := strings.Repeat("  ", max(depth-1, 0))

	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return indent + "- "
	}
	index := 0
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		index++
	}
	return fmt.Sprintf("%s%d. ", indent, list.Start+index)
}

// nodeText concatenates the text of n's descendants.
func nodeText(n ast.Node, src []byte) []byte {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.Bytes()
}
