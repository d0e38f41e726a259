package whatsapp

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// PartSeparator splits one model reply into several chat messages.
const PartSeparator = "•"

var (
	markdown   = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// SplitParts splits a reply on PartSeparator, dropping blank parts.
func SplitParts(reply string) []string {
	var parts []string
	for _, p := range strings.Split(reply, PartSeparator) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Format renders markdown as WhatsApp markup. The agents are prompted
// with WhatsApp's *bold* convention, so emphasis of any level renders
// bold. Line breaks inside paragraphs are kept.
func Format(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Heading:
			if entering {
				b.WriteString("*")
			} else {
				b.WriteString("*\n\n")
			}
		case *ast.Paragraph:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.List:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.ListItem:
			if entering {
				b.WriteString(listMarker(n))
			}
		case *ast.Blockquote:
			if entering {
				b.WriteString("> ")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				b.WriteString("```\n")
				writeLines(&b, n, src)
				b.WriteString("```\n\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			if entering {
				writeLines(&b, n, src)
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				b.Write(n.Segment.Value(src))
				if n.SoftLineBreak() || n.HardLineBreak() {
					b.WriteString("\n")
				}
			}
		case *ast.String:
			if entering {
				b.Write(n.Value)
			}
		case *ast.Emphasis:
			b.WriteString("*")
		case *extast.Strikethrough:
			b.WriteString("~")
		case *ast.CodeSpan:
			b.WriteString("`")
		case *ast.Link:
			if !entering {
				dest := string(n.Destination)
				if dest != "" && dest != plainText(n, src) {
					b.WriteString(" (" + dest + ")")
				}
			}
		case *ast.AutoLink:
			if entering {
				b.Write(n.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.Image:
			if entering {
				b.Write(n.Destination)
			}
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			if entering {
				for i := 0; i < n.Segments.Len(); i++ {
					seg := n.Segments.At(i)
					b.Write(seg.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(blankLines.ReplaceAllString(b.String(), "\n\n"))
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "- "
	}
	idx := 0
	for s := item.PreviousSibling(); s != nil; s = s.PreviousSibling() {
		idx++
	}
	return strconv.Itoa(list.Start+idx) + ". "
}

// plainText concatenates the text beneath n.
func plainText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			sb.Write(t.Segment.Value(src))
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

func writeLines(b *strings.Builder, n ast.Node, src []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
}
