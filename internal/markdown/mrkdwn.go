// ABOUTME: Markdown to Slack mrkdwn renderer.
// ABOUTME: Walks the goldmark AST directly because mrkdwn is not HTML-shaped.

package markdown

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// The parser configuration never changes and goldmark parsers are safe to
// share; per-call state lives in the reader passed to Parse.
var (
	parserInstance goldmark.Markdown
	parserOnce     sync.Once
)

func getParser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
		)
	})
	return parserInstance
}

// escaper handles the three characters Slack requires escaped in all text.
var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// urlEscaper additionally neutralizes the link-syntax separator.
var urlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "|", "%7C")

// ToMrkdwn renders markdown input as Slack mrkdwn. mrkdwn has no nesting
// and no headings, so headings become bold lines and structure flattens to
// prefixed plain text.
func ToMrkdwn(input string) string {
	if strings.TrimSpace(input) == "" {
		return input
	}
	source := []byte(input)
	doc := getParser().Parser().Parse(text.NewReader(source))

	r := &renderer{source: source}
	_ = ast.Walk(doc, r.walk)
	return r.finish()
}

// block is one flushed output block. Tight blocks (list items) join to
// their successor with a single newline instead of a blank line.
type block struct {
	text  string
	tight bool
}

// renderer accumulates inline content per block and flushes it when the
// containing block closes, applying quote and list prefixes line by line.
type renderer struct {
	source []byte

	blocks []block
	inline strings.Builder

	quoteDepth    int
	listStack     []listLevel
	pendingBullet string
}

type listLevel struct {
	ordered bool
	index   int
}

func (r *renderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			r.inline.Reset()
			r.inline.WriteString("*")
		} else {
			r.inline.WriteString("*")
			r.flushInline()
		}

	case *ast.Paragraph, *ast.TextBlock:
		if entering {
			r.inline.Reset()
		} else {
			r.flushInline()
		}

	case *ast.Text:
		if entering {
			r.inline.WriteString(escaper.Replace(string(node.Segment.Value(r.source))))
			if node.SoftLineBreak() || node.HardLineBreak() {
				r.inline.WriteByte('\n')
			}
		}

	case *ast.String:
		if entering {
			r.inline.WriteString(escaper.Replace(string(node.Value)))
		}

	case *ast.Emphasis:
		marker := "_"
		if node.Level >= 2 {
			marker = "*"
		}
		r.inline.WriteString(marker)

	case *extast.Strikethrough:
		r.inline.WriteString("~")

	case *ast.CodeSpan:
		r.inline.WriteString("`")

	case *ast.Link:
		if entering {
			r.inline.WriteString("<" + urlEscaper.Replace(string(node.Destination)) + "|")
		} else {
			r.inline.WriteString(">")
		}

	case *ast.Image:
		// Slack has no inline images; degrade to a link on the alt text.
		if entering {
			r.inline.WriteString("<" + urlEscaper.Replace(string(node.Destination)) + "|")
		} else {
			r.inline.WriteString(">")
		}

	case *ast.AutoLink:
		if entering {
			r.inline.WriteString("<" + urlEscaper.Replace(string(node.URL(r.source))) + ">")
		}
		return ast.WalkSkipChildren, nil

	case *ast.FencedCodeBlock:
		if entering {
			r.flushCodeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil

	case *ast.CodeBlock:
		if entering {
			r.flushCodeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			r.quoteDepth++
		} else {
			r.quoteDepth--
		}

	case *ast.List:
		if entering {
			r.listStack = append(r.listStack, listLevel{ordered: node.IsOrdered(), index: node.Start})
		} else {
			r.listStack = r.listStack[:len(r.listStack)-1]
		}

	case *ast.ListItem:
		if entering {
			level := &r.listStack[len(r.listStack)-1]
			indent := strings.Repeat("  ", len(r.listStack)-1)
			if level.ordered {
				r.pendingBullet = fmt.Sprintf("%s%d. ", indent, level.index)
				level.index++
			} else {
				r.pendingBullet = indent + "• "
			}
		}

	case *ast.ThematicBreak:
		if entering {
			r.flush("———", false)
		}
	}
	return ast.WalkContinue, nil
}

// flushInline closes the current inline-bearing block.
func (r *renderer) flushInline() {
	text := strings.TrimRight(r.inline.String(), "\n")
	r.inline.Reset()
	if text == "" {
		return
	}
	r.flush(text, len(r.listStack) > 0)
}

// flushCodeBlock emits a fenced block. Content is escaped like any other
// text; Slack unescapes entities inside code fences too.
func (r *renderer) flushCodeBlock(lines *text.Segments) {
	var buf strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(r.source))
	}
	content := escaper.Replace(strings.TrimRight(buf.String(), "\n"))
	r.flush("```\n"+content+"\n```", len(r.listStack) > 0)
}

// flush applies quote and bullet prefixes to each line and records the
// block. The pending bullet decorates only the first line; continuation
// lines align under it.
func (r *renderer) flush(text string, tight bool) {
	prefix := strings.Repeat("> ", r.quoteDepth)
	bullet := r.pendingBullet
	r.pendingBullet = ""

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		switch {
		case i == 0 && bullet != "":
			lines[i] = prefix + bullet + line
		case bullet != "":
			lines[i] = prefix + strings.Repeat(" ", utf8.RuneCountInString(bullet)) + line
		default:
			lines[i] = prefix + line
		}
	}
	r.blocks = append(r.blocks, block{text: strings.Join(lines, "\n"), tight: tight})
}

// finish joins the flushed blocks: tight successors attach with one
// newline, everything else separates with a blank line.
func (r *renderer) finish() string {
	var out strings.Builder
	for i, b := range r.blocks {
		if i > 0 {
			if b.tight && r.blocks[i-1].tight {
				out.WriteString("\n")
			} else {
				out.WriteString("\n\n")
			}
		}
		out.WriteString(b.text)
	}
	return out.String()
}
