package export

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/fumiama/go-docx"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"

	"github.com/WiseWong6/pdf/internal/segment"
)

// block is one output paragraph. level > 0 marks a heading.
type block struct {
	level int
	text  string
}

var headingSizes = map[int]string{1: "36", 2: "32", 3: "28", 4: "26", 5: "24", 6: "24"}

// DOCX writes pages as a Word document. Headings become bold paragraphs
// sized by level and every table row becomes one paragraph with its cells
// separated by " | ".
func DOCX(w io.Writer, title string, pages []string) error {
	doc := docx.New().WithDefaultTheme()
	if title != "" {
		doc.AddParagraph().AddText(title).Bold().Size(headingSizes[1])
	}
	for i, page := range pages {
		if i > 0 {
			doc.AddParagraph()
		}
		for _, b := range pageBlocks(page) {
			run := doc.AddParagraph().AddText(b.text)
			if b.level > 0 {
				run.Bold().Size(headingSizes[b.level])
			}
		}
	}
	if _, err := doc.WriteTo(w); err != nil {
		return fmt.Errorf("write docx: %w", err)
	}
	return nil
}

// pageBlocks flattens one page. Table segments are flattened directly;
// everything else goes through the markdown parser.
func pageBlocks(page string) []block {
	var out []block
	for _, s := range segment.Split(page) {
		if s.Kind == segment.Table {
			for _, row := range flattenHTML(s.Text) {
				out = append(out, block{text: row})
			}
			continue
		}
		out = append(out, markdownBlocks([]byte(s.Text))...)
	}
	return out
}

func markdownBlocks(src []byte) []block {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	var out []block
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			if t := extractText(n, src); t != "" {
				out = append(out, block{level: min(node.Level, 6), text: t})
			}
		case *ast.HTMLBlock:
			var raw bytes.Buffer
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				raw.Write(line.Value(src))
			}
			if node.HasClosure() {
				raw.Write(node.ClosureLine.Value(src))
			}
			for _, t := range flattenHTML(raw.String()) {
				out = append(out, block{text: t})
			}
		case *ast.List:
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				if t := extractText(item, src); t != "" {
					out = append(out, block{text: "• " + t})
				}
			}
		case *ast.ThematicBreak:
		default:
			if t := extractText(n, src); t != "" {
				out = append(out, block{text: t})
			}
		}
	}
	return out
}

// extractText gets the text content of a goldmark AST node.
func extractText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	if n.Type() == ast.TypeBlock && !n.HasChildren() {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			buf.Write(line.Value(src))
		}
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Value(src))
			if t.HardLineBreak() || t.SoftLineBreak() {
				buf.WriteByte('\n')
			}
		} else {
			if buf.Len() > 0 && c.Type() == ast.TypeBlock {
				buf.WriteByte(' ')
			}
			buf.WriteString(extractText(c, src))
		}
	}
	return strings.TrimSpace(buf.String())
}

// flattenHTML turns an HTML fragment into lines: one per table row, cells
// joined by " | ", and one per run of text outside tables.
func flattenHTML(s string) []string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return []string{strings.TrimSpace(s)}
	}
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && n.Data == "tr":
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, textContent(c))
				}
			}
			if row := strings.Join(cells, " | "); strings.Trim(row, " |") != "" {
				out = append(out, row)
			}
			return
		case n.Type == html.TextNode:
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				out = append(out, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

func textContent(n *html.Node) string {
	var parts []string
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
