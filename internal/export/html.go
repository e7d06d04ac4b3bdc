package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
)

var preview = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
)

// HTML renders reconstructed markdown, including the raw HTML tables the
// OCR model emits, as an HTML fragment.
func HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := preview.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// HTMLPage wraps a rendered fragment in a minimal standalone page.
func HTMLPage(title, body string) string {
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	sb.WriteString(html.EscapeString(title))
	sb.WriteString("</title><style>table{border-collapse:collapse}td,th{border:1px solid #999;padding:4px}</style></head><body>\n")
	sb.WriteString(body)
	sb.WriteString("</body></html>\n")
	return sb.String()
}
