package pipeline

import (
	"fmt"
	"strings"
)

// PageSeparator joins page texts in the reconstructed document.
const PageSeparator = "\n\n<!-- page-break -->\n\n"

// PageText is the text a page contributes in the given view mode. Restored
// view falls back to the raw OCR when no restoration pass produced text.
func PageText(p Page, mode ViewMode) string {
	if mode != ViewRaw && p.Restored != nil {
		return *p.Restored
	}
	return p.RawOCR
}

// Reconstruct derives the full document text. An empty mode uses the
// document's own view mode.
func Reconstruct(d Document, mode ViewMode) string {
	if mode == "" {
		mode = d.ViewMode
	}
	parts := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		parts[i] = PageText(p, mode)
	}
	return strings.Join(parts, PageSeparator)
}

// EditPage replaces one page's text. The edit lands in Restored when the
// document is in restored view and the page has a restored value, and in
// RawOCR otherwise.
func EditPage(index int, text string) Patch {
	return func(d *Document) error {
		if index < 0 || index >= len(d.Pages) {
			return fmt.Errorf("page %d: %w", index, ErrNotFound)
		}
		p := d.Pages[index]
		if p.Busy() {
			return fmt.Errorf("page %d is %s: %w", index, p.Status, ErrBusy)
		}
		writePageText(&p, d.ViewMode, text)
		return SetPage(p)(d)
	}
}

// EditContent replaces the whole reconstructed document. The text is split
// back on PageSeparator and must yield exactly one chunk per page. Nothing
// is written if any page is busy.
func EditContent(text string) Patch {
	return func(d *Document) error {
		chunks := strings.Split(text, PageSeparator)
		if len(chunks) != len(d.Pages) {
			return fmt.Errorf("content has %d pages, document has %d: %w", len(chunks), len(d.Pages), ErrInvalid)
		}
		for _, p := range d.Pages {
			if p.Busy() {
				return fmt.Errorf("page %d is %s: %w", p.Index, p.Status, ErrBusy)
			}
		}
		for i, chunk := range chunks {
			p := d.Pages[i]
			if PageText(p, d.ViewMode) == chunk {
				continue
			}
			writePageText(&p, d.ViewMode, chunk)
			if err := SetPage(p)(d); err != nil {
				return err
			}
		}
		return nil
	}
}

func writePageText(p *Page, mode ViewMode, text string) {
	if mode != ViewRaw && p.Restored != nil {
		p.Restored = strPtr(text)
		return
	}
	p.RawOCR = text
}
