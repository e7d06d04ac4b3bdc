package segment

import (
	"regexp"
	"strings"
)

// Kind distinguishes plain text from an isolated table construct.
type Kind string

const (
	Plain Kind = "plain"
	Table Kind = "table"
)

// Segment is a contiguous span of a page's OCR text.
type Segment struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
}

// Detector reports whether text carries table markup worth restoring.
type Detector func(text string) bool

var tableRe = regexp.MustCompile(`(?is)<table\b[^>]*>.*?</table\s*>`)

// ContainsTableMarkup is the default Detector: it matches the same
// <table>...</table> spans Split isolates.
func ContainsTableMarkup(text string) bool {
	return tableRe.MatchString(text)
}

// Split cuts text into plain and table segments in their original order.
// Every byte of text ends up in exactly one segment; empty plain spans
// between adjacent tables are omitted. Text without tables comes back as a
// single plain segment.
func Split(text string) []Segment {
	locs := tableRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []Segment{{Kind: Plain, Text: text}}
	}

	segs := make([]Segment, 0, 2*len(locs)+1)
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			segs = append(segs, Segment{Kind: Plain, Text: text[prev:loc[0]]})
		}
		segs = append(segs, Segment{Kind: Table, Text: text[loc[0]:loc[1]]})
		prev = loc[1]
	}
	if prev < len(text) {
		segs = append(segs, Segment{Kind: Plain, Text: text[prev:]})
	}
	return segs
}

// Join concatenates segments back into page text.
func Join(segs []Segment) string {
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// CountTables returns the number of table segments.
func CountTables(segs []Segment) int {
	n := 0
	for _, s := range segs {
		if s.Kind == Table {
			n++
		}
	}
	return n
}
