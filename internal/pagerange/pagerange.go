package pagerange

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Resolve parses expr against a document of total pages and returns the
// selected pages in ascending order without duplicates. Tokens are separated
// by commas or semicolons; "a-b" selects an inclusive range. Malformed
// tokens, reversed ranges and out-of-range pages are dropped. When nothing
// valid remains, every page is selected.
func Resolve(expr string, total int) []int {
	if total <= 0 {
		return []int{}
	}
	text := strings.ToLower(strings.TrimSpace(expr))
	if text == "" || text == "all" {
		return all(total)
	}

	seen := make(map[int]bool)
	tokens := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ';' })
	for _, tok := range tokens {
		tok = strings.ReplaceAll(tok, " ", "")
		if tok == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			start, err1 := strconv.Atoi(lo)
			end, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || start > end {
				continue
			}
			start = max(start, 1)
			end = min(end, total)
			for p := start; p <= end; p++ {
				seen[p] = true
			}
			continue
		}
		p, err := strconv.Atoi(tok)
		if err != nil || p < 1 || p > total {
			continue
		}
		seen[p] = true
	}

	if len(seen) == 0 {
		return all(total)
	}
	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// Format renders pages back into a compact expression, collapsing
// consecutive runs into ranges. The full selection is rendered as "all".
func Format(pages []int, total int) string {
	if len(pages) == 0 {
		return ""
	}
	if total > 0 && len(pages) == total && pages[0] == 1 && pages[len(pages)-1] == total {
		return "all"
	}
	var parts []string
	start := pages[0]
	prev := start
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, p := range pages[1:] {
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return strings.Join(parts, ",")
}

func all(total int) []int {
	pages := make([]int, total)
	for i := range pages {
		pages[i] = i + 1
	}
	return pages
}
