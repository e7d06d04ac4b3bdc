package segment

import (
	"reflect"
	"testing"
)

func TestSplit_NoTable(t *testing.T) {
	input := "# Title\n\nJust prose."
	segs := Split(input)
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
	if segs[0].Kind != Plain || segs[0].Text != input {
		t.Errorf("expected input unchanged as plain segment, got %+v", segs[0])
	}
}

func TestSplit_Alternating(t *testing.T) {
	input := "A<table>X</table>B<table>Y</table>C"
	segs := Split(input)

	var texts []string
	for _, s := range segs {
		texts = append(texts, s.Text)
	}
	want := []string{"A", "<table>X</table>", "B", "<table>Y</table>", "C"}
	if !reflect.DeepEqual(texts, want) {
		t.Fatalf("unexpected segments %q", texts)
	}
	kinds := []Kind{Plain, Table, Plain, Table, Plain}
	for i, s := range segs {
		if s.Kind != kinds[i] {
			t.Errorf("segment %d: expected kind %q, got %q", i, kinds[i], s.Kind)
		}
	}
	if Join(segs) != input {
		t.Errorf("join did not reproduce input: %q", Join(segs))
	}
}

func TestSplit_CaseInsensitiveWithAttributes(t *testing.T) {
	input := "intro\n<TABLE border=\"1\"><tr><td>1</td></tr></Table>\noutro"
	segs := Split(input)
	if CountTables(segs) != 1 {
		t.Fatalf("expected one table, got %d", CountTables(segs))
	}
	if segs[1].Text != "<TABLE border=\"1\"><tr><td>1</td></tr></Table>" {
		t.Errorf("unexpected table span %q", segs[1].Text)
	}
	if Join(segs) != input {
		t.Error("join lost content")
	}
}

func TestSplit_MultilineAndEdges(t *testing.T) {
	input := "<table>\n<tr><td>a</td></tr>\n</table><table><tr><td>b</td></tr></table>"
	segs := Split(input)
	if len(segs) != 2 {
		t.Fatalf("expected 2 adjacent table segments, got %d: %+v", len(segs), segs)
	}
	if Join(segs) != input {
		t.Error("join lost content")
	}
}

func TestSplit_UnclosedTableStaysPlain(t *testing.T) {
	input := "before <table><tr><td>never closed"
	segs := Split(input)
	if len(segs) != 1 || segs[0].Kind != Plain {
		t.Fatalf("expected single plain segment, got %+v", segs)
	}
}

func TestContainsTableMarkup(t *testing.T) {
	if ContainsTableMarkup("no tables | here") {
		t.Error("expected false for markdown-only text")
	}
	if !ContainsTableMarkup("x <table><tr><td>1</td></tr></table>") {
		t.Error("expected true for html table")
	}
}
