package llm

import (
	"errors"
	"testing"
	"time"
)

func TestStatsSnapshotPerKind(t *testing.T) {
	stats := NewStats(time.Hour)
	for _, ms := range []int64{100, 200, 300, 400, 500} {
		stats.Record("ocr", ms, nil)
	}
	stats.Record("restore", 50, errors.New("boom"))

	snap := stats.Snapshot()
	ocr := snap["ocr"]
	if ocr.Count != 5 || ocr.Failures != 0 {
		t.Fatalf("unexpected ocr counts: %+v", ocr)
	}
	if ocr.MinMs != 100 || ocr.MaxMs != 500 {
		t.Fatalf("unexpected min/max: %+v", ocr)
	}
	if ocr.AvgMs != 300 || ocr.P50Ms != 300 || ocr.P95Ms != 480 {
		t.Fatalf("unexpected aggregates: %+v", ocr)
	}
	restore := snap["restore"]
	if restore.Count != 1 || restore.Failures != 1 {
		t.Fatalf("unexpected restore counts: %+v", restore)
	}
}

func TestStatsPrunesExpiredSamples(t *testing.T) {
	stats := NewStats(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stats.now = func() time.Time { return now }
	stats.Record("ocr", 100, nil)

	now = now.Add(2 * time.Minute)
	if snap := stats.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected expired samples pruned, got %+v", snap)
	}
}

func TestStatsClampsNegativeDuration(t *testing.T) {
	stats := NewStats(time.Hour)
	stats.Record("", -10, nil)
	snap := stats.Snapshot()["other"]
	if snap.Count != 1 || snap.MinMs != 0 {
		t.Fatalf("expected clamped sample under kind other, got %+v", snap)
	}
}
