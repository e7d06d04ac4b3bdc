package llm

import (
	"sort"
	"sync"
	"time"
)

type sample struct {
	at         time.Time
	kind       string
	durationMs int64
	failed     bool
}

// StatsSnapshot aggregates the calls of one kind inside the window.
type StatsSnapshot struct {
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	MinMs    int64   `json:"min_ms"`
	MaxMs    int64   `json:"max_ms"`
	AvgMs    float64 `json:"avg_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
}

// Stats tracks recent call latencies per call kind ("ocr", "restore", ...).
type Stats struct {
	mu      sync.Mutex
	samples []sample
	maxAge  time.Duration
	now     func() time.Time
}

func NewStats(maxAge time.Duration) *Stats {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Stats{
		samples: make([]sample, 0, 256),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Record adds one call. A non-nil err counts as a failure.
func (s *Stats) Record(kind string, durationMs int64, err error) {
	if kind == "" {
		kind = "other"
	}
	durationMs = max(durationMs, 0)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	s.samples = append(s.samples, sample{at: now, kind: kind, durationMs: durationMs, failed: err != nil})
}

// Snapshot returns aggregates keyed by call kind.
func (s *Stats) Snapshot() map[string]StatsSnapshot {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	byKind := make(map[string][]sample)
	for _, sm := range s.samples {
		byKind[sm.kind] = append(byKind[sm.kind], sm)
	}

	out := make(map[string]StatsSnapshot, len(byKind))
	for kind, samples := range byKind {
		values := make([]int64, 0, len(samples))
		var sum int64
		failures := 0
		for _, sm := range samples {
			values = append(values, sm.durationMs)
			sum += sm.durationMs
			if sm.failed {
				failures++
			}
		}
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		out[kind] = StatsSnapshot{
			Count:    len(values),
			Failures: failures,
			MinMs:    values[0],
			MaxMs:    values[len(values)-1],
			AvgMs:    float64(sum) / float64(len(values)),
			P50Ms:    percentile(values, 50),
			P95Ms:    percentile(values, 95),
		}
	}
	return out
}

func (s *Stats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.maxAge)
	kept := s.samples[:0]
	for _, sm := range s.samples {
		if !sm.at.Before(cutoff) {
			kept = append(kept, sm)
		}
	}
	s.samples = kept
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []int64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if pct <= 0 {
		return float64(sorted[0])
	}
	if pct >= 100 {
		return float64(sorted[len(sorted)-1])
	}
	index := (float64(len(sorted)-1) * pct) / 100.0
	lower := int(index)
	if lower+1 >= len(sorted) {
		return float64(sorted[lower])
	}
	weight := index - float64(lower)
	lo, hi := float64(sorted[lower]), float64(sorted[lower+1])
	return lo + (hi-lo)*weight
}
