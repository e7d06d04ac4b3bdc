package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/ocr"
	"github.com/WiseWong6/pdf/internal/retry"
	"github.com/WiseWong6/pdf/internal/segment"
)

// MaxAttempts is the per-segment budget. Segments never share it.
const MaxAttempts = 3

// Verification reasons.
const (
	ReasonNoTable         = "no_table_detected"
	ReasonTablesPreserved = "tables_preserved"
	ReasonLayoutCleaned   = "layout_tables_cleaned"
	ReasonFallback        = "restoration_fallback"
)

const userTemplate = `Here is one table segment recognized from the attached page image:

{{segment}}

Judge it with the rubric and return the restored segment.`

// Completer is the chat completions call the restoration caller depends on.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// Caller sends table segments to the restoration model. In-flight calls
// are bounded process-wide by a weighted semaphore.
type Caller struct {
	llm       Completer
	maxTokens int
	sem       *semaphore.Weighted
	clock     retry.Clock
	log       *slog.Logger
}

func NewCaller(c Completer, maxTokens, maxConcurrent int, clock retry.Clock, log *slog.Logger) *Caller {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if clock == nil {
		clock = retry.RealClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		llm:       c,
		maxTokens: maxTokens,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		clock:     clock,
		log:       log,
	}
}

// SegmentResult is the resolved replacement for one table segment.
type SegmentResult struct {
	Text        string
	KeptAsTable bool
	// Fallback is set when every attempt failed and Text is the input.
	Fallback  bool
	Reasoning string
}

// RestoreSegment restores one table segment. Exhausted retries fall back to
// the original HTML. A rejected credential and cancellation are returned as
// errors since no fallback can fix them.
func (c *Caller) RestoreSegment(ctx context.Context, settings config.Settings, tableHTML string, img []byte) (SegmentResult, error) {
	req := llm.Request{
		Kind:   "restore",
		APIKey: settings.APIKey,
		Model:  settings.RestoreModel,
		Messages: []llm.Message{
			{Role: "system", Content: settings.RestoreRubric},
			llm.UserMessage(img, strings.Replace(userTemplate, "{{segment}}", tableHTML, 1)),
		},
		Temperature: 0,
		MaxTokens:   c.maxTokens,
	}

	policy := retry.Policy{
		MaxAttempts: MaxAttempts,
		Backoff:     ocr.Backoff,
		Fatal:       llm.IsUnauthorized,
		Clock:       c.clock,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			c.log.Warn("restoration attempt failed", "attempt", attempt, "wait", wait.String(), "error", err)
		},
	}
	out, err := retry.Do(ctx, policy, func(ctx context.Context) (llm.Completion, error) {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return llm.Completion{}, err
		}
		defer c.sem.Release(1)

		comp, err := c.llm.Complete(ctx, req)
		if err != nil {
			return comp, err
		}
		if llm.StripCodeFence(comp.Content) == "" {
			return comp, errors.New("empty restoration output")
		}
		return comp, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, retry.ErrAborted):
		return SegmentResult{}, err
	case llm.IsUnauthorized(err):
		return SegmentResult{}, fmt.Errorf("restore: %w", err)
	default:
		c.log.Warn("restoration exhausted, keeping original segment", "error", err)
		return SegmentResult{Text: tableHTML, KeptAsTable: true, Fallback: true}, nil
	}

	text := llm.StripCodeFence(out.Content)
	return SegmentResult{
		Text:        text,
		KeptAsTable: HasTableElement(text),
		Reasoning:   strings.TrimSpace(out.Reasoning),
	}, nil
}

// PageResult is the outcome of restoring every table segment of a page.
type PageResult struct {
	Restored  string
	HasTable  bool
	Reason    string
	Reasoning string
	Tables    int
	Fallbacks int
}

// RestorePage restores all table segments of segs concurrently and
// reassembles the page in the original segment order.
func (c *Caller) RestorePage(ctx context.Context, settings config.Settings, segs []segment.Segment, img []byte) (PageResult, error) {
	results := make([]SegmentResult, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range segs {
		if s.Kind != segment.Table {
			results[i] = SegmentResult{Text: s.Text}
			continue
		}
		g.Go(func() error {
			r, err := c.RestoreSegment(gctx, settings, s.Text, img)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A sibling's fatal error cancels gctx; report that error rather
		// than the aborts it caused, unless the caller itself cancelled.
		if ctx.Err() != nil {
			return PageResult{}, retry.ErrAborted
		}
		return PageResult{}, err
	}

	var (
		sb        strings.Builder
		reasoning []string
		res       PageResult
		converted int
	)
	for i, r := range results {
		sb.WriteString(r.Text)
		if segs[i].Kind != segment.Table {
			continue
		}
		res.Tables++
		if r.KeptAsTable {
			res.HasTable = true
		} else {
			converted++
		}
		if r.Fallback {
			res.Fallbacks++
		}
		if r.Reasoning != "" {
			reasoning = append(reasoning, fmt.Sprintf("[table %d] %s", res.Tables, r.Reasoning))
		}
	}
	res.Restored = sb.String()
	res.Reasoning = strings.Join(reasoning, "\n\n")
	switch {
	case res.Tables > 0 && res.Fallbacks == res.Tables:
		res.Reason = ReasonFallback
	case converted > 0:
		res.Reason = ReasonLayoutCleaned
	default:
		res.Reason = ReasonTablesPreserved
	}
	return res, nil
}

// HasTableElement reports whether s holds a <table> start tag.
func HasTableElement(s string) bool {
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "table" {
				return true
			}
		}
	}
}
