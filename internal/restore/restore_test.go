package restore

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/retry"
	"github.com/WiseWong6/pdf/internal/segment"
)

// funcCompleter answers each request with respond(userText).
type funcCompleter struct {
	calls   atomic.Int32
	respond func(user string) (llm.Completion, error)
}

func (f *funcCompleter) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	f.calls.Add(1)
	parts := req.Messages[1].Content.([]llm.Part)
	return f.respond(parts[len(parts)-1].Text)
}

type instantClock struct{}

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

var settings = config.Settings{APIKey: "k", RestoreModel: "m", RestoreRubric: "rubric"}

func TestRestoreSegment_FallbackKeepsOriginal(t *testing.T) {
	stub := &funcCompleter{respond: func(string) (llm.Completion, error) {
		return llm.Completion{}, errors.New("upstream down")
	}}
	c := NewCaller(stub, 100, 2, instantClock{}, nil)

	in := "<table><tr><td>x</td></tr></table>"
	r, err := c.RestoreSegment(context.Background(), settings, in, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Text != in || !r.Fallback || !r.KeptAsTable {
		t.Errorf("expected original segment back, got %+v", r)
	}
	if got := stub.calls.Load(); got != MaxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxAttempts, got)
	}
}

func TestRestoreSegment_EmptyOutputIsRetried(t *testing.T) {
	var n atomic.Int32
	stub := &funcCompleter{respond: func(string) (llm.Completion, error) {
		if n.Add(1) == 1 {
			return llm.Completion{Content: "```\n```"}, nil
		}
		return llm.Completion{Content: "## Heading\n\nbody", Reasoning: " layout only "}, nil
	}}
	c := NewCaller(stub, 100, 1, instantClock{}, nil)

	r, err := c.RestoreSegment(context.Background(), settings, "<table><tr><td>Heading</td></tr></table>", []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if r.KeptAsTable || r.Fallback || r.Text != "## Heading\n\nbody" || r.Reasoning != "layout only" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestRestoreSegment_UnauthorizedIsFatal(t *testing.T) {
	stub := &funcCompleter{respond: func(string) (llm.Completion, error) {
		return llm.Completion{}, &llm.StatusError{StatusCode: http.StatusUnauthorized}
	}}
	c := NewCaller(stub, 100, 1, instantClock{}, nil)
	_, err := c.RestoreSegment(context.Background(), settings, "<table></table>", nil)
	if !llm.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if stub.calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", stub.calls.Load())
	}
}

func TestRestorePage_KeepsOrderAcrossConcurrentSegments(t *testing.T) {
	// The first table answers last so completion order differs from page order.
	release := make(chan struct{})
	stub := &funcCompleter{respond: func(user string) (llm.Completion, error) {
		switch {
		case strings.Contains(user, ">X<"):
			<-release
			return llm.Completion{Content: "<table><tr><th>X</th></tr></table>", Reasoning: "header row"}, nil
		default:
			close(release)
			return llm.Completion{Content: "Y as text"}, nil
		}
	}}
	c := NewCaller(stub, 100, 2, instantClock{}, nil)

	segs := segment.Split("A<table><tr><td>X</td></tr></table>B<table><tr><td>Y</td></tr></table>C")
	res, err := c.RestorePage(context.Background(), settings, segs, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "A<table><tr><th>X</th></tr></table>BY as textC"
	if res.Restored != want {
		t.Errorf("expected %q, got %q", want, res.Restored)
	}
	if !res.HasTable || res.Reason != ReasonLayoutCleaned || res.Tables != 2 || res.Fallbacks != 0 {
		t.Errorf("unexpected summary %+v", res)
	}
	if !strings.Contains(res.Reasoning, "header row") {
		t.Errorf("expected reasoning accumulated, got %q", res.Reasoning)
	}
}

func TestRestorePage_Reasons(t *testing.T) {
	segs := segment.Split("<table><tr><td>1</td></tr></table>")

	keep := &funcCompleter{respond: func(user string) (llm.Completion, error) {
		return llm.Completion{Content: "<table><tr><td>1</td></tr></table>"}, nil
	}}
	res, err := NewCaller(keep, 100, 1, instantClock{}, nil).RestorePage(context.Background(), settings, segs, nil)
	if err != nil || res.Reason != ReasonTablesPreserved || !res.HasTable {
		t.Errorf("expected tables_preserved, got %+v (%v)", res, err)
	}

	fail := &funcCompleter{respond: func(string) (llm.Completion, error) {
		return llm.Completion{}, errors.New("boom")
	}}
	res, err = NewCaller(fail, 100, 1, instantClock{}, nil).RestorePage(context.Background(), settings, segs, nil)
	if err != nil || res.Reason != ReasonFallback || res.Restored != segs[0].Text {
		t.Errorf("expected restoration_fallback with original text, got %+v (%v)", res, err)
	}
}

func TestRestorePage_CancelledIsAborted(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	stub := &funcCompleter{respond: func(string) (llm.Completion, error) {
		once.Do(func() { close(started) })
		return llm.Completion{}, errors.New("slow")
	}}
	blocking := blockingClock{}
	c := NewCaller(stub, 100, 1, blocking, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RestorePage(ctx, settings, segment.Split("<table></table>"), nil)
		done <- err
	}()
	<-started
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, retry.ErrAborted) {
			t.Errorf("expected aborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("restoration did not stop on cancel")
	}
}

type blockingClock struct{}

func (blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestHasTableElement(t *testing.T) {
	tests := map[string]bool{
		"<TABLE class=x><tr><td>1</td></tr></TABLE>": true,
		"plain text about a table":                   false,
		"<p>&lt;table&gt;</p>":                       false,
		"":                                           false,
	}
	for in, want := range tests {
		if got := HasTableElement(in); got != want {
			t.Errorf("HasTableElement(%q) = %v, want %v", in, got, want)
		}
	}
}
