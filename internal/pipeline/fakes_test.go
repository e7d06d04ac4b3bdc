package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/render"
	"github.com/WiseWong6/pdf/internal/restore"
	"github.com/WiseWong6/pdf/internal/retry"
	"github.com/WiseWong6/pdf/internal/segment"
)

type fakeSettings struct{ s config.Settings }

func (f fakeSettings) Snapshot() config.Settings { return f.s }

var testSettings = fakeSettings{config.Settings{APIKey: "k", OCRModel: "o", RestoreModel: "r", RestoreRubric: "rubric"}}

type fakeSource struct{ pages int }

func (s fakeSource) PageCount() int { return s.pages }
func (s fakeSource) Close() error   { return nil }
func (s fakeSource) Render(_ context.Context, page int) ([]byte, error) {
	return []byte(fmt.Sprintf("page-%d", page)), nil
}

// fakeRenderer opens every .pdf as a document of pages pages.
type fakeRenderer struct{ pages int }

func (r fakeRenderer) Open(name string, data []byte) (render.Source, error) {
	if filepath.Ext(name) != ".pdf" {
		return nil, fmt.Errorf("%w: %q", render.ErrUnsupported, filepath.Ext(name))
	}
	return fakeSource{r.pages}, nil
}

// fakeOCR answers with texts keyed by rendered image ("page-N").
type fakeOCR struct {
	mu           sync.Mutex
	texts        map[string]string
	errs         map[string]error
	instructions []string
	order        []string
	gate         chan struct{}
}

func (f *fakeOCR) Recognize(ctx context.Context, _ config.Settings, img []byte, instruction string) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", retry.ErrAborted
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(img)
	f.instructions = append(f.instructions, instruction)
	f.order = append(f.order, key)
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	if t, ok := f.texts[key]; ok {
		return t, nil
	}
	return "text of " + key, nil
}

// fakeRestorer wraps restored pages in a marker. With block set it waits for
// cancellation instead.
type fakeRestorer struct {
	calls   atomic.Int32
	block   bool
	started chan struct{}
	once    sync.Once
	onCall  func()
}

func (f *fakeRestorer) RestorePage(ctx context.Context, _ config.Settings, segs []segment.Segment, _ []byte) (restore.PageResult, error) {
	f.calls.Add(1)
	if f.onCall != nil {
		f.onCall()
	}
	if f.block {
		if f.started != nil {
			f.once.Do(func() { close(f.started) })
		}
		<-ctx.Done()
		return restore.PageResult{}, retry.ErrAborted
	}
	return restore.PageResult{
		Restored: "restored:" + segment.Join(segs),
		HasTable: true,
		Reason:   restore.ReasonTablesPreserved,
		Tables:   segment.CountTables(segs),
	}, nil
}

type harness struct {
	store    *Store
	ocr      *fakeOCR
	restorer *fakeRestorer
	worker   *Worker
}

func newHarness(pages int, settings SettingsSource) *harness {
	h := &harness{
		store:    NewStore(),
		ocr:      &fakeOCR{texts: map[string]string{}, errs: map[string]error{}},
		restorer: &fakeRestorer{},
	}
	runner := NewPageRunner(h.store, h.ocr, h.restorer, nil, nil)
	h.worker = NewWorker(h.store, fakeRenderer{pages}, runner, settings, nil)
	return h
}

func (h *harness) add(id, name, pageRange string) {
	d := NewDocument(id, name, []byte("%PDF"), pageRange, 0)
	if err := h.store.Add(d); err != nil {
		panic(err)
	}
}

var errUnauthorized = &llm.StatusError{StatusCode: 401}
