package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/ocr"
	"github.com/WiseWong6/pdf/internal/pagerange"
	"github.com/WiseWong6/pdf/internal/render"
	"github.com/WiseWong6/pdf/internal/retry"
)

// Renderer opens an uploaded file as a source of page bitmaps.
type Renderer interface {
	Open(filename string, data []byte) (render.Source, error)
}

// SettingsSource hands out the settings snapshot a run works with.
type SettingsSource interface {
	Snapshot() config.Settings
}

type pageKey struct {
	doc   string
	index int
}

// Worker processes documents and runs manual page actions.
type Worker struct {
	store    *Store
	renderer Renderer
	pages    *PageRunner
	settings SettingsSource
	log      *slog.Logger

	mu     sync.Mutex
	manual map[pageKey]struct{}
}

func NewWorker(store *Store, renderer Renderer, pages *PageRunner, settings SettingsSource, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:    store,
		renderer: renderer,
		pages:    pages,
		settings: settings,
		log:      log,
		manual:   make(map[pageKey]struct{}),
	}
}

// Process runs a document end to end. OCR runs page by page; restoration of
// each page is started in the background as soon as its OCR text shows a
// table and every restoration is joined before the document completes.
// Cancelling ctx stops the document. Only store failures are returned;
// everything else ends up on the document.
func (w *Worker) Process(ctx context.Context, id string) error {
	log := w.log.With("doc_id", id)
	settings := w.settings.Snapshot()

	doc, err := w.store.Get(id)
	if err != nil {
		return err
	}
	if settings.APIKey == "" {
		return w.fail(id, "missing API credential")
	}
	data, err := w.store.Source(id)
	if err != nil {
		return err
	}
	src, err := w.renderer.Open(doc.Name, data)
	if err != nil {
		log.Error("open source failed", "error", err)
		return w.fail(id, err.Error())
	}
	defer src.Close()

	total := src.PageCount()
	pageMap := pagerange.Resolve(doc.PageRange, total)
	pages := make([]Page, len(pageMap))
	for i, phys := range pageMap {
		pages[i] = Page{Index: i, PhysicalPage: phys, Status: PagePending}
	}
	_, err = w.store.Apply(id, func(d *Document) error {
		d.TotalPages = total
		d.PageMap = pageMap
		d.Pages = pages
		d.Message = fmt.Sprintf("OCR 0/%d", len(pageMap))
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("processing document", "pages", len(pageMap), "total_pages", total, "range", pagerange.Format(pageMap, total))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		bg        errgroup.Group
		fatal     error
		restoring int
	)
	for i, phys := range pageMap {
		if runCtx.Err() != nil {
			break
		}
		page := pages[i]
		img, err := src.Render(runCtx, phys)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			if errors.Is(err, render.ErrUnavailable) {
				fatal = err
				break
			}
			log.Warn("render failed", "page", phys, "error", err)
			page.Status = PageError
			page.ErrorMessage = fmt.Sprintf("render page %d: %v", phys, err)
			if _, err := w.store.Apply(id, SetPage(page)); err != nil {
				fatal = err
				break
			}
			continue
		}
		page.Image = img

		needsRestore, err := w.pages.Recognize(runCtx, id, settings, page, "")
		if errors.Is(err, retry.ErrAborted) {
			break
		}
		if errors.Is(err, ErrNotFound) || llm.IsUnauthorized(err) {
			fatal = err
			break
		}
		if err != nil {
			log.Warn("ocr failed", "page", phys, "error", err)
		}
		if needsRestore {
			restoring++
			bg.Go(func() error {
				err := w.pages.Restore(runCtx, id, settings, i)
				if errors.Is(err, ErrBusy) || errors.Is(err, retry.ErrAborted) {
					return nil
				}
				return err
			})
		}
		if _, err := w.store.Apply(id, SetMessage(fmt.Sprintf("OCR %d/%d", i+1, len(pageMap)))); err != nil {
			log.Warn("update progress failed", "error", err)
		}
	}

	if fatal != nil {
		cancel()
	} else if restoring > 0 && runCtx.Err() == nil {
		if _, err := w.store.Apply(id, SetMessage(fmt.Sprintf("restoring tables on %d pages", restoring))); err != nil {
			log.Warn("update progress failed", "error", err)
		}
	}
	if err := bg.Wait(); err != nil && fatal == nil {
		fatal = err
	}

	switch {
	case errors.Is(fatal, ErrNotFound):
		log.Info("document removed while processing")
		return nil
	case ctx.Err() != nil:
		log.Info("document stopped")
		return w.finish(id, StatusStopped, "stopped by user")
	case fatal != nil:
		log.Error("document failed", "error", fatal)
		return w.fail(id, fatal.Error())
	}

	cur, err := w.store.Get(id)
	if err != nil {
		return err
	}
	counts := cur.Counts()
	msg := fmt.Sprintf("%d pages processed", len(cur.Pages))
	if n := counts[PageError]; n > 0 {
		msg = fmt.Sprintf("%d pages processed, %d failed", len(cur.Pages), n)
	}
	log.Info("document completed", "pages", len(cur.Pages), "failed", counts[PageError])
	return w.finish(id, StatusCompleted, msg)
}

func (w *Worker) fail(id, msg string) error {
	return w.finish(id, StatusError, msg)
}

// finish sets the final status. Pages caught mid-restoration go back to
// ocr_success so they can be restored again later.
func (w *Worker) finish(id string, status DocStatus, msg string) error {
	_, err := w.store.Apply(id, func(d *Document) error {
		for i := range d.Pages {
			if d.Pages[i].Status == PageRestoring {
				d.Pages[i].Status = PageOCRSuccess
			}
		}
		return nil
	}, SetStatus(status, msg))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Busy reports whether a manual page action is running for the document.
func (w *Worker) Busy(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.manual {
		if k.doc == id {
			return true
		}
	}
	return false
}

func (w *Worker) acquire(k pageKey) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.manual[k]; ok {
		return false
	}
	w.manual[k] = struct{}{}
	return true
}

func (w *Worker) release(k pageKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.manual, k)
}

// PrepareRetry claims a page for a fresh OCR pass with the given instruction
// variant and returns the function that runs it. The previous restored text
// is discarded and the page is left at ocr_success; restoration has to be
// requested separately.
func (w *Worker) PrepareRetry(id string, index int, variant string) (func(ctx context.Context) error, error) {
	settings := w.settings.Snapshot()
	if settings.APIKey == "" {
		return nil, fmt.Errorf("missing API credential: %w", llm.ErrUnauthorized)
	}
	k := pageKey{id, index}
	if !w.acquire(k) {
		return nil, fmt.Errorf("page %d: %w", index, ErrBusy)
	}

	var prior Page
	doc, err := w.store.Apply(id, func(d *Document) error {
		if d.Active() {
			return fmt.Errorf("document is %s: %w", d.Status, ErrBusy)
		}
		return UpdatePage(index, func(p *Page) error {
			if p.Status == PageRestoring {
				return fmt.Errorf("page %d is %s: %w", index, p.Status, ErrBusy)
			}
			prior = *p
			p.Status = PagePending
			p.Restored = nil
			p.Verification = nil
			p.ErrorMessage = ""
			return nil
		})(d)
	})
	if err != nil {
		w.release(k)
		return nil, err
	}

	instruction := ocr.Instruction(variant)
	return func(ctx context.Context) error {
		defer w.release(k)
		log := w.log.With("doc_id", id, "page", index)
		publish := func(p Page) {
			if _, err := w.store.Apply(id, SetPage(p)); err != nil {
				log.Warn("update page failed", "error", err)
			}
		}

		page := doc.Pages[index]
		if len(page.Image) == 0 {
			img, err := w.renderPage(ctx, doc, page.PhysicalPage)
			if err != nil {
				if ctx.Err() != nil {
					publish(prior)
					return retry.ErrAborted
				}
				page.Status = PageError
				page.ErrorMessage = err.Error()
				publish(page)
				return err
			}
			page.Image = img
		}

		_, err := w.pages.OCR(ctx, id, settings, page, instruction)
		if errors.Is(err, retry.ErrAborted) {
			publish(prior)
			return err
		}
		if err != nil {
			log.Warn("manual ocr retry failed", "error", err)
			return err
		}
		log.Info("manual ocr retry done", "variant", variant)
		return nil
	}, nil
}

// RetryPage runs a manual OCR retry to completion.
func (w *Worker) RetryPage(ctx context.Context, id string, index int, variant string) error {
	run, err := w.PrepareRetry(id, index, variant)
	if err != nil {
		return err
	}
	return run(ctx)
}

// PrepareRestore claims a page for a manual restoration pass over its
// current raw text and returns the function that runs it.
func (w *Worker) PrepareRestore(id string, index int) (func(ctx context.Context) error, error) {
	settings := w.settings.Snapshot()
	if settings.APIKey == "" {
		return nil, fmt.Errorf("missing API credential: %w", llm.ErrUnauthorized)
	}
	doc, err := w.store.Get(id)
	if err != nil {
		return nil, err
	}
	if doc.Active() {
		return nil, fmt.Errorf("document is %s: %w", doc.Status, ErrBusy)
	}
	k := pageKey{id, index}
	if !w.acquire(k) {
		return nil, fmt.Errorf("page %d: %w", index, ErrBusy)
	}
	claimed, err := w.pages.claimRestore(id, index)
	if err != nil {
		w.release(k)
		return nil, err
	}
	return func(ctx context.Context) error {
		defer w.release(k)
		return w.pages.restoreClaimed(ctx, id, settings, claimed)
	}, nil
}

// RestorePage runs a manual restoration to completion.
func (w *Worker) RestorePage(ctx context.Context, id string, index int) error {
	run, err := w.PrepareRestore(id, index)
	if err != nil {
		return err
	}
	return run(ctx)
}

func (w *Worker) renderPage(ctx context.Context, doc Document, phys int) ([]byte, error) {
	data, err := w.store.Source(doc.ID)
	if err != nil {
		return nil, err
	}
	src, err := w.renderer.Open(doc.Name, data)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return src.Render(ctx, phys)
}
