package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/restore"
	"github.com/WiseWong6/pdf/internal/retry"
	"github.com/WiseWong6/pdf/internal/segment"
)

// Recognizer runs OCR on one page image.
type Recognizer interface {
	Recognize(ctx context.Context, settings config.Settings, img []byte, instruction string) (string, error)
}

// Restorer re-verifies the table segments of one page.
type Restorer interface {
	RestorePage(ctx context.Context, settings config.Settings, segs []segment.Segment, img []byte) (restore.PageResult, error)
}

// PageRunner drives single pages through their state machine, publishing
// every transition to the store as a whole-page replacement.
type PageRunner struct {
	store    *Store
	ocr      Recognizer
	restorer Restorer
	detect   segment.Detector
	log      *slog.Logger
}

func NewPageRunner(store *Store, ocr Recognizer, restorer Restorer, detect segment.Detector, log *slog.Logger) *PageRunner {
	if detect == nil {
		detect = segment.ContainsTableMarkup
	}
	if log == nil {
		log = slog.Default()
	}
	return &PageRunner{store: store, ocr: ocr, restorer: restorer, detect: detect, log: log}
}

// OCR runs the OCR call for a page and publishes ocr_success with the raw
// text. Failures are recorded on the page and returned; a cancelled run
// leaves the page untouched and returns retry.ErrAborted.
func (r *PageRunner) OCR(ctx context.Context, docID string, settings config.Settings, page Page, instruction string) (Page, error) {
	text, err := r.ocr.Recognize(ctx, settings, page.Image, instruction)
	if err != nil {
		if errors.Is(err, retry.ErrAborted) {
			return page, err
		}
		page.Status = PageError
		page.ErrorMessage = err.Error()
		if _, aerr := r.store.Apply(docID, SetPage(page)); aerr != nil {
			return page, aerr
		}
		return page, err
	}

	page.RawOCR = text
	page.Restored = nil
	page.Verification = nil
	page.ErrorMessage = ""
	page.Status = PageOCRSuccess
	_, err = r.store.Apply(docID, SetPage(page))
	return page, err
}

// Recognize runs OCR and then decides on restoration. The raw text is
// published before the decision. Pages without table markup are completed
// here without any restoration call; needsRestore reports the others.
func (r *PageRunner) Recognize(ctx context.Context, docID string, settings config.Settings, page Page, instruction string) (needsRestore bool, err error) {
	page, err = r.OCR(ctx, docID, settings, page, instruction)
	if err != nil {
		return false, err
	}
	if r.detect(page.RawOCR) {
		return true, nil
	}
	page.Status = PageComplete
	page.Verification = &Verification{HasTable: false, Reason: restore.ReasonNoTable}
	_, err = r.store.Apply(docID, SetPage(page))
	return false, err
}

// Restore moves a page from ocr_success (or a terminal state) to restoring,
// re-verifies its table segments and completes it. Restoration failures end
// on the page; cancellation returns the page to ocr_success and yields
// retry.ErrAborted.
func (r *PageRunner) Restore(ctx context.Context, docID string, settings config.Settings, index int) error {
	claimed, err := r.claimRestore(docID, index)
	if err != nil {
		return err
	}
	return r.restoreClaimed(ctx, docID, settings, claimed)
}

// claimRestore marks a page restoring. The raw text is read at claim time so
// edits made before the claim are honored.
func (r *PageRunner) claimRestore(docID string, index int) (Page, error) {
	var claimed Page
	_, err := r.store.Apply(docID, UpdatePage(index, func(p *Page) error {
		if p.Busy() {
			return fmt.Errorf("page %d is %s: %w", index, p.Status, ErrBusy)
		}
		if p.RawOCR == "" {
			return fmt.Errorf("page %d has no OCR text: %w", index, ErrInvalid)
		}
		p.Status = PageRestoring
		p.ErrorMessage = ""
		claimed = *p
		return nil
	}))
	return claimed, err
}

func (r *PageRunner) restoreClaimed(ctx context.Context, docID string, settings config.Settings, page Page) error {
	log := r.log.With("doc_id", docID, "page", page.Index)
	if !r.detect(page.RawOCR) {
		page.Restored = nil
		page.Status = PageComplete
		page.Verification = &Verification{HasTable: false, Reason: restore.ReasonNoTable}
		_, err := r.store.Apply(docID, SetPage(page))
		return err
	}

	res, err := r.restorer.RestorePage(ctx, settings, segment.Split(page.RawOCR), page.Image)
	switch {
	case errors.Is(err, retry.ErrAborted) || (err != nil && ctx.Err() != nil):
		page.Status = PageOCRSuccess
		if _, err := r.store.Apply(docID, SetPage(page)); err != nil {
			log.Warn("reset aborted page failed", "error", err)
		}
		return retry.ErrAborted
	case err != nil:
		log.Error("restoration failed", "error", err)
		page.Status = PageError
		page.ErrorMessage = err.Error()
		_, aerr := r.store.Apply(docID, SetPage(page))
		return aerr
	}

	if res.Fallbacks > 0 {
		log.Warn("restoration fell back to original segments", "fallbacks", res.Fallbacks, "tables", res.Tables)
	}
	page.Restored = strPtr(res.Restored)
	page.Status = PageComplete
	page.Verification = &Verification{
		HasTable:       res.HasTable,
		Reason:         res.Reason,
		ModelReasoning: res.Reasoning,
	}
	_, err = r.store.Apply(docID, SetPage(page))
	return err
}
