package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Scheduler admits queued documents in FIFO order, at most maxActive at a
// time, and owns the cancellation of every run it starts.
type Scheduler struct {
	store     *Store
	worker    *Worker
	log       *slog.Logger
	maxActive int

	kick chan struct{}

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	active map[string]context.CancelFunc
	manual map[string]map[*manualOp]struct{}
	wg     sync.WaitGroup
}

func NewScheduler(store *Store, worker *Worker, maxActive int, log *slog.Logger) *Scheduler {
	if maxActive < 1 {
		maxActive = 1
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		store:     store,
		worker:    worker,
		log:       log,
		maxActive: maxActive,
		kick:      make(chan struct{}, 1),
		active:    make(map[string]context.CancelFunc),
		manual:    make(map[string]map[*manualOp]struct{}),
	}
	store.Subscribe(func(string, DocStatus) { s.wake() })
	return s
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start launches the admission loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base, s.cancel = context.WithCancel(ctx)
	base := s.base
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admit()
		for {
			select {
			case <-base.Done():
				return
			case <-s.kick:
				s.admit()
			}
		}
	}()
}

// Stop cancels every run and waits for them to wind down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil || s.base.Err() != nil {
		return
	}
	for _, id := range s.store.Queued() {
		if len(s.active) >= s.maxActive {
			return
		}
		if _, ok := s.active[id]; ok {
			continue
		}
		_, err := s.store.Apply(id, func(d *Document) error {
			if d.Status != StatusQueued {
				return fmt.Errorf("document is %s: %w", d.Status, ErrBusy)
			}
			return SetStatus(StatusProcessing, "starting")(d)
		})
		if err != nil {
			continue
		}
		ctx, cancel := context.WithCancel(s.base)
		s.active[id] = cancel
		s.wg.Add(1)
		go s.run(ctx, id)
	}
}

func (s *Scheduler) run(ctx context.Context, id string) {
	defer s.wg.Done()
	if err := s.worker.Process(ctx, id); err != nil {
		s.log.Error("document run failed", "doc_id", id, "error", err)
	}
	s.mu.Lock()
	if cancel, ok := s.active[id]; ok {
		cancel()
		delete(s.active, id)
	}
	s.mu.Unlock()
	s.wake()
}

// Submit adds an uploaded document.
func (s *Scheduler) Submit(d *Document) error {
	return s.store.Add(d)
}

// Configure sets the page range of a document that is not running and
// queues it.
func (s *Scheduler) Configure(id, pageRange string) (Document, error) {
	if s.worker.Busy(id) {
		return Document{}, fmt.Errorf("page action in progress: %w", ErrBusy)
	}
	return s.store.Apply(id, func(d *Document) error {
		if d.Active() {
			return fmt.Errorf("document is %s: %w", d.Status, ErrBusy)
		}
		d.PageRange = pageRange
		d.PageMap = nil
		d.Pages = nil
		return nil
	}, SetStatus(StatusQueued, "queued"))
}

// Requeue puts a finished, failed or stopped document back in the queue.
// Its pages are processed again from scratch.
func (s *Scheduler) Requeue(id string) (Document, error) {
	if s.worker.Busy(id) {
		return Document{}, fmt.Errorf("page action in progress: %w", ErrBusy)
	}
	return s.store.Apply(id, func(d *Document) error {
		switch d.Status {
		case StatusCompleted, StatusError, StatusStopped:
		default:
			return fmt.Errorf("document is %s: %w", d.Status, ErrBusy)
		}
		d.PageMap = nil
		d.Pages = nil
		return nil
	}, SetStatus(StatusQueued, "queued"))
}

// Cancel stops a document. A running document winds down to stopped; a
// queued one is taken out of the queue. Manual page actions are aborted.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	cancel, running := s.active[id]
	manual := s.manual[id]
	delete(s.manual, id)
	var err error
	if !running {
		// Still holding mu: admit cannot start the document under us.
		_, err = s.store.Apply(id, func(d *Document) error {
			if d.Status == StatusQueued {
				return SetStatus(StatusStopped, "stopped before processing")(d)
			}
			return nil
		})
	}
	s.mu.Unlock()

	for op := range manual {
		op.cancel()
	}
	if running {
		cancel()
	}
	return err
}

// Remove cancels and deletes a document.
func (s *Scheduler) Remove(id string) error {
	if err := s.Cancel(id); err != nil {
		return err
	}
	return s.store.Delete(id)
}

// RetryPage starts a manual OCR retry in the background.
func (s *Scheduler) RetryPage(id string, index int, variant string) error {
	run, err := s.worker.PrepareRetry(id, index, variant)
	if err != nil {
		return err
	}
	s.goManual(id, run)
	return nil
}

// RestorePage starts a manual restoration in the background.
func (s *Scheduler) RestorePage(id string, index int) error {
	run, err := s.worker.PrepareRestore(id, index)
	if err != nil {
		return err
	}
	s.goManual(id, run)
	return nil
}

type manualOp struct {
	cancel context.CancelFunc
}

func (s *Scheduler) goManual(id string, run func(ctx context.Context) error) {
	s.mu.Lock()
	parent := s.base
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	op := &manualOp{cancel: cancel}
	if s.manual[id] == nil {
		s.manual[id] = make(map[*manualOp]struct{})
	}
	s.manual[id][op] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.manual[id], op)
			if len(s.manual[id]) == 0 {
				delete(s.manual, id)
			}
			s.mu.Unlock()
		}()
		if err := run(ctx); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("page action ended with error", "doc_id", id, "error", err)
		}
	}()
}

// ActiveCount returns the number of documents being processed.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
