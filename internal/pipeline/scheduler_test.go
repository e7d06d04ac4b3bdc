package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func status(s *Store, id string) DocStatus {
	d, err := s.Get(id)
	if err != nil {
		return ""
	}
	return d.Status
}

func TestScheduler_AdmitsOneDocumentAtATimeInOrder(t *testing.T) {
	h := newHarness(1, testSettings)
	h.ocr.gate = make(chan struct{})

	var mu sync.Mutex
	maxProcessing := 0
	var started []string
	h.store.Subscribe(func(id string, st DocStatus) {
		n := 0
		for _, d := range h.store.List() {
			if d.Status == StatusProcessing {
				n++
			}
		}
		mu.Lock()
		defer mu.Unlock()
		maxProcessing = max(maxProcessing, n)
		if st == StatusProcessing {
			started = append(started, id)
		}
	})

	s := NewScheduler(h.store, h.worker, 1, nil)
	s.Start(context.Background())
	defer s.Stop()

	h.add("first", "a.pdf", "")
	h.add("second", "b.pdf", "")

	waitFor(t, "first processing", func() bool { return status(h.store, "first") == StatusProcessing })
	if st := status(h.store, "second"); st != StatusQueued {
		t.Fatalf("second document must wait, got %s", st)
	}

	close(h.ocr.gate)
	waitFor(t, "both completed", func() bool {
		return status(h.store, "first") == StatusCompleted && status(h.store, "second") == StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	if maxProcessing != 1 {
		t.Errorf("expected at most one processing document, saw %d", maxProcessing)
	}
	if len(started) != 2 || started[0] != "first" || started[1] != "second" {
		t.Errorf("expected FIFO admission, got %v", started)
	}
}

func TestScheduler_CancelQueuedAndRunning(t *testing.T) {
	h := newHarness(1, testSettings)
	h.ocr.gate = make(chan struct{})
	s := NewScheduler(h.store, h.worker, 1, nil)
	s.Start(context.Background())
	defer s.Stop()

	h.add("running", "a.pdf", "")
	h.add("waiting", "b.pdf", "")
	waitFor(t, "running processing", func() bool { return status(h.store, "running") == StatusProcessing })

	if err := s.Cancel("waiting"); err != nil {
		t.Fatal(err)
	}
	if st := status(h.store, "waiting"); st != StatusStopped {
		t.Errorf("expected queued document stopped, got %s", st)
	}

	if err := s.Cancel("running"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "running stopped", func() bool { return status(h.store, "running") == StatusStopped })
	waitFor(t, "slot released", func() bool { return s.ActiveCount() == 0 })

	// Requeue and let it finish.
	close(h.ocr.gate)
	if _, err := s.Requeue("running"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "requeued completes", func() bool { return status(h.store, "running") == StatusCompleted })
}

func TestScheduler_ConfigureAndRemove(t *testing.T) {
	h := newHarness(5, testSettings)
	s := NewScheduler(h.store, h.worker, 1, nil)
	s.Start(context.Background())
	defer s.Stop()

	d := NewDocument("d1", "big.pdf", []byte("%PDF"), "", 5)
	s.Submit(d)
	time.Sleep(20 * time.Millisecond)
	if st := status(h.store, "d1"); st != StatusWaitingConfig {
		t.Fatalf("expected waiting_config, got %s", st)
	}

	if _, err := s.Configure("d1", "2,4"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "configured document completes", func() bool { return status(h.store, "d1") == StatusCompleted })
	doc, _ := h.store.Get("d1")
	if len(doc.Pages) != 2 || doc.Pages[1].PhysicalPage != 4 {
		t.Errorf("unexpected pages %+v", doc.Pages)
	}

	if _, err := s.Requeue("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Remove("d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Get("d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected document removed, got %v", err)
	}
}

func TestScheduler_ManualActions(t *testing.T) {
	h := newHarness(1, testSettings)
	h.ocr.texts["page-1"] = tableText
	s := NewScheduler(h.store, h.worker, 1, nil)
	s.Start(context.Background())
	defer s.Stop()

	h.add("d1", "a.pdf", "")
	waitFor(t, "completed", func() bool { return status(h.store, "d1") == StatusCompleted })

	if err := s.RetryPage("d1", 0, "ocr"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retry parked", func() bool {
		d, _ := h.store.Get("d1")
		return d.Pages[0].Status == PageOCRSuccess && !h.worker.Busy("d1")
	})
	if err := s.RestorePage("d1", 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "restored", func() bool {
		d, _ := h.store.Get("d1")
		return d.Pages[0].Status == PageComplete && d.Pages[0].Restored != nil
	})
	if err := s.RestorePage("d1", 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown page, got %v", err)
	}
}

func TestScheduler_CancelRacingAdmissionAlwaysStops(t *testing.T) {
	h := newHarness(1, testSettings)
	h.ocr.gate = make(chan struct{}) // runs only end through cancellation
	s := NewScheduler(h.store, h.worker, 1, nil)
	s.Start(context.Background())
	defer s.Stop()

	for i := range 200 {
		id := fmt.Sprintf("doc-%d", i)
		h.add(id, "a.pdf", "")
		if err := s.Cancel(id); err != nil {
			t.Fatal(err)
		}
		waitFor(t, id+" stopped", func() bool { return status(h.store, id) == StatusStopped })
	}
	waitFor(t, "slots released", func() bool { return s.ActiveCount() == 0 })
}
