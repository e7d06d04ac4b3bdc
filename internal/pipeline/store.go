package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrBusy rejects a change to a document or page a pipeline stage owns.
	ErrBusy = errors.New("busy")
	// ErrInvalid rejects malformed edits.
	ErrInvalid = errors.New("invalid request")
)

// Patch mutates a working copy of a document. A patch returning an error
// discards the whole Apply call.
type Patch func(d *Document) error

// StatusListener observes document status changes, including additions
// and removals. It runs after the store lock is released.
type StatusListener func(id string, status DocStatus)

// Store is the single owner of document state. Callers read copies and
// write through patches.
type Store struct {
	mu        sync.Mutex
	docs      map[string]*Document
	order     []string
	seq       uint64
	listeners []StatusListener
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		docs: make(map[string]*Document),
		now:  time.Now,
	}
}

// Subscribe registers fn for status changes.
func (s *Store) Subscribe(fn StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(id string, status DocStatus) {
	s.mu.Lock()
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(id, status)
	}
}

// Add inserts a new document.
func (s *Store) Add(d *Document) error {
	s.mu.Lock()
	if _, ok := s.docs[d.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("document %s already exists", d.ID)
	}
	if d.Status == StatusQueued {
		s.seq++
		d.seq = s.seq
	}
	s.docs[d.ID] = d
	s.order = append(s.order, d.ID)
	status := d.Status
	s.mu.Unlock()

	s.notify(d.ID, status)
	return nil
}

// Get returns a copy of one document.
func (s *Store) Get(id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return d.clone(), nil
}

// List returns copies of every document in upload order.
func (s *Store) List() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.docs[id].clone())
	}
	return out
}

// Source returns the uploaded bytes of a document.
func (s *Store) Source(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return d.source, nil
}

// Apply runs patches against a copy of the document and commits the result
// only if every patch succeeds. Moving into queued puts the document at the
// back of the queue.
func (s *Store) Apply(id string, patches ...Patch) (Document, error) {
	s.mu.Lock()
	cur, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	next := cur.clone()
	for _, p := range patches {
		if err := p(&next); err != nil {
			s.mu.Unlock()
			return Document{}, err
		}
	}
	changed := next.Status != cur.Status
	if changed && next.Status == StatusQueued {
		s.seq++
		next.seq = s.seq
	}
	next.UpdatedAt = s.now()
	s.docs[id] = &next
	out := next.clone()
	s.mu.Unlock()

	if changed {
		s.notify(id, out.Status)
	}
	return out, nil
}

// Delete removes a document and drops its source bytes and page images.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	d.source = nil
	for i := range d.Pages {
		d.Pages[i].Image = nil
	}
	delete(s.docs, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	s.mu.Unlock()

	s.notify(id, "")
	return nil
}

// Queued returns the ids of queued documents, oldest first.
func (s *Store) Queued() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []*Document
	for _, d := range s.docs {
		if d.Status == StatusQueued {
			queued = append(queued, d)
		}
	}
	slices.SortFunc(queued, func(a, b *Document) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	ids := make([]string, len(queued))
	for i, d := range queued {
		ids[i] = d.ID
	}
	return ids
}

// SetStatus sets the document status and message.
func SetStatus(status DocStatus, msg string) Patch {
	return func(d *Document) error {
		d.Status = status
		d.Message = msg
		return nil
	}
}

// SetMessage updates the status message only.
func SetMessage(msg string) Patch {
	return func(d *Document) error {
		d.Message = msg
		return nil
	}
}

// SetPage replaces the page record at p.Index.
func SetPage(p Page) Patch {
	return func(d *Document) error {
		if p.Index < 0 || p.Index >= len(d.Pages) {
			return fmt.Errorf("page %d: %w", p.Index, ErrNotFound)
		}
		p.UpdatedAt = time.Now()
		d.Pages[p.Index] = p
		return nil
	}
}

// UpdatePage replaces the page at index with the result of fn applied to a
// copy of it.
func UpdatePage(index int, fn func(p *Page) error) Patch {
	return func(d *Document) error {
		if index < 0 || index >= len(d.Pages) {
			return fmt.Errorf("page %d: %w", index, ErrNotFound)
		}
		p := d.Pages[index]
		if err := fn(&p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now()
		d.Pages[index] = p
		return nil
	}
}

// SetViewMode switches the reconstructed view.
func SetViewMode(m ViewMode) Patch {
	return func(d *Document) error {
		d.ViewMode = m
		return nil
	}
}
