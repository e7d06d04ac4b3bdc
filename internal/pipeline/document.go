package pipeline

import (
	"slices"
	"time"
)

// DocStatus represents the lifecycle state of an uploaded document.
type DocStatus string

const (
	StatusWaitingConfig DocStatus = "waiting_config"
	StatusQueued        DocStatus = "queued"
	StatusProcessing    DocStatus = "processing"
	StatusCompleted     DocStatus = "completed"
	StatusError         DocStatus = "error"
	StatusStopped       DocStatus = "stopped"
)

// PageStatus is the state of one page. complete and error are terminal.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageOCRSuccess PageStatus = "ocr_success"
	PageRestoring  PageStatus = "restoring"
	PageComplete   PageStatus = "complete"
	PageError      PageStatus = "error"
)

// ViewMode selects which per-page text the reconstructed document uses.
type ViewMode string

const (
	ViewRestored ViewMode = "restored"
	ViewRaw      ViewMode = "raw"
)

// ParseViewMode maps user input to a view mode. ok is false for unknown values.
func ParseViewMode(s string) (ViewMode, bool) {
	switch ViewMode(s) {
	case ViewRestored, ViewRaw:
		return ViewMode(s), true
	}
	return "", false
}

// Verification summarizes the restoration decision for a page.
type Verification struct {
	HasTable       bool   `json:"has_table"`
	Reason         string `json:"reason"`
	ModelReasoning string `json:"model_reasoning,omitempty"`
}

// Page is one physical page's processing record, addressed by its logical
// index in the document's page map.
type Page struct {
	Index        int           `json:"index"`
	PhysicalPage int           `json:"physical_page"`
	RawOCR       string        `json:"raw_ocr"`
	Restored     *string       `json:"restored"`
	Status       PageStatus    `json:"status"`
	Verification *Verification `json:"verification,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`

	// Image is the rendered bitmap, kept for export and manual retries.
	Image []byte `json:"-"`
}

// Busy reports whether a pipeline stage currently owns the page.
func (p Page) Busy() bool {
	return p.Status == PagePending || p.Status == PageRestoring
}

// Document is one uploaded source file.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	PageRange  string    `json:"page_range"`
	TotalPages int       `json:"total_pages"`
	PageMap    []int     `json:"page_map"`
	Status     DocStatus `json:"status"`
	Message    string    `json:"message"`
	Pages      []Page    `json:"pages"`
	ViewMode   ViewMode  `json:"view_mode"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	source []byte
	seq    uint64
}

// NewDocument builds a document for an upload. A multi-page PDF uploaded
// without a page range waits for configuration; everything else is queued.
func NewDocument(id, name string, source []byte, pageRange string, totalPages int) *Document {
	now := time.Now()
	d := &Document{
		ID:         id,
		Name:       name,
		Size:       int64(len(source)),
		PageRange:  pageRange,
		TotalPages: totalPages,
		Status:     StatusQueued,
		Message:    "queued",
		ViewMode:   ViewRestored,
		CreatedAt:  now,
		UpdatedAt:  now,
		source:     source,
	}
	if pageRange == "" && totalPages > 1 {
		d.Status = StatusWaitingConfig
		d.Message = "select pages to process"
	}
	return d
}

// Active reports whether the document sits in the queue or is being processed.
func (d *Document) Active() bool {
	return d.Status == StatusQueued || d.Status == StatusProcessing
}

// Counts returns the number of pages per status.
func (d *Document) Counts() map[PageStatus]int {
	out := make(map[PageStatus]int, 5)
	for _, p := range d.Pages {
		out[p.Status]++
	}
	return out
}

// clone returns a copy that shares no mutable state with d. Page text
// pointers are copied too so callers can never write through them.
func (d *Document) clone() Document {
	c := *d
	c.PageMap = slices.Clone(d.PageMap)
	c.Pages = slices.Clone(d.Pages)
	for i := range c.Pages {
		if r := c.Pages[i].Restored; r != nil {
			v := *r
			c.Pages[i].Restored = &v
		}
		if v := c.Pages[i].Verification; v != nil {
			vv := *v
			c.Pages[i].Verification = &vv
		}
	}
	return c
}

func strPtr(s string) *string { return &s }
