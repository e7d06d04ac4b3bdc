package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/pipeline"
	"github.com/WiseWong6/pdf/internal/render"
)

// documentSummary is the list view of a document, without page text.
type documentSummary struct {
	ID         string                      `json:"id"`
	Name       string                      `json:"name"`
	Size       int64                       `json:"size"`
	Status     pipeline.DocStatus          `json:"status"`
	Message    string                      `json:"message"`
	PageRange  string                      `json:"page_range"`
	TotalPages int                         `json:"total_pages"`
	ViewMode   pipeline.ViewMode           `json:"view_mode"`
	Pages      map[pipeline.PageStatus]int `json:"pages"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

func summarize(d pipeline.Document) documentSummary {
	return documentSummary{
		ID:         d.ID,
		Name:       d.Name,
		Size:       d.Size,
		Status:     d.Status,
		Message:    d.Message,
		PageRange:  d.PageRange,
		TotalPages: d.TotalPages,
		ViewMode:   d.ViewMode,
		Pages:      d.Counts(),
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// handleUpload accepts one or more "file" parts. An optional "pages" field
// applies the same page range to every file.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		jsonError(w, "file is required", http.StatusBadRequest)
		return
	}
	pages := strings.TrimSpace(r.FormValue("pages"))

	// Validate every file before queueing any of them.
	docs := make([]*pipeline.Document, 0, len(headers))
	for _, fh := range headers {
		doc, code, err := s.newDocument(fh, pages)
		if err != nil {
			jsonError(w, err.Error(), code)
			return
		}
		docs = append(docs, doc)
	}

	out := make([]documentSummary, 0, len(docs))
	for _, doc := range docs {
		if err := s.sched.Submit(doc); err != nil {
			jsonError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.log.Info("document uploaded", "doc_id", doc.ID, "name", doc.Name, "size", doc.Size, "total_pages", doc.TotalPages, "status", doc.Status)
		out = append(out, summarize(*doc))
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"documents": out})
}

func (s *Server) newDocument(fh *multipart.FileHeader, pages string) (*pipeline.Document, int, error) {
	filename := sanitizeFilename(fh.Filename)
	if !render.IsSupportedExtension(filename) {
		return nil, http.StatusBadRequest, fmt.Errorf("unsupported file type: %s", filepath.Ext(filename))
	}
	if fh.Size > s.cfg.MaxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to read %s", filename)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes)
	}

	total := 1
	if render.IsPDF(filename) {
		total, err = render.PDFPageCount(data)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("%s: %w", filename, err)
		}
	}
	return pipeline.NewDocument(uuid.NewString(), filename, data, pages, total), 0, nil
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs := s.store.List()
	out := make([]documentSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, summarize(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "docID")
	if err := s.sched.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("document deleted", "doc_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (s *Server) handleSetRange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pages string `json:"pages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := s.sched.Configure(chi.URLParam(r, "docID"), strings.TrimSpace(body.Pages))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(doc))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "docID")
	if err := s.sched.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(doc))
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	doc, err := s.sched.Requeue(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(doc))
}

func (s *Server) handleSetView(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	mode, ok := pipeline.ParseViewMode(body.Mode)
	if !ok {
		jsonError(w, fmt.Sprintf("unknown view mode %q", body.Mode), http.StatusBadRequest)
		return
	}
	doc, err := s.store.Apply(chi.URLParam(r, "docID"), pipeline.SetViewMode(mode))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(doc))
}

func pageIndex(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid page index %q: %w", chi.URLParam(r, "index"), pipeline.ErrInvalid)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pipeline.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalid), errors.Is(err, llm.ErrUnauthorized):
		code = http.StatusBadRequest
	}
	jsonError(w, err.Error(), code)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
