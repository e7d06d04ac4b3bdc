package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/WiseWong6/pdf/internal/export"
	"github.com/WiseWong6/pdf/internal/pipeline"
)

// viewMode reads the optional "mode" query parameter. Empty means the
// document's own view mode.
func viewMode(r *http.Request) (pipeline.ViewMode, error) {
	v := r.URL.Query().Get("mode")
	if v == "" {
		return "", nil
	}
	mode, ok := pipeline.ParseViewMode(v)
	if !ok {
		return "", fmt.Errorf("unknown view mode %q: %w", v, pipeline.ErrInvalid)
	}
	return mode, nil
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	mode, err := viewMode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := s.store.Get(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	content := pipeline.Reconstruct(doc, mode)

	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, content)
	case "html":
		body, err := export.HTML(content)
		if err != nil {
			s.log.Error("render preview failed", "doc_id", doc.ID, "error", err)
			jsonError(w, "failed to render preview", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, export.HTMLPage(doc.Name, body))
	default:
		jsonError(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
	}
}

// handlePutContent replaces the whole reconstructed text. The body is split
// back into pages on the page separator.
func (s *Server) handlePutContent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content *string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Content == nil {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	doc, err := s.store.Apply(chi.URLParam(r, "docID"), pipeline.EditContent(*body.Content))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(doc))
}

func (s *Server) handlePutPage(w http.ResponseWriter, r *http.Request) {
	index, err := pageIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Text *string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Text == nil {
		jsonError(w, "text is required", http.StatusBadRequest)
		return
	}
	doc, err := s.store.Apply(chi.URLParam(r, "docID"), pipeline.EditPage(index, *body.Text))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc.Pages[index])
}

// handleRetryPage re-runs OCR for one page. An optional JSON body selects
// the instruction variant.
func (s *Server) handleRetryPage(w http.ResponseWriter, r *http.Request) {
	index, err := pageIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Variant string `json:"variant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "docID")
	if err := s.sched.RetryPage(id, index, body.Variant); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("page retry started", "doc_id", id, "page", index, "variant", body.Variant)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "retrying", "page": index})
}

func (s *Server) handleRestorePage(w http.ResponseWriter, r *http.Request) {
	index, err := pageIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "docID")
	if err := s.sched.RestorePage(id, index); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("page restoration started", "doc_id", id, "page", index)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "restoring", "page": index})
}
