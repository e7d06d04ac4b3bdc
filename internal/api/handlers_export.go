package api

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/WiseWong6/pdf/internal/export"
	"github.com/WiseWong6/pdf/internal/pipeline"
)

func attachment(w http.ResponseWriter, contentType, name string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}

func baseName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
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
	ds := export.NewDataset()
	ds.Add(export.DocumentRecords(doc, mode)...)
	s.writeDataset(w, baseName(doc.Name)+".csv", ds)
}

// handleExportAllCSV merges every document into one dataset. Records with
// the same name keep the most recently listed document's row.
func (s *Server) handleExportAllCSV(w http.ResponseWriter, r *http.Request) {
	mode, err := viewMode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ds := export.NewDataset()
	for _, doc := range s.store.List() {
		ds.Add(export.DocumentRecords(doc, mode)...)
	}
	s.writeDataset(w, "dataset.csv", ds)
}

func (s *Server) writeDataset(w http.ResponseWriter, name string, ds *export.Dataset) {
	var buf bytes.Buffer
	if err := ds.WriteCSV(&buf); err != nil {
		s.log.Error("csv export failed", "error", err)
		jsonError(w, "failed to write csv", http.StatusInternalServerError)
		return
	}
	attachment(w, "text/csv; charset=utf-8", name)
	w.Write(buf.Bytes())
}

func (s *Server) handleExportDOCX(w http.ResponseWriter, r *http.Request) {
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
	if mode == "" {
		mode = doc.ViewMode
	}
	pages := make([]string, len(doc.Pages))
	for i, p := range doc.Pages {
		pages[i] = pipeline.PageText(p, mode)
	}

	var buf bytes.Buffer
	if err := export.DOCX(&buf, doc.Name, pages); err != nil {
		s.log.Error("docx export failed", "doc_id", doc.ID, "error", err)
		jsonError(w, "failed to write docx", http.StatusInternalServerError)
		return
	}
	attachment(w, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", baseName(doc.Name)+".docx")
	w.Write(buf.Bytes())
}

// handleReportCSV lists the table verdict of every completed page.
func (s *Server) handleReportCSV(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteReport(&buf, export.DocumentReport(doc)); err != nil {
		s.log.Error("report export failed", "doc_id", doc.ID, "error", err)
		jsonError(w, "failed to write report", http.StatusInternalServerError)
		return
	}
	attachment(w, "text/csv; charset=utf-8", baseName(doc.Name)+"_report.csv")
	w.Write(buf.Bytes())
}
