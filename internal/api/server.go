package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/pipeline"
)

// Server is the HTTP API for uploading documents, steering their processing
// and exporting the results.
type Server struct {
	router   chi.Router
	sched    *pipeline.Scheduler
	store    *pipeline.Store
	settings *config.SettingsStore
	stats    *llm.Stats
	log      *slog.Logger
	cfg      config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(sched *pipeline.Scheduler, store *pipeline.Store, settings *config.SettingsStore, stats *llm.Stats, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		sched:    sched,
		store:    store,
		settings: settings,
		stats:    stats,
		log:      log,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", s.handleUpload)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/export.csv", s.handleExportAllCSV)

		r.Route("/documents/{docID}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Delete("/", s.handleDeleteDocument)
			r.Put("/range", s.handleSetRange)
			r.Post("/stop", s.handleStop)
			r.Post("/requeue", s.handleRequeue)
			r.Put("/view", s.handleSetView)

			r.Get("/content", s.handleGetContent)
			r.Put("/content", s.handlePutContent)
			r.Put("/pages/{index}", s.handlePutPage)
			r.Post("/pages/{index}/retry", s.handleRetryPage)
			r.Post("/pages/{index}/restore", s.handleRestorePage)

			r.Get("/export.csv", s.handleExportCSV)
			r.Get("/export.docx", s.handleExportDOCX)
			r.Get("/report.csv", s.handleReportCSV)
		})

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/stats/llm", s.handleLLMStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
