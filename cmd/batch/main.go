// Command batch runs every PDF in a directory through OCR and table
// restoration and appends the pages to a dataset CSV.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/WiseWong6/pdf/internal/config"
	"github.com/WiseWong6/pdf/internal/export"
	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/ocr"
	"github.com/WiseWong6/pdf/internal/pagerange"
	"github.com/WiseWong6/pdf/internal/pipeline"
	"github.com/WiseWong6/pdf/internal/render"
	"github.com/WiseWong6/pdf/internal/restore"
	"github.com/WiseWong6/pdf/internal/retry"
)

const flushEvery = 50

func main() {
	var (
		pdfDir = flag.String("pdf-dir", ".", "directory containing the PDFs to process")
		out    = flag.String("out", "dataset.csv", "dataset CSV to append to")
		resume = flag.Bool("resume", false, "skip pages already present in the output")
		pages  = flag.String("pages", "all", "page range applied to every PDF, e.g. 1-3,5")
		report = flag.String("report", "", "optional CSV of per-page table verdicts")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	settings, err := config.NewSettingsStore(cfg.DefaultSettings(), cfg.SettingsFile)
	if err != nil {
		log.Error("load settings", "error", err)
		os.Exit(1)
	}
	if settings.Snapshot().APIKey == "" {
		log.Error("SILICONFLOW_API_KEY is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := llm.NewStats(cfg.StatsWindow)
	client := llm.NewClient(cfg.LLMBaseURL, cfg.LLMHTTPTimeout, stats)
	defer client.Close()

	store := pipeline.NewStore()
	runner := pipeline.NewPageRunner(store,
		ocr.NewCaller(client, cfg.OCRMaxTokens, retry.RealClock, log),
		restore.NewCaller(client, cfg.RestoreMaxTokens, cfg.MaxConcurrentRestore, retry.RealClock, log),
		nil, log)
	renderer := render.Renderer{Opts: render.Options{
		DPI:      cfg.RenderDPI,
		MaxSide:  cfg.MaxImageSide,
		Pdftoppm: cfg.PdftoppmPath,
		Timeout:  cfg.RenderTimeout,
	}}
	b := newBatch(store, pipeline.NewWorker(store, renderer, runner, settings, log), *pages, log)

	if err := b.run(ctx, *pdfDir, *out, *report, *resume); err != nil {
		log.Error("batch failed", "error", err)
		os.Exit(1)
	}
	log.Info("llm stats", "stats", stats.Snapshot())
}

type batch struct {
	store  *pipeline.Store
	worker *pipeline.Worker
	pages  string
	log    *slog.Logger

	out     *csvOut
	report  *csvOut
	seen    map[string]bool
	pending int
	written int
}

func newBatch(store *pipeline.Store, worker *pipeline.Worker, pages string, log *slog.Logger) *batch {
	return &batch{store: store, worker: worker, pages: pages, log: log, seen: map[string]bool{}}
}

func (b *batch) run(ctx context.Context, dir, out, report string, resume bool) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.pdf"))
	if err != nil {
		return fmt.Errorf("list pdfs: %w", err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		b.log.Warn("no pdf files found", "dir", dir)
		return nil
	}

	if resume {
		if b.seen, err = readExisting(out); err != nil {
			return err
		}
		b.log.Info("resuming", "existing_records", len(b.seen))
	}

	if b.out, err = openAppend(out, export.Columns); err != nil {
		return err
	}
	defer b.out.Close()
	if report != "" {
		if b.report, err = openAppend(report, export.ReportColumns); err != nil {
			return err
		}
		defer b.report.Close()
	}

	for i, path := range files {
		if ctx.Err() != nil {
			b.log.Warn("interrupted", "remaining", len(files)-i)
			break
		}
		if err := b.processFile(ctx, path); err != nil {
			b.log.Error("file failed", "file", filepath.Base(path), "error", err)
		}
	}
	if err := b.flush(); err != nil {
		return err
	}
	b.log.Info("batch done", "files", len(files), "records_written", b.written, "output", out)
	return nil
}

func (b *batch) processFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	total, err := render.PDFPageCount(data)
	if err != nil {
		return err
	}

	todo := 0
	for _, p := range pagerange.Resolve(b.pages, total) {
		if !b.seen[export.RecordName(name, p)] {
			todo++
		}
	}
	if todo == 0 {
		b.log.Info("skipping processed file", "file", name)
		return nil
	}

	doc := pipeline.NewDocument(uuid.NewString(), name, data, b.pages, total)
	if err := b.store.Add(doc); err != nil {
		return err
	}
	defer b.store.Delete(doc.ID)
	if _, err := b.store.Apply(doc.ID, pipeline.SetStatus(pipeline.StatusProcessing, "processing")); err != nil {
		return err
	}
	if err := b.worker.Process(ctx, doc.ID); err != nil {
		return err
	}

	done, err := b.store.Get(doc.ID)
	if err != nil {
		return err
	}
	verdicts := make(map[string]export.ReportRow)
	for _, row := range export.DocumentReport(done) {
		verdicts[export.RecordName(name, row.Page)] = row
	}
	// Only completed pages are written: a page interrupted mid-restoration
	// must be picked up again by -resume.
	for _, rec := range export.CompletedRecords(done, "") {
		if b.seen[rec.Name] {
			continue
		}
		if err := b.append(rec, verdicts[rec.Name]); err != nil {
			return err
		}
	}
	b.log.Info("file processed", "file", name, "status", done.Status, "message", done.Message)
	if done.Status == pipeline.StatusError {
		return errors.New(done.Message)
	}
	return nil
}

func (b *batch) append(rec export.Record, verdict export.ReportRow) error {
	if err := export.WriteRecord(b.out.w, rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if b.report != nil {
		if err := export.WriteReportRow(b.report.w, verdict); err != nil {
			return fmt.Errorf("write report row: %w", err)
		}
	}
	b.seen[rec.Name] = true
	b.written++
	b.pending++
	if b.pending >= flushEvery {
		b.pending = 0
		return b.flush()
	}
	return nil
}

func (b *batch) flush() error {
	if err := b.out.w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if b.report != nil {
		if err := b.report.w.Flush(); err != nil {
			return fmt.Errorf("flush report: %w", err)
		}
	}
	return nil
}

// csvOut is an append-only CSV file. A fresh file starts with a BOM so
// spreadsheet tools detect UTF-8, followed by the header.
type csvOut struct {
	f   *os.File
	bom io.WriteCloser
	w   *bufio.Writer
}

func openAppend(path string, header []string) (*csvOut, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	c := &csvOut{f: f}
	if info.Size() > 0 {
		c.w = bufio.NewWriter(f)
		return c, nil
	}
	c.bom = transform.NewWriter(f, unicode.UTF8BOM.NewEncoder())
	c.w = bufio.NewWriter(c.bom)
	if err := export.WriteRow(c.w, header...); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *csvOut) Close() error {
	err := c.w.Flush()
	if c.bom != nil {
		err = errors.Join(err, c.bom.Close())
	}
	return errors.Join(err, c.f.Close())
}

// readExisting returns the record names already in out. A missing file is
// an empty dataset.
func readExisting(out string) (map[string]bool, error) {
	f, err := os.Open(out)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open existing output: %w", err)
	}
	defer f.Close()
	return export.ReadNames(transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
}
