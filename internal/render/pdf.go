package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	pdflib "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pdfSource counts pages with ledongthuc/pdf, falling back to pdfcpu, and
// rasterizes them with pdftoppm, which needs the document on disk.
type pdfSource struct {
	data  []byte
	pages int
	opts  Options

	once    sync.Once
	tmpPath string
	tmpErr  error
}

func openPDF(data []byte, opts Options) (Source, error) {
	n, err := pdfPageCount(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", ErrUnreadable)
	}
	return &pdfSource{data: data, pages: n, opts: opts}, nil
}

// PDFPageCount returns the number of pages of a PDF document.
func PDFPageCount(data []byte) (int, error) {
	return pdfPageCount(data)
}

// pdfPageCount tries the fast reader first. Scanner output often carries
// broken cross-reference tables, which pdfcpu repairs in relaxed mode.
func pdfPageCount(data []byte) (int, error) {
	n, err := readerPageCount(data)
	if err == nil {
		return n, nil
	}
	n, cpuErr := cpuPageCount(data)
	if cpuErr != nil {
		return 0, fmt.Errorf("%w (pdfcpu: %v)", err, cpuErr)
	}
	return n, nil
}

func cpuPageCount(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}

func readerPageCount(data []byte) (n int, err error) {
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	return reader.NumPage(), nil
}

func (s *pdfSource) PageCount() int { return s.pages }

func (s *pdfSource) Render(ctx context.Context, page int) ([]byte, error) {
	if page < 1 || page > s.pages {
		return nil, fmt.Errorf("page %d out of range 1-%d", page, s.pages)
	}
	path, err := s.file()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	p := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, s.opts.Pdftoppm,
		"-png", "-r", strconv.Itoa(s.opts.DPI), "-f", p, "-l", p, "-singlefile", path, "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pdftoppm page %d: %w", page, ctx.Err())
		}
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", page, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pdftoppm page %d: no output", page)
	}
	return fitPNG(out, s.opts.MaxSide)
}

func (s *pdfSource) file() (string, error) {
	s.once.Do(func() {
		tmp, err := os.CreateTemp("", "pdf-ocr-*.pdf")
		if err != nil {
			s.tmpErr = fmt.Errorf("create temp file: %w", err)
			return
		}
		s.tmpPath = tmp.Name()
		if _, err := tmp.Write(s.data); err != nil {
			s.tmpErr = fmt.Errorf("write temp file: %w", err)
		}
		tmp.Close()
	})
	return s.tmpPath, s.tmpErr
}

func (s *pdfSource) Close() error {
	if s.tmpPath == "" {
		return nil
	}
	err := os.Remove(s.tmpPath)
	s.tmpPath = ""
	return err
}
