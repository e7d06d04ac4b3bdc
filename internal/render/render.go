package render

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrUnreadable  = errors.New("unreadable source file")
	// ErrUnavailable means no page can be rendered on this host, for
	// example because pdftoppm is not installed.
	ErrUnavailable = errors.New("page renderer unavailable")
)

// Options tune rendering.
type Options struct {
	DPI      int
	MaxSide  int
	Pdftoppm string
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = 144
	}
	if o.Pdftoppm == "" {
		o.Pdftoppm = "pdftoppm"
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return o
}

// Source yields page bitmaps of one uploaded file. Pages are numbered from 1.
type Source interface {
	PageCount() int
	Render(ctx context.Context, page int) ([]byte, error)
	Close() error
}

// SupportedExtensions lists file extensions this service can handle.
var SupportedExtensions = map[string]bool{
	".pdf":  true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".bmp":  true,
	".webp": true,
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// IsPDF reports whether filename names a PDF.
func IsPDF(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) == ".pdf"
}

// Open returns the source for an uploaded file, chosen by extension.
func Open(filename string, data []byte, opts Options) (Source, error) {
	opts = opts.withDefaults()
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case !SupportedExtensions[ext]:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	case len(data) == 0:
		return nil, fmt.Errorf("%w: empty file", ErrUnreadable)
	case ext == ".pdf":
		return openPDF(data, opts)
	default:
		return openImage(data, opts)
	}
}

// Renderer opens sources with fixed options.
type Renderer struct {
	Opts Options
}

func (r Renderer) Open(filename string, data []byte) (Source, error) {
	return Open(filename, data, r.Opts)
}
