package export

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/WiseWong6/pdf/internal/llm"
	"github.com/WiseWong6/pdf/internal/pipeline"
)

// Columns is the fixed dataset header.
var Columns = []string{"name", "ocr_text", "image"}

// Record is one dataset row. Name is the uniqueness key.
type Record struct {
	Name  string
	Text  string
	Image []byte
}

// Dataset keeps records unique by name. Adding a name again replaces the
// earlier record in place.
type Dataset struct {
	rows  []Record
	index map[string]int
}

func NewDataset() *Dataset {
	return &Dataset{index: make(map[string]int)}
}

func (d *Dataset) Add(recs ...Record) {
	for _, r := range recs {
		if i, ok := d.index[r.Name]; ok {
			d.rows[i] = r
			continue
		}
		d.index[r.Name] = len(d.rows)
		d.rows = append(d.rows, r)
	}
}

func (d *Dataset) Len() int { return len(d.rows) }

func (d *Dataset) Records() []Record { return d.rows }

// WriteCSV writes the header and every record.
func (d *Dataset) WriteCSV(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := WriteRow(bw, Columns...); err != nil {
		return err
	}
	for _, r := range d.rows {
		if err := WriteRecord(bw, r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteRecord writes r as one CSV row. Images travel as data URLs.
func WriteRecord(w io.Writer, r Record) error {
	img := ""
	if len(r.Image) > 0 {
		img = llm.ImageDataURL(r.Image)
	}
	return WriteRow(w, r.Name, r.Text, img)
}

// WriteRow writes one row with every field double-quoted, embedded quotes
// doubled and a CRLF terminator.
func WriteRow(w io.Writer, fields ...string) error {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(f, `"`, `""`))
		sb.WriteByte('"')
	}
	sb.WriteString("\r\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// RecordName names the dataset record of one physical page.
func RecordName(docName string, physicalPage int) string {
	base := strings.TrimSuffix(filepath.Base(docName), filepath.Ext(docName))
	return fmt.Sprintf("%s_page_%d", base, physicalPage)
}

// DocumentRecords returns one record per page with OCR text. An empty mode
// uses the document's view mode.
func DocumentRecords(doc pipeline.Document, mode pipeline.ViewMode) []Record {
	return records(doc, mode, func(p pipeline.Page) bool {
		return p.Status == pipeline.PageOCRSuccess || p.Status == pipeline.PageComplete
	})
}

// CompletedRecords is DocumentRecords restricted to pages that finished the
// whole pipeline. A page left at ocr_success after an interrupted
// restoration is not included.
func CompletedRecords(doc pipeline.Document, mode pipeline.ViewMode) []Record {
	return records(doc, mode, func(p pipeline.Page) bool {
		return p.Status == pipeline.PageComplete
	})
}

func records(doc pipeline.Document, mode pipeline.ViewMode, keep func(pipeline.Page) bool) []Record {
	if mode == "" {
		mode = doc.ViewMode
	}
	var out []Record
	for _, p := range doc.Pages {
		if !keep(p) {
			continue
		}
		out = append(out, Record{
			Name:  RecordName(doc.Name, p.PhysicalPage),
			Text:  pipeline.PageText(p, mode),
			Image: p.Image,
		})
	}
	return out
}

// ReadNames returns the record names of an existing dataset CSV.
func ReadNames(r io.Reader) (map[string]bool, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	names := make(map[string]bool)
	header := true
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset: %w", err)
		}
		if header {
			header = false
			if len(row) > 0 && row[0] == Columns[0] {
				continue
			}
		}
		if len(row) > 0 && row[0] != "" {
			names[row[0]] = true
		}
	}
}
