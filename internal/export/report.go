package export

import (
	"bufio"
	"io"
	"strconv"

	"github.com/WiseWong6/pdf/internal/pipeline"
	"github.com/WiseWong6/pdf/internal/segment"
)

// ReportColumns is the header of the per-page table report. ocr_has_table
// is the raw OCR detection; has_table is the verdict after restoration.
var ReportColumns = []string{"name", "page", "ocr_has_table", "has_table", "reason"}

type ReportRow struct {
	Name        string
	Page        int
	OCRHasTable bool
	HasTable    bool
	Reason      string
}

// DocumentReport returns one row per completed page.
func DocumentReport(doc pipeline.Document) []ReportRow {
	var out []ReportRow
	for _, p := range doc.Pages {
		if p.Status != pipeline.PageComplete {
			continue
		}
		row := ReportRow{
			Name:        doc.Name,
			Page:        p.PhysicalPage,
			OCRHasTable: segment.ContainsTableMarkup(p.RawOCR),
		}
		if v := p.Verification; v != nil {
			row.HasTable = v.HasTable
			row.Reason = v.Reason
		}
		out = append(out, row)
	}
	return out
}

func WriteReportRow(w io.Writer, r ReportRow) error {
	return WriteRow(w, r.Name, strconv.Itoa(r.Page), strconv.FormatBool(r.OCRHasTable), strconv.FormatBool(r.HasTable), r.Reason)
}

// WriteReport writes the header and rows.
func WriteReport(w io.Writer, rows []ReportRow) error {
	bw := bufio.NewWriter(w)
	if err := WriteRow(bw, ReportColumns...); err != nil {
		return err
	}
	for _, r := range rows {
		if err := WriteReportRow(bw, r); err != nil {
			return err
		}
	}
	return bw.Flush()
}
