package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/a-h/templ"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// Report formats for GET /imports/jobs/{jobID}/errors.
const (
	reportJSON = "json"
	reportCSV  = "csv"
	reportXLSX = "xlsx"
	reportHTML = "html"
)

const reportSheet = "Errors"

var reportHeader = []string{
	"row", "column", "raw_value", "message", "error_kind", "rule",
	"auto_fix_applied", "suggested_value", "confidence",
}

// errorReport is the JSON form of a job's error report.
type errorReport struct {
	JobID              string          `json:"jobId"`
	ImportType         core.ImportType `json:"importType"`
	Status             core.JobStatus  `json:"status"`
	SourceFileName     string          `json:"sourceFileName"`
	Counters           core.Counters   `json:"counters"`
	Errors             []core.RowError `json:"errors"`
	OmittedErrors      int             `json:"omittedErrors"`
	Corrections        []core.RowError `json:"corrections"`
	OmittedCorrections int             `json:"omittedCorrections"`
}

// handleErrorReport downloads the row errors of a job as JSON, CSV, XLSX
// or HTML, selected by the format query parameter.
func (s *Server) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = reportJSON
	}

	job, err := s.service.JobDetail(r.Context(), tenantOf(r), jobIDParam(r))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	filename := "import_errors_" + job.ID + "." + format
	switch format {
	case reportJSON:
		writeJSON(w, http.StatusOK, newErrorReport(job))
	case reportCSV:
		var buf bytes.Buffer
		if err := writeCSVReport(&buf, job.RowErrors); err != nil {
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
		w.Write(buf.Bytes())
	case reportXLSX:
		data, err := xlsxReport(job.RowErrors)
		if err != nil {
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
		w.Write(data)
	case reportHTML:
		var buf bytes.Buffer
		if err := htmlReport(job).Render(r.Context(), &buf); err != nil {
			s.respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	default:
		s.respondError(w, r, fmt.Errorf("unsupported report format %q", format), http.StatusBadRequest)
	}
}

func newErrorReport(job core.Job) errorReport {
	rep := errorReport{
		JobID:              job.ID,
		ImportType:         job.ImportType,
		Status:             job.Status,
		SourceFileName:     job.SourceFileName,
		Counters:           job.Counters,
		Errors:             job.RowErrors,
		OmittedErrors:      job.OmittedErrors,
		Corrections:        job.Corrections,
		OmittedCorrections: job.OmittedCorrections,
	}
	if rep.Errors == nil {
		rep.Errors = []core.RowError{}
	}
	if rep.Corrections == nil {
		rep.Corrections = []core.RowError{}
	}
	return rep
}

// reportRow flattens a RowError in reportHeader order.
func reportRow(e core.RowError) []string {
	confidence := ""
	if e.AutoFixConfidence != nil {
		confidence = strconv.FormatFloat(*e.AutoFixConfidence, 'f', 2, 64)
	}
	return []string{
		strconv.Itoa(e.Row),
		e.Column,
		e.RawValue,
		e.Message,
		string(e.Kind),
		string(e.Rule),
		strconv.FormatBool(e.AutoFixApplied),
		e.SuggestedValue,
		confidence,
	}
}

func writeCSVReport(w io.Writer, errs []core.RowError) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}
	for _, e := range errs {
		if err := cw.Write(reportRow(e)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func xlsxReport(errs []core.RowError) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	write := func(row int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		cells := make([]any, len(values))
		for i, v := range values {
			cells[i] = v
		}
		return f.SetSheetRow(reportSheet, cell, &cells)
	}

	if err := write(1, reportHeader); err != nil {
		return nil, fmt.Errorf("xlsx header: %w", err)
	}
	for i, e := range errs {
		values := reportRow(e)
		if err := write(i+2, values); err != nil {
			return nil, fmt.Errorf("xlsx row %d: %w", e.Row, err)
		}
		// Keep the source row number numeric so the sheet sorts properly.
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = f.SetCellInt(reportSheet, cell, int64(e.Row))
	}

	_ = f.SetColWidth(reportSheet, "A", "B", 12)
	_ = f.SetColWidth(reportSheet, "C", "C", 24)
	_ = f.SetColWidth(reportSheet, "D", "D", 60)
	_ = f.SetColWidth(reportSheet, "E", "I", 16)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// htmlReport renders a printable error table.
func htmlReport(job core.Job) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>Import errors</title>`)
		b.WriteString(`<style>body{font-family:sans-serif;margin:2rem}table{border-collapse:collapse}` +
			`th,td{border:1px solid #ccc;padding:.25rem .5rem;text-align:left}th{background:#f3f3f3}</style></head><body>`)

		fmt.Fprintf(&b, `<h1>Import %s</h1>`, templ.EscapeString(job.ID))
		fmt.Fprintf(&b, `<p>%s &middot; %s &middot; %s</p>`,
			templ.EscapeString(job.SourceFileName),
			templ.EscapeString(string(job.ImportType)),
			templ.EscapeString(string(job.Status)))
		fmt.Fprintf(&b, `<p>%d of %d rows processed, %d succeeded, %d failed.</p>`,
			job.Processed, job.Total, job.Success, job.Errors)
		if job.OmittedErrors > 0 {
			fmt.Fprintf(&b, `<p>%d further errors were not stored.</p>`, job.OmittedErrors)
		}

		if len(job.RowErrors) == 0 {
			b.WriteString(`<p>No errors.</p>`)
		} else {
			b.WriteString(`<table><thead><tr>`)
			for _, h := range reportHeader {
				fmt.Fprintf(&b, `<th>%s</th>`, templ.EscapeString(h))
			}
			b.WriteString(`</tr></thead><tbody>`)
			for _, e := range job.RowErrors {
				b.WriteString(`<tr>`)
				for _, v := range reportRow(e) {
					fmt.Fprintf(&b, `<td>%s</td>`, templ.EscapeString(v))
				}
				b.WriteString(`</tr>`)
			}
			b.WriteString(`</tbody></table>`)
		}
		b.WriteString(`</body></html>`)

		_, err := io.WriteString(w, b.String())
		return err
	})
}
