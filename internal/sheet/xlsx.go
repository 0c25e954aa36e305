package sheet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// XLSX is an Excel workbook row source reading a single sheet.
type XLSX struct {
	Open  OpenFunc
	Sheet string // Sheet name; empty means the first sheet
}

// Count returns the number of non-blank rows of the sheet, header included.
func (s *XLSX) Count(ctx context.Context) (int, error) {
	r, err := s.Rows(ctx)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	n := 0
	for {
		if n%1000 == 0 && ctx.Err() != nil {
			return n, ctx.Err()
		}
		_, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Rows opens the workbook and returns a reader over the sheet.
func (s *XLSX) Rows(ctx context.Context) (core.RowReader, error) {
	rc, err := s.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer rc.Close()

	f, err := excelize.OpenReader(rc)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}

	sheets := f.GetSheetList()
	name := s.Sheet
	switch {
	case len(sheets) == 0:
		f.Close()
		return nil, errors.New("workbook has no sheets")
	case name == "":
		name = sheets[0]
	case !slices.Contains(sheets, name):
		f.Close()
		return nil, fmt.Errorf("sheet %q not found, workbook has %v", name, sheets)
	}

	rows, err := f.Rows(name)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", name, err)
	}
	return &xlsxReader{f: f, rows: rows}, nil
}

type xlsxReader struct {
	f    *excelize.File
	rows *excelize.Rows
	line int
}

func (r *xlsxReader) Next() (core.Row, error) {
	for r.rows.Next() {
		r.line++
		cols, err := r.rows.Columns()
		if err != nil {
			return core.Row{}, fmt.Errorf("read row %d: %w", r.line, err)
		}
		if core.IsEmptyRow(cols) {
			continue
		}
		return core.Row{Line: r.line, Values: cols}, nil
	}
	if err := r.rows.Error(); err != nil {
		return core.Row{}, fmt.Errorf("read rows: %w", err)
	}
	return core.Row{}, io.EOF
}

func (r *xlsxReader) Close() error {
	r.rows.Close()
	return r.f.Close()
}
