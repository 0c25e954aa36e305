package sheet

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// CSV is a comma separated row source.
//
// The input is decoded as UTF-8 unless it starts with a UTF-16 byte order
// mark. A UTF-8 BOM is dropped and invalid byte sequences become U+FFFD
// instead of failing the import.
type CSV struct {
	Open  OpenFunc
	Comma rune // Field delimiter; 0 means ','
}

// Count returns the number of non-blank records, header included.
func (s *CSV) Count(ctx context.Context) (int, error) {
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

// Rows opens a reader positioned at the first non-blank record.
func (s *CSV) Rows(ctx context.Context) (core.RowReader, error) {
	rc, err := s.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}

	decoded := transform.NewReader(rc, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	if s.Comma != 0 {
		cr.Comma = s.Comma
	}
	return &csvReader{rc: rc, cr: cr}, nil
}

type csvReader struct {
	rc io.Closer
	cr *csv.Reader
}

func (r *csvReader) Next() (core.Row, error) {
	for {
		record, err := r.cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return core.Row{}, io.EOF
			}
			return core.Row{}, fmt.Errorf("read csv: %w", err)
		}
		if core.IsEmptyRow(record) {
			continue
		}
		line, _ := r.cr.FieldPos(0)
		return core.Row{Line: line, Values: record}, nil
	}
}

func (r *csvReader) Close() error {
	return r.rc.Close()
}
