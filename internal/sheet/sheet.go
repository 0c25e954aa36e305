// Package sheet reads uploaded spreadsheets as row sources.
//
// Both formats are read twice per import: once to precount the rows and
// once to process them. Sources therefore hold an Open function instead of
// a reader and reopen the upload for every pass.
//
// Rows are numbered as the user sees them: the physical line of a CSV
// record, the row number of an XLSX sheet. Blank rows are skipped both
// when counting and when reading.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// Format is a supported upload format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for uploads that are neither CSV nor XLSX.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// OpenFunc opens a fresh reader over the upload.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

var contentTypes = map[string]Format{
	"text/csv":                 FormatCSV,
	"application/csv":          FormatCSV,
	"text/plain":               FormatCSV,
	"application/vnd.ms-excel": FormatCSV, // what browsers on Windows send for .csv
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FormatXLSX,
}

// DetectFormat picks the format from the file extension, falling back to
// the content type when the name has no known extension.
func DetectFormat(fileName, contentType string) (Format, error) {
	switch strings.ToLower(path.Ext(strings.ReplaceAll(fileName, "\\", "/"))) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".xls":
		return "", fmt.Errorf("%w: legacy .xls files must be saved as .xlsx", ErrUnsupportedFormat)
	}

	mediaType, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	if f, ok := contentTypes[strings.TrimSpace(mediaType)]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, fileName)
}

// New returns the row source for an upload of the given format.
func New(format Format, open OpenFunc, sheetName string) (core.RowSource, error) {
	switch format {
	case FormatCSV:
		return &CSV{Open: open}, nil
	case FormatXLSX:
		return &XLSX{Open: open, Sheet: sheetName}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Opener opens stored uploads for import runs. It implements
// core.SourceOpener.
type Opener struct {
	Files core.FileStore
}

// OpenSource returns the row source for a dispatched task.
func (o *Opener) OpenSource(_ context.Context, task core.RunTask) (core.RowSource, error) {
	format, err := DetectFormat(task.FileName, "")
	if err != nil {
		return nil, err
	}
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return o.Files.Open(ctx, task.ObjectKey)
	}
	return New(format, open, task.Options.Sheet)
}
