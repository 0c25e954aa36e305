package core

// convert.go parses cell text into typed field values.
//
// Parsing is strict: a value either has the canonical shape for its field
// type or it fails format validation. The lenient readings of messy
// spreadsheet data (currency symbols, thousand separators, decimal commas,
// regional date layouts) live in autocorrect.go, where every reinterpretation
// carries a confidence score instead of being accepted silently.

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	decimalRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)
	integerRegex = regexp.MustCompile(`^[+-]?\d+$`)
	codeRegex    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	emailRegex   = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
)

// DateLayout is the canonical date representation of a field value.
const DateLayout = "2006-01-02"

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

func parseDecimal(s string) (float64, bool) {
	if !decimalRegex.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseInteger(s string) (int64, bool) {
	if !integerRegex.MatchString(s) {
		return 0, false
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

func parseDate(s string) (time.Time, bool) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatDecimal(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NormalizeKey returns the comparison form of a record key. Keys are
// matched case-insensitively and without surrounding whitespace.
func NormalizeKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// headerIndex maps normalized column names to their position in a row.
type headerIndex map[string]int

// normalizeHeader folds "Unit Price", "unit-price" and "UNIT_PRICE" to the
// same field name.
func normalizeHeader(h string) string {
	h = strings.ToLower(CleanCell(h))
	h = strings.Join(strings.Fields(h), "_")
	return strings.ReplaceAll(h, "-", "_")
}

// makeHeaderIndex creates a headerIndex from a header row. The first
// occurrence of a duplicated column wins.
func makeHeaderIndex(header []string) headerIndex {
	idx := make(headerIndex, len(header))
	for i, h := range header {
		key := normalizeHeader(h)
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// IsEmptyRow reports whether every cell of a row is blank. Row sources
// skip such rows both when counting and when reading.
func IsEmptyRow(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
