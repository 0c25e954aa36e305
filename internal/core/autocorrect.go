package core

// autocorrect.go proposes repaired values for format and range failures.
//
// Each strategy reads a failed value the way a spreadsheet user most likely
// meant it and attaches a confidence in [0,1]. Proposals are re-validated
// with CheckValue; only a proposal that passes and reaches the configured
// minimum confidence is applied. Anything else becomes a suggestion on the
// RowError for manual review.

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agext/levenshtein"
)

// DefaultMinConfidence gates automatic application of a correction.
const DefaultMinConfidence = 0.7

// Confidence of each strategy.
const (
	confCurrency      = 0.95
	confEnumCase      = 0.95
	confEmail         = 0.95
	confDecimalComma  = 0.9
	confZeroFraction  = 0.9
	confDateLayout    = 0.9
	confAccounting    = 0.9
	confGrouped       = 0.85
	confDateAmbiguous = 0.6
	confCommaOrGroup  = 0.6
	confEnumDistance  = 0.9 // multiplied by the similarity
	confNegative      = 0.5
	confRounded       = 0.4
	confScaled        = 0.4
)

var (
	decimalCommaRegex = regexp.MustCompile(`^[+-]?\d+,\d+$`)
	groupedRegex      = regexp.MustCompile(`^[+-]?\d{1,3}([.,]\d{3})+([.,]\d+)?$`)
	numericDateRegex  = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{2}|\d{4})$`)
	currencyReplacer  = strings.NewReplacer("$", "", "\u20ac", "", "\u00a3", "", "\u00a5", "", " ", "", "\u00a0", "")
)

// Unambiguous alternate date layouts.
var alternateDateLayouts = []string{
	"2006/01/02", "2006.01.02", "2006-1-2", "2006/1/2",
	"20060102",
	"Jan 2, 2006", "January 2, 2006", "2 Jan 2006", "2 January 2006", "02-Jan-2006",
	time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05",
}

// Correction is one proposed repair of a field value.
type Correction struct {
	Value      string
	Confidence float64
	Strategy   string
}

// Resolution is the engine's verdict on a failure.
type Resolution struct {
	Correction Correction
	Value      any  // Typed value when Applied
	Applied    bool // Re-validated and at or above the minimum confidence
	Suggested  bool // Re-validated but below the minimum confidence
}

// Corrector is the auto-correction engine.
type Corrector struct {
	minConfidence float64
	now           func() time.Time
}

// NewCorrector returns an engine that applies fixes with a confidence of at
// least minConfidence. A non-positive value selects DefaultMinConfidence.
func NewCorrector(minConfidence float64) *Corrector {
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = DefaultMinConfidence
	}
	return &Corrector{minConfidence: minConfidence, now: time.Now}
}

// MinConfidence returns the threshold for automatic application.
func (c *Corrector) MinConfidence() float64 { return c.minConfidence }

// Resolve proposes a fix for failure and decides whether to apply it.
// Required, uniqueness and reference failures are never resolved.
func (c *Corrector) Resolve(rule FieldRule, failure FieldFailure) Resolution {
	if !failure.Rule.AutoFixable() {
		return Resolution{}
	}

	for _, cand := range c.Propose(rule, failure) {
		value, f := CheckValue(rule, cand.Value)
		if f != nil {
			continue
		}
		if cand.Confidence >= c.minConfidence {
			return Resolution{Correction: cand, Value: value, Applied: true}
		}
		return Resolution{Correction: cand, Suggested: true}
	}
	return Resolution{}
}

// Propose returns candidate corrections ordered by decreasing confidence.
// Candidates are not re-validated.
func (c *Corrector) Propose(rule FieldRule, failure FieldFailure) []Correction {
	raw := failure.Value
	var out []Correction

	switch failure.Rule {
	case RuleFormat:
		switch rule.Type {
		case FieldDecimal:
			out = proposeDecimal(raw)
		case FieldInteger:
			out = proposeInteger(raw)
		case FieldDate:
			out = c.proposeDate(raw)
		case FieldEnum:
			out = proposeEnum(raw, rule.EnumValues)
		case FieldEmail:
			out = proposeEmail(raw)
		}
	case RuleRange:
		out = proposeRange(rule, raw)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// proposeDecimal handles currency symbols, decimal commas, thousand
// separators and accounting negatives.
func proposeDecimal(raw string) []Correction {
	s := currencyReplacer.Replace(raw)
	conf := 1.0
	if s != raw {
		conf = confCurrency
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && len(s) > 2 {
		negative = true
		s = s[1 : len(s)-1]
		conf = math.Min(conf, confAccounting)
	}
	sign := func(v string) string {
		if negative {
			return "-" + v
		}
		return v
	}

	if _, ok := parseDecimal(s); ok {
		if s == raw {
			return nil
		}
		return []Correction{{Value: sign(s), Confidence: conf, Strategy: "currency_symbols"}}
	}

	var out []Correction
	if v, ambiguous, ok := ungroup(s); ok {
		c := confGrouped
		if ambiguous {
			c = confCommaOrGroup
		}
		out = append(out, Correction{Value: sign(v), Confidence: math.Min(conf, c), Strategy: "thousand_separators"})
	}
	if decimalCommaRegex.MatchString(s) {
		c := confDecimalComma
		if groupedRegex.MatchString(s) {
			// "1,234" is also a grouped thousand.
			c = confCommaOrGroup
		}
		out = append(out, Correction{Value: sign(strings.Replace(s, ",", ".", 1)), Confidence: math.Min(conf, c), Strategy: "decimal_comma"})
	}
	return out
}

// ungroup removes thousand separators. The last separator is a decimal
// point when it differs from the grouping separator ("1.234,56", "1,234.56").
// A single separator followed by three digits ("1,234") is ambiguous.
func ungroup(s string) (value string, ambiguous, ok bool) {
	if !groupedRegex.MatchString(s) {
		return "", false, false
	}
	last := strings.LastIndexAny(s, ".,")
	first := strings.IndexAny(s, ".,")
	group := s[first : first+1]
	if s[last:last+1] != group {
		intPart := strings.ReplaceAll(s[:last], group, "")
		return intPart + "." + s[last+1:], false, true
	}
	return strings.ReplaceAll(s, group, ""), strings.Count(s, group) == 1, true
}

func proposeInteger(raw string) []Correction {
	var out []Correction
	for _, d := range proposeDecimal(raw) {
		f, ok := parseDecimal(d.Value)
		if !ok {
			continue
		}
		if f == math.Trunc(f) {
			out = append(out, Correction{Value: strconv.FormatInt(int64(f), 10), Confidence: math.Min(d.Confidence, confZeroFraction), Strategy: "zero_fraction"})
		} else {
			out = append(out, Correction{Value: strconv.FormatInt(int64(math.Round(f)), 10), Confidence: math.Min(d.Confidence, confRounded), Strategy: "rounded_fraction"})
		}
	}
	if f, ok := parseDecimal(raw); ok {
		if f == math.Trunc(f) {
			out = append(out, Correction{Value: strconv.FormatInt(int64(f), 10), Confidence: confZeroFraction, Strategy: "zero_fraction"})
		} else {
			out = append(out, Correction{Value: strconv.FormatInt(int64(math.Round(f)), 10), Confidence: confRounded, Strategy: "rounded_fraction"})
		}
	}
	return out
}

func (c *Corrector) proposeDate(raw string) []Correction {
	for _, layout := range alternateDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return []Correction{{Value: t.Format(DateLayout), Confidence: confDateLayout, Strategy: "date_layout"}}
		}
	}

	m := numericDateRegex.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	if len(m[3]) == 2 {
		year += 2000
		if year > c.now().Year()+TwoDigitYearPivot {
			year -= 100
		}
	}

	// Month-first is preferred when both readings are valid.
	var out []Correction
	monthFirst, okMF := makeDate(year, a, b)
	dayFirst, okDF := makeDate(year, b, a)
	switch {
	case okMF && okDF && monthFirst.Equal(dayFirst):
		out = append(out, Correction{Value: monthFirst.Format(DateLayout), Confidence: confDateLayout, Strategy: "date_layout"})
	case okMF && okDF:
		out = append(out,
			Correction{Value: monthFirst.Format(DateLayout), Confidence: confDateAmbiguous, Strategy: "date_month_first"},
			Correction{Value: dayFirst.Format(DateLayout), Confidence: confDateAmbiguous - 0.1, Strategy: "date_day_first"},
		)
	case okMF:
		out = append(out, Correction{Value: monthFirst.Format(DateLayout), Confidence: confDateLayout, Strategy: "date_layout"})
	case okDF:
		out = append(out, Correction{Value: dayFirst.Format(DateLayout), Confidence: confDateLayout, Strategy: "date_layout"})
	}
	return out
}

func makeDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func proposeEnum(raw string, allowed []string) []Correction {
	for _, ev := range allowed {
		if strings.EqualFold(strings.TrimSpace(raw), ev) {
			return []Correction{{Value: ev, Confidence: confEnumCase, Strategy: "enum_case"}}
		}
	}

	needle := strings.ToLower(strings.TrimSpace(raw))
	best, bestSim := "", 0.0
	for _, ev := range allowed {
		sim := levenshtein.Similarity(needle, strings.ToLower(ev), nil)
		if sim > bestSim {
			best, bestSim = ev, sim
		}
	}
	if best == "" {
		return nil
	}
	return []Correction{{Value: best, Confidence: bestSim * confEnumDistance, Strategy: "enum_nearest"}}
}

func proposeEmail(raw string) []Correction {
	s := strings.TrimPrefix(strings.ToLower(raw), "mailto:")
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimRight(s, ".,;")
	if s == raw {
		return nil
	}
	return []Correction{{Value: s, Confidence: confEmail, Strategy: "email_cleanup"}}
}

// proposeRange handles sign slips and values entered in cents.
func proposeRange(rule FieldRule, raw string) []Correction {
	f, ok := parseDecimal(raw)
	if !ok {
		return nil
	}
	format := func(v float64) string {
		if rule.Type == FieldInteger {
			return strconv.FormatInt(int64(v), 10)
		}
		return formatDecimal(v)
	}

	var out []Correction
	if f < 0 && checkRange(rule, -f) == "" {
		out = append(out, Correction{Value: format(-f), Confidence: confNegative, Strategy: "sign"})
	}
	if scaled := f / 100; rule.Max != nil && f > *rule.Max && checkRange(rule, scaled) == "" {
		if rule.Type != FieldInteger || scaled == math.Trunc(scaled) {
			out = append(out, Correction{Value: format(scaled), Confidence: confScaled, Strategy: "scale"})
		}
	}
	return out
}
