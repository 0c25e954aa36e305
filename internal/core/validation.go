package core

// validation.go provides row-level validation of spreadsheet data before
// persistence.
//
// Validation happens at two levels:
//  1. Header validation: every required field has a column (structural)
//  2. Row validation: every field runs through its rules in the fixed order
//     required, format, range, uniqueness, reference
//
// Evaluation stops at the first failing rule of a field, so a row carries at
// most one failure per field, but every field of the row is evaluated.

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// FieldType is the expected shape of a field value.
type FieldType int

const (
	FieldText FieldType = iota
	FieldCode
	FieldInteger
	FieldDecimal
	FieldDate
	FieldEnum
	FieldEmail
)

func (t FieldType) String() string {
	switch t {
	case FieldCode:
		return "code"
	case FieldInteger:
		return "integer"
	case FieldDecimal:
		return "decimal"
	case FieldDate:
		return "date"
	case FieldEnum:
		return "enum"
	case FieldEmail:
		return "email"
	default:
		return "text"
	}
}

// FieldRule is the rule set for one field of an import definition.
type FieldRule struct {
	Name       string
	Type       FieldType
	Required   bool
	MaxLength  int      // Text and code fields; 0 means unlimited
	Min, Max   *float64 // Integer and decimal fields
	EnumValues []string // Canonical spellings for FieldEnum
	Unique     bool
	References ImportType // Non-empty when the value must name an existing record
}

// Bound returns a pointer to v for use as FieldRule.Min or FieldRule.Max.
func Bound(v float64) *float64 { return &v }

// FieldFailure is the first rule a field value failed.
type FieldFailure struct {
	Field   string
	Value   string
	Rule    RuleKind
	Message string
}

// ValidationResult is the outcome of validating one row.
type ValidationResult struct {
	Record   Record
	Failures []FieldFailure
}

// ValidationScope is the state shared by all rows of one import run:
// which unique values were already accepted and which references exist.
// A scope belongs to a single run and is not safe for concurrent use.
type ValidationScope struct {
	TenantID string
	Options  ImportOptions
	Lookup   ReferenceLookup

	seen map[string]map[string]struct{} // field -> normalized values persisted in this run
	refs map[Reference]bool
}

// NewValidationScope creates an empty scope for one run.
func NewValidationScope(tenantID string, opts ImportOptions, lookup ReferenceLookup) *ValidationScope {
	return &ValidationScope{
		TenantID: tenantID,
		Options:  opts,
		Lookup:   lookup,
		seen:     make(map[string]map[string]struct{}),
		refs:     make(map[Reference]bool),
	}
}

// Remember records the unique values of a persisted record so later rows
// with the same values fail uniqueness. Placeholders created for the
// record's missing references become known references.
func (s *ValidationScope) Remember(def ImportDefinition, rec Record) {
	for _, f := range def.Fields {
		if !f.Unique {
			continue
		}
		v, ok := rec.Fields[f.Name]
		if !ok || v == nil {
			continue
		}
		if s.seen[f.Name] == nil {
			s.seen[f.Name] = make(map[string]struct{})
		}
		s.seen[f.Name][NormalizeKey(fmt.Sprint(v))] = struct{}{}
	}
	if rec.Key != "" {
		s.refs[Reference{Type: rec.Type, Key: rec.Key}] = true
	}
	for _, ref := range rec.MissingReferences {
		s.refs[ref] = true
	}
}

func (s *ValidationScope) seenValue(field, key string) bool {
	_, ok := s.seen[field][key]
	return ok
}

func (s *ValidationScope) exists(ctx context.Context, ref Reference) (bool, error) {
	if known, ok := s.refs[ref]; ok {
		return known, nil
	}
	if s.Lookup == nil {
		return false, nil
	}
	ok, err := s.Lookup.Exists(ctx, s.TenantID, ref)
	if err != nil {
		return false, fmt.Errorf("lookup %s %q: %w", ref.Type, ref.Key, err)
	}
	s.refs[ref] = ok
	return ok, nil
}

// RowValidator validates rows of one import definition.
type RowValidator struct {
	def     ImportDefinition
	columns map[string]int // field name -> position in the row
}

// NewRowValidator maps the definition's fields onto the file's columns.
// With a nil header, columns are positional in field order. With a header,
// columns are matched by name and a missing required column is a
// structural error.
func NewRowValidator(def ImportDefinition, header []string) (*RowValidator, error) {
	v := &RowValidator{def: def, columns: make(map[string]int, len(def.Fields))}

	if header == nil {
		for i, f := range def.Fields {
			v.columns[f.Name] = i
		}
		return v, nil
	}

	idx := makeHeaderIndex(header)
	var missing []string
	for _, f := range def.Fields {
		pos, ok := idx[normalizeHeader(f.Name)]
		if !ok {
			if f.Required {
				missing = append(missing, f.Name)
			}
			continue
		}
		v.columns[f.Name] = pos
	}
	if len(missing) > 0 {
		return nil, Structural(fmt.Sprintf("missing required column: %s", strings.Join(missing, ", ")), nil)
	}
	return v, nil
}

// Validate checks every field of row. The returned error is reserved for
// lookup failures; rule violations are reported in the result.
func (v *RowValidator) Validate(ctx context.Context, row Row, scope *ValidationScope) (ValidationResult, error) {
	res := ValidationResult{Record: Record{Type: v.def.Type, Fields: make(map[string]any, len(v.def.Fields))}}

	for _, rule := range v.def.Fields {
		raw := ""
		if pos, ok := v.columns[rule.Name]; ok && pos < len(row.Values) {
			raw = CleanCell(row.Values[pos])
		}

		value, failure, err := v.validateField(ctx, rule, raw, scope, &res.Record)
		if err != nil {
			return res, err
		}
		if failure != nil {
			res.Failures = append(res.Failures, *failure)
			continue
		}
		if value != nil {
			res.Record.Fields[rule.Name] = value
		}
	}

	if key, ok := res.Record.Fields[v.def.KeyField]; ok {
		res.Record.Key = NormalizeKey(fmt.Sprint(key))
	}
	return res, nil
}

// ValidateValue runs every rule of one field against raw, exactly as
// Validate does for a row. MissingReferences are added to rec.
func (v *RowValidator) ValidateValue(ctx context.Context, field, raw string, scope *ValidationScope, rec *Record) (any, *FieldFailure, error) {
	rule, ok := v.def.Field(field)
	if !ok {
		return nil, nil, fmt.Errorf("import type %s has no field %q", v.def.Type, field)
	}
	return v.validateField(ctx, rule, raw, scope, rec)
}

func (v *RowValidator) validateField(ctx context.Context, rule FieldRule, raw string, scope *ValidationScope, rec *Record) (any, *FieldFailure, error) {
	fail := func(kind RuleKind, format string, args ...any) (any, *FieldFailure, error) {
		return nil, &FieldFailure{Field: rule.Name, Value: raw, Rule: kind, Message: fmt.Sprintf(format, args...)}, nil
	}

	if raw == "" {
		if rule.Required {
			return fail(RuleRequired, "required field is empty")
		}
		return nil, nil, nil
	}

	value, failure := CheckValue(rule, raw)
	if failure != nil {
		return nil, failure, nil
	}

	if rule.Unique {
		key := NormalizeKey(fmt.Sprint(value))
		if scope.seenValue(rule.Name, key) {
			return fail(RuleUniqueness, "duplicate value %q appears earlier in this file", raw)
		}
		if rule.Name == v.def.KeyField && !scope.Options.OverwriteExisting {
			exists, err := scope.exists(ctx, Reference{Type: v.def.Type, Key: key})
			if err != nil {
				return nil, nil, err
			}
			if exists {
				return fail(RuleUniqueness, "record %q already exists", raw)
			}
		}
	}

	if rule.References != "" {
		ref := Reference{Type: rule.References, Key: NormalizeKey(fmt.Sprint(value))}
		exists, err := scope.exists(ctx, ref)
		if err != nil {
			return nil, nil, err
		}
		if !exists {
			if !scope.Options.CreateMissingReferences {
				return fail(RuleReference, "unknown %s %q", strings.TrimSuffix(string(rule.References), "s"), raw)
			}
			rec.MissingReferences = append(rec.MissingReferences, ref)
		}
	}

	return value, nil, nil
}

// CheckValue applies the format and range rules of a field to a non-empty
// value and returns the typed value. It has no side effects, which is what
// lets the correction engine re-validate its proposals with it.
func CheckValue(rule FieldRule, raw string) (any, *FieldFailure) {
	fail := func(kind RuleKind, format string, args ...any) (any, *FieldFailure) {
		return nil, &FieldFailure{Field: rule.Name, Value: raw, Rule: kind, Message: fmt.Sprintf(format, args...)}
	}

	switch rule.Type {
	case FieldInteger:
		i, ok := parseInteger(raw)
		if !ok {
			return fail(RuleFormat, "invalid number: expected a whole number")
		}
		if msg := checkRange(rule, float64(i)); msg != "" {
			return fail(RuleRange, "%s", msg)
		}
		return i, nil

	case FieldDecimal:
		f, ok := parseDecimal(raw)
		if !ok {
			return fail(RuleFormat, "invalid number: expected a decimal such as 12.50")
		}
		if msg := checkRange(rule, f); msg != "" {
			return fail(RuleRange, "%s", msg)
		}
		return f, nil

	case FieldDate:
		t, ok := parseDate(raw)
		if !ok {
			return fail(RuleFormat, "invalid date: use YYYY-MM-DD")
		}
		return t.Format(DateLayout), nil

	case FieldEnum:
		for _, ev := range rule.EnumValues {
			if raw == ev {
				return ev, nil
			}
		}
		return fail(RuleFormat, "invalid enum value: must be one of %s", strings.Join(rule.EnumValues, ", "))

	case FieldEmail:
		if !emailRegex.MatchString(raw) {
			return fail(RuleFormat, "invalid email address")
		}
		return raw, nil

	case FieldCode:
		if !codeRegex.MatchString(raw) {
			return fail(RuleFormat, "invalid code: use letters, digits, '.', '-' or '_'")
		}
	}

	if rule.MaxLength > 0 && utf8.RuneCountInString(raw) > rule.MaxLength {
		return fail(RuleRange, "value exceeds maximum length of %d characters", rule.MaxLength)
	}
	return raw, nil
}

func checkRange(rule FieldRule, v float64) string {
	if rule.Min != nil && v < *rule.Min {
		return fmt.Sprintf("value %s is below the minimum of %s", formatDecimal(v), formatDecimal(*rule.Min))
	}
	if rule.Max != nil && v > *rule.Max {
		return fmt.Sprintf("value %s is above the maximum of %s", formatDecimal(v), formatDecimal(*rule.Max))
	}
	return ""
}
