package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// optionsSchema is the JSON schema of the "options" form field.
const optionsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "skipHeader":              {"type": "boolean"},
    "overwriteExisting":       {"type": "boolean"},
    "createMissingReferences": {"type": "boolean"},
    "sheet":                   {"type": "string", "maxLength": 31}
  }
}`

var compileOptionsSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("options.json", strings.NewReader(optionsSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("options.json")
})

// ParseOptions decodes an options JSON document. Missing keys keep their
// defaults; unknown keys and wrong types are ErrInvalidOptions.
func ParseOptions(raw []byte) (ImportOptions, error) {
	opts := DefaultImportOptions()
	if len(bytes.TrimSpace(raw)) == 0 {
		return opts, nil
	}

	schema, err := compileOptionsSchema()
	if err != nil {
		return opts, fmt.Errorf("compile options schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if err := schema.Validate(v); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return opts, nil
}

// Option flag names as sent in multipart form fields.
const (
	FlagSkipHeader              = "skip-header"
	FlagOverwriteExisting       = "overwrite-existing"
	FlagCreateMissingReferences = "create-missing-references"
	FlagSheet                   = "sheet"
)

// ParseOptionFlags reads options from individual form fields. Absent or
// empty flags keep their defaults.
func ParseOptionFlags(fields map[string]string) (ImportOptions, error) {
	opts := DefaultImportOptions()

	flags := []struct {
		name string
		dst  *bool
	}{
		{FlagSkipHeader, &opts.SkipHeader},
		{FlagOverwriteExisting, &opts.OverwriteExisting},
		{FlagCreateMissingReferences, &opts.CreateMissingReferences},
	}
	for _, f := range flags {
		raw := strings.TrimSpace(fields[f.name])
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: %s must be true or false, got %q", ErrInvalidOptions, f.name, raw)
		}
		*f.dst = b
	}

	opts.Sheet = strings.TrimSpace(fields[FlagSheet])
	if len(opts.Sheet) > 31 {
		return opts, fmt.Errorf("%w: sheet name longer than 31 characters", ErrInvalidOptions)
	}
	return opts, nil
}
