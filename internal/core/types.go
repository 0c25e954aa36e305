package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ImportType identifies which kind of domain record a file contains.
type ImportType string

const (
	ImportProducts  ImportType = "products"
	ImportSuppliers ImportType = "suppliers"
	ImportMovements ImportType = "movements"
)

// ParseImportType normalizes s and returns the matching import type.
// Returns ErrUnknownImportType for anything that is not registered.
func ParseImportType(s string) (ImportType, error) {
	t := ImportType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Get(t); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownImportType, s)
	}
	return t, nil
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// ErrorKind separates data-shape problems from storage problems.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindPersistence ErrorKind = "persistence"
)

// RuleKind names the validation rule class that rejected a value.
// Rules run in this order for every field.
type RuleKind string

const (
	RuleRequired   RuleKind = "required"
	RuleFormat     RuleKind = "format"
	RuleRange      RuleKind = "range"
	RuleUniqueness RuleKind = "uniqueness"
	RuleReference  RuleKind = "reference"
)

// AutoFixable reports whether the correction engine may propose a value
// for a failure of this rule class.
func (r RuleKind) AutoFixable() bool {
	return r == RuleFormat || r == RuleRange
}

// RowError is one failure (or applied correction) attached to a source row.
type RowError struct {
	Row               int       `json:"row"`
	Column            string    `json:"column,omitempty"`
	RawValue          string    `json:"rawValue"`
	Message           string    `json:"message"`
	Kind              ErrorKind `json:"errorKind"`
	Rule              RuleKind  `json:"rule,omitempty"`
	AutoFixApplied    bool      `json:"autoFixApplied"`
	AutoFixConfidence *float64  `json:"autoFixConfidence,omitempty"`
	SuggestedValue    string    `json:"suggestedValue,omitempty"`
}

// ImportOptions are the caller supplied switches for one import.
type ImportOptions struct {
	SkipHeader              bool   `json:"skipHeader"`
	OverwriteExisting       bool   `json:"overwriteExisting"`
	CreateMissingReferences bool   `json:"createMissingReferences"`
	Sheet                   string `json:"sheet,omitempty"`
}

// DefaultImportOptions returns the options used when the caller sends none.
func DefaultImportOptions() ImportOptions {
	return ImportOptions{SkipHeader: true}
}

// Counters are the four row counters of a Job.
type Counters struct {
	Total     int `json:"totalRecords"`
	Processed int `json:"processedRecords"`
	Success   int `json:"successRecords"`
	Errors    int `json:"errorRecords"`
}

func (c Counters) check() error {
	if c.Total < 0 || c.Processed < 0 || c.Success < 0 || c.Errors < 0 {
		return fmt.Errorf("%w: negative counter", ErrInvalidCounters)
	}
	if c.Processed != c.Success+c.Errors {
		return fmt.Errorf("%w: processed %d != success %d + errors %d",
			ErrInvalidCounters, c.Processed, c.Success, c.Errors)
	}
	if c.Processed > c.Total {
		return fmt.Errorf("%w: processed %d exceeds total %d", ErrInvalidCounters, c.Processed, c.Total)
	}
	return nil
}

// Percent returns processed/total as a rounded percentage, 0 when total is 0.
func (c Counters) Percent() int {
	if c.Total <= 0 {
		return 0
	}
	return int(math.Round(float64(c.Processed) * 100 / float64(c.Total)))
}

// Outcome is the user-facing reading of a terminal Job.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeFailure        Outcome = "failure"
	OutcomeCancelled      Outcome = "cancelled"
)

func outcomeOf(status JobStatus, c Counters) Outcome {
	switch status {
	case StatusCompleted:
		if c.Errors > 0 {
			return OutcomePartialSuccess
		}
		return OutcomeSuccess
	case StatusError:
		return OutcomeFailure
	case StatusCancelled:
		return OutcomeCancelled
	}
	return ""
}

// Job is the unit of work tracked by the JobRegistry.
type Job struct {
	ID         string     `json:"id"`
	ImportType ImportType `json:"importType"`
	TenantID   string     `json:"tenantId"`
	Status     JobStatus  `json:"status"`

	Counters

	RowErrors          []RowError `json:"errors"`
	OmittedErrors      int        `json:"omittedErrors,omitempty"`
	Corrections        []RowError `json:"corrections,omitempty"`
	OmittedCorrections int        `json:"omittedCorrections,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	SourceFileName string        `json:"sourceFileName"`
	Options        ImportOptions `json:"options"`
	Reason         string        `json:"reason,omitempty"`
	Version        uint64        `json:"version"`
}

// ProgressPercent is the derived completion percentage.
func (j Job) ProgressPercent() int { return j.Counters.Percent() }

// Outcome returns the user-visible outcome, empty while the Job is running.
func (j Job) Outcome() Outcome { return outcomeOf(j.Status, j.Counters) }

func (j Job) clone() Job {
	out := j
	out.RowErrors = append([]RowError(nil), j.RowErrors...)
	out.Corrections = append([]RowError(nil), j.Corrections...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// ProgressSnapshot is an immutable point-in-time copy of a Job's observable
// progress. It is what subscribers receive and what pollers read.
type ProgressSnapshot struct {
	JobID      string     `json:"jobId"`
	TenantID   string     `json:"tenantId"`
	ImportType ImportType `json:"importType"`
	Status     JobStatus  `json:"status"`

	Counters
	ProgressPercent int `json:"progressPercent"`

	RecentErrors []RowError `json:"recentErrors"`

	// EstimatedTimeRemainingMs is absent until at least one batch completed.
	EstimatedTimeRemainingMs *int64 `json:"estimatedTimeRemainingMs,omitempty"`

	Outcome    Outcome    `json:"outcome,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Version    uint64     `json:"version"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the snapshot is the Job's final state.
func (p ProgressSnapshot) Terminal() bool { return p.Status.Terminal() }

// EstimatedTimeRemaining returns the ETA and whether one is known.
func (p ProgressSnapshot) EstimatedTimeRemaining() (time.Duration, bool) {
	if p.EstimatedTimeRemainingMs == nil {
		return 0, false
	}
	return time.Duration(*p.EstimatedTimeRemainingMs) * time.Millisecond, true
}

// ChannelMode is how a caller should observe a Job.
type ChannelMode string

const (
	ModePush            ChannelMode = "push"
	ModeRequestResponse ChannelMode = "request_response"
)

// ChannelDecision is the classifier's advisory output.
type ChannelDecision struct {
	Mode                ChannelMode `json:"mode"`
	Reason              string      `json:"reason"`
	EstimatedRows       int         `json:"estimatedRows"`
	EstimatedDurationMs int64       `json:"estimatedDurationMs"`
}

// Row is one non-empty row of a source file.
// Line is the 1-based physical row number in the file.
type Row struct {
	Line   int
	Values []string
}

// Reference points at a record of another import type.
type Reference struct {
	Type ImportType `json:"type"`
	Key  string     `json:"key"`
}

// Record is an accepted row ready for persistence.
type Record struct {
	Type   ImportType
	Key    string
	Fields map[string]any

	// MissingReferences are placeholders the writer must create first.
	// Only populated when the import allows creating missing references.
	MissingReferences []Reference
}
