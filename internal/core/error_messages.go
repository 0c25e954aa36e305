package core

// error_messages.go maps errors to user-friendly messages with codes for
// support reference.
//
// Known sentinel and typed errors are matched with errors.Is/errors.As
// first; anything else (driver and network errors, mostly) falls back to
// case-insensitive substring patterns.
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Job not found, or owned by another tenant
//	JOB002 - Invalid transition: the job is not in a state that allows the request
//	JOB003 - Unknown import type
//	JOB004 - Job could not be scheduled
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Unreadable file (structural error)
//	FILE003 - Encoding error
//	FILE004 - No file provided
//	FILE005 - No data rows
//	FILE006 - Unsupported file format
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date         VAL005 - Invalid enum value
//	VAL002 - Invalid number       VAL006 - Invalid email address
//	VAL003 - Required field       VAL007 - Invalid import options
//	VAL004 - Missing column       VAL008 - Record already exists
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL001 - Too many concurrent imports
//	UPL002 - Request cancelled
//	UPL003 - Request timed out
//
// # Storage Errors (DB001-DB099)
//
//	DB001 - Duplicate key        DB003 - Connection refused
//	DB002 - Foreign key          DB004 - Connection reset
//
// # Auth and Rate Limiting
//
//	AUTH001 - Missing API key    AUTH002 - Invalid API key
//	RATE001 - Too many requests
//
// ERR000 is the fallback for anything unrecognised.

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage contains user-friendly error information.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// Auth errors raised by the HTTP layer.
var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalidTenant = errors.New("invalid tenant id")
)

var (
	msgJobNotFound = UserMessage{
		Message: "Import job not found",
		Action:  "Check the job id. Finished jobs expire after the retention period",
		Code:    "JOB001",
	}
	msgInvalidTransition = UserMessage{
		Message: "The import job cannot do that in its current state",
		Action:  "Refresh the job status and try again",
		Code:    "JOB002",
	}
	msgUnknownImportType = UserMessage{
		Message: "Unknown import type",
		Action:  "Use products, suppliers or movements",
		Code:    "JOB003",
	}
	msgFileTooLarge = UserMessage{
		Message: "File exceeds the maximum size limit",
		Action:  "Split the file into smaller chunks",
		Code:    "FILE001",
	}
	msgStructural = UserMessage{
		Message: "The file could not be read",
		Action:  "Check that the file is a valid CSV or XLSX export",
		Code:    "FILE002",
	}
	msgNoFile = UserMessage{
		Message: "No file was selected",
		Action:  "Please select a CSV or XLSX file to upload",
		Code:    "FILE004",
	}
	msgInvalidOptions = UserMessage{
		Message: "Import options are invalid",
		Action:  "Use true or false for skip-header, overwrite-existing and create-missing-references",
		Code:    "VAL007",
	}
	msgTooManyImports = UserMessage{
		Message: "System is busy processing other imports",
		Action:  "Please wait a moment and try again",
		Code:    "UPL001",
	}
	msgCancelled = UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "UPL002",
	}
	msgDeadline = UserMessage{
		Message: "Request timed out",
		Action:  "Try uploading a smaller file or check your connection",
		Code:    "UPL003",
	}
	msgMissingAPIKey = UserMessage{
		Message: "API key required",
		Action:  "Send your API key in the X-API-Key header",
		Code:    "AUTH001",
	}
	msgInvalidAPIKey = UserMessage{
		Message: "API key not recognised",
		Action:  "Check the API key configured for your tenant",
		Code:    "AUTH002",
	}
	msgInvalidTenant = UserMessage{
		Message: "Tenant id is not valid",
		Action:  "Use letters, digits, dots, dashes or underscores in X-Tenant-ID",
		Code:    "AUTH003",
	}
	msgRateLimited = UserMessage{
		Message: "Too many requests",
		Action:  "Please wait a moment before trying again",
		Code:    "RATE001",
	}
)

// errorMatches are checked in order with errors.Is.
var errorMatches = []struct {
	target error
	msg    UserMessage
}{
	{ErrNotFound, msgJobNotFound},
	{ErrInvalidTransition, msgInvalidTransition},
	{ErrUnknownImportType, msgUnknownImportType},
	{ErrDispatcherStopped, UserMessage{
		Message: "The import could not be scheduled",
		Action:  "The server is shutting down. Please try again shortly",
		Code:    "JOB004",
	}},
	{ErrFileTooLarge, msgFileTooLarge},
	{ErrNoFile, msgNoFile},
	{ErrInvalidOptions, msgInvalidOptions},
	{ErrTooManyImports, msgTooManyImports},
	{ErrMissingAPIKey, msgMissingAPIKey},
	{ErrInvalidAPIKey, msgInvalidAPIKey},
	{ErrInvalidTenant, msgInvalidTenant},
	{ErrRateLimited, msgRateLimited},
	{context.DeadlineExceeded, msgDeadline},
	{context.Canceled, msgCancelled},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// =========================================================================
	// File Errors
	// =========================================================================
	{
		pattern: "encoding error",
		msg: UserMessage{
			Message: "File contains invalid characters",
			Action:  "Save file as UTF-8 encoding",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no data rows",
		msg: UserMessage{
			Message: "The uploaded file has no data rows",
			Action:  "Please upload a file with at least one row below the header",
			Code:    "FILE005",
		},
	},
	{
		pattern: "unsupported file format",
		msg: UserMessage{
			Message: "Unsupported file format",
			Action:  "Upload a .csv or .xlsx file",
			Code:    "FILE006",
		},
	},

	// =========================================================================
	// Validation Errors
	// These appear as job reasons and in error reports.
	// =========================================================================
	{
		pattern: "invalid date",
		msg: UserMessage{
			Message: "Invalid date format detected",
			Action:  "Use YYYY-MM-DD",
			Code:    "VAL001",
		},
	},
	{
		pattern: "invalid number",
		msg: UserMessage{
			Message: "Invalid number format detected",
			Action:  "Remove currency symbols and use standard decimal format",
			Code:    "VAL002",
		},
	},
	{
		pattern: "required field",
		msg: UserMessage{
			Message: "Required field is empty",
			Action:  "Ensure all required columns have values",
			Code:    "VAL003",
		},
	},
	{
		pattern: "missing required column",
		msg: UserMessage{
			Message: "Required column is missing from the file",
			Action:  "Check that all required columns are present in your file",
			Code:    "VAL004",
		},
	},
	{
		pattern: "invalid enum",
		msg: UserMessage{
			Message: "Value is not in the allowed list",
			Action:  "Check the allowed values for this field",
			Code:    "VAL005",
		},
	},
	{
		pattern: "invalid email",
		msg: UserMessage{
			Message: "Invalid email address",
			Action:  "Use a lower-case address such as name@example.com",
			Code:    "VAL006",
		},
	},
	{
		pattern: "already exist",
		msg: UserMessage{
			Message: "Records already exist",
			Action:  "Enable overwrite to update existing records",
			Code:    "VAL008",
		},
	},

	// =========================================================================
	// Storage Errors
	// =========================================================================
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Download the error report to review duplicates",
			Code:    "DB001",
		},
	},
	{
		pattern: "foreign key",
		msg: UserMessage{
			Message: "Referenced record does not exist",
			Action:  "Import suppliers and products before movements",
			Code:    "DB002",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to storage",
			Action:  "Please try again in a few moments",
			Code:    "DB003",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Storage connection was interrupted",
			Action:  "Please try again",
			Code:    "DB004",
		},
	},
	{
		pattern: "rate limit",
		msg:     msgRateLimited,
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message.
// Returns a generic message for unrecognised errors.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, m := range errorMatches {
		if errors.Is(err, m.target) {
			return m.msg
		}
	}
	if structural := new(StructuralError); errors.As(err, &structural) {
		if msg, ok := matchPattern(structural.Reason); ok {
			return msg
		}
		return msgStructural
	}

	if msg, ok := matchPattern(err.Error()); ok {
		return msg
	}
	return defaultMessage
}

// MapReason maps the reason of a failed Job, which is stored as text.
func MapReason(reason string) UserMessage {
	if reason == "" {
		return UserMessage{}
	}
	if msg, ok := matchPattern(reason); ok {
		return msg
	}
	if strings.Contains(strings.ToLower(reason), "unreadable") {
		return msgStructural
	}
	if strings.Contains(strings.ToLower(reason), ErrTooManyImports.Error()) {
		return msgTooManyImports
	}
	return defaultMessage
}

func matchPattern(s string) (UserMessage, bool) {
	s = strings.ToLower(s)
	for _, ep := range errorPatterns {
		if strings.Contains(s, ep.pattern) {
			return ep.msg, true
		}
	}
	return UserMessage{}, false
}

// FormatUserError returns a formatted user-friendly error string.
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
