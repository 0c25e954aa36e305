package core

import (
	"context"
	"io"
)

// RowSource yields the rows of one uploaded file. It is opened twice per
// run: once to precount and once to process.
type RowSource interface {
	// Count returns the number of non-empty rows, header included.
	Count(ctx context.Context) (int, error)

	// Rows opens a fresh reader positioned at the first non-empty row.
	Rows(ctx context.Context) (RowReader, error)
}

// RowReader iterates rows. Next returns io.EOF after the last row.
type RowReader interface {
	Next() (Row, error)
	Close() error
}

// WriteOptions control how a record is persisted.
type WriteOptions struct {
	Overwrite bool // Upsert instead of failing on an existing key
}

// RecordWriter persists accepted records for a tenant.
type RecordWriter interface {
	WriteRecord(ctx context.Context, tenantID string, rec Record, opts WriteOptions) error
}

// ReferenceLookup answers whether a record already exists for a tenant.
type ReferenceLookup interface {
	Exists(ctx context.Context, tenantID string, ref Reference) (bool, error)
}

// JobArchive keeps terminal jobs after they leave the in-memory registry.
// LoadJob returns ErrNotFound for ids it has never seen.
type JobArchive interface {
	SaveJob(ctx context.Context, job Job) error
	LoadJob(ctx context.Context, id string) (Job, error)
}

// Store is the full persistence surface a deployment provides.
type Store interface {
	RecordWriter
	ReferenceLookup
	JobArchive
}

// FileStore keeps uploaded files until their job has been processed.
type FileStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// SourceOpener turns a stored upload into a RowSource.
type SourceOpener interface {
	OpenSource(ctx context.Context, task RunTask) (RowSource, error)
}

// RunTask carries everything a worker needs to run one job.
type RunTask struct {
	JobID      string        `json:"job_id"`
	TenantID   string        `json:"tenant_id"`
	ImportType ImportType    `json:"import_type"`
	ObjectKey  string        `json:"object_key"`
	FileName   string        `json:"file_name"`
	Options    ImportOptions `json:"options"`
}

// Dispatcher schedules a job run. Dispatch must not block on the run itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, task RunTask) error
}

// Runner executes a dispatched job run to completion.
type Runner interface {
	RunTask(ctx context.Context, task RunTask) error
}
