package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/stockimport/internal/core"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS inventory_records (
  tenant_id   TEXT NOT NULL,
  import_type TEXT NOT NULL,
  record_key  TEXT NOT NULL,
  fields      TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL,
  PRIMARY KEY (tenant_id, import_type, record_key)
);
CREATE TABLE IF NOT EXISTS import_jobs (
  id          TEXT PRIMARY KEY,
  tenant_id   TEXT NOT NULL,
  import_type TEXT NOT NULL,
  status      TEXT NOT NULL,
  finished_at INTEGER,
  payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS import_jobs_tenant ON import_jobs (tenant_id, finished_at);
`

// SQLite is a single-file store for single-node deployments.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) WriteRecord(ctx context.Context, tenantID string, rec core.Record, opts core.WriteOptions) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	change, isMovement, err := movementEffect(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, ref := range rec.MissingReferences {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_records (tenant_id, import_type, record_key, fields, created_at, updated_at)
			VALUES (?, ?, ?, '{}', ?, ?)
			ON CONFLICT (tenant_id, import_type, record_key) DO NOTHING`,
			tenantID, string(ref.Type), ref.Key, now, now,
		); err != nil {
			return fmt.Errorf("create placeholder %s %q: %w", ref.Type, ref.Key, err)
		}
	}

	insert := `INSERT INTO inventory_records (tenant_id, import_type, record_key, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if opts.Overwrite {
		insert += ` ON CONFLICT (tenant_id, import_type, record_key)
		DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`
	} else {
		insert += ` ON CONFLICT (tenant_id, import_type, record_key) DO NOTHING`
	}
	res, err := tx.ExecContext(ctx, insert, tenantID, string(rec.Type), recordKey(rec), string(fields), now, now)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %q", ErrDuplicate, rec.Type, rec.Key)
	}

	if isMovement {
		var res sql.Result
		if change.Set {
			res, err = tx.ExecContext(ctx, `
				UPDATE inventory_records SET fields = json_set(fields, '$.stock_quantity', ?), updated_at = ?
				WHERE tenant_id = ? AND import_type = ? AND record_key = ?`,
				change.Delta, now, tenantID, string(core.ImportProducts), change.SKU)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE inventory_records
				SET fields = json_set(fields, '$.stock_quantity', COALESCE(json_extract(fields, '$.stock_quantity'), 0) + ?),
				    updated_at = ?
				WHERE tenant_id = ? AND import_type = ? AND record_key = ?`,
				change.Delta, now, tenantID, string(core.ImportProducts), change.SKU)
		}
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %q", ErrUnknownProduct, change.SKU)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) Exists(ctx context.Context, tenantID string, ref core.Reference) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM inventory_records WHERE tenant_id = ? AND import_type = ? AND record_key = ?`,
		tenantID, string(ref.Type), ref.Key,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s %q: %w", ref.Type, ref.Key, err)
	}
	return true, nil
}

// Fields returns the stored fields of ref.
func (s *SQLite) Fields(ctx context.Context, tenantID string, ref core.Reference) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT fields FROM inventory_records WHERE tenant_id = ? AND import_type = ? AND record_key = ?`,
		tenantID, string(ref.Type), ref.Key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}

func (s *SQLite) SaveJob(ctx context.Context, job core.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	var finished sql.NullInt64
	if job.FinishedAt != nil {
		finished = sql.NullInt64{Int64: job.FinishedAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_jobs (id, tenant_id, import_type, status, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, finished_at = excluded.finished_at, payload = excluded.payload`,
		job.ID, job.TenantID, string(job.ImportType), string(job.Status), finished, string(payload),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) LoadJob(ctx context.Context, id string) (core.Job, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM import_jobs WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Job{}, core.ErrNotFound
	}
	if err != nil {
		return core.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job core.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return core.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}
