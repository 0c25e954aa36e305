package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/stockimport/internal/core"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS inventory_records (
  tenant_id   TEXT NOT NULL,
  import_type TEXT NOT NULL,
  record_key  TEXT NOT NULL,
  fields      JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (tenant_id, import_type, record_key)
);
CREATE TABLE IF NOT EXISTS import_jobs (
  id          TEXT PRIMARY KEY,
  tenant_id   TEXT NOT NULL,
  import_type TEXT NOT NULL,
  status      TEXT NOT NULL,
  finished_at TIMESTAMPTZ,
  payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS import_jobs_tenant ON import_jobs (tenant_id, finished_at);
`

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Postgres stores records and archived jobs in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool, verifies the connection and ensures the schema.
func ConnectPostgres(ctx context.Context, cfg PoolConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := NewPostgres(pool)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool. The caller owns the pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) WriteRecord(ctx context.Context, tenantID string, rec core.Record, opts core.WriteOptions) error {
	change, isMovement, err := movementEffect(rec)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, ref := range rec.MissingReferences {
			if _, err := tx.Exec(ctx, `
				INSERT INTO inventory_records (tenant_id, import_type, record_key)
				VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`,
				tenantID, string(ref.Type), ref.Key,
			); err != nil {
				return fmt.Errorf("create placeholder %s %q: %w", ref.Type, ref.Key, err)
			}
		}

		insert := `INSERT INTO inventory_records (tenant_id, import_type, record_key, fields)
			VALUES ($1, $2, $3, $4)`
		if opts.Overwrite {
			insert += ` ON CONFLICT (tenant_id, import_type, record_key)
			DO UPDATE SET fields = EXCLUDED.fields, updated_at = NOW()`
		} else {
			insert += ` ON CONFLICT DO NOTHING`
		}
		// pgx encodes map[string]any as JSON for a jsonb column.
		tag, err := tx.Exec(ctx, insert, tenantID, string(rec.Type), recordKey(rec), rec.Fields)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %q", ErrDuplicate, rec.Type, rec.Key)
		}

		if !isMovement {
			return nil
		}
		stock := `COALESCE((fields->>'stock_quantity')::bigint, 0) + $1`
		if change.Set {
			stock = `$1::bigint`
		}
		tag, err = tx.Exec(ctx, `
			UPDATE inventory_records
			SET fields = jsonb_set(fields, '{stock_quantity}', to_jsonb(`+stock+`)), updated_at = NOW()
			WHERE tenant_id = $2 AND import_type = $3 AND record_key = $4`,
			change.Delta, tenantID, string(core.ImportProducts), change.SKU,
		)
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %q", ErrUnknownProduct, change.SKU)
		}
		return nil
	})
}

func (p *Postgres) Exists(ctx context.Context, tenantID string, ref core.Reference) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM inventory_records WHERE tenant_id = $1 AND import_type = $2 AND record_key = $3)`,
		tenantID, string(ref.Type), ref.Key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup %s %q: %w", ref.Type, ref.Key, err)
	}
	return exists, nil
}

// Fields returns the stored fields of ref.
func (p *Postgres) Fields(ctx context.Context, tenantID string, ref core.Reference) (map[string]any, error) {
	var fields map[string]any
	err := p.pool.QueryRow(ctx, `
		SELECT fields FROM inventory_records WHERE tenant_id = $1 AND import_type = $2 AND record_key = $3`,
		tenantID, string(ref.Type), ref.Key,
	).Scan(&fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select fields: %w", err)
	}
	return fields, nil
}

func (p *Postgres) SaveJob(ctx context.Context, job core.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO import_jobs (id, tenant_id, import_type, status, finished_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, finished_at = EXCLUDED.finished_at, payload = EXCLUDED.payload`,
		job.ID, job.TenantID, string(job.ImportType), string(job.Status), job.FinishedAt, payload,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (p *Postgres) LoadJob(ctx context.Context, id string) (core.Job, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM import_jobs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Job{}, core.ErrNotFound
	}
	if err != nil {
		return core.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	var job core.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return core.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}
