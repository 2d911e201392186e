package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the table PostgresStore uses. NewPostgresStore applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS mmm_models (
	model_id   VARCHAR(64) PRIMARY KEY,
	dataset_id VARCHAR(64),
	fitted_at  TIMESTAMPTZ NOT NULL,
	record     JSONB NOT NULL,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_mmm_models_expires ON mmm_models(expires_at);
`

const (
	upsertRecord = `
		INSERT INTO mmm_models (model_id, dataset_id, fitted_at, record, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (model_id) DO UPDATE
		SET dataset_id = EXCLUDED.dataset_id,
		    fitted_at  = EXCLUDED.fitted_at,
		    record     = EXCLUDED.record,
		    expires_at = EXCLUDED.expires_at
	`
	selectRecord = `
		SELECT record FROM mmm_models
		WHERE model_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	selectLive = `
		SELECT record FROM mmm_models
		WHERE expires_at IS NULL OR expires_at > NOW()
		ORDER BY fitted_at DESC, model_id
	`
	deleteRecord  = `DELETE FROM mmm_models WHERE model_id = $1`
	deleteExpired = `DELETE FROM mmm_models WHERE expires_at <= NOW()`
)

// PostgresStore keeps records as JSONB rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and applies Schema.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	cp := *rec
	var expiresAt *time.Time
	if ttl > 0 {
		cp.ExpiresAt = time.Now().Add(ttl)
		expiresAt = &cp.ExpiresAt
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := p.pool.Exec(ctx, upsertRecord, cp.ID, cp.DatasetID, cp.FittedAt, data, expiresAt); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, selectRecord, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := p.pool.Query(ctx, selectLive)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, deleteRecord, id)
	if err != nil {
		return fmt.Errorf("postgres delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired deletes expired rows and returns how many it removed.
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, deleteExpired)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
