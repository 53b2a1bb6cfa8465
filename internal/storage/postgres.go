package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"apigate/internal/models"
)

// PostgresStorage implements the Storage interface using PostgreSQL.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	plan_id    TEXT NOT NULL,
	key_hash   TEXT NOT NULL UNIQUE,
	prefix     TEXT NOT NULL,
	status     TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	policies JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	scope         TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	method        TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	latency_ms    BIGINT NOT NULL,
	client_ip     TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_credential_ts
	ON usage_records (credential_id, ts);
`

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(cfg models.DatabaseConfig) (*PostgresStorage, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DSN is required for PostgreSQL storage")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(context.Background(), postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

func (ps *PostgresStorage) GetCredentialByHash(ctx context.Context, keyHash string) (*models.Credential, error) {
	row := ps.pool.QueryRow(ctx,
		`SELECT id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at
		 FROM credentials WHERE key_hash = $1`, keyHash)
	return scanPgCredential(row)
}

func (ps *PostgresStorage) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	row := ps.pool.QueryRow(ctx,
		`SELECT id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at
		 FROM credentials WHERE id = $1`, id)
	return scanPgCredential(row)
}

func (ps *PostgresStorage) SaveCredential(ctx context.Context, rec *models.Credential) error {
	_, err := ps.pool.Exec(ctx,
		`INSERT INTO credentials (id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			plan_id = EXCLUDED.plan_id,
			key_hash = EXCLUDED.key_hash,
			prefix = EXCLUDED.prefix,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.OwnerID, rec.PlanID, rec.KeyHash, rec.Prefix, string(rec.Status),
		timePtrToPgTimestamptz(rec.ExpiresAt), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) SetCredentialStatus(ctx context.Context, id string, status models.CredentialStatus) error {
	tag, err := ps.pool.Exec(ctx,
		`UPDATE credentials SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStorage) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	rows, err := ps.pool.Query(ctx,
		`SELECT id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at
		 FROM credentials ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		rec, err := scanPgCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (ps *PostgresStorage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	var policies []byte
	err := ps.pool.QueryRow(ctx,
		`SELECT id, name, policies FROM plans WHERE id = $1`, id).
		Scan(&plan.ID, &plan.Name, &policies)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if err := json.Unmarshal(policies, &plan.Policies); err != nil {
		return nil, fmt.Errorf("failed to decode plan policies: %w", err)
	}
	return &plan, nil
}

func (ps *PostgresStorage) SavePlan(ctx context.Context, plan *models.Plan) error {
	policies, err := json.Marshal(plan.Policies)
	if err != nil {
		return fmt.Errorf("failed to encode plan policies: %w", err)
	}
	_, err = ps.pool.Exec(ctx,
		`INSERT INTO plans (id, name, policies) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, policies = EXCLUDED.policies`,
		plan.ID, plan.Name, policies)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) Plans(ctx context.Context) ([]*models.Plan, error) {
	rows, err := ps.pool.Query(ctx, `SELECT id, name, policies FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*models.Plan
	for rows.Next() {
		var plan models.Plan
		var policies []byte
		if err := rows.Scan(&plan.ID, &plan.Name, &policies); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if err := json.Unmarshal(policies, &plan.Policies); err != nil {
			return nil, fmt.Errorf("failed to decode plan policies: %w", err)
		}
		out = append(out, &plan)
	}
	return out, rows.Err()
}

func (ps *PostgresStorage) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := ps.pool.Exec(ctx,
		`INSERT INTO usage_records (id, credential_id, owner_id, scope, endpoint, method, status_code, latency_ms, client_ip, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.CredentialID, rec.OwnerID, rec.Scope, rec.Endpoint, rec.Method,
		rec.StatusCode, rec.LatencyMS, rec.ClientIP, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) UsageSummary(ctx context.Context, credentialID string, since time.Time) (*models.UsageSummary, error) {
	summary := &models.UsageSummary{CredentialID: credentialID, Since: since}
	var avg pgtype.Float8
	err := ps.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0),
			AVG(latency_ms)
		 FROM usage_records WHERE credential_id = $1 AND ts >= $2`,
		credentialID, since).
		Scan(&summary.TotalRequests, &summary.ErrorRequests, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	if avg.Valid {
		summary.AvgLatencyMS = avg.Float64
	}
	return summary, nil
}

// Close closes the storage connection.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

func scanPgCredential(row pgx.Row) (*models.Credential, error) {
	var rec models.Credential
	var status string
	var expiresAt pgtype.Timestamptz
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.PlanID, &rec.KeyHash, &rec.Prefix,
		&status, &expiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	rec.Status = models.CredentialStatus(status)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func timePtrToPgTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
