package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"apigate/internal/models"
)

// SQLiteStorage implements Storage on a local SQLite database. Timestamps
// are stored as unix milliseconds so scanning never depends on driver
// datetime parsing.
type SQLiteStorage struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	plan_id    TEXT NOT NULL,
	key_hash   TEXT NOT NULL UNIQUE,
	prefix     TEXT NOT NULL,
	status     TEXT NOT NULL,
	expires_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS plans (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	policies TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	scope         TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	method        TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	latency_ms    INTEGER NOT NULL,
	client_ip     TEXT NOT NULL,
	ts            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_credential_ts
	ON usage_records (credential_id, ts);
`

// NewSQLiteStorage opens (and if needed initializes) a SQLite database at
// the DSN from the configuration.
func NewSQLiteStorage(cfg models.DatabaseConfig) (*SQLiteStorage, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DSN is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; more connections just queue on locks.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (ss *SQLiteStorage) GetCredentialByHash(ctx context.Context, keyHash string) (*models.Credential, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at
		 FROM credentials WHERE key_hash = ?`, keyHash)
	return scanCredential(row)
}

func (ss *SQLiteStorage) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	row := ss.db.QueryRowContext(ctx,
		`SELECT id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at
		 FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (ss *SQLiteStorage) SaveCredential(ctx context.Context, rec *models.Credential) error {
	_, err := ss.db.ExecContext(ctx,
		`INSERT INTO credentials (id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			plan_id = excluded.plan_id,
			key_hash = excluded.key_hash,
			prefix = excluded.prefix,
			status = excluded.status,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		rec.ID, rec.OwnerID, rec.PlanID, rec.KeyHash, rec.Prefix, string(rec.Status),
		nullableMillis(rec.ExpiresAt), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) SetCredentialStatus(ctx context.Context, id string, status models.CredentialStatus) error {
	res, err := ss.db.ExecContext(ctx,
		`UPDATE credentials SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update credential status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ss *SQLiteStorage) ListCredentials(ctx context.Context) ([]*models.Credential, error) {
	rows, err := ss.db.QueryContext(ctx,
		`SELECT id, owner_id, plan_id, key_hash, prefix, status, expires_at, created_at, updated_at
		 FROM credentials ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (ss *SQLiteStorage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	var policies string
	err := ss.db.QueryRowContext(ctx,
		`SELECT id, name, policies FROM plans WHERE id = ?`, id).
		Scan(&plan.ID, &plan.Name, &policies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if err := json.Unmarshal([]byte(policies), &plan.Policies); err != nil {
		return nil, fmt.Errorf("failed to decode plan policies: %w", err)
	}
	return &plan, nil
}

func (ss *SQLiteStorage) SavePlan(ctx context.Context, plan *models.Plan) error {
	policies, err := json.Marshal(plan.Policies)
	if err != nil {
		return fmt.Errorf("failed to encode plan policies: %w", err)
	}
	_, err = ss.db.ExecContext(ctx,
		`INSERT INTO plans (id, name, policies) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, policies = excluded.policies`,
		plan.ID, plan.Name, string(policies))
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) Plans(ctx context.Context) ([]*models.Plan, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT id, name, policies FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var out []*models.Plan
	for rows.Next() {
		var plan models.Plan
		var policies string
		if err := rows.Scan(&plan.ID, &plan.Name, &policies); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if err := json.Unmarshal([]byte(policies), &plan.Policies); err != nil {
			return nil, fmt.Errorf("failed to decode plan policies: %w", err)
		}
		out = append(out, &plan)
	}
	return out, rows.Err()
}

func (ss *SQLiteStorage) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := ss.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, credential_id, owner_id, scope, endpoint, method, status_code, latency_ms, client_ip, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CredentialID, rec.OwnerID, rec.Scope, rec.Endpoint, rec.Method,
		rec.StatusCode, rec.LatencyMS, rec.ClientIP, rec.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (ss *SQLiteStorage) UsageSummary(ctx context.Context, credentialID string, since time.Time) (*models.UsageSummary, error) {
	summary := &models.UsageSummary{CredentialID: credentialID, Since: since}
	var avg sql.NullFloat64
	err := ss.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0),
			AVG(latency_ms)
		 FROM usage_records WHERE credential_id = ? AND ts >= ?`,
		credentialID, since.UnixMilli()).
		Scan(&summary.TotalRequests, &summary.ErrorRequests, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	if avg.Valid {
		summary.AvgLatencyMS = avg.Float64
	}
	return summary, nil
}

func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*models.Credential, error) {
	var rec models.Credential
	var status string
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.PlanID, &rec.KeyHash, &rec.Prefix,
		&status, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	rec.Status = models.CredentialStatus(status)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64).UTC()
		rec.ExpiresAt = &t
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
