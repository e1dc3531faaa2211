package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loopcast/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Sealer              *Sealer
	LogRetention        int
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		ApplicationName: "loopcast",
		LogRetention:    defaultLogRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	return cfg
}

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream_id          TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	status             TEXT NOT NULL,
	process_id         INTEGER,
	process_started_at TIMESTAMPTZ,
	last_heartbeat     TIMESTAMPTZ,
	broadcast_id       TEXT NOT NULL DEFAULT '',
	ingest_url         TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT '',
	restarts           INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	stopped_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS streams_account_status_idx ON streams (account_id, status);
CREATE TABLE IF NOT EXISTS stream_logs (
	id         BIGSERIAL PRIMARY KEY,
	stream_id  TEXT NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS stream_logs_stream_idx ON stream_logs (stream_id, id);
CREATE TABLE IF NOT EXISTS account_tokens (
	account_id    TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_type    TEXT NOT NULL DEFAULT '',
	expiry        TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL
);
`

const streamColumns = `stream_id, account_id, status, process_id, process_started_at, last_heartbeat,
	broadcast_id, ingest_url, error_message, restarts, created_at, updated_at, stopped_at`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pool and creates the schema when missing.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap postgres schema: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanStream(row pgx.Row) (models.StreamRecord, error) {
	var (
		record models.StreamRecord
		pid    *int32
		status string
	)
	err := row.Scan(
		&record.StreamID,
		&record.AccountID,
		&status,
		&pid,
		&record.ProcessStartedAt,
		&record.LastHeartbeat,
		&record.BroadcastID,
		&record.IngestURL,
		&record.ErrorMessage,
		&record.Restarts,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.StoppedAt,
	)
	if err != nil {
		return models.StreamRecord{}, err
	}
	record.Status = models.StreamStatus(status)
	if pid != nil {
		value := int(*pid)
		record.ProcessID = &value
	}
	return record, nil
}

func (r *postgresRepository) GetStream(ctx context.Context, streamID string) (models.StreamRecord, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+streamColumns+" FROM streams WHERE stream_id = $1", streamID)
	record, err := scanStream(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamRecord{}, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("get stream %s: %w", streamID, err)
	}
	return record, nil
}

func (r *postgresRepository) SaveStream(ctx context.Context, record models.StreamRecord) error {
	if record.StreamID == "" {
		return errors.New("stream id required")
	}
	var pid *int32
	if record.ProcessID != nil {
		value := int32(*record.ProcessID)
		pid = &value
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO streams (`+streamColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (stream_id) DO UPDATE SET
	account_id = EXCLUDED.account_id,
	status = EXCLUDED.status,
	process_id = EXCLUDED.process_id,
	process_started_at = EXCLUDED.process_started_at,
	last_heartbeat = EXCLUDED.last_heartbeat,
	broadcast_id = EXCLUDED.broadcast_id,
	ingest_url = EXCLUDED.ingest_url,
	error_message = EXCLUDED.error_message,
	restarts = EXCLUDED.restarts,
	updated_at = EXCLUDED.updated_at,
	stopped_at = EXCLUDED.stopped_at`,
		record.StreamID,
		record.AccountID,
		string(record.Status),
		pid,
		record.ProcessStartedAt,
		record.LastHeartbeat,
		record.BroadcastID,
		record.IngestURL,
		record.ErrorMessage,
		record.Restarts,
		record.CreatedAt,
		record.UpdatedAt,
		record.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("save stream %s: %w", record.StreamID, err)
	}
	return nil
}

func (r *postgresRepository) ListStreams(ctx context.Context, filter StreamFilter) ([]models.StreamRecord, error) {
	query := "SELECT " + streamColumns + " FROM streams WHERE ($1 = '' OR account_id = $1)"
	args := []any{filter.AccountID}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query += " AND status = ANY($2)"
		args = append(args, statuses)
	}
	query += " ORDER BY created_at, stream_id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()
	var out []models.StreamRecord
	for rows.Next() {
		record, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return out, nil
}

func (r *postgresRepository) AppendLog(ctx context.Context, entry models.StreamLogEntry) error {
	if entry.StreamID == "" {
		return errors.New("stream id required")
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx,
		"INSERT INTO stream_logs (stream_id, level, message, created_at) VALUES ($1, $2, $3, $4)",
		entry.StreamID, string(entry.Level), entry.Message, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM stream_logs WHERE stream_id = $1 AND id <= (
	SELECT id FROM stream_logs WHERE stream_id = $1 ORDER BY id DESC OFFSET $2 LIMIT 1
)`, entry.StreamID, r.cfg.LogRetention); err != nil {
		return fmt.Errorf("trim logs: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *postgresRepository) ListLogs(ctx context.Context, streamID string, limit int) ([]models.StreamLogEntry, error) {
	if limit <= 0 {
		limit = r.cfg.LogRetention
	}
	rows, err := r.pool.Query(ctx, `
SELECT stream_id, level, message, created_at FROM (
	SELECT id, stream_id, level, message, created_at FROM stream_logs
	WHERE stream_id = $1 ORDER BY id DESC LIMIT $2
) recent ORDER BY id`, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	out := []models.StreamLogEntry{}
	for rows.Next() {
		var (
			entry models.StreamLogEntry
			level string
		)
		if err := rows.Scan(&entry.StreamID, &level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Level = models.LogLevel(level)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return out, nil
}

func (r *postgresRepository) GetAccountToken(ctx context.Context, accountID string) (models.AccountToken, error) {
	var (
		token  models.AccountToken
		expiry *time.Time
	)
	err := r.pool.QueryRow(ctx,
		"SELECT account_id, access_token, refresh_token, token_type, expiry, updated_at FROM account_tokens WHERE account_id = $1",
		accountID,
	).Scan(&token.AccountID, &token.AccessToken, &token.RefreshToken, &token.TokenType, &expiry, &token.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AccountToken{}, fmt.Errorf("account %s token: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return models.AccountToken{}, fmt.Errorf("get account token: %w", err)
	}
	if expiry != nil {
		token.Expiry = *expiry
	}
	return openToken(r.cfg.Sealer, token)
}

func (r *postgresRepository) SaveAccountToken(ctx context.Context, token models.AccountToken) error {
	if token.AccountID == "" {
		return errors.New("account id required")
	}
	sealed, err := sealToken(r.cfg.Sealer, token)
	if err != nil {
		return err
	}
	var expiry *time.Time
	if !sealed.Expiry.IsZero() {
		expiry = &sealed.Expiry
	}
	updated := sealed.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO account_tokens (account_id, access_token, refresh_token, token_type, expiry, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	token_type = EXCLUDED.token_type,
	expiry = EXCLUDED.expiry,
	updated_at = EXCLUDED.updated_at`,
		sealed.AccountID, sealed.AccessToken, sealed.RefreshToken, sealed.TokenType, expiry, updated,
	)
	if err != nil {
		return fmt.Errorf("save account token: %w", err)
	}
	return nil
}
