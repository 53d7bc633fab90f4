package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

var ErrNotFound = errors.New("record not found")

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the audit tables when they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

const insertSecurityEvent = `
	INSERT INTO security_events (id, execution_id, instance_id, type, severity, detail, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// LogExecution inserts an execution and its security events in one
// transaction.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, instance_id, kind, code_hash, exit_code, output, stderr,
			duration_ms, cpu_time_ms, memory_peak_mb, artifacts, warnings, status,
			request_ip, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query,
			exec.ID, exec.InstanceID, exec.Kind, exec.CodeHash, exec.ExitCode,
			truncateForDB(exec.Output, 65535),
			truncateForDB(exec.Stderr, 65535),
			exec.DurationMS, exec.CPUTimeMS, exec.MemoryPeakMB,
			exec.Artifacts, exec.Warnings, exec.Status,
			exec.RequestIP, exec.CreatedAt, exec.CompletedAt,
		); err != nil {
			return fmt.Errorf("inserting execution: %w", err)
		}
		for i := range exec.SecurityEvents {
			ev := prepareEvent(&exec.SecurityEvents[i], exec)
			if _, err := tx.Exec(ctx, insertSecurityEvent,
				ev.ID, ev.ExecutionID, ev.InstanceID, ev.Type, ev.Severity,
				truncateForDB(ev.Detail, 4096), ev.CreatedAt,
			); err != nil {
				return fmt.Errorf("inserting security event: %w", err)
			}
		}
		return nil
	})
	return err
}

func prepareEvent(ev *SecurityEventRecord, exec *Execution) *SecurityEventRecord {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ExecutionID == "" {
		ev.ExecutionID = exec.ID
	}
	if ev.InstanceID == "" {
		ev.InstanceID = exec.InstanceID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = exec.CreatedAt
	}
	return ev
}

// LogSecurityEvent inserts a standalone security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := db.pool.Exec(ctx, insertSecurityEvent,
		event.ID, event.ExecutionID, event.InstanceID, event.Type, event.Severity,
		truncateForDB(event.Detail, 4096), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, instance_id, kind, code_hash, exit_code, output, stderr,
			duration_ms, cpu_time_ms, memory_peak_mb, artifacts, warnings, status,
			request_ip, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.InstanceID, &exec.Kind, &exec.CodeHash, &exec.ExitCode,
		&exec.Output, &exec.Stderr,
		&exec.DurationMS, &exec.CPUTimeMS, &exec.MemoryPeakMB,
		&exec.Artifacts, &exec.Warnings, &exec.Status,
		&exec.RequestIP, &exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, instance_id, kind, code_hash, exit_code, duration_ms,
			artifacts, warnings, status, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR instance_id = $1)
		  AND ($2 = '' OR kind = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		filter.InstanceID, filter.Kind, filter.Status, clampLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.InstanceID, &exec.Kind, &exec.CodeHash, &exec.ExitCode,
			&exec.DurationMS, &exec.Artifacts, &exec.Warnings, &exec.Status,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
