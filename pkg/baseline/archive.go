package baseline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/TheEntropyCollective/autotune/pkg/scaling"
)

// ArchiveConfig holds configuration for the PostgreSQL run archive
type ArchiveConfig struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// ArchivedRun is one persisted scalability run.
type ArchivedRun struct {
	RunID            string          `json:"run_id"`
	CreatedAt        time.Time       `json:"created_at"`
	Level            string          `json:"optimization_level"`
	ScalingType      string          `json:"scaling_type"`
	AvgScalingFactor float64         `json:"avg_scaling_factor"`
	Report           *scaling.Report `json:"report"`
}

// Archive provides PostgreSQL storage for scalability run history
type Archive struct {
	pool   *pgxpool.Pool
	config *ArchiveConfig
}

// NewArchive creates a new archive connection
func NewArchive(ctx context.Context, config *ArchiveConfig) (*Archive, error) {
	if config == nil {
		return nil, fmt.Errorf("archive config is required")
	}

	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Set defaults
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MigrationsPath == "" {
		config.MigrationsPath = "file://migrations"
	}

	// Create connection pool configuration
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = config.MaxConnections
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	// Create connection pool with timeout
	timeoutCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Archive{
		pool:   pool,
		config: config,
	}, nil
}

// Close closes the database connection pool
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Ping verifies database connectivity
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// MigrateToLatest applies all pending database migrations
func (a *Archive) MigrateToLatest(ctx context.Context) error {
	// Hold a connection so the pool is known-healthy before migrating
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	// golang-migrate drives a database/sql handle, not the pgx pool
	migrationDB, err := sql.Open("postgres", a.config.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		a.config.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// InsertRun archives a scalability report and returns the stored record.
func (a *Archive) InsertRun(ctx context.Context, level string, report *scaling.Report) (*ArchivedRun, error) {
	if report == nil {
		return nil, fmt.Errorf("report is required")
	}

	run := &ArchivedRun{
		RunID:            uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
		Level:            level,
		ScalingType:      report.ScalingAnalysis.ScalingType,
		AvgScalingFactor: report.ScalingAnalysis.AvgScalingFactor,
		Report:           report,
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO scalability_runs (
			run_id, created_at, optimization_level, scaling_type, avg_scaling_factor, report
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)`

	_, err = a.pool.Exec(ctx, query,
		run.RunID,
		run.CreatedAt,
		run.Level,
		run.ScalingType,
		run.AvgScalingFactor,
		payload,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert scalability run: %w", err)
	}

	return run, nil
}

// GetRun retrieves an archived run by ID
func (a *Archive) GetRun(ctx context.Context, runID string) (*ArchivedRun, error) {
	query := `
		SELECT run_id, created_at, optimization_level, scaling_type, avg_scaling_factor, report
		FROM scalability_runs
		WHERE run_id = $1`

	run, err := scanRun(a.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("scalability run not found: %s", runID)
		}
		return nil, fmt.Errorf("failed to get scalability run: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent archived runs, newest first.
func (a *Archive) ListRuns(ctx context.Context, limit int) ([]*ArchivedRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT run_id, created_at, optimization_level, scaling_type, avg_scaling_factor, report
		FROM scalability_runs
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := a.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scalability runs: %w", err)
	}
	defer rows.Close()

	var runs []*ArchivedRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scalability run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scalability runs: %w", err)
	}

	return runs, nil
}

// LatestRunByLevel returns the newest archived run for an optimization level.
func (a *Archive) LatestRunByLevel(ctx context.Context, level string) (*ArchivedRun, error) {
	query := `
		SELECT run_id, created_at, optimization_level, scaling_type, avg_scaling_factor, report
		FROM scalability_runs
		WHERE optimization_level = $1
		ORDER BY created_at DESC
		LIMIT 1`

	run, err := scanRun(a.pool.QueryRow(ctx, query, level))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no scalability runs archived for level: %s", level)
		}
		return nil, fmt.Errorf("failed to get latest scalability run: %w", err)
	}

	return run, nil
}

// DeleteRun removes an archived run
func (a *Archive) DeleteRun(ctx context.Context, runID string) error {
	query := `DELETE FROM scalability_runs WHERE run_id = $1`

	result, err := a.pool.Exec(ctx, query, runID)
	if err != nil {
		return fmt.Errorf("failed to delete scalability run: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("scalability run not found: %s", runID)
	}

	return nil
}

func scanRun(row pgx.Row) (*ArchivedRun, error) {
	run := &ArchivedRun{}
	var payload []byte

	err := row.Scan(
		&run.RunID,
		&run.CreatedAt,
		&run.Level,
		&run.ScalingType,
		&run.AvgScalingFactor,
		&payload,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &run.Report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived report: %w", err)
	}

	return run, nil
}
