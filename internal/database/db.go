package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection from a connection URL
func NewDB(databaseURL string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	dbLogger := logger.With().Str("component", "database").Logger()
	dbLogger.Info().Str("database", poolConfig.ConnConfig.Database).Msg("connected to postgres")

	return &DB{Pool: pool, logger: dbLogger}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		// Create market_klines table: the rolling candle window, one row per candle
		`CREATE TABLE IF NOT EXISTS market_klines (
			exchange VARCHAR(20) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			open_time BIGINT NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(30, 8) NOT NULL,
			close_time BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (exchange, symbol, interval, open_time)
		)`,

		// Create projects table: user strategy definitions
		`CREATE TABLE IF NOT EXISTS projects (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL DEFAULT 0,
			name VARCHAR(200) NOT NULL,
			generated_js TEXT NOT NULL DEFAULT '',
			symbols TEXT[] NOT NULL DEFAULT '{}',
			exchange VARCHAR(20) NOT NULL DEFAULT 'BINANCE',
			interval_seconds INT NOT NULL DEFAULT 60,
			status VARCHAR(20) NOT NULL DEFAULT 'draft',
			last_run_at TIMESTAMP,
			last_run_status VARCHAR(20),
			last_run_error TEXT,
			next_run_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_next_run ON projects(next_run_at)`,

		// Create project_runs table: one row per execution cycle
		`CREATE TABLE IF NOT EXISTS project_runs (
			id UUID PRIMARY KEY,
			project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL DEFAULT 0,
			mode VARCHAR(10) NOT NULL DEFAULT 'paper',
			status VARCHAR(20) NOT NULL DEFAULT 'running',
			started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at TIMESTAMP,
			summary TEXT,
			error TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_runs_project ON project_runs(project_id, started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_project_runs_status ON project_runs(status)`,

		// Create project_positions table: paper ledger, at most one open row per (project, symbol)
		`CREATE TABLE IF NOT EXISTS project_positions (
			id UUID PRIMARY KEY,
			project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL DEFAULT 0,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL DEFAULT 'long',
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			qty DECIMAL(30, 12) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_time TIMESTAMP NOT NULL,
			exit_price DECIMAL(20, 8),
			exit_time TIMESTAMP,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_project_positions_open
			ON project_positions(project_id, symbol) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_project_positions_project ON project_positions(project_id)`,

		// Create project_logs table: strategy log lines and host-side notices
		`CREATE TABLE IF NOT EXISTS project_logs (
			id BIGSERIAL PRIMARY KEY,
			project_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL DEFAULT 0,
			run_id UUID,
			level VARCHAR(10) NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			meta JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_project_logs_project ON project_logs(project_id, created_at DESC)`,

		// Create updated_at trigger function
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		// Create triggers for updated_at
		`DROP TRIGGER IF EXISTS update_projects_updated_at ON projects`,
		`CREATE TRIGGER update_projects_updated_at BEFORE UPDATE ON projects
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_project_positions_updated_at ON project_positions`,
		`CREATE TRIGGER update_project_positions_updated_at BEFORE UPDATE ON project_positions
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		// Create claim_due_projects function: locks up to p_limit due projects,
		// advances their next_run_at by interval_seconds, and returns the rows.
		// SKIP LOCKED keeps concurrent runner instances from claiming the same project.
		`CREATE OR REPLACE FUNCTION claim_due_projects(p_limit INT, p_statuses TEXT[])
		RETURNS SETOF projects AS $$
		BEGIN
			RETURN QUERY
			UPDATE projects p
			SET next_run_at = CURRENT_TIMESTAMP + make_interval(secs => p.interval_seconds),
				updated_at = CURRENT_TIMESTAMP
			WHERE p.id IN (
				SELECT id FROM projects
				WHERE status = ANY(p_statuses)
					AND next_run_at <= CURRENT_TIMESTAMP
				ORDER BY next_run_at
				LIMIT p_limit
				FOR UPDATE SKIP LOCKED
			)
			RETURNING p.*;
		END;
		$$ LANGUAGE plpgsql`,
	}

	// Execute migrations
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}
