package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewClient(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Ping to verify connection using a short timeout context
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return pool, nil
}

// RunMigrations creates necessary tables if they don't exist
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS generation_requests (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			negative_prompt TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			aspect_ratio TEXT NOT NULL DEFAULT '',
			seed BIGINT NOT NULL DEFAULT 0,
			inference_steps INT NOT NULL,
			cfg_scale DOUBLE PRECISION NOT NULL,
			intended_use TEXT NOT NULL,
			num_images INT NOT NULL,
			status TEXT NOT NULL,
			error_detail TEXT NOT NULL DEFAULT '',
			execution_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generation_requests_user
			ON generation_requests (user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS generated_artifacts (
			id UUID PRIMARY KEY,
			request_id UUID NOT NULL REFERENCES generation_requests (id),
			ordinal INT NOT NULL,
			storage_handle TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			file_format TEXT NOT NULL,
			retention_category TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		// One artifact per (request, ordinal): duplicate callback deliveries
		// hit the constraint instead of creating a second row.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_generated_artifacts_request_ordinal
			ON generated_artifacts (request_id, ordinal);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			request_id UUID NOT NULL,
			user_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
			recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_request ON audit_log (request_id);`,
	}

	for _, query := range queries {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	log.Println("Migrations executed successfully")
	return nil
}
