package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements create the request log schema. All DDL uses IF NOT
// EXISTS, making migration idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY,
		correlation_id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		policy TEXT,
		streaming BOOLEAN NOT NULL,
		input_tokens INTEGER,
		output_tokens INTEGER,
		cost_sats REAL,
		latency_ms INTEGER NOT NULL,
		stream_duration_ms INTEGER,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		providers_tried TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_model ON requests (model)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests (provider)`,
}

// migrate brings the database up to the current schema version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("storage: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("storage: record schema version: %w", err)
	}
	return nil
}
