package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mwhitfield/payment-webhooks/internal/config"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
)

// Database represents a database connection
type Database struct {
	DB     *sqlx.DB
	logger logger.Logger
}

// New creates a new database connection
func New(cfg *config.Config, logger logger.Logger) (*Database, error) {
	db, err := sqlx.Connect("postgres", cfg.GetDBConnString())

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Info("Connected to database", "host", cfg.DB.Host, "database", cfg.DB.Name)

	return &Database{
		DB:     db,
		logger: logger,
	}, nil
}

// Ping checks the database connection
func (d *Database) Ping(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.DB.Close()
}

// RunMigrations creates the schema. Uniqueness is enforced here rather
// than in application code: the processed_events primary key and the
// partial unique index on unresolved dead letters are what close the
// check-then-write race windows.
func (d *Database) RunMigrations() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id VARCHAR(255) PRIMARY KEY,
		event_type VARCHAR(100) NOT NULL,
		related_entity_id VARCHAR(255),
		session_id VARCHAR(255),
		metadata JSONB,
		claimed_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_processed_events_type ON processed_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_processed_events_entity ON processed_events(related_entity_id);

	CREATE TABLE IF NOT EXISTS dead_letter_entries (
		id VARCHAR(50) PRIMARY KEY,
		event_id VARCHAR(255) NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		correlation_id VARCHAR(255),
		related_entity_id VARCHAR(255),
		payload JSONB NOT NULL,
		error_message TEXT NOT NULL,
		error_code VARCHAR(100) NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		resolved_at TIMESTAMP,
		resolved_by VARCHAR(255),
		resolution_notes TEXT
	);

	-- At most one open entry per event; resolved history is kept.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_dead_letter_open_event
		ON dead_letter_entries(event_id) WHERE resolved_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_dead_letter_created ON dead_letter_entries(created_at DESC);

	CREATE TABLE IF NOT EXISTS operator_audit_log (
		id VARCHAR(50) PRIMARY KEY,
		actor VARCHAR(255) NOT NULL,
		action VARCHAR(50) NOT NULL,
		entry_id VARCHAR(50),
		affected_count INT NOT NULL DEFAULT 0,
		notes TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	-- Atomic claim primitive: the insert and the duplicate check are a
	-- single statement, so exactly one concurrent caller sees TRUE.
	CREATE OR REPLACE FUNCTION claim_event(
		p_event_id VARCHAR,
		p_event_type VARCHAR,
		p_related_entity_id VARCHAR,
		p_session_id VARCHAR,
		p_metadata JSONB
	) RETURNS BOOLEAN AS $$
	DECLARE
		inserted INT;
	BEGIN
		INSERT INTO processed_events (event_id, event_type, related_entity_id, session_id, metadata)
		VALUES (p_event_id, p_event_type, p_related_entity_id, p_session_id, p_metadata)
		ON CONFLICT (event_id) DO NOTHING;
		GET DIAGNOSTICS inserted = ROW_COUNT;
		RETURN inserted > 0;
	END;
	$$ LANGUAGE plpgsql;
	`

	_, err := d.DB.Exec(schema)

	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.logger.Info("Database migrations completed successfully")
	return nil
}
