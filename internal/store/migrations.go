package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "context_snapshots: snapshot identity, causality, tier bookkeeping",
		SQL: `
CREATE TABLE context_snapshots (
    id             TEXT PRIMARY KEY,
    project        TEXT NOT NULL,
    summary        TEXT,
    tags           TEXT NOT NULL DEFAULT '[]',
    source         TEXT,
    metadata       TEXT NOT NULL DEFAULT '{}',
    timestamp      INTEGER NOT NULL,
    action_type    TEXT,
    rationale      TEXT,

    -- Layer 1: causal provenance
    caused_by      TEXT,
    dependencies   TEXT NOT NULL DEFAULT '[]',

    -- Layer 2: temporal relevance
    memory_tier    TEXT NOT NULL DEFAULT 'active' CHECK (memory_tier IN ('active', 'recent', 'archived', 'expired')),
    last_accessed  INTEGER,
    access_count   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_snapshots_project   ON context_snapshots(project, timestamp);
CREATE INDEX idx_snapshots_caused_by ON context_snapshots(caused_by);
CREATE INDEX idx_snapshots_tier      ON context_snapshots(memory_tier, last_accessed);
`,
	},
	{
		Version:     2,
		Description: "context_snapshots: relevance prediction fields",
		SQL: `
ALTER TABLE context_snapshots ADD COLUMN prediction_score REAL CHECK (prediction_score IS NULL OR (prediction_score >= 0.0 AND prediction_score <= 1.0));
ALTER TABLE context_snapshots ADD COLUMN last_predicted INTEGER;
ALTER TABLE context_snapshots ADD COLUMN predicted_next_access INTEGER;
ALTER TABLE context_snapshots ADD COLUMN propagation_reason TEXT NOT NULL DEFAULT '[]';

CREATE INDEX idx_snapshots_predicted ON context_snapshots(project, prediction_score DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
