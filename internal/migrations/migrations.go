// Package migrations applies the database schema. Statements are idempotent
// so Apply can run on every startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// The (parent, order_index) constraints are DEFERRABLE INITIALLY DEFERRED:
// batch sibling shifts may pass through duplicate indices inside a
// transaction, and the constraint is checked at commit.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		google_id TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id)`,
	`CREATE TABLE IF NOT EXISTS specifications (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT specifications_project_order UNIQUE (project_id, order_index)
			DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_specifications_project ON specifications(project_id)`,
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		spec_id TEXT NOT NULL REFERENCES specifications(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT items_spec_order UNIQUE (spec_id, order_index)
			DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE INDEX IF NOT EXISTS idx_items_spec ON items(spec_id)`,
}

// Apply runs every schema statement in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
