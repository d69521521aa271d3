// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS infrastructures (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				os TEXT,
				distribution TEXT,
				architecture TEXT,
				cpu_cores INTEGER,
				ram_mb INTEGER,
				disk_gb INTEGER,
				provider TEXT,
				location TEXT,
				notes TEXT,
				declared_json TEXT,
				observed_json TEXT,
				observed_at_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS runners (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				token_hash TEXT NOT NULL,
				infrastructure_id TEXT REFERENCES infrastructures(id) ON DELETE SET NULL,
				status TEXT NOT NULL,
				last_seen_at TEXT,
				host_info_json TEXT,
				capabilities_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS orders (
				id TEXT PRIMARY KEY,
				runner_id TEXT NOT NULL REFERENCES runners(id) ON DELETE CASCADE,
				infrastructure_id TEXT REFERENCES infrastructures(id) ON DELETE SET NULL,
				category TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT,
				command TEXT NOT NULL,
				status TEXT NOT NULL,
				progress INTEGER,
				result_json TEXT,
				error_message TEXT,
				exit_code INTEGER,
				stdout_tail TEXT,
				stderr_tail TEXT,
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS caddy_routes (
				id TEXT PRIMARY KEY,
				infrastructure_id TEXT NOT NULL REFERENCES infrastructures(id) ON DELETE CASCADE,
				domain TEXT NOT NULL,
				subdomain TEXT,
				full_domain TEXT NOT NULL,
				backend_host TEXT NOT NULL,
				backend_port INTEGER NOT NULL,
				backend_protocol TEXT NOT NULL,
				https_status TEXT NOT NULL,
				consumed_by TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(infrastructure_id, full_domain)
			)`,
			`CREATE TABLE IF NOT EXISTS deployments (
				id TEXT PRIMARY KEY,
				app_name TEXT NOT NULL,
				repo_url TEXT NOT NULL,
				branch TEXT NOT NULL,
				deploy_type TEXT NOT NULL,
				runner_id TEXT NOT NULL REFERENCES runners(id) ON DELETE CASCADE,
				infrastructure_id TEXT REFERENCES infrastructures(id) ON DELETE SET NULL,
				status TEXT NOT NULL,
				port INTEGER,
				start_command TEXT,
				build_command TEXT,
				healthcheck_type TEXT,
				healthcheck_value TEXT,
				env_vars_sealed TEXT,
				expose_via_caddy INTEGER NOT NULL DEFAULT 0,
				domain TEXT,
				rolled_back_from TEXT REFERENCES deployments(id) ON DELETE SET NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS deployment_steps (
				id TEXT PRIMARY KEY,
				deployment_id TEXT NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
				step_order INTEGER NOT NULL,
				step_type TEXT NOT NULL,
				command TEXT NOT NULL,
				order_id TEXT REFERENCES orders(id) ON DELETE SET NULL,
				status TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(deployment_id, step_order)
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				entity TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runners_infra ON runners(infrastructure_id)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_runner ON orders(runner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_infra ON orders(infrastructure_id)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
			`CREATE INDEX IF NOT EXISTS idx_routes_infra ON caddy_routes(infrastructure_id)`,
			`CREATE INDEX IF NOT EXISTS idx_deployments_runner ON deployments(runner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status)`,
			`CREATE INDEX IF NOT EXISTS idx_steps_deployment ON deployment_steps(deployment_id)`,
			`CREATE INDEX IF NOT EXISTS idx_steps_order ON deployment_steps(order_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity, entity_id)`,
		},
	},
	{
		version: 2,
		name:    "order_env_and_deployment_route",
		statements: []string{
			`ALTER TABLE orders ADD COLUMN env_sealed TEXT`,
			`ALTER TABLE deployments ADD COLUMN route_id TEXT REFERENCES caddy_routes(id) ON DELETE SET NULL`,
		},
	},
}

// Migrate applies all pending schema migrations to the database.
//
// This function:
//   - Enables foreign key constraints
//   - Validates migration definitions (no duplicates, ordered versions)
//   - Ensures schema_migrations table exists
//   - Loads previously applied migration versions
//   - Verifies applied migrations are still known
//   - Applies any pending migrations in transaction
//
// Migrations are applied in version order. Each migration runs in a
// separate transaction for atomicity. Returns an error if any step fails.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// ensureSchemaMigrations creates the schema_migrations tracking table if it doesn't exist.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns a set of migration versions that have been applied.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the codebase.
//
// This prevents a scenario where a migration was applied but then removed
// from the code, which would cause database schema drift.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction.
//
// Runs all SQL statements for the migration in order. If any statement
// fails, the transaction is rolled back. On success, records the migration
// in schema_migrations before committing.
func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations checks that all migrations are properly defined.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
