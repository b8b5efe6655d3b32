package inventory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one versioned schema change.
type Migration struct {
	Version int64
	Name    string
	Up      func(*sql.Tx) error
	Down    func(*sql.Tx) error
}

// Migrator applies pending migrations in version order.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// AddMigration registers a migration.
func (m *Migrator) AddMigration(migration Migration) {
	m.migrations = append(m.migrations, migration)
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
}

// RunMigrations applies every migration newer than the current version.
func (m *Migrator) RunMigrations(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}
	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.run(ctx, migration); err != nil {
			return fmt.Errorf("run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}
	return nil
}

func (m *Migrator) run(ctx context.Context, migration Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := migration.Up(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", migration.Version, migration.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// CurrentVersion returns the newest applied migration version.
func (m *Migrator) CurrentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrations returns the registered migrations.
func (m *Migrator) Migrations() []Migration {
	return m.migrations
}

func schemaMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_inventory_tables",
			Up: func(tx *sql.Tx) error {
				statements := []string{
					`CREATE TABLE slices (
						id TEXT PRIMARY KEY,
						switch TEXT NOT NULL,
						created_at DATETIME NOT NULL,
						updated_at DATETIME NOT NULL
					)`,
					`CREATE TABLE vlan_segments (
						vlan_id INTEGER PRIMARY KEY,
						slice_id TEXT NOT NULL,
						subnet TEXT NOT NULL DEFAULT '',
						gateway_ip TEXT NOT NULL DEFAULT '',
						dhcp_start TEXT NOT NULL DEFAULT '',
						dhcp_end TEXT NOT NULL DEFAULT '',
						server_ip TEXT NOT NULL DEFAULT '',
						namespace TEXT NOT NULL DEFAULT '',
						switch TEXT NOT NULL,
						switch_ports TEXT NOT NULL DEFAULT '',
						dhcp_pid INTEGER NOT NULL DEFAULT 0,
						pid_file TEXT NOT NULL DEFAULT '',
						lease_file TEXT NOT NULL DEFAULT '',
						internet_enabled INTEGER NOT NULL DEFAULT 0,
						state TEXT NOT NULL,
						created_at DATETIME NOT NULL,
						FOREIGN KEY (slice_id) REFERENCES slices(id) ON DELETE CASCADE
					)`,
					`CREATE INDEX idx_vlan_segments_slice_id ON vlan_segments(slice_id)`,
					`CREATE TABLE vms (
						slice_id TEXT NOT NULL,
						name TEXT NOT NULL,
						vlan_id INTEGER NOT NULL,
						worker TEXT NOT NULL,
						vnc_display INTEGER NOT NULL DEFAULT 0,
						vnc_port INTEGER NOT NULL DEFAULT 0,
						image TEXT NOT NULL,
						status TEXT NOT NULL,
						reason TEXT NOT NULL DEFAULT '',
						created_at DATETIME NOT NULL,
						PRIMARY KEY (slice_id, name),
						FOREIGN KEY (slice_id) REFERENCES slices(id) ON DELETE CASCADE
					)`,
					`CREATE TABLE operations (
						id TEXT PRIMARY KEY,
						kind TEXT NOT NULL,
						slice_id TEXT NOT NULL,
						status TEXT NOT NULL,
						total INTEGER NOT NULL DEFAULT 0,
						succeeded INTEGER NOT NULL DEFAULT 0,
						skipped INTEGER NOT NULL DEFAULT 0,
						failed INTEGER NOT NULL DEFAULT 0,
						error TEXT NOT NULL DEFAULT '',
						started_at DATETIME NOT NULL,
						finished_at DATETIME NOT NULL
					)`,
					`CREATE INDEX idx_operations_slice_id ON operations(slice_id)`,
				}
				for _, stmt := range statements {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
			Down: func(tx *sql.Tx) error {
				for _, table := range []string{"operations", "vms", "vlan_segments", "slices"} {
					if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
