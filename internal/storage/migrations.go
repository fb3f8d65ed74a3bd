package storage

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is a single versioned schema file.
type Migration struct {
	Version  string
	Filename string
	Content  string
	Checksum string
}

// MigrationRunner applies pending schema migrations.
type MigrationRunner struct {
	db *sql.DB
}

func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// Migrate enables WAL mode and applies every migration not yet recorded
// in schema_migrations. Applied migrations are checksum-verified so a
// silently edited file fails loudly instead of diverging.
func (mr *MigrationRunner) Migrate() error {
	if _, err := mr.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := mr.db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := mr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	for _, migration := range migrations {
		if err := mr.apply(migration); err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  strings.Split(entry.Name(), "_")[0],
			Filename: entry.Name(),
			Content:  string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (mr *MigrationRunner) apply(migration Migration) error {
	var existing string
	err := mr.db.QueryRow(
		"SELECT checksum FROM schema_migrations WHERE version = ?",
		migration.Version,
	).Scan(&existing)

	if err == nil {
		if existing != migration.Checksum {
			return fmt.Errorf("checksum mismatch for %s: recorded %s, file %s",
				migration.Filename, existing, migration.Checksum)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check migration status: %w", err)
	}

	if _, err := mr.db.Exec(migration.Content); err != nil {
		return fmt.Errorf("execute migration SQL: %w", err)
	}

	if _, err := mr.db.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)",
		migration.Version, migration.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}
