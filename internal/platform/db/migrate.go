package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migration is a single goose migration file found on disk.
type Migration struct {
	Version int64
	Name    string
}

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies the goose SQL migrations in dir against the pool's database.
type Migrator struct {
	db       *sql.DB
	provider *goose.Provider
}

// NewMigrator opens a database/sql handle on top of the pool (goose needs one)
// and loads the migrations from migrationsDir.
func NewMigrator(pool *pgxpool.Pool, migrationsDir string) (*Migrator, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, os.DirFS(migrationsDir))
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("load migrations from %s: %w", migrationsDir, err)
	}
	return &Migrator{db: sqlDB, provider: provider}, nil
}

// Up applies all pending migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("apply migrations: %w", err)
	}
	return len(results), nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) (*Migration, error) {
	res, err := m.provider.Down(ctx)
	if err != nil {
		return nil, fmt.Errorf("roll back migration: %w", err)
	}
	return &Migration{Version: res.Source.Version, Name: filepath.Base(res.Source.Path)}, nil
}

// Status returns every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationStatus, 0, len(statuses))
	for _, s := range statuses {
		ms := MigrationStatus{
			Version: s.Source.Version,
			Name:    filepath.Base(s.Source.Path),
			Applied: s.State == goose.StateApplied,
		}
		if ms.Applied {
			at := s.AppliedAt
			ms.AppliedAt = &at
		}
		out = append(out, ms)
	}
	return out, nil
}

// Version returns the current schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	return m.provider.GetDBVersion(ctx)
}

// Close closes the database/sql handle. The underlying pool stays open.
func (m *Migrator) Close() error {
	return m.db.Close()
}

// LoadMigrations lists the migration files in dir in version order without
// touching a database.
func LoadMigrations(dir string) ([]Migration, error) {
	found, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("collect migrations in %s: %w", dir, err)
	}
	out := make([]Migration, 0, len(found))
	for _, mig := range found {
		out = append(out, Migration{Version: mig.Version, Name: filepath.Base(mig.Source)})
	}
	return out, nil
}
