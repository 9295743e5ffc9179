// Package migrations manages the repository schema's lifecycle with
// goose-based SQL migrations, as an operator-driven alternative to the
// runtime agent's own lazy schema install (internal/repository.Connect
// installs <share>/contrib/pg_<schema>.sql on first use; this package
// lets an operator apply, inspect, and roll back the same schema ahead
// of time, under version control, via the cmd/migrate tool).
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// MigrationConfig configures the connection and migration directory
// the manager operates on.
type MigrationConfig struct {
	Driver  string `env:"MIGRATION_DRIVER" default:"pgx"`
	DSN     string `env:"MIGRATION_DSN" default:""`
	Dialect string `env:"MIGRATION_DIALECT" default:"postgres"`

	Dir   string `env:"MIGRATION_DIR" default:"migrations"`
	Table string `env:"MIGRATION_TABLE" default:"statsrepo_schema_version"`

	Timeout time.Duration `env:"MIGRATION_TIMEOUT" default:"5m"`

	Logger *slog.Logger
}

// Validate checks that config has everything goose needs to run.
func (c *MigrationConfig) Validate() error {
	if c.Driver == "" {
		return fmt.Errorf("database driver cannot be empty")
	}
	if c.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.Dir == "" {
		return fmt.Errorf("migration directory cannot be empty")
	}
	if c.Table == "" {
		return fmt.Errorf("migration table name cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// MigrationManager drives goose against the repository database.
type MigrationManager struct {
	config *MigrationConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMigrationManager opens a *sql.DB for config.DSN. The connection is
// not used for anything but migrations; the agent's own runtime
// traffic goes through internal/repository/postgres's pgx pool.
func NewMigrationManager(config *MigrationConfig) (*MigrationManager, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}

	return &MigrationManager{config: config, db: db, logger: logger}, nil
}

// Connect verifies the database is reachable.
func (mm *MigrationManager) Connect(ctx context.Context) error {
	if err := mm.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	mm.logger.Info("connected to repository database for migrations",
		"driver", mm.config.Driver, "dir", mm.config.Dir)
	return nil
}

// Disconnect closes the migration connection.
func (mm *MigrationManager) Disconnect(ctx context.Context) error {
	if mm.db == nil {
		return nil
	}
	if err := mm.db.Close(); err != nil {
		return fmt.Errorf("close database connection: %w", err)
	}
	return nil
}

func (mm *MigrationManager) setDialect() error {
	return goose.SetDialect(mm.config.Dialect)
}

// Up applies every migration in config.Dir that isn't applied yet —
// this is how an operator installs the statsrepo/statsinfo schema
// ahead of the agent's own first connection.
func (mm *MigrationManager) Up(ctx context.Context) error {
	if err := mm.setDialect(); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	start := time.Now()
	if err := goose.Up(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	mm.logger.Info("migrations applied", "duration", time.Since(start))
	return nil
}

// UpTo applies migrations up to and including version.
func (mm *MigrationManager) UpTo(ctx context.Context, version int64) error {
	if err := mm.setDialect(); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpTo(mm.db, mm.config.Dir, version); err != nil {
		return fmt.Errorf("apply migrations up to version %d: %w", version, err)
	}
	mm.logger.Info("migrations applied up to version", "version", version)
	return nil
}

// Down rolls back every applied migration. Destructive: intended for
// test environments, not a production repository.
func (mm *MigrationManager) Down(ctx context.Context) error {
	if err := mm.setDialect(); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Reset(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	mm.logger.Info("all migrations rolled back")
	return nil
}

// DownTo rolls back migrations to version (exclusive).
func (mm *MigrationManager) DownTo(ctx context.Context, version int64) error {
	if err := mm.setDialect(); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.DownTo(mm.db, mm.config.Dir, version); err != nil {
		return fmt.Errorf("rollback migrations to version %d: %w", version, err)
	}
	mm.logger.Info("migrations rolled back to version", "version", version)
	return nil
}

// Status reports each migration file's applied state.
func (mm *MigrationManager) Status(ctx context.Context) error {
	if err := mm.setDialect(); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Status(mm.db, mm.config.Dir); err != nil {
		return fmt.Errorf("get migration status: %w", err)
	}
	return nil
}

// Version returns the repository's current schema version.
func (mm *MigrationManager) Version(ctx context.Context) (int64, error) {
	if err := mm.setDialect(); err != nil {
		return 0, fmt.Errorf("set goose dialect: %w", err)
	}
	version, err := goose.GetDBVersion(mm.db)
	if err != nil {
		return 0, fmt.Errorf("get migration version: %w", err)
	}
	return version, nil
}

// GetConfig returns the manager's configuration.
func (mm *MigrationManager) GetConfig() *MigrationConfig {
	return mm.config
}
