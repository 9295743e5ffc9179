package migrations

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// LoadConfig builds a MigrationConfig from the MIGRATION_* environment
// variables, matching the env-driven configuration style the rest of
// the agent uses for its own settings.
func LoadConfig() (*MigrationConfig, error) {
	config := &MigrationConfig{
		Driver:  getEnvString("MIGRATION_DRIVER", "pgx"),
		DSN:     getEnvString("MIGRATION_DSN", ""),
		Dir:     getEnvString("MIGRATION_DIR", "migrations"),
		Table:   getEnvString("MIGRATION_TABLE", "statsrepo_schema_version"),
		Timeout: getEnvDuration("MIGRATION_TIMEOUT", 5*time.Minute),
	}
	config.Dialect = getEnvString("MIGRATION_DIALECT", "postgres")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migration configuration: %w", err)
	}
	return config, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// GetDSN returns the configured DSN with its password masked, safe to
// include in a log line.
func (c *MigrationConfig) GetDSN() string {
	dsn := c.DSN
	if !strings.Contains(dsn, "password=") {
		return dsn
	}
	parts := strings.SplitN(dsn, "password=", 2)
	passwordPart := parts[1]
	if idx := strings.Index(passwordPart, " "); idx >= 0 {
		return parts[0] + "password=***" + passwordPart[idx:]
	}
	return parts[0] + "password=***"
}
