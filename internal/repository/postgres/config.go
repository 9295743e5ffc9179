package postgres

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConnConfig holds everything needed to open a pgx connection pool. The
// agent uses two independent instances of this type: one pointed at the
// monitored server (sampling, snapshot queries) and one pointed at the
// repository database (writer, schema install, retention sweep).
type ConnConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Database string `yaml:"database" env:"NAME"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`

	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxConns int32 `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int32 `yaml:"min_conns" env:"MIN_CONNS"`

	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period" env:"HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`

	// ConnectRetryInterval is carried in the configuration but not read
	// by the writer: its connection attempts are paced by RetryExecutor
	// (retry.go) with DefaultRetryConfig's one-second interval.
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval" env:"CONNECT_RETRY_INTERVAL"`
}

// DefaultRepositoryConfig mirrors the repository connection defaults the
// source ships in its sample configuration file.
func DefaultRepositoryConfig() *ConnConfig {
	return &ConnConfig{
		Host:                 "localhost",
		Port:                 5432,
		Database:             "postgres",
		User:                 "postgres",
		SSLMode:              "disable",
		MaxConns:             4,
		MinConns:             1,
		MaxConnLifetime:      1 * time.Hour,
		MaxConnIdleTime:      60 * time.Second,
		HealthCheckPeriod:    30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		ConnectRetryInterval: 10 * time.Second,
	}
}

// LoadFromEnv overlays environment variables with the given prefix (e.g.
// "REPOSITORY_" or "MONITOR_") on top of the defaults.
func LoadFromEnv(prefix string) *ConnConfig {
	config := DefaultRepositoryConfig()

	if host := os.Getenv(prefix + "HOST"); host != "" {
		config.Host = host
	}
	if portStr := os.Getenv(prefix + "PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			config.Port = port
		}
	}
	if database := os.Getenv(prefix + "NAME"); database != "" {
		config.Database = database
	}
	if user := os.Getenv(prefix + "USER"); user != "" {
		config.User = user
	}
	if password := os.Getenv(prefix + "PASSWORD"); password != "" {
		config.Password = password
	}
	if sslMode := os.Getenv(prefix + "SSL_MODE"); sslMode != "" {
		config.SSLMode = sslMode
	}
	if maxConnsStr := os.Getenv(prefix + "MAX_CONNS"); maxConnsStr != "" {
		if maxConns, err := strconv.ParseInt(maxConnsStr, 10, 32); err == nil {
			config.MaxConns = int32(maxConns)
		}
	}
	if minConnsStr := os.Getenv(prefix + "MIN_CONNS"); minConnsStr != "" {
		if minConns, err := strconv.ParseInt(minConnsStr, 10, 32); err == nil {
			config.MinConns = int32(minConns)
		}
	}

	return config
}

// Validate checks the structural well-formedness of the connection
// parameters; it does not attempt to connect.
func (c *ConnConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max connections must be greater than 0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("min connections cannot be negative")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections cannot be greater than max connections")
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
	}

	return nil
}

// ConnectionString returns a libpq key=value connection string, suitable
// for handing to the log-maintenance subprocess via PGOPTIONS-style env.
func (c *ConnConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// ParseConnectionString parses a postgres:// URL (the form the
// repository connection string arrives in, e.g. from the frame
// stream's "pg_statsinfo.repository" key or a local config file) into
// a ConnConfig with the writer's pool defaults applied.
func ParseConnectionString(dsn string) (*ConnConfig, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection string: %w", err)
	}
	cfg := DefaultRepositoryConfig()
	if u.Hostname() != "" {
		cfg.Host = u.Hostname()
	}
	if u.Port() != "" {
		if port, err := strconv.Atoi(u.Port()); err == nil {
			cfg.Port = port
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		cfg.Database = db
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		cfg.SSLMode = mode
	}
	return cfg, nil
}

// DSN returns the connection string in pgx's URL form.
func (c *ConnConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
