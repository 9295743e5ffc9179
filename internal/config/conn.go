package config

import "github.com/pgstatsinfo/agent/internal/repository/postgres"

// MonitorConnConfig builds the pgx pool configuration the Collector
// uses to sample the monitored server. It starts from
// DefaultRepositoryConfig and changes only the pool size (at most two
// connections, none kept open when idle); the connect timeout and the
// idle-close time are the repository defaults.
func (c *Config) MonitorConnConfig() *postgres.ConnConfig {
	cfg := postgres.DefaultRepositoryConfig()
	cfg.Host = c.Monitor.Host
	cfg.Port = c.Monitor.Port
	cfg.Database = c.Monitor.Database
	cfg.User = c.Monitor.User
	cfg.Password = c.Monitor.Password
	if c.Monitor.SSLMode != "" {
		cfg.SSLMode = c.Monitor.SSLMode
	}
	cfg.MaxConns = 2
	cfg.MinConns = 0
	return cfg
}

// RepositoryConnConfig parses the repository connection string into
// the pgx pool configuration the Writer uses.
func (c *Config) RepositoryConnConfig() (*postgres.ConnConfig, error) {
	return postgres.ParseConnectionString(c.Repository.ConnectionString)
}
