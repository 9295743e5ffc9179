// Package config holds the agent's runtime-settable parameter table:
// the Config aggregate built from the Supervisor's stdin frame stream
// (authoritative) with an optional local YAML file / environment layer
// for development, loaded via viper.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// SeverityRuleSet is one of the six ordered severity-adjust rule lists
// (Fatal, Log, Error, Warning, Notice, Info): a set of sqlstate codes
// whose matching records get rewritten to that target severity.
type SeverityRuleSet struct {
	Target    string   `mapstructure:"target" validate:"required"`
	SQLStates []string `mapstructure:"sqlstates"`
}

// Contains reports whether sqlstate appears in this rule set.
func (r SeverityRuleSet) Contains(sqlstate string) bool {
	for _, s := range r.SQLStates {
		if s == sqlstate {
			return true
		}
	}
	return false
}

// MessageTemplates holds the localized recognizer templates, keyed by
// the ':'-prefixed frame names (":checkpoint_starting",
// ":checkpoint_complete", ":autovacuum", ":autoanalyze", ":shutdown",
// and the three control-sentinel phrases).
type MessageTemplates struct {
	CheckpointStarting string `mapstructure:"checkpoint_starting"`
	CheckpointComplete string `mapstructure:"checkpoint_complete"`
	Autovacuum         string `mapstructure:"autovacuum"`
	Autoanalyze        string `mapstructure:"autoanalyze"`
	Shutdown           string `mapstructure:"shutdown"`
	SnapshotRequested  string `mapstructure:"snapshot_requested"`
	MaintenanceRequest string `mapstructure:"maintenance_requested"`
	RestartRequested   string `mapstructure:"restart_requested"`
}

// Config is the agent's single immutable configuration aggregate,
// rebuilt wholesale on each reload generation and swapped in by the
// reload coordinator rather than mutated in place.
type Config struct {
	SamplingIntervalSeconds  int      `mapstructure:"sampling_interval" validate:"required,gt=0"`
	SnapshotIntervalSeconds  int      `mapstructure:"snapshot_interval" validate:"required,gt=0"`
	ExcludedDatabases        []string `mapstructure:"excluded_databases"`

	Repository RepositoryConfig `mapstructure:"repository"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Syslog     SyslogConfig     `mapstructure:"syslog"`
	TextLog    TextLogConfig    `mapstructure:"text_log"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	HTTP       HTTPConfig       `mapstructure:"http"`

	MaintenanceScheduleHour int  `mapstructure:"maintenance_schedule_hour" validate:"gte=0,lte=23"`
	RetentionDays           int  `mapstructure:"retention_days" validate:"gte=0"`
	MaintenanceEnabled      bool `mapstructure:"maintenance_enabled"`
	LogMaintenanceCommand   string `mapstructure:"log_maintenance_command"`

	SeverityAdjustEnabled bool              `mapstructure:"severity_adjust_enabled"`
	SeverityAdjustRules   []SeverityRuleSet `mapstructure:"severity_adjust_rules"`

	Messages MessageTemplates `mapstructure:"messages"`
}

// RepositoryConfig is the connection the Writer uses; it is converted
// to a postgres.ConnConfig at startup.
type RepositoryConfig struct {
	ConnectionString string `mapstructure:"connection_string" validate:"required"`
	SharePath        string `mapstructure:"share_path"`
}

// MonitorConfig is the connection the Collector uses to sample the
// monitored server itself (distinct from RepositoryConfig, which the
// Writer uses). Host/port/database are filled in from the stdin frame
// stream (the agent always talks to the local postmaster it was
// launched by); User/Password come from the frame stream's PG
// environment or local development overrides.
type MonitorConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// NotifyConfig controls the optional Redis pub/sub notifier that
// broadcasts snapshot/maintenance/shutdown events for external
// dashboards. Disabled unless Addr is non-empty.
type NotifyConfig struct {
	Addr    string `mapstructure:"redis_addr"`
	Channel string `mapstructure:"redis_channel"`
}

// HTTPConfig controls the agent's small internal HTTP surface
// (/metrics, /healthz, /debug/queue). Disabled unless Enabled is true.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SyslogConfig controls the LogTailer's syslog emission.
type SyslogConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Facility    string `mapstructure:"facility"`
	Ident       string `mapstructure:"ident"`
	MinSeverity string `mapstructure:"min_severity"`
}

// TextLogConfig controls the LogTailer's plain text log output.
type TextLogConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	Directory     string      `mapstructure:"directory"`
	FilePrefix    string      `mapstructure:"file_prefix"`
	MinSeverity   string      `mapstructure:"min_severity"`
	PermissionBits int        `mapstructure:"permission_bits"`
	LinePrefix    string      `mapstructure:"line_prefix"`
}

var validate = validator.New()

// setDefaults installs viper defaults applied before any file or
// environment overlay.
func setDefaults() {
	viper.SetDefault("sampling_interval", 10)
	viper.SetDefault("snapshot_interval", 3600)
	viper.SetDefault("excluded_databases", []string{"template0", "template1"})

	viper.SetDefault("repository.connection_string", "postgres://postgres@localhost:5432/postgres?sslmode=disable")
	viper.SetDefault("repository.share_path", "/usr/local/share/pg_statsinfo")

	viper.SetDefault("monitor.host", "localhost")
	viper.SetDefault("monitor.port", 5432)
	viper.SetDefault("monitor.database", "postgres")
	viper.SetDefault("monitor.user", "postgres")
	viper.SetDefault("monitor.ssl_mode", "disable")

	viper.SetDefault("notify.redis_addr", "")
	viper.SetDefault("notify.redis_channel", "pg_statsinfo.events")

	viper.SetDefault("http.enabled", false)
	viper.SetDefault("http.addr", "127.0.0.1:8087")

	viper.SetDefault("syslog.enabled", false)
	viper.SetDefault("syslog.facility", "local0")
	viper.SetDefault("syslog.ident", "pg_statsinfo")
	viper.SetDefault("syslog.min_severity", "ERROR")

	viper.SetDefault("text_log.enabled", true)
	viper.SetDefault("text_log.directory", "/var/log/pg_statsinfo")
	viper.SetDefault("text_log.file_prefix", "pg_statsinfo")
	viper.SetDefault("text_log.min_severity", "LOG")
	viper.SetDefault("text_log.permission_bits", 0640)

	viper.SetDefault("maintenance_schedule_hour", 0)
	viper.SetDefault("retention_days", 7)
	viper.SetDefault("maintenance_enabled", true)
	viper.SetDefault("log_maintenance_command", "")

	viper.SetDefault("severity_adjust_enabled", false)
}

// LoadConfig loads the local development config layer from configPath
// (if non-empty) plus environment variables, applying defaults first.
// In production the stdin frame stream from the Supervisor is
// authoritative (see internal/supervisor.ReadFrames); this loader
// exists for local runs and for filling in fields the frame protocol
// does not carry (e.g. severity-adjust rule sqlstate lists, which are
// operationally large enough to warrant a file rather than a frame).
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()
	viper.AutomaticEnv()
	viper.SetEnvPrefix("PGSTATSINFO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate runs struct-tag validation via go-playground/validator.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// ApplyFrames overlays the stdin frame protocol's key/value pairs onto
// a copy of base, producing the authoritative Config for a reload
// generation. Unknown frame keys are rejected by the caller
// (internal/supervisor.IsKnownKey) before this is reached; ApplyFrames
// itself only interprets the keys it knows how to map onto fields.
func ApplyFrames(base *Config, frames map[string]string) (*Config, error) {
	cfg := *base

	if v, ok := frames["pg_statsinfo.sampling_interval"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: sampling_interval: %w", err)
		}
		cfg.SamplingIntervalSeconds = n
	}
	if v, ok := frames["pg_statsinfo.snapshot_interval"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: snapshot_interval: %w", err)
		}
		cfg.SnapshotIntervalSeconds = n
	}
	if v, ok := frames["pg_statsinfo.excluded_dbnames"]; ok {
		cfg.ExcludedDatabases = splitNonEmpty(v, ",")
	}
	if v, ok := frames["pg_statsinfo.repository"]; ok {
		cfg.Repository.ConnectionString = v
	}
	if v, ok := frames["share_path"]; ok {
		cfg.Repository.SharePath = v
	}
	if v, ok := frames["port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: port: %w", err)
		}
		cfg.Monitor.Port = n
	}
	if v, ok := frames["syslog_facility"]; ok {
		cfg.Syslog.Facility = v
	}
	if v, ok := frames["syslog_ident"]; ok {
		cfg.Syslog.Ident = v
	}
	if v, ok := frames[":checkpoint_starting"]; ok {
		cfg.Messages.CheckpointStarting = v
	}
	if v, ok := frames[":checkpoint_complete"]; ok {
		cfg.Messages.CheckpointComplete = v
	}
	if v, ok := frames[":autovacuum"]; ok {
		cfg.Messages.Autovacuum = v
	}
	if v, ok := frames[":autoanalyze"]; ok {
		cfg.Messages.Autoanalyze = v
	}
	if v, ok := frames[":shutdown"]; ok {
		cfg.Messages.Shutdown = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AdjustSeverity looks up sqlstate against the six ordered rule sets
// and returns the first match's target severity name, or ("", false)
// if none match (or severity-adjust is disabled).
func (c *Config) AdjustSeverity(sqlstate string) (string, bool) {
	if !c.SeverityAdjustEnabled {
		return "", false
	}
	order := []string{"FATAL", "LOG", "ERROR", "WARNING", "NOTICE", "INFO"}
	byTarget := make(map[string]SeverityRuleSet, len(c.SeverityAdjustRules))
	for _, r := range c.SeverityAdjustRules {
		byTarget[strings.ToUpper(r.Target)] = r
	}
	for _, target := range order {
		rule, ok := byTarget[target]
		if !ok {
			continue
		}
		if rule.Contains(sqlstate) {
			return target, true
		}
	}
	return "", false
}
