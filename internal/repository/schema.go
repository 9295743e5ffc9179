package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"

	"github.com/pgstatsinfo/agent/internal/repository/postgres"
)

// SchemaKind distinguishes the two schemas the agent ever installs:
// "statsinfo" lives on the monitored server (the sampling functions'
// home), "statsrepo" lives on the repository database.
type SchemaKind string

const (
	SchemaStatsinfo SchemaKind = "statsinfo"
	SchemaStatsrepo SchemaKind = "statsrepo"
)

// SchemaVariant picks the retention-sweep SQL variant for a server
// version: servers 8.4 and later use the partitioned del_snapshot2,
// older ones use del_snapshot. serverVersionNum is in PostgreSQL's
// packed form (e.g. 90203 for 9.2.3, 170002 for 17.2).
func SchemaVariant(serverVersionNum int) string {
	if serverVersionNum >= 80400 {
		return "statsrepo.del_snapshot2"
	}
	return "statsrepo.del_snapshot"
}

// Connect implements the connect(url, expected_schema) helper from
// §4.8: it returns pool unchanged if it is already live; otherwise it
// (re)connects, sets search_path, and installs the expected schema
// from <share>/contrib/pg_<schema>.sql if the namespace is missing.
// The statsrepo variant additionally ensures plpgsql exists and runs a
// companion alert-schema script. Any failure closes the connection and
// returns an error; the caller is expected to retry on its own bounded
// schedule (the Writer's/Collector's DB_MAX_RETRY loop).
func Connect(ctx context.Context, pool *postgres.Pool, sharePath string, kind SchemaKind, serverVersionNum int) error {
	if pool.IsConnected() {
		return nil
	}
	if err := pool.Connect(ctx); err != nil {
		return fmt.Errorf("repository: connect: %w", err)
	}

	if _, err := pool.Exec(ctx, "SET search_path = pg_catalog, public"); err != nil {
		pool.Disconnect(ctx)
		return fmt.Errorf("repository: set search_path: %w", err)
	}

	exists, err := schemaExists(ctx, pool, string(kind))
	if err != nil {
		pool.Disconnect(ctx)
		return fmt.Errorf("repository: check schema: %w", err)
	}
	if exists {
		return nil
	}

	if kind == SchemaStatsrepo {
		if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS plpgsql"); err != nil {
			pool.Disconnect(ctx)
			return fmt.Errorf("repository: ensure plpgsql: %w", err)
		}
	}

	scriptName := fmt.Sprintf("pg_%s.sql", kind)
	if kind == SchemaStatsrepo && serverVersionNum >= 80400 {
		scriptName = "pg_statsrepo-partition.sql"
	}
	if err := runScript(ctx, pool, filepath.Join(sharePath, "contrib", scriptName)); err != nil {
		pool.Disconnect(ctx)
		return fmt.Errorf("repository: install %s schema: %w", kind, err)
	}

	if kind == SchemaStatsrepo {
		alertScript := filepath.Join(sharePath, "contrib", "pg_statsrepo-alert.sql")
		if err := runScript(ctx, pool, alertScript); err != nil {
			pool.Disconnect(ctx)
			return fmt.Errorf("repository: install alert schema: %w", err)
		}
	}

	return nil
}

func schemaExists(ctx context.Context, pool *postgres.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_namespace WHERE nspname = $1)", name).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func runScript(ctx context.Context, pool *postgres.Pool, path string) error {
	sql, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema script %s: %w", path, err)
	}
	_, err = pool.Exec(ctx, string(sql))
	return err
}

// HasFunction reports whether the given fully-qualified function name
// resolves to an existing function (used to probe for statsrepo.alert
// existence, re-checked on every snapshot per §11 together with the
// HasExtension probe for pg_stat_statements: a schema upgrade becomes
// visible without an agent restart).
func HasFunction(ctx context.Context, pool *postgres.Pool, qualifiedName string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_proc p JOIN pg_namespace n ON n.oid = p.pronamespace
		 WHERE n.nspname || '.' || p.proname = $1)`, qualifiedName).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// HasExtension reports whether the named extension is installed
// (used for the pg_stat_statements probe on the monitored server).
func HasExtension(ctx context.Context, pool *postgres.Pool, name string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = $1)", name).Scan(&exists)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return exists, nil
}

// IsSuperuser reports whether the currently connected role has
// rolsuper set, per §11's set_connect_privileges: the Writer calls
// this after its first successful connection and logs a warning when
// the role is not a superuser; it does not change any connection
// options based on the result.
func IsSuperuser(ctx context.Context, pool *postgres.Pool) (bool, error) {
	var super bool
	err := pool.QueryRow(ctx,
		"SELECT rolsuper FROM pg_roles WHERE rolname = current_user").Scan(&super)
	if err != nil {
		return false, err
	}
	return super, nil
}
