// Package repository implements the contract between the agent's core
// pipeline and the statsrepo schema: instance identity resolution and
// schema installation (internal/repository/postgres holds the
// connection pool itself).
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pgstatsinfo/agent/internal/repository/postgres"
)

// ResolveInstance implements get_or_register_instance: look up by
// (name, hostname, port) inside a read-write transaction; if found and
// the stored server version string differs, update it; otherwise
// insert a new row and return its id. Commits before returning.
func ResolveInstance(ctx context.Context, conn *postgres.Pool, name, hostname string, port int, serverVersion string) (int64, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("repository: begin instance resolution: %w", err)
	}
	defer tx.Rollback(ctx)

	var instID int64
	var storedVersion string
	err = tx.QueryRow(ctx,
		`SELECT instid, pg_version FROM statsrepo.instance WHERE name = $1 AND hostname = $2 AND port = $3`,
		name, hostname, port).Scan(&instID, &storedVersion)

	switch {
	case err == nil:
		if storedVersion != serverVersion {
			if _, err := tx.Exec(ctx,
				`UPDATE statsrepo.instance SET pg_version = $1 WHERE instid = $2`,
				serverVersion, instID); err != nil {
				return 0, fmt.Errorf("repository: update instance version: %w", err)
			}
		}
	case errors.Is(err, pgx.ErrNoRows):
		if err := tx.QueryRow(ctx,
			`INSERT INTO statsrepo.instance(name, hostname, port, pg_version) VALUES ($1, $2, $3, $4) RETURNING instid`,
			name, hostname, port, serverVersion).Scan(&instID); err != nil {
			return 0, fmt.Errorf("repository: insert instance: %w", err)
		}
	default:
		return 0, fmt.Errorf("repository: lookup instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("repository: commit instance resolution: %w", err)
	}
	return instID, nil
}
