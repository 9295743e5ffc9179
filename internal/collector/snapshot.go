package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/internal/repository"
	"github.com/pgstatsinfo/agent/internal/repository/postgres"
)

// ResultSet is a free-form captured query result: column names plus
// rows of driver-native values, destined for a single statsrepo.<kind>
// INSERT per row.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// instanceQueries are the per-snapshot, instance-wide statistics
// collected once per snapshot (not once per database).
var instanceQueries = map[string]string{
	"activity": `SELECT pid, usename, datname, state, coalesce(query, ''), query_start
	             FROM pg_stat_activity WHERE pid <> pg_backend_pid()`,
	"lock": `SELECT pid, locktype, coalesce(mode, ''), granted FROM pg_locks`,
	"setting": `SELECT name, setting, coalesce(unit, ''), context FROM pg_settings`,
	"replication": `SELECT pid, usename, application_name, state, sent_lsn, write_lsn
	                FROM pg_stat_replication`,
}

// databaseQueries are collected once per non-excluded database, with
// the Collector reconnecting to each in turn.
var databaseQueries = map[string]string{
	"table": `SELECT schemaname, relname, seq_scan, seq_tup_read, idx_scan,
	                 n_tup_ins, n_tup_upd, n_tup_del
	          FROM pg_stat_user_tables`,
	"index": `SELECT schemaname, relname, indexrelname, idx_scan, idx_tup_read, idx_tup_fetch
	          FROM pg_stat_user_indexes`,
}

const statementsQuery = `SELECT query, calls, total_time, rows
                          FROM pg_stat_statements ORDER BY total_time DESC LIMIT 30`

// SnapshotData is everything the Collector gathers from the monitored
// server for one snapshot, before it is handed to the Writer.
type SnapshotData struct {
	Comment            string
	Begin              time.Time
	Databases          []string
	InstanceResults    map[string]ResultSet
	PerDatabaseResults map[string]map[string]ResultSet
	Statements         ResultSet
}

// buildSnapshot gathers SnapshotData from the monitored server and, on
// success, enqueues a SnapshotItem. A Snapshot item already queued
// suppresses a new trigger (at most one snapshot build in flight).
func (c *Collector) buildSnapshot(ctx context.Context, comment string) {
	if c.queue.HasKind(queue.KindSnapshot) {
		c.warnOnce("collector: previous snapshot is not complete")
		return
	}

	begin := time.Now()
	if err := c.ensureConnected(ctx); err != nil {
		c.logger.Error("collector: snapshot aborted, cannot connect to monitored server", "error", err)
		return
	}

	databases, err := c.listDatabases(ctx)
	if err != nil {
		c.logger.Error("collector: snapshot aborted, cannot list databases", "error", err)
		return
	}

	instanceResults := make(map[string]ResultSet, len(instanceQueries))
	for kind, sql := range instanceQueries {
		rs, err := gather(ctx, c.pool, sql)
		if err != nil {
			c.logger.Error("collector: snapshot aborted, instance query failed", "kind", kind, "error", err)
			return
		}
		instanceResults[kind] = rs
	}

	var statements ResultSet
	hasStatements, err := repository.HasExtension(ctx, c.pool, "pg_stat_statements")
	if err != nil {
		c.logger.Error("collector: snapshot aborted, cannot probe pg_stat_statements", "error", err)
		return
	}
	if hasStatements {
		statements, err = gather(ctx, c.pool, statementsQuery)
		if err != nil {
			c.logger.Error("collector: snapshot aborted, pg_stat_statements query failed", "error", err)
			return
		}
	}

	perDB := make(map[string]map[string]ResultSet, len(databases))
	for _, db := range databases {
		results, err := c.gatherDatabase(ctx, db)
		if err != nil {
			c.logger.Error("collector: snapshot aborted, per-database query failed", "database", db, "error", err)
			return
		}
		perDB[db] = results
	}

	data := &SnapshotData{
		Comment:            comment,
		Begin:              begin,
		Databases:          databases,
		InstanceResults:    instanceResults,
		PerDatabaseResults: perDB,
		Statements:         statements,
	}
	item := &SnapshotItem{Data: data, ServerVersionNum: c.serverVersionNum, Notifier: c.notifier, Logger: c.logger}
	c.queue.Send(queue.NewItem(queue.KindSnapshot, item))
}

func (c *Collector) listDatabases(ctx context.Context) ([]string, error) {
	excluded := make(map[string]bool, len(c.cfg.ExcludedDatabases))
	for _, d := range c.cfg.ExcludedDatabases {
		excluded[d] = true
	}
	rows, err := c.pool.Query(ctx, `SELECT datname FROM pg_database WHERE NOT datistemplate AND datallowconn`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !excluded[name] {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// gatherDatabase reconnects to db and runs databaseQueries against it.
func (c *Collector) gatherDatabase(ctx context.Context, db string) (map[string]ResultSet, error) {
	cfg := *c.pool.Config()
	cfg.Database = db
	dbPool := postgres.NewPool(&cfg, c.logger)
	if err := dbPool.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", db, err)
	}
	defer dbPool.Disconnect(ctx)

	results := make(map[string]ResultSet, len(databaseQueries))
	for kind, sql := range databaseQueries {
		rs, err := gather(ctx, dbPool, sql)
		if err != nil {
			return nil, fmt.Errorf("%s query on %s: %w", kind, db, err)
		}
		results[kind] = rs
	}
	return results, nil
}

// gather runs sql and captures every row's values alongside the
// result's column names.
func gather(ctx context.Context, pool *postgres.Pool, sql string) (ResultSet, error) {
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return ResultSet{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return ResultSet{}, err
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return ResultSet{}, err
	}
	return ResultSet{Columns: columns, Rows: out}, nil
}

// SnapshotItem is the Writer-side executor for a built snapshot: it
// runs every INSERT inside a single repository transaction so the
// snapshot is either wholly visible or not at all.
type SnapshotItem struct {
	Data             *SnapshotData
	ServerVersionNum int
	Notifier         Notifier
	Logger           *slog.Logger
}

// Execute implements queue.Executor against the repository
// connection.
func (s *SnapshotItem) Execute(ctx context.Context, conn any, instanceID int64) error {
	pool, ok := conn.(*postgres.Pool)
	if !ok {
		return fmt.Errorf("collector: snapshot executor requires a repository connection")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var snapID int64
	var snapDate time.Time
	if err := tx.QueryRow(ctx,
		`INSERT INTO statsrepo.snapshot(instid, "time", comment) VALUES ($1, $2, $3)
		 RETURNING snapid, CAST("time" AS DATE)`,
		instanceID, s.Data.Begin, s.Data.Comment).Scan(&snapID, &snapDate); err != nil {
		return fmt.Errorf("insert snapshot row: %w", err)
	}

	for _, db := range s.Data.Databases {
		if _, err := tx.Exec(ctx,
			`INSERT INTO statsrepo.database(snapid, name) VALUES ($1, $2)`,
			snapID, db); err != nil {
			return fmt.Errorf("insert database row %s: %w", db, err)
		}
	}

	for kind, rs := range s.Data.InstanceResults {
		if err := insertResultSet(ctx, tx, kind, snapID, rs); err != nil {
			return err
		}
	}

	if len(s.Data.Statements.Rows) > 0 {
		if err := insertResultSet(ctx, tx, "statement", snapID, s.Data.Statements); err != nil {
			return err
		}
	}

	for db, results := range s.Data.PerDatabaseResults {
		for kind, rs := range results {
			if err := insertDatabaseResultSet(ctx, tx, kind, snapID, db, rs); err != nil {
				return err
			}
		}
	}

	end := time.Now()
	if _, err := tx.Exec(ctx,
		`UPDATE statsrepo.snapshot SET exec_time = age($1, $2) WHERE snapid = $3`,
		end, s.Data.Begin, snapID); err != nil {
		return fmt.Errorf("close snapshot row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}

	if s.Notifier != nil {
		s.Notifier.Publish(ctx, "snapshot_completed", map[string]any{"snapid": snapID, "instance_id": instanceID})
	}

	hasAlert, err := repository.HasFunction(ctx, pool, "statsrepo.alert")
	if err == nil && hasAlert {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		if rows, err := pool.Query(ctx, "SELECT * FROM statsrepo.alert($1)", snapID); err == nil {
			defer rows.Close()
			for rows.Next() {
				vals, _ := rows.Values()
				logger.Warn("statsinfo alert", "fields", vals, "snapid", snapID)
			}
		}
	}

	return nil
}

// Release frees nothing: SnapshotItem's ResultSets are plain slices,
// garbage collected normally once dropped.
func (s *SnapshotItem) Release() {}

func insertResultSet(ctx context.Context, tx pgx.Tx, kind string, snapID int64, rs ResultSet) error {
	table := "statsrepo." + kind
	for _, row := range rs.Rows {
		args := append([]any{snapID}, row...)
		if _, err := tx.Exec(ctx, insertSQL(table, len(args)), args...); err != nil {
			return fmt.Errorf("insert %s row: %w", table, err)
		}
	}
	return nil
}

func insertDatabaseResultSet(ctx context.Context, tx pgx.Tx, kind string, snapID int64, db string, rs ResultSet) error {
	table := "statsrepo." + kind
	for _, row := range rs.Rows {
		args := append([]any{snapID, db}, row...)
		if _, err := tx.Exec(ctx, insertSQL(table, len(args)), args...); err != nil {
			return fmt.Errorf("insert %s row for %s: %w", table, db, err)
		}
	}
	return nil
}

// insertSQL builds a bare `INSERT INTO table VALUES ($1, ...)` with n
// placeholders: column names are the schema's contract, not the
// agent's concern (§6), so the statement only fixes arity.
func insertSQL(table string, n int) string {
	sql := "INSERT INTO " + table + " VALUES ("
	for i := 1; i <= n; i++ {
		if i > 1 {
			sql += ", "
		}
		sql += fmt.Sprintf("$%d", i)
	}
	return sql + ")"
}
