package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connection is the interface the writer, collector and schema installer
// program against; it is satisfied by Pool and by test doubles.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Health(ctx context.Context) error
	Stats() PoolStats

	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row

	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool wraps a pgxpool.Pool with health checking and in-process query
// counters (PoolMetrics). The writer opens one on demand when it has
// items to flush and disconnects it again once it has been idle for
// longer than writer.IdleGrace (60s), matching the source's
// connect-on-demand, disconnect-when-idle behavior.
type Pool struct {
	pool     *pgxpool.Pool
	config   *ConnConfig
	logger   *slog.Logger
	metrics  *PoolMetrics
	health   HealthChecker
	isClosed atomic.Bool
	closeCh  chan struct{}
}

// NewPool creates a pool bound to config but does not connect yet.
func NewPool(config *ConnConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		config:  config,
		logger:  logger,
		metrics: NewPoolMetrics(),
		closeCh: make(chan struct{}),
	}
	p.health = NewHealthChecker(p)
	return p
}

// Connect opens the pool and pings the target once to fail fast.
func (p *Pool) Connect(ctx context.Context) error {
	if p.isClosed.Load() {
		return ErrConnectionClosed
	}

	if err := p.config.Validate(); err != nil {
		p.logger.Error("invalid connection configuration", "error", err)
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	p.logger.Info("connecting",
		"host", p.config.Host,
		"port", p.config.Port,
		"database", p.config.Database,
		"user", p.config.User,
		"ssl_mode", p.config.SSLMode,
		"max_conns", p.config.MaxConns,
		"min_conns", p.config.MinConns)

	poolConfig, err := pgxpool.ParseConfig(p.config.DSN())
	if err != nil {
		p.logger.Error("failed to parse DSN", "error", err)
		p.metrics.RecordConnectionError()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	poolConfig.MaxConns = p.config.MaxConns
	poolConfig.MinConns = p.config.MinConns
	poolConfig.MaxConnLifetime = p.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = p.config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = p.config.HealthCheckPeriod

	connectCtx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	start := time.Now()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		p.logger.Error("failed to create connection pool", "error", err)
		p.metrics.RecordConnectionError()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		p.logger.Error("failed to ping", "error", err)
		p.metrics.RecordConnectionError()
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	p.pool = pool
	connectionTime := time.Since(start)
	p.metrics.RecordConnectionWait(connectionTime)
	p.metrics.RecordSuccessfulConnection()

	p.logger.Info("connected",
		"connection_time", connectionTime,
		"max_conns", p.config.MaxConns,
		"min_conns", p.config.MinConns)

	if healthChecker, ok := p.health.(*DefaultHealthChecker); ok {
		periodicChecker := NewPeriodicHealthChecker(healthChecker, p.config.HealthCheckPeriod, p.logger)
		go periodicChecker.Start(ctx)
	}

	return nil
}

// Disconnect closes the pool. Safe to call on an already-closed pool.
func (p *Pool) Disconnect(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	if p.isClosed.Load() {
		return ErrConnectionClosed
	}

	p.logger.Info("disconnecting")

	select {
	case p.closeCh <- struct{}{}:
	default:
	}

	p.pool.Close()
	p.isClosed.Store(true)
	p.logger.Info("disconnected")

	return nil
}

// IsConnected reports whether the pool currently holds any live
// connections.
func (p *Pool) IsConnected() bool {
	if p.isClosed.Load() || p.pool == nil {
		return false
	}
	return p.pool.Stat().TotalConns() > 0
}

// Health runs a single round-trip health probe.
func (p *Pool) Health(ctx context.Context) error {
	if p.isClosed.Load() {
		return ErrConnectionClosed
	}
	if p.pool == nil {
		return ErrNotConnected
	}
	return p.health.CheckHealth(ctx)
}

// Stats returns a point-in-time snapshot of pool metrics.
func (p *Pool) Stats() PoolStats {
	if p.pool == nil {
		return PoolStats{}
	}

	poolStats := p.pool.Stat()
	totalConns := int64(poolStats.TotalConns())
	acquireCount := int64(poolStats.AcquireCount())
	p.metrics.UpdateConnectionStats(
		int32(acquireCount),
		int32(totalConns-acquireCount),
		totalConns,
	)

	return p.metrics.Snapshot()
}

// Exec runs a statement that does not return rows.
func (p *Pool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if p.pool == nil {
		return pgconn.CommandTag{}, ErrNotConnected
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, sql, args...)
	duration := time.Since(start)

	if err != nil {
		p.metrics.RecordQueryError()
		dbErr := ClassifyPgError(err, "exec")
		p.logger.Error("exec failed", "sql", sql, "duration", duration, "sqlstate", dbErr.Code, "detail", dbErr.Detail, "retryable", IsRetryable(err), "error", err)
		return tag, err
	}

	p.metrics.RecordQueryExecution(duration)
	p.logger.Debug("exec ok", "sql", sql, "duration", duration, "rows_affected", tag.RowsAffected())
	return tag, nil
}

// Query runs a statement and returns its result rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, sql, args...)
	duration := time.Since(start)

	if err != nil {
		p.metrics.RecordQueryError()
		dbErr := ClassifyPgError(err, "query")
		p.logger.Error("query failed", "sql", sql, "duration", duration, "sqlstate", dbErr.Code, "detail", dbErr.Detail, "retryable", IsRetryable(err), "error", err)
		return nil, err
	}

	p.metrics.RecordQueryExecution(duration)
	p.logger.Debug("query ok", "sql", sql, "duration", duration)
	return rows, nil
}

// QueryRow runs a statement expected to return at most one row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if p.pool == nil {
		return &errorRow{err: ErrNotConnected}
	}

	start := time.Now()
	row := p.pool.QueryRow(ctx, sql, args...)
	p.metrics.RecordQueryExecution(time.Since(start))
	return row
}

// Begin starts a transaction.
func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.pool == nil {
		return nil, ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		p.metrics.RecordQueryError()
		dbErr := ClassifyPgError(err, "begin")
		p.logger.Error("begin failed", "sqlstate", dbErr.Code, "retryable", IsRetryable(err), "error", err)
		return nil, err
	}
	return tx, nil
}

// Close is an alias for Disconnect with a background context, matching
// io.Closer.
func (p *Pool) Close() error {
	return p.Disconnect(context.Background())
}

// Config returns the pool's connection configuration.
func (p *Pool) Config() *ConnConfig {
	return p.config
}

// Metrics returns the pool's in-process query counters.
func (p *Pool) Metrics() *PoolMetrics {
	return p.metrics
}

// HealthChecker returns the pool's health checker.
func (p *Pool) HealthChecker() HealthChecker {
	return p.health
}

// Raw returns the underlying pgxpool.Pool for call sites that need a
// feature Pool does not wrap directly (e.g. CopyFrom).
func (p *Pool) Raw() *pgxpool.Pool {
	return p.pool
}

type errorRow struct {
	err error
}

func (r *errorRow) Scan(dest ...interface{}) error {
	return r.err
}
