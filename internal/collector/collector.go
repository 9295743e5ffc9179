// Package collector implements the Collector component: periodic
// sampling of the monitored server, scheduled snapshot construction,
// scheduled retention maintenance, configuration reload intake, and
// host hardware-info refresh.
package collector

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/pgstatsinfo/agent/internal/config"
	"github.com/pgstatsinfo/agent/internal/hostmetrics"
	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/internal/repository"
	"github.com/pgstatsinfo/agent/internal/repository/postgres"
	"github.com/pgstatsinfo/agent/internal/subprocess"
	"github.com/pgstatsinfo/agent/internal/supervisor"
)

const tickInterval = 200 * time.Millisecond

// maxSampleRetry bounds the sample-call retry loop (DB_MAX_RETRY).
const maxSampleRetry = 10

// Notifier is the narrow interface the optional Redis publisher
// satisfies; the Collector depends only on this so it stays decoupled
// from internal/notify (and notify never needs to know about the
// Collector's internals).
type Notifier interface {
	Publish(ctx context.Context, event string, fields map[string]any)
}

// Collector drives the periodic sampling / snapshot / maintenance
// schedule described in §4.5.
type Collector struct {
	pool   *postgres.Pool
	reload *config.ReloadCoordinator
	gen    int64
	cfg    *config.Config

	queue                *queue.Queue
	snapshotRequested    *supervisor.SignalCell
	maintenanceRequested *supervisor.SignalCell
	shutdownState        *supervisor.ShutdownState
	watcher              supervisor.ParentProcessWatcher

	hostReader       *hostmetrics.Reader
	lastHardwareInfo *hostmetrics.Info
	hwInfoNeeded     bool

	nextSample      time.Time
	nextSnapshot    time.Time
	nextMaintenance time.Time

	logMaintWaiter *subprocess.Waiter
	logDirectory   string

	warnLimiter *rate.Limiter
	notifier    Notifier
	logger      *slog.Logger

	dataDirectory     string
	serverVersionNum  int
	serverVersion     string
}

// Options bundles the construction-time dependencies the Supervisor
// wires together.
type Options struct {
	Pool                 *postgres.Pool
	Reload               *config.ReloadCoordinator
	Queue                *queue.Queue
	SnapshotRequested     *supervisor.SignalCell
	MaintenanceRequested  *supervisor.SignalCell
	ShutdownState         *supervisor.ShutdownState
	Watcher               supervisor.ParentProcessWatcher
	HostReader            *hostmetrics.Reader
	Notifier              Notifier
	Logger                *slog.Logger
	DataDirectory         string
	ServerVersionNum      int
	ServerVersionString   string
	LogDirectory          string
}

// New builds a Collector. hwInfoNeeded starts true, matching the
// source's startup-time hardware refresh.
func New(opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Reload.Current()
	now := time.Now()
	return &Collector{
		pool:                 opts.Pool,
		reload:               opts.Reload,
		gen:                  opts.Reload.Generation(),
		cfg:                  cfg,
		queue:                opts.Queue,
		snapshotRequested:    opts.SnapshotRequested,
		maintenanceRequested: opts.MaintenanceRequested,
		shutdownState:        opts.ShutdownState,
		watcher:              opts.Watcher,
		hostReader:           opts.HostReader,
		hwInfoNeeded:         true,
		nextSample:           now.Add(time.Duration(cfg.SamplingIntervalSeconds) * time.Second),
		nextSnapshot:         now.Add(time.Duration(cfg.SnapshotIntervalSeconds) * time.Second),
		nextMaintenance:      nextMaintenanceTime(now, cfg.MaintenanceScheduleHour),
		logDirectory:         opts.LogDirectory,
		warnLimiter:          rate.NewLimiter(rate.Every(time.Minute), 1),
		notifier:             opts.Notifier,
		logger:               logger,
		dataDirectory:        opts.DataDirectory,
		serverVersionNum:     opts.ServerVersionNum,
		serverVersion:        opts.ServerVersionString,
	}
}

// nextMaintenanceTime returns the next occurrence of hour:00 local
// time strictly after now, always advancing by at least one day once
// today's slot has passed.
func nextMaintenanceTime(now time.Time, hour int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Run drives the Collector's tick loop until the shutdown state
// reaches ShutdownRequested. The Collector is the first worker to
// exit: it finishes whatever tick is in flight (flushing any snapshot
// it already built) and then raises CollectorDown.
func (c *Collector) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.shutdownState.AtLeast(supervisor.ShutdownRequested) {
			c.shutdownState.Raise(supervisor.CollectorDown)
			return
		}

		c.maybeReload()
		c.tick(ctx)

		time.Sleep(tickInterval + jitter())
	}
}

func jitter() time.Duration {
	return time.Duration(rand.Intn(20)) * time.Millisecond
}

func (c *Collector) maybeReload() {
	if gen := c.reload.Generation(); gen != c.gen {
		next := c.reload.Current()
		if next.Monitor != c.cfg.Monitor {
			if err := c.pool.Disconnect(context.Background()); err != nil {
				c.logger.Warn("collector: error disconnecting on reload", "error", err)
			}
		}
		c.cfg = next
		c.gen = gen
	}
}

func (c *Collector) tick(ctx context.Context) {
	now := time.Now()

	if !now.Before(c.nextSample) {
		c.sample(ctx)
		c.nextSample = now.Add(time.Duration(c.cfg.SamplingIntervalSeconds) * time.Second)
	}

	if comment, ok := c.snapshotRequested.Take(); ok {
		c.buildSnapshot(ctx, comment)
	}
	if !now.Before(c.nextSnapshot) {
		c.buildSnapshot(ctx, "")
		c.nextSnapshot = now.Add(time.Duration(c.cfg.SnapshotIntervalSeconds) * time.Second)
	}

	if period, ok := c.maintenanceRequested.Take(); ok {
		c.runRequestedMaintenance(ctx, period)
	}
	if c.cfg.MaintenanceEnabled && !now.Before(c.nextMaintenance) {
		c.runScheduledMaintenance(ctx, now)
		c.nextMaintenance = nextMaintenanceTime(now, c.cfg.MaintenanceScheduleHour)
	}

	c.pollLogMaintenanceChild()

	if c.hwInfoNeeded {
		c.refreshHardwareInfo(ctx)
	}
}

// sample connects (ensuring the statsinfo schema exists) and invokes
// statsinfo.sample(), retrying up to DB_MAX_RETRY times with a
// 1-second pause on transient failure.
func (c *Collector) sample(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt < maxSampleRetry; attempt++ {
		if err := c.ensureConnected(ctx); err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		if _, err := c.pool.Exec(ctx, "SELECT statsinfo.sample()"); err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		return
	}
	c.logger.Error("collector: sampling failed after retries", "error", lastErr)
}

func (c *Collector) ensureConnected(ctx context.Context) error {
	return repository.Connect(ctx, c.pool, c.cfg.Repository.SharePath, repository.SchemaStatsinfo, c.serverVersionNum)
}

func (c *Collector) pollLogMaintenanceChild() {
	if c.logMaintWaiter == nil {
		return
	}
	result, done := c.logMaintWaiter.TryWait(context.Background())
	if !done {
		return
	}
	c.logMaintWaiter = nil
	if result.ExitCode != 0 || result.Signaled {
		c.logger.Error("collector: log maintenance command failed",
			"exit_code", result.ExitCode, "signaled", result.Signaled,
			"signal", result.Signal, "stderr", result.Stderr)
	}
}

func (c *Collector) warnOnce(msg string, args ...any) {
	if c.warnLimiter.Allow() {
		c.logger.Warn(msg, args...)
	}
}
