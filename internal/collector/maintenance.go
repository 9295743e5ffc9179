package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/internal/repository"
	"github.com/pgstatsinfo/agent/internal/repository/postgres"
	"github.com/pgstatsinfo/agent/internal/subprocess"
)

// MaintenanceLog is the payload of a Maintenance queue item: a
// retention sweep cutting off everything in the repository older than
// Cutoff.
type MaintenanceLog struct {
	Cutoff           time.Time
	ServerVersionNum int
}

// Execute runs the version-appropriate retention sweep function.
func (m *MaintenanceLog) Execute(ctx context.Context, conn any, instanceID int64) error {
	pool, ok := conn.(*postgres.Pool)
	if !ok {
		return fmt.Errorf("collector: maintenance executor requires a repository connection")
	}
	fn := repository.SchemaVariant(m.ServerVersionNum)
	_, err := pool.Exec(ctx, fmt.Sprintf("SELECT %s($1)", fn), m.Cutoff)
	return err
}

// Release is a no-op: MaintenanceLog holds no external resources.
func (m *MaintenanceLog) Release() {}

// runRequestedMaintenance handles a maintenance request surfaced by
// the LogTailer's "maintenance requested" control sentinel: period is
// the retention period (in days) carried in the sentinel's detail
// text.
func (c *Collector) runRequestedMaintenance(ctx context.Context, period string) {
	days := c.cfg.RetentionDays
	if n, err := parseDays(period); err == nil && n > 0 {
		days = n
	}
	c.enqueueRetention(days)
}

// runScheduledMaintenance implements the daily scheduled maintenance
// tick: the retention cutoff is always "today 00:00 minus keep-days *
// 86400s" in local time (§9 open question: local, not UTC), and the
// external log-maintenance command is spawned if configured and not
// already running. Only the snapshot retention item is enqueued; no
// separate repository-log retention item is produced.
func (c *Collector) runScheduledMaintenance(ctx context.Context, now time.Time) {
	c.enqueueRetention(c.cfg.RetentionDays)

	if c.cfg.LogMaintenanceCommand == "" {
		return
	}
	if c.logMaintWaiter != nil {
		c.warnOnce("collector: previous log maintenance is not complete, skipping")
		return
	}
	child, err := subprocess.Start(c.cfg.LogMaintenanceCommand, c.logDirectory)
	if err != nil {
		c.logger.Error("collector: failed to start log maintenance command", "error", err)
		return
	}
	c.logMaintWaiter = subprocess.NewWaiter(child)
}

func (c *Collector) enqueueRetention(keepDays int) {
	midnight := time.Date(time.Now().Year(), time.Now().Month(), time.Now().Day(), 0, 0, 0, 0, time.Local)
	cutoff := midnight.Add(-time.Duration(keepDays) * 24 * time.Hour)
	item := &MaintenanceLog{Cutoff: cutoff, ServerVersionNum: c.serverVersionNum}
	c.queue.Send(queue.NewItem(queue.KindMaintenance, item))
}

func parseDays(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
