package collector

import (
	"context"
	"fmt"

	"github.com/pgstatsinfo/agent/internal/hostmetrics"
	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/internal/repository/postgres"
)

// HardwareInfo is the payload of a HardwareInfo queue item: the
// executor inserts a new row only when it differs from the most
// recent stored row for this instance.
type HardwareInfo struct {
	Info hostmetrics.Info
}

// Execute inserts a new statsrepo.cpuinfo/meminfo-style row if and
// only if it differs from the most recently stored one for this
// instance, per §4.5.
func (h *HardwareInfo) Execute(ctx context.Context, conn any, instanceID int64) error {
	pool, ok := conn.(*postgres.Pool)
	if !ok {
		return fmt.Errorf("collector: hardware info executor requires a repository connection")
	}

	var (
		vendor   string
		model    string
		mhz      float64
		procs    int
		tpc      int
		cps      int
		sockets  int
		memTotal uint64
		found    bool
	)
	err := pool.QueryRow(ctx,
		`SELECT cpu_vendor, cpu_model, cpu_mhz, processors, threads_per_core, cores_per_socket, sockets, memory_total_kb
		 FROM statsrepo.cpuinfo WHERE instid = $1 ORDER BY "time" DESC LIMIT 1`,
		instanceID).Scan(&vendor, &model, &mhz, &procs, &tpc, &cps, &sockets, &memTotal)
	if err == nil {
		found = true
	}

	if found {
		current := hostmetrics.Info{
			CPUVendor: vendor, CPUModel: model, CPUMHz: mhz,
			Processors: procs, ThreadsPerCore: tpc, CoresPerSocket: cps,
			Sockets: sockets, MemoryTotalKB: memTotal,
		}
		if current.Equal(h.Info) {
			return nil
		}
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO statsrepo.cpuinfo(instid, "time", cpu_vendor, cpu_model, cpu_mhz, processors, threads_per_core, cores_per_socket, sockets, memory_total_kb)
		 VALUES ($1, now(), $2, $3, $4, $5, $6, $7, $8, $9)`,
		instanceID, h.Info.CPUVendor, h.Info.CPUModel, h.Info.CPUMHz,
		h.Info.Processors, h.Info.ThreadsPerCore, h.Info.CoresPerSocket, h.Info.Sockets, h.Info.MemoryTotalKB)
	return err
}

// Release is a no-op: HardwareInfo holds no external resources.
func (h *HardwareInfo) Release() {}

// refreshHardwareInfo samples /proc via hostmetrics and enqueues a
// HardwareInfo item; the flag is cleared once the item has been handed
// to the queue. A failed /proc read leaves the flag set so the next
// tick tries again; with no host reader at all the flag is cleared
// without enqueuing anything.
func (c *Collector) refreshHardwareInfo(ctx context.Context) {
	if c.hostReader == nil {
		c.hwInfoNeeded = false
		return
	}
	info, err := c.hostReader.Read()
	if err != nil {
		c.logger.Warn("collector: failed to read host hardware info", "error", err)
		return
	}
	c.lastHardwareInfo = &info
	c.queue.Send(queue.NewItem(queue.KindHardwareInfo, &HardwareInfo{Info: info}))
	c.hwInfoNeeded = false
}
