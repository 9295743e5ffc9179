// Package writer drains the shared queue and flushes items to the
// repository, holding the connection open across items and retrying
// transient failures up to the bound before dropping an item.
package writer

import (
	"context"
	"log/slog"
	"time"

	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/internal/repository"
	"github.com/pgstatsinfo/agent/internal/repository/postgres"
)

// IdleGrace is the connection idle-close window named in the
// component design (60 seconds).
const IdleGrace = 60 * time.Second

// tickInterval is the Writer's base loop period.
const tickInterval = 200 * time.Millisecond

// InstanceResolver resolves (name, hostname, port) to a repository
// instance id, inserting a new row if none exists and updating the
// stored server version string if it has changed.
type InstanceResolver func(ctx context.Context, conn *postgres.Pool, name, hostname string, port int, serverVersion string) (int64, error)

// Writer is the sole consumer of the shared Queue.
type Writer struct {
	queue    *queue.Queue
	connCfg  *postgres.ConnConfig
	resolve  InstanceResolver
	logger   *slog.Logger
	retry    *postgres.RetryExecutor

	conn         *postgres.Pool
	lastUse      time.Time
	instanceID   int64
	instanceName string
	hostname     string
	port         int
	serverVer    string

	superuserChecked bool
	isSuperuser      bool
}

// New builds a Writer bound to q and the repository connection
// configuration in connCfg.
func New(q *queue.Queue, connCfg *postgres.ConnConfig, resolve InstanceResolver, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		queue:   q,
		connCfg: connCfg,
		resolve: resolve,
		logger:  logger,
		retry:   postgres.NewRetryExecutor(postgres.DefaultRetryConfig(), logger),
	}
}

// Run drives the Writer loop until ctx is canceled. shouldExit is
// polled each tick (typically ShutdownState.AtLeast(WriterDown) from
// the Supervisor); on the final tick the Writer performs one bounded
// drain-and-discard cycle and disconnects.
func (w *Writer) Run(ctx context.Context, shouldExit func() bool) {
	for {
		if ctx.Err() != nil {
			w.finalDrain(ctx)
			return
		}
		if shouldExit() {
			w.finalDrain(ctx)
			w.disconnect(ctx)
			return
		}

		processed := w.cycle(ctx)

		if w.queue.Len() > 0 {
			time.Sleep(time.Second)
		}
		if !processed && w.conn != nil && time.Since(w.lastUse) > IdleGrace {
			w.disconnect(ctx)
		}

		time.Sleep(tickInterval)
	}
}

// cycle runs one drain-process-requeue pass and reports whether any
// item was processed (successfully or not) this cycle.
func (w *Writer) cycle(ctx context.Context) bool {
	items := w.queue.DrainForProcessing()
	if len(items) == 0 {
		return false
	}

	if err := w.ensureConnected(ctx); err != nil {
		w.logger.Error("writer: cannot connect to repository", "error", err)
		w.queue.RequeueHead(items)
		return false
	}

	if err := w.ensureInstance(ctx); err != nil {
		w.logger.Error("writer: cannot resolve instance id", "error", err)
		w.queue.RequeueHead(items)
		return false
	}

	anyProcessed := false
	for i, item := range items {
		err := item.Execute(ctx, w.conn, w.instanceID)
		w.lastUse = time.Now()
		if err == nil {
			item.Release()
			anyProcessed = true
			continue
		}
		if retry := w.queue.FailurePolicy(item, err); retry {
			w.queue.RequeueHead(items[i:])
			return anyProcessed
		}
		anyProcessed = true
	}
	return anyProcessed
}

func (w *Writer) ensureConnected(ctx context.Context) error {
	if w.conn != nil && w.conn.IsConnected() {
		return nil
	}
	w.conn = postgres.NewPool(w.connCfg, w.logger)
	if err := w.retry.Execute(ctx, func() error {
		return w.conn.Connect(ctx)
	}); err != nil {
		return err
	}
	w.probeSuperuser(ctx)
	return nil
}

// probeSuperuser determines once per Writer (the first probe that
// succeeds; later connections do not re-check) whether the writer's
// repository role is a superuser, per §11's set_connect_privileges:
// a non-superuser connection is expected to fail statsrepo
// administrative statements, which is worth a one-time log line rather
// than a surprise later.
func (w *Writer) probeSuperuser(ctx context.Context) {
	if w.superuserChecked {
		return
	}
	super, err := repository.IsSuperuser(ctx, w.conn)
	if err != nil {
		w.logger.Warn("writer: cannot determine repository role privileges", "error", err)
		return
	}
	w.superuserChecked = true
	w.isSuperuser = super
	if !super {
		w.logger.Warn("writer: repository connection is not a superuser, some statsrepo operations may fail")
	}
}

func (w *Writer) ensureInstance(ctx context.Context) error {
	if w.instanceID != 0 {
		return nil
	}
	if w.resolve == nil {
		return nil
	}
	id, err := w.resolve(ctx, w.conn, w.instanceName, w.hostname, w.port, w.serverVer)
	if err != nil {
		return err
	}
	w.instanceID = id
	return nil
}

func (w *Writer) disconnect(ctx context.Context) {
	if w.conn == nil {
		return
	}
	if err := w.conn.Disconnect(ctx); err != nil {
		w.logger.Warn("writer: error disconnecting", "error", err)
	}
	w.conn = nil
	w.instanceID = 0
}

// finalDrain performs one bounded attempt to flush everything left in
// the queue, then discards whatever still fails and logs the count.
func (w *Writer) finalDrain(ctx context.Context) {
	items := w.queue.DrainForProcessing()
	if len(items) == 0 {
		return
	}
	if err := w.ensureConnected(ctx); err != nil {
		w.logger.Warn("writer: final drain discarding items, cannot connect", "count", len(items), "error", err)
		for _, it := range items {
			it.Release()
		}
		return
	}
	if err := w.ensureInstance(ctx); err != nil {
		w.logger.Warn("writer: final drain discarding items, cannot resolve instance", "count", len(items), "error", err)
		for _, it := range items {
			it.Release()
		}
		return
	}

	discarded := 0
	for _, item := range items {
		if err := item.Execute(ctx, w.conn, w.instanceID); err != nil {
			discarded++
		}
		item.Release()
	}
	if discarded > 0 {
		w.logger.Warn("writer: final drain discarded failing items", "count", discarded)
	}
}

// SetInstanceIdentity is called once at startup (and again on reload if
// the target changes) with the identity the instance resolver needs.
func (w *Writer) SetInstanceIdentity(name, hostname string, port int, serverVersion string) {
	w.instanceName = name
	w.hostname = hostname
	w.port = port
	w.serverVer = serverVersion
	w.instanceID = 0
}
