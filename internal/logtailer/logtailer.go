// Package logtailer implements the Logger component: it owns the CSV
// Tailer, classifies and routes each record (recognizers, severity
// adjustment, syslog/text-log emission), watches for control
// sentinels, and is the last worker to exit during shutdown.
package logtailer

import (
	"context"
	"log/slog"
	"log/syslog"
	"os"
	"strings"
	"time"

	"github.com/pgstatsinfo/agent/internal/config"
	"github.com/pgstatsinfo/agent/internal/logline"
	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/internal/recognizer"
	"github.com/pgstatsinfo/agent/internal/supervisor"
	"github.com/pgstatsinfo/agent/internal/tailer"
)

const (
	tickInterval   = 200 * time.Millisecond
	finalExitGrace = 2 * time.Second
)

// LogTailer drives the CSV tailer through the routing pipeline each
// tick and reacts to control sentinels and the server's shutdown
// marker.
type LogTailer struct {
	tailer      *tailer.Tailer
	checkpoints *recognizer.CheckpointRecognizer
	vacuums     *recognizer.VacuumRecognizer

	reload     *config.ReloadCoordinator
	generation int64
	cfg        *config.Config

	queue *queue.Queue

	snapshotRequested    *supervisor.SignalCell
	maintenanceRequested *supervisor.SignalCell
	shutdownState        *supervisor.ShutdownState
	watcher              supervisor.ParentProcessWatcher

	textLogFile *os.File
	syslogWriter *syslog.Writer
	syslogIdent  string
	logger       *slog.Logger

	shutdownMarkerSeen bool
}

// New builds a LogTailer. q is the shared Writer queue; snapshotCell
// and maintenanceCell are the cross-thread signal cells the Collector
// reads.
func New(
	tl *tailer.Tailer,
	reload *config.ReloadCoordinator,
	q *queue.Queue,
	snapshotCell, maintenanceCell *supervisor.SignalCell,
	state *supervisor.ShutdownState,
	watcher supervisor.ParentProcessWatcher,
	logger *slog.Logger,
) (*LogTailer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := reload.Current()

	checkpoints, err := recognizer.NewCheckpointRecognizer(
		firstNonEmpty(cfg.Messages.CheckpointStarting, recognizer.DefaultCheckpointStartingTemplate),
		firstNonEmpty(cfg.Messages.CheckpointComplete, recognizer.DefaultCheckpointCompleteTemplate),
		logger)
	if err != nil {
		return nil, err
	}
	vacuums, err := recognizer.NewVacuumRecognizer(
		firstNonEmpty(cfg.Messages.Autovacuum, recognizer.DefaultAutovacuumTemplate),
		firstNonEmpty(cfg.Messages.Autoanalyze, recognizer.DefaultAutoanalyzeTemplate),
		logger)
	if err != nil {
		return nil, err
	}

	return &LogTailer{
		tailer:               tl,
		checkpoints:          checkpoints,
		vacuums:              vacuums,
		reload:               reload,
		cfg:                  cfg,
		generation:           reload.Generation(),
		queue:                q,
		snapshotRequested:    snapshotCell,
		maintenanceRequested: maintenanceCell,
		shutdownState:        state,
		watcher:              watcher,
		logger:               logger,
	}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Run drives the per-tick loop until the shutdown state has reached
// WriterDown and either the server's own shutdown marker has been seen
// or finalExitGrace has elapsed.
func (l *LogTailer) Run(ctx context.Context) {
	defer func() {
		if l.syslogWriter != nil {
			l.syslogWriter.Close()
		}
		if l.textLogFile != nil {
			l.textLogFile.Close()
		}
	}()

	var graceDeadline time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		if gen := l.reload.Generation(); gen != l.generation {
			l.cfg = l.reload.Current()
			l.generation = gen
		}

		l.tick()

		time.Sleep(tickInterval)

		if !l.shutdownState.AtLeast(supervisor.ShutdownRequested) && !l.watcher.IsAlive() {
			l.shutdownState.Raise(supervisor.ShutdownRequested)
		}

		if l.shutdownState.AtLeast(supervisor.WriterDown) {
			if graceDeadline.IsZero() {
				graceDeadline = time.Now().Add(finalExitGrace)
			}
			if l.shutdownMarkerSeen {
				l.logger.Info("shutdown")
				l.shutdownState.Raise(supervisor.LoggerDown)
				return
			}
			if time.Now().After(graceDeadline) {
				l.logger.Warn("exiting without observing server shutdown marker")
				l.shutdownState.Raise(supervisor.LoggerDown)
				return
			}
		}
	}
}

func (l *LogTailer) tick() {
	for {
		line, err := l.tailer.Next()
		if err != nil {
			l.logger.Warn("tailer error", "error", err)
			return
		}
		if line == nil {
			return
		}
		l.route(line)
	}
}

// route implements the per-record pipeline described for the Logger:
// recognizer offer at severity Log, severity-adjust, syslog/text-log
// emission, then control-sentinel / shutdown-marker side effects.
func (l *LogTailer) route(line *logline.LogLine) {
	if line.Severity == logline.SeverityLog {
		if l.offerRecognizers(line) {
			return
		}
	}

	effectiveSeverity := line.Severity
	if target, ok := l.cfg.AdjustSeverity(line.SQLState); ok {
		effectiveSeverity = logline.ParseSeverity(target)
	}

	l.emitTextLog(line, effectiveSeverity)
	l.emitSyslog(line, effectiveSeverity)

	if line.Severity == logline.SeverityLog {
		l.checkSentinels(line)
	}
}

func (l *LogTailer) offerRecognizers(line *logline.LogLine) bool {
	occurredAt, _ := time.Parse("2006-01-02 15:04:05.000 MST", line.Timestamp)
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	if l.checkpoints.OfferStarting(line.Message, occurredAt) {
		return true
	}
	if cp, ok := l.checkpoints.OfferComplete(line.Message); ok {
		l.queue.Send(queue.NewItem(queue.KindCheckpoint, cp))
		return true
	}
	if av, ok := l.vacuums.OfferAutovacuum(line.Message, occurredAt); ok {
		if av != nil {
			l.queue.Send(queue.NewItem(queue.KindAutovacuum, av))
		}
		return true
	}
	if aa, ok := l.vacuums.OfferAutoanalyze(line.Message, occurredAt); ok {
		if aa != nil {
			l.queue.Send(queue.NewItem(queue.KindAutoanalyze, aa))
		}
		return true
	}
	return false
}

func (l *LogTailer) checkSentinels(line *logline.LogLine) {
	switch recognizer.MatchSentinel(strings.TrimSpace(line.Message)) {
	case recognizer.SentinelSnapshotRequested:
		l.snapshotRequested.Set(line.Detail)
	case recognizer.SentinelMaintenanceRequested:
		l.maintenanceRequested.Set(line.Detail)
	case recognizer.SentinelRestartRequested:
		l.shutdownState.Raise(supervisor.ShutdownRequested)
	}

	if l.cfg.Messages.Shutdown != "" && strings.Contains(line.Message, l.cfg.Messages.Shutdown) {
		l.shutdownMarkerSeen = true
	} else if strings.Contains(line.Message, "database system is shut down") {
		l.shutdownMarkerSeen = true
	}
}

func (l *LogTailer) emitTextLog(line *logline.LogLine, severity logline.Severity) {
	if !l.cfg.TextLog.Enabled {
		return
	}
	if severity < logline.ParseSeverity(l.cfg.TextLog.MinSeverity) {
		return
	}
	if l.textLogFile == nil {
		if err := l.openTextLog(); err != nil {
			l.logger.Warn("cannot open text log file", "error", err)
			return
		}
	}
	_, _ = l.textLogFile.WriteString(line.Timestamp + " " + severity.String() + " " + line.Message + "\n")
}

// emitSyslog forwards line to the local syslog daemon once its
// severity clears the configured floor, opening (and reopening, on
// ident change) the syslog connection lazily.
func (l *LogTailer) emitSyslog(line *logline.LogLine, severity logline.Severity) {
	if !l.cfg.Syslog.Enabled {
		return
	}
	if severity < logline.ParseSeverity(l.cfg.Syslog.MinSeverity) {
		return
	}
	if l.syslogWriter == nil || l.syslogIdent != l.cfg.Syslog.Ident {
		if err := l.openSyslog(); err != nil {
			l.logger.Warn("cannot open syslog connection", "error", err)
			return
		}
	}

	msg := line.Timestamp + " " + line.Message
	var err error
	switch {
	case severity >= logline.SeverityFatal:
		err = l.syslogWriter.Crit(msg)
	case severity >= logline.SeverityError:
		err = l.syslogWriter.Err(msg)
	case severity >= logline.SeverityWarning:
		err = l.syslogWriter.Warning(msg)
	default:
		err = l.syslogWriter.Info(msg)
	}
	if err != nil {
		l.logger.Warn("syslog write failed", "error", err)
	}
}

func (l *LogTailer) openSyslog() error {
	if l.syslogWriter != nil {
		l.syslogWriter.Close()
	}
	facility := parseSyslogFacility(l.cfg.Syslog.Facility)
	w, err := syslog.New(facility|syslog.LOG_INFO, l.cfg.Syslog.Ident)
	if err != nil {
		return err
	}
	l.syslogWriter = w
	l.syslogIdent = l.cfg.Syslog.Ident
	return nil
}

func parseSyslogFacility(name string) syslog.Priority {
	switch strings.ToLower(name) {
	case "local0":
		return syslog.LOG_LOCAL0
	case "local1":
		return syslog.LOG_LOCAL1
	case "local2":
		return syslog.LOG_LOCAL2
	case "local3":
		return syslog.LOG_LOCAL3
	case "local4":
		return syslog.LOG_LOCAL4
	case "local5":
		return syslog.LOG_LOCAL5
	case "local6":
		return syslog.LOG_LOCAL6
	case "local7":
		return syslog.LOG_LOCAL7
	case "daemon":
		return syslog.LOG_DAEMON
	case "user":
		return syslog.LOG_USER
	default:
		return syslog.LOG_LOCAL0
	}
}

func (l *LogTailer) openTextLog() error {
	oldUmask := setUmaskFromPermissionBits(l.cfg.TextLog.PermissionBits)
	defer restoreUmask(oldUmask)

	f, err := os.OpenFile(l.cfg.TextLog.Directory+"/"+l.cfg.TextLog.FilePrefix+".log",
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	l.textLogFile = f
	return nil
}
