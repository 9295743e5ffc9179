// Command agent is pg_statsinfo's monitoring agent: it runs alongside a
// PostgreSQL server, samples its runtime statistics into a repository
// database, and tails its CSV log for performance and control events.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/pgstatsinfo/agent/internal/collector"
	"github.com/pgstatsinfo/agent/internal/config"
	"github.com/pgstatsinfo/agent/internal/hostmetrics"
	"github.com/pgstatsinfo/agent/internal/httpapi"
	"github.com/pgstatsinfo/agent/internal/logtailer"
	"github.com/pgstatsinfo/agent/internal/notify"
	"github.com/pgstatsinfo/agent/internal/queue"
	"github.com/pgstatsinfo/agent/internal/repository"
	"github.com/pgstatsinfo/agent/internal/repository/pgcontrol"
	"github.com/pgstatsinfo/agent/internal/repository/postgres"
	"github.com/pgstatsinfo/agent/internal/supervisor"
	"github.com/pgstatsinfo/agent/internal/tailer"
	"github.com/pgstatsinfo/agent/internal/writer"
	"github.com/pgstatsinfo/agent/pkg/logger"
)

const (
	serviceName = "pg_statsinfo-agent"

	// exitFatalStartup is the launcher-facing signal that it should not
	// restart the agent (a permanently broken configuration).
	exitFatalStartup = 0xFF

	// controlFilePollInterval is how often the agent re-checks
	// pg_control while waiting for the server to reach a connectable
	// state.
	controlFilePollInterval = time.Second
	controlFilePollTimeout  = 2 * time.Minute
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   serviceName,
		Short: "pg_statsinfo monitoring agent",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a local development config file (the stdin frame stream is authoritative in production)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatalStartup)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logger.NewLogger(logger.Config{Level: "info", Format: "json"})
	slog.SetDefault(log)

	frames, err := supervisor.ReadFrames(os.Stdin)
	if err != nil {
		log.Error("fatal: cannot read configuration frame stream", "error", err)
		os.Exit(exitFatalStartup)
	}
	for name := range frames {
		if !supervisor.IsKnownKey(name) {
			log.Error("fatal: unexpected parameter in config stream", "name", name)
			os.Exit(exitFatalStartup)
		}
	}
	if err := supervisor.ValidateMandatory(frames); err != nil {
		log.Error("fatal: missing mandatory config field", "error", err)
		os.Exit(exitFatalStartup)
	}

	base, err := config.LoadConfig(configPath)
	if err != nil {
		log.Error("fatal: cannot load base configuration", "error", err)
		os.Exit(exitFatalStartup)
	}
	cfg, err := config.ApplyFrames(base, frames)
	if err != nil {
		log.Error("fatal: invalid configuration", "error", err)
		os.Exit(exitFatalStartup)
	}
	if err := tailer.ValidateFilenameTemplate(frames["log_directory"] + "/postgresql-%Y-%m-%d_%H%M%S.csv"); err != nil {
		log.Error("fatal: server's CSV log filename template cannot be tailed", "error", err)
		os.Exit(exitFatalStartup)
	}
	reload := config.NewReloadCoordinator(cfg, log)

	postmasterPID := 0
	fmt.Sscanf(frames["postmaster_pid"], "%d", &postmasterPID)
	instanceID, _ := strconv.ParseInt(frames["instance_id"], 10, 64)
	serverVersionNum, _ := strconv.Atoi(frames["server_version_num"])
	serverPort, _ := strconv.Atoi(frames["port"])
	_ = instanceID // carried by the Supervisor's own frame protocol, not the repository's identity resolution

	os.Setenv("PGCLIENTENCODING", frames["server_encoding"])
	os.Setenv("PGCONNECT_TIMEOUT", "2")

	if err := waitForConnectableState(frames["data_directory"], log); err != nil {
		log.Error("fatal: server never reached a connectable state", "error", err)
		os.Exit(exitFatalStartup)
	}

	watcher := supervisor.NewParentProcessWatcher(postmasterPID)
	state := supervisor.NewShutdownState()
	state.Raise(supervisor.Running)

	snapshotRequested := &supervisor.SignalCell{}
	maintenanceRequested := &supervisor.SignalCell{}

	q := queue.New(log)

	repoConnCfg, err := cfg.RepositoryConnConfig()
	if err != nil {
		log.Error("fatal: invalid repository connection string", "error", err)
		os.Exit(exitFatalStartup)
	}
	w := writer.New(q, repoConnCfg, repository.ResolveInstance, log)
	w.SetInstanceIdentity(serviceName, frames["data_directory"], serverPort, frames["server_version_string"])

	monitorPool := postgres.NewPool(cfg.MonitorConnConfig(), log)

	var notifier collector.Notifier
	if cfg.Notify.Addr != "" {
		pub := notify.New(cfg.Notify.Addr, cfg.Notify.Channel, log)
		defer pub.Close()
		notifier = pub
	}

	hostReader, err := hostmetrics.DefaultReader()
	if err != nil {
		log.Warn("host hardware info unavailable", "error", err)
	}

	coll := collector.New(collector.Options{
		Pool:                 monitorPool,
		Reload:               reload,
		Queue:                q,
		SnapshotRequested:    snapshotRequested,
		MaintenanceRequested: maintenanceRequested,
		ShutdownState:        state,
		Watcher:              watcher,
		HostReader:           hostReader,
		Notifier:             notifier,
		Logger:               log,
		DataDirectory:        frames["data_directory"],
		ServerVersionNum:     serverVersionNum,
		ServerVersionString:  frames["server_version_string"],
		LogDirectory:         frames["log_directory"],
	})

	csvTailer := tailer.New(frames["log_directory"], ".csv", log)
	tail, err := logtailer.New(csvTailer, reload, q, snapshotRequested, maintenanceRequested, state, watcher, log)
	if err != nil {
		log.Error("fatal: cannot build log tailer recognizers", "error", err)
		os.Exit(exitFatalStartup)
	}

	var httpSrv *httpapi.Server
	if cfg.HTTP.Enabled {
		httpSrv = httpapi.New(cfg.HTTP.Addr, q, nil, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				handleReload(reload, log)
			default:
				state.Raise(supervisor.ShutdownRequested)
			}
		}
	}()

	go func() {
		for {
			if !watcher.IsAlive() {
				state.Raise(supervisor.ShutdownRequested)
				return
			}
			if state.AtLeast(supervisor.ShutdownRequested) {
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()

	if httpSrv != nil {
		go func() {
			if err := httpSrv.Run(ctx); err != nil {
				log.Warn("internal http server stopped", "error", err)
			}
		}()
	}

	go coll.Run(ctx)
	go tail.Run(ctx)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify not available", "error", err)
	}

	// The Writer is the second worker to exit: it keeps draining until
	// the Collector has fully stopped producing new items, then drains
	// what's left and disconnects. The LogTailer (started above) exits
	// last, once it sees WriterDown and either the server's own
	// shutdown marker or its grace window.
	w.Run(ctx, func() bool { return state.AtLeast(supervisor.CollectorDown) })
	state.Raise(supervisor.WriterDown)

	for !state.AtLeast(supervisor.LoggerDown) {
		time.Sleep(100 * time.Millisecond)
	}

	log.Info("agent exited", "state", state.Get().String())
	return nil
}

func handleReload(rc *config.ReloadCoordinator, log *slog.Logger) {
	frames, err := supervisor.ReadFrames(os.Stdin)
	if err != nil {
		log.Error("reload: cannot read configuration frame stream", "error", err)
		return
	}
	base, err := config.LoadConfig(configPath)
	if err != nil {
		log.Error("reload: cannot reload configuration", "error", err)
		return
	}
	next, err := config.ApplyFrames(base, frames)
	if err != nil {
		log.Error("reload: invalid configuration", "error", err)
		return
	}
	if err := rc.Reload(next); err != nil {
		log.Error("reload: rejected", "error", err)
	}
}

// waitForConnectableState refuses to start sampling until pg_control
// reports the server is in production or in archive recovery, polling
// up to controlFilePollTimeout. A missing control file (e.g. the data
// directory is not yet initialized) is treated the same as "not ready
// yet" and retried.
func waitForConnectableState(dataDirectory string, log *slog.Logger) error {
	deadline := time.Now().Add(controlFilePollTimeout)
	for {
		state, err := pgcontrol.ReadState(dataDirectory)
		if err == nil && pgcontrol.ReadyToConnect(state) {
			return nil
		}
		if err != nil {
			log.Debug("pg_control not yet readable", "error", err)
		} else {
			log.Debug("server not yet in a connectable state", "state", state.String())
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for a connectable server state")
		}
		time.Sleep(controlFilePollInterval)
	}
}
