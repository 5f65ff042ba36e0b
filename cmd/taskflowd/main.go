// Command taskflowd is the daemon entrypoint: opens the catalog, runs
// startup repair, wires the state tracker, QoS scheduler, task
// manager, subscriber bus, notification flow, cron schedule and
// control API, then waits for a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"taskflowd/internal/auditlog"
	"taskflowd/internal/catalog"
	"taskflowd/internal/config"
	"taskflowd/internal/controlapi"
	"taskflowd/internal/daemon"
	"taskflowd/internal/manager"
	"taskflowd/internal/notifyflow"
	"taskflowd/internal/obslog"
	"taskflowd/internal/qos"
	"taskflowd/internal/statehandler"
	"taskflowd/internal/subscriberbus"
)

func main() {
	dbPath := flag.String("db", "taskflowd.db", "catalog database path")
	logPath := flag.String("log", "taskflowd.log", "JSON log file path")
	downloadDir := flag.String("download-dir", "./downloads", "download destination root")
	listenAddr := flag.String("listen", "127.0.0.1:7878", "control API listen address")
	token := flag.String("token", os.Getenv("TASKFLOWD_TOKEN"), "control API bearer token")
	auditPath := flag.String("audit", "taskflowd-audit.log", "audit log path")
	flag.Parse()

	log, closeLog, err := obslog.New(*logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "obslog init:", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(log)

	cat, err := catalog.Open(*dbPath)
	if err != nil {
		log.Error("catalog open failed", "err", err)
		os.Exit(1)
	}
	defer cat.Close()

	repaired, err := cat.StartupRepair()
	if err != nil {
		log.Error("startup repair failed", "err", err)
		os.Exit(1)
	}
	log.Info("startup repair complete", "rows_failed", repaired)

	cfg := config.New(cat)

	tracker := statehandler.New(cat)
	tracker.SetResourceLevel(statehandler.ResourceLevel(cfg.ResourceLevel(int(statehandler.LevelMedium))))

	sched := qos.New()
	sched.SetLevel(statehandler.ResourceLevel(cfg.ResourceLevel(int(statehandler.LevelMedium))))

	audit, err := auditlog.Open(*auditPath)
	if err != nil {
		log.Error("audit log open failed", "err", err)
		os.Exit(1)
	}
	defer audit.Close()

	bus := subscriberbus.New(log)
	flow := notifyflow.New(noopSink{log: log}, cfg.ProgressInterval(500*time.Millisecond))

	resolve := func(r catalog.Record) string {
		return filepath.Join(*downloadDir, fmt.Sprintf("%d", r.TaskID))
	}

	mgr := manager.New(cat, tracker, sched, resolve, bus, flow, log)

	cronSched, err := manager.StartCron(mgr)
	if err != nil {
		log.Error("cron schedule init failed", "err", err)
		os.Exit(1)
	}
	defer cronSched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	mgr.SetUnloadHook(func() {
		log.Info("self-unload: nothing running, stopping service")
		cancel()
	})
	go mgr.Run(ctx)

	api := controlapi.New(mgr, audit, *token)
	httpSrv := &http.Server{Addr: *listenAddr, Handler: api}
	go func() {
		log.Info("control API listening", "addr", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control API failed", "err", err)
		}
	}()

	daemon.WaitForSignals(cancel, log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("taskflowd stopped")
}

// noopSink logs notification-bar updates instead of rendering them
// through a real OS notification backend.
type noopSink struct{ log *slog.Logger }

func (s noopSink) ShowProgress(groupID string, g notifyflow.GroupProgress) {
	s.log.Debug("group progress", "group_id", groupID, "successful", g.Successful, "failed", g.Failed, "total", g.Total)
}

func (s noopSink) ShowTerminal(groupID string, g notifyflow.GroupProgress) {
	s.log.Info("group finished", "group_id", groupID, "successful", g.Successful, "failed", g.Failed, "total", g.Total)
}
