package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/saiigo/xhs-data-helper-sub000/internal/api"
	"github.com/saiigo/xhs-data-helper-sub000/internal/config"
	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
	"github.com/saiigo/xhs-data-helper-sub000/internal/scheduler"
	"github.com/saiigo/xhs-data-helper-sub000/internal/status"
	"github.com/saiigo/xhs-data-helper-sub000/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		return
	}

	switch os.Args[1] {
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "serve":
		if err := runServer(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

// engine bundles the long-lived components both commands share
type engine struct {
	cfg       *config.Config
	log       *logrus.Logger
	database  *db.DB
	broker    *status.Broker
	bridge    *worker.Bridge
	scheduler *scheduler.Scheduler
	cron      *cron.Cron
}

// newEngine opens the store, repairs state left behind by a crash,
// and wires the scheduler. The repair must run before any scheduling.
func newEngine(cfg *config.Config) (*engine, error) {
	log := config.NewLogger(cfg.LogLevel)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	if fixed, err := database.FixStuckTasks(cfg.StaleThreshold); err != nil {
		database.Close()
		return nil, fmt.Errorf("repairing stuck tasks: %w", err)
	} else if fixed > 0 {
		log.WithField("count", fixed).Warn("marked stuck tasks as stopped")
	}
	if reset, err := database.ResetRunningQueueItems(); err != nil {
		database.Close()
		return nil, fmt.Errorf("repairing orphaned queue items: %w", err)
	} else if reset > 0 {
		log.WithField("count", reset).Warn("reverted orphaned queue items to pending")
	}

	broker := status.NewBroker()
	bridge := worker.New(database, cfg.WorkerCommand, log)

	sched := scheduler.New(database, bridge, broker, log)
	sched.SetSettleDelay(cfg.SettleDelay)
	if cfg.WebhookURL != "" {
		sched.SetWebhook(cfg.WebhookURL)
	}

	c := cron.New()
	_, err = c.AddFunc("@daily", func() {
		pruned, err := database.PruneLogs(cfg.LogRetention)
		if err != nil {
			log.WithError(err).Error("log retention sweep failed")
			return
		}
		log.WithField("count", pruned).Info("pruned old task logs")
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("scheduling retention sweep: %w", err)
	}
	c.Start()

	return &engine{
		cfg:       cfg,
		log:       log,
		database:  database,
		broker:    broker,
		bridge:    bridge,
		scheduler: sched,
		cron:      c,
	}, nil
}

func (e *engine) close() {
	ctx := e.cron.Stop()
	<-ctx.Done()
	e.scheduler.Shutdown()
	e.database.Close()
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.DataDir, "daemon.pid")
	if pid, running := isDaemonRunning(pidPath); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	eng.log.WithFields(logrus.Fields{"pid": os.Getpid(), "db": cfg.DBPath}).Info("daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	eng.log.Info("shutting down")
	return nil
}

func runServer() error {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("port", 0, "HTTP server port")
	_ = serveCmd.Parse(os.Args[2:])

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	server := api.NewServer(eng.database, eng.scheduler, eng.bridge, eng.broker, eng.log)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	eng.log.WithFields(logrus.Fields{"addr": addr, "db": cfg.DBPath}).Info("API server starting")

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			eng.log.WithError(err).Error("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	eng.log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return srv.Shutdown(ctx)
}

// isDaemonRunning checks if a daemon is running by reading PID file and checking process
func isDaemonRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// On Unix, FindProcess always succeeds, so send signal 0 to check if alive
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}

	return pid, true
}

func printHelp() {
	fmt.Println(`xhs-helper - durable collection queue engine

Usage:
  xhs-helper daemon        Run the queue engine in the foreground
  xhs-helper serve         Run the engine with the HTTP API
  xhs-helper help          Show this help message

Serve Options:
  --port                   HTTP server port (default: 8080)

Environment Variables:
  XHS_HELPER_DATA           Data directory (default: ~/.xhs-helper)
  XHS_HELPER_WORKER         Worker binary (default: xhs-worker)
  XHS_HELPER_PORT           HTTP server port (default: 8080)
  XHS_HELPER_WEBHOOK        Feishu bot webhook for job notifications
  XHS_HELPER_LOG_LEVEL      Log level (default: info)
  XHS_HELPER_SETTLE_DELAY   Pause between jobs (default: 500ms)
  XHS_HELPER_STALE_THRESHOLD  Stuck-task staleness cutoff (default: 10m)
  XHS_HELPER_LOG_RETENTION  Task log retention horizon (default: 720h)`)
}
