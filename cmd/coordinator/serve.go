package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jaywantadh/chunkmaster/config"
	"github.com/jaywantadh/chunkmaster/internal/audit"
	"github.com/jaywantadh/chunkmaster/internal/events"
	"github.com/jaywantadh/chunkmaster/internal/httpapi"
	"github.com/jaywantadh/chunkmaster/internal/liveness"
	"github.com/jaywantadh/chunkmaster/internal/nodeclient"
	"github.com/jaywantadh/chunkmaster/internal/orchestrator"
	"github.com/jaywantadh/chunkmaster/internal/placement"
	"github.com/jaywantadh/chunkmaster/internal/reconciler"
	"github.com/jaywantadh/chunkmaster/internal/registry"
	"github.com/jaywantadh/chunkmaster/internal/replication"
	"github.com/jaywantadh/chunkmaster/internal/store"
	"github.com/jaywantadh/chunkmaster/pkg/env"
	"github.com/jaywantadh/chunkmaster/pkg/logging"
)

func serveCmd() *cobra.Command {
	var configPath, metadataDir string
	var port int
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the coordinator HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env.LoadEnv()
			logging.InitLogger(debug)
			logrus.SetOutput(logging.Log.Out)
			logrus.SetLevel(logging.Log.GetLevel())
			logrus.SetFormatter(logging.Log.Formatter)

			config.LoadConfig(configPath)
			cfg := config.Config
			if metadataDir != "" {
				cfg.MetadataDir = metadataDir
			}
			if port != 0 {
				cfg.Port = port
			}

			return runServer(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	cmd.Flags().StringVar(&metadataDir, "metadata-dir", "", "override metadata_dir from config")
	cmd.Flags().IntVar(&port, "port", 0, "override port from config")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServer(cfg *config.AppConfig) error {
	bus := events.NewBus(256)

	metaStore, err := store.Open(cfg.MetadataDir, store.WithBackupRetain(cfg.MetadataBackupRetain))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	auditLog, err := audit.Open(cfg.AuditDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	nodeRegistry := registry.New(bus)
	livenessTracker := liveness.New(bus, cfg.HeartbeatTimeout)
	planner := placement.New(livenessTracker, metaStore, cfg.ChunkSizeBytes, cfg.ReplicationFactor, cfg.MinReplicas)
	nodes := nodeclient.New(cfg.NodeConnectTimeout, cfg.NodeReadTimeout)

	orch := orchestrator.New(metaStore, nodeRegistry, livenessTracker, planner, auditLog, nodes, cfg.NodeReadTimeout)

	recon := reconciler.New(metaStore, livenessTracker, nodes, auditLog, cfg.ReplicationFactor, cfg.NodeReadTimeout)
	reconCtx, cancelRecon := context.WithCancel(context.Background())
	defer cancelRecon()
	go recon.Run(reconCtx, bus.Subscribe())

	repairLoop := replication.New(metaStore, livenessTracker, nodes, auditLog,
		cfg.ChunkSizeBytes, cfg.ReplicationFactor, cfg.MinReplicationFloor, cfg.MaxConcurrentRepairs,
		cfg.CooldownAfterRepair, cfg.NodeReadTimeout)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.CleanupInterval),
		gocron.NewTask(livenessTracker.CheckTimeouts),
		gocron.WithName("liveness-cleanup"),
	); err != nil {
		return fmt.Errorf("schedule liveness cleanup: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.CheckInterval),
		gocron.NewTask(repairLoop.Tick),
		gocron.WithName("re-replication"),
	); err != nil {
		return fmt.Errorf("schedule re-replication loop: %w", err)
	}

	sched.Start()
	defer sched.Shutdown()

	api := httpapi.New(orch, cfg.ReplicationFactor)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.Router(),
	}

	go func() {
		logrus.WithFields(logrus.Fields{"component": "server", "port": cfg.Port}).Info("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithField("component", "server").WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.WithField("component", "server").Info("shutting down HTTP server and scheduler")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
