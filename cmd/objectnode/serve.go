package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/daemon"
	"github.com/devrev/pairdb/objectnode/internal/handler"
	"github.com/devrev/pairdb/objectnode/internal/health"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/rpc"
	"github.com/devrev/pairdb/objectnode/internal/server"
	"github.com/devrev/pairdb/objectnode/internal/service"
	"github.com/devrev/pairdb/objectnode/internal/util/workerpool"
	"github.com/devrev/pairdb/objectnode/internal/validation"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve replication requests and run every background pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.pingAccounts(ctx)

	// Membership
	var liveness service.Liveness
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, cfg.Server.NodeID, n.replicationAddr(), cfg.Storage.Devices, n.metrics, logger)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			liveness = gossipSvc
			logger.Info("Gossip service initialized")
		}
	}

	// Device health
	devicePaths := make(map[string]string, len(cfg.Storage.Devices))
	for _, d := range cfg.Storage.Devices {
		devicePaths[d] = cfg.Storage.DevicePath(d)
	}
	checker := health.NewHealthChecker(health.HealthCheckConfig{
		NodeID:            cfg.Server.NodeID,
		Devices:           devicePaths,
		Interval:          cfg.Health.Interval,
		WarningThreshold:  cfg.Storage.DiskWarnThreshold,
		CriticalThreshold: cfg.Storage.DiskFullThreshold,
	}, n.metrics, logger)
	if gossipSvc != nil {
		checker.OnStatusChange(func(s model.NodeStatus) { gossipSvc.SetStatus(s) })
	}
	go checker.Start(ctx)

	// Admin and metrics
	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.NewAdminServer(server.AdminServerConfig{Port: cfg.Admin.Port},
			n.objects, n.containers, n.accounts, checker, n.metrics, logger)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	// Background passes
	pool := workerpool.NewWorkerPool(workerpool.Config{Name: "passes", MaxWorkers: 4, Logger: logger})
	auditor := n.auditor()
	replicator := n.replicator(liveness)
	containerReplicator := n.containerReplicator(liveness)
	updater := n.updater()
	scheduler := daemon.NewScheduler(pool, []daemon.Pass{
		{Name: "auditor", Interval: cfg.Auditor.Interval, Run: func(ctx context.Context) error {
			_, err := auditor.RunOnce(ctx, model.Now())
			return err
		}},
		{Name: "replicator", Interval: cfg.Replicator.Interval, Run: func(ctx context.Context) error {
			_, err := replicator.RunOnce(ctx)
			return err
		}},
		{Name: "container-replicator", Interval: cfg.Replicator.ContainerInterval, Run: func(ctx context.Context) error {
			_, err := containerReplicator.RunOnce(ctx)
			return err
		}},
		{Name: "updater", Interval: cfg.Updater.Interval, Run: func(ctx context.Context) error {
			_, err := updater.RunOnce(ctx)
			return err
		}},
	}, logger)

	// Replication server
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*validation.MaxRecordSize),
		grpc.MaxSendMsgSize(4*validation.MaxRecordSize),
	)
	rpc.RegisterReplicationServer(grpcServer, handler.NewReplicationHandler(n.localObjects, n.localContainers, validation.NewValidator(), logger))

	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
	}

	logger.Info("Object node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", cfg.Server.Addr()))

	scheduler.Start(ctx)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		checker.SetReadiness(false)
		scheduler.Stop()
		if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Background passes did not stop in time", zap.Error(err))
		}
		if admin != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := admin.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to stop admin server", zap.Error(err))
			}
		}
		cancel()
		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}
