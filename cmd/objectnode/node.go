package main

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/objectnode/internal/client"
	"github.com/devrev/pairdb/objectnode/internal/config"
	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/service"
	"github.com/devrev/pairdb/objectnode/internal/storage/containerdb"
	"github.com/devrev/pairdb/objectnode/internal/storage/diskmanager"
	"github.com/devrev/pairdb/objectnode/internal/storage/objectstore"
	"github.com/devrev/pairdb/objectnode/internal/store"
	"go.uber.org/zap"
)

// node holds every component built from the configuration.
type node struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	objectRing    *ring.Ring
	containerRing *ring.Ring

	objects    []*objectstore.Store
	containers []*containerdb.Store
	accounts   store.AccountStore
	client     *client.ReplicationClient

	localObjects    map[string]service.Replica[*model.ObjectRecord]
	localContainers map[string]service.Replica[*model.ContainerRow]
	objectPeers     service.PeerResolver[*model.ObjectRecord]
	containerPeers  service.PeerResolver[*model.ContainerRow]
}

func newNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	n := &node{
		cfg:             cfg,
		logger:          logger,
		metrics:         metrics.NewMetrics(cfg.Server.NodeID),
		localObjects:    make(map[string]service.Replica[*model.ObjectRecord]),
		localContainers: make(map[string]service.Replica[*model.ContainerRow]),
	}

	var err error
	if n.objectRing, err = cfg.Ring.Build(); err != nil {
		return nil, fmt.Errorf("failed to build object ring: %w", err)
	}
	if n.containerRing, err = cfg.ContainerRing.Build(); err != nil {
		return nil, fmt.Errorf("failed to build container ring: %w", err)
	}

	for _, device := range cfg.Storage.Devices {
		disk, err := diskmanager.NewDiskManager(diskmanager.Config{
			Device:           device,
			Path:             cfg.Storage.DevicePath(device),
			WarningThreshold: cfg.Storage.DiskWarnThreshold,
			FullThreshold:    cfg.Storage.DiskFullThreshold,
		}, logger)
		if err != nil {
			n.Close()
			return nil, err
		}

		obs, err := objectstore.New(objectstore.Config{
			DevicesDir: cfg.Storage.DevicesDir,
			Device:     device,
			SyncWrites: cfg.Storage.SyncWrites,
			ReclaimAge: cfg.Replicator.ReclaimAge,
		}, n.objectRing.Hasher(), nil, disk, logger)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to open object store on %s: %w", device, err)
		}
		n.objects = append(n.objects, obs)
		n.localObjects[device] = service.NewLocalObjectReplica(obs, nil, logger)

		cs, err := containerdb.Open(containerdb.Config{
			DevicesDir: cfg.Storage.DevicesDir,
			Device:     device,
			SyncWrites: cfg.Storage.SyncWrites,
			ReclaimAge: cfg.Replicator.ReclaimAge,
		}, n.containerRing.Hasher(), nil, logger)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to open container store on %s: %w", device, err)
		}
		n.containers = append(n.containers, cs)
		n.localContainers[device] = service.NewLocalContainerReplica(cs, nil, logger)
	}

	switch cfg.Account.Backend {
	case "redis":
		n.accounts = store.NewRedisAccountStore(store.RedisOptions{
			Addr:      cfg.Account.RedisAddr,
			Password:  cfg.Account.RedisPassword,
			DB:        cfg.Account.RedisDB,
			KeyPrefix: cfg.Account.KeyPrefix,
		}, logger)
	default:
		n.accounts = store.NewMemoryAccountStore()
	}

	n.client = client.NewReplicationClient(cfg.Replicator.RPCTimeout)
	n.objectPeers = service.NewPeerResolver(cfg.Server.NodeID, n.localObjects,
		func(dev ring.Device) service.Replica[*model.ObjectRecord] { return n.client.ObjectReplica(dev) })
	n.containerPeers = service.NewPeerResolver(cfg.Server.NodeID, n.localContainers,
		func(dev ring.Device) service.Replica[*model.ContainerRow] { return n.client.ContainerReplica(dev) })

	logger.Info("Node initialized",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Strings("devices", cfg.Storage.Devices),
		zap.String("account_backend", cfg.Account.Backend))

	return n, nil
}

func (n *node) auditor() *service.AuditorService {
	notifier := service.NewListingNotifier(n.containerRing, n.containerPeers, n.logger)
	return service.NewAuditorService(service.AuditorConfig{FilesPerSecond: n.cfg.Auditor.FilesPerSecond},
		n.objects, notifier, n.metrics, n.logger)
}

func (n *node) replicator(liveness service.Liveness) *service.ReplicatorService {
	devices := make([]service.LocalDevice[*model.ObjectRecord], 0, len(n.objects))
	for _, s := range n.objects {
		devices = append(devices, service.LocalDevice[*model.ObjectRecord]{
			Device:  s.Device(),
			Store:   s,
			Replica: n.localObjects[s.Device()],
		})
	}
	return service.NewReplicatorService(n.replicatorConfig(), n.objectRing, devices, n.objectPeers, liveness, n.metrics, n.logger)
}

func (n *node) containerReplicator(liveness service.Liveness) *service.ContainerReplicatorService {
	devices := make([]service.LocalDevice[*model.ContainerRow], 0, len(n.containers))
	for _, s := range n.containers {
		devices = append(devices, service.LocalDevice[*model.ContainerRow]{
			Device:  s.Device(),
			Store:   s,
			Replica: n.localContainers[s.Device()],
		})
	}
	return service.NewContainerReplicatorService(n.replicatorConfig(), n.containerRing, devices, n.containerPeers, liveness, n.metrics, n.logger)
}

func (n *node) replicatorConfig() service.ReplicatorConfig {
	return service.ReplicatorConfig{
		NodeID:        n.cfg.Server.NodeID,
		Concurrency:   n.cfg.Replicator.Concurrency,
		HandoffDelete: n.cfg.Replicator.HandoffDelete,
	}
}

func (n *node) updater() *service.UpdaterService {
	return service.NewUpdaterService(service.UpdaterConfig{
		NodeID:      n.cfg.Server.NodeID,
		Concurrency: n.cfg.Updater.Concurrency,
	}, n.containers, n.accounts, n.containerRing, n.metrics, n.logger)
}

// replicationAddr is the address peers reach this node at, taken from the
// object ring.
func (n *node) replicationAddr() string {
	if local := n.cfg.LocalNodeDevices(n.cfg.Ring); len(local) > 0 {
		return local[0].Address
	}
	return n.cfg.Server.Addr()
}

// pingAccounts logs whether the account tier is reachable at startup.
func (n *node) pingAccounts(ctx context.Context) {
	if err := n.accounts.Ping(ctx); err != nil {
		n.logger.Warn("Account tier unreachable, deltas stay pending", zap.Error(err))
	}
}

func (n *node) Close() {
	if n.client != nil {
		n.client.Close()
	}
	for _, cs := range n.containers {
		if err := cs.Close(); err != nil {
			n.logger.Error("Failed to close container store", zap.String("device", cs.Device()), zap.Error(err))
		}
	}
	if n.accounts != nil {
		n.accounts.Close()
	}
}
