package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/metrics"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService manages cluster membership and health propagation
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu         sync.RWMutex
	healthData model.HealthStatus
	members    map[string]model.HealthStatus
	departed   map[string]bool
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NewGossipService creates a new gossip service and joins the seed nodes.
func NewGossipService(cfg *GossipConfig, nodeID, replicationAddr string, devices []string, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		nodeID:  nodeID,
		metrics: m,
		logger:  logger,
		healthData: model.HealthStatus{
			NodeID:          nodeID,
			ReplicationAddr: replicationAddr,
			Status:          model.NodeStatusHealthy,
			Timestamp:       time.Now().Unix(),
			Devices:         devices,
		},
		members:  make(map[string]model.HealthStatus),
		departed: make(map[string]bool),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	status := s.healthData
	s.mu.RUnlock()

	data, _ := json.Marshal(status)
	if len(data) > limit {
		status.Devices = nil
		data, _ = json.Marshal(status)
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var healthStatus model.HealthStatus
	if err := json.Unmarshal(data, &healthStatus); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}

	s.logger.Debug("Received health status",
		zap.String("node_id", healthStatus.NodeID),
		zap.String("status", string(healthStatus.Status)))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return s.NodeMeta(memberlist.MetaMaxSize)
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// SetStatus changes the status advertised to peers.
func (s *GossipService) SetStatus(status model.NodeStatus) {
	s.mu.Lock()
	changed := s.healthData.Status != status
	s.healthData.Status = status
	s.healthData.Timestamp = time.Now().Unix()
	s.mu.Unlock()

	if changed && s.memberlist != nil {
		if err := s.memberlist.UpdateNode(time.Second); err != nil {
			s.logger.Warn("Failed to propagate node status", zap.Error(err))
		}
	}
}

// Members returns the health status of every member currently in the
// cluster, this node included.
func (s *GossipService) Members() []model.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.HealthStatus, 0, len(s.members))
	for _, st := range s.members {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Alive reports whether node may be contacted. Nodes gossip has not heard of
// yet are assumed alive; departed and unhealthy nodes are not.
func (s *GossipService) Alive(node string) bool {
	if node == s.nodeID {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.departed[node] {
		return false
	}
	if st, ok := s.members[node]; ok {
		return st.Status != model.NodeStatusUnhealthy
	}
	return true
}

func decodeMeta(node *memberlist.Node) model.HealthStatus {
	status := model.HealthStatus{NodeID: node.Name, Status: model.NodeStatusHealthy}
	if len(node.Meta) > 0 {
		_ = json.Unmarshal(node.Meta, &status)
	}
	return status
}

// observe records a membership change. Memberlist invokes event delegates
// with its own locks held, so this must not call back into it.
func (s *GossipService) observe(node *memberlist.Node, left bool) {
	s.mu.Lock()
	if left {
		delete(s.members, node.Name)
		s.departed[node.Name] = true
	} else {
		s.members[node.Name] = decodeMeta(node)
		delete(s.departed, node.Name)
	}
	total := len(s.members)
	healthy := 0
	for _, st := range s.members {
		if st.Status == model.NodeStatusHealthy {
			healthy++
		}
	}
	s.mu.Unlock()
	s.metrics.UpdateGossipStats(total, healthy)
}

// Shutdown leaves the cluster and stops gossiping.
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.observe(node, false)
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.observe(node, true)
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
	d.service.observe(node, false)
}
