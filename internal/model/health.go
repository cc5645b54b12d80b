package model

// HealthStatus is what a node advertises to its peers over gossip.
type HealthStatus struct {
	NodeID          string     `json:"node_id"`
	ReplicationAddr string     `json:"replication_addr"`
	Status          NodeStatus `json:"status"`
	Timestamp       int64      `json:"timestamp"`
	Devices         []string   `json:"devices,omitempty"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)
