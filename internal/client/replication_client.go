package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"github.com/devrev/pairdb/objectnode/internal/rpc"
	"github.com/devrev/pairdb/objectnode/internal/validation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// maxMessageSize bounds one replication message. A suffix transfer may carry
// several records of the maximum size.
const maxMessageSize = 4 * validation.MaxRecordSize

// ReplicationClient handles communication with peer nodes
type ReplicationClient struct {
	connections map[string]*grpc.ClientConn
	mu          sync.RWMutex
	timeout     time.Duration
	dialOpts    []grpc.DialOption
}

// NewReplicationClient creates a new replication client. Extra dial options
// are appended to the defaults.
func NewReplicationClient(timeout time.Duration, opts ...grpc.DialOption) *ReplicationClient {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}
	return &ReplicationClient{
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
		dialOpts:    append(dialOpts, opts...),
	}
}

// ObjectReplica returns the object tier of a remote device
func (c *ReplicationClient) ObjectReplica(dev ring.Device) *ObjectReplica {
	return &ObjectReplica{remote: remote{client: c, dev: dev}}
}

// ContainerReplica returns the container tier of a remote device
func (c *ReplicationClient) ContainerReplica(dev ring.Device) *ContainerReplica {
	return &ContainerReplica{remote: remote{client: c, dev: dev}}
}

// getConnection returns or creates a gRPC connection
func (c *ReplicationClient) getConnection(addr string) (*rpc.ReplicationClient, error) {
	c.mu.RLock()
	conn, exists := c.connections[addr]
	c.mu.RUnlock()

	if exists {
		return rpc.NewReplicationClient(conn), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check
	if conn, exists := c.connections[addr]; exists {
		return rpc.NewReplicationClient(conn), nil
	}

	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, errors.PeerUnavailable(addr, fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	c.connections[addr] = conn
	return rpc.NewReplicationClient(conn), nil
}

// Close closes all connections
func (c *ReplicationClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, conn := range c.connections {
		conn.Close()
		delete(c.connections, addr)
	}
}

type remote struct {
	client *ReplicationClient
	dev    ring.Device
}

func (r remote) Name() string {
	return r.dev.String()
}

// call runs fn against the device's node with the client timeout applied.
func call[Resp any](ctx context.Context, r remote, fn func(context.Context, *rpc.ReplicationClient) (*Resp, error)) (*Resp, error) {
	rc, err := r.client.getConnection(r.dev.Address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.client.timeout)
	defer cancel()

	resp, err := fn(ctx, rc)
	if err != nil {
		return nil, errors.FromGRPC(r.Name(), err)
	}
	return resp, nil
}

func (r remote) digests(ctx context.Context, method func(*rpc.ReplicationClient, context.Context, *rpc.DigestsRequest, ...grpc.CallOption) (*rpc.DigestsResponse, error), partition int, suffix string) (map[string]string, error) {
	resp, err := call(ctx, r, func(ctx context.Context, rc *rpc.ReplicationClient) (*rpc.DigestsResponse, error) {
		return method(rc, ctx, &rpc.DigestsRequest{Device: r.dev.Device, Partition: partition, Suffix: suffix})
	})
	if err != nil {
		return nil, err
	}
	if resp.Digests == nil {
		return map[string]string{}, nil
	}
	return resp.Digests, nil
}

// ObjectReplica is the object tier of a device on another node
type ObjectReplica struct {
	remote
}

func (r *ObjectReplica) Digests(ctx context.Context, partition int) (map[string]string, error) {
	return r.digests(ctx, (*rpc.ReplicationClient).ObjectDigests, partition, "")
}

func (r *ObjectReplica) Digest(ctx context.Context, partition int, suffix string) (string, error) {
	d, err := r.digests(ctx, (*rpc.ReplicationClient).ObjectDigests, partition, suffix)
	if err != nil {
		return "", err
	}
	return d[suffix], nil
}

func (r *ObjectReplica) Records(ctx context.Context, partition int, suffix string) ([]*model.ObjectRecord, error) {
	resp, err := call(ctx, r.remote, func(ctx context.Context, rc *rpc.ReplicationClient) (*rpc.ObjectRecordsResponse, error) {
		return rc.ObjectRecords(ctx, &rpc.RecordsRequest{Device: r.dev.Device, Partition: partition, Suffix: suffix})
	})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (r *ObjectReplica) Merge(ctx context.Context, partition int, suffix string, records []*model.ObjectRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	resp, err := call(ctx, r.remote, func(ctx context.Context, rc *rpc.ReplicationClient) (*rpc.MergeResponse, error) {
		return rc.ObjectMerge(ctx, &rpc.ObjectMergeRequest{Device: r.dev.Device, Partition: partition, Suffix: suffix, Records: records})
	})
	if err != nil {
		return 0, err
	}
	return resp.Applied, nil
}

// ContainerReplica is the container tier of a device on another node
type ContainerReplica struct {
	remote
}

func (r *ContainerReplica) Digests(ctx context.Context, partition int) (map[string]string, error) {
	return r.digests(ctx, (*rpc.ReplicationClient).ContainerDigests, partition, "")
}

func (r *ContainerReplica) Digest(ctx context.Context, partition int, suffix string) (string, error) {
	d, err := r.digests(ctx, (*rpc.ReplicationClient).ContainerDigests, partition, suffix)
	if err != nil {
		return "", err
	}
	return d[suffix], nil
}

func (r *ContainerReplica) Records(ctx context.Context, partition int, suffix string) ([]*model.ContainerRow, error) {
	resp, err := call(ctx, r.remote, func(ctx context.Context, rc *rpc.ReplicationClient) (*rpc.ContainerRecordsResponse, error) {
		return rc.ContainerRecords(ctx, &rpc.RecordsRequest{Device: r.dev.Device, Partition: partition, Suffix: suffix})
	})
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (r *ContainerReplica) Merge(ctx context.Context, partition int, suffix string, rows []*model.ContainerRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	resp, err := call(ctx, r.remote, func(ctx context.Context, rc *rpc.ReplicationClient) (*rpc.MergeResponse, error) {
		return rc.ContainerMerge(ctx, &rpc.ContainerMergeRequest{Device: r.dev.Device, Partition: partition, Suffix: suffix, Rows: rows})
	})
	if err != nil {
		return 0, err
	}
	return resp.Applied, nil
}
