// Package rpc defines the node-to-node replication service. Messages travel
// as JSON over gRPC.
package rpc

import (
	"context"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"google.golang.org/grpc"
)

const ServiceName = "objectnode.Replication"

const (
	MethodObjectDigests    = "/" + ServiceName + "/ObjectDigests"
	MethodObjectRecords    = "/" + ServiceName + "/ObjectRecords"
	MethodObjectMerge      = "/" + ServiceName + "/ObjectMerge"
	MethodContainerDigests = "/" + ServiceName + "/ContainerDigests"
	MethodContainerRecords = "/" + ServiceName + "/ContainerRecords"
	MethodContainerMerge   = "/" + ServiceName + "/ContainerMerge"
)

// DigestsRequest asks for the suffix digests of a partition. A non-empty
// Suffix restricts the answer to that suffix.
type DigestsRequest struct {
	Device    string `json:"device"`
	Partition int    `json:"partition"`
	Suffix    string `json:"suffix,omitempty"`
}

type DigestsResponse struct {
	Digests map[string]string `json:"digests"`
}

// RecordsRequest asks for every record of a partition suffix.
type RecordsRequest struct {
	Device    string `json:"device"`
	Partition int    `json:"partition"`
	Suffix    string `json:"suffix"`
}

type ObjectRecordsResponse struct {
	Records []*model.ObjectRecord `json:"records"`
}

type ContainerRecordsResponse struct {
	Rows []*model.ContainerRow `json:"rows"`
}

type ObjectMergeRequest struct {
	Device    string                `json:"device"`
	Partition int                   `json:"partition"`
	Suffix    string                `json:"suffix"`
	Records   []*model.ObjectRecord `json:"records"`
}

type ContainerMergeRequest struct {
	Device    string                `json:"device"`
	Partition int                   `json:"partition"`
	Suffix    string                `json:"suffix"`
	Rows      []*model.ContainerRow `json:"rows"`
}

// MergeResponse reports how many records superseded the receiver's versions.
type MergeResponse struct {
	Applied int `json:"applied"`
}

// ReplicationServer is the server API of the replication service.
type ReplicationServer interface {
	ObjectDigests(context.Context, *DigestsRequest) (*DigestsResponse, error)
	ObjectRecords(context.Context, *RecordsRequest) (*ObjectRecordsResponse, error)
	ObjectMerge(context.Context, *ObjectMergeRequest) (*MergeResponse, error)
	ContainerDigests(context.Context, *DigestsRequest) (*DigestsResponse, error)
	ContainerRecords(context.Context, *RecordsRequest) (*ContainerRecordsResponse, error)
	ContainerMerge(context.Context, *ContainerMergeRequest) (*MergeResponse, error)
}

// RegisterReplicationServer registers srv with a gRPC server.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&ReplicationServiceDesc, srv)
}

func unary[Req any, Resp any](name, fullMethod string, call func(ReplicationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReplicationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReplicationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ReplicationServiceDesc describes the replication service to gRPC.
var ReplicationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ObjectDigests", MethodObjectDigests, ReplicationServer.ObjectDigests),
		unary("ObjectRecords", MethodObjectRecords, ReplicationServer.ObjectRecords),
		unary("ObjectMerge", MethodObjectMerge, ReplicationServer.ObjectMerge),
		unary("ContainerDigests", MethodContainerDigests, ReplicationServer.ContainerDigests),
		unary("ContainerRecords", MethodContainerRecords, ReplicationServer.ContainerRecords),
		unary("ContainerMerge", MethodContainerMerge, ReplicationServer.ContainerMerge),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "objectnode/replication",
}

// ReplicationClient is the client API of the replication service.
type ReplicationClient struct {
	cc grpc.ClientConnInterface
}

func NewReplicationClient(cc grpc.ClientConnInterface) *ReplicationClient {
	return &ReplicationClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReplicationClient) ObjectDigests(ctx context.Context, in *DigestsRequest, opts ...grpc.CallOption) (*DigestsResponse, error) {
	return invoke[DigestsResponse](ctx, c.cc, MethodObjectDigests, in, opts)
}

func (c *ReplicationClient) ObjectRecords(ctx context.Context, in *RecordsRequest, opts ...grpc.CallOption) (*ObjectRecordsResponse, error) {
	return invoke[ObjectRecordsResponse](ctx, c.cc, MethodObjectRecords, in, opts)
}

func (c *ReplicationClient) ObjectMerge(ctx context.Context, in *ObjectMergeRequest, opts ...grpc.CallOption) (*MergeResponse, error) {
	return invoke[MergeResponse](ctx, c.cc, MethodObjectMerge, in, opts)
}

func (c *ReplicationClient) ContainerDigests(ctx context.Context, in *DigestsRequest, opts ...grpc.CallOption) (*DigestsResponse, error) {
	return invoke[DigestsResponse](ctx, c.cc, MethodContainerDigests, in, opts)
}

func (c *ReplicationClient) ContainerRecords(ctx context.Context, in *RecordsRequest, opts ...grpc.CallOption) (*ContainerRecordsResponse, error) {
	return invoke[ContainerRecordsResponse](ctx, c.cc, MethodContainerRecords, in, opts)
}

func (c *ReplicationClient) ContainerMerge(ctx context.Context, in *ContainerMergeRequest, opts ...grpc.CallOption) (*MergeResponse, error) {
	return invoke[MergeResponse](ctx, c.cc, MethodContainerMerge, in, opts)
}
