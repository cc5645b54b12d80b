package handler

import (
	"context"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/rpc"
	"github.com/devrev/pairdb/objectnode/internal/service"
	"github.com/devrev/pairdb/objectnode/internal/validation"
	"go.uber.org/zap"
)

// ReplicationHandler implements the gRPC replication service over the local
// devices.
type ReplicationHandler struct {
	objects    map[string]service.Replica[*model.ObjectRecord]
	containers map[string]service.Replica[*model.ContainerRow]
	validator  *validation.Validator
	logger     *zap.Logger
}

// NewReplicationHandler creates a handler serving the given device replicas.
func NewReplicationHandler(objects map[string]service.Replica[*model.ObjectRecord], containers map[string]service.Replica[*model.ContainerRow],
	validator *validation.Validator, logger *zap.Logger) *ReplicationHandler {
	if validator == nil {
		validator = validation.NewValidator()
	}
	return &ReplicationHandler{
		objects:    objects,
		containers: containers,
		validator:  validator,
		logger:     logger,
	}
}

func lookup[R model.Versioned](replicas map[string]service.Replica[R], device string) (service.Replica[R], error) {
	r, ok := replicas[device]
	if !ok {
		return nil, errors.NotFound("device " + device)
	}
	return r, nil
}

func digests[R model.Versioned](ctx context.Context, h *ReplicationHandler, replicas map[string]service.Replica[R], req *rpc.DigestsRequest) (*rpc.DigestsResponse, error) {
	if err := h.validator.ValidatePartition(req.Partition); err != nil {
		return nil, errors.ToGRPC(err)
	}
	replica, err := lookup(replicas, req.Device)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}

	if req.Suffix == "" {
		d, err := replica.Digests(ctx, req.Partition)
		if err != nil {
			h.logger.Error("Failed to compute digests",
				zap.String("device", req.Device),
				zap.Int("partition", req.Partition),
				zap.Error(err))
			return nil, errors.ToGRPC(err)
		}
		return &rpc.DigestsResponse{Digests: d}, nil
	}

	if err := h.validator.ValidateSuffix(req.Suffix); err != nil {
		return nil, errors.ToGRPC(err)
	}
	d, err := replica.Digest(ctx, req.Partition, req.Suffix)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	resp := &rpc.DigestsResponse{Digests: map[string]string{}}
	if d != "" {
		resp.Digests[req.Suffix] = d
	}
	return resp, nil
}

func records[R model.Versioned](ctx context.Context, h *ReplicationHandler, replicas map[string]service.Replica[R], req *rpc.RecordsRequest) ([]R, error) {
	if err := h.validator.ValidatePartition(req.Partition); err != nil {
		return nil, errors.ToGRPC(err)
	}
	if err := h.validator.ValidateSuffix(req.Suffix); err != nil {
		return nil, errors.ToGRPC(err)
	}
	replica, err := lookup(replicas, req.Device)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	recs, err := replica.Records(ctx, req.Partition, req.Suffix)
	if err != nil {
		h.logger.Error("Failed to read suffix records",
			zap.String("device", req.Device),
			zap.Int("partition", req.Partition),
			zap.String("suffix", req.Suffix),
			zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return recs, nil
}

func merge[R model.Versioned](ctx context.Context, h *ReplicationHandler, replicas map[string]service.Replica[R], device string, partition int, suffix string, recs []R) (*rpc.MergeResponse, error) {
	if err := h.validator.ValidatePartition(partition); err != nil {
		return nil, errors.ToGRPC(err)
	}
	replica, err := lookup(replicas, device)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	applied, err := replica.Merge(ctx, partition, suffix, recs)
	if err != nil {
		h.logger.Error("Failed to merge records",
			zap.String("device", device),
			zap.Int("partition", partition),
			zap.String("suffix", suffix),
			zap.Int("applied", applied),
			zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &rpc.MergeResponse{Applied: applied}, nil
}

// ObjectDigests handles digest requests for the object tier
func (h *ReplicationHandler) ObjectDigests(ctx context.Context, req *rpc.DigestsRequest) (*rpc.DigestsResponse, error) {
	return digests(ctx, h, h.objects, req)
}

// ObjectRecords handles record transfers for the object tier
func (h *ReplicationHandler) ObjectRecords(ctx context.Context, req *rpc.RecordsRequest) (*rpc.ObjectRecordsResponse, error) {
	recs, err := records(ctx, h, h.objects, req)
	if err != nil {
		return nil, err
	}
	return &rpc.ObjectRecordsResponse{Records: recs}, nil
}

// ObjectMerge applies object records pushed by a peer
func (h *ReplicationHandler) ObjectMerge(ctx context.Context, req *rpc.ObjectMergeRequest) (*rpc.MergeResponse, error) {
	for _, rec := range req.Records {
		if err := h.validator.ValidateRecord(rec); err != nil {
			return nil, errors.ToGRPC(err)
		}
	}
	return merge(ctx, h, h.objects, req.Device, req.Partition, req.Suffix, req.Records)
}

// ContainerDigests handles digest requests for the container tier
func (h *ReplicationHandler) ContainerDigests(ctx context.Context, req *rpc.DigestsRequest) (*rpc.DigestsResponse, error) {
	return digests(ctx, h, h.containers, req)
}

// ContainerRecords handles row transfers for the container tier
func (h *ReplicationHandler) ContainerRecords(ctx context.Context, req *rpc.RecordsRequest) (*rpc.ContainerRecordsResponse, error) {
	rows, err := records(ctx, h, h.containers, req)
	if err != nil {
		return nil, err
	}
	return &rpc.ContainerRecordsResponse{Rows: rows}, nil
}

// ContainerMerge applies listing rows pushed by a peer or by an auditor
func (h *ReplicationHandler) ContainerMerge(ctx context.Context, req *rpc.ContainerMergeRequest) (*rpc.MergeResponse, error) {
	for _, row := range req.Rows {
		if err := h.validator.ValidateRow(row); err != nil {
			return nil, errors.ToGRPC(err)
		}
	}
	return merge(ctx, h, h.containers, req.Device, req.Partition, req.Suffix, req.Rows)
}
