package service

import (
	"context"
	stderrors "errors"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/ring"
	"go.uber.org/zap"
)

// PeerResolver returns the replica held by a ring device.
type PeerResolver[R model.Versioned] func(dev ring.Device) Replica[R]

// NewPeerResolver resolves devices of localNode to the local replicas and
// every other device through remote.
func NewPeerResolver[R model.Versioned](localNode string, locals map[string]Replica[R], remote func(ring.Device) Replica[R]) PeerResolver[R] {
	return func(dev ring.Device) Replica[R] {
		if dev.Node == localNode {
			if r, ok := locals[dev.Device]; ok {
				return r
			}
		}
		return remote(dev)
	}
}

// ListingNotifier marks expired objects deleted in every replica of their
// container listing.
type ListingNotifier struct {
	placement ring.Placement
	peers     PeerResolver[*model.ContainerRow]
	logger    *zap.Logger
}

// NewListingNotifier creates a notifier; placement is the container ring.
func NewListingNotifier(placement ring.Placement, peers PeerResolver[*model.ContainerRow], logger *zap.Logger) *ListingNotifier {
	return &ListingNotifier{placement: placement, peers: peers, logger: logger}
}

// ObjectExpired writes a deleted row stamped with the expiration marker's
// timestamp to each container replica. Replicas that fail are caught up
// later by container replication; the joined error reports them.
func (n *ListingNotifier) ObjectExpired(ctx context.Context, key model.ObjectKey, ts model.Timestamp) error {
	ref := key.ContainerRef()
	partition, devs := n.placement.GetNodes(ref.Account, ref.Container, "")
	suffix := ring.SuffixOf(n.placement.Hasher().HashPath(key.Account, key.Container, key.Object))
	row := &model.ContainerRow{
		Ref: ref,
		Entry: model.ContainerListingEntry{
			Name:      key.Object,
			Timestamp: ts,
			Deleted:   true,
		},
	}

	var errs []error
	for _, dev := range devs {
		if err := ctx.Err(); err != nil {
			return err
		}
		replica := n.peers(dev)
		if _, err := replica.Merge(ctx, partition, suffix, []*model.ContainerRow{row}); err != nil {
			n.logger.Warn("Failed to mark listing row deleted",
				zap.String("path", key.Path()),
				zap.String("replica", dev.String()),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
