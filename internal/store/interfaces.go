package store

import (
	"context"

	"github.com/devrev/pairdb/objectnode/internal/model"
)

// AccountStore is the account tier. Deltas for one container carry
// increasing sequence numbers; a delta whose sequence is not above the last
// one applied for its container is a duplicate and is ignored. A delta whose
// base differs from the stored container total is rejected as rebased, so
// a replica taking over reporting never stacks its totals on another's.
type AccountStore interface {
	// ApplyDelta applies the delta if it is new and its base matches. The
	// result always carries the container total after the call.
	ApplyDelta(ctx context.Context, delta *model.AggregateDelta) (model.DeltaResult, error)
	GetAggregate(ctx context.Context, account string) (*model.AccountAggregate, error)
	Ping(ctx context.Context) error
	Close() error
}
