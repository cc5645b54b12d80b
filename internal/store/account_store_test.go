package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func delta(container string, seq uint64, base model.ContainerStats, objects, bytes int64) *model.AggregateDelta {
	return &model.AggregateDelta{
		Account:   "AUTH_test",
		Container: container,
		Sequence:  seq,
		Base:      base,
		Delta:     model.ContainerStats{ObjectCount: objects, BytesUsed: bytes},
	}
}

var (
	zero      = model.ContainerStats{}
	afterFive = model.ContainerStats{ObjectCount: 2, BytesUsed: 8}
)

func TestMemoryAccountStore_DuplicateDeliveryIgnored(t *testing.T) {
	ctx := context.Background()

	once := store.NewMemoryAccountStore()
	for _, d := range []*model.AggregateDelta{delta("c1", 5, zero, 2, 8), delta("c1", 6, afterFive, -1, -4)} {
		result, err := once.ApplyDelta(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, model.DeltaApplied, result.Outcome)
	}

	dup := store.NewMemoryAccountStore()
	var outcomes []model.DeltaOutcome
	for _, d := range []*model.AggregateDelta{
		delta("c1", 5, zero, 2, 8),
		delta("c1", 5, zero, 2, 8),
		delta("c1", 6, afterFive, -1, -4),
		delta("c1", 5, zero, 2, 8),
	} {
		result, err := dup.ApplyDelta(ctx, d)
		require.NoError(t, err)
		outcomes = append(outcomes, result.Outcome)
	}
	assert.Equal(t, []model.DeltaOutcome{
		model.DeltaApplied, model.DeltaDuplicate, model.DeltaApplied, model.DeltaDuplicate,
	}, outcomes)

	want, err := once.GetAggregate(ctx, "AUTH_test")
	require.NoError(t, err)
	got, err := dup.GetAggregate(ctx, "AUTH_test")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, int64(1), got.ObjectCount)
	assert.Equal(t, int64(4), got.BytesUsed)
}

func TestMemoryAccountStore_StaleBaseRejected(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryAccountStore()

	result, err := s.ApplyDelta(ctx, delta("c1", 5, zero, 2, 8))
	require.NoError(t, err)
	require.Equal(t, model.DeltaApplied, result.Outcome)
	assert.Equal(t, afterFive, result.Current)
	assert.Equal(t, uint64(5), result.Sequence)

	// A second replica that never saw the first push sends its full total.
	result, err = s.ApplyDelta(ctx, delta("c1", 9, zero, 2, 8))
	require.NoError(t, err)
	assert.Equal(t, model.DeltaRebased, result.Outcome)
	assert.Equal(t, afterFive, result.Current)
	assert.Equal(t, uint64(5), result.Sequence, "a rejected delta does not move the high-water mark")

	agg, err := s.GetAggregate(ctx, "AUTH_test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.ObjectCount)
	assert.Equal(t, int64(8), agg.BytesUsed)

	result, err = s.ApplyDelta(ctx, delta("c1", 9, afterFive, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, model.DeltaApplied, result.Outcome)
	assert.Equal(t, model.ContainerStats{ObjectCount: 3, BytesUsed: 9}, result.Current)
}

func TestMemoryAccountStore_SequencesArePerContainer(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryAccountStore()

	result, err := s.ApplyDelta(ctx, delta("c1", 10, zero, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, model.DeltaApplied, result.Outcome)
	result, err = s.ApplyDelta(ctx, delta("c2", 1, zero, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, model.DeltaApplied, result.Outcome)

	agg, err := s.GetAggregate(ctx, "AUTH_test")
	require.NoError(t, err)
	assert.Equal(t, 2, agg.ContainerCount)
	assert.Equal(t, int64(4), agg.ObjectCount)
	assert.Equal(t, model.ContainerStats{ObjectCount: 3, BytesUsed: 3}, agg.Containers["c2"])

	empty, err := s.GetAggregate(ctx, "AUTH_other")
	require.NoError(t, err)
	assert.Zero(t, empty.ContainerCount)
}

func TestRedisAccountStore_UnreachableServer(t *testing.T) {
	s := store.NewRedisAccountStore(store.RedisOptions{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	}, zap.NewNop())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := s.ApplyDelta(ctx, delta("c1", 1, zero, 1, 1))
	require.Error(t, err)
	assert.Equal(t, model.DeltaResult{}, result)
	assert.True(t, errors.IsAccountUnreachable(err))

	_, err = s.GetAggregate(ctx, "AUTH_test")
	assert.True(t, errors.IsAccountUnreachable(err))
	assert.Error(t, s.Ping(ctx))
}
