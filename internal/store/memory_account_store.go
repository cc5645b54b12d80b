package store

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/objectnode/internal/model"
)

type memoryAccount struct {
	containers map[string]model.ContainerStats
	sequences  map[string]uint64
}

// MemoryAccountStore is an in-process AccountStore.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*memoryAccount
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]*memoryAccount)}
}

func (s *MemoryAccountStore) ApplyDelta(ctx context.Context, delta *model.AggregateDelta) (model.DeltaResult, error) {
	if err := ctx.Err(); err != nil {
		return model.DeltaResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[delta.Account]
	if !ok {
		acct = &memoryAccount{
			containers: make(map[string]model.ContainerStats),
			sequences:  make(map[string]uint64),
		}
		s.accounts[delta.Account] = acct
	}
	current := acct.containers[delta.Container]
	last := acct.sequences[delta.Container]
	switch {
	case delta.Sequence <= last:
		return model.DeltaResult{Outcome: model.DeltaDuplicate, Current: current, Sequence: last}, nil
	case current != delta.Base:
		return model.DeltaResult{Outcome: model.DeltaRebased, Current: current, Sequence: last}, nil
	}
	current = current.Add(delta.Delta)
	acct.sequences[delta.Container] = delta.Sequence
	acct.containers[delta.Container] = current
	return model.DeltaResult{Outcome: model.DeltaApplied, Current: current, Sequence: delta.Sequence}, nil
}

func (s *MemoryAccountStore) GetAggregate(ctx context.Context, account string) (*model.AccountAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &model.AccountAggregate{
		Account:    account,
		Containers: make(map[string]model.ContainerStats),
	}
	acct, ok := s.accounts[account]
	if !ok {
		return agg, nil
	}
	for name, stats := range acct.containers {
		agg.Containers[name] = stats
		agg.ContainerCount++
		agg.ObjectCount += stats.ObjectCount
		agg.BytesUsed += stats.BytesUsed
	}
	return agg, nil
}

func (s *MemoryAccountStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryAccountStore) Close() error {
	return nil
}
