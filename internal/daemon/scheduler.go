// Package daemon triggers the background passes of a running node.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/util/workerpool"
	"go.uber.org/zap"
)

// Pass is a periodic job. Run sees a context that ends when the scheduler
// stops.
type Pass struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler submits each pass to a worker pool on its interval. A pass that
// is still running when its next tick arrives is skipped for that tick.
type Scheduler struct {
	pool   *workerpool.WorkerPool
	passes []*scheduled
	logger *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type scheduled struct {
	Pass
	running atomic.Bool
	skipped atomic.Uint64
	runs    atomic.Uint64
}

// NewScheduler creates a scheduler. Passes with a non-positive interval are
// never scheduled.
func NewScheduler(pool *workerpool.WorkerPool, passes []Pass, logger *zap.Logger) *Scheduler {
	s := &Scheduler{pool: pool, logger: logger}
	for _, p := range passes {
		if p.Interval <= 0 {
			logger.Info("Pass disabled", zap.String("pass", p.Name))
			continue
		}
		s.passes = append(s.passes, &scheduled{Pass: p})
	}
	return s
}

// Start launches one ticker per pass. Every pass is also triggered once
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, p := range s.passes {
		s.wg.Add(1)
		go s.loop(ctx, p)
	}
}

func (s *Scheduler) loop(ctx context.Context, p *scheduled) {
	defer s.wg.Done()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	s.trigger(p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(p)
		}
	}
}

// trigger submits one run of p unless a previous run is still in flight.
// It reports whether a run was submitted.
func (s *Scheduler) trigger(p *scheduled) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		s.logger.Debug("Pass still running, skipping tick", zap.String("pass", p.Name))
		return false
	}

	err := s.pool.Submit(workerpool.Task{
		Name: p.Name,
		Fn:   p.Run,
		Done: func(error) {
			p.runs.Add(1)
			p.running.Store(false)
		},
	})
	if err != nil {
		p.running.Store(false)
		s.logger.Warn("Failed to submit pass", zap.String("pass", p.Name), zap.Error(err))
		return false
	}
	return true
}

// TriggerByName runs the named pass now, subject to the same overlap rule.
func (s *Scheduler) TriggerByName(name string) bool {
	for _, p := range s.passes {
		if p.Name == name {
			return s.trigger(p)
		}
	}
	return false
}

// PassStats reports completed runs and skipped ticks of a pass.
func (s *Scheduler) PassStats(name string) (runs, skipped uint64) {
	for _, p := range s.passes {
		if p.Name == name {
			return p.runs.Load(), p.skipped.Load()
		}
	}
	return 0, 0
}

// Stop ends the tickers. Running passes are stopped by stopping the pool.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
