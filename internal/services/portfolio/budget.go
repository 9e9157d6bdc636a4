package portfolio

import (
	"sync/atomic"

	"agentfleet/internal/metrics"
)

// PositionBudget is the fleet-wide open position counter shared by all agents.
// A limit of zero or less disables it.
type PositionBudget struct {
	limit int64
	used  atomic.Int64
}

func NewPositionBudget(limit int64) *PositionBudget {
	return &PositionBudget{limit: limit}
}

// TryAcquire reserves one slot, failing when the budget is exhausted
func (b *PositionBudget) TryAcquire() bool {
	for {
		cur := b.used.Load()
		if b.limit > 0 && cur >= b.limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+1) {
			metrics.FleetOpenPositions.Set(float64(cur + 1))
			return true
		}
	}
}

// Release frees n slots, never going below zero
func (b *PositionBudget) Release(n int) {
	for {
		cur := b.used.Load()
		next := max(cur-int64(n), 0)
		if b.used.CompareAndSwap(cur, next) {
			metrics.FleetOpenPositions.Set(float64(next))
			return
		}
	}
}

// Seed restores the counter from storage at startup
func (b *PositionBudget) Seed(n int64) {
	b.used.Store(n)
	metrics.FleetOpenPositions.Set(float64(n))
}

func (b *PositionBudget) InUse() int64 {
	return b.used.Load()
}

func (b *PositionBudget) Limit() int64 {
	return b.limit
}
