// Package registry holds the in-memory per-instrument state shared between
// the volatility trigger and the trigger coordinator.
package registry

import (
	"context"
	"sync"
	"time"

	"aitrader/internal/core"

	"github.com/shopspring/decimal"
)

// Registry is a map[Instrument]*core.SymbolState guarded by a single
// RWMutex. The trigger coordinator is the sole writer; the volatility
// poller reads via Snapshot or mutates the tick price via RecordTick.
type Registry struct {
	mu     sync.RWMutex
	states map[core.Instrument]*core.SymbolState
}

// New creates an empty registry for the given tracked instruments, each
// starting with no baseline and next_scheduled_at = now + scheduleInterval.
func New(insts []core.Instrument, scheduleInterval time.Duration) *Registry {
	r := &Registry{states: make(map[core.Instrument]*core.SymbolState, len(insts))}
	now := time.Now()
	for _, inst := range insts {
		r.states[inst] = &core.SymbolState{
			Inst:            inst,
			NextScheduledAt: now.Add(scheduleInterval),
			LastSource:      core.SourceStartup,
		}
	}
	return r
}

// Restore seeds an instrument's baseline from the most recent order, used
// at startup when persisted state is available. Falls back to the
// zero-baseline default if db has nothing for this instrument.
func (r *Registry) Restore(ctx context.Context, db core.IDatabase, inst core.Instrument, scheduleInterval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[inst]
	if !ok {
		state = &core.SymbolState{Inst: inst}
		r.states[inst] = state
	}

	orders, err := db.GetRecentOrders(ctx, inst, 1)
	if err == nil && len(orders) > 0 {
		state.BaselinePrice = orders[0].Price
		state.HasBaseline = true
	}
	if state.NextScheduledAt.IsZero() {
		state.NextScheduledAt = time.Now().Add(scheduleInterval)
	}
}

// Instruments returns the tracked instrument list in no particular order.
func (r *Registry) Instruments() []core.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Instrument, 0, len(r.states))
	for inst := range r.states {
		out = append(out, inst)
	}
	return out
}

// Snapshot returns a copy of the current state for inst, safe to read
// without holding the registry lock. Returns false if inst is untracked.
func (r *Registry) Snapshot(inst core.Instrument) (core.SymbolState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[inst]
	if !ok {
		return core.SymbolState{}, false
	}
	return *s, true
}

// RecordTick updates last_tick_price for inst. If there is no baseline yet,
// the tick also seeds the baseline, per spec step 2 of the volatility poll
// algorithm. Returns the refreshed snapshot.
func (r *Registry) RecordTick(inst core.Instrument, price float64) core.SymbolState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[inst]
	if !ok {
		return core.SymbolState{}
	}
	s.LastPrice = decimal.NewFromFloat(price)
	if !s.HasBaseline {
		s.BaselinePrice = s.LastPrice
		s.HasBaseline = true
	}
	return *s
}

// MarkDirty sets the dirty bit on inst so the coordinator re-arms the
// instrument the moment the analysis permit frees up.
func (r *Registry) MarkDirty(inst core.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[inst]; ok {
		s.Dirty = true
	}
}

// ClearDirty clears the dirty bit and reports whether it had been set.
func (r *Registry) ClearDirty(inst core.Instrument) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[inst]
	if !ok || !s.Dirty {
		return false
	}
	s.Dirty = false
	return true
}

// SetAnalysisInFlight records whether an analysis run is currently in
// flight for inst (diagnostic only; the actual serialization is the
// coordinator's single-slot semaphore).
func (r *Registry) SetAnalysisInFlight(inst core.Instrument, inFlight bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[inst]; ok {
		s.AnalysisInFlight = inFlight
	}
}

// CompleteTrigger applies step 6 of the coordinator algorithm: unconditional
// baseline refresh from the last observed tick, trigger timestamp bump, and
// next_scheduled_at advance, regardless of the analysis outcome.
func (r *Registry) CompleteTrigger(inst core.Instrument, source core.TriggerSource, now time.Time, scheduleInterval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[inst]
	if !ok {
		return
	}
	if s.HasBaseline || !s.LastPrice.IsZero() {
		s.BaselinePrice = s.LastPrice
		s.HasBaseline = true
	}
	s.LastTriggerAt = now
	s.NextScheduledAt = now.Add(scheduleInterval)
	s.LastSource = source
}
