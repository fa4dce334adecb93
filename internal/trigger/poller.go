// Package trigger implements the volatility poller and the trigger
// coordinator that merges manual, scheduled and volatility wakes into a
// single serialized analysis pipeline shared by all instruments.
package trigger

import (
	"context"
	"sync"
	"time"

	"aitrader/internal/core"
	"aitrader/internal/registry"
	"aitrader/pkg/errors"
	"aitrader/pkg/retry"

	"github.com/shopspring/decimal"
)

// Wake is a single coalescing signal pushed onto the coordinator's wake
// channel by the volatility poller or a manual trigger request.
type Wake struct {
	Inst   core.Instrument
	Source core.TriggerSource
}

// PollerConfig holds the per-poll retry budget and the threshold/cooldown
// used to decide whether a tick crosses into trigger territory.
type PollerConfig struct {
	PollInterval  time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	ThresholdBps  float64
	Window        time.Duration
}

// VolatilityPoller runs one polling goroutine per tracked instrument,
// grounded on the shared BaseAdapter ticker-loop shape but driving the
// registry and wake channel instead of a generic callback.
type VolatilityPoller struct {
	exchange core.IExchange
	registry *registry.Registry
	wakeCh   chan<- Wake
	cfg      PollerConfig
	logger   core.ILogger

	wg sync.WaitGroup
}

// NewVolatilityPoller constructs a poller that will push Wake{Source: volatility}
// onto wakeCh whenever an instrument's tick crosses threshold outside its
// cooldown window.
func NewVolatilityPoller(exchange core.IExchange, reg *registry.Registry, wakeCh chan<- Wake, cfg PollerConfig, logger core.ILogger) *VolatilityPoller {
	return &VolatilityPoller{
		exchange: exchange,
		registry: reg,
		wakeCh:   wakeCh,
		cfg:      cfg,
		logger:   logger.WithField("component", "volatility_poller"),
	}
}

// Start launches one goroutine per instrument and returns at once; each
// loop runs until ctx is canceled. Wait blocks until they have all exited.
func (p *VolatilityPoller) Start(ctx context.Context, insts []core.Instrument) {
	for _, inst := range insts {
		p.wg.Add(1)
		go p.pollLoop(ctx, inst)
	}
}

// Wait blocks until every per-instrument poll loop has exited.
func (p *VolatilityPoller) Wait() {
	p.wg.Wait()
}

func (p *VolatilityPoller) pollLoop(ctx context.Context, inst core.Instrument) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, inst)
		}
	}
}

// poll implements spec 4.E's four-step algorithm for one instrument.
func (p *VolatilityPoller) poll(ctx context.Context, inst core.Instrument) {
	policy := retry.RetryPolicy{
		MaxAttempts:    p.cfg.MaxAttempts,
		InitialBackoff: p.cfg.RetryBackoff,
		MaxBackoff:     p.cfg.RetryBackoff * 10,
	}

	var tick *core.Ticker
	err := retry.Do(ctx, policy, errors.IsRetryable, func() error {
		t, fetchErr := p.exchange.GetTicker(ctx, inst)
		if fetchErr != nil {
			return fetchErr
		}
		tick = t
		return nil
	})
	if err != nil {
		p.logger.Warn("volatility poll exhausted retry budget, keeping last baseline", "inst_id", inst, "error", err)
		return
	}

	price, _ := tick.Last.Float64()
	state := p.registry.RecordTick(inst, price)
	if !state.HasBaseline {
		return
	}
	if state.BaselinePrice.IsZero() {
		return
	}

	deltaBps := state.LastPrice.Sub(state.BaselinePrice).Abs().Div(state.BaselinePrice).Mul(decimal.NewFromInt(10000)).InexactFloat64()

	if deltaBps >= p.cfg.ThresholdBps && time.Since(state.LastTriggerAt) >= p.cfg.Window {
		select {
		case p.wakeCh <- Wake{Inst: inst, Source: core.SourceVolatility}:
		default:
			p.logger.Warn("wake channel full, dropping volatility wake", "inst_id", inst)
		}
	}
}
