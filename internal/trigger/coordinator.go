package trigger

import (
	"container/heap"
	"context"
	"time"

	"aitrader/internal/core"
	"aitrader/internal/registry"
	"aitrader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
)

// timerItem is one entry in the per-instrument min-heap of wake_at times.
type timerItem struct {
	inst   core.Instrument
	wakeAt time.Time
	index  int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].wakeAt.Before(h[j].wakeAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Coordinator owns the registry and the single binary semaphore that
// enforces "at most one analysis in flight, across all instruments".
type Coordinator struct {
	registry         *registry.Registry
	agent            core.IAgentChannel
	scheduleInterval time.Duration
	refreshOnError   bool
	requestTimeout   time.Duration
	thresholdBps     float64
	window           time.Duration

	wakeCh  chan Wake
	permit  chan struct{}
	logger  core.ILogger

	attemptsCounter metric.Int64Counter
	elapsedHist     metric.Float64Histogram
}

// CoordinatorConfig bundles the tunables the coordinator needs beyond the
// registry and agent channel dependencies. ThresholdBps/Window mirror
// PollerConfig's fields: they let the coordinator re-check a volatility
// wake's delta against the live baseline (spec 4.F step 3) instead of
// trusting that the wake is still current by the time it's handled.
type CoordinatorConfig struct {
	ScheduleInterval    time.Duration
	RefreshOnError      bool
	AgentRequestTimeout time.Duration
	WakeChannelSize     int
	ThresholdBps        float64
	Window              time.Duration
}

// NewCoordinator builds a coordinator. wakeCh is exposed to callers (the
// volatility poller, manual HTTP trigger) that push Wake values onto it.
func NewCoordinator(reg *registry.Registry, agent core.IAgentChannel, cfg CoordinatorConfig, logger core.ILogger) *Coordinator {
	meter := telemetry.GetMeter("trigger-coordinator")
	attemptsCounter, _ := meter.Int64Counter("trigger_attempts_total",
		metric.WithDescription("Total number of trigger coordinator analysis attempts"))
	elapsedHist, _ := meter.Float64Histogram("trigger_elapsed_seconds",
		metric.WithDescription("Elapsed seconds per trigger coordinator analysis attempt"))

	size := cfg.WakeChannelSize
	if size <= 0 {
		size = 64
	}

	return &Coordinator{
		registry:         reg,
		agent:            agent,
		scheduleInterval: cfg.ScheduleInterval,
		refreshOnError:   cfg.RefreshOnError,
		requestTimeout:   cfg.AgentRequestTimeout,
		thresholdBps:     cfg.ThresholdBps,
		window:           cfg.Window,
		wakeCh:           make(chan Wake, size),
		permit:           make(chan struct{}, 1),
		logger:           logger.WithField("component", "trigger_coordinator"),
		attemptsCounter:  attemptsCounter,
		elapsedHist:      elapsedHist,
	}
}

// WakeChan exposes the coalescing wake channel so the volatility poller and
// the manual-trigger HTTP handler can push Wake values.
func (c *Coordinator) WakeChan() chan<- Wake {
	return c.wakeCh
}

// Run drives the coordinator's event loop until ctx is canceled. It selects
// over the wake channel, the earliest scheduled wake-at across every
// tracked instrument, and shutdown.
func (c *Coordinator) Run(ctx context.Context, insts []core.Instrument) {
	h := &timerHeap{}
	heap.Init(h)
	items := make(map[core.Instrument]*timerItem, len(insts))
	for _, inst := range insts {
		s, _ := c.registry.Snapshot(inst)
		item := &timerItem{inst: inst, wakeAt: s.NextScheduledAt}
		items[inst] = item
		heap.Push(h, item)
	}

	for {
		var timer *time.Timer
		if h.Len() > 0 {
			wait := time.Until((*h)[0].wakeAt)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
		} else {
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case wake := <-c.wakeCh:
			timer.Stop()
			c.handleTrigger(ctx, wake.Inst, wake.Source)
			if item, ok := items[wake.Inst]; ok {
				s, _ := c.registry.Snapshot(wake.Inst)
				item.wakeAt = s.NextScheduledAt
				heap.Fix(h, item.index)
			}
		case <-timer.C:
			if h.Len() == 0 {
				continue
			}
			item := heap.Pop(h).(*timerItem)
			c.handleTrigger(ctx, item.inst, core.SourceSchedule)
			s, _ := c.registry.Snapshot(item.inst)
			item.wakeAt = s.NextScheduledAt
			heap.Push(h, item)
		}
	}
}

// handleTrigger implements steps 3-7 of spec 4.F for a single candidate
// wake. It re-validates volatility wakes against the live baseline, tries
// to acquire the single-slot permit, and unconditionally refreshes the
// registry afterward.
func (c *Coordinator) handleTrigger(ctx context.Context, inst core.Instrument, source core.TriggerSource) {
	if source == core.SourceVolatility {
		if !c.revalidateVolatility(inst) {
			return
		}
	}

	start := time.Now()
	outcome := "ok"

	select {
	case c.permit <- struct{}{}:
		defer func() { <-c.permit }()
	default:
		// Only a volatility wake re-arms on busy: manual and scheduled wakes
		// are edge-triggered (spec 8 S2) and must not cause a further
		// trigger once the overlapping request completes.
		if source == core.SourceVolatility {
			c.registry.MarkDirty(inst)
		}
		c.logLine(inst, source, "busy", 0)
		c.recordMetrics(inst, source, "busy", 0)
		return
	}

	c.registry.SetAnalysisInFlight(inst, true)
	defer c.registry.SetAnalysisInFlight(inst, false)

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	s, _ := c.registry.Snapshot(inst)
	payload := map[string]interface{}{
		"action":         "place_or_review",
		"inst_id":        string(inst),
		"trigger_source": string(source),
		"price_now":      s.LastPrice.String(),
		"baseline":       s.BaselinePrice.String(),
	}

	_, err := c.agent.RequestAnalysis(reqCtx, inst, payload)
	if err != nil {
		outcome = "error"
		c.logger.Warn("trigger analysis request failed", "inst_id", inst, "source", source, "error", err)
		if !c.refreshOnError {
			c.logLine(inst, source, outcome, time.Since(start))
			c.recordMetrics(inst, source, outcome, time.Since(start))
			c.maybeReArm(inst)
			return
		}
	}

	c.registry.CompleteTrigger(inst, source, time.Now(), c.scheduleInterval)
	c.logLine(inst, source, outcome, time.Since(start))
	c.recordMetrics(inst, source, outcome, time.Since(start))
	c.maybeReArm(inst)
}

// maybeReArm re-pushes a wake for inst if the dirty bit was set while the
// permit was held, so a volatility wake that arrived mid-analysis is not
// silently lost.
func (c *Coordinator) maybeReArm(inst core.Instrument) {
	if c.registry.ClearDirty(inst) {
		select {
		case c.wakeCh <- Wake{Inst: inst, Source: core.SourceVolatility}:
		default:
			c.logger.Warn("wake channel full, dropping re-arm wake", "inst_id", inst)
		}
	}
}

// revalidateVolatility re-checks delta against the current baseline to
// avoid acting on a stale wake (spec 4.F step 3): by the time a volatility
// wake reaches the front of the event loop, a later tick may have already
// pulled the price back under threshold, or within the cooldown window of a
// trigger that already ran. Mirrors poller.go's own delta computation.
func (c *Coordinator) revalidateVolatility(inst core.Instrument) bool {
	s, ok := c.registry.Snapshot(inst)
	if !ok || !s.HasBaseline || s.BaselinePrice.IsZero() {
		return false
	}
	if time.Since(s.LastTriggerAt) < c.window {
		return false
	}
	deltaBps := s.LastPrice.Sub(s.BaselinePrice).Abs().Div(s.BaselinePrice).Mul(decimal.NewFromInt(10000)).InexactFloat64()
	return deltaBps >= c.thresholdBps
}

func (c *Coordinator) logLine(inst core.Instrument, source core.TriggerSource, outcome string, elapsed time.Duration) {
	s, _ := c.registry.Snapshot(inst)
	var deltaBps float64
	if !s.BaselinePrice.IsZero() {
		deltaBps = s.LastPrice.Sub(s.BaselinePrice).Abs().Div(s.BaselinePrice).InexactFloat64() * 10000
	}
	c.logger.Info("trigger attempt",
		"source", source,
		"inst_id", inst,
		"price_now", s.LastPrice.String(),
		"baseline", s.BaselinePrice.String(),
		"delta_bps", deltaBps,
		"outcome", outcome,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (c *Coordinator) recordMetrics(inst core.Instrument, source core.TriggerSource, outcome string, elapsed time.Duration) {
	if c.attemptsCounter != nil {
		c.attemptsCounter.Add(context.Background(), 1)
	}
	if c.elapsedHist != nil {
		c.elapsedHist.Record(context.Background(), elapsed.Seconds())
	}
}

