// Package reconciler implements the Order & Position Reconciler: an
// agent-event consumer and a periodic exchange-sync loop that share the
// database gateway to keep orders, trades and positions converged with
// both the strategy agent's view and OKX's authoritative account state.
package reconciler

import (
	"context"
	"sync"
	"time"

	"aitrader/internal/core"
	"aitrader/pkg/concurrency"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reconciler drains the Agent Channel's inbound stream and, on its own
// ticker, pulls a fresh exchange snapshot per tracked instrument.
type Reconciler struct {
	db       core.IDatabase
	exchange core.IExchange
	agent    core.IAgentChannel
	insts    []core.Instrument
	interval time.Duration
	pool     *concurrency.WorkerPool
	logger   core.ILogger

	mu            sync.Mutex
	prevFilled    map[string]decimal.Decimal // ord_id -> last known filled_size

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the reconciler's tunables.
type Config struct {
	Instruments          []core.Instrument
	PositionSyncInterval time.Duration
	SyncWorkerPoolSize   int
}

// New builds a reconciler over db/exchange/agent. Start begins both
// concurrent activities described in spec 4.G.
func New(db core.IDatabase, exchange core.IExchange, agent core.IAgentChannel, cfg Config, logger core.ILogger) *Reconciler {
	poolSize := cfg.SyncWorkerPoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "reconciler-sync",
		MaxWorkers: poolSize,
	}, logger)

	return &Reconciler{
		db:         db,
		exchange:   exchange,
		agent:      agent,
		insts:      cfg.Instruments,
		interval:   cfg.PositionSyncInterval,
		pool:       pool,
		logger:     logger.WithField("component", "reconciler"),
		prevFilled: make(map[string]decimal.Decimal),
	}
}

// Start launches the agent-event consumer and the periodic sync loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.consumeAgentEvents()
	go r.syncLoop()
}

// Stop cancels both activities and waits for them to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.pool.Stop()
}

// consumeAgentEvents implements spec 4.G(i): drains C's inbound stream and
// applies the message-type action table.
func (r *Reconciler) consumeAgentEvents() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-r.agent.Inbound():
			if !ok {
				return
			}
			r.handleAgentMessage(msg)
		}
	}
}

func (r *Reconciler) handleAgentMessage(msg core.StrategyMessage) {
	ctx := r.ctx
	switch msg.Type {
	case core.MsgTaskResult:
		r.handleTaskResult(ctx, msg)
	case core.MsgOrderEvent:
		r.handleOrderEvent(ctx, msg)
	case core.MsgPnLUpdate:
		r.handlePnLUpdate(ctx, msg)
	case core.MsgPositionSnapshot:
		r.handlePositionSnapshot(ctx, msg)
	case core.MsgAnalysisError:
		r.handleAnalysisError(ctx, msg)
	default:
		r.logger.Warn("reconciler: unhandled message type", "type", msg.Type)
	}
}

func (r *Reconciler) handleTaskResult(ctx context.Context, msg core.StrategyMessage) {
	status, _ := msg.Payload["status"].(string)
	summary, _ := msg.Payload["summary"].(string)
	ordID, _ := msg.Payload["ord_id"].(string)

	if summary != "" {
		if err := r.db.InsertStrategyMessage(ctx, core.StrategyMessage{
			ID: uuid.New(), Type: core.MsgTaskResult, TaskID: msg.TaskID, Inst: msg.Inst,
			Payload: map[string]interface{}{"status": status, "summary": summary}, Timestamp: time.Now(),
		}); err != nil {
			r.logger.Error("reconciler: insert strategy message failed", "error", err)
		}
	}

	if status == "rejected" {
		r.logger.Info("task_result rejected", "task_id", msg.TaskID, "inst_id", msg.Inst, "summary", summary)
		return
	}

	if ordID != "" {
		r.logger.Info("task_result accepted", "task_id", msg.TaskID, "ord_id", ordID, "inst_id", msg.Inst)
	}
}

func (r *Reconciler) handleOrderEvent(ctx context.Context, msg core.StrategyMessage) {
	ordID, _ := msg.Payload["ord_id"].(string)
	status, _ := msg.Payload["status"].(string)
	filledStr, _ := msg.Payload["filled_size"].(string)
	avgPxStr, _ := msg.Payload["avg_px"].(string)
	posSideStr, _ := msg.Payload["pos_side"].(string)
	sideStr, _ := msg.Payload["side"].(string)

	filled, _ := decimal.NewFromString(filledStr)
	avgPx, _ := decimal.NewFromString(avgPxStr)
	posSide := core.PosSide(posSideStr)
	if posSide == "" {
		posSide = core.PosSideNet
	}
	side := core.OrderSide(sideStr)

	o := core.Order{
		OrdID: ordID, Inst: msg.Inst, PosSide: posSide, Side: side, Status: core.OrderStatus(status),
		FilledSize: filled, Price: avgPx, Source: "agent", ActionKind: core.ActionAgent,
		CreatedAt: time.Now(), UpdatedAt: time.Now(), LastEventAt: time.Now(),
	}
	if err := r.db.UpsertOrder(ctx, o); err != nil {
		r.logger.Error("reconciler: upsert order failed", "ord_id", ordID, "error", err)
		return
	}

	r.mu.Lock()
	prev, seen := r.prevFilled[ordID]
	r.prevFilled[ordID] = filled
	r.mu.Unlock()

	if !seen {
		prev = decimal.Zero
	}
	delta := filled.Sub(prev)
	if delta.IsZero() {
		return
	}
	if delta.IsPositive() {
		if err := r.db.InsertTrade(ctx, core.Trade{
			OrdID: ordID, Inst: msg.Inst, Side: side, Price: avgPx, Size: delta, Timestamp: time.Now(),
		}); err != nil {
			r.logger.Error("reconciler: insert trade failed", "ord_id", ordID, "error", err)
		}
	}

	r.applyFillToPosition(ctx, msg.Inst, posSide, side, delta, avgPx, ordID)
}

// applyFillToPosition drives upsert_position off an order_event's fill
// delta: it recomputes the position's size by summing this fill onto the
// currently open (inst, pos_side) row rather than trusting the event's own
// filled_size as the position size directly (spec 4.G's order_event row).
func (r *Reconciler) applyFillToPosition(ctx context.Context, inst core.Instrument, posSide core.PosSide, side core.OrderSide, delta, avgPx decimal.Decimal, ordID string) {
	open, err := r.db.GetOpenPositions(ctx, inst)
	if err != nil {
		r.logger.Error("reconciler: get open positions for fill failed", "inst_id", inst, "error", err)
		return
	}
	var current core.Position
	var found bool
	for _, p := range open {
		if p.PosSide == posSide {
			current = p
			found = true
			break
		}
	}

	sign := decimal.NewFromInt(1)
	switch {
	case posSide == core.PosSideLong && side == core.OrderSideSell:
		sign = decimal.NewFromInt(-1)
	case posSide == core.PosSideShort && side == core.OrderSideBuy:
		sign = decimal.NewFromInt(-1)
	case posSide == core.PosSideNet && side == core.OrderSideSell:
		sign = decimal.NewFromInt(-1)
	}

	newSize := delta.Mul(sign)
	entryPrice := avgPx
	entryOrdID := ordID
	if found {
		newSize = current.Size.Add(newSize)
		entryPrice = current.EntryPrice
		entryOrdID = current.EntryOrdID
		if entryOrdID == "" {
			entryOrdID = ordID
		}
	}
	if newSize.IsNegative() {
		newSize = decimal.Zero
	}

	p := core.Position{
		Inst: inst, PosSide: posSide, Size: newSize, EntryPrice: entryPrice,
		ActionKind: core.ActionAgent, EntryOrdID: entryOrdID, LastTradeAt: time.Now(), UpdatedAt: time.Now(),
	}
	if found {
		p.UnrealizedPnL = current.UnrealizedPnL
		p.MarkPx = current.MarkPx
		p.Margin = current.Margin
		p.TdMode = current.TdMode
	}
	if newSize.IsZero() {
		p.ExitOrdID = ordID
		p.ActionKind = core.ActionExit
	}

	if err := r.db.UpsertPosition(ctx, p); err != nil {
		r.logger.Error("reconciler: upsert position from order_event failed", "inst_id", inst, "pos_side", posSide, "error", err)
	}
}

func (r *Reconciler) handlePnLUpdate(ctx context.Context, msg core.StrategyMessage) {
	ordID, _ := msg.Payload["ord_id"].(string)
	pnlStr, _ := msg.Payload["realized_pnl"].(string)
	pnl, _ := decimal.NewFromString(pnlStr)

	if err := r.db.AttachRealizedPnL(ctx, ordID, pnl); err != nil {
		r.logger.Warn("reconciler: pnl_update has no matching trade or order", "ord_id", ordID, "error", err)
	}
}

func (r *Reconciler) handlePositionSnapshot(ctx context.Context, msg core.StrategyMessage) {
	positions, ok := msg.Payload["positions"].([]core.Position)
	if !ok {
		r.logger.Warn("reconciler: position_snapshot with unexpected payload shape", "inst_id", msg.Inst)
		return
	}
	r.applyPositionSnapshot(ctx, msg.Inst, positions)
}

// applyPositionSnapshot is shared by the agent event path and the periodic
// exchange-sync path: upsert every reported position, then mark forced
// exit for any previously-open (inst, pos_side) missing from the snapshot.
func (r *Reconciler) applyPositionSnapshot(ctx context.Context, inst core.Instrument, reported []core.Position) {
	seen := make(map[core.PosSide]bool, len(reported))
	for _, p := range reported {
		if err := r.db.UpsertPosition(ctx, p); err != nil {
			r.logger.Error("reconciler: upsert position failed", "inst_id", p.Inst, "pos_side", p.PosSide, "error", err)
			continue
		}
		seen[p.PosSide] = true
	}

	open, err := r.db.GetOpenPositions(ctx, inst)
	if err != nil {
		r.logger.Error("reconciler: get open positions failed", "inst_id", inst, "error", err)
		return
	}
	for _, p := range open {
		if seen[p.PosSide] {
			continue
		}
		if err := r.db.MarkPositionForcedExit(ctx, inst, p.PosSide, time.Now()); err != nil {
			r.logger.Error("reconciler: mark forced exit failed", "inst_id", inst, "pos_side", p.PosSide, "error", err)
		}
	}
}

func (r *Reconciler) handleAnalysisError(ctx context.Context, msg core.StrategyMessage) {
	errMsg, _ := msg.Payload["error"].(string)
	r.logger.Warn("analysis_error", "task_id", msg.TaskID, "inst_id", msg.Inst, "error", errMsg)
	if err := r.db.InsertStrategyMessage(ctx, core.StrategyMessage{
		ID: uuid.New(), Type: core.MsgAnalysisError, TaskID: msg.TaskID, Inst: msg.Inst,
		Payload: map[string]interface{}{"error": errMsg}, Timestamp: time.Now(),
	}); err != nil {
		r.logger.Error("reconciler: insert analysis_error strategy message failed", "error", err)
	}
}

// syncLoop implements spec 4.G(ii): every position_sync_interval, fans a
// get_positions/get_order_history/get_fills pull per instrument across the
// shared worker pool, applying the same forced-exit rule.
func (r *Reconciler) syncLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.syncOnce()
		}
	}
}

func (r *Reconciler) syncOnce() {
	var wg sync.WaitGroup
	for _, inst := range r.insts {
		inst := inst
		wg.Add(1)
		submitErr := r.pool.Submit(func() {
			defer wg.Done()
			r.syncInstrument(inst)
		})
		if submitErr != nil {
			wg.Done()
			r.logger.Error("reconciler: sync submit failed", "inst_id", inst, "error", submitErr)
		}
	}
	wg.Wait()
}

func (r *Reconciler) syncInstrument(inst core.Instrument) {
	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	positions, err := r.exchange.GetPositions(ctx, inst)
	if err != nil {
		r.logger.Warn("reconciler: exchange sync get_positions failed", "inst_id", inst, "error", err)
		return
	}
	r.applyPositionSnapshot(ctx, inst, positions)

	since := time.Now().Add(-2 * r.interval)
	orders, err := r.exchange.GetOrderHistory(ctx, inst, since)
	if err != nil {
		r.logger.Warn("reconciler: exchange sync get_order_history failed", "inst_id", inst, "error", err)
	} else {
		for _, o := range orders {
			o.Source = "exchange_sync"
			if err := r.db.UpsertOrder(ctx, o); err != nil {
				r.logger.Error("reconciler: upsert order from sync failed", "ord_id", o.OrdID, "error", err)
			}
		}
	}

	fills, err := r.exchange.GetFills(ctx, inst, since)
	if err != nil {
		r.logger.Warn("reconciler: exchange sync get_fills failed", "inst_id", inst, "error", err)
		return
	}
	for _, t := range fills {
		if err := r.db.InsertTrade(ctx, t); err != nil {
			r.logger.Error("reconciler: insert trade from sync failed", "ord_id", t.OrdID, "error", err)
		}
	}
}
