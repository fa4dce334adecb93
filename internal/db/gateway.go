// Package db implements the Database gateway: schema init plus idempotent
// upserts for orders/trades/positions/balances against PostgreSQL via pgx.
// Every write path documented in this package runs inside a single
// transaction; there is no cross-table transaction spanning two calls.
package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"aitrader/internal/config"
	"aitrader/internal/core"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrNoMatchingTrade is returned by AttachRealizedPnL when a pnl_update
// arrives for an order with no trade row yet.
var ErrNoMatchingTrade = errors.New("no matching trade row for order")

// Gateway implements core.IDatabase against a PostgreSQL pool.
type Gateway struct {
	pool         *pgxpool.Pool
	schema       string
	logger       core.ILogger
	minAbsChange float64
	minRelChange float64
}

// NewGateway wraps an already-opened pool. Call Init before first use.
func NewGateway(pool *pgxpool.Pool, cfg *config.DatabaseConfig, snapCfg config.BalanceSnapshotConfig, logger core.ILogger) *Gateway {
	schema := cfg.Schema
	if schema == "" {
		schema = "aitrader"
	}
	return &Gateway{
		pool:         pool,
		schema:       schema,
		logger:       logger.WithField("component", "db"),
		minAbsChange: snapCfg.MinAbsChange,
		minRelChange: snapCfg.MinRelChange,
	}
}

func (g *Gateway) Close() {
	g.pool.Close()
}

// IsTransientPgError classifies Postgres error codes eligible for a
// caller-driven retry (connection loss, deadlock, serialization failure) as
// opposed to a business-level constraint violation that should not be
// retried blindly.
func IsTransientPgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.DeadlockDetected, pgerrcode.SerializationFailure,
		pgerrcode.ConnectionException, pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure, pgerrcode.TooManyConnections:
		return true
	}
	return false
}

// UpsertOrder inserts or updates an order keyed by the immutable ord_id.
// closed_at is set exactly once, the first time status reaches a terminal
// state.
func (g *Gateway) UpsertOrder(ctx context.Context, o core.Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	now := time.Now()
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	if o.LastEventAt.IsZero() {
		o.LastEventAt = o.UpdatedAt
	}
	metadata, err := marshalMetadata(o.Metadata)
	if err != nil {
		return fmt.Errorf("marshal order metadata %s: %w", o.OrdID, err)
	}

	_, err = g.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.orders (id, ord_id, cl_ord_id, inst_id, pos_side, side, ord_type, td_mode,
			leverage, price, size, filled_size, status, source, action_kind, created_at, updated_at,
			last_event_at, closed_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			CASE WHEN $19 THEN $17 ELSE NULL END, $20)
		ON CONFLICT (ord_id) DO UPDATE SET
			cl_ord_id = EXCLUDED.cl_ord_id,
			pos_side = EXCLUDED.pos_side,
			td_mode = EXCLUDED.td_mode,
			leverage = EXCLUDED.leverage,
			price = EXCLUDED.price,
			size = EXCLUDED.size,
			filled_size = EXCLUDED.filled_size,
			status = EXCLUDED.status,
			action_kind = EXCLUDED.action_kind,
			updated_at = EXCLUDED.updated_at,
			last_event_at = EXCLUDED.last_event_at,
			closed_at = COALESCE(%s.orders.closed_at, CASE WHEN $19 THEN $17 ELSE NULL END),
			metadata = EXCLUDED.metadata
	`, g.schema, g.schema),
		o.ID, o.OrdID, o.ClOrdID, string(o.Inst), string(o.PosSide), string(o.Side), string(o.Type),
		o.TdMode, o.Leverage, o.Price, o.Size, o.FilledSize, string(o.Status), o.Source, string(o.ActionKind),
		o.CreatedAt, o.UpdatedAt, o.LastEventAt, o.Status.IsTerminal(), metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.OrdID, err)
	}
	return nil
}

// marshalMetadata serializes an optional metadata map, defaulting to an
// empty JSON object so the column's NOT NULL constraint always holds.
func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// InsertTrade inserts a fill, ignoring duplicates keyed by (ord_id, trade_id).
// When the exchange doesn't supply a trade_id, a deterministic fingerprint
// derived from the fill's identifying fields stands in for it.
func (g *Gateway) InsertTrade(ctx context.Context, t core.Trade) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	tradeID := t.TradeID
	if tradeID == "" {
		tradeID = fingerprintTrade(t)
	}
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal trade metadata %s/%s: %w", t.OrdID, tradeID, err)
	}

	_, err = g.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.trades (id, ord_id, trade_id, inst_id, side, price, size, fee, fee_asset, realized_pnl, ts, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (ord_id, trade_id) DO NOTHING
	`, g.schema),
		t.ID, t.OrdID, tradeID, string(t.Inst), string(t.Side), t.Price, t.Size, t.Fee, t.FeeAsset, t.RealizedPnL, t.Timestamp, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s/%s: %w", t.OrdID, tradeID, err)
	}
	return nil
}

// AttachRealizedPnL sets realized_pnl on the most recent trade row for
// ordID. If no trade row exists yet for the order (pnl_update arrived
// before the corresponding order_event's fill delta), it falls back to
// stashing the value under the order's metadata["pending_realized_pnl"] so
// a later InsertTrade/UpsertOrder call doesn't silently lose it.
func (g *Gateway) AttachRealizedPnL(ctx context.Context, ordID string, realizedPnL decimal.Decimal) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.trades SET realized_pnl = $2
		WHERE id = (SELECT id FROM %s.trades WHERE ord_id = $1 ORDER BY ts DESC LIMIT 1)
	`, g.schema, g.schema), ordID, realizedPnL)
	if err != nil {
		return fmt.Errorf("attach realized pnl for order %s: %w", ordID, err)
	}
	if tag.RowsAffected() > 0 {
		return tx.Commit(ctx)
	}

	ct, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.orders SET metadata = jsonb_set(metadata, '{pending_realized_pnl}', to_jsonb($2::text), true)
		WHERE ord_id = $1
	`, g.schema), ordID, realizedPnL.String())
	if err != nil {
		return fmt.Errorf("attach realized pnl to order metadata %s: %w", ordID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("attach realized pnl for order %s: %w", ordID, ErrNoMatchingTrade)
	}
	return tx.Commit(ctx)
}

func fingerprintTrade(t core.Trade) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", t.OrdID, t.Price.String(), t.Size.String(), t.FeeAsset, t.Timestamp.UnixNano())
	return "fp:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// UpsertPosition applies a reported position snapshot. Identity is
// (inst_id, pos_side) restricted to the single open row. A nonzero size
// inserts (first time, recording entry_ord_id) or updates the open row; a
// zero size closes it.
func (g *Gateway) UpsertPosition(ctx context.Context, p core.Position) error {
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal position metadata %s/%s: %w", p.Inst, p.PosSide, err)
	}

	return withTx(ctx, g.pool, func(tx pgx.Tx) error {
		var existingID uuid.UUID
		err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT id FROM %s.positions WHERE inst_id=$1 AND pos_side=$2 AND is_open`, g.schema),
			string(p.Inst), string(p.PosSide)).Scan(&existingID)

		switch {
		case err == pgx.ErrNoRows:
			if p.Size.IsZero() {
				return nil
			}
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s.positions (id, inst_id, pos_side, td_mode, size, entry_price, mark_px,
					margin, unrealized_pnl, is_open, action_kind, entry_ord_id, opened_at, updated_at,
					last_trade_at, metadata, snapshot_id)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true,$10,$11,$12,$12,$12,$13,$14)
			`, g.schema),
				uuid.New(), string(p.Inst), string(p.PosSide), p.TdMode, p.Size, p.EntryPrice, p.MarkPx,
				p.Margin, p.UnrealizedPnL, string(p.ActionKind), p.EntryOrdID, timeOrNow(p.OpenedAt),
				metadata, p.SnapshotID)
			return err
		case err != nil:
			return err
		}

		if p.Size.IsZero() {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s.positions SET is_open=false, closed_at=$2, exit_ord_id=$3,
					action_kind=$4, updated_at=$2
				WHERE id=$1
			`, g.schema), existingID, time.Now(), p.ExitOrdID, actionKindOrExit(p.ActionKind))
			return err
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s.positions SET size=$2, entry_price=$3, mark_px=$4, margin=$5, unrealized_pnl=$6,
				updated_at=$7, last_trade_at=$7, metadata=$8, snapshot_id=$9
			WHERE id=$1
		`, g.schema), existingID, p.Size, p.EntryPrice, p.MarkPx, p.Margin, p.UnrealizedPnL,
			time.Now(), metadata, p.SnapshotID)
		return err
	})
}

func actionKindOrExit(k core.ActionKind) core.ActionKind {
	if k == "" {
		return core.ActionExit
	}
	return k
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// MarkPositionForcedExit closes the open (inst, side) row with action_kind
// "forced" and no exit_ord_id, per the periodic-sync disappearance rule.
func (g *Gateway) MarkPositionForcedExit(ctx context.Context, inst core.Instrument, side core.PosSide, closedAt time.Time) error {
	ct, err := g.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.positions SET is_open=false, closed_at=$3, action_kind=$4, updated_at=$3
		WHERE inst_id=$1 AND pos_side=$2 AND is_open
	`, g.schema), string(inst), string(side), closedAt, string(core.ActionForced))
	if err != nil {
		return fmt.Errorf("mark forced exit %s/%s: %w", inst, side, err)
	}
	if ct.RowsAffected() == 0 {
		g.logger.Debug("forced exit found no open row", "inst_id", inst, "pos_side", side)
	}
	return nil
}

// InsertBalanceSnapshot inserts a point-in-time equity row, skipping the
// write if it differs from the prior snapshot for the asset by less than
// both the absolute and relative thresholds. Returns whether it inserted.
func (g *Gateway) InsertBalanceSnapshot(ctx context.Context, b core.BalanceSnapshot) (bool, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevEquity decimal.Decimal
	err = tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT equity FROM %s.balances WHERE asset=$1 ORDER BY ts DESC LIMIT 1`, g.schema),
		b.Asset).Scan(&prevEquity)
	hasPrev := err == nil
	if err != nil && err != pgx.ErrNoRows {
		return false, fmt.Errorf("fetch prior balance: %w", err)
	}

	if hasPrev {
		delta := b.Equity.Sub(prevEquity).Abs()
		absOK := delta.InexactFloat64() < g.minAbsChange
		relOK := true
		if !prevEquity.IsZero() {
			rel := math.Abs(delta.Div(prevEquity).InexactFloat64())
			relOK = rel < g.minRelChange
		}
		if absOK && relOK {
			return false, nil
		}
	}

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.balances (id, asset, equity, available, ts) VALUES ($1,$2,$3,$4,$5)
	`, g.schema), b.ID, b.Asset, b.Equity, b.Available, b.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert balance snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit balance snapshot: %w", err)
	}
	return true, nil
}

// InsertStrategyMessage persists an Agent Channel message for audit/chat
// history (spec's GET /model/strategy-chat surface).
func (g *Gateway) InsertStrategyMessage(ctx context.Context, m core.StrategyMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshal strategy message payload: %w", err)
	}
	_, err = g.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.strategy_messages (id, msg_type, task_id, inst_id, payload, ts)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, g.schema), m.ID, string(m.Type), m.TaskID, string(m.Inst), payload, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert strategy message: %w", err)
	}
	return nil
}

// GetOpenPositions returns currently-open positions, optionally filtered to
// one instrument (empty inst returns all).
func (g *Gateway) GetOpenPositions(ctx context.Context, inst core.Instrument) ([]core.Position, error) {
	query := fmt.Sprintf(`SELECT id, inst_id, pos_side, td_mode, size, entry_price, mark_px, margin,
		unrealized_pnl, is_open, action_kind, COALESCE(entry_ord_id,''), COALESCE(exit_ord_id,''),
		opened_at, COALESCE(closed_at, 'epoch'::timestamptz), updated_at,
		COALESCE(last_trade_at, 'epoch'::timestamptz), metadata, snapshot_id
		FROM %s.positions WHERE is_open`, g.schema)
	args := []interface{}{}
	if inst != "" {
		query += " AND inst_id=$1"
		args = append(args, string(inst))
	}
	query += " ORDER BY opened_at DESC"

	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// GetPositionHistory returns the most recent positions (open and closed) for
// an instrument, newest first.
func (g *Gateway) GetPositionHistory(ctx context.Context, inst core.Instrument, limit int) ([]core.Position, error) {
	rows, err := g.pool.Query(ctx, fmt.Sprintf(`SELECT id, inst_id, pos_side, td_mode, size, entry_price,
		mark_px, margin, unrealized_pnl, is_open, action_kind, COALESCE(entry_ord_id,''), COALESCE(exit_ord_id,''),
		opened_at, COALESCE(closed_at, 'epoch'::timestamptz), updated_at,
		COALESCE(last_trade_at, 'epoch'::timestamptz), metadata, snapshot_id
		FROM %s.positions WHERE inst_id=$1 ORDER BY opened_at DESC LIMIT $2`, g.schema),
		string(inst), limit)
	if err != nil {
		return nil, fmt.Errorf("get position history: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows pgx.Rows) ([]core.Position, error) {
	var out []core.Position
	for rows.Next() {
		var p core.Position
		var instID, posSide, actionKind string
		var metadata []byte
		if err := rows.Scan(&p.ID, &instID, &posSide, &p.TdMode, &p.Size, &p.EntryPrice, &p.MarkPx,
			&p.Margin, &p.UnrealizedPnL, &p.IsOpen, &actionKind, &p.EntryOrdID, &p.ExitOrdID,
			&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt, &p.LastTradeAt, &metadata, &p.SnapshotID); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Inst = core.Instrument(instID)
		p.PosSide = core.PosSide(posSide)
		p.ActionKind = core.ActionKind(actionKind)
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal position metadata: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRecentOrders returns the most recent orders for an instrument, newest
// first.
func (g *Gateway) GetRecentOrders(ctx context.Context, inst core.Instrument, limit int) ([]core.Order, error) {
	rows, err := g.pool.Query(ctx, fmt.Sprintf(`SELECT id, ord_id, cl_ord_id, inst_id, pos_side, side,
		ord_type, td_mode, leverage, price, size, filled_size, status, source, action_kind, created_at,
		updated_at, COALESCE(last_event_at, updated_at), closed_at, metadata
		FROM %s.orders WHERE inst_id=$1 ORDER BY created_at DESC LIMIT $2`, g.schema),
		string(inst), limit)
	if err != nil {
		return nil, fmt.Errorf("get recent orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		var o core.Order
		var instID, posSide, side, ordType, status, actionKind string
		var metadata []byte
		if err := rows.Scan(&o.ID, &o.OrdID, &o.ClOrdID, &instID, &posSide, &side, &ordType, &o.TdMode,
			&o.Leverage, &o.Price, &o.Size, &o.FilledSize, &status, &o.Source, &actionKind, &o.CreatedAt,
			&o.UpdatedAt, &o.LastEventAt, &o.ClosedAt, &metadata); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Inst = core.Instrument(instID)
		o.PosSide = core.PosSide(posSide)
		o.Side = core.OrderSide(side)
		o.Type = core.OrderType(ordType)
		o.Status = core.OrderStatus(status)
		o.ActionKind = core.ActionKind(actionKind)
		if err := json.Unmarshal(metadata, &o.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal order metadata: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetRecentStrategyMessages returns the latest N persisted strategy messages
// for an instrument, newest first (GET /model/strategy-chat).
func (g *Gateway) GetRecentStrategyMessages(ctx context.Context, inst core.Instrument, limit int) ([]core.StrategyMessage, error) {
	rows, err := g.pool.Query(ctx, fmt.Sprintf(`SELECT id, msg_type, task_id, inst_id, payload, ts
		FROM %s.strategy_messages WHERE inst_id=$1 ORDER BY ts DESC LIMIT $2`, g.schema),
		string(inst), limit)
	if err != nil {
		return nil, fmt.Errorf("get recent strategy messages: %w", err)
	}
	defer rows.Close()

	var out []core.StrategyMessage
	for rows.Next() {
		var m core.StrategyMessage
		var msgType, instID string
		var payload []byte
		if err := rows.Scan(&m.ID, &msgType, &m.TaskID, &instID, &payload, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan strategy message: %w", err)
		}
		m.Type = core.StrategyMessageType(msgType)
		m.Inst = core.Instrument(instID)
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal strategy message payload: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetInitialEquity returns the anchor equity recorded when a strategy was
// first brought under management, if any.
func (g *Gateway) GetInitialEquity(ctx context.Context, strategy, asset string) (*core.InitialEquity, error) {
	var ie core.InitialEquity
	err := g.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT strategy, asset, equity, recorded_at FROM %s.initial_equities WHERE strategy=$1 AND asset=$2`, g.schema),
		strategy, asset).Scan(&ie.Strategy, &ie.Asset, &ie.Equity, &ie.RecordedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get initial equity: %w", err)
	}
	return &ie, nil
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
