package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Init creates the schema (if absent) and the seven tables the gateway reads
// and writes. Safe to run on every process start: every statement is
// idempotent (IF NOT EXISTS).
func (g *Gateway) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, g.schema),
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.strategies (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, g.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.orders (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			ord_id TEXT NOT NULL UNIQUE,
			cl_ord_id TEXT NOT NULL DEFAULT '',
			inst_id TEXT NOT NULL,
			pos_side TEXT NOT NULL DEFAULT 'net',
			side TEXT NOT NULL,
			ord_type TEXT NOT NULL,
			td_mode TEXT NOT NULL DEFAULT '',
			leverage NUMERIC NOT NULL DEFAULT 0,
			price NUMERIC NOT NULL DEFAULT 0,
			size NUMERIC NOT NULL DEFAULT 0,
			filled_size NUMERIC NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			action_kind TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_event_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`, g.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_orders_inst_id ON %s.orders (inst_id, created_at DESC)`, g.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.trades (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			ord_id TEXT NOT NULL,
			trade_id TEXT NOT NULL,
			inst_id TEXT NOT NULL,
			side TEXT NOT NULL,
			price NUMERIC NOT NULL DEFAULT 0,
			size NUMERIC NOT NULL DEFAULT 0,
			fee NUMERIC NOT NULL DEFAULT 0,
			fee_asset TEXT NOT NULL DEFAULT '',
			realized_pnl NUMERIC NOT NULL DEFAULT 0,
			ts TIMESTAMPTZ NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			UNIQUE (ord_id, trade_id)
		)`, g.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.positions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			inst_id TEXT NOT NULL,
			pos_side TEXT NOT NULL,
			td_mode TEXT NOT NULL DEFAULT '',
			size NUMERIC NOT NULL DEFAULT 0,
			entry_price NUMERIC NOT NULL DEFAULT 0,
			mark_px NUMERIC NOT NULL DEFAULT 0,
			margin NUMERIC NOT NULL DEFAULT 0,
			unrealized_pnl NUMERIC NOT NULL DEFAULT 0,
			is_open BOOLEAN NOT NULL DEFAULT true,
			action_kind TEXT NOT NULL DEFAULT '',
			entry_ord_id TEXT,
			exit_ord_id TEXT,
			opened_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL,
			last_trade_at TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}',
			snapshot_id TEXT NOT NULL DEFAULT ''
		)`, g.schema),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_identity
			ON %s.positions (inst_id, pos_side) WHERE is_open`, g.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.balances (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			asset TEXT NOT NULL,
			equity NUMERIC NOT NULL,
			available NUMERIC NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`, g.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_balances_asset_ts ON %s.balances (asset, ts DESC)`, g.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.initial_equities (
			strategy TEXT NOT NULL,
			asset TEXT NOT NULL,
			equity NUMERIC NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (strategy, asset)
		)`, g.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.strategy_messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			msg_type TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			inst_id TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}',
			ts TIMESTAMPTZ NOT NULL
		)`, g.schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_strategy_messages_inst_ts ON %s.strategy_messages (inst_id, ts DESC)`, g.schema),
	}

	for _, stmt := range stmts {
		if _, err := g.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("db init: %w", err)
		}
	}
	return nil
}

// NewPool opens a pgx connection pool against url.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}
