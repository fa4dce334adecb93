package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for structured logging used throughout the
// system. Implemented by pkg/logging.ZapLogger.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Ticker is a single last-price snapshot for an instrument.
type Ticker struct {
	Inst      Instrument
	Last      decimal.Decimal
	Timestamp time.Time
}

// Candle is a single OHLCV bar.
type Candle struct {
	Inst      Instrument
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// IExchange is the narrow read surface the Volatility Poller and Reconciler
// need from the exchange REST client. It exists so
// every consumer can be tested against an in-memory fake instead of a live
// OKX connection.
type IExchange interface {
	GetTicker(ctx context.Context, inst Instrument) (*Ticker, error)
	GetCandles(ctx context.Context, inst Instrument, bar string, limit int) ([]Candle, error)
	GetPositions(ctx context.Context, inst Instrument) ([]Position, error)
	GetOrderHistory(ctx context.Context, inst Instrument, since time.Time) ([]Order, error)
	GetFills(ctx context.Context, inst Instrument, since time.Time) ([]Trade, error)
	GetBalance(ctx context.Context, asset string) (*BalanceSnapshot, error)
}

// IAgentChannel is the narrow surface the Trigger Coordinator and Reconciler
// use to talk to the strategy agent.
type IAgentChannel interface {
	RequestAnalysis(ctx context.Context, inst Instrument, payload map[string]interface{}) (*StrategyMessage, error)
	Inbound() <-chan StrategyMessage
	Connected() bool
}

// IDatabase is the narrow persistence surface used by the reconciler and the
// HTTP surface. Implemented by internal/db.Gateway.
type IDatabase interface {
	UpsertOrder(ctx context.Context, o Order) error
	InsertTrade(ctx context.Context, t Trade) error
	AttachRealizedPnL(ctx context.Context, ordID string, realizedPnL decimal.Decimal) error
	UpsertPosition(ctx context.Context, p Position) error
	MarkPositionForcedExit(ctx context.Context, inst Instrument, side PosSide, closedAt time.Time) error
	InsertBalanceSnapshot(ctx context.Context, b BalanceSnapshot) (bool, error)
	InsertStrategyMessage(ctx context.Context, m StrategyMessage) error

	GetOpenPositions(ctx context.Context, inst Instrument) ([]Position, error)
	GetPositionHistory(ctx context.Context, inst Instrument, limit int) ([]Position, error)
	GetRecentOrders(ctx context.Context, inst Instrument, limit int) ([]Order, error)
	GetRecentStrategyMessages(ctx context.Context, inst Instrument, limit int) ([]StrategyMessage, error)
	GetInitialEquity(ctx context.Context, strategy, asset string) (*InitialEquity, error)
}

// IHealthMonitor defines the interface for health monitoring, grounded on
// the teacher's infrastructure/health.Manager.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
