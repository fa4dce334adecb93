// Package core holds the domain model and narrow interfaces shared across
// every component of the strategy-trigger core.
package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Instrument identifies a tradable OKX instrument, e.g. "BTC-USDT-SWAP".
type Instrument string

// TriggerSource identifies what caused a trigger coordinator analysis run.
type TriggerSource string

const (
	SourceManual     TriggerSource = "manual"
	SourceVolatility TriggerSource = "volatility"
	SourceSchedule   TriggerSource = "schedule"
	SourceStartup    TriggerSource = "startup"
)

// SymbolState is the in-memory, single-writer state the Trigger Coordinator
// owns for one tracked instrument. BaselinePrice is the spec's
// last_trigger_price, LastPrice is last_tick_price.
type SymbolState struct {
	Inst             Instrument
	BaselinePrice    decimal.Decimal
	HasBaseline      bool
	LastPrice        decimal.Decimal
	LastTriggerAt    time.Time
	NextScheduledAt  time.Time
	LastSource       TriggerSource
	Dirty            bool
	AnalysisInFlight bool
}

// OrderSide mirrors OKX's side enum.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType mirrors OKX's supported order types for this system.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus mirrors OKX's order lifecycle states.
type OrderStatus string

const (
	OrderStatusLive           OrderStatus = "live"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled         OrderStatus = "filled"
	OrderStatusCanceled       OrderStatus = "canceled"
)

// PosSide mirrors OKX's position-side enum for hedge-mode accounts.
type PosSide string

const (
	PosSideLong  PosSide = "long"
	PosSideShort PosSide = "short"
	PosSideNet   PosSide = "net"
)

// ActionKind records how a position came to be opened or closed.
type ActionKind string

const (
	ActionAgent  ActionKind = "agent"
	ActionManual ActionKind = "manual"
	ActionForced ActionKind = "forced"
	ActionExit   ActionKind = "exit"
)

// Order is the immutable-identity order record persisted by the reconciler.
type Order struct {
	ID            uuid.UUID
	OrdID         string // exchange order id, immutable identity key
	ClOrdID       string
	Inst          Instrument
	PosSide       PosSide
	Side          OrderSide
	Type          OrderType
	TdMode        string // OKX trade mode: "cross", "isolated", "cash"
	Leverage      decimal.Decimal
	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Status        OrderStatus
	Source        string // "agent" or "exchange_sync"
	ActionKind    ActionKind
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastEventAt   time.Time // timestamp of the most recent order_event applied
	ClosedAt      *time.Time // set once, the first time Status reaches a terminal state
	Metadata      map[string]interface{}
}

// IsTerminal reports whether the order status no longer changes.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled
}

// Trade is a single fill, keyed by (OrdID, TradeID) for idempotent insert.
type Trade struct {
	ID        uuid.UUID
	OrdID     string
	TradeID   string
	Inst      Instrument
	Side      OrderSide
	Price     decimal.Decimal
	Size      decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	RealizedPnL decimal.Decimal
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Position is the open-position row, unique per (Inst, PosSide) while open.
// At most one row with ClosedAt zero may exist per (Inst, PosSide); closing a
// position requires ClosedAt, ExitOrdID and an ActionKind of exit or forced.
type Position struct {
	ID            uuid.UUID
	Inst          Instrument
	PosSide       PosSide
	TdMode        string // OKX trade mode: "cross", "isolated", "cash"
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPx        decimal.Decimal
	Margin        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	IsOpen        bool
	ActionKind    ActionKind
	EntryOrdID    string
	ExitOrdID     string
	OpenedAt      time.Time
	ClosedAt      time.Time
	UpdatedAt     time.Time
	LastTradeAt   time.Time
	Metadata      map[string]interface{}
	SnapshotID    string // idempotence key for the periodic exchange-sync row that last touched this position
}

// BalanceSnapshot is a point-in-time account-equity record, inserted only
// when it differs from the prior snapshot by more than the configured
// threshold.
type BalanceSnapshot struct {
	ID        uuid.UUID
	Asset     string
	Equity    decimal.Decimal
	Available decimal.Decimal
	Timestamp time.Time
}

// InitialEquity anchors PnL accounting for a strategy at the moment it was
// first brought under management.
type InitialEquity struct {
	Strategy  string
	Asset     string
	Equity    decimal.Decimal
	RecordedAt time.Time
}

// StrategyMessageType enumerates the closed set of Agent Channel message
// variants. Unknown values are logged and dropped by the channel's dispatch
// loop, never propagated.
type StrategyMessageType string

const (
	MsgTaskRequest       StrategyMessageType = "task_request"
	MsgTaskResult        StrategyMessageType = "task_result"
	MsgOrderEvent        StrategyMessageType = "order_event"
	MsgPnLUpdate         StrategyMessageType = "pnl_update"
	MsgPositionSnapshot  StrategyMessageType = "position_snapshot"
	MsgAnalysisError     StrategyMessageType = "analysis_error"
)

// StrategyMessage is the envelope exchanged over the Agent Channel. ID is
// populated once the message is persisted by the reconciler.
type StrategyMessage struct {
	ID        uuid.UUID
	Type      StrategyMessageType
	TaskID    string
	Inst      Instrument
	Payload   map[string]interface{}
	Timestamp time.Time
}
