package db

import (
	"context"
	"os"
	"testing"
	"time"

	"aitrader/internal/config"
	"aitrader/internal/core"
	"aitrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintTrade_Deterministic(t *testing.T) {
	tr := core.Trade{
		OrdID: "O1", Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
		FeeAsset: "USDT", Timestamp: time.UnixMilli(1000),
	}
	a := fingerprintTrade(tr)
	b := fingerprintTrade(tr)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)

	tr2 := tr
	tr2.Size = decimal.NewFromInt(2)
	assert.NotEqual(t, a, fingerprintTrade(tr2))
}

func TestIsTransientPgError_NonPgError(t *testing.T) {
	assert.False(t, IsTransientPgError(nil))
	assert.False(t, IsTransientPgError(context.DeadlineExceeded))
}

func TestActionKindOrExit(t *testing.T) {
	assert.Equal(t, core.ActionExit, actionKindOrExit(""))
	assert.Equal(t, core.ActionForced, actionKindOrExit(core.ActionForced))
}

// newTestGateway requires a live Postgres reachable via DATABASE_URL; it is
// skipped otherwise since this package has no fake pgx pool dependency.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping Postgres integration test")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	g := NewGateway(pool, &config.DatabaseConfig{Schema: "aitrader_test"}, config.BalanceSnapshotConfig{
		MinAbsChange: 1, MinRelChange: 0.0001,
	}, logger)
	require.NoError(t, g.Init(ctx))
	return g
}

func TestGateway_UpsertOrder_RoundTrip(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	o := core.Order{
		OrdID: "IT-1", Inst: "BTC-USDT-SWAP", Side: core.OrderSideBuy, Type: core.OrderTypeLimit,
		Price: decimal.NewFromInt(30000), Size: decimal.NewFromInt(1), Status: core.OrderStatusLive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, g.UpsertOrder(ctx, o))

	o.FilledSize = decimal.NewFromInt(1)
	o.Status = core.OrderStatusFilled
	o.UpdatedAt = time.Now()
	require.NoError(t, g.UpsertOrder(ctx, o))

	rows, err := g.GetRecentOrders(ctx, "BTC-USDT-SWAP", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, core.OrderStatusFilled, rows[0].Status)
	assert.NotNil(t, rows[0].ClosedAt)
}

func TestGateway_AttachRealizedPnL_FallsBackToOrderMetadata(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	o := core.Order{
		OrdID: "IT-PNL-1", Inst: "BTC-USDT-SWAP", Side: core.OrderSideBuy, Type: core.OrderTypeMarket,
		Status: core.OrderStatusFilled, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, g.UpsertOrder(ctx, o))

	// No trade row exists yet for this order: AttachRealizedPnL must stash
	// the value on the order rather than returning ErrNoMatchingTrade.
	require.NoError(t, g.AttachRealizedPnL(ctx, "IT-PNL-1", decimal.NewFromFloat(12.5)))

	rows, err := g.GetRecentOrders(ctx, "BTC-USDT-SWAP", 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "12.5", rows[0].Metadata["pending_realized_pnl"])
}

func TestGateway_InsertBalanceSnapshot_SkipsSmallDelta(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	asset := "USDT-SKIP-TEST"
	inserted, err := g.InsertBalanceSnapshot(ctx, core.BalanceSnapshot{
		Asset: asset, Equity: decimal.NewFromInt(1000), Available: decimal.NewFromInt(1000), Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = g.InsertBalanceSnapshot(ctx, core.BalanceSnapshot{
		Asset: asset, Equity: decimal.NewFromFloat(1000.0001), Available: decimal.NewFromInt(1000), Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, inserted, "sub-threshold delta should be skipped")
}
