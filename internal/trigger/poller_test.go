package trigger

import (
	"context"
	"testing"
	"time"

	"aitrader/internal/core"
	"aitrader/internal/registry"
	"aitrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	tickers map[core.Instrument][]decimal.Decimal
	calls   map[core.Instrument]int
	err     error
}

func (f *fakeExchange) GetTicker(ctx context.Context, inst core.Instrument) (*core.Ticker, error) {
	if f.err != nil {
		return nil, f.err
	}
	seq := f.tickers[inst]
	i := f.calls[inst]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.calls[inst]++
	return &core.Ticker{Inst: inst, Last: seq[i], Timestamp: time.Now()}, nil
}
func (f *fakeExchange) GetCandles(ctx context.Context, inst core.Instrument, bar string, limit int) ([]core.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) GetPositions(ctx context.Context, inst core.Instrument) ([]core.Position, error) {
	return nil, nil
}
func (f *fakeExchange) GetOrderHistory(ctx context.Context, inst core.Instrument, since time.Time) ([]core.Order, error) {
	return nil, nil
}
func (f *fakeExchange) GetFills(ctx context.Context, inst core.Instrument, since time.Time) ([]core.Trade, error) {
	return nil, nil
}
func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (*core.BalanceSnapshot, error) {
	return nil, nil
}

func TestVolatilityPoller_SignalsOnThresholdCross(t *testing.T) {
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)

	inst := core.Instrument("BTC-USDT-SWAP")
	reg := registry.New([]core.Instrument{inst}, time.Minute)

	ex := &fakeExchange{
		calls: map[core.Instrument]int{},
		tickers: map[core.Instrument][]decimal.Decimal{
			inst: {decimal.NewFromInt(50000), decimal.NewFromInt(50500)},
		},
	}

	wakeCh := make(chan Wake, 4)
	cfg := PollerConfig{PollInterval: 20 * time.Millisecond, MaxAttempts: 3, RetryBackoff: 10 * time.Millisecond, ThresholdBps: 50, Window: 0}
	poller := NewVolatilityPoller(ex, reg, wakeCh, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	poller.Start(ctx, []core.Instrument{inst})

	select {
	case wake := <-wakeCh:
		assert.Equal(t, inst, wake.Inst)
		assert.Equal(t, core.SourceVolatility, wake.Source)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a volatility wake")
	}

	<-ctx.Done()
	poller.Wait()
}

func TestVolatilityPoller_NoWakeOnFirstTick(t *testing.T) {
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)

	inst := core.Instrument("ETH-USDT-SWAP")
	reg := registry.New([]core.Instrument{inst}, time.Minute)

	ex := &fakeExchange{
		calls:   map[core.Instrument]int{},
		tickers: map[core.Instrument][]decimal.Decimal{inst: {decimal.NewFromInt(3000)}},
	}

	wakeCh := make(chan Wake, 4)
	cfg := PollerConfig{PollInterval: 20 * time.Millisecond, MaxAttempts: 1, RetryBackoff: 10 * time.Millisecond, ThresholdBps: 1, Window: 0}
	poller := NewVolatilityPoller(ex, reg, wakeCh, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	poller.Start(ctx, []core.Instrument{inst})

	select {
	case <-wakeCh:
		t.Fatal("first tick should only seed the baseline, never wake")
	case <-ctx.Done():
	}
	poller.Wait()
}
