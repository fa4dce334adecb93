package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aitrader/internal/core"
	"aitrader/internal/trigger"
	"aitrader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	messages  []core.StrategyMessage
	positions []core.Position
	history   []core.Position
	err       error
}

func (f *fakeDB) UpsertOrder(ctx context.Context, o core.Order) error { return nil }
func (f *fakeDB) InsertTrade(ctx context.Context, t core.Trade) error { return nil }
func (f *fakeDB) AttachRealizedPnL(ctx context.Context, ordID string, pnl decimal.Decimal) error {
	return nil
}
func (f *fakeDB) UpsertPosition(ctx context.Context, p core.Position) error { return nil }
func (f *fakeDB) MarkPositionForcedExit(ctx context.Context, inst core.Instrument, side core.PosSide, closedAt time.Time) error {
	return nil
}
func (f *fakeDB) InsertBalanceSnapshot(ctx context.Context, b core.BalanceSnapshot) (bool, error) {
	return true, nil
}
func (f *fakeDB) InsertStrategyMessage(ctx context.Context, m core.StrategyMessage) error { return nil }
func (f *fakeDB) GetOpenPositions(ctx context.Context, inst core.Instrument) ([]core.Position, error) {
	return f.positions, f.err
}
func (f *fakeDB) GetPositionHistory(ctx context.Context, inst core.Instrument, limit int) ([]core.Position, error) {
	return f.history, f.err
}
func (f *fakeDB) GetRecentOrders(ctx context.Context, inst core.Instrument, limit int) ([]core.Order, error) {
	return nil, nil
}
func (f *fakeDB) GetRecentStrategyMessages(ctx context.Context, inst core.Instrument, limit int) ([]core.StrategyMessage, error) {
	return f.messages, f.err
}
func (f *fakeDB) GetInitialEquity(ctx context.Context, strategy, asset string) (*core.InitialEquity, error) {
	return nil, nil
}

type fakeWakeSink struct {
	ch chan trigger.Wake
}

func newFakeWakeSink(buf int) *fakeWakeSink {
	return &fakeWakeSink{ch: make(chan trigger.Wake, buf)}
}
func (f *fakeWakeSink) WakeChan() chan<- trigger.Wake { return f.ch }

func newTestServer(t *testing.T, db core.IDatabase, sink WakeSink, manualEnabled bool) *Server {
	t.Helper()
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	return New(db, sink, Config{ManualTriggerEnabled: manualEnabled}, logger)
}

func TestHandleStrategyRun_EnqueuesWake(t *testing.T) {
	sink := newFakeWakeSink(1)
	s := newTestServer(t, &fakeDB{}, sink, true)

	body := strings.NewReader(`{"inst_id":"BTC-USDT-SWAP"}`)
	req := httptest.NewRequest("POST", "/model/strategy-run", body)
	rec := httptest.NewRecorder()

	s.handleStrategyRun(rec, req)

	assert.Equal(t, 202, rec.Code)
	select {
	case w := <-sink.ch:
		assert.Equal(t, core.Instrument("BTC-USDT-SWAP"), w.Inst)
		assert.Equal(t, core.SourceManual, w.Source)
	default:
		t.Fatal("expected a wake to be enqueued")
	}
}

func TestHandleStrategyRun_DisabledReturnsForbidden(t *testing.T) {
	sink := newFakeWakeSink(1)
	s := newTestServer(t, &fakeDB{}, sink, false)

	req := httptest.NewRequest("POST", "/model/strategy-run", strings.NewReader(`{"inst_id":"BTC-USDT-SWAP"}`))
	rec := httptest.NewRecorder()

	s.handleStrategyRun(rec, req)

	assert.Equal(t, 403, rec.Code)
}

func TestHandleStrategyRun_MissingInstID(t *testing.T) {
	sink := newFakeWakeSink(1)
	s := newTestServer(t, &fakeDB{}, sink, true)

	req := httptest.NewRequest("POST", "/model/strategy-run", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	s.handleStrategyRun(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestHandleStrategyChat_ReturnsMessagesAndFlag(t *testing.T) {
	db := &fakeDB{messages: []core.StrategyMessage{{Type: core.MsgTaskResult, Inst: "BTC-USDT-SWAP"}}}
	s := newTestServer(t, db, newFakeWakeSink(1), true)

	req := httptest.NewRequest("GET", "/model/strategy-chat?inst_id=BTC-USDT-SWAP&limit=10", nil)
	rec := httptest.NewRecorder()

	s.handleStrategyChat(rec, req)

	assert.Equal(t, 200, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["manual_trigger_enabled"])
	assert.Len(t, out["messages"], 1)
}

func TestHandlePositions_MissingInstID(t *testing.T) {
	s := newTestServer(t, &fakeDB{}, newFakeWakeSink(1), true)

	req := httptest.NewRequest("GET", "/account/positions", nil)
	rec := httptest.NewRecorder()

	s.handlePositions(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestHandlePositionHistory_ReturnsHistory(t *testing.T) {
	db := &fakeDB{history: []core.Position{{Inst: "BTC-USDT-SWAP"}}}
	s := newTestServer(t, db, newFakeWakeSink(1), true)

	req := httptest.NewRequest("GET", "/account/positions/history?inst_id=BTC-USDT-SWAP", nil)
	rec := httptest.NewRecorder()

	s.handlePositionHistory(rec, req)

	assert.Equal(t, 200, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out["positions"], 1)
}
