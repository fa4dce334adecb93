package registry

import (
	"testing"
	"time"

	"aitrader/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestNew_SeedsScheduleWithoutBaseline(t *testing.T) {
	r := New([]core.Instrument{"BTC-USDT-SWAP"}, time.Minute)
	s, ok := r.Snapshot("BTC-USDT-SWAP")
	assert.True(t, ok)
	assert.False(t, s.HasBaseline)
	assert.WithinDuration(t, time.Now().Add(time.Minute), s.NextScheduledAt, 5*time.Second)
}

func TestRecordTick_SeedsBaselineOnFirstTick(t *testing.T) {
	r := New([]core.Instrument{"BTC-USDT-SWAP"}, time.Minute)
	s := r.RecordTick("BTC-USDT-SWAP", 50000)
	assert.True(t, s.HasBaseline)
	assert.Equal(t, "50000", s.BaselinePrice.String())

	s2 := r.RecordTick("BTC-USDT-SWAP", 50500)
	assert.Equal(t, "50000", s2.BaselinePrice.String(), "baseline must not move on subsequent ticks")
	assert.Equal(t, "50500", s2.LastPrice.String())
}

func TestDirtyBit_SetAndClear(t *testing.T) {
	r := New([]core.Instrument{"ETH-USDT-SWAP"}, time.Minute)
	assert.False(t, r.ClearDirty("ETH-USDT-SWAP"))

	r.MarkDirty("ETH-USDT-SWAP")
	assert.True(t, r.ClearDirty("ETH-USDT-SWAP"))
	assert.False(t, r.ClearDirty("ETH-USDT-SWAP"), "clearing twice should be false the second time")
}

func TestCompleteTrigger_RefreshesBaselineUnconditionally(t *testing.T) {
	r := New([]core.Instrument{"BTC-USDT-SWAP"}, time.Minute)
	r.RecordTick("BTC-USDT-SWAP", 51000)

	now := time.Now()
	r.CompleteTrigger("BTC-USDT-SWAP", core.SourceVolatility, now, 5*time.Minute)

	s, _ := r.Snapshot("BTC-USDT-SWAP")
	assert.Equal(t, "51000", s.BaselinePrice.String())
	assert.Equal(t, core.SourceVolatility, s.LastSource)
	assert.WithinDuration(t, now.Add(5*time.Minute), s.NextScheduledAt, time.Second)
}

func TestSnapshot_UnknownInstrument(t *testing.T) {
	r := New([]core.Instrument{"BTC-USDT-SWAP"}, time.Minute)
	_, ok := r.Snapshot("DOES-NOT-EXIST")
	assert.False(t, ok)
}
