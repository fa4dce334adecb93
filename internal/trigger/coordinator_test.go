package trigger

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"aitrader/internal/core"
	"aitrader/internal/registry"
	"aitrader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	requests int32
	delay    time.Duration
	err      error
}

func (f *fakeAgent) RequestAnalysis(ctx context.Context, inst core.Instrument, payload map[string]interface{}) (*core.StrategyMessage, error) {
	atomic.AddInt32(&f.requests, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &core.StrategyMessage{Type: core.MsgTaskResult, TaskID: "t1", Inst: inst}, nil
}
func (f *fakeAgent) Inbound() <-chan core.StrategyMessage { return nil }
func (f *fakeAgent) Connected() bool                      { return true }

func newTestCoordinator(t *testing.T, agent core.IAgentChannel, reg *registry.Registry) *Coordinator {
	t.Helper()
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	return NewCoordinator(reg, agent, CoordinatorConfig{
		ScheduleInterval:    time.Hour,
		RefreshOnError:      true,
		AgentRequestTimeout: time.Second,
		WakeChannelSize:     8,
		ThresholdBps:        0,
		Window:              0,
	}, logger)
}

func TestCoordinator_ManualWakeInvokesAgentAndRefreshesBaseline(t *testing.T) {
	inst := core.Instrument("BTC-USDT-SWAP")
	reg := registry.New([]core.Instrument{inst}, time.Hour)
	reg.RecordTick(inst, 100)

	agent := &fakeAgent{}
	c := newTestCoordinator(t, agent, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx, []core.Instrument{inst})

	c.WakeChan() <- Wake{Inst: inst, Source: core.SourceManual}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&agent.requests) == 1
	}, time.Second, 10*time.Millisecond)

	s, _ := reg.Snapshot(inst)
	assert.Equal(t, core.SourceManual, s.LastSource)
	assert.False(t, s.LastTriggerAt.IsZero())

	cancel()
}

func TestCoordinator_BusyWakeSetsDirtyAndReArms(t *testing.T) {
	inst := core.Instrument("BTC-USDT-SWAP")
	reg := registry.New([]core.Instrument{inst}, time.Hour)
	reg.RecordTick(inst, 100)

	agent := &fakeAgent{delay: 100 * time.Millisecond}
	c := newTestCoordinator(t, agent, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, []core.Instrument{inst})

	c.WakeChan() <- Wake{Inst: inst, Source: core.SourceVolatility}
	time.Sleep(20 * time.Millisecond) // let the first wake acquire the permit
	c.WakeChan() <- Wake{Inst: inst, Source: core.SourceVolatility}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&agent.requests) >= 2
	}, 2*time.Second, 10*time.Millisecond, fmt.Sprintf("expected re-arm to trigger a second request, got %d", agent.requests))
}

func TestCoordinator_ManualBusyWakeDoesNotReArm(t *testing.T) {
	inst := core.Instrument("BTC-USDT-SWAP")
	reg := registry.New([]core.Instrument{inst}, time.Hour)
	reg.RecordTick(inst, 100)

	agent := &fakeAgent{delay: 100 * time.Millisecond}
	c := newTestCoordinator(t, agent, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, []core.Instrument{inst})

	c.WakeChan() <- Wake{Inst: inst, Source: core.SourceManual}
	time.Sleep(20 * time.Millisecond) // let the first wake acquire the permit
	c.WakeChan() <- Wake{Inst: inst, Source: core.SourceManual}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&agent.requests) >= 1
	}, time.Second, 10*time.Millisecond)

	// Manual wakes are edge-triggered: a second one arriving while busy must
	// not re-arm, so only the first manual wake should ever reach the agent.
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&agent.requests))
}

func TestCoordinator_StaleVolatilityWakeIsDropped(t *testing.T) {
	inst := core.Instrument("BTC-USDT-SWAP")
	reg := registry.New([]core.Instrument{inst}, time.Hour)
	reg.RecordTick(inst, 100) // baseline == last == 100, delta_bps == 0

	agent := &fakeAgent{}
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	c := NewCoordinator(reg, agent, CoordinatorConfig{
		ScheduleInterval:    time.Hour,
		RefreshOnError:      true,
		AgentRequestTimeout: time.Second,
		WakeChannelSize:     8,
		ThresholdBps:        80,
		Window:              0,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, []core.Instrument{inst})

	c.WakeChan() <- Wake{Inst: inst, Source: core.SourceVolatility}

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&agent.requests))
}

func TestCoordinator_ScheduleTimerFires(t *testing.T) {
	inst := core.Instrument("BTC-USDT-SWAP")
	reg := registry.New([]core.Instrument{inst}, 30*time.Millisecond)
	reg.RecordTick(inst, 100)

	agent := &fakeAgent{}
	c := newTestCoordinator(t, agent, reg)
	c.scheduleInterval = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, []core.Instrument{inst})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&agent.requests) >= 1
	}, time.Second, 10*time.Millisecond)
}
