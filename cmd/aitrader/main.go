// Command aitrader runs the strategy-trigger core: it wires the exchange
// client, the agent channel, the symbol-state registry, the volatility
// poller, the trigger coordinator, the order/position reconciler and the
// thin HTTP surface together under a single process lifecycle.
package main

import (
	"context"
	"time"

	"aitrader/internal/agent"
	"aitrader/internal/bootstrap"
	"aitrader/internal/core"
	"aitrader/internal/db"
	"aitrader/internal/exchange/okx"
	"aitrader/internal/httpapi"
	"aitrader/internal/reconciler"
	"aitrader/internal/registry"
	"aitrader/internal/trigger"
	"aitrader/pkg/telemetry"
)

func main() {
	app, err := bootstrap.NewApp()
	if err != nil {
		panic(err)
	}
	logger := app.Logger
	cfg := app.Cfg

	tel, err := telemetry.Setup("aitrader")
	if err != nil {
		logger.Fatal("telemetry setup failed", "error", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	insts := make([]core.Instrument, 0, len(cfg.InstIDs))
	for _, id := range cfg.InstIDs {
		insts = append(insts, core.Instrument(id))
	}

	pool, err := db.NewPool(context.Background(), string(cfg.Database.URL))
	if err != nil {
		logger.Fatal("database connect failed", "error", err)
	}
	defer pool.Close()

	gateway := db.NewGateway(pool, &cfg.Database, cfg.BalanceSnapshot, logger)
	if err := gateway.Init(context.Background()); err != nil {
		logger.Fatal("database schema init failed", "error", err)
	}

	exchangeClient, err := okx.New(&cfg.Exchange, logger)
	if err != nil {
		logger.Fatal("exchange client init failed", "error", err)
	}

	agentChannel := agent.New(
		cfg.Agent.BaseURL,
		cfg.Trigger.AgentRequestTimeout,
		cfg.Agent.HeartbeatInterval,
		cfg.Agent.HeartbeatTimeout,
		cfg.Agent.ReconnectMinDelay,
		cfg.Agent.ReconnectMaxDelay,
		logger,
	)

	symbolRegistry := registry.New(insts, cfg.Trigger.ScheduleInterval)
	for _, inst := range insts {
		symbolRegistry.Restore(context.Background(), gateway, inst, cfg.Trigger.ScheduleInterval)
	}

	coordinator := trigger.NewCoordinator(symbolRegistry, agentChannel, trigger.CoordinatorConfig{
		ScheduleInterval:    cfg.Trigger.ScheduleInterval,
		RefreshOnError:      cfg.Trigger.RefreshBaselineOnError,
		AgentRequestTimeout: cfg.Trigger.AgentRequestTimeout,
		ThresholdBps:        cfg.Trigger.VolThresholdBps,
		Window:              cfg.Trigger.VolWindow,
	}, logger)

	volatilityPoller := trigger.NewVolatilityPoller(exchangeClient, symbolRegistry, coordinator.WakeChan(), trigger.PollerConfig{
		PollInterval:  cfg.Trigger.VolPollInterval,
		MaxAttempts:   cfg.Trigger.VolMaxAttempts,
		RetryBackoff:  cfg.Trigger.VolRetryBackoff,
		ThresholdBps:  cfg.Trigger.VolThresholdBps,
		Window:        cfg.Trigger.VolWindow,
	}, logger)

	recon := reconciler.New(gateway, exchangeClient, agentChannel, reconciler.Config{
		Instruments:          insts,
		PositionSyncInterval: cfg.Reconciler.PositionSyncInterval,
		SyncWorkerPoolSize:   cfg.Reconciler.SyncWorkerPoolSize,
	}, logger)

	httpServer := httpapi.New(gateway, coordinator, httpapi.Config{
		ManualTriggerEnabled: cfg.Trigger.ManualTriggerEnabled,
	}, logger)

	runners := []bootstrap.Runner{
		runnerFunc(func(ctx context.Context) error {
			agentChannel.Start()
			<-ctx.Done()
			agentChannel.Stop()
			return nil
		}),
	}

	if cfg.Trigger.VolTriggerEnabled {
		runners = append(runners, runnerFunc(func(ctx context.Context) error {
			volatilityPoller.Start(ctx, insts)
			volatilityPoller.Wait()
			return nil
		}))
	}

	runners = append(runners,
		runnerFunc(func(ctx context.Context) error {
			coordinator.Run(ctx, insts)
			return nil
		}),
		runnerFunc(func(ctx context.Context) error {
			recon.Start(ctx)
			<-ctx.Done()
			recon.Stop()
			return nil
		}),
		runnerFunc(func(ctx context.Context) error {
			if err := httpServer.Start(cfg.System.HTTPListenAddr); err != nil {
				return err
			}
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Stop(shutdownCtx)
		}),
	)

	if err := app.Run(runners...); err != nil {
		logger.Fatal("application exited with error", "error", err)
	}
}

// runnerFunc adapts a plain function to bootstrap.Runner.
type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }
