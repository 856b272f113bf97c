// Package app is the composition root: it builds every component once,
// passes references explicitly, and owns the ordered shutdown sequence.
package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"gridpilot/api"
	"gridpilot/config"
	"gridpilot/executor"
	"gridpilot/gateway"
	"gridpilot/grid"
	"gridpilot/logger"
	"gridpilot/market"
	"gridpilot/monitor"
	"gridpilot/position"
	"gridpilot/signal"
	"gridpilot/store"
	"gridpilot/supervisor"
)

// App the assembled system
type App struct {
	cfg *config.Config

	store    *store.Store
	cache    *position.Cache
	queue    *signal.Queue
	engine   *grid.Engine
	trader   gateway.Trader
	feed     gateway.MarketFeed
	wsFeed   *market.WSFeed
	exec     *executor.Executor
	mon      *monitor.Monitor
	sup      *supervisor.Supervisor
	registry *config.Registry
	server   *api.Server

	apiErrCh chan error
}

// New builds the full component graph without starting anything
func New(cfg *config.Config) (*App, error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cache := position.NewCache(st.Position())
	if err := cache.Restore(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to restore positions: %w", err)
	}

	queue := signal.NewQueue(cfg.SignalStaleAfter, cfg.SignalCooldown)
	engine := grid.NewEngine(queue, cache, st.Grid(), cfg.GridLevelCooldown, cfg.MinLot)
	if err := engine.Restore(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to restore grid sessions: %w", err)
	}

	a := &App{
		cfg:      cfg,
		store:    st,
		cache:    cache,
		queue:    queue,
		engine:   engine,
		registry: config.NewRegistry(st.Config()),
		apiErrCh: make(chan error, 1),
	}
	a.buildGateway()
	a.buildLoops()
	a.registerTunables()

	a.server = api.NewServer(api.Deps{
		Cache:      cache,
		Queue:      queue,
		Engine:     engine,
		Executor:   a.exec,
		Supervisor: a.sup,
		Registry:   a.registry,
		Store:      st,
	}, cfg.APIServerPort, cfg.JWTSecret, cfg.APIPassword)

	return a, nil
}

// buildGateway wires the live or simulated trading boundary
func (a *App) buildGateway() {
	if a.cfg.SimMode {
		logger.Info("🧪 Simulated mode: fills applied directly to the position cache")
		a.trader = newSimTrader(a.cache)
		simFeed := market.NewSimFeed()
		a.feed = simFeed
		return
	}

	bn := gateway.NewBinanceGateway(a.cfg.BinanceAPIKey, a.cfg.BinanceSecret, "USDT")
	a.trader = bn
	if a.cfg.FeedURL != "" {
		a.wsFeed = market.NewWSFeed(a.cfg.FeedURL, 30*time.Second)
		a.feed = a.wsFeed
	} else {
		// No push feed configured, fall back to gateway polling
		a.feed = bn
	}
}

// buildLoops wires the executor, monitor and supervisor
func (a *App) buildLoops() {
	var boundary executor.Boundary
	if a.cfg.SimMode {
		boundary = executor.NewSimBoundary(a.cache, a.store.Trade())
	} else {
		boundary = executor.NewLiveBoundary(a.trader, a.store.Trade(), a.cfg.GatewayTimeout)
	}

	a.exec = executor.New(a.queue, a.cache, a.engine, boundary, a.cfg.ExecutorInterval, a.cfg.MinLot)
	a.exec.SetEnabled(a.cfg.TradingEnabled)

	a.mon = monitor.New(a.trader, a.feed, a.cache, a.queue, a.engine, monitor.Params{
		Interval:            a.cfg.MonitorInterval,
		OffHoursInterval:    a.cfg.OffHoursInterval,
		GatewayTimeout:      a.cfg.GatewayTimeout,
		Account:             a.cfg.Account,
		StopLossRatio:       a.cfg.StopLossRatio,
		InitTakeProfitRatio: a.cfg.InitTakeProfitRatio,
		InitSellRatio:       a.cfg.InitSellRatio,
		DrawdownRatio:       a.cfg.DrawdownRatio,
		BreakoutRatio:       a.cfg.BreakoutRatio,
		BreakoutDrawdown:    a.cfg.BreakoutDrawdown,
		TradingHours:        a.tradingHours(),
	})

	a.sup = supervisor.New(a.cfg.SupervisorInterval, a.cfg.RestartCooldown)
	a.sup.Register("monitor", a.mon.Slot(), 5*a.cfg.MonitorInterval+a.cfg.OffHoursInterval, a.mon.Start)
	a.sup.Register("executor", a.exec.Slot(), 10*a.cfg.ExecutorInterval, a.exec.Start)
}

// tradingHours builds the market-open predicate, nil when always open
func (a *App) tradingHours() func(time.Time) bool {
	openHour, closeHour := a.cfg.MarketOpenHour, a.cfg.MarketCloseHour
	if openHour == closeHour {
		return nil
	}
	return func(t time.Time) bool {
		h := t.Hour()
		if openHour < closeHour {
			return h >= openHour && h < closeHour
		}
		return h >= openHour || h < closeHour
	}
}

// registerTunables binds the runtime-changeable keys and replays persisted
// overrides on top of the static config
func (a *App) registerTunables() {
	a.registry.Register("trading_enabled", config.BoolSetter(a.exec.SetEnabled))
	a.registry.Register("stop_loss_ratio", config.FloatSetter(-0.5, 0, a.mon.SetStopLossRatio))
	a.registry.Register("init_take_profit_ratio", config.FloatSetter(0, 1, a.mon.SetInitTakeProfitRatio))
	a.registry.Register("drawdown_ratio", config.FloatSetter(0, 1, a.mon.SetDrawdownRatio))
	a.registry.Register("durable_flush_interval", config.DurationSetter(time.Second, a.cache.SetFlushInterval))
	a.registry.Replay()
}

// Start launches everything in dependency order
func (a *App) Start() {
	a.cache.StartFlusher(a.cfg.FlushInterval)
	if a.wsFeed != nil {
		a.wsFeed.Start()
	}
	a.exec.Start()
	a.mon.Start()
	a.sup.Start()

	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.apiErrCh <- err
		}
	}()
	logger.Info("🚀 All components started")
}

// APIErrors reports a fatal API listen failure, if any
func (a *App) APIErrors() <-chan error {
	return a.apiErrCh
}

// Shutdown runs the ordered shutdown sequence. Every step is fault
// isolated: a failing or panicking step is logged and the rest still run.
func (a *App) Shutdown() {
	logger.Info("🛑 Shutdown sequence starting")

	a.step("api intake", func() error { return a.server.Shutdown() })
	a.step("supervisor", func() error { a.sup.Stop(); return nil })

	a.step("business loops", func() error {
		done := make(chan struct{})
		go func() {
			a.mon.Stop()
			a.exec.Stop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(a.cfg.ShutdownTimeout):
			return fmt.Errorf("loops did not stop within %v", a.cfg.ShutdownTimeout)
		}
	})

	if a.wsFeed != nil {
		a.step("market feed", func() error { a.wsFeed.Stop(); return nil })
	}
	a.step("position flusher", func() error { a.cache.StopFlusher(); return nil })
	a.step("store", func() error { return a.store.Close() })

	logger.Info("👋 Shutdown complete")
}

// step runs one shutdown step with panic and error isolation
func (a *App) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("🚨 Shutdown step %s panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		logger.Errorf("⚠️  Shutdown step %s failed: %v", name, err)
		return
	}
	logger.Infof("✅ Shutdown step done: %s", name)
}
