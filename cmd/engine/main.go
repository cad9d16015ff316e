// Package main is the process entry point: it loads configuration, wires
// every collaborator (broker gateway, technical analyzer, market context
// engine, strategy registry, risk manager, strategy manager, event bus,
// execution supervisor, operator command surface) and runs until signaled.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/urion-trading/engine/internal/analysis"
	"github.com/urion-trading/engine/internal/api"
	appconfig "github.com/urion-trading/engine/internal/config"
	enginecontext "github.com/urion-trading/engine/internal/context"
	"github.com/urion-trading/engine/internal/events"
	"github.com/urion-trading/engine/internal/execution"
	"github.com/urion-trading/engine/internal/manager"
	"github.com/urion-trading/engine/internal/news"
	"github.com/urion-trading/engine/internal/risk"
	"github.com/urion-trading/engine/internal/strategy"
	"github.com/urion-trading/engine/internal/broker"
	"github.com/urion-trading/engine/pkg/mtypes"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML config file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := buildBroker(cfg)
	newsView := buildNews(logger, cfg)
	analyzer := analysis.New(logger, gw)
	ctxEngine := enginecontext.New(logger, enginecontext.Config{
		ADXStrong:         cfg.MarketContext.ADXStrong,
		ADXTrend:          cfg.MarketContext.ADXTrend,
		ATRHighMultiplier: cfg.MarketContext.ATRHighMultiplier,
		ATRLowMultiplier:  cfg.MarketContext.ATRLowMultiplier,
	})
	riskMgr := risk.New(logger, buildRiskConfig(cfg))
	registry := buildStrategyRegistry(logger, cfg, riskMgr)
	mgr := manager.New(logger, ctxEngine, registry)

	bus := events.New(logger, events.DefaultConfig())
	bus.Start()

	timeframes := make([]mtypes.Timeframe, 0, len(cfg.Trading.Timeframes))
	for _, tf := range cfg.Trading.Timeframes {
		timeframes = append(timeframes, mtypes.Timeframe(tf))
	}

	execCfg := execution.DefaultConfig()
	execCfg.Symbols = cfg.Trading.Symbols
	if len(timeframes) > 0 {
		execCfg.Timeframes = timeframes
	}
	execCfg.TickInterval = cfg.Trading.TickInterval
	execCfg.BaseRiskPct = cfg.Risk.MaxRiskPerTrade
	execCfg.BreakevenTriggerPips = cfg.Risk.BreakEvenTrigger
	execCfg.TrailingDistancePips = cfg.Risk.TrailingStopDistance
	execCfg.CloseAllOnStop = false
	execCfg.GlobalBlockOnHighImpact = cfg.News.GlobalBlockOnHighImpact

	supervisor := execution.New(logger, execCfg, gw, analyzer, mgr, riskMgr, newsView, bus)
	wireCatamilho(logger, cfg, riskMgr, supervisor)

	apiCfg := api.DefaultConfig()
	apiCfg.Host = cfg.Server.Host
	apiCfg.Port = cfg.Server.Port
	apiCfg.WebSocketPath = cfg.Server.WebSocketPath
	apiCfg.ReadTimeout = cfg.Server.ReadTimeout
	apiCfg.WriteTimeout = cfg.Server.WriteTimeout
	apiCfg.EnableMetrics = cfg.Server.EnableMetrics

	apiServer := api.NewServer(logger, apiCfg, supervisor, bus, supervisor.Metrics())

	newsView.Start(ctx)

	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal("execution supervisor failed to start", zap.Error(err))
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server stopped with error", zap.Error(err))
		}
	}()

	logger.Info("engine started",
		zap.Strings("symbols", cfg.Trading.Symbols),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	supervisor.Stop(shutdownCtx)
	newsView.Stop()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping api server", zap.Error(err))
	}
	bus.Stop()

	logger.Info("engine stopped")
}

// buildBroker constructs the in-memory Broker Gateway, seeded with the
// configured symbols' contract terms and deterministic bar history, and
// applies the configured slippage scalar. A live MT5 terminal gateway is
// the natural production substitute for this collaborator; swapping one in
// only requires satisfying broker.Gateway.
func buildBroker(cfg *appconfig.Config) *broker.InMemory {
	gw := broker.NewInMemory(mtypes.AccountInfo{
		Balance:    decimal.NewFromFloat(10000),
		Equity:     decimal.NewFromFloat(10000),
		FreeMargin: decimal.NewFromFloat(10000),
		Leverage:   100,
		Currency:   "USD",
	})
	gw.SetSlippagePoints(cfg.Trading.Slippage)

	for _, symbol := range cfg.Trading.Symbols {
		info := mtypes.SymbolInfo{
			Name: symbol, Digits: 5, Point: 0.00001, PipSize: 0.0001,
			MinVol: decimal.NewFromFloat(0.01), MaxVol: decimal.NewFromFloat(100),
			VolStep: decimal.NewFromFloat(0.01), ContractSize: decimal.NewFromFloat(100000),
			CurrentBid: 1.1000, CurrentAsk: 1.1002, SpreadPoints: 2,
		}
		if override, ok := cfg.SymbolInfoOverride(symbol); ok {
			if override.Digits != 0 {
				info.Digits = int32(override.Digits)
			}
			if override.Point != 0 {
				info.Point = override.Point
			}
			if override.MinVol != 0 {
				info.MinVol = decimal.NewFromFloat(override.MinVol)
			}
			if override.MaxVol != 0 {
				info.MaxVol = decimal.NewFromFloat(override.MaxVol)
			}
			if override.VolStep != 0 {
				info.VolStep = decimal.NewFromFloat(override.VolStep)
			}
			if override.ContractSize != 0 {
				info.ContractSize = decimal.NewFromFloat(override.ContractSize)
			}
		}
		gw.SeedSymbol(info)

		for _, tfName := range cfg.Trading.Timeframes {
			tf := mtypes.Timeframe(tfName)
			lookback := time.Duration(tf.Minutes()*200) * time.Minute
			bars := broker.GenerateDeterministicBars(time.Now().UTC().Add(-lookback), tf, 200, 1.1000, 0.00001, 0.0015)
			gw.SeedBars(symbol, tf, bars)
		}
	}
	return gw
}

func buildNews(logger *zap.Logger, cfg *appconfig.Config) *news.View {
	fetcher := &news.HTTPFetcher{}
	newsCfg := news.Config{
		RefreshInterval: cfg.News.RefreshInterval,
		BufferMinutes:   cfg.News.BufferMinutes,
		Keywords:        cfg.News.Keywords,
	}
	return news.New(logger, fetcher, newsCfg)
}

func buildRiskConfig(cfg *appconfig.Config) risk.Config {
	rc := risk.DefaultConfig()
	rc.RiskPct = cfg.Risk.MaxRiskPerTrade
	rc.MaxDrawdownPct = cfg.Risk.MaxDrawdown
	rc.MaxDailyLossPct = cfg.Risk.MaxDailyLoss
	rc.SLPips = cfg.Risk.StopLossPips
	rc.MaxOpenPositions = cfg.Trading.MaxOpenPositions
	rc.MaxMarginUsagePct = cfg.Risk.MaxMarginUsagePct
	rc.MaxSpreadPoints = cfg.Risk.MaxSpreadPoints
	rc.BreakevenTrigPips = cfg.Risk.BreakEvenTrigger
	rc.KillSwitchLossPct = cfg.Risk.KillSwitchLossPct
	rc.KillSwitchCooldown = cfg.Risk.KillSwitchCooldown
	rc.CorrelationMinCoef = cfg.Risk.CorrelationMinCoef
	if cfg.Risk.MaxGroupExposure > 0 {
		rc.MaxGroupExposure = cfg.Risk.MaxGroupExposure
	}
	if len(cfg.Risk.CorrelationGroups) > 0 {
		rc.CorrelationGroups = cfg.Risk.CorrelationGroups
	}
	if len(cfg.Risk.SymbolATRAdjust) > 0 {
		rc.SymbolATRAdjust = cfg.Risk.SymbolATRAdjust
	}
	rc.MaxLot = decimal.NewFromFloat(cfg.Trading.MaxLotSize)
	rc.DefaultLot = decimal.NewFromFloat(cfg.Trading.DefaultLotSize)
	if len(cfg.Risk.StrategyATRMultipliers) > 0 {
		profiles := make(map[string]risk.StrategyRiskProfile, len(cfg.Risk.StrategyATRMultipliers))
		for name, pair := range cfg.Risk.StrategyATRMultipliers {
			profiles[name] = risk.StrategyRiskProfile{SLMultiplier: pair.SLMultiplier, TPMultiplier: pair.TakeProfitRR}
		}
		rc.StrategyProfiles = profiles
	}
	return rc
}

// buildStrategyRegistry instantiates the six uniform-contract strategies
// for every configured symbol, keyed off the per-strategy config block so
// an operator can disable or retune a strategy without a rebuild.
func buildStrategyRegistry(logger *zap.Logger, cfg *appconfig.Config, riskMgr *risk.Manager) *strategy.Registry {
	registry := strategy.NewRegistry(logger)

	type factory struct {
		name string
		new  func(strategy.BaseStrategy) strategy.Strategy
	}
	factories := []factory{
		{"trendFollowing", func(b strategy.BaseStrategy) strategy.Strategy { return strategy.NewTrendFollowing(b) }},
		{"meanReversion", func(b strategy.BaseStrategy) strategy.Strategy { return strategy.NewMeanReversion(b) }},
		{"breakout", func(b strategy.BaseStrategy) strategy.Strategy { return strategy.NewBreakout(b) }},
		{"rangeTrading", func(b strategy.BaseStrategy) strategy.Strategy { return strategy.NewRangeTrading(b) }},
		{"scalping", func(b strategy.BaseStrategy) strategy.Strategy { return strategy.NewScalping(b) }},
		{"newsTrading", func(b strategy.BaseStrategy) strategy.Strategy { return strategy.NewNewsTrading(b) }},
	}

	for _, symbol := range cfg.Trading.Symbols {
		for _, f := range factories {
			sc, ok := cfg.StrategyConfig(f.name)
			if !ok {
				continue
			}
			base := strategy.NewBase(strategy.BaseConfig{
				Name: f.name, Symbol: symbol, Enabled: sc.Enabled, MinConfidence: sc.MinConfidence,
				PipSize: 0.0001, FixedSLPips: sc.FixedSLPips, FixedTPPips: sc.FixedTPPips,
				Risk: riskMgr, Logger: logger,
			})
			registry.Register(f.new(base))
		}
	}
	return registry
}

// wireCatamilho constructs the Catamilho scalper for every symbol whose
// `strategies.catamilho` block is enabled and registers it with the
// supervisor directly, since its Analyze signature doesn't fit the
// registry's uniform Strategy contract.
func wireCatamilho(logger *zap.Logger, cfg *appconfig.Config, riskMgr *risk.Manager, supervisor *execution.Supervisor) {
	sc, ok := cfg.StrategyConfig("catamilho")
	if !ok || !sc.Enabled {
		return
	}
	for _, symbol := range cfg.Trading.Symbols {
		base := strategy.NewBase(strategy.BaseConfig{
			Name: "catamilho", Symbol: symbol, Enabled: sc.Enabled, MinConfidence: sc.MinConfidence,
			PipSize: 0.0001, FixedSLPips: sc.FixedSLPips, FixedTPPips: sc.FixedTPPips,
			Risk: riskMgr, Logger: logger,
		})
		supervisor.SetCatamilho(symbol, strategy.NewCatamilho(base))
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
