package manager

import (
	"testing"

	"go.uber.org/zap"

	"github.com/urion-trading/engine/internal/context"
	"github.com/urion-trading/engine/internal/strategy"
	"github.com/urion-trading/engine/pkg/mtypes"
)

type fakeStrategy struct {
	name       string
	symbol     string
	action     mtypes.Action
	confidence float64
}

func (f fakeStrategy) Name() string           { return f.name }
func (f fakeStrategy) Symbol() string         { return f.symbol }
func (f fakeStrategy) IsEnabled() bool        { return true }
func (f fakeStrategy) MinConfidence() float64 { return 0.5 }
func (f fakeStrategy) Analyze(t strategy.Technicals, news *mtypes.NewsView) mtypes.Signal {
	if f.action == mtypes.ActionHold {
		return mtypes.Signal{Strategy: f.name, Symbol: f.symbol, Action: mtypes.ActionHold}
	}
	price := 100.0
	sl, tp := price-1, price+1
	if f.action == mtypes.ActionSell {
		sl, tp = price+1, price-1
	}
	return mtypes.Signal{Strategy: f.name, Symbol: f.symbol, Action: f.action, Confidence: f.confidence, Price: price, SL: &sl, TP: &tp}
}

func rangingFrame() map[mtypes.Timeframe]*mtypes.IndicatorFrame {
	return map[mtypes.Timeframe]*mtypes.IndicatorFrame{
		mtypes.H1: {
			Timeframe: mtypes.H1, ADX: mtypes.ADX{ADX: 18, DIPlus: 10, DIMinus: 10},
			EMA9: 100.05, EMA21: 100.04, EMA50: 100.03, EMA200: 100, RSI: 50, CurrentPrice: 100.05,
			Bollinger: mtypes.Bollinger{Upper: 101, Middle: 100, Lower: 99},
		},
	}
}

func TestConsensusWhenMajorityAgree(t *testing.T) {
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register(fakeStrategy{name: "meanReversion", symbol: "EURUSD", action: mtypes.ActionBuy, confidence: 0.8})
	reg.Register(fakeStrategy{name: "rangeTrading", symbol: "EURUSD", action: mtypes.ActionBuy, confidence: 0.7})
	reg.Register(fakeStrategy{name: "trendFollowing", symbol: "EURUSD", action: mtypes.ActionSell, confidence: 0.9})

	m := New(zap.NewNop(), context.New(zap.NewNop(), context.DefaultConfig()), reg)
	decision := m.Evaluate("EURUSD", strategy.Technicals{Frames: rangingFrame()}, nil, 0, 0, true, 0)

	if decision.Chosen.Strategy != "consensus" {
		t.Fatalf("expected consensus signal from the two recommended BUYs (trendFollowing is not recommended when ranging), got %+v", decision.Chosen)
	}
	if decision.Chosen.Action != mtypes.ActionBuy {
		t.Fatalf("expected consensus BUY, got %v", decision.Chosen.Action)
	}
}

func TestBestSignalWhenNoConsensus(t *testing.T) {
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register(fakeStrategy{name: "meanReversion", symbol: "EURUSD", action: mtypes.ActionBuy, confidence: 0.8})
	reg.Register(fakeStrategy{name: "rangeTrading", symbol: "EURUSD", action: mtypes.ActionSell, confidence: 0.6})

	m := New(zap.NewNop(), context.New(zap.NewNop(), context.DefaultConfig()), reg)
	decision := m.Evaluate("EURUSD", strategy.Technicals{Frames: rangingFrame()}, nil, 0, 0, true, 0)

	if decision.Chosen.Strategy != "meanReversion" {
		t.Fatalf("expected best signal (meanReversion, higher confidence), got %+v", decision.Chosen)
	}
}

func TestNoSignalWhenAllowedDirectionsEmpty(t *testing.T) {
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register(fakeStrategy{name: "trendFollowing", symbol: "EURUSD", action: mtypes.ActionBuy, confidence: 0.9})

	lowVolFrame := map[mtypes.Timeframe]*mtypes.IndicatorFrame{
		mtypes.H4: {Timeframe: mtypes.H4, ADX: mtypes.ADX{ADX: 15}, CurrentPrice: 100, EMA9: 100, EMA21: 100, EMA50: 100, EMA200: 100},
	}
	m := New(zap.NewNop(), context.New(zap.NewNop(), context.DefaultConfig()), reg)
	decision := m.Evaluate("EURUSD", strategy.Technicals{Frames: lowVolFrame}, nil, 1000, 0, true, 0)

	if decision.Chosen.Action != mtypes.ActionHold {
		t.Fatalf("expected HOLD when allowedDirections empty, got %+v", decision.Chosen)
	}
}

func TestDirectionNotAllowedSignalsAreDropped(t *testing.T) {
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register(fakeStrategy{name: "trendFollowing", symbol: "EURUSD", action: mtypes.ActionBuy, confidence: 0.9})

	strongBearFrames := map[mtypes.Timeframe]*mtypes.IndicatorFrame{
		mtypes.H4: {
			Timeframe: mtypes.H4, ADX: mtypes.ADX{ADX: 40, DIPlus: 5, DIMinus: 35},
			CurrentPrice: 90, EMA9: 95, EMA21: 100, EMA50: 105, EMA200: 110, RSI: 20,
			MACD: mtypes.MACD{Line: -2, Signal: -1, Histogram: -1},
		},
	}
	m := New(zap.NewNop(), context.New(zap.NewNop(), context.DefaultConfig()), reg)
	decision := m.Evaluate("EURUSD", strategy.Technicals{Frames: strongBearFrames}, nil, 0, 0, true, 0)

	// A strong bearish H4-only context allows SELL only, so this recommended
	// strategy's BUY is dropped and no signal is chosen.
	if len(decision.Dropped) != 1 || decision.Dropped[0].Reason != "direction_not_allowed" {
		t.Fatalf("expected the BUY to be dropped with direction_not_allowed, got %+v", decision)
	}
	if decision.Chosen.Action != mtypes.ActionHold {
		t.Fatalf("expected HOLD after the only signal was dropped, got %+v", decision.Chosen)
	}
}
