package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// Scenario 4 from spec.md §8: position size precision.
func TestPositionSizePrecision(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})

	sym := mtypes.SymbolInfo{
		Name:         "XAUUSD",
		Point:        0.01,
		ContractSize: decimal.NewFromInt(100),
		MinVol:       decimal.NewFromFloat(0.01),
		MaxVol:       decimal.NewFromInt(100),
		VolStep:      decimal.NewFromFloat(0.01),
	}
	lots := m.PositionSize(sym, 1950.00, 1945.00, 0.02)
	want := decimal.NewFromFloat(0.40)
	if !lots.Equal(want) {
		t.Fatalf("expected lots=0.40, got %s", lots.String())
	}
}

// Scenario 5 from spec.md §8: monotonic trailing stop for a BUY position.
func TestTrailingStopMonotonic(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	pos := mtypes.Position{Symbol: "XAUUSD", Side: mtypes.Buy, EntryPrice: 1950, SL: 1945}

	prices := []float64{1951.0, 1952.6, 1952.4, 1954.0}
	want := []float64{1945, 1951.1, 1951.1, 1952.5}

	for i, price := range prices {
		if newSL := m.TrailingStop(pos, price, 1.5); newSL != nil {
			pos.SL = *newSL
		}
		if pos.SL != want[i] {
			t.Fatalf("tick %d: expected SL=%v after price=%v, got %v", i, want[i], price, pos.SL)
		}
	}
}

func TestTrailingStopSellMirrorsBuy(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	pos := mtypes.Position{Symbol: "XAUUSD", Side: mtypes.Sell, EntryPrice: 1950, SL: 1955}

	if newSL := m.TrailingStop(pos, 1954.0, 1.5); newSL != nil {
		t.Fatalf("expected no update (candidate 1955.5 neither improves sl nor clears entry), got %v", *newSL)
	}
	if newSL := m.TrailingStop(pos, 1948.0, 1.5); newSL == nil {
		t.Fatalf("expected SELL trailing stop to fire once price clears entry")
	} else if *newSL != 1949.5 {
		t.Fatalf("expected new SL=1949.5, got %v", *newSL)
	}
}

// Scenario 6 from spec.md §8: break-even trigger.
func TestShouldMoveToBreakeven(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	pos := mtypes.Position{Symbol: "XAUUSD", Side: mtypes.Buy, EntryPrice: 1950, SL: 1945}

	if !m.ShouldMoveToBreakeven(pos, 1951.5, 0.1, 15) {
		t.Fatalf("expected ShouldMoveToBreakeven=true")
	}
}

func TestShouldMoveToBreakevenFalseWhenAlreadyAtEntry(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	pos := mtypes.Position{Symbol: "XAUUSD", Side: mtypes.Buy, EntryPrice: 1950, SL: 1950}
	if m.ShouldMoveToBreakeven(pos, 1951.5, 0.1, 15) {
		t.Fatalf("expected false once sl has already reached entry")
	}
}

func TestCanOpenPositionOrderedChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenPositions = 1
	cfg.MaxDailyLossPct = 0.05
	cfg.MaxDrawdownPct = 0.1
	cfg.MaxSpreadPoints = 30

	sym := mtypes.SymbolInfo{Name: "EURUSD", ContractSize: decimal.NewFromInt(100000), CurrentBid: 1.1, CurrentAsk: 1.1001, SpreadPoints: 10}
	account := mtypes.AccountInfo{Balance: decimal.NewFromInt(10000), FreeMargin: decimal.NewFromInt(10000), Leverage: 100}

	t.Run("open_positions_count", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000), OpenPositions: 1})
		a := m.CanOpenPosition(sym, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if a.Allowed || a.Reason != "max_open_positions" {
			t.Fatalf("expected max_open_positions denial, got %+v", a)
		}
	})

	t.Run("daily_loss_remaining", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000), OpenPositions: 0, DailyPnL: decimal.NewFromInt(-600)})
		a := m.CanOpenPosition(sym, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if a.Allowed || a.Reason != "daily_loss_limit" {
			t.Fatalf("expected daily_loss_limit denial, got %+v", a)
		}
	})

	t.Run("drawdown", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000), Equity: decimal.NewFromInt(8000), PeakBalance: decimal.NewFromInt(10000)})
		a := m.CanOpenPosition(sym, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if a.Allowed || a.Reason != "max_drawdown" {
			t.Fatalf("expected max_drawdown denial, got %+v", a)
		}
	})

	t.Run("spread_too_wide", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})
		wideSym := sym
		wideSym.SpreadPoints = 50
		a := m.CanOpenPosition(wideSym, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if a.Allowed || a.Reason != "spread_too_wide" {
			t.Fatalf("expected spread_too_wide denial, got %+v", a)
		}
	})

	t.Run("allowed", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})
		a := m.CanOpenPosition(sym, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if !a.Allowed {
			t.Fatalf("expected admission, got denial %+v", a)
		}
	})
}

func TestCanOpenPositionCorrelatedGroupExposure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenPositions = 10
	cfg.MaxGroupExposure = 2
	cfg.CorrelationGroups = map[string][]string{"usd_majors": {"EURUSD", "GBPUSD"}}

	sym := mtypes.SymbolInfo{Name: "GBPUSD", ContractSize: decimal.NewFromInt(100000), CurrentBid: 1.25, CurrentAsk: 1.2501, SpreadPoints: 10}
	account := mtypes.AccountInfo{Balance: decimal.NewFromInt(10000), FreeMargin: decimal.NewFromInt(10000), Leverage: 100}

	t.Run("denied_once_group_reaches_cap", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})
		m.UpdateSymbolExposure("EURUSD", 2)

		a := m.CanOpenPosition(sym, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if a.Allowed || a.Reason != "correlated_group_exposure" {
			t.Fatalf("expected correlated_group_exposure denial, got %+v", a)
		}
	})

	t.Run("allowed_below_cap", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})
		m.UpdateSymbolExposure("EURUSD", 1)

		a := m.CanOpenPosition(sym, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if !a.Allowed {
			t.Fatalf("expected admission below group exposure cap, got denial %+v", a)
		}
	})

	t.Run("uncorrelated_symbol_unaffected", func(t *testing.T) {
		m := New(zap.NewNop(), cfg)
		m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})
		m.UpdateSymbolExposure("EURUSD", 5)

		xau := mtypes.SymbolInfo{Name: "XAUUSD", ContractSize: decimal.NewFromInt(100), CurrentBid: 1900, CurrentAsk: 1900.3, SpreadPoints: 10}
		a := m.CanOpenPosition(xau, mtypes.Buy, decimal.NewFromFloat(0.1), account, time.Now())
		if !a.Allowed {
			t.Fatalf("expected admission for symbol outside the correlated group, got denial %+v", a)
		}
	})
}

func TestRegisterTradeResultResetsOnUTCRollover(t *testing.T) {
	m := New(zap.NewNop(), DefaultConfig())
	m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})

	day1 := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	m.RegisterTradeResult(decimal.NewFromInt(-50), day1)
	if !m.state.DailyPnL.Equal(decimal.NewFromInt(-50)) {
		t.Fatalf("expected dailyPnL=-50, got %s", m.state.DailyPnL.String())
	}

	day2 := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)
	m.RegisterTradeResult(decimal.NewFromInt(-20), day2)
	if !m.state.DailyPnL.Equal(decimal.NewFromInt(-20)) {
		t.Fatalf("expected dailyPnL reset to -20 after rollover, got %s", m.state.DailyPnL.String())
	}
}

func TestKillSwitchActivatesOnExcessiveLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KillSwitchLossPct = 0.05
	m := New(zap.NewNop(), cfg)
	m.SetState(mtypes.RiskState{Balance: decimal.NewFromInt(10000)})

	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	m.RegisterTradeResult(decimal.NewFromInt(-600), now)

	if !m.IsKilled(now) {
		t.Fatalf("expected kill switch to be active after 6%% daily loss against a 5%% threshold")
	}
	account := mtypes.AccountInfo{Balance: decimal.NewFromInt(9400), FreeMargin: decimal.NewFromInt(9000), Leverage: 100}
	sym := mtypes.SymbolInfo{Name: "EURUSD", ContractSize: decimal.NewFromInt(100000), SpreadPoints: 5}
	a := m.CanOpenPosition(sym, mtypes.Buy, decimal.NewFromFloat(0.1), account, now)
	if a.Allowed || a.Reason != "kill_switch_active" {
		t.Fatalf("expected kill_switch_active denial, got %+v", a)
	}
}
