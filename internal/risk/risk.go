// Package risk implements the Risk Manager: position sizing, SL/TP
// derivation, admission control, in-trade stop management, and the
// kill switch/correlation/ATR-multiplier supplements layered on top of
// the teacher's RiskManager shape.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// StrategyRiskProfile carries the per-strategy-class ATR SL/TP multiplier
// pair, adapted from the original system's dynamic_risk_calculator.py.
type StrategyRiskProfile struct {
	SLMultiplier float64
	TPMultiplier float64
}

// DefaultStrategyProfiles mirrors dynamic_risk_calculator.py's table: tight
// stops for the scalpers, progressively wider for swing/trend strategies.
func DefaultStrategyProfiles() map[string]StrategyRiskProfile {
	return map[string]StrategyRiskProfile{
		"scalping":       {SLMultiplier: 0.8, TPMultiplier: 1.2},
		"catamilho":      {SLMultiplier: 0.6, TPMultiplier: 0.9},
		"rangeTrading":   {SLMultiplier: 1.0, TPMultiplier: 1.3},
		"meanReversion":  {SLMultiplier: 1.0, TPMultiplier: 1.5},
		"breakout":       {SLMultiplier: 1.5, TPMultiplier: 2.2},
		"trendFollowing": {SLMultiplier: 1.5, TPMultiplier: 2.5},
		"newsTrading":    {SLMultiplier: 1.2, TPMultiplier: 1.8},
	}
}

// Config bundles admission thresholds and sizing defaults (spec.md §4.7/§6
// risk.* keys).
type Config struct {
	RiskPct            float64
	DefaultLot         decimal.Decimal
	MaxLot             decimal.Decimal
	SLPips             float64
	MaxOpenPositions   int
	MaxDailyLossPct    float64
	MaxDrawdownPct     float64
	MaxMarginUsagePct  float64 // e.g. 0.8
	MaxSpreadPoints    float64
	BreakevenTrigPips  float64
	KillSwitchLossPct  float64
	KillSwitchCooldown time.Duration
	CorrelationGroups  map[string][]string
	CorrelationMinCoef float64 // groups at/above this threshold share an exposure bucket
	MaxGroupExposure   int     // max combined open positions across one correlated group
	StrategyProfiles   map[string]StrategyRiskProfile
	SymbolATRAdjust    map[string]float64 // per-symbol ATR distance multiplier (e.g. XAUUSD wider)
}

// DefaultConfig returns conservative defaults matching the teacher's
// DefaultRiskConfig shape, restated in spec.md's vocabulary.
func DefaultConfig() Config {
	return Config{
		RiskPct:            0.02,
		DefaultLot:         decimal.NewFromFloat(0.01),
		MaxLot:             decimal.NewFromFloat(1.0),
		SLPips:             20,
		MaxOpenPositions:   5,
		MaxDailyLossPct:    0.05,
		MaxDrawdownPct:     0.15,
		MaxMarginUsagePct:  0.8,
		MaxSpreadPoints:    30,
		BreakevenTrigPips:  15,
		KillSwitchLossPct:  0.08,
		KillSwitchCooldown: 4 * time.Hour,
		CorrelationGroups:  map[string][]string{},
		CorrelationMinCoef: 0.8,
		MaxGroupExposure:   2,
		StrategyProfiles:   DefaultStrategyProfiles(),
		SymbolATRAdjust:    map[string]float64{"XAUUSD": 1.3},
	}
}

// Admission is the result of a CanOpenPosition check.
type Admission struct {
	Allowed bool
	Reason  string
}

// Manager is the Risk Manager.
type Manager struct {
	logger *zap.Logger
	cfg    Config

	mu               sync.Mutex
	state            mtypes.RiskState
	killedUntil      time.Time
	symbolOpenCounts map[string]int // per-symbol open position count, fed by the Execution Supervisor
	violations       []Admission
	maxViolations    int
}

func New(logger *zap.Logger, cfg Config) *Manager {
	return &Manager{
		logger:           logger.Named("risk-manager"),
		cfg:              cfg,
		symbolOpenCounts: make(map[string]int),
		maxViolations:    100,
	}
}

// SetState replaces the account/day-rollover state the Risk Manager reasons
// from; the Execution Supervisor refreshes this each tick from the broker's
// account info plus the locally tracked open-position count.
func (m *Manager) SetState(s mtypes.RiskState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// UpdateAccount refreshes the balance/equity/open-position-count the
// Execution Supervisor observes from the broker each tick, preserving the
// daily PnL accumulator and peak balance that RegisterTradeResult owns
// across ticks.
func (m *Manager) UpdateAccount(balance, equity decimal.Decimal, openPositions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Balance = balance
	m.state.Equity = equity
	m.state.OpenPositions = openPositions
	if equity.GreaterThan(m.state.PeakBalance) {
		m.state.PeakBalance = equity
	}
}

// UpdateSymbolExposure refreshes how many positions are currently open on
// symbol, fed by the Execution Supervisor each tick so CanOpenPosition can
// sum exposure across a correlated group instead of evaluating symbols
// independently.
func (m *Manager) UpdateSymbolExposure(symbol string, openCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolOpenCounts[symbol] = openCount
}

// PositionSize implements spec.md §4.7's PositionSize formula exactly.
func (m *Manager) PositionSize(sym mtypes.SymbolInfo, entry, sl float64, riskPct float64) decimal.Decimal {
	if sym.Name == "" || entry == 0 {
		return decimal.Zero
	}
	if riskPct <= 0 {
		riskPct = m.cfg.RiskPct
	}

	m.mu.Lock()
	balance := m.state.Balance
	m.mu.Unlock()
	if balance.IsZero() {
		return decimal.Zero
	}

	riskAmount := balance.Mul(decimal.NewFromFloat(riskPct))
	point := sym.Point
	if point == 0 {
		return decimal.Zero
	}
	tickValue := sym.ContractSize.Mul(decimal.NewFromFloat(point))
	if tickValue.IsZero() {
		return decimal.Zero
	}
	slDist := entry - sl
	if slDist < 0 {
		slDist = -slDist
	}
	if slDist == 0 {
		return decimal.Zero
	}
	slPoints := decimal.NewFromFloat(slDist / point)

	lots := riskAmount.Div(slPoints.Mul(tickValue))
	lots = snapToStep(lots, sym.VolStep)

	maxLot := sym.MaxVol
	if !m.cfg.MaxLot.IsZero() && m.cfg.MaxLot.LessThan(maxLot) {
		maxLot = m.cfg.MaxLot
	}
	if lots.GreaterThan(maxLot) {
		lots = maxLot
	}
	if lots.LessThan(sym.MinVol) {
		lots = sym.MinVol
	}
	if lots.LessThan(m.cfg.DefaultLot) {
		lots = m.cfg.DefaultLot
	}
	return lots
}

func snapToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Round(0)
	return units.Mul(step)
}

// StopLoss implements the strategy.RiskCalculator deferral and spec.md
// §4.7's ATR-based SL, scaled per-strategy and per-symbol per
// dynamic_risk_calculator.py's multiplier table.
func (m *Manager) StopLoss(sym string, side mtypes.Side, entry float64, atr, atrMult float64) float64 {
	dist := atr * atrMult
	if atr == 0 || atrMult == 0 {
		dist = m.cfg.SLPips * pipSizeFor(sym)
	}
	if adj, ok := m.cfg.SymbolATRAdjust[sym]; ok {
		dist *= adj
	}
	if side == mtypes.Buy {
		return entry - dist
	}
	return entry + dist
}

// TakeProfit implements spec.md §4.7's TakeProfit formula.
func (m *Manager) TakeProfit(entry, sl, rr float64) float64 {
	if rr == 0 {
		rr = 1.5
	}
	dist := entry - sl
	if dist < 0 {
		dist = -dist
	}
	dist *= rr
	if sl < entry {
		return entry + dist
	}
	return entry - dist
}

// StopLossForStrategy resolves the (slMult, tpMult) pair for strategyName,
// falling back to a 1.5/2.0 default for unknown names.
func (m *Manager) StopLossForStrategy(strategyName string) (slMult, tpMult float64) {
	if p, ok := m.cfg.StrategyProfiles[strategyName]; ok {
		return p.SLMultiplier, p.TPMultiplier
	}
	return 1.5, 2.0
}

func pipSizeFor(sym string) float64 {
	if sym == "XAUUSD" {
		return 0.1
	}
	return 0.0001
}

// CanOpenPosition runs the ordered admission checks of spec.md §4.7 and
// §3's invariant list: open-positions-count, daily-loss-remaining,
// drawdown, estimated margin, spread. The correlation supplement widens
// the open-positions-count and symbol-exposure checks across a correlated
// group instead of evaluating symbols independently.
func (m *Manager) CanOpenPosition(sym mtypes.SymbolInfo, side mtypes.Side, lots decimal.Decimal, account mtypes.AccountInfo, now time.Time) Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.killedUntil.IsZero() && now.Before(m.killedUntil) {
		return m.deny("kill_switch_active")
	}

	if m.state.OpenPositions >= m.cfg.MaxOpenPositions {
		return m.deny("max_open_positions")
	}

	if group, ok := m.CorrelatedGroupFor(sym.Name); ok && m.cfg.MaxGroupExposure > 0 {
		groupCount := 0
		for _, s := range m.cfg.CorrelationGroups[group] {
			groupCount += m.symbolOpenCounts[s]
		}
		if groupCount >= m.cfg.MaxGroupExposure {
			return m.deny("correlated_group_exposure")
		}
	}

	if !m.state.Balance.IsZero() {
		maxLoss := m.state.Balance.Mul(decimal.NewFromFloat(m.cfg.MaxDailyLossPct))
		if m.state.DailyPnL.LessThanOrEqual(maxLoss.Neg()) {
			return m.deny("daily_loss_limit")
		}
	}

	if m.state.CurrentDrawdown() >= m.cfg.MaxDrawdownPct {
		return m.deny("max_drawdown")
	}

	estimatedMargin := m.estimateMargin(sym, lots, account.Leverage)
	if !account.FreeMargin.IsZero() && estimatedMargin.GreaterThan(account.FreeMargin.Mul(decimal.NewFromFloat(m.cfg.MaxMarginUsagePct))) {
		return m.deny("insufficient_margin")
	}

	if sym.SpreadPoints > m.cfg.MaxSpreadPoints {
		return m.deny("spread_too_wide")
	}

	return Admission{Allowed: true}
}

func (m *Manager) deny(reason string) Admission {
	a := Admission{Allowed: false, Reason: reason}
	m.violations = append(m.violations, a)
	if len(m.violations) > m.maxViolations {
		m.violations = m.violations[len(m.violations)-m.maxViolations:]
	}
	return a
}

func (m *Manager) estimateMargin(sym mtypes.SymbolInfo, lots decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		leverage = 1
	}
	notional := lots.Mul(sym.ContractSize).Mul(decimal.NewFromFloat((sym.CurrentBid + sym.CurrentAsk) / 2))
	return notional.Div(decimal.NewFromInt(int64(leverage)))
}

// CorrelatedGroupFor returns the correlation-group name symbol belongs to,
// if configured at/above CorrelationMinCoef, adapted from
// correlation_analyzer.py's banding.
func (m *Manager) CorrelatedGroupFor(symbol string) (string, bool) {
	for group, symbols := range m.cfg.CorrelationGroups {
		for _, s := range symbols {
			if s == symbol {
				return group, true
			}
		}
	}
	return "", false
}

// RegisterTradeResult implements spec.md §4.7's daily accumulator: resets on
// UTC rollover, adds pnl, arms the kill switch on excessive daily loss.
func (m *Manager) RegisterTradeResult(pnl decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := now.UTC().Truncate(24 * time.Hour)
	if m.state.DailyResetDate.IsZero() || m.state.DailyResetDate.Before(today) {
		m.state.DailyPnL = decimal.Zero
		m.state.DailyResetDate = today
	}
	m.state.DailyPnL = m.state.DailyPnL.Add(pnl)

	if !m.state.Balance.IsZero() {
		lossThreshold := m.state.Balance.Mul(decimal.NewFromFloat(m.cfg.KillSwitchLossPct))
		if m.state.DailyPnL.LessThanOrEqual(lossThreshold.Neg()) {
			m.killedUntil = now.Add(m.cfg.KillSwitchCooldown)
			m.logger.Error("kill switch activated", zap.String("dailyPnL", m.state.DailyPnL.String()))
		}
	}
}

// ManualKillSwitch lets an operator disable new admissions for duration.
func (m *Manager) ManualKillSwitch(duration time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killedUntil = now.Add(duration)
}

// DisableKillSwitch re-enables admissions immediately.
func (m *Manager) DisableKillSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killedUntil = time.Time{}
}

// IsKilled reports whether the kill switch currently blocks admissions.
func (m *Manager) IsKilled(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.killedUntil.IsZero() && now.Before(m.killedUntil)
}

// Violations returns up to limit of the most recent admission denials. The
// HTTP command surface does not serve this ledger.
func (m *Manager) Violations(limit int) []Admission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.violations) {
		limit = len(m.violations)
	}
	start := len(m.violations) - limit
	out := make([]Admission, limit)
	copy(out, m.violations[start:])
	return out
}

// TrailingStop implements spec.md §4.7: for BUY, new SL = price - dist only
// if it strictly improves the current SL. It additionally arms only once
// the candidate clears the entry price, so trailing never locks in a loss
// worse than breakeven before the position has cleared it.
func (m *Manager) TrailingStop(pos mtypes.Position, price float64, dist float64) *float64 {
	if dist == 0 {
		dist = m.cfg.BreakevenTrigPips * pipSizeFor(pos.Symbol)
	}
	if pos.Side == mtypes.Buy {
		candidate := price - dist
		if candidate > pos.SL && candidate >= pos.EntryPrice {
			return &candidate
		}
		return nil
	}
	candidate := price + dist
	if (candidate < pos.SL || pos.SL == 0) && candidate <= pos.EntryPrice {
		return &candidate
	}
	return nil
}

// ShouldMoveToBreakeven implements spec.md §4.7's break-even trigger.
func (m *Manager) ShouldMoveToBreakeven(pos mtypes.Position, price float64, pipSize, beTriggerPips float64) bool {
	if beTriggerPips == 0 {
		beTriggerPips = m.cfg.BreakevenTrigPips
	}
	if pipSize == 0 {
		pipSize = pipSizeFor(pos.Symbol)
	}
	var profitPips float64
	if pos.Side == mtypes.Buy {
		profitPips = (price - pos.EntryPrice) / pipSize
		return profitPips >= beTriggerPips && pos.SL < pos.EntryPrice
	}
	profitPips = (pos.EntryPrice - price) / pipSize
	return profitPips >= beTriggerPips && pos.SL > pos.EntryPrice
}
