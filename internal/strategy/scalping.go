package strategy

import (
	"sync"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// Scalping trades short-lived M5 setups with a mandatory H1 directional
// confirmation. Grounded on the teacher's momentum threshold gate
// (hard prerequisite before scoring), generalized into spec.md §4.5.5's
// spread/ATR prerequisites plus weighted MACD/BB/stochastic scoring. In
// StrictMode it additionally gates on the shared session-viability score
// Catamilho uses, rather than its own narrower spread/ATR/direction checks
// alone.
type Scalping struct {
	BaseStrategy
	MaxSpreadPips   float64
	MinATRPips      float64
	MaxATRPips      float64
	StrictMode      bool
	SessionMinScore float64
	SLPips          float64
	TPPips          float64

	// CurrentSpreadPips and CurrentMarketContext are refreshed by the caller
	// (execution tick) before each Analyze call, since spread is a live
	// broker quote and market context is resolved by the Market Context
	// Engine, neither of which fits the uniform Strategy.Analyze signature.
	CurrentSpreadPips    float64
	CurrentMarketContext mtypes.MarketContext

	mu                sync.Mutex
	consecutiveLosses int
}

func NewScalping(base BaseStrategy) *Scalping {
	return &Scalping{
		BaseStrategy: base, MaxSpreadPips: 2.0, MinATRPips: 2, MaxATRPips: 40,
		StrictMode: true, SessionMinScore: 60, SLPips: 8, TPPips: 12,
	}
}

// RegisterTradeClose feeds a closed trade's outcome into the loss-streak
// counter the shared session-viability score penalizes, mirroring
// Catamilho's own cooldown bookkeeping.
func (s *Scalping) RegisterTradeClose(profit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profit {
		s.consecutiveLosses = 0
		return
	}
	s.consecutiveLosses++
}

func (s *Scalping) Analyze(t Technicals, news *mtypes.NewsView) mtypes.Signal {
	m5 := t.frame(mtypes.M5)
	h1 := t.frame(mtypes.H1)
	if m5 == nil || h1 == nil {
		return hold(s.name, s.symbol, "missing_m5_h1_frame")
	}
	if s.CurrentSpreadPips > s.MaxSpreadPips {
		return hold(s.name, s.symbol, "spread_too_wide")
	}
	atrPips := m5.ATR / s.pipSize
	if atrPips < s.MinATRPips || atrPips > s.MaxATRPips {
		return hold(s.name, s.symbol, "atr_out_of_bounds")
	}
	h1Direction := h1.Verdict.Direction
	if s.StrictMode && h1Direction == mtypes.DirectionNeutral {
		return hold(s.name, s.symbol, "h1_direction_neutral")
	}
	if s.StrictMode {
		s.mu.Lock()
		losses := s.consecutiveLosses
		s.mu.Unlock()
		viability := SessionViabilityScore(SessionViabilityParams{
			MarketContext: s.CurrentMarketContext, SpreadPips: s.CurrentSpreadPips, MaxSpreadPips: s.MaxSpreadPips,
			ATRPips: atrPips, MinATRPips: s.MinATRPips, MaxATRPips: s.MaxATRPips,
			H1: h1, ConsecutiveLosses: losses,
		})
		if viability < s.SessionMinScore {
			return hold(s.name, s.symbol, "session_viability_too_low")
		}
	}

	bullConds := []condition{
		{1, m5.MACD.Histogram > 0 && m5.CurrentPrice < m5.Bollinger.Middle},
		{1, m5.Stochastic.K < 30 && m5.Stochastic.K > m5.Stochastic.D},
		{1, m5.VolumeRatio >= 1},
		{1, m5.EMA9 > m5.EMA21},
	}
	bearConds := []condition{
		{1, m5.MACD.Histogram < 0 && m5.CurrentPrice > m5.Bollinger.Middle},
		{1, m5.Stochastic.K > 70 && m5.Stochastic.K < m5.Stochastic.D},
		{1, m5.VolumeRatio >= 1},
		{1, m5.EMA9 < m5.EMA21},
	}

	bullConf := score(bullConds)
	bearConf := score(bearConds)

	if m15 := t.frame(mtypes.M15); m15 != nil {
		if m15.MACD.Histogram > 0 {
			bullConf += 0.10
		}
		if m15.MACD.Histogram < 0 {
			bearConf += 0.10
		}
	}

	// Only emits an action matching the H1 direction (hard prerequisite).
	if h1Direction == mtypes.DirectionBearish {
		bullConf = 0
	}
	if h1Direction == mtypes.DirectionBullish {
		bearConf = 0
	}

	var action mtypes.Action
	var confidence float64
	if bullConf >= bearConf && bullConf >= s.minConfidence {
		action, confidence = mtypes.ActionBuy, bullConf
	} else if bearConf > bullConf && bearConf >= s.minConfidence {
		action, confidence = mtypes.ActionSell, bearConf
	} else {
		return hold(s.name, s.symbol, "confidence_below_threshold")
	}

	side := mtypes.Buy
	if action == mtypes.ActionSell {
		side = mtypes.Sell
	}
	slPips := s.SLPips
	if v := m5.ATR / s.pipSize; v > slPips {
		slPips = v
	}
	tpPips := s.TPPips
	if v := 1.5 * (m5.ATR / s.pipSize); v > tpPips {
		tpPips = v
	}
	slDist := slPips * s.pipSize
	tpDist := tpPips * s.pipSize
	var sl, tp float64
	if side == mtypes.Buy {
		sl, tp = m5.CurrentPrice-slDist, m5.CurrentPrice+tpDist
	} else {
		sl, tp = m5.CurrentPrice+slDist, m5.CurrentPrice-tpDist
	}

	return mtypes.Signal{
		Strategy:    s.name,
		Symbol:      s.symbol,
		Action:      action,
		Confidence:  clamp01(confidence),
		Reason:      "scalping",
		Price:       m5.CurrentPrice,
		SL:          &sl,
		TP:          &tp,
		GeneratedAt: m5.ComputedAt,
	}
}
