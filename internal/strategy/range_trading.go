package strategy

import (
	"math"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// RangeTrading fades Bollinger extremes inside a confirmed non-trending
// market, gated by both the primary TF's ADX and the H1 trend-verdict
// strength so it never fights an established higher-timeframe trend. Grounded on the teacher's grid-level
// triggers (level-touch detection), replaced with spec.md §4.5.4's
// Bollinger/stochastic weighted scoring.
type RangeTrading struct {
	BaseStrategy
	ADXCeiling          float64
	H1StrengthCeiling   float64
}

func NewRangeTrading(base BaseStrategy) *RangeTrading {
	return &RangeTrading{BaseStrategy: base, ADXCeiling: 25, H1StrengthCeiling: 0.6}
}

func (s *RangeTrading) Analyze(t Technicals, news *mtypes.NewsView) mtypes.Signal {
	m5 := t.frame(mtypes.M5)
	if m5 == nil {
		return hold(s.name, s.symbol, "missing_m5_frame")
	}
	if m5.ADX.ADX >= s.ADXCeiling {
		return hold(s.name, s.symbol, "adx_too_strong_for_range")
	}
	if h1 := t.frame(mtypes.H1); h1 != nil && h1.Verdict.Strength >= s.H1StrengthCeiling {
		return hold(s.name, s.symbol, "h1_trend_too_strong")
	}

	bbWidth := m5.Bollinger.Upper - m5.Bollinger.Lower
	if bbWidth <= 0 {
		return hold(s.name, s.symbol, "invalid_bollinger_width")
	}
	distToLower := (m5.CurrentPrice - m5.Bollinger.Lower) / bbWidth
	distToUpper := (m5.Bollinger.Upper - m5.CurrentPrice) / bbWidth

	bullConds := []condition{
		{1, distToLower < 0.03},
		{1, m5.RSI > 35 && m5.RSI < 45},
		{1, m5.Stochastic.K < 25 && m5.Stochastic.K > m5.Stochastic.D},
		{1, m5.CurrentPrice < m5.Bollinger.Middle},
	}
	bearConds := []condition{
		{1, distToUpper < 0.03},
		{1, m5.RSI > 55 && m5.RSI < 65},
		{1, m5.Stochastic.K > 75 && m5.Stochastic.K < m5.Stochastic.D},
		{1, m5.CurrentPrice > m5.Bollinger.Middle},
	}

	bullConf := score(bullConds)
	bearConf := score(bearConds)

	if m15 := t.frame(mtypes.M15); m15 != nil {
		if m15.ADX.ADX < s.ADXCeiling {
			bullConf *= 1.0
			bearConf *= 1.0
		} else {
			bullConf *= 0.9
			bearConf *= 0.9
		}
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
	sl, tp := s.deriveStops(side, m5.CurrentPrice, m5.ATR, 1.0, 1.2)

	return mtypes.Signal{
		Strategy:    s.name,
		Symbol:      s.symbol,
		Action:      action,
		Confidence:  clamp01(confidence),
		Reason:      "range_trading",
		Price:       m5.CurrentPrice,
		SL:          &sl,
		TP:          &tp,
		GeneratedAt: m5.ComputedAt,
		Details:     map[string]any{"bb_width": math.Round(bbWidth*1e5) / 1e5},
	}
}
