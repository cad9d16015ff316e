package strategy

import (
	"math"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// MeanReversion trades Bollinger/stochastic extremes on M5 when no strong
// trend is present, confirmed by candle patterns and an M15 RSI-extreme
// multiplier. Grounded on the teacher's MeanReversionStrategy (Bollinger
// band math), generalized into spec.md §4.5.2's weighted-condition scoring.
type MeanReversion struct {
	BaseStrategy
	ADXCeiling float64
}

func NewMeanReversion(base BaseStrategy) *MeanReversion {
	return &MeanReversion{BaseStrategy: base, ADXCeiling: 25}
}

func (s *MeanReversion) Analyze(t Technicals, news *mtypes.NewsView) mtypes.Signal {
	m5 := t.frame(mtypes.M5)
	if m5 == nil {
		return hold(s.name, s.symbol, "missing_m5_frame")
	}

	bbWidth := m5.Bollinger.Upper - m5.Bollinger.Lower
	if bbWidth <= 0 {
		return hold(s.name, s.symbol, "invalid_bollinger_width")
	}
	distFromMiddle := math.Abs(m5.CurrentPrice-m5.Bollinger.Middle) / m5.Bollinger.Middle

	bullConds := []condition{
		{1, m5.RSI < 30},
		{1, m5.CurrentPrice < m5.Bollinger.Lower},
		{1, m5.ADX.ADX < s.ADXCeiling},
		{1, m5.Stochastic.K < 20 && m5.Stochastic.K > m5.Stochastic.D},
		{1, m5.Patterns.Hammer || m5.Patterns.EngulfingBull || m5.Patterns.MorningStar},
		{1, distFromMiddle > 0.005},
	}
	bearConds := []condition{
		{1, m5.RSI > 70},
		{1, m5.CurrentPrice > m5.Bollinger.Upper},
		{1, m5.ADX.ADX < s.ADXCeiling},
		{1, m5.Stochastic.K > 80 && m5.Stochastic.K < m5.Stochastic.D},
		{1, m5.Patterns.ShootingStar || m5.Patterns.EngulfingBear || m5.Patterns.EveningStar},
		{1, distFromMiddle > 0.005},
	}

	bullConf := score(bullConds)
	bearConf := score(bearConds)

	if m15 := t.frame(mtypes.M15); m15 != nil {
		if m15.RSI < 30 {
			bullConf *= 1.15
		} else {
			bullConf *= 0.9
		}
		if m15.RSI > 70 {
			bearConf *= 1.15
		} else {
			bearConf *= 0.9
		}
	}

	// Divergence confluence: a bullish divergence at an oversold extreme
	// confirms the expected reversal, and vice versa for bearish.
	if m5.Divergence == mtypes.DivergenceRegularBull || m5.Divergence == mtypes.DivergenceHiddenBull {
		bullConf *= 1.15
	}
	if m5.Divergence == mtypes.DivergenceRegularBear || m5.Divergence == mtypes.DivergenceHiddenBear {
		bearConf *= 1.15
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
	sl, tp := s.deriveStops(side, m5.CurrentPrice, m5.ATR, 1.0, 1.5)

	return mtypes.Signal{
		Strategy:    s.name,
		Symbol:      s.symbol,
		Action:      action,
		Confidence:  clamp01(confidence),
		Reason:      "mean_reversion",
		Price:       m5.CurrentPrice,
		SL:          &sl,
		TP:          &tp,
		GeneratedAt: m5.ComputedAt,
	}
}
