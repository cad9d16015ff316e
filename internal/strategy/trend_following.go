package strategy

import (
	"math"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// TrendFollowing follows an established trend on H1, confirmed by ADX/DI,
// EMA stack alignment, MACD, and RSI momentum band, with multi-timeframe
// agreement bonuses. Grounded on the teacher's EMA-crossover
// TrendFollowingStrategy, generalized from a two-EMA cross into the full
// weighted-condition scoring of spec.md §4.5.1.
type TrendFollowing struct {
	BaseStrategy
	ADXThreshold  float64
	MinATRPips    float64
	MaxATRPips    float64
	EMASeparation float64 // minimum fractional separation between stacked EMAs
}

func NewTrendFollowing(base BaseStrategy) *TrendFollowing {
	return &TrendFollowing{BaseStrategy: base, ADXThreshold: 25, MinATRPips: 3, MaxATRPips: 80, EMASeparation: 0.0005}
}

func (s *TrendFollowing) Analyze(t Technicals, news *mtypes.NewsView) mtypes.Signal {
	h1 := t.frame(mtypes.H1)
	if h1 == nil {
		return hold(s.name, s.symbol, "missing_h1_frame")
	}

	atrPips := h1.ATR / s.pipSize
	if atrPips < s.MinATRPips || atrPips > s.MaxATRPips {
		return hold(s.name, s.symbol, "atr_out_of_bounds")
	}

	bullConf, bullSignals := s.evaluate(h1, true)
	bearConf, bearSignals := s.evaluate(h1, false)

	bullConf = s.applyMultiTF(t, h1, bullConf, true)
	bearConf = s.applyMultiTF(t, h1, bearConf, false)

	if h1.Divergence == mtypes.DivergenceRegularBear || h1.Divergence == mtypes.DivergenceHiddenBear {
		bullConf *= 0.7
	}
	if h1.Divergence == mtypes.DivergenceRegularBull || h1.Divergence == mtypes.DivergenceHiddenBull {
		bearConf *= 0.7
	}

	action, confidence, signals := mtypes.ActionHold, 0.0, []string(nil)
	if bullConf >= bearConf && bullConf >= s.minConfidence {
		action, confidence, signals = mtypes.ActionBuy, bullConf, bullSignals
	} else if bearConf > bullConf && bearConf >= s.minConfidence {
		action, confidence, signals = mtypes.ActionSell, bearConf, bearSignals
	} else {
		return hold(s.name, s.symbol, "no_clear_trend")
	}

	side := mtypes.Buy
	if action == mtypes.ActionSell {
		side = mtypes.Sell
	}
	sl, tp := s.deriveStops(side, h1.CurrentPrice, h1.ATR, 1.5, 2.0)

	return mtypes.Signal{
		Strategy:    s.name,
		Symbol:      s.symbol,
		Action:      action,
		Confidence:  clamp01(confidence),
		Reason:      "trend_following",
		Price:       h1.CurrentPrice,
		SL:          &sl,
		TP:          &tp,
		Details:     map[string]any{"signals": signals},
		GeneratedAt: h1.ComputedAt,
	}
}

func (s *TrendFollowing) evaluate(f *mtypes.IndicatorFrame, bullish bool) (float64, []string) {
	emaStack := f.EMA9 > f.EMA21 && f.EMA21 > f.EMA50 &&
		(f.EMA9-f.EMA21)/f.EMA21 > s.EMASeparation && (f.EMA21-f.EMA50)/f.EMA50 > s.EMASeparation
	priceAboveStack := f.CurrentPrice > f.EMA9 && f.CurrentPrice > f.EMA50
	diDominant := f.ADX.DIPlus > f.ADX.DIMinus
	macdBull := f.MACD.Line > f.MACD.Signal && f.MACD.Histogram > 0
	rsiBand := f.RSI > 40 && f.RSI < 70
	priceAbove200 := f.CurrentPrice > f.EMA200
	if !bullish {
		emaStack = f.EMA9 < f.EMA21 && f.EMA21 < f.EMA50 &&
			(f.EMA21-f.EMA9)/f.EMA21 > s.EMASeparation && (f.EMA50-f.EMA21)/f.EMA50 > s.EMASeparation
		priceAboveStack = f.CurrentPrice < f.EMA9 && f.CurrentPrice < f.EMA50
		diDominant = f.ADX.DIMinus > f.ADX.DIPlus
		macdBull = f.MACD.Line < f.MACD.Signal && f.MACD.Histogram < 0
		rsiBand = f.RSI > 30 && f.RSI < 60
		priceAbove200 = f.CurrentPrice < f.EMA200
	}

	conds := []condition{
		{1, f.ADX.ADX > s.ADXThreshold},
		{1, diDominant},
		{1, emaStack},
		{1, priceAboveStack},
		{1, macdBull},
		{1, rsiBand},
		{1, f.VolumeRatio >= 1},
		{1, priceAbove200},
	}
	names := []string{"adx", "di_dominant", "ema_stack", "price_vs_emas", "macd", "rsi_band", "volume", "price_vs_ema200"}
	var hit []string
	for i, c := range conds {
		if c.ok {
			hit = append(hit, names[i])
		}
	}
	return score(conds), hit
}

// applyMultiTF adds the H4/D1 agreement bonuses from spec.md §4.5.1.
func (s *TrendFollowing) applyMultiTF(t Technicals, h1 *mtypes.IndicatorFrame, conf float64, bullish bool) float64 {
	if conf == 0 {
		return 0
	}
	if h4 := t.frame(mtypes.H4); h4 != nil {
		h4Aligned := h4.EMA9 > h4.EMA21
		if !bullish {
			h4Aligned = h4.EMA9 < h4.EMA21
		}
		if h4Aligned {
			conf += 0.05
		}
	}
	if d1 := t.frame(mtypes.D1); d1 != nil {
		d1Bull := d1.Verdict.Direction == mtypes.DirectionBullish
		d1Bear := d1.Verdict.Direction == mtypes.DirectionBearish
		if (bullish && d1Bull) || (!bullish && d1Bear) {
			conf += 0.05
		}
	}
	return math.Min(conf, 1.0)
}
