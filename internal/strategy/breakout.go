package strategy

import (
	"math"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// Breakout trades range expansion on M30 (falling back to M15) confirmed by
// a Bollinger/Keltner squeeze release and volume. Grounded on the teacher's
// BreakoutStrategy (lookback high/low + volume confirmation), generalized
// into spec.md §4.5.3's weighted-condition scoring with a false-breakout
// retracement guard.
type Breakout struct {
	BaseStrategy
	VolumeMultiplier   float64
	ADXMin             float64
	RejectionThreshold float64
}

func NewBreakout(base BaseStrategy) *Breakout {
	return &Breakout{BaseStrategy: base, VolumeMultiplier: 1.5, ADXMin: 20, RejectionThreshold: 0.5}
}

func (s *Breakout) Analyze(t Technicals, news *mtypes.NewsView) mtypes.Signal {
	f := t.frame(mtypes.M30)
	primary := "M30"
	if f == nil {
		f = t.frame(mtypes.M15)
		primary = "M15"
	}
	if f == nil {
		return hold(s.name, s.symbol, "missing_m30_m15_frame")
	}

	body := math.Abs(f.CurrentPrice - f.PreviousClose)
	candleMomentum := 0.0
	if f.ATR > 0 {
		candleMomentum = body / f.ATR
	}
	squeezeRelease := (f.Bollinger.Upper-f.Bollinger.Lower) < (f.Keltner.Upper-f.Keltner.Lower)

	bullConds := []condition{
		{1, f.CurrentPrice > f.Bollinger.Upper},
		{2, f.CurrentPrice > f.Keltner.Upper},
		{1, f.VolumeRatio >= s.VolumeMultiplier},
		{1, f.ADX.ADX > s.ADXMin},
		{1, f.ADX.DIPlus > f.ADX.DIMinus},
		{1, f.MACD.Line > f.MACD.Signal},
		{1, f.RSI < 75 && f.RSI > 55},
		{1, candleMomentum > 0.5},
		{1, squeezeRelease},
	}
	bearConds := []condition{
		{1, f.CurrentPrice < f.Bollinger.Lower},
		{2, f.CurrentPrice < f.Keltner.Lower},
		{1, f.VolumeRatio >= s.VolumeMultiplier},
		{1, f.ADX.ADX > s.ADXMin},
		{1, f.ADX.DIMinus > f.ADX.DIPlus},
		{1, f.MACD.Line < f.MACD.Signal},
		{1, f.RSI > 25 && f.RSI < 45},
		{1, candleMomentum > 0.5},
		{1, squeezeRelease},
	}

	bullConf := score(bullConds)
	bearConf := score(bearConds)

	// False-breakout guard: penalize when price has already retraced back
	// toward/past the band by more than RejectionThreshold*ATR, regardless
	// of whether it's still technically outside the band.
	if f.ATR > 0 {
		bullRejection := (f.Bollinger.Upper - f.CurrentPrice) / f.ATR
		if bullRejection > s.RejectionThreshold {
			bullConf *= 0.7
		}
		bearRejection := (f.CurrentPrice - f.Bollinger.Lower) / f.ATR
		if bearRejection > s.RejectionThreshold {
			bearConf *= 0.7
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
	sl, tp := s.deriveStops(side, f.CurrentPrice, f.ATR, 1.5, 2.0)

	return mtypes.Signal{
		Strategy:    s.name,
		Symbol:      s.symbol,
		Action:      action,
		Confidence:  clamp01(confidence),
		Reason:      "breakout",
		Price:       f.CurrentPrice,
		SL:          &sl,
		TP:          &tp,
		Details:     map[string]any{"primary_tf": primary},
		GeneratedAt: f.ComputedAt,
	}
}
