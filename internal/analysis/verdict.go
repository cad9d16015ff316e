package analysis

import "github.com/urion-trading/engine/pkg/mtypes"

// signalWeight pairs a named boolean condition with its vote weight, matching
// the weighted-condition scoring style used throughout the strategy set.
type signalWeight struct {
	name   string
	bull   bool
	bear   bool
	weight float64
}

// TrendVerdict computes the weighted-vote trend read for one IndicatorFrame,
// per the algorithm in the Technical Analyzer's TrendVerdict contract: EMA
// stack, RSI zones, MACD cross, ADX-gated DI dominance, and price vs
// Bollinger bands.
func TrendVerdict(f mtypes.IndicatorFrame) mtypes.TrendVerdict {
	conds := []signalWeight{
		{"ema9_gt_ema21", f.EMA9 > f.EMA21, f.EMA9 < f.EMA21, 1},
		{"ema21_gt_ema50", f.EMA21 > f.EMA50, f.EMA21 < f.EMA50, 1},
		{"rsi_zone", f.RSI < 30, f.RSI > 70, 1},
		{"macd_cross", f.MACD.Line > f.MACD.Signal, f.MACD.Line < f.MACD.Signal, 1},
		{"adx_di", f.ADX.ADX > 25 && f.ADX.DIPlus > f.ADX.DIMinus, f.ADX.ADX > 25 && f.ADX.DIMinus > f.ADX.DIPlus, 1},
		{"price_vs_bb", f.CurrentPrice > f.Bollinger.Middle, f.CurrentPrice < f.Bollinger.Middle, 1},
	}

	var bullWeight, bearWeight, totalWeight float64
	var signals []string
	for _, c := range conds {
		totalWeight += c.weight
		switch {
		case c.bull:
			bullWeight += c.weight
			signals = append(signals, "bull:"+c.name)
		case c.bear:
			bearWeight += c.weight
			signals = append(signals, "bear:"+c.name)
		}
	}

	voted := bullWeight + bearWeight
	direction := mtypes.DirectionNeutral
	ratio := 0.0
	if voted > 0 {
		if bullWeight >= bearWeight {
			ratio = bullWeight / voted
		} else {
			ratio = bearWeight / voted
		}
		if ratio >= 0.6 {
			if bullWeight > bearWeight {
				direction = mtypes.DirectionBullish
			} else if bearWeight > bullWeight {
				direction = mtypes.DirectionBearish
			}
		}
	}

	strength := ratio
	if f.ADX.ADX > 25 {
		strength = f.ADX.ADX / 100
	}

	return mtypes.TrendVerdict{
		Direction: direction,
		Strength:  clamp01(strength),
		Agreement: clamp01(voted / totalWeight),
		Signals:   signals,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
