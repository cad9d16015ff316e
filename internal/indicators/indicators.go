// Package indicators implements pure numeric functions over OHLCV bars.
// Every function operates on float64 slices only; no package in this
// module carries decimal.Decimal indicator math.
package indicators

import (
	"math"

	"github.com/urion-trading/engine/pkg/mtypes"
)

const (
	neutralRSI = 50.0
	neutralADX = 0.0
)

// closes extracts the close price series from bars.
func closes(bars []mtypes.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA computes the simple moving average over period. Output length equals
// input length; the first period-1 entries are unspecified (returned as NaN)
// and must not be consumed by callers.
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i < period-1 {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA computes the exponential moving average with smoothing 2/(period+1).
// Seeded with the SMA of the first `period` values.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	k := 2.0 / float64(period+1)
	var seedSum float64
	for i, v := range values {
		if i < period-1 {
			out[i] = math.NaN()
			seedSum += v
			continue
		}
		if i == period-1 {
			seedSum += v
			out[i] = seedSum / float64(period)
			continue
		}
		out[i] = (v-out[i-1])*k + out[i-1]
	}
	if len(values) < period {
		for i := range out {
			out[i] = math.NaN()
		}
	}
	return out
}

// LastValid returns the last non-NaN value in series, or the neutral value
// if the whole series is NaN (insufficient history).
func LastValid(series []float64, neutral float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return neutral
}

// RSI computes the Wilder-smoothed relative strength index over period.
// Undefined (neutral 50) for series shorter than period+1.
func RSI(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(values) < period+1 {
		return out
	}
	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return neutralRSI
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACD computes the 12/26/9 moving-average-convergence-divergence, returning
// aligned line/signal/histogram series.
func MACD(values []float64, fast, slow, signalPeriod int) (line, signal, hist []float64) {
	emaFast := EMA(values, fast)
	emaSlow := EMA(values, slow)
	line = make([]float64, len(values))
	for i := range values {
		if math.IsNaN(emaFast[i]) || math.IsNaN(emaSlow[i]) {
			line[i] = math.NaN()
		} else {
			line[i] = emaFast[i] - emaSlow[i]
		}
	}
	// Signal is an EMA of the MACD line, computed over its valid suffix only.
	firstValid := 0
	for firstValid < len(line) && math.IsNaN(line[firstValid]) {
		firstValid++
	}
	signal = make([]float64, len(values))
	for i := range signal {
		signal[i] = math.NaN()
	}
	if firstValid < len(line) {
		sub := EMA(line[firstValid:], signalPeriod)
		copy(signal[firstValid:], sub)
	}
	hist = make([]float64, len(values))
	for i := range values {
		if math.IsNaN(line[i]) || math.IsNaN(signal[i]) {
			hist[i] = math.NaN()
		} else {
			hist[i] = line[i] - signal[i]
		}
	}
	return
}

// Bollinger computes SMA(period) midline with a stdDev*sigma envelope.
func Bollinger(values []float64, period int, sigma float64) (upper, middle, lower []float64) {
	middle = SMA(values, period)
	upper = make([]float64, len(values))
	lower = make([]float64, len(values))
	for i := range values {
		if i < period-1 {
			upper[i], lower[i] = math.NaN(), math.NaN()
			continue
		}
		window := values[i-period+1 : i+1]
		sd := stdDev(window, middle[i])
		upper[i] = middle[i] + sigma*sd
		lower[i] = middle[i] - sigma*sd
	}
	return
}

func stdDev(window []float64, mean float64) float64 {
	var sumSq float64
	for _, v := range window {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(window)))
}

func trueRange(cur, prev mtypes.Bar) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// ATR computes the Wilder-smoothed true range average over period.
func ATR(bars []mtypes.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(bars) < period+1 {
		return out
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(bars[i], bars[i-1])
	}
	avg := sum / float64(period)
	out[period] = avg
	for i := period + 1; i < len(bars); i++ {
		tr := trueRange(bars[i], bars[i-1])
		avg = (avg*float64(period-1) + tr) / float64(period)
		out[i] = avg
	}
	return out
}

// ADXResult holds a single bar's ADX/DI+/DI- reading.
type ADXResult struct {
	ADX, DIPlus, DIMinus float64
}

// ADX computes the Wilder-smoothed average directional index, DI+ and DI-.
func ADX(bars []mtypes.Bar, period int) []ADXResult {
	out := make([]ADXResult, len(bars))
	if len(bars) < 2*period+1 {
		return out
	}
	plusDM := make([]float64, len(bars))
	minusDM := make([]float64, len(bars))
	tr := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		upMove := bars[i].High - bars[i-1].High
		downMove := bars[i-1].Low - bars[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr[i] = trueRange(bars[i], bars[i-1])
	}

	var trSum, plusSum, minusSum float64
	for i := 1; i <= period; i++ {
		trSum += tr[i]
		plusSum += plusDM[i]
		minusSum += minusDM[i]
	}

	var dxSeries []float64
	smoothTR, smoothPlus, smoothMinus := trSum, plusSum, minusSum
	for i := period + 1; i < len(bars); i++ {
		smoothTR = smoothTR - smoothTR/float64(period) + tr[i]
		smoothPlus = smoothPlus - smoothPlus/float64(period) + plusDM[i]
		smoothMinus = smoothMinus - smoothMinus/float64(period) + minusDM[i]

		diPlus, diMinus := 0.0, 0.0
		if smoothTR != 0 {
			diPlus = 100 * smoothPlus / smoothTR
			diMinus = 100 * smoothMinus / smoothTR
		}
		dx := 0.0
		if diPlus+diMinus != 0 {
			dx = 100 * math.Abs(diPlus-diMinus) / (diPlus + diMinus)
		}
		dxSeries = append(dxSeries, dx)
		out[i] = ADXResult{DIPlus: diPlus, DIMinus: diMinus}

		idx := len(dxSeries)
		if idx == period {
			var s float64
			for _, d := range dxSeries {
				s += d
			}
			out[i].ADX = s / float64(period)
		} else if idx > period {
			prevADX := out[i-1].ADX
			out[i].ADX = (prevADX*float64(period-1) + dx) / float64(period)
		}
	}
	return out
}

// Stochastic computes %K (period) and %D as a proper 3-period SMA of %K.
func Stochastic(bars []mtypes.Bar, period, dPeriod int) (k, d []float64) {
	k = make([]float64, len(bars))
	for i := range k {
		if i < period-1 {
			k[i] = math.NaN()
			continue
		}
		window := bars[i-period+1 : i+1]
		hi, lo := window[0].High, window[0].Low
		for _, b := range window {
			if b.High > hi {
				hi = b.High
			}
			if b.Low < lo {
				lo = b.Low
			}
		}
		if hi == lo {
			k[i] = 50
		} else {
			k[i] = 100 * (bars[i].Close - lo) / (hi - lo)
		}
	}
	d = make([]float64, len(bars))
	for i := range d {
		d[i] = math.NaN()
	}
	if period >= 1 && len(k) >= period {
		copy(d[period-1:], SMA(k[period-1:], dPeriod))
	}
	return
}

// Keltner computes an EMA midline with an ATR(period)*mult envelope.
func Keltner(bars []mtypes.Bar, emaPeriod, atrPeriod int, mult float64) (upper, middle, lower []float64) {
	middle = EMA(closes(bars), emaPeriod)
	atr := ATR(bars, atrPeriod)
	upper = make([]float64, len(bars))
	lower = make([]float64, len(bars))
	for i := range bars {
		if math.IsNaN(middle[i]) || math.IsNaN(atr[i]) {
			upper[i], lower[i] = math.NaN(), math.NaN()
			continue
		}
		upper[i] = middle[i] + mult*atr[i]
		lower[i] = middle[i] - mult*atr[i]
	}
	return
}

// Donchian computes the rolling max(high)/min(low) over period.
func Donchian(bars []mtypes.Bar, period int) (upper, lower []float64) {
	upper = make([]float64, len(bars))
	lower = make([]float64, len(bars))
	for i := range bars {
		if i < period-1 {
			upper[i], lower[i] = math.NaN(), math.NaN()
			continue
		}
		hi, lo := bars[i-period+1].High, bars[i-period+1].Low
		for j := i - period + 1; j <= i; j++ {
			if bars[j].High > hi {
				hi = bars[j].High
			}
			if bars[j].Low < lo {
				lo = bars[j].Low
			}
		}
		upper[i] = hi
		lower[i] = lo
	}
	return
}

func body(b mtypes.Bar) float64      { return math.Abs(b.Close - b.Open) }
func upperWick(b mtypes.Bar) float64 { return b.High - math.Max(b.Open, b.Close) }
func lowerWick(b mtypes.Bar) float64 { return math.Min(b.Open, b.Close) - b.Low }
func rangeOf(b mtypes.Bar) float64 {
	r := b.High - b.Low
	if r == 0 {
		return 1e-9
	}
	return r
}

// DetectPatterns derives the candle-pattern boolean flags on the last bar of
// bars, from relative body/shadow proportions. Requires at least 3 bars for
// the 3-candle patterns; fewer bars degrade those flags to false.
func DetectPatterns(bars []mtypes.Bar) mtypes.Patterns {
	var p mtypes.Patterns
	if len(bars) == 0 {
		return p
	}
	last := bars[len(bars)-1]
	r := rangeOf(last)
	b := body(last)
	uw := upperWick(last)
	lw := lowerWick(last)
	bullish := last.Close > last.Open

	p.Doji = b/r < 0.1
	p.Hammer = lw >= 2*b && uw <= 0.3*b && b/r < 0.35
	p.InvertedHammer = uw >= 2*b && lw <= 0.3*b && b/r < 0.35
	p.ShootingStar = uw >= 2*b && lw <= 0.3*b && b/r < 0.35 && !bullish
	p.PinBarBull = lw >= 2*b && lw/r > 0.55
	p.PinBarBear = uw >= 2*b && uw/r > 0.55

	if len(bars) >= 2 {
		prev := bars[len(bars)-2]
		prevBullish := prev.Close > prev.Open
		prevBody := body(prev)
		p.EngulfingBull = !prevBullish && bullish && last.Open <= prev.Close && last.Close >= prev.Open && b > prevBody
		p.EngulfingBear = prevBullish && !bullish && last.Open >= prev.Close && last.Close <= prev.Open && b > prevBody
	}

	if len(bars) >= 3 {
		first := bars[len(bars)-3]
		mid := bars[len(bars)-2]
		firstBearish := first.Close < first.Open
		midSmallBody := body(mid)/rangeOf(mid) < 0.35
		firstBullish := first.Close > first.Open
		p.MorningStar = firstBearish && midSmallBody && bullish && last.Close > (first.Open+first.Close)/2
		p.EveningStar = firstBullish && midSmallBody && !bullish && last.Close < (first.Open+first.Close)/2
	}
	return p
}

// VolumeRatio is the last bar's volume divided by the average of the
// preceding lookback bars (excluding the last bar itself).
func VolumeRatio(bars []mtypes.Bar, lookback int) float64 {
	if len(bars) < 2 {
		return 1.0
	}
	n := lookback
	if n > len(bars)-1 {
		n = len(bars) - 1
	}
	if n <= 0 {
		return 1.0
	}
	start := len(bars) - 1 - n
	var sum float64
	for i := start; i < len(bars)-1; i++ {
		sum += bars[i].Volume
	}
	avg := sum / float64(n)
	if avg == 0 {
		return 1.0
	}
	return bars[len(bars)-1].Volume / avg
}
