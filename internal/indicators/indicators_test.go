package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/urion-trading/engine/pkg/mtypes"
)

func makeBars(closes []float64) []mtypes.Bar {
	bars := make([]mtypes.Bar, len(closes))
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := closes[0]
	for i, c := range closes {
		hi := math.Max(prev, c) + 0.5
		lo := math.Min(prev, c) - 0.5
		bars[i] = mtypes.Bar{Time: t.Add(time.Duration(i) * time.Hour), Open: prev, High: hi, Low: lo, Close: c, Volume: 100}
		prev = c
	}
	return bars
}

func TestBarValidInvariant(t *testing.T) {
	bars := makeBars([]float64{1, 2, 3, 2, 1})
	for _, b := range bars {
		if !b.Valid() {
			t.Fatalf("bar failed OHLC invariant: %+v", b)
		}
	}
}

func TestSMABasic(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	out := SMA(values, 3)
	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Fatalf("expected NaN for insufficient history, got %v", out[:2])
	}
	if got := out[2]; math.Abs(got-2.0) > 1e-9 {
		t.Errorf("SMA[2] = %v, want 2.0", got)
	}
	if got := out[4]; math.Abs(got-4.0) > 1e-9 {
		t.Errorf("SMA[4] = %v, want 4.0", got)
	}
}

func TestRSINeutralOnInsufficientHistory(t *testing.T) {
	values := []float64{1, 2, 3}
	out := RSI(values, 14)
	got := LastValid(out, neutralRSI)
	if got != neutralRSI {
		t.Errorf("RSI with insufficient history = %v, want neutral %v", got, neutralRSI)
	}
}

func TestRSIBounds(t *testing.T) {
	values := make([]float64, 0, 30)
	p := 100.0
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			p += 1
		} else {
			p -= 0.3
		}
		values = append(values, p)
	}
	out := RSI(values, 14)
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		if v < 0 || v > 100 {
			t.Errorf("RSI[%d] = %v out of [0,100]", i, v)
		}
	}
}

func TestStochasticBounds(t *testing.T) {
	bars := makeBars([]float64{1, 3, 2, 5, 4, 6, 3, 8, 2, 9, 1, 10, 5, 7, 6})
	k, d := Stochastic(bars, 5, 3)
	for i := range k {
		if math.IsNaN(k[i]) {
			continue
		}
		if k[i] < 0 || k[i] > 100 {
			t.Errorf("%%K[%d] = %v out of [0,100]", i, k[i])
		}
	}
	// %D must be a real 3-period smoothing of %K, not an alias of %K.
	allEqual := true
	for i := range k {
		if math.IsNaN(k[i]) || math.IsNaN(d[i]) {
			continue
		}
		if k[i] != d[i] {
			allEqual = false
		}
	}
	if allEqual {
		t.Error("%D appears to be a bare copy of %K, expected a smoothed series")
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	bars := makeBars([]float64{100, 101, 99, 102, 98, 103, 97, 104, 96, 105, 95, 106, 94, 107, 93})
	out := ATR(bars, 14)
	last := LastValid(out, 0)
	if last <= 0 {
		t.Errorf("ATR should be positive given nonzero true range, got %v", last)
	}
}

func TestADXWithinBounds(t *testing.T) {
	closesSeries := make([]float64, 0, 60)
	p := 100.0
	for i := 0; i < 60; i++ {
		p += 0.5
		closesSeries = append(closesSeries, p)
	}
	bars := makeBars(closesSeries)
	out := ADX(bars, 14)
	last := out[len(out)-1]
	if last.ADX < 0 || last.ADX > 100 {
		t.Errorf("ADX out of bounds: %v", last.ADX)
	}
	if last.DIPlus+last.DIMinus <= 0 {
		t.Errorf("DI+ + DI- should be > 0 on a trending series, got +%v -%v", last.DIPlus, last.DIMinus)
	}
}

func TestDetectPatternsDoji(t *testing.T) {
	bars := []mtypes.Bar{
		{Open: 100, High: 101, Low: 99, Close: 100.02},
	}
	p := DetectPatterns(bars)
	if !p.Doji {
		t.Error("expected Doji flag for near-equal open/close with wide range")
	}
}

func TestMACDHistogramSign(t *testing.T) {
	values := make([]float64, 0, 50)
	p := 100.0
	for i := 0; i < 50; i++ {
		p += 0.3
		values = append(values, p)
	}
	line, signal, hist := MACD(values, 12, 26, 9)
	l := LastValid(line, 0)
	s := LastValid(signal, 0)
	h := LastValid(hist, 0)
	if math.Abs((l-s)-h) > 1e-9 {
		t.Errorf("histogram should equal line-signal: line=%v signal=%v hist=%v", l, s, h)
	}
}
