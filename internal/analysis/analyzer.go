// Package analysis implements the Technical Analyzer: per-(symbol,
// timeframe) indicator computation with a short-lived cache, trend-verdict
// scoring, and multi-timeframe consensus.
//
// Cache shape is grounded on the teacher's internal/regime detector state
// map; cold-miss collapsing is done with singleflight per the redesign note
// on the indicator cache.
package analysis

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/urion-trading/engine/internal/indicators"
	"github.com/urion-trading/engine/pkg/mtypes"
)

// RatesFetcher is the subset of the Broker Gateway the analyzer needs.
type RatesFetcher interface {
	Rates(ctx context.Context, symbol string, tf mtypes.Timeframe, count int) ([]mtypes.Bar, error)
}

const (
	minBars    = 50
	defaultTTL = 30 * time.Second
)

type cacheEntry struct {
	frame     mtypes.IndicatorFrame
	expiresAt time.Time
}

// Analyzer is the Technical Analyzer. It owns the IndicatorFrame cache
// exclusively; no other package writes to it.
type Analyzer struct {
	logger  *zap.Logger
	broker  RatesFetcher
	ttl     time.Duration
	mu      sync.RWMutex
	cache   map[string]cacheEntry
	flight  singleflight.Group
}

// New creates a Technical Analyzer reading bars from broker.
func New(logger *zap.Logger, broker RatesFetcher) *Analyzer {
	return &Analyzer{
		logger: logger.Named("analyzer"),
		broker: broker,
		ttl:    defaultTTL,
		cache:  make(map[string]cacheEntry),
	}
}

func cacheKey(symbol string, tf mtypes.Timeframe, count int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, tf, count)
}

// Clear invalidates all cached frames.
func (a *Analyzer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[string]cacheEntry)
}

// Analyze fetches bars, computes the full indicator set, and returns the
// IndicatorFrame for (symbol, tf). Returns nil only when fewer than minBars
// bars are available. Concurrent callers racing on a cold key share one
// computation via singleflight.
func (a *Analyzer) Analyze(ctx context.Context, symbol string, tf mtypes.Timeframe, count int) (*mtypes.IndicatorFrame, error) {
	if count <= 0 {
		count = 500
	}
	key := cacheKey(symbol, tf, count)

	a.mu.RLock()
	if e, ok := a.cache[key]; ok && time.Now().Before(e.expiresAt) {
		a.mu.RUnlock()
		frame := e.frame
		return &frame, nil
	}
	a.mu.RUnlock()

	v, err, _ := a.flight.Do(key, func() (any, error) {
		bars, err := a.broker.Rates(ctx, symbol, tf, count)
		if err != nil {
			return nil, err
		}
		if len(bars) < minBars {
			return nil, nil
		}
		frame := computeFrame(symbol, tf, bars)
		a.mu.Lock()
		a.cache[key] = cacheEntry{frame: frame, expiresAt: time.Now().Add(a.ttl)}
		a.mu.Unlock()
		return frame, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	frame := v.(mtypes.IndicatorFrame)
	return &frame, nil
}

func computeFrame(symbol string, tf mtypes.Timeframe, bars []mtypes.Bar) mtypes.IndicatorFrame {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	ema9 := indicators.EMA(closes, 9)
	ema21 := indicators.EMA(closes, 21)
	ema50 := indicators.EMA(closes, 50)
	ema200 := indicators.EMA(closes, 200)
	rsi := indicators.RSI(closes, 14)
	macdLine, macdSignal, macdHist := indicators.MACD(closes, 12, 26, 9)
	bbUpper, bbMiddle, bbLower := indicators.Bollinger(closes, 20, 2)
	atr := indicators.ATR(bars, 14)
	adx := indicators.ADX(bars, 14)
	kUpper, kMiddle, kLower := indicators.Keltner(bars, 20, 10, 2)
	stochK, stochD := indicators.Stochastic(bars, 14, 3)

	last := len(bars) - 1
	lastADX := mtypes.ADX{}
	if len(adx) > 0 {
		r := adx[last]
		lastADX = mtypes.ADX{ADX: r.ADX, DIPlus: r.DIPlus, DIMinus: r.DIMinus}
		if lastADX.ADX == 0 {
			lastADX.ADX = 20 // neutral default per spec boundary behavior at exactly minBars
		}
	}

	frame := mtypes.IndicatorFrame{
		Symbol:        symbol,
		Timeframe:     tf,
		ComputedAt:    time.Now().UTC(),
		CurrentPrice:  bars[last].Close,
		PreviousClose: bars[max0(last-1)].Close,
		ATR:           indicators.LastValid(atr, 0),
		ADX:           lastADX,
		MACD: mtypes.MACD{
			Line:      indicators.LastValid(macdLine, 0),
			Signal:    indicators.LastValid(macdSignal, 0),
			Histogram: indicators.LastValid(macdHist, 0),
		},
		EMA9:   indicators.LastValid(ema9, bars[last].Close),
		EMA21:  indicators.LastValid(ema21, bars[last].Close),
		EMA50:  indicators.LastValid(ema50, bars[last].Close),
		EMA200: indicators.LastValid(ema200, bars[last].Close),
		RSI:    indicators.LastValid(rsi, neutralRSIValue),
		Bollinger: mtypes.Bollinger{
			Upper:  indicators.LastValid(bbUpper, bars[last].Close),
			Middle: indicators.LastValid(bbMiddle, bars[last].Close),
			Lower:  indicators.LastValid(bbLower, bars[last].Close),
		},
		Keltner: mtypes.Keltner{
			Upper:  indicators.LastValid(kUpper, bars[last].Close),
			Middle: indicators.LastValid(kMiddle, bars[last].Close),
			Lower:  indicators.LastValid(kLower, bars[last].Close),
		},
		Stochastic: mtypes.Stochastic{
			K: indicators.LastValid(stochK, 50),
			D: indicators.LastValid(stochD, 50),
		},
		VolumeRatio: indicators.VolumeRatio(bars, 20),
		Patterns:    indicators.DetectPatterns(bars),
		Divergence:  detectDivergence(closes, rsi),
		LowConfidence: len(bars) < minBars+20,
	}
	frame.Verdict = TrendVerdict(frame)
	return frame
}

const neutralRSIValue = 50.0

func max0(i int) int {
	if i < 0 {
		return 0
	}
	return i
}

// detectDivergence compares the last two swing points of price against RSI,
// adapted from the original system's divergence detector: a lower price low
// paired with a higher RSI low is a regular bullish divergence, and so on.
func detectDivergence(closes, rsi []float64) mtypes.DivergenceType {
	n := len(closes)
	if n < 10 {
		return mtypes.DivergenceNone
	}
	mid := n - 6
	aPriceLow, aIdx := minIn(closes[max0(mid-5):mid])
	bPriceLow, bIdx := minIn(closes[mid:n])
	_ = aIdx
	_ = bIdx
	aRSI := rsi[max0(mid-5)+indexOfMin(closes[max0(mid-5):mid])]
	bRSI := rsi[mid+indexOfMin(closes[mid:n])]
	if math.IsNaN(aRSI) || math.IsNaN(bRSI) {
		return mtypes.DivergenceNone
	}
	if bPriceLow < aPriceLow && bRSI > aRSI {
		return mtypes.DivergenceRegularBull
	}
	if bPriceLow > aPriceLow && bRSI < aRSI {
		return mtypes.DivergenceHiddenBull
	}

	aPriceHigh, _ := maxIn(closes[max0(mid-5):mid])
	bPriceHigh, _ := maxIn(closes[mid:n])
	aRSIHigh := rsi[max0(mid-5)+indexOfMax(closes[max0(mid-5):mid])]
	bRSIHigh := rsi[mid+indexOfMax(closes[mid:n])]
	if !math.IsNaN(aRSIHigh) && !math.IsNaN(bRSIHigh) {
		if bPriceHigh > aPriceHigh && bRSIHigh < aRSIHigh {
			return mtypes.DivergenceRegularBear
		}
		if bPriceHigh < aPriceHigh && bRSIHigh > aRSIHigh {
			return mtypes.DivergenceHiddenBear
		}
	}
	return mtypes.DivergenceNone
}

func minIn(xs []float64) (float64, int) {
	if len(xs) == 0 {
		return 0, 0
	}
	m, idx := xs[0], 0
	for i, v := range xs {
		if v < m {
			m, idx = v, i
		}
	}
	return m, idx
}

func maxIn(xs []float64) (float64, int) {
	if len(xs) == 0 {
		return 0, 0
	}
	m, idx := xs[0], 0
	for i, v := range xs {
		if v > m {
			m, idx = v, i
		}
	}
	return m, idx
}

func indexOfMin(xs []float64) int { _, i := minIn(xs); return i }
func indexOfMax(xs []float64) int { _, i := maxIn(xs); return i }

// AnalyzeMulti runs Analyze across tfs and folds the per-TF verdicts into a
// majority-vote consensus, weighted equally across timeframes.
func (a *Analyzer) AnalyzeMulti(ctx context.Context, symbol string, tfs []mtypes.Timeframe) (map[mtypes.Timeframe]*mtypes.IndicatorFrame, mtypes.Consensus) {
	frames := make(map[mtypes.Timeframe]*mtypes.IndicatorFrame, len(tfs))
	counts := map[mtypes.Direction]int{}
	var strengthSum float64
	var voted int

	for _, tf := range tfs {
		frame, err := a.Analyze(ctx, symbol, tf, 500)
		if err != nil {
			a.logger.Debug("analyze failed", zap.String("symbol", symbol), zap.String("tf", string(tf)), zap.Error(err))
			continue
		}
		if frame == nil {
			continue
		}
		frames[tf] = frame
		counts[frame.Verdict.Direction]++
		strengthSum += frame.Verdict.Strength
		voted++
	}

	consensus := mtypes.Consensus{Direction: mtypes.DirectionNeutral, Counts: counts}
	if voted == 0 {
		return frames, consensus
	}
	best := mtypes.DirectionNeutral
	bestCount := -1
	for d, c := range counts {
		if c > bestCount {
			best, bestCount = d, c
		}
	}
	consensus.Direction = best
	consensus.Strength = strengthSum / float64(voted)
	consensus.Agreement = float64(bestCount) / float64(voted)
	return frames, consensus
}
