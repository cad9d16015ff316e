// Package context implements the Market Context Engine: it folds D1/H4/H1
// TrendVerdicts into a macro direction, regime classification, allowed
// trade directions and risk multiplier, cached per symbol on a 5-minute TTL.
//
// Regime/session shape is grounded on the teacher's internal/regime package
// precedent and on the original system's trading_session_manager.py.
package context

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/urion-trading/engine/pkg/mtypes"
)

const defaultTTL = 5 * time.Minute

type cacheEntry struct {
	ctx       mtypes.MarketContext
	expiresAt time.Time
}

// Config carries the regime-classification thresholds spec.md §6 lists
// under the `marketContext.*` config key (adxStrong, adxTrend, atrHigh,
// atrLow) so an operator can retune regime boundaries without a rebuild.
type Config struct {
	ADXStrong         float64 // ADX at/above this is RegimeTrendingStrong
	ADXTrend          float64 // ADX at/above this (below ADXStrong) is RegimeTrendingWeak
	ATRHighMultiplier float64 // ATR above avgATR*this is RegimeHighVolatility
	ATRLowMultiplier  float64 // ATR below avgATR*this is RegimeLowVolatility
}

func DefaultConfig() Config {
	return Config{ADXStrong: 35, ADXTrend: 25, ATRHighMultiplier: 2.0, ATRLowMultiplier: 0.5}
}

// Engine is the Market Context Engine. It reads only from the Technical
// Analyzer; it mutates nothing shared.
type Engine struct {
	logger *zap.Logger
	ttl    time.Duration
	cfg    Config
	mu     sync.Mutex
	cache  map[string]cacheEntry
	now    func() time.Time
}

// New creates a Market Context Engine.
func New(logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		logger: logger.Named("market-context"),
		ttl:    defaultTTL,
		cfg:    cfg,
		cache:  make(map[string]cacheEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the cached MarketContext for symbol if fresh, or computes
// a new one from the supplied D1/H4/H1 frames (H1 is required; D1/H4 are
// optional subsets per the spec's "any subset" contract). force bypasses the
// cache.
func (e *Engine) Resolve(symbol string, frames map[mtypes.Timeframe]*mtypes.IndicatorFrame, avgATRH4 float64, bbWidthPercentile20 float64, force bool) mtypes.MarketContext {
	e.mu.Lock()
	if !force {
		if entry, ok := e.cache[symbol]; ok && e.now().Before(entry.expiresAt) {
			e.mu.Unlock()
			return entry.ctx
		}
	}
	e.mu.Unlock()

	ctx := e.compute(symbol, frames, avgATRH4, bbWidthPercentile20)

	e.mu.Lock()
	e.cache[symbol] = cacheEntry{ctx: ctx, expiresAt: e.now().Add(e.ttl)}
	e.mu.Unlock()
	return ctx
}

// ClearCache drops the cached context for symbol (or all symbols if empty).
func (e *Engine) ClearCache(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if symbol == "" {
		e.cache = make(map[string]cacheEntry)
		return
	}
	delete(e.cache, symbol)
}

func (e *Engine) compute(symbol string, frames map[mtypes.Timeframe]*mtypes.IndicatorFrame, avgATRH4, bbWidthPercentile20 float64) mtypes.MarketContext {
	h1 := frames[mtypes.H1]
	h4 := frames[mtypes.H4]
	d1 := frames[mtypes.D1]

	d1Dir := neutralMacro()
	h4Dir := neutralMacro()
	if d1 != nil {
		d1Dir = tfDirection(*d1)
	}
	if h4 != nil {
		h4Dir = tfDirection(*h4)
	}

	macro := combineMacro(d1Dir, h4Dir)

	shortTerm := neutralMacro()
	if h1 != nil {
		shortTerm = tfDirection(*h1)
	}

	regimeFrame := h4
	if regimeFrame == nil {
		regimeFrame = h1
	}
	regime, regimeStrength := classifyRegime(regimeFrame, avgATRH4, bbWidthPercentile20, e.cfg)

	session, quality := currentSession(e.now())

	ctx := mtypes.MarketContext{
		Symbol:                symbol,
		ComputedAt:            e.now(),
		MacroDirection:        macro,
		ShortTermDirection:    shortTerm,
		Regime:                regime,
		RegimeStrength:        regimeStrength,
		RecommendedStrategies: recommendedStrategies(regime),
		RiskMultiplier:        riskMultiplierFor(regime) * sessionRiskFactor(quality),
		MaxPositions:          maxPositionsFor(regime),
		Session:               session,
		SessionQuality:        quality,
	}
	ctx.AllowedDirections = allowedDirections(macro, shortTerm, regime)
	return ctx
}

func neutralMacro() mtypes.MacroDirection { return mtypes.Neutral }

// tfDirection maps one IndicatorFrame to the 7-level macro enum via a
// weighted score: ADX+DI (3), EMA alignment (2), RSI lean (1), MACD
// histogram sign/magnitude (2), price vs EMA200 (2).
func tfDirection(f mtypes.IndicatorFrame) mtypes.MacroDirection {
	var score float64

	if f.ADX.ADX > 20 {
		if f.ADX.DIPlus > f.ADX.DIMinus {
			score += 3
		} else if f.ADX.DIMinus > f.ADX.DIPlus {
			score -= 3
		}
	}

	if f.EMA9 > f.EMA21 && f.EMA21 > f.EMA50 {
		score += 2
	} else if f.EMA9 < f.EMA21 && f.EMA21 < f.EMA50 {
		score -= 2
	}

	if f.RSI > 55 {
		score += 1
	} else if f.RSI < 45 {
		score -= 1
	}

	if f.MACD.Histogram > 0 {
		mag := math.Min(math.Abs(f.MACD.Histogram)*10, 2)
		score += mag
	} else if f.MACD.Histogram < 0 {
		mag := math.Min(math.Abs(f.MACD.Histogram)*10, 2)
		score -= mag
	}

	if f.CurrentPrice > f.EMA200 {
		score += 2
	} else if f.CurrentPrice < f.EMA200 {
		score -= 2
	}

	return scoreToDirection(score)
}

func scoreToDirection(score float64) mtypes.MacroDirection {
	abs := math.Abs(score)
	switch {
	case abs >= 8:
		if score > 0 {
			return mtypes.StrongBull
		}
		return mtypes.StrongBear
	case abs >= 5:
		if score > 0 {
			return mtypes.Bull
		}
		return mtypes.Bear
	case abs >= 2:
		if score > 0 {
			return mtypes.WeakBull
		}
		return mtypes.WeakBear
	default:
		return mtypes.Neutral
	}
}

func directionSign(d mtypes.MacroDirection) float64 {
	switch d {
	case mtypes.StrongBull:
		return 9
	case mtypes.Bull:
		return 6
	case mtypes.WeakBull:
		return 3
	case mtypes.Neutral:
		return 0
	case mtypes.WeakBear:
		return -3
	case mtypes.Bear:
		return -6
	case mtypes.StrongBear:
		return -9
	}
	return 0
}

// combineMacro blends D1 (weight 0.6) and H4 (weight 0.4); agreeing signs
// get a 1.2x boost before remapping to the 7-level enum.
func combineMacro(d1, h4 mtypes.MacroDirection) mtypes.MacroDirection {
	d1Score := directionSign(d1)
	h4Score := directionSign(h4)
	combined := d1Score*0.6 + h4Score*0.4
	if (d1Score > 0 && h4Score > 0) || (d1Score < 0 && h4Score < 0) {
		combined *= 1.2
	}
	return scoreToDirection(combined)
}

// classifyRegime derives Regime and a [0,1] strength from ATR-vs-average and
// ADX, with a Bollinger-squeeze override to Breakout.
func classifyRegime(f *mtypes.IndicatorFrame, avgATR, bbWidthPercentile20 float64, cfg Config) (mtypes.Regime, float64) {
	if f == nil {
		return mtypes.RegimeRanging, 0
	}

	width := f.Bollinger.Upper - f.Bollinger.Lower
	squeeze := avgATR > 0 && width <= bbWidthPercentile20 &&
		f.CurrentPrice <= f.Bollinger.Upper && f.CurrentPrice >= f.Bollinger.Lower

	if avgATR > 0 {
		if f.ATR > cfg.ATRHighMultiplier*avgATR {
			return mtypes.RegimeHighVolatility, clamp01(f.ATR / (cfg.ATRHighMultiplier * avgATR))
		}
		if f.ATR < cfg.ATRLowMultiplier*avgATR {
			return mtypes.RegimeLowVolatility, clamp01(1 - f.ATR/(cfg.ATRLowMultiplier*avgATR))
		}
	}

	if squeeze {
		return mtypes.RegimeBreakout, clamp01(f.ADX.ADX / 100)
	}

	switch {
	case f.ADX.ADX >= cfg.ADXStrong:
		return mtypes.RegimeTrendingStrong, clamp01(f.ADX.ADX / 100)
	case f.ADX.ADX >= cfg.ADXTrend:
		return mtypes.RegimeTrendingWeak, clamp01(f.ADX.ADX / 100)
	default:
		return mtypes.RegimeRanging, clamp01(1 - f.ADX.ADX/cfg.ADXTrend)
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

func recommendedStrategies(regime mtypes.Regime) map[string]bool {
	switch regime {
	case mtypes.RegimeTrendingStrong, mtypes.RegimeTrendingWeak:
		return map[string]bool{"trendFollowing": true, "scalping": true, "breakout": true}
	case mtypes.RegimeRanging:
		return map[string]bool{"meanReversion": true, "rangeTrading": true}
	case mtypes.RegimeBreakout:
		return map[string]bool{"breakout": true, "trendFollowing": true}
	case mtypes.RegimeLowVolatility:
		return map[string]bool{}
	default:
		return map[string]bool{}
	}
}

func riskMultiplierFor(regime mtypes.Regime) float64 {
	switch regime {
	case mtypes.RegimeTrendingStrong:
		return 1.2
	case mtypes.RegimeTrendingWeak:
		return 1.0
	case mtypes.RegimeRanging:
		return 0.8
	case mtypes.RegimeHighVolatility:
		return 0.5
	case mtypes.RegimeLowVolatility:
		return 0.3
	case mtypes.RegimeBreakout:
		return 0.9
	default:
		return 1.0
	}
}

func maxPositionsFor(regime mtypes.Regime) int {
	switch regime {
	case mtypes.RegimeTrendingStrong:
		return 4
	case mtypes.RegimeTrendingWeak:
		return 3
	case mtypes.RegimeRanging:
		return 2
	case mtypes.RegimeHighVolatility:
		return 1
	case mtypes.RegimeLowVolatility:
		return 0
	case mtypes.RegimeBreakout:
		return 2
	default:
		return 0
	}
}

func allowedDirections(macro, shortTerm mtypes.MacroDirection, regime mtypes.Regime) map[mtypes.Side]bool {
	if regime == mtypes.RegimeLowVolatility {
		return map[mtypes.Side]bool{}
	}
	if regime == mtypes.RegimeRanging {
		return map[mtypes.Side]bool{mtypes.Buy: true, mtypes.Sell: true}
	}
	switch {
	case isBullish(macro):
		return map[mtypes.Side]bool{mtypes.Buy: true}
	case isBearish(macro):
		return map[mtypes.Side]bool{mtypes.Sell: true}
	case macro == mtypes.Neutral && isBullish(shortTerm):
		return map[mtypes.Side]bool{mtypes.Buy: true}
	default:
		return map[mtypes.Side]bool{}
	}
}

func isBullish(d mtypes.MacroDirection) bool {
	return d == mtypes.StrongBull || d == mtypes.Bull || d == mtypes.WeakBull
}

func isBearish(d mtypes.MacroDirection) bool {
	return d == mtypes.StrongBear || d == mtypes.Bear || d == mtypes.WeakBear
}

// currentSession maps a UTC time to an FX session and its liquidity quality,
// supplementing spec's regime-based riskMultiplier with session awareness
// adapted from the original system's trading_session_manager.
func currentSession(t time.Time) (mtypes.TradingSession, mtypes.SessionQuality) {
	h := t.Hour()
	switch {
	case h >= 13 && h < 17:
		return mtypes.SessionNewYork, mtypes.SessionExcellent // London/NY overlap
	case h >= 8 && h < 17:
		return mtypes.SessionLondon, mtypes.SessionGood
	case h >= 13 && h < 22:
		return mtypes.SessionNewYork, mtypes.SessionGood
	case h >= 0 && h < 9:
		return mtypes.SessionTokyo, mtypes.SessionModerate
	case h >= 22 || h < 7:
		return mtypes.SessionSydney, mtypes.SessionPoor
	default:
		return mtypes.SessionClosed, mtypes.SessionClosedQ
	}
}

func sessionRiskFactor(q mtypes.SessionQuality) float64 {
	switch q {
	case mtypes.SessionExcellent:
		return 1.0
	case mtypes.SessionGood:
		return 1.0
	case mtypes.SessionModerate:
		return 0.85
	case mtypes.SessionPoor:
		return 0.6
	default:
		return 0.4
	}
}
