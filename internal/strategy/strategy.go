// Package strategy implements the Strategy Set: uniform-contract trading
// strategies that turn multi-timeframe technicals (and optionally news) into
// a Signal. Every strategy always returns a Signal; HOLD is the default.
//
// The interface/registry shape is grounded on the teacher's StrategyRegistry
// and BaseStrategy; the scoring style (weighted boolean conditions summed
// into a 0-1 confidence) replaces the teacher's decimal-threshold
// momentum/VWAP/grid logic with the specification's weighted-vote scoring.
package strategy

import (
	"sync"

	"go.uber.org/zap"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// Technicals bundles the multi-timeframe view a strategy analyzes.
type Technicals struct {
	Frames    map[mtypes.Timeframe]*mtypes.IndicatorFrame
	Consensus mtypes.Consensus
}

func (t Technicals) frame(tf mtypes.Timeframe) *mtypes.IndicatorFrame {
	return t.Frames[tf]
}

// RiskCalculator lets a strategy defer SL/TP derivation to the Risk Manager,
// tagged with the strategy's own name (spec.md §4.7/§4.5).
type RiskCalculator interface {
	StopLoss(symbol string, side mtypes.Side, entry float64, atr, atrMult float64) float64
	TakeProfit(entry, sl, rr float64) float64
}

// Strategy is the uniform contract every strategy implements.
type Strategy interface {
	Name() string
	Symbol() string
	IsEnabled() bool
	MinConfidence() float64
	Analyze(technicals Technicals, news *mtypes.NewsView) mtypes.Signal
}

// condition is one weighted boolean vote in a strategy's scoring.
type condition struct {
	weight float64
	ok     bool
}

// score implements confidence = sum(weight_i * cond_i) / sum(weight_i).
func score(conds []condition) float64 {
	var sum, total float64
	for _, c := range conds {
		total += c.weight
		if c.ok {
			sum += c.weight
		}
	}
	if total == 0 {
		return 0
	}
	return sum / total
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

// BaseStrategy carries the fields common to every concrete strategy:
// identity, enablement, fixed fallback SL/TP distances, and an optional
// risk calculator deferral.
type BaseStrategy struct {
	name          string
	symbol        string
	enabled       bool
	minConfidence float64
	pipSize       float64
	fixedSLPips   float64
	fixedTPPips   float64
	risk          RiskCalculator
	logger        *zap.Logger
}

// BaseConfig configures a strategy's identity and fallback stop distances
// for construction from outside the package, e.g. the process entry point
// wiring strategies from the symbol/strategy config hierarchy.
type BaseConfig struct {
	Name          string
	Symbol        string
	Enabled       bool
	MinConfidence float64
	PipSize       float64
	FixedSLPips   float64
	FixedTPPips   float64
	Risk          RiskCalculator
	Logger        *zap.Logger
}

// NewBase builds a BaseStrategy from cfg, defaulting Logger to a no-op
// logger when unset.
func NewBase(cfg BaseConfig) BaseStrategy {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return BaseStrategy{
		name: cfg.Name, symbol: cfg.Symbol, enabled: cfg.Enabled, minConfidence: cfg.MinConfidence,
		pipSize: cfg.PipSize, fixedSLPips: cfg.FixedSLPips, fixedTPPips: cfg.FixedTPPips,
		risk: cfg.Risk, logger: logger,
	}
}

func (b BaseStrategy) Name() string           { return b.name }
func (b BaseStrategy) Symbol() string         { return b.symbol }
func (b BaseStrategy) IsEnabled() bool        { return b.enabled }
func (b BaseStrategy) MinConfidence() float64 { return b.minConfidence }

// deriveStops defers to the Risk Manager when attached, else applies the
// strategy's fixed pip distances, per spec.md §4.5's "uniform contract" note.
func (b BaseStrategy) deriveStops(side mtypes.Side, entry, atr, atrMult, rr float64) (sl, tp float64) {
	if b.risk != nil {
		sl = b.risk.StopLoss(b.symbol, side, entry, atr, atrMult)
		tp = b.risk.TakeProfit(entry, sl, rr)
		return sl, tp
	}
	slDist := b.fixedSLPips * b.pipSize
	tpDist := b.fixedTPPips * b.pipSize
	if side == mtypes.Buy {
		return entry - slDist, entry + tpDist
	}
	return entry + slDist, entry - tpDist
}

func hold(name, symbol, reason string) mtypes.Signal {
	return mtypes.Signal{Strategy: name, Symbol: symbol, Action: mtypes.ActionHold, Reason: reason}
}

// Registry manages strategy factories, analogous to the teacher's
// StrategyRegistry but keyed to the specification's fixed strategy set.
type Registry struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	strategies map[string]Strategy
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, strategies: make(map[string]Strategy)}
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// All returns every registered strategy, for the Strategy Manager's fan-out.
func (r *Registry) All() []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, s)
	}
	return out
}

// SessionViabilityParams bundles the inputs the shared session-viability
// score weighs before a high-frequency strategy is allowed to trade.
type SessionViabilityParams struct {
	MarketContext     mtypes.MarketContext
	SpreadPips        float64
	MaxSpreadPips     float64
	ATRPips           float64
	MinATRPips        float64
	MaxATRPips        float64
	H1                *mtypes.IndicatorFrame
	ConsecutiveLosses int
}

// SessionViabilityScore reports a [0,100] composite of five equally weighted
// sub-scores (spread tightness, ATR-in-band, H1 trend clarity, time-of-day
// liquidity bucket, recent-loss cooldown), shared between Catamilho and
// Scalping's strict mode so both gate on the same session-quality bar.
func SessionViabilityScore(p SessionViabilityParams) float64 {
	spreadScore := 100.0
	if p.MaxSpreadPips > 0 {
		spreadScore = clamp01(1-(p.SpreadPips/p.MaxSpreadPips)) * 100
	}

	atrScore := 100.0
	if p.ATRPips < p.MinATRPips || p.ATRPips > p.MaxATRPips {
		mid := (p.MinATRPips + p.MaxATRPips) / 2
		halfBand := (p.MaxATRPips - p.MinATRPips) / 2
		if halfBand > 0 {
			overshoot := (abs(p.ATRPips-mid) - halfBand) / halfBand
			atrScore = clamp01(1-overshoot) * 100
		} else {
			atrScore = 0
		}
	}

	clarityScore := 50.0
	if p.H1 != nil {
		clarityScore = clamp01(p.H1.ADX.ADX/50) * 100
	}

	liquidityScore := map[mtypes.SessionQuality]float64{
		mtypes.SessionExcellent: 100,
		mtypes.SessionGood:      80,
		mtypes.SessionModerate:  55,
		mtypes.SessionPoor:      25,
		mtypes.SessionClosedQ:   0,
	}[p.MarketContext.SessionQuality]

	cooldownScore := clamp01(1-float64(p.ConsecutiveLosses)*0.2) * 100

	return (spreadScore + atrScore + clarityScore + liquidityScore + cooldownScore) / 5
}

func minIn(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxIn(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
