// Package manager implements the Strategy Manager: resolves market policy
// via the Market Context Engine, fans a symbol's technicals out to every
// enabled strategy, filters by context, and either returns the best signal
// or a synthetic consensus signal.
//
// The weighted-consensus shape (direction-weighted agreement, confidence
// scaled by consensus) is grounded on the teacher's signal Aggregator
// (calculateAggregatedSignal's buy/sell-weight comparison), adapted from
// continuous decimal weights to the specification's discrete vote-counting
// rule (spec.md §4.6).
package manager

import (
	"go.uber.org/zap"

	"github.com/urion-trading/engine/internal/context"
	"github.com/urion-trading/engine/internal/strategy"
	"github.com/urion-trading/engine/pkg/mtypes"
)

// Decision is the Strategy Manager's output for one symbol tick: the
// market context it was resolved against, the signal it chose (possibly
// HOLD), and every candidate signal considered for diagnostics.
type Decision struct {
	Context    mtypes.MarketContext
	Chosen     mtypes.Signal
	Candidates []mtypes.Signal
	Dropped    []DroppedSignal
}

// DroppedSignal records a candidate signal removed from consideration and why.
type DroppedSignal struct {
	Signal mtypes.Signal
	Reason string
}

const consensusThreshold = 0.6

// Manager is the Strategy Manager.
type Manager struct {
	logger    *zap.Logger
	ctxEngine *context.Engine
	registry  *strategy.Registry
}

func New(logger *zap.Logger, ctxEngine *context.Engine, registry *strategy.Registry) *Manager {
	return &Manager{logger: logger.Named("strategy-manager"), ctxEngine: ctxEngine, registry: registry}
}

// Registry exposes the underlying Strategy Set so callers outside the
// fan-out loop (the Execution Supervisor's trade-close bookkeeping) can
// reach a specific strategy by name.
func (m *Manager) Registry() *strategy.Registry { return m.registry }

// Evaluate runs the full §4.6 algorithm for one symbol tick.
func (m *Manager) Evaluate(
	symbol string,
	technicals strategy.Technicals,
	news *mtypes.NewsView,
	avgATRH4, bbWidthPercentile20 float64,
	force bool,
	spreadPips float64,
) Decision {
	mc := m.ctxEngine.Resolve(symbol, technicals.Frames, avgATRH4, bbWidthPercentile20, force)

	if len(mc.AllowedDirections) == 0 {
		return Decision{Context: mc, Chosen: mtypes.Signal{Symbol: symbol, Action: mtypes.ActionHold, Reason: "no_allowed_directions"}}
	}

	var candidates []mtypes.Signal
	var dropped []DroppedSignal

	for _, s := range m.registry.All() {
		if s.Symbol() != symbol || !s.IsEnabled() {
			continue
		}
		if len(mc.RecommendedStrategies) > 0 && !mc.RecommendedStrategies[s.Name()] {
			continue
		}

		// Scalping's strict-mode session-viability gate needs the live
		// spread and the market context just resolved above, neither of
		// which fits the uniform Strategy.Analyze(Technicals, *NewsView)
		// signature, so they're primed on the concrete type first.
		if ss, ok := s.(*strategy.Scalping); ok {
			ss.CurrentSpreadPips = spreadPips
			ss.CurrentMarketContext = mc
		}

		sig := s.Analyze(technicals, news)
		if sig.Action == mtypes.ActionHold {
			continue
		}
		if !mc.Allows(toSide(sig.Action)) {
			dropped = append(dropped, DroppedSignal{Signal: sig, Reason: "direction_not_allowed"})
			continue
		}

		rm := mc.RiskMultiplier
		sig.RiskMultiplier = &rm
		if mc.RecommendedStrategies[s.Name()] {
			sig.Confidence = min1(sig.Confidence * 1.10)
		}
		candidates = append(candidates, sig)
	}

	if len(candidates) == 0 {
		return Decision{Context: mc, Chosen: mtypes.Signal{Symbol: symbol, Action: mtypes.ActionHold, Reason: "no_signals"}, Dropped: dropped}
	}

	chosen := selectSignal(symbol, candidates)
	return Decision{Context: mc, Chosen: chosen, Candidates: candidates, Dropped: dropped}
}

// selectSignal implements the best-vs-consensus choice of spec.md §4.6 step 4.
func selectSignal(symbol string, candidates []mtypes.Signal) mtypes.Signal {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}

	buyCount, sellCount := 0, 0
	var buySum, sellSum float64
	var bestBuy, bestSell mtypes.Signal
	for _, c := range candidates {
		switch c.Action {
		case mtypes.ActionBuy:
			buyCount++
			buySum += c.Confidence
			if c.Confidence > bestBuy.Confidence {
				bestBuy = c
			}
		case mtypes.ActionSell:
			sellCount++
			sellSum += c.Confidence
			if c.Confidence > bestSell.Confidence {
				bestSell = c
			}
		}
	}
	total := len(candidates)
	if total == 0 {
		return best
	}

	buyRatio := float64(buyCount) / float64(total)
	sellRatio := float64(sellCount) / float64(total)

	if buyRatio >= consensusThreshold {
		return consensusSignal(symbol, bestBuy, buySum/float64(buyCount))
	}
	if sellRatio >= consensusThreshold {
		return consensusSignal(symbol, bestSell, sellSum/float64(sellCount))
	}
	return best
}

// consensusSignal builds a synthetic Consensus signal: price/SL/TP carried
// from the strongest aligned vote, confidence replaced by the mean of all
// aligned votes (spec.md §4.6 step 4).
func consensusSignal(symbol string, template mtypes.Signal, meanConfidence float64) mtypes.Signal {
	return mtypes.Signal{
		Strategy:       "consensus",
		Symbol:         symbol,
		Action:         template.Action,
		Confidence:     min1(meanConfidence),
		Reason:         "consensus",
		Price:          template.Price,
		SL:             template.SL,
		TP:             template.TP,
		RiskMultiplier: template.RiskMultiplier,
		GeneratedAt:    template.GeneratedAt,
	}
}

func toSide(a mtypes.Action) mtypes.Side {
	if a == mtypes.ActionSell {
		return mtypes.Sell
	}
	return mtypes.Buy
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
