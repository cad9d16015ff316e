package strategy

import "github.com/urion-trading/engine/pkg/mtypes"

// NewsTrading reacts to aggregated sentiment when a clear polarity and
// agreement threshold is met, confirmed by the M5 technical trend.
// Grounded on the teacher's DCA "scheduled buy" counter shape (threshold
// gate before signal emission), replaced with spec.md §4.5.6's
// sentiment/polarity/agreement scoring.
type NewsTrading struct {
	BaseStrategy
	MinNewsCount     int
	PolarityMin      float64
	AgreementMin     float64
}

func NewNewsTrading(base BaseStrategy) *NewsTrading {
	return &NewsTrading{BaseStrategy: base, MinNewsCount: 3, PolarityMin: 0.3, AgreementMin: 0.6}
}

func (s *NewsTrading) Analyze(t Technicals, news *mtypes.NewsView) mtypes.Signal {
	if news == nil {
		return hold(s.name, s.symbol, "missing_news_view")
	}
	if news.IsBlockingWindow {
		return hold(s.name, s.symbol, "news_blocking_window")
	}
	if news.TotalAnalyzed < s.MinNewsCount {
		return hold(s.name, s.symbol, "insufficient_news_count")
	}

	action := mtypes.ActionHold
	switch news.OverallSentiment {
	case mtypes.SentimentBullish:
		action = mtypes.ActionBuy
	case mtypes.SentimentBearish:
		action = mtypes.ActionSell
	default:
		return hold(s.name, s.symbol, "neutral_sentiment")
	}

	agreement := agreementRatio(news)
	polarityOK := abs(news.PolarityAvg) > s.PolarityMin
	agreementOK := agreement >= s.AgreementMin
	countOK := news.TotalAnalyzed >= s.MinNewsCount

	conds := []condition{
		{1, true}, // sentiment-matches-action is the switch above
		{1, polarityOK},
		{1, agreementOK},
		{1, countOK},
	}
	confidence := score(conds)

	m5 := t.frame(mtypes.M5)
	if m5 != nil {
		technicalBull := m5.Verdict.Direction == mtypes.DirectionBullish
		technicalBear := m5.Verdict.Direction == mtypes.DirectionBearish
		aligned := (action == mtypes.ActionBuy && technicalBull) || (action == mtypes.ActionSell && technicalBear)
		contradicts := (action == mtypes.ActionBuy && technicalBear) || (action == mtypes.ActionSell && technicalBull)
		if aligned {
			confidence *= 1.25
		} else if contradicts {
			confidence *= 0.7
		}
	}

	if confidence < s.minConfidence {
		return hold(s.name, s.symbol, "confidence_below_threshold")
	}

	price := 0.0
	if m5 != nil {
		price = m5.CurrentPrice
	}
	var sl, tp float64
	if price > 0 {
		var atr float64
		if m5 != nil {
			atr = m5.ATR
		}
		side := mtypes.Buy
		if action == mtypes.ActionSell {
			side = mtypes.Sell
		}
		sl, tp = s.deriveStops(side, price, atr, 1.5, 2.0)
	}

	return mtypes.Signal{
		Strategy:    s.name,
		Symbol:      s.symbol,
		Action:      action,
		Confidence:  clamp01(confidence),
		Reason:      "news_trading",
		Price:       price,
		SL:          &sl,
		TP:          &tp,
		Details:     map[string]any{"agreement": agreement, "polarity": news.PolarityAvg},
		GeneratedAt: news.RefreshedAt,
	}
}

func agreementRatio(news *mtypes.NewsView) float64 {
	if news.TotalAnalyzed == 0 {
		return 0
	}
	max := 0
	for _, c := range news.Counts {
		if c > max {
			max = c
		}
	}
	return float64(max) / float64(news.TotalAnalyzed)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
