package strategy

import (
	"sync"
	"time"

	"github.com/urion-trading/engine/pkg/mtypes"
)

// CatamilhoState is the scalper's position in its trade lifecycle.
type CatamilhoState string

const (
	CatamilhoIdle     CatamilhoState = "IDLE"
	CatamilhoArmed    CatamilhoState = "ARMED"
	CatamilhoInTrade  CatamilhoState = "IN_TRADE"
	CatamilhoCooldown CatamilhoState = "COOLDOWN"
)

// Catamilho is the optional ultra-active M1 scalper, state-machine driven,
// with progressive loss cooldowns and a session-viability gate. Not
// grounded on any single teacher strategy; its state-machine shape follows
// the Execution Supervisor's own position-stop state machine (spec.md
// §4.7), applied here one level up to the signal-generation lifecycle.
type Catamilho struct {
	BaseStrategy

	ADXCeiling       float64
	ATRMinPips       float64
	ATRMaxPips       float64
	EMA50ProximityPips float64
	BaseCooldown     time.Duration
	MaxLossesRow     int
	ExtendedCooldown time.Duration
	SessionMinScore  float64
	TPPips           float64
	SLPips           float64
	TrailTriggerPips float64
	BETriggerPips    float64

	mu               sync.Mutex
	state            CatamilhoState
	consecutiveLosses int
	cooldownUntil    time.Time
	dayAnchor        time.Time
	tradesToday      int
}

func NewCatamilho(base BaseStrategy) *Catamilho {
	return &Catamilho{
		BaseStrategy: base, ADXCeiling: 28, ATRMinPips: 1.5, ATRMaxPips: 15,
		EMA50ProximityPips: 5, BaseCooldown: time.Minute, MaxLossesRow: 3,
		ExtendedCooldown: 5 * time.Minute, SessionMinScore: 60,
		TPPips: 6, SLPips: 4, TrailTriggerPips: 3, BETriggerPips: 2,
		state: CatamilhoIdle,
	}
}

// resetIfNewDay resets daily counters on UTC date rollover.
func (s *Catamilho) resetIfNewDay(now time.Time) {
	if s.dayAnchor.IsZero() || now.UTC().YearDay() != s.dayAnchor.YearDay() || now.UTC().Year() != s.dayAnchor.Year() {
		s.dayAnchor = now.UTC()
		s.tradesToday = 0
		s.consecutiveLosses = 0
	}
}

// RegisterTradeClose feeds a closed trade's outcome back into the cooldown
// state machine: progressive cooldown scaled by consecutive-loss count,
// extended after MaxLossesRow.
func (s *Catamilho) RegisterTradeClose(now time.Time, profit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetIfNewDay(now)
	s.state = CatamilhoCooldown
	if profit {
		s.consecutiveLosses = 0
		s.cooldownUntil = now.Add(s.BaseCooldown)
		return
	}
	s.consecutiveLosses++
	cooldown := time.Duration(s.consecutiveLosses) * s.BaseCooldown
	if s.consecutiveLosses >= s.MaxLossesRow {
		cooldown += s.ExtendedCooldown
	}
	s.cooldownUntil = now.Add(cooldown)
}

func (s *Catamilho) Analyze(t Technicals, news *mtypes.NewsView, mc mtypes.MarketContext, spreadPips, maxSpreadPips float64, now time.Time) mtypes.Signal {
	s.mu.Lock()
	s.resetIfNewDay(now)
	if s.state == CatamilhoCooldown {
		if now.Before(s.cooldownUntil) {
			s.mu.Unlock()
			return hold(s.name, s.symbol, "catamilho_cooldown")
		}
		s.state = CatamilhoIdle
	}
	s.mu.Unlock()

	m5 := t.frame(mtypes.M5)
	m1 := t.frame(mtypes.M1)
	if m5 == nil || m1 == nil {
		return hold(s.name, s.symbol, "missing_m5_m1_frame")
	}

	atrPips := m5.ATR / s.pipSize

	s.mu.Lock()
	losses := s.consecutiveLosses
	s.mu.Unlock()
	viability := SessionViabilityScore(SessionViabilityParams{
		MarketContext: mc, SpreadPips: spreadPips, MaxSpreadPips: maxSpreadPips,
		ATRPips: atrPips, MinATRPips: s.ATRMinPips, MaxATRPips: s.ATRMaxPips,
		H1: t.frame(mtypes.H1), ConsecutiveLosses: losses,
	})
	if viability < s.SessionMinScore {
		return hold(s.name, s.symbol, "session_viability_too_low")
	}

	if m5.ADX.ADX >= s.ADXCeiling {
		return hold(s.name, s.symbol, "m5_context_too_trendy")
	}
	if atrPips < s.ATRMinPips || atrPips > s.ATRMaxPips {
		return hold(s.name, s.symbol, "m5_atr_out_of_band")
	}
	if distPips := abs(m5.CurrentPrice-m5.EMA50) / s.pipSize; distPips > s.EMA50ProximityPips {
		return hold(s.name, s.symbol, "price_far_from_ema50")
	}

	bullSetup := []condition{
		{1, m1.CurrentPrice <= m1.Bollinger.Lower},
		{1, m1.RSI < 25},
		{1, m1.Patterns.Hammer || m1.Patterns.PinBarBull || m1.Patterns.EngulfingBull},
		{1, smallBody(m1)},
		{1, m1.VolumeRatio > 1.2},
	}
	bearSetup := []condition{
		{1, m1.CurrentPrice >= m1.Bollinger.Upper},
		{1, m1.RSI > 75},
		{1, m1.Patterns.ShootingStar || m1.Patterns.PinBarBear || m1.Patterns.EngulfingBear},
		{1, smallBody(m1)},
		{1, m1.VolumeRatio > 1.2},
	}

	bullConf := score(bullSetup)
	bearConf := score(bearSetup)

	var action mtypes.Action
	var confidence float64
	if bullConf >= bearConf && bullConf >= s.minConfidence {
		action, confidence = mtypes.ActionBuy, bullConf
	} else if bearConf > bullConf && bearConf >= s.minConfidence {
		action, confidence = mtypes.ActionSell, bearConf
	} else {
		return hold(s.name, s.symbol, "no_setup")
	}

	s.mu.Lock()
	s.state = CatamilhoArmed
	s.tradesToday++
	s.mu.Unlock()

	side := mtypes.Buy
	if action == mtypes.ActionSell {
		side = mtypes.Sell
	}
	slDist := s.SLPips * s.pipSize
	tpDist := s.TPPips * s.pipSize
	var sl, tp float64
	if side == mtypes.Buy {
		sl, tp = m1.CurrentPrice-slDist, m1.CurrentPrice+tpDist
	} else {
		sl, tp = m1.CurrentPrice+slDist, m1.CurrentPrice-tpDist
	}

	return mtypes.Signal{
		Strategy:    s.name,
		Symbol:      s.symbol,
		Action:      action,
		Confidence:  clamp01(confidence),
		Reason:      "catamilho_scalp",
		Price:       m1.CurrentPrice,
		SL:          &sl,
		TP:          &tp,
		Details:     map[string]any{"session_viability": viability},
		GeneratedAt: m1.ComputedAt,
	}
}

func smallBody(f *mtypes.IndicatorFrame) bool {
	// Proxy: a near-zero distance between current and previous close relative
	// to ATR approximates a small real body without a raw OHLC bar on hand.
	if f.ATR <= 0 {
		return false
	}
	return abs(f.CurrentPrice-f.PreviousClose)/f.ATR < 0.3
}
