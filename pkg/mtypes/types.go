// Package mtypes holds the core domain types shared across the engine:
// bars, symbols, indicator snapshots, signals, positions and risk state.
package mtypes

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a bar granularity, totally ordered by bar length.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
)

// Minutes returns the timeframe's bar length for ordering and scheduling.
func (tf Timeframe) Minutes() int {
	switch tf {
	case M1:
		return 1
	case M5:
		return 5
	case M15:
		return 15
	case M30:
		return 30
	case H1:
		return 60
	case H4:
		return 240
	case D1:
		return 1440
	default:
		return 0
	}
}

// Bar is an immutable OHLCV tuple indexed by (symbol, timeframe, time).
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Valid reports whether the bar satisfies low <= min(o,c) <= max(o,c) <= high.
func (b Bar) Valid() bool {
	lo := b.Open
	if b.Close < lo {
		lo = b.Close
	}
	hi := b.Open
	if b.Close > hi {
		hi = b.Close
	}
	return b.Low <= lo && hi <= b.High
}

// SymbolInfo describes a tradable instrument's contract metadata.
type SymbolInfo struct {
	Name         string
	Digits       int32
	Point        float64
	PipSize      float64
	MinVol       decimal.Decimal
	MaxVol       decimal.Decimal
	VolStep      decimal.Decimal
	ContractSize decimal.Decimal
	CurrentBid   float64
	CurrentAsk   float64
	SpreadPoints float64
}

// ComputePipSize derives pip size from point, per the pair's quote
// convention: JPY crosses use point*100, XAUUSD uses a fixed 0.1,
// everything else uses point*10.
func ComputePipSize(symbol string, point float64) float64 {
	switch {
	case symbol == "XAUUSD":
		return 0.1
	case len(symbol) >= 3 && symbol[len(symbol)-3:] == "JPY":
		return point * 100
	default:
		return point * 10
	}
}

// AccountInfo is the broker-reported account snapshot.
type AccountInfo struct {
	Balance    decimal.Decimal
	Equity     decimal.Decimal
	Margin     decimal.Decimal
	FreeMargin decimal.Decimal
	Leverage   int
	Currency   string
}

// ADX holds directional movement index values.
type ADX struct {
	ADX     float64
	DIPlus  float64
	DIMinus float64
}

// MACD holds moving-average-convergence-divergence values.
type MACD struct {
	Line      float64
	Signal    float64
	Histogram float64
}

// Bollinger holds Bollinger band values.
type Bollinger struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Keltner holds Keltner channel values.
type Keltner struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Stochastic holds %K/%D oscillator values.
type Stochastic struct {
	K float64
	D float64
}

// DivergenceType flags a price/indicator divergence on the last swing.
type DivergenceType string

const (
	DivergenceNone           DivergenceType = "none"
	DivergenceRegularBull    DivergenceType = "regular_bullish"
	DivergenceRegularBear    DivergenceType = "regular_bearish"
	DivergenceHiddenBull     DivergenceType = "hidden_bullish"
	DivergenceHiddenBear     DivergenceType = "hidden_bearish"
)

// Patterns is the set of boolean candle-pattern flags on the last closed bar.
type Patterns struct {
	Doji           bool
	Hammer         bool
	InvertedHammer bool
	ShootingStar   bool
	EngulfingBull  bool
	EngulfingBear  bool
	MorningStar    bool
	EveningStar    bool
	PinBarBull     bool
	PinBarBear     bool
}

// IndicatorFrame is a per-(symbol,timeframe) snapshot of every indicator at
// the last closed bar.
type IndicatorFrame struct {
	Symbol        string
	Timeframe     Timeframe
	ComputedAt    time.Time
	CurrentPrice  float64
	PreviousClose float64
	ATR           float64
	ADX           ADX
	MACD          MACD
	EMA9          float64
	EMA21         float64
	EMA50         float64
	EMA200        float64
	RSI           float64
	Bollinger     Bollinger
	Keltner       Keltner
	Stochastic    Stochastic
	VolumeRatio   float64
	Patterns      Patterns
	Divergence    DivergenceType
	Verdict       TrendVerdict
	LowConfidence bool
}

// Direction is a bullish/bearish/neutral verdict.
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// TrendVerdict is a weighted-vote trend read derived from an IndicatorFrame.
type TrendVerdict struct {
	Direction  Direction
	Strength   float64
	Agreement  float64
	Signals    []string
}

// Consensus is the multi-timeframe combination of per-TF TrendVerdicts.
type Consensus struct {
	Direction Direction
	Strength  float64
	Agreement float64
	Counts    map[Direction]int
}

// MacroDirection is the 7-level combined-timeframe directional enum.
type MacroDirection string

const (
	StrongBull MacroDirection = "StrongBull"
	Bull       MacroDirection = "Bull"
	WeakBull   MacroDirection = "WeakBull"
	Neutral    MacroDirection = "Neutral"
	WeakBear   MacroDirection = "WeakBear"
	Bear       MacroDirection = "Bear"
	StrongBear MacroDirection = "StrongBear"
)

// Regime is the qualitative market-state classification.
type Regime string

const (
	RegimeTrendingStrong  Regime = "TrendingStrong"
	RegimeTrendingWeak    Regime = "TrendingWeak"
	RegimeRanging         Regime = "Ranging"
	RegimeHighVolatility  Regime = "HighVolatility"
	RegimeLowVolatility   Regime = "LowVolatility"
	RegimeBreakout        Regime = "Breakout"
)

// Side is a trade direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// TradingSession is the active FX trading session for a UTC time.
type TradingSession string

const (
	SessionSydney  TradingSession = "sydney"
	SessionTokyo   TradingSession = "tokyo"
	SessionLondon  TradingSession = "london"
	SessionNewYork TradingSession = "new_york"
	SessionClosed  TradingSession = "closed"
)

// SessionQuality ranks a session's liquidity for trading.
type SessionQuality string

const (
	SessionExcellent SessionQuality = "excellent"
	SessionGood      SessionQuality = "good"
	SessionModerate  SessionQuality = "moderate"
	SessionPoor      SessionQuality = "poor"
	SessionClosedQ   SessionQuality = "closed"
)

// MarketContext is the per-symbol trade-policy snapshot refreshed on a TTL.
type MarketContext struct {
	Symbol               string
	ComputedAt           time.Time
	MacroDirection       MacroDirection
	ShortTermDirection   MacroDirection
	Regime               Regime
	RegimeStrength       float64
	RecommendedStrategies map[string]bool
	AllowedDirections    map[Side]bool
	RiskMultiplier        float64
	MaxPositions          int
	Session               TradingSession
	SessionQuality        SessionQuality
}

// Allows reports whether side is in AllowedDirections.
func (mc MarketContext) Allows(s Side) bool {
	return mc.AllowedDirections[s]
}

// Action is what a strategy or the manager decided for a symbol.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is a strategy's (or the manager's consensus) output for one tick.
type Signal struct {
	Strategy       string
	Symbol         string
	Action         Action
	Confidence     float64
	Reason         string
	Price          float64
	SL             *float64
	TP             *float64
	Details        map[string]any
	RiskMultiplier *float64
	GeneratedAt    time.Time
}

// PositionStopState is the state-machine stage of a position's stop management.
type PositionStopState string

const (
	StopOpen       PositionStopState = "OPEN"
	StopBreakeven  PositionStopState = "AT_BREAKEVEN"
	StopTrailing   PositionStopState = "TRAILING"
	StopClosed     PositionStopState = "CLOSED"
)

// Position is a locally tracked open (or just-closed) position.
type Position struct {
	Ticket         string
	Symbol         string
	Side           Side
	Volume         decimal.Decimal
	EntryPrice     float64
	CurrentPrice   float64
	SL             float64
	TP             float64
	OpenTime       time.Time
	Strategy       string
	UnrealizedPnL  decimal.Decimal
	StopState      PositionStopState
	Orphaned       bool
}

// RiskState is the per-account risk accounting owned exclusively by the
// Execution Supervisor.
type RiskState struct {
	Balance        decimal.Decimal
	Equity         decimal.Decimal
	PeakBalance    decimal.Decimal
	DailyPnL       decimal.Decimal
	DailyResetDate time.Time
	OpenPositions  int
}

// CurrentDrawdown returns (peakBalance-equity)/peakBalance, >= 0.
func (rs RiskState) CurrentDrawdown() float64 {
	if rs.PeakBalance.IsZero() {
		return 0
	}
	dd := rs.PeakBalance.Sub(rs.Equity).Div(rs.PeakBalance)
	if dd.IsNegative() {
		return 0
	}
	f, _ := dd.Float64()
	return f
}

// Sentiment is the aggregate polarity of recent news.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// NewsView is a read-only news/calendar snapshot refreshed on a coarse cadence.
type NewsView struct {
	OverallSentiment Sentiment
	PolarityAvg      float64
	Counts           map[Sentiment]int
	TotalAnalyzed    int
	IsBlockingWindow bool
	BlockingEvent    string
	RefreshedAt      time.Time
}

// OrderRequest is what the Execution Supervisor submits to the Broker Gateway.
type OrderRequest struct {
	Symbol  string
	Side    Side
	Volume  decimal.Decimal
	SL      float64
	TP      float64
	Comment string
	Magic   int64
}

// Ticket identifies a broker-acknowledged order/position.
type Ticket string
