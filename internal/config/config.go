// Package config loads the engine's YAML + environment configuration into
// the typed structs every other package consumes, per spec.md §6's key
// hierarchy (risk.*, trading.*, strategies.<name>.*, marketContext.*,
// news.*, per-symbol overrides). This is the one package that talks to
// viper and the filesystem; every other package consumes an
// already-populated *Config value, matching the teacher's go.mod carrying
// spf13/viper as a direct dependency without ever wiring it.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RiskConfig mirrors spec.md §6's `risk.*` keys.
type RiskConfig struct {
	MaxRiskPerTrade       float64       `mapstructure:"maxRiskPerTrade"`
	MaxDrawdown           float64       `mapstructure:"maxDrawdown"`
	MaxDailyLoss          float64       `mapstructure:"maxDailyLoss"`
	StopLossPips          float64       `mapstructure:"stopLossPips"`
	TakeProfitMultiplier  float64       `mapstructure:"takeProfitMultiplier"`
	TrailingStopDistance  float64       `mapstructure:"trailingStopDistance"`
	BreakEvenEnabled      bool          `mapstructure:"breakEvenEnabled"`
	BreakEvenTrigger      float64       `mapstructure:"breakEvenTrigger"`
	MaxMarginUsagePct     float64       `mapstructure:"maxMarginUsagePct"`
	MaxSpreadPoints       float64       `mapstructure:"maxSpreadPoints"`
	KillSwitchLossPct     float64       `mapstructure:"killSwitchLossPct"`
	KillSwitchCooldown    time.Duration `mapstructure:"killSwitchCooldown"`
	CorrelationMinCoef    float64       `mapstructure:"correlationMinCoef"`
	MaxGroupExposure      int                          `mapstructure:"maxGroupExposure"`
	SymbolATRAdjust       map[string]float64           `mapstructure:"symbolAtrAdjust"`
	CorrelationGroups     map[string][]string          `mapstructure:"correlationGroups"`
	StrategyATRMultipliers map[string]StrategyRiskPair `mapstructure:"strategyAtrMultipliers"`
}

// StrategyRiskPair is the `{slMultiplier, tpRR}` pair the Risk Manager uses
// per strategy, per spec.md §4.7's per-strategy ATR multiplier table.
type StrategyRiskPair struct {
	SLMultiplier float64 `mapstructure:"slMultiplier"`
	TakeProfitRR float64 `mapstructure:"tpRR"`
}

// TradingConfig mirrors spec.md §6's `trading.*` keys.
type TradingConfig struct {
	Symbols          []string      `mapstructure:"symbols"`
	Timeframes       []string      `mapstructure:"timeframes"`
	TickInterval     time.Duration `mapstructure:"tickInterval"`
	MaxOpenPositions int           `mapstructure:"maxOpenPositions"`
	MaxLotSize       float64       `mapstructure:"maxLotSize"`
	DefaultLotSize   float64       `mapstructure:"defaultLotSize"`
	SpreadThreshold  float64       `mapstructure:"spreadThreshold"`
	Slippage         float64       `mapstructure:"slippage"`
}

// StrategyConfig mirrors one `strategies.<name>.*` block.
type StrategyConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	MinConfidence float64 `mapstructure:"minConfidence"`
	FixedSLPips   float64 `mapstructure:"fixedSlPips"`
	FixedTPPips   float64 `mapstructure:"fixedTpPips"`
}

// MarketContextConfig mirrors spec.md §6's `marketContext.*` regime
// thresholds.
type MarketContextConfig struct {
	ADXStrong         float64 `mapstructure:"adxStrong"`
	ADXTrend          float64 `mapstructure:"adxTrend"`
	ATRHighMultiplier float64 `mapstructure:"atrHigh"`
	ATRLowMultiplier  float64 `mapstructure:"atrLow"`
}

// NewsConfig mirrors spec.md §6's `news.*` keys.
type NewsConfig struct {
	RefreshInterval time.Duration       `mapstructure:"refreshInterval"`
	BufferMinutes   int                 `mapstructure:"bufferMinutes"`
	Keywords        map[string][]string `mapstructure:"keywords"`

	// GlobalBlockOnHighImpact, when true, blocks every symbol's admission
	// during its own high-impact news window instead of only the News
	// Trading strategy self-gating on it (default false, per the Open
	// Question resolution recorded in DESIGN.md).
	GlobalBlockOnHighImpact bool `mapstructure:"globalBlockOnHighImpact"`
}

// SymbolOverride holds a per-symbol override of broker-facing contract
// terms, per spec.md §6's "per-symbol overrides".
type SymbolOverride struct {
	Digits       int     `mapstructure:"digits"`
	Point        float64 `mapstructure:"point"`
	MinVol       float64 `mapstructure:"minVol"`
	MaxVol       float64 `mapstructure:"maxVol"`
	VolStep      float64 `mapstructure:"volStep"`
	ContractSize float64 `mapstructure:"contractSize"`
}

// ServerConfig controls the HTTP/WebSocket command surface (spec.md §4.8).
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	WebSocketPath string        `mapstructure:"webSocketPath"`
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	EnableMetrics bool          `mapstructure:"enableMetrics"`
}

// Config is the fully populated, typed configuration tree every other
// package consumes.
type Config struct {
	Risk           RiskConfig                 `mapstructure:"risk"`
	Trading        TradingConfig              `mapstructure:"trading"`
	Strategies     map[string]StrategyConfig  `mapstructure:"strategies"`
	MarketContext  MarketContextConfig        `mapstructure:"marketContext"`
	News           NewsConfig                 `mapstructure:"news"`
	SymbolOverride map[string]SymbolOverride  `mapstructure:"symbolOverrides"`
	Server         ServerConfig               `mapstructure:"server"`
}

// Default returns the engine's built-in defaults, applied before a config
// file is read so a partially-specified YAML file still produces a
// complete, runnable Config.
func Default() *Config {
	return &Config{
		Risk: RiskConfig{
			MaxRiskPerTrade:      0.02,
			MaxDrawdown:          0.15,
			MaxDailyLoss:         0.05,
			StopLossPips:         20,
			TakeProfitMultiplier: 1.5,
			TrailingStopDistance: 15,
			BreakEvenEnabled:     true,
			BreakEvenTrigger:     15,
			MaxMarginUsagePct:    0.8,
			MaxSpreadPoints:      30,
			KillSwitchLossPct:    0.08,
			KillSwitchCooldown:   4 * time.Hour,
			CorrelationMinCoef:   0.8,
			MaxGroupExposure:     2,
			SymbolATRAdjust:      map[string]float64{"XAUUSD": 1.3},
		},
		Trading: TradingConfig{
			Symbols:          []string{"EURUSD", "GBPUSD", "XAUUSD"},
			Timeframes:       []string{"M15", "H1", "H4"},
			TickInterval:     15 * time.Second,
			MaxOpenPositions: 5,
			MaxLotSize:       1.0,
			DefaultLotSize:   0.01,
			SpreadThreshold:  30,
			Slippage:         0,
		},
		Strategies: map[string]StrategyConfig{
			"trendFollowing": {Enabled: true, MinConfidence: 0.6},
			"meanReversion":  {Enabled: true, MinConfidence: 0.6},
			"breakout":       {Enabled: true, MinConfidence: 0.6},
			"rangeTrading":   {Enabled: true, MinConfidence: 0.6},
			"scalping":       {Enabled: true, MinConfidence: 0.65},
			"newsTrading":    {Enabled: true, MinConfidence: 0.6},
			"catamilho":      {Enabled: false, MinConfidence: 0.65},
		},
		MarketContext: MarketContextConfig{ADXStrong: 35, ADXTrend: 25, ATRHighMultiplier: 2.0, ATRLowMultiplier: 0.5},
		News: NewsConfig{
			RefreshInterval:         5 * time.Minute,
			BufferMinutes:           15,
			GlobalBlockOnHighImpact: false,
		},
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			WebSocketPath: "/ws",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			EnableMetrics: true,
		},
	}
}

// Load reads path (YAML) into a Config, falling back to Default() for any
// key the file omits, and lets ENGINE_-prefixed environment variables
// override individual keys (ENGINE_RISK_MAXRISKPERTRADE overrides
// risk.maxRiskPerTrade), per spec.md §6's "${VAR}" substitution note.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seed the base layer from Default() by marshaling it to YAML and
	// reading it as the initial config; the real file is then merged on
	// top so it only needs to specify the keys it wants to override.
	defaultYAML, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	expandEnv(&cfg)
	return &cfg, nil
}

// expandEnv walks string fields that look like "${VAR}" placeholders and
// substitutes the environment value, per spec.md §6. Only the news
// keyword lists and correlation groups carry free-form strings in
// practice; this covers the placeholder contract without a reflection
// walk over the whole tree. Viper lowercases map keys, so the keyword map is
// re-keyed by upper-case symbol to match the trading.symbols spelling the
// news view looks up.
func expandEnv(cfg *Config) {
	keywords := make(map[string][]string, len(cfg.News.Keywords))
	for symbol, words := range cfg.News.Keywords {
		for i, w := range words {
			words[i] = os.Expand(w, envLookup)
		}
		keywords[strings.ToUpper(symbol)] = words
	}
	cfg.News.Keywords = keywords
}

func envLookup(key string) string {
	return os.Getenv(key)
}

// StrategyConfig looks up the `strategies.<name>` block case-insensitively.
// Viper lowercases every map key it reads from a config file, so an exact
// "trendFollowing" lookup against a file-provided map would silently miss;
// this is the one place that quirk is absorbed.
func (c *Config) StrategyConfig(name string) (StrategyConfig, bool) {
	if sc, ok := c.Strategies[name]; ok {
		return sc, true
	}
	lower := strings.ToLower(name)
	for k, sc := range c.Strategies {
		if strings.ToLower(k) == lower {
			return sc, true
		}
	}
	return StrategyConfig{}, false
}

// SymbolInfoOverride looks up a per-symbol broker contract override,
// case-insensitively for the same reason as StrategyConfig.
func (c *Config) SymbolInfoOverride(symbol string) (SymbolOverride, bool) {
	if so, ok := c.SymbolOverride[symbol]; ok {
		return so, true
	}
	upper := strings.ToUpper(symbol)
	for k, so := range c.SymbolOverride {
		if strings.ToUpper(k) == upper {
			return so, true
		}
	}
	return SymbolOverride{}, false
}
