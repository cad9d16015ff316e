package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/urion-trading/engine/internal/config"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsWhenFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.yaml", "")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Risk.MaxRiskPerTrade != 0.02 {
		t.Errorf("expected default maxRiskPerTrade 0.02, got %v", cfg.Risk.MaxRiskPerTrade)
	}
	if cfg.Trading.MaxOpenPositions != 5 {
		t.Errorf("expected default maxOpenPositions 5, got %v", cfg.Trading.MaxOpenPositions)
	}
	sc, ok := cfg.StrategyConfig("trendFollowing")
	if !ok || !sc.Enabled {
		t.Errorf("expected trendFollowing enabled by default, got %+v ok=%v", sc, ok)
	}
}

func TestLoadOverridesSpecificKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "override.yaml", `
risk:
  maxRiskPerTrade: 0.01
  maxDrawdown: 0.2
trading:
  maxOpenPositions: 3
strategies:
  scalping:
    enabled: false
    minConfidence: 0.9
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Risk.MaxRiskPerTrade != 0.01 {
		t.Errorf("expected overridden maxRiskPerTrade 0.01, got %v", cfg.Risk.MaxRiskPerTrade)
	}
	// a key the override file didn't touch keeps its default
	if cfg.Risk.StopLossPips != 20 {
		t.Errorf("expected default stopLossPips to survive, got %v", cfg.Risk.StopLossPips)
	}
	if cfg.Trading.MaxOpenPositions != 3 {
		t.Errorf("expected overridden maxOpenPositions 3, got %v", cfg.Trading.MaxOpenPositions)
	}

	sc, ok := cfg.StrategyConfig("scalping")
	if !ok || sc.Enabled || sc.MinConfidence != 0.9 {
		t.Errorf("expected scalping disabled with confidence 0.9, got %+v ok=%v", sc, ok)
	}

	// an untouched strategy keeps its default
	tf, ok := cfg.StrategyConfig("trendFollowing")
	if !ok || !tf.Enabled {
		t.Errorf("expected trendFollowing to remain enabled, got %+v ok=%v", tf, ok)
	}
}

func TestLoadExpandsEnvPlaceholdersInNewsKeywords(t *testing.T) {
	t.Setenv("NEWS_KEYWORD_OVERRIDE", "nonfarm payrolls")

	dir := t.TempDir()
	path := writeFile(t, dir, "news.yaml", `
news:
  keywords:
    EURUSD:
      - "${NEWS_KEYWORD_OVERRIDE}"
      - "ECB rate decision"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	words := cfg.News.Keywords["EURUSD"]
	if len(words) != 2 || words[0] != "nonfarm payrolls" {
		t.Errorf("expected expanded keyword, got %v", words)
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
