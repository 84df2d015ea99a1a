package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("MANIFOLD_API_KEY", "key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Risk.MaxBetAmount != 100 || cfg.Risk.MinBetAmount != 10 {
		t.Errorf("unexpected bet bounds: %v..%v", cfg.Risk.MinBetAmount, cfg.Risk.MaxBetAmount)
	}
	if cfg.Risk.MaxPositions != 20 {
		t.Errorf("expected 20 max positions, got %d", cfg.Risk.MaxPositions)
	}
	if cfg.Schedule.TradingInterval.Duration != 5*time.Minute {
		t.Errorf("expected 5m interval, got %s", cfg.Schedule.TradingInterval.Duration)
	}
	if cfg.General.DBPath != filepath.Join("data", "ensemblebot.db") {
		t.Errorf("unexpected db path %q", cfg.General.DBPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[risk]
min_edge = 0.08
max_positions = 5

[ensemble]
weighting = "adaptive"

[ensemble.weights]
llm = 0.3
momentum = 0.25
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MANIFOLD_API_KEY", "key")
	t.Setenv("MAX_POSITIONS", "7")
	t.Setenv("TRADING_INTERVAL", "60")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Risk.MinEdge != 0.08 {
		t.Errorf("expected min edge from file, got %v", cfg.Risk.MinEdge)
	}
	if cfg.Risk.MaxPositions != 7 {
		t.Errorf("expected env to override max positions, got %d", cfg.Risk.MaxPositions)
	}
	if cfg.Schedule.TradingInterval.Duration != time.Minute {
		t.Errorf("expected 60s interval, got %s", cfg.Schedule.TradingInterval.Duration)
	}
	if cfg.Ensemble.Weighting != "adaptive" || cfg.Ensemble.Weights["llm"] != 0.3 {
		t.Errorf("ensemble section not decoded: %+v", cfg.Ensemble)
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("MIN_EDGE", "lots")
	if _, err := Load(""); err == nil {
		t.Error("expected error for malformed MIN_EDGE")
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestValidate_OutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Manifold.APIKey = "key"
	cfg.Risk.MaxPortfolioRisk = 1.5
	cfg.Risk.MaxBetAmount = 5

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

func TestLLMConfig_Enabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LLM.Enabled() {
		t.Error("LLM should be disabled without an API key")
	}
	cfg.LLM.APIKey = "sk"
	if !cfg.LLM.Enabled() {
		t.Error("LLM should be enabled with an API key")
	}
}
