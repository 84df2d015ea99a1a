package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// applyEnv overwrites fields from well-known environment variables. Unset or
// empty variables leave the field untouched; malformed values are errors.
func applyEnv(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	setStr(&cfg.Manifold.APIKey, "MANIFOLD_API_KEY")
	setStr(&cfg.Manifold.APIBase, "MANIFOLD_API_BASE")
	setStr(&cfg.Manifold.BotUsername, "BOT_USERNAME")
	setStr(&cfg.Manifold.TargetUser, "TARGET_USER")

	collect(setFloat64(&cfg.Risk.MaxBetAmount, "MAX_BET_AMOUNT"))
	collect(setFloat64(&cfg.Risk.MinBetAmount, "MIN_BET_AMOUNT"))
	collect(setFloat64(&cfg.Risk.MinEdge, "MIN_EDGE"))
	collect(setInt(&cfg.Risk.MaxPositions, "MAX_POSITIONS"))
	collect(setFloat64(&cfg.Risk.RiskTolerance, "RISK_TOLERANCE"))
	collect(setFloat64(&cfg.Risk.KellyFraction, "KELLY_FRACTION"))
	collect(setFloat64(&cfg.Risk.MaxPortfolioRisk, "MAX_PORTFOLIO_RISK"))

	collect(setSeconds(&cfg.Schedule.TradingInterval, "TRADING_INTERVAL"))

	collect(setFloat64(&cfg.Ensemble.AgreementThreshold, "AGREEMENT_THRESHOLD"))
	setStr(&cfg.Ensemble.Weighting, "ENSEMBLE_WEIGHTING")

	setStr(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	setStr(&cfg.LLM.APIBase, "ANTHROPIC_API_BASE")
	setStr(&cfg.LLM.Model, "LLM_MODEL")
	collect(setInt(&cfg.LLM.MaxTokens, "LLM_MAX_TOKENS"))
	collect(setFloat64(&cfg.LLM.Temperature, "LLM_TEMPERATURE"))
	collect(setDuration(&cfg.LLM.Timeout, "LLM_TIMEOUT"))

	setStr(&cfg.General.DataDir, "DATA_DIR")
	setStr(&cfg.General.DBPath, "DB_PATH")

	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.File, "LOG_FILE")
	collect(setInt(&cfg.Log.MaxSizeMB, "LOG_MAX_SIZE_MB"))
	collect(setInt(&cfg.Log.MaxBackups, "LOG_MAX_BACKUPS"))
	collect(setInt(&cfg.Log.MaxAgeDays, "LOG_MAX_AGE_DAYS"))

	setStr(&cfg.Metrics.Addr, "METRICS_ADDR")

	return errors.Join(errs...)
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setFloat64(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}

// setSeconds accepts a bare integer number of seconds or a Go duration string.
func setSeconds(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		dst.Duration = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid interval %q", key, v)
	}
	dst.Duration = d
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	dst.Duration = d
	return nil
}
