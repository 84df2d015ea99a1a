package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ErrMissingAPIKey is returned by Validate when no Manifold API key is configured.
var ErrMissingAPIKey = errors.New("MANIFOLD_API_KEY is required")

type Config struct {
	General  GeneralConfig  `toml:"general"`
	Manifold ManifoldConfig `toml:"manifold"`
	Schedule ScheduleConfig `toml:"schedule"`
	Risk     RiskConfig     `toml:"risk"`
	Ensemble EnsembleConfig `toml:"ensemble"`
	Strategy StrategyConfig `toml:"strategy"`
	LLM      LLMConfig      `toml:"llm"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
	DBPath  string `toml:"db_path"`
}

type ManifoldConfig struct {
	APIKey       string `toml:"-"`
	APIBase      string `toml:"api_base"`
	BotUsername  string `toml:"bot_username"`
	TargetUser   string `toml:"target_user"`
	MarketLimit  int    `toml:"market_limit"`
	BetLimit     int    `toml:"bet_limit"`
	CommentLimit int    `toml:"comment_limit"`
}

type ScheduleConfig struct {
	TradingInterval Duration `toml:"trading_interval"`
	ProducerTimeout Duration `toml:"producer_timeout"`
	CacheTTL        Duration `toml:"cache_ttl"`
}

type RiskConfig struct {
	MaxBetAmount     float64 `toml:"max_bet_amount"`
	MinBetAmount     float64 `toml:"min_bet_amount"`
	MinEdge          float64 `toml:"min_edge"`
	MaxPositions     int     `toml:"max_positions"`
	RiskTolerance    float64 `toml:"risk_tolerance"`
	KellyFraction    float64 `toml:"kelly_fraction"`
	MaxPortfolioRisk float64 `toml:"max_portfolio_risk"`
}

type EnsembleConfig struct {
	AgreementThreshold float64 `toml:"agreement_threshold"`
	// Weighting is "static" (Weights, or equal when empty) or "adaptive".
	Weighting         string             `toml:"weighting"`
	Weights           map[string]float64 `toml:"weights"`
	MinResolvedTrades int                `toml:"min_resolved_trades"`
}

type StrategyConfig struct {
	Momentum   MomentumConfig   `toml:"momentum"`
	Contrarian ContrarianConfig `toml:"contrarian"`
	Value      ValueConfig      `toml:"value"`
	Sentiment  SentimentConfig  `toml:"sentiment"`
}

type MomentumConfig struct {
	Enabled     bool    `toml:"enabled"`
	Window      int     `toml:"window"`
	MinWindow   int     `toml:"min_window"`
	NoiseFloor  float64 `toml:"noise_floor"`
	ZScoreScale float64 `toml:"zscore_scale"`
}

type ContrarianConfig struct {
	Enabled              bool    `toml:"enabled"`
	ExtremeThresholdHigh float64 `toml:"extreme_threshold_high"`
	ExtremeThresholdLow  float64 `toml:"extreme_threshold_low"`
	MinTraders           int     `toml:"min_traders"`
	MinVolume            float64 `toml:"min_volume"`
}

type ValueConfig struct {
	Enabled        bool    `toml:"enabled"`
	MinTraders     int     `toml:"min_traders"`
	MinVolume      float64 `toml:"min_volume"`
	ValueThreshold float64 `toml:"value_threshold"`
	MinAgeDays     int     `toml:"min_age_days"`
}

type SentimentConfig struct {
	Enabled            bool    `toml:"enabled"`
	MinComments        int     `toml:"min_comments"`
	SentimentThreshold float64 `toml:"sentiment_threshold"`
	RecentComments     int     `toml:"recent_comments"`
	RecentBets         int     `toml:"recent_bets"`
}

type LLMConfig struct {
	APIKey      string   `toml:"-"`
	APIBase     string   `toml:"api_base"`
	Model       string   `toml:"model"`
	MaxTokens   int      `toml:"max_tokens"`
	Temperature float64  `toml:"temperature"`
	Timeout     Duration `toml:"timeout"`
}

// Enabled reports whether the LLM producer should be registered.
func (c LLMConfig) Enabled() bool { return c.APIKey != "" }

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Duration wraps time.Duration for TOML unmarshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Load builds the configuration from defaults, an optional TOML file, a .env
// file if present, and the process environment, in increasing precedence.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if cfg.General.DBPath == "" {
		cfg.General.DBPath = filepath.Join(cfg.General.DataDir, "ensemblebot.db")
	}

	return cfg, nil
}

// Validate reports the first class of configuration problems found. Any
// error returned here is fatal at startup.
func (c *Config) Validate() error {
	if c.Manifold.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Manifold.TargetUser == "" {
		return errors.New("TARGET_USER must not be empty")
	}

	var errs []error
	fractions := []struct {
		name string
		v    float64
	}{
		{"MIN_EDGE", c.Risk.MinEdge},
		{"RISK_TOLERANCE", c.Risk.RiskTolerance},
		{"KELLY_FRACTION", c.Risk.KellyFraction},
		{"MAX_PORTFOLIO_RISK", c.Risk.MaxPortfolioRisk},
		{"AGREEMENT_THRESHOLD", c.Ensemble.AgreementThreshold},
	}
	for _, f := range fractions {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", f.name, f.v))
		}
	}
	if c.Risk.MinBetAmount <= 0 {
		errs = append(errs, fmt.Errorf("MIN_BET_AMOUNT must be positive, got %v", c.Risk.MinBetAmount))
	}
	if c.Risk.MaxBetAmount < c.Risk.MinBetAmount {
		errs = append(errs, fmt.Errorf("MAX_BET_AMOUNT (%v) must be >= MIN_BET_AMOUNT (%v)", c.Risk.MaxBetAmount, c.Risk.MinBetAmount))
	}
	if c.Risk.MaxPositions <= 0 {
		errs = append(errs, fmt.Errorf("MAX_POSITIONS must be positive, got %d", c.Risk.MaxPositions))
	}
	if c.Schedule.TradingInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("TRADING_INTERVAL must be positive, got %s", c.Schedule.TradingInterval.Duration))
	}
	switch c.Ensemble.Weighting {
	case "static", "adaptive":
	default:
		errs = append(errs, fmt.Errorf("ENSEMBLE_WEIGHTING must be static or adaptive, got %q", c.Ensemble.Weighting))
	}
	for name, w := range c.Ensemble.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("ensemble weight for %s must not be negative", name))
		}
	}
	if c.LLM.Enabled() && (c.LLM.Temperature < 0 || c.LLM.Temperature > 1) {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be within [0,1], got %v", c.LLM.Temperature))
	}

	return errors.Join(errs...)
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir: "data",
		},
		Manifold: ManifoldConfig{
			APIBase:      "https://api.manifold.markets",
			BotUsername:  "MikhailTalBot",
			TargetUser:   "MikhailTal",
			MarketLimit:  100,
			BetLimit:     1000,
			CommentLimit: 50,
		},
		Schedule: ScheduleConfig{
			TradingInterval: Duration{300 * time.Second},
			ProducerTimeout: Duration{45 * time.Second},
			CacheTTL:        Duration{30 * time.Minute},
		},
		Risk: RiskConfig{
			MaxBetAmount:     100,
			MinBetAmount:     10,
			MinEdge:          0.05,
			MaxPositions:     20,
			RiskTolerance:    0.25,
			KellyFraction:    0.25,
			MaxPortfolioRisk: 0.30,
		},
		Ensemble: EnsembleConfig{
			AgreementThreshold: 0.2,
			Weighting:          "static",
			MinResolvedTrades:  5,
		},
		Strategy: StrategyConfig{
			Momentum: MomentumConfig{
				Enabled:     true,
				Window:      20,
				MinWindow:   10,
				NoiseFloor:  0.05,
				ZScoreScale: 3,
			},
			Contrarian: ContrarianConfig{
				Enabled:              true,
				ExtremeThresholdHigh: 0.85,
				ExtremeThresholdLow:  0.15,
				MinTraders:           3,
				MinVolume:            100,
			},
			Value: ValueConfig{
				Enabled:        true,
				MinTraders:     5,
				MinVolume:      50,
				ValueThreshold: 0.10,
				MinAgeDays:     1,
			},
			Sentiment: SentimentConfig{
				Enabled:            true,
				MinComments:        3,
				SentimentThreshold: 0.6,
				RecentComments:     20,
				RecentBets:         20,
			},
		},
		LLM: LLMConfig{
			APIBase:     "https://api.anthropic.com",
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   1000,
			Temperature: 0.7,
			Timeout:     Duration{30 * time.Second},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}
