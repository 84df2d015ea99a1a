package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonnyspicer/mango"
	"golang.org/x/sync/errgroup"

	"ensemblebot/internal/backtest"
	"ensemblebot/internal/collector"
	"ensemblebot/internal/config"
	"ensemblebot/internal/db"
	"ensemblebot/internal/ensemble"
	"ensemblebot/internal/execution"
	"ensemblebot/internal/llm"
	"ensemblebot/internal/logging"
	"ensemblebot/internal/market"
	"ensemblebot/internal/metrics"
	"ensemblebot/internal/performance"
	"ensemblebot/internal/risk"
	"ensemblebot/internal/scheduler"
	"ensemblebot/internal/strategy"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaultConfig := "config.toml"
	if p := os.Getenv("BOT_CONFIG_PATH"); p != "" {
		defaultConfig = p
	}

	configPath := flag.String("config", defaultConfig, "Path to the optional TOML config file")
	dryRun := flag.Bool("dry-run", false, "Compute and log decisions without placing trades")
	once := flag.Bool("once", false, "Run a single trading cycle and exit")
	interval := flag.Duration("interval", 0, "Override TRADING_INTERVAL (e.g. 5m)")
	backtestMode := flag.Bool("backtest", false, "Replay stored market snapshots instead of trading")
	backtestFrom := flag.String("from", "", "Backtest start date (YYYY-MM-DD)")
	backtestTo := flag.String("to", "", "Backtest end date (YYYY-MM-DD)")
	backtestBalance := flag.Float64("balance", 1000, "Starting balance for backtest simulation")
	flag.Parse()

	// Config errors are reported before the configured logger exists.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}
	if *interval > 0 {
		cfg.Schedule.TradingInterval.Duration = *interval
	}
	if err := cfg.Validate(); err != nil {
		// Replay never talks to Manifold.
		if !*backtestMode || !errors.Is(err, config.ErrMissingAPIKey) {
			slog.Error("invalid configuration", "error", err)
			return 1
		}
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		slog.Error("invalid log configuration", "error", err)
		return 1
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	slog.Info("ensemblebot starting", "dry_run", *dryRun, "once", *once, "backtest", *backtestMode)

	database, err := db.Open(cfg.General.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		return 1
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		slog.Error("failed to run migrations", "error", err)
		return 1
	}
	slog.Info("database initialized", "path", cfg.General.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *backtestMode {
		// The language model is not replayable.
		runner := backtest.NewRunner(database, baseProducers(cfg), cfg, *backtestBalance)
		if _, err := runner.Run(ctx, *backtestFrom, *backtestTo); err != nil {
			if errors.Is(err, context.Canceled) {
				return 0
			}
			slog.Error("backtest failed", "error", err)
			return 1
		}
		return 0
	}

	var completer strategy.Completer
	if cfg.LLM.Enabled() {
		completer = llm.NewClient(cfg.LLM)
	}
	producers := append(baseProducers(cfg), strategy.NewLLMAnalyst(completer, llm.ErrUnauthorized))
	names := make([]string, 0, len(producers))
	for _, p := range producers {
		names = append(names, p.Name())
		slog.Info("producer registered", "producer", p.Name(), "enabled", p.Enabled())
	}

	mc := mango.DefaultClientInstance()
	scanner := market.NewScanner(
		market.NewClient(cfg.Manifold.APIBase, cfg.Manifold.APIKey),
		mc,
		market.NewCache(cfg.Schedule.CacheTTL.Duration),
		cfg.Manifold,
	)
	account := risk.NewAccount(mc, cfg.Manifold.BotUsername)
	tradeLog := db.NewTradeLog(database)
	tracker := performance.NewTracker(database)

	var weights ensemble.Source = ensemble.Static{W: ensemble.StaticWeights(names, cfg.Ensemble.Weights)}
	if cfg.Ensemble.Weighting == "adaptive" {
		weights = ensemble.NewAdaptive(tracker, names, cfg.Ensemble.MinResolvedTrades)
	}

	balance, err := account.Balance(ctx)
	if err != nil {
		slog.Error("initial balance refresh failed", "error", err)
		return 1
	}
	portfolio := risk.NewPortfolio(balance)
	restored, err := scheduler.RestorePortfolio(ctx, tradeLog, portfolio)
	if err != nil {
		slog.Error("failed to restore open positions", "error", err)
		return 1
	}
	slog.Info("portfolio loaded",
		"bankroll", portfolio.Bankroll(),
		"open_positions", restored,
		"risk_at_stake", portfolio.RiskAtStake(),
	)

	sched := scheduler.New(scheduler.Deps{
		Markets:   scanner,
		Trader:    execution.NewExecutor(mc),
		Ledger:    tradeLog,
		Balance:   account,
		Snapshots: collector.NewCollector(database),
		Reporter:  tracker,
		Producers: producers,
		Combiner:  ensemble.NewCombiner(cfg.Ensemble.AgreementThreshold),
		Weights:   weights,
		Risk:      risk.NewManager(cfg.Risk),
		Portfolio: portfolio,
	}, scheduler.Options{
		TargetUser:      cfg.Manifold.TargetUser,
		DryRun:          *dryRun,
		Interval:        cfg.Schedule.TradingInterval.Duration,
		ProducerTimeout: cfg.Schedule.ProducerTimeout.Duration,
	})

	if *once {
		if _, err := sched.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("trading cycle failed", "error", err)
			return 1
		}
		slog.Info("ensemblebot stopped")
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler error", "error", err)
		return 1
	}

	slog.Info("ensemblebot stopped")
	return 0
}

// baseProducers are the producers that work from market data alone.
func baseProducers(cfg *config.Config) []strategy.Producer {
	return []strategy.Producer{
		strategy.NewMomentum(cfg.Strategy.Momentum),
		strategy.NewContrarian(cfg.Strategy.Contrarian),
		strategy.NewValueSeeker(cfg.Strategy.Value),
		strategy.NewSentimentAnalyzer(cfg.Strategy.Sentiment),
	}
}
