package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ensemblebot/internal/db"
	"ensemblebot/internal/ensemble"
	"ensemblebot/internal/market"
	"ensemblebot/internal/metrics"
	"ensemblebot/internal/performance"
	"ensemblebot/internal/risk"
	"ensemblebot/internal/strategy"
)

// MarketSource lists the target user's open markets and looks up single
// markets for settlement.
type MarketSource interface {
	ListOpenMarkets(ctx context.Context, targetUser string) ([]market.Observation, error)
	Resolve(ctx context.Context, marketID string) (market.Status, error)
}

type Trader interface {
	ExecuteTrade(ctx context.Context, marketID string, dir strategy.Direction, amount float64) error
}

// Ledger is the append-only trade history.
type Ledger interface {
	Append(ctx context.Context, rec db.TradeRecord) (string, error)
	AppendResolution(ctx context.Context, res db.ResolutionRecord) error
}

type BalanceSource interface {
	Balance(ctx context.Context) (float64, error)
}

// SnapshotRecorder stores per-cycle market snapshots for backtesting.
type SnapshotRecorder interface {
	Record(ctx context.Context, snaps []strategy.MarketSnapshot) error
	MarkResolved(ctx context.Context, marketID, resolution string, prob float64) error
}

type Reporter interface {
	Snapshot(ctx context.Context, p performance.Portfolio) (*performance.Report, error)
}

// Deps are the collaborators of a Scheduler. Balance, Snapshots and
// Reporter are optional.
type Deps struct {
	Markets   MarketSource
	Trader    Trader
	Ledger    Ledger
	Balance   BalanceSource
	Snapshots SnapshotRecorder
	Reporter  Reporter
	Producers []strategy.Producer
	Combiner  *ensemble.Combiner
	Weights   ensemble.Source
	Risk      *risk.Manager
	Portfolio *risk.Portfolio
}

type Options struct {
	TargetUser      string
	DryRun          bool
	Interval        time.Duration
	ProducerTimeout time.Duration
}

// Summary describes one cycle.
type Summary struct {
	Markets     int
	Evaluated   int
	Approved    int
	Executed    int
	Failed      int
	Settled     int
	Rejections  map[risk.Reason]int
	Interrupted bool
}

// Scheduler runs trading cycles. Markets are evaluated one at a time in the
// order they are listed, so every decision sees the positions opened
// earlier in the same cycle.
type Scheduler struct {
	deps      Deps
	opts      Options
	weights   ensemble.Weights
	now       func() time.Time
	retryWait time.Duration
}

const appendAttempts = 3

func New(deps Deps, opts Options) *Scheduler {
	names := make([]string, 0, len(deps.Producers))
	for _, p := range deps.Producers {
		names = append(names, p.Name())
	}
	return &Scheduler{
		deps:      deps,
		opts:      opts,
		weights:   ensemble.EqualWeights(names),
		now:       time.Now,
		retryWait: time.Second,
	}
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. A failed cycle is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting",
		"interval", s.opts.Interval,
		"target_user", s.opts.TargetUser,
		"dry_run", s.opts.DryRun,
	)

	s.runLogged(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		if errors.Is(err, risk.ErrDuplicatePosition) {
			slog.Error("invariant violated, cycle halted", "error", err)
			return
		}
		slog.Error("trading cycle failed", "error", err)
	}
}

// RunOnce executes one trading cycle. Cancellation is honored between
// markets; a market whose evaluation has started is always finished.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	start := s.now()
	sum := Summary{Rejections: make(map[risk.Reason]int)}
	slog.Info("starting trading cycle", "dry_run", s.opts.DryRun)

	if !s.opts.DryRun {
		s.refreshBankroll(ctx)
	}
	s.refreshWeights(ctx)

	if !s.opts.DryRun {
		sum.Settled = s.reconcile(ctx)
	}

	obs, err := s.deps.Markets.ListOpenMarkets(ctx, s.opts.TargetUser)
	if err != nil {
		if ctx.Err() != nil {
			sum.Interrupted = true
			slog.Info("cycle interrupted while listing markets", "error", err)
			s.finish(context.WithoutCancel(ctx), sum, start)
			return sum, nil
		}
		return sum, fmt.Errorf("listing markets: %w", err)
	}
	sum.Markets = len(obs)
	if len(obs) == 0 {
		slog.Info("no open markets this cycle", "target_user", s.opts.TargetUser)
	}

	if s.deps.Snapshots != nil && len(obs) > 0 {
		snaps := make([]strategy.MarketSnapshot, len(obs))
		for i, o := range obs {
			snaps[i] = o.Snapshot
		}
		if err := s.deps.Snapshots.Record(ctx, snaps); err != nil {
			slog.Warn("failed to record market snapshots", "error", err)
		}
	}

	var cycleErr error
	for _, o := range obs {
		if ctx.Err() != nil {
			sum.Interrupted = true
			slog.Info("cycle interrupted", "evaluated", sum.Evaluated, "remaining", len(obs)-sum.Evaluated)
			break
		}
		if err := s.evaluate(context.WithoutCancel(ctx), o, &sum); err != nil {
			cycleErr = err
			break
		}
		sum.Evaluated++
	}

	s.finish(context.WithoutCancel(ctx), sum, start)
	return sum, cycleErr
}

// evaluate runs one market through producers, ensemble, risk and, in live
// mode, execution. Only invariant violations and fills that could not be
// recorded are returned.
func (s *Scheduler) evaluate(ctx context.Context, o market.Observation, sum *Summary) error {
	snap := o.Snapshot
	if !s.opts.DryRun {
		s.deps.Portfolio.MarkToMarket(snap.ID, snap.Probability)
	}

	results := strategy.Run(ctx, s.deps.Producers, snap, o.History, s.opts.ProducerTimeout)
	for _, r := range results {
		metrics.ObserveProducer(r.Signal.Producer, string(r.Status))
	}

	sig := s.deps.Combiner.Combine(snap.ID, strategy.Signals(results), s.weights)
	slog.Info("ensemble signal",
		"market", snap.ID,
		"direction", sig.Direction,
		"confidence", sig.Confidence,
		"strength", sig.Strength,
		"net_score", sig.NetScore,
		"weights_version", sig.WeightsVersion,
		"contributions", sig.Summary(),
	)

	d := s.deps.Risk.Decide(sig, snap, s.deps.Portfolio)
	metrics.ObserveDecision(string(d.Reason))
	if !d.Approved {
		sum.Rejections[d.Reason]++
		slog.Info("bet rejected",
			"market", snap.ID,
			"reason", d.Reason,
			"direction", d.Direction,
			"edge", d.Edge,
			"amount", d.Amount,
		)
		return nil
	}
	sum.Approved++

	if s.opts.DryRun {
		metrics.ObserveTrade("dry_run")
		slog.Info("dry run, trade not executed",
			"market", snap.ID,
			"question", snap.Question,
			"direction", d.Direction,
			"amount", d.Amount,
			"edge", d.Edge,
		)
		return nil
	}

	if err := s.deps.Trader.ExecuteTrade(ctx, snap.ID, d.Direction, d.Amount); err != nil {
		sum.Failed++
		metrics.ObserveTrade("failed")
		slog.Warn("trade failed", "market", snap.ID, "direction", d.Direction, "amount", d.Amount, "error", err)
		return nil
	}

	now := s.now().UTC()
	tradeID := uuid.NewString()
	pos, err := s.deps.Portfolio.OpenPosition(risk.Position{
		TradeID:          tradeID,
		MarketID:         snap.ID,
		Direction:        d.Direction,
		Amount:           d.Amount,
		EntryProbability: snap.Probability,
		OpenedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("opening position on %s: %w", snap.ID, err)
	}
	sum.Executed++
	metrics.ObserveTrade("executed")

	rec := db.TradeRecord{
		ID:               tradeID,
		MarketID:         snap.ID,
		Question:         snap.Question,
		Direction:        string(d.Direction),
		Amount:           d.Amount,
		EntryProbability: snap.Probability,
		ModelProbability: d.ModelProbability,
		Edge:             d.Edge,
		Confidence:       sig.Confidence,
		Strength:         sig.Strength,
		WeightsVersion:   sig.WeightsVersion,
		PlacedAt:         now,
	}
	for _, c := range sig.Contributions {
		rec.Signals = append(rec.Signals, db.SignalRecord{
			Producer:   c.Signal.Producer,
			Direction:  string(c.Signal.Direction),
			Confidence: c.Signal.Confidence,
			Strength:   c.Signal.Strength,
			Weight:     c.Weight,
		})
	}
	if err := s.appendTrade(ctx, rec); err != nil {
		slog.Error("trade filled but not recorded",
			"market", snap.ID,
			"trade_id", tradeID,
			"direction", d.Direction,
			"amount", d.Amount,
			"error", err,
		)
		return fmt.Errorf("recording trade %s on %s: %w", tradeID, snap.ID, err)
	}

	slog.Info("trade executed",
		"market", snap.ID,
		"trade_id", tradeID,
		"direction", pos.Direction,
		"amount", pos.Amount,
		"entry_prob", pos.EntryProbability,
		"bankroll", s.deps.Portfolio.Bankroll(),
	)
	return nil
}

// appendTrade persists a filled trade. A fill missing from the history would
// be forgotten on restart, so the append is retried before giving up.
func (s *Scheduler) appendTrade(ctx context.Context, rec db.TradeRecord) error {
	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		if _, err = s.deps.Ledger.Append(ctx, rec); err == nil {
			return nil
		}
		slog.Warn("failed to persist trade", "trade_id", rec.ID, "attempt", attempt, "error", err)
		if attempt < appendAttempts {
			time.Sleep(s.retryWait)
		}
	}
	return err
}

func (s *Scheduler) refreshBankroll(ctx context.Context) {
	if s.deps.Balance == nil {
		return
	}
	balance, err := s.deps.Balance.Balance(ctx)
	if err != nil {
		slog.Warn("balance refresh failed, keeping last bankroll", "bankroll", s.deps.Portfolio.Bankroll(), "error", err)
		return
	}
	s.deps.Portfolio.SetBankroll(balance)
}

// refreshWeights takes a new weights snapshot. Weights never change while
// a cycle is running.
func (s *Scheduler) refreshWeights(ctx context.Context) {
	if s.deps.Weights == nil {
		return
	}
	w, err := s.deps.Weights.Weights(ctx)
	if err != nil {
		slog.Warn("weights refresh failed, keeping previous snapshot", "version", s.weights.Version, "error", err)
		return
	}
	s.weights = w
}

// reconcile settles positions on resolved markets and marks the rest to
// market. It returns the number of positions closed.
func (s *Scheduler) reconcile(ctx context.Context) int {
	settled := 0
	for _, pos := range s.deps.Portfolio.Positions() {
		if ctx.Err() != nil {
			return settled
		}
		st, err := s.deps.Markets.Resolve(ctx, pos.MarketID)
		if err != nil {
			slog.Warn("failed to refresh position", "market", pos.MarketID, "error", err)
			continue
		}
		if !st.Resolved {
			s.deps.Portfolio.MarkToMarket(pos.MarketID, st.Probability)
			continue
		}

		closed, err := s.deps.Portfolio.ClosePosition(pos.MarketID, risk.Resolution{Outcome: st.Resolution, Probability: st.Probability})
		if err != nil {
			slog.Error("failed to close position", "market", pos.MarketID, "error", err)
			continue
		}
		settled++

		persist := context.WithoutCancel(ctx)
		err = s.deps.Ledger.AppendResolution(persist, db.ResolutionRecord{
			TradeID:        closed.TradeID,
			Outcome:        st.Resolution,
			ResolutionProb: st.Probability,
			Payout:         closed.Payout,
			PnL:            closed.PnL(),
			ResolvedAt:     s.now().UTC(),
		})
		if err != nil {
			slog.Error("failed to persist resolution", "market", pos.MarketID, "trade_id", closed.TradeID, "error", err)
		}
		if s.deps.Snapshots != nil {
			if err := s.deps.Snapshots.MarkResolved(persist, pos.MarketID, st.Resolution, st.Probability); err != nil {
				slog.Warn("failed to mark market resolved", "market", pos.MarketID, "error", err)
			}
		}

		slog.Info("position closed",
			"market", pos.MarketID,
			"outcome", st.Resolution,
			"amount", closed.Amount,
			"payout", closed.Payout,
			"pnl", closed.PnL(),
		)
	}
	return settled
}

func (s *Scheduler) finish(ctx context.Context, sum Summary, start time.Time) {
	p := s.deps.Portfolio
	metrics.SetPortfolio(p.Bankroll(), p.OpenPositions(), p.RiskAtStake())
	metrics.ObserveCycle(s.now().Sub(start))

	if !s.opts.DryRun && s.deps.Reporter != nil {
		report, err := s.deps.Reporter.Snapshot(ctx, performance.Portfolio{
			Bankroll:      p.Bankroll(),
			AtStake:       p.RiskAtStake(),
			OpenPositions: p.OpenPositions(),
			UnrealizedPnL: p.UnrealizedPnL(),
		})
		if err != nil {
			slog.Error("performance snapshot failed", "error", err)
		} else {
			performance.LogReport(report)
		}
	}

	slog.Info("trading cycle complete",
		"markets", sum.Markets,
		"evaluated", sum.Evaluated,
		"approved", sum.Approved,
		"executed", sum.Executed,
		"failed", sum.Failed,
		"settled", sum.Settled,
		"interrupted", sum.Interrupted,
		"bankroll", p.Bankroll(),
		"open_positions", p.OpenPositions(),
		"risk_at_stake", p.RiskAtStake(),
	)
}

// OpenTradeSource returns trades that have not yet resolved.
type OpenTradeSource interface {
	OpenTrades(ctx context.Context) ([]db.TradeRecord, error)
}

// RestorePortfolio rebuilds open positions from the trade history.
func RestorePortfolio(ctx context.Context, src OpenTradeSource, p *risk.Portfolio) (int, error) {
	trades, err := src.OpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading open trades: %w", err)
	}
	positions := make([]risk.Position, 0, len(trades))
	for _, t := range trades {
		dir, ok := strategy.ParseDirection(t.Direction)
		if !ok || dir == strategy.None {
			return 0, fmt.Errorf("trade %s has invalid direction %q", t.ID, t.Direction)
		}
		positions = append(positions, risk.Position{
			TradeID:          t.ID,
			MarketID:         t.MarketID,
			Direction:        dir,
			Amount:           t.Amount,
			EntryProbability: t.EntryProbability,
			OpenedAt:         t.PlacedAt,
		})
	}
	if err := p.Restore(positions); err != nil {
		return 0, fmt.Errorf("restoring positions: %w", err)
	}
	return len(positions), nil
}
