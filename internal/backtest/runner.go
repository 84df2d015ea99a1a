package backtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ensemblebot/internal/config"
	"ensemblebot/internal/db"
	"ensemblebot/internal/ensemble"
	"ensemblebot/internal/risk"
	"ensemblebot/internal/strategy"
)

// Result summarizes a replay.
type Result struct {
	From, To        time.Time
	Snapshots       int
	Trades          int
	Wagered         float64
	Settled         int
	RealizedPnL     float64
	UnrealizedPnL   float64
	StartingBalance float64
	FinalBankroll   float64
	Rejections      map[risk.Reason]int
}

// Runner replays stored market snapshots through the producers, the
// ensemble and the risk gates against a virtual portfolio. Nothing is
// posted to Manifold.
type Runner struct {
	db           *sql.DB
	producers    []strategy.Producer
	combiner     *ensemble.Combiner
	weights      ensemble.Weights
	riskMgr      *risk.Manager
	startBalance float64
	timeout      time.Duration
}

func NewRunner(database *sql.DB, producers []strategy.Producer, cfg *config.Config, startBalance float64) *Runner {
	names := make([]string, 0, len(producers))
	for _, p := range producers {
		names = append(names, p.Name())
	}
	return &Runner{
		db:           database,
		producers:    producers,
		combiner:     ensemble.NewCombiner(cfg.Ensemble.AgreementThreshold),
		weights:      ensemble.StaticWeights(names, cfg.Ensemble.Weights),
		riskMgr:      risk.NewManager(cfg.Risk),
		startBalance: startBalance,
		timeout:      cfg.Schedule.ProducerTimeout.Duration,
	}
}

// Run executes the backtest over the given date range. Empty bounds default
// to the last year.
func (r *Runner) Run(ctx context.Context, fromStr, toStr string) (*Result, error) {
	from, to, err := parseDateRange(fromStr, toStr)
	if err != nil {
		return nil, err
	}

	slog.Info("backtest starting", "from", from.Format("2006-01-02"), "to", to.Format("2006-01-02"), "balance", r.startBalance)

	timestamps, err := r.loadSnapshotTimestamps(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot timestamps: %w", err)
	}
	if len(timestamps) == 0 {
		return nil, fmt.Errorf("no market snapshots found in range %s to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}

	slog.Info("loaded snapshot timestamps", "count", len(timestamps))

	portfolio := risk.NewPortfolio(r.startBalance)
	res := &Result{
		From:            from,
		To:              to,
		Snapshots:       len(timestamps),
		StartingBalance: r.startBalance,
		Rejections:      make(map[risk.Reason]int),
	}

	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		at, err := time.ParseInLocation(db.TimeLayout, ts, time.UTC)
		if err != nil {
			slog.Warn("skipping unparseable snapshot time", "timestamp", ts, "error", err)
			continue
		}

		markets, err := r.loadMarketsAt(ctx, ts)
		if err != nil {
			slog.Warn("failed to load markets at timestamp", "timestamp", ts, "error", err)
			continue
		}

		for _, snap := range markets {
			portfolio.MarkToMarket(snap.ID, snap.Probability)

			results := strategy.Run(ctx, r.producers, snap, strategy.HistoryContext{Now: at}, r.timeout)
			sig := r.combiner.Combine(snap.ID, strategy.Signals(results), r.weights)
			d := r.riskMgr.Decide(sig, snap, portfolio)
			if !d.Approved {
				res.Rejections[d.Reason]++
				continue
			}

			if _, err := portfolio.OpenPosition(risk.Position{
				MarketID:         snap.ID,
				Direction:        d.Direction,
				Amount:           d.Amount,
				EntryProbability: snap.Probability,
				OpenedAt:         at,
			}); err != nil {
				if errors.Is(err, risk.ErrDuplicatePosition) {
					return nil, err
				}
				slog.Warn("backtest position rejected", "market", snap.ID, "error", err)
				continue
			}
			res.Trades++
			res.Wagered += d.Amount
		}
	}

	if err := r.settle(ctx, portfolio, res); err != nil {
		return nil, err
	}

	res.RealizedPnL = portfolio.RealizedPnL()
	res.UnrealizedPnL = portfolio.UnrealizedPnL()
	res.FinalBankroll = portfolio.Bankroll()

	slog.Info("backtest results",
		"period", fmt.Sprintf("%s to %s", from.Format("2006-01-02"), to.Format("2006-01-02")),
		"snapshots_processed", res.Snapshots,
		"trades", res.Trades,
		"mana_wagered", res.Wagered,
		"settled", res.Settled,
		"realized_pnl", res.RealizedPnL,
		"unrealized_pnl", res.UnrealizedPnL,
		"starting_balance", res.StartingBalance,
		"final_bankroll", res.FinalBankroll,
	)
	return res, nil
}

// settle closes positions on markets that have since resolved.
func (r *Runner) settle(ctx context.Context, portfolio *risk.Portfolio, res *Result) error {
	for _, pos := range portfolio.Positions() {
		var resolution sql.NullString
		var prob sql.NullFloat64
		var resolved int
		err := r.db.QueryRowContext(ctx,
			`SELECT is_resolved, resolution, resolution_prob FROM markets WHERE id = ?`, pos.MarketID,
		).Scan(&resolved, &resolution, &prob)
		if err != nil {
			return fmt.Errorf("loading resolution for %s: %w", pos.MarketID, err)
		}
		if resolved == 0 || !resolution.Valid {
			continue
		}
		if _, err := portfolio.ClosePosition(pos.MarketID, risk.Resolution{Outcome: resolution.String, Probability: prob.Float64}); err != nil {
			return err
		}
		res.Settled++
	}
	return nil
}

func parseDateRange(fromStr, toStr string) (time.Time, time.Time, error) {
	var from, to time.Time

	if fromStr == "" {
		from = time.Now().UTC().AddDate(-1, 0, 0)
	} else {
		var err error
		from, err = time.Parse("2006-01-02", fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing from date: %w", err)
		}
	}

	if toStr == "" {
		to = time.Now().UTC()
	} else {
		var err error
		to, err = time.Parse("2006-01-02", toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing to date: %w", err)
		}
		// Inclusive of the whole end day.
		to = to.Add(24*time.Hour - time.Second)
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("from %s is after to %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	return from, to, nil
}

func (r *Runner) loadSnapshotTimestamps(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT snapshot_at FROM market_snapshots
		WHERE snapshot_at >= ? AND snapshot_at <= ?
		ORDER BY snapshot_at`,
		from.Format(db.TimeLayout),
		to.Format(db.TimeLayout),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timestamps []string
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		timestamps = append(timestamps, ts)
	}
	return timestamps, rows.Err()
}

// loadMarketsAt rebuilds the snapshots taken at ts, with each market's
// probability history made of its own earlier snapshots.
func (r *Runner) loadMarketsAt(ctx context.Context, ts string) ([]strategy.MarketSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.question, m.url, m.created_time, m.close_time,
		       s.probability, s.volume, s.total_liquidity, s.unique_traders, s.comment_count
		FROM market_snapshots s
		JOIN markets m ON m.id = s.market_id
		WHERE s.snapshot_at = ?
		ORDER BY m.id`,
		ts,
	)
	if err != nil {
		return nil, err
	}

	var markets []strategy.MarketSnapshot
	for rows.Next() {
		var (
			snap        strategy.MarketSnapshot
			createdTime int64
			closeTime   int64
		)
		if err := rows.Scan(
			&snap.ID, &snap.Question, &snap.URL, &createdTime, &closeTime,
			&snap.Probability, &snap.Volume, &snap.TotalLiquidity, &snap.UniqueTraders, &snap.CommentCount,
		); err != nil {
			rows.Close()
			return nil, err
		}
		snap.CreatedTime = time.UnixMilli(createdTime)
		if closeTime > 0 {
			snap.CloseTime = time.UnixMilli(closeTime)
		}
		snap.IsOpen = true
		markets = append(markets, snap)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The pool has one connection, so history is read after the outer rows
	// are closed.
	for i := range markets {
		hist, err := r.loadHistory(ctx, markets[i].ID, ts)
		if err != nil {
			return nil, fmt.Errorf("loading history for %s: %w", markets[i].ID, err)
		}
		markets[i].History = hist
	}
	return markets, nil
}

func (r *Runner) loadHistory(ctx context.Context, marketID, ts string) ([]strategy.ProbabilityPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT probability, snapshot_at FROM market_snapshots
		WHERE market_id = ? AND snapshot_at <= ?
		ORDER BY snapshot_at`,
		marketID, ts,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []strategy.ProbabilityPoint
	for rows.Next() {
		var p float64
		var at string
		if err := rows.Scan(&p, &at); err != nil {
			return nil, err
		}
		t, err := time.ParseInLocation(db.TimeLayout, at, time.UTC)
		if err != nil {
			return nil, err
		}
		out = append(out, strategy.ProbabilityPoint{Time: t, Probability: p})
	}
	return out, rows.Err()
}
