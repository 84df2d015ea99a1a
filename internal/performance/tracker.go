package performance

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"ensemblebot/internal/ensemble"
)

// Tracker computes performance metrics from the trade history and writes
// bankroll and performance snapshots.
type Tracker struct {
	db *sql.DB
}

func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Report contains all performance metrics.
type Report struct {
	TotalTrades    int
	ResolvedTrades int
	ManaWagered    float64
	RealizedPnL    float64
	ROI            float64
	WinRate        float64
	PeakValue      float64
	MaxDrawdown    float64
	ProducerStats  map[string]ProducerStats
}

// ProducerStats attributes trade outcomes to the producers that voted on
// them. A producer that voted against the trade direction is credited with
// the opposite of the trade's profit.
type ProducerStats struct {
	Signals     int
	ManaWagered float64
	Resolved    int
	Wins        int
	PnL         float64
	WinRate     float64
	AvgReturn   float64
}

// Generate computes the full performance report.
func (t *Tracker) Generate(ctx context.Context) (*Report, error) {
	r := &Report{
		ProducerStats: make(map[string]ProducerStats),
	}

	if err := t.computeOverall(ctx, r); err != nil {
		return nil, fmt.Errorf("computing overall stats: %w", err)
	}
	stats, err := t.producerStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing producer stats: %w", err)
	}
	r.ProducerStats = stats
	if err := t.computeDrawdown(ctx, r); err != nil {
		return nil, fmt.Errorf("computing drawdown: %w", err)
	}

	return r, nil
}

func (t *Tracker) computeOverall(ctx context.Context, r *Report) error {
	row := t.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM trades`)
	if err := row.Scan(&r.TotalTrades, &r.ManaWagered); err != nil {
		return err
	}

	var wins int
	row = t.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(pnl), 0), COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0)
		FROM trade_resolutions`)
	if err := row.Scan(&r.ResolvedTrades, &r.RealizedPnL, &wins); err != nil {
		return err
	}

	if r.ManaWagered > 0 {
		r.ROI = r.RealizedPnL / r.ManaWagered
	}
	if r.ResolvedTrades > 0 {
		r.WinRate = float64(wins) / float64(r.ResolvedTrades)
	}
	return nil
}

func (t *Tracker) producerStats(ctx context.Context) (map[string]ProducerStats, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT s.producer,
		       COUNT(*),
		       COALESCE(SUM(t.amount), 0),
		       COALESCE(SUM(CASE WHEN r.trade_id IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN r.trade_id IS NOT NULL
		                          AND (CASE WHEN s.direction = t.direction THEN r.pnl ELSE -r.pnl END) > 0
		                    THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN s.direction = t.direction THEN r.pnl ELSE -r.pnl END), 0),
		       COALESCE(AVG(CASE WHEN r.trade_id IS NOT NULL AND t.amount > 0
		                    THEN (CASE WHEN s.direction = t.direction THEN r.pnl ELSE -r.pnl END) / t.amount END), 0)
		FROM trade_signals s
		JOIN trades t ON t.id = s.trade_id
		LEFT JOIN trade_resolutions r ON r.trade_id = t.id
		GROUP BY s.producer`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ProducerStats)
	for rows.Next() {
		var name string
		var stats ProducerStats
		if err := rows.Scan(&name, &stats.Signals, &stats.ManaWagered, &stats.Resolved, &stats.Wins, &stats.PnL, &stats.AvgReturn); err != nil {
			return nil, err
		}
		if stats.Resolved > 0 {
			stats.WinRate = float64(stats.Wins) / float64(stats.Resolved)
		}
		out[name] = stats
	}
	return out, rows.Err()
}

// ProducerRecords feeds adaptive ensemble weighting.
func (t *Tracker) ProducerRecords(ctx context.Context) (map[string]ensemble.Record, error) {
	stats, err := t.producerStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing producer stats: %w", err)
	}
	out := make(map[string]ensemble.Record, len(stats))
	for name, s := range stats {
		out[name] = ensemble.Record{Resolved: s.Resolved, Wins: s.Wins, AvgReturn: s.AvgReturn}
	}
	return out, nil
}

func (t *Tracker) computeDrawdown(ctx context.Context, r *Report) error {
	rows, err := t.db.QueryContext(ctx, `SELECT total_value FROM bankroll_snapshots ORDER BY snapshot_at ASC, id ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var peak float64
	var maxDD float64
	for rows.Next() {
		var value float64
		if err := rows.Scan(&value); err != nil {
			return err
		}
		if value > peak {
			peak = value
		}
		if peak > 0 {
			dd := (peak - value) / peak
			maxDD = math.Max(maxDD, dd)
		}
	}
	r.PeakValue = peak
	r.MaxDrawdown = maxDD
	return rows.Err()
}

// SnapshotBankroll records the bankroll and the mana committed to open positions.
func (t *Tracker) SnapshotBankroll(ctx context.Context, bankroll, atStake float64) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO bankroll_snapshots (bankroll, at_stake, total_value)
		VALUES (?, ?, ?)`,
		bankroll, atStake, bankroll+atStake,
	)
	if err != nil {
		return fmt.Errorf("inserting bankroll snapshot: %w", err)
	}
	return nil
}

// Portfolio is the live state folded into a performance snapshot.
type Portfolio struct {
	Bankroll      float64
	AtStake       float64
	OpenPositions int
	UnrealizedPnL float64
}

// Snapshot records the bankroll, regenerates the report and persists a
// performance snapshot. The report is returned for logging.
func (t *Tracker) Snapshot(ctx context.Context, p Portfolio) (*Report, error) {
	if err := t.SnapshotBankroll(ctx, p.Bankroll, p.AtStake); err != nil {
		return nil, err
	}
	r, err := t.Generate(ctx)
	if err != nil {
		return nil, err
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO performance_snapshots (bankroll, open_positions, total_trades, resolved_trades,
			win_rate, realized_pnl, unrealized_pnl, max_drawdown)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Bankroll, p.OpenPositions, r.TotalTrades, r.ResolvedTrades,
		r.WinRate, r.RealizedPnL, p.UnrealizedPnL, r.MaxDrawdown,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting performance snapshot: %w", err)
	}
	return r, nil
}
