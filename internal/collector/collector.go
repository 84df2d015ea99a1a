package collector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"ensemblebot/internal/db"
	"ensemblebot/internal/strategy"
)

// Collector stores a snapshot of every market evaluated in a cycle so the
// backtester can replay them.
type Collector struct {
	db  *sql.DB
	now func() time.Time
}

func NewCollector(database *sql.DB) *Collector {
	return &Collector{db: database, now: time.Now}
}

// Record upserts each market and appends a snapshot row. Failures on one
// market are logged and do not stop the rest.
func (c *Collector) Record(ctx context.Context, snaps []strategy.MarketSnapshot) error {
	at := c.now().UTC().Format(db.TimeLayout)
	upserted, snapshotted := 0, 0
	for _, m := range snaps {
		if err := c.upsertMarket(ctx, m); err != nil {
			slog.Warn("failed to upsert market", "id", m.ID, "error", err)
			continue
		}
		upserted++

		if err := c.snapshot(ctx, m, at); err != nil {
			slog.Warn("failed to snapshot market", "id", m.ID, "error", err)
			continue
		}
		snapshotted++
	}

	slog.Info("collection complete", "markets_upserted", upserted, "snapshots_taken", snapshotted)
	if len(snaps) > 0 && snapshotted == 0 {
		return fmt.Errorf("no snapshots stored out of %d markets", len(snaps))
	}
	return nil
}

// MarkResolved stores a market's resolution for later replay.
func (c *Collector) MarkResolved(ctx context.Context, marketID, resolution string, prob float64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE markets
		SET is_resolved = 1, resolution = ?, resolution_prob = ?, last_updated_at = datetime('now')
		WHERE id = ?`,
		resolution, prob, marketID,
	)
	if err != nil {
		return fmt.Errorf("marking %s resolved: %w", marketID, err)
	}
	return nil
}

func (c *Collector) upsertMarket(ctx context.Context, m strategy.MarketSnapshot) error {
	var closeTime int64
	if !m.CloseTime.IsZero() {
		closeTime = m.CloseTime.UnixMilli()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO markets (id, question, url, created_time, close_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			close_time = excluded.close_time,
			last_updated_at = datetime('now')`,
		m.ID, m.Question, m.URL, m.CreatedTime.UnixMilli(), closeTime,
	)
	return err
}

func (c *Collector) snapshot(ctx context.Context, m strategy.MarketSnapshot, at string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO market_snapshots (market_id, probability, volume, total_liquidity, unique_traders, comment_count, snapshot_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Probability, m.Volume, m.TotalLiquidity, m.UniqueTraders, m.CommentCount, at,
	)
	return err
}
