package backtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemblebot/internal/config"
	"ensemblebot/internal/db"
	"ensemblebot/internal/risk"
	"ensemblebot/internal/strategy"
)

// cheapYes backs YES whenever the market trades below one half.
type cheapYes struct{ seenHistory []int }

func (c *cheapYes) Name() string  { return strategy.NameValue }
func (c *cheapYes) Enabled() bool { return true }
func (c *cheapYes) Evaluate(_ context.Context, snap strategy.MarketSnapshot, _ strategy.HistoryContext) strategy.Result {
	c.seenHistory = append(c.seenHistory, len(snap.History))
	if snap.Probability >= 0.5 {
		return strategy.Abstain(c.Name(), snap.ID, "fairly priced")
	}
	return strategy.Emit(strategy.Signal{Direction: strategy.Yes, Confidence: 0.8, Strength: 0.8})
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "backtest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	return database
}

func seed(t *testing.T, database *sql.DB) {
	t.Helper()
	_, err := database.Exec(`
		INSERT INTO markets (id, question, created_time, is_resolved, resolution) VALUES
			('cheap', 'Will A?', 0, 1, 'YES'),
			('fair', 'Will B?', 0, 0, NULL);
		INSERT INTO market_snapshots (market_id, probability, volume, total_liquidity, unique_traders, comment_count, snapshot_at) VALUES
			('cheap', 0.40, 100, 50, 5, 0, '2026-03-01 10:00:00'),
			('fair',  0.60, 100, 50, 5, 0, '2026-03-01 10:00:00'),
			('cheap', 0.42, 120, 50, 6, 0, '2026-03-01 11:00:00'),
			('cheap', 0.10, 120, 50, 6, 0, '2026-04-01 11:00:00');`)
	require.NoError(t, err)
}

func TestRun_ReplaysAndSettles(t *testing.T) {
	database := newTestDB(t)
	seed(t, database)
	producer := &cheapYes{}

	r := NewRunner(database, []strategy.Producer{producer}, config.DefaultConfig(), 1000)
	res, err := r.Run(context.Background(), "2026-03-01", "2026-03-01")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Snapshots)
	assert.Equal(t, 1, res.Trades, "second look at the same market should be gated")
	assert.Equal(t, 1, res.Rejections[risk.ReasonAlreadyPositioned])
	assert.Equal(t, 1, res.Rejections[risk.ReasonNoSignal])
	assert.Equal(t, 1, res.Settled)
	assert.Greater(t, res.RealizedPnL, 0.0)
	assert.Greater(t, res.FinalBankroll, res.StartingBalance)

	// cheap@10:00, fair@10:00, cheap@11:00
	assert.Equal(t, []int{1, 1, 2}, producer.seenHistory)
}

func TestRun_EmptyRange(t *testing.T) {
	database := newTestDB(t)
	seed(t, database)

	r := NewRunner(database, []strategy.Producer{&cheapYes{}}, config.DefaultConfig(), 1000)
	_, err := r.Run(context.Background(), "2025-01-01", "2025-01-31")
	assert.Error(t, err)
}

func TestParseDateRange(t *testing.T) {
	from, to, err := parseDateRange("2026-03-01", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01 00:00:00", from.Format(db.TimeLayout))
	assert.Equal(t, "2026-03-02 23:59:59", to.Format(db.TimeLayout))

	_, _, err = parseDateRange("2026-03-05", "2026-03-01")
	assert.Error(t, err)

	_, _, err = parseDateRange("yesterday", "")
	assert.Error(t, err)
}
