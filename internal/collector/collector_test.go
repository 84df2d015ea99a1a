package collector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemblebot/internal/db"
	"ensemblebot/internal/strategy"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "collector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))
	return NewCollector(database)
}

func TestRecord_UpsertsMarketsAndAppendsSnapshots(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	snap := strategy.MarketSnapshot{ID: "m1", Question: "Will A?", Probability: 0.4, Volume: 100, UniqueTraders: 3, CreatedTime: created}
	require.NoError(t, c.Record(ctx, []strategy.MarketSnapshot{snap}))

	at = at.Add(time.Hour)
	snap.Question = "Will A happen?"
	snap.Probability = 0.45
	require.NoError(t, c.Record(ctx, []strategy.MarketSnapshot{snap}))

	var markets int
	var question string
	require.NoError(t, c.db.QueryRow(`SELECT COUNT(*), MAX(question) FROM markets`).Scan(&markets, &question))
	assert.Equal(t, 1, markets)
	assert.Equal(t, "Will A happen?", question)

	rows, err := c.db.Query(`SELECT probability, snapshot_at FROM market_snapshots ORDER BY snapshot_at`)
	require.NoError(t, err)
	defer rows.Close()
	var probs []float64
	var stamps []string
	for rows.Next() {
		var p float64
		var ts string
		require.NoError(t, rows.Scan(&p, &ts))
		probs = append(probs, p)
		stamps = append(stamps, ts)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []float64{0.4, 0.45}, probs)
	assert.Equal(t, []string{"2026-05-01 12:00:00", "2026-05-01 13:00:00"}, stamps)
}

func TestRecord_Empty(t *testing.T) {
	c := newTestCollector(t)
	assert.NoError(t, c.Record(context.Background(), nil))
}

func TestMarkResolved(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, []strategy.MarketSnapshot{{ID: "m1", Question: "Q", CreatedTime: time.Now()}}))

	require.NoError(t, c.MarkResolved(ctx, "m1", "YES", 1))

	var resolved int
	var resolution string
	require.NoError(t, c.db.QueryRow(`SELECT is_resolved, resolution FROM markets WHERE id = 'm1'`).Scan(&resolved, &resolution))
	assert.Equal(t, 1, resolved)
	assert.Equal(t, "YES", resolution)
}
