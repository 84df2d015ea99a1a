package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemblebot/internal/config"
	"ensemblebot/internal/db"
	"ensemblebot/internal/ensemble"
	"ensemblebot/internal/market"
	"ensemblebot/internal/risk"
	"ensemblebot/internal/strategy"
)

type fakeMarkets struct {
	obs      []market.Observation
	statuses map[string]market.Status
}

// ListOpenMarkets fails the way an HTTP client does once ctx is cancelled.
func (f *fakeMarkets) ListOpenMarkets(ctx context.Context, _ string) ([]market.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.obs, nil
}

func (f *fakeMarkets) Resolve(_ context.Context, id string) (market.Status, error) {
	st, ok := f.statuses[id]
	if !ok {
		return market.Status{}, errors.New("not found")
	}
	return st, nil
}

type fakeTrader struct {
	calls []string
	err   error
	after func(marketID string)
}

func (f *fakeTrader) ExecuteTrade(_ context.Context, marketID string, _ strategy.Direction, _ float64) error {
	f.calls = append(f.calls, marketID)
	if f.after != nil {
		f.after(marketID)
	}
	return f.err
}

type fakeLedger struct {
	trades      []db.TradeRecord
	resolutions []db.ResolutionRecord
	failAppends int
	appendCalls int
}

func (f *fakeLedger) Append(_ context.Context, rec db.TradeRecord) (string, error) {
	f.appendCalls++
	if f.failAppends > 0 {
		f.failAppends--
		return "", errors.New("database is locked")
	}
	f.trades = append(f.trades, rec)
	return rec.ID, nil
}

func (f *fakeLedger) AppendResolution(_ context.Context, res db.ResolutionRecord) error {
	f.resolutions = append(f.resolutions, res)
	return nil
}

func (f *fakeLedger) OpenTrades(context.Context) ([]db.TradeRecord, error) {
	return f.trades, nil
}

// scripted emits a fixed signal per market and abstains elsewhere.
type scripted struct {
	name    string
	signals map[string]strategy.Signal
}

func (s *scripted) Name() string  { return s.name }
func (s *scripted) Enabled() bool { return true }
func (s *scripted) Evaluate(_ context.Context, snap strategy.MarketSnapshot, _ strategy.HistoryContext) strategy.Result {
	sig, ok := s.signals[snap.ID]
	if !ok {
		return strategy.Abstain(s.name, snap.ID, "no opinion")
	}
	return strategy.Emit(sig)
}

func strongYes() strategy.Signal {
	return strategy.Signal{Direction: strategy.Yes, Confidence: 0.8, Strength: 0.75}
}

func observation(id string, prob float64) market.Observation {
	return market.Observation{
		Snapshot: strategy.MarketSnapshot{ID: id, Question: "Will " + id + "?", Probability: prob, IsOpen: true},
		History:  strategy.HistoryContext{Now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
}

type harness struct {
	markets   *fakeMarkets
	trader    *fakeTrader
	ledger    *fakeLedger
	portfolio *risk.Portfolio
	sched     *Scheduler
}

func newHarness(riskCfg config.RiskConfig, dryRun bool, producer *scripted, obs ...market.Observation) *harness {
	h := &harness{
		markets:   &fakeMarkets{obs: obs, statuses: map[string]market.Status{}},
		trader:    &fakeTrader{},
		ledger:    &fakeLedger{},
		portfolio: risk.NewPortfolio(1000),
	}
	h.sched = New(Deps{
		Markets:   h.markets,
		Trader:    h.trader,
		Ledger:    h.ledger,
		Producers: []strategy.Producer{producer},
		Combiner:  ensemble.NewCombiner(0.2),
		Risk:      risk.NewManager(riskCfg),
		Portfolio: h.portfolio,
	}, Options{TargetUser: "MikhailTal", DryRun: dryRun, Interval: time.Minute, ProducerTimeout: time.Second})
	h.sched.retryWait = 0
	return h
}

func TestRunOnce_DryRunLeavesPortfolioUnchanged(t *testing.T) {
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{"m1": strongYes()}}
	h := newHarness(config.DefaultConfig().Risk, true, producer, observation("m1", 0.4))
	_, err := h.portfolio.OpenPosition(risk.Position{MarketID: "held", Direction: strategy.No, Amount: 20, EntryProbability: 0.7})
	require.NoError(t, err)

	before := h.portfolio.Positions()
	bankroll := h.portfolio.Bankroll()

	sum, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Approved)
	assert.Zero(t, sum.Executed)
	assert.Empty(t, h.trader.calls)
	assert.Empty(t, h.ledger.trades)
	assert.Equal(t, before, h.portfolio.Positions())
	assert.Equal(t, bankroll, h.portfolio.Bankroll())
}

func TestRunOnce_LiveAppliesDecisionsInOrder(t *testing.T) {
	cfg := config.DefaultConfig().Risk
	cfg.MaxPositions = 1
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{
		"m1": strongYes(),
		"m2": strongYes(),
	}}
	h := newHarness(cfg, false, producer, observation("m1", 0.4), observation("m2", 0.4))

	sum, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"m1"}, h.trader.calls)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, 1, sum.Rejections[risk.ReasonMaxPositions])
	assert.True(t, h.portfolio.HasPosition("m1"))
	assert.False(t, h.portfolio.HasPosition("m2"))

	require.Len(t, h.ledger.trades, 1)
	rec := h.ledger.trades[0]
	assert.Equal(t, "m1", rec.MarketID)
	assert.Equal(t, "YES", rec.Direction)
	assert.Equal(t, 0.4, rec.EntryProbability)
	require.Len(t, rec.Signals, 1)
	assert.Equal(t, strategy.NameMomentum, rec.Signals[0].Producer)

	pos, ok := h.portfolio.Position("m1")
	require.True(t, ok)
	assert.Equal(t, rec.ID, pos.TradeID)
	assert.Equal(t, 1000-pos.Amount, h.portfolio.Bankroll())
}

func TestRunOnce_ExecutionFailureIsNotRecorded(t *testing.T) {
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{"m1": strongYes()}}
	h := newHarness(config.DefaultConfig().Risk, false, producer, observation("m1", 0.4), observation("m2", 0.5))
	h.trader.err = errors.New("insufficient balance")

	sum, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Evaluated, "cycle continues after a failed trade")
	assert.Zero(t, h.portfolio.OpenPositions())
	assert.Equal(t, 1000.0, h.portfolio.Bankroll())
	assert.Empty(t, h.ledger.trades)
}

func TestRunOnce_AbstentionRejectsWithNoSignal(t *testing.T) {
	producer := &scripted{name: strategy.NameContrarian}
	h := newHarness(config.DefaultConfig().Risk, false, producer, observation("m1", 0.5))

	sum, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Rejections[risk.ReasonNoSignal])
	assert.Empty(t, h.trader.calls)
}

func TestRunOnce_SettlesResolvedPositions(t *testing.T) {
	producer := &scripted{name: strategy.NameValue}
	h := newHarness(config.DefaultConfig().Risk, false, producer)
	require.NoError(t, h.portfolio.Restore([]risk.Position{
		{TradeID: "t1", MarketID: "won", Direction: strategy.Yes, Amount: 40, EntryProbability: 0.4},
		{TradeID: "t2", MarketID: "open", Direction: strategy.No, Amount: 10, EntryProbability: 0.5},
	}))
	h.markets.statuses["won"] = market.Status{Resolved: true, Resolution: "YES", Probability: 1}
	h.markets.statuses["open"] = market.Status{Probability: 0.3}

	sum, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Settled)
	assert.False(t, h.portfolio.HasPosition("won"))
	require.Len(t, h.ledger.resolutions, 1)
	res := h.ledger.resolutions[0]
	assert.Equal(t, "t1", res.TradeID)
	assert.InDelta(t, 100, res.Payout, 1e-9)
	assert.InDelta(t, 60, res.PnL, 1e-9)
	assert.InDelta(t, 1100, h.portfolio.Bankroll(), 1e-9)

	pos, ok := h.portfolio.Position("open")
	require.True(t, ok)
	assert.Equal(t, 0.3, pos.CurrentProbability)
}

func TestRunOnce_CancellationStopsBetweenMarkets(t *testing.T) {
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{
		"m1": strongYes(),
		"m2": strongYes(),
	}}
	h := newHarness(config.DefaultConfig().Risk, false, producer, observation("m1", 0.4), observation("m2", 0.4))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.trader.after = func(string) { cancel() }

	sum, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)

	assert.True(t, sum.Interrupted)
	assert.Equal(t, 1, sum.Evaluated)
	assert.True(t, h.portfolio.HasPosition("m1"), "the market in flight is finished")
	assert.Len(t, h.ledger.trades, 1)
	assert.Equal(t, []string{"m1"}, h.trader.calls)
}

func TestRunOnce_DuplicatePositionHaltsCycle(t *testing.T) {
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{
		"m1": strongYes(),
		"m2": strongYes(),
	}}
	h := newHarness(config.DefaultConfig().Risk, false, producer, observation("m1", 0.4), observation("m2", 0.4))
	// Another writer slips a position in between the gate and the fill.
	h.trader.after = func(id string) {
		_ = h.portfolio.Restore([]risk.Position{{MarketID: id, Direction: strategy.Yes, Amount: 10, EntryProbability: 0.4}})
	}

	_, err := h.sched.RunOnce(context.Background())
	require.ErrorIs(t, err, risk.ErrDuplicatePosition)
	assert.Equal(t, []string{"m1"}, h.trader.calls)
	assert.Empty(t, h.ledger.trades)
}

func TestRunOnce_CancelledWhileListingIsInterrupted(t *testing.T) {
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{"m1": strongYes()}}
	h := newHarness(config.DefaultConfig().Risk, false, producer, observation("m1", 0.4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, sum.Interrupted)
	assert.Zero(t, sum.Evaluated)
	assert.Empty(t, h.trader.calls)
}

func TestRunOnce_RetriesTradeRecording(t *testing.T) {
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{"m1": strongYes()}}
	h := newHarness(config.DefaultConfig().Risk, false, producer, observation("m1", 0.4))
	h.ledger.failAppends = appendAttempts - 1

	sum, err := h.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, appendAttempts, h.ledger.appendCalls)
	require.Len(t, h.ledger.trades, 1)
}

func TestRunOnce_UnrecordedTradeHaltsCycle(t *testing.T) {
	producer := &scripted{name: strategy.NameMomentum, signals: map[string]strategy.Signal{
		"m1": strongYes(),
		"m2": strongYes(),
	}}
	h := newHarness(config.DefaultConfig().Risk, false, producer, observation("m1", 0.4), observation("m2", 0.4))
	h.ledger.failAppends = appendAttempts

	_, err := h.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording trade")
	assert.Equal(t, []string{"m1"}, h.trader.calls, "no further bets after an unrecorded fill")
	assert.True(t, h.portfolio.HasPosition("m1"), "the fill is still held in memory")
	assert.Empty(t, h.ledger.trades)
}

func TestRestorePortfolio(t *testing.T) {
	ledger := &fakeLedger{trades: []db.TradeRecord{
		{ID: "t1", MarketID: "m1", Direction: "YES", Amount: 30, EntryProbability: 0.4},
		{ID: "t2", MarketID: "m2", Direction: "NO", Amount: 20, EntryProbability: 0.7},
	}}
	p := risk.NewPortfolio(500)

	n, err := RestorePortfolio(context.Background(), ledger, p)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 500.0, p.Bankroll(), "restored positions are already paid for")
	assert.Equal(t, 50.0, p.RiskAtStake())

	bad := &fakeLedger{trades: []db.TradeRecord{{ID: "t3", MarketID: "m3", Direction: "MAYBE"}}}
	_, err = RestorePortfolio(context.Background(), bad, risk.NewPortfolio(0))
	assert.Error(t, err)
}
