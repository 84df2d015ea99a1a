package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonnyspicer/mango"
	"golang.org/x/sync/errgroup"

	"ensemblebot/internal/config"
	"ensemblebot/internal/strategy"
)

// Observation is one market as seen at the start of a cycle.
type Observation struct {
	Snapshot strategy.MarketSnapshot
	History  strategy.HistoryContext
}

// Status is the current state of a market used to settle positions.
type Status struct {
	Probability float64
	Resolved    bool
	Resolution  string
}

// Scanner lists the target user's open binary markets and gathers the
// activity the producers need.
type Scanner struct {
	api   *Client
	mango *mango.Client
	cache *Cache
	cfg   config.ManifoldConfig
	now   func() time.Time
}

func NewScanner(api *Client, mc *mango.Client, cache *Cache, cfg config.ManifoldConfig) *Scanner {
	return &Scanner{api: api, mango: mc, cache: cache, cfg: cfg, now: time.Now}
}

// ListOpenMarkets returns open binary markets created by targetUser in the
// order the API lists them. Markets whose activity cannot be fetched are
// still returned, with empty history.
func (s *Scanner) ListOpenMarkets(ctx context.Context, targetUser string) ([]Observation, error) {
	user, err := s.api.UserByUsername(ctx, targetUser)
	if err != nil {
		return nil, fmt.Errorf("looking up user %s: %w", targetUser, err)
	}
	// An empty id would list every creator's markets.
	if user.ID == "" {
		return nil, fmt.Errorf("looking up user %s: response has no user id", targetUser)
	}

	markets, err := s.api.MarketsByCreator(ctx, user.ID, s.cfg.MarketLimit)
	if err != nil {
		return nil, fmt.Errorf("listing markets for %s: %w", targetUser, err)
	}

	now := s.now()
	open := make([]LiteMarket, 0, len(markets))
	for _, m := range markets {
		if m.OutcomeType != "BINARY" || m.IsResolved {
			continue
		}
		if m.CloseTime > 0 && time.UnixMilli(m.CloseTime).Before(now) {
			continue
		}
		open = append(open, m)
	}

	acts := make([]activity, len(open))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, m := range open {
		i, m := i, m
		g.Go(func() error {
			act, err := s.activity(gctx, m)
			if err != nil {
				slog.Warn("failed to fetch market activity", "market", m.ID, "error", err)
				return nil
			}
			acts[i] = act
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(open))
	out := make([]Observation, 0, len(open))
	for i, m := range open {
		keep[m.ID] = true
		out = append(out, observe(m, acts[i], now))
	}
	if s.cache != nil {
		s.cache.Prune(keep)
	}

	slog.Info("scanned target markets", "user", targetUser, "listed", len(markets), "open", len(out))
	return out, nil
}

func (s *Scanner) activity(ctx context.Context, m LiteMarket) (activity, error) {
	if s.cache != nil {
		if act, ok := s.cache.get(m.ID, m.LastUpdatedTime); ok {
			return act, nil
		}
	}

	var bets []Bet
	var comments []Comment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bets, err = s.api.Bets(gctx, m.ID, s.cfg.BetLimit)
		return err
	})
	g.Go(func() error {
		var err error
		comments, err = s.api.Comments(gctx, m.ID, s.cfg.CommentLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return activity{}, err
	}

	act := buildActivity(bets, comments)
	if s.cache != nil {
		s.cache.set(m.ID, m.LastUpdatedTime, act)
	}
	return act, nil
}

// buildActivity expects bets newest first, as the API returns them.
func buildActivity(bets []Bet, comments []Comment) activity {
	var act activity
	traders := make(map[string]bool)
	for _, b := range bets {
		if b.IsRedemption || b.IsCancelled {
			continue
		}
		dir, ok := strategy.ParseDirection(b.Outcome)
		if !ok || dir == strategy.None {
			continue
		}
		traders[b.UserID] = true
		act.bets = append(act.bets, strategy.Trade{
			Outcome:     dir,
			Amount:      b.Amount,
			ProbAfter:   b.ProbAfter,
			CreatedTime: time.UnixMilli(b.CreatedTime),
		})
	}
	act.traders = len(traders)

	act.history = make([]strategy.ProbabilityPoint, 0, len(act.bets))
	for i := len(act.bets) - 1; i >= 0; i-- {
		b := act.bets[i]
		act.history = append(act.history, strategy.ProbabilityPoint{Time: b.CreatedTime, Probability: b.ProbAfter})
	}

	for _, c := range comments {
		text := strings.TrimSpace(c.PlainText())
		if text == "" {
			continue
		}
		act.comments = append(act.comments, strategy.Comment{Text: text, CreatedTime: time.UnixMilli(c.CreatedTime)})
	}
	return act
}

func observe(m LiteMarket, act activity, now time.Time) Observation {
	traders := m.UniqueBettorCount
	if traders == 0 {
		traders = act.traders
	}
	snap := strategy.MarketSnapshot{
		ID:             m.ID,
		Question:       m.Question,
		URL:            m.URL,
		Probability:    m.Probability,
		History:        act.history,
		Volume:         m.Volume,
		TotalLiquidity: m.TotalLiquidity,
		UniqueTraders:  traders,
		CommentCount:   len(act.comments),
		CreatedTime:    time.UnixMilli(m.CreatedTime),
		IsOpen:         true,
	}
	if m.CloseTime > 0 {
		snap.CloseTime = time.UnixMilli(m.CloseTime)
	}
	return Observation{
		Snapshot: snap,
		History: strategy.HistoryContext{
			Now:      now,
			Comments: act.comments,
			Bets:     act.bets,
		},
	}
}

// Resolve fetches the current state of a single market.
func (s *Scanner) Resolve(_ context.Context, marketID string) (Status, error) {
	m, err := s.mango.GetMarketByID(marketID)
	if err != nil {
		return Status{}, fmt.Errorf("getting market %s: %w", marketID, err)
	}
	if m == nil {
		return Status{}, fmt.Errorf("market %s not found", marketID)
	}
	return Status{
		Probability: m.Probability,
		Resolved:    m.IsResolved,
		Resolution:  m.Resolution,
	}, nil
}
