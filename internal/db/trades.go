package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TradeRecord is one executed trade with the signals that voted for it.
type TradeRecord struct {
	ID               string
	MarketID         string
	Question         string
	Direction        string
	Amount           float64
	EntryProbability float64
	ModelProbability float64
	Edge             float64
	Confidence       float64
	Strength         float64
	WeightsVersion   int
	PlacedAt         time.Time
	Signals          []SignalRecord
}

// SignalRecord is one producer's contribution to a trade.
type SignalRecord struct {
	Producer   string
	Direction  string
	Confidence float64
	Strength   float64
	Weight     float64
}

// ResolutionRecord settles a trade.
type ResolutionRecord struct {
	TradeID        string
	Outcome        string
	ResolutionProb float64
	Payout         float64
	PnL            float64
	ResolvedAt     time.Time
}

// TradeLog is the append-only trade history. Trades and resolutions are
// only ever inserted.
type TradeLog struct {
	db *sql.DB
}

func NewTradeLog(db *sql.DB) *TradeLog {
	return &TradeLog{db: db}
}

// Append stores a trade and its signals in one transaction and returns the
// trade id, generating one when rec.ID is empty.
func (l *TradeLog) Append(ctx context.Context, rec TradeRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.PlacedAt.IsZero() {
		rec.PlacedAt = time.Now()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning trade insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (id, market_id, question, direction, amount, entry_prob, model_prob,
			edge, confidence, strength, weights_version, placed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MarketID, rec.Question, rec.Direction, rec.Amount, rec.EntryProbability,
		rec.ModelProbability, rec.Edge, rec.Confidence, rec.Strength, rec.WeightsVersion,
		rec.PlacedAt.UTC().Format(TimeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("inserting trade: %w", err)
	}

	for _, s := range rec.Signals {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trade_signals (trade_id, producer, direction, confidence, strength, weight)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, s.Producer, s.Direction, s.Confidence, s.Strength, s.Weight,
		)
		if err != nil {
			return "", fmt.Errorf("inserting signal %s: %w", s.Producer, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing trade: %w", err)
	}
	return rec.ID, nil
}

// AppendResolution records how a trade settled. A trade resolves at most once.
func (l *TradeLog) AppendResolution(ctx context.Context, res ResolutionRecord) error {
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO trade_resolutions (trade_id, outcome, resolution_prob, payout, pnl, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		res.TradeID, res.Outcome, res.ResolutionProb, res.Payout, res.PnL,
		res.ResolvedAt.UTC().Format(TimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting resolution for %s: %w", res.TradeID, err)
	}
	return nil
}

// OpenTrades returns trades without a resolution, oldest first. Signals are
// not loaded.
func (l *TradeLog) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT t.id, t.market_id, t.question, t.direction, t.amount, t.entry_prob, t.model_prob,
			t.edge, t.confidence, t.strength, t.weights_version, t.placed_at
		FROM trades t
		LEFT JOIN trade_resolutions r ON r.trade_id = t.id
		WHERE r.trade_id IS NULL
		ORDER BY t.placed_at, t.id`)
	if err != nil {
		return nil, fmt.Errorf("querying open trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		var placed string
		if err := rows.Scan(&rec.ID, &rec.MarketID, &rec.Question, &rec.Direction, &rec.Amount,
			&rec.EntryProbability, &rec.ModelProbability, &rec.Edge, &rec.Confidence,
			&rec.Strength, &rec.WeightsVersion, &placed); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		rec.PlacedAt, err = time.Parse(TimeLayout, placed)
		if err != nil {
			return nil, fmt.Errorf("parsing placed_at %q: %w", placed, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
