package strategy

import (
	"context"
	"strings"
	"time"
)

// Direction is the side a signal recommends betting on.
type Direction string

const (
	Yes  Direction = "YES"
	No   Direction = "NO"
	None Direction = "NONE"
)

// Sign maps YES to +1, NO to -1 and NONE to 0.
func (d Direction) Sign() float64 {
	switch d {
	case Yes:
		return 1
	case No:
		return -1
	default:
		return 0
	}
}

// ParseDirection accepts YES/NO/NONE in any case. Anything else is None, false.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case Yes:
		return Yes, true
	case No:
		return No, true
	case None:
		return None, true
	}
	return None, false
}

// Producer names. They double as keys for ensemble weights and persisted
// per-producer attribution.
const (
	NameMomentum   = "momentum"
	NameContrarian = "contrarian"
	NameValue      = "value"
	NameSentiment  = "sentiment"
	NameLLM        = "llm"
)

// Producer is implemented by every signal heuristic. Evaluate must not keep
// state between markets; configuration is fixed at construction.
type Producer interface {
	Name() string
	Enabled() bool
	Evaluate(ctx context.Context, snap MarketSnapshot, hist HistoryContext) Result
}

// Signal is one producer's opinion about one market.
type Signal struct {
	Producer   string
	MarketID   string
	Direction  Direction
	Confidence float64 // 0.0-1.0: how sure the producer is that Direction is right
	Strength   float64 // 0.0-1.0: size of the perceived mispricing
	Rationale  string
}

// ProbabilityPoint is one observation of a market's implied probability.
type ProbabilityPoint struct {
	Time        time.Time
	Probability float64
}

// MarketSnapshot is the read-only per-cycle view of a binary market.
type MarketSnapshot struct {
	ID             string
	Question       string
	URL            string
	Probability    float64
	History        []ProbabilityPoint // oldest first
	Volume         float64
	TotalLiquidity float64
	UniqueTraders  int
	CommentCount   int
	CreatedTime    time.Time
	CloseTime      time.Time // zero when the market has no close time
	IsOpen         bool
}

// Comment is a market comment reduced to its plain text.
type Comment struct {
	Text        string
	CreatedTime time.Time
}

// Trade is a bet placed by any user on the market.
type Trade struct {
	Outcome     Direction
	Amount      float64
	ProbAfter   float64
	CreatedTime time.Time
}

// HistoryContext carries the activity around a snapshot. Comments and Bets
// are newest first. Now is the evaluation time, so producers never call
// time.Now themselves.
type HistoryContext struct {
	Now      time.Time
	Comments []Comment
	Bets     []Trade
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
