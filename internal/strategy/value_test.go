package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"ensemblebot/internal/config"
)

func newValueConfig() config.ValueConfig {
	return config.ValueConfig{
		Enabled:        true,
		MinTraders:     5,
		MinVolume:      50,
		ValueThreshold: 0.10,
		MinAgeDays:     1,
	}
}

var valueNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func matureMarket(id string, anchor, prob float64) MarketSnapshot {
	return MarketSnapshot{
		ID:            id,
		Question:      "Will the bridge reopen?",
		Probability:   prob,
		History:       series(anchor, 0, 10),
		UniqueTraders: 30,
		Volume:        3000,
		CreatedTime:   valueNow.Add(-40 * 24 * time.Hour),
	}
}

func TestValueSeeker_Underpriced(t *testing.T) {
	v := NewValueSeeker(newValueConfig())
	snap := matureMarket("cheap", 0.6, 0.4)

	res := v.Evaluate(context.Background(), snap, HistoryContext{Now: valueNow})
	if res.Status != StatusSignal {
		t.Fatalf("expected signal, got %s (%s)", res.Status, res.Signal.Rationale)
	}
	if res.Signal.Direction != Yes {
		t.Errorf("expected YES, got %s", res.Signal.Direction)
	}
	if math.Abs(res.Signal.Strength-0.4) > 1e-9 {
		t.Errorf("expected strength 0.4 for a 0.2 gap, got %f", res.Signal.Strength)
	}
}

func TestValueSeeker_Overpriced(t *testing.T) {
	v := NewValueSeeker(newValueConfig())
	res := v.Evaluate(context.Background(), matureMarket("rich", 0.3, 0.55), HistoryContext{Now: valueNow})
	if res.Signal.Direction != No {
		t.Errorf("expected NO, got %s", res.Signal.Direction)
	}
}

func TestValueSeeker_AbstainsWithinThreshold(t *testing.T) {
	v := NewValueSeeker(newValueConfig())
	res := v.Evaluate(context.Background(), matureMarket("fair", 0.6, 0.55), HistoryContext{Now: valueNow})
	if res.Status != StatusAbstained {
		t.Errorf("expected abstention, got %s", res.Status)
	}
}

func TestFairProbability_IgnoresQuotedPrice(t *testing.T) {
	a := fairProbability(matureMarket("a", 0.6, 0.1), valueNow)
	b := fairProbability(matureMarket("a", 0.6, 0.9), valueNow)
	if a != b {
		t.Errorf("fair value moved with quoted price: %f vs %f", a, b)
	}
}

func TestFairProbability_ShrinksThinMarkets(t *testing.T) {
	thin := MarketSnapshot{
		ID:            "thin",
		History:       series(0.9, 0, 5),
		UniqueTraders: 5,
		Volume:        50,
		CreatedTime:   valueNow.Add(-24 * time.Hour),
	}
	fair := fairProbability(thin, valueNow)
	if fair < 0.5 || fair > 0.6 {
		t.Errorf("expected thin market shrunk close to 0.5, got %f", fair)
	}
}

func TestValueSeeker_DeadlineDecay(t *testing.T) {
	v := NewValueSeeker(newValueConfig())
	snap := matureMarket("decay", 0.4, 0.40)
	snap.Question = "Will X happen by December 2026?"
	snap.CreatedTime = valueNow.Add(-80 * 24 * time.Hour)
	snap.CloseTime = valueNow.Add(20 * 24 * time.Hour)

	res := v.Evaluate(context.Background(), snap, HistoryContext{Now: valueNow})
	if res.Signal.Direction != No {
		t.Fatalf("expected NO from deadline decay, got %s (%s)", res.Signal.Direction, res.Signal.Rationale)
	}
}

func TestValueSeeker_SkipsYoungAndThin(t *testing.T) {
	v := NewValueSeeker(newValueConfig())

	young := matureMarket("young", 0.6, 0.3)
	young.CreatedTime = valueNow.Add(-2 * time.Hour)
	if res := v.Evaluate(context.Background(), young, HistoryContext{Now: valueNow}); res.Status != StatusAbstained {
		t.Errorf("expected abstention for a 2h old market, got %s", res.Status)
	}

	few := matureMarket("few", 0.6, 0.3)
	few.UniqueTraders = 2
	if res := v.Evaluate(context.Background(), few, HistoryContext{Now: valueNow}); res.Status != StatusAbstained {
		t.Errorf("expected abstention with 2 traders, got %s", res.Status)
	}

	blank := matureMarket("blank", 0.6, 0.3)
	blank.History = nil
	if res := v.Evaluate(context.Background(), blank, HistoryContext{Now: valueNow}); res.Status != StatusAbstained {
		t.Errorf("expected abstention without history, got %s", res.Status)
	}
}

func TestMatchesDeadline(t *testing.T) {
	cases := map[string]bool{
		"Will X happen by December 2026?":        true,
		"Will Y launch before March 15?":         true,
		"Will Z win in 2027?":                    true,
		"Will it ship by end of 2026?":           true,
		"GDP above 3% by Q3 2026?":               true,
		"Is the moon made of cheese?":            false,
		"Will Bitcoin be above $100k next week?": false,
	}
	for q, want := range cases {
		if got := matchesDeadline(q); got != want {
			t.Errorf("matchesDeadline(%q) = %v, want %v", q, got, want)
		}
	}
}
