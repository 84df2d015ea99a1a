package strategy

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"ensemblebot/internal/config"
)

var deadlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)by (January|February|March|April|May|June|July|August|September|October|November|December) (\d{4})`),
	regexp.MustCompile(`(?i)before (January|February|March|April|May|June|July|August|September|October|November|December) \d{1,2}`),
	regexp.MustCompile(`(?i)in (\d{4})`),
	regexp.MustCompile(`(?i)by end of (\d{4})`),
	regexp.MustCompile(`(?i)by Q[1-4] (\d{4})`),
}

// ValueSeeker estimates a fair probability from structural features of the
// market and ignores the quoted price while doing so. The estimate anchors
// on the market's long-run average, shrinks toward 0.5 when participation
// is thin, and decays deadline questions as their window runs out.
type ValueSeeker struct {
	cfg config.ValueConfig
}

func NewValueSeeker(cfg config.ValueConfig) *ValueSeeker {
	return &ValueSeeker{cfg: cfg}
}

func (v *ValueSeeker) Name() string  { return NameValue }
func (v *ValueSeeker) Enabled() bool { return v.cfg.Enabled }

func (v *ValueSeeker) Evaluate(_ context.Context, snap MarketSnapshot, hist HistoryContext) Result {
	if snap.UniqueTraders < v.cfg.MinTraders {
		return Abstain(v.Name(), snap.ID, fmt.Sprintf("only %d traders", snap.UniqueTraders))
	}
	if snap.Volume < v.cfg.MinVolume {
		return Abstain(v.Name(), snap.ID, fmt.Sprintf("volume %.0f below minimum", snap.Volume))
	}
	if len(snap.History) == 0 {
		return Abstain(v.Name(), snap.ID, "no price history")
	}
	now := hist.Now
	if now.IsZero() {
		now = time.Now()
	}
	age := now.Sub(snap.CreatedTime)
	if age < time.Duration(v.cfg.MinAgeDays)*24*time.Hour {
		return Abstain(v.Name(), snap.ID, fmt.Sprintf("market only %s old", age.Round(time.Hour)))
	}

	fair := fairProbability(snap, now)
	gap := fair - snap.Probability
	if math.Abs(gap) < v.cfg.ValueThreshold {
		return Abstain(v.Name(), snap.ID, fmt.Sprintf("fair %.2f within %.2f of market", fair, v.cfg.ValueThreshold))
	}

	dir := Yes
	if gap < 0 {
		dir = No
	}

	liquidity := math.Max(0.3, 1-math.Min(1, snap.TotalLiquidity/1000))
	traders := math.Min(1, float64(snap.UniqueTraders)/20)
	gapFactor := math.Min(1, math.Abs(gap)*2)
	confidence := clamp(liquidity*0.3+traders*0.3+gapFactor*0.4, 0.2, 0.9)

	return Emit(Signal{
		Direction:  dir,
		Confidence: confidence,
		Strength:   gapFactor,
		Rationale:  fmt.Sprintf("fair value %.2f vs market %.2f", fair, snap.Probability),
	})
}

// fairProbability never reads snap.Probability.
func fairProbability(snap MarketSnapshot, now time.Time) float64 {
	var sum float64
	for _, pt := range snap.History {
		sum += pt.Probability
	}
	anchor := sum / float64(len(snap.History))

	ageDays := now.Sub(snap.CreatedTime).Hours() / 24
	reliability := math.Min(1, float64(snap.UniqueTraders)/30)*0.5 +
		math.Min(1, snap.Volume/3000)*0.3 +
		math.Min(1, ageDays/30)*0.2
	fair := 0.5 + (anchor-0.5)*reliability

	if frac, ok := elapsedFraction(snap, now); ok && matchesDeadline(snap.Question) && frac > 0.5 {
		fair *= 1 - frac*0.5
	}
	return clamp(fair, 0, 1)
}

func matchesDeadline(question string) bool {
	for _, pat := range deadlinePatterns {
		if pat.MatchString(question) {
			return true
		}
	}
	return false
}

// elapsedFraction is how much of the market's lifetime has passed, capped at 1.
func elapsedFraction(snap MarketSnapshot, now time.Time) (float64, bool) {
	if snap.CloseTime.IsZero() {
		return 0, false
	}
	total := snap.CloseTime.Sub(snap.CreatedTime).Seconds()
	if total <= 0 {
		return 0, false
	}
	return math.Min(1, now.Sub(snap.CreatedTime).Seconds()/total), true
}
