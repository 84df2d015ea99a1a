package strategy

import (
	"context"
	"fmt"
	"math"

	"ensemblebot/internal/config"
)

// Momentum follows a sustained price trend. It fits a line through the
// trailing probability window; the fitted move must clear a noise floor,
// confidence comes from the fit quality and strength from how far the move
// sits outside the series' own step volatility.
type Momentum struct {
	cfg config.MomentumConfig
}

func NewMomentum(cfg config.MomentumConfig) *Momentum {
	return &Momentum{cfg: cfg}
}

func (m *Momentum) Name() string  { return NameMomentum }
func (m *Momentum) Enabled() bool { return m.cfg.Enabled }

func (m *Momentum) Evaluate(_ context.Context, snap MarketSnapshot, _ HistoryContext) Result {
	if len(snap.History) < m.cfg.MinWindow || len(snap.History) < 2 {
		return Abstain(m.Name(), snap.ID, fmt.Sprintf("insufficient history: %d points", len(snap.History)))
	}

	window := snap.History
	if m.cfg.Window > 0 && len(window) > m.cfg.Window {
		window = window[len(window)-m.cfg.Window:]
	}
	probs := make([]float64, len(window))
	for i, pt := range window {
		probs[i] = pt.Probability
	}

	slope, r2 := linearFit(probs)
	steps := float64(len(probs) - 1)
	move := slope * steps
	if math.Abs(move) < m.cfg.NoiseFloor {
		return Abstain(m.Name(), snap.ID, fmt.Sprintf("trend %.3f within noise floor", move))
	}

	dir := Yes
	if move < 0 {
		dir = No
	}

	strength := 1.0
	if vol := stepVolatility(probs); vol > 0 {
		z := math.Abs(move) / (vol * math.Sqrt(steps))
		strength = math.Min(1, z/m.zScale())
	}

	return Emit(Signal{
		Direction:  dir,
		Confidence: math.Min(1, r2*0.8),
		Strength:   strength,
		Rationale:  fmt.Sprintf("trend %+.3f over %d points (r2 %.2f)", move, len(probs), r2),
	})
}

func (m *Momentum) zScale() float64 {
	if m.cfg.ZScoreScale <= 0 {
		return 3
	}
	return m.cfg.ZScoreScale
}

// linearFit regresses ys against their index and returns the slope and the
// coefficient of determination.
func linearFit(ys []float64) (slope, r2 float64) {
	n := float64(len(ys))
	var sumX, sumY float64
	for i, y := range ys {
		sumX += float64(i)
		sumY += y
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy, syy float64
	for i, y := range ys {
		dx, dy := float64(i)-meanX, y-meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, 0
	}
	slope = sxy / sxx
	r2 = (sxy * sxy) / (sxx * syy)
	return slope, r2
}

// stepVolatility is the population standard deviation of successive changes.
func stepVolatility(ys []float64) float64 {
	if len(ys) < 3 {
		return 0
	}
	diffs := make([]float64, len(ys)-1)
	var sum float64
	for i := 1; i < len(ys); i++ {
		diffs[i-1] = ys[i] - ys[i-1]
		sum += diffs[i-1]
	}
	mean := sum / float64(len(diffs))
	var ss float64
	for _, d := range diffs {
		ss += (d - mean) * (d - mean)
	}
	return math.Sqrt(ss / float64(len(diffs)))
}
