package strategy

import (
	"context"
	"fmt"
	"math"

	"ensemblebot/internal/config"
)

// Contrarian fades markets pushed to an extreme. A market trading past the
// high threshold gets a NO signal and one below the low threshold a YES,
// scaled by how far past the threshold it sits.
type Contrarian struct {
	cfg config.ContrarianConfig
}

func NewContrarian(cfg config.ContrarianConfig) *Contrarian {
	return &Contrarian{cfg: cfg}
}

func (c *Contrarian) Name() string  { return NameContrarian }
func (c *Contrarian) Enabled() bool { return c.cfg.Enabled }

func (c *Contrarian) Evaluate(_ context.Context, snap MarketSnapshot, _ HistoryContext) Result {
	if snap.UniqueTraders < c.cfg.MinTraders {
		return Abstain(c.Name(), snap.ID, fmt.Sprintf("only %d traders", snap.UniqueTraders))
	}
	if snap.Volume < c.cfg.MinVolume {
		return Abstain(c.Name(), snap.ID, fmt.Sprintf("volume %.0f below minimum", snap.Volume))
	}

	prob := snap.Probability
	high, low := c.cfg.ExtremeThresholdHigh, c.cfg.ExtremeThresholdLow

	var dir Direction
	var extremeness float64
	switch {
	case prob > high && high < 1:
		dir = No
		extremeness = (prob - high) / (1 - high)
	case prob < low && low > 0:
		dir = Yes
		extremeness = (low - prob) / low
	default:
		return Abstain(c.Name(), snap.ID, fmt.Sprintf("probability %.2f not extreme", prob))
	}
	extremeness = clamp(extremeness, 0, 1)

	participation := math.Min(1, float64(snap.UniqueTraders)/10)
	// Thin markets overshoot more often than deep ones.
	thinness := math.Max(0.3, 1-math.Min(1, snap.Volume/10000))
	confidence := clamp(extremeness*0.5+participation*0.3+thinness*0.2, 0.2, 0.8)

	return Emit(Signal{
		Direction:  dir,
		Confidence: confidence,
		Strength:   extremeness,
		Rationale:  fmt.Sprintf("probability %.2f past extreme threshold, fading with %s", prob, dir),
	})
}
