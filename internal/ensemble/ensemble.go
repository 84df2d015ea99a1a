package ensemble

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"ensemblebot/internal/strategy"
)

// tolerance absorbs float noise when comparing the net score to the
// agreement threshold and to zero.
const tolerance = 1e-9

// Contribution is one producer's signal together with the effective weight
// (base weight times confidence) it carried in the vote.
type Contribution struct {
	Signal strategy.Signal
	Weight float64
}

// Signal is the combined opinion of all producers on one market.
type Signal struct {
	MarketID       string
	Direction      strategy.Direction
	Confidence     float64
	Strength       float64
	NetScore       float64
	WeightsVersion int
	Contributions  []Contribution
}

// Summary renders the contributions for logs.
func (s Signal) Summary() string {
	parts := make([]string, 0, len(s.Contributions))
	for _, c := range s.Contributions {
		parts = append(parts, fmt.Sprintf("%s:%s(w=%.3f)", c.Signal.Producer, c.Signal.Direction, c.Weight))
	}
	return strings.Join(parts, " ")
}

// Combiner merges producer signals by confidence-weighted vote.
type Combiner struct {
	threshold float64
}

func NewCombiner(agreementThreshold float64) *Combiner {
	return &Combiner{threshold: agreementThreshold}
}

// Combine is a pure function of its inputs. NONE signals and producers
// without a positive weight are left out. The result is NONE when nothing
// remains, when YES and NO weight cancel exactly, or when the net score
// falls short of the agreement threshold. Otherwise confidence and strength
// are averaged over the agreeing signals, weighted by their base weights.
func (c *Combiner) Combine(marketID string, signals []strategy.Signal, weights Weights) Signal {
	out := Signal{MarketID: marketID, Direction: strategy.None, WeightsVersion: weights.Version}

	var yes, no float64
	for _, sig := range signals {
		if sig.Direction != strategy.Yes && sig.Direction != strategy.No {
			continue
		}
		eff := weights.Of(sig.Producer) * sig.Confidence
		if eff <= 0 {
			continue
		}
		out.Contributions = append(out.Contributions, Contribution{Signal: sig, Weight: eff})
		if sig.Direction == strategy.Yes {
			yes += eff
		} else {
			no += eff
		}
	}
	sort.SliceStable(out.Contributions, func(i, j int) bool {
		return out.Contributions[i].Signal.Producer < out.Contributions[j].Signal.Producer
	})

	total := yes + no
	if total <= 0 {
		return out
	}
	out.NetScore = (yes - no) / total
	if math.Abs(out.NetScore) <= tolerance || math.Abs(out.NetScore) < c.threshold-tolerance {
		return out
	}

	out.Direction = strategy.Yes
	if out.NetScore < 0 {
		out.Direction = strategy.No
	}

	var baseSum, confSum, strengthSum float64
	for _, contrib := range out.Contributions {
		if contrib.Signal.Direction != out.Direction {
			continue
		}
		w := weights.Of(contrib.Signal.Producer)
		baseSum += w
		confSum += w * contrib.Signal.Confidence
		strengthSum += w * contrib.Signal.Strength
	}
	if baseSum > 0 {
		out.Confidence = clamp01(confSum / baseSum)
		out.Strength = clamp01(strengthSum / baseSum)
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
