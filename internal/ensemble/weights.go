package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// Weights is an immutable snapshot of per-producer base weights. A new
// snapshot, with a higher Version, is produced only between cycles.
type Weights struct {
	Version    int
	ByProducer map[string]float64
}

// Of returns the base weight for a producer, zero when it has none.
func (w Weights) Of(producer string) float64 {
	return w.ByProducer[producer]
}

// EqualWeights gives every named producer weight 1/n.
func EqualWeights(names []string) Weights {
	by := make(map[string]float64, len(names))
	for _, n := range names {
		by[n] = 1 / float64(len(names))
	}
	return Weights{Version: 1, ByProducer: by}
}

// StaticWeights uses the configured overrides, normalized over the named
// producers. Producers missing from overrides keep an equal share; an empty
// override map yields EqualWeights.
func StaticWeights(names []string, overrides map[string]float64) Weights {
	if len(overrides) == 0 {
		return EqualWeights(names)
	}
	raw := make(map[string]float64, len(names))
	for _, n := range names {
		w, ok := overrides[n]
		if !ok {
			w = 1 / float64(len(names))
		}
		raw[n] = math.Max(0, w)
	}
	return Weights{Version: 1, ByProducer: normalize(raw)}
}

func normalize(raw map[string]float64) map[string]float64 {
	var sum float64
	for _, w := range raw {
		sum += w
	}
	out := make(map[string]float64, len(raw))
	for n, w := range raw {
		if sum > 0 {
			out[n] = w / sum
		}
	}
	return out
}

// Source hands out the weights for the next cycle.
type Source interface {
	Weights(ctx context.Context) (Weights, error)
}

// Static is a Source that never changes.
type Static struct {
	W Weights
}

func (s Static) Weights(context.Context) (Weights, error) { return s.W, nil }

// Record is a producer's realized track record on resolved trades it voted on.
type Record struct {
	Resolved  int
	Wins      int
	AvgReturn float64 // mean profit per mana staked, signed by whether the producer agreed with the trade
}

// RecordProvider reports per-producer track records.
type RecordProvider interface {
	ProducerRecords(ctx context.Context) (map[string]Record, error)
}

// Adaptive derives weights from realized performance: 0.6 x win rate plus
// 0.4 x average return, floored at 0.1. Producers with fewer than
// minResolved resolved trades score a neutral 0.5.
type Adaptive struct {
	records     RecordProvider
	names       []string
	minResolved int
	last        Weights
}

func NewAdaptive(records RecordProvider, names []string, minResolved int) *Adaptive {
	return &Adaptive{records: records, names: names, minResolved: minResolved, last: EqualWeights(names)}
}

// Weights recomputes the snapshot. On error the previous snapshot is
// returned with the error so callers may keep trading on it.
func (a *Adaptive) Weights(ctx context.Context) (Weights, error) {
	recs, err := a.records.ProducerRecords(ctx)
	if err != nil {
		return a.last, fmt.Errorf("loading producer records: %w", err)
	}

	raw := make(map[string]float64, len(a.names))
	for _, n := range a.names {
		raw[n] = score(recs[n], a.minResolved)
	}
	next := Weights{Version: a.last.Version + 1, ByProducer: normalize(raw)}
	a.last = next

	names := append([]string(nil), a.names...)
	sort.Strings(names)
	attrs := []any{"version", next.Version}
	for _, n := range names {
		attrs = append(attrs, n, math.Round(next.ByProducer[n]*1000)/1000)
	}
	slog.Info("ensemble weights updated", attrs...)
	return next, nil
}

func score(r Record, minResolved int) float64 {
	if r.Resolved < minResolved || r.Resolved == 0 {
		return 0.5
	}
	winRate := float64(r.Wins) / float64(r.Resolved)
	ret := math.Max(-1, math.Min(1, r.AvgReturn))
	return math.Max(0.1, winRate*0.6+ret*0.4)
}
