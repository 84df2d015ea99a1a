package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status records how a producer's evaluation ended.
type Status string

const (
	StatusSignal    Status = "signal"
	StatusAbstained Status = "abstained"
	StatusFailed    Status = "failed"
)

// Result is the outcome of one producer on one market. Signal is always
// populated; on abstention or failure its Direction is None.
type Result struct {
	Signal Signal
	Status Status
	Err    error
}

// Emit wraps a directional signal, clamping confidence and strength into
// [0,1]. A None direction becomes an abstention.
func Emit(sig Signal) Result {
	sig.Confidence = clamp(sig.Confidence, 0, 1)
	sig.Strength = clamp(sig.Strength, 0, 1)
	if sig.Direction != Yes && sig.Direction != No {
		return Abstain(sig.Producer, sig.MarketID, sig.Rationale)
	}
	return Result{Signal: sig, Status: StatusSignal}
}

// Abstain is a None signal carrying the reason the producer had no opinion.
func Abstain(producer, marketID, reason string) Result {
	return Result{
		Signal: Signal{Producer: producer, MarketID: marketID, Direction: None, Rationale: reason},
		Status: StatusAbstained,
	}
}

// Fail is a None signal for a producer that could not complete.
func Fail(producer, marketID string, err error) Result {
	return Result{
		Signal: Signal{Producer: producer, MarketID: marketID, Direction: None, Rationale: err.Error()},
		Status: StatusFailed,
		Err:    err,
	}
}

// ErrTimeout marks a producer that ran past its deadline.
var ErrTimeout = errors.New("producer timed out")

// Run evaluates every enabled producer against one market in registration
// order. A producer that panics, errors or overruns timeout yields a failed
// None result; it never aborts the others. The parent context's
// cancellation is not propagated so a shutdown cannot cut a market's
// evaluation in half.
func Run(ctx context.Context, producers []Producer, snap MarketSnapshot, hist HistoryContext, timeout time.Duration) []Result {
	base := context.WithoutCancel(ctx)
	results := make([]Result, 0, len(producers))
	for _, p := range producers {
		if !p.Enabled() {
			continue
		}
		res := runOne(base, p, snap, hist, timeout)
		res.Signal.Producer = p.Name()
		res.Signal.MarketID = snap.ID

		switch res.Status {
		case StatusFailed:
			slog.Warn("producer failed", "producer", p.Name(), "market", snap.ID, "error", res.Err)
		case StatusAbstained:
			slog.Debug("producer abstained", "producer", p.Name(), "market", snap.ID, "reason", res.Signal.Rationale)
		default:
			slog.Debug("producer signal",
				"producer", p.Name(),
				"market", snap.ID,
				"direction", res.Signal.Direction,
				"confidence", res.Signal.Confidence,
				"strength", res.Signal.Strength,
			)
		}
		results = append(results, res)
	}
	return results
}

// runOne abandons a producer that overruns its deadline even if it ignores
// ctx; its goroutine finishes in the background and the result is dropped.
func runOne(ctx context.Context, p Producer, snap MarketSnapshot, hist HistoryContext, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fail(p.Name(), snap.ID, fmt.Errorf("panic: %v", r))
			}
		}()
		done <- p.Evaluate(ctx, snap, hist)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		return Fail(p.Name(), snap.ID, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond)))
	}

	if res.Status == "" {
		res = Fail(p.Name(), snap.ID, errors.New("producer returned no status"))
	}
	if ctx.Err() != nil && res.Status != StatusSignal {
		res = Fail(p.Name(), snap.ID, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond)))
	}
	return res
}

// Signals returns the directional signals from results, dropping
// abstentions and failures.
func Signals(results []Result) []Signal {
	out := make([]Signal, 0, len(results))
	for _, r := range results {
		if r.Status == StatusSignal {
			out = append(out, r.Signal)
		}
	}
	return out
}
