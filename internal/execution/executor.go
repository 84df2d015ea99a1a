package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonnyspicer/mango"

	"ensemblebot/internal/strategy"
)

// ErrSkipped is returned for markets that have failed too often to retry.
var ErrSkipped = errors.New("skipped after repeated failures")

const maxFailures = 3

// Executor places market orders on Manifold.
type Executor struct {
	post       func(mango.PostBetRequest) error
	failedBets map[string]int // marketID -> consecutive failure count
}

func NewExecutor(client *mango.Client) *Executor {
	return &Executor{
		post: func(req mango.PostBetRequest) error {
			_, err := client.PostBet(req)
			return err
		},
		failedBets: make(map[string]int),
	}
}

// ExecuteTrade places a market order for amount mana on dir. Markets that
// fail three times in a row, or fail permanently (resolved, forbidden, not
// found), are skipped from then on.
func (e *Executor) ExecuteTrade(_ context.Context, marketID string, dir strategy.Direction, amount float64) error {
	if dir != strategy.Yes && dir != strategy.No {
		return fmt.Errorf("cannot bet direction %q", dir)
	}
	if n := e.failedBets[marketID]; n >= maxFailures {
		slog.Info("skipping repeatedly failed bet", "market", marketID, "failures", n)
		return fmt.Errorf("%w: market %s failed %d times", ErrSkipped, marketID, n)
	}

	slog.Info("placing bet", "market", marketID, "outcome", dir, "amount", amount)

	err := e.post(mango.PostBetRequest{
		Amount:     amount,
		ContractId: marketID,
		Outcome:    string(dir),
	})
	if err != nil {
		if permanent(err) {
			e.failedBets[marketID] = 100
			slog.Warn("bet permanently blacklisted", "market", marketID, "error", err)
		} else {
			e.failedBets[marketID]++
		}
		slog.Error("bet failed",
			"market", marketID,
			"error", err,
			"consecutive_failures", e.failedBets[marketID],
		)
		return fmt.Errorf("posting bet on %s: %w", marketID, err)
	}
	delete(e.failedBets, marketID)

	slog.Info("bet placed successfully", "market", marketID, "outcome", dir, "amount", amount)
	return nil
}

func permanent(err error) bool {
	s := err.Error()
	return strings.Contains(s, "resolved") || strings.Contains(s, "status 403") || strings.Contains(s, "status 404")
}
