package risk

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ensemblebot/internal/strategy"
)

var (
	// ErrDuplicatePosition means an open position already exists for the
	// market. The existing-position gate makes this unreachable, so seeing
	// it is a bug.
	ErrDuplicatePosition = errors.New("duplicate_position")
	// ErrUnknownPosition means no open position exists for the market.
	ErrUnknownPosition = errors.New("unknown_position")
)

// Resolution outcomes as reported by Manifold.
const (
	OutcomeYes    = "YES"
	OutcomeNo     = "NO"
	OutcomeCancel = "CANCEL"
	OutcomeMkt    = "MKT"
)

// Resolution is how a market settled. Probability is only used for MKT.
type Resolution struct {
	Outcome     string
	Probability float64
}

// Position is one stake in one market.
type Position struct {
	TradeID            string
	MarketID           string
	Direction          strategy.Direction
	Amount             float64
	EntryProbability   float64
	CurrentProbability float64
	OpenedAt           time.Time
	Closed             bool
	Payout             float64
}

// Shares is the number of payout-1 shares bought at the entry price.
func (p Position) Shares() float64 {
	price := p.EntryProbability
	if p.Direction == strategy.No {
		price = 1 - p.EntryProbability
	}
	if price <= 0 || price >= 1 {
		return p.Amount
	}
	return decimal.NewFromFloat(p.Amount).Div(decimal.NewFromFloat(price)).InexactFloat64()
}

// Value is the mark-to-market value at CurrentProbability.
func (p Position) Value() float64 {
	price := p.CurrentProbability
	if p.Direction == strategy.No {
		price = 1 - p.CurrentProbability
	}
	return p.Shares() * price
}

// UnrealizedPnL is Value minus the entered amount.
func (p Position) UnrealizedPnL() float64 {
	return p.Value() - p.Amount
}

// PnL is the realized profit of a closed position.
func (p Position) PnL() float64 {
	return p.Payout - p.Amount
}

// Portfolio is the single owner of bankroll and open positions. It is not
// safe for concurrent use; the scheduler mutates it from one goroutine.
type Portfolio struct {
	bankroll decimal.Decimal
	realized decimal.Decimal
	open     map[string]*Position
}

func NewPortfolio(bankroll float64) *Portfolio {
	return &Portfolio{
		bankroll: decimal.NewFromFloat(bankroll),
		open:     make(map[string]*Position),
	}
}

// Bankroll is the uncommitted balance available for new bets.
func (p *Portfolio) Bankroll() float64 { return p.bankroll.InexactFloat64() }

// SetBankroll replaces the bankroll with an externally observed balance.
func (p *Portfolio) SetBankroll(b float64) { p.bankroll = decimal.NewFromFloat(b) }

func (p *Portfolio) HasPosition(marketID string) bool {
	_, ok := p.open[marketID]
	return ok
}

func (p *Portfolio) OpenPositions() int { return len(p.open) }

// RiskAtStake is the sum of entered amounts across open positions, not
// their marked value.
func (p *Portfolio) RiskAtStake() float64 {
	sum := decimal.Zero
	for _, pos := range p.open {
		sum = sum.Add(decimal.NewFromFloat(pos.Amount))
	}
	return sum.InexactFloat64()
}

// RealizedPnL is the cumulative profit from positions closed in this process.
func (p *Portfolio) RealizedPnL() float64 { return p.realized.InexactFloat64() }

// UnrealizedPnL sums the mark-to-market profit of open positions.
func (p *Portfolio) UnrealizedPnL() float64 {
	var sum float64
	for _, pos := range p.open {
		sum += pos.UnrealizedPnL()
	}
	return sum
}

// Position returns a copy of the open position for a market.
func (p *Portfolio) Position(marketID string) (Position, bool) {
	pos, ok := p.open[marketID]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions ordered by market id.
func (p *Portfolio) Positions() []Position {
	out := make([]Position, 0, len(p.open))
	for _, pos := range p.open {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// OpenPosition records an executed trade and debits the bankroll.
func (p *Portfolio) OpenPosition(pos Position) (Position, error) {
	if p.HasPosition(pos.MarketID) {
		return Position{}, fmt.Errorf("%w: market %s", ErrDuplicatePosition, pos.MarketID)
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	pos.CurrentProbability = pos.EntryProbability
	pos.Closed = false
	p.open[pos.MarketID] = &pos
	p.bankroll = p.bankroll.Sub(decimal.NewFromFloat(pos.Amount))
	return pos, nil
}

// Restore loads positions reconstructed from trade history without
// touching the bankroll, which already reflects them.
func (p *Portfolio) Restore(positions []Position) error {
	for _, pos := range positions {
		if p.HasPosition(pos.MarketID) {
			return fmt.Errorf("%w: market %s", ErrDuplicatePosition, pos.MarketID)
		}
		pos := pos
		if pos.CurrentProbability == 0 {
			pos.CurrentProbability = pos.EntryProbability
		}
		p.open[pos.MarketID] = &pos
	}
	return nil
}

// MarkToMarket updates the current probability of an open position.
// Unknown markets are ignored.
func (p *Portfolio) MarkToMarket(marketID string, prob float64) {
	if pos, ok := p.open[marketID]; ok {
		pos.CurrentProbability = prob
	}
}

// ClosePosition settles a position, credits the payout to the bankroll and
// removes it from the open set.
func (p *Portfolio) ClosePosition(marketID string, res Resolution) (Position, error) {
	pos, ok := p.open[marketID]
	if !ok {
		return Position{}, fmt.Errorf("%w: market %s", ErrUnknownPosition, marketID)
	}

	payout := Payout(*pos, res)
	pos.Payout = payout
	pos.Closed = true
	delete(p.open, marketID)

	p.bankroll = p.bankroll.Add(decimal.NewFromFloat(payout))
	p.realized = p.realized.Add(decimal.NewFromFloat(payout).Sub(decimal.NewFromFloat(pos.Amount)))
	return *pos, nil
}

// Payout is what a position returns on resolution: its shares on a win,
// nothing on a loss, the stake back on CANCEL, and shares at the resolution
// probability on MKT.
func Payout(pos Position, res Resolution) float64 {
	shares := decimal.NewFromFloat(pos.Shares())
	switch res.Outcome {
	case OutcomeCancel:
		return pos.Amount
	case OutcomeMkt:
		prob := res.Probability
		if pos.Direction == strategy.No {
			prob = 1 - prob
		}
		return shares.Mul(decimal.NewFromFloat(prob)).Round(2).InexactFloat64()
	case string(pos.Direction):
		return shares.Round(2).InexactFloat64()
	default:
		return 0
	}
}
