package risk

import (
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"ensemblebot/internal/config"
	"ensemblebot/internal/ensemble"
	"ensemblebot/internal/strategy"
)

// Reason is the rejection code of a RiskDecision.
type Reason string

const (
	ReasonNoSignal            Reason = "no_signal"
	ReasonAlreadyPositioned   Reason = "already_positioned"
	ReasonMaxPositions        Reason = "max_positions_reached"
	ReasonInsufficientEdge    Reason = "insufficient_edge"
	ReasonBelowMinimum        Reason = "amount_below_minimum"
	ReasonPortfolioRisk       Reason = "portfolio_risk_exceeded"
	ReasonInsufficientBalance Reason = "insufficient_balance"
)

// State is the read-only view of the portfolio the gates need.
type State interface {
	Bankroll() float64
	HasPosition(marketID string) bool
	OpenPositions() int
	RiskAtStake() float64
}

// Decision is the outcome of Decide for one market. Fields after Edge are
// filled in only as far as the gates got.
type Decision struct {
	MarketID          string
	Approved          bool
	Reason            Reason
	Direction         strategy.Direction
	Amount            float64
	Edge              float64
	ModelProbability  float64
	MarketProbability float64
	RawKelly          float64
}

// Manager sizes bets with fractional Kelly and enforces portfolio limits.
type Manager struct {
	cfg config.RiskConfig
}

func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Decide runs the gates in order and stops at the first rejection:
// direction, existing position, capacity, edge, sizing and bounds,
// portfolio risk, balance.
func (m *Manager) Decide(sig ensemble.Signal, snap strategy.MarketSnapshot, state State) Decision {
	d := Decision{
		MarketID:          snap.ID,
		Direction:         sig.Direction,
		MarketProbability: snap.Probability,
	}

	if sig.Direction != strategy.Yes && sig.Direction != strategy.No {
		return d.reject(ReasonNoSignal)
	}
	if state.HasPosition(snap.ID) {
		return d.reject(ReasonAlreadyPositioned)
	}
	if state.OpenPositions() >= m.cfg.MaxPositions {
		return d.reject(ReasonMaxPositions)
	}

	d.ModelProbability = ModelProbability(sig.Direction, sig.Confidence, sig.Strength)
	d.Edge = math.Abs(d.ModelProbability - snap.Probability)
	if d.Edge < m.cfg.MinEdge {
		return d.reject(ReasonInsufficientEdge)
	}

	bankroll := state.Bankroll()
	risk := state.RiskAtStake()

	d.RawKelly = RawKelly(sig.Direction, d.ModelProbability, snap.Probability, m.cfg.RiskTolerance)
	amount := m.stake(d.RawKelly, bankroll)

	if amount < m.cfg.MinBetAmount {
		// Round a small stake up to the minimum only when the minimum itself
		// stays inside policy; otherwise the edge does not justify a bet.
		if amount <= 0 || m.cfg.MinBetAmount > bankroll || exceedsRisk(risk, m.cfg.MinBetAmount, bankroll, m.cfg.MaxPortfolioRisk) {
			d.Amount = amount
			return d.reject(ReasonBelowMinimum)
		}
		amount = m.cfg.MinBetAmount
	}
	if amount > m.cfg.MaxBetAmount {
		amount = m.cfg.MaxBetAmount
	}
	d.Amount = amount

	if exceedsRisk(risk, amount, bankroll, m.cfg.MaxPortfolioRisk) {
		return d.reject(ReasonPortfolioRisk)
	}
	if amount > bankroll {
		return d.reject(ReasonInsufficientBalance)
	}

	d.Approved = true
	slog.Info("bet size approved",
		"market", snap.ID,
		"direction", d.Direction,
		"amount", d.Amount,
		"edge", d.Edge,
		"model_prob", d.ModelProbability,
		"market_prob", d.MarketProbability,
		"raw_kelly", d.RawKelly,
	)
	return d
}

func (d Decision) reject(r Reason) Decision {
	d.Approved = false
	d.Reason = r
	return d
}

// stake converts a raw Kelly fraction into whole mana after KellyFraction
// damping. Decimal arithmetic keeps e.g. 0.25 x 0.18 x 1000 at exactly 45.
func (m *Manager) stake(rawKelly, bankroll float64) float64 {
	if rawKelly <= 0 || bankroll <= 0 {
		return 0
	}
	amount := decimal.NewFromFloat(rawKelly).
		Mul(decimal.NewFromFloat(m.cfg.KellyFraction)).
		Mul(decimal.NewFromFloat(bankroll)).
		Floor()
	return amount.InexactFloat64()
}

func exceedsRisk(atStake, amount, bankroll, limit float64) bool {
	if bankroll <= 0 {
		return true
	}
	return (atStake+amount)/bankroll > limit
}

// ModelProbability maps an ensemble opinion to an implied probability of
// YES: 0.5 + sign x confidence x strength / 2, clamped to [0,1]. It is
// monotonic in both confidence and strength.
func ModelProbability(dir strategy.Direction, confidence, strength float64) float64 {
	p := 0.5 + dir.Sign()*confidence*strength/2
	return math.Max(0, math.Min(1, p))
}

// RawKelly is RiskTolerance x (p x odds - (1-p)) / odds for the chosen side,
// where p is the model's probability of that side winning and odds are the
// net payout per mana at the quoted price. Never negative.
func RawKelly(dir strategy.Direction, modelProb, marketProb, riskTolerance float64) float64 {
	if marketProb <= 0 || marketProb >= 1 {
		return 0
	}
	var p, odds float64
	switch dir {
	case strategy.Yes:
		p = modelProb
		odds = (1 - marketProb) / marketProb
	case strategy.No:
		p = 1 - modelProb
		odds = marketProb / (1 - marketProb)
	default:
		return 0
	}
	full := (p*odds - (1 - p)) / odds
	return math.Max(0, riskTolerance*full)
}
