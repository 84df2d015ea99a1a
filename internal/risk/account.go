package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonnyspicer/mango"
)

// Account reads the bot's balance from Manifold. When username is set, a
// key that authenticates as a different user is reported.
type Account struct {
	client   *mango.Client
	username string
}

func NewAccount(client *mango.Client, username string) *Account {
	return &Account{client: client, username: username}
}

// Balance fetches the authenticated user's cash balance. The invested
// value is logged for reference but not returned; the bankroll only counts
// uncommitted mana.
func (a *Account) Balance(_ context.Context) (float64, error) {
	user, err := a.client.GetAuthenticatedUser()
	if err != nil {
		return 0, fmt.Errorf("getting authenticated user: %w", err)
	}
	if user == nil {
		return 0, fmt.Errorf("authenticated user returned nil")
	}
	if mismatch := a.checkUsername(user.Username); mismatch != "" {
		slog.Warn("api key authenticates as a different user", "expected", a.username, "actual", mismatch)
	}

	invested := 0.0
	if portfolio, err := a.client.GetUserPortfolio(user.Id); err != nil {
		slog.Warn("failed to get portfolio", "error", err)
	} else if portfolio != nil {
		invested = portfolio.InvestmentValue
	}

	slog.Info("balance refreshed",
		"balance", user.Balance,
		"invested", invested,
		"total", user.Balance+invested,
	)
	return user.Balance, nil
}

// checkUsername returns the authenticated username when it differs from the
// configured one, ignoring case.
func (a *Account) checkUsername(actual string) string {
	if a.username == "" || strings.EqualFold(a.username, actual) {
		return ""
	}
	return actual
}
