package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client reads the Manifold endpoints the mango SDK does not cover:
// users by name, markets by creator, bets and comments.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, apiKey string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10*time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if s := resp.Header().Get("Retry-After"); s != "" {
					if secs, err := strconv.Atoi(s); err == nil {
						return time.Duration(secs) * time.Second, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})
	if apiKey != "" {
		rc.SetHeader("Authorization", "Key "+apiKey)
	}
	return &Client{http: rc}
}

type User struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Balance  float64 `json:"balance"`
}

// LiteMarket is the list representation of a market.
type LiteMarket struct {
	ID                string  `json:"id"`
	CreatorID         string  `json:"creatorId"`
	Question          string  `json:"question"`
	URL               string  `json:"url"`
	OutcomeType       string  `json:"outcomeType"`
	Mechanism         string  `json:"mechanism"`
	Probability       float64 `json:"probability"`
	Volume            float64 `json:"volume"`
	TotalLiquidity    float64 `json:"totalLiquidity"`
	UniqueBettorCount int     `json:"uniqueBettorCount"`
	IsResolved        bool    `json:"isResolved"`
	Resolution        string  `json:"resolution"`
	CreatedTime       int64   `json:"createdTime"`
	CloseTime         int64   `json:"closeTime"`
	LastUpdatedTime   int64   `json:"lastUpdatedTime"`
}

type Bet struct {
	ID           string  `json:"id"`
	UserID       string  `json:"userId"`
	ContractID   string  `json:"contractId"`
	Outcome      string  `json:"outcome"`
	Amount       float64 `json:"amount"`
	ProbBefore   float64 `json:"probBefore"`
	ProbAfter    float64 `json:"probAfter"`
	CreatedTime  int64   `json:"createdTime"`
	IsRedemption bool    `json:"isRedemption"`
	IsCancelled  bool    `json:"isCancelled"`
}

type Comment struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Text        string          `json:"text"`
	Content     json.RawMessage `json:"content"`
	CreatedTime int64           `json:"createdTime"`
}

// PlainText returns the comment text, flattening rich-text content when
// the plain field is absent.
func (c Comment) PlainText() string {
	if c.Text != "" {
		return c.Text
	}
	if len(c.Content) == 0 {
		return ""
	}
	var doc any
	if err := json.Unmarshal(c.Content, &doc); err != nil {
		return ""
	}
	var parts []string
	collectText(doc, &parts)
	return strings.Join(parts, " ")
}

func collectText(node any, parts *[]string) {
	switch n := node.(type) {
	case map[string]any:
		if t, ok := n["text"].(string); ok && t != "" {
			*parts = append(*parts, t)
		}
		collectText(n["content"], parts)
	case []any:
		for _, child := range n {
			collectText(child, parts)
		}
	}
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	return nil
}

// UserByUsername resolves a username to a user.
func (c *Client) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	if err := c.get(ctx, "/v0/user/"+username, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// MarketsByCreator lists markets created by a user, newest first.
func (c *Client) MarketsByCreator(ctx context.Context, userID string, limit int) ([]LiteMarket, error) {
	var out []LiteMarket
	params := map[string]string{"userId": userID, "limit": strconv.Itoa(limit)}
	if err := c.get(ctx, "/v0/markets", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Bets lists bets on a market, newest first.
func (c *Client) Bets(ctx context.Context, marketID string, limit int) ([]Bet, error) {
	var out []Bet
	params := map[string]string{"contractId": marketID, "limit": strconv.Itoa(limit)}
	if err := c.get(ctx, "/v0/bets", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Comments lists comments on a market.
func (c *Client) Comments(ctx context.Context, marketID string, limit int) ([]Comment, error) {
	var out []Comment
	params := map[string]string{"contractId": marketID, "limit": strconv.Itoa(limit)}
	if err := c.get(ctx, "/v0/comments", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}
