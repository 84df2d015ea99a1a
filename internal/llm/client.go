package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ensemblebot/internal/config"
)

const anthropicVersion = "2023-06-01"

// ErrUnauthorized is returned when the API rejects the configured key.
// Retrying will not help.
var ErrUnauthorized = errors.New("llm: api key rejected")

// Client is a minimal Anthropic Messages API client.
type Client struct {
	http        *resty.Client
	model       string
	maxTokens   int
	temperature float64
}

func NewClient(cfg config.LLMConfig) *Client {
	base := strings.TrimSuffix(cfg.APIBase, "/")
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("anthropic-version", anthropicVersion).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp == nil {
				return 0, nil
			}
			if s := resp.Header().Get("Retry-After"); s != "" {
				if secs, err := strconv.Atoi(s); err == nil {
					return time.Duration(secs) * time.Second, nil
				}
			}
			return 0, nil
		})

	return &Client{
		http:        rc,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a single user message and returns the concatenated text
// of the reply.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	var out messagesResponse
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(messagesRequest{
			Model:       c.model,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			Messages:    []message{{Role: "user", Content: prompt}},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/messages")
	if err != nil {
		return "", fmt.Errorf("calling messages api: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || apiErr.Error.Type == "authentication_error":
		return "", ErrUnauthorized
	case resp.IsError():
		return "", fmt.Errorf("messages api: status %d: %s", resp.StatusCode(), apiErr.Error.Message)
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("messages api: empty response")
	}
	return sb.String(), nil
}
