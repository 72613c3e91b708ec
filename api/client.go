// Package api fetches the gateway's shard recommendation once at startup.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/IdleRPGBot/rateway/logger"
	"github.com/IdleRPGBot/rateway/pkg/retry"
)

// ErrUnauthorized is returned when the token is rejected.
var ErrUnauthorized = errors.New("bot token was rejected")

// SessionStartLimit is the identify budget of the bot.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Client talks to the REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	retry   retry.BackoffConfig
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		retry:   retry.DefaultBackoffConfig(),
	}
}

// GatewayBot fetches the recommended shard count and session-start limits.
// Server errors and rate limits are retried; a rejected token is not.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var info GatewayBot
	err := retry.WithRetry(ctx, func() error {
		return c.getJSON(ctx, "/gateway/bot", &info)
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("fetch gateway info: %w", err)
	}
	if info.Shards < 1 {
		info.Shards = 1
	}
	if info.SessionStartLimit.MaxConcurrency < 1 {
		info.SessionStartLimit.MaxConcurrency = 1
	}
	logger.Info("Fetched gateway info", "recommended_shards", info.Shards,
		"max_concurrency", info.SessionStartLimit.MaxConcurrency,
		"remaining_sessions", info.SessionStartLimit.Remaining)
	return &info, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return retry.Stop(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/IdleRPGBot/rateway, 1.0)")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.Stop(fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logger.Warn("Gateway info request failed, retrying", "status", resp.StatusCode)
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return retry.Stop(fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return retry.Stop(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}
