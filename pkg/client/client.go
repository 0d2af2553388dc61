// Package client provides the Go SDK for the rewards ledger HTTP API:
// reading scheduled-reward balances and the balance-change log, and
// reporting confirmed on-chain payouts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signature is the split secp256k1 signature attached to authorized
// requests.
type Signature struct {
	V int    `json:"v"`
	R string `json:"r"`
	S string `json:"s"`
}

// LogEntry is one balance-change record returned by the log endpoint.
// Amounts are decimal strings; Score is empty for payout entries.
type LogEntry struct {
	Position  int64     `json:"position"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address"`
	Score     string    `json:"score,omitempty"`
	Delta     string    `json:"scheduledRewardsDelta"`
}

// APIError is a non-2xx response from the ledger API. The status code lets
// callers distinguish definitive rejections (4xx) from server-side failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API: %d %s", e.StatusCode, e.Message)
}

// Client is the rewards ledger SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for the API at base, e.g. "http://localhost:8000".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ScheduledRewards returns every balance keyed by address, as decimal
// strings.
func (c *Client) ScheduledRewards(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := c.do(ctx, http.MethodGet, "/scheduled-rewards", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ScheduledRewardsOf returns one address's balance, "0" if unknown.
func (c *Client) ScheduledRewardsOf(ctx context.Context, address string) (string, error) {
	var out string
	if err := c.do(ctx, http.MethodGet, "/scheduled-rewards/"+address, nil, &out); err != nil {
		return "", err
	}
	return out, nil
}

// ReportPaid reports a confirmed on-chain payout batch and returns the
// updated balances.
func (c *Client) ReportPaid(ctx context.Context, participants, rewards []string, sig Signature) (map[string]string, error) {
	body := struct {
		Participants []string  `json:"participants"`
		Rewards      []string  `json:"rewards"`
		Signature    Signature `json:"signature"`
	}{participants, rewards, sig}

	var out map[string]string
	if err := c.do(ctx, http.MethodPost, "/paid", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Log returns up to limit log entries after the given position (0 for the
// beginning).
func (c *Client) Log(ctx context.Context, after int64, limit int) ([]LogEntry, error) {
	path := "/log?after=" + strconv.FormatInt(after, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var out []LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
