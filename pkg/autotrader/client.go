// Package autotrader is a Go client for the autotrader operator HTTP API.
package autotrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autotrader/internal/api"
	"autotrader/internal/domain"
)

// Request and response bodies shared with the server.
type (
	StrategyRequest = api.StrategyRequest
	SnapshotRequest = api.SnapshotRequest
	SnapshotView    = api.SnapshotView
	OrderUpdate     = api.OrderUpdate
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("autotrader api: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the autotrader daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new autotrader API client. Runs can take a while, so
// the timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Health returns nil when the daemon answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Accounts lists the configured broker accounts.
func (c *Client) Accounts(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/api/accounts", nil, &out)
	return out, err
}

// ---------------------------------------------------------------------------
// Strategies
// ---------------------------------------------------------------------------

// ListStrategies lists strategies, all of them when status is empty.
func (c *Client) ListStrategies(ctx context.Context, status domain.StrategyStatus) ([]domain.Strategy, error) {
	path := "/api/strategies"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []domain.Strategy
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetStrategy fetches one strategy.
func (c *Client) GetStrategy(ctx context.Context, id int64) (*domain.Strategy, error) {
	var out domain.Strategy
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/strategies/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateStrategy registers a strategy.
func (c *Client) CreateStrategy(ctx context.Context, req StrategyRequest) (*domain.Strategy, error) {
	var out domain.Strategy
	if err := c.do(ctx, http.MethodPost, "/api/strategies", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStrategy edits a strategy; empty fields are left unchanged.
func (c *Client) UpdateStrategy(ctx context.Context, id int64, req StrategyRequest) (*domain.Strategy, error) {
	var out domain.Strategy
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/strategies/%d", id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteStrategy removes a strategy with its history.
func (c *Client) DeleteStrategy(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/strategies/%d", id), nil, nil)
}

// SetActive activates or deactivates a strategy.
func (c *Client) SetActive(ctx context.Context, id int64, active bool) (*domain.Strategy, error) {
	action := "deactivate"
	if active {
		action = "activate"
	}
	var out domain.Strategy
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/strategies/%d/%s", id, action), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run runs the daily routine of one strategy now.
func (c *Client) Run(ctx context.Context, id int64) (domain.RunResult, error) {
	var out domain.RunResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/strategies/%d/run", id), nil, &out)
	return out, err
}

// RunAll runs every active strategy now.
func (c *Client) RunAll(ctx context.Context) (domain.AggregateReport, error) {
	var out domain.AggregateReport
	err := c.do(ctx, http.MethodPost, "/api/run-all", nil, &out)
	return out, err
}

// ---------------------------------------------------------------------------
// Snapshots and orders
// ---------------------------------------------------------------------------

// ListSnapshots returns up to limit snapshots of a strategy, newest first.
func (c *Client) ListSnapshots(ctx context.Context, strategyID int64, limit int) ([]domain.Snapshot, error) {
	var out []domain.Snapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/strategies/%d/snapshots?limit=%d", strategyID, limit), nil, &out)
	return out, err
}

// GetSnapshot fetches a snapshot with its orders.
func (c *Client) GetSnapshot(ctx context.Context, id int64) (*SnapshotView, error) {
	var out SnapshotView
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/snapshots/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateManualSnapshot records an operator-authored snapshot.
func (c *Client) CreateManualSnapshot(ctx context.Context, strategyID int64, progress json.RawMessage) (*domain.Snapshot, error) {
	var out domain.Snapshot
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/strategies/%d/snapshots", strategyID),
		SnapshotRequest{Progress: progress}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateManualSnapshot replaces the progress of a manual snapshot.
func (c *Client) UpdateManualSnapshot(ctx context.Context, id int64, progress json.RawMessage) (*domain.Snapshot, error) {
	var out domain.Snapshot
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/snapshots/%d", id), SnapshotRequest{Progress: progress}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSnapshot removes a manual snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/snapshots/%d", id), nil, nil)
}

// OrdersOn lists the orders placed on the given UTC day.
func (c *Client) OrdersOn(ctx context.Context, day time.Time) ([]domain.Order, error) {
	var out []domain.Order
	err := c.do(ctx, http.MethodGet, "/api/orders?date="+day.UTC().Format("2006-01-02"), nil, &out)
	return out, err
}

// UpdateOrder applies an operator edit to an order.
func (c *Client) UpdateOrder(ctx context.Context, id int64, u OrderUpdate) (*domain.Order, error) {
	var out domain.Order
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/orders/%d", id), u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteOrder removes an order.
func (c *Client) DeleteOrder(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/orders/%d", id), nil, nil)
}
