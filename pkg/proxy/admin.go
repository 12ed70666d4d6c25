package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"cloudlunacy/frontdoor/pkg/errdefs"
)

// ServerStats is one upstream server's statistics as reported by the proxy
// admin API.
type ServerStats struct {
	Name           string  `json:"name"`
	Address        string  `json:"address"`
	Weight         int     `json:"weight"`
	CurrentConns   int     `json:"current_conns"`
	MaxConns       int     `json:"max_conns"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	QueueDepth     int     `json:"queue_depth"`
	ErrorRate      float64 `json:"error_rate"`
	Up             bool    `json:"up"`
}

// BackendStats is one backend's server set.
type BackendStats struct {
	Name    string        `json:"name"`
	Servers []ServerStats `json:"servers"`
}

// AdminAPI is the slice of the proxy admin surface the front door uses.
// Implemented by AdminClient for production and by fakes in tests.
type AdminAPI interface {
	// Healthy probes the admin endpoint.
	Healthy(ctx context.Context) error

	// Reload signals the proxy to re-read its dynamic configuration.
	Reload(ctx context.Context) error

	// Stats reads per-backend server statistics.
	Stats(ctx context.Context) ([]BackendStats, error)

	// BeginTransaction opens a configuration transaction and returns its ID.
	BeginTransaction(ctx context.Context) (string, error)

	// UpdateServerWeight stages a weight change inside a transaction.
	UpdateServerWeight(ctx context.Context, txnID, backend, server string, weight int) error

	// CommitTransaction applies all staged changes atomically.
	CommitTransaction(ctx context.Context, txnID string) error

	// AbortTransaction discards all staged changes.
	AbortTransaction(ctx context.Context, txnID string) error
}

// AdminClient talks to the proxy's admin API over HTTP.
type AdminClient struct {
	baseURL string
	http    *http.Client
}

// NewAdminClient creates an admin client for the given base URL.
func NewAdminClient(baseURL string, timeout time.Duration) *AdminClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Healthy probes GET /health and treats any 2xx as healthy.
func (c *AdminClient) Healthy(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindProxyUnhealthy, "admin health probe failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Newf(errdefs.KindProxyUnhealthy, "admin health probe returned %d", resp.StatusCode)
	}
	return nil
}

// Reload signals POST /reload.
func (c *AdminClient) Reload(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/reload", nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindProxyUnhealthy, "reload signal failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errdefs.Newf(errdefs.KindProxyUnhealthy, "reload returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Stats reads GET /stats.
func (c *AdminClient) Stats(ctx context.Context) ([]BackendStats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/stats", nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindProxyUnhealthy, "stats read failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.Newf(errdefs.KindProxyUnhealthy, "stats returned %d", resp.StatusCode)
	}

	var stats []BackendStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errdefs.Wrap(errdefs.KindProxyUnhealthy, "cannot decode stats", err)
	}
	return stats, nil
}

// BeginTransaction opens a transaction with a client-generated ID, so a
// retried begin is idempotent.
func (c *AdminClient) BeginTransaction(ctx context.Context) (string, error) {
	txnID := uuid.NewString()
	resp, err := c.do(ctx, http.MethodPut, "/transactions/"+txnID, nil)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindProxyUnhealthy, "begin transaction failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errdefs.Newf(errdefs.KindProxyUnhealthy, "begin transaction returned %d", resp.StatusCode)
	}
	return txnID, nil
}

// UpdateServerWeight stages PUT /transactions/{id}/backends/{b}/servers/{s}.
func (c *AdminClient) UpdateServerWeight(ctx context.Context, txnID, backend, server string, weight int) error {
	path := fmt.Sprintf("/transactions/%s/backends/%s/servers/%s", txnID, backend, server)
	body, _ := json.Marshal(map[string]int{"weight": weight})

	resp, err := c.do(ctx, http.MethodPut, path, bytes.NewReader(body))
	if err != nil {
		return errdefs.Wrap(errdefs.KindProxyUnhealthy, "weight update failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Newf(errdefs.KindProxyUnhealthy,
			"weight update for %s/%s returned %d", backend, server, resp.StatusCode)
	}
	return nil
}

// CommitTransaction applies POST /transactions/{id}/commit.
func (c *AdminClient) CommitTransaction(ctx context.Context, txnID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/transactions/"+txnID+"/commit", nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindProxyUnhealthy, "commit failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Newf(errdefs.KindProxyUnhealthy, "commit returned %d", resp.StatusCode)
	}
	return nil
}

// AbortTransaction applies DELETE /transactions/{id}.
func (c *AdminClient) AbortTransaction(ctx context.Context, txnID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/transactions/"+txnID, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.KindProxyUnhealthy, "abort failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errdefs.Newf(errdefs.KindProxyUnhealthy, "abort returned %d", resp.StatusCode)
	}
	return nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}
