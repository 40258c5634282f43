// Package broker implements a client for the clustered message broker's
// management HTTP API: node stats, alarms, connections, and maintenance mode.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrCannotConnect       = errors.New("broker: cannot connect")
	ErrAuthenticationFailed = errors.New("broker: authentication failed")
	ErrEndpointNotFound    = errors.New("broker: endpoint not found")
)

// NodeInfo is the raw per-node payload returned by the management API.
type NodeInfo struct {
	Name          string   `json:"name"`
	Running       bool     `json:"running"`
	MemUsed       int64    `json:"mem_used"`
	MemLimit      int64    `json:"mem_limit"`
	DiskFree      int64    `json:"disk_free"`
	DiskFreeLimit int64    `json:"disk_free_limit"`
	FdUsed        int64    `json:"fd_used"`
	FdTotal       int64    `json:"fd_total"`
	SocketsUsed   int64    `json:"sockets_used"`
	SocketsTotal  int64    `json:"sockets_total"`
	Partitions    []string `json:"partitions"`
	Uptime        int64    `json:"uptime"`
}

// Alarm is a raised resource alarm on a node.
type Alarm struct {
	Node string `json:"node"`
	Kind string `json:"kind"`
}

// Connection is a client connection to the broker.
type Connection struct {
	Name  string `json:"name"`
	Node  string `json:"node"`
	State string `json:"state"`
}

// Queue is a single queue's stats as reported by the management API.
type Queue struct {
	Name     string `json:"name"`
	Node     string `json:"node"`
	Messages int64  `json:"messages"`
	Consumers int   `json:"consumers"`
}

// ConnectivityResult reports whether a single node's management API answered.
type ConnectivityResult struct {
	Node      string
	Connected bool
	Duration  time.Duration
	Err       error
}

// MaintenanceAck acknowledges a maintenance-mode toggle. Warning is set when
// the broker doesn't support the endpoint — the caller should treat this as
// non-fatal.
type MaintenanceAck struct {
	Enabled bool
	Warning string
}

// Client talks to the broker management API over HTTP Basic auth.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient constructs a Client bound to a single base URL. Every call,
// including per-node ones, goes to that one management endpoint; there is
// no per-node base URL.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return data, nil
	case http.StatusUnauthorized:
		return nil, ErrAuthenticationFailed
	case http.StatusNotFound:
		return nil, ErrEndpointNotFound
	default:
		return nil, fmt.Errorf("broker: unexpected status %d: %s", resp.StatusCode, string(data))
	}
}

func classifyTransportError(err error) error {
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host") {
		return fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	return fmt.Errorf("broker: request failed: %w", err)
}

// GetNode fetches raw stats for a single node.
func (c *Client) GetNode(ctx context.Context, nodeID string) (*NodeInfo, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/nodes/"+nodeID, nil)
	if err != nil {
		return nil, err
	}
	var info NodeInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("broker: decode node info: %w", err)
	}
	return &info, nil
}

// GetAlarms returns every alarm currently raised cluster-wide.
func (c *Client) GetAlarms(ctx context.Context) ([]Alarm, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/alarms", nil)
	if err != nil {
		return nil, err
	}
	var alarms []Alarm
	if err := json.Unmarshal(data, &alarms); err != nil {
		return nil, fmt.Errorf("broker: decode alarms: %w", err)
	}
	return alarms, nil
}

// GetConnections returns all connections, or only those on nodeID when non-empty.
func (c *Client) GetConnections(ctx context.Context, nodeID string) ([]Connection, error) {
	path := "/api/connections"
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var conns []Connection
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("broker: decode connections: %w", err)
	}
	if nodeID == "" {
		return conns, nil
	}
	filtered := conns[:0]
	for _, conn := range conns {
		if conn.Node == nodeID {
			filtered = append(filtered, conn)
		}
	}
	return filtered, nil
}

// GetConnectionCount returns the count of running connections on a node.
// On error it returns 0 so the drain loop can treat the observation as
// transient rather than failing the restart.
func (c *Client) GetConnectionCount(ctx context.Context, nodeID string) int {
	conns, err := c.GetConnections(ctx, nodeID)
	if err != nil {
		return 0
	}
	count := 0
	for _, conn := range conns {
		if conn.State == "running" {
			count++
		}
	}
	return count
}

// GetQueues returns all queues, or only those hosted on nodeID when non-empty.
func (c *Client) GetQueues(ctx context.Context, nodeID string) ([]Queue, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/queues", nil)
	if err != nil {
		return nil, err
	}
	var queues []Queue
	if err := json.Unmarshal(data, &queues); err != nil {
		return nil, fmt.Errorf("broker: decode queues: %w", err)
	}
	if nodeID == "" {
		return queues, nil
	}
	filtered := queues[:0]
	for _, q := range queues {
		if q.Node == nodeID {
			filtered = append(filtered, q)
		}
	}
	return filtered, nil
}

// CloseConnection force-closes a single named connection.
func (c *Client) CloseConnection(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/connections/"+name, nil)
	return err
}

// ForceCloseResult reports the outcome of a bulk force-close.
type ForceCloseResult struct {
	Closed    int
	Remaining int
}

// ForceCloseNodeConnections closes up to maxToClose running connections on a
// node, swallowing per-connection failures, and reports what is left.
func (c *Client) ForceCloseNodeConnections(ctx context.Context, nodeID string, maxToClose int) ForceCloseResult {
	conns, err := c.GetConnections(ctx, nodeID)
	if err != nil {
		return ForceCloseResult{}
	}
	closed := 0
	for _, conn := range conns {
		if conn.State != "running" {
			continue
		}
		if closed >= maxToClose {
			break
		}
		if err := c.CloseConnection(ctx, conn.Name); err == nil {
			closed++
		}
	}
	remaining := c.GetConnectionCount(ctx, nodeID)
	return ForceCloseResult{Closed: closed, Remaining: remaining}
}

// SetMaintenanceMode toggles maintenance mode on a node. If the broker
// doesn't support the endpoint (404), the ack carries a warning instead of
// an error — callers should treat this as non-fatal.
func (c *Client) SetMaintenanceMode(ctx context.Context, nodeID string, enabled bool, reason string) (*MaintenanceAck, error) {
	body := fmt.Sprintf(`{"enabled":%t,"reason":%q}`, enabled, reason)
	_, err := c.do(ctx, http.MethodPut, "/api/nodes/"+nodeID+"/maintenance", strings.NewReader(body))
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return &MaintenanceAck{Enabled: enabled, Warning: "maintenance mode endpoint not supported by this broker"}, nil
		}
		return nil, err
	}
	return &MaintenanceAck{Enabled: enabled}, nil
}

// TestConnectivity issues GET /api/overview against the client's single base
// URL once per given node ID and reports each attempt under that ID; it does
// not contact each node's own management endpoint.
func (c *Client) TestConnectivity(ctx context.Context, nodeIDs []string) []ConnectivityResult {
	results := make([]ConnectivityResult, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		start := time.Now()
		_, err := c.do(ctx, http.MethodGet, "/api/overview", nil)
		results = append(results, ConnectivityResult{
			Node:      id,
			Connected: err == nil,
			Duration:  time.Since(start),
			Err:       err,
		})
	}
	return results
}
