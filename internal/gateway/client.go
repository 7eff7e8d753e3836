package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/peering"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"go.uber.org/zap"
)

// Service is one GraphQL subgraph handed to the gateway.
type Service struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// UpdateConfigRequest is the gateway's configuration RPC payload.
type UpdateConfigRequest struct {
	Services []Service `json:"services"`
}

// Client pushes subgraph configuration to the GraphQL gateway over a
// WebSocket RPC session. Calls are best-effort: the connection is dialed on
// demand and dropped on failure; the next push supersedes.
type Client struct {
	endpoint string
	dialer   peering.Dialer
	timeout  time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	conn peering.Conn
}

func NewClient(endpoint string, dialer peering.Dialer, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		dialer:   dialer,
		timeout:  timeout,
		logger:   logger,
	}
}

// UpdateConfig replaces the gateway's service list.
func (c *Client) UpdateConfig(ctx context.Context, services []Service) error {
	if c.endpoint == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.conn == nil {
		conn, err := c.dialer.Dial(callCtx, c.endpoint)
		if err != nil {
			return fmt.Errorf("gateway dial: %w", err)
		}
		c.conn = conn
	}

	var res protocol.Result
	err := c.conn.Call(callCtx, "gateway.updateConfig", UpdateConfigRequest{Services: services}, &res)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("gateway updateConfig: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("gateway updateConfig rejected: %s", res.Error)
	}
	c.logger.Debug("gateway config pushed", zap.Int("services", len(services)))
	return nil
}

// Close tears down the cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
