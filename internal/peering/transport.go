package peering

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
)

// Conn is one outbound RPC session to a peer. Calls are issued sequentially
// by the session loop.
type Conn interface {
	Call(ctx context.Context, method string, params any, result any) error
	Close() error
}

// Dialer opens a Conn to a peer endpoint. Swapped for an in-process fake in
// tests.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebSocketDialer dials peers with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	wsURL, err := toWebSocketURL(endpoint)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	return &wsConn{conn: conn}, nil
}

// toWebSocketURL rewrites http(s) endpoints to their ws(s) equivalents and
// appends the iBGP mount path when the endpoint has none.
func toWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing peer endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported peer endpoint scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ibgp"
	}
	return u.String(), nil
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Call sends one request frame and reads messages until the matching
// response arrives. Both directions honor the context deadline.
func (c *wsConn) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := protocol.MarshalParams(params)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	frame, err := protocol.EncodeFrame(&protocol.Frame{ID: id, Method: method, Params: raw})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s: %w", method, err)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading %s response: %w", method, err)
		}
		resp, err := protocol.DecodeFrame(data)
		if err != nil {
			return err
		}
		if resp.ID != id {
			// Stale response from an abandoned call; skip it.
			continue
		}
		if result != nil {
			if err := protocol.UnmarshalParams(resp.Result, result); err != nil {
				return err
			}
		}
		return nil
	}
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

// trimEndpointHost is a convenience for log fields.
func trimEndpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimPrefix(endpoint, "//")
}
