package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/peering"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu       sync.Mutex
	calls    int
	failNext bool
	closed   bool
}

func (c *fakeConn) Call(_ context.Context, method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("transport error")
	}
	c.calls++
	raw, _ := json.Marshal(protocol.Result{Success: true})
	return json.Unmarshal(raw, result)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string) (peering.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func TestUpdateConfig_NoEndpointIsNoop(t *testing.T) {
	c := NewClient("", &fakeDialer{}, time.Second, zap.NewNop())
	if err := c.UpdateConfig(context.Background(), nil); err != nil {
		t.Fatalf("empty endpoint must be a no-op, got %v", err)
	}
}

func TestUpdateConfig_ReusesConnection(t *testing.T) {
	d := &fakeDialer{}
	c := NewClient("ws://gateway:4000/config", d, time.Second, zap.NewNop())

	services := []Service{{Name: "svc-g", URL: "http://g:80"}}
	if err := c.UpdateConfig(context.Background(), services); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := c.UpdateConfig(context.Background(), services); err != nil {
		t.Fatalf("second push: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) != 1 {
		t.Fatalf("expected one dial, got %d", len(d.conns))
	}
	if d.conns[0].calls != 2 {
		t.Fatalf("expected 2 calls on the cached conn, got %d", d.conns[0].calls)
	}
}

func TestUpdateConfig_RedialsAfterFailure(t *testing.T) {
	d := &fakeDialer{}
	c := NewClient("ws://gateway:4000/config", d, time.Second, zap.NewNop())

	if err := c.UpdateConfig(context.Background(), nil); err != nil {
		t.Fatalf("first push: %v", err)
	}

	d.mu.Lock()
	d.conns[0].failNext = true
	d.mu.Unlock()

	if err := c.UpdateConfig(context.Background(), nil); err == nil {
		t.Fatal("expected failure to surface")
	}

	// The broken conn is dropped; the next push dials fresh.
	if err := c.UpdateConfig(context.Background(), nil); err != nil {
		t.Fatalf("push after redial: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) != 2 {
		t.Fatalf("expected a second dial, got %d", len(d.conns))
	}
	if !d.conns[0].closed {
		t.Fatal("broken conn must be closed")
	}
}
