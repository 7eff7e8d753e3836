package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/gateway"
	"github.com/orbisoperations/catalyst-router/internal/peering"
	"github.com/orbisoperations/catalyst-router/internal/ports"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"github.com/orbisoperations/catalyst-router/internal/rib"
	"github.com/orbisoperations/catalyst-router/internal/xds"
	"go.uber.org/zap"
)

type fakePeers struct {
	mu        sync.Mutex
	started   []string
	stopped   []string
	delivered []peering.Outbound
}

func (f *fakePeers) StartPeer(peer protocol.PeerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, peer.Name)
}

func (f *fakePeers) StopPeer(name string, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
}

func (f *fakePeers) Deliver(name string, out peering.Outbound) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, out)
	return true
}

func (f *fakePeers) Reset(string) {}

type fakeGateway struct {
	mu    sync.Mutex
	calls [][]gateway.Service
	err   error
}

func (f *fakeGateway) UpdateConfig(_ context.Context, services []gateway.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, services)
	return f.err
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestDispatcher(t *testing.T, peers *fakePeers, gw GatewayClient) (*Dispatcher, *ports.Allocator, *xds.Cache, context.CancelFunc) {
	t.Helper()
	allocator, err := ports.NewAllocator([]ports.Range{{Low: 10000, High: 10100}})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	cache := xds.NewCache(zap.NewNop())
	d := New(peers, allocator, cache, gw, "0.0.0.0", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return d, allocator, cache, cancel
}

func peerState(names ...string) rib.State {
	var s rib.State
	for _, n := range names {
		s.Local.Peers = append(s.Local.Peers, rib.PeerRecord{
			PeerInfo: protocol.PeerInfo{Name: n},
			Status:   rib.StatusConnected,
		})
	}
	s.Internal.Peers = s.Local.Peers
	return s
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatch_RoutesPropagationsToPeers(t *testing.T) {
	peers := &fakePeers{}
	d, _, _, cancel := newTestDispatcher(t, peers, &fakeGateway{})
	defer cancel()

	props := []rib.Propagation{
		{Kind: rib.PropagationOpen, Peer: protocol.PeerInfo{Name: "node-b"}},
		{Kind: rib.PropagationUpdate, Peer: protocol.PeerInfo{Name: "node-b"}, Update: &protocol.UpdateMessage{}},
		{Kind: rib.PropagationKeepalive, Peer: protocol.PeerInfo{Name: "node-b"}},
		{Kind: rib.PropagationClose, Peer: protocol.PeerInfo{Name: "node-b"}, Code: protocol.CloseNormal},
	}
	d.Dispatch(context.Background(), peerState("node-b"), props, false)

	peers.mu.Lock()
	defer peers.mu.Unlock()
	if len(peers.started) != 1 || peers.started[0] != "node-b" {
		t.Fatalf("expected one start, got %v", peers.started)
	}
	if len(peers.stopped) != 1 {
		t.Fatalf("expected one stop, got %v", peers.stopped)
	}
	if len(peers.delivered) != 2 {
		t.Fatalf("expected update+keepalive delivered, got %v", peers.delivered)
	}
	if peers.delivered[0].Method != protocol.MethodUpdate || peers.delivered[1].Method != protocol.MethodKeepalive {
		t.Fatalf("unexpected delivery order: %v", peers.delivered)
	}
}

func TestDispatch_PublishesSnapshotOnRouteChange(t *testing.T) {
	peers := &fakePeers{}
	gw := &fakeGateway{}
	d, allocator, cache, cancel := newTestDispatcher(t, peers, gw)
	defer cancel()

	state := peerState("node-b")
	state.Local.Routes = []protocol.DataChannelDefinition{
		{Name: "svc-x", Protocol: protocol.ProtocolHTTP, Endpoint: "http://svc-x:8080"},
	}
	state.Internal.Routes = []rib.InternalRoute{{
		Route:    protocol.DataChannelDefinition{Name: "svc-r", Protocol: protocol.ProtocolHTTP},
		Peer:     rib.PeerSnapshot{Name: "node-b", Endpoint: "wss://node-b:8080"},
		PeerName: "node-b",
		NodePath: []string{"node-b"},
	}}

	d.Dispatch(context.Background(), state, nil, true)

	waitUntil(t, time.Second, func() bool { return cache.Current() != nil })
	snap := cache.Current()
	if len(snap.Listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %+v", snap.Listeners)
	}
	if _, ok := allocator.Lookup("svc-x"); !ok {
		t.Fatal("local route port not allocated")
	}
	if _, ok := allocator.Lookup(xds.EgressKey("svc-r", "node-b")); !ok {
		t.Fatal("egress port not allocated")
	}
}

func TestDispatch_ReleasesPortsForRemovedRoutes(t *testing.T) {
	peers := &fakePeers{}
	d, allocator, _, cancel := newTestDispatcher(t, peers, &fakeGateway{})
	defer cancel()

	initial := allocator.AvailableCount()

	state := peerState()
	state.Local.Routes = []protocol.DataChannelDefinition{
		{Name: "svc-x", Protocol: protocol.ProtocolHTTP, Endpoint: "http://svc-x:8080"},
	}
	d.Dispatch(context.Background(), state, nil, true)
	if allocator.AvailableCount() != initial-1 {
		t.Fatalf("expected one port held, got %d free of %d", allocator.AvailableCount(), initial)
	}

	d.Dispatch(context.Background(), peerState(), nil, true)
	if allocator.AvailableCount() != initial {
		t.Fatalf("expected all ports released, got %d free of %d", allocator.AvailableCount(), initial)
	}
}

func TestDispatch_GatewayGetsGraphQLRoutesOnly(t *testing.T) {
	peers := &fakePeers{}
	gw := &fakeGateway{}
	d, _, _, cancel := newTestDispatcher(t, peers, gw)
	defer cancel()

	state := peerState()
	state.Local.Routes = []protocol.DataChannelDefinition{
		{Name: "svc-plain", Protocol: protocol.ProtocolHTTP, Endpoint: "http://plain:80"},
		{Name: "svc-graph", Protocol: protocol.ProtocolGraphQL, Endpoint: "http://graph:80"},
		{Name: "svc-gql", Protocol: protocol.ProtocolGQL, Endpoint: "http://gql:80"},
	}
	d.Dispatch(context.Background(), state, nil, true)

	waitUntil(t, time.Second, func() bool { return gw.callCount() > 0 })
	gw.mu.Lock()
	services := gw.calls[len(gw.calls)-1]
	gw.mu.Unlock()
	if len(services) != 2 {
		t.Fatalf("expected 2 graphql services, got %+v", services)
	}
	for _, svc := range services {
		if svc.Name == "svc-plain" {
			t.Fatal("plain http route must not reach the gateway")
		}
	}
}

func TestDispatch_GatewayFailureIsBestEffort(t *testing.T) {
	peers := &fakePeers{}
	gw := &fakeGateway{err: errors.New("gateway down")}
	d, _, cache, cancel := newTestDispatcher(t, peers, gw)
	defer cancel()

	state := peerState()
	state.Local.Routes = []protocol.DataChannelDefinition{
		{Name: "svc-x", Protocol: protocol.ProtocolGraphQL, Endpoint: "http://x:80"},
	}
	d.Dispatch(context.Background(), state, nil, true)

	// The snapshot still publishes even though the gateway push failed.
	waitUntil(t, time.Second, func() bool { return cache.Current() != nil })
	waitUntil(t, time.Second, func() bool { return gw.callCount() > 0 })
}

func TestDispatch_SnapshotVersionsIncrease(t *testing.T) {
	peers := &fakePeers{}
	d, _, cache, cancel := newTestDispatcher(t, peers, &fakeGateway{})
	defer cancel()

	state := peerState()
	state.Local.Routes = []protocol.DataChannelDefinition{
		{Name: "svc-x", Protocol: protocol.ProtocolHTTP, Endpoint: "http://x:80"},
	}
	d.Dispatch(context.Background(), state, nil, true)
	waitUntil(t, time.Second, func() bool { return cache.Current() != nil })
	first := cache.Current().Version

	state.Local.Routes = append(state.Local.Routes, protocol.DataChannelDefinition{
		Name: "svc-y", Protocol: protocol.ProtocolHTTP, Endpoint: "http://y:80",
	})
	d.Dispatch(context.Background(), state, nil, true)
	waitUntil(t, time.Second, func() bool {
		cur := cache.Current()
		return cur != nil && cur.Version != first
	})
	if cache.Current().Version <= first {
		t.Fatalf("versions must increase: %s then %s", first, cache.Current().Version)
	}
}
