package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/gateway"
	"github.com/orbisoperations/catalyst-router/internal/metrics"
	"github.com/orbisoperations/catalyst-router/internal/peering"
	"github.com/orbisoperations/catalyst-router/internal/ports"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"github.com/orbisoperations/catalyst-router/internal/rib"
	"github.com/orbisoperations/catalyst-router/internal/xds"
	"go.uber.org/zap"
)

// GatewayClient is the narrow surface the dispatcher needs from the gateway.
type GatewayClient interface {
	UpdateConfig(ctx context.Context, services []gateway.Service) error
}

// PeerManager is the narrow surface the dispatcher needs from peering.
type PeerManager interface {
	StartPeer(peer protocol.PeerInfo)
	StopPeer(name string, code int, reason string)
	Deliver(name string, out peering.Outbound) bool
	Reset(name string)
}

// Dispatcher consumes the ordered propagation list from each commit. Peer
// messages go to the per-peer mailboxes in commit order; snapshot and
// gateway pushes are handed to a latest-wins pusher so older pending
// updates coalesce.
type Dispatcher struct {
	peers       PeerManager
	allocator   *ports.Allocator
	cache       *xds.Cache
	gw          GatewayClient
	bindAddress string
	logger      *zap.Logger

	version uint64

	pushMu      sync.Mutex
	pendingPush *push
	pushWake    chan struct{}
}

type push struct {
	snapshot *xds.Snapshot
	services []gateway.Service
}

func New(peers PeerManager, allocator *ports.Allocator, cache *xds.Cache, gw GatewayClient, bindAddress string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		peers:       peers,
		allocator:   allocator,
		cache:       cache,
		gw:          gw,
		bindAddress: bindAddress,
		logger:      logger,
		pushWake:    make(chan struct{}, 1),
	}
}

// Run owns the latest-wins push loop. It exits when ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.pushWake:
		}
		for {
			d.pushMu.Lock()
			p := d.pendingPush
			d.pendingPush = nil
			d.pushMu.Unlock()
			if p == nil {
				break
			}
			d.applyPush(ctx, p)
		}
	}
}

// Dispatch delivers one commit's propagations and, when the route set
// changed, schedules the snapshot and gateway pushes. Runs on the queue
// consumer goroutine; downstream failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, state rib.State, props []rib.Propagation, routesChanged bool) {
	for _, prop := range props {
		metrics.PropagationsTotal.WithLabelValues(string(prop.Kind)).Inc()
		switch prop.Kind {
		case rib.PropagationOpen:
			d.peers.StartPeer(prop.Peer)
		case rib.PropagationClose:
			d.peers.StopPeer(prop.Peer.Name, prop.Code, prop.Reason)
		case rib.PropagationUpdate:
			d.peers.Deliver(prop.Peer.Name, peering.Outbound{
				Method: protocol.MethodUpdate,
				Update: prop.Update,
			})
		case rib.PropagationKeepalive:
			d.peers.Deliver(prop.Peer.Name, peering.Outbound{
				Method: protocol.MethodKeepalive,
			})
		}
	}

	if !routesChanged {
		return
	}

	d.syncPorts(state)
	d.version++
	snap := xds.BuildSnapshot(xds.BuildInput{
		Local:           state.Local.Routes,
		Internal:        state.Internal.Routes,
		PortAllocations: d.allocator.Allocations(),
		BindAddress:     d.bindAddress,
		Version:         d.version,
	})
	services := graphQLServices(state)

	d.pushMu.Lock()
	d.pendingPush = &push{snapshot: snap, services: services}
	d.pushMu.Unlock()
	select {
	case d.pushWake <- struct{}{}:
	default:
	}

	metrics.RIBRoutes.WithLabelValues("local").Set(float64(len(state.Local.Routes)))
	metrics.RIBRoutes.WithLabelValues("internal").Set(float64(len(state.Internal.Routes)))
	metrics.PortsAvailable.Set(float64(d.allocator.AvailableCount()))
}

// syncPorts reconciles allocator keys with the current route set: every
// local route holds its name, every internal route holds its egress key,
// everything else is released.
func (d *Dispatcher) syncPorts(state rib.State) {
	desired := make(map[string]bool, len(state.Local.Routes)+len(state.Internal.Routes))
	for _, route := range state.Local.Routes {
		desired[route.Name] = true
	}
	for _, ir := range state.Internal.Routes {
		desired[xds.EgressKey(ir.Route.Name, ir.PeerName)] = true
	}

	for _, key := range d.allocator.Keys() {
		if !desired[key] {
			d.allocator.Release(key)
		}
	}
	for key := range desired {
		if _, err := d.allocator.Allocate(key); err != nil {
			d.logger.Error("port allocation failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (d *Dispatcher) applyPush(ctx context.Context, p *push) {
	start := time.Now()
	published, err := d.cache.SetSnapshot(p.snapshot)
	if err != nil {
		d.logger.Error("snapshot publish failed", zap.Error(err))
	} else if published {
		metrics.SnapshotVersion.Set(versionValue(p.snapshot))
		d.logger.Debug("snapshot published",
			zap.String("version", p.snapshot.Version),
			zap.Int("listeners", len(p.snapshot.Listeners)),
		)
	}
	metrics.DispatchDuration.WithLabelValues("snapshot").Observe(time.Since(start).Seconds())

	if d.gw == nil {
		return
	}
	start = time.Now()
	if err := d.gw.UpdateConfig(ctx, p.services); err != nil {
		// Best-effort: the next successful push supersedes.
		metrics.GatewayPushesTotal.WithLabelValues("error").Inc()
		d.logger.Warn("gateway config push failed", zap.Error(err))
	} else {
		metrics.GatewayPushesTotal.WithLabelValues("ok").Inc()
	}
	metrics.DispatchDuration.WithLabelValues("gateway").Observe(time.Since(start).Seconds())
}

// graphQLServices extracts the subgraph set: every local or internal route
// speaking a GraphQL protocol.
func graphQLServices(state rib.State) []gateway.Service {
	var services []gateway.Service
	seen := make(map[string]bool)
	for _, route := range state.Local.Routes {
		if route.IsGraphQL() && !seen[route.Name] {
			seen[route.Name] = true
			services = append(services, gateway.Service{Name: route.Name, URL: route.Endpoint})
		}
	}
	for _, ir := range state.Internal.Routes {
		if ir.Route.IsGraphQL() && !seen[ir.Route.Name] {
			seen[ir.Route.Name] = true
			services = append(services, gateway.Service{Name: ir.Route.Name, URL: ir.Route.Endpoint})
		}
	}
	return services
}

func versionValue(s *xds.Snapshot) float64 {
	var v float64
	for _, c := range s.Version {
		if c < '0' || c > '9' {
			return v
		}
		v = v*10 + float64(c-'0')
	}
	return v
}
