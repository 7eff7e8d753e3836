package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/action"
	"github.com/orbisoperations/catalyst-router/internal/api"
	"github.com/orbisoperations/catalyst-router/internal/auth"
	"github.com/orbisoperations/catalyst-router/internal/config"
	"github.com/orbisoperations/catalyst-router/internal/dispatch"
	"github.com/orbisoperations/catalyst-router/internal/gateway"
	"github.com/orbisoperations/catalyst-router/internal/peering"
	"github.com/orbisoperations/catalyst-router/internal/ports"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"github.com/orbisoperations/catalyst-router/internal/queue"
	"github.com/orbisoperations/catalyst-router/internal/rib"
	"github.com/orbisoperations/catalyst-router/internal/xds"
	"go.uber.org/zap"
)

// Node wires the whole control plane together: config → allocator → RIB →
// peer sessions → dispatcher → RPC surface. Teardown runs in reverse.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	rib       *rib.RIB
	ribMu     sync.RWMutex
	allocator *ports.Allocator
	cache     *xds.Cache
	tokens    *auth.TokenService
	peers     *peering.Manager
	disp      *dispatch.Dispatcher
	queue     *queue.Queue
	gw        *gateway.Client
	server    *api.Server

	started   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	queueDone chan struct{}
}

func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	self := protocol.PeerInfo{
		Name:     cfg.Node.Name,
		Endpoint: cfg.Node.Endpoint,
		Domains:  cfg.Node.Domains,
	}

	ranges := make([]ports.Range, 0, len(cfg.Orchestrator.EnvoyConfig.PortRange))
	for _, r := range cfg.Orchestrator.EnvoyConfig.PortRange {
		ranges = append(ranges, ports.Range{Low: r[0], High: r[1]})
	}
	allocator, err := ports.NewAllocator(ranges)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenService(cfg.Orchestrator.IBGP.Secret, cfg.Node.Name)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		rib:       rib.New(self),
		allocator: allocator,
		cache:     xds.NewCache(logger.Named("xds")),
		tokens:    tokens,
	}

	dispatchTimeout := time.Duration(cfg.Orchestrator.IBGP.DispatchTimeoutSeconds) * time.Second
	dialer := &peering.WebSocketDialer{}

	n.peers = peering.NewManager(self, cfg.Orchestrator.IBGP.HoldTimeSeconds,
		dialer, n.enqueueOnly, dispatchTimeout, logger.Named("peering"))

	n.gw = gateway.NewClient(cfg.Orchestrator.GQLGatewayConfig.Endpoint,
		dialer, dispatchTimeout, logger.Named("gateway"))

	n.disp = dispatch.New(n.peers, allocator, n.cache, n.gw,
		cfg.Orchestrator.EnvoyConfig.BindAddress, logger.Named("dispatch"))

	n.queue = queue.New(n.handle, cfg.Service.QueueBufferSize, logger.Named("queue"))

	n.server = api.NewServer(cfg.Service.HTTPListen, self, cfg.Node.Domains,
		cfg.Orchestrator.IBGP.HoldTimeSeconds, n.Enqueue, n, tokens, tokens,
		n.cache, n.started.Load, logger.Named("api"))

	return n, nil
}

// Start launches the queue consumer, dispatcher push loop, tick driver, and
// RPC server.
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.queueDone = make(chan struct{})

	go func() {
		defer close(n.queueDone)
		n.queue.Run(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.disp.Run(ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.tickLoop(ctx)
	}()

	if err := n.server.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting RPC server: %w", err)
	}
	n.started.Store(true)
	n.logger.Info("node started",
		zap.String("name", n.cfg.Node.Name),
		zap.Strings("domains", n.cfg.Node.Domains),
	)
	return nil
}

// Shutdown is cooperative and runs in reverse start-up order: stop the RPC
// server, stop accepting enqueues, drain the queue, close peer sessions,
// then stop timers.
func (n *Node) Shutdown(ctx context.Context) error {
	n.started.Store(false)

	var err error
	if serr := n.server.Shutdown(ctx); serr != nil {
		err = serr
	}

	// Stop accepting enqueues, then let the backlog drain.
	n.queue.Close()
	select {
	case <-n.queueDone:
	case <-ctx.Done():
		n.logger.Warn("shutdown timeout reached before queue drained")
		if err == nil {
			err = ctx.Err()
		}
	}

	n.peers.Shutdown()
	n.gw.Close()
	if n.cancel != nil {
		n.cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Enqueue is the public entry point for actions.
func (n *Node) Enqueue(ctx context.Context, act action.Action) (queue.Result, error) {
	return n.queue.Enqueue(ctx, act)
}

// enqueueOnly adapts Enqueue for callers that ignore the result.
func (n *Node) enqueueOnly(ctx context.Context, act action.Action) error {
	_, err := n.queue.Enqueue(ctx, act)
	return err
}

// State implements api.StateReader.
func (n *Node) State() rib.State {
	n.ribMu.RLock()
	defer n.ribMu.RUnlock()
	return n.rib.State()
}

// RouteMetadata implements api.StateReader.
func (n *Node) RouteMetadata() map[string]rib.RouteMetadata {
	n.ribMu.RLock()
	defer n.ribMu.RUnlock()
	return n.rib.RouteMetadata()
}

// Tokens exposes the node's token service for operator tooling.
func (n *Node) Tokens() *auth.TokenService { return n.tokens }

// handle is the queue consumer body: plan → commit → dispatch.
func (n *Node) handle(ctx context.Context, act action.Action) (queue.Result, error) {
	n.ribMu.Lock()
	plan, err := n.rib.Plan(act)
	if err != nil {
		n.ribMu.Unlock()
		return queue.Result{}, err
	}

	// A brand-new local route must secure its listener port before the
	// commit; exhaustion fails the action with no state change.
	if act.Type == action.LocalRouteCreate {
		if _, perr := n.allocator.Allocate(act.Route.Name); perr != nil {
			n.ribMu.Unlock()
			return queue.Result{}, perr
		}
	}

	props := n.rib.Commit(plan)
	state := n.rib.State()
	n.ribMu.Unlock()

	n.disp.Dispatch(ctx, state, props, plan.RoutesChanged())

	for _, name := range plan.ExpiredPeers {
		n.expirePeer(name)
	}

	return queue.Result{Propagations: props}, nil
}

// expirePeer handles a hold-timer expiry: the session falls back to
// INITIALIZING and a synthetic close re-enters the queue.
func (n *Node) expirePeer(name string) {
	n.logger.Warn("peer hold timer expired", zap.String("peer", name))
	n.peers.Reset(name)

	closeAct := action.Action{
		Type: action.InternalProtocolClose,
		Close: &action.CloseData{
			PeerInfo: protocol.PeerInfo{Name: name},
			Code:     protocol.CloseHoldExpired,
			Reason:   "hold timer expired",
		},
	}
	// Enqueue from a fresh goroutine: the consumer cannot block on its own
	// queue.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		enqueueCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := n.queue.Enqueue(enqueueCtx, closeAct); err != nil {
			n.logger.Error("failed to enqueue synthetic close",
				zap.String("peer", name), zap.Error(err))
		}
	}()
}

// tickLoop drives time-based behavior: keepalives and hold-timer expiry.
func (n *Node) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := n.queue.Enqueue(tickCtx, action.Action{Type: action.InternalProtocolTick})
			cancel()
			if err != nil && err != queue.ErrClosed && ctx.Err() == nil {
				n.logger.Debug("tick enqueue failed", zap.Error(err))
			}
		}
	}
}
