package peering

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/orbisoperations/catalyst-router/internal/action"
	"github.com/orbisoperations/catalyst-router/internal/metrics"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"go.uber.org/zap"
)

// State is the per-peer FSM state.
type State int32

const (
	StateInitializing State = iota
	StateOpenSent
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOpenSent:
		return "open_sent"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Enqueue injects an action into the node's serial queue. The session never
// touches RIB state directly.
type Enqueue func(ctx context.Context, act action.Action) error

// Outbound is one mailbox item the dispatcher hands to the session.
type Outbound struct {
	Method string
	Update *protocol.UpdateMessage
	Code   int
	Reason string
}

// Session drives the connect/OPEN/UPDATE/KEEPALIVE/CLOSE lifecycle for one
// peer. It owns the outbound dial loop and the per-peer mailbox; inbound
// traffic from the peer arrives on the node's own iBGP server mount and is
// injected into the queue there.
type Session struct {
	peer     protocol.PeerInfo
	self     protocol.PeerInfo
	holdTime int

	dialer  Dialer
	enqueue Enqueue
	logger  *zap.Logger
	timeout time.Duration

	mailbox chan Outbound
	reset   chan struct{}
	done    chan struct{}
	state   atomic.Int32

	// closeCode/closeReason are set by the manager before closing done.
	closeCode   int
	closeReason string
}

func newSession(peer, self protocol.PeerInfo, holdTime int, dialer Dialer, enqueue Enqueue, timeout time.Duration, logger *zap.Logger) *Session {
	return &Session{
		peer:     peer,
		self:     self,
		holdTime: protocol.ClampHoldTime(holdTime),
		dialer:   dialer,
		enqueue:  enqueue,
		logger:   logger,
		timeout:  timeout,
		mailbox:  make(chan Outbound, 256),
		reset:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// State returns the current FSM state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Deliver appends an outbound message to the mailbox in commit order. When
// the mailbox is full the message is dropped; the Open handshake replays
// full state after reconnect, so no retry is needed.
func (s *Session) Deliver(out Outbound) bool {
	select {
	case s.mailbox <- out:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("peer mailbox full, dropping outbound message",
			zap.String("peer", s.peer.Name),
			zap.String("method", out.Method),
		)
		return false
	}
}

// Reset demotes an established session back to INITIALIZING. Used when the
// hold timer fires.
func (s *Session) Reset() {
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// run is the session goroutine. It terminates only on stop (graceful close)
// or an OPEN that the peer rejects or answers malformed.
func (s *Session) run(ctx context.Context) {
	metrics.PeerSessions.WithLabelValues(StateInitializing.String()).Inc()
	defer metrics.PeerSessions.WithLabelValues(StateClosed.String()).Dec()
	for {
		s.setState(StateInitializing)

		conn, err := s.dial(ctx)
		if err != nil {
			// ctx cancelled; dial retries forever otherwise.
			s.setState(StateClosed)
			return
		}

		established, retry := s.open(ctx, conn)
		if !established {
			conn.Close()
			if !retry {
				s.logger.Error("malformed OPEN exchange, giving up; peer must be re-created",
					zap.String("peer", s.peer.Name))
				s.setState(StateClosed)
				return
			}
			if sleepCtx(ctx, time.Second) != nil {
				s.setState(StateClosed)
				return
			}
			continue
		}

		if !s.serve(ctx, conn) {
			conn.Close()
			s.setState(StateClosed)
			return
		}
		conn.Close()
		// Transport error or reset: back to the dial loop.
	}
}

// dial loops with exponential backoff, 1s initial, 30s cap, ±20% jitter.
func (s *Session) dial(ctx context.Context) (Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var conn Conn
	err := backoff.Retry(func() error {
		dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		c, err := s.dialer.Dial(dialCtx, s.peer.Endpoint)
		if err != nil {
			s.logger.Debug("peer dial failed",
				zap.String("peer", s.peer.Name),
				zap.String("endpoint", trimEndpointHost(s.peer.Endpoint)),
				zap.Error(err),
			)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// open performs the OPEN handshake. Returns (established, retry): a
// transport failure retries, a rejected OPEN or a schema-level failure does
// not.
func (s *Session) open(ctx context.Context, conn Conn) (bool, bool) {
	s.setState(StateOpenSent)

	req := protocol.OpenRequest{
		PeerInfo: protocol.PeerInfo{
			Name:      s.self.Name,
			Endpoint:  s.self.Endpoint,
			Domains:   s.self.Domains,
			PeerToken: s.peer.PeerToken,
		},
		HoldTime: s.holdTime,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var resp protocol.OpenResponse
	if err := conn.Call(callCtx, protocol.MethodOpen, req, &resp); err != nil {
		s.logger.Warn("OPEN call failed",
			zap.String("peer", s.peer.Name),
			zap.Error(err),
		)
		metrics.PeerSendErrorsTotal.WithLabelValues(s.peer.Name, "open").Inc()
		return false, true
	}
	if !resp.Accepted {
		s.logger.Error("OPEN rejected",
			zap.String("peer", s.peer.Name),
			zap.String("reason", resp.Reason),
		)
		return false, false
	}
	if resp.PeerInfo.Name == "" {
		// Schema failure: the responder did not identify itself.
		return false, false
	}

	holdTime := protocol.ClampHoldTime(resp.HoldTime)
	s.setState(StateEstablished)
	s.logger.Info("peer session established",
		zap.String("peer", resp.PeerInfo.Name),
		zap.Int("hold_time_sec", holdTime),
	)

	openAct := action.Action{
		Type: action.InternalProtocolOpen,
		Open: &action.OpenData{PeerInfo: resp.PeerInfo, HoldTime: holdTime},
	}
	if err := s.enqueue(ctx, openAct); err != nil {
		s.logger.Error("failed to enqueue open", zap.String("peer", s.peer.Name), zap.Error(err))
		return false, true
	}
	return true, true
}

// serve drains the mailbox while established. Returns false when the
// session should terminate for good (graceful close), true to reconnect.
func (s *Session) serve(ctx context.Context, conn Conn) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			code, reason := s.closeCode, s.closeReason
			if code == 0 {
				code, reason = protocol.CloseNormal, "shutting down"
			}
			s.sendClose(conn, code, reason)
			return false
		case <-s.reset:
			s.logger.Info("session reset, reconnecting", zap.String("peer", s.peer.Name))
			return true
		case out := <-s.mailbox:
			if !s.sendOutbound(ctx, conn, out) {
				return true
			}
		}
	}
}

func (s *Session) sendOutbound(ctx context.Context, conn Conn, out Outbound) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var err error
	var res protocol.Result
	switch out.Method {
	case protocol.MethodUpdate:
		err = conn.Call(callCtx, protocol.MethodUpdate, protocol.UpdateRequest{
			PeerInfo: s.self,
			Updates:  out.Update.Updates,
		}, &res)
	case protocol.MethodKeepalive:
		err = conn.Call(callCtx, protocol.MethodKeepalive, protocol.KeepaliveRequest{
			PeerInfo: s.self,
		}, &res)
	case protocol.MethodClose:
		err = conn.Call(callCtx, protocol.MethodClose, protocol.CloseRequest{
			PeerInfo: s.self,
			Code:     out.Code,
			Reason:   out.Reason,
		}, &res)
	default:
		return true
	}
	metrics.DispatchDuration.WithLabelValues(out.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		// Single-message transport errors demote to INITIALIZING.
		s.logger.Warn("outbound send failed, reconnecting",
			zap.String("peer", s.peer.Name),
			zap.String("method", out.Method),
			zap.Error(err),
		)
		metrics.PeerSendErrorsTotal.WithLabelValues(s.peer.Name, out.Method).Inc()
		return false
	}
	return true
}

// sendClose delivers the NOTIFICATION on graceful teardown, best-effort.
func (s *Session) sendClose(conn Conn, code int, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	var res protocol.Result
	_ = conn.Call(ctx, protocol.MethodClose, protocol.CloseRequest{
		PeerInfo: s.self,
		Code:     code,
		Reason:   reason,
	}, &res)
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	metrics.PeerSessions.WithLabelValues(prev.String()).Dec()
	metrics.PeerSessions.WithLabelValues(next.String()).Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
