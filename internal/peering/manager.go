package peering

import (
	"context"
	"sync"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"go.uber.org/zap"
)

// Manager owns one Session per configured peer. The dispatcher drives it
// from propagations: open starts a session, close stops one, update and
// keepalive land in the peer's mailbox.
type Manager struct {
	self     protocol.PeerInfo
	holdTime int
	dialer   Dialer
	enqueue  Enqueue
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*managed
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type managed struct {
	session *Session
	cancel  context.CancelFunc
}

func NewManager(self protocol.PeerInfo, holdTime int, dialer Dialer, enqueue Enqueue, dispatchTimeout time.Duration, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:     self,
		holdTime: holdTime,
		dialer:   dialer,
		enqueue:  enqueue,
		timeout:  dispatchTimeout,
		logger:   logger,
		sessions: make(map[string]*managed),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartPeer launches (or relaunches) the session for a peer. An existing
// session is torn down first so its mailbox drains before the new open.
func (m *Manager) StartPeer(peer protocol.PeerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[peer.Name]; ok {
		prev.cancel()
		close(prev.session.done)
		delete(m.sessions, peer.Name)
	}

	sctx, cancel := context.WithCancel(m.ctx)
	sess := newSession(peer, m.self, m.holdTime, m.dialer, m.enqueue, m.timeout, m.logger.Named("session"))
	m.sessions[peer.Name] = &managed{session: sess, cancel: cancel}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sess.run(sctx)
	}()
	m.logger.Info("peer session started", zap.String("peer", peer.Name))
}

// StopPeer gracefully stops a peer's session, delivering the NOTIFICATION
// when the session is live. Unknown peers are a no-op.
func (m *Manager) StopPeer(name string, code int, reason string) {
	m.mu.Lock()
	entry, ok := m.sessions[name]
	if ok {
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.session.closeCode, entry.session.closeReason = code, reason
	close(entry.session.done)
	entry.cancel()
	m.logger.Info("peer session stopped", zap.String("peer", name), zap.Int("code", code))
}

// Deliver routes one outbound message to a peer's mailbox.
func (m *Manager) Deliver(name string, out Outbound) bool {
	m.mu.Lock()
	entry, ok := m.sessions[name]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("no session for outbound message", zap.String("peer", name))
		return false
	}
	return entry.session.Deliver(out)
}

// Reset demotes a peer's session to INITIALIZING after a hold-timer expiry.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	entry, ok := m.sessions[name]
	m.mu.Unlock()
	if ok {
		entry.session.Reset()
	}
}

// SessionState reports the FSM state of one peer's session.
func (m *Manager) SessionState(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[name]
	if !ok {
		return StateClosed, false
	}
	return entry.session.State(), true
}

// Shutdown stops every session and waits for their goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for name, entry := range m.sessions {
		close(entry.session.done)
		entry.cancel()
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
