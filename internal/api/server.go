package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/orbisoperations/catalyst-router/internal/action"
	"github.com/orbisoperations/catalyst-router/internal/auth"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"github.com/orbisoperations/catalyst-router/internal/queue"
	"github.com/orbisoperations/catalyst-router/internal/rib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Enqueue pushes an action through the node's serial queue.
type Enqueue func(ctx context.Context, act action.Action) (queue.Result, error)

// StateReader exposes the read-only RIB observers to RPC handlers.
type StateReader interface {
	State() rib.State
	RouteMetadata() map[string]rib.RouteMetadata
}

// SnapshotFeed is the proxy-facing snapshot stream mount.
type SnapshotFeed interface {
	FeedHandler(w http.ResponseWriter, r *http.Request)
}

// Server hosts the node's public surface: the capability-scoped client RPC,
// the peer-facing iBGP mount, the proxy snapshot feed, and the admin
// endpoints.
type Server struct {
	srv      *http.Server
	self     protocol.PeerInfo
	domains  []string
	holdTime int

	enqueue  Enqueue
	state    StateReader
	verifier auth.Verifier
	tokens   *auth.TokenService
	feed     SnapshotFeed
	logger   *zap.Logger

	ready func() bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func NewServer(addr string, self protocol.PeerInfo, domains []string, holdTime int, enqueue Enqueue, state StateReader, verifier auth.Verifier, tokens *auth.TokenService, feed SnapshotFeed, ready func() bool, logger *zap.Logger) *Server {
	s := &Server{
		self:     self,
		domains:  domains,
		holdTime: holdTime,
		enqueue:  enqueue,
		state:    state,
		verifier: verifier,
		tokens:   tokens,
		feed:     feed,
		ready:    ready,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleClientRPC)
	mux.HandleFunc("/ibgp", s.handlePeerRPC)
	if feed != nil {
		mux.HandleFunc("/snapshots", feed.FeedHandler)
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("RPC server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("RPC server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if s.ready != nil && !s.ready() {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// writeFrame sends one response frame on the socket.
func writeFrame(conn *websocket.Conn, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeFrame(&protocol.Frame{ID: id, Result: raw})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func failure(err error) protocol.Result {
	return protocol.Result{Success: false, Error: err.Error()}
}
