package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/action"
	"github.com/orbisoperations/catalyst-router/internal/auth"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"github.com/orbisoperations/catalyst-router/internal/rib"
	"go.uber.org/zap"
)

// attachParams is the first call on a client RPC session. The presented
// token decides which scoped clients the session may use.
type attachParams struct {
	Token string `json:"token"`
}

type attachResult struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// listRoutesResult mirrors the RIB split for dataChannel.listRoutes.
type listRoutesResult struct {
	Local    []protocol.DataChannelDefinition `json:"local"`
	Internal []rib.InternalRoute              `json:"internal"`
}

// handleClientRPC serves the progressive capability surface: attach with a
// token, then call methods within the granted scopes.
func (s *Server) handleClientRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client RPC upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var claims *auth.Claims
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.Debug("client RPC bad frame", zap.Error(err))
			return
		}

		if claims == nil {
			if frame.Method != "attach" {
				writeFrame(conn, frame.ID, attachResult{Success: false, Error: "attach required"})
				continue
			}
			var params attachParams
			if err := protocol.UnmarshalParams(frame.Params, &params); err != nil {
				writeFrame(conn, frame.ID, attachResult{Success: false, Error: "attach requires a token"})
				continue
			}
			verified, err := s.verifier.Verify(params.Token)
			if err != nil {
				writeFrame(conn, frame.ID, attachResult{Success: false, Error: "token verification failed"})
				continue
			}
			claims = &verified
			writeFrame(conn, frame.ID, attachResult{Success: true, Scopes: verified.Scopes})
			continue
		}

		result := s.callScoped(r.Context(), *claims, frame)
		if err := writeFrame(conn, frame.ID, result); err != nil {
			return
		}
	}
}

func (s *Server) callScoped(ctx context.Context, claims auth.Claims, frame *protocol.Frame) any {
	scope, handler := s.route(frame.Method)
	if handler == nil {
		return failure(fmt.Errorf("unknown method %q", frame.Method))
	}
	if !claims.HasScope(scope) {
		return failure(fmt.Errorf("scope %q is not granted", scope))
	}
	return handler(ctx, frame)
}

type methodHandler func(ctx context.Context, frame *protocol.Frame) any

func (s *Server) route(method string) (string, methodHandler) {
	switch method {
	case "network.addPeer":
		return auth.ScopeNetwork, s.addPeer
	case "network.updatePeer":
		return auth.ScopeNetwork, s.updatePeer
	case "network.removePeer":
		return auth.ScopeNetwork, s.removePeer
	case "network.listPeers":
		return auth.ScopeNetwork, s.listPeers
	case "dataChannel.addRoute":
		return auth.ScopeDataChannel, s.addRoute
	case "dataChannel.removeRoute":
		return auth.ScopeDataChannel, s.removeRoute
	case "dataChannel.listRoutes":
		return auth.ScopeDataChannel, s.listRoutes
	}
	return "", nil
}

func (s *Server) runAction(ctx context.Context, act action.Action) any {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.enqueue(ctx, act); err != nil {
		return failure(err)
	}
	return protocol.Result{Success: true}
}

func (s *Server) addPeer(ctx context.Context, frame *protocol.Frame) any {
	var info protocol.PeerInfo
	if err := protocol.UnmarshalParams(frame.Params, &info); err != nil {
		return failure(err)
	}
	return s.runAction(ctx, action.Action{Type: action.LocalPeerCreate, Peer: &info})
}

func (s *Server) updatePeer(ctx context.Context, frame *protocol.Frame) any {
	var info protocol.PeerInfo
	if err := protocol.UnmarshalParams(frame.Params, &info); err != nil {
		return failure(err)
	}
	return s.runAction(ctx, action.Action{Type: action.LocalPeerUpdate, Peer: &info})
}

func (s *Server) removePeer(ctx context.Context, frame *protocol.Frame) any {
	var ref action.PeerRef
	if err := protocol.UnmarshalParams(frame.Params, &ref); err != nil {
		return failure(err)
	}
	return s.runAction(ctx, action.Action{Type: action.LocalPeerDelete, PeerRef: &ref})
}

func (s *Server) listPeers(_ context.Context, _ *protocol.Frame) any {
	state := s.state.State()
	peers := make([]protocol.PeerInfo, 0, len(state.Local.Peers))
	for _, rec := range state.Local.Peers {
		info := rec.PeerInfo
		info.PeerToken = ""
		peers = append(peers, info)
	}
	return peers
}

func (s *Server) addRoute(ctx context.Context, frame *protocol.Frame) any {
	var route protocol.DataChannelDefinition
	if err := protocol.UnmarshalParams(frame.Params, &route); err != nil {
		return failure(err)
	}
	return s.runAction(ctx, action.Action{Type: action.LocalRouteCreate, Route: &route})
}

func (s *Server) removeRoute(ctx context.Context, frame *protocol.Frame) any {
	var ref action.RouteRef
	if err := protocol.UnmarshalParams(frame.Params, &ref); err != nil {
		return failure(err)
	}
	return s.runAction(ctx, action.Action{Type: action.LocalRouteDelete, RouteRef: &ref})
}

func (s *Server) listRoutes(_ context.Context, _ *protocol.Frame) any {
	state := s.state.State()
	return listRoutesResult{
		Local:    state.Local.Routes,
		Internal: state.Internal.Routes,
	}
}
