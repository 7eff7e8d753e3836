package api

import (
	"context"
	"net/http"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/action"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"go.uber.org/zap"
)

// handlePeerRPC serves the iBGP surface remote nodes use as the transport
// of their session FSMs. The first accepted OPEN binds the connection to
// that peer; later messages must carry the same identity.
func (s *Server) handlePeerRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("peer RPC upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	peerName := ""
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			// A malformed frame is a protocol violation at any point in
			// the session; the transport closes.
			s.logger.Warn("peer RPC bad frame", zap.String("peer", peerName), zap.Error(err))
			return
		}

		switch frame.Method {
		case protocol.MethodOpen:
			name, result := s.peerOpen(r.Context(), frame)
			if writeFrame(conn, frame.ID, result) != nil {
				return
			}
			if name != "" {
				peerName = name
			}
		case protocol.MethodUpdate:
			if writeFrame(conn, frame.ID, s.peerUpdate(r.Context(), peerName, frame)) != nil {
				return
			}
		case protocol.MethodKeepalive:
			if writeFrame(conn, frame.ID, s.peerKeepalive(r.Context(), peerName, frame)) != nil {
				return
			}
		case protocol.MethodClose:
			writeFrame(conn, frame.ID, s.peerClose(r.Context(), peerName, frame))
			return
		default:
			if writeFrame(conn, frame.ID, protocol.Result{Success: false, Error: "unknown method"}) != nil {
				return
			}
		}
	}
}

func (s *Server) peerOpen(ctx context.Context, frame *protocol.Frame) (string, protocol.OpenResponse) {
	var req protocol.OpenRequest
	if err := protocol.UnmarshalParams(frame.Params, &req); err != nil {
		return "", protocol.OpenResponse{Accepted: false, Reason: "malformed open"}
	}
	if err := protocol.ValidatePeerInfo(req.PeerInfo); err != nil {
		return "", protocol.OpenResponse{Accepted: false, Reason: err.Error()}
	}

	subject, err := s.tokens.VerifyPeer(req.PeerInfo.PeerToken)
	if err != nil {
		s.logger.Warn("peer OPEN token rejected",
			zap.String("peer", req.PeerInfo.Name),
			zap.Error(err),
		)
		return "", protocol.OpenResponse{Accepted: false, Reason: "authentication failed"}
	}
	if subject != req.PeerInfo.Name {
		return "", protocol.OpenResponse{Accepted: false, Reason: "token subject mismatch"}
	}
	if !domainsIntersect(s.domains, req.PeerInfo.Domains) {
		// Peers outside our trust domains are ignored.
		return "", protocol.OpenResponse{Accepted: false, Reason: "no shared trust domain"}
	}

	proposed := req.HoldTime
	if proposed == 0 {
		proposed = s.holdTime
	}
	holdTime := protocol.ClampHoldTime(proposed)
	info := req.PeerInfo
	info.PeerToken = ""

	enqueueCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err = s.enqueue(enqueueCtx, action.Action{
		Type: action.InternalProtocolOpen,
		Open: &action.OpenData{PeerInfo: info, HoldTime: holdTime},
	})
	if err != nil {
		return "", protocol.OpenResponse{Accepted: false, Reason: err.Error()}
	}

	self := s.self
	self.PeerToken = ""
	return info.Name, protocol.OpenResponse{
		Accepted: true,
		PeerInfo: self,
		HoldTime: holdTime,
	}
}

func (s *Server) peerUpdate(ctx context.Context, peerName string, frame *protocol.Frame) protocol.Result {
	if peerName == "" {
		return protocol.Result{Success: false, Error: "open required"}
	}
	var req protocol.UpdateRequest
	if err := protocol.UnmarshalParams(frame.Params, &req); err != nil {
		return failure(err)
	}
	if req.PeerInfo.Name != peerName {
		return protocol.Result{Success: false, Error: "peer identity mismatch"}
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.enqueue(enqueueCtx, action.Action{
		Type: action.InternalProtocolUpdate,
		Update: &action.UpdateData{
			PeerInfo: req.PeerInfo,
			Update:   protocol.UpdateMessage{Updates: req.Updates},
		},
	})
	if err != nil {
		return failure(err)
	}
	return protocol.Result{Success: true}
}

func (s *Server) peerKeepalive(ctx context.Context, peerName string, frame *protocol.Frame) protocol.Result {
	if peerName == "" {
		return protocol.Result{Success: false, Error: "open required"}
	}
	var req protocol.KeepaliveRequest
	if err := protocol.UnmarshalParams(frame.Params, &req); err != nil {
		return failure(err)
	}
	if req.PeerInfo.Name != peerName {
		return protocol.Result{Success: false, Error: "peer identity mismatch"}
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.enqueue(enqueueCtx, action.Action{
		Type:      action.InternalProtocolKeepalive,
		Keepalive: &action.KeepaliveData{PeerInfo: req.PeerInfo},
	})
	if err != nil {
		return failure(err)
	}
	return protocol.Result{Success: true}
}

func (s *Server) peerClose(ctx context.Context, peerName string, frame *protocol.Frame) protocol.Result {
	if peerName == "" {
		return protocol.Result{Success: false, Error: "open required"}
	}
	var req protocol.CloseRequest
	if err := protocol.UnmarshalParams(frame.Params, &req); err != nil {
		return failure(err)
	}
	if req.PeerInfo.Name != peerName {
		return protocol.Result{Success: false, Error: "peer identity mismatch"}
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := s.enqueue(enqueueCtx, action.Action{
		Type: action.InternalProtocolClose,
		Close: &action.CloseData{
			PeerInfo: req.PeerInfo,
			Code:     req.Code,
			Reason:   req.Reason,
		},
	})
	if err != nil {
		return failure(err)
	}
	return protocol.Result{Success: true}
}

func domainsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
