package rib

import (
	"errors"

	"github.com/orbisoperations/catalyst-router/internal/protocol"
)

// ConnectionStatus tracks the peering session state as the RIB sees it.
type ConnectionStatus string

const (
	StatusInitializing ConnectionStatus = "initializing"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Plan-level errors. The strings are part of the RPC contract and must not
// change.
var (
	ErrPeerNotFound      = errors.New("Peer not found")
	ErrPeerExists        = errors.New("Peer already exists")
	ErrPeerTokenRequired = errors.New("peerToken is required when creating a peer")
	ErrRouteNotFound     = errors.New("Route not found")
	ErrRouteExists       = errors.New("Route already exists")
)

// PeerRecord is the RIB's view of a neighbor. One record per peer name.
// LastSent and LastRecvKeepalive are unix milliseconds; zero means unset.
type PeerRecord struct {
	protocol.PeerInfo
	Status            ConnectionStatus
	LastSent          int64
	LastRecvKeepalive int64
	HoldTimeSec       int
}

// PeerSnapshot is the value-identity copy of a peer carried inside an
// InternalRoute, decoupled from the live record.
type PeerSnapshot struct {
	Name     string
	Endpoint string
}

// InternalRoute is a data channel learned from a peer. NodePath is the
// ordered hop chain; its first element is the advertising peer and it never
// contains this node's own name.
type InternalRoute struct {
	Route    protocol.DataChannelDefinition
	Peer     PeerSnapshot
	PeerName string
	NodePath []string
}

// PathRef names one best-path candidate for a route name.
type PathRef struct {
	PeerName string
	NodePath []string
	Local    bool
}

// RouteMetadata is the derived best-path view for a single route name,
// recomputed on every commit that touches the name.
type RouteMetadata struct {
	BestPath     PathRef
	Alternatives []PathRef
}

// LocalState is the locally-owned half of the RIB.
type LocalState struct {
	Peers  []PeerRecord
	Routes []protocol.DataChannelDefinition
}

// InternalState is the learned half of the RIB.
type InternalState struct {
	Peers  []PeerRecord
	Routes []InternalRoute
}

// State is a defensive copy of the full RIB contents. Local.Peers and
// Internal.Peers present the same canonical peer set.
type State struct {
	Local    LocalState
	Internal InternalState
}

// PropagationKind discriminates the outbound messages a commit produces.
type PropagationKind string

const (
	PropagationOpen      PropagationKind = "open"
	PropagationClose     PropagationKind = "close"
	PropagationUpdate    PropagationKind = "update"
	PropagationKeepalive PropagationKind = "keepalive"
)

// Propagation describes one outbound message the dispatcher must deliver.
type Propagation struct {
	Kind      PropagationKind
	Peer      protocol.PeerInfo
	LocalNode protocol.PeerInfo
	Update    *protocol.UpdateMessage
	Code      int
	Reason    string
}
