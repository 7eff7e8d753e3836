package action

import (
	"errors"
	"fmt"

	"github.com/orbisoperations/catalyst-router/internal/protocol"
)

// Type discriminates the action union. Every mutation applied to the RIB
// arrives as exactly one of these.
type Type string

const (
	LocalRouteCreate Type = "LocalRouteCreate"
	LocalRouteUpdate Type = "LocalRouteUpdate"
	LocalRouteDelete Type = "LocalRouteDelete"

	LocalPeerCreate Type = "LocalPeerCreate"
	LocalPeerUpdate Type = "LocalPeerUpdate"
	LocalPeerDelete Type = "LocalPeerDelete"

	InternalProtocolOpen      Type = "InternalProtocolOpen"
	InternalProtocolUpdate    Type = "InternalProtocolUpdate"
	InternalProtocolKeepalive Type = "InternalProtocolKeepalive"
	InternalProtocolClose     Type = "InternalProtocolClose"
	InternalProtocolTick      Type = "InternalProtocolTick"
)

// ErrInvalidAction is returned for payloads that fail schema validation or
// for unknown action types.
var ErrInvalidAction = errors.New("Invalid action")

// RouteRef identifies a route by its mesh identity.
type RouteRef struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
}

// PeerRef identifies a peer by name.
type PeerRef struct {
	Name string `json:"name"`
}

// OpenData is the payload of InternalProtocolOpen.
type OpenData struct {
	PeerInfo protocol.PeerInfo
	HoldTime int
}

// UpdateData is the payload of InternalProtocolUpdate.
type UpdateData struct {
	PeerInfo protocol.PeerInfo
	Update   protocol.UpdateMessage
}

// KeepaliveData is the payload of InternalProtocolKeepalive.
type KeepaliveData struct {
	PeerInfo protocol.PeerInfo
}

// CloseData is the payload of InternalProtocolClose.
type CloseData struct {
	PeerInfo protocol.PeerInfo
	Code     int
	Reason   string
}

// Action is the tagged union of every RIB mutation. Exactly one payload
// field is set, matching Type.
type Action struct {
	Type Type

	Route     *protocol.DataChannelDefinition
	RouteRef  *RouteRef
	Peer      *protocol.PeerInfo
	PeerRef   *PeerRef
	Open      *OpenData
	Update    *UpdateData
	Keepalive *KeepaliveData
	Close     *CloseData
}

// Validate checks the payload against the schema for its type. The RIB never
// sees an action that fails here.
func (a Action) Validate() error {
	switch a.Type {
	case LocalRouteCreate, LocalRouteUpdate:
		if a.Route == nil {
			return ErrInvalidAction
		}
		if err := protocol.ValidateRoute(*a.Route); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
	case LocalRouteDelete:
		if a.RouteRef == nil || a.RouteRef.Name == "" || a.RouteRef.Protocol == "" {
			return ErrInvalidAction
		}
	case LocalPeerCreate, LocalPeerUpdate:
		if a.Peer == nil {
			return ErrInvalidAction
		}
		if err := protocol.ValidatePeerInfo(*a.Peer); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
	case LocalPeerDelete:
		if a.PeerRef == nil || a.PeerRef.Name == "" {
			return ErrInvalidAction
		}
	case InternalProtocolOpen:
		if a.Open == nil || a.Open.PeerInfo.Name == "" {
			return ErrInvalidAction
		}
	case InternalProtocolUpdate:
		if a.Update == nil || a.Update.PeerInfo.Name == "" {
			return ErrInvalidAction
		}
		for _, u := range a.Update.Update.Updates {
			if u.Action != protocol.UpdateAdd && u.Action != protocol.UpdateRemove {
				return ErrInvalidAction
			}
			if err := protocol.ValidateRoute(u.Route); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidAction, err)
			}
		}
	case InternalProtocolKeepalive:
		if a.Keepalive == nil || a.Keepalive.PeerInfo.Name == "" {
			return ErrInvalidAction
		}
	case InternalProtocolClose:
		if a.Close == nil || a.Close.PeerInfo.Name == "" {
			return ErrInvalidAction
		}
	case InternalProtocolTick:
	default:
		return ErrInvalidAction
	}
	return nil
}
