package protocol

import (
	"fmt"
	"net/url"
	"regexp"
)

// Route protocols understood by the mesh.
const (
	ProtocolHTTP    = "http"
	ProtocolGraphQL = "http:graphql"
	ProtocolGQL     = "http:gql"
	ProtocolGRPC    = "http:grpc"
	ProtocolTCP     = "tcp"
)

// Hold-timer bounds in seconds.
const (
	HoldTimeMin     = 3
	HoldTimeMax     = 600
	HoldTimeDefault = 90
)

// Close codes sent in NOTIFICATION messages.
const (
	CloseNormal      = 1000
	CloseHoldExpired = 1001
	CloseProtocolErr = 1002
)

var validProtocols = map[string]bool{
	ProtocolHTTP:    true,
	ProtocolGraphQL: true,
	ProtocolGQL:     true,
	ProtocolGRPC:    true,
	ProtocolTCP:     true,
}

// routeNamePattern is DNS-label-ish: letters, digits, dashes and dots.
var routeNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

// PeerInfo identifies a neighbor node. Immutable once exchanged.
type PeerInfo struct {
	Name      string   `json:"name"`
	Endpoint  string   `json:"endpoint"`
	Domains   []string `json:"domains"`
	PeerToken string   `json:"peerToken,omitempty"`
}

// DataChannelDefinition describes an advertised service endpoint.
// Identity within the mesh is (Name, Protocol).
type DataChannelDefinition struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	Tags      string `json:"tags,omitempty"`
	EnvoyPort int    `json:"envoyPort,omitempty"`
}

// Key returns the mesh-wide identity of the route.
func (d DataChannelDefinition) Key() string {
	return d.Name + "/" + d.Protocol
}

// IsGraphQL reports whether the route should be stitched into the gateway.
func (d DataChannelDefinition) IsGraphQL() bool {
	return d.Protocol == ProtocolGraphQL || d.Protocol == ProtocolGQL
}

// UpdateAction discriminates entries inside an UPDATE message.
type UpdateAction string

const (
	UpdateAdd    UpdateAction = "add"
	UpdateRemove UpdateAction = "remove"
)

// UpdateEntry is a single add/remove inside an UPDATE. Entries are applied
// in array order.
type UpdateEntry struct {
	Action   UpdateAction          `json:"action"`
	Route    DataChannelDefinition `json:"route"`
	NodePath []string              `json:"nodePath,omitempty"`
}

// UpdateMessage is the payload of an iBGP UPDATE.
type UpdateMessage struct {
	Updates []UpdateEntry `json:"updates"`
}

// UpdateRequest is an UPDATE as carried on the wire, stamped with the
// sender's identity.
type UpdateRequest struct {
	PeerInfo PeerInfo      `json:"peerInfo"`
	Updates  []UpdateEntry `json:"updates"`
}

// KeepaliveRequest is a KEEPALIVE as carried on the wire.
type KeepaliveRequest struct {
	PeerInfo PeerInfo `json:"peerInfo"`
}

// OpenRequest is the payload of an iBGP OPEN.
type OpenRequest struct {
	PeerInfo PeerInfo `json:"peerInfo"`
	HoldTime int      `json:"holdTime,omitempty"`
}

// OpenResponse acknowledges an OPEN and carries the responder's identity.
type OpenResponse struct {
	Accepted bool     `json:"accepted"`
	Reason   string   `json:"reason,omitempty"`
	PeerInfo PeerInfo `json:"peerInfo"`
	HoldTime int      `json:"holdTime,omitempty"`
}

// CloseRequest is the payload of a NOTIFICATION/CLOSE.
type CloseRequest struct {
	PeerInfo PeerInfo `json:"peerInfo"`
	Code     int      `json:"code"`
	Reason   string   `json:"reason,omitempty"`
}

// ClampHoldTime bounds a requested hold time to [HoldTimeMin, HoldTimeMax],
// substituting the default when unset.
func ClampHoldTime(sec int) int {
	if sec == 0 {
		return HoldTimeDefault
	}
	if sec < HoldTimeMin {
		return HoldTimeMin
	}
	if sec > HoldTimeMax {
		return HoldTimeMax
	}
	return sec
}

// ValidateRoute checks a DataChannelDefinition at the boundary.
func ValidateRoute(d DataChannelDefinition) error {
	if len(d.Name) < 1 || len(d.Name) > 253 {
		return fmt.Errorf("route name must be 1..253 characters (got %d)", len(d.Name))
	}
	if !routeNamePattern.MatchString(d.Name) {
		return fmt.Errorf("route name %q contains invalid characters", d.Name)
	}
	if !validProtocols[d.Protocol] {
		return fmt.Errorf("unknown route protocol %q", d.Protocol)
	}
	if d.Endpoint != "" {
		if _, err := url.Parse(d.Endpoint); err != nil {
			return fmt.Errorf("route endpoint: %w", err)
		}
	}
	return nil
}

// ValidatePeerInfo checks a PeerInfo at the boundary.
func ValidatePeerInfo(p PeerInfo) error {
	if p.Name == "" {
		return fmt.Errorf("peer name is required")
	}
	if p.Endpoint != "" {
		u, err := url.Parse(p.Endpoint)
		if err != nil {
			return fmt.Errorf("peer endpoint: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("peer endpoint scheme %q is not supported", u.Scheme)
		}
	}
	return nil
}
