package xds

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/orbisoperations/catalyst-router/internal/protocol"
	"github.com/orbisoperations/catalyst-router/internal/rib"
)

// EgressKey is the port allocator key for the transit listener carrying an
// internal route via a specific peer. Local listeners use the bare route
// name as their key.
func EgressKey(routeName, peerName string) string {
	return "egress_" + routeName + "_via_" + peerName
}

// Listener is one proxy listener resource.
type Listener struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	RouteName string `json:"routeName"`
}

// Cluster is one proxy upstream resource.
type Cluster struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Protocol string `json:"protocol"`
}

// Snapshot is a versioned bundle of proxy resources. Equal inputs must
// produce byte-identical snapshots so downstream consumers can deduplicate.
type Snapshot struct {
	Version   string     `json:"version"`
	Listeners []Listener `json:"listeners"`
	Clusters  []Cluster  `json:"clusters"`
}

// Encode renders the snapshot deterministically.
func (s *Snapshot) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return b, nil
}

// BuildInput carries everything the builder needs for one snapshot.
type BuildInput struct {
	Local           []protocol.DataChannelDefinition
	Internal        []rib.InternalRoute
	PortAllocations map[string]int
	BindAddress     string
	Version         uint64
}

// BuildSnapshot translates RIB routes plus port assignments into proxy
// resources. Local routes become a listener bound to their allocated port
// and a cluster pointing at the route endpoint; internal routes become a
// transit listener and a cluster pointing at the advertising peer's proxy
// address. Output ordering is fixed (by name, then by peer) so identical
// inputs yield identical bytes.
func BuildSnapshot(in BuildInput) *Snapshot {
	snap := &Snapshot{Version: strconv.FormatUint(in.Version, 10)}

	local := append([]protocol.DataChannelDefinition(nil), in.Local...)
	sort.Slice(local, func(i, j int) bool { return local[i].Key() < local[j].Key() })
	for _, route := range local {
		port, ok := in.PortAllocations[route.Name]
		if !ok {
			continue
		}
		snap.Listeners = append(snap.Listeners, Listener{
			Name:      route.Name,
			Address:   in.BindAddress,
			Port:      port,
			RouteName: route.Name,
		})
		snap.Clusters = append(snap.Clusters, Cluster{
			Name:     route.Name,
			Endpoint: route.Endpoint,
			Protocol: route.Protocol,
		})
	}

	internal := append([]rib.InternalRoute(nil), in.Internal...)
	sort.Slice(internal, func(i, j int) bool {
		if internal[i].Route.Key() != internal[j].Route.Key() {
			return internal[i].Route.Key() < internal[j].Route.Key()
		}
		return internal[i].PeerName < internal[j].PeerName
	})
	for _, ir := range internal {
		key := EgressKey(ir.Route.Name, ir.PeerName)
		port, ok := in.PortAllocations[key]
		if !ok {
			continue
		}
		name := ir.Route.Name + "_via_" + ir.PeerName
		snap.Listeners = append(snap.Listeners, Listener{
			Name:      name,
			Address:   in.BindAddress,
			Port:      port,
			RouteName: ir.Route.Name,
		})
		snap.Clusters = append(snap.Clusters, Cluster{
			Name:     name,
			Endpoint: peerProxyAddress(ir),
			Protocol: ir.Route.Protocol,
		})
	}

	return snap
}

// peerProxyAddress resolves the upstream address for a transit route from
// the advertising peer's record snapshot.
func peerProxyAddress(ir rib.InternalRoute) string {
	host := ir.Peer.Endpoint
	if u, err := url.Parse(ir.Peer.Endpoint); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	if ir.Route.EnvoyPort > 0 {
		return fmt.Sprintf("tcp://%s:%d", host, ir.Route.EnvoyPort)
	}
	return fmt.Sprintf("tcp://%s", host)
}
