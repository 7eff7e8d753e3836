package rib

import (
	"sort"

	"github.com/orbisoperations/catalyst-router/internal/protocol"
)

// State returns a defensive copy of the full RIB contents. Local.Peers and
// Internal.Peers are the same canonical peer set presented twice.
func (r *RIB) State() State {
	peers := make([]PeerRecord, 0, len(r.peers))
	for _, name := range r.sortedPeerNames() {
		rec := *r.peers[name]
		rec.Domains = append([]string(nil), rec.Domains...)
		peers = append(peers, rec)
	}

	local := make([]protocol.DataChannelDefinition, 0, len(r.localRoutes))
	for _, key := range r.sortedLocalKeys() {
		local = append(local, r.localRoutes[key])
	}

	var internal []InternalRoute
	for _, peerName := range r.sortedInternalPeers() {
		routes := r.internalRoutes[peerName]
		keys := make([]string, 0, len(routes))
		for k := range routes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ir := routes[k]
			ir.NodePath = append([]string(nil), ir.NodePath...)
			internal = append(internal, ir)
		}
	}

	return State{
		Local:    LocalState{Peers: peers, Routes: local},
		Internal: InternalState{Peers: append([]PeerRecord(nil), peers...), Routes: internal},
	}
}

// RouteMetadata returns a copy of the derived best-path table.
func (r *RIB) RouteMetadata() map[string]RouteMetadata {
	out := make(map[string]RouteMetadata, len(r.meta))
	for name, md := range r.meta {
		cp := RouteMetadata{
			BestPath: PathRef{
				PeerName: md.BestPath.PeerName,
				NodePath: append([]string(nil), md.BestPath.NodePath...),
				Local:    md.BestPath.Local,
			},
		}
		for _, alt := range md.Alternatives {
			cp.Alternatives = append(cp.Alternatives, PathRef{
				PeerName: alt.PeerName,
				NodePath: append([]string(nil), alt.NodePath...),
				Local:    alt.Local,
			})
		}
		out[name] = cp
	}
	return out
}

// Peer returns a copy of one peer record.
func (r *RIB) Peer(name string) (PeerRecord, bool) {
	rec, ok := r.peers[name]
	if !ok {
		return PeerRecord{}, false
	}
	cp := *rec
	cp.Domains = append([]string(nil), cp.Domains...)
	return cp, true
}

func (r *RIB) sortedInternalPeers() []string {
	names := make([]string, 0, len(r.internalRoutes))
	for n := range r.internalRoutes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
