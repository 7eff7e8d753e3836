package rib

import (
	"sort"
	"time"

	"github.com/orbisoperations/catalyst-router/internal/action"
	"github.com/orbisoperations/catalyst-router/internal/protocol"
)

// RIB is the authoritative in-memory routing state for one node. It is owned
// by the action queue consumer; Plan never mutates, Commit applies a plan
// atomically. All state is rebuilt from scratch on restart.
type RIB struct {
	self protocol.PeerInfo

	peers          map[string]*PeerRecord
	localRoutes    map[string]protocol.DataChannelDefinition
	internalRoutes map[string]map[string]InternalRoute
	meta           map[string]RouteMetadata

	now func() int64
}

// New builds an empty RIB for the given local node identity.
func New(self protocol.PeerInfo) *RIB {
	return &RIB{
		self:           self,
		peers:          make(map[string]*PeerRecord),
		localRoutes:    make(map[string]protocol.DataChannelDefinition),
		internalRoutes: make(map[string]map[string]InternalRoute),
		meta:           make(map[string]RouteMetadata),
		now:            func() int64 { return time.Now().UnixMilli() },
	}
}

// Plan describes the mutations and propagations a commit would perform.
// It is built against a snapshot of the current state and applied by Commit.
type Plan struct {
	act action.Action

	putLocal    []protocol.DataChannelDefinition
	removeLocal []string

	putPeers    []PeerRecord
	removePeers []string

	putInternal    []InternalRoute
	removeInternal []internalKey

	keepaliveFor string

	props []Propagation

	// ExpiredPeers lists peers whose hold timer elapsed during a tick. The
	// queue owner re-enters them as synthetic close actions.
	ExpiredPeers []string

	affectedNames []string
}

type internalKey struct {
	peer string
	key  string
}

// Self returns the local node identity.
func (r *RIB) Self() protocol.PeerInfo { return r.self }

// RoutesChanged reports whether committing the plan mutates the local or
// internal route set (and therefore requires a snapshot rebuild).
func (p *Plan) RoutesChanged() bool {
	return len(p.putLocal) > 0 || len(p.removeLocal) > 0 ||
		len(p.putInternal) > 0 || len(p.removeInternal) > 0 ||
		len(p.removePeers) > 0
}

// Plan validates the action against current state and returns the plan a
// commit would apply. It never mutates the RIB.
func (r *RIB) Plan(act action.Action) (*Plan, error) {
	if err := act.Validate(); err != nil {
		return nil, err
	}
	p := &Plan{act: act}
	switch act.Type {
	case action.LocalRouteCreate:
		return r.planLocalRouteCreate(p, *act.Route)
	case action.LocalRouteUpdate:
		return r.planLocalRouteUpdate(p, *act.Route)
	case action.LocalRouteDelete:
		return r.planLocalRouteDelete(p, *act.RouteRef)
	case action.LocalPeerCreate:
		return r.planLocalPeerCreate(p, *act.Peer)
	case action.LocalPeerUpdate:
		return r.planLocalPeerUpdate(p, *act.Peer)
	case action.LocalPeerDelete:
		return r.planLocalPeerDelete(p, *act.PeerRef)
	case action.InternalProtocolOpen:
		return r.planOpen(p, *act.Open)
	case action.InternalProtocolUpdate:
		return r.planUpdate(p, *act.Update)
	case action.InternalProtocolKeepalive:
		return r.planKeepalive(p, *act.Keepalive)
	case action.InternalProtocolClose:
		return r.planClose(p, *act.Close)
	case action.InternalProtocolTick:
		return r.planTick(p)
	}
	return nil, action.ErrInvalidAction
}

// Commit applies a plan and returns the ordered propagation list. LastSent
// is stamped only on peers receiving an update or keepalive propagation.
func (r *RIB) Commit(p *Plan) []Propagation {
	for _, key := range p.removeLocal {
		delete(r.localRoutes, key)
	}
	for _, route := range p.putLocal {
		r.localRoutes[route.Key()] = route
	}
	for _, name := range p.removePeers {
		delete(r.peers, name)
		delete(r.internalRoutes, name)
	}
	for i := range p.putPeers {
		rec := p.putPeers[i]
		r.peers[rec.Name] = &rec
	}
	for _, ik := range p.removeInternal {
		if m := r.internalRoutes[ik.peer]; m != nil {
			delete(m, ik.key)
			if len(m) == 0 {
				delete(r.internalRoutes, ik.peer)
			}
		}
	}
	for _, ir := range p.putInternal {
		m := r.internalRoutes[ir.PeerName]
		if m == nil {
			m = make(map[string]InternalRoute)
			r.internalRoutes[ir.PeerName] = m
		}
		m[ir.Route.Key()] = ir
	}
	if p.keepaliveFor != "" {
		if rec, ok := r.peers[p.keepaliveFor]; ok {
			rec.LastRecvKeepalive = r.now()
		}
	}

	for _, name := range dedupe(p.affectedNames) {
		r.recomputeMetadata(name)
	}

	now := r.now()
	for _, prop := range p.props {
		if prop.Kind != PropagationUpdate && prop.Kind != PropagationKeepalive {
			continue
		}
		if rec, ok := r.peers[prop.Peer.Name]; ok {
			rec.LastSent = now
		}
	}

	return append([]Propagation(nil), p.props...)
}

// --- local routes ---

func (r *RIB) planLocalRouteCreate(p *Plan, route protocol.DataChannelDefinition) (*Plan, error) {
	if _, ok := r.localRoutes[route.Key()]; ok {
		return nil, ErrRouteExists
	}
	p.putLocal = append(p.putLocal, route)
	p.affectedNames = append(p.affectedNames, route.Name)
	p.props = r.routeChangeProps(p.props, protocol.UpdateEntry{
		Action:   protocol.UpdateAdd,
		Route:    route,
		NodePath: []string{r.self.Name},
	})
	return p, nil
}

func (r *RIB) planLocalRouteUpdate(p *Plan, route protocol.DataChannelDefinition) (*Plan, error) {
	if _, ok := r.localRoutes[route.Key()]; !ok {
		return nil, ErrRouteNotFound
	}
	p.putLocal = append(p.putLocal, route)
	p.affectedNames = append(p.affectedNames, route.Name)
	p.props = r.routeChangeProps(p.props, protocol.UpdateEntry{
		Action:   protocol.UpdateAdd,
		Route:    route,
		NodePath: []string{r.self.Name},
	})
	return p, nil
}

func (r *RIB) planLocalRouteDelete(p *Plan, ref action.RouteRef) (*Plan, error) {
	key := ref.Name + "/" + ref.Protocol
	route, ok := r.localRoutes[key]
	if !ok {
		return nil, ErrRouteNotFound
	}
	p.removeLocal = append(p.removeLocal, key)
	p.affectedNames = append(p.affectedNames, ref.Name)
	p.props = r.routeChangeProps(p.props, protocol.UpdateEntry{
		Action:   protocol.UpdateRemove,
		Route:    route,
		NodePath: []string{r.self.Name},
	})
	return p, nil
}

// routeChangeProps emits one single-entry update propagation per connected
// peer.
func (r *RIB) routeChangeProps(props []Propagation, entry protocol.UpdateEntry) []Propagation {
	for _, name := range r.sortedPeerNames() {
		rec := r.peers[name]
		if rec.Status != StatusConnected {
			continue
		}
		props = append(props, Propagation{
			Kind:      PropagationUpdate,
			Peer:      rec.PeerInfo,
			LocalNode: r.self,
			Update:    &protocol.UpdateMessage{Updates: []protocol.UpdateEntry{entry}},
		})
	}
	return props
}

// --- local peers ---

func (r *RIB) planLocalPeerCreate(p *Plan, info protocol.PeerInfo) (*Plan, error) {
	if _, ok := r.peers[info.Name]; ok {
		return nil, ErrPeerExists
	}
	if info.PeerToken == "" {
		return nil, ErrPeerTokenRequired
	}
	p.putPeers = append(p.putPeers, PeerRecord{
		PeerInfo: info,
		Status:   StatusInitializing,
	})
	p.props = append(p.props, Propagation{
		Kind:      PropagationOpen,
		Peer:      info,
		LocalNode: r.self,
	})
	return p, nil
}

func (r *RIB) planLocalPeerUpdate(p *Plan, info protocol.PeerInfo) (*Plan, error) {
	prev, ok := r.peers[info.Name]
	if !ok {
		return nil, ErrPeerNotFound
	}
	next := *prev
	next.Endpoint = info.Endpoint
	next.Domains = append([]string(nil), info.Domains...)
	if info.PeerToken != "" {
		next.PeerToken = info.PeerToken
	}
	next.Status = StatusInitializing
	next.LastSent = 0
	p.putPeers = append(p.putPeers, next)
	p.props = append(p.props,
		Propagation{Kind: PropagationClose, Peer: prev.PeerInfo, LocalNode: r.self, Code: protocol.CloseNormal},
		Propagation{Kind: PropagationOpen, Peer: next.PeerInfo, LocalNode: r.self},
	)
	return p, nil
}

func (r *RIB) planLocalPeerDelete(p *Plan, ref action.PeerRef) (*Plan, error) {
	rec, ok := r.peers[ref.Name]
	if !ok {
		return nil, ErrPeerNotFound
	}
	p.removePeers = append(p.removePeers, ref.Name)
	for _, ir := range r.internalRoutes[ref.Name] {
		p.affectedNames = append(p.affectedNames, ir.Route.Name)
	}
	p.props = append(p.props, Propagation{
		Kind:      PropagationClose,
		Peer:      rec.PeerInfo,
		LocalNode: r.self,
		Code:      protocol.CloseNormal,
	})
	return p, nil
}

// --- internal protocol ---

func (r *RIB) planOpen(p *Plan, data action.OpenData) (*Plan, error) {
	holdTime := protocol.ClampHoldTime(data.HoldTime)
	prev, known := r.peers[data.PeerInfo.Name]
	if known && prev.Status == StatusConnected {
		// Duplicate open on a live session is tolerated and changes nothing.
		return p, nil
	}

	next := PeerRecord{
		PeerInfo:    data.PeerInfo,
		Status:      StatusConnected,
		HoldTimeSec: holdTime,
	}
	if known {
		next.PeerInfo = prev.PeerInfo
		if data.PeerInfo.Endpoint != "" {
			next.Endpoint = data.PeerInfo.Endpoint
		}
		next.LastSent = prev.LastSent
	}
	p.putPeers = append(p.putPeers, next)
	p.keepaliveFor = next.Name

	// Full-table sync to the peer entering the session.
	entries := make([]protocol.UpdateEntry, 0, len(r.localRoutes))
	for _, key := range r.sortedLocalKeys() {
		entries = append(entries, protocol.UpdateEntry{
			Action:   protocol.UpdateAdd,
			Route:    r.localRoutes[key],
			NodePath: []string{r.self.Name},
		})
	}
	p.props = append(p.props, Propagation{
		Kind:      PropagationUpdate,
		Peer:      next.PeerInfo,
		LocalNode: r.self,
		Update:    &protocol.UpdateMessage{Updates: entries},
	})
	return p, nil
}

func (r *RIB) planUpdate(p *Plan, data action.UpdateData) (*Plan, error) {
	rec, ok := r.peers[data.PeerInfo.Name]
	if !ok {
		return nil, ErrPeerNotFound
	}
	peerName := rec.Name
	snap := PeerSnapshot{Name: rec.Name, Endpoint: rec.Endpoint}

	// Entries apply in array order against a working view so "add A,
	// remove A" inside one message nets out.
	working := make(map[string]InternalRoute, len(r.internalRoutes[peerName]))
	for k, v := range r.internalRoutes[peerName] {
		working[k] = v
	}

	for _, entry := range data.Update.Updates {
		key := entry.Route.Key()
		switch entry.Action {
		case protocol.UpdateAdd:
			nodePath := entry.NodePath
			if len(nodePath) == 0 {
				nodePath = []string{peerName}
			}
			if pathContains(nodePath, r.self.Name) || hasDuplicates(nodePath) {
				continue
			}
			working[key] = InternalRoute{
				Route:    entry.Route,
				Peer:     snap,
				PeerName: peerName,
				NodePath: append([]string(nil), nodePath...),
			}
		case protocol.UpdateRemove:
			delete(working, key)
		}
	}

	// Diff working view against current state.
	for k, v := range working {
		cur, exists := r.internalRoutes[peerName][k]
		if !exists || !internalRouteEqual(cur, v) {
			p.putInternal = append(p.putInternal, v)
			p.affectedNames = append(p.affectedNames, v.Route.Name)
		}
	}
	for k, v := range r.internalRoutes[peerName] {
		if _, stillThere := working[k]; !stillThere {
			p.removeInternal = append(p.removeInternal, internalKey{peer: peerName, key: k})
			p.affectedNames = append(p.affectedNames, v.Route.Name)
		}
	}

	p.keepaliveFor = peerName
	return p, nil
}

func (r *RIB) planKeepalive(p *Plan, data action.KeepaliveData) (*Plan, error) {
	if _, ok := r.peers[data.PeerInfo.Name]; !ok {
		return nil, ErrPeerNotFound
	}
	p.keepaliveFor = data.PeerInfo.Name
	return p, nil
}

func (r *RIB) planClose(p *Plan, data action.CloseData) (*Plan, error) {
	name := data.PeerInfo.Name
	if _, ok := r.peers[name]; !ok {
		// Closing an unknown peer is a no-op.
		return p, nil
	}
	p.removePeers = append(p.removePeers, name)
	for _, ir := range r.internalRoutes[name] {
		p.affectedNames = append(p.affectedNames, ir.Route.Name)
	}
	// The session is already gone; cleanup only, no outbound propagation.
	return p, nil
}

func (r *RIB) planTick(p *Plan) (*Plan, error) {
	now := r.now()
	for _, name := range r.sortedPeerNames() {
		rec := r.peers[name]
		if rec.Status != StatusConnected {
			continue
		}
		holdMs := int64(rec.HoldTimeSec) * 1000
		if rec.LastRecvKeepalive > 0 && now-rec.LastRecvKeepalive > holdMs {
			p.ExpiredPeers = append(p.ExpiredPeers, name)
			continue
		}
		if rec.LastSent > 0 && now-rec.LastSent >= holdMs/3 {
			p.props = append(p.props, Propagation{
				Kind:      PropagationKeepalive,
				Peer:      rec.PeerInfo,
				LocalNode: r.self,
			})
		}
	}
	return p, nil
}

// --- helpers ---

func (r *RIB) sortedPeerNames() []string {
	names := make([]string, 0, len(r.peers))
	for n := range r.peers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *RIB) sortedLocalKeys() []string {
	keys := make([]string, 0, len(r.localRoutes))
	for k := range r.localRoutes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func pathContains(path []string, name string) bool {
	for _, hop := range path {
		if hop == name {
			return true
		}
	}
	return false
}

func hasDuplicates(path []string) bool {
	seen := make(map[string]bool, len(path))
	for _, hop := range path {
		if seen[hop] {
			return true
		}
		seen[hop] = true
	}
	return false
}

func internalRouteEqual(a, b InternalRoute) bool {
	if a.Route != b.Route || a.PeerName != b.PeerName || a.Peer != b.Peer {
		return false
	}
	if len(a.NodePath) != len(b.NodePath) {
		return false
	}
	for i := range a.NodePath {
		if a.NodePath[i] != b.NodePath[i] {
			return false
		}
	}
	return true
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
