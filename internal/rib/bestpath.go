package rib

import "sort"

// recomputeMetadata rebuilds the derived best-path entry for one route name
// from the full candidate set. Selection is a total function of the
// candidates: local routes outrank internal ones, then shorter nodePath,
// then ascending peer name. Insertion order never matters.
func (r *RIB) recomputeMetadata(name string) {
	var candidates []PathRef

	for _, route := range r.localRoutes {
		if route.Name == name {
			candidates = append(candidates, PathRef{
				PeerName: r.self.Name,
				Local:    true,
			})
		}
	}
	for _, routes := range r.internalRoutes {
		for _, ir := range routes {
			if ir.Route.Name == name {
				candidates = append(candidates, PathRef{
					PeerName: ir.PeerName,
					NodePath: append([]string(nil), ir.NodePath...),
				})
			}
		}
	}

	if len(candidates) == 0 {
		delete(r.meta, name)
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return pathLess(candidates[i], candidates[j])
	})

	r.meta[name] = RouteMetadata{
		BestPath:     candidates[0],
		Alternatives: candidates[1:],
	}
}

// pathLess orders candidates by (isLocal ? 0 : 1, len(nodePath), peerName).
func pathLess(a, b PathRef) bool {
	if a.Local != b.Local {
		return a.Local
	}
	if len(a.NodePath) != len(b.NodePath) {
		return len(a.NodePath) < len(b.NodePath)
	}
	return a.PeerName < b.PeerName
}
