// Package topo orders listener nodes by dependency edges plus a
// priority/registration tie-break, using Kahn's algorithm. It reports
// cycles with the offending path and flags ids referenced by an edge but
// absent from the node set.
package topo

import "fmt"

// Node is one entry to be ordered: an id, the ids it must follow, a
// priority used only to break ties among simultaneously eligible nodes,
// and its original registration order (also used for tie-breaking).
type Node struct {
	ID       string
	After    []string
	Priority int
	Seq      int
}

// CycleError is returned when the node set contains a dependency cycle.
// Path names one concrete cycle, in traversal order, with the first id
// repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("topo: cyclic dependency: %v", e.Path)
}

// MissingDependencyError is returned when a node's After references an id
// that is not present in the input node set.
type MissingDependencyError struct {
	NodeID    string
	MissingID string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("topo: node %q depends on missing node %q", e.NodeID, e.MissingID)
}

// Sort returns nodes ordered so that every After edge is respected.
// Ties among simultaneously eligible nodes are broken by priority
// descending, then Seq ascending.
//
// Self-references are reported as a one-element cycle, per spec.
func Sort(nodes []Node) ([]Node, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	// Missing-dependency check precedes cycle detection: it is a distinct
	// error kind and must be surfaced even if the remaining edges happen
	// to be acyclic.
	for _, n := range nodes {
		for _, dep := range n.After {
			if _, ok := byID[dep]; !ok {
				return nil, &MissingDependencyError{NodeID: n.ID, MissingID: dep}
			}
		}
	}

	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		if _, ok := indegree[n.ID]; !ok {
			indegree[n.ID] = 0
		}
		for _, dep := range n.After {
			indegree[n.ID]++
			successors[dep] = append(successors[dep], n.ID)
		}
	}

	pq := newEligibleQueue()
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			pq.push(n)
		}
	}

	visited := make(map[string]bool, len(nodes))
	ordered := make([]Node, 0, len(nodes))

	for pq.len() > 0 {
		n := pq.pop()
		visited[n.ID] = true
		ordered = append(ordered, n)

		for _, succID := range successors[n.ID] {
			indegree[succID]--
			if indegree[succID] == 0 {
				pq.push(byID[succID])
			}
		}
	}

	if len(ordered) < len(nodes) {
		var start string
		for _, n := range nodes {
			if !visited[n.ID] {
				start = n.ID
				break
			}
		}
		return nil, &CycleError{Path: findCycle(start, nodes, byID)}
	}

	return ordered, nil
}

// findCycle runs a DFS from start over After edges (successor direction:
// a node's After ids are the nodes it depends on, i.e. edges run from a
// node to its dependency) to extract one concrete cycle for diagnostics.
func findCycle(start string, nodes []Node, byID map[string]Node) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	path := make([]string, 0, len(nodes))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		for _, dep := range byID[id].After {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				// Found the back-edge closing the cycle: slice path from
				// dep's first occurrence through here, then close it.
				for i, p := range path {
					if p == dep {
						cyc := append([]string{}, path[i:]...)
						return append(cyc, dep)
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	if cyc := visit(start); cyc != nil {
		return cyc
	}
	// start wasn't on a cycle directly reachable via After edges it owns;
	// one of the other unvisited nodes must be. Callers only need *a*
	// cycle, so scan the rest of the white nodes.
	for _, n := range nodes {
		if color[n.ID] == white {
			if cyc := visit(n.ID); cyc != nil {
				return cyc
			}
		}
	}
	return []string{start}
}
