package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
)

// GraphDiff is the structural comparison of two architecture graphs.
// Node identity is exact ID equality; no rename heuristics. Metadata and
// layout are invisible to the differ.
type GraphDiff struct {
	AddedNodes    []string       `json:"added_nodes"`
	RemovedNodes  []string       `json:"removed_nodes"`
	ModifiedNodes []ModifiedNode `json:"modified_nodes"`
	AddedEdges    []EdgePair     `json:"added_edges"`
	RemovedEdges  []EdgePair     `json:"removed_edges"`
}

// ModifiedNode names a node present in both graphs whose label, type,
// group, or incident edges differ.
type ModifiedNode struct {
	ID      string   `json:"id"`
	Changes []string `json:"changes"`
}

// Change names inside ModifiedNode.Changes.
const (
	ChangeLabel = "label_changed"
	ChangeType  = "type_changed"
	ChangeGroup = "group_changed"
	ChangeEdges = "edges_changed"
)

// EdgePair identifies an edge by its endpoints.
type EdgePair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// incidentEdge is the tuple compared per node: the full edge identity.
type incidentEdge struct {
	source, target, label, edgeType string
}

// DiffGraphs compares base (main) against branch and classifies added,
// removed, and modified nodes and edges.
func DiffGraphs(base, branch *ArchitectureGraph) GraphDiff {
	baseNodes := nodesByID(base)
	branchNodes := nodesByID(branch)

	var diff GraphDiff
	for id := range branchNodes {
		if _, ok := baseNodes[id]; !ok {
			diff.AddedNodes = append(diff.AddedNodes, id)
		}
	}
	for id := range baseNodes {
		if _, ok := branchNodes[id]; !ok {
			diff.RemovedNodes = append(diff.RemovedNodes, id)
		}
	}
	sort.Strings(diff.AddedNodes)
	sort.Strings(diff.RemovedNodes)

	baseIncident := incidentEdges(base.Edges)
	branchIncident := incidentEdges(branch.Edges)

	var shared []string
	for id := range baseNodes {
		if _, ok := branchNodes[id]; ok {
			shared = append(shared, id)
		}
	}
	sort.Strings(shared)

	for _, id := range shared {
		a, b := baseNodes[id], branchNodes[id]
		var changes []string
		if a.Label != b.Label {
			changes = append(changes, ChangeLabel)
		}
		if a.Type != b.Type {
			changes = append(changes, ChangeType)
		}
		if a.Group != b.Group {
			changes = append(changes, ChangeGroup)
		}
		if !sameEdgeMultiset(baseIncident[id], branchIncident[id]) {
			changes = append(changes, ChangeEdges)
		}
		if len(changes) > 0 {
			diff.ModifiedNodes = append(diff.ModifiedNodes, ModifiedNode{ID: id, Changes: changes})
		}
	}

	basePairs := edgePairs(base.Edges)
	branchPairs := edgePairs(branch.Edges)
	for pair := range branchPairs {
		if _, ok := basePairs[pair]; !ok {
			diff.AddedEdges = append(diff.AddedEdges, pair)
		}
	}
	for pair := range basePairs {
		if _, ok := branchPairs[pair]; !ok {
			diff.RemovedEdges = append(diff.RemovedEdges, pair)
		}
	}
	sortEdgePairs(diff.AddedEdges)
	sortEdgePairs(diff.RemovedEdges)

	return diff
}

// ParseGraphJSON decodes a stored parsed_graph column for diffing.
func ParseGraphJSON(data string) (*ArchitectureGraph, error) {
	var g ArchitectureGraph
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("invalid graph JSON: %w", err)
	}
	return &g, nil
}

func nodesByID(g *ArchitectureGraph) map[string]GraphNode {
	m := make(map[string]GraphNode, len(g.Nodes))
	for _, n := range g.Nodes {
		m[n.ID] = n
	}
	return m
}

// incidentEdges builds each node's incident edge multiset.
func incidentEdges(edges []GraphEdge) map[string]map[incidentEdge]int {
	m := make(map[string]map[incidentEdge]int)
	add := func(node string, e incidentEdge) {
		if m[node] == nil {
			m[node] = make(map[incidentEdge]int)
		}
		m[node][e]++
	}
	for _, e := range edges {
		tuple := incidentEdge{source: e.Source, target: e.Target, label: e.Label, edgeType: e.Type}
		add(e.Source, tuple)
		if e.Target != e.Source {
			add(e.Target, tuple)
		}
	}
	return m
}

func sameEdgeMultiset(a, b map[incidentEdge]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, n := range a {
		if b[k] != n {
			return false
		}
	}
	return true
}

func edgePairs(edges []GraphEdge) map[EdgePair]struct{} {
	m := make(map[EdgePair]struct{}, len(edges))
	for _, e := range edges {
		m[EdgePair{Source: e.Source, Target: e.Target}] = struct{}{}
	}
	return m
}

func sortEdgePairs(pairs []EdgePair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Source != pairs[j].Source {
			return pairs[i].Source < pairs[j].Source
		}
		return pairs[i].Target < pairs[j].Target
	})
}
