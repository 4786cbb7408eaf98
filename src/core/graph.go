// Representation of the target graph.
// The graph of target nodes forms a DAG which we discover from the requested
// targets down; cycle detection happens as part of construction.

package core

import (
	"fmt"
	"sort"
	"strings"
)

// A TargetGraph is the dependency graph over the requested closure of targets.
// It is built once per query and immutable afterwards.
type TargetGraph struct {
	nodes map[BuildLabel]*TargetNode
	order []BuildLabel
}

// NewTargetGraph returns a new, empty graph.
func NewTargetGraph() *TargetGraph {
	return &TargetGraph{nodes: map[BuildLabel]*TargetNode{}}
}

// AddNode adds a node to the graph. It's an error to re-add an existing label.
func (graph *TargetGraph) AddNode(node *TargetNode) error {
	if _, present := graph.nodes[node.Label]; present {
		return fmt.Errorf("Attempted to re-add existing target to graph: %s", node.Label)
	}
	graph.nodes[node.Label] = node
	graph.order = append(graph.order, node.Label)
	return nil
}

// Node retrieves a node from the graph by label, or nil if it isn't present.
func (graph *TargetGraph) Node(label BuildLabel) *TargetNode {
	return graph.nodes[label]
}

// Len returns the number of nodes in the graph.
func (graph *TargetGraph) Len() int {
	return len(graph.nodes)
}

// AllNodes returns all the nodes in the graph in insertion order.
func (graph *TargetGraph) AllNodes() []*TargetNode {
	ret := make([]*TargetNode, len(graph.order))
	for i, label := range graph.order {
		ret[i] = graph.nodes[label]
	}
	return ret
}

// AllLabels returns all the labels in the graph, sorted.
func (graph *TargetGraph) AllLabels() []BuildLabel {
	ret := append([]BuildLabel{}, graph.order...)
	sort.Slice(ret, func(i, j int) bool { return ret[i].String() < ret[j].String() })
	return ret
}

// CheckAcyclic verifies that the graph contains no dependency cycles,
// returning a chain describing the first one found if it does.
func (graph *TargetGraph) CheckAcyclic() ([]BuildLabel, error) {
	const (
		white = iota // unvisited
		grey         // on the current path
		black        // fully explored
	)
	colours := make(map[BuildLabel]int, len(graph.nodes))
	var path []BuildLabel
	var visit func(label BuildLabel) []BuildLabel
	visit = func(label BuildLabel) []BuildLabel {
		node := graph.nodes[label]
		if node == nil {
			return nil // dangling edge; a missing dep is reported elsewhere.
		}
		colours[label] = grey
		path = append(path, label)
		for _, dep := range node.Deps {
			switch colours[dep] {
			case grey:
				// Found a cycle; trim the path back to where it began.
				for i, l := range path {
					if l == dep {
						return append(append([]BuildLabel{}, path[i:]...), dep)
					}
				}
				return append(append([]BuildLabel{}, path...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		colours[label] = black
		return nil
	}
	for _, label := range graph.order {
		if colours[label] == white {
			if cycle := visit(label); cycle != nil {
				return cycle, fmt.Errorf("Dependency cycle found:\n%s\nSorry, but you'll have to refactor your build files to avoid this cycle.", chainString(cycle))
			}
			path = path[:0]
		}
	}
	return nil, nil
}

func chainString(chain []BuildLabel) string {
	labels := make([]string, len(chain))
	for i, l := range chain {
		labels[i] = l.String()
	}
	return strings.Join(labels, "\n -> ")
}
