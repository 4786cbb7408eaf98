package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeNode(label string, deps ...string) *TargetNode {
	l := ParseBuildLabel(label, "")
	ds := make([]BuildLabel, len(deps))
	for i, d := range deps {
		ds[i] = ParseBuildLabel(d, "")
	}
	return NewTargetNode(l, &RuleKind{Name: "test_rule"}, ds, nil, nil, nil)
}

func TestAddAndRetrieveNodes(t *testing.T) {
	graph := NewTargetGraph()
	node := makeNode("//pkg:a")
	require.NoError(t, graph.AddNode(node))
	assert.Same(t, node, graph.Node(ParseBuildLabel("//pkg:a", "")))
	assert.Nil(t, graph.Node(ParseBuildLabel("//pkg:b", "")))
	assert.Equal(t, 1, graph.Len())
}

func TestDuplicateNodeRejected(t *testing.T) {
	graph := NewTargetGraph()
	require.NoError(t, graph.AddNode(makeNode("//pkg:a")))
	assert.Error(t, graph.AddNode(makeNode("//pkg:a")))
}

func TestAcyclicGraphPasses(t *testing.T) {
	graph := NewTargetGraph()
	require.NoError(t, graph.AddNode(makeNode("//pkg:a", "//pkg:b", "//pkg:c")))
	require.NoError(t, graph.AddNode(makeNode("//pkg:b", "//pkg:c")))
	require.NoError(t, graph.AddNode(makeNode("//pkg:c")))
	cycle, err := graph.CheckAcyclic()
	assert.NoError(t, err)
	assert.Nil(t, cycle)
}

func TestCycleDetected(t *testing.T) {
	graph := NewTargetGraph()
	require.NoError(t, graph.AddNode(makeNode("//pkg:a", "//pkg:b")))
	require.NoError(t, graph.AddNode(makeNode("//pkg:b", "//pkg:c")))
	require.NoError(t, graph.AddNode(makeNode("//pkg:c", "//pkg:a")))
	cycle, err := graph.CheckAcyclic()
	require.Error(t, err)
	require.Len(t, cycle, 4)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1], "cycle chain should close on itself")
	assert.Contains(t, err.Error(), "Dependency cycle found")
}

func TestSelfCycleDetected(t *testing.T) {
	graph := NewTargetGraph()
	require.NoError(t, graph.AddNode(makeNode("//pkg:a", "//pkg:a")))
	cycle, err := graph.CheckAcyclic()
	require.Error(t, err)
	assert.Equal(t, []BuildLabel{
		ParseBuildLabel("//pkg:a", ""),
		ParseBuildLabel("//pkg:a", ""),
	}, cycle)
}

func TestNodeOrdering(t *testing.T) {
	graph := NewTargetGraph()
	require.NoError(t, graph.AddNode(makeNode("//pkg:c")))
	require.NoError(t, graph.AddNode(makeNode("//pkg:a")))
	require.NoError(t, graph.AddNode(makeNode("//pkg:b")))
	assert.Equal(t, []BuildLabel{
		ParseBuildLabel("//pkg:a", ""),
		ParseBuildLabel("//pkg:b", ""),
		ParseBuildLabel("//pkg:c", ""),
	}, graph.AllLabels(), "AllLabels sorts")
	nodes := graph.AllNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, ParseBuildLabel("//pkg:c", ""), nodes[0].Label, "AllNodes keeps insertion order")
	assert.Equal(t, ParseBuildLabel("//pkg:a", ""), nodes[1].Label)
	assert.Equal(t, ParseBuildLabel("//pkg:b", ""), nodes[2].Label)
}
