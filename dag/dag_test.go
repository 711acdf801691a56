package dag

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/warriorguo/swarmflow/types"
)

func specOf(nodes []string, edges [][2]string) types.WorkflowSpec {
	spec := types.WorkflowSpec{ID: uuid.New(), Name: "test"}
	for _, n := range nodes {
		spec.Nodes = append(spec.Nodes, types.NodeSpec{ID: n, Type: "noop"})
	}
	for _, e := range edges {
		spec.Edges = append(spec.Edges, types.EdgeSpec{
			Source: e[0], Output: "out", Target: e[1], Input: "in",
		})
	}
	return spec
}

func TestValidateDiamond(t *testing.T) {
	g, err := Validate(specOf(
		[]string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
	))
	assert.Nil(t, err)
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"a", "b", "c", "d"}, g.Nodes())
	assert.Equal(t, []string{"b", "c"}, g.Descendants("a")[:2])
	assert.ElementsMatch(t, []string{"b", "c"}, g.Dependencies("d"))
	assert.Empty(t, g.Dependencies("a"))
	assert.Len(t, g.InEdges("d"), 2)
}

func TestValidateCycle(t *testing.T) {
	_, err := Validate(specOf(
		[]string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}},
	))
	assert.NotNil(t, err)
	verr, ok := err.(*types.ValidationError)
	assert.True(t, ok)
	assert.Equal(t, types.CycleDetected, verr.Reason)
	assert.NotEmpty(t, verr.Node)
}

func TestValidateSelfLoop(t *testing.T) {
	_, err := Validate(specOf([]string{"a"}, [][2]string{{"a", "a"}}))
	verr, ok := err.(*types.ValidationError)
	assert.True(t, ok)
	assert.Equal(t, types.CycleDetected, verr.Reason)
	assert.Equal(t, "a", verr.Node)
}

func TestValidateUnknownNode(t *testing.T) {
	_, err := Validate(specOf([]string{"a"}, [][2]string{{"a", "ghost"}}))
	verr, ok := err.(*types.ValidationError)
	assert.True(t, ok)
	assert.Equal(t, types.UnknownNode, verr.Reason)
	assert.Equal(t, "ghost", verr.Node)
}

func TestValidateDuplicateNode(t *testing.T) {
	_, err := Validate(specOf([]string{"a", "a"}, nil))
	verr, ok := err.(*types.ValidationError)
	assert.True(t, ok)
	assert.Equal(t, types.DuplicateNode, verr.Reason)
	assert.Equal(t, "a", verr.Node)
}

func TestDescendantsCascade(t *testing.T) {
	g, err := Validate(specOf(
		[]string{"a", "b", "c", "d", "e"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"b", "d"}, {"d", "e"}},
	))
	assert.Nil(t, err)
	assert.Equal(t, []string{"c", "d", "e"}, g.Descendants("b"))
	assert.Empty(t, g.Descendants("e"))
}

func TestStableOrder(t *testing.T) {
	spec := specOf(
		[]string{"z", "m", "a"},
		nil,
	)
	for i := 0; i < 10; i++ {
		g, err := Validate(spec)
		assert.Nil(t, err)
		assert.Equal(t, []string{"a", "m", "z"}, g.Nodes())
	}
}
