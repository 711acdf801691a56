package dag

import (
	"sort"

	"github.com/juju/errors"

	"github.com/warriorguo/swarmflow/types"
	"github.com/warriorguo/swarmflow/utils"
)

/**
 * Graph is a validated, immutable workflow DAG. Validation happens once
 * at submission time; a new workflow version is a new Graph. The stored
 * topological order is a scheduling hint only, parallel-ready nodes may
 * run concurrently.
 */
type Graph struct {
	workflowID string

	nodes map[string]types.NodeSpec
	in    map[string][]types.EdgeSpec
	out   map[string][]types.EdgeSpec
	order []string
}

func Validate(spec types.WorkflowSpec) (*Graph, error) {
	g := &Graph{
		workflowID: spec.ID.String(),
		nodes:      make(map[string]types.NodeSpec, len(spec.Nodes)),
		in:         make(map[string][]types.EdgeSpec),
		out:        make(map[string][]types.EdgeSpec),
	}

	for _, n := range spec.Nodes {
		if _, exists := g.nodes[n.ID]; exists {
			return nil, &types.ValidationError{Reason: types.DuplicateNode, Node: n.ID}
		}
		g.nodes[n.ID] = n
	}

	for _, e := range spec.Edges {
		if _, exists := g.nodes[e.Source]; !exists {
			return nil, &types.ValidationError{Reason: types.UnknownNode, Node: e.Source}
		}
		if _, exists := g.nodes[e.Target]; !exists {
			return nil, &types.ValidationError{Reason: types.UnknownNode, Node: e.Target}
		}
		g.out[e.Source] = append(g.out[e.Source], e)
		g.in[e.Target] = append(g.in[e.Target], e)
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, errors.Trace(err)
	}
	g.order = order
	return g, nil
}

/**
 * Kahn's algorithm with the ready set kept sorted, so the produced order
 * is stable for a given spec regardless of map iteration.
 */
func (g *Graph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.Dependencies(id))
	}

	ready := make([]string, 0, len(g.nodes))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := make([]string, 0)
		for _, dep := range g.Dependents(id) {
			if indegree[dep]--; indegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Strings(released)
		ready = append(ready, released...)
	}

	if len(order) != len(g.nodes) {
		// Name the smallest node still blocked as the cycle witness.
		remaining := make([]string, 0)
		for id, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, &types.ValidationError{Reason: types.CycleDetected, Node: remaining[0]}
	}
	return order, nil
}

func (g *Graph) WorkflowID() string {
	return g.workflowID
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) Node(id string) (types.NodeSpec, bool) {
	n, exists := g.nodes[id]
	return n, exists
}

// Nodes returns node ids in stable topological order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the distinct source nodes feeding id.
func (g *Graph) Dependencies(id string) []string {
	deps := make([]string, 0, len(g.in[id]))
	for _, e := range g.in[id] {
		deps = append(deps, e.Source)
	}
	return utils.UniqueSlice(deps)
}

// Dependents returns the distinct nodes directly fed by id.
func (g *Graph) Dependents(id string) []string {
	deps := make([]string, 0, len(g.out[id]))
	for _, e := range g.out[id] {
		deps = append(deps, e.Target)
	}
	return utils.UniqueSlice(deps)
}

// Descendants returns every node transitively downstream of id, the set
// cancelled when id fails terminally.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	stack := g.Dependents(id)
	out := make([]string, 0)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		stack = append(stack, g.Dependents(next)...)
	}
	sort.Strings(out)
	return out
}

// InEdges returns the data edges into id, the node's input bindings.
func (g *Graph) InEdges(id string) []types.EdgeSpec {
	out := make([]types.EdgeSpec, len(g.in[id]))
	copy(out, g.in[id])
	return out
}
