package runtime

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/warriorguo/swarmflow/dag"
	"github.com/warriorguo/swarmflow/types"
)

/**
 * nodeExec is the live state of one node inside an execution. All
 * mutation happens under the orchestrator lock, and only after the
 * corresponding event has been appended to the log.
 */
type nodeExec struct {
	spec  types.NodeSpec
	state types.NodeState

	server  string
	taskID  uuid.UUID
	retries int

	progress float64
	lastErr  string

	// outputs keyed by name, inline values and data refs alike
	outs map[string]types.TaskOutput
	refs []types.DataRef

	// retry gating
	notBefore time.Time
	avoid     string
}

func (n *nodeExec) transition(to types.NodeState) bool {
	if !n.state.CanTransition(to) {
		return false
	}
	n.state = to
	return true
}

func (n *nodeExec) setOutputs(outs []types.TaskOutput) {
	n.outs = map[string]types.TaskOutput{}
	n.refs = n.refs[:0]
	for _, out := range outs {
		n.outs[out.Name] = out
		if out.Ref != nil {
			n.refs = append(n.refs, *out.Ref)
		}
	}
}

type execution struct {
	id    uuid.UUID
	spec  types.WorkflowSpec
	graph *dag.Graph
	state types.ExecutionState
	retry types.RetryPolicy

	nodes map[string]*nodeExec

	// quarantined executions refuse to schedule; set when log replay
	// found records referencing state this execution does not have.
	quarantined bool

	lastErr      string
	startedAt    time.Time
	timeoutTimer *clock.Timer
}

func newExecution(id uuid.UUID, spec types.WorkflowSpec, graph *dag.Graph, fallback types.RetryPolicy, startedAt time.Time) *execution {
	retry := fallback
	if spec.Retry != nil {
		retry = *spec.Retry
	}

	ex := &execution{
		id:        id,
		spec:      spec,
		graph:     graph,
		state:     types.ExecRunning,
		retry:     retry,
		nodes:     map[string]*nodeExec{},
		startedAt: startedAt,
	}
	for _, nodeID := range graph.Nodes() {
		n, _ := graph.Node(nodeID)
		ex.nodes[nodeID] = &nodeExec{spec: n, state: types.NodePending}
	}
	return ex
}

// readyNodes returns Pending nodes whose dependencies are all Done and
// whose retry backoff, if any, has elapsed. Stable topological order.
func (ex *execution) readyNodes(now time.Time) []string {
	if ex.state.Terminal() || ex.quarantined {
		return nil
	}

	ready := []string{}
	for _, nodeID := range ex.graph.Nodes() {
		n := ex.nodes[nodeID]
		if n.state != types.NodePending || now.Before(n.notBefore) {
			continue
		}
		ok := true
		for _, dep := range ex.graph.Dependencies(nodeID) {
			if ex.nodes[dep].state != types.NodeDone {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, nodeID)
		}
	}
	return ready
}

func (ex *execution) allTerminal() bool {
	for _, n := range ex.nodes {
		if !n.state.Terminal() {
			return false
		}
	}
	return true
}

func (ex *execution) anyFailed() bool {
	for _, n := range ex.nodes {
		if n.state == types.NodeFailed {
			return true
		}
	}
	return false
}

func (ex *execution) status() types.ExecutionStatus {
	done := 0
	nodes := make([]types.NodeStatus, 0, len(ex.nodes))
	for _, nodeID := range ex.graph.Nodes() {
		n := ex.nodes[nodeID]
		if n.state == types.NodeDone {
			done++
		}
		nodes = append(nodes, types.NodeStatus{
			ID:       nodeID,
			State:    n.state,
			StateStr: n.state.String(),
			Server:   n.server,
			Retries:  n.retries,
			Progress: n.progress,
			Error:    n.lastErr,
			Outputs:  append([]types.DataRef{}, n.refs...),
		})
	}

	progress := 0.0
	if len(ex.nodes) > 0 {
		progress = float64(done) / float64(len(ex.nodes))
	}
	return types.ExecutionStatus{
		ID:         ex.id.String(),
		WorkflowID: ex.spec.ID.String(),
		Name:       ex.spec.Name,
		State:      ex.state,
		StateStr:   ex.state.String(),
		Progress:   progress,
		Nodes:      nodes,
	}
}
