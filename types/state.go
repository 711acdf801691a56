package types

type NodeState int32

const (
	NodeNone      NodeState = 0
	NodePending   NodeState = 1
	NodeScheduled NodeState = 2
	NodeRunning   NodeState = 3
	NodeDone      NodeState = 4
	NodeFailed    NodeState = 5
	NodeCancelled NodeState = 6
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeScheduled:
		return "scheduled"
	case NodeRunning:
		return "running"
	case NodeDone:
		return "done"
	case NodeFailed:
		return "failed"
	case NodeCancelled:
		return "cancelled"
	}
	return "none"
}

func (s NodeState) Terminal() bool {
	return s == NodeDone || s == NodeFailed || s == NodeCancelled
}

/**
 * CanTransition encodes the node lattice. Pending is the single failure
 * re-entry point: a node that fails with retry budget left goes back to
 * Pending, never directly to Scheduled. A node can fail straight out of
 * Pending too, before any task exists for it, when its inputs cannot be
 * bound; the self loop covers the retry of such a failure.
 */
func (s NodeState) CanTransition(to NodeState) bool {
	switch s {
	case NodePending:
		return to == NodePending || to == NodeScheduled ||
			to == NodeFailed || to == NodeCancelled
	case NodeScheduled:
		return to == NodeRunning || to == NodePending ||
			to == NodeFailed || to == NodeCancelled
	case NodeRunning:
		return to == NodeDone || to == NodePending ||
			to == NodeFailed || to == NodeCancelled
	}
	return false
}

type ExecutionState int32

const (
	ExecNone      ExecutionState = 0
	ExecPending   ExecutionState = 1
	ExecRunning   ExecutionState = 2
	ExecCompleted ExecutionState = 3
	ExecFailed    ExecutionState = 4
	ExecCancelled ExecutionState = 5
)

func (s ExecutionState) String() string {
	switch s {
	case ExecPending:
		return "pending"
	case ExecRunning:
		return "running"
	case ExecCompleted:
		return "completed"
	case ExecFailed:
		return "failed"
	case ExecCancelled:
		return "cancelled"
	}
	return "none"
}

func (s ExecutionState) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// NodeStatus is the externally visible snapshot of one node execution.
type NodeStatus struct {
	ID       string    `json:"id"`
	State    NodeState `json:"-"`
	StateStr string    `json:"state"`
	Server   string    `json:"server,omitempty"`
	Retries  int       `json:"retries"`
	Progress float64   `json:"progress"`
	Error    string    `json:"error,omitempty"`
	Outputs  []DataRef `json:"outputs,omitempty"`
}

// ExecutionStatus is the externally visible snapshot of one execution.
type ExecutionStatus struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	State      ExecutionState `json:"-"`
	StateStr   string         `json:"state"`
	Progress   float64        `json:"progress"`
	Nodes      []NodeStatus   `json:"nodes"`
}
