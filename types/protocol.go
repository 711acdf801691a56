package types

import "github.com/google/uuid"

/**
 * Wire contract between the orchestrator and executor servers. Outbound:
 * POST {server}/task with a TaskRequest, answered 202 with a DispatchReply.
 * Inbound: the server POSTs CallbackMessages to CallbackURL as the task
 * progresses. GET {server}/tasks/{id} answers a TaskStatusReply and backs
 * the post-restart reconciliation poll.
 */
type TaskRequest struct {
	TaskID   uuid.UUID   `json:"task_id"`
	NodeID   string      `json:"node_id"`
	NodeType string      `json:"node_type"`
	Config   Data        `json:"config,omitempty"`
	Inputs   []TaskInput `json:"inputs,omitempty"`

	CallbackURL string `json:"callback_url"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
}

// TaskInput is either an inline value or a DataRef plus the access token
// the executor needs to pull it from the owning server.
type TaskInput struct {
	Name  string       `json:"name"`
	Value any          `json:"value,omitempty"`
	Ref   *DataRef     `json:"ref,omitempty"`
	Token *AccessToken `json:"token,omitempty"`

	// Transform is the edge's expression, evaluated server-side.
	Transform string `json:"transform,omitempty"`
}

type DispatchReply struct {
	TaskID uuid.UUID `json:"task_id"`
}

type CallbackStatus string

const (
	CallbackProgress CallbackStatus = "progress"
	CallbackComplete CallbackStatus = "complete"
	CallbackFailed   CallbackStatus = "failed"
)

type TaskOutput struct {
	Name  string   `json:"name"`
	Value any      `json:"value,omitempty"`
	Ref   *DataRef `json:"ref,omitempty"`
}

type CallbackMessage struct {
	TaskID   uuid.UUID      `json:"task_id"`
	Status   CallbackStatus `json:"status"`
	Progress float64        `json:"progress,omitempty"`
	Outputs  []TaskOutput   `json:"outputs,omitempty"`
	Error    string         `json:"error,omitempty"`

	// ServerFault marks failures of the server itself rather than the
	// task; the scheduler then prefers a different server on retry.
	ServerFault bool `json:"server_fault,omitempty"`
}

type TaskPhase string

const (
	TaskPhaseRunning  TaskPhase = "running"
	TaskPhaseComplete TaskPhase = "complete"
	TaskPhaseFailed   TaskPhase = "failed"
	TaskPhaseUnknown  TaskPhase = "unknown"
)

type TaskStatusReply struct {
	TaskID   uuid.UUID    `json:"task_id"`
	Phase    TaskPhase    `json:"phase"`
	Progress float64      `json:"progress,omitempty"`
	Outputs  []TaskOutput `json:"outputs,omitempty"`
	Error    string       `json:"error,omitempty"`
}
