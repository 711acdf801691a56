package types

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow_started"
	EventWorkflowCompleted EventKind = "workflow_completed"
	EventWorkflowFailed    EventKind = "workflow_failed"
	EventWorkflowCancelled EventKind = "workflow_cancelled"

	EventNodeScheduled EventKind = "node_scheduled"
	EventNodeStarted   EventKind = "node_started"
	EventNodeProgress  EventKind = "node_progress"
	EventNodeCompleted EventKind = "node_completed"
	EventNodeRetrying  EventKind = "node_retrying"
	EventNodeFailed    EventKind = "node_failed"
	EventNodeCancelled EventKind = "node_cancelled"

	EventDataRegistered  EventKind = "data_registered"
	EventDataTierChanged EventKind = "data_tier_changed"
	EventDataRetired     EventKind = "data_retired"

	EventServerAdded   EventKind = "server_added"
	EventServerRemoved EventKind = "server_removed"
)

/**
 * Event is one immutable state-transition record. The append-only event
 * sequence is the source of truth: every transition is appended before
 * the in-memory state is mutated, and replaying from position zero
 * reconstructs the orchestrator exactly.
 *
 * EventWorkflowStarted carries the full WorkflowSpec so replay needs no
 * out-of-band workflow storage.
 */
type Event struct {
	Kind EventKind `json:"kind"`

	ExecutionID uuid.UUID `json:"execution_id,omitempty"`
	WorkflowID  uuid.UUID `json:"workflow_id,omitempty"`
	Node        string    `json:"node,omitempty"`
	Server      string    `json:"server,omitempty"`
	TaskID      uuid.UUID `json:"task_id,omitempty"`

	Spec     *WorkflowSpec `json:"spec,omitempty"`
	Retry    int           `json:"retry,omitempty"`
	DelayMs  int64         `json:"delay_ms,omitempty"`
	Progress float64       `json:"progress,omitempty"`
	Error    string        `json:"error,omitempty"`

	Ref  *DataRef    `json:"ref,omitempty"`
	Refs []DataRef   `json:"refs,omitempty"`
	Tier StorageTier `json:"tier,omitempty"`

	Outputs []TaskOutput `json:"outputs,omitempty"`
	Info    *ServerInfo  `json:"info,omitempty"`

	Timestamp time.Time `json:"ts"`
}
