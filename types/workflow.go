package types

import (
	"math"
	"time"

	"github.com/google/uuid"
)

/**
 * NodeSpec describes one computation unit. Node types form an open,
 * server-defined catalog: the orchestrator never branches on Type, it
 * only routes the opaque Config to the executor verbatim.
 */
type NodeSpec struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`

	Config Data `json:"config,omitempty"`

	// Session affinity hints, set by the submitting client for LLM nodes.
	ModelID   string `json:"model_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// EdgeSpec is one data dependency: Source's Output feeds Target's Input,
// optionally through a transform expression the executor evaluates.
type EdgeSpec struct {
	Source    string `json:"source"`
	Output    string `json:"output"`
	Target    string `json:"target"`
	Input     string `json:"input"`
	Transform string `json:"transform,omitempty"`
}

type WorkflowSpec struct {
	ID    uuid.UUID  `json:"id"`
	Name  string     `json:"name"`
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges"`

	// Retry overrides the orchestrator defaults when non-nil.
	Retry *RetryPolicy `json:"retry,omitempty"`
	// Timeout aborts the whole execution when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" default:"3"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" default:"1s"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" default:"2.0"`
}

// Backoff computes the delay before re-queueing a failed node:
// InitialBackoff * Multiplier^attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	return time.Duration(d)
}
