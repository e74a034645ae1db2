// Package envelope defines the versioned message schema shared by every actor
// in the orchestration system: task assignments flowing to agents and results
// flowing back. All producers and consumers encode through this package so
// that both bus transports carry an identical field shape.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope schema version written by this release.
const SchemaVersion = "1.0.0"

// Kind distinguishes the two envelope shapes.
type Kind string

const (
	// KindTask is an assignment published to an agent-type topic.
	KindTask Kind = "task"
	// KindResult is a completion published by an agent.
	KindResult Kind = "result"
)

// ResultStatus is the outcome an agent reports for a stage.
type ResultStatus string

const (
	// StatusSuccess indicates the stage completed and produced output.
	StatusSuccess ResultStatus = "success"
	// StatusFailure indicates the stage failed with error detail.
	StatusFailure ResultStatus = "failure"
)

// IsValid returns true if the result status is recognized.
func (s ResultStatus) IsValid() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Header carries the fields common to both envelope shapes.
type Header struct {
	// SchemaVersion is a semantic version string. Consumers reject major
	// versions they do not recognize.
	SchemaVersion string `json:"schema_version"`

	// EventID uniquely identifies this delivery and drives deduplication.
	EventID string `json:"event_id"`

	// WorkflowID is the workflow this envelope belongs to.
	WorkflowID string `json:"workflow_id"`

	// TraceID is propagated from workflow creation, never generated
	// mid-pipeline.
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is propagated alongside TraceID.
	SpanID string `json:"span_id,omitempty"`
}

// StageOutput is one entry in the ordered stage-output history carried as
// context in task envelopes.
type StageOutput struct {
	Stage      string          `json:"stage"`
	Output     json.RawMessage `json:"output,omitempty"`
	RecordedAt time.Time       `json:"recorded_at,omitzero"`
}

// Payload is the canonical payload shape delivered to downstream code
// regardless of which transport or producer the envelope came from.
type Payload struct {
	// Instructions are the agent instructions (task envelopes).
	Instructions string `json:"instructions,omitempty"`

	// StageOutputs is the accumulated output history (task envelopes).
	StageOutputs []StageOutput `json:"stage_outputs,omitempty"`

	// Output is the stage output (successful result envelopes).
	Output json.RawMessage `json:"output,omitempty"`

	// Error is the failure detail (failed result envelopes).
	Error string `json:"error,omitempty"`
}

// Envelope is a validated task or result message.
type Envelope struct {
	Header

	Kind      Kind         `json:"-"`
	TaskID    string       `json:"task_id"`
	Stage     string       `json:"stage"`
	AgentType string       `json:"agent_type"`
	Status    ResultStatus `json:"status,omitempty"`
	Payload   Payload      `json:"payload"`
}

// NewTask builds a task envelope with a fresh event id.
func NewTask(workflowID, taskID, stage, agentType, traceID string, payload Payload) *Envelope {
	return &Envelope{
		Header: Header{
			SchemaVersion: SchemaVersion,
			EventID:       uuid.New().String(),
			WorkflowID:    workflowID,
			TraceID:       traceID,
		},
		Kind:      KindTask,
		TaskID:    taskID,
		Stage:     stage,
		AgentType: agentType,
		Payload:   payload,
	}
}

// NewResult builds a result envelope with a fresh event id.
func NewResult(workflowID, taskID, stage, agentType, traceID string, status ResultStatus, payload Payload) *Envelope {
	return &Envelope{
		Header: Header{
			SchemaVersion: SchemaVersion,
			EventID:       uuid.New().String(),
			WorkflowID:    workflowID,
			TraceID:       traceID,
		},
		Kind:      KindResult,
		TaskID:    taskID,
		Stage:     stage,
		AgentType: agentType,
		Status:    status,
		Payload:   payload,
	}
}

// Encode serializes the envelope to its wire form. The same bytes are used
// for the broadcast channel and the durable log.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
