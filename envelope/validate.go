package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/mod/semver"
)

// Validation errors. Callers check these with errors.Is and route rejected
// envelopes to the dead-letter log rather than crashing the consumer loop.
var (
	// ErrSchemaVersion is returned for missing or unsupported schema versions.
	ErrSchemaVersion = errors.New("unsupported envelope schema version")
	// ErrMissingField is returned when a required header field is absent.
	ErrMissingField = errors.New("envelope missing required field")
	// ErrBadStatus is returned for result envelopes with an unknown status.
	ErrBadStatus = errors.New("envelope has invalid result status")
)

// supportedMajor is the schema major version this release understands.
const supportedMajor = "v1"

// wireEnvelope accepts the envelope as any historical producer wrote it.
// The legacy system had two producers serializing the payload under different
// field names for the two transports ("payload" on the log, "data" on the
// broadcast channel) and different inner spellings for result output. This
// shape absorbs all of them so Validate can emit one canonical Payload.
type wireEnvelope struct {
	Header

	TaskID    string          `json:"task_id"`
	Stage     string          `json:"stage"`
	AgentType string          `json:"agent_type"`
	Status    ResultStatus    `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// wirePayload accepts both payload field spellings used by legacy producers.
type wirePayload struct {
	Instructions string          `json:"instructions,omitempty"`
	StageOutputs []StageOutput   `json:"stage_outputs,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Validate parses raw bytes into a canonical envelope. It rejects unknown or
// missing schema versions, missing workflow/task identifiers, and result
// envelopes with an unrecognized status. The payload is normalized so that
// downstream code sees a single shape regardless of producer or transport.
func Validate(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	if w.SchemaVersion == "" {
		return nil, fmt.Errorf("%w: schema_version missing", ErrSchemaVersion)
	}
	if major := semver.Major("v" + w.SchemaVersion); major != supportedMajor {
		return nil, fmt.Errorf("%w: %q", ErrSchemaVersion, w.SchemaVersion)
	}
	if w.EventID == "" {
		return nil, fmt.Errorf("%w: event_id", ErrMissingField)
	}
	if w.WorkflowID == "" {
		return nil, fmt.Errorf("%w: workflow_id", ErrMissingField)
	}
	if w.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id", ErrMissingField)
	}
	if w.Stage == "" {
		return nil, fmt.Errorf("%w: stage", ErrMissingField)
	}

	kind := KindTask
	if w.Status != "" {
		if !w.Status.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrBadStatus, w.Status)
		}
		kind = KindResult
	}

	payload, err := normalizePayload(w.Payload, w.Data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Header:    w.Header,
		Kind:      kind,
		TaskID:    w.TaskID,
		Stage:     w.Stage,
		AgentType: w.AgentType,
		Status:    w.Status,
		Payload:   payload,
	}, nil
}

// normalizePayload collapses the two top-level payload spellings and the
// legacy inner field names into the canonical Payload shape.
func normalizePayload(payload, data json.RawMessage) (Payload, error) {
	raw := payload
	if len(raw) == 0 {
		raw = data
	}
	if len(raw) == 0 || string(raw) == "null" {
		return Payload{}, nil
	}

	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("malformed envelope payload: %w", err)
	}

	out := Payload{
		Instructions: p.Instructions,
		StageOutputs: p.StageOutputs,
		Output:       p.Output,
		Error:        p.Error,
	}
	if len(out.Output) == 0 {
		out.Output = p.Result
	}
	if out.Error == "" {
		out.Error = p.ErrorMessage
	}
	return out, nil
}
