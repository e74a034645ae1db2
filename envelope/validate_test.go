package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validResultJSON() map[string]any {
	return map[string]any{
		"schema_version": "1.0.0",
		"event_id":       "evt-1",
		"workflow_id":    "wf-1",
		"task_id":        "task-1",
		"stage":          "build",
		"agent_type":     "builder",
		"trace_id":       "trace-1",
		"status":         "success",
		"payload":        map[string]any{"output": map[string]any{"artifact": "a.tar"}},
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestValidate_Result(t *testing.T) {
	env, err := Validate(mustMarshal(t, validResultJSON()))
	require.NoError(t, err)

	assert.Equal(t, KindResult, env.Kind)
	assert.Equal(t, "wf-1", env.WorkflowID)
	assert.Equal(t, "task-1", env.TaskID)
	assert.Equal(t, "build", env.Stage)
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, "trace-1", env.TraceID)
	assert.JSONEq(t, `{"artifact":"a.tar"}`, string(env.Payload.Output))
}

func TestValidate_Task(t *testing.T) {
	raw := validResultJSON()
	delete(raw, "status")
	raw["payload"] = map[string]any{
		"instructions": "build the thing",
		"stage_outputs": []map[string]any{
			{"stage": "init", "output": map[string]any{"ok": true}},
		},
	}

	env, err := Validate(mustMarshal(t, raw))
	require.NoError(t, err)

	assert.Equal(t, KindTask, env.Kind)
	assert.Equal(t, "build the thing", env.Payload.Instructions)
	require.Len(t, env.Payload.StageOutputs, 1)
	assert.Equal(t, "init", env.Payload.StageOutputs[0].Stage)
}

func TestValidate_SchemaVersion(t *testing.T) {
	t.Run("missing version rejected", func(t *testing.T) {
		raw := validResultJSON()
		delete(raw, "schema_version")
		_, err := Validate(mustMarshal(t, raw))
		assert.ErrorIs(t, err, ErrSchemaVersion)
	})

	t.Run("unknown major rejected", func(t *testing.T) {
		raw := validResultJSON()
		raw["schema_version"] = "2.0.0"
		_, err := Validate(mustMarshal(t, raw))
		assert.ErrorIs(t, err, ErrSchemaVersion)
	})

	t.Run("minor bump accepted", func(t *testing.T) {
		raw := validResultJSON()
		raw["schema_version"] = "1.3.0"
		_, err := Validate(mustMarshal(t, raw))
		assert.NoError(t, err)
	})
}

func TestValidate_RequiredFields(t *testing.T) {
	for _, field := range []string{"event_id", "workflow_id", "task_id", "stage"} {
		t.Run(field, func(t *testing.T) {
			raw := validResultJSON()
			delete(raw, field)
			_, err := Validate(mustMarshal(t, raw))
			assert.ErrorIs(t, err, ErrMissingField)
		})
	}
}

func TestValidate_BadStatus(t *testing.T) {
	raw := validResultJSON()
	raw["status"] = "done"
	_, err := Validate(mustMarshal(t, raw))
	assert.ErrorIs(t, err, ErrBadStatus)
}

func TestValidate_Malformed(t *testing.T) {
	_, err := Validate([]byte("{not json"))
	assert.Error(t, err)
}

// The legacy system had one producer writing the payload under "data" with the
// result under "result", and another writing "payload" with "output". Both must
// normalize to the same canonical shape.
func TestValidate_NormalizesLegacyShapes(t *testing.T) {
	t.Run("data with result field", func(t *testing.T) {
		raw := validResultJSON()
		delete(raw, "payload")
		raw["data"] = map[string]any{"result": map[string]any{"artifact": "a.tar"}}

		env, err := Validate(mustMarshal(t, raw))
		require.NoError(t, err)
		assert.JSONEq(t, `{"artifact":"a.tar"}`, string(env.Payload.Output))
	})

	t.Run("error_message spelling", func(t *testing.T) {
		raw := validResultJSON()
		raw["status"] = "failure"
		raw["payload"] = map[string]any{"error_message": "compile error"}

		env, err := Validate(mustMarshal(t, raw))
		require.NoError(t, err)
		assert.Equal(t, "compile error", env.Payload.Error)
	})

	t.Run("payload wins over data", func(t *testing.T) {
		raw := validResultJSON()
		raw["payload"] = map[string]any{"output": map[string]any{"from": "payload"}}
		raw["data"] = map[string]any{"output": map[string]any{"from": "data"}}

		env, err := Validate(mustMarshal(t, raw))
		require.NoError(t, err)
		assert.JSONEq(t, `{"from":"payload"}`, string(env.Payload.Output))
	})

	t.Run("empty payload tolerated", func(t *testing.T) {
		raw := validResultJSON()
		delete(raw, "payload")

		env, err := Validate(mustMarshal(t, raw))
		require.NoError(t, err)
		assert.Empty(t, env.Payload.Output)
	})
}

func TestEncodeRoundTrip(t *testing.T) {
	task := NewTask("wf-1", "task-1", "build", "builder", "trace-1", Payload{
		Instructions: "go",
	})

	data, err := task.Encode()
	require.NoError(t, err)

	decoded, err := Validate(data)
	require.NoError(t, err)
	assert.Equal(t, KindTask, decoded.Kind)
	assert.Equal(t, task.EventID, decoded.EventID)
	assert.Equal(t, task.WorkflowID, decoded.WorkflowID)
	assert.Equal(t, "go", decoded.Payload.Instructions)
}
