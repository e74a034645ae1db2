package definition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearDef(method ProgressMethod) *Definition {
	return &Definition{
		WorkflowType:   "app",
		ProgressMethod: method,
		Stages: []Stage{
			{Name: "init", AgentType: "planner", Weight: 10, Timeout: time.Minute},
			{Name: "build", AgentType: "codegen", Weight: 40, Timeout: time.Minute},
			{Name: "test", AgentType: "tester", Weight: 50, Timeout: time.Minute},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid definition", func(t *testing.T) {
		assert.NoError(t, linearDef(ProgressWeighted).Validate())
	})

	t.Run("weights must sum to 100", func(t *testing.T) {
		d := linearDef(ProgressWeighted)
		d.Stages[0].Weight = 20
		assert.Error(t, d.Validate())
	})

	t.Run("duplicate stage names rejected", func(t *testing.T) {
		d := linearDef(ProgressWeighted)
		d.Stages[2].Name = "init"
		assert.Error(t, d.Validate())
	})

	t.Run("empty stage list rejected", func(t *testing.T) {
		d := &Definition{WorkflowType: "app", ProgressMethod: ProgressWeighted}
		assert.Error(t, d.Validate())
	})

	t.Run("unknown progress method rejected", func(t *testing.T) {
		d := linearDef("quadratic")
		assert.Error(t, d.Validate())
	})
}

func TestNextStage(t *testing.T) {
	d := linearDef(ProgressWeighted)

	t.Run("advances by exact name", func(t *testing.T) {
		next, err := NextStage(d, "init")
		require.NoError(t, err)
		assert.Equal(t, "build", next.Stage)
		assert.Equal(t, 1, next.Index)
		assert.False(t, next.Terminal)
	})

	t.Run("last stage is terminal", func(t *testing.T) {
		next, err := NextStage(d, "test")
		require.NoError(t, err)
		assert.True(t, next.Terminal)
		assert.Empty(t, next.Stage)
	})

	t.Run("unknown stage is a hard error", func(t *testing.T) {
		_, err := NextStage(d, "bild")
		require.ErrorIs(t, err, ErrUnknownStage)
	})

	t.Run("empty stage is a hard error", func(t *testing.T) {
		_, err := NextStage(d, "")
		require.ErrorIs(t, err, ErrUnknownStage)
	})
}

func TestProgress(t *testing.T) {
	t.Run("weighted is cumulative", func(t *testing.T) {
		d := linearDef(ProgressWeighted)
		assert.Equal(t, 10, Progress(d, 0))
		assert.Equal(t, 50, Progress(d, 1))
		assert.Equal(t, 100, Progress(d, 2))
	})

	t.Run("linear spreads evenly", func(t *testing.T) {
		d := linearDef(ProgressLinear)
		assert.Equal(t, 33, Progress(d, 0))
		assert.Equal(t, 66, Progress(d, 1))
		assert.Equal(t, 100, Progress(d, 2))
	})

	t.Run("exponential front-loads", func(t *testing.T) {
		d := linearDef(ProgressExponential)
		first := Progress(d, 0)
		second := Progress(d, 1)
		assert.Greater(t, first, 33)
		assert.Greater(t, second, first)
		assert.Equal(t, 100, Progress(d, 2))
	})

	t.Run("exactly 100 at final index for every method", func(t *testing.T) {
		for _, method := range []ProgressMethod{ProgressWeighted, ProgressLinear, ProgressExponential} {
			for stages := 1; stages <= 7; stages++ {
				d := &Definition{WorkflowType: "app", ProgressMethod: method}
				for i := 0; i < stages; i++ {
					d.Stages = append(d.Stages, Stage{Name: string(rune('a' + i)), AgentType: "x"})
				}
				assert.Equal(t, 100, Progress(d, stages-1),
					"method %s stages %d", method, stages)
			}
		}
	})

	t.Run("monotonically non-decreasing", func(t *testing.T) {
		for _, method := range []ProgressMethod{ProgressWeighted, ProgressLinear, ProgressExponential} {
			d := linearDef(method)
			prev := 0
			for i := range d.Stages {
				p := Progress(d, i)
				assert.GreaterOrEqual(t, p, prev, "method %s index %d", method, i)
				prev = p
			}
		}
	})

	t.Run("out of range index clamps", func(t *testing.T) {
		d := linearDef(ProgressWeighted)
		assert.Equal(t, 0, Progress(d, -1))
		assert.Equal(t, 100, Progress(d, 10))
	})
}

func TestLegacy(t *testing.T) {
	t.Run("known type", func(t *testing.T) {
		d := Legacy("bugfix")
		assert.True(t, d.IsFallback)
		assert.Equal(t, "bugfix", d.WorkflowType)
		assert.NoError(t, d.Validate())
	})

	t.Run("unknown type gets default list", func(t *testing.T) {
		d := Legacy("hotpatch")
		assert.True(t, d.IsFallback)
		assert.Equal(t, "hotpatch", d.WorkflowType)
		assert.Equal(t, Legacy("app").Stages, d.Stages)
	})

	t.Run("all built-in lists are valid", func(t *testing.T) {
		for workflowType := range legacyStages {
			assert.NoError(t, Legacy(workflowType).Validate(), workflowType)
		}
	})
}
