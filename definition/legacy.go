package definition

import "time"

// Legacy stage lists used when no definition is registered for a platform.
// These are fixed and identical across platforms; callers can tell a fallback
// apart from a registered definition through IsFallback.

var legacyStages = map[string][]Stage{
	"app": {
		{Name: "plan", AgentType: "planner", Weight: 10, Timeout: 10 * time.Minute, Required: true},
		{Name: "generate", AgentType: "codegen", Weight: 35, Timeout: 30 * time.Minute, Required: true},
		{Name: "test", AgentType: "tester", Weight: 30, Timeout: 20 * time.Minute, Required: true},
		{Name: "review", AgentType: "reviewer", Weight: 15, Timeout: 15 * time.Minute, Required: true},
		{Name: "deploy", AgentType: "deployer", Weight: 10, Timeout: 15 * time.Minute, Required: true},
	},
	"feature": {
		{Name: "plan", AgentType: "planner", Weight: 15, Timeout: 10 * time.Minute, Required: true},
		{Name: "generate", AgentType: "codegen", Weight: 40, Timeout: 30 * time.Minute, Required: true},
		{Name: "test", AgentType: "tester", Weight: 30, Timeout: 20 * time.Minute, Required: true},
		{Name: "review", AgentType: "reviewer", Weight: 15, Timeout: 15 * time.Minute, Required: true},
	},
	"bugfix": {
		{Name: "diagnose", AgentType: "planner", Weight: 25, Timeout: 10 * time.Minute, Required: true},
		{Name: "fix", AgentType: "codegen", Weight: 40, Timeout: 20 * time.Minute, Required: true},
		{Name: "test", AgentType: "tester", Weight: 35, Timeout: 20 * time.Minute, Required: true},
	},
}

// legacyDefaultType is used when a workflow type has no legacy stage list.
const legacyDefaultType = "app"

// Legacy returns the built-in fallback definition for a workflow type. A type
// without its own legacy list gets the app list; there is always an answer.
func Legacy(workflowType string) *Definition {
	stages, ok := legacyStages[workflowType]
	if !ok {
		stages = legacyStages[legacyDefaultType]
	}

	// Copy so cached fallbacks stay immutable.
	out := make([]Stage, len(stages))
	copy(out, stages)

	return &Definition{
		WorkflowType:   workflowType,
		ProgressMethod: ProgressWeighted,
		Stages:         out,
		IsFallback:     true,
	}
}
