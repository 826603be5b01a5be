package policy

// Action is the policy decision for a tool execution request.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionRequireApproval Action = "require_approval"
)

// Mode controls evaluator behavior.
type Mode string

const (
	// ModeDangerous gates only tools matching a dangerous pattern.
	ModeDangerous Mode = "dangerous"
	// ModeAll gates every tool.
	ModeAll Mode = "all"
)

// DefaultDangerousTools are the tools that modify the workspace or run code.
var DefaultDangerousTools = []string{"Bash", "Write", "Edit", "MultiEdit"}

// Config contains policy settings required by the evaluator.
type Config struct {
	Mode           Mode
	DangerousTools []string
}

// Input is the minimum evaluation context.
type Input struct {
	ToolName string
}

// Decision is the deterministic policy result.
type Decision struct {
	Action Action
	Reason string
}
