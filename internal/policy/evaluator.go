package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Evaluator performs pure policy decisions.
type Evaluator struct {
	mode     Mode
	patterns []string
}

// NewEvaluator builds a deterministic, side-effect free evaluator. Patterns
// are doublestar globs matched case-sensitively against the tool name.
func NewEvaluator(cfg Config) (Evaluator, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return Evaluator{}, err
	}

	source := cfg.DangerousTools
	if source == nil {
		source = DefaultDangerousTools
	}
	patterns := make([]string, 0, len(source))
	for _, raw := range source {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return Evaluator{}, fmt.Errorf("invalid tool pattern %q", raw)
		}
		patterns = append(patterns, pattern)
	}

	return Evaluator{mode: mode, patterns: patterns}, nil
}

// ParseMode normalizes a mode name. Empty means ModeDangerous.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeDangerous):
		return ModeDangerous, nil
	case string(ModeAll):
		return ModeAll, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q", raw)
	}
}

// Mode returns the effective mode.
func (e Evaluator) Mode() Mode {
	return e.mode
}

// Evaluate returns a deterministic decision for the given input.
func (e Evaluator) Evaluate(input Input) Decision {
	toolName := strings.TrimSpace(input.ToolName)

	if e.mode == ModeAll {
		return Decision{Action: ActionRequireApproval, Reason: "every tool requires approval"}
	}
	for _, pattern := range e.patterns {
		if ok, _ := doublestar.Match(pattern, toolName); ok {
			return Decision{Action: ActionRequireApproval, Reason: "matches " + pattern}
		}
	}
	return Decision{Action: ActionAllow}
}

// RequiresApproval reports whether toolName must be confirmed by a human.
func (e Evaluator) RequiresApproval(toolName string) bool {
	return e.Evaluate(Input{ToolName: toolName}).Action == ActionRequireApproval
}
