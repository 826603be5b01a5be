package policy

import "testing"

func mustEvaluator(t *testing.T, cfg Config) Evaluator {
	t.Helper()
	ev, err := NewEvaluator(cfg)
	if err != nil {
		t.Fatalf("NewEvaluator error: %v", err)
	}
	return ev
}

func TestEvaluate_DefaultDangerousTools(t *testing.T) {
	ev := mustEvaluator(t, Config{})

	for _, tool := range []string{"Bash", "Write", "Edit", "MultiEdit"} {
		if d := ev.Evaluate(Input{ToolName: tool}); d.Action != ActionRequireApproval {
			t.Fatalf("expected %q for %s, got %q", ActionRequireApproval, tool, d.Action)
		}
	}
	for _, tool := range []string{"Read", "Glob", "Grep", "LS"} {
		if d := ev.Evaluate(Input{ToolName: tool}); d.Action != ActionAllow {
			t.Fatalf("expected %q for %s, got %q", ActionAllow, tool, d.Action)
		}
	}
}

func TestEvaluate_MatchIsCaseSensitive(t *testing.T) {
	ev := mustEvaluator(t, Config{})
	if ev.RequiresApproval("bash") {
		t.Fatal("expected lowercase bash to be treated as a different tool")
	}
}

func TestEvaluate_InputToolNameIsTrimmed(t *testing.T) {
	ev := mustEvaluator(t, Config{})
	if !ev.RequiresApproval("  Bash ") {
		t.Fatal("expected trimmed tool name to match")
	}
}

func TestEvaluate_GlobPatterns(t *testing.T) {
	ev := mustEvaluator(t, Config{DangerousTools: []string{"mcp__*__exec", "Notebook*"}})

	if !ev.RequiresApproval("mcp__shell__exec") {
		t.Fatal("expected glob to match mcp tool")
	}
	if !ev.RequiresApproval("NotebookEdit") {
		t.Fatal("expected prefix glob to match")
	}
	if ev.RequiresApproval("Bash") {
		t.Fatal("explicit list replaces the defaults")
	}
}

func TestEvaluate_EmptyListGatesNothing(t *testing.T) {
	ev := mustEvaluator(t, Config{DangerousTools: []string{}})
	if ev.RequiresApproval("Bash") {
		t.Fatal("expected empty list to gate nothing")
	}
}

func TestEvaluate_AllModeGatesSafeTools(t *testing.T) {
	ev := mustEvaluator(t, Config{Mode: ModeAll})
	d := ev.Evaluate(Input{ToolName: "Read"})

	if d.Action != ActionRequireApproval {
		t.Fatalf("expected %q, got %q", ActionRequireApproval, d.Action)
	}
	if ev.Mode() != ModeAll {
		t.Fatalf("expected mode %q, got %q", ModeAll, ev.Mode())
	}
}

func TestNewEvaluator_UnknownMode(t *testing.T) {
	if _, err := NewEvaluator(Config{Mode: "strict"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewEvaluator_InvalidPattern(t *testing.T) {
	if _, err := NewEvaluator(Config{DangerousTools: []string{"Bash["}}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestParseMode_Normalizes(t *testing.T) {
	mode, err := ParseMode("  ALL ")
	if err != nil {
		t.Fatalf("ParseMode error: %v", err)
	}
	if mode != ModeAll {
		t.Fatalf("expected %q, got %q", ModeAll, mode)
	}
}
