package permission

import "testing"

func compiled(t *testing.T, p *Policy) *Policy {
	t.Helper()
	if err := p.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func TestBypassModeAllowsEverything(t *testing.T) {
	p := compiled(t, &Policy{
		Mode: ModeBypass,
		Deny: []Rule{{ToolPattern: ".*", Priority: 100}},
	})
	res := p.Evaluate("Bash", "rm -rf /")
	if res.Decision != DecisionAllow {
		t.Fatalf("decision = %v, want Allow", res.Decision)
	}
}

func TestDenyBeatsAllowAtEqualPriority(t *testing.T) {
	p := compiled(t, &Policy{
		Mode:  ModeDefault,
		Allow: []Rule{{ToolPattern: "^Bash$", Priority: 5}},
		Deny:  []Rule{{ToolPattern: "^Bash$", Priority: 5}},
	})
	res := p.Evaluate("Bash", "ls")
	if res.Decision != DecisionDeny {
		t.Fatalf("decision = %v, want Deny (deny stage runs before allow stage)", res.Decision)
	}
}

func TestHigherPriorityDenyWinsOverLowerPriorityDeny(t *testing.T) {
	p := compiled(t, &Policy{
		Mode: ModeDefault,
		Deny: []Rule{
			{ToolPattern: "^Bash$", Priority: 1, InputPattern: "safe"},
			{ToolPattern: "^Bash$", Priority: 10},
		},
	})
	res := p.Evaluate("Bash", "anything")
	if res.Decision != DecisionDeny {
		t.Fatalf("decision = %v, want Deny", res.Decision)
	}
}

func TestAskRuleWhenNoAllowOrDenyMatches(t *testing.T) {
	p := compiled(t, &Policy{
		Mode: ModeDefault,
		Ask:  []Rule{{ToolPattern: "^Write$"}},
	})
	res := p.Evaluate("Write", "/tmp/foo")
	if res.Decision != DecisionAsk {
		t.Fatalf("decision = %v, want Ask", res.Decision)
	}
}

func TestPlanModeDefaultsAllowReadOnlyDenyOthers(t *testing.T) {
	p := compiled(t, &Policy{Mode: ModePlan})

	if got := p.Evaluate("Read", "").Decision; got != DecisionAllow {
		t.Errorf("Read = %v, want Allow", got)
	}
	if got := p.Evaluate("Write", "").Decision; got != DecisionDeny {
		t.Errorf("Write = %v, want Deny", got)
	}
}

func TestAcceptEditsModeDefaultsAllowFileTouchingDenyOthers(t *testing.T) {
	p := compiled(t, &Policy{Mode: ModeAcceptEdits})

	if got := p.Evaluate("Write", "").Decision; got != DecisionAllow {
		t.Errorf("Write = %v, want Allow", got)
	}
	if got := p.Evaluate("Read", "").Decision; got != DecisionAllow {
		t.Errorf("Read = %v, want Allow", got)
	}
	if got := p.Evaluate("Bash", "").Decision; got != DecisionDeny {
		t.Errorf("Bash = %v, want Deny", got)
	}
}

func TestDefaultModeDeniesByDefault(t *testing.T) {
	p := compiled(t, &Policy{Mode: ModeDefault})
	if got := p.Evaluate("Read", "").Decision; got != DecisionDeny {
		t.Errorf("Read = %v, want Deny", got)
	}
}

func TestInputPatternMustAlsoMatch(t *testing.T) {
	p := compiled(t, &Policy{
		Mode: ModeDefault,
		Allow: []Rule{
			{ToolPattern: "^Bash$", InputPattern: `^git (status|diff|log)`, Priority: 1},
		},
	})
	if got := p.Evaluate("Bash", "git status").Decision; got != DecisionAllow {
		t.Errorf("git status = %v, want Allow", got)
	}
	if got := p.Evaluate("Bash", "rm -rf /").Decision; got != DecisionDeny {
		t.Errorf("rm -rf / = %v, want Deny (falls through to default mode deny)", got)
	}
}

func TestCompileRejectsInvalidRegex(t *testing.T) {
	p := &Policy{Deny: []Rule{{ToolPattern: "("}}}
	if err := p.Compile(); err == nil {
		t.Fatalf("expected compile error for invalid regex")
	}
}
