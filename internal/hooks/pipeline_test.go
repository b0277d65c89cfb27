package hooks

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestPipelineDispatchMergesAdditionalContext(t *testing.T) {
	p := NewPipeline(time.Second)
	p.Register(&PipelineHook{
		ID:     "a",
		Events: []PipelineEvent{PipelineUserPromptSubmit},
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			return PipelineOutput{Continue: boolPtr(true), AdditionalContext: "first"}, nil
		},
	})
	p.Register(&PipelineHook{
		ID:     "b",
		Events: []PipelineEvent{PipelineUserPromptSubmit},
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			return PipelineOutput{Continue: boolPtr(true), AdditionalContext: "second"}, nil
		},
	})

	out := p.Dispatch(context.Background(), PipelineInput{Event: PipelineUserPromptSubmit})
	if out.AdditionalContext != "first\nsecond" {
		t.Fatalf("AdditionalContext = %q, want %q", out.AdditionalContext, "first\nsecond")
	}
}

// TestPriorityOrderBlocksBeforeLowerPriorityRuns is spec §8's S5 scenario:
// a priority-10 hook that returns continue=false must prevent a
// priority-0 hook registered for the same event from running at all.
func TestPriorityOrderBlocksBeforeLowerPriorityRuns(t *testing.T) {
	p := NewPipeline(time.Second)
	var lowPriorityRan bool

	p.Register(&PipelineHook{
		ID:       "low",
		Events:   []PipelineEvent{PipelinePreToolUse},
		Priority: 0,
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			lowPriorityRan = true
			return PipelineOutput{Continue: boolPtr(true)}, nil
		},
	})
	p.Register(&PipelineHook{
		ID:       "high",
		Events:   []PipelineEvent{PipelinePreToolUse},
		Priority: 10,
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			return PipelineOutput{Continue: boolPtr(false), StopReason: "blocked"}, nil
		},
	})

	out := p.Dispatch(context.Background(), PipelineInput{Event: PipelinePreToolUse, ToolName: "Bash"})

	if out.Continue == nil || *out.Continue {
		t.Fatalf("expected merged continue=false")
	}
	if out.StopReason != "blocked" {
		t.Fatalf("StopReason = %q, want blocked", out.StopReason)
	}
	if lowPriorityRan {
		t.Fatalf("lower-priority hook ran despite higher-priority hook blocking first")
	}
}

func TestPipelineToolMatcherSkipsNonMatchingTool(t *testing.T) {
	p := NewPipeline(time.Second)
	var ran bool
	p.Register(&PipelineHook{
		ID:          "bash-only",
		Events:      []PipelineEvent{PipelinePreToolUse},
		ToolMatcher: regexp.MustCompile("^Bash$"),
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			ran = true
			return PipelineOutput{Continue: boolPtr(true)}, nil
		},
	})

	p.Dispatch(context.Background(), PipelineInput{Event: PipelinePreToolUse, ToolName: "Read"})
	if ran {
		t.Fatalf("hook with non-matching tool matcher should not run")
	}

	p.Dispatch(context.Background(), PipelineInput{Event: PipelinePreToolUse, ToolName: "Bash"})
	if !ran {
		t.Fatalf("hook with matching tool matcher should run")
	}
}

func TestPipelineHookErrorFailsOpenByDefault(t *testing.T) {
	p := NewPipeline(time.Second)
	p.Register(&PipelineHook{
		ID:     "erroring",
		Events: []PipelineEvent{PipelinePreToolUse},
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			return PipelineOutput{}, errors.New("boom")
		},
	})

	out := p.Dispatch(context.Background(), PipelineInput{Event: PipelinePreToolUse, ToolName: "Bash"})
	if out.Continue == nil || !*out.Continue {
		t.Fatalf("expected fail-open default to continue after a hook error, even for a blockable event")
	}
}

func TestPipelineHookTimeout(t *testing.T) {
	p := NewPipeline(10 * time.Millisecond)
	p.Register(&PipelineHook{
		ID:     "slow",
		Events: []PipelineEvent{PipelineStop},
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			select {
			case <-time.After(time.Second):
				return PipelineOutput{Continue: boolPtr(true)}, nil
			case <-ctx.Done():
				return PipelineOutput{}, ctx.Err()
			}
		},
	})

	out := p.Dispatch(context.Background(), PipelineInput{Event: PipelineStop})
	if out.Continue == nil || !*out.Continue {
		t.Fatalf("timed-out hook should fail open by default")
	}
}

func TestPipelineSuppressOutputIsLogicalOr(t *testing.T) {
	p := NewPipeline(time.Second)
	p.Register(&PipelineHook{
		ID:       "a",
		Events:   []PipelineEvent{PipelineStop},
		Priority: 1,
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			return PipelineOutput{Continue: boolPtr(true), SuppressOutput: false}, nil
		},
	})
	p.Register(&PipelineHook{
		ID:       "b",
		Events:   []PipelineEvent{PipelineStop},
		Priority: 0,
		Run: func(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
			return PipelineOutput{Continue: boolPtr(true), SuppressOutput: true}, nil
		},
	})

	out := p.Dispatch(context.Background(), PipelineInput{Event: PipelineStop})
	if !out.SuppressOutput {
		t.Fatalf("expected SuppressOutput true once any hook sets it")
	}
}

func TestBlockableEventSet(t *testing.T) {
	for _, e := range []PipelineEvent{PipelinePreToolUse, PipelineUserPromptSubmit, PipelineSessionStart, PipelinePreCompact, PipelineSubagentStart} {
		if !e.Blockable() {
			t.Errorf("%s should be blockable", e)
		}
	}
	for _, e := range []PipelineEvent{PipelinePostToolUse, PipelinePostToolUseFailure, PipelineStop, PipelineSubagentStop, PipelineSessionEnd} {
		if e.Blockable() {
			t.Errorf("%s should be advisory", e)
		}
	}
}
