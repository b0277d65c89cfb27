// Command nexus is a minimal smoke entry point for the agent orchestration
// core: it wires a Session, an AnthropicProvider, a permission Policy, a
// Budget tracker, and the orchestrator Loop together and runs one prompt to
// completion, printing the result and its metrics.
//
// Usage:
//
//	ANTHROPIC_API_KEY=... nexus -prompt "what is 2+2?"
//
// A full CLI surface (serve, migrate, channel gateways, and the rest of the
// teacher's subcommand tree) is out of scope: the spec's non-goals exclude
// any prescribed UI, and this binary exists only to give the orchestration
// core a runnable caller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/nexus/internal/budget"
	"github.com/haasonsaas/nexus/internal/core/session"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/permission"
	"github.com/haasonsaas/nexus/internal/usage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	prompt := flag.String("prompt", "", "user prompt to run through the agent loop")
	model := flag.String("model", "claude-sonnet-4-20250514", "model id")
	maxTokens := flag.Int("max-tokens", 4096, "max tokens per model call")
	maxCostUsd := flag.Float64("max-cost-usd", 1.00, "per-run budget ceiling in USD")
	systemPrompt := flag.String("system", "You are a helpful assistant.", "system prompt")
	flag.Parse()

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "usage: nexus -prompt \"...\"")
		os.Exit(2)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		slog.Error("ANTHROPIC_API_KEY is not set")
		os.Exit(1)
	}

	provider, err := orchestrator.NewAnthropicProvider(orchestrator.AnthropicConfig{
		APIKey:       apiKey,
		DefaultModel: *model,
		MaxTokens:    *maxTokens,
	})
	if err != nil {
		slog.Error("failed to build provider", "error", err)
		os.Exit(1)
	}

	policy := &permission.Policy{Mode: permission.ModeDefault}
	if err := policy.Compile(); err != nil {
		slog.Error("failed to compile permission policy", "error", err)
		os.Exit(1)
	}

	loop := orchestrator.NewLoop()
	loop.Provider = provider
	loop.Tools = orchestrator.NewToolRegistry()
	loop.Executor = orchestrator.NewExecutor(loop.Tools, orchestrator.DefaultExecutorConfig())
	loop.Permission = policy
	loop.Budget = budget.New(*maxCostUsd, budget.OnExceed{Mode: budget.OnExceedStop})
	loop.Model = *model
	loop.SystemPrompt = *systemPrompt
	loop.MaxTokens = *maxTokens

	s := session.New("", session.MainSession)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	result, err := loop.Execute(ctx, s, *prompt)
	if err != nil {
		slog.Error("agent run failed", "error", err)
		os.Exit(1)
	}

	fmt.Println(result.Text)
	fmt.Fprintf(os.Stderr, "\n--- %d iteration(s), %d tool call(s), %s tokens, %s, %s ---\n",
		result.Iterations,
		len(result.ToolCalls),
		usage.FormatTokenCount(result.Usage.InputTokens+result.Usage.OutputTokens),
		usage.FormatDurationMs(time.Since(start).Milliseconds()),
		usage.FormatPercentage(100*float64(result.Usage.InputTokens+result.Usage.OutputTokens)/float64(*maxTokens)),
	)
}
