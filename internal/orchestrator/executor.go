package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"
)

// PreparedCall is a tool_use block that survived PreToolUse gating (spec
// §4.1.1's "prepared list").
type PreparedCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ExecResult is one PreparedCall's outcome, timed for metrics (spec
// §4.1.1: "each tool call is timed and recorded in metrics").
type ExecResult struct {
	Call     PreparedCall
	Output   ToolOutput
	Err      error
	Duration time.Duration
}

// ExecutorConfig bounds the parallel tool executor's concurrency and
// per-call timeout.
//
// Grounded on the teacher's agent.ExecutorConfig, trimmed to this
// package's narrower retry-free contract: spec §4.1.1 describes running
// the prepared list in parallel and collecting results, with retryability
// surfacing only at the early-stop-rule level (§4.1.1), not as an
// executor-internal retry loop.
type ExecutorConfig struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the teacher's defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxConcurrency: 5, DefaultTimeout: 30 * time.Second}
}

// Executor runs prepared tool calls in parallel with a concurrency
// semaphore, collecting results in input order (spec §4.1.1: "results are
// appended in prepared-list order").
type Executor struct {
	registry *ToolRegistry
	config   ExecutorConfig
	sem      chan struct{}
}

// NewExecutor builds an Executor over registry.
func NewExecutor(registry *ToolRegistry, config ExecutorConfig) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecuteAll runs every prepared call concurrently and returns results in
// the same order as calls.
func (e *Executor) ExecuteAll(ctx context.Context, calls []PreparedCall) []ExecResult {
	results := make([]ExecResult, len(calls))
	done := make(chan struct{}, len(calls))
	for i, call := range calls {
		go func(idx int, c PreparedCall) {
			results[idx] = e.execute(ctx, c)
			done <- struct{}{}
		}(i, call)
	}
	for range calls {
		<-done
	}
	return results
}

func (e *Executor) execute(ctx context.Context, call PreparedCall) ExecResult {
	start := time.Now()
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return ExecResult{Call: call, Err: ctx.Err(), Duration: time.Since(start)}
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ExecResult{
			Call: call,
			Output: ToolOutput{Err: &ToolError{
				Kind:    ToolErrNotFound,
				Message: fmt.Sprintf("unknown tool %q", call.Name),
			}},
			Duration: time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	type outcome struct {
		output ToolOutput
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())}
			}
		}()
		out, err := tool.Execute(execCtx, call.Input)
		resultCh <- outcome{output: out, err: err}
	}()

	select {
	case res := <-resultCh:
		return ExecResult{Call: call, Output: res.output, Err: res.err, Duration: time.Since(start)}
	case <-execCtx.Done():
		err := execCtx.Err()
		if ctx.Err() == nil {
			err = fmt.Errorf("tool %s timed out after %s", call.Name, e.config.DefaultTimeout)
		}
		return ExecResult{
			Call: call,
			Output: ToolOutput{Err: &ToolError{
				Kind:      ToolErrTimeout,
				Message:   err.Error(),
				Retryable: true,
			}},
			Duration: time.Since(start),
		}
	}
}
