package automation

import (
	"context"
	"fmt"
	"time"
)

// FailureStrategy governs what the executor does when a step fails.
type FailureStrategy string

const (
	// CompensateAll fails the whole workflow and undoes every completed
	// step in LIFO order. The default.
	CompensateAll FailureStrategy = "compensate_all"
	// RetryThenCompensate retries the failed step (per its own backoff)
	// before falling back to CompensateAll.
	RetryThenCompensate FailureStrategy = "retry_then_compensate"
	// SkipAndContinue records the failure and proceeds to the next step.
	SkipAndContinue FailureStrategy = "skip_and_continue"
	// ManualIntervention halts the workflow in a failed state awaiting
	// an operator decision; no automatic compensation runs.
	ManualIntervention FailureStrategy = "manual_intervention"
)

// CompensationResult is the outcome of undoing one step's effects.
type CompensationResult struct {
	Succeeded     bool
	CompensatedAt int64
	Error         string
	Details       map[string]any
}

// CompensationSuccess builds a successful result.
func CompensationSuccess(details map[string]any) CompensationResult {
	return CompensationResult{Succeeded: true, CompensatedAt: nowUnix(), Details: details}
}

// CompensationFailure builds a failed result.
func CompensationFailure(err string) CompensationResult {
	return CompensationResult{Succeeded: false, CompensatedAt: nowUnix(), Error: err}
}

// CompensationAction undoes one step type's effects.
type CompensationAction interface {
	Compensate(ctx context.Context, step *Step, execCtx *ExecutionContext, originalOutput map[string]any) (CompensationResult, error)
	Description() string
}

// ExecutionContext accumulates a single workflow run's state as its
// steps execute: step results keyed by step id, in completion order, and
// a structured log shared by every step and the engine itself.
type ExecutionContext struct {
	WorkflowID  string
	ExecutionID string
	StartedAt   time.Time
	StepResults map[string]StepResult
	StepOrder   []string
	Logs        []LogLine
	Vars        map[string]float64
}

// NewExecutionContext starts a fresh context for one workflow run.
func NewExecutionContext(workflowID, executionID string) *ExecutionContext {
	return &ExecutionContext{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		StartedAt:   time.Now(),
		StepResults: make(map[string]StepResult),
		Vars:        make(map[string]float64),
	}
}

// Log appends a structured line to the execution's log.
func (c *ExecutionContext) Log(level, message string) {
	c.Logs = append(c.Logs, LogLine{Level: level, Message: message, Timestamp: nowUnix()})
}

// recordStep stores result under step.ID and tracks completion order for
// LIFO compensation.
func (c *ExecutionContext) recordStep(stepID string, result StepResult) {
	if _, exists := c.StepResults[stepID]; !exists {
		c.StepOrder = append(c.StepOrder, stepID)
	}
	c.StepResults[stepID] = result
}

// CommandSender dispatches a reverse command as part of SendCommand
// step compensation. Satisfied by a thin adapter over *commands.Manager
// by signature.
type CommandSender interface {
	Dispatch(ctx context.Context, deviceID, commandName string, params map[string]any, reason string) error
}

// AlertAcknowledger marks an alert acknowledged as part of SendAlert
// step compensation.
type AlertAcknowledger interface {
	Acknowledge(ctx context.Context, alertMessage string) error
}

// CompensationRegistry maps step type to the action that undoes it.
type CompensationRegistry struct {
	actions         map[StepType]CompensationAction
	defaultStrategy FailureStrategy
}

// NewCompensationRegistry builds a registry with the default action for
// every built-in step type, and CompensateAll as the default strategy.
func NewCompensationRegistry(commands CommandSender, alerts AlertAcknowledger) *CompensationRegistry {
	r := &CompensationRegistry{
		actions:         make(map[StepType]CompensationAction),
		defaultStrategy: CompensateAll,
	}

	r.Register(StepLog, logCompensation{})
	r.Register(StepDelay, noOpCompensation{reason: "delay step - no compensation needed"})
	r.Register(StepDeviceQuery, noOpCompensation{reason: "device query is read-only"})
	r.Register(StepSendAlert, sendAlertCompensation{alerts: alerts})
	r.Register(StepSendCommand, sendCommandCompensation{commands: commands})
	r.Register(StepWaitForDeviceState, noOpCompensation{reason: "wait operation - no compensation needed"})
	r.Register(StepHTTPRequest, httpRequestCompensation{})
	r.Register(StepExecuteWasm, wasmExecutionCompensation{})
	r.Register(StepDataQuery, noOpCompensation{reason: "data query is read-only"})
	r.Register(StepCondition, noOpCompensation{reason: "condition branch - children compensate individually"})
	r.Register(StepParallel, noOpCompensation{reason: "parallel fan-out - children compensate individually"})

	return r
}

// Register installs or replaces the action for a step type.
func (r *CompensationRegistry) Register(stepType StepType, action CompensationAction) {
	r.actions[stepType] = action
}

// Get returns the action registered for step.Type.
func (r *CompensationRegistry) Get(step *Step) (CompensationAction, bool) {
	a, ok := r.actions[step.Type]
	return a, ok
}

// DefaultStrategy returns the strategy applied when a workflow doesn't
// declare its own.
func (r *CompensationRegistry) DefaultStrategy() FailureStrategy {
	return r.defaultStrategy
}

// completedStep pairs a step with the result it produced, for handing
// to the compensation executor.
type completedStep struct {
	step   Step
	result StepResult
}

// CompensationExecutor undoes a workflow's completed steps in LIFO
// order using a CompensationRegistry.
type CompensationExecutor struct {
	registry *CompensationRegistry
}

// NewCompensationExecutor wires an executor to registry.
func NewCompensationExecutor(registry *CompensationRegistry) *CompensationExecutor {
	return &CompensationExecutor{registry: registry}
}

// Compensate undoes completed in reverse (LIFO) order, logging progress
// to execCtx and returning the updated step results (each now carrying
// its CompensationResult).
func (e *CompensationExecutor) Compensate(ctx context.Context, completed []completedStep, execCtx *ExecutionContext) ([]StepResult, error) {
	results := make([]StepResult, 0, len(completed))
	execCtx.Log("info", fmt.Sprintf("starting compensation for %d completed steps", len(completed)))

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i].step
		result := completed[i].result

		execCtx.Log("info", fmt.Sprintf("compensating step: %s (%s)", step.ID, step.Type))

		action, ok := e.registry.Get(&step)
		if !ok {
			return results, fmt.Errorf("no compensation action registered for step type %s", step.Type)
		}

		compResult, err := action.Compensate(ctx, &step, execCtx, result.Output)
		if err != nil {
			execCtx.Log("error", fmt.Sprintf("compensation for step %s failed: %v", step.ID, err))
			compResult = CompensationFailure(err.Error())
		} else {
			outcome := "succeeded"
			if !compResult.Succeeded {
				outcome = "failed"
			}
			execCtx.Log("info", fmt.Sprintf("compensation for step %s %s", step.ID, outcome))
		}

		result.Compensated = compResult.Succeeded
		result.CompensationResult = &compResult
		results = append(results, result)
	}

	execCtx.Log("info", fmt.Sprintf("compensation completed for %d steps", len(results)))
	return results, nil
}

// --- default compensation actions ---

type logCompensation struct{}

func (logCompensation) Description() string { return "log step - no compensation needed" }
func (logCompensation) Compensate(context.Context, *Step, *ExecutionContext, map[string]any) (CompensationResult, error) {
	return CompensationSuccess(nil), nil
}

type noOpCompensation struct{ reason string }

func (n noOpCompensation) Description() string { return n.reason }
func (n noOpCompensation) Compensate(context.Context, *Step, *ExecutionContext, map[string]any) (CompensationResult, error) {
	return CompensationSuccess(map[string]any{"reason": n.reason}), nil
}

type sendAlertCompensation struct{ alerts AlertAcknowledger }

func (sendAlertCompensation) Description() string { return "acknowledge the alert raised by this step" }
func (c sendAlertCompensation) Compensate(ctx context.Context, step *Step, _ *ExecutionContext, _ map[string]any) (CompensationResult, error) {
	if c.alerts == nil {
		return CompensationFailure("no alert acknowledger configured"), nil
	}
	if err := c.alerts.Acknowledge(ctx, step.AlertMessage); err != nil {
		return CompensationFailure(err.Error()), nil
	}
	return CompensationSuccess(map[string]any{"acknowledged": step.AlertMessage}), nil
}

type sendCommandCompensation struct{ commands CommandSender }

func (sendCommandCompensation) Description() string {
	return "send the step's declared reverse command"
}
func (c sendCommandCompensation) Compensate(ctx context.Context, step *Step, _ *ExecutionContext, _ map[string]any) (CompensationResult, error) {
	if step.ReverseCommand == "" {
		return CompensationFailure("no reverse command declared for step " + step.ID), nil
	}
	if c.commands == nil {
		return CompensationFailure("no command dispatcher configured"), nil
	}
	if err := c.commands.Dispatch(ctx, step.DeviceID, step.ReverseCommand, step.ReverseParameters, "compensation:"+step.ID); err != nil {
		return CompensationFailure(err.Error()), nil
	}
	return CompensationSuccess(map[string]any{"reverse_command": step.ReverseCommand}), nil
}

type httpRequestCompensation struct{}

func (httpRequestCompensation) Description() string {
	return "http requests cannot be undone; logs a compensation marker"
}
func (httpRequestCompensation) Compensate(_ context.Context, step *Step, execCtx *ExecutionContext, _ map[string]any) (CompensationResult, error) {
	execCtx.Log("warn", fmt.Sprintf("step %s issued an http request to %s that cannot be automatically undone", step.ID, step.URL))
	return CompensationSuccess(map[string]any{"marker": "http_request_not_reversible", "url": step.URL}), nil
}

type wasmExecutionCompensation struct{}

func (wasmExecutionCompensation) Description() string {
	return "wasm extension side effects cannot be undone; logs a compensation marker"
}
func (wasmExecutionCompensation) Compensate(_ context.Context, step *Step, execCtx *ExecutionContext, _ map[string]any) (CompensationResult, error) {
	execCtx.Log("warn", fmt.Sprintf("step %s ran extension %s which cannot be automatically undone", step.ID, step.ExtensionID))
	return CompensationSuccess(map[string]any{"marker": "wasm_execution_not_reversible", "extension_id": step.ExtensionID}), nil
}
