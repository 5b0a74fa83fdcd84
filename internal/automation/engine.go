package automation

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/eventbus"
	"github.com/edgecore-io/edgecore/internal/observability"
)

// AlertRaiser creates a new alert as part of a SendAlert step.
type AlertRaiser interface {
	Raise(ctx context.Context, severity, message string) error
}

// AlertManager is the combined interface the executor needs from the
// alert subsystem: raising an alert when a SendAlert step runs, and
// acknowledging it if the workflow later compensates.
type AlertManager interface {
	AlertRaiser
	AlertAcknowledger
}

// ExtensionInvoker runs a loaded extension's command as part of an
// ExecuteWasm step. Satisfied by the extension registry by signature.
type ExtensionInvoker interface {
	Invoke(ctx context.Context, extensionID string, input map[string]any) (map[string]any, error)
}

// DataQuerier runs a stored-data query as part of a DataQuery step.
// Satisfied by the time-series store by signature.
type DataQuerier interface {
	Query(ctx context.Context, query string) (map[string]any, error)
}

// Executor runs the steps of a single workflow against the live system:
// devices via the value provider and command dispatcher, alerts,
// extensions, HTTP endpoints, and stored data.
type Executor struct {
	resolver   ValueResolver
	commands   CommandSender
	alerts     AlertManager
	extensions ExtensionInvoker
	dataQuery  DataQuerier
	httpClient *http.Client
	logger     *observability.Logger
}

// NewExecutor wires an Executor to its dependencies. Any dependency may
// be nil; the corresponding step type then fails with edgeerr.Unavailable
// instead of panicking.
func NewExecutor(resolver ValueResolver, commands CommandSender, alerts AlertManager, extensions ExtensionInvoker, dataQuery DataQuerier, logger *observability.Logger) *Executor {
	return &Executor{
		resolver:   resolver,
		commands:   commands,
		alerts:     alerts,
		extensions: extensions,
		dataQuery:  dataQuery,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// ExecuteStep runs one step to completion or failure. Condition and
// Parallel recurse into their children, each of which is recorded in
// execCtx individually.
func (e *Executor) ExecuteStep(ctx context.Context, step *Step, execCtx *ExecutionContext) (StepResult, error) {
	started := nowUnix()
	output, err := e.run(ctx, step, execCtx)
	completed := nowUnix()

	result := StepResult{
		StepID:      step.ID,
		StartedAt:   started,
		CompletedAt: &completed,
		Output:      output,
	}
	if err != nil {
		result.Status = ExecutionFailed
		result.Error = err.Error()
	} else {
		result.Status = ExecutionCompleted
	}
	execCtx.recordStep(step.ID, result)
	return result, err
}

func (e *Executor) run(ctx context.Context, step *Step, execCtx *ExecutionContext) (map[string]any, error) {
	switch step.Type {
	case StepLog:
		execCtx.Log(orDefault(step.Level, "info"), step.Message)
		return nil, nil

	case StepDelay:
		select {
		case <-time.After(time.Duration(step.DelaySeconds) * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case StepDeviceQuery:
		if e.resolver == nil {
			return nil, edgeerr.New(edgeerr.Unavailable, "no value provider configured")
		}
		v, ok := e.resolver.Value(step.DeviceID, step.Metric)
		if !ok {
			return nil, edgeerr.Newf(edgeerr.NotFound, "no value cached for %s.%s", step.DeviceID, step.Metric)
		}
		return map[string]any{"value": v}, nil

	case StepSendCommand:
		if e.commands == nil {
			return nil, edgeerr.New(edgeerr.Unavailable, "no command dispatcher configured")
		}
		if err := e.commands.Dispatch(ctx, step.DeviceID, step.CommandName, step.Parameters, "workflow:"+execCtx.WorkflowID); err != nil {
			return nil, err
		}
		return map[string]any{"command": step.CommandName}, nil

	case StepSendAlert:
		if e.alerts == nil {
			return nil, edgeerr.New(edgeerr.Unavailable, "no alert manager configured")
		}
		if err := e.alerts.Raise(ctx, orDefault(step.AlertSeverity, "warning"), step.AlertMessage); err != nil {
			return nil, err
		}
		return map[string]any{"alert": step.AlertMessage}, nil

	case StepWaitForDeviceState:
		return e.waitForDeviceState(ctx, step)

	case StepHTTPRequest:
		return e.doHTTPRequest(ctx, step)

	case StepExecuteWasm:
		if e.extensions == nil {
			return nil, edgeerr.New(edgeerr.Unavailable, "no extension runtime configured")
		}
		return e.extensions.Invoke(ctx, step.ExtensionID, step.WasmInput)

	case StepDataQuery:
		if e.dataQuery == nil {
			return nil, edgeerr.New(edgeerr.Unavailable, "no data query backend configured")
		}
		return e.dataQuery.Query(ctx, step.Query)

	case StepCondition:
		return e.runCondition(ctx, step, execCtx)

	case StepParallel:
		return e.runParallel(ctx, step, execCtx)

	default:
		return nil, edgeerr.Newf(edgeerr.InvalidArgument, "unknown step type %s", step.Type)
	}
}

func (e *Executor) waitForDeviceState(ctx context.Context, step *Step) (map[string]any, error) {
	if e.resolver == nil {
		return nil, edgeerr.New(edgeerr.Unavailable, "no value provider configured")
	}
	timeout := time.Duration(step.WaitTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if v, ok := e.resolver.Value(step.DeviceID, step.Metric); ok && v == step.ExpectedValue {
			return map[string]any{"value": v}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, edgeerr.Newf(edgeerr.Timeout, "device %s.%s did not reach %v within %s", step.DeviceID, step.Metric, step.ExpectedValue, timeout)
		case <-ticker.C:
		}
	}
}

func (e *Executor) doHTTPRequest(ctx context.Context, step *Step) (map[string]any, error) {
	method := strings.ToUpper(step.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, step.URL, strings.NewReader(step.Body))
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.InvalidArgument, "build http request", err)
	}
	for k, v := range step.Headers {
		req.Header.Set(k, v)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Unavailable, "http request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, edgeerr.Newf(edgeerr.Unavailable, "http request returned status %d", resp.StatusCode)
	}
	return map[string]any{"status": resp.StatusCode}, nil
}

func (e *Executor) runCondition(ctx context.Context, step *Step, execCtx *ExecutionContext) (map[string]any, error) {
	if step.ConditionRef == nil {
		return nil, edgeerr.New(edgeerr.InvalidArgument, "condition step missing condition")
	}
	if e.resolver == nil {
		return nil, edgeerr.New(edgeerr.Unavailable, "no value provider configured")
	}
	v, ok := e.resolver.Value(step.ConditionRef.SourceID, step.ConditionRef.Metric)
	if !ok {
		return nil, edgeerr.Newf(edgeerr.NotFound, "condition input %s.%s unavailable", step.ConditionRef.SourceID, step.ConditionRef.Metric)
	}

	branch := step.ElseBranch
	taken := "else"
	if step.ConditionRef.Operator.Evaluate(v, step.ConditionRef.Threshold) {
		branch = step.ThenBranch
		taken = "then"
	}

	for i := range branch {
		if _, err := e.ExecuteStep(ctx, &branch[i], execCtx); err != nil {
			return map[string]any{"branch": taken}, err
		}
	}
	return map[string]any{"branch": taken}, nil
}

func (e *Executor) runParallel(ctx context.Context, step *Step, execCtx *ExecutionContext) (map[string]any, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for i := range step.Children {
		wg.Add(1)
		go func(child *Step) {
			defer wg.Done()
			if _, err := e.ExecuteStep(ctx, child, execCtx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(&step.Children[i])
	}
	wg.Wait()
	return map[string]any{"children": len(step.Children)}, firstErr
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// WorkflowStore persists workflows and their execution history.
// Satisfied by a storage.Backend-backed adapter; an in-memory
// implementation suffices for tests.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, w *Workflow) error
	LoadWorkflow(ctx context.Context, id string) (*Workflow, bool, error)
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	LoadExecution(ctx context.Context, id string) (*ExecutionRecord, bool, error)
	ExecutionsForWorkflow(ctx context.Context, workflowID string) ([]*ExecutionRecord, error)
	RecentExecutions(ctx context.Context, limit int) ([]*ExecutionRecord, error)
}

// WorkflowEngine registers workflows, runs them to completion (applying
// saga compensation on failure), and records execution history.
type WorkflowEngine struct {
	store      WorkflowStore
	executor   *Executor
	compReg    *CompensationRegistry
	bus        *eventbus.Bus
	logger     *observability.Logger

	mu      sync.RWMutex
	running map[string]context.CancelFunc
}

// NewWorkflowEngine wires a WorkflowEngine to its persistence layer,
// step executor, and compensation registry.
func NewWorkflowEngine(store WorkflowStore, executor *Executor, compReg *CompensationRegistry, bus *eventbus.Bus, logger *observability.Logger) *WorkflowEngine {
	return &WorkflowEngine{
		store:    store,
		executor: executor,
		compReg:  compReg,
		bus:      bus,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// RegisterWorkflow validates and persists w.
func (e *WorkflowEngine) RegisterWorkflow(ctx context.Context, w *Workflow) error {
	if err := w.Validate(); err != nil {
		return edgeerr.Wrap(edgeerr.InvalidArgument, "invalid workflow", err)
	}
	return e.store.SaveWorkflow(ctx, w)
}

// UnregisterWorkflow removes a workflow definition. In-flight executions
// are unaffected.
func (e *WorkflowEngine) UnregisterWorkflow(ctx context.Context, id string) error {
	return e.store.DeleteWorkflow(ctx, id)
}

// Workflow returns the workflow registered under id.
func (e *WorkflowEngine) Workflow(ctx context.Context, id string) (*Workflow, bool, error) {
	return e.store.LoadWorkflow(ctx, id)
}

// Workflows lists every registered workflow.
func (e *WorkflowEngine) Workflows(ctx context.Context) ([]*Workflow, error) {
	return e.store.ListWorkflows(ctx)
}

// Execute runs workflow id to completion (or until saga compensation
// resolves it), persisting an ExecutionRecord throughout.
func (e *WorkflowEngine) Execute(ctx context.Context, id string) (*ExecutionRecord, error) {
	workflow, ok, err := e.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, edgeerr.Newf(edgeerr.NotFound, "workflow %s not found", id)
	}
	if !workflow.Enabled {
		return nil, edgeerr.Newf(edgeerr.InvalidState, "workflow %s is disabled", id)
	}

	executionID := uuid.NewString()
	execCtx := NewExecutionContext(workflow.ID, executionID)

	record := &ExecutionRecord{
		ID:         executionID,
		WorkflowID: workflow.ID,
		Status:     ExecutionRunning,
		StartedAt:  nowUnix(),
	}
	if err := e.store.SaveExecution(ctx, record); err != nil {
		return nil, err
	}
	e.publish(ctx, eventbus.KindWorkflowTriggered, record)

	var completed []completedStep
	strategy := workflow.Strategy
	if strategy == "" {
		strategy = e.compReg.DefaultStrategy()
	}

	var stepErr error
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		stepCtx, cancel := context.WithTimeout(ctx, time.Duration(workflow.TimeoutSeconds)*time.Second)
		result, err := e.executor.ExecuteStep(stepCtx, step, execCtx)
		cancel()

		e.publish(ctx, eventbus.KindWorkflowStepDone, result)
		completed = append(completed, completedStep{step: *step, result: result})

		if err != nil {
			if strategy == SkipAndContinue {
				continue
			}
			stepErr = err
			break
		}
	}

	record.StepResults = execCtx.StepResults
	record.StepOrder = execCtx.StepOrder
	record.Logs = execCtx.Logs

	if stepErr == nil {
		record.Status = ExecutionCompleted
		completedAt := nowUnix()
		record.CompletedAt = &completedAt
		e.store.SaveExecution(ctx, record)
		e.publish(ctx, eventbus.KindWorkflowCompleted, record)
		return record, nil
	}

	record.Error = stepErr.Error()

	switch strategy {
	case ManualIntervention:
		record.Status = ExecutionFailed
		completedAt := nowUnix()
		record.CompletedAt = &completedAt
		e.store.SaveExecution(ctx, record)
		return record, stepErr

	case RetryThenCompensate, CompensateAll:
		record.Status = ExecutionCompensating
		e.store.SaveExecution(ctx, record)

		compResults, compErr := NewCompensationExecutor(e.compReg).Compensate(ctx, completed, execCtx)
		for _, cr := range compResults {
			record.StepResults[cr.StepID] = cr
		}
		record.Logs = execCtx.Logs

		anyFailed := compErr != nil
		for _, cr := range compResults {
			if cr.CompensationResult != nil && !cr.CompensationResult.Succeeded {
				anyFailed = true
			}
		}
		if anyFailed {
			record.Status = ExecutionFailed
		} else {
			record.Status = ExecutionCompensated
		}
		completedAt := nowUnix()
		record.CompletedAt = &completedAt
		e.store.SaveExecution(ctx, record)
		return record, stepErr

	default:
		record.Status = ExecutionFailed
		completedAt := nowUnix()
		record.CompletedAt = &completedAt
		e.store.SaveExecution(ctx, record)
		return record, stepErr
	}
}

// Execution returns a persisted execution record.
func (e *WorkflowEngine) Execution(ctx context.Context, id string) (*ExecutionRecord, bool, error) {
	return e.store.LoadExecution(ctx, id)
}

// WorkflowExecutions returns the execution history for one workflow.
func (e *WorkflowEngine) WorkflowExecutions(ctx context.Context, workflowID string) ([]*ExecutionRecord, error) {
	return e.store.ExecutionsForWorkflow(ctx, workflowID)
}

// RecentExecutions returns the most recent executions across every
// workflow, newest first, bounded by limit.
func (e *WorkflowEngine) RecentExecutions(ctx context.Context, limit int) ([]*ExecutionRecord, error) {
	return e.store.RecentExecutions(ctx, limit)
}

func (e *WorkflowEngine) publish(ctx context.Context, kind eventbus.Kind, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, eventbus.Event{Kind: kind, Payload: payload})
}
