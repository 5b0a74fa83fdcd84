package automation

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/storage"
)

const (
	workflowsTable  = "automation_workflows"
	executionsTable = "automation_executions"
)

// BackendWorkflowStore persists workflows and execution records on a
// storage.Backend, the same unified key/value substrate the command
// manager's StateStore and the device registry use.
type BackendWorkflowStore struct {
	backend storage.Backend
}

// NewBackendWorkflowStore wraps backend as a WorkflowStore.
func NewBackendWorkflowStore(backend storage.Backend) *BackendWorkflowStore {
	return &BackendWorkflowStore{backend: backend}
}

func (s *BackendWorkflowStore) SaveWorkflow(ctx context.Context, w *Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return edgeerr.Wrap(edgeerr.Io, "marshal workflow", err)
	}
	return s.backend.Set(ctx, workflowsTable, w.ID, data)
}

func (s *BackendWorkflowStore) LoadWorkflow(ctx context.Context, id string) (*Workflow, bool, error) {
	data, err := s.backend.Get(ctx, workflowsTable, id)
	if edgeerr.Is(err, edgeerr.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false, edgeerr.Wrap(edgeerr.Io, "unmarshal workflow", err)
	}
	return &w, true, nil
}

func (s *BackendWorkflowStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, workflowsTable, id)
}

func (s *BackendWorkflowStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	kvs, err := s.backend.Scan(ctx, workflowsTable, "")
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(kvs))
	for _, kv := range kvs {
		var w Workflow
		if err := json.Unmarshal(kv.Value, &w); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Io, "unmarshal workflow", err)
		}
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BackendWorkflowStore) SaveExecution(ctx context.Context, rec *ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return edgeerr.Wrap(edgeerr.Io, "marshal execution record", err)
	}
	return s.backend.Set(ctx, executionsTable, rec.ID, data)
}

func (s *BackendWorkflowStore) LoadExecution(ctx context.Context, id string) (*ExecutionRecord, bool, error) {
	data, err := s.backend.Get(ctx, executionsTable, id)
	if edgeerr.Is(err, edgeerr.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, edgeerr.Wrap(edgeerr.Io, "unmarshal execution record", err)
	}
	return &rec, true, nil
}

func (s *BackendWorkflowStore) allExecutions(ctx context.Context) ([]*ExecutionRecord, error) {
	kvs, err := s.backend.Scan(ctx, executionsTable, "")
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec ExecutionRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Io, "unmarshal execution record", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *BackendWorkflowStore) ExecutionsForWorkflow(ctx context.Context, workflowID string) ([]*ExecutionRecord, error) {
	all, err := s.allExecutions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionRecord, 0)
	for _, rec := range all {
		if rec.WorkflowID == workflowID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })
	return out, nil
}

func (s *BackendWorkflowStore) RecentExecutions(ctx context.Context, limit int) ([]*ExecutionRecord, error) {
	all, err := s.allExecutions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt > all[j].StartedAt })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
