package commands

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/storage"
)

const commandsTable = "commands"

// StateStore persists Requests on a storage.Backend and keeps an
// in-memory LRU of recently touched commands so the get/update_status
// hot path doesn't round-trip through the backend on every call. A
// second layer of in-memory indices (by status, by device, by source
// kind) makes the list_by_* queries direct lookups instead of full
// table scans.
type StateStore struct {
	backend storage.Backend
	cache   *requestCache

	mu        sync.RWMutex
	byStatus  map[Status]map[string]struct{}
	byDevice  map[string]map[string]struct{}
	bySource  map[SourceKind]map[string]struct{}
}

// NewStateStore wraps backend with an LRU of the given capacity.
func NewStateStore(backend storage.Backend, cacheCapacity int) *StateStore {
	return &StateStore{
		backend:  backend,
		cache:    newRequestCache(cacheCapacity),
		byStatus: make(map[Status]map[string]struct{}),
		byDevice: make(map[string]map[string]struct{}),
		bySource: make(map[SourceKind]map[string]struct{}),
	}
}

func (s *StateStore) indexAdd(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexRemoveLocked(req.ID)

	if s.byStatus[req.Status] == nil {
		s.byStatus[req.Status] = make(map[string]struct{})
	}
	s.byStatus[req.Status][req.ID] = struct{}{}

	if s.byDevice[req.DeviceID] == nil {
		s.byDevice[req.DeviceID] = make(map[string]struct{})
	}
	s.byDevice[req.DeviceID][req.ID] = struct{}{}

	if s.bySource[req.Source.Kind] == nil {
		s.bySource[req.Source.Kind] = make(map[string]struct{})
	}
	s.bySource[req.Source.Kind][req.ID] = struct{}{}
}

// indexRemoveLocked drops id from every index bucket. Callers hold s.mu.
func (s *StateStore) indexRemoveLocked(id string) {
	for _, set := range s.byStatus {
		delete(set, id)
	}
	for _, set := range s.byDevice {
		delete(set, id)
	}
	for _, set := range s.bySource {
		delete(set, id)
	}
}

func (s *StateStore) indexRemove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexRemoveLocked(id)
}

// Store persists req (insert or full overwrite) and refreshes its
// cache entry and indices.
func (s *StateStore) Store(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return edgeerr.Wrap(edgeerr.Io, "marshal command request", err)
	}
	if err := s.backend.Set(ctx, commandsTable, req.ID, data); err != nil {
		return err
	}
	s.cache.put(req.clone())
	s.indexAdd(req)
	return nil
}

// Get returns the command with the given id, preferring the cache.
func (s *StateStore) Get(ctx context.Context, id string) (*Request, error) {
	if req, ok := s.cache.get(id); ok {
		return req.clone(), nil
	}

	data, err := s.backend.Get(ctx, commandsTable, id)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, edgeerr.Wrap(edgeerr.Integrity, "unmarshal command request", err)
	}
	s.cache.put(req.clone())
	return &req, nil
}

// UpdateStatus transitions id to status, persisting the change.
func (s *StateStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	req.Status = status
	if status.Terminal() {
		now := time.Now()
		req.CompletedAt = &now
	}
	return s.Store(ctx, req)
}

// SetResult records result and moves the command to Completed (on
// success) or Failed (on failure).
func (s *StateStore) SetResult(ctx context.Context, id string, result Result) error {
	req, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	req.Result = &result
	if result.Success {
		req.Status = StatusCompleted
	} else {
		req.Status = StatusFailed
	}
	now := time.Now()
	req.CompletedAt = &now
	return s.Store(ctx, req)
}

// IncrementAttempt bumps id's attempt counter and returns the new
// value.
func (s *StateStore) IncrementAttempt(ctx context.Context, id string) (int, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	req.Attempts++
	if err := s.Store(ctx, req); err != nil {
		return 0, err
	}
	return req.Attempts, nil
}

// Delete removes id. It returns false (not an error) if id was already
// absent.
func (s *StateStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.backend.Get(ctx, commandsTable, id); err != nil {
		if edgeerr.Is(err, edgeerr.NotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.backend.Delete(ctx, commandsTable, id); err != nil {
		return false, err
	}
	s.cache.remove(id)
	s.indexRemove(id)
	return true, nil
}

func (s *StateStore) idsForStatus(status Status) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byStatus[status]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (s *StateStore) getMany(ctx context.Context, ids []string) []*Request {
	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out
}

// ListByStatus returns every command currently in status.
func (s *StateStore) ListByStatus(ctx context.Context, status Status) []*Request {
	return s.getMany(ctx, s.idsForStatus(status))
}

// ListByDevice returns every command ever submitted for deviceID.
func (s *StateStore) ListByDevice(ctx context.Context, deviceID string) []*Request {
	s.mu.RLock()
	set := s.byDevice[deviceID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	return s.getMany(ctx, ids)
}

// ListBySource returns every command whose Source.Kind matches kind.
func (s *StateStore) ListBySource(ctx context.Context, kind SourceKind) []*Request {
	s.mu.RLock()
	set := s.bySource[kind]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	return s.getMany(ctx, ids)
}

// GetRetryableCommands returns every Failed/Timeout command still under
// its MaxAttempts ceiling.
func (s *StateStore) GetRetryableCommands(ctx context.Context) []*Request {
	var out []*Request
	for _, req := range s.ListByStatus(ctx, StatusFailed) {
		if req.Retryable() {
			out = append(out, req)
		}
	}
	for _, req := range s.ListByStatus(ctx, StatusTimeout) {
		if req.Retryable() {
			out = append(out, req)
		}
	}
	return out
}

// cleanupBuffer is added on top of the caller's window so a command
// that completes right at the window boundary survives one extra
// sweep, matching the original implementation's 60s grace period.
const cleanupBuffer = 60 * time.Second

// CleanupOldCompleted deletes every terminal command whose CompletedAt
// is older than olderThanSecs (plus the fixed grace buffer), returning
// the count removed.
func (s *StateStore) CleanupOldCompleted(ctx context.Context, olderThanSecs int64) int {
	cutoff := time.Now().Add(-time.Duration(olderThanSecs)*time.Second - cleanupBuffer)

	var candidates []*Request
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled} {
		candidates = append(candidates, s.ListByStatus(ctx, status)...)
	}

	removed := 0
	for _, req := range candidates {
		if req.CompletedAt == nil || req.CompletedAt.After(cutoff) {
			continue
		}
		if ok, err := s.Delete(ctx, req.ID); err == nil && ok {
			removed++
		}
	}
	return removed
}

// Len returns the total number of commands currently stored.
func (s *StateStore) Len(ctx context.Context) int {
	entries, err := s.backend.Scan(ctx, commandsTable, "")
	if err != nil {
		return 0
	}
	return len(entries)
}
