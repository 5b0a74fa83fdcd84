package extensions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/observability"
)

// loadedExtension is one extension's live state: the loaded instance
// plus everything the registry tracks about it.
type loadedExtension struct {
	ext        Extension
	record     Record
	state      State
	startCount int
	stopCount  int
	lastError  string
}

// Registry is the single home for every loaded extension regardless of
// Kind, enforcing the Loaded -> Initialized -> Running -> Stopped ->
// (Loaded | Error) state machine spec §4.15/§6 describes. It satisfies
// automation.ExtensionInvoker by signature so it can be wired directly
// into an automation.Executor.
type Registry struct {
	mu      sync.RWMutex
	loaders map[Kind]Loader
	loaded  map[string]*loadedExtension
	store   *Store
	logger  *observability.Logger
}

// NewRegistry builds a registry with the given loaders keyed by Kind
// (any subset of native/rpc/wasm; missing kinds fail Load with
// edgeerr.InvalidArgument rather than panicking) and optional
// persistence.
func NewRegistry(loaders map[Kind]Loader, store *Store, logger *observability.Logger) *Registry {
	return &Registry{
		loaders: loaders,
		loaded:  make(map[string]*loadedExtension),
		store:   store,
		logger:  logger,
	}
}

// Load loads rec's extension file via the loader matching rec.ExtensionType,
// registers it in state Loaded, and persists rec if a Store is configured.
func (r *Registry) Load(ctx context.Context, rec Record) error {
	loader, ok := r.loaders[rec.ExtensionType]
	if !ok {
		return edgeerr.Newf(edgeerr.InvalidArgument, "no loader registered for extension type %q", rec.ExtensionType)
	}

	ext, err := loader.Load(ctx, rec.FilePath, rec.Config)
	if err != nil {
		return err
	}

	meta := ext.Metadata()
	if rec.ID == "" {
		rec.ID = meta.ID
	}
	if rec.Name == "" {
		rec.Name = meta.Name
	}
	if rec.Version == "" {
		rec.Version = meta.Version
	}

	r.mu.Lock()
	r.loaded[rec.ID] = &loadedExtension{ext: ext, record: rec, state: StateLoaded}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Initialise moves id from Loaded to Initialized.
func (r *Registry) Initialise(ctx context.Context, id string, config map[string]any) error {
	entry, err := r.require(id)
	if err != nil {
		return err
	}
	if entry.state != StateLoaded {
		return edgeerr.Newf(edgeerr.InvalidState, "extension %s: initialise requires state loaded, got %s", id, entry.state)
	}
	if err := entry.ext.Initialise(ctx, config); err != nil {
		r.markError(entry, err)
		return err
	}
	r.transition(entry, StateInitialized)
	return nil
}

// Start moves id from Initialized to Running.
func (r *Registry) Start(ctx context.Context, id string) error {
	entry, err := r.require(id)
	if err != nil {
		return err
	}
	if entry.state != StateInitialized && entry.state != StateStopped {
		return edgeerr.Newf(edgeerr.InvalidState, "extension %s: start requires state initialized or stopped, got %s", id, entry.state)
	}
	if err := entry.ext.Start(ctx); err != nil {
		r.markError(entry, err)
		return err
	}
	r.mu.Lock()
	entry.startCount++
	r.mu.Unlock()
	r.transition(entry, StateRunning)
	return nil
}

// Stop moves id from Running to Stopped.
func (r *Registry) Stop(ctx context.Context, id string) error {
	entry, err := r.require(id)
	if err != nil {
		return err
	}
	if entry.state != StateRunning {
		return edgeerr.Newf(edgeerr.InvalidState, "extension %s: stop requires state running, got %s", id, entry.state)
	}
	if err := entry.ext.Stop(ctx); err != nil {
		r.markError(entry, err)
		return err
	}
	r.mu.Lock()
	entry.stopCount++
	r.mu.Unlock()
	r.transition(entry, StateStopped)
	return nil
}

// Shutdown always attempts to run, even if a health check would fail,
// and returns id to Loaded on success.
func (r *Registry) Shutdown(ctx context.Context, id string) error {
	entry, err := r.require(id)
	if err != nil {
		return err
	}
	err = entry.ext.Shutdown(ctx)
	if err != nil {
		r.markError(entry, err)
		return err
	}
	r.transition(entry, StateLoaded)
	return nil
}

// HealthCheck reports whether a Running extension is healthy, without
// changing its recorded state on failure (shutdown is the only
// transition health checks can trigger, and only if the caller chooses
// to call Shutdown in response).
func (r *Registry) HealthCheck(ctx context.Context, id string) error {
	entry, err := r.require(id)
	if err != nil {
		return err
	}
	return entry.ext.HealthCheck(ctx)
}

// Invoke runs extensionID's handle_command capability, satisfying
// automation.ExtensionInvoker so the registry can be wired directly
// into an automation.Executor's ExecuteWasm step.
func (r *Registry) Invoke(ctx context.Context, extensionID string, input map[string]any) (map[string]any, error) {
	entry, err := r.require(extensionID)
	if err != nil {
		return nil, err
	}
	if entry.state != StateRunning {
		return nil, edgeerr.Newf(edgeerr.InvalidState, "extension %s: handle_command requires state running, got %s", extensionID, entry.state)
	}

	name, _ := input["command"].(string)
	args, _ := input["args"].(map[string]any)
	result, err := entry.ext.HandleCommand(ctx, name, args)
	if err != nil {
		r.markError(entry, err)
		return nil, err
	}
	return result, nil
}

// AutoStart reloads every persisted record with AutoStart set, in
// Record order, logging (not aborting on) individual failures — spec
// requires boot to continue even if some auto_start extensions can't
// come back up.
func (r *Registry) AutoStart(ctx context.Context) {
	if r.store == nil {
		return
	}
	records, err := r.store.List(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "failed to list persisted extensions for auto-start", "error", err)
		}
		return
	}

	for _, rec := range records {
		if !rec.AutoStart || !rec.Enabled {
			continue
		}
		if err := r.bootOne(ctx, rec); err != nil {
			if r.logger != nil {
				r.logger.Error(ctx, "auto-start failed for extension", "extension_id", rec.ID, "error", err)
			}
			continue
		}
	}
}

func (r *Registry) bootOne(ctx context.Context, rec Record) error {
	if err := r.Load(ctx, rec); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := r.Initialise(ctx, rec.ID, rec.Config); err != nil {
		return fmt.Errorf("initialise: %w", err)
	}
	if err := r.Start(ctx, rec.ID); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// Status reports id's current state, counters, and last error.
func (r *Registry) Status(id string) (Status, error) {
	entry, err := r.require(id)
	if err != nil {
		return Status{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Record:     entry.record,
		State:      entry.state,
		StartCount: entry.startCount,
		StopCount:  entry.stopCount,
		LastError:  entry.lastError,
	}, nil
}

// List reports every loaded extension's status, sorted by id.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.loaded))
	for _, entry := range r.loaded {
		out = append(out, Status{
			Record:     entry.record,
			State:      entry.state,
			StartCount: entry.startCount,
			StopCount:  entry.stopCount,
			LastError:  entry.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out
}

func (r *Registry) require(id string) (*loadedExtension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.loaded[id]
	if !ok {
		return nil, edgeerr.Newf(edgeerr.NotFound, "extension %q is not loaded", id)
	}
	return entry, nil
}

func (r *Registry) transition(entry *loadedExtension, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.state = next
}

func (r *Registry) markError(entry *loadedExtension, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.state = StateError
	entry.lastError = err.Error()
}
