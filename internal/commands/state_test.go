package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/storage"
)

func newTestStore() *StateStore {
	return NewStateStore(storage.NewMemoryBackend(), 100)
}

func makeRequest(deviceID, commandName string) *Request {
	return NewRequest(deviceID, commandName, nil, Source{Kind: SourceSystem, Reason: "test"})
}

func TestStateStore_EmptyInitially(t *testing.T) {
	store := newTestStore()
	assert.Equal(t, 0, store.Len(context.Background()))
}

func TestStateStore_StoreAndGet(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	req := makeRequest("device1", "turn_on")

	require.NoError(t, store.Store(ctx, req))
	assert.Equal(t, 1, store.Len(ctx))

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "device1", got.DeviceID)
	assert.Equal(t, "turn_on", got.CommandName)
}

func TestStateStore_GetNotFound(t *testing.T) {
	store := newTestStore()
	_, err := store.Get(context.Background(), "nonexistent")
	assert.True(t, edgeerr.Is(err, edgeerr.NotFound))
}

func TestStateStore_UpdateStatusTransitions(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	req := makeRequest("device1", "turn_on")
	require.NoError(t, store.Store(ctx, req))

	for _, status := range []Status{StatusQueued, StatusSending, StatusCompleted} {
		require.NoError(t, store.UpdateStatus(ctx, req.ID, status))
		got, err := store.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

func TestStateStore_SetResult(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	req := makeRequest("device1", "turn_on")
	require.NoError(t, store.Store(ctx, req))

	require.NoError(t, store.SetResult(ctx, req.ID, Result{Success: true, Message: "done"}))
	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Success)

	require.NoError(t, store.UpdateStatus(ctx, req.ID, StatusQueued))
	require.NoError(t, store.SetResult(ctx, req.ID, Result{Success: false, Message: "timeout"}))
	got, err = store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.False(t, got.Result.Success)
}

func TestStateStore_IncrementAttempt(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	req := makeRequest("device1", "turn_on")
	require.NoError(t, store.Store(ctx, req))

	n, err := store.IncrementAttempt(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.IncrementAttempt(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStateStore_Delete(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	req := makeRequest("device1", "turn_on")
	require.NoError(t, store.Store(ctx, req))

	deleted, err := store.Delete(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, store.Len(ctx))

	deletedAgain, err := store.Delete(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, deletedAgain)
}

func TestStateStore_ListByStatus(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	cmd1 := makeRequest("device1", "cmd1")
	cmd2 := makeRequest("device2", "cmd2")
	cmd3 := makeRequest("device3", "cmd3")
	require.NoError(t, store.Store(ctx, cmd1))
	require.NoError(t, store.Store(ctx, cmd2))
	require.NoError(t, store.Store(ctx, cmd3))

	require.NoError(t, store.UpdateStatus(ctx, cmd1.ID, StatusCompleted))
	require.NoError(t, store.UpdateStatus(ctx, cmd3.ID, StatusCompleted))

	assert.Len(t, store.ListByStatus(ctx, StatusCompleted), 2)
	assert.Len(t, store.ListByStatus(ctx, StatusPending), 1)
	assert.Len(t, store.ListByStatus(ctx, StatusFailed), 0)
}

func TestStateStore_ListByDevice(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, makeRequest("device1", "cmd1")))
	require.NoError(t, store.Store(ctx, makeRequest("device1", "cmd2")))
	require.NoError(t, store.Store(ctx, makeRequest("device2", "cmd3")))

	assert.Len(t, store.ListByDevice(ctx, "device1"), 2)
	assert.Len(t, store.ListByDevice(ctx, "device2"), 1)
}

func TestStateStore_ListBySource(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	userReq := NewRequest("device1", "cmd1", nil, Source{Kind: SourceUser, Who: "alice"})
	systemReq := NewRequest("device2", "cmd2", nil, Source{Kind: SourceSystem, Reason: "boot"})
	require.NoError(t, store.Store(ctx, userReq))
	require.NoError(t, store.Store(ctx, systemReq))

	assert.Len(t, store.ListBySource(ctx, SourceUser), 1)
	assert.Len(t, store.ListBySource(ctx, SourceSystem), 1)
	assert.Len(t, store.ListBySource(ctx, SourceRule), 0)
}

func TestStateStore_GetRetryableCommands(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	cmd1 := makeRequest("device1", "cmd1")
	cmd2 := makeRequest("device2", "cmd2")
	cmd3 := makeRequest("device3", "cmd3")
	require.NoError(t, store.Store(ctx, cmd1))
	require.NoError(t, store.Store(ctx, cmd2))
	require.NoError(t, store.Store(ctx, cmd3))

	require.NoError(t, store.UpdateStatus(ctx, cmd1.ID, StatusFailed))
	require.NoError(t, store.UpdateStatus(ctx, cmd2.ID, StatusCompleted))
	// cmd3 stays Pending: retryable requires Failed or Timeout.

	retryable := store.GetRetryableCommands(ctx)
	require.Len(t, retryable, 1)
	assert.Equal(t, cmd1.ID, retryable[0].ID)
}

func TestStateStore_GetRetryableCommands_ExcludesExhaustedAttempts(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	cmd := makeRequest("device1", "cmd1")
	cmd.MaxAttempts = 1
	cmd.Attempts = 1
	require.NoError(t, store.Store(ctx, cmd))
	require.NoError(t, store.UpdateStatus(ctx, cmd.ID, StatusFailed))

	assert.Empty(t, store.GetRetryableCommands(ctx))
}

func TestStateStore_CleanupOldCompleted(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()

	old := makeRequest("device1", "cmd1")
	require.NoError(t, store.Store(ctx, old))
	require.NoError(t, store.SetResult(ctx, old.ID, Result{Success: true}))

	// Force CompletedAt far enough into the past to clear the fixed
	// 60s grace buffer plus the caller's window.
	stale, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	past := time.Now().Add(-2 * time.Hour)
	stale.CompletedAt = &past
	require.NoError(t, store.Store(ctx, stale))

	recent := makeRequest("device2", "cmd2")
	require.NoError(t, store.Store(ctx, recent))

	assert.Equal(t, 2, store.Len(ctx))

	removed := store.CleanupOldCompleted(ctx, 2)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len(ctx))

	_, err = store.Get(ctx, old.ID)
	assert.True(t, edgeerr.Is(err, edgeerr.NotFound))

	_, err = store.Get(ctx, recent.ID)
	assert.NoError(t, err)
}
