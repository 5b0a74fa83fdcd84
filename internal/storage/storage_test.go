package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// backendFactories is run against every Backend implementation so the
// contract tests below exercise both the in-memory double and the
// durable sqlite backend identically.
func backendFactories(t *testing.T) map[string]func() Backend {
	t.Helper()
	return map[string]func() Backend{
		"memory": func() Backend {
			return NewMemoryBackend()
		},
		"sqlite": func() Backend {
			b, err := NewSQLiteBackend(SQLiteConfig{})
			require.NoError(t, err)
			return b
		},
	}
}

func TestBackend_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			defer b.Close()

			_, err := b.Get(ctx, "devices", "missing")
			require.Error(t, err)
			assert.Equal(t, edgeerr.NotFound, edgeerr.CodeOf(err))

			require.NoError(t, b.Set(ctx, "devices", "sensor-1", []byte("online")))

			v, err := b.Get(ctx, "devices", "sensor-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("online"), v)

			require.NoError(t, b.Set(ctx, "devices", "sensor-1", []byte("offline")))
			v, err = b.Get(ctx, "devices", "sensor-1")
			require.NoError(t, err)
			assert.Equal(t, []byte("offline"), v)

			require.NoError(t, b.Delete(ctx, "devices", "sensor-1"))
			_, err = b.Get(ctx, "devices", "sensor-1")
			assert.Error(t, err)
		})
	}
}

func TestBackend_DeleteMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			defer b.Close()
			assert.NoError(t, b.Delete(ctx, "devices", "nonexistent"))
		})
	}
}

func TestBackend_ScanReturnsOnlyMatchingPrefixWithTableStripped(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			defer b.Close()

			require.NoError(t, b.Set(ctx, "commands", "dev-1/cmd-1", []byte("a")))
			require.NoError(t, b.Set(ctx, "commands", "dev-1/cmd-2", []byte("b")))
			require.NoError(t, b.Set(ctx, "commands", "dev-2/cmd-1", []byte("c")))
			require.NoError(t, b.Set(ctx, "devices", "dev-1", []byte("d")))

			results, err := b.Scan(ctx, "commands", "dev-1/")
			require.NoError(t, err)
			require.Len(t, results, 2)

			keys := map[string][]byte{}
			for _, kv := range results {
				keys[kv.Key] = kv.Value
			}
			assert.Equal(t, []byte("a"), keys["dev-1/cmd-1"])
			assert.Equal(t, []byte("b"), keys["dev-1/cmd-2"])
		})
	}
}

func TestBackend_ScanEscapesLikeWildcards(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			defer b.Close()

			require.NoError(t, b.Set(ctx, "devices", "100%_sensor", []byte("x")))
			require.NoError(t, b.Set(ctx, "devices", "100Xsensor", []byte("y")))

			results, err := b.Scan(ctx, "devices", "100%_")
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "100%_sensor", results[0].Key)
		})
	}
}

func TestBackend_WriteBatchIsAtomicAcrossKeys(t *testing.T) {
	ctx := context.Background()
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			b := factory()
			defer b.Close()

			items := []KV{
				{Key: "a", Value: []byte("1")},
				{Key: "b", Value: []byte("2")},
				{Key: "c", Value: []byte("3")},
			}
			require.NoError(t, b.WriteBatch(ctx, "telemetry", items))

			for _, item := range items {
				v, err := b.Get(ctx, "telemetry", item.Key)
				require.NoError(t, err)
				assert.Equal(t, item.Value, v)
			}
		})
	}
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()

	b, err := NewSQLiteBackend(SQLiteConfig{})
	require.NoError(t, err)
	path := b.path

	require.NoError(t, b.Set(ctx, "devices", "sensor-1", []byte("online")))
	require.NoError(t, b.Close())

	reopened, err := NewSQLiteBackend(SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get(ctx, "devices", "sensor-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("online"), v)
}

func TestLRUCache_EvictsOldestBeyondCapacity(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	c.put("c", []byte("3")) // evicts "a"

	_, ok := c.get("a")
	assert.False(t, ok)

	v, ok := c.get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)

	v, ok = c.get("c")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v)
}

func TestLRUCache_GetRefreshesRecency(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	c.get("a")             // "a" is now most recently used
	c.put("c", []byte("3")) // evicts "b", not "a"

	_, ok := c.get("b")
	assert.False(t, ok)

	_, ok = c.get("a")
	assert.True(t, ok)
}
