package storage

import (
	"context"
	"strings"
	"sync"
)

// MemoryBackend is an in-memory Backend implementation used in tests and
// as a fallback when no path is configured.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte // namespaced key -> value
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(_ context.Context, table, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[namespacedKey(table, key)]
	if !ok {
		return nil, NotFound(table, key)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *MemoryBackend) Set(_ context.Context, table, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	b.data[namespacedKey(table, key)] = cp
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, table, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, namespacedKey(table, key))
	return nil
}

func (b *MemoryBackend) Scan(_ context.Context, table, keyPrefix string) ([]KV, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tablePrefix := table + ":" + keyPrefix
	tablePrefixLen := len(table) + 1

	var out []KV
	for k, v := range b.data {
		if !strings.HasPrefix(k, tablePrefix) {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, KV{Key: k[tablePrefixLen:], Value: cp})
	}
	return out, nil
}

func (b *MemoryBackend) WriteBatch(_ context.Context, table string, items []KV) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, item := range items {
		cp := make([]byte, len(item.Value))
		copy(cp, item.Value)
		b.data[namespacedKey(table, item.Key)] = cp
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// namespacedKey builds the "table:key" form every backend uses.
func namespacedKey(table, key string) string {
	var sb strings.Builder
	sb.Grow(len(table) + len(key) + 1)
	sb.WriteString(table)
	sb.WriteByte(':')
	sb.WriteString(key)
	return sb.String()
}
