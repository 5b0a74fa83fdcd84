// Package storage provides the embedded persistence layer: a single
// namespaced key/value substrate that every other subsystem (device
// registry, command history, automation state, memory tiers) builds on.
package storage

import (
	"context"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// KV is a namespaced key/value pair as returned by Scan.
type KV struct {
	Key   string
	Value []byte
}

// Backend is the contract every storage implementation (embedded sqlite,
// in-memory test double) satisfies. All data lives in one unified
// namespace; callers supply a table name to keep concerns apart without
// the backend needing to know about schemas.
type Backend interface {
	// Get returns the value stored at table:key, or edgeerr.NotFound.
	Get(ctx context.Context, table, key string) ([]byte, error)

	// Set writes value at table:key, overwriting any existing value.
	Set(ctx context.Context, table, key string, value []byte) error

	// Delete removes table:key. It does not error if the key is absent.
	Delete(ctx context.Context, table, key string) error

	// Scan returns every entry in table whose key has the given prefix,
	// with the table name stripped from the returned keys.
	Scan(ctx context.Context, table, keyPrefix string) ([]KV, error)

	// WriteBatch writes every item in items to table as a single atomic
	// transaction.
	WriteBatch(ctx context.Context, table string, items []KV) error

	// Close releases any underlying resources (file handles, temp files).
	Close() error
}

// NotFound is a convenience constructor for the common not-found case.
func NotFound(table, key string) error {
	return edgeerr.Newf(edgeerr.NotFound, "%s:%s not found", table, key)
}
