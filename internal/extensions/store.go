package extensions

import (
	"context"
	"encoding/json"

	"github.com/edgecore-io/edgecore/internal/storage"
)

const extensionsTable = "extensions"

// Store persists Records so auto_start extensions can be reloaded on
// boot without re-discovering them from disk.
type Store struct {
	backend storage.Backend
}

// NewStore wraps backend for extension-record persistence.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Put upserts a record.
func (s *Store) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, extensionsTable, rec.ID, data)
}

// Delete removes a persisted record. Not an error if absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, extensionsTable, id)
}

// List returns every persisted record.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	kvs, err := s.backend.Scan(ctx, extensionsTable, "")
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(kvs))
	for _, kv := range kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
