package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/storage"
)

const longTermTable = "memory_longterm"

// KnowledgeEntry is one curated fact or note held in long-term memory.
type KnowledgeEntry struct {
	ID        string   `json:"id"`
	Category  string   `json:"category"`
	Content   string   `json:"content"`
	DeviceIDs []string `json:"device_ids,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// LongTermQuery filters a Search call.
type LongTermQuery struct {
	Text      string
	Category  string
	DeviceID  string
	Tag       string
	TopK      int
}

// LongTerm persists curated knowledge entries and BM25-indexes them
// for retrieval, additionally filterable by category, device, or tag.
type LongTerm struct {
	backend storage.Backend
	index   *Index
}

// NewLongTerm builds a LongTerm tier over backend, reindexing anything
// already persisted.
func NewLongTerm(ctx context.Context, backend storage.Backend) (*LongTerm, error) {
	l := &LongTerm{backend: backend, index: NewIndex()}
	entries, err := l.all(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		l.index.AddDocument(e.ID, indexableText(e))
	}
	return l, nil
}

func indexableText(e KnowledgeEntry) string {
	return fmt.Sprintf("%s %s %s", e.Category, e.Content, joinTags(e.Tags))
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}

// Add stores and indexes a new knowledge entry.
func (l *LongTerm) Add(ctx context.Context, category, content string, deviceIDs, tags []string) (KnowledgeEntry, error) {
	entry := KnowledgeEntry{
		ID:        uuid.NewString(),
		Category:  category,
		Content:   content,
		DeviceIDs: deviceIDs,
		Tags:      tags,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return KnowledgeEntry{}, edgeerr.Wrap(edgeerr.Io, "marshal knowledge entry", err)
	}
	if err := l.backend.Set(ctx, longTermTable, entry.ID, data); err != nil {
		return KnowledgeEntry{}, err
	}
	l.index.AddDocument(entry.ID, indexableText(entry))
	return entry, nil
}

func (l *LongTerm) all(ctx context.Context) ([]KnowledgeEntry, error) {
	kvs, err := l.backend.Scan(ctx, longTermTable, "")
	if err != nil {
		return nil, err
	}
	out := make([]KnowledgeEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e KnowledgeEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Io, "unmarshal knowledge entry", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func matchesFilters(e KnowledgeEntry, q LongTermQuery) bool {
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.DeviceID != "" && !contains(e.DeviceIDs, q.DeviceID) {
		return false
	}
	if q.Tag != "" && !contains(e.Tags, q.Tag) {
		return false
	}
	return true
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

// Search runs a BM25 query (if q.Text is set) or a pure filter scan
// (if q.Text is empty), applying category/device_id/tag filters to
// either path, and returns up to q.TopK entries.
func (l *LongTerm) Search(ctx context.Context, q LongTermQuery) ([]KnowledgeEntry, error) {
	entries, err := l.all(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]KnowledgeEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	if q.Text == "" {
		out := make([]KnowledgeEntry, 0)
		for _, e := range entries {
			if matchesFilters(e, q) {
				out = append(out, e)
			}
		}
		if q.TopK > 0 && len(out) > q.TopK {
			out = out[:q.TopK]
		}
		return out, nil
	}

	hits := l.index.Search(q.Text, 0) // unbounded; filter first, then cap
	out := make([]KnowledgeEntry, 0)
	for _, h := range hits {
		e, ok := byID[h.ID]
		if !ok || !matchesFilters(e, q) {
			continue
		}
		out = append(out, e)
		if q.TopK > 0 && len(out) >= q.TopK {
			break
		}
	}
	return out, nil
}

// Forget removes an entry from storage and the index.
func (l *LongTerm) Forget(ctx context.Context, id string) error {
	l.index.RemoveDocument(id)
	return l.backend.Delete(ctx, longTermTable, id)
}

// Len returns the number of indexed entries.
func (l *LongTerm) Len() int {
	return l.index.Len()
}
