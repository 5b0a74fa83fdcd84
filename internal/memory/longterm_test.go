package memory

import (
	"context"
	"testing"

	"github.com/edgecore-io/edgecore/internal/storage"
)

func TestLongTerm_AddAndSearchByText(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	lt, err := NewLongTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}

	if _, err := lt.Add(ctx, "climate", "the living room thermostat prefers 68F at night", []string{"dev-1"}, []string{"preference"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := lt.Add(ctx, "security", "front door camera faces the street", []string{"dev-2"}, []string{"layout"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := lt.Search(ctx, LongTermQuery{Text: "thermostat", TopK: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Category != "climate" {
		t.Errorf("unexpected search results: %+v", results)
	}
}

func TestLongTerm_SearchFiltersByCategory(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	lt, err := NewLongTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}

	if _, err := lt.Add(ctx, "climate", "bedroom prefers cooler nights", nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := lt.Add(ctx, "security", "bedroom window sensor armed at night", nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := lt.Search(ctx, LongTermQuery{Text: "night", Category: "security", TopK: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Category != "security" {
		t.Errorf("expected only security-category match, got %+v", results)
	}
}

func TestLongTerm_SearchFiltersByDeviceIDAndTag(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	lt, err := NewLongTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}

	if _, err := lt.Add(ctx, "climate", "device specific note", []string{"dev-7"}, []string{"tagged"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := lt.Add(ctx, "climate", "device specific note", []string{"dev-8"}, []string{"other"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	byDevice, err := lt.Search(ctx, LongTermQuery{DeviceID: "dev-7"})
	if err != nil {
		t.Fatalf("Search by device: %v", err)
	}
	if len(byDevice) != 1 || byDevice[0].DeviceIDs[0] != "dev-7" {
		t.Errorf("expected device filter to isolate dev-7 entry, got %+v", byDevice)
	}

	byTag, err := lt.Search(ctx, LongTermQuery{Tag: "other"})
	if err != nil {
		t.Fatalf("Search by tag: %v", err)
	}
	if len(byTag) != 1 || byTag[0].DeviceIDs[0] != "dev-8" {
		t.Errorf("expected tag filter to isolate dev-8 entry, got %+v", byTag)
	}
}

func TestLongTerm_SearchWithoutTextAppliesFiltersOnly(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	lt, err := NewLongTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}

	if _, err := lt.Add(ctx, "climate", "anything at all", nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := lt.Add(ctx, "security", "anything else entirely", nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	results, err := lt.Search(ctx, LongTermQuery{Category: "climate"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Category != "climate" {
		t.Errorf("expected filter-only search to match category, got %+v", results)
	}
}

func TestLongTerm_Forget(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	lt, err := NewLongTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}

	entry, err := lt.Add(ctx, "climate", "temporary note", nil, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := lt.Forget(ctx, entry.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if lt.Len() != 0 {
		t.Errorf("expected 0 entries after Forget, got %d", lt.Len())
	}
}

func TestLongTerm_ReindexesOnRestart(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()

	lt1, err := NewLongTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewLongTerm: %v", err)
	}
	if _, err := lt1.Add(ctx, "climate", "curated knowledge about the attic fan", nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	lt2, err := NewLongTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewLongTerm (restart): %v", err)
	}
	if lt2.Len() != 1 {
		t.Fatalf("expected restart to reindex 1 persisted entry, got %d", lt2.Len())
	}

	results, err := lt2.Search(ctx, LongTermQuery{Text: "attic", TopK: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected reindexed entry to be searchable after restart, got %+v", results)
	}
}
