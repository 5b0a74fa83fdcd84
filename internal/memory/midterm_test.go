package memory

import (
	"context"
	"testing"

	"github.com/edgecore-io/edgecore/internal/storage"
)

func TestMidTerm_RecordAndForSession(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	m, err := NewMidTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewMidTerm: %v", err)
	}

	if _, err := m.Record(ctx, "s1", "turn on the porch light", "done", 12); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := m.Record(ctx, "s2", "what's the temperature", "72F", 10); err != nil {
		t.Fatalf("Record: %v", err)
	}

	turns, err := m.ForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(turns) != 1 || turns[0].UserInput != "turn on the porch light" {
		t.Errorf("unexpected turns for s1: %+v", turns)
	}

	if m.Len() != 2 {
		t.Errorf("expected 2 indexed turns, got %d", m.Len())
	}
}

func TestMidTerm_Search(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	m, err := NewMidTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewMidTerm: %v", err)
	}

	if _, err := m.Record(ctx, "s1", "porch light status", "it is on", 8); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := m.Record(ctx, "s1", "garage door status", "it is closed", 8); err != nil {
		t.Fatalf("Record: %v", err)
	}

	results, err := m.Search(ctx, "porch", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].UserInput != "porch light status" {
		t.Errorf("unexpected search results: %+v", results)
	}
}

func TestMidTerm_Forget(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	m, err := NewMidTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewMidTerm: %v", err)
	}

	turn, err := m.Record(ctx, "s1", "hello", "hi", 2)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := m.Forget(ctx, turn.ID); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("expected 0 turns after Forget, got %d", m.Len())
	}

	turns, err := m.ForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ForSession: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected turn removed from storage, got %+v", turns)
	}
}

func TestMidTerm_ReindexesOnRestart(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()

	m1, err := NewMidTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewMidTerm: %v", err)
	}
	if _, err := m1.Record(ctx, "s1", "remember the thermostat schedule", "saved", 6); err != nil {
		t.Fatalf("Record: %v", err)
	}

	m2, err := NewMidTerm(ctx, backend)
	if err != nil {
		t.Fatalf("NewMidTerm (restart): %v", err)
	}
	if m2.Len() != 1 {
		t.Fatalf("expected restart to reindex 1 persisted turn, got %d", m2.Len())
	}

	results, err := m2.Search(ctx, "thermostat", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected reindexed turn to be searchable after restart, got %+v", results)
	}
}
