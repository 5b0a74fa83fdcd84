package llm

import "testing"

func buildConversation(n int) []Message {
	messages := []Message{TextMessage(RoleSystem, "you are a helpful edge assistant")}
	for i := 0; i < n; i++ {
		messages = append(messages, TextMessage(RoleUser, "a fairly long user turn that takes up some token budget"))
		messages = append(messages, TextMessage(RoleAssistant, "a fairly long assistant reply that also takes up some budget"))
	}
	return messages
}

func TestCompactor_KeepsSystemPromptAlways(t *testing.T) {
	c := NewCompactor(nil, 1)
	messages := buildConversation(20)
	result := c.Compact(messages, 10)
	if len(result.Messages) == 0 || result.Messages[0].Role != RoleSystem {
		t.Fatalf("expected system prompt to survive aggressive compaction, got %+v", result.Messages)
	}
}

func TestCompactor_KeepsPreservedTailRegardlessOfBudget(t *testing.T) {
	c := NewCompactor(nil, 2)
	messages := buildConversation(20)
	result := c.Compact(messages, 1)

	tail := messages[len(messages)-2:]
	gotTail := result.Messages[len(result.Messages)-2:]
	for i := range tail {
		if gotTail[i] != tail[i] {
			t.Fatalf("preserved tail mismatch at %d: got %+v want %+v", i, gotTail[i], tail[i])
		}
	}
}

func TestCompactor_DropsNothingWhenWithinBudget(t *testing.T) {
	c := NewCompactor(nil, 2)
	messages := buildConversation(2)
	result := c.Compact(messages, 100000)
	if result.Dropped != 0 {
		t.Fatalf("Dropped = %d, want 0 when already within budget", result.Dropped)
	}
	if len(result.Messages) != len(messages) {
		t.Fatalf("Messages length = %d, want %d", len(result.Messages), len(messages))
	}
}

func TestCompactor_ReportsFinalTokenCount(t *testing.T) {
	counter := NewTokenCounter()
	c := NewCompactor(counter, 1)
	messages := buildConversation(10)
	result := c.Compact(messages, 10000)
	if result.Tokens != counter.CountMessages(result.Messages) {
		t.Fatalf("Tokens = %d, want %d", result.Tokens, counter.CountMessages(result.Messages))
	}
}

func TestCompactor_EmptyInputIsNoop(t *testing.T) {
	c := NewCompactor(nil, 3)
	result := c.Compact(nil, 100)
	if len(result.Messages) != 0 || result.Dropped != 0 {
		t.Fatalf("expected no-op on empty input, got %+v", result)
	}
}

func TestCompactor_NegativePreserveTurnsClampsToZero(t *testing.T) {
	c := NewCompactor(nil, -5)
	if c.preserveTurns != 0 {
		t.Fatalf("preserveTurns = %d, want 0", c.preserveTurns)
	}
}

func TestCompactor_NoSystemPromptStillCompacts(t *testing.T) {
	c := NewCompactor(nil, 1)
	messages := []Message{
		TextMessage(RoleUser, "first turn with some padding text to cost tokens"),
		TextMessage(RoleAssistant, "first reply with some padding text to cost tokens"),
		TextMessage(RoleUser, "second turn with some padding text to cost tokens"),
		TextMessage(RoleAssistant, "second reply with some padding text to cost tokens"),
	}
	result := c.Compact(messages, 5)
	if len(result.Messages) != 1 {
		t.Fatalf("Messages length = %d, want 1 (only preserved tail)", len(result.Messages))
	}
	if result.Messages[0] != messages[len(messages)-1] {
		t.Fatalf("expected last message preserved, got %+v", result.Messages[0])
	}
}
