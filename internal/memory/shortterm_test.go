package memory

import (
	"strings"
	"testing"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/llm"
)

func TestShortTerm_AddAppendsInOrder(t *testing.T) {
	s := NewShortTerm()
	s.Add(llm.RoleUser, "hello", nil)
	s.Add(llm.RoleAssistant, "hi there", nil)

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[1].Role != llm.RoleAssistant {
		t.Errorf("unexpected role ordering: %+v", msgs)
	}
}

func TestShortTerm_EvictsOldestByMessageCount(t *testing.T) {
	s := NewShortTerm(WithMaxMessages(2), WithMaxTokens(1_000_000))
	s.Add(llm.RoleUser, "one", nil)
	s.Add(llm.RoleUser, "two", nil)
	s.Add(llm.RoleUser, "three", nil)

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected eviction down to 2 turns, got %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("expected oldest turn evicted, got %+v", msgs)
	}
}

func TestShortTerm_EvictsOldestByTokenBudget(t *testing.T) {
	s := NewShortTerm(WithMaxMessages(1000), WithMaxTokens(1))
	s.Add(llm.RoleUser, strings.Repeat("word ", 50), nil)
	s.Add(llm.RoleUser, "x", nil)

	msgs := s.Messages()
	if len(msgs) == 0 {
		t.Fatalf("expected at least the most recent turn to survive")
	}
	if msgs[len(msgs)-1].Content != "x" {
		t.Errorf("expected most recent turn retained, got %+v", msgs)
	}
}

func TestShortTerm_TryAddRejectsOversizedTurn(t *testing.T) {
	s := NewShortTerm(WithMaxTokens(1))
	_, err := s.TryAdd(llm.RoleUser, strings.Repeat("word ", 100), nil)
	if !edgeerr.Is(err, edgeerr.CapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
}

func TestShortTerm_TryAddAcceptsWithinBudget(t *testing.T) {
	s := NewShortTerm(WithMaxTokens(1000))
	turn, err := s.TryAdd(llm.RoleUser, "fits fine", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.Content != "fits fine" {
		t.Errorf("unexpected turn: %+v", turn)
	}
}

func TestShortTerm_LastN(t *testing.T) {
	s := NewShortTerm()
	s.Add(llm.RoleUser, "one", nil)
	s.Add(llm.RoleUser, "two", nil)
	s.Add(llm.RoleUser, "three", nil)

	last := s.LastN(2)
	if len(last) != 2 || last[0].Content != "two" || last[1].Content != "three" {
		t.Errorf("unexpected LastN result: %+v", last)
	}

	if all := s.LastN(100); len(all) != 3 {
		t.Errorf("expected LastN beyond length to return everything, got %d", len(all))
	}
	if none := s.LastN(0); none != nil {
		t.Errorf("expected LastN(0) to return nil, got %+v", none)
	}
}

func TestShortTerm_Clear(t *testing.T) {
	s := NewShortTerm()
	s.Add(llm.RoleUser, "hello", nil)
	s.Clear()

	if s.Len() != 0 {
		t.Errorf("expected 0 turns after clear, got %d", s.Len())
	}
	if s.TokenCount() != 0 {
		t.Errorf("expected 0 tokens after clear, got %d", s.TokenCount())
	}
}

func TestShortTerm_SystemPrompt(t *testing.T) {
	s := NewShortTerm(WithSystemPrompt("be helpful"))
	prompt, ok := s.SystemPrompt()
	if !ok || prompt != "be helpful" {
		t.Fatalf("expected seeded system prompt, got %q, %v", prompt, ok)
	}

	s.SetSystemPrompt("be terse")
	prompt, ok = s.SystemPrompt()
	if !ok || prompt != "be terse" {
		t.Errorf("expected updated system prompt, got %q, %v", prompt, ok)
	}

	s.ClearSystemPrompt()
	if _, ok := s.SystemPrompt(); ok {
		t.Errorf("expected system prompt cleared")
	}
}

func TestShortTerm_FindByRole(t *testing.T) {
	s := NewShortTerm()
	s.Add(llm.RoleUser, "q1", nil)
	s.Add(llm.RoleAssistant, "a1", nil)
	s.Add(llm.RoleUser, "q2", nil)

	users := s.FindByRole(llm.RoleUser)
	if len(users) != 2 {
		t.Fatalf("expected 2 user turns, got %d", len(users))
	}
	if users[0].Content != "q1" || users[1].Content != "q2" {
		t.Errorf("unexpected FindByRole result: %+v", users)
	}
}

func TestShortTerm_ToLLMMessagesPrependsSystemPrompt(t *testing.T) {
	s := NewShortTerm(WithSystemPrompt("system rules"))
	s.Add(llm.RoleUser, "hi", nil)

	msgs := s.ToLLMMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected system prompt + 1 turn, got %d", len(msgs))
	}
	if msgs[0].Role != llm.RoleSystem {
		t.Errorf("expected first message to be system role, got %v", msgs[0].Role)
	}
}

func TestShortTerm_ToLLMMessagesOmitsSystemPromptWhenUnset(t *testing.T) {
	s := NewShortTerm()
	s.Add(llm.RoleUser, "hi", nil)

	msgs := s.ToLLMMessages()
	if len(msgs) != 1 {
		t.Fatalf("expected just 1 turn with no system prompt set, got %d", len(msgs))
	}
}

func TestShortTerm_LastMessage(t *testing.T) {
	s := NewShortTerm()
	if _, ok := s.LastMessage(); ok {
		t.Errorf("expected no last message on empty buffer")
	}

	s.Add(llm.RoleUser, "first", nil)
	s.Add(llm.RoleUser, "second", nil)

	last, ok := s.LastMessage()
	if !ok || last.Content != "second" {
		t.Errorf("expected last message 'second', got %+v, %v", last, ok)
	}
}
