package memory

import (
	"sync"

	"github.com/google/uuid"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/llm"
)

// Default bounds for ShortTerm, matching the original in-memory
// conversation buffer's defaults.
const (
	DefaultMaxMessages = 100
	DefaultMaxTokens   = 4000
)

// Turn is one message held in short-term memory.
type Turn struct {
	ID         string
	Role       llm.Role
	Content    string
	Timestamp  int64
	TokenCount int
	Metadata   map[string]any
}

// ShortTerm holds the current conversation's recent turns, bounded by
// both a message count and a token budget simultaneously: adding a
// turn evicts the oldest turns until both bounds are satisfied.
type ShortTerm struct {
	mu sync.Mutex

	turns        []Turn
	maxMessages  int
	maxTokens    int
	currentTok   int
	systemPrompt string
	counter      *llm.TokenCounter
	now          func() int64
}

// ShortTermOption customizes a new ShortTerm.
type ShortTermOption func(*ShortTerm)

// WithMaxMessages overrides DefaultMaxMessages.
func WithMaxMessages(n int) ShortTermOption {
	return func(s *ShortTerm) { s.maxMessages = n }
}

// WithMaxTokens overrides DefaultMaxTokens.
func WithMaxTokens(n int) ShortTermOption {
	return func(s *ShortTerm) { s.maxTokens = n }
}

// WithSystemPrompt seeds the system prompt.
func WithSystemPrompt(prompt string) ShortTermOption {
	return func(s *ShortTerm) { s.systemPrompt = prompt }
}

// WithClock overrides the timestamp source (for deterministic tests).
func WithClock(now func() int64) ShortTermOption {
	return func(s *ShortTerm) { s.now = now }
}

// NewShortTerm builds an empty short-term memory.
func NewShortTerm(opts ...ShortTermOption) *ShortTerm {
	s := &ShortTerm{
		maxMessages: DefaultMaxMessages,
		maxTokens:   DefaultMaxTokens,
		counter:     llm.NewTokenCounter(),
		now:         func() int64 { return 0 },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends a turn, evicting the oldest turns first to satisfy the
// token budget and then the message-count bound. Returns CapacityExceeded
// if the new turn alone cannot fit even after evicting everything.
func (s *ShortTerm) Add(role llm.Role, content string, metadata map[string]any) Turn {
	turn := Turn{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		Timestamp:  s.now(),
		TokenCount: s.counter.Count(content),
		Metadata:   metadata,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(turn)
	return turn
}

func (s *ShortTerm) addLocked(turn Turn) {
	for len(s.turns) > 0 && s.currentTok+turn.TokenCount > s.maxTokens {
		s.evictOldestLocked()
	}
	for len(s.turns) >= s.maxMessages {
		s.evictOldestLocked()
	}
	s.currentTok += turn.TokenCount
	s.turns = append(s.turns, turn)
}

func (s *ShortTerm) evictOldestLocked() {
	removed := s.turns[0]
	s.turns = s.turns[1:]
	s.currentTok -= removed.TokenCount
}

// TryAdd is Add's non-evicting counterpart: it reports
// edgeerr.CapacityExceeded instead of evicting when the turn alone
// would not fit within maxTokens.
func (s *ShortTerm) TryAdd(role llm.Role, content string, metadata map[string]any) (Turn, error) {
	tokenCount := s.counter.Count(content)
	if tokenCount > s.maxTokens {
		return Turn{}, edgeerr.Newf(edgeerr.CapacityExceeded, "turn of %d tokens exceeds max_tokens %d", tokenCount, s.maxTokens)
	}
	return s.Add(role, content, metadata), nil
}

// Messages returns every held turn, oldest first.
func (s *ShortTerm) Messages() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LastN returns the most recent n turns, oldest first.
func (s *ShortTerm) LastN(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.turns) {
		out := make([]Turn, len(s.turns))
		copy(out, s.turns)
		return out
	}
	if n <= 0 {
		return nil
	}
	start := len(s.turns) - n
	out := make([]Turn, n)
	copy(out, s.turns[start:])
	return out
}

// Clear empties the buffer without touching the system prompt.
func (s *ShortTerm) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.currentTok = 0
}

// Len returns the number of held turns.
func (s *ShortTerm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// TokenCount returns the current total token usage.
func (s *ShortTerm) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTok
}

// SystemPrompt returns the configured system prompt, if any.
func (s *ShortTerm) SystemPrompt() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt, s.systemPrompt != ""
}

// SetSystemPrompt replaces the system prompt.
func (s *ShortTerm) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
}

// ClearSystemPrompt removes the system prompt.
func (s *ShortTerm) ClearSystemPrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = ""
}

// ToLLMMessages renders the buffer as llm.Message values suitable for
// an llm.Input, with the system prompt (if any) first.
func (s *ShortTerm) ToLLMMessages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]llm.Message, 0, len(s.turns)+1)
	if s.systemPrompt != "" {
		out = append(out, llm.TextMessage(llm.RoleSystem, s.systemPrompt))
	}
	for _, t := range s.turns {
		out = append(out, llm.TextMessage(t.Role, t.Content))
	}
	return out
}

// FindByRole returns every turn with the given role, in order.
func (s *ShortTerm) FindByRole(role llm.Role) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Turn
	for _, t := range s.turns {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// LastMessage returns the most recent turn, if any.
func (s *ShortTerm) LastMessage() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}
