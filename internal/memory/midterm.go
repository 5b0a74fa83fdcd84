package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
	"github.com/edgecore-io/edgecore/internal/storage"
)

const midTermTable = "memory_midterm"

// ConversationTurn is one full turn (user input + assistant response)
// persisted to mid-term memory and indexed for BM25 retrieval.
type ConversationTurn struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	UserInput   string `json:"user_input"`
	Response    string `json:"response"`
	Timestamp   int64  `json:"timestamp"`
	TokenCount  int    `json:"token_count,omitempty"`
}

func extractTextForIndex(turn ConversationTurn) string {
	return fmt.Sprintf("%s %s", turn.UserInput, turn.Response)
}

// MidTerm persists full conversation turns per session and keeps a
// BM25 index over them for retrieval when a session's recent context
// no longer contains what's being asked about.
type MidTerm struct {
	backend storage.Backend
	index   *Index
}

// NewMidTerm builds a MidTerm tier over backend, reindexing anything
// already persisted (e.g. after a restart).
func NewMidTerm(ctx context.Context, backend storage.Backend) (*MidTerm, error) {
	m := &MidTerm{backend: backend, index: NewIndex()}
	turns, err := m.all(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range turns {
		m.index.AddDocument(t.ID, extractTextForIndex(t))
	}
	return m, nil
}

// Record stores a conversation turn and indexes it.
func (m *MidTerm) Record(ctx context.Context, sessionID, userInput, response string, tokenCount int) (ConversationTurn, error) {
	turn := ConversationTurn{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		UserInput:  userInput,
		Response:   response,
		TokenCount: tokenCount,
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return ConversationTurn{}, edgeerr.Wrap(edgeerr.Io, "marshal conversation turn", err)
	}
	if err := m.backend.Set(ctx, midTermTable, turn.ID, data); err != nil {
		return ConversationTurn{}, err
	}
	m.index.AddDocument(turn.ID, extractTextForIndex(turn))
	return turn, nil
}

func (m *MidTerm) all(ctx context.Context) ([]ConversationTurn, error) {
	kvs, err := m.backend.Scan(ctx, midTermTable, "")
	if err != nil {
		return nil, err
	}
	out := make([]ConversationTurn, 0, len(kvs))
	for _, kv := range kvs {
		var t ConversationTurn
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Io, "unmarshal conversation turn", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ForSession returns every turn recorded for sessionID, unordered
// beyond storage iteration order.
func (m *MidTerm) ForSession(ctx context.Context, sessionID string) ([]ConversationTurn, error) {
	all, err := m.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationTurn, 0)
	for _, t := range all {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Search runs a BM25 query over every indexed turn and resolves the
// top-k hits back to their stored records.
func (m *MidTerm) Search(ctx context.Context, query string, topK int) ([]ConversationTurn, error) {
	hits := m.index.Search(query, topK)
	out := make([]ConversationTurn, 0, len(hits))
	for _, h := range hits {
		data, err := m.backend.Get(ctx, midTermTable, h.ID)
		if edgeerr.Is(err, edgeerr.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var t ConversationTurn
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Io, "unmarshal conversation turn", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Forget deletes a turn from both storage and the index.
func (m *MidTerm) Forget(ctx context.Context, id string) error {
	m.index.RemoveDocument(id)
	return m.backend.Delete(ctx, midTermTable, id)
}

// Len returns the number of indexed turns.
func (m *MidTerm) Len() int {
	return m.index.Len()
}
