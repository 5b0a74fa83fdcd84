package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/edgecore-io/edgecore/internal/agent"
	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

type converseRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type converseResponse struct {
	Text        string           `json:"text"`
	ToolResults []toolResultDTO  `json:"tool_results,omitempty"`
	Usage       converseUsageDTO `json:"usage"`
}

type toolResultDTO struct {
	ID     string `json:"id"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type converseUsageDTO struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// newAgentHandler exposes the agent runtime's converse loop over HTTP,
// the same request/response-struct-plus-writeJSON shape used for the
// rest of this plane's JSON endpoints.
func newAgentHandler(runtime *agent.Runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req converseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if req.SessionID == "" || req.Message == "" {
			http.Error(w, "session_id and message are required", http.StatusBadRequest)
			return
		}

		turn, err := runtime.Converse(r.Context(), req.SessionID, req.Message)
		if err != nil {
			writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
			return
		}

		results := make([]toolResultDTO, 0, len(turn.ToolResults))
		for _, tr := range turn.ToolResults {
			dto := toolResultDTO{ID: tr.ID, Output: tr.Output.Data}
			if tr.Err != nil {
				dto.Error = tr.Err.Error()
			}
			results = append(results, dto)
		}

		writeJSON(w, http.StatusOK, converseResponse{
			Text:        turn.Text,
			ToolResults: results,
			Usage: converseUsageDTO{
				PromptTokens:     turn.Usage.Prompt,
				CompletionTokens: turn.Usage.Completion,
			},
		})
	})
}

func statusForError(err error) int {
	switch edgeerr.CodeOf(err) {
	case edgeerr.InvalidArgument:
		return http.StatusBadRequest
	case edgeerr.NotFound:
		return http.StatusNotFound
	case edgeerr.CapacityExceeded:
		return http.StatusTooManyRequests
	case edgeerr.Unavailable, edgeerr.Timeout:
		return http.StatusServiceUnavailable
	default:
		if errors.Is(err, context.Canceled) {
			return http.StatusRequestTimeout
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
