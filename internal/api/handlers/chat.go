// Package handlers implements the HTTP handlers for the REST surface:
// chat, health, and per-KB CRUD/file/query endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/matiasleandrokruk/ragd/internal/api/ctxkeys"
	"github.com/matiasleandrokruk/ragd/internal/infra/llm"
)

// ChatOrchestrator is the subset of agent.Orchestrator the chat handler
// drives. Satisfied by *agent.Orchestrator.
type ChatOrchestrator interface {
	Chat(ctx context.Context, sessionID, query string, history []llm.Message, kbID string) (string, error)
}

// ChatHandler serves POST /api/v1/chat.
type ChatHandler struct {
	orchestrator ChatOrchestrator
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(orchestrator ChatOrchestrator) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator}
}

type chatHistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Query     string               `json:"query"`
	History   []chatHistoryMessage `json:"history"`
	SessionID string               `json:"session_id"`
	KBID      string               `json:"kb_id"`
}

type chatResponse struct {
	Answer string `json:"answer"`
}

// Chat handles POST /api/v1/chat: {query, history:[{role,content}], kb_id?}
// -> {answer}.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		if fromCtx, ok := ctxkeys.SessionIDFrom(r.Context()); ok {
			sessionID = fromCtx
		} else {
			sessionID = newSessionID()
		}
	}

	history := make([]llm.Message, len(req.History))
	for i, m := range req.History {
		history[i] = llm.Message{Role: m.Role, Content: m.Content}
	}

	answer, err := h.orchestrator.Chat(r.Context(), sessionID, req.Query, history, req.KBID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Answer: answer})
}
