package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/dispatch"
	"github.com/agentdeck/agentdeck-backend/internal/http/response"
	"github.com/agentdeck/agentdeck-backend/internal/store"
)

type SessionHandler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
}

func NewSessionHandler(st *store.Store, dispatcher *dispatch.Dispatcher) *SessionHandler {
	return &SessionHandler{store: st, dispatcher: dispatcher}
}

// GET /api/sessions/:id
func (h *SessionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	session, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	if session == nil {
		response.RespondError(c, http.StatusNotFound, "session_not_found", fmt.Errorf("session %s not found", id))
		return
	}
	response.RespondOK(c, gin.H{"session": session})
}

// GET /api/conversations/:id/sessions/latest
func (h *SessionHandler) Latest(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	session, err := h.store.LatestSession(c.Request.Context(), conversationID)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	if session == nil {
		response.RespondOK(c, gin.H{"session": nil, "events": []any{}})
		return
	}
	events, err := h.store.EventsBySession(c.Request.Context(), session.ID)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"session": session, "events": events})
}

// POST /api/sessions/:id/cancel
func (h *SessionHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := h.dispatcher.Cancel(c.Request.Context(), id); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"cancelled": true})
}
