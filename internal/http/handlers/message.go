package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/dispatch"
	"github.com/agentdeck/agentdeck-backend/internal/http/response"
	"github.com/agentdeck/agentdeck-backend/internal/store"
)

type MessageHandler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
}

func NewMessageHandler(st *store.Store, dispatcher *dispatch.Dispatcher) *MessageHandler {
	return &MessageHandler{store: st, dispatcher: dispatcher}
}

// GET /api/conversations/:id/messages?limit=200&offset=0
func (h *MessageHandler) List(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	limit := 0
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	offset := 0
	if v := strings.TrimSpace(c.Query("offset")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	messages, err := h.store.ListMessages(c.Request.Context(), conversationID, limit, offset)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": messages})
}

type sendMessageReq struct {
	Content        string `json:"content"`
	AgentID        string `json:"agentId"`
	FolderContext  string `json:"folderContext"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// POST /api/conversations/:id/messages
func (h *MessageHandler) Send(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	idem := strings.TrimSpace(req.IdempotencyKey)
	if hdr := strings.TrimSpace(c.GetHeader("Idempotency-Key")); hdr != "" {
		idem = hdr
	}

	handle, err := h.dispatcher.Dispatch(c.Request.Context(), dispatch.Input{
		ConversationID: conversationID,
		Content:        req.Content,
		AgentID:        req.AgentID,
		IdempotencyKey: idem,
		FolderContext:  req.FolderContext,
	})
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{
		"message":        handle.Message,
		"session":        handle.Session,
		"idempotencyKey": idem,
	})
}
