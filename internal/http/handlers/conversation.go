package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/http/response"
	"github.com/agentdeck/agentdeck-backend/internal/services"
	"github.com/agentdeck/agentdeck-backend/internal/store"
)

type ConversationHandler struct {
	store    *store.Store
	notifier services.Notifier
}

func NewConversationHandler(st *store.Store, notifier services.Notifier) *ConversationHandler {
	return &ConversationHandler{store: st, notifier: notifier}
}

type createConversationReq struct {
	AgentID string `json:"agentId"`
	Title   string `json:"title"`
}

// POST /api/conversations
func (h *ConversationHandler) Create(c *gin.Context) {
	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	conv, err := h.store.CreateConversation(c.Request.Context(), store.CreateConversationInput{
		AgentID: req.AgentID,
		Title:   req.Title,
	})
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"conversation": conv})
}

// GET /api/conversations
func (h *ConversationHandler) List(c *gin.Context) {
	conversations, err := h.store.ListConversations(c.Request.Context())
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"conversations": conversations})
}

// GET /api/conversations/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	conv, err := h.store.GetConversation(c.Request.Context(), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	if conv == nil {
		response.RespondError(c, http.StatusNotFound, "conversation_not_found", fmt.Errorf("conversation %s not found", id))
		return
	}
	response.RespondOK(c, gin.H{"conversation": conv})
}

type updateConversationReq struct {
	Title  *string `json:"title"`
	Status *string `json:"status"`
}

// POST /api/conversations/:id
func (h *ConversationHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	var req updateConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	conv, err := h.store.UpdateConversation(c.Request.Context(), id, store.ConversationPatch{
		Title:  req.Title,
		Status: req.Status,
	})
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	h.notifier.ConversationUpdated(conv)
	response.RespondOK(c, gin.H{"conversation": conv})
}

// DELETE /api/conversations/:id
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	deleted, err := h.store.DeleteConversation(c.Request.Context(), id)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": deleted})
}
