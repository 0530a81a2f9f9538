package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck-backend/internal/fsm"
	"github.com/agentdeck/agentdeck-backend/internal/http/response"
	"github.com/agentdeck/agentdeck-backend/internal/store"
)

type DiagnosticsHandler struct {
	registry *fsm.Registry
	store    *store.Store
}

func NewDiagnosticsHandler(registry *fsm.Registry, st *store.Store) *DiagnosticsHandler {
	return &DiagnosticsHandler{registry: registry, store: st}
}

// GET /api/diagnostics/sessions
func (h *DiagnosticsHandler) Sessions(c *gin.Context) {
	response.RespondOK(c, h.registry.Diagnostics())
}

// GET /api/diagnostics/integrity
func (h *DiagnosticsHandler) Integrity(c *gin.Context) {
	report, err := h.store.ValidateIntegrity(c.Request.Context())
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, report)
}
