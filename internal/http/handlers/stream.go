package handlers

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck-backend/internal/dispatch"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
	"github.com/agentdeck/agentdeck-backend/internal/realtime"
	"github.com/agentdeck/agentdeck-backend/internal/services"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
	maxWSRequestBytes = 1 << 20
)

// StreamHandler serves the bidirectional streaming transport. Server frames
// carry a discriminated "type"; client frames are subscribe and cancel.
type StreamHandler struct {
	log        *logger.Logger
	hub        *realtime.Hub
	sync       services.SyncService
	dispatcher *dispatch.Dispatcher
}

func NewStreamHandler(log *logger.Logger, hub *realtime.Hub, syncService services.SyncService, dispatcher *dispatch.Dispatcher) *StreamHandler {
	return &StreamHandler{
		log:        log.With("handler", "StreamHandler"),
		hub:        hub,
		sync:       syncService,
		dispatcher: dispatcher,
	}
}

type wsClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

type wsServerFrame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Mode           string         `json:"mode,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// GET /ws?conversation_id=...
// Without a query parameter the first client frame must be a subscribe.
func (h *StreamHandler) Serve(c *gin.Context) {
	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSRequestBytes)

	conversationID, err := uuid.Parse(strings.TrimSpace(c.Query("conversation_id")))
	if err != nil {
		var frame wsClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "subscribe" {
			_ = conn.WriteJSON(wsServerFrame{Type: "error", Error: "expected subscribe frame"})
			return
		}
		conversationID, err = uuid.Parse(strings.TrimSpace(frame.ConversationID))
		if err != nil {
			_ = conn.WriteJSON(wsServerFrame{Type: "error", Error: "invalid conversation_id"})
			return
		}
	}

	// Subscribe before taking the resume snapshot: events published between
	// the snapshot and the attach are buffered, not lost.
	sub := h.hub.Subscribe(conversationID)
	defer h.hub.Unsubscribe(sub)

	resume, err := h.sync.Resume(c.Request.Context(), conversationID)
	if err != nil {
		_ = conn.WriteJSON(wsServerFrame{Type: "error", Error: err.Error()})
		return
	}

	resumeFrame := wsServerFrame{
		Type:           "resume",
		ConversationID: conversationID.String(),
		Mode:           resume.Mode,
	}
	if resume.Session != nil {
		resumeFrame.SessionID = resume.Session.ID.String()
		resumeFrame.Data = map[string]any{"session": resume.Session}
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(resumeFrame); err != nil {
		return
	}

	done := make(chan struct{})

	// Reader: cancel frames only; everything else is ignored. A read error
	// means the peer went away.
	go func() {
		defer close(done)
		for {
			var frame wsClientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type != "cancel" {
				continue
			}
			sessionID, err := uuid.Parse(strings.TrimSpace(frame.SessionID))
			if err != nil {
				continue
			}
			if err := h.dispatcher.Cancel(c.Request.Context(), sessionID); err != nil {
				h.log.Warn("cancel frame rejected", "session_id", sessionID, "error", err)
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			frame := wsServerFrame{
				Type:           string(ev.Type),
				ConversationID: ev.ConversationID.String(),
				Data:           ev.Data,
			}
			if ev.SessionID != uuid.Nil {
				frame.SessionID = ev.SessionID.String()
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsed.Host) == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}
