package app

import (
	"github.com/agentdeck/agentdeck-backend/internal/http/handlers"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

type Handlers struct {
	Conversation *handlers.ConversationHandler
	Message      *handlers.MessageHandler
	Session      *handlers.SessionHandler
	Diagnostics  *handlers.DiagnosticsHandler
	Stream       *handlers.StreamHandler
}

func wireHandlers(log *logger.Logger, svc Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Conversation: handlers.NewConversationHandler(svc.Store, svc.Notifier),
		Message:      handlers.NewMessageHandler(svc.Store, svc.Dispatcher),
		Session:      handlers.NewSessionHandler(svc.Store, svc.Dispatcher),
		Diagnostics:  handlers.NewDiagnosticsHandler(svc.Registry, svc.Store),
		Stream:       handlers.NewStreamHandler(log, svc.Hub, svc.Sync, svc.Dispatcher),
	}
}
