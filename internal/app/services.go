package app

import (
	"gorm.io/gorm"

	"github.com/agentdeck/agentdeck-backend/internal/agent"
	"github.com/agentdeck/agentdeck-backend/internal/dispatch"
	"github.com/agentdeck/agentdeck-backend/internal/fsm"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
	"github.com/agentdeck/agentdeck-backend/internal/realtime"
	"github.com/agentdeck/agentdeck-backend/internal/services"
	"github.com/agentdeck/agentdeck-backend/internal/store"
)

type Services struct {
	Store      *store.Store
	Hub        *realtime.Hub
	Registry   *fsm.Registry
	Agents     *agent.Registry
	Notifier   services.Notifier
	Sync       services.SyncService
	Dispatcher *dispatch.Dispatcher
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config) (Services, error) {
	log.Info("Wiring services...")

	st := store.New(db, log)
	hub := realtime.NewHub(log)
	registry := fsm.NewRegistry(log, cfg.FSMRetention)
	notifier := services.NewNotifier(hub)
	syncService := services.NewSyncService(st, log)

	agents := agent.NewRegistry()
	for _, ac := range cfg.Agents {
		runner, err := agent.NewCLIAgent(log, ac.Command)
		if err != nil {
			return Services{}, err
		}
		if err := agents.Register(ac.ID, runner); err != nil {
			return Services{}, err
		}
	}

	dispatcher := dispatch.New(log, st, registry, agents, notifier, dispatch.Config{
		SessionTimeout: cfg.SessionTimeout,
		AcquireTimeout: cfg.AcquireTimeout,
	})

	return Services{
		Store:      st,
		Hub:        hub,
		Registry:   registry,
		Agents:     agents,
		Notifier:   notifier,
		Sync:       syncService,
		Dispatcher: dispatcher,
	}, nil
}
