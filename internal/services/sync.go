package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
	"github.com/agentdeck/agentdeck-backend/internal/store"
)

const (
	ResumeModeIdle     = "idle"
	ResumeModeAttach   = "attach"
	ResumeModeReplay   = "replay"
	ResumeModeTerminal = "terminal"
)

type ResumeResult struct {
	Mode    string         `json:"mode"`
	Session *types.Session `json:"session,omitempty"`
}

// SyncService answers reconnecting subscribers: attach to a live stream,
// replay a finished response, or surface the terminal failure.
type SyncService interface {
	Resume(ctx context.Context, conversationID uuid.UUID) (*ResumeResult, error)
}

type syncService struct {
	store *store.Store
	log   *logger.Logger
}

func NewSyncService(st *store.Store, log *logger.Logger) SyncService {
	return &syncService{store: st, log: log.With("service", "SyncService")}
}

func (s *syncService) Resume(ctx context.Context, conversationID uuid.UUID) (*ResumeResult, error) {
	session, err := s.store.LatestSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &ResumeResult{Mode: ResumeModeIdle}, nil
	}

	switch session.Status {
	case types.SessionPending, types.SessionProcessing:
		return &ResumeResult{Mode: ResumeModeAttach, Session: session}, nil
	case types.SessionCompleted:
		return &ResumeResult{Mode: ResumeModeReplay, Session: session}, nil
	default:
		return &ResumeResult{Mode: ResumeModeTerminal, Session: session}, nil
	}
}
