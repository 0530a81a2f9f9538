package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/agentdeck/agentdeck-backend/internal/data/repos"
	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/apierr"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/dbctx"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

// IdempotencyTTL bounds how long a client key replays its original result.
const IdempotencyTTL = 24 * time.Hour

// Store is the transactional facade over conversations, messages, sessions,
// events, and idempotency records. Every mutating operation commits all of
// its durable effects in one transaction or none of them.
type Store struct {
	db  *gorm.DB
	log *logger.Logger

	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	sessions      repos.SessionRepo
	events        repos.EventRepo
	idempotency   repos.IdempotencyRepo

	// Per-conversation append serialization; keeps the monotonic message
	// clock race-free on drivers that allow concurrent writers.
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func New(db *gorm.DB, log *logger.Logger) *Store {
	storeLog := log.With("component", "Store")
	return &Store{
		db:            db,
		log:           storeLog,
		conversations: repos.NewConversationRepo(db, log),
		messages:      repos.NewMessageRepo(db, log),
		sessions:      repos.NewSessionRepo(db, log),
		events:        repos.NewEventRepo(db, log),
		idempotency:   repos.NewIdempotencyRepo(db, log),
		locks:         map[uuid.UUID]*sync.Mutex{},
	}
}

func (s *Store) lockFor(conversationID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// ---- conversations ----

type CreateConversationInput struct {
	AgentID     string
	Title       string
	Source      string
	ExternalID  string
	ProjectPath string
}

func (s *Store) CreateConversation(ctx context.Context, in CreateConversationInput) (*types.Conversation, error) {
	agentID := strings.TrimSpace(in.AgentID)
	if agentID == "" {
		return nil, apierr.Validation("missing_agent_id", fmt.Errorf("agent_id is required"))
	}
	source := in.Source
	if source == "" {
		source = types.ConversationSourceGUI
	}

	now := time.Now().UTC()
	row := &types.Conversation{
		ID:          uuid.New(),
		AgentID:     agentID,
		Title:       strings.TrimSpace(in.Title),
		Status:      types.ConversationActive,
		Source:      source,
		ExternalID:  in.ExternalID,
		ProjectPath: in.ProjectPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: txx}
		if _, err := s.conversations.Create(inner, row); err != nil {
			return err
		}
		return s.appendEventTx(inner, types.EventConversationCreated, row.ID, nil, nil, map[string]any{
			"agent_id": row.AgentID,
		}, now)
	})
	if err != nil {
		return nil, apierr.Database(err)
	}
	return row, nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*types.Conversation, error) {
	row, err := s.conversations.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return row, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]*types.Conversation, error) {
	rows, err := s.conversations.List(dbctx.Context{Ctx: ctx})
	if err != nil {
		return nil, apierr.Database(err)
	}
	return rows, nil
}

type ConversationPatch struct {
	Title  *string
	Status *string
}

func (s *Store) UpdateConversation(ctx context.Context, id uuid.UUID, patch ConversationPatch) (*types.Conversation, error) {
	if patch.Status != nil {
		switch *patch.Status {
		case types.ConversationActive, types.ConversationArchived, types.ConversationDeleted:
		default:
			return nil, apierr.Validation("invalid_status", fmt.Errorf("unknown conversation status %q", *patch.Status))
		}
	}

	var out *types.Conversation
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: txx}
		row, err := s.conversations.GetByID(inner, id)
		if err != nil {
			return err
		}
		if row == nil {
			return apierr.NotFound("conversation_not_found", fmt.Errorf("conversation %s not found", id))
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{"updated_at": now}
		if patch.Title != nil {
			updates["title"] = strings.TrimSpace(*patch.Title)
			row.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Status != nil {
			updates["status"] = *patch.Status
			row.Status = *patch.Status
		}
		if err := s.conversations.UpdateFields(inner, id, updates); err != nil {
			return err
		}
		row.UpdatedAt = now

		if err := s.appendEventTx(inner, types.EventConversationUpdated, id, nil, nil, map[string]any{
			"title":  row.Title,
			"status": row.Status,
		}, now); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		if apierr.KindOf(err) != apierr.KindDatabase {
			return nil, err
		}
		return nil, apierr.Database(err)
	}
	return out, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID) (bool, error) {
	deleted := types.ConversationDeleted
	_, err := s.UpdateConversation(ctx, id, ConversationPatch{Status: &deleted})
	if err != nil {
		if apierr.KindOf(err) == apierr.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ---- messages ----

// AppendMessage persists one message with exactly-once semantics. A reused
// idempotency key inside the TTL window returns the original message without
// writing anything; otherwise the message row, the message.created event,
// the conversation updated_at bump, and the idempotency record commit
// atomically. created_at is strictly increasing within the conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID uuid.UUID, role, content, idempotencyKey string) (*types.Message, error) {
	switch role {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem:
	default:
		return nil, apierr.Validation("invalid_role", fmt.Errorf("unknown message role %q", role))
	}
	if conversationID == uuid.Nil {
		return nil, apierr.Validation("missing_conversation_id", fmt.Errorf("conversation_id is required"))
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)

	// Fast path: a retried key replays the cached result without touching
	// the write path at all.
	if idempotencyKey != "" {
		if msg, err := s.replayIdempotent(ctx, idempotencyKey); err != nil {
			return nil, err
		} else if msg != nil {
			return msg, nil
		}
	}

	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	var out *types.Message
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: txx}

		// Re-check under the append lock: a concurrent retry may have
		// committed between the fast path and here.
		if idempotencyKey != "" {
			rec, err := s.idempotency.Get(inner, idempotencyKey, time.Now().UTC().Add(-IdempotencyTTL))
			if err != nil {
				return err
			}
			if rec != nil {
				var cached types.Message
				if err := json.Unmarshal(rec.Value, &cached); err != nil {
					return fmt.Errorf("decode idempotency record: %w", err)
				}
				out = &cached
				return nil
			}
		}

		conv, err := s.conversations.GetByID(inner, conversationID)
		if err != nil {
			return err
		}
		if conv == nil {
			return apierr.NotFound("conversation_not_found", fmt.Errorf("conversation %s not found", conversationID))
		}

		createdAt, err := s.nextMessageStamp(inner, conversationID)
		if err != nil {
			return err
		}

		row := &types.Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			CreatedAt:      createdAt,
		}
		if _, err := s.messages.Create(inner, row); err != nil {
			return err
		}

		if err := s.appendEventTx(inner, types.EventMessageCreated, conversationID, nil, &row.ID, map[string]any{
			"role": role,
		}, createdAt); err != nil {
			return err
		}

		if err := s.conversations.TouchUpdatedAt(inner, conversationID, createdAt); err != nil {
			return err
		}

		if idempotencyKey != "" {
			encoded, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("encode idempotency record: %w", err)
			}
			if err := s.idempotency.Put(inner, &types.IdempotencyRecord{
				Key:       idempotencyKey,
				Value:     datatypes.JSON(encoded),
				CreatedAt: createdAt,
			}); err != nil {
				return err
			}
		}

		out = row
		return nil
	})
	if err != nil {
		if apierr.KindOf(err) == apierr.KindNotFound || apierr.KindOf(err) == apierr.KindValidation {
			return nil, err
		}
		return nil, apierr.Database(err)
	}
	return out, nil
}

func (s *Store) replayIdempotent(ctx context.Context, key string) (*types.Message, error) {
	rec, err := s.idempotency.Get(dbctx.Context{Ctx: ctx}, key, time.Now().UTC().Add(-IdempotencyTTL))
	if err != nil {
		return nil, apierr.Database(err)
	}
	if rec == nil {
		return nil, nil
	}
	var cached types.Message
	if err := json.Unmarshal(rec.Value, &cached); err != nil {
		return nil, apierr.Database(fmt.Errorf("decode idempotency record: %w", err))
	}
	return &cached, nil
}

// nextMessageStamp assigns a created_at strictly after every message already
// in the conversation, bumping by a microsecond when the wall clock has not
// advanced.
func (s *Store) nextMessageStamp(dbc dbctx.Context, conversationID uuid.UUID) (time.Time, error) {
	maxCreated, err := s.messages.MaxCreatedAt(dbc, conversationID)
	if err != nil {
		return time.Time{}, err
	}
	stamp := time.Now().UTC().Truncate(time.Microsecond)
	if !maxCreated.IsZero() && !stamp.After(maxCreated) {
		stamp = maxCreated.Add(time.Microsecond)
	}
	return stamp, nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*types.Message, error) {
	row, err := s.messages.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return row, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*types.Message, error) {
	rows, err := s.messages.ListByConversation(dbctx.Context{Ctx: ctx}, conversationID, limit, offset)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return rows, nil
}

// ---- sessions ----

func (s *Store) CreateSession(ctx context.Context, conversationID, userMessageID uuid.UUID) (*types.Session, error) {
	if conversationID == uuid.Nil || userMessageID == uuid.Nil {
		return nil, apierr.Validation("missing_session_refs", fmt.Errorf("conversation_id and user_message_id are required"))
	}

	now := time.Now().UTC()
	row := &types.Session{
		ID:             uuid.New(),
		ConversationID: conversationID,
		UserMessageID:  userMessageID,
		Status:         types.SessionPending,
		StartedAt:      now,
	}
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: txx}
		if _, err := s.sessions.Create(inner, row); err != nil {
			return err
		}
		return s.appendEventTx(inner, types.EventSessionCreated, conversationID, &row.ID, &userMessageID, map[string]any{
			"status": row.Status,
		}, now)
	})
	if err != nil {
		return nil, apierr.Database(err)
	}
	return row, nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*types.Session, error) {
	row, err := s.sessions.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return row, nil
}

func (s *Store) LatestSession(ctx context.Context, conversationID uuid.UUID) (*types.Session, error) {
	row, err := s.sessions.LatestByConversation(dbctx.Context{Ctx: ctx}, conversationID)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return row, nil
}

func (s *Store) SessionByUserMessage(ctx context.Context, userMessageID uuid.UUID) (*types.Session, error) {
	row, err := s.sessions.GetByUserMessage(dbctx.Context{Ctx: ctx}, userMessageID)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return row, nil
}

type SessionPatch struct {
	Status             *string
	CompletedAt        *time.Time
	ResponseText       *string
	AssistantMessageID *uuid.UUID
	Error              *string
}

// UpdateSession applies the patch to a snapshot copy and persists row plus
// the matching session.* event in one transaction. On failure the loaded row
// is untouched, so callers never observe a half-applied patch.
func (s *Store) UpdateSession(ctx context.Context, id uuid.UUID, patch SessionPatch) (*types.Session, error) {
	current, err := s.sessions.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, apierr.Database(err)
	}
	if current == nil {
		return nil, apierr.NotFound("session_not_found", fmt.Errorf("session %s not found", id))
	}

	next := current.Clone()
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		t := patch.CompletedAt.UTC()
		next.CompletedAt = &t
	}
	if patch.ResponseText != nil {
		next.ResponseText = *patch.ResponseText
	}
	if patch.AssistantMessageID != nil {
		mid := *patch.AssistantMessageID
		next.AssistantMessageID = &mid
	}
	if patch.Error != nil {
		next.Error = *patch.Error
	}

	now := time.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: txx}
		if err := s.sessions.Save(inner, next); err != nil {
			return err
		}
		data := map[string]any{"status": next.Status}
		if next.Error != "" {
			data["error"] = next.Error
		}
		return s.appendEventTx(inner, sessionEventType(next.Status), next.ConversationID, &next.ID, nil, data, now)
	})
	if err != nil {
		return nil, apierr.Database(err)
	}
	return next, nil
}

func sessionEventType(status string) string {
	switch status {
	case types.SessionProcessing:
		return types.EventSessionProcessing
	case types.SessionCompleted:
		return types.EventSessionCompleted
	case types.SessionTimeout:
		return types.EventSessionTimeout
	case types.SessionCancelled:
		return types.EventSessionCancelled
	case types.SessionError:
		return types.EventSessionError
	default:
		return types.EventSessionCreated
	}
}

// ---- events ----

func (s *Store) AppendEvent(ctx context.Context, eventType string, conversationID uuid.UUID, sessionID, messageID *uuid.UUID, data map[string]any) (*types.Event, error) {
	var out *types.Event
	err := s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: ctx, Tx: txx}
		row, err := s.buildEvent(eventType, conversationID, sessionID, messageID, data, time.Now().UTC())
		if err != nil {
			return err
		}
		if _, err := s.events.Append(inner, row); err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return nil, apierr.Database(err)
	}
	return out, nil
}

func (s *Store) EventsByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]*types.Event, error) {
	rows, err := s.events.ListByConversation(dbctx.Context{Ctx: ctx}, conversationID, limit)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return rows, nil
}

func (s *Store) EventsBySession(ctx context.Context, sessionID uuid.UUID) ([]*types.Event, error) {
	rows, err := s.events.ListBySession(dbctx.Context{Ctx: ctx}, sessionID)
	if err != nil {
		return nil, apierr.Database(err)
	}
	return rows, nil
}

func (s *Store) CountEventsByType(ctx context.Context, conversationID uuid.UUID, eventType string) (int64, error) {
	n, err := s.events.CountByType(dbctx.Context{Ctx: ctx}, conversationID, eventType)
	if err != nil {
		return 0, apierr.Database(err)
	}
	return n, nil
}

func (s *Store) appendEventTx(dbc dbctx.Context, eventType string, conversationID uuid.UUID, sessionID, messageID *uuid.UUID, data map[string]any, at time.Time) error {
	row, err := s.buildEvent(eventType, conversationID, sessionID, messageID, data, at)
	if err != nil {
		return err
	}
	_, err = s.events.Append(dbc, row)
	return err
}

func (s *Store) buildEvent(eventType string, conversationID uuid.UUID, sessionID, messageID *uuid.UUID, data map[string]any, at time.Time) (*types.Event, error) {
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return &types.Event{
		ID:             uuid.New(),
		Type:           eventType,
		ConversationID: conversationID,
		SessionID:      sessionID,
		MessageID:      messageID,
		Data:           datatypes.JSON(encoded),
		CreatedAt:      at,
	}, nil
}

// ---- integrity ----

type IntegrityReport struct {
	OK         bool     `json:"ok"`
	Violations []string `json:"violations"`
}

// ValidateIntegrity sweeps for cross-entity violations: orphaned messages,
// dangling session references, completed sessions without a response.
func (s *Store) ValidateIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{OK: true, Violations: []string{}}
	handle := s.db.WithContext(ctx)

	var orphanMessages []string
	err := handle.Raw(`
		SELECT message.id FROM message
		LEFT JOIN conversation ON conversation.id = message.conversation_id
		WHERE conversation.id IS NULL
	`).Scan(&orphanMessages).Error
	if err != nil {
		return nil, apierr.Database(err)
	}
	for _, id := range orphanMessages {
		report.Violations = append(report.Violations, fmt.Sprintf("message %s references a missing conversation", id))
	}

	var danglingUserRefs []string
	err = handle.Raw(`
		SELECT session.id FROM session
		LEFT JOIN message ON message.id = session.user_message_id
		WHERE message.id IS NULL
	`).Scan(&danglingUserRefs).Error
	if err != nil {
		return nil, apierr.Database(err)
	}
	for _, id := range danglingUserRefs {
		report.Violations = append(report.Violations, fmt.Sprintf("session %s references a missing user message", id))
	}

	var danglingAssistantRefs []string
	err = handle.Raw(`
		SELECT session.id FROM session
		LEFT JOIN message ON message.id = session.assistant_message_id
		WHERE session.assistant_message_id IS NOT NULL AND message.id IS NULL
	`).Scan(&danglingAssistantRefs).Error
	if err != nil {
		return nil, apierr.Database(err)
	}
	for _, id := range danglingAssistantRefs {
		report.Violations = append(report.Violations, fmt.Sprintf("session %s references a missing assistant message", id))
	}

	var incompleteSessions []string
	err = handle.Raw(`
		SELECT id FROM session
		WHERE status = ? AND assistant_message_id IS NULL
	`, types.SessionCompleted).Scan(&incompleteSessions).Error
	if err != nil {
		return nil, apierr.Database(err)
	}
	for _, id := range incompleteSessions {
		report.Violations = append(report.Violations, fmt.Sprintf("session %s completed without an assistant message", id))
	}

	report.OK = len(report.Violations) == 0
	if !report.OK {
		s.log.Warn("integrity violations found", "count", len(report.Violations))
	}
	return report, nil
}
