package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/data/repos/testutil"
	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/apierr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(testutil.DB(t), testutil.Logger(t))
}

func seedConversation(t *testing.T, s *Store) *types.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), CreateConversationInput{
		AgentID: "claude-code",
		Title:   "test thread",
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestCreateConversationRequiresAgentID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateConversation(context.Background(), CreateConversationInput{AgentID: "  "})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if kind := apierr.KindOf(err); kind != apierr.KindValidation {
		t.Fatalf("error kind: want=%s got=%s", apierr.KindValidation, kind)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	conv := seedConversation(t, s)

	got, err := s.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got == nil {
		t.Fatalf("conversation missing after create")
	}
	if got.ID != conv.ID || got.AgentID != conv.AgentID || got.Title != conv.Title || got.Status != types.ConversationActive {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, conv)
	}
}

func TestListConversationsExcludesSoftDeleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := seedConversation(t, s)
	second := seedConversation(t, s)

	deleted, err := s.DeleteConversation(ctx, first.ID)
	if err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if !deleted {
		t.Fatalf("delete reported false for existing conversation")
	}

	rows, err := s.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != second.ID {
		t.Fatalf("list after soft delete: got %d rows", len(rows))
	}

	if got, err := s.GetConversation(ctx, first.ID); err != nil || got != nil {
		t.Fatalf("soft-deleted conversation still readable: %v %v", got, err)
	}
}

func TestUpdateConversationIdempotentPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	title := "renamed"
	status := types.ConversationArchived
	patch := ConversationPatch{Title: &title, Status: &status}

	first, err := s.UpdateConversation(ctx, conv.ID, patch)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	second, err := s.UpdateConversation(ctx, conv.ID, patch)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if first.Title != second.Title || first.Status != second.Status {
		t.Fatalf("repeated patch changed fields: %+v vs %+v", first, second)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatalf("updated_at went backwards")
	}
}

func TestUpdateConversationNotFound(t *testing.T) {
	s := newTestStore(t)
	title := "x"
	_, err := s.UpdateConversation(context.Background(), uuid.New(), ConversationPatch{Title: &title})
	if kind := apierr.KindOf(err); kind != apierr.KindNotFound {
		t.Fatalf("error kind: want=%s got=%s (%v)", apierr.KindNotFound, kind, err)
	}
}

func TestAppendMessageIdempotentRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		msg, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, "hi", "k-1")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("retries returned distinct messages: %v", ids)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages: want=1 got=%d", len(msgs))
	}

	events, err := s.CountEventsByType(ctx, conv.ID, types.EventMessageCreated)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("message.created events: want=1 got=%d", events)
	}
}

func TestAppendMessageExpiredKeyCreatesNewMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	first, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, "hi", "k-old")
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Age the record past the TTL; the key must now miss.
	expired := time.Now().UTC().Add(-IdempotencyTTL - time.Hour)
	if err := s.db.Exec(`UPDATE idempotency_record SET created_at = ? WHERE key = ?`, expired, "k-old").Error; err != nil {
		t.Fatalf("age idempotency record: %v", err)
	}

	second, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, "hi", "k-old")
	if err != nil {
		t.Fatalf("append after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expired key replayed the original message")
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages: want=2 got=%d", len(msgs))
	}
}

func TestAppendMessageBoundaryContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	if _, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, "", ""); err != nil {
		t.Fatalf("empty content rejected: %v", err)
	}
	large := strings.Repeat("x", 10_000)
	msg, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, large, "")
	if err != nil {
		t.Fatalf("large content rejected: %v", err)
	}
	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil || got == nil {
		t.Fatalf("get large message: %v", err)
	}
	if got.Content != large {
		t.Fatalf("large content truncated: want=%d got=%d bytes", len(large), len(got.Content))
	}
}

func TestAppendMessageRejectsBadTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	if _, err := s.AppendMessage(ctx, uuid.New(), types.RoleUser, "hi", ""); apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("missing conversation: want not_found, got %v", err)
	}

	if _, err := s.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, "hi", ""); apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("deleted conversation: want not_found, got %v", err)
	}

	if _, err := s.AppendMessage(ctx, conv.ID, "robot", "hi", ""); apierr.KindOf(err) != apierr.KindValidation {
		t.Fatalf("bad role: want validation, got %v", err)
	}
}

func TestConcurrentAppendsKeepStrictOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	contents := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	errs := make([]error, len(contents))
	for i, content := range contents {
		wg.Add(1)
		go func(i int, content string) {
			defer wg.Done()
			_, errs[i] = s.AppendMessage(ctx, conv.ID, types.RoleUser, content, "key-"+content)
		}(i, content)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("messages: want=%d got=%d", len(contents), len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Fatalf("created_at not strictly increasing at %d: %v vs %v", i, msgs[i-1].CreatedAt, msgs[i].CreatedAt)
		}
	}

	events, err := s.CountEventsByType(ctx, conv.ID, types.EventMessageCreated)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != int64(len(contents)) {
		t.Fatalf("message.created events: want=%d got=%d", len(contents), events)
	}
}

func TestLatestSessionOnEmptyConversation(t *testing.T) {
	s := newTestStore(t)
	conv := seedConversation(t, s)

	session, err := s.LatestSession(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("latest session: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session, got %+v", session)
	}
}

func TestSessionLifecycleAndEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	userMsg, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, "ping", "")
	if err != nil {
		t.Fatalf("append user message: %v", err)
	}
	session, err := s.CreateSession(ctx, conv.ID, userMsg.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != types.SessionPending {
		t.Fatalf("new session status: want=%s got=%s", types.SessionPending, session.Status)
	}

	processing := types.SessionProcessing
	if _, err := s.UpdateSession(ctx, session.ID, SessionPatch{Status: &processing}); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	asst, err := s.AppendMessage(ctx, conv.ID, types.RoleAssistant, "pong", "")
	if err != nil {
		t.Fatalf("append assistant message: %v", err)
	}
	if !asst.CreatedAt.After(userMsg.CreatedAt) {
		t.Fatalf("assistant message not after user message")
	}

	now := time.Now().UTC()
	completed := types.SessionCompleted
	text := "pong"
	updated, err := s.UpdateSession(ctx, session.ID, SessionPatch{
		Status:             &completed,
		CompletedAt:        &now,
		ResponseText:       &text,
		AssistantMessageID: &asst.ID,
	})
	if err != nil {
		t.Fatalf("complete session: %v", err)
	}
	if updated.ResponseText != "pong" || updated.AssistantMessageID == nil || *updated.AssistantMessageID != asst.ID {
		t.Fatalf("completed session response mismatch: %+v", updated)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil || got == nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != types.SessionCompleted {
		t.Fatalf("persisted status: want=%s got=%s", types.SessionCompleted, got.Status)
	}

	latest, err := s.LatestSession(ctx, conv.ID)
	if err != nil || latest == nil {
		t.Fatalf("latest session: %v", err)
	}
	if latest.ID != session.ID {
		t.Fatalf("latest session mismatch")
	}

	events, err := s.EventsBySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("events by session: %v", err)
	}
	seen := map[string]bool{}
	for _, ev := range events {
		seen[ev.Type] = true
	}
	for _, want := range []string{types.EventSessionCreated, types.EventSessionProcessing, types.EventSessionCompleted} {
		if !seen[want] {
			t.Fatalf("missing %s event; got %v", want, seen)
		}
	}
}

func TestUpdateSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	status := types.SessionError
	_, err := s.UpdateSession(context.Background(), uuid.New(), SessionPatch{Status: &status})
	if kind := apierr.KindOf(err); kind != apierr.KindNotFound {
		t.Fatalf("error kind: want=%s got=%s (%v)", apierr.KindNotFound, kind, err)
	}
}

func TestValidateIntegrityCleanStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	userMsg, err := s.AppendMessage(ctx, conv.ID, types.RoleUser, "hello", "")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.CreateSession(ctx, conv.ID, userMsg.ID); err != nil {
		t.Fatalf("create session: %v", err)
	}

	report, err := s.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("validate integrity: %v", err)
	}
	if !report.OK {
		t.Fatalf("integrity violations on clean store: %v", report.Violations)
	}
}

func TestValidateIntegrityFlagsDanglingSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s)

	// Forge a session whose user message never existed.
	forged := &types.Session{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		UserMessageID:  uuid.New(),
		Status:         types.SessionPending,
		StartedAt:      time.Now().UTC(),
	}
	if err := s.db.Create(forged).Error; err != nil {
		t.Fatalf("forge session: %v", err)
	}

	report, err := s.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatalf("validate integrity: %v", err)
	}
	if report.OK || len(report.Violations) == 0 {
		t.Fatalf("expected violations for dangling session")
	}
}
