package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

// fakeSleep records requested backoffs instead of waiting.
func fakeSleep(record *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*record = append(*record, d)
		return ctx.Err()
	}
}

func TestFlushDeliversInOrder(t *testing.T) {
	var delivered []string
	q := NewOfflineQueue(mustTestLogger(t), func(ctx context.Context, op Operation) error {
		delivered = append(delivered, op.Content)
		return nil
	})

	conversationID := uuid.New()
	for _, content := range []string{"first", "second", "third"} {
		q.Enqueue(Operation{ConversationID: conversationID, Content: content})
	}
	if q.Len() != 3 {
		t.Fatalf("queue length: want=3 got=%d", q.Len())
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("queue not drained: %d left", q.Len())
	}
	want := []string{"first", "second", "third"}
	for i, content := range want {
		if delivered[i] != content {
			t.Fatalf("delivery order[%d]: want=%s got=%s", i, content, delivered[i])
		}
	}
}

func TestEnqueueAssignsIdempotencyKey(t *testing.T) {
	q := NewOfflineQueue(mustTestLogger(t), func(ctx context.Context, op Operation) error { return nil })
	op := q.Enqueue(Operation{ConversationID: uuid.New(), Content: "hi"})
	if op.IdempotencyKey == "" {
		t.Fatalf("expected assigned idempotency key")
	}

	keyed := q.Enqueue(Operation{ConversationID: uuid.New(), Content: "hi", IdempotencyKey: "mine"})
	if keyed.IdempotencyKey != "mine" {
		t.Fatalf("caller key replaced: got=%s", keyed.IdempotencyKey)
	}
}

func TestRetryBackoffDoublesToCap(t *testing.T) {
	var backoffs []time.Duration
	failures := 4
	attempts := 0
	q := NewOfflineQueue(mustTestLogger(t), func(ctx context.Context, op Operation) error {
		attempts++
		if attempts <= failures {
			return fmt.Errorf("transient %d", attempts)
		}
		return nil
	})
	q.sleep = fakeSleep(&backoffs)

	q.Enqueue(Operation{ConversationID: uuid.New(), Content: "retry me"})
	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if attempts != failures+1 {
		t.Fatalf("attempts: want=%d got=%d", failures+1, attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(backoffs) != len(want) {
		t.Fatalf("backoff count: want=%d got=%d (%v)", len(want), len(backoffs), backoffs)
	}
	for i := range want {
		if backoffs[i] != want[i] {
			t.Fatalf("backoff[%d]: want=%s got=%s", i, want[i], backoffs[i])
		}
	}
}

func TestExhaustedOperationStaysQueued(t *testing.T) {
	var backoffs []time.Duration
	q := NewOfflineQueue(mustTestLogger(t), func(ctx context.Context, op Operation) error {
		return fmt.Errorf("server unreachable")
	})
	q.sleep = fakeSleep(&backoffs)

	q.Enqueue(Operation{ConversationID: uuid.New(), Content: "stuck"})
	q.Enqueue(Operation{ConversationID: uuid.New(), Content: "behind"})

	err := q.Flush(context.Background())
	if err == nil {
		t.Fatalf("expected flush failure after exhausting attempts")
	}

	// Both operations remain, in order, with the head's attempts recorded.
	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending: want=2 got=%d", len(pending))
	}
	if pending[0].Content != "stuck" || pending[1].Content != "behind" {
		t.Fatalf("queue order disturbed: %+v", pending)
	}
	if pending[0].Attempts != maxAttempts {
		t.Fatalf("head attempts: want=%d got=%d", maxAttempts, pending[0].Attempts)
	}
	if pending[0].LastError == "" {
		t.Fatalf("head missing last error")
	}
	if pending[1].Attempts != 0 {
		t.Fatalf("trailing operation was attempted out of order")
	}

	// A later flush without a reset refuses immediately.
	if err := q.Flush(context.Background()); err == nil {
		t.Fatalf("expected immediate failure on exhausted head")
	}

	// Manual retry re-arms the head.
	if !q.ResetAttempts(pending[0].IdempotencyKey) {
		t.Fatalf("reset attempts failed")
	}
	if got := q.Pending()[0].Attempts; got != 0 {
		t.Fatalf("attempts after reset: want=0 got=%d", got)
	}
}

func TestFlushStopsOnContextCancel(t *testing.T) {
	q := NewOfflineQueue(mustTestLogger(t), func(ctx context.Context, op Operation) error {
		return fmt.Errorf("down")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.sleep = func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}

	q.Enqueue(Operation{ConversationID: uuid.New(), Content: "offline"})
	if err := q.Flush(ctx); err == nil {
		t.Fatalf("expected error from cancelled flush")
	}
	if q.Len() != 1 {
		t.Fatalf("operation lost on cancelled flush")
	}
}
