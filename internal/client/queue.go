package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 16 * time.Second
	maxAttempts = 5
)

// Operation is one queued outbound dispatch. The idempotency key travels
// with every retry, so a partially delivered flush is safe to repeat.
type Operation struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Content        string    `json:"content"`
	AgentID        string    `json:"agent_id,omitempty"`
	FolderContext  string    `json:"folder_context,omitempty"`

	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// SendFunc delivers one operation to the server. A nil error acknowledges
// the operation; any error counts as one failed attempt.
type SendFunc func(ctx context.Context, op Operation) error

// OfflineQueue buffers dispatches while disconnected and flushes them in
// FIFO order on reconnect. After maxAttempts the head stays queued for
// manual retry; nothing behind it is attempted out of order.
type OfflineQueue struct {
	log  *logger.Logger
	send SendFunc

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	ops []*Operation
}

func NewOfflineQueue(log *logger.Logger, send SendFunc) *OfflineQueue {
	return &OfflineQueue{
		log:  log.With("component", "OfflineQueue"),
		send: send,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Enqueue appends the operation, assigning an idempotency key when the
// caller did not bring one.
func (q *OfflineQueue) Enqueue(op Operation) Operation {
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.New().String()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	stored := op
	q.ops = append(q.ops, &stored)
	return stored
}

func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Pending snapshots the queue without exposing internal pointers.
func (q *OfflineQueue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, *op)
	}
	return out
}

// Flush delivers queued operations in order. Each operation retries with
// exponential backoff (1s doubling to 16s) up to maxAttempts; exhausting the
// budget stops the flush with the operation still at the head.
func (q *OfflineQueue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.ops[0]
		q.mu.Unlock()

		if err := q.deliver(ctx, head); err != nil {
			return err
		}

		q.mu.Lock()
		if len(q.ops) > 0 && q.ops[0] == head {
			q.ops = q.ops[1:]
		}
		q.mu.Unlock()
	}
}

func (q *OfflineQueue) deliver(ctx context.Context, op *Operation) error {
	backoff := baseBackoff
	for {
		q.mu.Lock()
		attempts := op.Attempts
		q.mu.Unlock()
		if attempts >= maxAttempts {
			return fmt.Errorf("operation %s exhausted %d attempts: %s", op.IdempotencyKey, maxAttempts, op.LastError)
		}

		err := q.send(ctx, *op)

		q.mu.Lock()
		op.Attempts++
		if err != nil {
			op.LastError = err.Error()
		}
		attempts = op.Attempts
		q.mu.Unlock()

		if err == nil {
			return nil
		}
		q.log.Warn("queued operation failed", "idempotency_key", op.IdempotencyKey, "attempt", attempts, "error", err)
		if attempts >= maxAttempts {
			return fmt.Errorf("operation %s exhausted %d attempts: %w", op.IdempotencyKey, maxAttempts, err)
		}

		if err := q.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// ResetAttempts re-arms a stalled head operation for a manual retry.
func (q *OfflineQueue) ResetAttempts(idempotencyKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.IdempotencyKey == idempotencyKey {
			op.Attempts = 0
			op.LastError = ""
			return true
		}
	}
	return false
}
