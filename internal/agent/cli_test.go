package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/apierr"
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

func TestCLIAgentStreamsStdout(t *testing.T) {
	runner, err := NewCLIAgent(mustTestLogger(t), []string{"cat"})
	if err != nil {
		t.Fatalf("new cli agent: %v", err)
	}

	var chunks []Block
	result, err := runner.Run(context.Background(), "hello\nworld", "", func(b Block) {
		chunks = append(chunks, b)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalText != "hello\nworld" {
		t.Fatalf("final text: want=%q got=%q", "hello\nworld", result.FinalText)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks: want=2 got=%d", len(chunks))
	}
	for _, chunk := range chunks {
		if chunk.Type != BlockText {
			t.Fatalf("chunk type: want=%s got=%s", BlockText, chunk.Type)
		}
	}
}

func TestCLIAgentReportsExitFailure(t *testing.T) {
	runner, err := NewCLIAgent(mustTestLogger(t), []string{"false"})
	if err != nil {
		t.Fatalf("new cli agent: %v", err)
	}
	_, err = runner.Run(context.Background(), "ignored", "", nil)
	if err == nil {
		t.Fatalf("expected failure from exiting agent")
	}
	if kind := apierr.KindOf(err); kind != apierr.KindAgent {
		t.Fatalf("error kind: want=%s got=%s (%v)", apierr.KindAgent, kind, err)
	}
}

func TestCLIAgentHonoursCancellation(t *testing.T) {
	runner, err := NewCLIAgent(mustTestLogger(t), []string{"sleep", "30"})
	if err != nil {
		t.Fatalf("new cli agent: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = runner.Run(ctx, "ignored", "", nil)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancellation did not abort the process promptly")
	}
	if kind := apierr.KindOf(err); kind != apierr.KindCancelled {
		t.Fatalf("error kind: want=%s got=%s (%v)", apierr.KindCancelled, kind, err)
	}
}

func TestRegistryAcquireUnknownAgent(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Acquire(context.Background(), "nope")
	if err == nil {
		t.Fatalf("expected error for unknown agent")
	}
	if kind := apierr.KindOf(err); kind != apierr.KindAgent {
		t.Fatalf("error kind: want=%s got=%s", apierr.KindAgent, kind)
	}
	var classified *apierr.Error
	if !errors.As(err, &classified) {
		t.Fatalf("expected classified error, got %T", err)
	}
}

func TestRegistryRegisterAndAcquire(t *testing.T) {
	registry := NewRegistry()
	runner, err := NewCLIAgent(mustTestLogger(t), []string{"cat"})
	if err != nil {
		t.Fatalf("new cli agent: %v", err)
	}
	if err := registry.Register("claude-code", runner); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := registry.Acquire(context.Background(), "claude-code")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got != runner {
		t.Fatalf("acquire returned a different runner")
	}
}
