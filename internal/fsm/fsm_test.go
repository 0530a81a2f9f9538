package fsm

import (
	"context"
	"errors"
	"sync"
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

func newTestFSM(t *testing.T, timeout time.Duration) *SessionFSM {
	t.Helper()
	return New(mustTestLogger(t), uuid.New(), uuid.New(), uuid.New(), timeout)
}

func TestTransitionHappyPath(t *testing.T) {
	m := newTestFSM(t, time.Minute)

	path := []State{StateAcquiringAgent, StateAgentAcquired, StateSendingPrompt, StateProcessing, StateCompleted}
	for _, next := range path {
		if err := m.Transition(next, TransitionOpts{Reason: "test"}); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	if got := m.State(); got != StateCompleted {
		t.Fatalf("state: want=%s got=%s", StateCompleted, got)
	}
	history := m.History()
	if len(history) != len(path)+1 {
		t.Fatalf("history length: want=%d got=%d", len(path)+1, len(history))
	}
	if history[0].State != StatePending {
		t.Fatalf("history[0]: want=%s got=%s", StatePending, history[0].State)
	}
	for i, next := range path {
		if history[i+1].State != next {
			t.Fatalf("history[%d]: want=%s got=%s", i+1, next, history[i+1].State)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := m.Completion(ctx)
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("completion state: want=%s got=%s", StateCompleted, res.State)
	}
}

func TestInvalidTransitionGuard(t *testing.T) {
	m := newTestFSM(t, time.Minute)

	err := m.Transition(StateCompleted, TransitionOpts{Reason: "skip ahead"})
	if err == nil {
		t.Fatalf("expected invalid transition error")
	}
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("error type: want=ErrInvalidTransition got=%T", err)
	}
	if invalid.From != StatePending || invalid.To != StateCompleted {
		t.Fatalf("error detail: got %s -> %s", invalid.From, invalid.To)
	}
	if got := m.State(); got != StatePending {
		t.Fatalf("state after invalid transition: want=%s got=%s", StatePending, got)
	}
	if got := len(m.History()); got != 1 {
		t.Fatalf("history after invalid transition: want=1 got=%d", got)
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateError, StateTimeout, StateCancelled} {
		if len(legalTransitions[terminal]) != 0 {
			t.Fatalf("terminal state %s has outgoing transitions", terminal)
		}
	}
}

func TestCancelledReachableFromEveryNonTerminalState(t *testing.T) {
	prefixes := [][]State{
		{},
		{StateAcquiringAgent},
		{StateAcquiringAgent, StateAgentAcquired},
		{StateAcquiringAgent, StateAgentAcquired, StateSendingPrompt},
		{StateAcquiringAgent, StateAgentAcquired, StateSendingPrompt, StateProcessing},
	}
	for _, prefix := range prefixes {
		m := newTestFSM(t, time.Minute)
		for _, next := range prefix {
			if err := m.Transition(next, TransitionOpts{}); err != nil {
				t.Fatalf("prefix transition to %s: %v", next, err)
			}
		}
		if err := m.Transition(StateCancelled, TransitionOpts{Reason: "external"}); err != nil {
			t.Fatalf("cancel from %v: %v", m.State(), err)
		}
	}
}

func TestWatchdogForcesTimeout(t *testing.T) {
	m := newTestFSM(t, 50*time.Millisecond)
	if err := m.Transition(StateAcquiringAgent, TransitionOpts{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.Completion(ctx)
	if err == nil {
		t.Fatalf("expected terminal error from watchdog")
	}
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("error type: want=TerminalError got=%T", err)
	}
	if terminal.State != StateTimeout {
		t.Fatalf("terminal state: want=%s got=%s", StateTimeout, terminal.State)
	}
	if got := m.State(); got != StateTimeout {
		t.Fatalf("state: want=%s got=%s", StateTimeout, got)
	}
}

func TestWatchdogNoOpAfterTerminal(t *testing.T) {
	m := newTestFSM(t, 30*time.Millisecond)
	for _, next := range []State{StateAcquiringAgent, StateAgentAcquired, StateSendingPrompt, StateCompleted} {
		if err := m.Transition(next, TransitionOpts{}); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	time.Sleep(80 * time.Millisecond)
	if got := m.State(); got != StateCompleted {
		t.Fatalf("watchdog overwrote terminal state: got=%s", got)
	}
}

func TestCompletionResolvesExactlyOnceUnderRace(t *testing.T) {
	m := newTestFSM(t, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Transition(StateError, TransitionOpts{Reason: "race", Data: map[string]any{"error": "boom"}})
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := m.Completion(ctx)
	if err == nil {
		t.Fatalf("expected terminal error")
	}

	terminalEntries := 0
	for _, tr := range m.History() {
		if tr.State.Terminal() {
			terminalEntries++
		}
	}
	if terminalEntries != 1 {
		t.Fatalf("terminal history entries: want=1 got=%d", terminalEntries)
	}
}

func TestDataBagAccumulation(t *testing.T) {
	m := newTestFSM(t, time.Minute)
	m.AppendText("po")
	m.AppendText("ng")
	m.AppendBlock(map[string]any{"type": "text"})
	m.AppendBlock(map[string]any{"type": "code"})

	data := m.Data()
	if got, _ := data["fullText"].(string); got != "pong" {
		t.Fatalf("fullText: want=pong got=%q", got)
	}
	blocks, _ := data["blocks"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("blocks: want=2 got=%d", len(blocks))
	}

	// The accessor returns a copy; mutating it must not leak back.
	data["fullText"] = "mutated"
	if got, _ := m.Data()["fullText"].(string); got != "pong" {
		t.Fatalf("data bag aliased by accessor copy: got=%q", got)
	}
}
