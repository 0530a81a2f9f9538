package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

type State string

const (
	StatePending        State = "pending"
	StateAcquiringAgent State = "acquiring_agent"
	StateAgentAcquired  State = "agent_acquired"
	StateSendingPrompt  State = "sending_prompt"
	StateProcessing     State = "processing"
	StateCompleted      State = "completed"
	StateError          State = "error"
	StateTimeout        State = "timeout"
	StateCancelled      State = "cancelled"
)

// DefaultTimeout is the watchdog deadline for a session that never reaches a
// terminal state on its own.
const DefaultTimeout = 120 * time.Second

var terminalStates = map[State]bool{
	StateCompleted: true,
	StateError:     true,
	StateTimeout:   true,
	StateCancelled: true,
}

// legalTransitions is the full transition table. Every non-terminal state may
// fail into error/timeout/cancelled; the happy path is strictly linear.
var legalTransitions = map[State][]State{
	StatePending:        {StateAcquiringAgent, StateError, StateTimeout, StateCancelled},
	StateAcquiringAgent: {StateAgentAcquired, StateError, StateTimeout, StateCancelled},
	StateAgentAcquired:  {StateSendingPrompt, StateError, StateTimeout, StateCancelled},
	StateSendingPrompt:  {StateProcessing, StateCompleted, StateError, StateTimeout, StateCancelled},
	StateProcessing:     {StateCompleted, StateError, StateTimeout, StateCancelled},
	StateCompleted:      {},
	StateError:          {},
	StateTimeout:        {},
	StateCancelled:      {},
}

func (s State) Terminal() bool { return terminalStates[s] }

// ErrInvalidTransition reports a transition outside the legal table. The
// machine is left untouched: no state change, no history entry, no event.
type ErrInvalidTransition struct {
	SessionID uuid.UUID
	From      State
	To        State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for session %s", e.From, e.To, e.SessionID)
}

// TerminalError carries the terminal state and data bag of a session that
// finished in anything other than completed.
type TerminalError struct {
	State State
	Data  map[string]any
}

func (e *TerminalError) Error() string {
	if msg, ok := e.Data["error"].(string); ok && msg != "" {
		return fmt.Sprintf("session %s: %s", e.State, msg)
	}
	return fmt.Sprintf("session %s", e.State)
}

type Transition struct {
	State   State          `json:"state"`
	At      time.Time      `json:"at"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type TransitionOpts struct {
	Reason  string
	Details map[string]any
	// Data merges into the session data bag.
	Data map[string]any
}

type Result struct {
	State State
	Data  map[string]any
}

type Summary struct {
	SessionID        uuid.UUID    `json:"session_id"`
	ConversationID   uuid.UUID    `json:"conversation_id"`
	State            State        `json:"state"`
	CreatedAt        time.Time    `json:"created_at"`
	LastTransitionAt time.Time    `json:"last_transition_at"`
	Error            string       `json:"error,omitempty"`
	History          []Transition `json:"history"`
}

// SessionFSM is the explicit per-session state machine. Transition is the
// only mutation path; the watchdog forces timeout when nothing terminal
// happens within the deadline, and the completion future resolves exactly
// once at the first terminal transition.
type SessionFSM struct {
	SessionID      uuid.UUID
	ConversationID uuid.UUID
	UserMessageID  uuid.UUID

	log *logger.Logger

	mu             sync.Mutex
	state          State
	history        []Transition
	data           map[string]any
	createdAt      time.Time
	lastTransition time.Time
	watchdog       *time.Timer
	done           chan struct{}
	result         Result
	resultErr      error
}

func New(log *logger.Logger, sessionID, conversationID, userMessageID uuid.UUID, timeout time.Duration) *SessionFSM {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := time.Now().UTC()
	m := &SessionFSM{
		SessionID:      sessionID,
		ConversationID: conversationID,
		UserMessageID:  userMessageID,
		log:            log.With("component", "SessionFSM", "session_id", sessionID.String()),
		state:          StatePending,
		data:           map[string]any{},
		createdAt:      now,
		lastTransition: now,
		done:           make(chan struct{}),
	}
	m.history = append(m.history, Transition{State: StatePending, At: now, Reason: "created"})
	m.watchdog = time.AfterFunc(timeout, m.watchdogFired)
	return m
}

// watchdogFired forces a timeout transition. Fires on an already-terminal
// machine are no-ops.
func (m *SessionFSM) watchdogFired() {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.applyLocked(StateTimeout, TransitionOpts{
		Reason: "watchdog deadline exceeded",
		Data:   map[string]any{"error": "session timed out"},
	})
	m.mu.Unlock()
	m.log.Warn("watchdog forced timeout")
}

// Transition validates and applies one state change. Invalid transitions
// fail with ErrInvalidTransition and leave the machine untouched.
func (m *SessionFSM) Transition(next State, opts TransitionOpts) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := false
	for _, candidate := range legalTransitions[m.state] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ErrInvalidTransition{SessionID: m.SessionID, From: m.state, To: next}
	}
	m.applyLocked(next, opts)
	return nil
}

func (m *SessionFSM) applyLocked(next State, opts TransitionOpts) {
	now := time.Now().UTC()
	m.state = next
	m.lastTransition = now
	m.history = append(m.history, Transition{
		State:   next,
		At:      now,
		Reason:  opts.Reason,
		Details: opts.Details,
	})
	for k, v := range opts.Data {
		m.data[k] = v
	}

	if !next.Terminal() {
		return
	}

	m.watchdog.Stop()
	m.result = Result{State: next, Data: copyBag(m.data)}
	if next != StateCompleted {
		m.resultErr = &TerminalError{State: next, Data: copyBag(m.data)}
	}
	close(m.done)
}

// AppendText accumulates streamed text into the data bag without a state
// change; chunks arrive far too often to be transitions.
func (m *SessionFSM) AppendText(text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, _ := m.data["fullText"].(string)
	m.data["fullText"] = current + text
}

func (m *SessionFSM) AppendBlock(block any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks, _ := m.data["blocks"].([]any)
	m.data["blocks"] = append(blocks, block)
}

// Completion blocks until the session reaches a terminal state. It returns
// the result on completed and a *TerminalError otherwise.
func (m *SessionFSM) Completion(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-m.done:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.resultErr
}

// Done exposes the terminal signal for select loops.
func (m *SessionFSM) Done() <-chan struct{} { return m.done }

func (m *SessionFSM) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *SessionFSM) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *SessionFSM) Data() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyBag(m.data)
}

func (m *SessionFSM) CreatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createdAt
}

func (m *SessionFSM) LastTransitionAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

func (m *SessionFSM) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]Transition, len(m.history))
	copy(history, m.history)
	errMsg, _ := m.data["error"].(string)
	return Summary{
		SessionID:        m.SessionID,
		ConversationID:   m.ConversationID,
		State:            m.state,
		CreatedAt:        m.createdAt,
		LastTransitionAt: m.lastTransition,
		Error:            errMsg,
		History:          history,
	}
}

func copyBag(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
