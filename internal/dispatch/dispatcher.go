package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/agent"
	types "github.com/agentdeck/agentdeck-backend/internal/domain"
	"github.com/agentdeck/agentdeck-backend/internal/fsm"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/apierr"
	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
	"github.com/agentdeck/agentdeck-backend/internal/services"
	"github.com/agentdeck/agentdeck-backend/internal/store"
)

type Input struct {
	ConversationID uuid.UUID
	Content        string
	AgentID        string
	IdempotencyKey string
	FolderContext  string
}

// Handle is what the intake path returns: everything persisted so far plus
// the live machine for completion waits. Subscribe to the stream with
// StreamID (the conversation) on the hub.
type Handle struct {
	Message  *types.Message
	Session  *types.Session
	Machine  *fsm.SessionFSM
	StreamID uuid.UUID
	// Replayed marks an idempotent retry that attached to an existing
	// session instead of starting a new one.
	Replayed bool
}

// Completion blocks until the session is terminal. Nil machine (replayed
// handle whose machine was already swept) resolves immediately from the row.
func (h *Handle) Completion(ctx context.Context) (fsm.Result, error) {
	if h.Machine == nil {
		return fsm.Result{State: fsm.State(h.Session.Status)}, nil
	}
	return h.Machine.Completion(ctx)
}

type Config struct {
	SessionTimeout time.Duration
	AcquireTimeout time.Duration
}

// Dispatcher closes the loop from an inbound user message to a persisted
// assistant reply. The intake path returns as soon as the message and
// session rows are committed; a dispatcher-owned goroutine drives the agent.
type Dispatcher struct {
	log      *logger.Logger
	store    *store.Store
	registry *fsm.Registry
	agents   *agent.Registry
	notifier services.Notifier

	sessionTimeout time.Duration
	acquireTimeout time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	// One in-flight session per conversation; later dispatches queue on the
	// gate so message ordering holds for every subscriber.
	mu    sync.Mutex
	gates map[uuid.UUID]chan struct{}
}

func New(log *logger.Logger, st *store.Store, registry *fsm.Registry, agents *agent.Registry, notifier services.Notifier, cfg Config) *Dispatcher {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = fsm.DefaultTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = agent.DefaultAcquireTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:            log.With("component", "Dispatcher"),
		store:          st,
		registry:       registry,
		agents:         agents,
		notifier:       notifier,
		sessionTimeout: cfg.SessionTimeout,
		acquireTimeout: cfg.AcquireTimeout,
		baseCtx:        baseCtx,
		cancelBase:     cancel,
		gates:          map[uuid.UUID]chan struct{}{},
	}
}

// Close cancels every in-flight agent run and waits for those sessions to
// finish their bookkeeping. It does not stop later Dispatch calls.
func (d *Dispatcher) Close() {
	d.cancelBase()
	d.wg.Wait()
}

func (d *Dispatcher) gateFor(conversationID uuid.UUID) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	gate, ok := d.gates[conversationID]
	if !ok {
		gate = make(chan struct{}, 1)
		d.gates[conversationID] = gate
	}
	return gate
}

// Dispatch persists the user message (idempotently), creates the session and
// its machine, publishes message_created, and returns. A retried idempotency
// key attaches to the original session instead of dispatching again.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) (*Handle, error) {
	conv, err := d.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apierr.NotFound("conversation_not_found", fmt.Errorf("conversation %s not found", in.ConversationID))
	}
	agentID := in.AgentID
	if agentID == "" {
		agentID = conv.AgentID
	}
	in.AgentID = agentID

	msg, err := d.store.AppendMessage(ctx, in.ConversationID, types.RoleUser, in.Content, in.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	// A replayed key means the message existed before this call; whatever
	// session it spawned is the authoritative one.
	if in.IdempotencyKey != "" {
		existing, err := d.store.SessionByUserMessage(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &Handle{
				Message:  msg,
				Session:  existing,
				Machine:  d.registry.Get(existing.ID),
				StreamID: in.ConversationID,
				Replayed: true,
			}, nil
		}
	}

	session, err := d.store.CreateSession(ctx, in.ConversationID, msg.ID)
	if err != nil {
		return nil, err
	}

	machine, err := d.registry.Create(session.ID, in.ConversationID, msg.ID, d.sessionTimeout)
	if err != nil {
		return nil, apierr.Conflict("session_already_registered", err)
	}

	d.notifier.MessageCreated(in.ConversationID, msg)

	d.wg.Add(1)
	go d.run(machine, session, in)

	return &Handle{
		Message:  msg,
		Session:  session,
		Machine:  machine,
		StreamID: in.ConversationID,
	}, nil
}

// Cancel forces the session's machine into cancelled from any non-terminal
// state; the run loop observes the terminal signal, aborts the agent, and
// finishes the bookkeeping.
func (d *Dispatcher) Cancel(ctx context.Context, sessionID uuid.UUID) error {
	machine := d.registry.Get(sessionID)
	if machine == nil {
		session, err := d.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return apierr.NotFound("session_not_found", fmt.Errorf("session %s not found", sessionID))
		}
		if session.Terminal() {
			return apierr.Conflict("session_terminal", fmt.Errorf("session %s already %s", sessionID, session.Status))
		}
		// The machine was swept but the row never finished: repair it.
		if _, err := d.store.UpdateSession(ctx, sessionID, cancelledPatch("cancelled without a live session machine")); err != nil {
			return err
		}
		d.notifier.SessionUpdated(session.ConversationID, sessionID, types.SessionCancelled, nil, "cancelled")
		return nil
	}

	if err := machine.Transition(fsm.StateCancelled, fsm.TransitionOpts{
		Reason: "external cancellation",
		Data:   map[string]any{"error": "cancelled"},
	}); err != nil {
		return apierr.Conflict("session_terminal", err)
	}
	return nil
}

func (d *Dispatcher) run(machine *fsm.SessionFSM, session *types.Session, in Input) {
	defer d.wg.Done()

	runCtx, cancelRun := context.WithCancel(d.baseCtx)
	defer cancelRun()

	// Any terminal transition (watchdog, external cancel, normal finish)
	// aborts the agent invocation.
	go func() {
		<-machine.Done()
		cancelRun()
	}()

	gate := d.gateFor(in.ConversationID)
	select {
	case gate <- struct{}{}:
		defer func() { <-gate }()
	case <-runCtx.Done():
		d.finalizeTerminal(machine, session)
		return
	}
	if machine.State().Terminal() {
		d.finalizeTerminal(machine, session)
		return
	}

	if err := machine.Transition(fsm.StateAcquiringAgent, fsm.TransitionOpts{Reason: "dispatch started"}); err != nil {
		d.finalizeTerminal(machine, session)
		return
	}

	acquireCtx, cancelAcquire := context.WithTimeout(runCtx, d.acquireTimeout)
	runner, err := d.agents.Acquire(acquireCtx, in.AgentID)
	cancelAcquire()
	if err != nil {
		d.fail(machine, session, err)
		return
	}
	if err := machine.Transition(fsm.StateAgentAcquired, fsm.TransitionOpts{
		Reason: "agent acquired",
		Data:   map[string]any{"agentConnectionTime": time.Now().UTC()},
	}); err != nil {
		d.finalizeTerminal(machine, session)
		return
	}

	if err := machine.Transition(fsm.StateSendingPrompt, fsm.TransitionOpts{
		Reason: "prompt issued",
		Data:   map[string]any{"promptSentTime": time.Now().UTC()},
	}); err != nil {
		d.finalizeTerminal(machine, session)
		return
	}

	var firstChunk sync.Once
	onChunk := func(block agent.Block) {
		firstChunk.Do(func() {
			if err := machine.Transition(fsm.StateProcessing, fsm.TransitionOpts{Reason: "first chunk received"}); err != nil {
				return
			}
			processing := types.SessionProcessing
			if _, err := d.store.UpdateSession(runCtx, session.ID, store.SessionPatch{Status: &processing}); err != nil {
				d.log.Warn("failed to mark session processing", "session_id", session.ID, "error", err)
			}
		})
		if block.Type == agent.BlockText {
			machine.AppendText(block.Text)
		}
		machine.AppendBlock(block)
		d.notifier.StreamChunk(in.ConversationID, session.ID, map[string]any{
			"type":    block.Type,
			"text":    block.Text,
			"payload": block.Payload,
		})
	}

	result, err := runner.Run(runCtx, in.Content, in.FolderContext, onChunk)
	if err != nil {
		d.fail(machine, session, err)
		return
	}
	d.complete(machine, session, in.ConversationID, result)
}

// complete persists the assistant reply and the terminal row before any
// subscriber hears about it.
func (d *Dispatcher) complete(machine *fsm.SessionFSM, session *types.Session, conversationID uuid.UUID, result *agent.Result) {
	ctx := context.Background()

	assistant, err := d.store.AppendMessage(ctx, conversationID, types.RoleAssistant, result.FinalText, "")
	if err != nil {
		d.fail(machine, session, err)
		return
	}

	now := time.Now().UTC()
	completed := types.SessionCompleted
	updated, err := d.store.UpdateSession(ctx, session.ID, store.SessionPatch{
		Status:             &completed,
		CompletedAt:        &now,
		ResponseText:       &result.FinalText,
		AssistantMessageID: &assistant.ID,
	})
	if err != nil {
		d.fail(machine, session, err)
		return
	}

	if err := machine.Transition(fsm.StateCompleted, fsm.TransitionOpts{
		Reason: "agent run resolved",
		Data: map[string]any{
			"responseReceivedTime": now,
			"assistantMessageId":   assistant.ID.String(),
		},
	}); err != nil {
		// Watchdog or cancel won the race after the row committed. The row
		// keeps its committed completed status; subscribers are told the
		// machine's terminal state.
		d.finalizeTerminal(machine, updated)
		return
	}

	d.notifier.SessionUpdated(conversationID, session.ID, types.SessionCompleted, assistant, "")
	d.log.Info("session completed", "session_id", session.ID, "conversation_id", conversationID)
}

// fail drives the machine into its failure state (error, or cancelled when
// the cause was a cancellation) and records it durably.
func (d *Dispatcher) fail(machine *fsm.SessionFSM, session *types.Session, cause error) {
	if machine.State().Terminal() {
		d.finalizeTerminal(machine, session)
		return
	}

	target := fsm.StateError
	if apierr.KindOf(cause) == apierr.KindCancelled {
		target = fsm.StateCancelled
	}
	if err := machine.Transition(target, fsm.TransitionOpts{
		Reason: "dispatch failed",
		Data: map[string]any{
			"error":      cause.Error(),
			"stackTrace": string(debug.Stack()),
		},
	}); err != nil {
		d.finalizeTerminal(machine, session)
		return
	}
	d.persistTerminal(machine, session, target, cause.Error())
}

// finalizeTerminal reconciles the durable row with a machine that went
// terminal outside the happy path (watchdog, external cancel, races).
func (d *Dispatcher) finalizeTerminal(machine *fsm.SessionFSM, session *types.Session) {
	state := machine.State()
	if !state.Terminal() {
		return
	}
	errMsg, _ := machine.Data()["error"].(string)
	d.persistTerminal(machine, session, state, errMsg)
}

func (d *Dispatcher) persistTerminal(machine *fsm.SessionFSM, session *types.Session, state fsm.State, errMsg string) {
	ctx := context.Background()

	current, err := d.store.GetSession(ctx, session.ID)
	if err != nil {
		d.log.Error("failed to load session for terminal persist", "session_id", session.ID, "error", err)
		current = nil
	}
	status := sessionStatusFor(state)
	if current == nil || !current.Terminal() {
		now := time.Now().UTC()
		patch := store.SessionPatch{Status: &status, CompletedAt: &now}
		if errMsg != "" {
			patch.Error = &errMsg
		}
		if _, err := d.store.UpdateSession(ctx, session.ID, patch); err != nil {
			d.log.Error("failed to persist terminal session", "session_id", session.ID, "status", status, "error", err)
		}
	}

	if state != fsm.StateCompleted {
		d.notifier.SessionUpdated(session.ConversationID, session.ID, status, nil, errMsg)
		d.log.Warn("session finished without completion",
			"session_id", session.ID, "state", state, "error", errMsg)
	}
}

func sessionStatusFor(state fsm.State) string {
	switch state {
	case fsm.StateCompleted:
		return types.SessionCompleted
	case fsm.StateTimeout:
		return types.SessionTimeout
	case fsm.StateCancelled:
		return types.SessionCancelled
	default:
		return types.SessionError
	}
}

func cancelledPatch(reason string) store.SessionPatch {
	now := time.Now().UTC()
	status := types.SessionCancelled
	return store.SessionPatch{Status: &status, CompletedAt: &now, Error: &reason}
}
