package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

type EventType string

const (
	EventStream              EventType = "stream"
	EventMessageCreated      EventType = "message_created"
	EventSessionUpdated      EventType = "session_updated"
	EventConversationUpdated EventType = "conversation_updated"
)

// Lifecycle events must never be dropped and also reach the global channel;
// stream chunks are best-effort and conversation-scoped.
func (t EventType) Lifecycle() bool { return t != EventStream }

// Event is one fan-out message, keyed by conversation.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	SessionID      uuid.UUID      `json:"session_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

const defaultSubscriberBuffer = 64

// Subscriber holds an ordered pending queue drained by a pump goroutine into
// Events(). When the queue is full the oldest stream event is evicted;
// lifecycle events are never evicted and may grow the queue past the cap.
type Subscriber struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	global         bool

	log *logger.Logger

	mu      sync.Mutex
	pending []Event
	dropped int
	closed  bool
	wake    chan struct{}
	out     chan Event
	quit    chan struct{}
}

func (s *Subscriber) push(ev Event, max int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= max {
		evicted := false
		for i := range s.pending {
			if !s.pending[i].Type.Lifecycle() {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				s.dropped++
				evicted = true
				break
			}
		}
		if evicted {
			s.log.Warn("subscriber buffer full, dropped oldest stream event",
				"subscriber_id", s.ID, "dropped_total", s.dropped)
		}
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) pump() {
	// The pump owns the out channel; closing it here keeps Unsubscribe safe
	// to call while a send is in flight.
	defer close(s.out)
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.quit:
				return
			}
		}
	}
}

// Events is the ordered delivery channel; it is closed when the subscriber
// is dropped.
func (s *Subscriber) Events() <-chan Event { return s.out }

// Dropped reports how many stream events were evicted under backpressure.
func (s *Subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Hub is the single-process fan-out surface. Conversation subscribers see
// every event for their conversation; global subscribers see lifecycle
// events for all conversations (sidebar updates).
type Hub struct {
	log    *logger.Logger
	buffer int

	mu            sync.RWMutex
	byConversation map[uuid.UUID]map[*Subscriber]bool
	global         map[*Subscriber]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:            log.With("component", "SyncHub"),
		buffer:         defaultSubscriberBuffer,
		byConversation: map[uuid.UUID]map[*Subscriber]bool{},
		global:         map[*Subscriber]bool{},
	}
}

func (h *Hub) newSubscriber(conversationID uuid.UUID, global bool) *Subscriber {
	sub := &Subscriber{
		ID:             uuid.New(),
		ConversationID: conversationID,
		global:         global,
		log:            h.log,
		wake:           make(chan struct{}, 1),
		out:            make(chan Event),
		quit:           make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (h *Hub) Subscribe(conversationID uuid.UUID) *Subscriber {
	sub := h.newSubscriber(conversationID, false)
	h.mu.Lock()
	subs, ok := h.byConversation[conversationID]
	if !ok {
		subs = map[*Subscriber]bool{}
		h.byConversation[conversationID] = subs
	}
	subs[sub] = true
	h.mu.Unlock()
	h.log.Debug("subscriber attached", "subscriber_id", sub.ID, "conversation_id", conversationID)
	return sub
}

// SubscribeGlobal attaches a subscriber to lifecycle events across every
// conversation.
func (h *Hub) SubscribeGlobal() *Subscriber {
	sub := h.newSubscriber(uuid.Nil, true)
	h.mu.Lock()
	h.global[sub] = true
	h.mu.Unlock()
	return sub
}

// Unsubscribe drops the subscriber and releases its buffer. Safe to call at
// any time, including concurrently with Publish.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if sub.global {
		delete(h.global, sub)
	} else if subs, ok := h.byConversation[sub.ConversationID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.byConversation, sub.ConversationID)
		}
	}
	h.mu.Unlock()

	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.pending = nil
	sub.mu.Unlock()
	if !alreadyClosed {
		close(sub.quit)
	}
	h.log.Debug("subscriber detached", "subscriber_id", sub.ID)
}

// Publish fans the event out to every subscriber of its conversation and,
// for lifecycle events, to the global channel. Delivery is best-effort
// in-memory; ordering is preserved per subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.ConversationID == uuid.Nil {
		return
	}
	h.mu.RLock()
	targets := make([]*Subscriber, 0, 4)
	for sub := range h.byConversation[ev.ConversationID] {
		targets = append(targets, sub)
	}
	if ev.Type.Lifecycle() {
		for sub := range h.global {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.push(ev, h.buffer)
	}
}

// SubscriberCount reports the live subscribers for one conversation.
func (h *Hub) SubscriberCount(conversationID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byConversation[conversationID])
}
