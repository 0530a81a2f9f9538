package realtime

import (
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

func recvEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed while waiting")
		}
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestHubFanOutPreservesOrder(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	conversationID := uuid.New()

	subA := hub.Subscribe(conversationID)
	defer hub.Unsubscribe(subA)
	subB := hub.Subscribe(conversationID)
	defer hub.Unsubscribe(subB)

	first := Event{Type: EventMessageCreated, ConversationID: conversationID, Data: map[string]any{"seq": 1}}
	second := Event{Type: EventStream, ConversationID: conversationID, Data: map[string]any{"seq": 2}}
	hub.Publish(first)
	hub.Publish(second)

	for _, sub := range []*Subscriber{subA, subB} {
		gotFirst := recvEvent(t, sub.Events(), time.Second)
		gotSecond := recvEvent(t, sub.Events(), time.Second)
		if gotFirst.Type != EventMessageCreated {
			t.Fatalf("first event: want=%s got=%s", EventMessageCreated, gotFirst.Type)
		}
		if gotSecond.Type != EventStream {
			t.Fatalf("second event: want=%s got=%s", EventStream, gotSecond.Type)
		}
	}
}

func TestHubIsolatesConversations(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	mine := uuid.New()
	other := uuid.New()

	sub := hub.Subscribe(mine)
	defer hub.Unsubscribe(sub)

	hub.Publish(Event{Type: EventMessageCreated, ConversationID: other})
	hub.Publish(Event{Type: EventMessageCreated, ConversationID: mine, Data: map[string]any{"mine": true}})

	got := recvEvent(t, sub.Events(), time.Second)
	if got.ConversationID != mine {
		t.Fatalf("leaked event from conversation %s", got.ConversationID)
	}
	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGlobalChannelGetsLifecycleOnly(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	conversationID := uuid.New()

	global := hub.SubscribeGlobal()
	defer hub.Unsubscribe(global)

	hub.Publish(Event{Type: EventStream, ConversationID: conversationID})
	hub.Publish(Event{Type: EventSessionUpdated, ConversationID: conversationID})

	got := recvEvent(t, global.Events(), time.Second)
	if got.Type != EventSessionUpdated {
		t.Fatalf("global event: want=%s got=%s", EventSessionUpdated, got.Type)
	}
	select {
	case extra := <-global.Events():
		t.Fatalf("global channel received stream event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldestStreamNeverLifecycle(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	conversationID := uuid.New()

	sub := hub.Subscribe(conversationID)
	defer hub.Unsubscribe(sub)

	// No receiver yet: flood well past the buffer, then one lifecycle event.
	total := defaultSubscriberBuffer * 3
	for i := 0; i < total; i++ {
		hub.Publish(Event{Type: EventStream, ConversationID: conversationID, Data: map[string]any{"seq": i}})
	}
	hub.Publish(Event{Type: EventSessionUpdated, ConversationID: conversationID, Data: map[string]any{"status": "completed"}})

	received := 0
	lifecycleSeen := false
	deadline := time.After(2 * time.Second)
	for !lifecycleSeen {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed before lifecycle event")
			}
			received++
			if ev.Type == EventSessionUpdated {
				lifecycleSeen = true
			}
		case <-deadline:
			t.Fatalf("lifecycle event never delivered; received=%d dropped=%d", received, sub.Dropped())
		}
	}

	if sub.Dropped() == 0 {
		t.Fatalf("expected stream drops under backpressure")
	}
	if got, want := received+sub.Dropped(), total+1; got != want {
		t.Fatalf("conservation: received+dropped=%d want=%d", got, want)
	}
}

func TestUnsubscribeClosesChannelAndIsIdempotent(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	conversationID := uuid.New()

	sub := hub.Subscribe(conversationID)
	if got := hub.SubscriberCount(conversationID); got != 1 {
		t.Fatalf("subscriber count: want=1 got=%d", got)
	}

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed channel after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
	if got := hub.SubscriberCount(conversationID); got != 0 {
		t.Fatalf("subscriber count after unsubscribe: want=0 got=%d", got)
	}

	// Publishing into a conversation with no subscribers is a no-op.
	hub.Publish(Event{Type: EventMessageCreated, ConversationID: conversationID})
}

func TestManySubscribersEachSeeEveryLifecycleEvent(t *testing.T) {
	hub := NewHub(mustTestLogger(t))
	conversationID := uuid.New()

	const fanout = 8
	subs := make([]*Subscriber, 0, fanout)
	for i := 0; i < fanout; i++ {
		sub := hub.Subscribe(conversationID)
		defer hub.Unsubscribe(sub)
		subs = append(subs, sub)
	}

	const events = 5
	for i := 0; i < events; i++ {
		hub.Publish(Event{Type: EventMessageCreated, ConversationID: conversationID, Data: map[string]any{"seq": i}})
	}

	for si, sub := range subs {
		for i := 0; i < events; i++ {
			ev := recvEvent(t, sub.Events(), time.Second)
			if got := ev.Data["seq"]; got != i {
				t.Fatalf("subscriber %d event %d: want seq=%d got=%v", si, i, i, got)
			}
		}
	}
}
