package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	ch := NewChannel()

	var got []Event
	unsub := ch.Subscribe("s1", func(e Event) { got = append(got, e) })
	defer unsub()

	ch.Publish(Event{Type: TypeConnection, StreamID: "s1", Seq: 1, Timestamp: time.Now()})
	ch.Publish(Event{Type: TypeComplete, StreamID: "s1", Seq: 2, Timestamp: time.Now()})

	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeConnection || got[1].Type != TypeComplete {
		t.Errorf("Unexpected event order: %v, %v", got[0].Type, got[1].Type)
	}
}

func TestPublishOtherStreamNotDelivered(t *testing.T) {
	ch := NewChannel()

	delivered := 0
	unsub := ch.Subscribe("s1", func(e Event) { delivered++ })
	defer unsub()

	ch.Publish(Event{Type: TypeMessage, StreamID: "s2", Seq: 1})

	if delivered != 0 {
		t.Errorf("Expected no delivery for other stream, got %d", delivered)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ch := NewChannel()

	delivered := 0
	unsub := ch.Subscribe("s1", func(e Event) { delivered++ })

	ch.Publish(Event{Type: TypeMessage, StreamID: "s1", Seq: 1})
	unsub()
	// Second unsubscribe is a no-op.
	unsub()
	ch.Publish(Event{Type: TypeMessage, StreamID: "s1", Seq: 2})

	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	if ch.SubscriberCount("s1") != 0 {
		t.Errorf("Expected 0 subscribers after unsubscribe")
	}
}

func TestUnsubscribePrunesDeliveryOrder(t *testing.T) {
	ch := NewChannel()

	keep := ch.Subscribe("s1", func(e Event) {})
	defer keep()

	// Churn must not accumulate stale ids while the stream stays alive.
	for i := 0; i < 50; i++ {
		unsub := ch.Subscribe("s1", func(e Event) {})
		unsub()
	}

	ch.mu.RLock()
	ordered := len(ch.order["s1"])
	ch.mu.RUnlock()
	if ordered != 1 {
		t.Errorf("Expected 1 order entry for the surviving subscriber, got %d", ordered)
	}
	if ch.SubscriberCount("s1") != 1 {
		t.Errorf("Expected 1 subscriber, got %d", ch.SubscriberCount("s1"))
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	ch := NewChannel()

	var mu sync.Mutex
	counts := map[int]int{}
	for i := 0; i < 3; i++ {
		i := i
		defer ch.Subscribe("s1", func(e Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})()
	}

	ch.Publish(Event{Type: TypePartial, StreamID: "s1", Seq: 1})

	for i := 0; i < 3; i++ {
		if counts[i] != 1 {
			t.Errorf("Subscriber %d expected 1 event, got %d", i, counts[i])
		}
	}
}

func TestDropStream(t *testing.T) {
	ch := NewChannel()

	delivered := 0
	ch.Subscribe("s1", func(e Event) { delivered++ })

	ch.DropStream("s1")
	ch.Publish(Event{Type: TypeMessage, StreamID: "s1", Seq: 1})

	if delivered != 0 {
		t.Errorf("Expected no delivery after DropStream, got %d", delivered)
	}
	if ch.SubscriberCount("s1") != 0 {
		t.Errorf("Expected 0 subscribers after DropStream")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	ch := NewChannel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := ch.Subscribe("s1", func(e Event) {})
			ch.Publish(Event{Type: TypePartial, StreamID: "s1"})
			unsub()
		}()
	}
	wg.Wait()

	if ch.SubscriberCount("s1") != 0 {
		t.Errorf("Expected all subscribers removed, got %d", ch.SubscriberCount("s1"))
	}
}
