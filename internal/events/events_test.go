package events

import (
	"testing"
	"time"
)

func TestBus_FanoutToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe("a", 10, DropOldest)
	c := b.Subscribe("c", 10, DropOldest)

	b.Publish(Event{Kind: KindPrompt, Payload: "hello"})

	for name, ch := range map[string]<-chan Event{"a": a, "c": c} {
		select {
		case ev := <-ch:
			if ev.Payload != "hello" {
				t.Errorf("%s: payload = %v", name, ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: no event delivered", name)
		}
	}
}

func TestBus_DropOldestUnderPressure(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("slow", 2, DropOldest)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindPrompt, Payload: i})
	}

	// Buffer holds the two newest events; 0..2 were dropped.
	first := <-ch
	second := <-ch
	if first.Payload != 3 || second.Payload != 4 {
		t.Errorf("Kept events = %v, %v; want 3, 4", first.Payload, second.Payload)
	}
	select {
	case ev := <-ch:
		t.Errorf("Unexpected extra event %v", ev.Payload)
	default:
	}
}

func TestBus_BlockPolicyBackpressures(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("writer", 1, Block)

	b.Publish(Event{Payload: 1}) // fills the buffer

	published := make(chan struct{})
	go func() {
		b.Publish(Event{Payload: 2}) // must block until drained
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("Publish should have blocked on a full Block-policy channel")
	case <-time.After(50 * time.Millisecond):
	}

	<-ch // drain one
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after drain")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("x", 1, DropOldest)
	b.Unsubscribe("x")

	if _, ok := <-ch; ok {
		t.Error("Expected closed channel after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Payload: 1})
}
