// Package events implements the bounded pub/sub fanout that carries
// proxy-observed events to the Cortex writer and to best-effort observers
// such as a TUI or live stats display, with a per-subscriber overflow
// policy.
package events

import "sync"

// Kind identifies the category of event flowing through the bus.
type Kind int

const (
	KindRequestStart Kind = iota
	KindRequestEnd
	KindStreamChunk
	KindStreamAborted
	KindTransformApplied
	KindAugmentationInjected
	KindError

	// The following carry the typed Cortex payloads (see internal/cortex/
	// events.go) the writer subscription persists.
	KindSession
	KindApiUsage
	KindThinking
	KindPrompt
	KindResponse
	KindTodo
	KindToolCall
	KindToolResult
)

// Event is one observed occurrence, carrying whatever payload its Kind
// implies; Payload is left as any so producers don't need a shared schema.
type Event struct {
	Kind    Kind
	Payload any
}

// OverflowPolicy controls what a subscriber's channel does when full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered event to make room — used by
	// best-effort observers (TUI, live stats) that only care about recent
	// state.
	DropOldest OverflowPolicy = iota
	// Block backpressures the producer until the subscriber drains — used
	// by the Cortex writer, which must not silently lose events.
	Block
)

const DefaultBufferSize = 10_000

type subscriber struct {
	ch     chan Event
	policy OverflowPolicy
	mu     sync.Mutex
}

// Bus is a multi-producer, multi-consumer fanout. Publish never blocks
// indefinitely on a DropOldest subscriber; it may block on a Block
// subscriber, by design, so the writer never silently loses events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a named subscriber with the given buffer size and
// overflow policy, returning a receive-only channel of events.
func (b *Bus) Subscribe(name string, bufferSize int, policy OverflowPolicy) <-chan Event {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	sub := &subscriber{ch: make(chan Event, bufferSize), policy: policy}

	b.mu.Lock()
	b.subs[name] = sub
	b.mu.Unlock()

	return sub.ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[name]; ok {
		close(sub.ch)
		delete(b.subs, name)
	}
}

// Publish fans ev out to every subscriber according to its own overflow
// policy.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		sub.deliver(ev)
	}
}

func (s *subscriber) deliver(ev Event) {
	switch s.policy {
	case Block:
		s.ch <- ev
	default: // DropOldest
		s.mu.Lock()
		defer s.mu.Unlock()
		for {
			select {
			case s.ch <- ev:
				return
			default:
				select {
				case <-s.ch:
				default:
					return
				}
			}
		}
	}
}
