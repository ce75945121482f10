// Package bus delivers AgentMessage values between named endpoints inside a
// single process. Each destination owns one buffered channel, so arrival
// order is preserved per sender-destination pair; there is no ordering
// guarantee across destinations.
package bus

import (
	"errors"
	"sync"

	"tradeswarm/internal/domain"
)

var (
	ErrNotRegistered = errors.New("destination is not registered on bus")
	ErrQueueFull     = errors.New("destination queue is full")
)

type Observer func(domain.AgentMessage)

type Bus struct {
	mu        sync.RWMutex
	subs      map[string]chan domain.AgentMessage
	observers []Observer
	buffer    int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.AgentMessage),
		buffer: buffer,
	}
}

func (b *Bus) Register(endpoint string) <-chan domain.AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[endpoint]; ok {
		return ch
	}
	ch := make(chan domain.AgentMessage, b.buffer)
	b.subs[endpoint] = ch
	return ch
}

func (b *Bus) Unregister(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[endpoint]
	if !ok {
		return
	}
	delete(b.subs, endpoint)
	close(ch)
}

// Observe attaches a tap that sees every successfully delivered message.
func (b *Bus) Observe(fn Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

func (b *Bus) Send(msg domain.AgentMessage) error {
	// The enqueue happens under the read lock so a concurrent Unregister
	// cannot close the channel mid-send. The send is non-blocking, so holding
	// the lock here cannot deadlock.
	b.mu.RLock()
	ch, ok := b.subs[msg.To]
	if !ok {
		b.mu.RUnlock()
		return ErrNotRegistered
	}
	select {
	case ch <- msg:
	default:
		b.mu.RUnlock()
		return ErrQueueFull
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, fn := range observers {
		fn(msg)
	}
	return nil
}
