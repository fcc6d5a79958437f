package messaging

import (
	"context"
	"sync"
)

// LocalBus delivers events in-process. Handlers run synchronously on the
// publishing goroutine, in subscription order, after the bus lock is released.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func(Event) // channel -> id -> handler
	nextID uint64
	closed bool
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[uint64]func(Event))}
}

// Publish implements Publisher. Publishing to a channel nobody subscribes to
// succeeds and the event is dropped.
func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]func(Event), 0, len(b.subs[ev.Channel]))
	for _, h := range b.subs[ev.Channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(channel string, handler func(Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	id := b.nextID
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]func(Event))
	}
	b.subs[channel][id] = handler

	return &localSub{bus: b, channel: channel, id: id}, nil
}

// Subscribers returns how many handlers are registered on channel.
func (b *LocalBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close drops every subscription.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[uint64]func(Event))
}

type localSub struct {
	bus     *LocalBus
	channel string
	id      uint64
	once    sync.Once
}

func (s *localSub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if m := s.bus.subs[s.channel]; m != nil {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
	})
	return nil
}
