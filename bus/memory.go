package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool

	dropped atomic.Uint64
}

type memorySub struct {
	pattern string
	ch      chan *Message
	closed  bool // guarded by bus.mu
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{config: cfg}
}

// Publish sends a message to every matching subscriber.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	return b.PublishMessage(&Message{Subject: subject, Data: data})
}

// PublishMessage sends a copy of msg to every matching subscriber.
func (b *MemoryBus) PublishMessage(msg *Message) error {
	subject := msg.Subject
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	payload := make([]byte, len(msg.Data))
	copy(payload, msg.Data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.closed || !MatchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- &Message{Subject: subject, ID: msg.ID, Data: payload}:
		default:
			// Buffer full, drop message
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe creates a subscription to a subject or pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Dropped returns how many messages were discarded because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}
