package core

import "sync"

// Bus fans events out to subscribers. Publish blocks until every matching
// subscriber has room or has unsubscribed; Offer drops the event for
// subscribers whose buffer is full.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscription[T]
	next   int
	closed bool
}

type subscription[T any] struct {
	ch     chan T
	filter func(T) bool
	done   chan struct{}

	// Held for reading by publishers while they send on ch.
	sending sync.RWMutex
	once    sync.Once
}

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]*subscription[T])}
}

// Subscribe returns a channel receiving the events accepted by filter (all
// events when filter is nil) and a func that ends the subscription and
// closes the channel.
func (b *Bus[T]) Subscribe(buffer int, filter func(T) bool) (<-chan T, func()) {
	sub := &subscription[T]{
		ch:     make(chan T, buffer),
		filter: filter,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

func (s *subscription[T]) close() {
	s.once.Do(func() {
		close(s.done)
		s.sending.Lock()
		close(s.ch)
		s.sending.Unlock()
	})
}

func (b *Bus[T]) snapshot() []*subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]*subscription[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	return subs
}

func (b *Bus[T]) Publish(v T) {
	for _, s := range b.snapshot() {
		if s.filter != nil && !s.filter(v) {
			continue
		}
		s.deliver(v, true)
	}
}

func (b *Bus[T]) Offer(v T) {
	for _, s := range b.snapshot() {
		if s.filter != nil && !s.filter(v) {
			continue
		}
		s.deliver(v, false)
	}
}

func (s *subscription[T]) deliver(v T, block bool) {
	s.sending.RLock()
	defer s.sending.RUnlock()

	select {
	case <-s.done:
		return
	default:
	}

	if !block {
		select {
		case s.ch <- v:
		default:
		}
		return
	}

	select {
	case s.ch <- v:
	case <-s.done:
	}
}

// Close ends every subscription. Later subscribers get a closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscription[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
