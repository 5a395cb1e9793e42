package events

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher never blocks and never reports subscriber failures.
type Publisher interface {
	Publish(ev Event)
}

type Subscriber interface {
	Handle(ctx context.Context, ev Event) error
}

type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Bus delivers every published event to each subscriber in publish order.
// Each subscriber owns an unbounded queue and a goroutine, so a slow
// subscriber delays only itself.
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

type subscription struct {
	name  string
	s     Subscriber
	mu    sync.Mutex
	queue []Event
	done  bool
	wake  chan struct{}
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers s and starts its delivery goroutine; ctx is passed to
// every Handle call.
func (b *Bus) Subscribe(ctx context.Context, name string, s Subscriber) {
	sub := &subscription{name: name, s: s, wake: make(chan struct{}, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.run(ctx, sub)
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Warn("event dropped after close", "event_type", typeName(ev))
		return
	}
	for _, sub := range b.subs {
		sub.push(ev)
	}
}

// Close stops accepting events and waits until every queue is drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.done = true
		sub.mu.Unlock()
		sub.signal()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) run(ctx context.Context, sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		done := sub.done
		sub.mu.Unlock()

		for _, ev := range batch {
			b.deliver(ctx, sub, ev)
		}
		if len(batch) > 0 {
			continue
		}
		if done {
			return
		}
		<-sub.wake
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panic", "subscriber", sub.name, "event_type", typeName(ev), "panic", r)
		}
	}()
	if err := sub.s.Handle(ctx, ev); err != nil {
		b.log.Error("event subscriber failed", "subscriber", sub.name, "event_type", typeName(ev), "error", err)
	}
}

func typeName(ev Event) string {
	switch ev.(type) {
	case MessageStateChanged:
		return "message_state_changed"
	case MessageReceived:
		return "message_received"
	case Ping:
		return "ping"
	}
	return "unknown"
}
