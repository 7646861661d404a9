package realtime

import (
	"context"
	"sync"
)

// LocalTransport delivers events within one process. A subscriber whose
// buffer is full misses the event rather than stalling the publisher.
type LocalTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSubscription]struct{}
	closed bool
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{subs: make(map[string]map[*localSubscription]struct{})}
}

func (t *LocalTransport) Publish(ctx context.Context, topic string, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	for sub := range t.subs[topic] {
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	sub := &localSubscription{
		transport: t,
		topic:     topic,
		events:    make(chan Event, subscriptionBuffer),
	}
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[*localSubscription]struct{})
	}
	t.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for topic, subs := range t.subs {
		for sub := range subs {
			close(sub.events)
		}
		delete(t.subs, topic)
	}
	return nil
}

func (t *LocalTransport) remove(sub *localSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.events)
	if len(subs) == 0 {
		delete(t.subs, sub.topic)
	}
}

type localSubscription struct {
	transport *LocalTransport
	topic     string
	events    chan Event
	once      sync.Once
}

func (s *localSubscription) Events() <-chan Event {
	return s.events
}

func (s *localSubscription) Close() error {
	s.once.Do(func() { s.transport.remove(s) })
	return nil
}
