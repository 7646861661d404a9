package realtime

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Subscription delivers events for one topic until closed. The events channel
// is closed when the subscription ends.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Transport interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

const subscriptionBuffer = 64
