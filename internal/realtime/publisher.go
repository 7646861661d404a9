package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"talebranch/api/internal/metrics"
)

// Publisher decouples writes from fan-out. Events are queued and handed to the
// transport by a single worker, so they leave in the order they were queued.
// Publish never blocks; when the queue is full the event is dropped and
// viewers catch up on their next read.
type Publisher struct {
	transport Transport
	queue     chan Event
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Collector

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewPublisher(transport Transport, queueSize int, timeout time.Duration, logger *zap.Logger, m *metrics.Collector) *Publisher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		transport: transport,
		queue:     make(chan Event, queueSize),
		timeout:   timeout,
		logger:    logger,
		metrics:   m,
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues event and reports whether it was accepted.
func (p *Publisher) Publish(event Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- event:
		return true
	default:
		p.metrics.EventDropped()
		p.logger.Warn("fan-out queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("storyID", event.StoryID),
			zap.String("branchID", event.BranchID),
		)
		return false
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.transport.Publish(ctx, Topic(event.StoryID), event)
		cancel()
		if err != nil {
			p.metrics.EventFailed()
			p.logger.Warn("fan-out publish failed",
				zap.Error(err),
				zap.String("type", string(event.Type)),
				zap.String("storyID", event.StoryID),
			)
			continue
		}
		p.metrics.EventPublished()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
