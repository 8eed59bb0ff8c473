// Package notifier fans iteration events out to live subscribers.
package notifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

const subscriberBuffer = 64

// Broker is an in-process Notifier. Slow subscribers lose events, a send never blocks the pipeline.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]map[chan api.Event]struct{}
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, subscribers: map[string]map[chan api.Event]struct{}{}}
}

// Subscribe returns the events of one iteration and the function that ends the subscription.
func (b *Broker) Subscribe(iterationID string) (<-chan api.Event, func()) {
	ch := make(chan api.Event, subscriberBuffer)
	b.mu.Lock()
	if b.subscribers[iterationID] == nil {
		b.subscribers[iterationID] = map[chan api.Event]struct{}{}
	}
	b.subscribers[iterationID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers[iterationID], ch)
			if len(b.subscribers[iterationID]) == 0 {
				delete(b.subscribers, iterationID)
			}
			close(ch)
		})
	}
}

func (b *Broker) Notify(_ context.Context, event api.Event) {
	b.logger.Info("Iteration event", constants.LOG_ITERATION_ID, event.IterationID, "event", string(event.Name), "payload", event.Payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.IterationID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping event for slow subscriber", constants.LOG_ITERATION_ID, event.IterationID, "event", string(event.Name))
		}
	}
}
