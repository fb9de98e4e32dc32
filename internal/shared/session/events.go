package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is delivered to listeners registered for its Type. Inbound client
// frames produce events with ConnectionID and SubjectID set; events triggered
// by other subsystems may leave them empty.
type Event struct {
	Type         string
	ConnectionID string
	SubjectID    string
	Data         map[string]any
	Timestamp    time.Time
}

// Listener handles an event. A returned error or a panic is logged and does
// not affect other listeners.
type Listener func(ctx context.Context, ev Event) error

type eventBus struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
	logger    zerolog.Logger
}

func newEventBus(logger zerolog.Logger) *eventBus {
	return &eventBus{
		listeners: make(map[string][]Listener),
		logger:    logger,
	}
}

func (b *eventBus) register(eventType string, l Listener) {
	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], l)
	b.mu.Unlock()
}

func (b *eventBus) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, ls := range b.listeners {
		n += len(ls)
	}
	return n
}

// trigger runs the listeners for ev.Type in registration order and returns
// how many completed without error.
func (b *eventBus) trigger(ctx context.Context, ev Event) int {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners[ev.Type]...)
	b.mu.RUnlock()

	ok := 0
	for i, l := range listeners {
		if err := b.invoke(ctx, l, ev); err != nil {
			b.logger.Warn().
				Err(err).
				Str("event_type", ev.Type).
				Int("listener", i).
				Str("connection_id", ev.ConnectionID).
				Msg("Event listener failed")
			continue
		}
		ok++
	}
	return ok
}

func (b *eventBus) invoke(ctx context.Context, l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
			b.logger.Debug().Str("stack_trace", string(debug.Stack())).Msg("Event listener panic")
		}
	}()
	return l(ctx, ev)
}
