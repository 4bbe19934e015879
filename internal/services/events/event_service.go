package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/reqflow/internal/common"
	"github.com/ternarybob/reqflow/internal/interfaces"
)

// queueSize bounds undelivered async events per subscription
const queueSize = 256

type delivery struct {
	ctx   context.Context
	event interfaces.Event
}

// subscription delivers async events to one handler in publish order
type subscription struct {
	handler interfaces.EventHandler
	ptr     uintptr
	queue   chan delivery
}

// Service implements interfaces.EventService. Async events reach each
// handler in the order they were published; a slow handler only delays itself.
type Service struct {
	mu          sync.RWMutex
	subscribers map[interfaces.EventType][]*subscription
	wg          sync.WaitGroup
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[interfaces.EventType][]*subscription),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	sub := &subscription{
		handler: handler,
		ptr:     reflect.ValueOf(handler).Pointer(),
		queue:   make(chan delivery, queueSize),
	}

	s.mu.Lock()
	s.subscribers[eventType] = append(s.subscribers[eventType], sub)
	count := len(s.subscribers[eventType])
	s.wg.Add(1)
	s.mu.Unlock()

	common.SafeGo(s.logger, "events:"+string(eventType), func() {
		defer s.wg.Done()
		for d := range sub.queue {
			s.call(sub.handler, d.ctx, d.event)
		}
	})

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", count).
		Msg("Event handler subscribed")
	return nil
}

// Unsubscribe removes the first subscription whose handler has the same function identity
func (s *Service) Unsubscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	target := reflect.ValueOf(handler).Pointer()

	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[eventType]
	for i, sub := range subs {
		if sub.ptr != target {
			continue
		}
		updated := make([]*subscription, 0, len(subs)-1)
		updated = append(updated, subs[:i]...)
		s.subscribers[eventType] = append(updated, subs[i+1:]...)
		close(sub.queue)

		s.logger.Debug().Str("event_type", string(eventType)).Msg("Event handler unsubscribed")
		return nil
	}
	return fmt.Errorf("handler not found for event type: %s", eventType)
}

// Publish queues event for every subscriber and returns without waiting.
// A subscriber whose queue is full misses the event.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	d := delivery{ctx: context.WithoutCancel(ctx), event: event}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dropped := 0
	for _, sub := range s.subscribers[event.Type] {
		select {
		case sub.queue <- d:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		s.logger.Warn().
			Str("event_type", string(event.Type)).
			Int("dropped", dropped).
			Msg("Event dropped for slow subscribers")
	}
	return nil
}

// PublishSync runs every handler on the calling goroutine and joins their errors
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	handlers := make([]interfaces.EventHandler, 0, len(s.subscribers[event.Type]))
	for _, sub := range s.subscribers[event.Type] {
		handlers = append(handlers, sub.handler)
	}
	s.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := s.call(h, ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops all subscribers after draining queued events
func (s *Service) Close() error {
	s.mu.Lock()
	for _, subs := range s.subscribers {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	s.subscribers = make(map[interfaces.EventType][]*subscription)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug().Msg("Event service closed")
	return nil
}

// call invokes h, converting a panic into an error so one bad handler cannot stop delivery
func (s *Service) call(h interfaces.EventHandler, ctx context.Context, event interfaces.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Msg("Event handler failed")
		}
	}()
	return h(ctx, event)
}
