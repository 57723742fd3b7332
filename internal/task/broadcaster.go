// ABOUTME: Per-task fan-out of lifecycle events to subscribers
// ABOUTME: Each subscriber gets an ordered, lossless queue drained by its own pump goroutine

package task

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Subscription is a finite sequence of events for one task. The channel
// returned by Events closes after the terminal event has been delivered, or
// when the subscription is closed by its owner.
type Subscription struct {
	TaskID string

	id     string
	events chan Event
	cancel context.CancelFunc
}

// Events returns the channel that yields this subscription's events in the
// order they were recorded.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close tears down the subscription. The task itself is not affected.
func (s *Subscription) Close() {
	s.cancel()
}

// subscriber buffers events between Publish and the consumer. Publish never
// blocks on a slow consumer and events are never dropped.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{wake: make(chan struct{}, 1)}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

// broadcaster tracks subscribers per task ID.
type broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]map[string]*subscriber // taskID -> subID -> subscriber
	logger      *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger,
	}
}

// subscribe registers a subscriber for taskID. initial, when non-nil, is
// queued before any published event; a terminal initial event means the
// subscriber is never registered and the sequence ends right after it.
func (b *broadcaster) subscribe(ctx context.Context, taskID string, initial *Event) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		TaskID: taskID,
		id:     uuid.New().String(),
		events: make(chan Event),
		cancel: cancel,
	}
	s := newSubscriber()

	if initial != nil {
		s.push(*initial)
	}
	if initial == nil || !initial.Terminal() {
		b.mu.Lock()
		if _, ok := b.subscribers[taskID]; !ok {
			b.subscribers[taskID] = make(map[string]*subscriber)
		}
		b.subscribers[taskID][sub.id] = s
		b.mu.Unlock()
	}

	b.logger.Debug("subscriber added", "task_id", taskID, "sub_id", sub.id)

	go b.pump(ctx, sub, s)
	return sub
}

// pump forwards queued events to the subscription channel until the
// terminal event is delivered or ctx is cancelled.
func (b *broadcaster) pump(ctx context.Context, sub *Subscription, s *subscriber) {
	defer func() {
		s.close()
		b.remove(sub.TaskID, sub.id)
		sub.cancel()
		close(sub.events)
	}()

	for {
		for _, ev := range s.drain() {
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}

// publish queues ev for every subscriber of its task. Subscribers are
// unregistered once a terminal event has been queued for them.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	subs := b.subscribers[ev.TaskID]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	if ev.Terminal() {
		delete(b.subscribers, ev.TaskID)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.push(ev)
	}
}

func (b *broadcaster) remove(taskID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[taskID]
	if !ok {
		return
	}
	if _, exists := subs[subID]; !exists {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, taskID)
	}
	b.logger.Debug("subscriber removed", "task_id", taskID, "sub_id", subID)
}

// count returns the number of live subscribers for taskID.
func (b *broadcaster) count(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[taskID])
}
