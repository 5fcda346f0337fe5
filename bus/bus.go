// Package bus is the in-process publish/subscribe layer between the push
// transport and its consumers. Handlers for one event run synchronously in
// registration order; a failing handler never stops the dispatch.
package bus

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Handler receives the raw payload of a published event.
type Handler func(payload []byte)

// Bus dispatches named events to registered handlers. There is no replay: a
// handler registered after a publish never sees it.
type Bus struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[string][]*Subscription
}

// Subscription is the handle a consumer keeps to release its handler.
type Subscription struct {
	bus      *Bus
	event    string
	fn       Handler
	canceled atomic.Bool
}

// New creates an empty bus. A nil logger falls back to the logrus standard
// logger.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bus{logger: logger, subs: make(map[string][]*Subscription)}
}

// Subscribe registers fn for event and returns its handle.
func (b *Bus) Subscribe(event string, fn Handler) *Subscription {
	sub := &Subscription{bus: b, event: event, fn: fn}
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()
	return sub
}

// Cancel releases the subscription. It is safe to call at any time, including
// from inside the subscription's own handler while a dispatch is in progress.
func (s *Subscription) Cancel() {
	if s == nil || !s.canceled.CompareAndSwap(false, true) {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.event]
	for i, sub := range list {
		if sub == s {
			b.subs[s.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[s.event]) == 0 {
		delete(b.subs, s.event)
	}
}

// Publish delivers payload to every live handler for event, in registration
// order. A panicking handler is logged and the remaining handlers still run.
func (b *Bus) Publish(event string, payload []byte) {
	b.mu.Lock()
	list := append([]*Subscription(nil), b.subs[event]...)
	b.mu.Unlock()

	for _, sub := range list {
		if sub.canceled.Load() {
			continue
		}
		b.dispatch(event, sub, payload)
	}
}

func (b *Bus) dispatch(event string, sub *Subscription, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(log.Fields{
				"event": event,
				"panic": r,
			}).Error("event handler failed")
		}
	}()
	sub.fn(payload)
}

// HandlerCount returns the number of live handlers for event.
func (b *Bus) HandlerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}
