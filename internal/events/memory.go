// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned when operating on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// MemoryBusConfig configures the in-memory bus.
type MemoryBusConfig struct {
	HistoryMaxEvents int
	HistoryMaxAge    time.Duration
}

// MemoryBus is the in-process Bus implementation used by the gateway.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string]*subscription
	history    *History
	closed     atomic.Bool
	wg         sync.WaitGroup
	nextSub    uint64
	stopPruner chan struct{}
}

type subscription struct {
	id      string
	pattern Pattern
	handler Handler    // nil for channel subscriptions
	ch      chan Event // nil for handler subscriptions
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus with a bounded history and a background
// pruner enforcing the history max age.
func NewMemoryBus(cfg MemoryBusConfig) *MemoryBus {
	bus := &MemoryBus{
		subs: make(map[string]*subscription),
		history: NewHistory(HistoryConfig{
			MaxEvents: cfg.HistoryMaxEvents,
			MaxAge:    cfg.HistoryMaxAge,
		}),
		stopPruner: make(chan struct{}),
	}

	pruneInterval := cfg.HistoryMaxAge / 10
	if pruneInterval < time.Minute {
		pruneInterval = time.Minute
	}
	if pruneInterval > time.Hour {
		pruneInterval = time.Hour
	}

	bus.wg.Add(1)
	go func() {
		defer bus.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-bus.stopPruner:
				return
			case <-ticker.C:
				bus.history.Prune()
			}
		}
	}()

	return bus
}

// Publish stamps the event and delivers it to every matching subscription.
// Handler subscriptions run inline with panic recovery; channel
// subscriptions get a non-blocking send and drop when full.
func (bus *MemoryBus) Publish(ctx context.Context, event Event) error {
	if bus.closed.Load() {
		return ErrBusClosed
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.history.Add(event)

	bus.mu.RLock()
	subs := make([]*subscription, 0, len(bus.subs))
	for _, sub := range bus.subs {
		subs = append(subs, sub)
	}
	bus.mu.RUnlock()

	for _, sub := range subs {
		if !sub.pattern.Match(event.Type) {
			continue
		}
		if sub.ch != nil {
			select {
			case sub.ch <- event:
			default:
				log.Printf("events: dropped %s for %s, subscriber buffer full", event.Type, sub.id)
			}
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("events: handler panic for %s: %v", event.Type, r)
				}
			}()
			sub.handler(ctx, event)
		}()
	}

	return nil
}

// Subscribe registers a synchronous handler for events matching pattern.
func (bus *MemoryBus) Subscribe(pattern string, handler Handler) (string, error) {
	if bus.closed.Load() {
		return "", ErrBusClosed
	}
	compiled, err := Compile(pattern)
	if err != nil {
		return "", err
	}

	sub := &subscription{
		id:      bus.subID(),
		pattern: compiled,
		handler: handler,
	}
	bus.mu.Lock()
	bus.subs[sub.id] = sub
	bus.mu.Unlock()
	return sub.id, nil
}

// SubscribeChan registers a buffered channel subscription. The channel is
// never closed; consumers multiplex it with their own shutdown signal and
// call Unsubscribe to stop deliveries.
func (bus *MemoryBus) SubscribeChan(pattern string, buffer int) (<-chan Event, string, error) {
	if bus.closed.Load() {
		return nil, "", ErrBusClosed
	}
	compiled, err := Compile(pattern)
	if err != nil {
		return nil, "", err
	}
	if buffer <= 0 {
		buffer = 100
	}

	sub := &subscription{
		id:      bus.subID(),
		pattern: compiled,
		ch:      make(chan Event, buffer),
	}
	bus.mu.Lock()
	bus.subs[sub.id] = sub
	bus.mu.Unlock()
	return sub.ch, sub.id, nil
}

// Unsubscribe removes a subscription.
func (bus *MemoryBus) Unsubscribe(id string) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(bus.subs, id)
	return nil
}

// History returns retained events matching the filter.
func (bus *MemoryBus) History(filter Filter) ([]Event, error) {
	return bus.history.Query(filter)
}

// Close shuts the bus down. Further publishes return ErrBusClosed.
func (bus *MemoryBus) Close() error {
	if bus.closed.Swap(true) {
		return nil
	}

	close(bus.stopPruner)

	bus.mu.Lock()
	bus.subs = make(map[string]*subscription)
	bus.mu.Unlock()

	bus.wg.Wait()
	bus.history.Close()
	return nil
}

func (bus *MemoryBus) subID() string {
	return "sub-" + strconv.FormatUint(atomic.AddUint64(&bus.nextSub, 1), 10)
}
