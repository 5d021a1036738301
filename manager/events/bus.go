// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

// Package events fans operational events out to connected UI clients.
// Publishers never block: every subscriber has a bounded outbox and
// slow consumers lose their oldest events first.
package events

import (
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// Group is a delivery audience. Subscribers join one or more groups
// depending on how their session authenticated.
type Group string

const (
	// GroupAll reaches every connected client.
	GroupAll Group = "all"
	// GroupAuthenticated reaches clients with an authenticated session.
	GroupAuthenticated Group = "authenticated"
	// GroupAdmin reaches admin sessions only.
	GroupAdmin Group = "admin"
	// GroupGuest reaches guest sessions only.
	GroupGuest Group = "guest"
)

// SessionGroup addresses a single session by id.
func SessionGroup(id string) Group { return Group("session:" + id) }

// Event is a single frame as delivered to clients.
type Event struct {
	Name      string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// outboxSize bounds how many undelivered events a subscriber may
// accumulate before the oldest are dropped.
const outboxSize = 64

// Bus delivers events to subscribers.
//
// architecture: Service
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an event bus.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for the given groups. The caller
// must Unsubscribe when done.
func (bus *Bus) Subscribe(groups ...Group) *Subscription {
	sub := &Subscription{
		bus:    bus,
		groups: make(map[Group]struct{}, len(groups)),
		ch:     make(chan Event, outboxSize),
	}
	for _, group := range groups {
		sub.groups[group] = struct{}{}
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		close(sub.ch)
		return sub
	}
	bus.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber of group. It never
// blocks; a subscriber with a full outbox loses its oldest event.
func (bus *Bus) Publish(group Group, name string, payload interface{}) {
	event := Event{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	mon.Event("event_published")

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return
	}
	for sub := range bus.subs {
		if _, ok := sub.groups[group]; !ok {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			select {
			case dropped := <-sub.ch:
				mon.Event("event_dropped")
				bus.log.Debug("dropping event for slow subscriber",
					zap.String("event", dropped.Name))
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Close shuts the bus down; all subscriptions drain and close.
func (bus *Bus) Close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if bus.closed {
		return nil
	}
	bus.closed = true
	for sub := range bus.subs {
		close(sub.ch)
		delete(bus.subs, sub)
	}
	return nil
}

func (bus *Bus) unsubscribe(sub *Subscription) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs[sub]; !ok {
		return
	}
	delete(bus.subs, sub)
	close(sub.ch)
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus    *Bus
	groups map[Group]struct{}
	ch     chan Event
}

// C returns the delivery channel. It closes on Unsubscribe or when
// the bus shuts down.
func (sub *Subscription) C() <-chan Event { return sub.ch }

// Unsubscribe detaches from the bus and closes the channel.
func (sub *Subscription) Unsubscribe() { sub.bus.unsubscribe(sub) }
