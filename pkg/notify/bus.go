// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package notify implements the in-process per-session notification fan-out.
// Publishers hand events to the bus after their database transaction commits;
// subscribers receive them best-effort, in publish order, and are dropped when
// they cannot keep up.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/shared-context-server/pkg/logger"
)

// EventType identifies what happened in a session.
type EventType string

// Event kinds.
const (
	EventMessageAdded   EventType = "message_added"
	EventSessionUpdated EventType = "session_updated"
)

// Event is the metadata envelope delivered to subscribers. Content is never
// carried here; clients fetch it through the visibility-checked read path.
// Subscribers that may not read the message get the Redacted form.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	MessageID  int64     `json:"id,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	SenderType string    `json:"sender_type,omitempty"`
	Visibility string    `json:"visibility,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Redacted strips the identity fields, leaving the id-and-timestamp heartbeat
// delivered to subscribers whose visibility denies the message itself.
func (e Event) Redacted() Event {
	return Event{
		Type:      e.Type,
		SessionID: e.SessionID,
		MessageID: e.MessageID,
		Timestamp: e.Timestamp,
	}
}

// Subscriber receives events for one session. Send must not block
// indefinitely; returning an error marks the subscriber as lagging and
// removes it from the bus.
type Subscriber interface {
	ID() string
	Send(Event) error
}

// Bus is the process-wide fan-out. Subscriptions are strictly per session.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Subscriber

	// publishMu serializes fan-out per session so every subscriber sees
	// events in publish order.
	publishMu map[string]*sync.Mutex

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		sessions:  make(map[string]map[string]Subscriber),
		publishMu: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers sub for the session and returns an idempotent
// unsubscribe function. History is not replayed.
func (b *Bus) Subscribe(sessionID string, sub Subscriber) func() {
	b.mu.Lock()
	subs, ok := b.sessions[sessionID]
	if !ok {
		subs = make(map[string]Subscriber)
		b.sessions[sessionID] = subs
	}
	subs[sub.ID()] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sessionID, sub.ID()) })
	}
}

func (b *Bus) unsubscribe(sessionID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.sessions[sessionID]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.sessions, sessionID)
			delete(b.publishMu, sessionID)
		}
	}
}

// Publish fans ev out to the session's subscribers. Callers invoke this only
// after the corresponding database transaction has committed. Subscribers
// whose Send fails are dropped as lagging; the client reconnects and
// reconciles with a since_id replay.
func (b *Bus) Publish(sessionID string, ev Event) {
	order := b.orderLock(sessionID)
	order.Lock()
	defer order.Unlock()
	b.fanOut(sessionID, ev)
}

// PublishAfter runs commit while holding the session's publish-order lock and
// fans out the events it returned once it succeeds. Coupling the lock to the
// commit keeps subscriber delivery order equal to commit order even when
// writers race between finishing their transaction and publishing.
func (b *Bus) PublishAfter(sessionID string, commit func() ([]Event, error)) error {
	order := b.orderLock(sessionID)
	order.Lock()
	defer order.Unlock()

	events, err := commit()
	if err != nil {
		return err
	}
	for _, ev := range events {
		b.fanOut(sessionID, ev)
	}
	return nil
}

func (b *Bus) fanOut(sessionID string, ev Event) {
	b.mu.RLock()
	snapshot := make([]Subscriber, 0, len(b.sessions[sessionID]))
	for _, sub := range b.sessions[sessionID] {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if err := sub.Send(ev); err != nil {
			b.dropped.Add(1)
			b.unsubscribe(sessionID, sub.ID())
			logger.Warnw("dropping lagging subscriber",
				"session_id", sessionID, "subscriber", sub.ID(), "error", err)
			continue
		}
		b.delivered.Add(1)
	}
}

func (b *Bus) orderLock(sessionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	mu, ok := b.publishMu[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		b.publishMu[sessionID] = mu
	}
	return mu
}

// SubscriberCount returns the number of live subscribers across all sessions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, subs := range b.sessions {
		total += len(subs)
	}
	return total
}

// Delivered returns the cumulative count of delivered events.
func (b *Bus) Delivered() int64 {
	return b.delivered.Load()
}

// Dropped returns the cumulative count of subscribers dropped for lag.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
