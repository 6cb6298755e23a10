// Package events carries notifications from the core to the status
// frontend: lockout changes, enforcement outcomes, connection state, and
// degraded/offline signals. It does not carry the inbound gateway events
// that drive the dispatcher — see internal/gateway for those.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a notification kind surfaced to the frontend per spec §7.
type EventType string

const (
	LockoutSet          EventType = "LOCKOUT_SET"
	LockoutCleared      EventType = "LOCKOUT_CLEARED"
	EnforcementSuccess  EventType = "ENFORCEMENT_SUCCESS"
	EnforcementFailure  EventType = "ENFORCEMENT_FAILURE"
	StreamDisconnected  EventType = "STREAM_DISCONNECTED"
	StreamReconnected   EventType = "STREAM_RECONNECTED"
	Degraded            EventType = "DEGRADED"
	Offline             EventType = "OFFLINE"
	ReconciliationDone  EventType = "RECONCILIATION_DONE"
)

// Event is one notification instance.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	AccountID int64                  `json:"account_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Handler receives events for the types it subscribed to.
type Handler func(*Event)

// Bus fans events out to subscribers and logs every emission. It does not
// persist anything; subscribers that need durability (the enforcement
// audit log) write through their own repository before emitting.
type Bus struct {
	log         zerolog.Logger
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
}

// NewBus constructs an empty event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:         log.With().Str("component", "events").Logger(),
		subscribers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type. Handlers are invoked
// synchronously from Emit's goroutine; slow handlers should hand off to
// their own buffered channel (see internal/server's SSE handler).
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], h)
}

// Emit fans an event out to every subscriber of its type and logs it.
func (b *Bus) Emit(t EventType, accountID int64, data map[string]interface{}) {
	ev := &Event{Type: t, Timestamp: time.Now(), AccountID: accountID, Data: data}

	b.log.Info().
		Str("event_type", string(t)).
		Int64("account_id", accountID).
		Interface("data", data).
		Msg("event emitted")

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[t]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
