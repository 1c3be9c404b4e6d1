// Package events is the orchestrator's internal event bus. Components publish
// domain facts through a Publisher; the rendering layer consumes them through
// subscriber channels (see the websocket handler in internal/api).
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the number of recent events kept in memory.
const DefaultBufferSize = 256

// Event is a single published fact.
type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Publisher is the narrow interface components depend on.
type Publisher interface {
	Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error)
}

// Store persists events. Implemented by *postgres.Client.
type Store interface {
	Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error
}

// Subscriber represents a channel that receives events.
type Subscriber chan Event

// Bus buffers, persists and fans out events.
type Bus struct {
	buffer *RingBuffer
	total  atomic.Int64

	subMu       sync.RWMutex
	subscribers map[Subscriber]struct{}

	storeMu     sync.RWMutex
	store       Store
	sessionID   string
	errorLogged bool
}

// NewBus creates a bus keeping the last size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus{
		buffer:      NewRingBuffer(size),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// SetStore sets the store used for event persistence.
func (b *Bus) SetStore(store Store, sessionID string) {
	b.storeMu.Lock()
	b.store = store
	b.sessionID = sessionID
	b.errorLogged = false
	b.storeMu.Unlock()
}

// Emit validates, buffers, persists and broadcasts an event and returns its
// JSON encoding.
func (b *Bus) Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	if err := Validate(name); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	b.buffer.Add(e)
	b.total.Add(1)
	b.persist(ts, e)
	b.broadcast(e)

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// persist appends to the store. Failures are reported once, straight into
// the ring buffer, so a dead database cannot recurse through Emit.
func (b *Bus) persist(ts time.Time, e Event) {
	b.storeMu.RLock()
	store := b.store
	sessionID := b.sessionID
	b.storeMu.RUnlock()

	if store == nil {
		return
	}
	err := store.Append(ts, e.Level, e.Name, e.Message, e.Fields, sessionID)
	if err == nil {
		return
	}

	b.storeMu.Lock()
	if b.errorLogged {
		b.storeMu.Unlock()
		return
	}
	b.errorLogged = true
	b.storeMu.Unlock()

	b.buffer.Add(Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     "error",
		Name:      "system.error",
		Message:   "postgres append failed",
		Fields:    map[string]interface{}{"error": err.Error()},
	})
}

// Subscribe adds a new subscriber and returns its channel.
// The channel is buffered so Emit never blocks on slow clients.
func (b *Bus) Subscribe() Subscriber {
	ch := make(Subscriber, 64)
	b.subMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// CloseAllSubscribers closes every subscriber channel.
func (b *Bus) CloseAllSubscribers() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]struct{})
}

// broadcast is non-blocking: a full subscriber misses the event.
func (b *Bus) broadcast(e Event) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscribers)
}

// Snapshot returns all buffered events, oldest first.
func (b *Bus) Snapshot() []Event {
	return b.buffer.Snapshot()
}

// RecentEvents returns the last n buffered events. n <= 0 returns all.
func (b *Bus) RecentEvents(n int) []Event {
	all := b.buffer.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// TotalCount is the number of events emitted since the bus was created.
func (b *Bus) TotalCount() int64 {
	return b.total.Load()
}

// Clear resets the event buffer. Used for testing.
func (b *Bus) Clear() {
	b.buffer.Clear()
}

// Discard is a Publisher that drops everything. Useful as a default.
type Discard struct{}

func (Discard) Emit(level, name, msg string, fields map[string]interface{}) ([]byte, error) {
	return nil, Validate(name)
}
