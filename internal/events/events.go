// Package events is a small in-process publish/subscribe bus for S3-style
// bucket notifications (ObjectCreated, ObjectRemoved, ...), and implements
// engine.EventSink so the storage engine can publish directly to it.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openendpoint/openendpoints3/internal/engine"
)

// Event is one published notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type subscription struct {
	id      string
	pattern string
	handler func(*Event)
}

// Manager is an in-process pub/sub bus with a bounded publish history,
// used to back bucket notification delivery and test introspection.
type Manager struct {
	mu         sync.RWMutex
	subs       []*subscription
	history    []*Event
	maxHistory int
}

// NewManager creates a Manager retaining the most recent 1000 published events.
func NewManager() *Manager {
	return &Manager{maxHistory: 1000}
}

// Publish delivers event to every subscriber whose pattern matches
// event.Type and appends it to the bounded history.
func (m *Manager) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("events: nil event")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.history = append(m.history, event)
	if m.maxHistory > 0 && len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	subs := make([]*subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, sub := range subs {
		if matchesPattern(sub.pattern, event.Type) {
			sub.handler(event)
		}
	}
	return nil
}

// Subscribe registers handler for every event whose Type matches pattern
// ("*" for everything, "prefix.*" for a prefix, or an exact type), and
// returns a subscription ID for Unsubscribe.
func (m *Manager) Subscribe(pattern string, handler func(*Event)) string {
	id := uuid.New().String()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, &subscription{id: id, pattern: pattern, handler: handler})
	return id
}

// Unsubscribe removes the subscription with the given ID.
func (m *Manager) Unsubscribe(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub.id == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("events: no subscription with id %s", id)
}

// GetHistory returns up to limit most recent published events, oldest first.
func (m *Manager) GetHistory(limit int) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]*Event, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// ClearHistory discards all retained events.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// matchesPattern reports whether eventType matches pattern. "*" matches
// everything; a trailing ".*" matches any type sharing that prefix;
// otherwise the match is exact.
func matchesPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

// Sink adapts Manager to engine.EventSink, translating storage-engine
// events into the dotted s3.ObjectCreated.Put/s3.ObjectRemoved.Delete notification
// names bucket notification subscribers expect.
type Sink struct {
	manager *Manager
}

// NewSink wraps manager as an engine.EventSink.
func NewSink(manager *Manager) *Sink {
	return &Sink{manager: manager}
}

// eventTypeNames mirrors the engine's generic EventType as the dotted S3
// notification name bucket notification configurations filter on.
var eventTypeNames = map[string]string{
	"ObjectCreated": "s3.ObjectCreated.Put",
	"ObjectRemoved": "s3.ObjectRemoved.Delete",
}

// Notify implements engine.EventSink.
func (s *Sink) Notify(ctx context.Context, eventType engine.EventType, bucket, key, versionID string) {
	name, ok := eventTypeNames[string(eventType)]
	if !ok {
		name = "s3." + string(eventType)
	}
	s.manager.Publish(&Event{
		Type:   name,
		Source: "openendpoints3",
		Data: map[string]interface{}{
			"bucket":    bucket,
			"key":       key,
			"versionId": versionID,
		},
	})
}
