package session

import (
	"log"
	"sync"
	"time"

	"github.com/ashterm/ashcore/internal/logutil"
)

// EventType identifies one lifecycle event of a session's connection.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventReconnecting     EventType = "reconnecting"
	EventReconnectSuccess EventType = "reconnect_success"
	EventReconnectFailed  EventType = "reconnect_failed"
	EventDestroyed        EventType = "destroyed"
)

// Event is one recorded lifecycle event.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// maxEventsPerSession bounds the per-session ring buffer.
const maxEventsPerSession = 100

type eventLog struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newEventLog() *eventLog {
	return &eventLog{events: make(map[string][]Event)}
}

func (l *eventLog) record(sessionID string, typ EventType, details string) {
	ev := Event{SessionID: sessionID, Type: typ, Details: details, Timestamp: time.Now()}

	l.mu.Lock()
	events := append(l.events[sessionID], ev)
	if len(events) > maxEventsPerSession {
		events = events[len(events)-maxEventsPerSession:]
	}
	l.events[sessionID] = events
	l.mu.Unlock()

	log.Printf("[session] event %s/%s: %s", sessionID, typ, logutil.SanitizeForLog(details))
}

func (l *eventLog) forSession(sessionID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events[sessionID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

func (l *eventLog) drop(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, sessionID)
}
