// Package notify pushes operational alerts (host down, breaker open,
// task failures) to external channels.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/events"
)

// EventType identifies what happened on the control plane.
type EventType string

const (
	EventHostDown     EventType = "host_down"
	EventHostUp       EventType = "host_up"
	EventBreakerOpen  EventType = "breaker_open"
	EventTaskFailed   EventType = "task_failed"
	EventUserRevoked  EventType = "user_revoked"
)

// AllEventTypes returns all event types that can be filtered for notifications.
func AllEventTypes() []EventType {
	return []EventType{
		EventHostDown,
		EventHostUp,
		EventBreakerOpen,
		EventTaskFailed,
		EventUserRevoked,
	}
}

// Event represents a notification event.
type Event struct {
	Type      EventType `json:"type"`
	HostName  string    `json:"host_name,omitempty"`
	HostID    string    `json:"host_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block operations.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"host", event.HostName,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}

// Bridge subscribes to the control-plane event bus and forwards the
// alert-worthy subset to the notifier chain until ctx ends.
func Bridge(ctx context.Context, bus *events.Bus, multi *Multi) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			n, relevant := translate(evt)
			if !relevant {
				continue
			}
			multi.Notify(ctx, n)
		}
	}
}

// translate maps bus events to notifications. Most bus traffic (CRUD
// chatter, task progress) is not alert-worthy and is dropped here.
func translate(evt events.Event) (Event, bool) {
	n := Event{
		HostID:    evt.HostID,
		HostName:  evt.HostName,
		Message:   evt.Message,
		Timestamp: evt.Timestamp,
	}
	switch evt.Type {
	case events.EventHostStatus:
		switch evt.To {
		case "unreachable", "unhealthy":
			n.Type = EventHostDown
		case "healthy":
			// Only a recovery is interesting, not the first probe.
			if evt.From != "unreachable" && evt.From != "unhealthy" {
				return Event{}, false
			}
			n.Type = EventHostUp
		default:
			return Event{}, false
		}
		return n, true
	case events.EventBreakerState:
		if evt.To != "open" {
			return Event{}, false
		}
		n.Type = EventBreakerOpen
		return n, true
	case events.EventTaskProgress:
		if evt.To != "failed" {
			return Event{}, false
		}
		n.Type = EventTaskFailed
		n.Error = evt.Message
		return n, true
	case events.EventUserRevoked:
		n.Type = EventUserRevoked
		return n, true
	}
	return Event{}, false
}
