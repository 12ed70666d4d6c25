package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of event.
type Type string

const (
	EventRouteAdded          Type = "route_added"
	EventRouteRemoved        Type = "route_removed"
	EventCertWarning         Type = "certificate_warning"
	EventCertExpired         Type = "certificate_expired"
	EventCertsChecked        Type = "certificates_checked"
	EventProxyHealthChanged  Type = "proxy_health_changed"
	EventRecoveryAttempt     Type = "recovery_attempt"
	EventRecoverySucceeded   Type = "recovery_succeeded"
	EventMaxAttemptsReached  Type = "max_attempts_reached"
	EventOptimizationApplied Type = "optimization_applied"
)

// Event is a single event published through the bus.
type Event struct {
	// ID is a unique event identifier.
	ID string `json:"id"`

	// Type is the event kind.
	Type Type `json:"type"`

	// AgentID names the agent the event concerns, when applicable.
	AgentID string `json:"agent_id,omitempty"`

	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`

	// Details carries event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe; slow subscribers have events dropped
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// NewBus creates a ready-to-use Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish stamps the event with an ID and timestamp (when unset) and sends
// it to all current subscribers without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
