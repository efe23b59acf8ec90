// Package events implements the in-process event bus that feeds the
// observability surface. Every event is logged and fanned out to
// subscribers; a full subscriber channel drops the event rather than
// blocking the publisher, so a slow consumer never stalls the trade loop.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies the kind of event emitted.
type EventType string

const (
	TradeExecuted       EventType = "TRADE_EXECUTED"
	TradeRejected       EventType = "TRADE_REJECTED"
	BreakerTransition   EventType = "BREAKER_TRANSITION"
	AgentRestarted      EventType = "AGENT_RESTARTED"
	FailoverTransition  EventType = "FAILOVER_TRANSITION"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// Event is one occurrence on the bus.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber receives every event published after it subscribes.
type Subscriber chan Event

// Bus fans out events to every current subscriber without blocking the
// publisher on a slow consumer: a full subscriber channel simply drops the
// event rather than stalling the Trade Loop.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns the channel to read from. Call Unsubscribe when done.
func (b *Bus) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *Bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Manager is the component-facing emitter: every caller gets one Manager,
// scoped to its module name, wrapping a shared Bus.
type Manager struct {
	bus    *Bus
	module string
	log    zerolog.Logger
}

// NewManager builds a Manager publishing to bus, logging as module.
func NewManager(bus *Bus, module string, log zerolog.Logger) *Manager {
	return &Manager{
		bus:    bus,
		module: module,
		log:    log.With().Str("component", "events").Str("module", module).Logger(),
	}
}

// Emit publishes an event and logs it at info level.
func (m *Manager) Emit(eventType EventType, data map[string]interface{}) {
	event := Event{Type: eventType, Timestamp: time.Now(), Module: m.module, Data: data}
	m.bus.publish(event)

	eventJSON, _ := json.Marshal(event)
	m.log.Info().Str("event_type", string(eventType)).RawJSON("event", eventJSON).Msg("event emitted")
}

// EmitError emits an ERROR_OCCURRED event carrying err's message plus any
// extra context.
func (m *Manager) EmitError(err error, context map[string]interface{}) {
	data := map[string]interface{}{"error": err.Error()}
	for k, v := range context {
		data[k] = v
	}
	m.Emit(ErrorOccurred, data)
}
