package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventRunStarted      EventType = "RUN_STARTED"
	EventRunFinished     EventType = "RUN_FINISHED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionReduced EventType = "POSITION_REDUCED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventKlinesSynced    EventType = "KLINES_SYNCED"
	EventRunnerStarted   EventType = "RUNNER_STARTED"
	EventRunnerStopped   EventType = "RUNNER_STOPPED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Handlers run on their own
// goroutines so a slow consumer cannot stall the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRunStarted publishes a run started event
func (eb *EventBus) PublishRunStarted(runID, projectID string, symbols []string) {
	eb.Publish(Event{
		Type: EventRunStarted,
		Data: map[string]interface{}{
			"run_id":     runID,
			"project_id": projectID,
			"symbols":    symbols,
		},
	})
}

// PublishRunFinished publishes a run finished event
func (eb *EventBus) PublishRunFinished(runID, projectID, status, detail string) {
	eb.Publish(Event{
		Type: EventRunFinished,
		Data: map[string]interface{}{
			"run_id":     runID,
			"project_id": projectID,
			"status":     status,
			"detail":     detail,
		},
	})
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(projectID, symbol string, qty, entryPrice float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"project_id":  projectID,
			"symbol":      symbol,
			"qty":         qty,
			"entry_price": entryPrice,
		},
	})
}

// PublishPositionReduced publishes a partial close event
func (eb *EventBus) PublishPositionReduced(projectID, symbol string, remainingQty, exitPrice, realized float64) {
	eb.Publish(Event{
		Type: EventPositionReduced,
		Data: map[string]interface{}{
			"project_id":    projectID,
			"symbol":        symbol,
			"remaining_qty": remainingQty,
			"exit_price":    exitPrice,
			"realized_pnl":  realized,
		},
	})
}

// PublishPositionClosed publishes a full close event
func (eb *EventBus) PublishPositionClosed(projectID, symbol string, exitPrice, realized float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"project_id":   projectID,
			"symbol":       symbol,
			"exit_price":   exitPrice,
			"realized_pnl": realized,
		},
	})
}

// PublishKlinesSynced publishes an ingestion tick summary
func (eb *EventBus) PublishKlinesSynced(symbols int, upserted int64, duration time.Duration) {
	eb.Publish(Event{
		Type: EventKlinesSynced,
		Data: map[string]interface{}{
			"symbols":     symbols,
			"upserted":    upserted,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}
