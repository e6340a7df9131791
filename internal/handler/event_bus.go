// internal/handler/event_bus.go
package handler

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"serial-terminal/internal/service"
)

// EventBus moves controller changes off the dispatcher goroutine and fans
// them out to websocket clients. Publish never blocks.
type EventBus struct {
	events      chan WebSocketMessage
	connections *ConnectionManager
	quit        chan struct{}
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(connections *ConnectionManager, size int, logger *zap.Logger) *EventBus {
	if size <= 0 {
		size = 1000
	}
	return &EventBus{
		events:      make(chan WebSocketMessage, size),
		connections: connections,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Start starts the event bus
func (eb *EventBus) Start() {
	eb.startOnce.Do(func() {
		go eb.run()
	})
}

// Stop stops distribution; queued events are discarded
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.quit)
		eb.startOnce.Do(func() { close(eb.done) })
	})
	<-eb.done
}

func (eb *EventBus) run() {
	defer close(eb.done)

	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-eb.quit:
			return
		}
	}
}

// Publish publishes an event
func (eb *EventBus) Publish(event WebSocketMessage) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", event.Type),
		)
	}
}

// OnChange publishes a controller change; it is the observer passed to
// SessionController.Subscribe
func (eb *EventBus) OnChange(change service.Change) {
	eb.Publish(WebSocketMessage{
		Type:      MessagePropertyChanged,
		Data:      change,
		Timestamp: time.Now(),
	})
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event WebSocketMessage) {
	messageBytes, err := json.Marshal(event)
	if err != nil {
		eb.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	if dropped := eb.connections.Broadcast(messageBytes); dropped > 0 {
		eb.logger.Warn("Client send channel full during broadcast",
			zap.String("event_type", event.Type),
			zap.Int("dropped", dropped),
		)
	}
}
