// internal/protocol/serial/events.go
package serial

import (
	"sort"
	"sync"

	"serial-terminal/internal/model"
)

// listeners is a typed subscriber list. Handlers run on the publishing
// goroutine, outside the list lock, in subscription order.
type listeners[T any] struct {
	mutex    sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
}

func (l *listeners[T]) subscribe(handler func(T)) func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.handlers == nil {
		l.handlers = make(map[uint64]func(T))
	}
	id := l.nextID
	l.nextID++
	l.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mutex.Lock()
			delete(l.handlers, id)
			l.mutex.Unlock()
		})
	}
}

func (l *listeners[T]) publish(event T) {
	l.mutex.RLock()
	ids := make([]uint64, 0, len(l.handlers))
	for id := range l.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, l.handlers[id])
	}
	l.mutex.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (l *listeners[T]) count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.handlers)
}

// eventHub holds the three signals a session raises
type eventHub struct {
	data   listeners[model.DataReceivedEvent]
	errors listeners[model.ErrorEvent]
	status listeners[model.ConnectionStatusEvent]
}

// OnDataReceived subscribes to received chunks
func (s *Session) OnDataReceived(handler func(model.DataReceivedEvent)) (unsubscribe func()) {
	return s.events.data.subscribe(handler)
}

// OnError subscribes to recoverable faults
func (s *Session) OnError(handler func(model.ErrorEvent)) (unsubscribe func()) {
	return s.events.errors.subscribe(handler)
}

// OnConnectionStatus subscribes to open/close transitions
func (s *Session) OnConnectionStatus(handler func(model.ConnectionStatusEvent)) (unsubscribe func()) {
	return s.events.status.subscribe(handler)
}
