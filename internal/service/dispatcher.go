// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrDispatcherStopped is returned when work is posted after Stop
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher runs posted functions one at a time on a single goroutine.
// Everything it runs may touch controller state without locking.
type Dispatcher struct {
	queue  chan func()
	quit   chan struct{}
	done   chan struct{}
	start  sync.Once
	stop   sync.Once
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher with the given queue length
func NewDispatcher(size int, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  make(chan func(), size),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start starts the consumer goroutine
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		go d.run()
	})
}

// Stop stops the consumer and waits for the function in progress
func (d *Dispatcher) Stop() {
	d.stop.Do(func() {
		close(d.quit)
	})
	// never started: nothing will close done
	d.start.Do(func() {
		close(d.done)
	})
	<-d.done
}

// Post queues fn. It blocks while the queue is full, until ctx ends or the
// dispatcher stops.
func (d *Dispatcher) Post(ctx context.Context, fn func()) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}

	select {
	case d.queue <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrDispatcherStopped
	}
}

// Call runs fn on the dispatcher and waits for it. Once queued, fn runs to
// completion even if ctx ends, so callers never observe half-applied state.
func (d *Dispatcher) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := d.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-d.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrDispatcherStopped
		}
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case fn := <-d.queue:
			d.invoke(fn)
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatched function panicked",
				zap.Any("panic", r),
				zap.Stack("stacktrace"),
			)
		}
	}()
	fn()
}
