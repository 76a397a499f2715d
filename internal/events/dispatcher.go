package events

import (
	"log/slog"
	"sync"
)

// Handler consumes dispatched events.
type Handler func(Event)

// Dispatcher decouples event producers from consumers with a bounded channel
// so that emission never blocks a pool holding its lock. A full queue drops
// the event with a log record rather than stalling the data path.
type Dispatcher struct {
	ch       chan Event
	handlers []Handler
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts a dispatcher with the given queue depth.
func NewDispatcher(buffer int, logger *slog.Logger, handlers ...Handler) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		ch:       make(chan Event, buffer),
		handlers: handlers,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.ch {
		for _, h := range d.handlers {
			h(ev)
		}
	}
}

// Emit enqueues an event without blocking.
func (d *Dispatcher) Emit(ev Event) {
	select {
	case d.ch <- ev:
	default:
		d.logger.Warn("event queue full, dropping event",
			"service", ev.ServiceName, "event", ev.Type)
	}
}

// Close drains the queue and waits for the handler loop to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.ch)
	})
	<-d.done
}
