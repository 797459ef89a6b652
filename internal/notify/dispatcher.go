package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultDeliverTimeout = 2 * time.Second

// Dispatcher queues events and delivers them to targets from a single
// background goroutine. A full queue drops the event.
type Dispatcher struct {
	queue   chan Message
	targets []Target
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewDispatcher starts a dispatcher with the given queue capacity.
func NewDispatcher(buffer int, logger *zap.Logger, targets ...Target) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:   make(chan Message, buffer),
		targets: targets,
		logger:  logger.Named("notify"),
		timeout: defaultDeliverTimeout,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Broadcast enqueues the event without blocking.
func (d *Dispatcher) Broadcast(operationID, event string, payload any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- Message{OperationID: operationID, Event: event, Data: payload, Timestamp: d.now()}:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was full
// or the dispatcher was closed.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, drains the queue and waits for delivery to
// finish or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for m := range d.queue {
		for _, t := range d.targets {
			d.deliver(t, m)
		}
	}
}

func (d *Dispatcher) deliver(t Target, m Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Debug("notify target panicked", zap.Any("panic", r), zap.String("event", m.Event))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := t.Deliver(ctx, m); err != nil {
		d.logger.Debug("notify delivery failed", zap.String("event", m.Event), zap.String("operation_id", m.OperationID), zap.Error(err))
	}
}
