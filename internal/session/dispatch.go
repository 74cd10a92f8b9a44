package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultEventBuffer = 32

// dispatcher hands events to a sink on its own goroutine. When the queue is
// full the oldest queued partial is dropped; final and error events are
// always queued. Delivery is FIFO.
type dispatcher struct {
	sink    EventSink
	limit   int
	logger  *slog.Logger
	onDrop  func()
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []TranscriptEvent
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

func newDispatcher(sink EventSink, limit int, logger *slog.Logger, onDrop func()) *dispatcher {
	if limit <= 0 {
		limit = defaultEventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &dispatcher{
		sink:   sink,
		limit:  limit,
		logger: logger,
		onDrop: onDrop,
		queue:  make([]TranscriptEvent, 0, limit),
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) publish(ev TranscriptEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if ev.Kind == KindPartial && len(d.queue) >= d.limit {
		idx := -1
		for i, queued := range d.queue {
			if queued.Kind == KindPartial {
				idx = i
				break
			}
		}
		d.drop()
		if idx < 0 {
			// Queue holds only terminal events; the new partial is the stale one.
			return
		}
		d.queue = append(d.queue[:idx], d.queue[idx+1:]...)
	}
	d.queue = append(d.queue, ev)
	d.cond.Signal()
}

func (d *dispatcher) drop() {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
}

func (d *dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// close stops accepting events, delivers what is queued and waits for the
// loop to exit.
func (d *dispatcher) close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	<-d.done
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue[0] = TranscriptEvent{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliver(ev)
	}
}

func (d *dispatcher) deliver(ev TranscriptEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event sink panicked", slog.String("kind", string(ev.Kind)), slog.String("error", fmt.Sprint(r)))
		}
	}()
	if d.sink != nil {
		d.sink.Deliver(ev)
	}
}
