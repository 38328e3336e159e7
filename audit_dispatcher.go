package goAuthSync

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const defaultAuditMaxWait = 100 * time.Millisecond

// auditDispatcher hands audit events to the sink on its own goroutine. Emit is called
// from login and logout, from the bus delivery path and from refresh flights, so it
// never waits longer than the configured MaxWait for queue room.
type auditDispatcher struct {
	sink    AuditSink
	logger  *log.Logger
	queue   chan AuditEvent
	maxWait time.Duration // zero means drop as soon as the queue is full

	stop     chan struct{}
	stopOnce sync.Once
	worker   sync.WaitGroup

	stopped   atomic.Bool
	fullDrops atomic.Uint64
	waitDrops atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, logger *log.Logger) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	d := &auditDispatcher{
		sink:   sink,
		logger: logger,
		queue:  make(chan AuditEvent, max(cfg.BufferSize, 1)),
		stop:   make(chan struct{}),
	}
	if !cfg.DropIfFull {
		d.maxWait = cfg.MaxWait
		if d.maxWait <= 0 {
			d.maxWait = defaultAuditMaxWait
		}
	}

	d.worker.Add(1)
	go d.loop()
	return d
}

func (d *auditDispatcher) loop() {
	defer d.worker.Done()
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			d.flush()
			return
		}
	}
}

func (d *auditDispatcher) flush() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *auditDispatcher) deliver(event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("audit.sink.panic", "event", event.EventType, "recovered", r)
		}
	}()
	d.sink.Emit(context.Background(), event)
}

// Emit queues event for the sink. A full queue drops the event at once when DropIfFull
// is set. Otherwise Emit waits for room until MaxWait passes or ctx ends, and then drops
// it. Every drop is counted in Dropped.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.stopped.Load() {
		return
	}

	select {
	case d.queue <- event:
		return
	default:
	}

	if d.maxWait == 0 {
		d.fullDrops.Add(1)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(d.maxWait)
	defer timer.Stop()
	select {
	case d.queue <- event:
	case <-d.stop:
	case <-ctx.Done():
		d.waitDrops.Add(1)
	case <-timer.C:
		d.waitDrops.Add(1)
	}
}

// Close stops accepting events, hands whatever is queued to the sink and waits for the
// worker. Calling it again is a no-op.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
		d.worker.Wait()
		if n := d.Dropped(); n > 0 {
			d.logger.Warn("audit.dropped", "full", d.fullDrops.Load(), "timed_out", d.waitDrops.Load())
		}
	})
}

// Dropped reports events lost to a full queue, whether dropped at once or after MaxWait.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.fullDrops.Load() + d.waitDrops.Load()
}
