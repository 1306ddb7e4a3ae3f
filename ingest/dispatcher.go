package ingest

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueCap bounds how many events may wait per driver.
const DefaultQueueCap = 3

// Processor consumes events. *Worker is the production implementation.
type Processor interface {
	Process(ctx context.Context, ev Event) error
}

// Dispatcher serialises event processing per driver: one queue and at
// most one consumer goroutine per driver. Position reports coalesce
// (only the most recent queued one survives); completions are never
// dropped.
type Dispatcher struct {
	worker   Processor
	queueCap int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*driverQueue
}

type driverQueue struct {
	pending []Event
	running bool
}

func NewDispatcher(worker Processor, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		worker:   worker,
		queueCap: DefaultQueueCap,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		queues:   map[string]*driverQueue{},
	}
}

// Enqueue queues an event for its driver, starting a consumer if none
// is running. A full queue drops position reports with a RATE_LIMITED
// notification; completions are queued regardless.
func (d *Dispatcher) Enqueue(ev Event) bool {
	d.mu.Lock()

	q := d.queues[ev.DriverID]
	if q == nil {
		q = &driverQueue{}
		d.queues[ev.DriverID] = q
	}

	if !d.push(q, ev) {
		d.mu.Unlock()
		d.logger.Debug("event queue full, dropping position report",
			zap.String("driver_id", ev.DriverID))
		ev.notify(CodeRateLimited, "too many pending position reports")
		return false
	}

	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(ev.DriverID, q)
	}
	d.mu.Unlock()
	return true
}

// push appends under d.mu. A pure position report replaces the queued
// one if present, so a burst of reports collapses to the latest.
func (d *Dispatcher) push(q *driverQueue, ev Event) bool {
	if ev.CompletedStopID == "" {
		for i := len(q.pending) - 1; i >= 0; i-- {
			if q.pending[i].CompletedStopID == "" {
				q.pending[i] = ev
				return true
			}
		}
		if len(q.pending) >= d.queueCap {
			return false
		}
	}
	q.pending = append(q.pending, ev)
	return true
}

func (d *Dispatcher) drain(driverID string, q *driverQueue) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(q.pending) == 0 || d.ctx.Err() != nil {
			q.running = false
			d.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		if err := d.worker.Process(d.ctx, ev); err != nil {
			d.logger.Error("processing event",
				zap.String("driver_id", driverID), zap.Error(err))
		}
	}
}

// Close stops accepting work and waits for running consumers.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
