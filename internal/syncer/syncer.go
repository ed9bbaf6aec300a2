// Package syncer pushes committed event changes to external calendars.
//
// Delivery is best effort: one attempt per adapter, bounded by a timeout, failures logged and
// counted. The primary write never waits for it and is never rolled back because of it.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/gophcal/internal/metrics"
	"github.com/and161185/gophcal/internal/model"
)

// Op is the kind of change pushed to an external calendar.
type Op int

const (
	// OpUpsert creates or replaces the remote copy of a master (rule and exception dates included).
	OpUpsert Op = iota + 1
	// OpDelete removes the remote copy of a master.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Change is one committed mutation.
type Change struct {
	Op    Op
	Event model.Event
}

// Adapter talks to one external calendar.
type Adapter interface {
	Name() string
	Push(ctx context.Context, ch Change) error
}

// DefaultTimeout bounds one push when none is configured.
const DefaultTimeout = 10 * time.Second

// Dispatcher fans committed changes out to the adapters in the background.
type Dispatcher struct {
	adapters []Adapter
	timeout  time.Duration
	log      *zap.Logger
	rec      *metrics.Recorder

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher. With no adapters Notify is a no-op.
func NewDispatcher(log *zap.Logger, rec *metrics.Recorder, timeout time.Duration, adapters ...Adapter) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{adapters: adapters, timeout: timeout, log: log, rec: rec}
}

// Notify schedules ch for every adapter and returns immediately.
func (d *Dispatcher) Notify(ch Change) {
	if d == nil || len(d.adapters) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Warn("sync dropped after shutdown", zap.String("event_id", ch.Event.ID.String()))
		return
	}
	for _, a := range d.adapters {
		d.wg.Add(1)
		go d.push(a, ch)
	}
}

func (d *Dispatcher) push(a Adapter, ch Change) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.rec.Sync(a.Name(), fmt.Errorf("panic: %v", r))
			d.log.Error("sync adapter panic", zap.String("adapter", a.Name()), zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err := a.Push(ctx, ch)
	d.rec.Sync(a.Name(), err)
	if err != nil {
		d.log.Warn("sync failed",
			zap.String("adapter", a.Name()),
			zap.String("op", ch.Op.String()),
			zap.String("event_id", ch.Event.ID.String()),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	d.log.Debug("synced",
		zap.String("adapter", a.Name()),
		zap.String("op", ch.Op.String()),
		zap.String("event_id", ch.Event.ID.String()),
		zap.Duration("took", time.Since(start)),
	)
}

// Wait stops accepting changes and blocks until in-flight pushes finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
