package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultMaxBatch caps how many buffered events a sink receives in one call.
const defaultMaxBatch = 100

// BatchSink is a Sink that can deliver several events in one call.
type BatchSink interface {
	Sink
	WriteBatch(ctx context.Context, events []Event) error
}

type sinkWorker struct {
	sink   Sink
	events chan Event
}

// Emitter delivers events to its sinks in the background. Every sink has its
// own buffer and goroutine, so a slow sink never delays the others. Emit never
// blocks: when a sink's buffer is full the event is dropped for that sink and
// counted.
type Emitter struct {
	workers  []*sinkWorker
	logger   *slog.Logger
	timeout  time.Duration
	maxBatch int

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
	done    chan struct{}
}

// NewEmitter starts an Emitter with the given per-sink buffer size.
func NewEmitter(buffer int, logger *slog.Logger, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		logger:   logger,
		timeout:  5 * time.Second,
		maxBatch: defaultMaxBatch,
		done:     make(chan struct{}),
	}
	for _, s := range sinks {
		w := &sinkWorker{sink: s, events: make(chan Event, buffer)}
		e.workers = append(e.workers, w)
		e.wg.Add(1)
		go e.run(w)
	}
	return e
}

// Emit queues ev for every sink. Events emitted after Close are dropped.
func (e *Emitter) Emit(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop("audit emitter closed, dropping events")
		return
	}
	for _, w := range e.workers {
		select {
		case w.events <- ev:
		default:
			e.drop("audit buffer full, dropping events")
		}
	}
}

func (e *Emitter) drop(msg string) {
	if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
		e.logger.Warn(msg, "dropped_total", n)
	}
}

// Dropped reports how many deliveries were discarded.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *Emitter) run(w *sinkWorker) {
	defer e.wg.Done()
	batch := make([]Event, 0, e.maxBatch)
	for ev := range w.events {
		batch = append(batch[:0], ev)
	drain:
		for len(batch) < e.maxBatch {
			select {
			case next, ok := <-w.events:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		e.deliver(w.sink, batch)
	}
}

func (e *Emitter) deliver(s Sink, batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if bs, ok := s.(BatchSink); ok {
		if err := bs.WriteBatch(ctx, batch); err != nil {
			e.logger.Warn("audit sink batch write failed", "events", len(batch), "error", err)
		}
		return
	}
	for _, ev := range batch {
		if err := s.Write(ctx, ev); err != nil {
			e.logger.Warn("audit sink write failed",
				"action", ev.Action, "resource_id", ev.ResourceID, "error", err)
		}
	}
}

// Close stops accepting events and waits for buffered ones to be delivered
// or for ctx to expire. Emit may still be called afterwards; its events are
// dropped.
func (e *Emitter) Close(ctx context.Context) error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		for _, w := range e.workers {
			close(w.events)
		}
		e.mu.Unlock()

		go func() {
			e.wg.Wait()
			close(e.done)
		}()
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Recorder = (*Emitter)(nil)
