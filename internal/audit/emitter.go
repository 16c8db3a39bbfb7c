package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBuffer        = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// EmitterOptions tune the in-process event buffer. Zero values use defaults.
type EmitterOptions struct {
	Buffer        int
	BatchSize     int
	FlushInterval time.Duration
}

// Emitter is a non-blocking, batched decision-event pipeline. Events go onto
// a bounded channel and a background goroutine drains them in batches to the
// sink. When the channel is full the newest event is dropped and counted —
// the dispatch path is never blocked.
type Emitter struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
}

// NewEmitter starts the drain goroutine. The sink must not be nil.
func NewEmitter(ctx context.Context, sink Sink, opts EmitterOptions) (*Emitter, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("audit: sink must not be nil")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}

	e := &Emitter{
		ch:      make(chan Event, opts.Buffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
	}

	e.wg.Add(1)
	go e.run(opts.BatchSize, opts.FlushInterval)

	return e, nil
}

// Emit enqueues an event. It never blocks; on overflow the event is dropped
// and the counter incremented.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		atomic.AddInt64(&e.dropped, 1)
	}
}

// Dropped returns the number of events lost to buffer overflow.
func (e *Emitter) Dropped() int64 {
	return atomic.LoadInt64(&e.dropped)
}

// Close drains the remaining events and stops the goroutine.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return e.sink.Close()
}

func (e *Emitter) run(batchSize int, flushInterval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		_ = e.sink.Write(e.baseCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-e.done:
			for {
				select {
				case ev := <-e.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
