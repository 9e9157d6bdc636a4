package clickhouse

import (
	"context"
	"sync"
	"time"

	"agentfleet/pkg/logger"
)

// FlushFunc writes one batch. It owns the slice it receives.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Config configures a BatchWriter
type Config[T any] struct {
	Flush     FlushFunc[T]
	TableName string
	MaxBatch  int           // default 500
	MaxAge    time.Duration // default 5s
	// MaxBuffered caps rows kept after failed flushes; the oldest rows are dropped beyond it.
	MaxBuffered int // default 10 * MaxBatch
}

// BatchWriter accumulates rows and flushes them when the batch is full or on a timer.
// A failed flush puts the rows back at the head of the buffer.
type BatchWriter[T any] struct {
	cfg Config[T]
	log *logger.Logger

	mu        sync.Mutex
	buffer    []T
	lastFlush time.Time
	dropped   int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewBatchWriter creates a writer. Call Start to enable the timer.
func NewBatchWriter[T any](cfg Config[T]) *BatchWriter[T] {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}
	if cfg.MaxBuffered < cfg.MaxBatch {
		cfg.MaxBuffered = cfg.MaxBatch * 10
	}
	return &BatchWriter[T]{
		cfg:       cfg,
		buffer:    make([]T, 0, cfg.MaxBatch),
		lastFlush: time.Now(),
		stopCh:    make(chan struct{}),
		log:       logger.Get().With("component", "batch_writer", "table", cfg.TableName),
	}
}

// Start runs the periodic flush loop until ctx is done or Stop is called
func (w *BatchWriter[T]) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)

	w.log.Infow("batch writer started", "max_batch", w.cfg.MaxBatch, "max_age", w.cfg.MaxAge)
}

// Add buffers one row and flushes when the batch is full
func (w *BatchWriter[T]) Add(ctx context.Context, row T) error {
	w.mu.Lock()
	w.buffer = append(w.buffer, row)
	full := len(w.buffer) >= w.cfg.MaxBatch
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes everything buffered so far
func (w *BatchWriter[T]) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = make([]T, 0, w.cfg.MaxBatch)
	w.lastFlush = time.Now()
	w.mu.Unlock()

	start := time.Now()
	if err := w.cfg.Flush(ctx, batch); err != nil {
		w.requeue(batch)
		w.log.Errorw("flush failed", "rows", len(batch), "error", err, "took", time.Since(start))
		return err
	}

	w.log.Debugw("flushed", "rows", len(batch), "took", time.Since(start))
	return nil
}

func (w *BatchWriter[T]) requeue(batch []T) {
	w.mu.Lock()
	defer w.mu.Unlock()

	merged := make([]T, 0, len(batch)+len(w.buffer))
	merged = append(merged, batch...)
	merged = append(merged, w.buffer...)
	if over := len(merged) - w.cfg.MaxBuffered; over > 0 {
		merged = merged[over:]
		w.dropped += over
	}
	w.buffer = merged
}

func (w *BatchWriter[T]) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.MaxAge)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalFlush()
			return
		case <-w.stopCh:
			w.finalFlush()
			return
		case <-ticker.C:
			if w.Len() > 0 {
				_ = w.Flush(ctx)
			}
		}
	}
}

func (w *BatchWriter[T]) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		w.log.Errorw("final flush failed", "error", err)
	}
}

// Stop flushes what is left and waits for the loop to exit
func (w *BatchWriter[T]) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.Flush(ctx)
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.log.Warn("batch writer stop timed out")
		return ctx.Err()
	}
}

// Len returns the number of buffered rows
func (w *BatchWriter[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Dropped returns how many rows were discarded after repeated flush failures
func (w *BatchWriter[T]) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
