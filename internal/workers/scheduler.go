package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentfleet/internal/metrics"
	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// Scheduler runs periodic workers and long-running listeners until stopped
type Scheduler struct {
	workers         []Worker
	listeners       []Listener
	shutdownTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	log     *logger.Logger
	started bool
}

// NewScheduler creates a scheduler. Stop waits at most shutdownTimeout for in-flight runs.
func NewScheduler(shutdownTimeout time.Duration) *Scheduler {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 2 * time.Minute
	}
	return &Scheduler{
		shutdownTimeout: shutdownTimeout,
		log:             logger.Get().With("component", "scheduler"),
	}
}

// RegisterWorker adds a periodic worker. Registration after Start is ignored.
func (s *Scheduler) RegisterWorker(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warnw("cannot register worker after scheduler has started", "worker", w.Name())
		return
	}
	s.workers = append(s.workers, w)
	s.log.Infow("worker registered", "worker", w.Name(), "interval", w.Interval())
}

// RegisterListener adds a long-running listener. Registration after Start is ignored.
func (s *Scheduler) RegisterListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warnw("cannot register listener after scheduler has started", "listener", l.Name())
		return
	}
	s.listeners = append(s.listeners, l)
	s.log.Infow("listener registered", "listener", l.Name())
}

// Start launches every enabled worker and every listener
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrInternal, "scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, w := range s.workers {
		if !w.Enabled() {
			s.log.Infow("skipping disabled worker", "worker", w.Name())
			continue
		}
		s.wg.Add(1)
		go s.runWorker(w)
	}
	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.runListener(l)
	}

	s.log.Infow("scheduler started", "workers", len(s.workers), "listeners", len(s.listeners))
	return nil
}

// Stop cancels all loops and waits for in-flight runs up to the shutdown timeout
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrInternal, "scheduler not started")
	}
	s.cancel()
	s.mu.Unlock()

	s.log.Info("stopping scheduler")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var shutdownErr error
	select {
	case <-done:
		s.log.Info("all workers stopped")
	case <-time.After(s.shutdownTimeout):
		s.log.Warnw("worker shutdown timed out", "timeout", s.shutdownTimeout)
		shutdownErr = errors.Wrapf(errors.ErrTimeout, "shutdown after %s", s.shutdownTimeout)
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return shutdownErr
}

func (s *Scheduler) runWorker(w Worker) {
	defer s.wg.Done()

	ticker := time.NewTicker(w.Interval())
	defer ticker.Stop()

	// first run happens immediately
	s.execute(w)

	for {
		select {
		case <-s.ctx.Done():
			s.log.Infow("worker stopped", "worker", w.Name())
			return
		case <-ticker.C:
			if w.Enabled() {
				s.execute(w)
			}
		}
	}
}

func (s *Scheduler) execute(w Worker) {
	start := time.Now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Errorw("worker panicked", "worker", w.Name(), "panic", r)
		}
		duration := time.Since(start)
		metrics.RecordWorkerExecution(w.Name(), duration, err)
		if rec, ok := w.(interface{ Record(error, time.Duration) }); ok {
			rec.Record(err, duration)
		}
	}()

	err = w.Run(s.ctx)
	if err != nil {
		s.log.Errorw("worker run failed", "worker", w.Name(), "error", err, "duration", time.Since(start))
		return
	}
	s.log.Debugw("worker run completed", "worker", w.Name(), "duration", time.Since(start))
}

func (s *Scheduler) runListener(l Listener) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("listener panicked", "listener", l.Name(), "panic", r)
		}
	}()

	s.log.Infow("listener started", "listener", l.Name())
	if err := l.Listen(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Errorw("listener stopped", "listener", l.Name(), "error", err)
		return
	}
	s.log.Infow("listener stopped", "listener", l.Name())
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
