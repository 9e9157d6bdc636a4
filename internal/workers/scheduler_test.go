package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWorker struct {
	*BaseWorker
	runs  int32
	runFn func(ctx context.Context) error
}

func newCountingWorker(name string, interval time.Duration, enabled bool) *countingWorker {
	return &countingWorker{BaseWorker: NewBaseWorker(name, interval, enabled)}
}

func (w *countingWorker) Run(ctx context.Context) error {
	atomic.AddInt32(&w.runs, 1)
	if w.runFn != nil {
		return w.runFn(ctx)
	}
	return nil
}

func (w *countingWorker) count() int {
	return int(atomic.LoadInt32(&w.runs))
}

type blockingListener struct {
	started chan struct{}
	stopped chan struct{}
}

func (l *blockingListener) Name() string { return "blocking" }

func (l *blockingListener) Listen(ctx context.Context) error {
	close(l.started)
	<-ctx.Done()
	close(l.stopped)
	return ctx.Err()
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(time.Second)
	w := newCountingWorker("ticker", 50*time.Millisecond, true)
	s.RegisterWorker(w)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return w.count() >= 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestScheduler_DisabledWorkerNeverRuns(t *testing.T) {
	s := NewScheduler(time.Second)
	on := newCountingWorker("on", 50*time.Millisecond, true)
	off := newCountingWorker("off", 50*time.Millisecond, false)
	s.RegisterWorker(on)
	s.RegisterWorker(off)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return on.count() > 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Zero(t, off.count())
}

func TestScheduler_CannotStartTwice(t *testing.T) {
	s := NewScheduler(time.Second)
	s.RegisterWorker(newCountingWorker("w", time.Hour, true))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())

	assert.Error(t, s.Stop(), "stopping a stopped scheduler")
}

func TestScheduler_RecordsHealth(t *testing.T) {
	s := NewScheduler(time.Second)
	w := newCountingWorker("flaky", time.Hour, true)
	w.runFn = func(context.Context) error { return errors.New("boom") }
	s.RegisterWorker(w)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return w.Health().RunCount == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	h := w.Health()
	assert.Equal(t, int64(1), h.ErrorCount)
	assert.Equal(t, "boom", h.LastError)
}

func TestScheduler_PanicIsContained(t *testing.T) {
	s := NewScheduler(time.Second)
	w := newCountingWorker("panicky", time.Hour, true)
	w.runFn = func(context.Context) error { panic("bad state") }
	s.RegisterWorker(w)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return w.Health().ErrorCount == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Contains(t, w.Health().LastError, "bad state")
}

func TestScheduler_ListenerStopsWithScheduler(t *testing.T) {
	s := NewScheduler(time.Second)
	l := &blockingListener{started: make(chan struct{}), stopped: make(chan struct{})}
	s.RegisterListener(l)

	require.NoError(t, s.Start(context.Background()))
	<-l.started
	require.NoError(t, s.Stop())

	select {
	case <-l.stopped:
	default:
		t.Fatal("listener still running after Stop")
	}
}

func TestScheduler_ShutdownTimeout(t *testing.T) {
	s := NewScheduler(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	w := newCountingWorker("stuck", time.Hour, true)
	w.runFn = func(context.Context) error {
		<-release
		return nil
	}
	s.RegisterWorker(w)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Error(t, s.Stop())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newCountingWorker("b_worker", time.Minute, true)
	b := newCountingWorker("a_worker", time.Minute, true)

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	assert.Error(t, r.Register(a))
	assert.Equal(t, []string{"a_worker", "b_worker"}, r.Names())

	require.NoError(t, r.SetEnabled("a_worker", false))
	assert.False(t, b.Enabled())
	assert.Error(t, r.SetEnabled("missing", true))

	a.Record(errors.New("down"), time.Millisecond)
	b.Record(errors.New("down"), time.Millisecond)
	assert.Equal(t, []string{"b_worker"}, r.Unhealthy(), "disabled workers are not reported")
	assert.Len(t, r.Health(), 2)
}
